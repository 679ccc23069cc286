// Package scorer holds the pure scoring arithmetic used for every dispatch
// decision. Both functions are deterministic over their inputs and carry no
// state; the ledger supplies the metrics, the registry supplies the instance.
package scorer

import (
	"math"

	"github.com/modelmux/modelmux/pkg/types"
)

const (
	baseScore          = 100.0
	activePenalty      = 10.0
	latencyPenaltyCap  = 50.0
	errorPenaltyWeight = 50.0
	gpuAffinityBonus   = 20.0

	healthScoreFloor = 0.1
	healthScoreCeil  = 1.0
)

// Score rates an instance for one request. Higher is better; the result is
// bounded to [0, 120] (base 100 plus the GPU affinity bonus, scaled by a
// health score of at most 1).
func Score(inst types.Instance, m types.InstanceMetrics, req *types.InferenceRequest) float64 {
	score := baseScore
	score -= activePenalty * float64(m.ActiveRequests)
	score -= math.Min(latencyPenaltyCap, m.AvgResponseTimeMs/1000)
	if m.TotalRequests > 0 {
		score -= errorPenaltyWeight * float64(m.ErrorCount) / float64(m.TotalRequests)
	}
	if req != nil && req.PreferredGpuID != nil && inst.GpuID != nil && *req.PreferredGpuID == *inst.GpuID {
		score += gpuAffinityBonus
	}
	score *= inst.HealthScore
	return math.Max(score, 0)
}

// HealthScore derives an instance's health multiplier from its metrics:
// success rate, sustained latency and the consecutive-error streak. Bounded
// to [0.1, 1.0] so even a struggling instance keeps a nonzero score as a
// last resort.
func HealthScore(m types.InstanceMetrics) float64 {
	hs := 1.0
	if m.TotalRequests > 0 {
		hs *= m.SuccessRate()
	}
	switch {
	case m.AvgResponseTimeMs > 30000:
		hs *= 0.5
	case m.AvgResponseTimeMs > 15000:
		hs *= 0.8
	}
	hs *= math.Pow(0.9, float64(m.ConsecutiveErrors))
	return clamp(hs, healthScoreFloor, healthScoreCeil)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
