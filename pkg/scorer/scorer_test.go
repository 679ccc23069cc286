package scorer

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/modelmux/modelmux/pkg/types"
)

func healthyInstance(id string) types.Instance {
	return types.Instance{ID: id, IsHealthy: true, HealthScore: 1.0}
}

func TestScore_FreshInstance(t *testing.T) {
	score := Score(healthyInstance("a"), types.InstanceMetrics{}, &types.InferenceRequest{})
	assert.Equal(t, 100.0, score)
}

func TestScore_LatencyPenalty(t *testing.T) {
	// Two idle instances differing only in average latency: the faster one
	// must win. Values mirror a 2000ms vs 200ms pool.
	a := Score(healthyInstance("a"), types.InstanceMetrics{AvgResponseTimeMs: 2000}, nil)
	b := Score(healthyInstance("b"), types.InstanceMetrics{AvgResponseTimeMs: 200}, nil)
	assert.InDelta(t, 98.0, a, 1e-9)
	assert.InDelta(t, 99.8, b, 1e-9)
	assert.Greater(t, b, a)
}

func TestScore_LatencyPenaltyCapped(t *testing.T) {
	s := Score(healthyInstance("a"), types.InstanceMetrics{AvgResponseTimeMs: 10_000_000}, nil)
	assert.Equal(t, 50.0, s)
}

func TestScore_ActiveRequestsPenalty(t *testing.T) {
	s := Score(healthyInstance("a"), types.InstanceMetrics{ActiveRequests: 3}, nil)
	assert.Equal(t, 70.0, s)
}

func TestScore_ErrorRatePenalty(t *testing.T) {
	m := types.InstanceMetrics{TotalRequests: 10, ErrorCount: 5, SuccessCount: 5}
	s := Score(healthyInstance("a"), m, nil)
	assert.Equal(t, 75.0, s)
}

func TestScore_GpuAffinityBonus(t *testing.T) {
	gpu0 := 0
	gpu1 := 1
	inst := healthyInstance("a")
	inst.GpuID = &gpu0

	withPref := Score(inst, types.InstanceMetrics{}, &types.InferenceRequest{PreferredGpuID: &gpu0})
	assert.Equal(t, 120.0, withPref)

	otherPref := Score(inst, types.InstanceMetrics{}, &types.InferenceRequest{PreferredGpuID: &gpu1})
	assert.Equal(t, 100.0, otherPref)

	noGpu := healthyInstance("b")
	assert.Equal(t, 100.0, Score(noGpu, types.InstanceMetrics{}, &types.InferenceRequest{PreferredGpuID: &gpu0}))
}

func TestScore_ScaledByHealthScore(t *testing.T) {
	inst := healthyInstance("a")
	inst.HealthScore = 0.5
	assert.Equal(t, 50.0, Score(inst, types.InstanceMetrics{}, nil))
}

func TestScore_NeverNegative(t *testing.T) {
	m := types.InstanceMetrics{ActiveRequests: 50, AvgResponseTimeMs: 60000, TotalRequests: 10, ErrorCount: 10}
	s := Score(healthyInstance("a"), m, nil)
	assert.Equal(t, 0.0, s)
}

func TestScore_DeterministicAndBounded(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	gpu0 := 0
	inst := healthyInstance("a")
	inst.GpuID = &gpu0
	req := &types.InferenceRequest{PreferredGpuID: &gpu0}

	for i := 0; i < 10_000; i++ {
		total := rng.Int63n(1000)
		errs := int64(0)
		if total > 0 {
			errs = rng.Int63n(total + 1)
		}
		m := types.InstanceMetrics{
			ActiveRequests:    rng.Int63n(20),
			TotalRequests:     total,
			ErrorCount:        errs,
			SuccessCount:      total - errs,
			ConsecutiveErrors: rng.Intn(10),
			AvgResponseTimeMs: rng.Float64() * 100000,
		}
		inst.HealthScore = HealthScore(m)

		first := Score(inst, m, req)
		second := Score(inst, m, req)
		assert.Equal(t, first, second)
		assert.GreaterOrEqual(t, first, 0.0)
		assert.LessOrEqual(t, first, 120.0)
	}
}

func TestHealthScore_Fresh(t *testing.T) {
	assert.Equal(t, 1.0, HealthScore(types.InstanceMetrics{}))
}

func TestHealthScore_SuccessRate(t *testing.T) {
	m := types.InstanceMetrics{TotalRequests: 10, SuccessCount: 8, ErrorCount: 2}
	assert.InDelta(t, 0.8, HealthScore(m), 1e-9)
}

func TestHealthScore_LatencyTiers(t *testing.T) {
	assert.InDelta(t, 0.8, HealthScore(types.InstanceMetrics{AvgResponseTimeMs: 20000}), 1e-9)
	assert.InDelta(t, 0.5, HealthScore(types.InstanceMetrics{AvgResponseTimeMs: 40000}), 1e-9)
	assert.Equal(t, 1.0, HealthScore(types.InstanceMetrics{AvgResponseTimeMs: 14000}))
}

func TestHealthScore_ConsecutiveErrorDecay(t *testing.T) {
	m := types.InstanceMetrics{ConsecutiveErrors: 2}
	assert.InDelta(t, 0.81, HealthScore(m), 1e-9)
}

func TestHealthScore_Floor(t *testing.T) {
	m := types.InstanceMetrics{
		TotalRequests:     100,
		ErrorCount:        99,
		SuccessCount:      1,
		ConsecutiveErrors: 50,
		AvgResponseTimeMs: 60000,
	}
	assert.Equal(t, 0.1, HealthScore(m))
}
