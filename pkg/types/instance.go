package types

import (
	"slices"
	"time"
)

type InstanceKind string

const (
	InstanceKindLocal  InstanceKind = "local"
	InstanceKindOpenAI InstanceKind = "openai"
)

// Instance is a stable record for one logical inference endpoint, typically a
// GPU-pinned model server process listening on its own port. Instances are
// created at provisioning time and live for the whole process; only the
// health fields change afterwards, always through the registry.
type Instance struct {
	ID      string       `json:"id"`
	GpuID   *int         `json:"gpu_id,omitempty"`
	Port    int          `json:"port"`
	BaseURL string       `json:"base_url"`
	Kind    InstanceKind `json:"kind"`

	MaxMemoryMB     int      `json:"max_memory_mb"`
	SupportedModels []string `json:"supported_models"`

	IsHealthy       bool       `json:"is_healthy"`
	HealthScore     float64    `json:"health_score"`
	LastHealthCheck time.Time  `json:"last_health_check"`
	LastError       *time.Time `json:"last_error,omitempty"`
}

// SupportsModel reports whether the instance is configured to serve modelID.
// An instance with no configured model list serves anything.
func (i *Instance) SupportsModel(modelID string) bool {
	if len(i.SupportedModels) == 0 {
		return true
	}
	return slices.Contains(i.SupportedModels, modelID)
}

// InstanceMetrics is the ledger's view of one instance. All counters are
// cumulative since process start; there is no persistence across restarts.
type InstanceMetrics struct {
	ActiveRequests     int64     `json:"active_requests"`
	TotalRequests      int64     `json:"total_requests"`
	SuccessCount       int64     `json:"success_count"`
	ErrorCount         int64     `json:"error_count"`
	ConsecutiveErrors  int       `json:"consecutive_errors"`
	AvgResponseTimeMs  float64   `json:"avg_response_time_ms"`
	LastResponseTimeMs float64   `json:"last_response_time_ms"`
	LastErrorAt        time.Time `json:"last_error_at,omitempty"`
	LastErrorCode      string    `json:"last_error_code,omitempty"`
}

// SuccessRate returns successCount/totalRequests, or 1 when nothing has been
// dispatched yet so a fresh instance is not penalised.
func (m InstanceMetrics) SuccessRate() float64 {
	if m.TotalRequests == 0 {
		return 1
	}
	return float64(m.SuccessCount) / float64(m.TotalRequests)
}

// InstanceHealth is one row of the dispatcher's health rollup.
type InstanceHealth struct {
	ID                string  `json:"id"`
	GpuID             *int    `json:"gpu_id,omitempty"`
	Port              int     `json:"port"`
	IsHealthy         bool    `json:"is_healthy"`
	HealthScore       float64 `json:"health_score"`
	ActiveRequests    int64   `json:"active_requests"`
	SuccessRate       float64 `json:"success_rate"`
	AvgResponseTimeMs float64 `json:"avg_response_time_ms"`

	GpuTemperatureC *float64 `json:"gpu_temperature_c,omitempty"`
	GpuUtilPercent  *float64 `json:"gpu_util_percent,omitempty"`
	MemUtilPercent  *float64 `json:"mem_util_percent,omitempty"`
}

// HealthReport is the full rollup returned by the dispatcher's health call.
type HealthReport struct {
	Instances []InstanceHealth `json:"instances"`
}
