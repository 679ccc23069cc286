package types

import "time"

type GpuVendor string

const (
	GpuVendorNvidia GpuVendor = "nvidia"
	GpuVendorAMD    GpuVendor = "amd"
	GpuVendorOther  GpuVendor = "other"
)

// Gpu describes one local accelerator as reported by the vendor tool.
// Records are immutable for the lifetime of a probe cycle.
type Gpu struct {
	ID            int       `json:"id"`
	Vendor        GpuVendor `json:"vendor"`
	Name          string    `json:"name"`
	MemoryTotalMB int       `json:"memory_total_mb"`
	MemoryFreeMB  int       `json:"memory_free_mb"`
	ComputeTier   int       `json:"compute_tier"`
	SupportsFP16  bool      `json:"supports_fp16"`
	SupportsBF16  bool      `json:"supports_bf16"`
}

// GpuHealth is a point-in-time utilization snapshot for a single GPU.
type GpuHealth struct {
	GpuID          int       `json:"gpu_id"`
	TemperatureC   float64   `json:"temperature_c"`
	GpuUtilPercent float64   `json:"gpu_util_percent"`
	MemUtilPercent float64   `json:"mem_util_percent"`
	MemUsedMB      int       `json:"mem_used_mb"`
	MemTotalMB     int       `json:"mem_total_mb"`
	PowerDrawW     float64   `json:"power_draw_w"`
	Healthy        bool      `json:"healthy"`
	CollectedAt    time.Time `json:"collected_at"`
}
