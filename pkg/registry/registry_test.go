package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modelmux/modelmux/pkg/config"
	"github.com/modelmux/modelmux/pkg/types"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg, err := config.Load()
	require.NoError(t, err)
	return cfg
}

func TestProvision_Autodiscovery(t *testing.T) {
	r := New()
	cfg := testConfig(t)

	gpus := []types.Gpu{
		{ID: 0, Vendor: types.GpuVendorNvidia, MemoryTotalMB: 24564},
		{ID: 1, Vendor: types.GpuVendorNvidia, MemoryTotalMB: 8192},
	}
	require.NoError(t, r.Provision(cfg, gpus))

	snap := r.Snapshot()
	// 24GB GPU gets two instances, 8GB GPU gets one.
	require.Len(t, snap, 3)

	byID := map[string]types.Instance{}
	for _, inst := range snap {
		byID[inst.ID] = inst
	}

	inst := byID["gpu0-0"]
	assert.Equal(t, 11434, inst.Port)
	assert.Equal(t, "http://127.0.0.1:11434", inst.BaseURL)
	assert.Equal(t, 24564/2, inst.MaxMemoryMB)
	assert.Contains(t, inst.SupportedModels, "mixtral:8x7b")
	assert.True(t, inst.IsHealthy)
	assert.Equal(t, 1.0, inst.HealthScore)

	assert.Equal(t, 11435, byID["gpu0-1"].Port)

	gpu1 := byID["gpu1-0"]
	assert.Equal(t, 11444, gpu1.Port) // basePort + gpuId*10 + i
	assert.Equal(t, 8192, gpu1.MaxMemoryMB)
	assert.Contains(t, gpu1.SupportedModels, "codegemma:7b")
	assert.NotContains(t, gpu1.SupportedModels, "yi:34b")
}

func TestProvision_LoadBalancingDisabled(t *testing.T) {
	r := New()
	cfg := testConfig(t)
	cfg.EnableGpuLoadBalancing = false

	require.NoError(t, r.Provision(cfg, []types.Gpu{{ID: 0, MemoryTotalMB: 24564}}))

	snap := r.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, "default-0", snap[0].ID)
	assert.Equal(t, cfg.DefaultPort, snap[0].Port)
	assert.Nil(t, snap[0].GpuID)
}

func TestProvision_ExplicitOverrides(t *testing.T) {
	r := New()
	cfg := testConfig(t)
	cfg.GpuInstances = config.GpuInstanceList{
		{GpuID: 0, Port: 9000, Enabled: true},
		{GpuID: 1, Port: 9001, Enabled: false},
	}

	gpus := []types.Gpu{{ID: 0, MemoryTotalMB: 16384}, {ID: 1, MemoryTotalMB: 16384}}
	require.NoError(t, r.Provision(cfg, gpus))

	snap := r.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, "gpu0-0", snap[0].ID)
	assert.Equal(t, 9000, snap[0].Port)
	assert.Contains(t, snap[0].SupportedModels, "gemma2:9b")
}

func TestProvision_NoGpusFallsBackToDefault(t *testing.T) {
	r := New()
	require.NoError(t, r.Provision(testConfig(t), nil))

	snap := r.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, "default-0", snap[0].ID)
}

func TestSnapshot_IsACopy(t *testing.T) {
	r := New()
	r.Add(types.Instance{ID: "a", IsHealthy: true, HealthScore: 1.0})

	snap := r.Snapshot()
	snap[0].IsHealthy = false

	got, ok := r.Get("a")
	require.True(t, ok)
	assert.True(t, got.IsHealthy)
}

func TestSnapshot_OrderedByID(t *testing.T) {
	r := New()
	r.Add(types.Instance{ID: "b"})
	r.Add(types.Instance{ID: "a"})
	r.Add(types.Instance{ID: "c"})

	snap := r.Snapshot()
	assert.Equal(t, []string{"a", "b", "c"}, []string{snap[0].ID, snap[1].ID, snap[2].ID})
}

func TestUpdate(t *testing.T) {
	r := New()
	r.Add(types.Instance{ID: "a", IsHealthy: true, HealthScore: 1.0})

	ok := r.Update("a", func(inst *types.Instance) {
		inst.IsHealthy = false
		inst.HealthScore = 0.4
	})
	require.True(t, ok)

	got, _ := r.Get("a")
	assert.False(t, got.IsHealthy)
	assert.Equal(t, 0.4, got.HealthScore)

	assert.False(t, r.Update("missing", func(*types.Instance) {}))
}

func TestRecommendedModels_Tiers(t *testing.T) {
	assert.Equal(t, []string{"llama3:8b-q4"}, RecommendedModels(4096))
	assert.Contains(t, RecommendedModels(8192), "llama3:8b")
	assert.Contains(t, RecommendedModels(12288), "gemma2:9b")
	assert.Contains(t, RecommendedModels(24576), "yi:34b")
	assert.NotContains(t, RecommendedModels(12288), "mixtral:8x7b")

	// Vendor tools report a little under the nominal card size; a real 24GB
	// card still lands in the top tier.
	assert.Contains(t, RecommendedModels(24564), "mixtral:8x7b")
	assert.Contains(t, RecommendedModels(8112), "codegemma:7b")

	// Below the bottom tier nothing fits.
	assert.Empty(t, RecommendedModels(2048))
}

func TestProvision_SkipsGpusBelowMinimumTier(t *testing.T) {
	r := New()
	cfg := testConfig(t)

	gpus := []types.Gpu{
		{ID: 0, Vendor: types.GpuVendorNvidia, MemoryTotalMB: 2048},
		{ID: 1, Vendor: types.GpuVendorNvidia, MemoryTotalMB: 8192},
	}
	require.NoError(t, r.Provision(cfg, gpus))

	snap := r.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, "gpu1-0", snap[0].ID)
}

func TestProvision_OnlySubMinimumGpusFallsBackToDefault(t *testing.T) {
	r := New()
	require.NoError(t, r.Provision(testConfig(t), []types.Gpu{{ID: 0, MemoryTotalMB: 2048}}))

	snap := r.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, "default-0", snap[0].ID)
}
