package gpu

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modelmux/modelmux/pkg/types"
)

const nvidiaTwoGpus = `0, NVIDIA GeForce RTX 4090, 24564, 23102, 8.9
1, NVIDIA GeForce RTX 3060, 12288, 11800, 8.6
`

func TestParseNvidiaList(t *testing.T) {
	gpus := parseNvidiaList([]byte(nvidiaTwoGpus))
	require.Len(t, gpus, 2)

	assert.Equal(t, 0, gpus[0].ID)
	assert.Equal(t, types.GpuVendorNvidia, gpus[0].Vendor)
	assert.Equal(t, "NVIDIA GeForce RTX 4090", gpus[0].Name)
	assert.Equal(t, 24564, gpus[0].MemoryTotalMB)
	assert.Equal(t, 23102, gpus[0].MemoryFreeMB)
	assert.Equal(t, 89, gpus[0].ComputeTier)
	assert.True(t, gpus[0].SupportsFP16)
	assert.True(t, gpus[0].SupportsBF16)

	assert.Equal(t, 1, gpus[1].ID)
	assert.Equal(t, 12288, gpus[1].MemoryTotalMB)
}

func TestParseNvidiaList_SkipsMalformedRows(t *testing.T) {
	out := `0, NVIDIA T4, 16384, 15000, 7.5
garbage row
x, broken, 123, 100, 7.5
1, NVIDIA T4, 16384, notanumber, 7.5
`
	gpus := parseNvidiaList([]byte(out))
	// Row with bad memory.free keeps the GPU, free falls back to zero.
	require.Len(t, gpus, 2)
	assert.Equal(t, 0, gpus[0].ID)
	assert.False(t, gpus[0].SupportsBF16)
	assert.True(t, gpus[0].SupportsFP16)
	assert.Equal(t, 0, gpus[1].MemoryFreeMB)
}

func TestParseNvidiaList_Empty(t *testing.T) {
	assert.Empty(t, parseNvidiaList([]byte("\n\n")))
}

func TestParseNvidiaHealth(t *testing.T) {
	h, ok := parseNvidiaHealth(0, []byte("61, 87, 45, 10240, 24564, 310.5\n"))
	require.True(t, ok)
	assert.Equal(t, 61.0, h.TemperatureC)
	assert.Equal(t, 87.0, h.GpuUtilPercent)
	assert.Equal(t, 45.0, h.MemUtilPercent)
	assert.Equal(t, 10240, h.MemUsedMB)
	assert.Equal(t, 24564, h.MemTotalMB)
	assert.Equal(t, 310.5, h.PowerDrawW)
	assert.True(t, h.Healthy)
}

func TestParseNvidiaHealth_UnhealthyThresholds(t *testing.T) {
	hot, ok := parseNvidiaHealth(0, []byte("90, 10, 10, 100, 24564, 100"))
	require.True(t, ok)
	assert.False(t, hot.Healthy)

	full, ok := parseNvidiaHealth(0, []byte("60, 10, 97, 24000, 24564, 100"))
	require.True(t, ok)
	assert.False(t, full.Healthy)
}

func TestParseRocmList(t *testing.T) {
	out := `device,Card series,VRAM Total Memory (B),VRAM Total Used Memory (B)
card0,Radeon RX 7900 XTX,25753026560,1024000000
card1,Radeon RX 7800 XT,17163091968,512000000
`
	gpus := parseRocmList([]byte(out))
	require.Len(t, gpus, 2)
	assert.Equal(t, types.GpuVendorAMD, gpus[0].Vendor)
	assert.Equal(t, "Radeon RX 7900 XTX", gpus[0].Name)
	assert.Equal(t, 24560, gpus[0].MemoryTotalMB)
}

func TestEnumerate_MissingToolsYieldEmptyList(t *testing.T) {
	p := NewProbeWithRunner(func(_ context.Context, name string, _ ...string) ([]byte, error) {
		return nil, errors.New("executable file not found in $PATH")
	})
	gpus := p.Enumerate(context.Background())
	assert.NotNil(t, gpus)
	assert.Empty(t, gpus)
}

func TestEnumerate_RocmFallback(t *testing.T) {
	p := NewProbeWithRunner(func(_ context.Context, name string, _ ...string) ([]byte, error) {
		if name == nvidiaSmiCmd {
			return nil, errors.New("not found")
		}
		return []byte("device,Card series,VRAM Total Memory (B)\ncard0,Radeon,8589934592\n"), nil
	})
	gpus := p.Enumerate(context.Background())
	require.Len(t, gpus, 1)
	assert.Equal(t, types.GpuVendorAMD, gpus[0].Vendor)
}

func TestEnumerate_CachesAndCoalesces(t *testing.T) {
	var calls atomic.Int64
	p := NewProbeWithRunner(func(_ context.Context, _ string, _ ...string) ([]byte, error) {
		calls.Add(1)
		return []byte(nvidiaTwoGpus), nil
	})

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			gpus := p.Enumerate(context.Background())
			assert.Len(t, gpus, 2)
		}()
	}
	wg.Wait()

	// Concurrent callers share in-flight probes; the cache serves the rest.
	assert.LessOrEqual(t, calls.Load(), int64(2))

	before := calls.Load()
	p.Enumerate(context.Background())
	assert.Equal(t, before, calls.Load())

	p.Invalidate()
	p.Enumerate(context.Background())
	assert.Equal(t, before+1, calls.Load())
}

func TestHealthSnapshot_Error(t *testing.T) {
	p := NewProbeWithRunner(func(_ context.Context, _ string, _ ...string) ([]byte, error) {
		return nil, errors.New("nvidia-smi exited 1")
	})
	_, err := p.HealthSnapshot(context.Background(), 0)
	assert.Error(t, err)
}
