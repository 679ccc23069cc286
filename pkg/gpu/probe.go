// Package gpu enumerates local accelerators by shelling out to the vendor
// tools (nvidia-smi, rocm-smi fallback) and parsing their tabular output.
// A missing tool is not an error: hosts without GPUs get an empty list and
// the registry falls back to single-instance provisioning.
package gpu

import (
	"context"
	"fmt"
	"os/exec"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/modelmux/modelmux/pkg/types"
)

const (
	nvidiaSmiCmd = "nvidia-smi"
	rocmSmiCmd   = "rocm-smi"

	enumerateCacheTTL = 5 * time.Minute
	probeCmdTimeout   = 10 * time.Second

	maxHealthyTemperatureC   = 85.0
	maxHealthyMemUtilPercent = 95.0
)

// CommandRunner executes a probe command and returns its stdout. Injected so
// tests can stub the vendor tools.
type CommandRunner func(ctx context.Context, name string, args ...string) ([]byte, error)

func execRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, probeCmdTimeout)
	defer cancel()
	return exec.CommandContext(ctx, name, args...).Output()
}

// Probe caches enumeration results and coalesces concurrent callers onto a
// single in-flight vendor-tool invocation.
type Probe struct {
	run CommandRunner
	sf  singleflight.Group
	now func() time.Time

	mu       sync.Mutex
	cached   []types.Gpu
	cachedAt time.Time
}

func NewProbe() *Probe {
	return &Probe{run: execRunner, now: time.Now}
}

// NewProbeWithRunner is for tests.
func NewProbeWithRunner(run CommandRunner) *Probe {
	return &Probe{run: run, now: time.Now}
}

// Enumerate lists the local GPUs. Results are cached for five minutes;
// concurrent callers share one probe. Absence of any vendor tool yields an
// empty list, never an error.
func (p *Probe) Enumerate(ctx context.Context) []types.Gpu {
	p.mu.Lock()
	if p.cached != nil && p.now().Sub(p.cachedAt) < enumerateCacheTTL {
		gpus := p.cached
		p.mu.Unlock()
		return gpus
	}
	p.mu.Unlock()

	result, _, _ := p.sf.Do("enumerate", func() (any, error) {
		gpus := p.enumerate(ctx)
		p.mu.Lock()
		p.cached = gpus
		p.cachedAt = p.now()
		p.mu.Unlock()
		return gpus, nil
	})
	return result.([]types.Gpu)
}

// Invalidate drops the cached enumeration; the registry calls this before a
// reprovision so the next Enumerate reflects current hardware.
func (p *Probe) Invalidate() {
	p.mu.Lock()
	p.cached = nil
	p.cachedAt = time.Time{}
	p.mu.Unlock()
}

func (p *Probe) enumerate(ctx context.Context) []types.Gpu {
	out, err := p.run(ctx, nvidiaSmiCmd,
		"--query-gpu=index,name,memory.total,memory.free,compute_cap",
		"--format=csv,noheader,nounits")
	if err == nil {
		gpus := parseNvidiaList(out)
		log.Debug().Int("count", len(gpus)).Msg("enumerated nvidia gpus")
		return gpus
	}
	log.Debug().Err(err).Msg("nvidia-smi unavailable, trying rocm-smi")

	out, err = p.run(ctx, rocmSmiCmd, "--showproductname", "--showmeminfo", "vram", "--csv")
	if err == nil {
		gpus := parseRocmList(out)
		log.Debug().Int("count", len(gpus)).Msg("enumerated amd gpus")
		return gpus
	}
	log.Debug().Err(err).Msg("no gpu vendor tool available")
	return []types.Gpu{}
}

// HealthSnapshot queries utilization for a single GPU. Unlike Enumerate this
// can fail, the caller decides whether missing telemetry matters.
func (p *Probe) HealthSnapshot(ctx context.Context, gpuID int) (types.GpuHealth, error) {
	out, err := p.run(ctx, nvidiaSmiCmd,
		"--query-gpu=temperature.gpu,utilization.gpu,utilization.memory,memory.used,memory.total,power.draw",
		"--format=csv,noheader,nounits",
		"-i", fmt.Sprintf("%d", gpuID))
	if err != nil {
		return types.GpuHealth{}, fmt.Errorf("querying gpu %d health: %w", gpuID, err)
	}
	health, ok := parseNvidiaHealth(gpuID, out)
	if !ok {
		return types.GpuHealth{}, fmt.Errorf("unparseable health row for gpu %d", gpuID)
	}
	health.CollectedAt = p.now()
	return health, nil
}
