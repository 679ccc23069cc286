// Package registry materializes and owns the set of inference instances.
// Provisioning derives instances from the probed GPUs (or explicit config
// overrides); afterwards the registry serves copy-on-read snapshots and
// serialized mutations for the dispatcher and the health prober.
package registry

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/modelmux/modelmux/pkg/config"
	"github.com/modelmux/modelmux/pkg/types"
)

type Registry struct {
	mu        sync.RWMutex
	instances map[string]*types.Instance
}

func New() *Registry {
	return &Registry{instances: make(map[string]*types.Instance)}
}

// Provision builds the instance set from config and the probed GPUs.
// Explicit gpuInstances overrides win over autodiscovery; with GPU load
// balancing disabled a single instance on the default port is provisioned.
// Instances live for the whole process, so Provision replaces the set
// wholesale rather than merging.
func (r *Registry) Provision(cfg config.Config, gpus []types.Gpu) error {
	instances := make(map[string]*types.Instance)

	switch {
	case !cfg.EnableGpuLoadBalancing:
		inst := newInstance("default-0", nil, cfg.DefaultPort, 0, nil)
		instances[inst.ID] = inst

	case len(cfg.GpuInstances) > 0:
		gpuByID := make(map[int]types.Gpu, len(gpus))
		for _, g := range gpus {
			gpuByID[g.ID] = g
		}
		for _, override := range cfg.GpuInstances {
			if !override.Enabled {
				continue
			}
			gpuID := override.GpuID
			memMB := 0
			var models []string
			if g, ok := gpuByID[gpuID]; ok {
				memMB = g.MemoryTotalMB
				models = RecommendedModels(g.MemoryTotalMB)
			}
			inst := newInstance(fmt.Sprintf("gpu%d-0", gpuID), &gpuID, override.Port, memMB, models)
			instances[inst.ID] = inst
		}

	default:
		for _, g := range gpus {
			if g.MemoryTotalMB < tier4GB {
				log.Warn().Int("gpu_id", g.ID).Int("memory_mb", g.MemoryTotalMB).
					Msg("skipping gpu below minimum model memory tier")
				continue
			}
			n := RecommendedInstanceCount(g.MemoryTotalMB)
			for i := 0; i < n; i++ {
				gpuID := g.ID
				port := cfg.BasePort + g.ID*10 + i
				inst := newInstance(
					fmt.Sprintf("gpu%d-%d", g.ID, i),
					&gpuID,
					port,
					g.MemoryTotalMB/n,
					RecommendedModels(g.MemoryTotalMB),
				)
				instances[inst.ID] = inst
			}
		}
		if len(instances) == 0 {
			// No GPUs found: still serve through one CPU-bound endpoint.
			inst := newInstance("default-0", nil, cfg.DefaultPort, 0, nil)
			instances[inst.ID] = inst
		}
	}

	r.mu.Lock()
	r.instances = instances
	r.mu.Unlock()

	log.Info().Int("instances", len(instances)).Int("gpus", len(gpus)).Msg("provisioned instance registry")
	return nil
}

// newInstance builds a local instance record. A nil model list means the
// instance serves any model.
func newInstance(id string, gpuID *int, port, memMB int, models []string) *types.Instance {
	return &types.Instance{
		ID:              id,
		GpuID:           gpuID,
		Port:            port,
		BaseURL:         fmt.Sprintf("http://127.0.0.1:%d", port),
		Kind:            types.InstanceKindLocal,
		MaxMemoryMB:     memMB,
		SupportedModels: models,
		IsHealthy:       true,
		HealthScore:     1.0,
		LastHealthCheck: time.Now(),
	}
}

// Add registers a fully-formed instance, for cloud endpoints and tests.
func (r *Registry) Add(inst types.Instance) {
	r.mu.Lock()
	defer r.mu.Unlock()
	copied := inst
	r.instances[inst.ID] = &copied
}

// Snapshot returns a consistent copy of all instances ordered by ID.
func (r *Registry) Snapshot() []types.Instance {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]types.Instance, 0, len(r.instances))
	for _, inst := range r.instances {
		out = append(out, *inst)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Get returns a copy of one instance.
func (r *Registry) Get(id string) (types.Instance, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	inst, ok := r.instances[id]
	if !ok {
		return types.Instance{}, false
	}
	return *inst, true
}

// Update applies a mutation to one instance under the registry's write lock.
func (r *Registry) Update(id string, mutate func(*types.Instance)) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	inst, ok := r.instances[id]
	if !ok {
		return false
	}
	mutate(inst)
	return true
}

// Memory tiers for model capability, in MB. Vendor tools report slightly
// under the nominal card size (a 24 GB card shows up around 24.0-24.5k MB),
// so each tier allows half a gigabyte of headroom.
const (
	tierHeadroomMB = 512

	tier4GB  = 4*1024 - tierHeadroomMB
	tier8GB  = 8*1024 - tierHeadroomMB
	tier12GB = 12*1024 - tierHeadroomMB
	tier24GB = 24*1024 - tierHeadroomMB
)

// RecommendedModels maps a GPU's memory to the models an instance on it can
// serve. Tiers are cumulative; below the 4GB tier no model fits and the GPU
// is not provisioned.
func RecommendedModels(memoryMB int) []string {
	if memoryMB < tier4GB {
		return nil
	}
	models := []string{"llama3:8b-q4"}
	if memoryMB >= tier8GB {
		models = append(models, "llama3:8b", "codegemma:7b")
	}
	if memoryMB >= tier12GB {
		models = append(models, "gemma2:9b")
	}
	if memoryMB >= tier24GB {
		models = append(models, "mixtral:8x7b", "yi:34b")
	}
	return models
}

// RecommendedInstanceCount decides how many server processes to pin to one
// GPU. Ports on the same GPU are independent instances for accounting; no
// cross-port resource sharing is assumed.
func RecommendedInstanceCount(memoryMB int) int {
	switch {
	case memoryMB >= tier24GB:
		return 2
	case memoryMB >= tier4GB:
		return 1
	default:
		return 1
	}
}
