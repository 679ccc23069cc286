// Package prober keeps instance liveness up to date. A periodic fan-out
// probes every instance's tags endpoint; the dispatcher can also request a
// synchronous emergency probe when no healthy instance is available, with
// concurrent callers coalesced onto a single flight.
package prober

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc/pool"
	"golang.org/x/sync/singleflight"

	"github.com/modelmux/modelmux/pkg/registry"
	"github.com/modelmux/modelmux/pkg/scorer"
	"github.com/modelmux/modelmux/pkg/stats"
	"github.com/modelmux/modelmux/pkg/types"
)

const probeFanout = 8

var (
	instanceHealthy = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "modelmux_instance_healthy",
		Help: "Whether an instance is currently considered healthy (1) or not (0).",
	}, []string{"instance_id"})

	healthTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "modelmux_health_transitions_total",
		Help: "Instance health state transitions observed by the prober.",
	}, []string{"instance_id", "to"})
)

// Pinger checks a single instance's liveness endpoint.
type Pinger interface {
	Ping(ctx context.Context, inst types.Instance) error
}

type probeResult struct {
	healthy bool
	at      time.Time
}

type Prober struct {
	registry *registry.Registry
	ledger   *stats.Ledger
	pinger   Pinger

	interval     time.Duration
	probeTimeout time.Duration
	cacheWindow  time.Duration

	sf  singleflight.Group
	now func() time.Time

	mu      sync.Mutex
	results map[string]probeResult
}

type Params struct {
	Registry     *registry.Registry
	Ledger       *stats.Ledger
	Pinger       Pinger
	Interval     time.Duration
	ProbeTimeout time.Duration
	CacheWindow  time.Duration
}

func New(p Params) *Prober {
	if p.Interval <= 0 {
		p.Interval = 30 * time.Second
	}
	if p.ProbeTimeout <= 0 {
		p.ProbeTimeout = 2 * time.Second
	}
	return &Prober{
		registry:     p.Registry,
		ledger:       p.Ledger,
		pinger:       p.Pinger,
		interval:     p.Interval,
		probeTimeout: p.ProbeTimeout,
		cacheWindow:  p.CacheWindow,
		now:          time.Now,
		results:      make(map[string]probeResult),
	}
}

// Run probes on a fixed interval until the context ends. Probing never
// blocks dispatch; the registry only sees the applied transitions.
func (p *Prober) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.ProbeAll(ctx, false)
	for {
		select {
		case <-ticker.C:
			p.ProbeAll(ctx, false)
		case <-ctx.Done():
			return
		}
	}
}

// ProbeAll fans out one probe per instance. With force set the per-instance
// result cache is bypassed; otherwise an instance probed within the cache
// window is skipped.
func (p *Prober) ProbeAll(ctx context.Context, force bool) {
	instances := p.registry.Snapshot()
	workers := pool.New().WithMaxGoroutines(probeFanout)
	for _, inst := range instances {
		workers.Go(func() {
			p.probeInstance(ctx, inst, force)
		})
	}
	workers.Wait()
}

// EmergencyProbe is the dispatcher's rescue path: a synchronous, forced probe
// of every instance. Concurrent callers share one flight.
func (p *Prober) EmergencyProbe(ctx context.Context) {
	p.sf.Do("emergency", func() (any, error) { //nolint:errcheck
		log.Warn().Msg("no healthy instance available, running emergency probe")
		p.ProbeAll(ctx, true)
		return nil, nil
	})
}

func (p *Prober) probeInstance(ctx context.Context, inst types.Instance, force bool) {
	if !force {
		p.mu.Lock()
		prev, ok := p.results[inst.ID]
		p.mu.Unlock()
		if ok && p.now().Sub(prev.at) < p.cacheWindow {
			return
		}
	}

	probeCtx, cancel := context.WithTimeout(ctx, p.probeTimeout)
	defer cancel()
	err := p.pinger.Ping(probeCtx, inst)
	healthy := err == nil

	p.mu.Lock()
	p.results[inst.ID] = probeResult{healthy: healthy, at: p.now()}
	p.mu.Unlock()

	p.applyTransition(inst, healthy, err)
}

// applyTransition moves the instance's registry state at most once per probe.
func (p *Prober) applyTransition(inst types.Instance, healthy bool, probeErr error) {
	gauge := 0.0
	if healthy {
		gauge = 1.0
	}
	instanceHealthy.WithLabelValues(inst.ID).Set(gauge)

	p.registry.Update(inst.ID, func(cur *types.Instance) {
		cur.LastHealthCheck = p.now()
		if cur.IsHealthy == healthy {
			return
		}
		cur.IsHealthy = healthy
		if healthy {
			p.ledger.ResetConsecutiveErrors(inst.ID)
			cur.HealthScore = scorer.HealthScore(p.ledger.Snapshot(inst.ID))
			healthTransitions.WithLabelValues(inst.ID, "healthy").Inc()
			log.Info().Str("instance_id", inst.ID).Msg("instance recovered")
		} else {
			now := p.now()
			cur.LastError = &now
			healthTransitions.WithLabelValues(inst.ID, "unhealthy").Inc()
			log.Warn().Str("instance_id", inst.ID).Err(probeErr).Msg("instance became unhealthy")
		}
	})
}
