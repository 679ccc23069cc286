// Package dispatcher routes inference requests across the instance fleet:
// cache lookup, capability filtering, scoring, selection, provider hand-off
// and outcome accounting, with failover and breaker arithmetic on the way.
package dispatcher

import (
	"context"
	"sort"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/modelmux/modelmux/pkg/config"
	"github.com/modelmux/modelmux/pkg/gpu"
	"github.com/modelmux/modelmux/pkg/provider"
	"github.com/modelmux/modelmux/pkg/registry"
	"github.com/modelmux/modelmux/pkg/respcache"
	"github.com/modelmux/modelmux/pkg/scorer"
	"github.com/modelmux/modelmux/pkg/stats"
	"github.com/modelmux/modelmux/pkg/types"
)

// Service is the upstream surface. The HTTP server and the middleware
// wrappers all program against it.
type Service interface {
	Dispatch(ctx context.Context, req *types.InferenceRequest) (*types.InferenceResponse, error)
	DispatchStream(ctx context.Context, req *types.InferenceRequest, sink func(types.StreamChunk)) (*types.InferenceResponse, error)
	Health(ctx context.Context) *types.HealthReport
}

// EmergencyProber is the dispatcher's hook into the health prober for the
// no-healthy-instance rescue path.
type EmergencyProber interface {
	EmergencyProbe(ctx context.Context)
}

// GpuHealthSource supplies optional GPU telemetry for the health rollup.
type GpuHealthSource interface {
	HealthSnapshot(ctx context.Context, gpuID int) (types.GpuHealth, error)
}

// Embedder is implemented by providers that expose an embeddings endpoint.
type Embedder interface {
	Embeddings(ctx context.Context, inst types.Instance, modelID, prompt string) ([]float64, error)
}

type Dispatcher struct {
	cfg       atomic.Pointer[config.Config]
	registry  *registry.Registry
	ledger    *stats.Ledger
	cache     *respcache.Cache
	providers map[types.InstanceKind]provider.Interface
	prober    EmergencyProber
	gpus      GpuHealthSource
}

type Params struct {
	Registry  *registry.Registry
	Ledger    *stats.Ledger
	Providers map[types.InstanceKind]provider.Interface
	Prober    EmergencyProber
	Gpus      GpuHealthSource
}

func New(cfg config.Config, p Params) (*Dispatcher, error) {
	cache, err := respcache.New(cfg.CacheMaxEntries, cfg.CacheTTL())
	if err != nil {
		return nil, err
	}
	d := &Dispatcher{
		registry:  p.Registry,
		ledger:    p.Ledger,
		cache:     cache,
		providers: p.Providers,
		prober:    p.Prober,
		gpus:      p.Gpus,
	}
	d.cfg.Store(&cfg)
	return d, nil
}

func (d *Dispatcher) config() config.Config {
	return *d.cfg.Load()
}

// SetConfig atomically replaces the dispatcher's configuration. The response
// cache keeps its original sizing; everything else takes effect on the next
// dispatch.
func (d *Dispatcher) SetConfig(cfg config.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	d.cfg.Store(&cfg)
	log.Info().Msg("dispatcher configuration replaced")
	return nil
}

// ResetInstance clears an instance's ledger record and restores it to
// healthy, the manual breaker reset.
func (d *Dispatcher) ResetInstance(id string) bool {
	d.ledger.Reset(id)
	return d.registry.Update(id, func(inst *types.Instance) {
		inst.IsHealthy = true
		inst.HealthScore = 1.0
	})
}

func validate(req *types.InferenceRequest) error {
	if req == nil {
		return types.NewError(types.ErrKindValidation, "nil request")
	}
	if req.ModelID == "" {
		return types.NewError(types.ErrKindValidation, "model id is required")
	}
	if req.Prompt == "" {
		return types.NewError(types.ErrKindValidation, "prompt is required")
	}
	if req.Temperature < 0 || req.Temperature > 2 {
		return types.NewError(types.ErrKindValidation, "temperature %v out of range [0, 2]", req.Temperature)
	}
	if req.TopP < 0 || req.TopP > 1 {
		return types.NewError(types.ErrKindValidation, "top_p %v out of range [0, 1]", req.TopP)
	}
	if req.MaxTokens < 0 {
		return types.NewError(types.ErrKindValidation, "max_tokens must not be negative")
	}
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}
	return nil
}

// Dispatch routes one request: cache, filter, score, pick, generate, account.
func (d *Dispatcher) Dispatch(ctx context.Context, req *types.InferenceRequest) (*types.InferenceResponse, error) {
	cfg := d.config()
	if err := validate(req); err != nil {
		return nil, err
	}

	fp := respcache.Fingerprint(req)
	if cached, ok := d.cache.Get(fp); ok {
		cacheHits.Inc()
		return &cached, nil
	}
	cacheMisses.Inc()

	candidates, err := d.candidates(ctx, req)
	if err != nil {
		return degradeOrErr(cfg, req, err)
	}

	resp, err := d.attempt(ctx, cfg, req, candidates, nil)
	if err != nil {
		return degradeOrErr(cfg, req, err)
	}
	d.cache.Put(fp, *resp)
	return resp, nil
}

// DispatchStream is the streaming variant. Streamed responses bypass the
// cache; the sink is invoked on a single goroutine.
func (d *Dispatcher) DispatchStream(ctx context.Context, req *types.InferenceRequest, sink func(types.StreamChunk)) (*types.InferenceResponse, error) {
	cfg := d.config()
	if err := validate(req); err != nil {
		return nil, err
	}
	candidates, err := d.candidates(ctx, req)
	if err != nil {
		return degradeOrErr(cfg, req, err)
	}
	resp, err := d.attempt(ctx, cfg, req, candidates, sink)
	if err != nil {
		return degradeOrErr(cfg, req, err)
	}
	return resp, nil
}

// candidates returns healthy instances supporting the model, running an
// emergency probe when none qualify. As a last resort a sole supporter is
// returned even while unhealthy, right after the probe was attempted.
func (d *Dispatcher) candidates(ctx context.Context, req *types.InferenceRequest) ([]types.Instance, error) {
	filter := func() []types.Instance {
		var out []types.Instance
		for _, inst := range d.registry.Snapshot() {
			if inst.IsHealthy && inst.SupportsModel(req.ModelID) {
				out = append(out, inst)
			}
		}
		return out
	}

	if c := filter(); len(c) > 0 {
		return c, nil
	}

	d.prober.EmergencyProbe(ctx)

	if c := filter(); len(c) > 0 {
		return c, nil
	}

	var supporters []types.Instance
	for _, inst := range d.registry.Snapshot() {
		if inst.SupportsModel(req.ModelID) {
			supporters = append(supporters, inst)
		}
	}
	if len(supporters) == 1 {
		log.Warn().
			Str("request_id", req.RequestID).
			Str("instance_id", supporters[0].ID).
			Msg("dispatching to sole supporting instance despite failed probe")
		return supporters, nil
	}
	return nil, types.ErrNoHealthyInstance
}

type scoredInstance struct {
	inst  types.Instance
	score float64
}

// rank orders candidates by score, best first, ties broken by instance ID.
func (d *Dispatcher) rank(candidates []types.Instance, req *types.InferenceRequest) []scoredInstance {
	scored := make([]scoredInstance, 0, len(candidates))
	for _, inst := range candidates {
		m := d.ledger.Snapshot(inst.ID)
		scored = append(scored, scoredInstance{inst: inst, score: scorer.Score(inst, m, req)})
	}
	sort.Slice(scored, func(i, j int) bool {
		if scored[i].score != scored[j].score {
			return scored[i].score > scored[j].score
		}
		return scored[i].inst.ID < scored[j].inst.ID
	})
	return scored
}

// attempt walks the ranked candidates, spending at most maxFailovers+1
// tries. Timeouts and cancellations never fail over, and neither does a
// stream once any chunk has reached the sink: a replay on another instance
// would duplicate delivered text.
func (d *Dispatcher) attempt(ctx context.Context, cfg config.Config, req *types.InferenceRequest, candidates []types.Instance, sink func(types.StreamChunk)) (*types.InferenceResponse, error) {
	ranked := d.rank(candidates, req)

	maxAttempts := cfg.MaxFailovers + 1
	if len(ranked) < maxAttempts {
		maxAttempts = len(ranked)
	}

	delivered := false
	attemptSink := sink
	if sink != nil {
		attemptSink = func(chunk types.StreamChunk) {
			delivered = true
			sink(chunk)
		}
	}

	var lastErr error
	for i := 0; i < maxAttempts; i++ {
		inst := ranked[i].inst
		resp, err := d.tryInstance(ctx, cfg, inst, req, attemptSink)
		if err == nil {
			return resp, nil
		}
		lastErr = err

		if delivered {
			return nil, err
		}
		switch types.KindOf(err) {
		case types.ErrKindCancelled, types.ErrKindTimeout, types.ErrKindValidation:
			return nil, err
		}
		if i+1 < maxAttempts {
			failovers.Inc()
			log.Warn().
				Str("request_id", req.RequestID).
				Str("instance_id", inst.ID).
				Err(err).
				Msg("failing over to next instance")
		}
	}
	return nil, lastErr
}

// tryInstance runs one logical request against one instance with full
// accounting. The active counter is settled exactly once on every path.
func (d *Dispatcher) tryInstance(ctx context.Context, cfg config.Config, inst types.Instance, req *types.InferenceRequest, sink func(types.StreamChunk)) (*types.InferenceResponse, error) {
	prov, ok := d.providers[inst.Kind]
	if !ok {
		return nil, types.NewError(types.ErrKindDownstream, "no provider for instance kind %q", inst.Kind)
	}

	timeout := cfg.RequestTimeout()
	if req.TimeoutMs > 0 {
		timeout = time.Duration(req.TimeoutMs) * time.Millisecond
	}
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	d.ledger.BeginRequest(inst.ID)
	start := time.Now()

	var resp *types.InferenceResponse
	var err error
	if sink != nil {
		resp, err = prov.GenerateStream(attemptCtx, inst, req, sink)
	} else {
		resp, err = prov.Generate(attemptCtx, inst, req)
	}
	latencyMs := float64(time.Since(start).Milliseconds())

	if err != nil {
		kind := types.KindOf(err)
		if kind == types.ErrKindCancelled {
			d.ledger.Cancel(inst.ID)
			return nil, err
		}
		d.ledger.ReportFailure(inst.ID, kind)
		d.refreshInstanceHealth(cfg, inst.ID)
		return nil, err
	}

	d.ledger.ReportSuccess(inst.ID, latencyMs)
	d.refreshInstanceHealth(cfg, inst.ID)
	return resp, nil
}

// refreshInstanceHealth recomputes the instance's health score after an
// outcome and applies the breaker rules: a consecutive-error streak or an
// excessive error rate marks the instance unhealthy, both gated on a minimum
// sample size to avoid small-sample flapping.
func (d *Dispatcher) refreshInstanceHealth(cfg config.Config, id string) {
	m := d.ledger.Snapshot(id)
	hs := scorer.HealthScore(m)

	enoughSamples := m.TotalRequests >= cfg.MinRequestsForErrorRate
	streakTripped := enoughSamples && m.ConsecutiveErrors >= cfg.ErrorBreakerThreshold
	rateTripped := enoughSamples && float64(m.ErrorCount)/float64(m.TotalRequests) > cfg.ErrorRateThreshold

	d.registry.Update(id, func(inst *types.Instance) {
		inst.HealthScore = hs
		if (streakTripped || rateTripped) && inst.IsHealthy {
			inst.IsHealthy = false
			now := time.Now()
			inst.LastError = &now
			breakerTrips.Inc()
			log.Warn().
				Str("instance_id", id).
				Int("consecutive_errors", m.ConsecutiveErrors).
				Int64("total_requests", m.TotalRequests).
				Int64("error_count", m.ErrorCount).
				Msg("breaker tripped, instance marked unhealthy")
		}
	})
}

// Embeddings routes an embeddings request to the best-scoring capable
// instance, with the same accounting as generation.
func (d *Dispatcher) Embeddings(ctx context.Context, modelID, prompt string) ([]float64, error) {
	cfg := d.config()
	req := &types.InferenceRequest{RequestID: uuid.NewString(), ModelID: modelID, Prompt: prompt}
	if modelID == "" || prompt == "" {
		return nil, types.NewError(types.ErrKindValidation, "model id and prompt are required")
	}

	candidates, err := d.candidates(ctx, req)
	if err != nil {
		return nil, err
	}
	ranked := d.rank(candidates, req)
	inst := ranked[0].inst

	prov, ok := d.providers[inst.Kind]
	if !ok {
		return nil, types.NewError(types.ErrKindDownstream, "no provider for instance kind %q", inst.Kind)
	}
	embedder, ok := prov.(Embedder)
	if !ok {
		return nil, types.NewError(types.ErrKindValidation, "instance kind %q does not support embeddings", inst.Kind)
	}

	attemptCtx, cancel := context.WithTimeout(ctx, cfg.RequestTimeout())
	defer cancel()

	d.ledger.BeginRequest(inst.ID)
	start := time.Now()
	vec, err := embedder.Embeddings(attemptCtx, inst, modelID, prompt)
	if err != nil {
		kind := types.KindOf(err)
		if kind == types.ErrKindCancelled {
			d.ledger.Cancel(inst.ID)
			return nil, err
		}
		d.ledger.ReportFailure(inst.ID, kind)
		d.refreshInstanceHealth(cfg, inst.ID)
		return nil, err
	}
	d.ledger.ReportSuccess(inst.ID, float64(time.Since(start).Milliseconds()))
	d.refreshInstanceHealth(cfg, inst.ID)
	return vec, nil
}

// degradeOrErr converts terminal failures into a degraded response envelope
// when configured, preserving the response shape instead of surfacing a raw
// error. Validation errors and caller cancellations always stay errors.
func degradeOrErr(cfg config.Config, req *types.InferenceRequest, err error) (*types.InferenceResponse, error) {
	if !cfg.DegradedResponses {
		return nil, err
	}
	switch types.KindOf(err) {
	case types.ErrKindValidation, types.ErrKindCancelled:
		return nil, err
	}
	return Degraded(req, err), nil
}

// Degraded builds the degraded envelope for a failed dispatch. Exposed so
// the HTTP layer can choose envelope-over-error presentation.
func Degraded(req *types.InferenceRequest, err error) *types.InferenceResponse {
	reason := types.FinishReasonError
	if types.KindOf(err) == types.ErrKindTimeout {
		reason = types.FinishReasonTimeout
	}
	return &types.InferenceResponse{
		ModelID:      req.ModelID,
		FinishReason: reason,
		Confidence:   0,
		Diagnostic:   err.Error(),
	}
}

// Health reports the per-instance rollup, including GPU telemetry when a
// health source is wired and the instance is GPU-pinned.
func (d *Dispatcher) Health(ctx context.Context) *types.HealthReport {
	instances := d.registry.Snapshot()
	report := &types.HealthReport{Instances: make([]types.InstanceHealth, 0, len(instances))}

	for _, inst := range instances {
		m := d.ledger.Snapshot(inst.ID)
		row := types.InstanceHealth{
			ID:                inst.ID,
			GpuID:             inst.GpuID,
			Port:              inst.Port,
			IsHealthy:         inst.IsHealthy,
			HealthScore:       inst.HealthScore,
			ActiveRequests:    m.ActiveRequests,
			SuccessRate:       m.SuccessRate(),
			AvgResponseTimeMs: m.AvgResponseTimeMs,
		}
		if inst.GpuID != nil && d.gpus != nil {
			if h, err := d.gpus.HealthSnapshot(ctx, *inst.GpuID); err == nil {
				row.GpuTemperatureC = &h.TemperatureC
				row.GpuUtilPercent = &h.GpuUtilPercent
				row.MemUtilPercent = &h.MemUtilPercent
			}
		}
		report.Instances = append(report.Instances, row)
	}
	return report
}

var _ Service = (*Dispatcher)(nil)
var _ GpuHealthSource = (*gpu.Probe)(nil)
