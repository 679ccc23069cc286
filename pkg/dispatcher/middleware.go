package dispatcher

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/modelmux/modelmux/pkg/types"
)

// Middleware wraps cross-cutting concerns around the service as composition,
// not inheritance: the core dispatcher knows nothing about logging or
// metrics presentation.

type loggingService struct {
	next Service
}

// WithLogging wraps the service with structured entry/exit logging.
func WithLogging(next Service) Service {
	return &loggingService{next: next}
}

func (s *loggingService) Dispatch(ctx context.Context, req *types.InferenceRequest) (*types.InferenceResponse, error) {
	start := time.Now()
	resp, err := s.next.Dispatch(ctx, req)
	evt := log.Info()
	if err != nil {
		evt = log.Warn().Err(err).Str("error_kind", string(types.KindOf(err)))
	}
	evt = evt.
		Str("request_id", req.RequestID).
		Str("model_id", req.ModelID).
		Dur("duration", time.Since(start))
	if resp != nil {
		evt = evt.
			Str("instance_id", resp.InstanceID).
			Str("finish_reason", string(resp.FinishReason)).
			Bool("cached", resp.Cached)
	}
	evt.Msg("dispatch")
	return resp, err
}

func (s *loggingService) DispatchStream(ctx context.Context, req *types.InferenceRequest, sink func(types.StreamChunk)) (*types.InferenceResponse, error) {
	start := time.Now()
	resp, err := s.next.DispatchStream(ctx, req, sink)
	evt := log.Info()
	if err != nil {
		evt = log.Warn().Err(err).Str("error_kind", string(types.KindOf(err)))
	}
	evt.
		Str("request_id", req.RequestID).
		Str("model_id", req.ModelID).
		Dur("duration", time.Since(start)).
		Msg("dispatch stream")
	return resp, err
}

func (s *loggingService) Health(ctx context.Context) *types.HealthReport {
	return s.next.Health(ctx)
}

type metricsService struct {
	next Service
}

// WithMetrics wraps the service with the prometheus dispatch counters.
func WithMetrics(next Service) Service {
	return &metricsService{next: next}
}

func outcomeLabel(resp *types.InferenceResponse, err error) string {
	if err != nil {
		return string(types.KindOf(err))
	}
	if resp != nil && resp.Cached {
		return "cache_hit"
	}
	return "success"
}

func (s *metricsService) Dispatch(ctx context.Context, req *types.InferenceRequest) (*types.InferenceResponse, error) {
	start := time.Now()
	resp, err := s.next.Dispatch(ctx, req)
	dispatchDuration.Observe(time.Since(start).Seconds())
	dispatches.WithLabelValues(outcomeLabel(resp, err)).Inc()
	return resp, err
}

func (s *metricsService) DispatchStream(ctx context.Context, req *types.InferenceRequest, sink func(types.StreamChunk)) (*types.InferenceResponse, error) {
	start := time.Now()
	resp, err := s.next.DispatchStream(ctx, req, sink)
	dispatchDuration.Observe(time.Since(start).Seconds())
	dispatches.WithLabelValues(outcomeLabel(resp, err)).Inc()
	return resp, err
}

func (s *metricsService) Health(ctx context.Context) *types.HealthReport {
	return s.next.Health(ctx)
}
