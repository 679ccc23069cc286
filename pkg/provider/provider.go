// Package provider holds the per-instance clients that actually talk to
// model servers: a local Ollama-style HTTP provider and an OpenAI-compatible
// cloud provider. Both enforce a per-instance concurrency semaphore and a
// transient-only retry policy with exponential backoff.
package provider

import (
	"context"

	"github.com/modelmux/modelmux/pkg/types"
)

// Interface is what the dispatcher programs against.
type Interface interface {
	Generate(ctx context.Context, inst types.Instance, req *types.InferenceRequest) (*types.InferenceResponse, error)
	GenerateStream(ctx context.Context, inst types.Instance, req *types.InferenceRequest, sink func(types.StreamChunk)) (*types.InferenceResponse, error)
}

// finishReason derives the finish reason for a completed generation.
func finishReason(req *types.InferenceRequest, completionTokens int) types.FinishReason {
	if req.MaxTokens > 0 && completionTokens >= req.MaxTokens {
		return types.FinishReasonMaxTokens
	}
	return types.FinishReasonComplete
}

// confidence maps a finish reason to a rough confidence estimate for the
// response envelope.
func confidence(reason types.FinishReason) float64 {
	switch reason {
	case types.FinishReasonComplete:
		return 0.95
	case types.FinishReasonStop:
		return 0.9
	case types.FinishReasonMaxTokens:
		return 0.8
	default:
		return 0.1
	}
}

// classifyFinal maps an error escaping the retry loop to its surfaced kind.
// Exhausted transient retries become downstream failures; context errors take
// precedence so a caller timeout is never misreported as a network fault.
func classifyFinal(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return types.WrapError(types.KindOf(ctxErr), err, "request aborted")
	}
	if types.KindOf(err) == types.ErrKindTransient {
		return types.WrapError(types.ErrKindDownstream, err, "retries exhausted")
	}
	return err
}
