package provider

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/rs/zerolog/log"
	openai "github.com/sashabaranov/go-openai"

	"github.com/modelmux/modelmux/pkg/config"
	"github.com/modelmux/modelmux/pkg/types"
)

// OpenAI serves instances backed by an OpenAI-compatible cloud API instead of
// a local model server. Same contract as Local, so the dispatcher treats
// cloud targets as just another instance kind.
type OpenAI struct {
	client     *openai.Client
	maxRetries uint
	baseDelay  time.Duration
}

func NewOpenAI(cfg config.Config) *OpenAI {
	clientCfg := openai.DefaultConfig(cfg.OpenAIAPIKey)
	if cfg.OpenAIBaseURL != "" {
		clientCfg.BaseURL = cfg.OpenAIBaseURL
	}
	return &OpenAI{
		client:     openai.NewClientWithConfig(clientCfg),
		maxRetries: uint(cfg.MaxRetries),
		baseDelay:  cfg.BaseRetryDelay(),
	}
}

func (p *OpenAI) chatRequest(req *types.InferenceRequest) openai.ChatCompletionRequest {
	var messages []openai.ChatCompletionMessage
	if req.SystemPrompt != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.SystemPrompt,
		})
	}
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: req.Prompt,
	})
	return openai.ChatCompletionRequest{
		Model:       req.ModelID,
		Messages:    messages,
		Temperature: float32(req.Temperature),
		TopP:        float32(req.TopP),
		MaxTokens:   req.MaxTokens,
		Stop:        req.StopSequences,
	}
}

// classifyOpenAIErr tags API errors the same way the local provider tags
// HTTP statuses.
func classifyOpenAIErr(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		if apiErr.HTTPStatusCode == 429 || apiErr.HTTPStatusCode >= 500 {
			return types.WrapError(types.ErrKindTransient, err, "api error")
		}
		return types.WrapError(types.ErrKindDownstream, err, "api error")
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		if reqErr.HTTPStatusCode == 429 || reqErr.HTTPStatusCode >= 500 {
			return types.WrapError(types.ErrKindTransient, err, "request error")
		}
		return types.WrapError(types.ErrKindDownstream, err, "request error")
	}
	return types.WrapError(types.ErrKindTransient, err, "network error")
}

func mapOpenAIFinish(reason openai.FinishReason) types.FinishReason {
	switch reason {
	case openai.FinishReasonStop:
		return types.FinishReasonComplete
	case openai.FinishReasonLength:
		return types.FinishReasonMaxTokens
	default:
		return types.FinishReasonStop
	}
}

func (p *OpenAI) Generate(ctx context.Context, inst types.Instance, req *types.InferenceRequest) (*types.InferenceResponse, error) {
	start := time.Now()
	log.Debug().
		Str("request_id", req.RequestID).
		Str("model", req.ModelID).
		Str("estimated_cost_usd", EstimateCost(req, inst.Kind).StringFixed(6)).
		Msg("dispatching to cloud provider")
	resp, err := retry.DoWithData(func() (openai.ChatCompletionResponse, error) {
		out, err := p.client.CreateChatCompletion(ctx, p.chatRequest(req))
		if err != nil {
			if ctx.Err() != nil {
				return out, types.WrapError(types.KindOf(ctx.Err()), err, "request aborted")
			}
			return out, classifyOpenAIErr(err)
		}
		return out, nil
	},
		retry.Attempts(p.maxRetries),
		retry.Delay(p.baseDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
		retry.RetryIf(types.IsTransient),
	)
	if err != nil {
		return nil, classifyFinal(ctx, err)
	}
	if len(resp.Choices) == 0 {
		return nil, types.NewError(types.ErrKindParse, "completion with no choices")
	}

	reason := mapOpenAIFinish(resp.Choices[0].FinishReason)
	return &types.InferenceResponse{
		Text:             resp.Choices[0].Message.Content,
		ModelID:          resp.Model,
		InstanceID:       inst.ID,
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
		LatencyMs:        time.Since(start).Milliseconds(),
		FinishReason:     reason,
		Confidence:       confidence(reason),
	}, nil
}

func (p *OpenAI) GenerateStream(ctx context.Context, inst types.Instance, req *types.InferenceRequest, sink func(types.StreamChunk)) (*types.InferenceResponse, error) {
	start := time.Now()
	chatReq := p.chatRequest(req)
	chatReq.Stream = true

	stream, err := p.client.CreateChatCompletionStream(ctx, chatReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, types.WrapError(types.KindOf(ctx.Err()), err, "request aborted")
		}
		return nil, classifyFinal(ctx, classifyOpenAIErr(err))
	}
	defer stream.Close()

	var text []byte
	reason := types.FinishReasonComplete
	completionTokens := 0
	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil, types.WrapError(types.KindOf(ctx.Err()), err, "stream aborted")
			}
			return nil, classifyFinal(ctx, classifyOpenAIErr(err))
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		delta := chunk.Choices[0].Delta.Content
		if delta != "" {
			text = append(text, delta...)
			sink(types.StreamChunk{Text: delta})
			completionTokens++
		}
		if chunk.Choices[0].FinishReason != "" {
			reason = mapOpenAIFinish(chunk.Choices[0].FinishReason)
		}
	}

	final := &types.InferenceResponse{
		Text:             string(text),
		ModelID:          req.ModelID,
		InstanceID:       inst.ID,
		CompletionTokens: completionTokens,
		LatencyMs:        time.Since(start).Milliseconds(),
		FinishReason:     reason,
		Confidence:       confidence(reason),
	}
	sink(types.StreamChunk{
		Done:             true,
		CompletionTokens: completionTokens,
		FinishReason:     reason,
	})
	return final, nil
}
