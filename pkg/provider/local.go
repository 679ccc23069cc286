package provider

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog/log"

	"github.com/modelmux/modelmux/pkg/config"
	"github.com/modelmux/modelmux/pkg/respcache"
	"github.com/modelmux/modelmux/pkg/types"
)

// maxStreamLineBytes bounds a single NDJSON line from the model server.
const maxStreamLineBytes = 1024 * 1024

// Wire types for the downstream generate endpoint.
type generateRequest struct {
	Model   string          `json:"model"`
	Prompt  string          `json:"prompt"`
	System  *string         `json:"system"`
	Stream  bool            `json:"stream"`
	Options generateOptions `json:"options"`
}

type generateOptions struct {
	Temperature float64  `json:"temperature"`
	TopP        float64  `json:"top_p"`
	NumPredict  int      `json:"num_predict"`
	Stop        []string `json:"stop"`
	NumCtx      int      `json:"num_ctx,omitempty"`
}

type generateResponse struct {
	Response        string `json:"response"`
	Model           string `json:"model"`
	Done            bool   `json:"done"`
	PromptEvalCount *int   `json:"prompt_eval_count"`
	EvalCount       *int   `json:"eval_count"`
}

type embeddingsRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type embeddingsResponse struct {
	Embedding []float64 `json:"embedding"`
}

// Local talks to Ollama-style local model servers, one per instance.
type Local struct {
	client        *http.Client
	maxRetries    uint
	baseDelay     time.Duration
	maxConcurrent int
	normalize     bool

	semaphores *xsync.MapOf[string, chan struct{}]
}

func NewLocal(cfg config.Config) *Local {
	return &Local{
		client:        &http.Client{},
		maxRetries:    uint(cfg.MaxRetries),
		baseDelay:     cfg.BaseRetryDelay(),
		maxConcurrent: cfg.MaxConcurrentRequests,
		normalize:     cfg.NormalizePrompts,
		semaphores:    xsync.NewMapOf[string, chan struct{}](),
	}
}

// acquire takes a slot on the instance's semaphore, or fails with the
// context's kind if the caller gives up while waiting.
func (p *Local) acquire(ctx context.Context, instanceID string) (func(), error) {
	sem, _ := p.semaphores.LoadOrCompute(instanceID, func() chan struct{} {
		return make(chan struct{}, p.maxConcurrent)
	})
	select {
	case sem <- struct{}{}:
		return func() { <-sem }, nil
	case <-ctx.Done():
		return nil, types.WrapError(types.KindOf(ctx.Err()), ctx.Err(), "waiting for request slot")
	}
}

func (p *Local) buildBody(req *types.InferenceRequest, stream bool) ([]byte, error) {
	prompt := req.Prompt
	system := req.SystemPrompt
	if p.normalize {
		prompt = respcache.NormalizeWhitespace(prompt)
		system = respcache.NormalizeWhitespace(system)
	}
	var systemPtr *string
	if system != "" {
		systemPtr = &system
	}
	body := generateRequest{
		Model:  req.ModelID,
		Prompt: prompt,
		System: systemPtr,
		Stream: stream,
		Options: generateOptions{
			Temperature: req.Temperature,
			TopP:        req.TopP,
			NumPredict:  req.MaxTokens,
			Stop:        req.StopSequences,
			NumCtx:      req.ContextLength,
		},
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, types.WrapError(types.ErrKindValidation, err, "encoding request")
	}
	return raw, nil
}

func (p *Local) retryOpts(ctx context.Context) []retry.Option {
	return []retry.Option{
		retry.Attempts(p.maxRetries),
		retry.Delay(p.baseDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
		retry.RetryIf(types.IsTransient),
	}
}

func (p *Local) Generate(ctx context.Context, inst types.Instance, req *types.InferenceRequest) (*types.InferenceResponse, error) {
	release, err := p.acquire(ctx, inst.ID)
	if err != nil {
		return nil, err
	}
	defer release()

	body, err := p.buildBody(req, false)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	out, err := retry.DoWithData(func() (*generateResponse, error) {
		return p.doGenerate(ctx, inst, body)
	}, p.retryOpts(ctx)...)
	if err != nil {
		return nil, classifyFinal(ctx, err)
	}

	latencyMs := time.Since(start).Milliseconds()
	return buildLocalResponse(inst.ID, req, out, latencyMs), nil
}

func (p *Local) doGenerate(ctx context.Context, inst types.Instance, body []byte) (*generateResponse, error) {
	resp, err := p.post(ctx, inst.BaseURL+"/generate", body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if err := classifyStatus(resp); err != nil {
		return nil, err
	}

	var out generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, types.WrapError(types.ErrKindParse, err, "decoding generate response")
	}
	return &out, nil
}

func (p *Local) post(ctx context.Context, url string, body []byte) (*http.Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, types.WrapError(types.ErrKindValidation, err, "building request")
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, types.WrapError(types.KindOf(ctx.Err()), err, "request aborted")
		}
		return nil, types.WrapError(types.ErrKindTransient, err, "request failed")
	}
	return resp, nil
}

// classifyStatus drains and tags non-200 responses. 429 and 5xx are
// transient; other 4xx are downstream failures and never retried.
func classifyStatus(resp *http.Response) error {
	if resp.StatusCode == http.StatusOK {
		return nil
	}
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	msg := fmt.Sprintf("status %d: %s", resp.StatusCode, bytes.TrimSpace(snippet))
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return types.NewError(types.ErrKindTransient, "%s", msg)
	}
	return types.NewError(types.ErrKindDownstream, "%s", msg)
}

func buildLocalResponse(instanceID string, req *types.InferenceRequest, out *generateResponse, latencyMs int64) *types.InferenceResponse {
	promptTokens, completionTokens := 0, 0
	if out.PromptEvalCount != nil {
		promptTokens = *out.PromptEvalCount
	}
	if out.EvalCount != nil {
		completionTokens = *out.EvalCount
	}
	reason := finishReason(req, completionTokens)
	return &types.InferenceResponse{
		Text:             out.Response,
		ModelID:          out.Model,
		InstanceID:       instanceID,
		PromptTokens:     promptTokens,
		CompletionTokens: completionTokens,
		LatencyMs:        latencyMs,
		FinishReason:     reason,
		Confidence:       confidence(reason),
	}
}

// GenerateStream streams newline-delimited JSON chunks to sink on the calling
// goroutine. Retries only apply while nothing has been delivered; once the
// first chunk is out the stream is committed.
func (p *Local) GenerateStream(ctx context.Context, inst types.Instance, req *types.InferenceRequest, sink func(types.StreamChunk)) (*types.InferenceResponse, error) {
	release, err := p.acquire(ctx, inst.ID)
	if err != nil {
		return nil, err
	}
	defer release()

	body, err := p.buildBody(req, true)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	delivered := false
	opts := append(p.retryOpts(ctx), retry.RetryIf(func(err error) bool {
		return !delivered && types.IsTransient(err)
	}))

	out, err := retry.DoWithData(func() (*types.InferenceResponse, error) {
		return p.doStream(ctx, inst, req, body, sink, &delivered, start)
	}, opts...)
	if err != nil {
		return nil, classifyFinal(ctx, err)
	}
	return out, nil
}

func (p *Local) doStream(ctx context.Context, inst types.Instance, req *types.InferenceRequest, body []byte, sink func(types.StreamChunk), delivered *bool, start time.Time) (*types.InferenceResponse, error) {
	resp, err := p.post(ctx, inst.BaseURL+"/generate", body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if err := classifyStatus(resp); err != nil {
		return nil, err
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), maxStreamLineBytes)

	var text bytes.Buffer
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var chunk generateResponse
		if err := json.Unmarshal(line, &chunk); err != nil {
			return nil, types.WrapError(types.ErrKindParse, err, "decoding stream chunk")
		}
		if chunk.Done {
			text.WriteString(chunk.Response)
			final := buildLocalResponse(inst.ID, req, &chunk, time.Since(start).Milliseconds())
			final.Text = text.String()
			sink(types.StreamChunk{
				Text:             chunk.Response,
				Done:             true,
				PromptTokens:     final.PromptTokens,
				CompletionTokens: final.CompletionTokens,
				FinishReason:     final.FinishReason,
			})
			return final, nil
		}
		text.WriteString(chunk.Response)
		sink(types.StreamChunk{Text: chunk.Response})
		*delivered = true
	}
	if err := scanner.Err(); err != nil {
		if ctx.Err() != nil {
			return nil, types.WrapError(types.KindOf(ctx.Err()), err, "stream aborted")
		}
		return nil, types.WrapError(types.ErrKindTransient, err, "reading stream")
	}
	return nil, types.NewError(types.ErrKindParse, "stream ended without terminal chunk")
}

// Embeddings calls the instance's embeddings endpoint with the same retry
// policy as generation.
func (p *Local) Embeddings(ctx context.Context, inst types.Instance, modelID, prompt string) ([]float64, error) {
	release, err := p.acquire(ctx, inst.ID)
	if err != nil {
		return nil, err
	}
	defer release()

	raw, err := json.Marshal(embeddingsRequest{Model: modelID, Prompt: prompt})
	if err != nil {
		return nil, types.WrapError(types.ErrKindValidation, err, "encoding embeddings request")
	}

	out, err := retry.DoWithData(func() ([]float64, error) {
		resp, err := p.post(ctx, inst.BaseURL+"/embeddings", raw)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		if err := classifyStatus(resp); err != nil {
			return nil, err
		}
		var body embeddingsResponse
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			return nil, types.WrapError(types.ErrKindParse, err, "decoding embeddings response")
		}
		return body.Embedding, nil
	}, p.retryOpts(ctx)...)
	if err != nil {
		return nil, classifyFinal(ctx, err)
	}
	if len(out) == 0 {
		log.Warn().Str("instance_id", inst.ID).Str("model", modelID).Msg("empty embedding returned")
	}
	return out, nil
}

// Ping probes the instance's liveness endpoint once, without retries. Used by
// the health prober.
func (p *Local) Ping(ctx context.Context, inst types.Instance) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, inst.BaseURL+"/tags", nil)
	if err != nil {
		return fmt.Errorf("building ping request: %w", err)
	}
	resp, err := p.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("pinging %s: %w", inst.ID, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096)) //nolint:errcheck
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("pinging %s: status %d", inst.ID, resp.StatusCode)
	}
	return nil
}
