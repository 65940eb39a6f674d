// Package workeradapter is the Worker Adapter: the HTTP client that speaks
// the native wire protocol to a worker node, on behalf of the Dispatcher.
package workeradapter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/llmgateway/gateway/pkg/gwerrors"
	"github.com/llmgateway/gateway/pkg/types"
)

var log = slog.Default()

// Response is a completed, non-streaming worker reply.
type Response struct {
	Text             string
	Embeddings       [][]float64
	FinishReason     string
	PromptTokens     int
	CompletionTokens int
}

// Adapter dispatches inference requests to worker nodes over HTTP.
type Adapter struct {
	client *retryablehttp.Client
}

// Config tunes the underlying HTTP client.
type Config struct {
	RetryMax     int
	RetryWaitMin time.Duration
	RetryWaitMax time.Duration
	Timeout      time.Duration
}

// New builds an Adapter. Retries follow retryablehttp's default policy:
// connection-level failures, 429 and 5xx responses (other than 501) are
// retried; other 4xx responses are returned at once, which is what lets the
// Dispatcher tell apart a transport failure from a worker-reported
// application error.
func New(cfg Config) *Adapter {
	if cfg.RetryMax <= 0 {
		cfg.RetryMax = 3
	}
	if cfg.RetryWaitMin <= 0 {
		cfg.RetryWaitMin = time.Second
	}
	if cfg.RetryWaitMax <= 0 {
		cfg.RetryWaitMax = 5 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}

	rc := retryablehttp.NewClient()
	rc.RetryMax = cfg.RetryMax
	rc.RetryWaitMin = cfg.RetryWaitMin
	rc.RetryWaitMax = cfg.RetryWaitMax
	rc.HTTPClient.Timeout = cfg.Timeout
	rc.Logger = nil

	return &Adapter{client: rc}
}

type wireRequest struct {
	Model    string              `json:"model"`
	Prompt   string              `json:"prompt,omitempty"`
	Messages []types.ChatMessage `json:"messages,omitempty"`
	Input    []string            `json:"input,omitempty"`
	Stream   bool                `json:"stream"`
	Options  wireOptions         `json:"options,omitempty"`

	Suffix    *string      `json:"suffix,omitempty"`
	Images    []string     `json:"images,omitempty"`
	Format    *string      `json:"format,omitempty"`
	System    *string      `json:"system,omitempty"`
	Template  *string      `json:"template,omitempty"`
	Raw       *bool        `json:"raw,omitempty"`
	KeepAlive *string      `json:"keep_alive,omitempty"`
	Context   []int        `json:"context,omitempty"`
	Tools     []types.Tool `json:"tools,omitempty"`
	Think     *bool        `json:"think,omitempty"`
	Truncate  *bool        `json:"truncate,omitempty"`
}

type wireOptions struct {
	Temperature      *float64 `json:"temperature,omitempty"`
	TopP             *float64 `json:"top_p,omitempty"`
	NumPredict       *int     `json:"num_predict,omitempty"`
	Seed             *int64   `json:"seed,omitempty"`
	Stop             []string `json:"stop,omitempty"`
	FrequencyPenalty *float64 `json:"frequency_penalty,omitempty"`
	PresencePenalty  *float64 `json:"presence_penalty,omitempty"`
}

func buildWireRequest(req types.InferenceRequest, stream bool) wireRequest {
	wr := wireRequest{
		Model:  req.Model,
		Prompt: req.Prompt,
		Input:  req.Input,
		Stream: stream,
		Options: wireOptions{
			Temperature:      req.Options.Temperature,
			TopP:             req.Options.TopP,
			NumPredict:       req.Options.NumPredict,
			Seed:             req.Options.Seed,
			Stop:             req.Options.Stop,
			FrequencyPenalty: req.Options.FrequencyPenalty,
			PresencePenalty:  req.Options.PresencePenalty,
		},
		Suffix:    req.Passthrough.Suffix,
		Images:    req.Passthrough.Images,
		Format:    req.Passthrough.Format,
		System:    req.Passthrough.System,
		Template:  req.Passthrough.Template,
		Raw:       req.Passthrough.Raw,
		KeepAlive: req.Passthrough.KeepAlive,
		Context:   req.Passthrough.Context,
		Tools:     req.Passthrough.Tools,
		Think:     req.Passthrough.Think,
		Truncate:  req.Passthrough.Truncate,
	}
	if req.Kind == types.RequestChat {
		wr.Messages = req.Messages
		wr.Prompt = ""
	}
	return wr
}

func endpointFor(kind types.RequestKind) string {
	switch kind {
	case types.RequestChat:
		return "/api/chat"
	case types.RequestEmbed:
		return "/api/embed"
	default:
		return "/api/generate"
	}
}

// Dispatch sends a non-streaming request to address and waits for the
// complete response body.
func (a *Adapter) Dispatch(ctx context.Context, address string, req types.InferenceRequest) (Response, error) {
	body, err := json.Marshal(buildWireRequest(req, false))
	if err != nil {
		return Response{}, gwerrors.Wrap(gwerrors.KindInternal, "failed to encode worker request", err)
	}

	httpReq, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, address+endpointFor(req.Kind), bytes.NewReader(body))
	if err != nil {
		return Response{}, gwerrors.Wrap(gwerrors.KindInternal, "failed to build worker request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return Response{}, gwerrors.Wrap(gwerrors.KindWorkerLost, "worker unreachable", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return Response{}, gwerrors.New(gwerrors.KindWorkerLost, fmt.Sprintf("worker returned %d", resp.StatusCode))
	}
	if resp.StatusCode >= 400 {
		msg, _ := io.ReadAll(resp.Body)
		return Response{}, gwerrors.New(gwerrors.KindWorkerReportedError, string(msg))
	}

	var rec struct {
		Response string `json:"response"`
		Message  *struct {
			Content string `json:"content"`
		} `json:"message"`
		Embedding       []float64   `json:"embedding"`
		Embeddings      [][]float64 `json:"embeddings"`
		DoneReason      string      `json:"done_reason"`
		PromptEvalCount int         `json:"prompt_eval_count"`
		EvalCount       int         `json:"eval_count"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&rec); err != nil {
		return Response{}, gwerrors.Wrap(gwerrors.KindTransportCorrupt, "failed to decode worker response", err)
	}

	text := rec.Response
	if rec.Message != nil {
		text = rec.Message.Content
	}
	finish := rec.DoneReason
	if finish == "" {
		if rec.EvalCount == 0 {
			finish = "length"
		} else {
			finish = "stop"
		}
	}

	embeddings := rec.Embeddings
	if embeddings == nil && rec.Embedding != nil {
		embeddings = [][]float64{rec.Embedding}
	}

	return Response{
		Text:             text,
		Embeddings:       embeddings,
		FinishReason:     finish,
		PromptTokens:     rec.PromptEvalCount,
		CompletionTokens: rec.EvalCount,
	}, nil
}

// DispatchStreaming sends a streaming request and returns the raw NDJSON
// response body for the Stream Broker to parse, plus a cancel func the
// broker invokes to abandon the stream early.
func (a *Adapter) DispatchStreaming(ctx context.Context, address string, req types.InferenceRequest) (io.ReadCloser, func(), error) {
	body, err := json.Marshal(buildWireRequest(req, true))
	if err != nil {
		return nil, nil, gwerrors.Wrap(gwerrors.KindInternal, "failed to encode worker request", err)
	}

	streamCtx, cancel := context.WithCancel(ctx)

	httpReq, err := retryablehttp.NewRequestWithContext(streamCtx, http.MethodPost, address+endpointFor(req.Kind), bytes.NewReader(body))
	if err != nil {
		cancel()
		return nil, nil, gwerrors.Wrap(gwerrors.KindInternal, "failed to build worker request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(httpReq)
	if err != nil {
		cancel()
		return nil, nil, gwerrors.Wrap(gwerrors.KindWorkerLost, "worker unreachable", err)
	}

	if resp.StatusCode >= 500 {
		resp.Body.Close()
		cancel()
		return nil, nil, gwerrors.New(gwerrors.KindWorkerLost, fmt.Sprintf("worker returned %d", resp.StatusCode))
	}
	if resp.StatusCode >= 400 {
		msg, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		cancel()
		return nil, nil, gwerrors.New(gwerrors.KindWorkerReportedError, string(msg))
	}

	return resp.Body, cancel, nil
}

// Cancel asks the worker to abandon an in-flight job. Best-effort: failures
// are logged, not surfaced, since the dispatcher's own deadline/context
// cancellation is the authoritative signal.
func (a *Adapter) Cancel(ctx context.Context, address string, jobID types.JobID) {
	httpReq, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, address+"/api/cancel", bytes.NewReader([]byte(fmt.Sprintf(`{"id":%q}`, jobID))))
	if err != nil {
		return
	}
	httpReq.Header.Set("Content-Type", "application/json")
	resp, err := a.client.Do(httpReq)
	if err != nil {
		log.Debug("worker cancel request failed", "job", jobID, "error", err)
		return
	}
	resp.Body.Close()
}

// Health probes a worker's liveness endpoint, used by operator tooling
// independent of the heartbeat channel.
func (a *Adapter) Health(ctx context.Context, address string) error {
	httpReq, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, address+"/api/health", nil)
	if err != nil {
		return gwerrors.Wrap(gwerrors.KindInternal, "failed to build health request", err)
	}
	resp, err := a.client.Do(httpReq)
	if err != nil {
		return gwerrors.Wrap(gwerrors.KindWorkerLost, "worker unreachable", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return gwerrors.New(gwerrors.KindWorkerLost, fmt.Sprintf("worker health check returned %d", resp.StatusCode))
	}
	return nil
}
