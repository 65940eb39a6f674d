package api

import (
	"bufio"
	"encoding/json"
	"net/http"
	"time"

	"github.com/llmgateway/gateway/pkg/gwerrors"
	"github.com/llmgateway/gateway/pkg/types"
)

// nativeRequest is the wire shape of /api/generate, /api/chat, /api/embeddings.
type nativeRequest struct {
	Model    string              `json:"model"`
	Prompt   string              `json:"prompt"`
	Messages []types.ChatMessage `json:"messages"`
	Input    []string            `json:"input"`
	Stream   bool                `json:"stream"`
	Priority string              `json:"priority"`
	Options  nativeOptions       `json:"options"`

	Suffix    *string      `json:"suffix"`
	Images    []string     `json:"images"`
	Format    *string      `json:"format"`
	System    *string      `json:"system"`
	Template  *string      `json:"template"`
	Raw       *bool        `json:"raw"`
	KeepAlive *string      `json:"keep_alive"`
	Context   []int        `json:"context"`
	Tools     []types.Tool `json:"tools"`
	Think     *bool        `json:"think"`
	Truncate  *bool        `json:"truncate"`
}

type nativeOptions struct {
	Temperature      *float64 `json:"temperature"`
	TopP             *float64 `json:"top_p"`
	NumPredict       *int     `json:"num_predict"`
	Seed             *int64   `json:"seed"`
	Stop             []string `json:"stop"`
	FrequencyPenalty *float64 `json:"frequency_penalty"`
	PresencePenalty  *float64 `json:"presence_penalty"`
}

func (s *Server) handleNative(kind types.RequestKind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body nativeRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, gwerrors.Validation("body", "malformed JSON body"))
			return
		}

		if body.Model == "" {
			writeError(w, gwerrors.Validation("model", "model is required"))
			return
		}
		switch kind {
		case types.RequestGenerate:
			if body.Prompt == "" {
				writeError(w, gwerrors.Validation("prompt", "prompt is required"))
				return
			}
		case types.RequestChat:
			if len(body.Messages) == 0 {
				writeError(w, gwerrors.Validation("messages", "messages is required"))
				return
			}
		case types.RequestEmbed:
			if len(body.Input) == 0 {
				writeError(w, gwerrors.Validation("input", "input is required"))
				return
			}
		}

		if err := s.checkModelAvailable(body.Model); err != nil {
			writeError(w, err)
			return
		}

		req := types.InferenceRequest{
			ID:       newJobID(),
			Kind:     kind,
			Model:    body.Model,
			Prompt:   body.Prompt,
			Messages: body.Messages,
			Input:    body.Input,
			Options: types.GenerationOptions{
				Temperature:      body.Options.Temperature,
				TopP:             body.Options.TopP,
				NumPredict:       body.Options.NumPredict,
				Seed:             body.Options.Seed,
				Stop:             body.Options.Stop,
				FrequencyPenalty: body.Options.FrequencyPenalty,
				PresencePenalty:  body.Options.PresencePenalty,
			},
			Passthrough: types.PassthroughOptions{
				Suffix:    body.Suffix,
				Images:    body.Images,
				Format:    body.Format,
				System:    body.System,
				Template:  body.Template,
				Raw:       body.Raw,
				KeepAlive: body.KeepAlive,
				Context:   body.Context,
				Tools:     body.Tools,
				Think:     body.Think,
				Truncate:  body.Truncate,
			},
			Priority:  types.ParsePriority(body.Priority),
			Stream:    body.Stream,
			Deadline:  time.Now().Add(s.defaultTimeout),
			Submitted: clientMeta(r, "native"),
		}

		if body.Stream {
			s.serveNativeStream(w, req)
			return
		}
		s.serveNativeOnce(w, r, req)
	}
}

func (s *Server) serveNativeOnce(w http.ResponseWriter, r *http.Request, req types.InferenceRequest) {
	result, err := s.dispatcher.Submit(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}

	if req.Kind == types.RequestEmbed {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"model":      req.Model,
			"embeddings": result.Embeddings,
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"model":             req.Model,
		"response":          result.Text,
		"done":              true,
		"done_reason":       result.FinishReason,
		"prompt_eval_count": result.PromptTokens,
		"eval_count":        result.CompletionTokens,
	})
}

func (s *Server) serveNativeStream(w http.ResponseWriter, req types.InferenceRequest) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, gwerrors.New(gwerrors.KindInternal, "streaming unsupported by this response writer"))
		return
	}

	done := make(chan struct{})
	headerWritten := false
	writeHeaderOnce := func() {
		if headerWritten {
			return
		}
		headerWritten = true
		w.Header().Set("Content-Type", "application/x-ndjson")
		w.WriteHeader(http.StatusOK)
	}

	pw := &deferredWriter{w: w, onFirstWrite: writeHeaderOnce}
	bw := bufio.NewWriter(pw)

	err := s.dispatcher.SubmitStreaming(req, dispatcherCallbacks(bw, flusher, req.Model, done))
	if err != nil {
		writeError(w, err)
		return
	}
	<-done
}

// deferredWriter delays sending response headers until the first byte of
// streamed body is actually available, so a synchronous dispatch failure
// can still be reported through the ordinary error-body path.
type deferredWriter struct {
	w            http.ResponseWriter
	onFirstWrite func()
}

func (d *deferredWriter) Write(p []byte) (int, error) {
	d.onFirstWrite()
	return d.w.Write(p)
}
