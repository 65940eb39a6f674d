package api

import (
	"bufio"
	"encoding/json"
	"net/http"
	"time"

	"github.com/llmgateway/gateway/internal/dispatcher"
	"github.com/llmgateway/gateway/internal/openai"
	"github.com/llmgateway/gateway/pkg/gwerrors"
	"github.com/llmgateway/gateway/pkg/types"
)

func (s *Server) handleCompletions(w http.ResponseWriter, r *http.Request) {
	var body openai.CompletionRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, gwerrors.Validation("body", "malformed JSON body"))
		return
	}

	jobID := newJobID()
	deadline := time.Now().Add(s.defaultTimeout)

	translated, err := openai.Translate(body, jobID, deadline, types.PriorityMedium, clientMeta(r, "openai"))
	if err != nil {
		writeError(w, err)
		return
	}

	if err := s.checkModelAvailable(translated.Request.Model); err != nil {
		writeError(w, err)
		return
	}

	if translated.Request.Stream {
		s.serveCompletionsStream(w, r, translated)
		return
	}
	s.serveCompletionsOnce(w, r, translated)
}

func (s *Server) serveCompletionsOnce(w http.ResponseWriter, r *http.Request, t openai.Translated) {
	result, err := s.dispatcher.Submit(r.Context(), t.Request)
	if err != nil {
		writeError(w, err)
		return
	}

	resp := openai.BuildCompletionResponse(
		t.Request.ID,
		t.Request.Model,
		result.Text,
		result.FinishReason,
		result.PromptTokens,
		result.CompletionTokens,
		t.Echo,
		t.PromptText,
		time.Now().Unix(),
	)
	writeJSON(w, http.StatusOK, resp)
}

// serveCompletionsStream enqueues the job before writing any response
// headers, so a synchronous enqueue failure (e.g. QueueFull) still maps to
// the ordinary error-body path instead of corrupting an already-started SSE
// stream.
func (s *Server) serveCompletionsStream(w http.ResponseWriter, r *http.Request, t openai.Translated) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, gwerrors.New(gwerrors.KindInternal, "streaming unsupported by this response writer"))
		return
	}

	createdAt := time.Now().Unix()
	first := true
	headersSent := false
	done := make(chan struct{})

	var bw *bufio.Writer
	sendHeaders := func() {
		if headersSent {
			return
		}
		headersSent = true
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.WriteHeader(http.StatusOK)
		bw = bufio.NewWriter(w)
	}

	err := s.dispatcher.SubmitStreaming(t.Request, dispatcher.StreamCallbacks{
		OnChunk: func(c types.Chunk) {
			sendHeaders()
			text := c.TextDelta
			if first && t.Echo {
				text = t.PromptText + text
				first = false
			}
			frame := openai.BuildStreamFrame(t.Request.ID, t.Request.Model, text, c.FinishReason, createdAt, t.IncludeUsage, c.PromptTokens, c.CompletionTokens)
			writeSSEFrame(bw, flusher, frame)
		},
		OnComplete: func() {
			sendHeaders()
			writeSSEDone(bw, flusher)
			close(done)
		},
		OnError: func(kind gwerrors.Kind, err error) {
			sendHeaders()
			writeSSEDone(bw, flusher)
			close(done)
		},
	})
	if err != nil {
		writeError(w, err)
		return
	}
	<-done
}

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	models := s.registry.AllAvailableModels()
	writeJSON(w, http.StatusOK, openai.BuildModelsResponse(models))
}
