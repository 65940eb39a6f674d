package api

import (
	"bufio"
	"encoding/json"
	"net/http"

	"github.com/llmgateway/gateway/internal/dispatcher"
	"github.com/llmgateway/gateway/pkg/gwerrors"
	"github.com/llmgateway/gateway/pkg/types"
)

// dispatcherCallbacks builds the native NDJSON streaming sink: one JSON
// object per chunk, flushed immediately, matching the worker wire shape
// clients already expect from the native protocol.
func dispatcherCallbacks(bw *bufio.Writer, flusher http.Flusher, model string, done chan struct{}) dispatcher.StreamCallbacks {
	closeDone := func() {
		bw.Flush()
		flusher.Flush()
		close(done)
	}

	return dispatcher.StreamCallbacks{
		OnChunk: func(c types.Chunk) {
			frame := map[string]interface{}{
				"model":    model,
				"response": c.TextDelta,
				"done":     c.Done,
			}
			if c.Done {
				frame["done_reason"] = c.FinishReason
				frame["prompt_eval_count"] = c.PromptTokens
				frame["eval_count"] = c.CompletionTokens
			}
			writeNDJSONFrame(bw, flusher, frame)
		},
		OnComplete: func() {
			closeDone()
		},
		OnError: func(kind gwerrors.Kind, err error) {
			frame := map[string]interface{}{
				"model": model,
				"done":  true,
				"error": err.Error(),
			}
			writeNDJSONFrame(bw, flusher, frame)
			closeDone()
		},
	}
}

func writeNDJSONFrame(bw *bufio.Writer, flusher http.Flusher, frame interface{}) {
	b, err := json.Marshal(frame)
	if err != nil {
		return
	}
	bw.Write(b)
	bw.WriteByte('\n')
	bw.Flush()
	flusher.Flush()
}

func writeSSEFrame(bw *bufio.Writer, flusher http.Flusher, frame interface{}) {
	b, err := json.Marshal(frame)
	if err != nil {
		return
	}
	bw.WriteString("data: ")
	bw.Write(b)
	bw.WriteString("\n\n")
	bw.Flush()
	flusher.Flush()
}

func writeSSEDone(bw *bufio.Writer, flusher http.Flusher) {
	bw.WriteString("data: [DONE]\n\n")
	bw.Flush()
	flusher.Flush()
}
