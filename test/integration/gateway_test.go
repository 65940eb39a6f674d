// Package integration exercises the whole gateway through its public HTTP
// surface: registry, queue, dispatcher, and stream broker wired together,
// with httptest servers standing in for worker nodes.
package integration

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/llmgateway/gateway/internal/api"
	"github.com/llmgateway/gateway/internal/dispatcher"
	"github.com/llmgateway/gateway/internal/queue"
	"github.com/llmgateway/gateway/internal/registry"
	"github.com/llmgateway/gateway/internal/streambroker"
	"github.com/llmgateway/gateway/internal/workeradapter"
)

type gateway struct {
	url   string
	queue *queue.Queue
}

func startGateway(t *testing.T) *gateway {
	t.Helper()

	reg := registry.New(registry.Config{})
	q := queue.New(100)
	adapter := workeradapter.New(workeradapter.Config{
		RetryMax:     1,
		RetryWaitMin: time.Millisecond,
		RetryWaitMax: 2 * time.Millisecond,
		Timeout:      5 * time.Second,
	})
	broker := streambroker.New(streambroker.Config{})
	disp := dispatcher.New(reg, q, adapter, broker, dispatcher.Config{
		PollInterval:   5 * time.Millisecond,
		SweepInterval:  20 * time.Millisecond,
		DefaultTimeout: 10 * time.Second,
	})
	reg.OnWorkerLost(disp.NotifyWorkerLost)
	disp.Start()
	t.Cleanup(disp.Stop)

	srv := httptest.NewServer(api.New(reg, disp, 10*time.Second).Handler())
	t.Cleanup(srv.Close)

	return &gateway{url: srv.URL, queue: q}
}

func (g *gateway) post(t *testing.T, path, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(g.url+path, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	return resp
}

// registerWorker registers and heartbeats a worker node backed by handler.
func (g *gateway) registerWorker(t *testing.T, id string, models []string, handler http.Handler) {
	t.Helper()
	worker := httptest.NewServer(handler)
	t.Cleanup(worker.Close)

	descs := make([]map[string]interface{}, len(models))
	for i, m := range models {
		descs[i] = map[string]interface{}{"name": m, "modified_at": time.Now().Format(time.RFC3339)}
	}
	payload, _ := json.Marshal(map[string]interface{}{
		"worker_id":          id,
		"address":            worker.URL,
		"models":             descs,
		"max_concurrency":    4,
		"supports_streaming": true,
	})

	resp := g.post(t, "/internal/workers/register", string(payload))
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var reg struct {
		Token string `json:"token"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&reg))

	hb := g.post(t, "/internal/workers/heartbeat",
		fmt.Sprintf(`{"worker_id":%q,"token":%q,"in_flight":0}`, id, reg.Token))
	defer hb.Body.Close()
	require.Equal(t, http.StatusOK, hb.StatusCode)
}

func streamingWorker(deltas []string, promptEval, eval int) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/x-ndjson")
		flusher := w.(http.Flusher)
		for _, d := range deltas {
			fmt.Fprintf(w, `{"response":%q,"done":false}`+"\n", d)
			flusher.Flush()
		}
		fmt.Fprintf(w, `{"response":"","done":true,"prompt_eval_count":%d,"eval_count":%d}`+"\n", promptEval, eval)
		flusher.Flush()
	})
}

func completionWorker(text string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"response":%q,"done":true,"done_reason":"stop","prompt_eval_count":1,"eval_count":2}`, text)
	})
}

func TestUnknownModelReturns404WithoutQueueing(t *testing.T) {
	g := startGateway(t)
	g.registerWorker(t, "w1", []string{"llama3"}, completionWorker("x"))

	resp := g.post(t, "/v1/completions", `{"model":"unknown","prompt":"Hi"}`)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	var body struct {
		Error struct {
			Message string `json:"message"`
			Type    string `json:"type"`
		} `json:"error"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Contains(t, body.Error.Message, "unknown")
	assert.Equal(t, 0, g.queue.Depth(), "rejected request must not consume queue depth")
}

func TestCompletionNonStreaming(t *testing.T) {
	g := startGateway(t)
	g.registerWorker(t, "w1", []string{"llama3"}, completionWorker("Hello"))

	resp := g.post(t, "/v1/completions", `{"model":"llama3","prompt":"Hi"}`)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		ID      string `json:"id"`
		Object  string `json:"object"`
		Choices []struct {
			Text         string  `json:"text"`
			Index        int     `json:"index"`
			Logprobs     *string `json:"logprobs"`
			FinishReason string  `json:"finish_reason"`
		} `json:"choices"`
		Usage struct {
			PromptTokens     int `json:"prompt_tokens"`
			CompletionTokens int `json:"completion_tokens"`
			TotalTokens      int `json:"total_tokens"`
		} `json:"usage"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))

	assert.True(t, strings.HasPrefix(body.ID, "cmpl-"))
	assert.Equal(t, "text_completion", body.Object)
	require.Len(t, body.Choices, 1)
	assert.Equal(t, "Hello", body.Choices[0].Text)
	assert.Equal(t, "stop", body.Choices[0].FinishReason)
	assert.Nil(t, body.Choices[0].Logprobs)
	assert.Equal(t, 3, body.Usage.TotalTokens)
}

func TestStreamingEchoWithUsage(t *testing.T) {
	g := startGateway(t)
	g.registerWorker(t, "w1", []string{"llama3"}, streamingWorker([]string{"He", "llo"}, 1, 2))

	resp := g.post(t, "/v1/completions",
		`{"model":"llama3","prompt":"Hi","stream":true,"echo":true,"stream_options":{"include_usage":true}}`)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var texts []string
	var finishReasons []string
	var usageTotals []int
	sawDone := false

	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		payload := strings.TrimPrefix(line, "data: ")
		if payload == "[DONE]" {
			sawDone = true
			break
		}

		var frame struct {
			Choices []struct {
				Text         string `json:"text"`
				FinishReason string `json:"finish_reason"`
			} `json:"choices"`
			Usage *struct {
				TotalTokens int `json:"total_tokens"`
			} `json:"usage"`
		}
		require.NoError(t, json.Unmarshal([]byte(payload), &frame))
		require.Len(t, frame.Choices, 1)
		texts = append(texts, frame.Choices[0].Text)
		finishReasons = append(finishReasons, frame.Choices[0].FinishReason)
		if frame.Usage != nil {
			usageTotals = append(usageTotals, frame.Usage.TotalTokens)
		}
	}
	require.NoError(t, scanner.Err())

	require.Len(t, texts, 3)
	assert.Equal(t, "HiHe", texts[0], "echo prepends the prompt to the first chunk only")
	assert.Equal(t, "llo", texts[1])
	assert.Equal(t, "stop", finishReasons[2])
	assert.Equal(t, []int{3}, usageTotals, "usage appears only on the final frame")
	assert.True(t, sawDone, "stream must terminate with the [DONE] sentinel")
}

func TestModelsListSortedUnion(t *testing.T) {
	g := startGateway(t)
	g.registerWorker(t, "w1", []string{"zephyr", "llama3"}, completionWorker("x"))
	g.registerWorker(t, "w2", []string{"mistral", "llama3"}, completionWorker("x"))

	resp, err := http.Get(g.url + "/v1/models")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Object string `json:"object"`
		Data   []struct {
			ID      string `json:"id"`
			OwnedBy string `json:"owned_by"`
		} `json:"data"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))

	assert.Equal(t, "list", body.Object)
	require.Len(t, body.Data, 3, "duplicate inventories collapse to a set")
	assert.Equal(t, "llama3", body.Data[0].ID)
	assert.Equal(t, "mistral", body.Data[1].ID)
	assert.Equal(t, "zephyr", body.Data[2].ID)
	assert.Equal(t, "llm-gateway", body.Data[0].OwnedBy)
}

func TestNativeGenerateRoundTrip(t *testing.T) {
	g := startGateway(t)
	g.registerWorker(t, "w1", []string{"llama3"}, completionWorker("native reply"))

	resp := g.post(t, "/api/generate", `{"model":"llama3","prompt":"Hi"}`)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Response   string `json:"response"`
		Done       bool   `json:"done"`
		DoneReason string `json:"done_reason"`
		EvalCount  int    `json:"eval_count"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "native reply", body.Response)
	assert.True(t, body.Done)
	assert.Equal(t, "stop", body.DoneReason)
	assert.Equal(t, 2, body.EvalCount)
}

func TestValidationErrorShape(t *testing.T) {
	g := startGateway(t)

	resp := g.post(t, "/v1/completions", `{"model":"m1"}`)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	var buf bytes.Buffer
	_, _ = buf.ReadFrom(resp.Body)
	var body struct {
		Error struct {
			Type  string `json:"type"`
			Param string `json:"param"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &body))
	assert.Equal(t, "invalid_request_error", body.Error.Type)
	assert.Equal(t, "prompt", body.Error.Param)
}

func TestDrainExcludesWorkerFromNewAssignments(t *testing.T) {
	g := startGateway(t)
	g.registerWorker(t, "w1", []string{"llama3"}, completionWorker("x"))

	resp := g.post(t, "/internal/workers/w1/drain", "")
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// The drained worker no longer advertises capacity, so the model is
	// fleet-wide unavailable.
	comp := g.post(t, "/v1/completions", `{"model":"llama3","prompt":"Hi"}`)
	defer comp.Body.Close()
	assert.Equal(t, http.StatusNotFound, comp.StatusCode)
}

func TestStatusEndpointReportsFleet(t *testing.T) {
	g := startGateway(t)
	g.registerWorker(t, "w1", []string{"llama3"}, completionWorker("x"))

	resp, err := http.Get(g.url + "/internal/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var status api.StatusSummary
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&status))

	assert.Equal(t, 0, status.Queued)
	require.Len(t, status.Workers, 1)
	assert.Equal(t, "w1", status.Workers[0].ID)
	assert.Equal(t, "ready", status.Workers[0].Liveness)
	assert.Equal(t, []string{"llama3"}, status.Workers[0].Models)
}
