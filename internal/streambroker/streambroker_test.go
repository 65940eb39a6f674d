package streambroker

import (
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/llmgateway/gateway/pkg/gwerrors"
	"github.com/llmgateway/gateway/pkg/types"
)

func nopCloser(s string) io.ReadCloser {
	return io.NopCloser(strings.NewReader(s))
}

func TestAttachDeliversChunksThenComplete(t *testing.T) {
	b := New(Config{})

	var chunks []types.Chunk
	completed := make(chan struct{})

	stream := nopCloser(
		`{"response":"He","done":false}` + "\n" +
			`{"response":"llo","done":false}` + "\n" +
			`{"response":"","done":true,"eval_count":2,"prompt_eval_count":1}` + "\n",
	)

	b.Attach("job1", stream, func() {}, Callbacks{
		OnChunk:    func(c types.Chunk) { chunks = append(chunks, c) },
		OnComplete: func() { close(completed) },
		OnError:    func(kind gwerrors.Kind, err error) { t.Fatalf("unexpected error: %v", err) },
	})

	select {
	case <-completed:
	case <-time.After(time.Second):
		t.Fatal("stream never completed")
	}

	require.Len(t, chunks, 3)
	assert.Equal(t, "He", chunks[0].TextDelta)
	assert.False(t, chunks[0].Done)
	assert.Equal(t, "llo", chunks[1].TextDelta)
	assert.True(t, chunks[2].Done)
	assert.Equal(t, "stop", chunks[2].FinishReason)
	assert.Equal(t, 2, chunks[2].CompletionTokens)
	assert.Equal(t, 1, chunks[2].PromptTokens)
}

func TestFinishReasonLengthWhenZeroEvalCount(t *testing.T) {
	b := New(Config{})
	completed := make(chan struct{})
	var final types.Chunk

	stream := nopCloser(`{"response":"x","done":true,"eval_count":0}` + "\n")

	b.Attach("job1", stream, func() {}, Callbacks{
		OnChunk:    func(c types.Chunk) { final = c },
		OnComplete: func() { close(completed) },
	})

	<-completed
	assert.Equal(t, "length", final.FinishReason)
}

func TestExplicitDoneReasonPropagatedVerbatim(t *testing.T) {
	b := New(Config{})
	completed := make(chan struct{})
	var final types.Chunk

	stream := nopCloser(`{"response":"x","done":true,"eval_count":5,"done_reason":"stop"}` + "\n")

	b.Attach("job1", stream, func() {}, Callbacks{
		OnChunk:    func(c types.Chunk) { final = c },
		OnComplete: func() { close(completed) },
	})

	<-completed
	assert.Equal(t, "stop", final.FinishReason)
}

func TestPrematureCloseSurfacesTransportCorrupt(t *testing.T) {
	b := New(Config{})
	errCh := make(chan gwerrors.Kind, 1)

	stream := nopCloser(`{"response":"partial","done":false}` + "\n")

	b.Attach("job1", stream, func() {}, Callbacks{
		OnChunk: func(c types.Chunk) {},
		OnError: func(kind gwerrors.Kind, err error) { errCh <- kind },
	})

	select {
	case kind := <-errCh:
		assert.Equal(t, gwerrors.KindTransportCorrupt, kind)
	case <-time.After(time.Second):
		t.Fatal("expected on_error for premature close")
	}
}

func TestMalformedLineSkippedNotFatal(t *testing.T) {
	b := New(Config{})
	completed := make(chan struct{})
	var chunks []types.Chunk

	stream := nopCloser(
		"not json\n" +
			`{"response":"ok","done":true,"eval_count":1}` + "\n",
	)

	b.Attach("job1", stream, func() {}, Callbacks{
		OnChunk:    func(c types.Chunk) { chunks = append(chunks, c) },
		OnComplete: func() { close(completed) },
	})

	<-completed
	require.Len(t, chunks, 1)
	assert.Equal(t, "ok", chunks[0].TextDelta)
}

func TestIdleChunkTimeoutSurfacesError(t *testing.T) {
	b := New(Config{IdleChunkTimeout: 40 * time.Millisecond})
	pr, pw := io.Pipe()
	defer pw.Close()

	cancelled := make(chan struct{})
	errCh := make(chan gwerrors.Kind, 1)

	b.Attach("job1", pr, func() { close(cancelled) }, Callbacks{
		OnChunk: func(c types.Chunk) {},
		OnError: func(kind gwerrors.Kind, err error) { errCh <- kind },
	})

	select {
	case kind := <-errCh:
		assert.Equal(t, gwerrors.KindDeadlineExpired, kind)
	case <-time.After(time.Second):
		t.Fatal("idle watchdog never fired")
	}

	select {
	case <-cancelled:
	case <-time.After(time.Second):
		t.Fatal("worker-side stream was never released")
	}
}

func TestDetachPreventsFurtherCallbacks(t *testing.T) {
	b := New(Config{})
	pr, pw := io.Pipe()

	var gotCallback bool
	b.Attach("job1", pr, func() {}, Callbacks{
		OnChunk:    func(c types.Chunk) { gotCallback = true },
		OnComplete: func() { gotCallback = true },
		OnError:    func(kind gwerrors.Kind, err error) { gotCallback = true },
	})

	b.Detach("job1")
	time.Sleep(20 * time.Millisecond)

	_, _ = pw.Write([]byte(`{"response":"x","done":true}` + "\n"))
	pw.Close()
	time.Sleep(20 * time.Millisecond)

	assert.False(t, gotCallback)
}
