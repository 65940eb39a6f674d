// Package streambroker implements the Stream Broker: the per-job conduit
// that pipes streaming chunks from an assigned worker back to the
// originating client handler, enforcing ordering and at-most-once
// terminal delivery.
package streambroker

import (
	"bufio"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/llmgateway/gateway/pkg/gwerrors"
	"github.com/llmgateway/gateway/pkg/types"
)

var log = slog.Default()

// Callbacks is the sink a client handler registers for one job's stream.
// The broker invokes OnChunk zero or more times, strictly before invoking
// exactly one of OnComplete or OnError. Once the binding is detached, no
// further callback is invoked, terminal ones included.
type Callbacks struct {
	OnChunk    func(types.Chunk)
	OnComplete func()
	OnError    func(kind gwerrors.Kind, err error)
}

// wireRecord mirrors one newline-delimited JSON record of the native worker
// wire protocol: either a "response" (generate) or "message.content" (chat)
// delta, a done flag, and terminal metadata.
type wireRecord struct {
	Response string `json:"response"`
	Message  *struct {
		Content string `json:"content"`
	} `json:"message"`
	Done            bool   `json:"done"`
	PromptEvalCount int    `json:"prompt_eval_count"`
	EvalCount       int    `json:"eval_count"`
	DoneReason      string `json:"done_reason"`
}

func (r wireRecord) text() string {
	if r.Message != nil {
		return r.Message.Content
	}
	return r.Response
}

// finishReason derives the finish reason: an explicit done_reason is
// propagated verbatim; otherwise a zero completion token count means
// "length", anything else means "stop".
func finishReason(r wireRecord) string {
	if r.DoneReason != "" {
		return r.DoneReason
	}
	if r.EvalCount == 0 {
		return "length"
	}
	return "stop"
}

type binding struct {
	cancel   func()
	mu       sync.Mutex
	done     bool
	lastSeen time.Time
}

// Config tunes per-stream supervision. IdleChunkTimeout bounds the gap
// between consecutive chunks from a worker; zero disables the watchdog,
// leaving deadline enforcement to the Dispatcher alone.
type Config struct {
	IdleChunkTimeout time.Duration
}

// Broker binds worker-provided streams to client callbacks, one per job.
type Broker struct {
	mu               sync.Mutex
	bindings         map[types.JobID]*binding
	idleChunkTimeout time.Duration
}

// New creates an empty Broker.
func New(cfg Config) *Broker {
	return &Broker{
		bindings:         make(map[types.JobID]*binding),
		idleChunkTimeout: cfg.IdleChunkTimeout,
	}
}

// Attach binds a worker's raw NDJSON stream to callbacks and starts forwarding
// chunks on a new goroutine. cancel is called (best-effort) on Detach or on
// a terminal parse failure, to release the worker-side stream.
func (b *Broker) Attach(jobID types.JobID, stream io.ReadCloser, cancel func(), cb Callbacks) {
	bind := &binding{cancel: cancel, lastSeen: time.Now()}

	b.mu.Lock()
	b.bindings[jobID] = bind
	b.mu.Unlock()

	go b.forward(jobID, stream, bind, cb)
	if b.idleChunkTimeout > 0 {
		go b.watchIdle(jobID, bind, cb)
	}
}

// Detach severs the binding for jobID; outstanding chunks are discarded and
// the worker-side stream is released. Safe to call multiple times.
func (b *Broker) Detach(jobID types.JobID) {
	b.mu.Lock()
	bind, ok := b.bindings[jobID]
	delete(b.bindings, jobID)
	b.mu.Unlock()

	if !ok {
		return
	}
	bind.markDone()
	if bind.cancel != nil {
		bind.cancel()
	}
}

func (bind *binding) markDone() bool {
	bind.mu.Lock()
	defer bind.mu.Unlock()
	if bind.done {
		return false
	}
	bind.done = true
	return true
}

func (bind *binding) touch() {
	bind.mu.Lock()
	bind.lastSeen = time.Now()
	bind.mu.Unlock()
}

func (bind *binding) idleSince() (time.Time, bool) {
	bind.mu.Lock()
	defer bind.mu.Unlock()
	return bind.lastSeen, bind.done
}

// watchIdle cancels a stream whose worker has gone quiet for longer than the
// configured idle-chunk timeout. The forward goroutine then observes the
// closed transport, but finish has already fired so the client sees exactly
// one terminal event.
func (b *Broker) watchIdle(jobID types.JobID, bind *binding, cb Callbacks) {
	ticker := time.NewTicker(b.idleChunkTimeout / 4)
	defer ticker.Stop()

	for range ticker.C {
		last, done := bind.idleSince()
		if done {
			return
		}
		if time.Since(last) > b.idleChunkTimeout {
			b.finish(jobID, bind, func() {
				if cb.OnError != nil {
					cb.OnError(gwerrors.KindDeadlineExpired, errors.New("no chunk received within idle timeout"))
				}
			})
			if bind.cancel != nil {
				bind.cancel()
			}
			return
		}
	}
}

func (b *Broker) forward(jobID types.JobID, stream io.ReadCloser, bind *binding, cb Callbacks) {
	defer stream.Close()

	scanner := bufio.NewScanner(stream)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var rec wireRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			log.Warn("stream record failed to parse, skipping", "job", jobID, "error", err)
			continue
		}
		bind.touch()

		chunk := types.Chunk{
			TextDelta: rec.text(),
			Done:      rec.Done,
		}
		if rec.Done {
			chunk.FinishReason = finishReason(rec)
			chunk.PromptTokens = rec.PromptEvalCount
			chunk.CompletionTokens = rec.EvalCount
		}

		b.mu.Lock()
		_, stillBound := b.bindings[jobID]
		b.mu.Unlock()
		if !stillBound {
			return
		}

		if cb.OnChunk != nil {
			cb.OnChunk(chunk)
		}

		if rec.Done {
			b.finish(jobID, bind, func() {
				if cb.OnComplete != nil {
					cb.OnComplete()
				}
			})
			return
		}
	}

	if err := scanner.Err(); err != nil {
		b.finish(jobID, bind, func() {
			if cb.OnError != nil {
				cb.OnError(gwerrors.KindTransportCorrupt, err)
			}
		})
		if bind.cancel != nil {
			bind.cancel()
		}
		return
	}

	// Stream closed without a final done record: premature close.
	b.finish(jobID, bind, func() {
		if cb.OnError != nil {
			cb.OnError(gwerrors.KindTransportCorrupt, io.ErrUnexpectedEOF)
		}
	})
	if bind.cancel != nil {
		bind.cancel()
	}
}

// finish marks the binding terminal exactly once and invokes the terminal
// callback, guaranteeing on_complete/on_error fires at most once per job.
func (b *Broker) finish(jobID types.JobID, bind *binding, terminal func()) {
	if !bind.markDone() {
		return
	}

	b.mu.Lock()
	delete(b.bindings, jobID)
	b.mu.Unlock()

	terminal()
}
