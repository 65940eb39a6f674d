// Package dispatcher implements the Dispatcher: the component that pulls
// jobs off the Job Queue, assigns them to candidate workers from the
// Worker Registry, and carries them through to completion via the Worker
// Adapter and Stream Broker.
//
// Structurally this mirrors a controller with independent dispatch and
// deadline-sweep loops, the same shape as a classic
// job-controller main loop, generalized to dispatch across a remote
// worker fleet instead of a local goroutine pool.
package dispatcher

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/llmgateway/gateway/internal/metrics"
	"github.com/llmgateway/gateway/internal/queue"
	"github.com/llmgateway/gateway/internal/registry"
	"github.com/llmgateway/gateway/internal/streambroker"
	"github.com/llmgateway/gateway/internal/workeradapter"
	"github.com/llmgateway/gateway/pkg/gwerrors"
	"github.com/llmgateway/gateway/pkg/types"
)

var log = slog.Default()

// Result is the outcome of a non-streaming job.
type Result struct {
	Text             string
	Embeddings       [][]float64
	FinishReason     string
	PromptTokens     int
	CompletionTokens int
}

// StreamCallbacks is the sink for a streaming job's output, mirroring
// streambroker.Callbacks at the Dispatcher's public boundary.
type StreamCallbacks = streambroker.Callbacks

// Config tunes dispatch behavior.
type Config struct {
	MaxAttempts    int
	PollInterval   time.Duration
	SweepInterval  time.Duration
	DefaultTimeout time.Duration
}

type inflightJob struct {
	job       *types.Job
	cancel    context.CancelFunc
	streaming bool

	emitted  bool // at least one chunk has reached the client; gates retry eligibility
	resultCh chan jobOutcome
	cb       StreamCallbacks
	mu       sync.Mutex
}

type jobOutcome struct {
	result Result
	err    error
}

// Dispatcher assigns queued jobs to workers and carries them to completion.
type Dispatcher struct {
	registry  *registry.Registry
	queue     *queue.Queue
	adapter   *workeradapter.Adapter
	broker    *streambroker.Broker
	cfg       Config
	collector *metrics.Collector

	mu       sync.Mutex
	inFlight map[types.JobID]*inflightJob

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New wires a Dispatcher to its collaborators. OnWorkerLost must be hooked
// up by the caller: reg.OnWorkerLost(d.NotifyWorkerLost).
func New(reg *registry.Registry, q *queue.Queue, adapter *workeradapter.Adapter, broker *streambroker.Broker, cfg Config) *Dispatcher {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 20 * time.Millisecond
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Second
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = 5 * time.Minute
	}

	d := &Dispatcher{
		registry: reg,
		queue:    q,
		adapter:  adapter,
		broker:   broker,
		cfg:      cfg,
		inFlight: make(map[types.JobID]*inflightJob),
		stopCh:   make(chan struct{}),
	}
	q.OnExpired(d.handleQueueExpiry)
	return d
}

// SetCollector wires throughput and latency counters. Optional; must be
// called before Start.
func (d *Dispatcher) SetCollector(c *metrics.Collector) {
	d.collector = c
}

// Start launches the dispatch and deadline-sweep loops.
func (d *Dispatcher) Start() {
	d.wg.Add(2)
	go d.dispatchLoop()
	go d.sweepLoop()
}

// Stop halts all loops and waits for them to exit. In-flight jobs are not
// forcibly cancelled; callers that need a hard stop should Cancel them first.
func (d *Dispatcher) Stop() {
	close(d.stopCh)
	d.wg.Wait()
}

// Submit enqueues a non-streaming inference request and blocks until it
// completes, fails, or ctx is cancelled.
func (d *Dispatcher) Submit(ctx context.Context, req types.InferenceRequest) (Result, error) {
	job := &types.Job{Request: req, QueuedAt: time.Now(), State: types.JobQueued}

	ij := &inflightJob{job: job, resultCh: make(chan jobOutcome, 1)}
	d.mu.Lock()
	d.inFlight[req.ID] = ij
	d.mu.Unlock()
	// inFlight before queueing so Cancel can find it even if dispatch races ahead.

	if err := d.queue.Enqueue(job); err != nil {
		d.mu.Lock()
		delete(d.inFlight, req.ID)
		d.mu.Unlock()
		return Result{}, err
	}
	if d.collector != nil {
		d.collector.RecordEnqueue()
	}

	select {
	case out := <-ij.resultCh:
		return out.result, out.err
	case <-ctx.Done():
		d.Cancel(req.ID)
		return Result{}, gwerrors.New(gwerrors.KindCancelled, "client context cancelled")
	}
}

// SubmitStreaming enqueues a streaming inference request. Callbacks are
// invoked from a background goroutine after the job is assigned; this call
// returns once the job has been accepted onto the queue.
func (d *Dispatcher) SubmitStreaming(req types.InferenceRequest, cb StreamCallbacks) error {
	job := &types.Job{Request: req, QueuedAt: time.Now(), State: types.JobQueued}

	// Callbacks are bound before the job is visible to the dispatch loop,
	// so no chunk can arrive into an empty sink.
	ij := &inflightJob{job: job, streaming: true, cb: cb, resultCh: make(chan jobOutcome, 1)}
	d.mu.Lock()
	d.inFlight[req.ID] = ij
	d.mu.Unlock()

	if err := d.queue.Enqueue(job); err != nil {
		d.mu.Lock()
		delete(d.inFlight, req.ID)
		d.mu.Unlock()
		return err
	}
	if d.collector != nil {
		d.collector.RecordEnqueue()
	}
	return nil
}

// Cancel withdraws a queued job or best-effort cancels an in-flight one.
func (d *Dispatcher) Cancel(jobID types.JobID) {
	if d.queue.Cancel(jobID) {
		d.finalize(jobID, jobOutcome{err: gwerrors.New(gwerrors.KindCancelled, "cancelled while queued")})
		return
	}

	d.mu.Lock()
	ij, ok := d.inFlight[jobID]
	d.mu.Unlock()
	if !ok {
		return
	}

	if ij.cancel != nil {
		ij.cancel()
	}
	if ij.streaming {
		d.broker.Detach(jobID)
	}
	if w, found := d.registry.Get(ij.job.AssignedWorker); found {
		// Best-effort: tell the worker to stop generating. The context
		// cancellation above already tore down the transport.
		go d.adapter.Cancel(context.Background(), w.Address, jobID)
	}
	d.finalize(jobID, jobOutcome{err: gwerrors.New(gwerrors.KindCancelled, "cancelled in flight")})
}

// NotifyWorkerLost is the Registry's liveness-sweep callback. Jobs assigned
// to workerID that have not yet emitted any client-visible output are
// retried (subject to MaxAttempts); jobs that already streamed output are
// failed, since partial output cannot be un-sent.
func (d *Dispatcher) NotifyWorkerLost(workerID types.WorkerID) {
	d.mu.Lock()
	var affected []*inflightJob
	for _, ij := range d.inFlight {
		if ij.job.AssignedWorker == workerID {
			affected = append(affected, ij)
		}
	}
	d.mu.Unlock()

	for _, ij := range affected {
		d.recoverOrFail(ij, gwerrors.New(gwerrors.KindWorkerLost, "worker heartbeat lost"))
	}
}

// recoverOrFail applies the retry policy: only a worker-lost failure that
// has not yet emitted any client-visible output, with attempts remaining,
// is recoverable by requeueing at the head of its priority bucket. A
// worker-reported application error or a corrupt stream is always final,
// since retrying would not change the outcome.
func (d *Dispatcher) recoverOrFail(ij *inflightJob, cause error) {
	ij.mu.Lock()
	emitted := ij.emitted
	ij.mu.Unlock()

	if ij.streaming {
		d.broker.Detach(ij.job.Request.ID)
	}

	d.mu.Lock()
	_, stillTracked := d.inFlight[ij.job.Request.ID]
	d.mu.Unlock()
	if !stillTracked {
		return
	}

	gerr, _ := gwerrors.As(cause)
	retryable := gerr != nil && gerr.Kind == gwerrors.KindWorkerLost

	if !retryable || emitted || ij.job.Attempt+1 >= d.cfg.MaxAttempts {
		d.finalize(ij.job.Request.ID, jobOutcome{err: cause})
		return
	}

	ij.job.Attempt++
	ij.job.State = types.JobQueued
	if ij.job.AssignedWorker != "" {
		d.registry.ReleaseSlot(ij.job.AssignedWorker)
		ij.job.AssignedWorker = ""
	}
	d.queue.EnqueueAtHead(ij.job)
	log.Info("job requeued after worker loss", "job", ij.job.Request.ID, "attempt", ij.job.Attempt)
}

func (d *Dispatcher) finalize(jobID types.JobID, out jobOutcome) {
	d.mu.Lock()
	ij, ok := d.inFlight[jobID]
	if ok {
		delete(d.inFlight, jobID)
	}
	d.mu.Unlock()
	if !ok {
		return
	}

	if ij.job.AssignedWorker != "" {
		d.registry.ReleaseSlot(ij.job.AssignedWorker)
	}

	d.recordOutcome(ij.job, out.err)

	ij.mu.Lock()
	cb := ij.cb
	ij.mu.Unlock()

	if ij.streaming {
		if cb.OnError != nil && out.err != nil {
			var gerr *gwerrors.Error
			kind := gwerrors.KindInternal
			if errors.As(out.err, &gerr) {
				kind = gerr.Kind
			}
			cb.OnError(kind, out.err)
		}
		return
	}

	select {
	case ij.resultCh <- out:
	default:
	}
}

func (d *Dispatcher) recordOutcome(job *types.Job, err error) {
	if d.collector == nil {
		return
	}
	if err == nil {
		d.collector.RecordCompleted(time.Since(job.QueuedAt).Seconds())
		return
	}
	if gerr, ok := gwerrors.As(err); ok && gerr.Kind == gwerrors.KindCancelled {
		d.collector.RecordCancelled()
		return
	}
	d.collector.RecordFailed()
}

func (d *Dispatcher) handleQueueExpiry(job *types.Job) {
	d.finalize(job.Request.ID, jobOutcome{err: gwerrors.New(gwerrors.KindDeadlineExpired, "deadline passed while queued")})
}

// dispatchLoop repeatedly pops the next dispatchable job and assigns it.
func (d *Dispatcher) dispatchLoop() {
	defer d.wg.Done()
	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.stopCh:
			return
		case <-ticker.C:
			for d.tryDispatchOne() {
			}
		}
	}
}

// tryDispatchOne pops at most one job and assigns it to the best available
// candidate. Returns true only if a job was actually assigned, so the
// caller's drain loop stops once the fleet is saturated this tick.
func (d *Dispatcher) tryDispatchOne() bool {
	job := d.queue.TakeMatching(func(model string) bool {
		return len(d.registry.Candidates(model)) > 0
	})
	if job == nil {
		return false
	}

	candidates := d.registry.Candidates(job.Request.Model)
	var chosen types.WorkerID
	for _, c := range candidates {
		if reserved, _ := d.registry.ReserveSlot(c); reserved {
			chosen = c
			break
		}
	}

	if chosen == "" {
		// Every candidate was at capacity by the time we got here: put the
		// job back at the head so it is the next one retried.
		d.queue.EnqueueAtHead(job)
		return false
	}

	d.assign(job, chosen)
	return true
}

func (d *Dispatcher) assign(job *types.Job, workerID types.WorkerID) {
	job.State = types.JobAssigned
	job.AssignedWorker = workerID

	worker, ok := d.registry.Get(workerID)
	if !ok {
		d.registry.ReleaseSlot(workerID)
		d.queue.EnqueueAtHead(job)
		return
	}

	d.mu.Lock()
	ij, ok := d.inFlight[job.Request.ID]
	d.mu.Unlock()
	if !ok {
		d.registry.ReleaseSlot(workerID)
		return
	}
	ij.job = job

	deadline := job.Request.Deadline
	var ctx context.Context
	var cancel context.CancelFunc
	if !deadline.IsZero() {
		ctx, cancel = context.WithDeadline(context.Background(), deadline)
	} else {
		ctx, cancel = context.WithTimeout(context.Background(), d.cfg.DefaultTimeout)
	}
	ij.cancel = cancel
	if d.collector != nil {
		d.collector.RecordDispatch()
	}

	if job.Request.Stream {
		d.assignStreaming(ctx, ij, worker)
		return
	}
	d.assignOnce(ctx, ij, worker)
}

func (d *Dispatcher) assignStreaming(ctx context.Context, ij *inflightJob, worker types.Worker) {
	job := ij.job
	stream, cancelStream, err := d.adapter.DispatchStreaming(ctx, worker.Address, job.Request)
	if err != nil {
		d.recoverOrFail(ij, err)
		return
	}

	job.State = types.JobRunning

	ij.mu.Lock()
	userCB := ij.cb
	ij.mu.Unlock()

	d.broker.Attach(job.Request.ID, stream, cancelStream, streambroker.Callbacks{
		OnChunk: func(c types.Chunk) {
			ij.mu.Lock()
			ij.emitted = true
			ij.mu.Unlock()
			if userCB.OnChunk != nil {
				userCB.OnChunk(c)
			}
		},
		OnComplete: func() {
			d.finalize(job.Request.ID, jobOutcome{})
			if userCB.OnComplete != nil {
				userCB.OnComplete()
			}
		},
		OnError: func(kind gwerrors.Kind, cause error) {
			d.finalizeStreamError(job.Request.ID, kind, cause, userCB)
		},
	})
}

func (d *Dispatcher) finalizeStreamError(jobID types.JobID, kind gwerrors.Kind, cause error, userCB StreamCallbacks) {
	d.mu.Lock()
	ij, ok := d.inFlight[jobID]
	d.mu.Unlock()
	if ok {
		if ij.job.AssignedWorker != "" {
			d.registry.ReleaseSlot(ij.job.AssignedWorker)
		}
		d.recordOutcome(ij.job, cause)
	}
	d.mu.Lock()
	delete(d.inFlight, jobID)
	d.mu.Unlock()

	if userCB.OnError != nil {
		userCB.OnError(kind, cause)
	}
}

func (d *Dispatcher) assignOnce(ctx context.Context, ij *inflightJob, worker types.Worker) {
	job := ij.job
	job.State = types.JobRunning
	go func() {
		resp, err := d.adapter.Dispatch(ctx, worker.Address, job.Request)
		if err != nil {
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				d.finalize(job.Request.ID, jobOutcome{err: gwerrors.New(gwerrors.KindDeadlineExpired, "worker did not respond before deadline")})
				return
			}
			d.recoverOrFail(ij, err)
			return
		}

		job.State = types.JobCompleted
		d.finalize(job.Request.ID, jobOutcome{result: Result{
			Text:             resp.Text,
			Embeddings:       resp.Embeddings,
			FinishReason:     resp.FinishReason,
			PromptTokens:     resp.PromptTokens,
			CompletionTokens: resp.CompletionTokens,
		}})
	}()
}

// sweepLoop enforces per-job deadlines for every job the Dispatcher tracks,
// queued jobs included; an expired queued job's Queue entry is dropped
// lazily by Queue.TakeMatching.
func (d *Dispatcher) sweepLoop() {
	defer d.wg.Done()
	ticker := time.NewTicker(d.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.stopCh:
			return
		case <-ticker.C:
			d.sweepDeadlines()
		}
	}
}

func (d *Dispatcher) sweepDeadlines() {
	now := time.Now()

	d.mu.Lock()
	var expired []*inflightJob
	for _, ij := range d.inFlight {
		dl := ij.job.Request.Deadline
		if !dl.IsZero() && now.After(dl) {
			expired = append(expired, ij)
		}
	}
	d.mu.Unlock()

	for _, ij := range expired {
		if ij.cancel != nil {
			ij.cancel()
		}
		if ij.streaming {
			d.broker.Detach(ij.job.Request.ID)
		}
		d.finalize(ij.job.Request.ID, jobOutcome{err: gwerrors.New(gwerrors.KindDeadlineExpired, "deadline passed while in flight")})
	}
}

// Stats reports current queue and in-flight depth, for the metrics collector.
func (d *Dispatcher) Stats() (queued int, inFlight int) {
	d.mu.Lock()
	inFlight = len(d.inFlight)
	d.mu.Unlock()
	return d.queue.Depth(), inFlight
}
