// Package registry implements the Worker Registry: the authoritative
// in-memory directory of known workers, their capabilities, and their
// liveness.
package registry

import (
	"crypto/rand"
	"encoding/hex"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/llmgateway/gateway/pkg/gwerrors"
	"github.com/llmgateway/gateway/pkg/types"
)

var log = slog.Default()

type entry struct {
	worker types.Worker
	token  string
}

// Registry is the live worker fleet. All mutations are serialized by mu;
// readers observe a consistent snapshot per call, and no reader holds the
// lock across worker I/O.
type Registry struct {
	mu                sync.RWMutex
	workers           map[types.WorkerID]*entry
	livenessThreshold time.Duration
	sweepInterval     time.Duration

	onWorkerLost func(types.WorkerID)

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// Config configures the liveness sweep.
type Config struct {
	LivenessThreshold time.Duration
	SweepInterval     time.Duration
}

// New creates a Registry. The liveness sweep is not started until Start is called.
func New(cfg Config) *Registry {
	if cfg.LivenessThreshold <= 0 {
		cfg.LivenessThreshold = 30 * time.Second
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 5 * time.Second
	}
	return &Registry{
		workers:           make(map[types.WorkerID]*entry),
		livenessThreshold: cfg.LivenessThreshold,
		sweepInterval:     cfg.SweepInterval,
		stopCh:            make(chan struct{}),
	}
}

// OnWorkerLost registers the callback invoked when the liveness sweep
// declares a worker lost. Must be called before Start.
func (r *Registry) OnWorkerLost(fn func(types.WorkerID)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onWorkerLost = fn
}

// Register adds or replaces a worker's capabilities, idempotent by worker ID.
// Returns a session token that must accompany subsequent heartbeats.
func (r *Registry) Register(id types.WorkerID, address string, caps types.Capabilities) (string, error) {
	token, err := newToken()
	if err != nil {
		return "", gwerrors.Wrap(gwerrors.KindInternal, "failed to mint session token", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	existing, ok := r.workers[id]
	if ok && existing.worker.Address != address && existing.worker.Liveness != types.LivenessLost {
		// A lost worker may rejoin from a new address; a live one claiming a
		// different address is a conflicting registration.
		log.Warn("conflicting registration", "worker", id, "old", existing.worker.Address, "new", address)
		return "", gwerrors.New(gwerrors.KindDuplicateWorker, string(id)+" already registered at "+existing.worker.Address)
	}

	inFlight := 0
	registeredAt := now
	if ok {
		inFlight = existing.worker.InFlight
		registeredAt = existing.worker.RegisteredAt
	}

	r.workers[id] = &entry{
		worker: types.Worker{
			ID:            id,
			Address:       address,
			Capabilities:  caps,
			Liveness:      types.LivenessJoining,
			InFlight:      inFlight,
			LastHeartbeat: now,
			RegisteredAt:  registeredAt,
		},
		token: token,
	}

	log.Info("worker registered", "worker", id, "address", address, "models", len(caps.Models))
	return token, nil
}

// Heartbeat refreshes a worker's last-seen timestamp and observed load.
// The first successful heartbeat after registration transitions joining -> ready.
func (r *Registry) Heartbeat(id types.WorkerID, token string, inFlight int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.workers[id]
	if !ok {
		return gwerrors.New(gwerrors.KindUnknownWorker, string(id))
	}
	if e.token != token {
		return gwerrors.New(gwerrors.KindStaleSession, string(id))
	}

	e.worker.LastHeartbeat = time.Now()
	e.worker.InFlight = inFlight
	if e.worker.Liveness == types.LivenessJoining {
		e.worker.Liveness = types.LivenessReady
		log.Info("worker ready", "worker", id)
	}
	return nil
}

// Deregister marks a worker draining. A worker with no in-flight jobs is
// removed at once; otherwise the liveness sweep removes it once its
// in-flight count reaches zero.
func (r *Registry) Deregister(id types.WorkerID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.workers[id]
	if !ok {
		return gwerrors.New(gwerrors.KindUnknownWorker, string(id))
	}
	e.worker.Liveness = types.LivenessDraining
	if e.worker.InFlight == 0 {
		delete(r.workers, id)
		log.Info("worker deregistered", "worker", id)
	}
	return nil
}

// Drain transitions a ready worker to draining on operator request, without
// deregistering it: existing in-flight jobs run to completion but no new
// assignments are made.
func (r *Registry) Drain(id types.WorkerID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.workers[id]
	if !ok {
		return gwerrors.New(gwerrors.KindUnknownWorker, string(id))
	}
	e.worker.Liveness = types.LivenessDraining
	return nil
}

// Candidates returns the worker IDs whose liveness is ready and whose
// inventory contains model, ordered by the full selection policy: least
// in-flight first, then earliest registration, then lexicographic worker ID.
// The Dispatcher tries them in this order.
func (r *Registry) Candidates(model string) []types.WorkerID {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var matches []types.Worker
	for _, e := range r.workers {
		w := e.worker
		if w.Liveness != types.LivenessReady {
			continue
		}
		if !w.Capabilities.HasModel(model) {
			continue
		}
		matches = append(matches, w)
	}

	sort.Slice(matches, func(i, j int) bool {
		if matches[i].InFlight != matches[j].InFlight {
			return matches[i].InFlight < matches[j].InFlight
		}
		if !matches[i].RegisteredAt.Equal(matches[j].RegisteredAt) {
			return matches[i].RegisteredAt.Before(matches[j].RegisteredAt)
		}
		return matches[i].ID < matches[j].ID
	})

	ids := make([]types.WorkerID, len(matches))
	for i, w := range matches {
		ids[i] = w.ID
	}
	return ids
}

// AllAvailableModels returns the union of model names across ready workers,
// with the newest modification timestamp winning when two workers report
// the same model name with different metadata.
func (r *Registry) AllAvailableModels() []types.ModelDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	byName := make(map[string]types.ModelDescriptor)
	for _, e := range r.workers {
		if e.worker.Liveness != types.LivenessReady {
			continue
		}
		for _, m := range e.worker.Capabilities.Models {
			if existing, ok := byName[m.Name]; !ok || m.ModifiedAt.After(existing.ModifiedAt) {
				byName[m.Name] = m
			}
		}
	}

	out := make([]types.ModelDescriptor, 0, len(byName))
	for _, m := range byName {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ListWorkers returns a point-in-time snapshot of all worker states, for observability.
func (r *Registry) ListWorkers() []types.Worker {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]types.Worker, 0, len(r.workers))
	for _, e := range r.workers {
		out = append(out, e.worker)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Get returns a single worker's state.
func (r *Registry) Get(id types.WorkerID) (types.Worker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.workers[id]
	if !ok {
		return types.Worker{}, false
	}
	return e.worker, true
}

// AdjustInFlight atomically changes a worker's in-flight counter by delta.
// Returns the resulting count and false if the worker is unknown.
func (r *Registry) AdjustInFlight(id types.WorkerID, delta int) (int, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.workers[id]
	if !ok {
		return 0, false
	}
	e.worker.InFlight += delta
	if e.worker.InFlight < 0 {
		e.worker.InFlight = 0
	}
	return e.worker.InFlight, true
}

// ReserveSlot atomically claims one in-flight slot on a worker if doing so
// would not exceed its declared MaxConcurrency. This is the capacity check
// half of the Dispatcher's assignment protocol: callers must roll back with
// ReleaseSlot if the subsequent dispatch attempt fails.
func (r *Registry) ReserveSlot(id types.WorkerID) (reserved bool, found bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.workers[id]
	if !ok {
		return false, false
	}
	if e.worker.Liveness != types.LivenessReady {
		return false, true
	}
	if e.worker.Capabilities.MaxConcurrency > 0 && e.worker.InFlight >= e.worker.Capabilities.MaxConcurrency {
		return false, true
	}
	e.worker.InFlight++
	return true, true
}

// ReleaseSlot gives back a slot claimed by ReserveSlot.
func (r *Registry) ReleaseSlot(id types.WorkerID) {
	r.AdjustInFlight(id, -1)
}

// MaxConcurrency returns a worker's declared concurrency ceiling.
func (r *Registry) MaxConcurrency(id types.WorkerID) (int, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.workers[id]
	if !ok {
		return 0, false
	}
	return e.worker.Capabilities.MaxConcurrency, true
}

// Start launches the background liveness sweep.
func (r *Registry) Start() {
	r.wg.Add(1)
	go r.livenessSweepLoop()
}

// Stop halts the liveness sweep and waits for it to exit.
func (r *Registry) Stop() {
	close(r.stopCh)
	r.wg.Wait()
}

func (r *Registry) livenessSweepLoop() {
	defer r.wg.Done()
	ticker := time.NewTicker(r.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.sweep()
		}
	}
}

func (r *Registry) sweep() {
	now := time.Now()

	r.mu.Lock()
	var lost []types.WorkerID
	var toRemove []types.WorkerID
	for id, e := range r.workers {
		if e.worker.Liveness != types.LivenessLost && now.Sub(e.worker.LastHeartbeat) > r.livenessThreshold {
			e.worker.Liveness = types.LivenessLost
			lost = append(lost, id)
		}
		if e.worker.Liveness == types.LivenessDraining && e.worker.InFlight == 0 {
			toRemove = append(toRemove, id)
		}
	}
	for _, id := range toRemove {
		delete(r.workers, id)
	}
	callback := r.onWorkerLost
	r.mu.Unlock()

	for _, id := range lost {
		log.Warn("worker declared lost", "worker", id)
		if callback != nil {
			callback(id)
		}
	}
	for _, id := range toRemove {
		log.Info("drained worker removed", "worker", id)
	}
}

func newToken() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
