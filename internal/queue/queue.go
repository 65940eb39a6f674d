// Package queue implements the Job Queue: a priority-ordered holding area
// for jobs awaiting dispatch.
package queue

import (
	"sync"
	"time"

	"github.com/llmgateway/gateway/pkg/gwerrors"
	"github.com/llmgateway/gateway/pkg/types"
)

// Predicate decides whether a job's model is acceptable to the caller of TakeMatching.
type Predicate func(model string) bool

// Queue holds one FIFO-ordered bucket per priority level. Enqueue order
// within a priority is preserved under dispatch.
type Queue struct {
	mu         sync.Mutex
	buckets    map[types.Priority][]*types.Job
	depthLimit int

	// onExpired is invoked (outside the lock) for jobs TakeMatching drops
	// because their deadline already passed.
	onExpired func(*types.Job)
}

// New creates a Queue. depthLimit <= 0 means unlimited.
func New(depthLimit int) *Queue {
	return &Queue{
		buckets: map[types.Priority][]*types.Job{
			types.PriorityHigh:   {},
			types.PriorityMedium: {},
			types.PriorityLow:    {},
		},
		depthLimit: depthLimit,
	}
}

// OnExpired registers the callback used for deadline-expired jobs discovered
// at take time.
func (q *Queue) OnExpired(fn func(*types.Job)) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.onExpired = fn
}

// Enqueue inserts a job at the tail of its priority bucket.
func (q *Queue) Enqueue(job *types.Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.depthLimit > 0 && q.totalLocked() >= q.depthLimit {
		return gwerrors.New(gwerrors.KindQueueFull, "queue depth limit exceeded")
	}

	p := job.Request.Priority
	q.buckets[p] = append(q.buckets[p], job)
	return nil
}

// EnqueueAtHead reinserts a job at the head of its priority bucket, preserving
// its original queued-at timestamp. Used for retries and over-capacity rollback.
func (q *Queue) EnqueueAtHead(job *types.Job) {
	q.mu.Lock()
	defer q.mu.Unlock()

	p := job.Request.Priority
	q.buckets[p] = append([]*types.Job{job}, q.buckets[p]...)
}

// TakeMatching removes and returns the highest-priority, oldest job whose
// model satisfies predicate. Jobs whose deadline has already passed are
// dropped (reported via onExpired) without being returned as a match and
// without consuming a worker slot.
func (q *Queue) TakeMatching(predicate Predicate) *types.Job {
	q.mu.Lock()

	var expired []*types.Job
	var result *types.Job
	now := time.Now()

	for _, p := range []types.Priority{types.PriorityHigh, types.PriorityMedium, types.PriorityLow} {
		bucket := q.buckets[p]
		kept := bucket[:0:0]
		found := false

		for _, job := range bucket {
			switch {
			case found:
				kept = append(kept, job)
			case !job.Request.Deadline.IsZero() && now.After(job.Request.Deadline):
				expired = append(expired, job)
			case predicate(job.Request.Model):
				result = job
				found = true
			default:
				kept = append(kept, job)
			}
		}

		q.buckets[p] = kept
		if found {
			break
		}
	}

	cb := q.onExpired
	q.mu.Unlock()

	if cb != nil {
		for _, e := range expired {
			cb(e)
		}
	}

	return result
}

// Cancel removes a still-queued job by ID, marking it cancelled. Returns
// false if the job was not found in the queue (a no-op).
func (q *Queue) Cancel(jobID types.JobID) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	for p, bucket := range q.buckets {
		for i, job := range bucket {
			if job.Request.ID == jobID {
				job.State = types.JobCancelled
				q.buckets[p] = append(bucket[:i], bucket[i+1:]...)
				return true
			}
		}
	}
	return false
}

// Depth returns the total number of queued jobs across all priorities.
func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.totalLocked()
}

func (q *Queue) totalLocked() int {
	total := 0
	for _, bucket := range q.buckets {
		total += len(bucket)
	}
	return total
}

// DepthByPriority returns the queue depth broken down by priority.
func (q *Queue) DepthByPriority() map[types.Priority]int {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make(map[types.Priority]int, len(q.buckets))
	for p, bucket := range q.buckets {
		out[p] = len(bucket)
	}
	return out
}
