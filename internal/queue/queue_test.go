package queue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/llmgateway/gateway/pkg/gwerrors"
	"github.com/llmgateway/gateway/pkg/types"
)

func job(id string, priority types.Priority, model string) *types.Job {
	return &types.Job{
		Request: types.InferenceRequest{ID: types.JobID(id), Model: model, Priority: priority},
		State:   types.JobQueued,
	}
}

func acceptAll(string) bool { return true }

func TestTakeMatchingPriorityOrder(t *testing.T) {
	q := New(0)
	require.NoError(t, q.Enqueue(job("low1", types.PriorityLow, "m")))
	require.NoError(t, q.Enqueue(job("high1", types.PriorityHigh, "m")))
	require.NoError(t, q.Enqueue(job("medium1", types.PriorityMedium, "m")))

	got := q.TakeMatching(acceptAll)
	require.NotNil(t, got)
	assert.Equal(t, types.JobID("high1"), got.Request.ID)
}

func TestTakeMatchingFIFOWithinPriority(t *testing.T) {
	q := New(0)
	require.NoError(t, q.Enqueue(job("a", types.PriorityHigh, "m")))
	require.NoError(t, q.Enqueue(job("b", types.PriorityHigh, "m")))

	first := q.TakeMatching(acceptAll)
	second := q.TakeMatching(acceptAll)
	assert.Equal(t, types.JobID("a"), first.Request.ID)
	assert.Equal(t, types.JobID("b"), second.Request.ID)
}

func TestTakeMatchingSkipsNonMatchingModel(t *testing.T) {
	q := New(0)
	require.NoError(t, q.Enqueue(job("a", types.PriorityHigh, "mistral")))
	require.NoError(t, q.Enqueue(job("b", types.PriorityHigh, "llama3")))

	got := q.TakeMatching(func(model string) bool { return model == "llama3" })
	require.NotNil(t, got)
	assert.Equal(t, types.JobID("b"), got.Request.ID)

	assert.Equal(t, 1, q.Depth())
}

func TestTakeMatchingDropsExpiredJobs(t *testing.T) {
	q := New(0)
	var expired []*types.Job
	q.OnExpired(func(j *types.Job) { expired = append(expired, j) })

	stale := job("stale", types.PriorityHigh, "m")
	stale.Request.Deadline = time.Now().Add(-time.Minute)
	require.NoError(t, q.Enqueue(stale))
	require.NoError(t, q.Enqueue(job("fresh", types.PriorityHigh, "m")))

	got := q.TakeMatching(acceptAll)
	require.NotNil(t, got)
	assert.Equal(t, types.JobID("fresh"), got.Request.ID)
	require.Len(t, expired, 1)
	assert.Equal(t, types.JobID("stale"), expired[0].Request.ID)
}

func TestEnqueueQueueFull(t *testing.T) {
	q := New(1)
	require.NoError(t, q.Enqueue(job("a", types.PriorityLow, "m")))

	err := q.Enqueue(job("b", types.PriorityLow, "m"))
	gerr, ok := gwerrors.As(err)
	require.True(t, ok)
	assert.Equal(t, gwerrors.KindQueueFull, gerr.Kind)
}

func TestEnqueueAtHeadPreservesOrderAhead(t *testing.T) {
	q := New(0)
	require.NoError(t, q.Enqueue(job("a", types.PriorityHigh, "m")))
	q.EnqueueAtHead(job("retry", types.PriorityHigh, "m"))

	got := q.TakeMatching(acceptAll)
	assert.Equal(t, types.JobID("retry"), got.Request.ID)
}

func TestCancelRemovesQueuedJob(t *testing.T) {
	q := New(0)
	require.NoError(t, q.Enqueue(job("a", types.PriorityMedium, "m")))

	assert.True(t, q.Cancel("a"))
	assert.Equal(t, 0, q.Depth())
	assert.False(t, q.Cancel("a"))
}

func TestDepthByPriority(t *testing.T) {
	q := New(0)
	require.NoError(t, q.Enqueue(job("a", types.PriorityHigh, "m")))
	require.NoError(t, q.Enqueue(job("b", types.PriorityLow, "m")))
	require.NoError(t, q.Enqueue(job("c", types.PriorityLow, "m")))

	byPriority := q.DepthByPriority()
	assert.Equal(t, 1, byPriority[types.PriorityHigh])
	assert.Equal(t, 2, byPriority[types.PriorityLow])
	assert.Equal(t, 0, byPriority[types.PriorityMedium])
}
