package queue

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redisx "github.com/sealedvote/sealedvote/pkg/redis"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestQueue(t *testing.T) (*Queue, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb, err := redisx.NewClientFromAddr(context.Background(), zap.NewNop(), mr.Addr())
	require.NoError(t, err)
	t.Cleanup(func() { _ = rdb.Close() })
	q := New(rdb, zap.NewNop(), Config{
		Retention:         time.Hour,
		VisibilityTimeout: time.Minute,
	})
	return q, mr
}

func TestEnqueueImmediate(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, KindSubmission, map[string]string{"voteId": "v1"}, Options{})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	status, err := q.GetStatus(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StateWaiting, status.State)
	assert.Equal(t, KindSubmission, status.Kind)
	assert.Equal(t, 0, status.Attempt)
	assert.Equal(t, 1, status.MaxAttempts)

	n, err := q.rdb.XLen(ctx, readyStream(KindSubmission, PriorityDefault))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestEnqueuePreassignedID(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	want := NewJobID()
	got, err := q.Enqueue(ctx, KindSubmission, map[string]string{"voteId": "v1"}, Options{ID: want})
	require.NoError(t, err)
	assert.Equal(t, want, got)

	status, err := q.GetStatus(ctx, want)
	require.NoError(t, err)
	assert.Equal(t, StateWaiting, status.State)
}

func TestEnqueueFailureLeavesNoState(t *testing.T) {
	q, mr := newTestQueue(t)
	ctx := context.Background()

	mr.Close()
	_, err := q.Enqueue(ctx, KindSubmission, map[string]string{"voteId": "v1"}, Options{})
	assert.ErrorIs(t, err, ErrUnavailable)

	// The hash and the stream entry are written in one MULTI/EXEC, so a
	// rejected enqueue leaves no waiting hash behind for the janitor.
	require.NoError(t, mr.Restart())
	assert.Empty(t, mr.Keys())
}

func TestEnqueuePriorityStream(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, KindSubmission, map[string]string{}, Options{Priority: PriorityHigh})
	require.NoError(t, err)

	n, err := q.rdb.XLen(ctx, readyStream(KindSubmission, PriorityHigh))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = q.rdb.XLen(ctx, readyStream(KindSubmission, PriorityDefault))
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestEnqueueDelayedGoesToScheduler(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, KindTally, map[string]string{"proposalId": "p1"}, Options{Delay: time.Hour})
	require.NoError(t, err)

	n, err := q.rdb.XLen(ctx, readyStream(KindTally, PriorityDefault))
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)

	due, err := q.rdb.ZDue(ctx, schedKey(KindTally), float64(time.Now().Add(2*time.Hour).UnixMilli()), 10)
	require.NoError(t, err)
	assert.Equal(t, []string{id}, due)

	// Not due yet.
	due, err = q.rdb.ZDue(ctx, schedKey(KindTally), float64(time.Now().UnixMilli()), 10)
	require.NoError(t, err)
	assert.Empty(t, due)
}

func TestGetStatusUnknownJob(t *testing.T) {
	q, _ := newTestQueue(t)
	_, err := q.GetStatus(context.Background(), "never-existed")
	assert.ErrorIs(t, err, ErrUnknownJob)
}

func TestPromoterMovesDueJobs(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	id, err := q.Enqueue(ctx, KindSubmission, map[string]string{}, Options{Delay: 30 * time.Millisecond})
	require.NoError(t, err)

	go func() { _ = q.RunPromoter(ctx, 10*time.Millisecond, KindSubmission) }()

	require.Eventually(t, func() bool {
		n, err := q.rdb.XLen(ctx, readyStream(KindSubmission, PriorityDefault))
		return err == nil && n == 1
	}, 2*time.Second, 10*time.Millisecond)

	// The scheduler entry was claimed, not duplicated.
	due, err := q.rdb.ZDue(ctx, schedKey(KindSubmission), float64(time.Now().Add(time.Hour).UnixMilli()), 10)
	require.NoError(t, err)
	assert.Empty(t, due)

	status, err := q.GetStatus(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StateWaiting, status.State)
}

func TestSweepRepairsAndDropsOrphans(t *testing.T) {
	q, mr := newTestQueue(t)
	ctx := context.Background()

	// A terminal job whose TTL was lost.
	id, err := q.Enqueue(ctx, KindSubmission, map[string]string{}, Options{})
	require.NoError(t, err)
	require.NoError(t, q.finishJob(ctx, id, StateCompleted, "done", ""))
	require.NoError(t, q.rdb.GetClient().Persist(ctx, jobKey(id)).Err())

	// A scheduler entry whose job hash is gone.
	require.NoError(t, q.rdb.ZAdd(ctx, schedKey(KindSubmission), "ghost-job", float64(time.Now().UnixMilli())))

	q.Sweep(ctx, KindSubmission, KindTally)

	ttl := mr.TTL(jobKey(id))
	assert.Greater(t, ttl, time.Duration(0), "terminal job hash should have its TTL repaired")

	due, err := q.rdb.ZDue(ctx, schedKey(KindSubmission), float64(time.Now().Add(time.Hour).UnixMilli()), 10)
	require.NoError(t, err)
	assert.NotContains(t, due, "ghost-job")
}

func TestFinishJobSetsRetention(t *testing.T) {
	q, mr := newTestQueue(t)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, KindSubmission, map[string]string{}, Options{})
	require.NoError(t, err)
	require.NoError(t, q.finishJob(ctx, id, StateFailed, "", "invalid proof"))

	status, err := q.GetStatus(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StateFailed, status.State)
	assert.Equal(t, "invalid proof", status.ErrorReason)
	assert.Greater(t, mr.TTL(jobKey(id)), time.Duration(0))

	// Once retention passes, the job is unknown.
	mr.FastForward(2 * time.Hour)
	_, err = q.GetStatus(ctx, id)
	assert.ErrorIs(t, err, ErrUnknownJob)
}
