package hive

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rzpsarthak13/hive/internal/core"
	"github.com/rzpsarthak13/hive/internal/movequeue"
)

type recordingExecutor struct {
	mu    sync.Mutex
	calls []core.Migration
	err   error
}

func (e *recordingExecutor) Execute(_ context.Context, m *core.Migration) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls = append(e.calls, *m)
	return e.err
}

func (e *recordingExecutor) count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.calls)
}

func fastDrain() DrainerConfig {
	return DrainerConfig{Rate: 1000, BatchSize: 10, PollInterval: 5 * time.Millisecond, MaxRetries: 2}
}

// overloaded places three keys with 80 records in total on nodea of two
// 100-capacity nodes.
func overloaded(t *testing.T) (*Hive, core.NodeID, core.NodeID) {
	t.Helper()
	ctx := context.Background()
	h, snap := openHive(t, 100, 100)
	na, nb := nodeID(t, snap, "nodea"), nodeID(t, snap, "nodeb")
	for key, count := range map[core.Key]int64{"1": 40, "2": 25, "3": 15} {
		require.NoError(t, h.InsertAt(ctx, key, []core.NodeID{na}))
		_, err := h.IncrementChildRecordCount(ctx, key, count)
		require.NoError(t, err)
	}
	return h, na, nb
}

func TestRebalanceThenDrainBalancesDimension(t *testing.T) {
	ctx := context.Background()
	h, na, nb := overloaded(t)
	q := movequeue.NewMemoryQueue(16)
	exec := &recordingExecutor{}
	d := NewDrainer(h, q, exec, fastDrain())
	job := NewRebalanceJob(h, q, WithInFlight(d))

	res, err := job.Run(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, res.ID)
	assert.True(t, res.Plan.Balanced)
	assert.Equal(t, 1, res.Enqueued)
	assert.Equal(t, 1, q.Size())

	_, err = job.Run(ctx)
	require.ErrorIs(t, err, ErrRebalanceInProgress)

	n, err := d.DrainOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, exec.count())
	assert.Equal(t, uint64(1), d.Stats().Applied)
	assert.Zero(t, d.InFlight())

	got, err := h.Resolve(ctx, "1")
	require.NoError(t, err)
	assert.Equal(t, []core.NodeID{nb}, got)

	stats, err := h.NodeStatistics(ctx)
	require.NoError(t, err)
	assert.True(t, h.Planner().Validator().IsBalanced(stats))
	for _, s := range stats {
		if s.Node.ID == na {
			assert.Equal(t, 40.0, s.FillLevel)
		}
	}

	res, err = job.Run(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Enqueued)
	assert.True(t, res.Plan.Balanced)
}

func TestFailedMigrationIsRetriedThenDropped(t *testing.T) {
	ctx := context.Background()
	h, na, nb := overloaded(t)
	q := movequeue.NewMemoryQueue(16)
	exec := &recordingExecutor{err: errors.New("copy failed")}
	d := NewDrainer(h, q, exec, fastDrain())

	require.NoError(t, q.Enqueue(ctx, &core.Migration{Key: "1", OriginNodeID: na, DestinationNodeID: nb}))

	for range 3 {
		n, err := d.DrainOnce(ctx)
		require.NoError(t, err)
		require.Equal(t, 1, n)
	}
	assert.Zero(t, q.Size())
	assert.Equal(t, 3, exec.count())
	assert.Equal(t, DrainerStats{Retried: 2, Dropped: 1}, d.Stats())

	exec.mu.Lock()
	assert.Equal(t, 2, exec.calls[2].RetryCount)
	exec.mu.Unlock()

	got, err := h.Resolve(ctx, "1")
	require.NoError(t, err)
	assert.Equal(t, []core.NodeID{na}, got, "nothing is repointed without a successful copy")
}

func TestMigrationThatNoLongerAppliesIsDropped(t *testing.T) {
	ctx := context.Background()
	h, na, nb := overloaded(t)
	q := movequeue.NewMemoryQueue(16)
	d := NewDrainer(h, q, nil, fastDrain())

	require.NoError(t, q.Enqueue(ctx, &core.Migration{Key: "1", OriginNodeID: nb, DestinationNodeID: na + nb}))
	_, err := d.DrainOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, DrainerStats{Dropped: 1}, d.Stats())
	assert.Zero(t, q.Size())
}

func TestDrainerRunsUntilStopped(t *testing.T) {
	ctx := context.Background()
	h, na, nb := overloaded(t)
	q := movequeue.NewMemoryQueue(16)
	d := NewDrainer(h, q, nil, fastDrain())

	require.NoError(t, d.Start(ctx))
	require.NoError(t, d.Start(ctx))
	assert.True(t, d.IsRunning())

	require.NoError(t, q.Enqueue(ctx, &core.Migration{Key: "2", OriginNodeID: na, DestinationNodeID: nb}))
	require.Eventually(t, func() bool { return d.Stats().Applied == 1 }, time.Second, 5*time.Millisecond)

	d.Stop()
	d.Stop()
	assert.False(t, d.IsRunning())

	got, err := h.Resolve(ctx, "2")
	require.NoError(t, err)
	assert.Equal(t, []core.NodeID{nb}, got)
}

func TestRebalanceWaitsForInFlightMigrations(t *testing.T) {
	h, _, _ := overloaded(t)
	job := NewRebalanceJob(h, movequeue.NewMemoryQueue(4), WithInFlight(inFlightFunc(func() int { return 1 })))

	_, err := job.Run(context.Background())
	require.ErrorIs(t, err, ErrRebalanceInProgress)
}

// gatedQueue pauses a Dequeue that took migrations until release is closed.
type gatedQueue struct {
	*movequeue.MemoryQueue
	taken   chan struct{}
	release chan struct{}
}

func (q *gatedQueue) Dequeue(ctx context.Context, batchSize int) ([]*core.Migration, error) {
	out, err := q.MemoryQueue.Dequeue(ctx, batchSize)
	if len(out) > 0 {
		close(q.taken)
		<-q.release
	}
	return out, err
}

func TestRebalanceSeesBatchBeingDequeued(t *testing.T) {
	ctx := context.Background()
	h, _, _ := overloaded(t)
	q := &gatedQueue{MemoryQueue: movequeue.NewMemoryQueue(16), taken: make(chan struct{}), release: make(chan struct{})}
	applying := make(chan struct{})
	exec := ExecutorFunc(func(context.Context, *core.Migration) error {
		<-applying
		return nil
	})
	d := NewDrainer(h, q, exec, fastDrain())
	job := NewRebalanceJob(h, q, WithInFlight(d))

	res, err := job.Run(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, res.Enqueued)

	drained := make(chan error, 1)
	go func() {
		_, err := d.DrainOnce(ctx)
		drained <- err
	}()
	<-q.taken
	assert.Zero(t, q.Size())
	assert.Zero(t, d.InFlight())

	rebalanced := make(chan error, 1)
	go func() {
		_, err := job.Run(ctx)
		rebalanced <- err
	}()
	select {
	case err := <-rebalanced:
		t.Fatalf("rebalance finished while a batch was leaving the queue: %v", err)
	case <-time.After(20 * time.Millisecond):
	}

	close(q.release)
	require.ErrorIs(t, <-rebalanced, ErrRebalanceInProgress)

	close(applying)
	require.NoError(t, <-drained)
	assert.Zero(t, d.InFlight())
}

type inFlightFunc func() int

func (f inFlightFunc) InFlight() int { return f() }
