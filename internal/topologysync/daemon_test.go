package topologysync

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rzpsarthak13/hive/internal/core"
	"github.com/rzpsarthak13/hive/internal/kvstore"
	"github.com/rzpsarthak13/hive/internal/kvstore/storetest"
)

// flakyStore fails the first reads and counts commits.
type flakyStore struct {
	core.Store
	failures atomic.Int32
	commits  atomic.Int32
}

func (f *flakyStore) ReadSemaphore(ctx context.Context, dim string) (core.Semaphore, error) {
	if f.failures.Add(-1) >= 0 {
		return core.Semaphore{}, core.ErrConnectionFailure
	}
	return f.Store.ReadSemaphore(ctx, dim)
}

func (f *flakyStore) Commit(ctx context.Context, dim string, expected core.Revision, m core.Mutation) (core.Revision, error) {
	f.commits.Add(1)
	return f.Store.Commit(ctx, dim, expected, m)
}

func newDimension(t *testing.T) (core.Store, *core.Snapshot) {
	t.Helper()
	store := kvstore.NewMemoryStore()
	t.Cleanup(func() { _ = store.Close() })
	snap, err := store.CreateDimension(context.Background(), storetest.Dimension("orders", 100, 100))
	require.NoError(t, err)
	return store, snap
}

func TestDaemonConvergesWithinOnePollInterval(t *testing.T) {
	store, snap := newDimension(t)
	const interval = 20 * time.Millisecond

	d := New(store, Config{Dimension: "orders", PollInterval: interval}, nil)
	require.NoError(t, d.Start(context.Background()))
	defer d.Stop()

	require.Eventually(t, func() bool { return d.Current() != nil }, time.Second, 5*time.Millisecond)
	assert.Equal(t, snap.Revision(), d.Current().Revision())

	rev, err := store.Commit(context.Background(), "orders", snap.Revision(), core.AddNode(core.Node{Name: "extra", URI: "mysql://extra", Capacity: 5}))
	require.NoError(t, err)
	committed := time.Now()

	require.Eventually(t, func() bool { return d.Current().Revision() == rev }, time.Second, time.Millisecond)
	assert.Less(t, time.Since(committed), interval+50*time.Millisecond)
	_, ok := d.Current().Dimension.NodeByName("extra")
	assert.True(t, ok)
}

func TestDaemonSurvivesReadFailures(t *testing.T) {
	store, snap := newDimension(t)
	flaky := &flakyStore{Store: store}
	flaky.failures.Store(3)

	d := New(flaky, Config{Dimension: "orders", PollInterval: 5 * time.Millisecond}, nil)
	require.NoError(t, d.Start(context.Background()))
	defer d.Stop()

	require.Eventually(t, func() bool { return d.Current() != nil }, time.Second, time.Millisecond)
	assert.Equal(t, snap.Revision(), d.Current().Revision())
	assert.Zero(t, flaky.commits.Load(), "the daemon never writes")
}

func TestSubscribersReceiveEveryNewRevision(t *testing.T) {
	store, snap := newDimension(t)
	ctx := context.Background()
	d := New(store, Config{Dimension: "orders", PollInterval: time.Hour}, nil)

	var (
		mu   sync.Mutex
		seen []core.Revision
	)
	unsubscribe := d.Subscribe(func(s *core.Snapshot) {
		mu.Lock()
		seen = append(seen, s.Revision())
		mu.Unlock()
	})
	ch, closeCh := d.SubscribeChan(1)

	changed, err := d.Refresh(ctx)
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = d.Refresh(ctx)
	require.NoError(t, err)
	assert.False(t, changed, "an unchanged revision is not reloaded")

	rev := snap.Revision()
	for range 3 {
		rev, err = store.Commit(ctx, "orders", rev, core.SetStatus(core.StatusReadOnly))
		require.NoError(t, err)
		_, err = d.Refresh(ctx)
		require.NoError(t, err)
	}

	mu.Lock()
	assert.Equal(t, []core.Revision{snap.Revision(), snap.Revision() + 1, snap.Revision() + 2, snap.Revision() + 3}, seen)
	mu.Unlock()

	latest := <-ch
	assert.Equal(t, rev, latest.Revision(), "a full channel keeps the newest snapshot")
	assert.True(t, latest.Semaphore.ReadOnly())

	unsubscribe()
	closeCh()
	_, open := <-ch
	assert.False(t, open)
}

func TestSubscribeChanNeverBlocksAgainstPublish(t *testing.T) {
	ctx := context.Background()
	store, snap := newDimension(t)
	d := New(store, Config{Dimension: "orders", PollInterval: time.Hour}, nil)
	require.NoError(t, d.Start(ctx))
	_, err := d.Refresh(ctx)
	require.NoError(t, err)

	const subscribers = 20
	chans := make(chan (<-chan *core.Snapshot), subscribers)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		rev := snap.Revision()
		for i := range subscribers {
			status := core.StatusReadOnly
			if i%2 == 1 {
				status = core.StatusWritable
			}
			var err error
			rev, err = store.Commit(ctx, "orders", rev, core.SetStatus(status))
			assert.NoError(t, err)
			_, err = d.Refresh(ctx)
			assert.NoError(t, err)
		}
	}()
	go func() {
		defer wg.Done()
		for range subscribers {
			ch, _ := d.SubscribeChan(1)
			chans <- ch
		}
	}()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("subscribing blocked on a full channel")
	}

	d.Stop()
	close(chans)
	for ch := range chans {
		got := 0
		for range ch {
			got++
		}
		assert.Equal(t, 1, got, "a one-slot subscription holds only the newest snapshot")
	}
}

func TestStartTwiceFails(t *testing.T) {
	store, _ := newDimension(t)
	d := New(store, Config{Dimension: "orders"}, nil)
	require.NoError(t, d.Start(context.Background()))
	assert.True(t, errors.Is(d.Start(context.Background()), ErrAlreadyStarted))
	d.Stop()
	d.Stop()
}

func TestRefreshReportsMissingDimension(t *testing.T) {
	store, _ := newDimension(t)
	d := New(store, Config{Dimension: "missing"}, nil)
	_, err := d.Refresh(context.Background())
	require.ErrorIs(t, err, core.ErrNotFound)
	assert.Nil(t, d.Current())
}
