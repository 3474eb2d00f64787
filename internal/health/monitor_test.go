package health

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rzpsarthak13/hive/internal/core"
	"github.com/rzpsarthak13/hive/internal/kvstore"
	"github.com/rzpsarthak13/hive/internal/kvstore/storetest"
	"github.com/rzpsarthak13/hive/internal/statistics"
)

// flaky fails every probe of the nodes in down.
type flaky struct {
	mu   sync.Mutex
	down map[core.NodeID]bool
}

func (f *flaky) set(id core.NodeID, down bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.down[id] = down
}

func (f *flaky) Probe(_ context.Context, n core.Node) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down[n.ID] {
		return core.ErrConnectionFailure
	}
	return nil
}

var testNodes = []core.Node{
	{ID: 1, Name: "a", URI: "127.0.0.1:1"},
	{ID: 2, Name: "b", URI: "127.0.0.1:2"},
}

func newMonitor(t *testing.T, p Prober, r FailureRecorder) *Monitor {
	t.Helper()
	m, err := NewMonitor(Config{Interval: 10 * time.Millisecond, MaxFailures: 2, Workers: 2}, p, r, nil)
	require.NoError(t, err)
	t.Cleanup(m.Close)
	return m
}

func TestNodeBecomesUnhealthyAfterMaxFailures(t *testing.T) {
	ctx := context.Background()
	p := &flaky{down: map[core.NodeID]bool{2: true}}
	m := newMonitor(t, p, nil)

	var unhealthy atomic.Int64
	m.SetOnUnhealthy(func(n core.Node) { unhealthy.Store(int64(n.ID)) })

	m.CheckAll(ctx, testNodes)
	assert.True(t, m.IsHealthy(1))
	h, ok := m.NodeHealth(2)
	require.True(t, ok)
	assert.Equal(t, StatusUnknown, h.Status)
	assert.Equal(t, 1, h.ConsecutiveFails)

	m.CheckAll(ctx, testNodes)
	h, _ = m.NodeHealth(2)
	assert.Equal(t, StatusUnhealthy, h.Status)
	assert.EqualValues(t, 2, unhealthy.Load())

	p.set(2, false)
	m.CheckAll(ctx, testNodes)
	assert.True(t, m.IsHealthy(2))
	h, _ = m.NodeHealth(2)
	assert.Zero(t, h.ConsecutiveFails)
}

func TestFailuresReachNodeStatistics(t *testing.T) {
	ctx := context.Background()
	store := kvstore.NewMemoryStore()
	t.Cleanup(func() { _ = store.Close() })
	snap, err := store.CreateDimension(ctx, storetest.Dimension("members", 100, 100))
	require.NoError(t, err)

	tracker := statistics.New(store, "members")
	down := snap.Dimension.Nodes[0].ID
	p := &flaky{down: map[core.NodeID]bool{down: true}}
	m := newMonitor(t, p, tracker)

	m.CheckAll(ctx, snap.Dimension.Nodes)
	m.CheckAll(ctx, snap.Dimension.Nodes)
	assert.EqualValues(t, 2, tracker.ConnectionFailures(down))

	stats, err := tracker.NodeStatistics(ctx)
	require.NoError(t, err)
	for _, ns := range stats {
		if ns.Node.ID == down {
			assert.EqualValues(t, 2, ns.ConnectionFailures)
		} else {
			assert.Zero(t, ns.ConnectionFailures)
		}
	}

	p.set(down, false)
	m.CheckAll(ctx, snap.Dimension.Nodes)
	assert.Zero(t, tracker.ConnectionFailures(down))
}

func TestRemovedNodesAreForgotten(t *testing.T) {
	m := newMonitor(t, &flaky{down: map[core.NodeID]bool{}}, nil)
	m.CheckAll(context.Background(), testNodes)
	require.Len(t, m.AllNodeHealth(), 2)

	m.CheckAll(context.Background(), testNodes[:1])
	all := m.AllNodeHealth()
	assert.Len(t, all, 1)
	assert.Contains(t, all, core.NodeID(1))
}

func TestRunProbesUntilCancelled(t *testing.T) {
	var probes atomic.Int64
	p := ProberFunc(func(context.Context, core.Node) error {
		probes.Add(1)
		return nil
	})
	m := newMonitor(t, p, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx, func() []core.Node { return testNodes }) }()

	require.Eventually(t, func() bool { return probes.Load() >= 6 }, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("monitor did not stop")
	}
}

func TestTCPProber(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			_ = c.Close()
		}
	}()

	p := &TCPProber{}
	ctx := context.Background()
	require.NoError(t, p.Probe(ctx, core.Node{Name: "up", URI: "tcp://" + ln.Addr().String()}))
	require.NoError(t, p.Probe(ctx, core.Node{Name: "bare", URI: ln.Addr().String()}))

	err = p.Probe(ctx, core.Node{Name: "bad", URI: "no-port"})
	assert.ErrorIs(t, err, core.ErrValidation)
}

func TestSQLProberRejectsMalformedDSN(t *testing.T) {
	p := NewSQLProber()
	defer p.Close()
	err := p.Probe(context.Background(), core.Node{Name: "x", Dialect: "mysql", URI: "not a dsn"})
	assert.True(t, errors.Is(err, core.ErrValidation), "got %v", err)
}
