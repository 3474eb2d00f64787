// Package health probes the nodes of a dimension on a fixed interval and
// records failed probes as connection failures in the statistics.
package health

import (
	"context"
	"fmt"
	"maps"
	"sync"
	"time"

	"github.com/panjf2000/ants"
	"go.uber.org/zap"

	"github.com/rzpsarthak13/hive/internal/core"
)

// Node states.
const (
	StatusUnknown   = "unknown"
	StatusHealthy   = "healthy"
	StatusUnhealthy = "unhealthy"
)

// NodeHealth is the probe history of one node.
type NodeHealth struct {
	NodeID           core.NodeID
	Name             string
	Status           string
	LastCheck        time.Time
	LastHealthy      time.Time
	ConsecutiveFails int
}

// FailureRecorder receives probe outcomes. statistics.Tracker implements it.
type FailureRecorder interface {
	RecordConnectionFailure(node core.NodeID)
	ResetConnectionFailures(node core.NodeID)
}

// Config controls probing.
type Config struct {
	Interval    time.Duration
	Timeout     time.Duration
	MaxFailures int
	Workers     int
}

// DefaultConfig returns a 5s interval, 2s probe timeout, 3 failures to
// unhealthy and 8 probe workers.
func DefaultConfig() Config {
	return Config{Interval: 5 * time.Second, Timeout: 2 * time.Second, MaxFailures: 3, Workers: 8}
}

// Monitor probes nodes in parallel on a worker pool.
type Monitor struct {
	cfg         Config
	prober      Prober
	recorder    FailureRecorder
	pool        *ants.Pool
	log         *zap.SugaredLogger
	onUnhealthy func(core.Node)

	mu    sync.RWMutex
	nodes map[core.NodeID]*NodeHealth
}

// NewMonitor creates a monitor. recorder may be nil.
func NewMonitor(cfg Config, prober Prober, recorder FailureRecorder, log *zap.SugaredLogger) (*Monitor, error) {
	def := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = def.MaxFailures
	}
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}

	pool, err := ants.NewPool(cfg.Workers)
	if err != nil {
		return nil, fmt.Errorf("failed to create probe pool: %w", err)
	}
	return &Monitor{
		cfg:      cfg,
		prober:   prober,
		recorder: recorder,
		pool:     pool,
		log:      log,
		nodes:    make(map[core.NodeID]*NodeHealth),
	}, nil
}

// SetOnUnhealthy sets a callback run when a node crosses MaxFailures.
func (m *Monitor) SetOnUnhealthy(fn func(core.Node)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onUnhealthy = fn
}

// Run probes the nodes returned by provider immediately and then on every
// interval until ctx is done. provider returning nil skips the round.
func (m *Monitor) Run(ctx context.Context, provider func() []core.Node) error {
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	m.log.Infow("health monitor started", zap.Duration("interval", m.cfg.Interval))
	m.CheckAll(ctx, provider())
	for {
		select {
		case <-ticker.C:
			m.CheckAll(ctx, provider())
		case <-ctx.Done():
			m.log.Infow("health monitor stopped")
			return nil
		}
	}
}

// Close releases the worker pool.
func (m *Monitor) Close() {
	m.pool.Release()
}

// CheckAll probes every node and waits for the results. Nodes no longer in
// the list are forgotten.
func (m *Monitor) CheckAll(ctx context.Context, nodes []core.Node) {
	if nodes == nil {
		return
	}
	var wg sync.WaitGroup
	for _, n := range nodes {
		wg.Add(1)
		task := func() {
			defer wg.Done()
			m.check(ctx, n)
		}
		if err := m.pool.Submit(task); err != nil {
			m.log.Warnw("probe not scheduled", zap.String("node", n.Name), zap.Error(err))
			wg.Done()
		}
	}
	wg.Wait()

	current := make(map[core.NodeID]bool, len(nodes))
	for _, n := range nodes {
		current[n.ID] = true
	}
	m.mu.Lock()
	for id := range m.nodes {
		if !current[id] {
			delete(m.nodes, id)
		}
	}
	m.mu.Unlock()
}

func (m *Monitor) check(ctx context.Context, node core.Node) {
	m.mu.Lock()
	h, ok := m.nodes[node.ID]
	if !ok {
		h = &NodeHealth{NodeID: node.ID, Name: node.Name, Status: StatusUnknown}
		m.nodes[node.ID] = h
	}
	m.mu.Unlock()

	pctx, cancel := context.WithTimeout(ctx, m.cfg.Timeout)
	err := m.prober.Probe(pctx, node)
	cancel()

	m.mu.Lock()
	now := time.Now()
	h.LastCheck = now
	var becameUnhealthy bool
	if err != nil {
		h.ConsecutiveFails++
		if h.ConsecutiveFails >= m.cfg.MaxFailures && h.Status != StatusUnhealthy {
			h.Status = StatusUnhealthy
			becameUnhealthy = true
		}
	} else {
		if h.Status == StatusUnhealthy {
			m.log.Infow("node recovered", zap.String("node", node.Name))
		}
		h.Status = StatusHealthy
		h.ConsecutiveFails = 0
		h.LastHealthy = now
	}
	fails := h.ConsecutiveFails
	onUnhealthy := m.onUnhealthy
	m.mu.Unlock()

	if err != nil {
		m.log.Warnw("node probe failed",
			zap.String("node", node.Name),
			zap.Int("consecutive_failures", fails),
			zap.Error(err))
		if m.recorder != nil {
			m.recorder.RecordConnectionFailure(node.ID)
		}
		if becameUnhealthy {
			m.log.Errorw("node marked unhealthy", zap.String("node", node.Name), zap.Int("failures", fails))
			if onUnhealthy != nil {
				onUnhealthy(node)
			}
		}
		return
	}
	if m.recorder != nil {
		m.recorder.ResetConnectionFailures(node.ID)
	}
}

// NodeHealth returns a copy of the health of one node.
func (m *Monitor) NodeHealth(id core.NodeID) (NodeHealth, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h, ok := m.nodes[id]
	if !ok {
		return NodeHealth{}, false
	}
	return *h, true
}

// AllNodeHealth returns a copy of the health of every monitored node.
func (m *Monitor) AllNodeHealth() map[core.NodeID]NodeHealth {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[core.NodeID]NodeHealth, len(m.nodes))
	for id, h := range maps.All(m.nodes) {
		out[id] = *h
	}
	return out
}

// IsHealthy reports whether the last probe of the node succeeded.
func (m *Monitor) IsHealthy(id core.NodeID) bool {
	h, ok := m.NodeHealth(id)
	return ok && h.Status == StatusHealthy
}
