// Package topologysync keeps a process-local copy of a dimension's topology
// in step with the persisted store. A Daemon polls the semaphore and reloads
// the snapshot whenever the revision moves past the one it holds.
package topologysync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/rzpsarthak13/hive/internal/core"
)

// Config configures a Daemon.
type Config struct {
	Dimension    string
	PollInterval time.Duration
	ReadTimeout  time.Duration
}

// DefaultConfig returns the default polling settings for dimension.
func DefaultConfig(dimension string) Config {
	return Config{
		Dimension:    dimension,
		PollInterval: time.Second,
		ReadTimeout:  2 * time.Second,
	}
}

// ErrAlreadyStarted is returned by Start on a running daemon.
var ErrAlreadyStarted = errors.New("sync daemon already started")

// Daemon polls one dimension. It only reads from the store.
type Daemon struct {
	store core.TopologyStore
	cfg   Config
	log   *zap.SugaredLogger

	current   atomic.Pointer[core.Snapshot]
	refreshMu sync.Mutex

	subMu  sync.RWMutex
	nextID uint64
	funcs  map[uint64]func(*core.Snapshot)
	chans  map[uint64]chan *core.Snapshot

	running atomic.Bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates a daemon. Zero durations in cfg take their defaults.
func New(store core.TopologyStore, cfg Config, log *zap.SugaredLogger) *Daemon {
	def := DefaultConfig(cfg.Dimension)
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = def.ReadTimeout
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Daemon{
		store: store,
		cfg:   cfg,
		log:   log,
		funcs: make(map[uint64]func(*core.Snapshot)),
		chans: make(map[uint64]chan *core.Snapshot),
	}
}

// Start polls in a background goroutine until ctx is cancelled or Stop is
// called. The first poll runs immediately.
func (d *Daemon) Start(ctx context.Context) error {
	if !d.running.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	ctx, d.cancel = context.WithCancel(ctx)

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.run(ctx)
	}()

	d.log.Infow("sync daemon started",
		zap.String("dimension", d.cfg.Dimension),
		zap.Duration("interval", d.cfg.PollInterval),
	)
	return nil
}

func (d *Daemon) run(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()

	d.poll(ctx)
	for {
		select {
		case <-ticker.C:
			d.poll(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (d *Daemon) poll(ctx context.Context) {
	if _, err := d.Refresh(ctx); err != nil && ctx.Err() == nil {
		d.log.Warnw("topology poll failed",
			zap.String("dimension", d.cfg.Dimension),
			zap.Error(err),
		)
	}
}

// Stop halts polling and closes every subscription channel.
func (d *Daemon) Stop() {
	if !d.running.CompareAndSwap(true, false) {
		return
	}
	d.cancel()
	d.wg.Wait()

	d.subMu.Lock()
	for id, ch := range d.chans {
		close(ch)
		delete(d.chans, id)
	}
	d.subMu.Unlock()

	d.log.Infow("sync daemon stopped", zap.String("dimension", d.cfg.Dimension))
}

// Current returns the latest snapshot, or nil before the first successful load.
func (d *Daemon) Current() *core.Snapshot {
	return d.current.Load()
}

// Refresh runs one poll cycle and reports whether a newer snapshot was installed.
// Callers that saw core.ErrStaleMetadata use it to catch up without waiting
// for the next tick.
func (d *Daemon) Refresh(ctx context.Context) (bool, error) {
	d.refreshMu.Lock()
	defer d.refreshMu.Unlock()

	readCtx, cancel := context.WithTimeout(ctx, d.cfg.ReadTimeout)
	defer cancel()

	held := d.current.Load()
	sem, err := d.store.ReadSemaphore(readCtx, d.cfg.Dimension)
	if err != nil {
		return false, fmt.Errorf("failed to read semaphore: %w", err)
	}
	if held != nil && sem.Revision <= held.Revision() {
		return false, nil
	}

	snap, err := d.store.LoadSnapshot(readCtx, d.cfg.Dimension)
	if err != nil {
		return false, fmt.Errorf("failed to load snapshot: %w", err)
	}
	if held != nil && snap.Revision() <= held.Revision() {
		return false, nil
	}

	d.current.Store(snap)
	d.publish(snap)

	d.log.Debugw("topology updated",
		zap.String("dimension", d.cfg.Dimension),
		zap.Uint64("revision", uint64(snap.Revision())),
		zap.String("status", string(snap.Semaphore.Status)),
	)
	return true, nil
}

// Subscribe calls fn with every new snapshot, starting with the current one
// if there is one. fn runs on the polling goroutine and must not block.
func (d *Daemon) Subscribe(fn func(*core.Snapshot)) (unsubscribe func()) {
	d.subMu.Lock()
	d.nextID++
	id := d.nextID
	d.funcs[id] = fn
	d.subMu.Unlock()

	if snap := d.current.Load(); snap != nil {
		fn(snap)
	}
	return func() {
		d.subMu.Lock()
		delete(d.funcs, id)
		d.subMu.Unlock()
	}
}

// SubscribeChan returns a channel that receives every new snapshot. A slow
// reader only misses intermediate snapshots: when the buffer is full the
// oldest queued snapshot is dropped.
func (d *Daemon) SubscribeChan(buffer int) (<-chan *core.Snapshot, func()) {
	ch := make(chan *core.Snapshot, max(buffer, 1))

	d.subMu.Lock()
	d.nextID++
	id := d.nextID
	d.chans[id] = ch
	if snap := d.current.Load(); snap != nil {
		offer(ch, snap)
	}
	d.subMu.Unlock()

	return ch, func() {
		d.subMu.Lock()
		defer d.subMu.Unlock()
		if c, ok := d.chans[id]; ok {
			close(c)
			delete(d.chans, id)
		}
	}
}

func (d *Daemon) publish(snap *core.Snapshot) {
	d.subMu.RLock()
	defer d.subMu.RUnlock()

	for _, fn := range d.funcs {
		fn(snap)
	}
	for _, ch := range d.chans {
		offer(ch, snap)
	}
}

// offer sends snap without blocking, dropping the oldest queued snapshot
// when ch is full.
func offer(ch chan *core.Snapshot, snap *core.Snapshot) {
	for {
		select {
		case ch <- snap:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}
