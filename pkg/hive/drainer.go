package hive

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/rzpsarthak13/hive/internal/core"
)

// MigrationExecutor copies the data of one migration from its origin node to
// its destination. The Drainer records the repoint only after Execute
// returns nil.
type MigrationExecutor interface {
	Execute(ctx context.Context, m *core.Migration) error
}

// ExecutorFunc adapts a function to MigrationExecutor.
type ExecutorFunc func(ctx context.Context, m *core.Migration) error

// Execute calls f.
func (f ExecutorFunc) Execute(ctx context.Context, m *core.Migration) error { return f(ctx, m) }

// DrainerConfig contains configuration for the drainer.
type DrainerConfig struct {
	// Rate is the maximum number of migrations applied per second.
	Rate float64

	// BatchSize is how many migrations to dequeue at once.
	BatchSize int

	// PollInterval is how often to check for new items when the queue is empty.
	PollInterval time.Duration

	// MaxRetries is how often a failed migration is re-enqueued before it is
	// dropped.
	MaxRetries int
}

// DefaultDrainerConfig returns the default drainer settings.
func DefaultDrainerConfig() DrainerConfig {
	return DrainerConfig{
		Rate:         5,
		BatchSize:    10,
		PollInterval: time.Second,
		MaxRetries:   3,
	}
}

// DrainerStats counts what a drainer has done since it was created.
type DrainerStats struct {
	Applied uint64
	Retried uint64
	Dropped uint64
}

// Drainer applies queued migrations of one dimension at a controlled rate.
// For each migration it runs the executor, then repoints the key in the
// directory. Failed migrations go back on the queue with RetryCount
// incremented until MaxRetries is reached.
type Drainer struct {
	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}

	hive     *Hive
	queue    core.MigrationQueue
	executor MigrationExecutor
	config   DrainerConfig
	limiter  *rate.Limiter
	log      *zap.SugaredLogger

	// dequeueMu covers a batch from leaving the queue until it is counted
	// in inFlight.
	dequeueMu sync.Mutex
	inFlight  atomic.Int64
	applied   atomic.Uint64
	retried   atomic.Uint64
	dropped   atomic.Uint64
}

// NewDrainer creates a drainer. A nil executor only records repoints, for
// deployments where the data is moved by another process before the
// migration is enqueued.
func NewDrainer(h *Hive, queue core.MigrationQueue, executor MigrationExecutor, config DrainerConfig) *Drainer {
	def := DefaultDrainerConfig()
	if config.Rate <= 0 {
		config.Rate = def.Rate
	}
	if config.BatchSize <= 0 {
		config.BatchSize = def.BatchSize
	}
	if config.PollInterval <= 0 {
		config.PollInterval = def.PollInterval
	}
	if config.MaxRetries < 0 {
		config.MaxRetries = 0
	}
	if executor == nil {
		executor = ExecutorFunc(func(context.Context, *core.Migration) error { return nil })
	}
	return &Drainer{
		hive:     h,
		queue:    queue,
		executor: executor,
		config:   config,
		limiter:  rate.NewLimiter(rate.Limit(config.Rate), 1),
		log:      h.log.With(zap.String("component", "drainer")),
	}
}

// Start runs the drain loop in a goroutine until Stop is called or ctx is done.
func (d *Drainer) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running {
		return nil
	}
	d.running = true
	d.stopCh = make(chan struct{})
	d.doneCh = make(chan struct{})

	go d.run(ctx, d.stopCh, d.doneCh)
	d.log.Infow("drainer started",
		zap.Float64("rate", d.config.Rate),
		zap.Int("batch_size", d.config.BatchSize),
	)
	return nil
}

// Stop stops the drain loop and waits for the current migration to finish.
func (d *Drainer) Stop() {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return
	}
	d.running = false
	stopCh, doneCh := d.stopCh, d.doneCh
	d.mu.Unlock()

	close(stopCh)
	<-doneCh
	d.log.Infow("drainer stopped", zap.Uint64("applied", d.applied.Load()))
}

// IsRunning reports whether the drain loop is running.
func (d *Drainer) IsRunning() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.running
}

// InFlight returns the number of migrations dequeued but not yet settled.
func (d *Drainer) InFlight() int { return int(d.inFlight.Load()) }

// Stats returns the drainer counters.
func (d *Drainer) Stats() DrainerStats {
	return DrainerStats{
		Applied: d.applied.Load(),
		Retried: d.retried.Load(),
		Dropped: d.dropped.Load(),
	}
}

func (d *Drainer) run(ctx context.Context, stopCh <-chan struct{}, doneCh chan<- struct{}) {
	defer close(doneCh)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		n, err := d.DrainOnce(ctx)
		if err != nil && ctx.Err() == nil {
			d.log.Warnw("drain failed", zap.Error(err))
		}
		if n > 0 {
			timer.Reset(0)
		} else {
			timer.Reset(d.config.PollInterval)
		}
	}
}

// DrainOnce dequeues one batch and settles every migration in it. It
// returns how many migrations were dequeued.
func (d *Drainer) DrainOnce(ctx context.Context) (int, error) {
	d.dequeueMu.Lock()
	batch, err := d.queue.Dequeue(ctx, d.config.BatchSize)
	d.inFlight.Add(int64(len(batch)))
	d.dequeueMu.Unlock()
	if err != nil {
		d.requeue(context.WithoutCancel(ctx), batch)
		return 0, err
	}
	for i, m := range batch {
		if err := d.limiter.Wait(ctx); err != nil {
			d.requeue(context.WithoutCancel(ctx), batch[i:])
			return len(batch), err
		}
		d.settle(ctx, m)
	}
	return len(batch), nil
}

// holdDequeue blocks until no batch is between the queue and the in-flight
// count, and keeps it that way until release is called.
func (d *Drainer) holdDequeue() (release func()) {
	d.dequeueMu.Lock()
	return d.dequeueMu.Unlock
}

// requeue puts back migrations that were dequeued but never attempted.
func (d *Drainer) requeue(ctx context.Context, pending []*core.Migration) {
	for _, m := range pending {
		if err := d.queue.Enqueue(ctx, m); err != nil {
			d.dropped.Add(1)
			d.log.Errorw("lost migration on shutdown", zap.String("key", string(m.Key)), zap.Error(err))
		}
		d.inFlight.Add(-1)
	}
}

func (d *Drainer) settle(ctx context.Context, m *core.Migration) {
	defer d.inFlight.Add(-1)

	fields := []any{
		zap.String("key", string(m.Key)),
		zap.Int64("origin", int64(m.OriginNodeID)),
		zap.Int64("destination", int64(m.DestinationNodeID)),
	}
	start := time.Now()

	err := d.executor.Execute(ctx, m)
	if err == nil {
		err = d.hive.CompleteMigration(ctx, m)
	}
	switch {
	case err == nil:
		d.applied.Add(1)
		d.log.Infow("migration applied", append(fields, zap.Duration("duration", time.Since(start)))...)
	case errors.Is(err, core.ErrValidation), errors.Is(err, core.ErrNotFound):
		d.dropped.Add(1)
		d.log.Warnw("migration no longer applies", append(fields, zap.Error(err))...)
	case m.RetryCount < d.config.MaxRetries:
		retry := *m
		retry.RetryCount++
		if qerr := d.queue.Enqueue(context.WithoutCancel(ctx), &retry); qerr != nil {
			d.dropped.Add(1)
			d.log.Errorw("failed to re-enqueue migration", append(fields, zap.Error(err), zap.NamedError("queue_error", qerr))...)
			return
		}
		d.retried.Add(1)
		d.log.Warnw("migration failed, retrying", append(fields, zap.Int("retry", retry.RetryCount), zap.Error(err))...)
	default:
		d.dropped.Add(1)
		d.log.Errorw("migration failed, giving up", append(fields, zap.Int("retries", m.RetryCount), zap.Error(err))...)
	}
}
