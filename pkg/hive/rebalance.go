package hive

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/rzpsarthak13/hive/internal/core"
	"github.com/rzpsarthak13/hive/internal/planner"
)

// InFlightCounter reports migrations taken off the queue but not yet settled.
// *Drainer implements it.
type InFlightCounter interface {
	InFlight() int
}

// dequeueGuard is implemented by counters whose batches leave the queue
// before they are counted as in flight.
type dequeueGuard interface {
	holdDequeue() (release func())
}

// RebalanceOption configures a RebalanceJob.
type RebalanceOption func(*RebalanceJob)

// WithInFlight makes Run also wait for migrations held by c.
func WithInFlight(c InFlightCounter) RebalanceOption {
	return func(j *RebalanceJob) { j.inFlight = c }
}

// RebalanceResult describes one run of a RebalanceJob.
type RebalanceResult struct {
	ID       string
	Plan     planner.Plan
	Enqueued int
	Started  time.Time
}

// RebalanceJob plans the moves of one dimension and hands them to a queue.
// Only one run may be outstanding: Run refuses while the previous plan is
// still queued or being applied.
type RebalanceJob struct {
	hive     *Hive
	queue    core.MigrationQueue
	inFlight InFlightCounter
	log      *zap.SugaredLogger

	mu sync.Mutex
}

// NewRebalanceJob creates a job feeding queue.
func NewRebalanceJob(h *Hive, queue core.MigrationQueue, opts ...RebalanceOption) *RebalanceJob {
	j := &RebalanceJob{
		hive:  h,
		queue: queue,
		log:   h.log.With(zap.String("component", "rebalance")),
	}
	for _, opt := range opts {
		opt(j)
	}
	return j
}

// Run computes a plan and enqueues its migrations. A balanced plan enqueues
// nothing.
func (j *RebalanceJob) Run(ctx context.Context) (RebalanceResult, error) {
	if !j.mu.TryLock() {
		return RebalanceResult{}, ErrRebalanceInProgress
	}
	defer j.mu.Unlock()

	if pending := j.pending(); pending > 0 {
		return RebalanceResult{}, fmt.Errorf("%w: %d migrations outstanding", ErrRebalanceInProgress, pending)
	}

	res := RebalanceResult{ID: uuid.NewString(), Started: j.hive.opts.now()}
	log := j.log.With(zap.String("job", res.ID))

	plan, err := j.hive.PlanMoves(ctx)
	if err != nil {
		return res, err
	}
	res.Plan = plan

	for i := range plan.Migrations {
		m := plan.Migrations[i]
		if err := j.queue.Enqueue(ctx, &m); err != nil {
			log.Errorw("failed to enqueue migration",
				zap.String("key", string(m.Key)),
				zap.Int("enqueued", res.Enqueued),
				zap.Error(err),
			)
			return res, fmt.Errorf("failed to enqueue migration of key %s: %w", m.Key, err)
		}
		res.Enqueued++
	}

	log.Infow("rebalance planned",
		zap.Int("migrations", res.Enqueued),
		zap.Bool("balanced", plan.Balanced),
		zap.Duration("estimated_duration", plan.EstimatedDuration),
	)
	return res, nil
}

// pending may wait for a drainer's in-progress dequeue to return.
func (j *RebalanceJob) pending() int {
	if g, ok := j.inFlight.(dequeueGuard); ok {
		release := g.holdDequeue()
		defer release()
	}
	n := j.queue.Size()
	if j.inFlight != nil {
		n += j.inFlight.InFlight()
	}
	return n
}
