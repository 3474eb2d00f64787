package planner

import (
	"slices"
	"time"

	"go.uber.org/zap"

	"github.com/rzpsarthak13/hive/internal/core"
)

const defaultMaxIterations = 1000

// Plan is the outcome of one planning run.
type Plan struct {
	Migrations []core.Migration
	// Resulting is the node state after every migration is applied.
	Resulting []core.NodeStatistics
	// Balanced reports whether Resulting is balanced. An unbalanced plan is
	// partial: no further move was possible.
	Balanced          bool
	EstimatedDuration time.Duration
}

// Planner generates move plans greedily. It never touches live state.
type Planner struct {
	estimator     Estimator
	validator     *Validator
	maxIterations int
	log           *zap.SugaredLogger
	now           func() time.Time
}

// Option configures a Planner.
type Option func(*Planner)

// WithLogger sets the logger.
func WithLogger(log *zap.SugaredLogger) Option {
	return func(p *Planner) {
		if log != nil {
			p.log = log
		}
	}
}

// WithClock overrides the clock used for Migration.CreatedAt.
func WithClock(now func() time.Time) Option {
	return func(p *Planner) {
		if now != nil {
			p.now = now
		}
	}
}

// WithMaxIterations caps the number of greedy rounds.
func WithMaxIterations(n int) Option {
	return func(p *Planner) {
		if n > 0 {
			p.maxIterations = n
		}
	}
}

// New creates a planner using e.
func New(e Estimator, opts ...Option) *Planner {
	p := &Planner{
		estimator:     e,
		validator:     NewValidator(e),
		maxIterations: defaultMaxIterations,
		log:           zap.NewNop().Sugar(),
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Validator returns the validator the planner checks its plans with.
func (p *Planner) Validator() *Validator { return p.validator }

// Plan computes migrations for the nodes of dimension. Each round pairs the
// most loaded node with the least loaded one and moves the largest keys that
// fit, falling back to the next pairs when that pair cannot make progress.
// A key is moved at most once, never onto a read-only node, and only when
// the destination stays within its own target afterwards.
func (p *Planner) Plan(dimension, topologyURI string, nodes []core.NodeStatistics) Plan {
	state := make([]core.NodeStatistics, len(nodes))
	for i, n := range nodes {
		state[i] = n.Clone()
	}

	var (
		migrations []core.Migration
		duration   time.Duration
		moved      = make(map[core.Key]bool)
		created    = p.now()
	)

	for round := 0; round < p.maxIterations && !p.validator.IsBalanced(state); round++ {
		slices.SortFunc(state, core.CompareNodeStatistics)

		progress := false
		for si := len(state) - 1; si >= 0 && !progress; si-- {
			if p.estimator.HowMuchDoINeedToMove(state[si]) <= 0 {
				continue
			}
			for di := 0; di < len(state) && !progress; di++ {
				if di == si || state[di].Node.ReadOnly {
					continue
				}
				batch, cost := p.shed(&state[si], &state[di], moved)
				duration += cost
				for _, m := range batch {
					m.Dimension = dimension
					m.TopologyURI = topologyURI
					m.CreatedAt = created
					migrations = append(migrations, m)
				}
				progress = len(batch) > 0
			}
		}
		if !progress {
			break
		}
	}

	slices.SortFunc(state, core.CompareNodeStatistics)
	plan := Plan{
		Migrations:        migrations,
		Resulting:         state,
		Balanced:          p.validator.IsBalanced(state),
		EstimatedDuration: duration,
	}

	p.log.Infow("move plan computed",
		zap.String("dimension", dimension),
		zap.Int("nodes", len(nodes)),
		zap.Int("migrations", len(migrations)),
		zap.Bool("balanced", plan.Balanced),
		zap.Duration("estimated_duration", duration),
	)
	return plan
}

// shed moves keys from src to dst, largest first, until src has no excess
// left or no remaining key fits on dst.
func (p *Planner) shed(src, dst *core.NodeStatistics, moved map[core.Key]bool) ([]core.Migration, time.Duration) {
	candidates := slices.Clone(src.Keys)
	slices.SortFunc(candidates, core.ComparePartitionKeyStatistics)

	var (
		out  []core.Migration
		cost time.Duration
	)
	for _, c := range candidates {
		if p.estimator.HowMuchDoINeedToMove(*src) <= 0 {
			break
		}
		if moved[c.Key] || holds(*dst, c.Key) {
			continue
		}
		size := p.estimator.EstimateSize(c)
		if size <= 0 {
			continue
		}
		after := *dst
		after.FillLevel += size
		if p.estimator.HowMuchDoINeedToMove(after) > 0 {
			continue
		}

		if err := p.validator.move(src, dst, c.Key); err != nil {
			continue
		}
		moved[c.Key] = true
		cost += p.estimator.EstimateMoveTime(c)
		out = append(out, core.Migration{
			Key:               c.Key,
			OriginURI:         src.Node.URI,
			DestinationURI:    dst.Node.URI,
			OriginNodeID:      src.Node.ID,
			DestinationNodeID: dst.Node.ID,
		})
	}
	return out, cost
}

func holds(n core.NodeStatistics, key core.Key) bool {
	return slices.ContainsFunc(n.Keys, func(k core.PartitionKeyStatistics) bool { return k.Key == key })
}
