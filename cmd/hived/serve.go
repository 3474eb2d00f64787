package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/rzpsarthak13/hive/internal/core"
	"github.com/rzpsarthak13/hive/internal/health"
	"github.com/rzpsarthak13/hive/internal/movequeue"
	"github.com/rzpsarthak13/hive/pkg/hive"
)

func newServeCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the sync daemon, health monitor and HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			e := &entrypoint{app: a}
			if err := e.Init(ctx); err != nil {
				return errors.Join(err, e.Close())
			}
			return errors.Join(e.Run(ctx), e.Close())
		},
	}
}

// entrypoint owns every component started by "hived serve".
type entrypoint struct {
	app *app

	client  *hive.Client
	hive    *hive.Hive
	queue   core.MigrationQueue
	drainer *hive.Drainer
	monitor *health.Monitor
	prober  *health.DialectProber
	server  *server
}

func (e *entrypoint) Init(ctx context.Context) error {
	cfg, log := e.app.cfg, e.app.log

	client, h, err := e.app.open(ctx)
	if err != nil {
		return err
	}
	e.client, e.hive = client, h

	queue, err := movequeue.New(cfg.QueueConfig(), client.RedisClient(), log)
	if err != nil {
		return fmt.Errorf("failed to create migration queue: %w", err)
	}
	e.queue = queue

	var jobOpts []hive.RebalanceOption
	if cfg.Drain.Enabled {
		e.drainer = hive.NewDrainer(h, queue, nil, hive.DrainerConfig{
			Rate:         cfg.Drain.Rate,
			BatchSize:    cfg.Drain.BatchSize,
			PollInterval: cfg.Drain.PollInterval,
			MaxRetries:   cfg.Drain.MaxRetries,
		})
		jobOpts = append(jobOpts, hive.WithInFlight(e.drainer))
	}

	if cfg.Health.Enabled {
		e.prober = health.NewDialectProber()
		e.monitor, err = health.NewMonitor(cfg.HealthConfig(), e.prober, h.Tracker(), log)
		if err != nil {
			return fmt.Errorf("failed to create health monitor: %w", err)
		}
		e.monitor.SetOnUnhealthy(func(n core.Node) {
			log.Warnw("node unhealthy", zap.String("node", n.Name), zap.String("uri", n.URI))
		})
	}

	hd := &handler{
		hive:    h,
		monitor: e.monitor,
		job:     hive.NewRebalanceJob(h, queue, jobOpts...),
		drainer: e.drainer,
		log:     log,
	}
	e.server = newServer(cfg.HTTP.Addr, hd.routes(), log)
	return nil
}

func (e *entrypoint) Run(ctx context.Context) error {
	if err := e.hive.Start(ctx); err != nil {
		return err
	}
	defer e.hive.Stop()

	if e.drainer != nil {
		if err := e.drainer.Start(ctx); err != nil {
			return err
		}
		defer e.drainer.Stop()
	}

	g, gctx := errgroup.WithContext(ctx)
	if e.monitor != nil {
		g.Go(func() error {
			return e.monitor.Run(gctx, e.nodes)
		})
	}
	g.Go(e.server.Run)
	g.Go(func() error {
		<-gctx.Done()
		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), closeTimeout)
		defer cancel()
		return e.server.Close(closeCtx)
	})

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// nodes returns the nodes of the latest snapshot seen by the daemon.
func (e *entrypoint) nodes() []core.Node {
	snap := e.hive.Daemon().Current()
	if snap == nil {
		return nil
	}
	return snap.Dimension.Nodes
}

func (e *entrypoint) Close() error {
	var errs []error
	if e.monitor != nil {
		e.monitor.Close()
	}
	if e.prober != nil {
		if err := e.prober.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if e.queue != nil {
		if err := e.queue.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close migration queue: %w", err))
		}
	}
	if e.client != nil {
		if err := e.client.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
