package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/rzpsarthak13/hive/pkg/hive"
)

const envProduction = "production"

// app carries the state shared by every subcommand.
type app struct {
	configPath string
	connect    func(cfg *hive.Config, log *zap.SugaredLogger) (*hive.Client, error)

	cfg *hive.Config
	log *zap.SugaredLogger
}

func newRootCmd() *cobra.Command {
	return newRootCmdFor(&app{connect: hive.Open})
}

func newRootCmdFor(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:           "hived",
		Short:         "Partition directory and topology coordinator",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.init()
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			if a.log != nil {
				_ = a.log.Sync()
			}
		},
	}
	root.PersistentFlags().StringVarP(&a.configPath, "config", "c", "", "YAML or JSON configuration file")

	root.AddCommand(
		newServeCmd(a),
		newPlanCmd(a),
		newBootstrapCmd(a),
		newLockCmd(a, true),
		newLockCmd(a, false),
	)
	return root
}

func (a *app) init() error {
	cfg, err := hive.LoadConfig(a.configPath)
	if err != nil {
		return err
	}
	a.cfg = cfg

	if a.log == nil {
		log, err := newLogger(cfg.Environment)
		if err != nil {
			return fmt.Errorf("failed to create logger: %w", err)
		}
		a.log = log
	}
	return nil
}

func newLogger(env string) (*zap.SugaredLogger, error) {
	var (
		log *zap.Logger
		err error
	)
	if env == envProduction {
		log, err = zap.NewProduction()
	} else {
		log, err = zap.NewDevelopment()
	}
	if err != nil {
		return nil, err
	}
	return log.Sugar(), nil
}

// open returns a client and the Hive of the configured dimension.
func (a *app) open(ctx context.Context) (*hive.Client, *hive.Hive, error) {
	client, err := a.connect(a.cfg, a.log)
	if err != nil {
		return nil, nil, err
	}
	h, err := client.Dimension(ctx, a.cfg.Dimension)
	if err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("failed to open dimension %q: %w", a.cfg.Dimension, err)
	}
	return client, h, nil
}
