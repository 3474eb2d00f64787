package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newPlanCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "plan",
		Short: "Print the move plan of the configured dimension as JSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, h, err := a.open(cmd.Context())
			if err != nil {
				return err
			}
			defer client.Close()

			plan, err := h.PlanMoves(cmd.Context())
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(planResponseOf(plan))
		},
	}
}

func newBootstrapCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "bootstrap",
		Short: "Install the dimension declared under topology in the configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			d, err := a.cfg.Topology.Dimension()
			if err != nil {
				return err
			}

			client, err := a.connect(a.cfg, a.log)
			if err != nil {
				return err
			}
			defer client.Close()

			snap, err := client.AddPartitionDimension(cmd.Context(), d)
			if err != nil {
				return fmt.Errorf("failed to install dimension %q: %w", d.Name, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "installed %s at revision %d with %d nodes\n",
				snap.Dimension.Name, snap.Revision(), len(snap.Dimension.Nodes))
			return nil
		},
	}
}

func newLockCmd(a *app, lock bool) *cobra.Command {
	use, short := "unlock", "Make the configured dimension writable"
	if lock {
		use, short = "lock", "Make the configured dimension read-only"
	}
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, h, err := a.open(cmd.Context())
			if err != nil {
				return err
			}
			defer client.Close()

			if lock {
				err = h.Lock(cmd.Context())
			} else {
				err = h.Unlock(cmd.Context())
			}
			if err != nil {
				return err
			}

			snap, err := h.Snapshot(cmd.Context())
			if err != nil {
				return err
			}
			a.log.Infow("dimension status changed",
				zap.String("dimension", h.Name()),
				zap.String("status", string(snap.Semaphore.Status)),
			)
			fmt.Fprintf(cmd.OutOrStdout(), "%s is %s at revision %d\n", h.Name(), snap.Semaphore.Status, snap.Revision())
			return nil
		},
	}
}
