package cmd

import (
	"context"
	"errors"

	"github.com/spf13/cobra"

	"github.com/kilianp07/fleetalloc/core/reconcile"
	"github.com/kilianp07/fleetalloc/infra/logger"
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Follow the allocation board live",
	RunE: func(cmd *cobra.Command, args []string) error {
		cli, cfg, err := newClient()
		if err != nil {
			return err
		}
		ctx, stop := signalContext()
		defer stop()
		out := cmd.OutOrStdout()
		rc := reconcile.NewClient(cli, reconcile.Options{
			Policy: cfg.Allocation.MovePolicy,
			Logger: logger.New("watch"),
			OnChange: func(b reconcile.Board) {
				if fleetJSON {
					_ = printJSON(out, b)
					return
				}
				_ = printBoard(out, b)
			},
		})
		err = rc.Run(ctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	},
}

func init() {
	watchCmd.Flags().BoolVar(&fleetJSON, "json", false, "print JSON")
	rootCmd.AddCommand(watchCmd)
}
