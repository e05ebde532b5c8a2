package cmd

import (
	"encoding/json"
	"io"

	"github.com/spf13/cobra"

	"github.com/kilianp07/fleetalloc/core/allocation"
)

var ifVersion uint64

var assignCmd = &cobra.Command{
	Use:   "assign <vehicle-id> <job-id>",
	Short: "Assign a job to a vehicle",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cli, _, err := newClient()
		if err != nil {
			return err
		}
		ctx, stop := signalContext()
		defer stop()
		if cmd.Flags().Changed("if-version") {
			v, err := cli.AssignIfVersion(ctx, args[0], args[1], ifVersion)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), v)
		}
		v, err := cli.Assign(ctx, args[0], args[1])
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), v)
	},
}

var unassignCmd = &cobra.Command{
	Use:   "unassign <vehicle-id> <job-id>",
	Short: "Remove a job from a vehicle",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cli, _, err := newClient()
		if err != nil {
			return err
		}
		ctx, stop := signalContext()
		defer stop()
		if cmd.Flags().Changed("if-version") {
			v, err := cli.UnassignIfVersion(ctx, args[0], args[1], ifVersion)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), v)
		}
		v, err := cli.Unassign(ctx, args[0], args[1])
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), v)
	},
}

var (
	moveFrom string
	moveTo   string
)

var moveCmd = &cobra.Command{
	Use:   "move <job-id>",
	Short: "Move a job between vehicles, or to and from the unassigned list",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cli, _, err := newClient()
		if err != nil {
			return err
		}
		ctx, stop := signalContext()
		defer stop()
		res, err := cli.Move(ctx, allocation.MoveRequest{JobID: args[0], From: moveFrom, To: moveTo})
		if perr := printJSON(cmd.OutOrStdout(), res); perr != nil {
			return perr
		}
		return err
	},
}

func init() {
	for _, c := range []*cobra.Command{assignCmd, unassignCmd} {
		c.Flags().Uint64Var(&ifVersion, "if-version", 0, "fail with a conflict unless the job is at this version")
		rootCmd.AddCommand(c)
	}
	moveCmd.Flags().StringVar(&moveFrom, "from", "", "origin vehicle, empty for the unassigned list")
	moveCmd.Flags().StringVar(&moveTo, "to", "", "target vehicle, empty for the unassigned list")
	rootCmd.AddCommand(moveCmd)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
