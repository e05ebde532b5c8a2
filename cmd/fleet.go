package cmd

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/kilianp07/fleetalloc/core/allocation/audit"
	"github.com/kilianp07/fleetalloc/core/events"
	"github.com/kilianp07/fleetalloc/core/model"
	"github.com/kilianp07/fleetalloc/core/reconcile"
	"github.com/kilianp07/fleetalloc/pkg/export"
)

var fleetCmd = &cobra.Command{
	Use:   "fleet",
	Short: "Fleet related commands",
}

var fleetJSON bool

var fleetLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "Show the allocation board",
	RunE: func(cmd *cobra.Command, args []string) error {
		cli, _, err := newClient()
		if err != nil {
			return err
		}
		ctx, stop := signalContext()
		defer stop()
		snap, err := cli.Snapshot(ctx)
		if err != nil {
			return err
		}
		r := reconcile.NewReplica()
		r.Reset(snap)
		b := r.Board()
		if fleetJSON {
			return printJSON(cmd.OutOrStdout(), b)
		}
		return printBoard(cmd.OutOrStdout(), b)
	},
}

var jobStatuses string

var fleetJobsCmd = &cobra.Command{
	Use:   "jobs <vehicle-id>",
	Short: "List the jobs of a vehicle",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		statuses, err := parseStatuses(jobStatuses)
		if err != nil {
			return err
		}
		cli, _, err := newClient()
		if err != nil {
			return err
		}
		ctx, stop := signalContext()
		defer stop()
		jobs, err := cli.JobsForVehicle(ctx, args[0], statuses...)
		if err != nil {
			return err
		}
		if fleetJSON {
			return printJSON(cmd.OutOrStdout(), jobs)
		}
		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tREFERENCE\tPICKUP\tDELIVER\tSTATUS")
		for _, j := range jobs {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", j.ID, j.Reference, j.PickupFrom, j.DeliverTo, j.Status)
		}
		return tw.Flush()
	},
}

var (
	logVehicle string
	logJob     string
	logKind    string
	logSince   uint64
	logLimit   int
	logCSV     bool
)

var fleetLogCmd = &cobra.Command{
	Use:   "log",
	Short: "Query the audit log of committed changes",
	RunE: func(cmd *cobra.Command, args []string) error {
		cli, _, err := newClient()
		if err != nil {
			return err
		}
		ctx, stop := signalContext()
		defer stop()
		recs, err := cli.Log(ctx, audit.Query{
			VehicleID:     logVehicle,
			JobID:         logJob,
			Kind:          events.Kind(logKind),
			SinceRevision: logSince,
			Limit:         logLimit,
		})
		if err != nil {
			return err
		}
		switch {
		case logCSV:
			return export.WriteCSV(cmd.OutOrStdout(), recs)
		case fleetJSON:
			return export.WriteJSON(cmd.OutOrStdout(), recs)
		}
		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "REV\tTIME\tKIND\tVEHICLE\tJOB")
		for _, r := range recs {
			fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\n", r.Event.Revision, r.Timestamp.Format("2006-01-02T15:04:05Z07:00"), r.Event.Kind, r.Event.VehicleID, r.Event.JobID)
		}
		return tw.Flush()
	},
}

func init() {
	fleetCmd.PersistentFlags().BoolVar(&fleetJSON, "json", false, "print JSON")
	fleetJobsCmd.Flags().StringVar(&jobStatuses, "status", "", "comma separated job statuses to keep")
	fleetLogCmd.Flags().StringVar(&logVehicle, "vehicle", "", "only events of this vehicle")
	fleetLogCmd.Flags().StringVar(&logJob, "job", "", "only events of this job")
	fleetLogCmd.Flags().StringVar(&logKind, "kind", "", "only events of this kind")
	fleetLogCmd.Flags().Uint64Var(&logSince, "since", 0, "only events after this revision")
	fleetLogCmd.Flags().IntVar(&logLimit, "limit", 0, "maximum number of records")
	fleetLogCmd.Flags().BoolVar(&logCSV, "csv", false, "print CSV")
	fleetCmd.AddCommand(fleetLsCmd, fleetJobsCmd, fleetLogCmd)
	rootCmd.AddCommand(fleetCmd)
}

func parseStatuses(s string) ([]model.JobStatus, error) {
	if s == "" {
		return nil, nil
	}
	var out []model.JobStatus
	for _, part := range strings.Split(s, ",") {
		st, err := model.ParseJobStatus(strings.TrimSpace(part))
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, nil
}

// printBoard renders one line per lane followed by the unassigned list.
// Cards in flight are suffixed with their state.
func printBoard(w io.Writer, b reconcile.Board) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "revision %d\n", b.Revision)
	for _, l := range b.Lanes {
		name := l.Vehicle.Identifier
		if name == "" {
			name = l.Vehicle.ID
		}
		fmt.Fprintf(tw, "%s\t%s\n", name, cards(l.Jobs))
	}
	fmt.Fprintf(tw, "unassigned\t%s\n", cards(b.Unassigned))
	return tw.Flush()
}

func cards(cs []reconcile.Card) string {
	parts := make([]string, 0, len(cs))
	for _, c := range cs {
		label := c.Job.Reference
		if label == "" {
			label = c.Job.ID
		}
		if c.Pending {
			label += " (" + string(c.State) + ")"
		}
		parts = append(parts, label)
	}
	if len(parts) == 0 {
		return "-"
	}
	return strings.Join(parts, ", ")
}
