package arg

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/warp/attendance-engine/app"
	"github.com/warp/attendance-engine/attendance"
)

var runsLimit int

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Run the auto-timeout sweep once",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app.App, out io.Writer) error {
			rep, err := a.Engine.SweepOpenSessions(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "Sweep %s: %d open sessions examined\n", rep.RunID, rep.Examined)
			fmt.Fprintf(out, "  auto-closed:        %d\n", len(rep.AutoClosed))
			fmt.Fprintf(out, "  long-session:       %d\n", rep.LongSessionNotices)
			fmt.Fprintf(out, "  missing time-out:   %d\n", rep.MissingTimeOutNotices)
			for _, id := range rep.AutoClosed {
				fmt.Fprintf(out, "  closed %s\n", id)
			}
			printItemErrors(out, rep.Errors)
			return nil
		})
	},
}

var completionCmd = &cobra.Command{
	Use:   "completion-scan",
	Short: "Notify persons who reached their required hours",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app.App, out io.Writer) error {
			rep, err := a.Engine.ScanReadyForCompletion(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "Completion scan %s: %d ready, %d newly notified\n", rep.RunID, len(rep.Ready), rep.Notified)
			for _, id := range rep.Ready {
				fmt.Fprintf(out, "  %s\n", id)
			}
			printItemErrors(out, rep.Errors)
			return nil
		})
	},
}

var runsCmd = &cobra.Command{
	Use:   "runs [kind]",
	Short: "List recent batch runs",
	Long:  `List recent runs, optionally of one kind: sweep, completion_scan or recalculation.`,
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var kind attendance.RunKind
		if len(args) > 0 {
			kind = attendance.RunKind(args[0])
		}
		return withApp(cmd, func(ctx context.Context, a *app.App, out io.Writer) error {
			runs, err := a.Engine.ListRuns(ctx, kind, runsLimit)
			if err != nil {
				return err
			}
			for _, r := range runs {
				took := "-"
				if r.CompletedAt != nil {
					took = r.CompletedAt.Sub(r.StartedAt).Round(time.Millisecond).String()
				}
				fmt.Fprintf(out, "%s  %-16s %-9s processed=%d changed=%d skipped=%d errors=%d took=%s\n",
					r.StartedAt.Format(time.RFC3339), r.Kind, r.Status,
					r.Processed, r.Changed, r.Skipped, len(r.Errors), took)
			}
			return nil
		})
	},
}

func init() {
	runsCmd.Flags().IntVar(&runsLimit, "limit", 20, "maximum runs to list")
	rootCmd.AddCommand(sweepCmd, completionCmd, runsCmd)
}

func printItemErrors(out io.Writer, errs []attendance.ItemError) {
	for _, e := range errs {
		fmt.Fprintf(out, "  error %s%s: %s\n", e.PersonID, e.SessionID, e.Error)
	}
}
