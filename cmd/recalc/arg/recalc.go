package arg

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/warp/attendance-engine/app"
	"github.com/warp/attendance-engine/attendance"
)

var (
	dryRun  bool
	verbose bool
)

var recalcCmd = &cobra.Command{
	Use:   "run",
	Short: "Recalculate session hours",
	Long: `Recompute the hours of closed sessions with the current rules and fix each
person's accumulated total. Admin-corrected sessions are never touched.
Approved overrides are recomputed on the unscheduled path.
Examples:
  recalc run all --dry-run
  recalc run person ana
  recalc run session 1f0c...`,
}

var recalcAllCmd = &cobra.Command{
	Use:   "all",
	Short: "Recalculate every person",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runRecalc(cmd, attendance.RecalcScope{})
	},
}

var recalcPersonCmd = &cobra.Command{
	Use:   "person <person-id>",
	Short: "Recalculate one person's sessions",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runRecalc(cmd, attendance.RecalcScope{PersonID: attendance.PersonID(args[0])})
	},
}

var recalcSessionCmd = &cobra.Command{
	Use:   "session <session-id>",
	Short: "Recalculate one session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runRecalc(cmd, attendance.RecalcScope{SessionID: attendance.SessionID(args[0])})
	},
}

func init() {
	recalcCmd.PersistentFlags().BoolVar(&dryRun, "dry-run", false, "report the diff without writing")
	recalcCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "list unchanged and skipped sessions too")

	recalcCmd.AddCommand(recalcAllCmd, recalcPersonCmd, recalcSessionCmd)
	rootCmd.AddCommand(recalcCmd)
}

func runRecalc(cmd *cobra.Command, scope attendance.RecalcScope) error {
	return withApp(cmd, func(ctx context.Context, a *app.App, out io.Writer) error {
		rep, err := recalculate(ctx, a.Engine, scope, dryRun)
		if err != nil {
			return err
		}
		printRecalcReport(out, rep, verbose)
		return nil
	})
}

func recalculate(ctx context.Context, e *attendance.Engine, scope attendance.RecalcScope, preview bool) (*attendance.RecalcReport, error) {
	switch {
	case preview:
		return e.PreviewRecalculation(ctx, scope)
	case scope.SessionID != "":
		return e.RecalculateSession(ctx, scope.SessionID)
	case scope.PersonID != "":
		return e.RecalculatePerson(ctx, scope.PersonID)
	}
	return e.RecalculateAll(ctx)
}

func printRecalcReport(out io.Writer, rep *attendance.RecalcReport, all bool) {
	mode := "applied"
	if rep.DryRun {
		mode = "preview"
	}
	fmt.Fprintf(out, "Recalculation (%s): %d examined, %d recomputed, %d unchanged, %d skipped\n",
		mode, rep.Examined, rep.Recomputed, rep.Unchanged, rep.Skipped)

	for _, c := range rep.Changes {
		if !all && c.Action != attendance.RecalcRecomputed {
			continue
		}
		fmt.Fprintf(out, "  %-10s %s  %s  %s  %s -> %s",
			c.Action, c.SessionID, c.WorkDate.Format("2006-01-02"), c.Provenance,
			c.Before.Total.String(), c.After.Total.String())
		if c.Path != "" {
			fmt.Fprintf(out, "  (%s)", c.Path)
		}
		fmt.Fprintln(out)
	}
	for _, p := range rep.Persons {
		if p.Changed() {
			fmt.Fprintf(out, "  person %s: %s -> %s hours\n", p.PersonID, p.Before.String(), p.After.String())
		}
	}
	for _, e := range rep.Errors {
		fmt.Fprintf(out, "  error %s%s: %s\n", e.PersonID, e.SessionID, e.Error)
	}
}
