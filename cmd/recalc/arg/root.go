package arg

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/warp/attendance-engine/app"
	"github.com/warp/attendance-engine/config"
	"github.com/warp/attendance-engine/logger"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "recalc",
	Short: "recalc runs attendance batch jobs",
	Long: `recalc opens the configured store and runs one batch job: a full or scoped
recalculation of session hours, a dry-run preview of it, the auto-timeout
sweep, or the completion scan. Configuration is read the same way as the
server (config.yaml plus ATTENDANCE_* environment variables).`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to config file")
}

// NewRootCmd returns the command tree, for tests.
func NewRootCmd() *cobra.Command { return rootCmd }

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// withApp builds the engine from configuration, runs fn and closes everything.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app.App, out io.Writer) error) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	log, err := logger.New(cfg.Log)
	if err != nil {
		return err
	}
	defer log.Sync()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	a, err := app.Build(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer a.Close()

	return fn(ctx, a, cmd.OutOrStdout())
}
