/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the attendance engine HTTP server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load configuration (file + ATTENDANCE_* environment)
  2. Build the zap logger
  3. Open the store (sqlite, postgres or memory) and Redis when configured
  4. Optionally load a demo scenario (seed)
  5. Configure HTTP router and start the sweep scheduler
  6. Start server with graceful shutdown

COMMAND-LINE FLAGS:
  -config  Path to a YAML config file (default: search ./config and .)

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop the scheduler (waits for a running sweep)
  2. Stop accepting new connections
  3. Wait for active requests to complete (30s timeout)
  4. Close store and Redis connections

EXAMPLES:
  # Run with defaults (./attendance.db)
  ./server

  # In-memory store with the night-shift demo data
  ATTENDANCE_STORE_DRIVER=memory ATTENDANCE_SEED=night-shift ./server

  # Postgres and Redis
  ATTENDANCE_STORE_DRIVER=postgres \
  ATTENDANCE_STORE_POSTGRES_DSN=postgres://u:p@localhost:5432/attendance?sslmode=disable \
  ATTENDANCE_REDIS_ADDR=localhost:6379 ./server

SEE ALSO:
  - config/config.go: All settings and defaults
  - app/app.go: Store and collaborator wiring
  - api/server.go: Router configuration
*/
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/warp/attendance-engine/api"
	"github.com/warp/attendance-engine/app"
	"github.com/warp/attendance-engine/config"
	"github.com/warp/attendance-engine/logger"
)

func main() {
	configPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "server: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	log, err := logger.New(cfg.Log)
	if err != nil {
		return err
	}
	defer log.Sync()

	ctx := context.Background()
	a, err := app.Build(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer a.Close()

	handler := api.NewHandler(a.Engine, a.Reset, log)
	if cfg.Seed != "" {
		if err := handler.LoadScenarioByID(ctx, cfg.Seed); err != nil {
			return errors.Wrapf(err, "seed %s", cfg.Seed)
		}
	}

	scheduler := api.NewSweepScheduler(a.Engine, cfg.Scheduler, log)
	scheduler.Start()
	defer scheduler.Stop()

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      api.NewRouter(handler, cfg.Server.CORS.AllowOrigins),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	serveErr := make(chan error, 1)
	go func() {
		log.Info("server starting", zap.Int("port", cfg.Server.Port), zap.String("store", cfg.Store.Driver))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErr <- err
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-serveErr:
		return errors.Wrap(err, "server failed")
	}

	log.Info("shutting down server")
	scheduler.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return errors.Wrap(err, "server forced to shutdown")
	}

	log.Info("server stopped")
	return nil
}
