// Package app assembles the engine and its collaborators from configuration.
// Both the HTTP server and the recalculation CLI start from Build.
package app

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/warp/attendance-engine/attendance"
	"github.com/warp/attendance-engine/attendance/store"
	"github.com/warp/attendance-engine/cache/redis"
	"github.com/warp/attendance-engine/config"
	"github.com/warp/attendance-engine/store/postgres"
	"github.com/warp/attendance-engine/store/sqlite"
)

// Resetter drops all stored data. Every backend here implements it.
type Resetter interface {
	Reset(ctx context.Context) error
}

// App holds the assembled engine and what must be closed on shutdown.
type App struct {
	Config *config.Config
	Engine *attendance.Engine
	Store  attendance.TxStore
	Reset  Resetter
	Logger *zap.Logger

	closers []func() error
}

// Build opens the configured store, connects Redis when configured and
// returns the engine wired to both.
func Build(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*App, error) {
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}
	a := &App{Config: cfg, Logger: logger}

	if err := a.openStore(ctx, cfg, loc); err != nil {
		return nil, err
	}

	clock := attendance.SystemClock{Location: loc}
	a.Engine = attendance.NewEngine(a.Store, clock, cfg.AttendanceRules(), logger)

	if cfg.Redis.Enabled() {
		client, err := redis.NewClient(&cfg.Redis, logger)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.closers = append(a.closers, client.Close)

		a.Engine.Locker = client.Locker(cfg.Redis.LockTTL)
		a.Engine.TaskLog = client.TaskLog(clock)
		a.Engine.Sink = attendance.MultiSink{
			attendance.LogSink{Logger: logger},
			client.Publisher(cfg.Redis.Channel),
		}
	}
	return a, nil
}

func (a *App) openStore(ctx context.Context, cfg *config.Config, loc *time.Location) error {
	switch cfg.Store.Driver {
	case "memory":
		m := store.NewTxMemory()
		a.Store, a.Reset = m, m

	case "postgres":
		pg, err := postgres.Open(ctx, cfg.Store.PostgresDSN,
			postgres.WithLocation(loc),
			postgres.WithLogger(a.Logger),
			postgres.WithQueryLog(cfg.Store.QueryLog))
		if err != nil {
			return errors.Wrap(err, "failed to open postgres store")
		}
		a.Store, a.Reset = pg, pg
		a.closers = append(a.closers, pg.Close)

	default:
		lite, err := sqlite.New(cfg.Store.SQLitePath, sqlite.WithLogger(a.Logger))
		if err != nil {
			return errors.Wrap(err, "failed to open sqlite store")
		}
		a.Store, a.Reset = lite, lite
		a.closers = append(a.closers, lite.Close)
	}

	a.Logger.Info("store opened", zap.String("driver", cfg.Store.Driver), zap.String("timezone", loc.String()))
	return nil
}

// Close releases everything Build opened, newest first.
func (a *App) Close() error {
	var first error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil && first == nil {
			first = err
		}
	}
	a.closers = nil
	return first
}
