package app_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/warp/attendance-engine/app"
	"github.com/warp/attendance-engine/attendance"
	"github.com/warp/attendance-engine/cache/redis"
	"github.com/warp/attendance-engine/config"
)

func loadConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.Load("")
	require.NoError(t, err)
	return cfg
}

func TestBuild_MemoryDefaults(t *testing.T) {
	cfg := loadConfig(t)
	cfg.Store.Driver = "memory"
	cfg.Timezone = "Asia/Manila"

	a, err := app.Build(context.Background(), cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer a.Close()

	assert.IsType(t, &attendance.KeyedMutex{}, a.Engine.Locker)
	assert.Equal(t, "Asia/Manila", a.Engine.Clock.Now().Location().String())
	assert.Equal(t, cfg.AttendanceRules(), a.Engine.Rules)
	assert.NotNil(t, a.Reset)
}

func TestBuild_SQLite(t *testing.T) {
	cfg := loadConfig(t)
	cfg.Store.Driver = "sqlite"
	cfg.Store.SQLitePath = ":memory:"

	a, err := app.Build(context.Background(), cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer a.Close()

	_, err = a.Engine.RegisterPerson(context.Background(), attendance.NewPerson{ID: "p-1", Name: "Ana"})
	assert.NoError(t, err)
}

func TestBuild_WithRedis(t *testing.T) {
	srv := miniredis.RunT(t)
	cfg := loadConfig(t)
	cfg.Store.Driver = "memory"
	cfg.Redis.Addr = srv.Addr()
	cfg.Redis.LockTTL = 5 * time.Second

	a, err := app.Build(context.Background(), cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer a.Close()

	assert.IsType(t, &redis.Locker{}, a.Engine.Locker)
	assert.IsType(t, &redis.TaskLog{}, a.Engine.TaskLog)
	assert.IsType(t, attendance.MultiSink{}, a.Engine.Sink)
}

func TestBuild_RedisUnreachable(t *testing.T) {
	cfg := loadConfig(t)
	cfg.Store.Driver = "memory"
	cfg.Redis.Addr = "127.0.0.1:1"

	_, err := app.Build(context.Background(), cfg, zaptest.NewLogger(t))
	assert.Error(t, err)
}
