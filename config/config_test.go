package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/attendance-engine/attendance"
	"github.com/warp/attendance-engine/config"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_DefaultsMatchEngineRules(t *testing.T) {
	cfg, err := config.Load(writeConfig(t, "log:\n  level: debug\n"))
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, time.Hour, cfg.Scheduler.SweepInterval)
	assert.False(t, cfg.Redis.Enabled())
	assert.Equal(t, attendance.DefaultRules(), cfg.AttendanceRules())
}

func TestLoad_FileAndEnvOverride(t *testing.T) {
	// GIVEN: A file that relaxes early time-in and sets a timezone
	// WHEN: An environment variable overrides the port
	// THEN: Env wins over the file, the file wins over defaults

	path := writeConfig(t, `
server:
  port: 9000
timezone: Asia/Manila
rules:
  reject_early_time_in: false
  min_session_gap: 3h
`)
	t.Setenv("ATTENDANCE_SERVER_PORT", "9100")

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9100, cfg.Server.Port)

	rules := cfg.AttendanceRules()
	assert.False(t, rules.RejectEarlyTimeIn)
	assert.Equal(t, 3*time.Hour, rules.MinSessionGap)

	loc, err := cfg.Location()
	require.NoError(t, err)
	assert.Equal(t, "Asia/Manila", loc.String())
}

func TestValidate_Rejects(t *testing.T) {
	cases := []struct {
		name string
		body string
	}{
		{"unknown driver", "store:\n  driver: mongo\n"},
		{"postgres without dsn", "store:\n  driver: postgres\n"},
		{"grace above thirty", "rules:\n  max_grace_minutes: 45\n"},
		{"bad timezone", "timezone: Mars/Olympus\n"},
		{"bad port", "server:\n  port: 70000\n"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := config.Load(writeConfig(t, tc.body))
			assert.Error(t, err)
		})
	}
}
