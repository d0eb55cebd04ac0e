package api

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/warp/attendance-engine/attendance"
	"github.com/warp/attendance-engine/attendance/store"
	"github.com/warp/attendance-engine/config"
)

func TestSweepScheduler_RunNow(t *testing.T) {
	// GIVEN: A session open for 17 hours
	// WHEN: The scheduler runs its jobs
	// THEN: The session is auto-closed and both runs are recorded

	ctx := context.Background()
	clock := attendance.NewManualClock(monday)
	engine := attendance.NewEngine(store.NewTxMemory(), clock, attendance.DefaultRules(), zaptest.NewLogger(t))
	_, err := engine.RegisterPerson(ctx, attendance.NewPerson{ID: "ben", Name: "Ben Cruz"})
	require.NoError(t, err)
	_, err = engine.RequestTimeIn(ctx, "ben")
	require.NoError(t, err)
	clock.Advance(17 * time.Hour)

	s := NewSweepScheduler(engine, config.SchedulerConfig{Enabled: true}, zaptest.NewLogger(t))
	assert.Equal(t, time.Hour, s.SweepInterval)
	assert.Equal(t, 24*time.Hour, s.CompletionInterval)

	s.RunNow()

	open, err := engine.ListOpenSessions(ctx)
	require.NoError(t, err)
	assert.Empty(t, open)

	runs, err := engine.ListRuns(ctx, "", 10)
	require.NoError(t, err)
	assert.Len(t, runs, 2)
}

func TestSweepScheduler_StartStop(t *testing.T) {
	engine := attendance.NewEngine(store.NewTxMemory(), attendance.NewManualClock(monday), attendance.DefaultRules(), zaptest.NewLogger(t))
	s := NewSweepScheduler(engine, config.SchedulerConfig{Enabled: true, SweepInterval: time.Millisecond}, zaptest.NewLogger(t))

	s.Start()
	s.Start() // no-op
	time.Sleep(10 * time.Millisecond)
	s.Stop()
	s.Stop() // no-op

	runs, err := engine.ListRuns(context.Background(), attendance.RunSweep, 0)
	require.NoError(t, err)
	assert.NotEmpty(t, runs)
}

func TestSweepScheduler_Disabled(t *testing.T) {
	engine := attendance.NewEngine(store.NewTxMemory(), attendance.NewManualClock(monday), attendance.DefaultRules(), zaptest.NewLogger(t))
	s := NewSweepScheduler(engine, config.SchedulerConfig{Enabled: false}, zaptest.NewLogger(t))

	s.Start()
	s.Stop()

	runs, err := engine.ListRuns(context.Background(), "", 0)
	require.NoError(t, err)
	assert.Empty(t, runs)
}
