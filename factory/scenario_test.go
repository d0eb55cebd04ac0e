package factory_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/warp/attendance-engine/attendance"
	"github.com/warp/attendance-engine/attendance/store"
	"github.com/warp/attendance-engine/factory"
)

// Wednesday noon, so every relative day lands in the past.
var now = time.Date(2025, time.March, 12, 12, 0, 0, 0, time.UTC)

func build(t *testing.T, f *factory.ScenarioFactory, id string) *factory.Fixture {
	t.Helper()
	sc, err := f.Find(id)
	require.NoError(t, err)
	require.NotNil(t, sc, "scenario %s", id)
	fx, err := f.Build(sc, now)
	require.NoError(t, err)
	return fx
}

func sessionByID(fx *factory.Fixture, id string) attendance.Session {
	for _, s := range fx.Sessions {
		if s.ID == attendance.SessionID(id) {
			return s
		}
	}
	return attendance.Session{}
}

func TestBuiltin_AllParseAndBuild(t *testing.T) {
	f := factory.NewScenarioFactory(attendance.DefaultRules())

	all, err := f.Builtin()
	require.NoError(t, err)
	require.Len(t, all, 5)

	for _, sc := range all {
		t.Run(sc.ID, func(t *testing.T) {
			fx, err := f.Build(sc, now)
			require.NoError(t, err)
			assert.NotEmpty(t, fx.Persons)
			assert.NoError(t, fx.Apply(context.Background(), store.NewTxMemory()))
		})
	}
}

func TestParse_Rejects(t *testing.T) {
	f := factory.NewScenarioFactory(attendance.DefaultRules())

	tests := []struct {
		name string
		doc  string
	}{
		{"missing id", "name: x\n"},
		{"unknown field", "id: x\ncolour: red\n"},
		{"unknown person", "id: x\nsessions:\n  - {id: s, person: ghost, in: \"08:00\"}\n"},
		{"future day", "id: x\npersons:\n  - {id: a, name: A}\nsessions:\n  - {id: s, person: a, day: 1, in: \"08:00\"}\n"},
		{"duplicate person", "id: x\npersons:\n  - {id: a, name: A}\n  - {id: a, name: B}\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.Parse([]byte(tt.doc))
			assert.Error(t, err)
		})
	}
}

func TestBuild_DayShiftComputesHours(t *testing.T) {
	f := factory.NewScenarioFactory(attendance.DefaultRules())
	fx := build(t, f, "day-shift")

	onTime := sessionByID(fx, "ana-5")
	assert.True(t, onTime.Hours.Total.Equal(decimal.NewFromInt(8)), "got %s", onTime.Hours.Total)
	assert.Equal(t, attendance.SessionClosed, onTime.Status)
	assert.Equal(t, now.AddDate(0, 0, -5).Day(), onTime.Date.Day())

	open := sessionByID(fx, "ana-0")
	assert.True(t, open.IsOpen())

	// accumulated = sum of closed sessions
	var sum decimal.Decimal
	for _, s := range fx.Sessions {
		if s.PersonID == "ana" && !s.IsOpen() {
			sum = sum.Add(s.Hours.Total)
		}
	}
	assert.True(t, fx.Persons[0].AccumulatedHours.Equal(sum))
}

func TestBuild_NightShiftRollsOverMidnight(t *testing.T) {
	f := factory.NewScenarioFactory(attendance.DefaultRules())
	fx := build(t, f, "night-shift")

	s := sessionByID(fx, "nora-3")
	require.NotNil(t, s.TimeOut)
	assert.Equal(t, s.TimeIn.AddDate(0, 0, 1).Day(), s.TimeOut.Day())
	// 22:00-06:00 is 480 min, less the break
	assert.True(t, s.Hours.Total.Equal(decimal.NewFromInt(7)), "got %s", s.Hours.Total)
	assert.True(t, s.WorkDate.Equal(s.Date))
}

func TestBuild_OverrideScenario(t *testing.T) {
	f := factory.NewScenarioFactory(attendance.DefaultRules())
	fx := build(t, f, "override-pending")

	require.Len(t, fx.Overrides, 2)
	pending := fx.Overrides[0]
	assert.Equal(t, attendance.OverridePending, pending.Status)
	assert.Equal(t, 90, pending.EarlyMinutes)

	approved := sessionByID(fx, "omar-1")
	assert.Equal(t, attendance.ProvenanceOverrideApproved, approved.Provenance)
	// 07:00-17:00 on the unscheduled path: 600 - 60 = 540 min = 9h
	assert.True(t, approved.Hours.Total.Equal(decimal.NewFromInt(9)), "got %s", approved.Hours.Total)
}

func TestLegacyScenario_Recalculation(t *testing.T) {
	// GIVEN: Sessions stored by an older calculator with legacy markers
	// WHEN: A full recalculation runs
	// THEN: Normal sessions are recomputed, admin corrections are skipped
	//       and legacy override approvals use the unscheduled path

	ctx := context.Background()
	f := factory.NewScenarioFactory(attendance.DefaultRules())
	fx := build(t, f, "legacy-recalc")

	st := store.NewTxMemory()
	require.NoError(t, fx.Apply(ctx, st))
	engine := attendance.NewEngine(st, attendance.NewManualClock(now), attendance.DefaultRules(), zaptest.NewLogger(t))

	preview, err := engine.PreviewRecalculation(ctx, attendance.RecalcScope{})
	require.NoError(t, err)
	assert.True(t, preview.DryRun)
	assert.Equal(t, 1, preview.Skipped)
	assert.Equal(t, 3, preview.Recomputed)

	p, err := engine.GetPerson(ctx, "lea")
	require.NoError(t, err)
	assert.True(t, p.AccumulatedHours.Equal(decimal.NewFromInt(35)), "preview must not write")

	_, err = engine.RecalculateAll(ctx)
	require.NoError(t, err)

	p, err = engine.GetPerson(ctx, "lea")
	require.NoError(t, err)
	assert.True(t, p.AccumulatedHours.Equal(decimal.NewFromInt(34)), "got %s", p.AccumulatedHours)

	s, err := engine.GetSession(ctx, "lea-1")
	require.NoError(t, err)
	assert.True(t, s.Hours.Total.Equal(decimal.NewFromInt(10)))
	assert.Equal(t, attendance.ProvenanceOverrideApproved, s.Provenance)

	// second run changes nothing
	again, err := engine.RecalculateAll(ctx)
	require.NoError(t, err)
	assert.Zero(t, again.Recomputed)
}

func TestNearCompletionScenario(t *testing.T) {
	ctx := context.Background()
	f := factory.NewScenarioFactory(attendance.DefaultRules())
	fx := build(t, f, "near-completion")

	st := store.NewTxMemory()
	require.NoError(t, fx.Apply(ctx, st))

	ready, err := st.ListReadyForCompletion(ctx)
	require.NoError(t, err)
	require.Len(t, ready, 1)
	assert.Equal(t, attendance.PersonID("raf"), ready[0].ID)

	near, err := st.ListNearCompletion(ctx, decimal.NewFromInt(8))
	require.NoError(t, err)
	require.Len(t, near, 1)
	assert.Equal(t, attendance.PersonID("kim"), near[0].ID)
}
