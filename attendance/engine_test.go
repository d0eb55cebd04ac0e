package attendance_test

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/warp/attendance-engine/attendance"
	"github.com/warp/attendance-engine/attendance/store"
)

// =============================================================================
// TEST SETUP
// =============================================================================

// monday is 2025-03-10 08:00 UTC.
var monday = time.Date(2025, time.March, 10, 8, 0, 0, 0, time.UTC)

type fixture struct {
	engine *attendance.Engine
	store  *store.TxMemory
	clock  *attendance.ManualClock
}

func newFixture(t *testing.T, mutate ...func(*attendance.Rules)) *fixture {
	t.Helper()
	rules := attendance.DefaultRules()
	for _, m := range mutate {
		m(&rules)
	}
	st := store.NewTxMemory()
	clock := attendance.NewManualClock(monday)
	return &fixture{
		engine: attendance.NewEngine(st, clock, rules, zap.NewNop()),
		store:  st,
		clock:  clock,
	}
}

func allowEarly(r *attendance.Rules) { r.RejectEarlyTimeIn = false }

func (f *fixture) register(t *testing.T, id string, sched *attendance.Schedule) *attendance.Person {
	t.Helper()
	p, err := f.engine.RegisterPerson(context.Background(), attendance.NewPerson{
		ID:       attendance.PersonID(id),
		Name:     "Person " + id,
		Schedule: sched,
	})
	require.NoError(t, err)
	return p
}

func (f *fixture) setClock(hour, minute int) {
	f.clock.Set(time.Date(2025, time.March, 10, hour, minute, 0, 0, time.UTC))
}

func (f *fixture) person(t *testing.T, id string) *attendance.Person {
	t.Helper()
	p, err := f.engine.GetPerson(context.Background(), attendance.PersonID(id))
	require.NoError(t, err)
	return p
}

func dayShift() *attendance.Schedule {
	return attendance.NewSchedule(attendance.NewTimeOfDay(8, 0), attendance.NewTimeOfDay(17, 0), 5)
}

func hours(v float64) decimal.Decimal { return decimal.NewFromFloat(v) }

func assertDec(t *testing.T, want float64, got decimal.Decimal, msg string) {
	t.Helper()
	assert.True(t, got.Equal(hours(want)), "%s: want %v, got %s", msg, want, got)
}

// =============================================================================
// LIFECYCLE
// =============================================================================

func TestTimeInTimeOut_Unscheduled(t *testing.T) {
	// GIVEN: A person without a schedule
	// WHEN: Timing in at 08:00 and out at 17:00
	// THEN: 8 regular hours are credited and the session is CLOSED

	f := newFixture(t)
	ctx := context.Background()
	f.register(t, "p-1", nil)

	in, err := f.engine.RequestTimeIn(ctx, "p-1")
	require.NoError(t, err)
	assert.Equal(t, attendance.SessionOpen, in.Session.Status)
	assert.Equal(t, attendance.DateOf(monday), in.Session.WorkDate)

	f.setClock(17, 0)
	out, err := f.engine.RequestTimeOut(ctx, "p-1", "reviewed pull requests")
	require.NoError(t, err)
	assert.Equal(t, attendance.SessionClosed, out.Session.Status)
	assert.Equal(t, attendance.PathUnscheduled, out.Path)
	assertDec(t, 8, out.Session.Hours.Regular, "regular")
	assertDec(t, 8, f.person(t, "p-1").AccumulatedHours, "accumulated")
}

func TestReturnSession_AfterScheduleEnd_CreditsOvertime(t *testing.T) {
	// GIVEN: 08:00-17:00 schedule, a full day already worked
	// WHEN: Coming back at 21:30 and leaving at 23:30
	// THEN: The second session earns 2h overtime, no undertime

	f := newFixture(t)
	ctx := context.Background()
	f.register(t, "p-1", dayShift())

	_, err := f.engine.RequestTimeIn(ctx, "p-1")
	require.NoError(t, err)
	f.setClock(17, 0)
	_, err = f.engine.RequestTimeOut(ctx, "p-1", "shift")
	require.NoError(t, err)

	f.setClock(21, 30)
	in, err := f.engine.RequestTimeIn(ctx, "p-1")
	require.NoError(t, err)
	f.setClock(23, 30)
	out, err := f.engine.RequestTimeOut(ctx, "p-1", "release support")
	require.NoError(t, err)

	assert.Equal(t, attendance.PathReturn, out.Path)
	assertDec(t, 0, out.Session.Hours.Regular, "regular")
	assertDec(t, 2, out.Session.Hours.Overtime, "overtime")
	assertDec(t, 0, out.Session.Hours.Undertime, "undertime")
	assertDec(t, 10, f.person(t, "p-1").AccumulatedHours, "accumulated")

	// no early minutes to credit
	_, err = f.engine.SubmitOverride(ctx, attendance.OverrideSubmission{
		PersonID: "p-1", SessionID: in.Session.ID, Reason: "stayed for release",
	})
	assert.ErrorIs(t, err, attendance.ErrBusinessRuleViolation)

	// replaying history keeps the return credit
	rep, err := f.engine.RecalculatePerson(ctx, "p-1")
	require.NoError(t, err)
	assert.Zero(t, rep.Recomputed)
	assertDec(t, 10, f.person(t, "p-1").AccumulatedHours, "accumulated after recalculation")
}

func TestTimeIn_WhileOpen_InvalidState(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.register(t, "p-1", nil)

	_, err := f.engine.RequestTimeIn(ctx, "p-1")
	require.NoError(t, err)

	_, err = f.engine.RequestTimeIn(ctx, "p-1")
	assert.ErrorIs(t, err, attendance.ErrInvalidState)
}

func TestTimeIn_UnknownPerson_NotFound(t *testing.T) {
	f := newFixture(t)
	_, err := f.engine.RequestTimeIn(context.Background(), "ghost")
	assert.True(t, attendance.IsNotFound(err))
}

func TestTimeIn_InactivePerson_Rejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.register(t, "p-1", nil)
	_, err := f.engine.ChangeStatus(ctx, "p-1", attendance.PersonInactive)
	require.NoError(t, err)

	_, err = f.engine.RequestTimeIn(ctx, "p-1")
	assert.ErrorIs(t, err, attendance.ErrInvalidState)
}

func TestTimeIn_BeforeMinimumGap_Rejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.register(t, "p-1", nil)

	_, err := f.engine.RequestTimeIn(ctx, "p-1")
	require.NoError(t, err)
	f.setClock(12, 0)
	_, err = f.engine.RequestTimeOut(ctx, "p-1", "morning")
	require.NoError(t, err)

	f.setClock(13, 0)
	_, err = f.engine.RequestTimeIn(ctx, "p-1")
	assert.ErrorIs(t, err, attendance.ErrBusinessRuleViolation)

	f.setClock(16, 0)
	_, err = f.engine.RequestTimeIn(ctx, "p-1")
	assert.NoError(t, err)
}

func TestTimeOut_RequiresTaskLog(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.register(t, "p-1", nil)

	_, err := f.engine.RequestTimeOut(ctx, "p-1", "done")
	assert.ErrorIs(t, err, attendance.ErrInvalidState, "no open session")

	_, err = f.engine.RequestTimeIn(ctx, "p-1")
	require.NoError(t, err)
	f.setClock(12, 0)

	_, err = f.engine.RequestTimeOut(ctx, "p-1", "   ")
	assert.ErrorIs(t, err, attendance.ErrValidationFailed)
}

func TestTimeOut_IncrementalEntriesReplaceSummary(t *testing.T) {
	// GIVEN: Task entries logged while the session is open
	// WHEN: Timing out without a summary
	// THEN: The consolidated entries become the task log

	f := newFixture(t)
	ctx := context.Background()
	f.register(t, "p-1", nil)

	in, err := f.engine.RequestTimeIn(ctx, "p-1")
	require.NoError(t, err)
	f.setClock(9, 30)
	require.NoError(t, f.engine.AppendTaskEntry(ctx, in.Session.ID, "fixed the login bug"))

	f.setClock(12, 0)
	out, err := f.engine.RequestTimeOut(ctx, "p-1", "")
	require.NoError(t, err)
	assert.Contains(t, out.Session.TaskLog, "[09:30] fixed the login bug")

	err = f.engine.AppendTaskEntry(ctx, in.Session.ID, "late entry")
	assert.ErrorIs(t, err, attendance.ErrInvalidState)
}

func TestConcurrentTimeIn_OnlyOneSucceeds(t *testing.T) {
	f := newFixture(t)
	f.register(t, "p-1", nil)

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := f.engine.RequestTimeIn(context.Background(), "p-1"); err == nil {
				mu.Lock()
				successes++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, successes)
	open, err := f.engine.ListOpenSessions(context.Background())
	require.NoError(t, err)
	assert.Len(t, open, 1)
}

func TestBadgeTimeIn_VerifiesCode(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.engine.RegisterPerson(ctx, attendance.NewPerson{
		ID: "p-1", Name: "Badge Holder", BadgeCode: "B-1001", OTPSecret: "s3cret",
	})
	require.NoError(t, err)
	f.engine.Verifier = attendance.VerifierFunc(func(secret, code string) bool {
		return secret == "s3cret" && code == "424242"
	})

	_, err = f.engine.RequestTimeInByBadge(ctx, "B-1001", "000000")
	assert.ErrorIs(t, err, attendance.ErrValidationFailed)

	_, err = f.engine.RequestTimeInByBadge(ctx, "B-9999", "424242")
	assert.True(t, attendance.IsNotFound(err))

	res, err := f.engine.RequestTimeInByBadge(ctx, "B-1001", "424242")
	require.NoError(t, err)
	assert.Equal(t, attendance.PersonID("p-1"), res.Session.PersonID)
}

// =============================================================================
// ADMIN CORRECTION
// =============================================================================

func TestCorrectSession_AppliesDeltaAndProvenance(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.register(t, "p-1", nil)

	in, err := f.engine.RequestTimeIn(ctx, "p-1")
	require.NoError(t, err)

	_, err = f.engine.CorrectSession(ctx, in.Session.ID, hours(10), "forgot to time out", "ops")
	assert.ErrorIs(t, err, attendance.ErrInvalidState, "open sessions cannot be corrected")

	f.setClock(17, 0)
	_, err = f.engine.RequestTimeOut(ctx, "p-1", "work")
	require.NoError(t, err)

	_, err = f.engine.CorrectSession(ctx, in.Session.ID, hours(-1), "typo", "ops")
	assert.ErrorIs(t, err, attendance.ErrValidationFailed)

	res, err := f.engine.CorrectSession(ctx, in.Session.ID, hours(10), "stayed for release", "ops")
	require.NoError(t, err)
	assert.Equal(t, attendance.SessionCorrected, res.Session.Status)
	assert.Equal(t, attendance.ProvenanceAdminCorrected, res.Session.Provenance)
	assert.Contains(t, res.Session.TaskLog, attendance.AdminCorrectedMarker)
	assertDec(t, 2, res.Delta, "delta")
	assertDec(t, 2, res.Session.Hours.Overtime, "overtime")
	assertDec(t, 10, f.person(t, "p-1").AccumulatedHours, "accumulated")
}

// =============================================================================
// OVERRIDE WORKFLOW
// =============================================================================

func TestOverride_ApproveClosedSession_RecomputesAndAdjustsTotal(t *testing.T) {
	// GIVEN: Scheduled 08:00-17:00, arrived 06:30, left 17:00 (8h strict)
	// WHEN: An override is submitted and approved
	// THEN: Hours are recomputed on the full span (8 regular + 1 overtime)

	f := newFixture(t, allowEarly)
	ctx := context.Background()
	f.register(t, "p-1", dayShift())

	f.setClock(6, 30)
	in, err := f.engine.RequestTimeIn(ctx, "p-1")
	require.NoError(t, err)
	f.setClock(17, 0)
	out, err := f.engine.RequestTimeOut(ctx, "p-1", "inventory")
	require.NoError(t, err)
	assert.Equal(t, attendance.PathScheduled, out.Path)
	assertDec(t, 8, out.Session.Hours.Total, "strict total")

	o, err := f.engine.SubmitOverride(ctx, attendance.OverrideSubmission{
		PersonID: "p-1", SessionID: in.Session.ID, Reason: "opened the warehouse",
	})
	require.NoError(t, err)
	assert.Equal(t, attendance.OverridePending, o.Status)
	assert.Equal(t, 90, o.EarlyMinutes)

	_, err = f.engine.SubmitOverride(ctx, attendance.OverrideSubmission{
		PersonID: "p-1", SessionID: in.Session.ID, Reason: "again",
	})
	assert.ErrorIs(t, err, attendance.ErrBusinessRuleViolation, "one override per session")

	res, err := f.engine.ReviewOverride(ctx, o.ID, attendance.ActionApprove, "lead", "ok")
	require.NoError(t, err)
	assert.Equal(t, attendance.OverrideApproved, res.Override.Status)
	assert.Equal(t, attendance.ProvenanceOverrideApproved, res.Session.Provenance)
	assert.Contains(t, res.Session.TaskLog, attendance.OverrideApprovedMarker)
	assert.Contains(t, res.Session.TaskLog, "inventory", "earlier log text is kept")
	assertDec(t, 1, res.HoursDelta, "delta")
	assertDec(t, 9, f.person(t, "p-1").AccumulatedHours, "accumulated")

	_, err = f.engine.ReviewOverride(ctx, o.ID, attendance.ActionReject, "lead", "")
	assert.ErrorIs(t, err, attendance.ErrInvalidState, "no re-review")

	notes, err := f.engine.ListNotifications(ctx, attendance.NotificationFilter{PersonID: "p-1"})
	require.NoError(t, err)
	assert.Len(t, notes, 2)
}

func TestOverride_ApprovedWhileOpen_TimeOutUsesUnscheduledPath(t *testing.T) {
	f := newFixture(t, allowEarly)
	ctx := context.Background()
	f.register(t, "p-1", dayShift())

	f.setClock(6, 30)
	in, err := f.engine.RequestTimeIn(ctx, "p-1")
	require.NoError(t, err)
	o, err := f.engine.SubmitOverride(ctx, attendance.OverrideSubmission{
		PersonID: "p-1", SessionID: in.Session.ID, Reason: "delivery",
	})
	require.NoError(t, err)
	res, err := f.engine.ReviewOverride(ctx, o.ID, attendance.ActionApprove, "lead", "")
	require.NoError(t, err)
	assert.True(t, res.HoursDelta.IsZero())

	f.setClock(17, 0)
	out, err := f.engine.RequestTimeOut(ctx, "p-1", "delivery done")
	require.NoError(t, err)
	assert.Equal(t, attendance.PathUnscheduled, out.Path)
	assertDec(t, 1, out.Session.Hours.Overtime, "overtime")
	assert.Contains(t, out.Session.TaskLog, attendance.OverrideApprovedMarker)
}

func TestOverride_Rejected_LeavesHours(t *testing.T) {
	f := newFixture(t, allowEarly)
	ctx := context.Background()
	f.register(t, "p-1", dayShift())

	f.setClock(6, 30)
	in, err := f.engine.RequestTimeIn(ctx, "p-1")
	require.NoError(t, err)
	f.setClock(17, 0)
	_, err = f.engine.RequestTimeOut(ctx, "p-1", "work")
	require.NoError(t, err)

	o, err := f.engine.SubmitOverride(ctx, attendance.OverrideSubmission{
		PersonID: "p-1", SessionID: in.Session.ID, Reason: "early bus",
	})
	require.NoError(t, err)
	res, err := f.engine.ReviewOverride(ctx, o.ID, attendance.ActionReject, "lead", "not needed")
	require.NoError(t, err)
	assert.Equal(t, attendance.OverrideRejected, res.Override.Status)
	assert.Equal(t, attendance.ProvenanceNormal, res.Session.Provenance)
	assertDec(t, 8, f.person(t, "p-1").AccumulatedHours, "accumulated")
}

func TestOverride_Validation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.register(t, "p-1", nil)
	f.register(t, "p-2", nil)
	in, err := f.engine.RequestTimeIn(ctx, "p-1")
	require.NoError(t, err)

	_, err = f.engine.SubmitOverride(ctx, attendance.OverrideSubmission{PersonID: "p-1", SessionID: in.Session.ID})
	assert.ErrorIs(t, err, attendance.ErrValidationFailed, "reason required")

	_, err = f.engine.SubmitOverride(ctx, attendance.OverrideSubmission{PersonID: "p-2", SessionID: in.Session.ID, Reason: "x"})
	assert.ErrorIs(t, err, attendance.ErrValidationFailed, "session owned by someone else")

	_, err = f.engine.ReviewOverride(ctx, "missing", attendance.ActionApprove, "lead", "")
	assert.True(t, attendance.IsNotFound(err))

	_, err = f.engine.ReviewOverride(ctx, "missing", "MAYBE", "lead", "")
	assert.ErrorIs(t, err, attendance.ErrValidationFailed)
}

// =============================================================================
// SWEEP + COMPLETION
// =============================================================================

func TestSweep_EscalatesThenAutoCloses(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.register(t, "p-1", nil)
	in, err := f.engine.RequestTimeIn(ctx, "p-1")
	require.NoError(t, err)

	f.clock.Set(monday.Add(8 * time.Hour))
	rep, err := f.engine.SweepOpenSessions(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.MissingTimeOutNotices)

	rep, err = f.engine.SweepOpenSessions(ctx)
	require.NoError(t, err)
	assert.Zero(t, rep.MissingTimeOutNotices, "notice raised once per session")

	f.clock.Set(monday.Add(10 * time.Hour))
	rep, err = f.engine.SweepOpenSessions(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.LongSessionNotices)

	f.clock.Set(monday.Add(17 * time.Hour))
	rep, err = f.engine.SweepOpenSessions(ctx)
	require.NoError(t, err)
	require.Equal(t, []attendance.SessionID{in.Session.ID}, rep.AutoClosed)

	s, err := f.engine.GetSession(ctx, in.Session.ID)
	require.NoError(t, err)
	assert.Equal(t, attendance.SessionAutoClosed, s.Status)
	assert.Equal(t, monday.Add(16*time.Hour), *s.TimeOut, "closed at time-in plus 16h")
	assert.Contains(t, s.TaskLog, attendance.AutoClosedMarker)
	// 960 minutes - 60 break = 15h
	assertDec(t, 15, s.Hours.Total, "auto-closed total")
	assertDec(t, 15, f.person(t, "p-1").AccumulatedHours, "accumulated")

	rep, err = f.engine.SweepOpenSessions(ctx)
	require.NoError(t, err)
	assert.Zero(t, rep.Examined)

	runs, err := f.engine.ListRuns(ctx, attendance.RunSweep, 0)
	require.NoError(t, err)
	assert.Len(t, runs, 5)
	for _, r := range runs {
		assert.Equal(t, attendance.RunCompleted, r.Status)
	}
}

// failingLocker refuses to lock one person.
type failingLocker struct {
	attendance.Locker
	refuse string
}

func (l failingLocker) Lock(ctx context.Context, key string) (func(), error) {
	if key == "person:"+l.refuse {
		return nil, errors.New("lock backend unavailable")
	}
	return l.Locker.Lock(ctx, key)
}

func TestSweep_AutoClose_DiscardsTaskEntries(t *testing.T) {
	// GIVEN: An open session with an incremental task entry
	// WHEN: The sweep force-closes it
	// THEN: The entry lands in the session log and the buffer is emptied

	f := newFixture(t)
	ctx := context.Background()
	f.register(t, "p-1", nil)
	in, err := f.engine.RequestTimeIn(ctx, "p-1")
	require.NoError(t, err)
	require.NoError(t, f.engine.AppendTaskEntry(ctx, in.Session.ID, "triaged tickets"))

	f.clock.Set(monday.Add(16 * time.Hour))
	rep, err := f.engine.SweepOpenSessions(ctx)
	require.NoError(t, err)
	require.Equal(t, []attendance.SessionID{in.Session.ID}, rep.AutoClosed)

	s, err := f.engine.GetSession(ctx, in.Session.ID)
	require.NoError(t, err)
	assert.Contains(t, s.TaskLog, "triaged tickets")

	pending, err := f.engine.TaskLog.Consolidate(ctx, in.Session.ID)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestSweep_ContinuesPastErrors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.register(t, "p-bad", nil)
	f.register(t, "p-good", nil)
	_, err := f.engine.RequestTimeIn(ctx, "p-bad")
	require.NoError(t, err)
	_, err = f.engine.RequestTimeIn(ctx, "p-good")
	require.NoError(t, err)

	f.engine.Locker = failingLocker{Locker: f.engine.Locker, refuse: "p-bad"}
	f.clock.Set(monday.Add(16 * time.Hour))

	rep, err := f.engine.SweepOpenSessions(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, rep.Examined)
	assert.Len(t, rep.AutoClosed, 1)
	require.Len(t, rep.Errors, 1)
	assert.Equal(t, attendance.PersonID("p-bad"), rep.Errors[0].PersonID)
}

func TestCompletionScan_NotifiesOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.engine.RegisterPerson(ctx, attendance.NewPerson{ID: "p-1", Name: "Ada", RequiredHours: hours(8)})
	require.NoError(t, err)
	_, err = f.engine.RegisterPerson(ctx, attendance.NewPerson{ID: "p-2", Name: "Bob", RequiredHours: hours(10)})
	require.NoError(t, err)

	for _, id := range []attendance.PersonID{"p-1", "p-2"} {
		f.setClock(8, 0)
		_, err := f.engine.RequestTimeIn(ctx, id)
		require.NoError(t, err)
		f.setClock(17, 0)
		_, err = f.engine.RequestTimeOut(ctx, id, "work")
		require.NoError(t, err)
	}

	rep, err := f.engine.ScanReadyForCompletion(ctx)
	require.NoError(t, err)
	assert.Equal(t, []attendance.PersonID{"p-1"}, rep.Ready)
	assert.Equal(t, 1, rep.Notified)

	rep, err = f.engine.ScanReadyForCompletion(ctx)
	require.NoError(t, err)
	assert.Zero(t, rep.Notified)

	near, err := f.engine.ListNearCompletion(ctx, hours(2))
	require.NoError(t, err)
	require.Len(t, near, 1)
	assert.Equal(t, attendance.PersonID("p-2"), near[0].ID)

	near, err = f.engine.ListNearCompletion(ctx, hours(1))
	require.NoError(t, err)
	assert.Empty(t, near)
}

// =============================================================================
// RECALCULATION
// =============================================================================

func seedLegacySessions(t *testing.T, f *fixture) {
	t.Helper()
	ctx := context.Background()
	f.register(t, "p-1", dayShift())

	day := func(d int) time.Time { return time.Date(2025, time.March, d, 0, 0, 0, 0, time.UTC) }
	mk := func(id string, d, inH, inM, outH int, total float64, log string, prov attendance.Provenance) attendance.Session {
		in := time.Date(2025, time.March, d, inH, inM, 0, 0, time.UTC)
		out := time.Date(2025, time.March, d, outH, 0, 0, 0, time.UTC)
		return attendance.Session{
			ID: attendance.SessionID(id), PersonID: "p-1",
			Date: day(d), WorkDate: day(d), TimeIn: in, TimeOut: &out,
			Hours:   attendance.Hours{Total: hours(total), Regular: hours(total)},
			TaskLog: log, Status: attendance.SessionClosed, Provenance: prov,
		}
	}
	for _, s := range []attendance.Session{
		// legacy override marker, no provenance field
		mk("s-override", 3, 7, 30, 17, 9, "work\nSchedule override approved by admin", ""),
		// stale hours on the strict path
		mk("s-normal", 4, 8, 0, 17, 5, "work", attendance.ProvenanceNormal),
		// manual hours, never touched
		mk("s-admin", 5, 8, 0, 12, 12, "work", attendance.ProvenanceAdminCorrected),
	} {
		require.NoError(t, f.store.CreateSession(ctx, s))
	}
}

func TestRecalculation_PreviewDoesNotWrite(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	seedLegacySessions(t, f)

	rep, err := f.engine.PreviewRecalculation(ctx, attendance.RecalcScope{})
	require.NoError(t, err)
	assert.True(t, rep.DryRun)
	assert.Equal(t, 3, rep.Examined)
	assert.Equal(t, 2, rep.Recomputed)
	assert.Equal(t, 1, rep.Skipped)
	require.Len(t, rep.Persons, 1)
	assertDec(t, 28, rep.Persons[0].After, "previewed total")

	assert.True(t, f.person(t, "p-1").AccumulatedHours.IsZero(), "preview must not write")
	runs, err := f.engine.ListRuns(ctx, attendance.RunRecalculation, 0)
	require.NoError(t, err)
	assert.Empty(t, runs)
}

func TestRecalculation_IsIdempotent(t *testing.T) {
	// GIVEN: Sessions with stale hours, a legacy override marker, and an
	//        admin correction
	// WHEN: Recalculating twice
	// THEN: The first run fixes hours and the total, the second changes nothing

	f := newFixture(t)
	ctx := context.Background()
	seedLegacySessions(t, f)

	first, err := f.engine.RecalculateAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, first.Recomputed)
	assertDec(t, 28, f.person(t, "p-1").AccumulatedHours, "accumulated")

	override, err := f.engine.GetSession(ctx, "s-override")
	require.NoError(t, err)
	assert.Equal(t, attendance.ProvenanceOverrideApproved, override.Provenance)
	assertDec(t, 8, override.Hours.Total, "override path total")

	admin, err := f.engine.GetSession(ctx, "s-admin")
	require.NoError(t, err)
	assertDec(t, 12, admin.Hours.Total, "admin total untouched")

	second, err := f.engine.RecalculateAll(ctx)
	require.NoError(t, err)
	assert.Zero(t, second.Recomputed)
	assert.Equal(t, 2, second.Unchanged)
	assert.Equal(t, 1, second.Skipped)
	assert.False(t, second.Persons[0].Changed())
}

func TestRecalculation_SingleSessionScope(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	seedLegacySessions(t, f)

	rep, err := f.engine.RecalculateSession(ctx, "s-normal")
	require.NoError(t, err)
	require.Len(t, rep.Changes, 1)
	assert.Equal(t, attendance.RecalcRecomputed, rep.Changes[0].Action)
	// 8 recomputed + 9 and 12 left as stored
	assertDec(t, 29, f.person(t, "p-1").AccumulatedHours, "accumulated")

	_, err = f.engine.RecalculateSession(ctx, "missing")
	assert.True(t, attendance.IsNotFound(err))
}

// =============================================================================
// PERSON ADMINISTRATION
// =============================================================================

func TestRegisterPerson_Validation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.engine.RegisterPerson(ctx, attendance.NewPerson{Name: "A", BadgeCode: "!!"})
	assert.ErrorIs(t, err, attendance.ErrValidationFailed)

	_, err = f.engine.RegisterPerson(ctx, attendance.NewPerson{Name: "A", RequiredHours: hours(-1)})
	assert.ErrorIs(t, err, attendance.ErrValidationFailed)

	bad := dayShift()
	bad.GraceMinutes = 45
	_, err = f.engine.RegisterPerson(ctx, attendance.NewPerson{Name: "A", Schedule: bad})
	assert.ErrorIs(t, err, attendance.ErrValidationFailed)

	_, err = f.engine.RegisterPerson(ctx, attendance.NewPerson{ID: "p-1", Name: "A", BadgeCode: "B-100"})
	require.NoError(t, err)
	_, err = f.engine.RegisterPerson(ctx, attendance.NewPerson{ID: "p-2", Name: "B", BadgeCode: "B-100"})
	assert.ErrorIs(t, err, attendance.ErrBusinessRuleViolation, "badge in use")
}

func TestRequiredHours_ZeroAtRegistrationMeansNoTarget(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	p, err := f.engine.RegisterPerson(ctx, attendance.NewPerson{ID: "p-1", Name: "Ada"})
	require.NoError(t, err)
	assert.True(t, p.RequiredHours.IsZero())

	_, err = f.engine.RequestTimeIn(ctx, "p-1")
	require.NoError(t, err)
	f.setClock(17, 0)
	_, err = f.engine.RequestTimeOut(ctx, "p-1", "work")
	require.NoError(t, err)

	rep, err := f.engine.ScanReadyForCompletion(ctx)
	require.NoError(t, err)
	assert.Empty(t, rep.Ready, "no target, never ready")

	_, err = f.engine.SetRequiredHours(ctx, "p-1", decimal.Zero)
	assert.ErrorIs(t, err, attendance.ErrValidationFailed)

	_, err = f.engine.SetRequiredHours(ctx, "p-1", hours(8))
	require.NoError(t, err)
	rep, err = f.engine.ScanReadyForCompletion(ctx)
	require.NoError(t, err)
	assert.Equal(t, []attendance.PersonID{"p-1"}, rep.Ready)
}

func TestBadge_ReleasedByInactivePerson(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.engine.RegisterPerson(ctx, attendance.NewPerson{ID: "p-1", Name: "A", BadgeCode: "B-100"})
	require.NoError(t, err)
	_, err = f.engine.ChangeStatus(ctx, "p-1", attendance.PersonInactive)
	require.NoError(t, err)

	_, err = f.engine.RegisterPerson(ctx, attendance.NewPerson{ID: "p-2", Name: "B", BadgeCode: "B-100"})
	require.NoError(t, err)

	_, err = f.engine.ChangeStatus(ctx, "p-1", attendance.PersonActive)
	assert.ErrorIs(t, err, attendance.ErrBusinessRuleViolation)
}

func TestUpdateSchedule_LockedWhileOpen(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.register(t, "p-1", nil)
	_, err := f.engine.RequestTimeIn(ctx, "p-1")
	require.NoError(t, err)

	_, err = f.engine.UpdateSchedule(ctx, "p-1", dayShift())
	assert.ErrorIs(t, err, attendance.ErrBusinessRuleViolation)

	f.setClock(12, 0)
	_, err = f.engine.RequestTimeOut(ctx, "p-1", "work")
	require.NoError(t, err)

	p, err := f.engine.UpdateSchedule(ctx, "p-1", dayShift())
	require.NoError(t, err)
	assert.True(t, p.HasActiveSchedule())
}

func TestChangeStatus_Transitions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.register(t, "p-1", nil)

	_, err := f.engine.RequestTimeIn(ctx, "p-1")
	require.NoError(t, err)
	_, err = f.engine.ChangeStatus(ctx, "p-1", attendance.PersonCompleted)
	assert.ErrorIs(t, err, attendance.ErrBusinessRuleViolation, "open session blocks completion")

	f.setClock(12, 0)
	_, err = f.engine.RequestTimeOut(ctx, "p-1", "work")
	require.NoError(t, err)

	p, err := f.engine.ChangeStatus(ctx, "p-1", attendance.PersonCompleted)
	require.NoError(t, err)
	assert.Equal(t, attendance.PersonCompleted, p.Status)

	_, err = f.engine.ChangeStatus(ctx, "p-1", attendance.PersonActive)
	assert.ErrorIs(t, err, attendance.ErrInvalidState)

	_, err = f.engine.SetRequiredHours(ctx, "p-1", decimal.Zero)
	assert.ErrorIs(t, err, attendance.ErrValidationFailed)
}

func TestErrorKinds(t *testing.T) {
	f := newFixture(t)
	_, err := f.engine.GetPerson(context.Background(), "nobody")
	assert.Equal(t, attendance.KindNotFound, attendance.KindOf(err))
	assert.False(t, attendance.IsClientError(err))
	assert.True(t, strings.Contains(err.Error(), "nobody"))

	wrapped := errors.Wrap(attendance.ErrConcurrentModification, "update session")
	assert.True(t, attendance.IsRetryable(wrapped))
	assert.Equal(t, attendance.KindInternal, attendance.KindOf(wrapped))
}
