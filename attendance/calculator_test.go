package attendance

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

func at(day, hour, minute int) time.Time {
	return time.Date(2025, time.March, day, hour, minute, 0, 0, time.UTC)
}

func dec(v float64) decimal.Decimal { return decimal.NewFromFloat(v) }

func assertHours(t *testing.T, h Hours, regular, overtime, undertime float64) {
	t.Helper()
	assert.True(t, h.Regular.Equal(dec(regular)), "regular: want %v, got %s", regular, h.Regular)
	assert.True(t, h.Overtime.Equal(dec(overtime)), "overtime: want %v, got %s", overtime, h.Overtime)
	assert.True(t, h.Undertime.Equal(dec(undertime)), "undertime: want %v, got %s", undertime, h.Undertime)
	assert.True(t, h.Total.Equal(dec(regular+overtime)), "total: want %v, got %s", regular+overtime, h.Total)
}

func dayShift() *Schedule {
	return NewSchedule(NewTimeOfDay(8, 0), NewTimeOfDay(17, 0), 5)
}

// =============================================================================
// ROUNDING + BREAK
// =============================================================================

func TestRoundMinutes_55MinuteRule(t *testing.T) {
	calc := NewCalculator(DefaultRules())
	cases := []struct {
		minutes int
		want    int
	}{
		{0, 0},
		{54, 0},
		{55, 1},
		{60, 1},
		{114, 1},
		{115, 2},
		{480, 8},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, calc.RoundMinutes(tc.minutes), "minutes=%d", tc.minutes)
	}
}

func TestUnscheduled_BreakThreshold(t *testing.T) {
	calc := NewCalculator(DefaultRules())

	// 294 minutes: no break, 4h54 stays at 4
	h := calc.Unscheduled(at(10, 8, 0), at(10, 12, 54))
	assert.False(t, h.BreakDeducted)
	assertHours(t, h, 4, 0, 4)

	// 295 minutes: no break, 4h55 rounds to 5
	h = calc.Unscheduled(at(10, 8, 0), at(10, 12, 55))
	assert.False(t, h.BreakDeducted)
	assertHours(t, h, 5, 0, 3)

	// 300 minutes: break deducted, 240 left
	h = calc.Unscheduled(at(10, 8, 0), at(10, 13, 0))
	assert.True(t, h.BreakDeducted)
	assertHours(t, h, 4, 0, 4)
}

func TestUnscheduled_FullDayAndOvertime(t *testing.T) {
	calc := NewCalculator(DefaultRules())

	assertHours(t, calc.Unscheduled(at(10, 8, 0), at(10, 17, 0)), 8, 0, 0)
	// 630 - 60 = 570 minutes = 9h30
	assertHours(t, calc.Unscheduled(at(10, 6, 30), at(10, 17, 0)), 8, 1, 0)
}

func TestUnscheduled_TimeOutBeforeTimeIn_ZeroHours(t *testing.T) {
	calc := NewCalculator(DefaultRules())
	assertHours(t, calc.Unscheduled(at(10, 9, 0), at(10, 8, 0)), 0, 0, 8)
}

// =============================================================================
// STRICT SCHEDULE
// =============================================================================

func TestScheduled_EarlyArrival_ClampedToScheduledStart(t *testing.T) {
	// GIVEN: 08:00-17:00 schedule, arrival 07:30
	// WHEN: Leaving exactly at 17:00
	// THEN: Early minutes are not credited, 8 regular hours

	calc := NewCalculator(DefaultRules())
	h := calc.Calculate(CalcInput{TimeIn: at(10, 7, 30), TimeOut: at(10, 17, 0), Schedule: dayShift()})
	assertHours(t, h, 8, 0, 0)
	assert.True(t, h.BreakDeducted)
}

func TestScheduled_LateArrival_ExtendsRequiredEnd(t *testing.T) {
	// GIVEN: 08:00-17:00 grace 5, arrival 08:10 (5 minutes past grace)
	// WHEN: Leaving at 17:05
	// THEN: Required end moved to 17:05, no undertime, 8 regular

	calc := NewCalculator(DefaultRules())
	w := calc.ResolveWindow(at(10, 8, 10), dayShift())
	assert.Equal(t, 5, w.LateMinutes)
	assert.Equal(t, at(10, 8, 10), w.EffectiveStart)
	assert.Equal(t, at(10, 17, 5), w.RequiredEnd)

	h := calc.Scheduled(at(10, 8, 10), at(10, 17, 5), dayShift())
	assertHours(t, h, 8, 0, 0)
}

func TestScheduled_WithinGrace_NotLate(t *testing.T) {
	calc := NewCalculator(DefaultRules())
	w := calc.ResolveWindow(at(10, 8, 5), dayShift())
	assert.Zero(t, w.LateMinutes)
	assert.Equal(t, at(10, 8, 0), w.EffectiveStart)
	assert.Equal(t, at(10, 17, 0), w.RequiredEnd)
}

func TestScheduled_Undertime(t *testing.T) {
	calc := NewCalculator(DefaultRules())
	// 420 minutes worked - 60 break = 6h, 2h short of 17:00
	h := calc.Scheduled(at(10, 8, 0), at(10, 15, 0), dayShift())
	assertHours(t, h, 6, 0, 2)
}

func TestScheduled_Overtime(t *testing.T) {
	calc := NewCalculator(DefaultRules())
	h := calc.Scheduled(at(10, 8, 0), at(10, 19, 0), dayShift())
	assertHours(t, h, 8, 2, 0)
}

func TestOverridePath_CreditsEarlyArrival(t *testing.T) {
	// GIVEN: Arrival 06:30 on an 08:00-17:00 schedule
	// WHEN: Computing with and without an approved override
	// THEN: The override credits the early span as overtime

	calc := NewCalculator(DefaultRules())
	in := CalcInput{TimeIn: at(10, 6, 30), TimeOut: at(10, 17, 0), Schedule: dayShift()}

	strict := calc.Calculate(in)
	assertHours(t, strict, 8, 0, 0)
	assert.Equal(t, PathScheduled, calc.PathFor(in))

	in.OverrideApproved = true
	overridden := calc.Calculate(in)
	assertHours(t, overridden, 8, 1, 0)
	assert.Equal(t, PathUnscheduled, calc.PathFor(in))
}

func TestScheduled_NightShift_EndOnNextDay(t *testing.T) {
	// GIVEN: 22:00-06:00 schedule
	// WHEN: Arriving 21:55 and leaving 06:00 the next morning
	// THEN: The required end is on the next date; 480 - 60 break = 7h

	calc := NewCalculator(DefaultRules())
	night := NewSchedule(NewTimeOfDay(22, 0), NewTimeOfDay(6, 0), 5)
	require.True(t, night.CrossesMidnight())

	w := calc.ResolveWindow(at(10, 21, 55), night)
	assert.Equal(t, at(10, 22, 0), w.ScheduledStart)
	assert.Equal(t, at(11, 6, 0), w.RequiredEnd)

	h := calc.Calculate(CalcInput{TimeIn: at(10, 21, 55), TimeOut: at(11, 6, 0), Schedule: night})
	assertHours(t, h, 7, 0, 0)
}

func TestScheduled_NightShift_LateAfterMidnight(t *testing.T) {
	calc := NewCalculator(DefaultRules())
	night := NewSchedule(NewTimeOfDay(22, 0), NewTimeOfDay(6, 0), 5)

	w := calc.ResolveWindow(at(11, 0, 30), night)
	assert.Equal(t, at(10, 22, 0), w.ScheduledStart, "anchored to the shift that started the evening before")
	assert.Equal(t, 145, w.LateMinutes)
	assert.Equal(t, at(11, 8, 25), w.RequiredEnd)
}

func TestInactiveSchedule_UsesUnscheduledPath(t *testing.T) {
	calc := NewCalculator(DefaultRules())
	s := dayShift()
	s.Active = false
	assert.Equal(t, PathUnscheduled, calc.PathFor(CalcInput{TimeIn: at(10, 21, 30), Schedule: s}))
	assert.Equal(t, PathUnscheduled, calc.PathFor(CalcInput{TimeIn: at(10, 21, 30)}))
}

// =============================================================================
// RETURN SESSIONS
// =============================================================================

func TestReturnSession_DayShift_CreditsOvertime(t *testing.T) {
	// GIVEN: 08:00-17:00 grace 5
	// WHEN: Coming back 21:30-23:30, more than 4h after the schedule end
	// THEN: The session is not anchored to tomorrow's 08:00; 2h overtime

	calc := NewCalculator(DefaultRules())
	in := CalcInput{TimeIn: at(10, 21, 30), TimeOut: at(10, 23, 30), Schedule: dayShift()}

	assert.True(t, calc.IsReturn(in.TimeIn, in.Schedule))
	assert.Equal(t, PathReturn, calc.PathFor(in))
	assertHours(t, calc.Calculate(in), 0, 2, 0)
}

func TestReturnSession_LongSpan_DeductsBreak(t *testing.T) {
	calc := NewCalculator(DefaultRules())
	// 21:05 to 03:05 next day: 360 - 60 = 5h
	h := calc.Calculate(CalcInput{TimeIn: at(10, 21, 5), TimeOut: at(11, 3, 5), Schedule: dayShift()})
	assertHours(t, h, 0, 5, 0)
	assert.True(t, h.BreakDeducted)
}

func TestReturnSession_NightShift(t *testing.T) {
	// GIVEN: 22:00-06:00 grace 5
	// WHEN: Coming back 10:30-12:30, 4.5h after the shift ended
	// THEN: 2h overtime instead of an early clamp to 22:00
	calc := NewCalculator(DefaultRules())
	night := NewSchedule(NewTimeOfDay(22, 0), NewTimeOfDay(6, 0), 5)

	h := calc.Calculate(CalcInput{TimeIn: at(10, 10, 30), TimeOut: at(10, 12, 30), Schedule: night})
	assertHours(t, h, 0, 2, 0)
}

func TestIsReturn_Boundaries(t *testing.T) {
	calc := NewCalculator(DefaultRules())
	night := NewSchedule(NewTimeOfDay(22, 0), NewTimeOfDay(6, 0), 5)

	tests := []struct {
		name     string
		schedule *Schedule
		timeIn   time.Time
		want     bool
	}{
		{"exactly 4h after end", dayShift(), at(10, 21, 0), false},
		{"one minute past 4h", dayShift(), at(10, 21, 1), true},
		{"early arrival for next day", dayShift(), at(11, 5, 0), false},
		{"late arrival", dayShift(), at(10, 9, 30), false},
		{"night shift grace window", night, at(10, 21, 55), false},
		{"night shift late after midnight", night, at(11, 0, 30), false},
		{"night shift within next grace", night, at(10, 21, 58), false},
		{"night shift before next grace", night, at(10, 21, 50), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, calc.IsReturn(tt.timeIn, tt.schedule))
		})
	}
}

func TestSchedule_PrecedingAndNext(t *testing.T) {
	s := dayShift()
	prev := s.Preceding(at(10, 21, 30))
	assert.Equal(t, at(10, 8, 0), prev.Start)
	assert.Equal(t, at(10, 17, 0), prev.End)
	assert.Equal(t, at(11, 8, 0), s.Next(prev).Start)

	night := NewSchedule(NewTimeOfDay(22, 0), NewTimeOfDay(6, 0), 5)
	prev = night.Preceding(at(10, 10, 0))
	assert.Equal(t, at(9, 22, 0), prev.Start)
	assert.Equal(t, at(10, 6, 0), prev.End)
}

// =============================================================================
// CORRECTION SPLIT
// =============================================================================

func TestSplitCorrected(t *testing.T) {
	calc := NewCalculator(DefaultRules())
	assertHours(t, calc.SplitCorrected(dec(10)), 8, 2, 0)
	assertHours(t, calc.SplitCorrected(dec(6.5)), 6.5, 0, 1.5)
	assertHours(t, calc.SplitCorrected(dec(8)), 8, 0, 0)
}
