/*
calculator.go - Hours calculation for a single session

PURPOSE:
  Turns a (timeIn, timeOut, schedule, overrideApproved) tuple into regular,
  overtime and undertime hours. Pure: no clock, no store, no logging.

TWO ALGORITHMS:
  Unscheduled (no active schedule, or approved override):
    minutes = timeOut - timeIn
    minutes >= 300 -> minus 60 (break)
    hours = round(minutes)
    hours >= 8 -> regular 8, overtime hours-8
    else       -> regular hours, undertime 8-hours

  Strict schedule (active schedule, no approved override):
    effective start = scheduled start when early or on time,
                      actual arrival when later than start+grace
    required end    = scheduled end, pushed back by the late minutes
    timeOut <  required end -> undertime branch
    timeOut >  required end -> overtime branch
    timeOut == required end -> all scheduled minutes are regular

ROUNDING:
  floor(minutes/60), plus one hour when minutes%60 >= 55.
  54 minutes stay in the lower hour; 55 round up.

BREAK DEDUCTION:
  Applied once, against the work-minutes of the branch, never against the
  raw wall-clock span.

RETURN SESSIONS:
  A time-in more than ReturnAfterScheduleEnd past the end of the preceding
  occurrence, and before the next start's grace window, is a second session
  of the day. Its whole span (break-deducted, rounded) is overtime; the day's
  regular hours and undertime belong to the scheduled session.

NIGHT SHIFTS:
  The schedule occurrence nearest to timeIn is used. When the schedule
  crosses midnight the required end sits on the following calendar date.

SEE ALSO:
  - schedule.go: Anchor
  - recalc.go: replays Calculate over history
*/
package attendance

import (
	"time"

	"github.com/shopspring/decimal"
)

// CalcInput is everything the calculator looks at.
type CalcInput struct {
	TimeIn           time.Time
	TimeOut          time.Time
	Schedule         *Schedule
	OverrideApproved bool
}

// CalcPath names the algorithm that produced a result.
type CalcPath string

const (
	PathUnscheduled CalcPath = "unscheduled"
	PathScheduled   CalcPath = "scheduled"
	PathReturn      CalcPath = "return"
)

// Calculator computes session hours under a set of rules.
type Calculator struct {
	Rules Rules
}

func NewCalculator(rules Rules) Calculator { return Calculator{Rules: rules} }

// PathFor reports which algorithm Calculate will use.
func (c Calculator) PathFor(in CalcInput) CalcPath {
	switch {
	case in.OverrideApproved || !in.Schedule.IsActive():
		return PathUnscheduled
	case c.IsReturn(in.TimeIn, in.Schedule):
		return PathReturn
	}
	return PathScheduled
}

// Calculate dispatches on PathFor.
func (c Calculator) Calculate(in CalcInput) Hours {
	switch c.PathFor(in) {
	case PathUnscheduled:
		return c.Unscheduled(in.TimeIn, in.TimeOut)
	case PathReturn:
		return c.Return(in.TimeIn, in.TimeOut)
	}
	return c.Scheduled(in.TimeIn, in.TimeOut, in.Schedule)
}

// =============================================================================
// UNSCHEDULED / OVERRIDE PATH
// =============================================================================

func (c Calculator) Unscheduled(timeIn, timeOut time.Time) Hours {
	minutes, deducted := c.deductBreak(nonNegative(minutesBetween(timeIn, timeOut)))
	hours := c.RoundMinutes(minutes)

	h := Hours{BreakDeducted: deducted}
	std := c.Rules.StandardDayHours
	if hours >= std {
		h.Regular = hoursOf(std)
		h.Overtime = hoursOf(hours - std)
	} else {
		h.Regular = hoursOf(hours)
		h.Undertime = hoursOf(std - hours)
	}
	h.Total = h.Regular.Add(h.Overtime)
	return h
}

// =============================================================================
// RETURN PATH
// =============================================================================

// IsReturn reports whether a time-in belongs to no scheduled occurrence: it
// comes more than ReturnAfterScheduleEnd after the preceding occurrence ended
// and before the next one's grace window opens. The time-of-day test matches
// the one eligibility applies, so an early arrival for the next day is never
// taken for a return.
func (c Calculator) IsReturn(timeIn time.Time, schedule *Schedule) bool {
	if !schedule.IsActive() {
		return false
	}
	in := timeIn.Truncate(time.Minute)
	after := c.Rules.ReturnAfterScheduleEnd
	if TimeOfDayOf(in).Minutes()-schedule.End.Minutes() <= int(after/time.Minute) {
		return false
	}
	prev := schedule.Preceding(in)
	if !in.After(prev.End.Add(after)) {
		return false
	}
	return in.Before(schedule.Next(prev).Start.Add(-schedule.Grace()))
}

// Return credits the whole span of a return session as overtime.
func (c Calculator) Return(timeIn, timeOut time.Time) Hours {
	minutes, deducted := c.deductBreak(nonNegative(minutesBetween(timeIn, timeOut)))
	h := Hours{BreakDeducted: deducted, Overtime: hoursOf(c.RoundMinutes(minutes))}
	h.Total = h.Regular.Add(h.Overtime)
	return h
}

// =============================================================================
// STRICT-SCHEDULE PATH
// =============================================================================

// Window is the resolved schedule frame of one session.
type Window struct {
	ScheduledStart time.Time
	ScheduledEnd   time.Time
	EffectiveStart time.Time
	RequiredEnd    time.Time
	LateMinutes    int
}

// ResolveWindow applies the early-clamp and late-extension rules.
func (c Calculator) ResolveWindow(timeIn time.Time, schedule *Schedule) Window {
	occ := schedule.Anchor(timeIn)
	w := Window{
		ScheduledStart: occ.Start,
		ScheduledEnd:   occ.End,
		EffectiveStart: occ.Start,
		RequiredEnd:    occ.End,
	}
	graceEnd := occ.Start.Add(schedule.Grace())
	if late := minutesBetween(graceEnd, timeIn); late > 0 {
		w.EffectiveStart = timeIn.Truncate(time.Minute)
		w.LateMinutes = late
		w.RequiredEnd = occ.End.Add(time.Duration(late) * time.Minute)
	}
	return w
}

func (c Calculator) Scheduled(timeIn, timeOut time.Time, schedule *Schedule) Hours {
	w := c.ResolveWindow(timeIn, schedule)
	out := timeOut.Truncate(time.Minute)

	var h Hours
	switch {
	case out.Before(w.RequiredEnd):
		work, deducted := c.deductBreak(nonNegative(minutesBetween(w.EffectiveStart, out)))
		h.BreakDeducted = deducted
		h.Regular = hoursOf(c.RoundMinutes(work))
		h.Undertime = hoursOf(c.RoundMinutes(minutesBetween(out, w.RequiredEnd)))

	case out.After(w.RequiredEnd):
		h.Regular, h.BreakDeducted = c.scheduledRegular(w)
		h.Overtime = hoursOf(c.RoundMinutes(minutesBetween(w.RequiredEnd, out)))

	default:
		h.Regular, h.BreakDeducted = c.scheduledRegular(w)
	}
	h.Total = h.Regular.Add(h.Overtime)
	return h
}

// scheduledRegular credits effective start through required end, capped at
// the standard day.
func (c Calculator) scheduledRegular(w Window) (decimal.Decimal, bool) {
	work, deducted := c.deductBreak(nonNegative(minutesBetween(w.EffectiveStart, w.RequiredEnd)))
	hours := c.RoundMinutes(work)
	if hours > c.Rules.StandardDayHours {
		hours = c.Rules.StandardDayHours
	}
	return hoursOf(hours), deducted
}

// =============================================================================
// SHARED RULES
// =============================================================================

// RoundMinutes converts minutes to whole hours with the 55-minute rule.
func (c Calculator) RoundMinutes(minutes int) int {
	hours := minutes / 60
	if minutes%60 >= c.Rules.RoundUpRemainderMinutes {
		hours++
	}
	return hours
}

func (c Calculator) deductBreak(minutes int) (int, bool) {
	if minutes >= c.Rules.BreakThresholdMinutes {
		return minutes - c.Rules.BreakMinutes, true
	}
	return minutes, false
}

// SplitCorrected splits an operator-supplied total with the standard-day cap.
func (c Calculator) SplitCorrected(total decimal.Decimal) Hours {
	std := hoursOf(c.Rules.StandardDayHours)
	var h Hours
	if total.GreaterThanOrEqual(std) {
		h.Regular = std
		h.Overtime = total.Sub(std)
	} else {
		h.Regular = total
		h.Undertime = std.Sub(total)
	}
	h.Total = h.Regular.Add(h.Overtime)
	return h
}

func hoursOf(n int) decimal.Decimal { return decimal.NewFromInt(int64(n)) }

func nonNegative(n int) int {
	if n < 0 {
		return 0
	}
	return n
}
