package attendance

import (
	"math"
	"time"
)

// EligibilityInput is what the validator needs to decide on a time-in.
type EligibilityInput struct {
	Person *Person
	Now    time.Time
	// Open is the person's open session, if any.
	Open *Session
	// Recent sessions, newest time-in first.
	Recent []Session
}

// EligibilityValidator decides whether a new time-in is allowed.
//
// Order of rules:
//  1. an open session always rejects
//  2. with an active schedule: inside [start-grace, start+grace] permits,
//     more than ReturnAfterScheduleEnd past the end permits, an early
//     arrival before the window rejects (when RejectEarlyTimeIn)
//  3. otherwise the minimum gap since the last time-out applies
type EligibilityValidator struct {
	Rules Rules
}

func (v EligibilityValidator) Check(in EligibilityInput) error {
	const op = "time_in"

	if in.Open != nil {
		return InvalidStateError(op, "one_open_session",
			"person %s already has an open session since %s", in.Person.ID, in.Open.TimeIn.Format(time.Kitchen)).
			With("session_id", in.Open.ID)
	}

	if in.Person.HasActiveSchedule() {
		sched := in.Person.Schedule
		tod := TimeOfDayOf(in.Now)
		earliest := sched.Start.Add(-sched.GraceMinutes)
		latest := sched.Start.Add(sched.GraceMinutes)

		if withinWindow(tod, earliest, latest) {
			return nil
		}
		sinceEnd := tod.Minutes() - sched.End.Minutes()
		if sinceEnd > int(v.Rules.ReturnAfterScheduleEnd/time.Minute) {
			return nil
		}
		if v.Rules.RejectEarlyTimeIn {
			occ := sched.Anchor(in.Now)
			if in.Now.Before(occ.Start.Add(-sched.Grace())) {
				return RuleViolation(op, "outside_schedule_window",
					"time-in opens at %s for a schedule starting at %s", earliest, sched.Start).
					With("earliest", earliest.String()).
					With("latest", latest.String())
			}
		}
	}

	if last := lastTimeOut(in.Recent); last != nil {
		since := in.Now.Sub(*last)
		if since < v.Rules.MinSessionGap {
			wait := v.Rules.MinSessionGap - since
			return RuleViolation(op, "min_session_gap",
				"must wait %s after the last time-out before timing in again", wait.Round(time.Minute)).
				With("wait_minutes", int(math.Ceil(wait.Minutes()))).
				With("last_time_out", last.Format(time.RFC3339))
		}
	}
	return nil
}

// withinWindow treats earliest > latest as a window that wraps midnight.
func withinWindow(t, earliest, latest TimeOfDay) bool {
	if earliest <= latest {
		return t >= earliest && t <= latest
	}
	return t >= earliest || t <= latest
}

func lastTimeOut(sessions []Session) *time.Time {
	var last *time.Time
	for i := range sessions {
		out := sessions[i].TimeOut
		if out != nil && (last == nil || out.After(*last)) {
			last = out
		}
	}
	return last
}
