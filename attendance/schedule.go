package attendance

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// SCHEDULE - Per-person working window
// =============================================================================

// Schedule is a person's daily start/end time with a grace period.
// A schedule whose end is before its start is a night shift.
type Schedule struct {
	Start        *TimeOfDay
	End          *TimeOfDay
	GraceMinutes int
	Active       bool
}

// NewSchedule builds an active schedule.
func NewSchedule(start, end TimeOfDay, graceMinutes int) *Schedule {
	return &Schedule{Start: &start, End: &end, GraceMinutes: graceMinutes, Active: true}
}

// IsActive is true iff the flag is set and both times are present.
func (s *Schedule) IsActive() bool {
	return s != nil && s.Active && s.Start != nil && s.End != nil
}

func (s *Schedule) CrossesMidnight() bool {
	return s.Start != nil && s.End != nil && *s.End < *s.Start
}

func (s *Schedule) Grace() time.Duration {
	return time.Duration(s.GraceMinutes) * time.Minute
}

// ScheduledMinutes is the length of one scheduled day.
func (s *Schedule) ScheduledMinutes() int {
	if s.Start == nil || s.End == nil {
		return 0
	}
	m := s.End.Minutes() - s.Start.Minutes()
	if m < 0 {
		m += minutesPerDay
	}
	return m
}

// ScheduledHours is ScheduledMinutes in hours, two decimals.
func (s *Schedule) ScheduledHours() decimal.Decimal {
	return decimal.NewFromInt(int64(s.ScheduledMinutes())).Div(decimal.NewFromInt(60)).Round(2)
}

// Validate checks the schedule against the rules' grace bounds.
func (s *Schedule) Validate(rules Rules) error {
	if s == nil {
		return nil
	}
	if s.GraceMinutes < 0 || s.GraceMinutes > rules.MaxGraceMinutes {
		return ValidationError("validate_schedule", "grace_range",
			"grace period must be between 0 and %d minutes, got %d", rules.MaxGraceMinutes, s.GraceMinutes)
	}
	if s.Active && (s.Start == nil || s.End == nil) {
		return ValidationError("validate_schedule", "schedule_times",
			"an active schedule needs both a start and an end time")
	}
	if s.Start != nil && s.End != nil && *s.Start == *s.End {
		return ValidationError("validate_schedule", "schedule_times",
			"start time %s must differ from end time", s.Start)
	}
	return nil
}

// Occurrence is one concrete scheduled day.
type Occurrence struct {
	Start time.Time
	End   time.Time
}

// Anchor returns the occurrence whose start is nearest to t. The end lands on
// the next calendar date for night shifts.
func (s *Schedule) Anchor(t time.Time) Occurrence {
	day := DateOf(t)
	var best time.Time
	var bestDiff time.Duration
	for _, offset := range []int{-1, 0, 1} {
		start := s.Start.On(day.AddDate(0, 0, offset))
		diff := t.Sub(start)
		if diff < 0 {
			diff = -diff
		}
		if best.IsZero() || diff < bestDiff {
			best, bestDiff = start, diff
		}
	}
	return s.occurrenceFrom(best)
}

// Preceding returns the latest occurrence that starts at or before t.
func (s *Schedule) Preceding(t time.Time) Occurrence {
	day := DateOf(t)
	start := s.Start.On(day)
	if start.After(t) {
		start = s.Start.On(day.AddDate(0, 0, -1))
	}
	return s.occurrenceFrom(start)
}

// Next returns the occurrence following o.
func (s *Schedule) Next(o Occurrence) Occurrence {
	return s.occurrenceFrom(s.Start.On(DateOf(o.Start).AddDate(0, 0, 1)))
}

func (s *Schedule) occurrenceFrom(start time.Time) Occurrence {
	end := s.End.On(start)
	if s.CrossesMidnight() {
		end = s.End.On(DateOf(start).AddDate(0, 0, 1))
	}
	return Occurrence{Start: start, End: end}
}

// Copy returns a deep copy.
func (s *Schedule) Copy() *Schedule {
	if s == nil {
		return nil
	}
	c := *s
	if s.Start != nil {
		v := *s.Start
		c.Start = &v
	}
	if s.End != nil {
		v := *s.End
		c.End = &v
	}
	return &c
}
