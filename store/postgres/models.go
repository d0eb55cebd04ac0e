package postgres

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/uptrace/bun"

	"github.com/warp/attendance-engine/attendance"
)

// =============================================================================
// ROW MODELS
// =============================================================================

type personRow struct {
	bun.BaseModel `bun:"table:persons"`

	ID               string          `bun:"id,pk"`
	Name             string          `bun:"name"`
	BadgeCode        string          `bun:"badge_code"`
	OTPSecret        string          `bun:"otp_secret"`
	AccumulatedHours decimal.Decimal `bun:"accumulated_hours"`
	RequiredHours    decimal.Decimal `bun:"required_hours"`
	Status           string          `bun:"status"`
	ScheduleStart    *string         `bun:"schedule_start"`
	ScheduleEnd      *string         `bun:"schedule_end"`
	GraceMinutes     int             `bun:"grace_minutes"`
	ScheduleActive   bool            `bun:"schedule_active"`
	CreatedAt        time.Time       `bun:"created_at"`
	UpdatedAt        time.Time       `bun:"updated_at"`
}

type sessionRow struct {
	bun.BaseModel `bun:"table:sessions"`

	ID             string          `bun:"id,pk"`
	PersonID       string          `bun:"person_id"`
	Date           time.Time       `bun:"date,type:date"`
	WorkDate       time.Time       `bun:"work_date,type:date"`
	TimeIn         time.Time       `bun:"time_in"`
	TimeOut        *time.Time      `bun:"time_out"`
	TotalHours     decimal.Decimal `bun:"total_hours"`
	RegularHours   decimal.Decimal `bun:"regular_hours"`
	OvertimeHours  decimal.Decimal `bun:"overtime_hours"`
	UndertimeHours decimal.Decimal `bun:"undertime_hours"`
	BreakDeducted  bool            `bun:"break_deducted"`
	TaskLog        string          `bun:"task_log"`
	Status         string          `bun:"status"`
	Provenance     string          `bun:"provenance"`
	Version        int             `bun:"version"`
	CreatedAt      time.Time       `bun:"created_at"`
	UpdatedAt      time.Time       `bun:"updated_at"`
}

type overrideRow struct {
	bun.BaseModel `bun:"table:override_requests"`

	ID            string     `bun:"id,pk"`
	SessionID     string     `bun:"session_id"`
	PersonID      string     `bun:"person_id"`
	ScheduledTime time.Time  `bun:"scheduled_time"`
	ActualTime    time.Time  `bun:"actual_time"`
	EarlyMinutes  int        `bun:"early_minutes"`
	Reason        string     `bun:"reason"`
	Status        string     `bun:"status"`
	ReviewedBy    string     `bun:"reviewed_by"`
	ReviewNote    string     `bun:"review_note"`
	ReviewedAt    *time.Time `bun:"reviewed_at"`
	CreatedAt     time.Time  `bun:"created_at"`
}

type notificationRow struct {
	bun.BaseModel `bun:"table:notifications"`

	ID             string    `bun:"id,pk"`
	Kind           string    `bun:"kind"`
	PersonID       string    `bun:"person_id"`
	SessionID      string    `bun:"session_id"`
	Message        string    `bun:"message"`
	IdempotencyKey string    `bun:"idempotency_key"`
	CreatedAt      time.Time `bun:"created_at"`
}

type runRow struct {
	bun.BaseModel `bun:"table:runs"`

	ID          string                 `bun:"id,pk"`
	Kind        string                 `bun:"kind"`
	Status      string                 `bun:"status"`
	Processed   int                    `bun:"processed"`
	Changed     int                    `bun:"changed"`
	Skipped     int                    `bun:"skipped"`
	Errors      []attendance.ItemError `bun:"errors,type:jsonb"`
	StartedAt   time.Time              `bun:"started_at"`
	CompletedAt *time.Time             `bun:"completed_at"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func toPersonRow(p attendance.Person) *personRow {
	row := &personRow{
		ID:               string(p.ID),
		Name:             p.Name,
		BadgeCode:        p.BadgeCode,
		OTPSecret:        p.OTPSecret,
		AccumulatedHours: p.AccumulatedHours,
		RequiredHours:    p.RequiredHours,
		Status:           string(p.Status),
		CreatedAt:        p.CreatedAt,
		UpdatedAt:        p.UpdatedAt,
	}
	if s := p.Schedule; s != nil {
		row.ScheduleStart = timeOfDayPtr(s.Start)
		row.ScheduleEnd = timeOfDayPtr(s.End)
		row.GraceMinutes = s.GraceMinutes
		row.ScheduleActive = s.Active
	}
	return row
}

func (r *personRow) toPerson(loc *time.Location) attendance.Person {
	p := attendance.Person{
		ID:               attendance.PersonID(r.ID),
		Name:             r.Name,
		BadgeCode:        r.BadgeCode,
		OTPSecret:        r.OTPSecret,
		AccumulatedHours: r.AccumulatedHours,
		RequiredHours:    r.RequiredHours,
		Status:           attendance.PersonStatus(r.Status),
		CreatedAt:        r.CreatedAt.In(loc),
		UpdatedAt:        r.UpdatedAt.In(loc),
	}
	if r.ScheduleStart != nil || r.ScheduleEnd != nil || r.ScheduleActive {
		p.Schedule = &attendance.Schedule{
			Start:        parseTimeOfDay(r.ScheduleStart),
			End:          parseTimeOfDay(r.ScheduleEnd),
			GraceMinutes: r.GraceMinutes,
			Active:       r.ScheduleActive,
		}
	}
	return p
}

func toSessionRow(s attendance.Session) *sessionRow {
	prov := s.Provenance
	if prov == "" {
		prov = attendance.ProvenanceNormal
	}
	return &sessionRow{
		ID:             string(s.ID),
		PersonID:       string(s.PersonID),
		Date:           dateOnly(s.Date),
		WorkDate:       dateOnly(s.WorkDate),
		TimeIn:         s.TimeIn,
		TimeOut:        s.TimeOut,
		TotalHours:     s.Hours.Total,
		RegularHours:   s.Hours.Regular,
		OvertimeHours:  s.Hours.Overtime,
		UndertimeHours: s.Hours.Undertime,
		BreakDeducted:  s.Hours.BreakDeducted,
		TaskLog:        s.TaskLog,
		Status:         string(s.Status),
		Provenance:     string(prov),
		Version:        s.Version,
		CreatedAt:      s.CreatedAt,
		UpdatedAt:      s.UpdatedAt,
	}
}

func (r *sessionRow) toSession(loc *time.Location) attendance.Session {
	s := attendance.Session{
		ID:       attendance.SessionID(r.ID),
		PersonID: attendance.PersonID(r.PersonID),
		Date:     dateOnly(r.Date),
		WorkDate: dateOnly(r.WorkDate),
		TimeIn:   r.TimeIn.In(loc),
		Hours: attendance.Hours{
			Total:         r.TotalHours,
			Regular:       r.RegularHours,
			Overtime:      r.OvertimeHours,
			Undertime:     r.UndertimeHours,
			BreakDeducted: r.BreakDeducted,
		},
		TaskLog:    r.TaskLog,
		Status:     attendance.SessionStatus(r.Status),
		Provenance: attendance.Provenance(r.Provenance),
		Version:    r.Version,
		CreatedAt:  r.CreatedAt.In(loc),
		UpdatedAt:  r.UpdatedAt.In(loc),
	}
	if r.TimeOut != nil {
		out := r.TimeOut.In(loc)
		s.TimeOut = &out
	}
	return s
}

func toOverrideRow(o attendance.OverrideRequest) *overrideRow {
	return &overrideRow{
		ID:            string(o.ID),
		SessionID:     string(o.SessionID),
		PersonID:      string(o.PersonID),
		ScheduledTime: o.ScheduledTime,
		ActualTime:    o.ActualTime,
		EarlyMinutes:  o.EarlyMinutes,
		Reason:        o.Reason,
		Status:        string(o.Status),
		ReviewedBy:    o.ReviewedBy,
		ReviewNote:    o.ReviewNote,
		ReviewedAt:    o.ReviewedAt,
		CreatedAt:     o.CreatedAt,
	}
}

func (r *overrideRow) toOverride(loc *time.Location) attendance.OverrideRequest {
	o := attendance.OverrideRequest{
		ID:            attendance.OverrideID(r.ID),
		SessionID:     attendance.SessionID(r.SessionID),
		PersonID:      attendance.PersonID(r.PersonID),
		ScheduledTime: r.ScheduledTime.In(loc),
		ActualTime:    r.ActualTime.In(loc),
		EarlyMinutes:  r.EarlyMinutes,
		Reason:        r.Reason,
		Status:        attendance.OverrideStatus(r.Status),
		ReviewedBy:    r.ReviewedBy,
		ReviewNote:    r.ReviewNote,
		CreatedAt:     r.CreatedAt.In(loc),
	}
	if r.ReviewedAt != nil {
		t := r.ReviewedAt.In(loc)
		o.ReviewedAt = &t
	}
	return o
}

func toNotificationRow(n attendance.Notification) *notificationRow {
	return &notificationRow{
		ID:             n.ID,
		Kind:           string(n.Kind),
		PersonID:       string(n.PersonID),
		SessionID:      string(n.SessionID),
		Message:        n.Message,
		IdempotencyKey: n.IdempotencyKey,
		CreatedAt:      n.CreatedAt,
	}
}

func (r *notificationRow) toNotification(loc *time.Location) attendance.Notification {
	return attendance.Notification{
		ID:             r.ID,
		Kind:           attendance.NotificationKind(r.Kind),
		PersonID:       attendance.PersonID(r.PersonID),
		SessionID:      attendance.SessionID(r.SessionID),
		Message:        r.Message,
		IdempotencyKey: r.IdempotencyKey,
		CreatedAt:      r.CreatedAt.In(loc),
	}
}

func toRunRow(r attendance.Run) *runRow {
	errs := r.Errors
	if errs == nil {
		errs = []attendance.ItemError{}
	}
	return &runRow{
		ID:          r.ID,
		Kind:        string(r.Kind),
		Status:      string(r.Status),
		Processed:   r.Processed,
		Changed:     r.Changed,
		Skipped:     r.Skipped,
		Errors:      errs,
		StartedAt:   r.StartedAt,
		CompletedAt: r.CompletedAt,
	}
}

func (r *runRow) toRun(loc *time.Location) attendance.Run {
	run := attendance.Run{
		ID:        r.ID,
		Kind:      attendance.RunKind(r.Kind),
		Status:    attendance.RunStatus(r.Status),
		Processed: r.Processed,
		Changed:   r.Changed,
		Skipped:   r.Skipped,
		Errors:    r.Errors,
		StartedAt: r.StartedAt.In(loc),
	}
	if r.CompletedAt != nil {
		t := r.CompletedAt.In(loc)
		run.CompletedAt = &t
	}
	return run
}

func timeOfDayPtr(t *attendance.TimeOfDay) *string {
	if t == nil {
		return nil
	}
	s := t.String()
	return &s
}

func parseTimeOfDay(s *string) *attendance.TimeOfDay {
	if s == nil {
		return nil
	}
	t, err := attendance.ParseTimeOfDay(*s)
	if err != nil {
		return nil
	}
	return &t
}

// dateOnly drops the clock and zone; DATE columns carry neither.
func dateOnly(t time.Time) time.Time {
	if t.IsZero() {
		return t
	}
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
