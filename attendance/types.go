// Package attendance implements attendance sessions and schedule-aware hours.
//
// It covers time-in eligibility, the session state machine, the hours
// calculation (effective start, break deduction, rounding, overtime and
// undertime split, night shifts), the schedule-override workflow, the
// auto-timeout sweep and the idempotent recalculation engine.
package attendance

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type PersonID string
type SessionID string
type OverrideID string

// =============================================================================
// PERSON
// =============================================================================

type PersonStatus string

const (
	PersonActive    PersonStatus = "ACTIVE"
	PersonCompleted PersonStatus = "COMPLETED"
	PersonInactive  PersonStatus = "INACTIVE"
)

func (s PersonStatus) Valid() bool {
	switch s {
	case PersonActive, PersonCompleted, PersonInactive:
		return true
	}
	return false
}

// Person is a trainee working toward a required-hours target.
type Person struct {
	ID        PersonID
	Name      string
	BadgeCode string
	// OTPSecret is handed to the Verifier as-is. Never rendered.
	OTPSecret        string
	AccumulatedHours decimal.Decimal
	// RequiredHours is zero when the person has no target.
	RequiredHours decimal.Decimal
	Status        PersonStatus
	Schedule      *Schedule
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// HasActiveSchedule reports whether hours are computed against a schedule.
func (p *Person) HasActiveSchedule() bool {
	return p != nil && p.Schedule.IsActive()
}

// RemainingHours returns how many hours are left before the target is met.
func (p *Person) RemainingHours() decimal.Decimal {
	if !p.RequiredHours.IsPositive() {
		return decimal.Zero
	}
	rem := p.RequiredHours.Sub(p.AccumulatedHours)
	if rem.IsNegative() {
		return decimal.Zero
	}
	return rem
}

// ReadyForCompletion reports whether the target has been reached.
func (p *Person) ReadyForCompletion() bool {
	return p.Status == PersonActive &&
		p.RequiredHours.IsPositive() &&
		p.AccumulatedHours.GreaterThanOrEqual(p.RequiredHours)
}

// =============================================================================
// SESSION
// =============================================================================

// SessionStatus is the state of the session state machine.
//
//	OPEN -> CLOSED | AUTO_CLOSED | CORRECTED
//	CLOSED | AUTO_CLOSED | CORRECTED -> CORRECTED (admin correction only)
type SessionStatus string

const (
	SessionOpen       SessionStatus = "OPEN"
	SessionClosed     SessionStatus = "CLOSED"
	SessionAutoClosed SessionStatus = "AUTO_CLOSED"
	SessionCorrected  SessionStatus = "CORRECTED"
)

// Provenance records how a session's hours came to be. It decides whether
// recalculation may touch the session and which algorithm it uses.
type Provenance string

const (
	ProvenanceNormal           Provenance = "NORMAL"
	ProvenanceOverrideApproved Provenance = "OVERRIDE_APPROVED"
	ProvenanceAdminCorrected   Provenance = "ADMIN_CORRECTED"
)

// Hours is the outcome of the hours calculation.
// Total == Regular + Overtime; Overtime and Undertime are never both positive.
type Hours struct {
	Total         decimal.Decimal
	Regular       decimal.Decimal
	Overtime      decimal.Decimal
	Undertime     decimal.Decimal
	BreakDeducted bool
}

// Equal compares all fields.
func (h Hours) Equal(o Hours) bool {
	return h.Total.Equal(o.Total) &&
		h.Regular.Equal(o.Regular) &&
		h.Overtime.Equal(o.Overtime) &&
		h.Undertime.Equal(o.Undertime) &&
		h.BreakDeducted == o.BreakDeducted
}

// Session is one time-in/time-out pair.
type Session struct {
	ID       SessionID
	PersonID PersonID
	// Date is the calendar date of the time-in.
	Date time.Time
	// WorkDate is the schedule day the session is attributed to.
	WorkDate   time.Time
	TimeIn     time.Time
	TimeOut    *time.Time
	Hours      Hours
	TaskLog    string
	Status     SessionStatus
	Provenance Provenance
	// Version increments on every write; stale writes are rejected.
	Version   int
	CreatedAt time.Time
	UpdatedAt time.Time
}

// IsOpen reports whether the session is awaiting a time-out.
func (s *Session) IsOpen() bool {
	return s.Status == SessionOpen && s.TimeOut == nil
}

// Elapsed returns the time since time-in, or the session length once closed.
func (s *Session) Elapsed(now time.Time) time.Duration {
	if s.TimeOut != nil {
		return s.TimeOut.Sub(s.TimeIn)
	}
	return now.Sub(s.TimeIn)
}

// =============================================================================
// OVERRIDE REQUEST
// =============================================================================

type OverrideStatus string

const (
	OverridePending  OverrideStatus = "PENDING"
	OverrideApproved OverrideStatus = "APPROVED"
	OverrideRejected OverrideStatus = "REJECTED"
)

// ReviewAction is the reviewer's decision on an override.
type ReviewAction string

const (
	ActionApprove ReviewAction = "APPROVE"
	ActionReject  ReviewAction = "REJECT"
)

// OverrideRequest asks for an early arrival to be credited in full.
type OverrideRequest struct {
	ID            OverrideID
	SessionID     SessionID
	PersonID      PersonID
	ScheduledTime time.Time
	ActualTime    time.Time
	EarlyMinutes  int
	Reason        string
	Status        OverrideStatus
	ReviewedBy    string
	ReviewNote    string
	ReviewedAt    *time.Time
	CreatedAt     time.Time
}

// =============================================================================
// NOTIFICATIONS
// =============================================================================

type NotificationKind string

const (
	NotifyOverrideRequested  NotificationKind = "OVERRIDE_REQUESTED"
	NotifyOverrideReviewed   NotificationKind = "OVERRIDE_REVIEWED"
	NotifyAutoTimeout        NotificationKind = "AUTO_TIMEOUT"
	NotifyLongSession        NotificationKind = "LONG_SESSION"
	NotifyMissingTimeOut     NotificationKind = "MISSING_TIME_OUT"
	NotifyReadyForCompletion NotificationKind = "READY_FOR_COMPLETION"
)

// Notification is an operator-facing message. IdempotencyKey is unique;
// raising the same key twice is a no-op.
type Notification struct {
	ID             string
	Kind           NotificationKind
	PersonID       PersonID
	SessionID      SessionID
	Message        string
	IdempotencyKey string
	CreatedAt      time.Time
}

// SessionNotificationKey dedups a kind per session.
func SessionNotificationKey(id SessionID, kind NotificationKind) string {
	return "session:" + string(id) + ":" + string(kind)
}

// PersonNotificationKey dedups a kind per person.
func PersonNotificationKey(id PersonID, kind NotificationKind) string {
	return "person:" + string(id) + ":" + string(kind)
}

// =============================================================================
// BATCH RUNS
// =============================================================================

type RunKind string

const (
	RunSweep          RunKind = "sweep"
	RunCompletionScan RunKind = "completion_scan"
	RunRecalculation  RunKind = "recalculation"
)

type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
)

// ItemError is one record that failed inside a batch.
type ItemError struct {
	PersonID  PersonID  `json:"person_id,omitempty"`
	SessionID SessionID `json:"session_id,omitempty"`
	Error     string    `json:"error"`
}

// Run records a batch execution for operators.
type Run struct {
	ID          string
	Kind        RunKind
	Status      RunStatus
	Processed   int
	Changed     int
	Skipped     int
	Errors      []ItemError
	StartedAt   time.Time
	CompletedAt *time.Time
}
