/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the attendance domain model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Complex response wrappers

TYPES:
  Persons:       PersonDTO, CreatePersonRequest, ScheduleDTO, StatusRequest
  Sessions:      SessionDTO, HoursDTO, TimeOutRequest, CorrectSessionRequest
  Overrides:     OverrideDTO, SubmitOverrideRequest, ReviewOverrideRequest
  Admin:         RecalcRequest, RecalcResponse, SweepResponse, RunDTO
  Notifications: NotificationDTO
  Scenarios:     ScenarioDTO, LoadScenarioRequest

DATES:
  Calendar and work dates are autorest date.Date ("2006-01-02"). Instants
  are RFC3339 strings in the configured timezone. Hours are JSON numbers.

VALIDATION:
  Validation is done by the engine, not in DTOs. DTOs are pure data carriers.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"time"

	"github.com/Azure/go-autorest/autorest/date"

	"github.com/warp/attendance-engine/attendance"
)

// =============================================================================
// PERSONS
// =============================================================================

type ScheduleDTO struct {
	Start        string `json:"start,omitempty"`
	End          string `json:"end,omitempty"`
	GraceMinutes int    `json:"grace_minutes"`
	Active       bool   `json:"active"`
}

// PersonDTO represents a person in API responses. The OTP secret is never rendered.
type PersonDTO struct {
	ID               string       `json:"id"`
	Name             string       `json:"name"`
	BadgeCode        string       `json:"badge_code,omitempty"`
	Status           string       `json:"status"`
	RequiredHours    float64      `json:"required_hours"`
	AccumulatedHours float64      `json:"accumulated_hours"`
	RemainingHours   float64      `json:"remaining_hours"`
	ReadyForComplete bool         `json:"ready_for_completion"`
	Schedule         *ScheduleDTO `json:"schedule,omitempty"`
	CreatedAt        string       `json:"created_at,omitempty"`
}

type CreatePersonRequest struct {
	ID            string       `json:"id"`
	Name          string       `json:"name"`
	BadgeCode     string       `json:"badge_code"`
	OTPSecret     string       `json:"otp_secret"`
	RequiredHours float64      `json:"required_hours"`
	Schedule      *ScheduleDTO `json:"schedule,omitempty"`
}

type StatusRequest struct {
	Status string `json:"status"`
}

type AssignBadgeRequest struct {
	BadgeCode string `json:"badge_code"`
}

type RequiredHoursRequest struct {
	RequiredHours float64 `json:"required_hours"`
}

// =============================================================================
// SESSIONS
// =============================================================================

type HoursDTO struct {
	Total         float64 `json:"total"`
	Regular       float64 `json:"regular"`
	Overtime      float64 `json:"overtime"`
	Undertime     float64 `json:"undertime"`
	BreakDeducted bool    `json:"break_deducted"`
}

type SessionDTO struct {
	ID         string    `json:"id"`
	PersonID   string    `json:"person_id"`
	Date       date.Date `json:"date"`
	WorkDate   date.Date `json:"work_date"`
	TimeIn     string    `json:"time_in"`
	TimeOut    *string   `json:"time_out,omitempty"`
	Hours      HoursDTO  `json:"hours"`
	TaskLog    string    `json:"task_log"`
	Status     string    `json:"status"`
	Provenance string    `json:"provenance"`
	Version    int       `json:"version"`
}

type TimeOutRequest struct {
	TaskLog string `json:"task_log"`
}

type BadgeTimeInRequest struct {
	BadgeCode string `json:"badge_code"`
	Code      string `json:"code"`
}

// AttendanceResponse is returned by time-in and time-out.
type AttendanceResponse struct {
	Session SessionDTO `json:"session"`
	Person  PersonDTO  `json:"person"`
	Path    string     `json:"path,omitempty"`
}

type TaskEntryRequest struct {
	Entry string `json:"entry"`
}

type CorrectSessionRequest struct {
	Hours  float64 `json:"hours"`
	Reason string  `json:"reason"`
	Actor  string  `json:"actor"`
}

type CorrectionResponse struct {
	Session SessionDTO `json:"session"`
	Person  PersonDTO  `json:"person"`
	Before  HoursDTO   `json:"before"`
	Delta   float64    `json:"delta"`
}

// =============================================================================
// OVERRIDES
// =============================================================================

type OverrideDTO struct {
	ID            string  `json:"id"`
	SessionID     string  `json:"session_id"`
	PersonID      string  `json:"person_id"`
	ScheduledTime string  `json:"scheduled_time"`
	ActualTime    string  `json:"actual_time"`
	EarlyMinutes  int     `json:"early_minutes"`
	Reason        string  `json:"reason"`
	Status        string  `json:"status"`
	ReviewedBy    string  `json:"reviewed_by,omitempty"`
	ReviewNote    string  `json:"review_note,omitempty"`
	ReviewedAt    *string `json:"reviewed_at,omitempty"`
	CreatedAt     string  `json:"created_at"`
}

type SubmitOverrideRequest struct {
	Reason string `json:"reason"`
}

type ReviewOverrideRequest struct {
	Action   string `json:"action"` // APPROVE | REJECT
	Reviewer string `json:"reviewer"`
	Note     string `json:"note"`
}

type ReviewResponse struct {
	Override   OverrideDTO `json:"override"`
	Session    SessionDTO  `json:"session"`
	HoursDelta float64     `json:"hours_delta"`
}

// =============================================================================
// ADMIN
// =============================================================================

// RecalcRequest scopes a recalculation. Empty IDs mean everyone.
type RecalcRequest struct {
	PersonID  string `json:"person_id,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	DryRun    bool   `json:"dry_run"`
}

type SessionChangeDTO struct {
	SessionID  string    `json:"session_id"`
	PersonID   string    `json:"person_id"`
	WorkDate   date.Date `json:"work_date"`
	Provenance string    `json:"provenance"`
	Path       string    `json:"path,omitempty"`
	Action     string    `json:"action"`
	Before     HoursDTO  `json:"before"`
	After      HoursDTO  `json:"after"`
}

type PersonTotalDTO struct {
	PersonID string  `json:"person_id"`
	Before   float64 `json:"before"`
	After    float64 `json:"after"`
}

type RecalcResponse struct {
	RunID      string                 `json:"run_id,omitempty"`
	DryRun     bool                   `json:"dry_run"`
	Examined   int                    `json:"examined"`
	Recomputed int                    `json:"recomputed"`
	Unchanged  int                    `json:"unchanged"`
	Skipped    int                    `json:"skipped"`
	Changes    []SessionChangeDTO     `json:"changes"`
	Persons    []PersonTotalDTO       `json:"persons"`
	Errors     []attendance.ItemError `json:"errors"`
}

type SweepResponse struct {
	RunID                 string                 `json:"run_id"`
	Examined              int                    `json:"examined"`
	AutoClosed            []string               `json:"auto_closed"`
	LongSessionNotices    int                    `json:"long_session_notices"`
	MissingTimeOutNotices int                    `json:"missing_time_out_notices"`
	Errors                []attendance.ItemError `json:"errors"`
}

type CompletionResponse struct {
	RunID    string                 `json:"run_id"`
	Ready    []string               `json:"ready"`
	Notified int                    `json:"notified"`
	Errors   []attendance.ItemError `json:"errors"`
}

type RunDTO struct {
	ID          string                 `json:"id"`
	Kind        string                 `json:"kind"`
	Status      string                 `json:"status"`
	Processed   int                    `json:"processed"`
	Changed     int                    `json:"changed"`
	Skipped     int                    `json:"skipped"`
	Errors      []attendance.ItemError `json:"errors,omitempty"`
	StartedAt   string                 `json:"started_at"`
	CompletedAt *string                `json:"completed_at,omitempty"`
}

// =============================================================================
// NOTIFICATIONS
// =============================================================================

type NotificationDTO struct {
	ID             string `json:"id"`
	Kind           string `json:"kind"`
	PersonID       string `json:"person_id,omitempty"`
	SessionID      string `json:"session_id,omitempty"`
	Message        string `json:"message"`
	IdempotencyKey string `json:"idempotency_key"`
	CreatedAt      string `json:"created_at"`
}

// =============================================================================
// SCENARIOS
// =============================================================================

type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Category    string `json:"category"`
}

type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id"`
}

// =============================================================================
// ERRORS
// =============================================================================

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error   string         `json:"error"`
	Kind    string         `json:"kind,omitempty"`
	Rule    string         `json:"rule,omitempty"`
	Details map[string]any `json:"details,omitempty"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func formatInstant(t time.Time) string { return t.Format(time.RFC3339) }

func formatInstantPtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := formatInstant(*t)
	return &s
}

func toScheduleDTO(s *attendance.Schedule) *ScheduleDTO {
	if s == nil {
		return nil
	}
	dto := &ScheduleDTO{GraceMinutes: s.GraceMinutes, Active: s.Active}
	if s.Start != nil {
		dto.Start = s.Start.String()
	}
	if s.End != nil {
		dto.End = s.End.String()
	}
	return dto
}

func toPersonDTO(p attendance.Person) PersonDTO {
	return PersonDTO{
		ID:               string(p.ID),
		Name:             p.Name,
		BadgeCode:        p.BadgeCode,
		Status:           string(p.Status),
		RequiredHours:    p.RequiredHours.InexactFloat64(),
		AccumulatedHours: p.AccumulatedHours.InexactFloat64(),
		RemainingHours:   p.RemainingHours().InexactFloat64(),
		ReadyForComplete: p.ReadyForCompletion(),
		Schedule:         toScheduleDTO(p.Schedule),
		CreatedAt:        formatInstant(p.CreatedAt),
	}
}

func toHoursDTO(h attendance.Hours) HoursDTO {
	return HoursDTO{
		Total:         h.Total.InexactFloat64(),
		Regular:       h.Regular.InexactFloat64(),
		Overtime:      h.Overtime.InexactFloat64(),
		Undertime:     h.Undertime.InexactFloat64(),
		BreakDeducted: h.BreakDeducted,
	}
}

func toSessionDTO(s attendance.Session) SessionDTO {
	return SessionDTO{
		ID:         string(s.ID),
		PersonID:   string(s.PersonID),
		Date:       date.Date{Time: s.Date},
		WorkDate:   date.Date{Time: s.WorkDate},
		TimeIn:     formatInstant(s.TimeIn),
		TimeOut:    formatInstantPtr(s.TimeOut),
		Hours:      toHoursDTO(s.Hours),
		TaskLog:    s.TaskLog,
		Status:     string(s.Status),
		Provenance: string(attendance.ClassifyProvenance(s)),
		Version:    s.Version,
	}
}

func toOverrideDTO(o attendance.OverrideRequest) OverrideDTO {
	return OverrideDTO{
		ID:            string(o.ID),
		SessionID:     string(o.SessionID),
		PersonID:      string(o.PersonID),
		ScheduledTime: formatInstant(o.ScheduledTime),
		ActualTime:    formatInstant(o.ActualTime),
		EarlyMinutes:  o.EarlyMinutes,
		Reason:        o.Reason,
		Status:        string(o.Status),
		ReviewedBy:    o.ReviewedBy,
		ReviewNote:    o.ReviewNote,
		ReviewedAt:    formatInstantPtr(o.ReviewedAt),
		CreatedAt:     formatInstant(o.CreatedAt),
	}
}

func toRecalcResponse(rep *attendance.RecalcReport) RecalcResponse {
	resp := RecalcResponse{
		RunID:      rep.RunID,
		DryRun:     rep.DryRun,
		Examined:   rep.Examined,
		Recomputed: rep.Recomputed,
		Unchanged:  rep.Unchanged,
		Skipped:    rep.Skipped,
		Changes:    make([]SessionChangeDTO, 0, len(rep.Changes)),
		Persons:    make([]PersonTotalDTO, 0, len(rep.Persons)),
		Errors:     nonNilErrors(rep.Errors),
	}
	for _, c := range rep.Changes {
		resp.Changes = append(resp.Changes, SessionChangeDTO{
			SessionID:  string(c.SessionID),
			PersonID:   string(c.PersonID),
			WorkDate:   date.Date{Time: c.WorkDate},
			Provenance: string(c.Provenance),
			Path:       string(c.Path),
			Action:     string(c.Action),
			Before:     toHoursDTO(c.Before),
			After:      toHoursDTO(c.After),
		})
	}
	for _, p := range rep.Persons {
		resp.Persons = append(resp.Persons, PersonTotalDTO{
			PersonID: string(p.PersonID),
			Before:   p.Before.InexactFloat64(),
			After:    p.After.InexactFloat64(),
		})
	}
	return resp
}

func toRunDTO(r attendance.Run) RunDTO {
	return RunDTO{
		ID:          r.ID,
		Kind:        string(r.Kind),
		Status:      string(r.Status),
		Processed:   r.Processed,
		Changed:     r.Changed,
		Skipped:     r.Skipped,
		Errors:      r.Errors,
		StartedAt:   formatInstant(r.StartedAt),
		CompletedAt: formatInstantPtr(r.CompletedAt),
	}
}

func toNotificationDTO(n attendance.Notification) NotificationDTO {
	return NotificationDTO{
		ID:             n.ID,
		Kind:           string(n.Kind),
		PersonID:       string(n.PersonID),
		SessionID:      string(n.SessionID),
		Message:        n.Message,
		IdempotencyKey: n.IdempotencyKey,
		CreatedAt:      formatInstant(n.CreatedAt),
	}
}

func nonNilErrors(errs []attendance.ItemError) []attendance.ItemError {
	if errs == nil {
		return []attendance.ItemError{}
	}
	return errs
}
