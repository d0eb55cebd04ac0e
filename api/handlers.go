/*
handlers.go - HTTP API handlers for the attendance engine

PURPOSE:
  Exposes the attendance engine via REST API. Handles HTTP request/response,
  JSON serialization, and delegates to attendance.Engine.

ENDPOINTS:
  Persons:
    GET    /api/persons                     List persons (?status=)
    POST   /api/persons                     Register person
    GET    /api/persons/{id}                Person details and progress
    PUT    /api/persons/{id}/schedule       Replace or clear the schedule
    POST   /api/persons/{id}/status         Change status
    PUT    /api/persons/{id}/required-hours Set the hours target
    PUT    /api/persons/{id}/badge          Assign a badge code
    GET    /api/persons/{id}/sessions       Sessions (?from=&to= dates)

  Attendance:
    POST   /api/persons/{id}/time-in        Open a session
    POST   /api/persons/{id}/time-out       Close the open session
    POST   /api/badge/time-in               Badge + one-time code time-in

  Sessions:
    GET    /api/sessions                    By work date (?work_date=)
    GET    /api/sessions/open               All open sessions
    GET    /api/sessions/{id}               Session details
    POST   /api/sessions/{id}/tasks         Append a task entry
    POST   /api/sessions/{id}/correct       Admin correction
    POST   /api/sessions/{id}/overrides     Submit an early-arrival override

  Overrides:
    GET    /api/overrides                   List (?status=)
    POST   /api/overrides/{id}/review       Approve or reject

  Admin:
    POST   /api/admin/recalculate           Recalculate or preview
    POST   /api/admin/sweep                 Run the auto-timeout sweep
    POST   /api/admin/completion-scan       Run the completion scan
    GET    /api/admin/runs                  Batch run history
    GET    /api/admin/near-completion       Persons close to their target

  Notifications:
    GET    /api/notifications               List (?person_id=&kind=&limit=)

ERROR HANDLING:
  Engine errors are rendered by kind:
  - 400: ValidationFailed, malformed input
  - 404: NotFound
  - 409: InvalidState, lost concurrent write, lock timeout
  - 422: BusinessRuleViolation
  - 500: anything else

SECURITY NOTE:
  No authentication or authorization. Put the service behind a gateway that
  handles both.

SEE ALSO:
  - dto.go: Request/response data structures
  - scenarios.go: Demo scenario loaders
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/Azure/go-autorest/autorest/date"
	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/warp/attendance-engine/attendance"
	"github.com/warp/attendance-engine/factory"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Resetter is a store that can drop all data. Scenario loads need it.
type Resetter interface {
	Reset(ctx context.Context) error
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Engine    *attendance.Engine
	Scenarios *factory.ScenarioFactory
	Reset     Resetter
	Logger    *zap.Logger

	// Track currently loaded scenario
	mu              sync.Mutex
	currentScenario string
}

// NewHandler creates a handler over engine. reset may be nil, which disables
// scenario loading.
func NewHandler(engine *attendance.Engine, reset Resetter, logger *zap.Logger) *Handler {
	return &Handler{
		Engine:    engine,
		Scenarios: factory.NewScenarioFactory(engine.Rules),
		Reset:     reset,
		Logger:    logger,
	}
}

// =============================================================================
// PERSON HANDLERS
// =============================================================================

// ListPersons returns all persons, optionally filtered by status.
func (h *Handler) ListPersons(w http.ResponseWriter, r *http.Request) {
	filter := attendance.PersonFilter{
		Status: attendance.PersonStatus(strings.ToUpper(r.URL.Query().Get("status"))),
	}
	persons, err := h.Engine.ListPersons(r.Context(), filter)
	if err != nil {
		h.writeEngineError(w, "Failed to list persons", err)
		return
	}

	dtos := make([]PersonDTO, len(persons))
	for i, p := range persons {
		dtos[i] = toPersonDTO(p)
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) GetPerson(w http.ResponseWriter, r *http.Request) {
	p, err := h.Engine.GetPerson(r.Context(), personID(r))
	if err != nil {
		h.writeEngineError(w, "Failed to get person", err)
		return
	}
	writeJSON(w, http.StatusOK, toPersonDTO(*p))
}

func (h *Handler) CreatePerson(w http.ResponseWriter, r *http.Request) {
	var req CreatePersonRequest
	if !decode(w, r, &req) {
		return
	}
	sched, err := parseSchedule(req.Schedule, h.Engine.Rules.DefaultGraceMinutes)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid schedule", err)
		return
	}

	p, err := h.Engine.RegisterPerson(r.Context(), attendance.NewPerson{
		ID:            attendance.PersonID(req.ID),
		Name:          req.Name,
		BadgeCode:     req.BadgeCode,
		OTPSecret:     req.OTPSecret,
		RequiredHours: decimal.NewFromFloat(req.RequiredHours),
		Schedule:      sched,
	})
	if err != nil {
		h.writeEngineError(w, "Failed to register person", err)
		return
	}
	writeJSON(w, http.StatusCreated, toPersonDTO(*p))
}

// UpdateSchedule replaces the schedule. A null body clears it.
func (h *Handler) UpdateSchedule(w http.ResponseWriter, r *http.Request) {
	var req *ScheduleDTO
	if !decode(w, r, &req) {
		return
	}
	sched, err := parseSchedule(req, h.Engine.Rules.DefaultGraceMinutes)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid schedule", err)
		return
	}
	p, err := h.Engine.UpdateSchedule(r.Context(), personID(r), sched)
	if err != nil {
		h.writeEngineError(w, "Failed to update schedule", err)
		return
	}
	writeJSON(w, http.StatusOK, toPersonDTO(*p))
}

func (h *Handler) ChangeStatus(w http.ResponseWriter, r *http.Request) {
	var req StatusRequest
	if !decode(w, r, &req) {
		return
	}
	status := attendance.PersonStatus(strings.ToUpper(req.Status))
	p, err := h.Engine.ChangeStatus(r.Context(), personID(r), status)
	if err != nil {
		h.writeEngineError(w, "Failed to change status", err)
		return
	}
	writeJSON(w, http.StatusOK, toPersonDTO(*p))
}

func (h *Handler) SetRequiredHours(w http.ResponseWriter, r *http.Request) {
	var req RequiredHoursRequest
	if !decode(w, r, &req) {
		return
	}
	p, err := h.Engine.SetRequiredHours(r.Context(), personID(r), decimal.NewFromFloat(req.RequiredHours))
	if err != nil {
		h.writeEngineError(w, "Failed to set required hours", err)
		return
	}
	writeJSON(w, http.StatusOK, toPersonDTO(*p))
}

func (h *Handler) AssignBadge(w http.ResponseWriter, r *http.Request) {
	var req AssignBadgeRequest
	if !decode(w, r, &req) {
		return
	}
	p, err := h.Engine.AssignBadge(r.Context(), personID(r), req.BadgeCode)
	if err != nil {
		h.writeEngineError(w, "Failed to assign badge", err)
		return
	}
	writeJSON(w, http.StatusOK, toPersonDTO(*p))
}

// ListPersonSessions returns a person's sessions, newest first.
func (h *Handler) ListPersonSessions(w http.ResponseWriter, r *http.Request) {
	from, err := queryDate(r, "from")
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid from date (use YYYY-MM-DD)", err)
		return
	}
	to, err := queryDate(r, "to")
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid to date (use YYYY-MM-DD)", err)
		return
	}
	sessions, err := h.Engine.ListSessions(r.Context(), personID(r), from, to)
	if err != nil {
		h.writeEngineError(w, "Failed to list sessions", err)
		return
	}
	writeJSON(w, http.StatusOK, toSessionDTOs(sessions))
}

// =============================================================================
// ATTENDANCE HANDLERS
// =============================================================================

func (h *Handler) TimeIn(w http.ResponseWriter, r *http.Request) {
	res, err := h.Engine.RequestTimeIn(r.Context(), personID(r))
	if err != nil {
		h.writeEngineError(w, "Time-in rejected", err)
		return
	}
	writeJSON(w, http.StatusCreated, AttendanceResponse{
		Session: toSessionDTO(res.Session),
		Person:  toPersonDTO(res.Person),
	})
}

func (h *Handler) BadgeTimeIn(w http.ResponseWriter, r *http.Request) {
	var req BadgeTimeInRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := h.Engine.RequestTimeInByBadge(r.Context(), req.BadgeCode, req.Code)
	if err != nil {
		h.writeEngineError(w, "Time-in rejected", err)
		return
	}
	writeJSON(w, http.StatusCreated, AttendanceResponse{
		Session: toSessionDTO(res.Session),
		Person:  toPersonDTO(res.Person),
	})
}

func (h *Handler) TimeOut(w http.ResponseWriter, r *http.Request) {
	var req TimeOutRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := h.Engine.RequestTimeOut(r.Context(), personID(r), req.TaskLog)
	if err != nil {
		h.writeEngineError(w, "Time-out rejected", err)
		return
	}
	writeJSON(w, http.StatusOK, AttendanceResponse{
		Session: toSessionDTO(res.Session),
		Person:  toPersonDTO(res.Person),
		Path:    string(res.Path),
	})
}

// =============================================================================
// SESSION HANDLERS
// =============================================================================

// ListSessionsByWorkDate defaults to today's work date.
func (h *Handler) ListSessionsByWorkDate(w http.ResponseWriter, r *http.Request) {
	day, err := queryDate(r, "work_date")
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid work_date (use YYYY-MM-DD)", err)
		return
	}
	if day.IsZero() {
		day = attendance.WorkDateFor(h.Engine.Clock.Now(), h.Engine.Rules.NightShiftCutoffHour)
	}
	sessions, err := h.Engine.ListSessionsByWorkDate(r.Context(), day)
	if err != nil {
		h.writeEngineError(w, "Failed to list sessions", err)
		return
	}
	writeJSON(w, http.StatusOK, toSessionDTOs(sessions))
}

func (h *Handler) ListOpenSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := h.Engine.ListOpenSessions(r.Context())
	if err != nil {
		h.writeEngineError(w, "Failed to list open sessions", err)
		return
	}
	writeJSON(w, http.StatusOK, toSessionDTOs(sessions))
}

func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	s, err := h.Engine.GetSession(r.Context(), sessionID(r))
	if err != nil {
		h.writeEngineError(w, "Failed to get session", err)
		return
	}
	writeJSON(w, http.StatusOK, toSessionDTO(*s))
}

func (h *Handler) AppendTask(w http.ResponseWriter, r *http.Request) {
	var req TaskEntryRequest
	if !decode(w, r, &req) {
		return
	}
	if err := h.Engine.AppendTaskEntry(r.Context(), sessionID(r), req.Entry); err != nil {
		h.writeEngineError(w, "Failed to append task entry", err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "ok"})
}

func (h *Handler) CorrectSession(w http.ResponseWriter, r *http.Request) {
	var req CorrectSessionRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := h.Engine.CorrectSession(r.Context(), sessionID(r), decimal.NewFromFloat(req.Hours), req.Reason, req.Actor)
	if err != nil {
		h.writeEngineError(w, "Failed to correct session", err)
		return
	}
	writeJSON(w, http.StatusOK, CorrectionResponse{
		Session: toSessionDTO(res.Session),
		Person:  toPersonDTO(res.Person),
		Before:  toHoursDTO(res.Before),
		Delta:   res.Delta.InexactFloat64(),
	})
}

// =============================================================================
// OVERRIDE HANDLERS
// =============================================================================

// SubmitOverride files an override for the session's owner. Times and early
// minutes are derived from the session and schedule.
func (h *Handler) SubmitOverride(w http.ResponseWriter, r *http.Request) {
	var req SubmitOverrideRequest
	if !decode(w, r, &req) {
		return
	}
	s, err := h.Engine.GetSession(r.Context(), sessionID(r))
	if err != nil {
		h.writeEngineError(w, "Failed to submit override", err)
		return
	}
	o, err := h.Engine.SubmitOverride(r.Context(), attendance.OverrideSubmission{
		PersonID:  s.PersonID,
		SessionID: s.ID,
		Reason:    req.Reason,
	})
	if err != nil {
		h.writeEngineError(w, "Failed to submit override", err)
		return
	}
	writeJSON(w, http.StatusCreated, toOverrideDTO(*o))
}

func (h *Handler) ListOverrides(w http.ResponseWriter, r *http.Request) {
	status := attendance.OverrideStatus(strings.ToUpper(r.URL.Query().Get("status")))
	overrides, err := h.Engine.ListOverrides(r.Context(), status)
	if err != nil {
		h.writeEngineError(w, "Failed to list overrides", err)
		return
	}
	dtos := make([]OverrideDTO, len(overrides))
	for i, o := range overrides {
		dtos[i] = toOverrideDTO(o)
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) ReviewOverride(w http.ResponseWriter, r *http.Request) {
	var req ReviewOverrideRequest
	if !decode(w, r, &req) {
		return
	}
	id := attendance.OverrideID(chi.URLParam(r, "id"))
	action := attendance.ReviewAction(strings.ToUpper(req.Action))
	res, err := h.Engine.ReviewOverride(r.Context(), id, action, req.Reviewer, req.Note)
	if err != nil {
		h.writeEngineError(w, "Failed to review override", err)
		return
	}
	writeJSON(w, http.StatusOK, ReviewResponse{
		Override:   toOverrideDTO(res.Override),
		Session:    toSessionDTO(res.Session),
		HoursDelta: res.HoursDelta.InexactFloat64(),
	})
}

// =============================================================================
// ADMIN HANDLERS
// =============================================================================

// Recalculate runs or previews a recalculation. An empty body means all
// persons, applied.
func (h *Handler) Recalculate(w http.ResponseWriter, r *http.Request) {
	var req RecalcRequest
	if r.ContentLength != 0 && !decode(w, r, &req) {
		return
	}
	scope := attendance.RecalcScope{
		PersonID:  attendance.PersonID(req.PersonID),
		SessionID: attendance.SessionID(req.SessionID),
	}

	var (
		rep *attendance.RecalcReport
		err error
	)
	switch {
	case req.DryRun:
		rep, err = h.Engine.PreviewRecalculation(r.Context(), scope)
	case scope.SessionID != "":
		rep, err = h.Engine.RecalculateSession(r.Context(), scope.SessionID)
	case scope.PersonID != "":
		rep, err = h.Engine.RecalculatePerson(r.Context(), scope.PersonID)
	default:
		rep, err = h.Engine.RecalculateAll(r.Context())
	}
	if err != nil {
		h.writeEngineError(w, "Recalculation failed", err)
		return
	}
	writeJSON(w, http.StatusOK, toRecalcResponse(rep))
}

func (h *Handler) Sweep(w http.ResponseWriter, r *http.Request) {
	rep, err := h.Engine.SweepOpenSessions(r.Context())
	if err != nil {
		h.writeEngineError(w, "Sweep failed", err)
		return
	}
	closed := make([]string, len(rep.AutoClosed))
	for i, id := range rep.AutoClosed {
		closed[i] = string(id)
	}
	writeJSON(w, http.StatusOK, SweepResponse{
		RunID:                 rep.RunID,
		Examined:              rep.Examined,
		AutoClosed:            closed,
		LongSessionNotices:    rep.LongSessionNotices,
		MissingTimeOutNotices: rep.MissingTimeOutNotices,
		Errors:                nonNilErrors(rep.Errors),
	})
}

func (h *Handler) CompletionScan(w http.ResponseWriter, r *http.Request) {
	rep, err := h.Engine.ScanReadyForCompletion(r.Context())
	if err != nil {
		h.writeEngineError(w, "Completion scan failed", err)
		return
	}
	ready := make([]string, len(rep.Ready))
	for i, id := range rep.Ready {
		ready[i] = string(id)
	}
	writeJSON(w, http.StatusOK, CompletionResponse{
		RunID:    rep.RunID,
		Ready:    ready,
		Notified: rep.Notified,
		Errors:   nonNilErrors(rep.Errors),
	})
}

func (h *Handler) ListRuns(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 50)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid limit", err)
		return
	}
	runs, err := h.Engine.ListRuns(r.Context(), attendance.RunKind(r.URL.Query().Get("kind")), limit)
	if err != nil {
		h.writeEngineError(w, "Failed to list runs", err)
		return
	}
	dtos := make([]RunDTO, len(runs))
	for i, run := range runs {
		dtos[i] = toRunDTO(run)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// NearCompletion lists persons within ?within= hours (default 8) of their target.
func (h *Handler) NearCompletion(w http.ResponseWriter, r *http.Request) {
	within := decimal.NewFromInt(int64(h.Engine.Rules.StandardDayHours))
	if v := r.URL.Query().Get("within"); v != "" {
		d, err := decimal.NewFromString(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid within", err)
			return
		}
		within = d
	}
	persons, err := h.Engine.ListNearCompletion(r.Context(), within)
	if err != nil {
		h.writeEngineError(w, "Failed to list persons near completion", err)
		return
	}
	dtos := make([]PersonDTO, len(persons))
	for i, p := range persons {
		dtos[i] = toPersonDTO(p)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// NOTIFICATION HANDLERS
// =============================================================================

func (h *Handler) ListNotifications(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 100)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid limit", err)
		return
	}
	q := r.URL.Query()
	items, err := h.Engine.ListNotifications(r.Context(), attendance.NotificationFilter{
		PersonID: attendance.PersonID(q.Get("person_id")),
		Kind:     attendance.NotificationKind(strings.ToUpper(q.Get("kind"))),
		Limit:    limit,
	})
	if err != nil {
		h.writeEngineError(w, "Failed to list notifications", err)
		return
	}
	dtos := make([]NotificationDTO, len(items))
	for i, n := range items {
		dtos[i] = toNotificationDTO(n)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// HELPERS
// =============================================================================

func personID(r *http.Request) attendance.PersonID {
	return attendance.PersonID(chi.URLParam(r, "id"))
}

func sessionID(r *http.Request) attendance.SessionID {
	return attendance.SessionID(chi.URLParam(r, "id"))
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return false
	}
	return true
}

// queryDate parses an optional YYYY-MM-DD parameter. Absent gives the zero time.
func queryDate(r *http.Request, name string) (time.Time, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return time.Time{}, nil
	}
	d, err := date.ParseDate(v)
	if err != nil {
		return time.Time{}, err
	}
	return d.ToTime(), nil
}

func queryInt(r *http.Request, name string, def int) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def, nil
	}
	return strconv.Atoi(v)
}

func parseSchedule(dto *ScheduleDTO, defaultGrace int) (*attendance.Schedule, error) {
	if dto == nil {
		return nil, nil
	}
	s := &attendance.Schedule{GraceMinutes: dto.GraceMinutes, Active: dto.Active}
	if dto.Start != "" {
		start, err := attendance.ParseTimeOfDay(dto.Start)
		if err != nil {
			return nil, err
		}
		s.Start = &start
	}
	if dto.End != "" {
		end, err := attendance.ParseTimeOfDay(dto.End)
		if err != nil {
			return nil, err
		}
		s.End = &end
	}
	if s.GraceMinutes == 0 && dto.Start != "" {
		s.GraceMinutes = defaultGrace
	}
	return s, nil
}

func toSessionDTOs(sessions []attendance.Session) []SessionDTO {
	dtos := make([]SessionDTO, len(sessions))
	for i, s := range sessions {
		dtos[i] = toSessionDTO(s)
	}
	return dtos
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Error = message + ": " + err.Error()
	}
	writeJSON(w, status, resp)
}

// statusFor maps an engine error to its HTTP status.
func statusFor(err error) int {
	if attendance.IsRetryable(err) {
		return http.StatusConflict
	}
	switch attendance.KindOf(err) {
	case attendance.KindNotFound:
		return http.StatusNotFound
	case attendance.KindInvalidState:
		return http.StatusConflict
	case attendance.KindValidationFailed:
		return http.StatusBadRequest
	case attendance.KindBusinessRuleViolation:
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}

// writeEngineError renders err with its kind and rule. Internal errors are
// logged and their text is not exposed.
func (h *Handler) writeEngineError(w http.ResponseWriter, message string, err error) {
	status := statusFor(err)
	resp := ErrorResponse{Error: message, Kind: string(attendance.KindOf(err))}

	var aerr *attendance.Error
	if errors.As(err, &aerr) {
		resp.Error = aerr.Message
		resp.Rule = aerr.Rule
		resp.Details = aerr.Details
	} else if status != http.StatusInternalServerError {
		resp.Error = message + ": " + err.Error()
	}
	if status == http.StatusInternalServerError {
		h.Logger.Error(message, zap.Error(err))
	}
	writeJSON(w, status, resp)
}
