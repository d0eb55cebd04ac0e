/*
override.go - Early-arrival override approval workflow

PURPOSE:
  A person with an active schedule gets no credit for arriving early. An
  override request asks an approver to credit the full span instead.

WORKFLOW:
  submit  -> PENDING (one request per session) -> OVERRIDE_REQUESTED raised
  review  -> APPROVED | REJECTED, only from PENDING, never re-reviewed
  return sessions (see calculator.go) have no early minutes and are refused

APPROVAL EFFECT:
  The session's Provenance becomes OVERRIDE_APPROVED and the approval marker
  is appended to its task log in the same write. When the session is already
  closed, its hours are recomputed on the unscheduled path and the person's
  total moves by the difference. Admin-corrected sessions keep their hours.

SEE ALSO:
  - calculator.go: PathFor / Unscheduled
  - recalc.go: honours the same provenance
*/
package attendance

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// OverrideSubmission is the input of SubmitOverride. Zero times and minutes
// are derived from the session and the person's schedule.
type OverrideSubmission struct {
	PersonID      PersonID
	SessionID     SessionID
	ScheduledTime time.Time
	ActualTime    time.Time
	EarlyMinutes  int
	Reason        string
}

// ReviewResult is returned by ReviewOverride.
type ReviewResult struct {
	Override   OverrideRequest
	Session    Session
	HoursDelta decimal.Decimal
}

// SubmitOverride files a PENDING override for a session.
func (e *Engine) SubmitOverride(ctx context.Context, sub OverrideSubmission) (*OverrideRequest, error) {
	const op = "submit_override"
	sub.Reason = strings.TrimSpace(sub.Reason)
	if sub.Reason == "" {
		return nil, ValidationError(op, "reason_required", "an override reason is required")
	}
	if sub.EarlyMinutes < 0 {
		return nil, ValidationError(op, "early_minutes", "early minutes must not be negative")
	}

	var created *OverrideRequest
	err := e.inPersonTx(ctx, sub.PersonID, func(tx Store, ob *outbox) error {
		person, err := e.loadPerson(ctx, tx, op, sub.PersonID)
		if err != nil {
			return err
		}
		session, err := e.loadSession(ctx, tx, op, sub.SessionID)
		if err != nil {
			return err
		}
		if session.PersonID != person.ID {
			return ValidationError(op, "session_owner",
				"session %s does not belong to person %s", session.ID, person.ID)
		}
		if person.HasActiveSchedule() && e.Calc.IsReturn(session.TimeIn, person.Schedule) {
			return RuleViolation(op, "not_early_arrival",
				"session %s is a return session after the schedule end and has no early minutes", session.ID).
				With("session_id", session.ID)
		}
		existing, err := tx.GetOverrideBySession(ctx, session.ID)
		if err != nil {
			return errors.Wrap(err, "find override")
		}
		if existing != nil {
			return duplicateOverride(op, session.ID, nil).With("override_id", existing.ID)
		}

		o := e.buildOverride(sub, person, session)
		if err := tx.CreateOverride(ctx, o); err != nil {
			if errors.Is(err, ErrDuplicateOverride) {
				return duplicateOverride(op, session.ID, err)
			}
			return errors.Wrap(err, "create override")
		}

		_, err = e.raise(ctx, tx, ob, Notification{
			Kind:           NotifyOverrideRequested,
			PersonID:       person.ID,
			SessionID:      session.ID,
			Message:        fmt.Sprintf("%s requests credit for %d early minutes: %s", person.Name, o.EarlyMinutes, o.Reason),
			IdempotencyKey: SessionNotificationKey(session.ID, NotifyOverrideRequested),
		})
		if err != nil {
			return err
		}
		created = &o
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.Logger.Info("override submitted",
		zap.String("override_id", string(created.ID)),
		zap.String("session_id", string(created.SessionID)),
		zap.Int("early_minutes", created.EarlyMinutes))
	return created, nil
}

func duplicateOverride(op string, id SessionID, cause error) *Error {
	return &Error{Kind: KindBusinessRuleViolation, Op: op, Rule: "one_override_per_session",
		Message: fmt.Sprintf("session %s already has an override request", id), Err: cause}
}

func (e *Engine) buildOverride(sub OverrideSubmission, person *Person, session *Session) OverrideRequest {
	actual := sub.ActualTime
	if actual.IsZero() {
		actual = session.TimeIn
	}
	scheduled := sub.ScheduledTime
	if scheduled.IsZero() {
		scheduled = actual
		if person.HasActiveSchedule() {
			scheduled = person.Schedule.Anchor(actual).Start
		}
	}
	early := sub.EarlyMinutes
	if early == 0 {
		early = nonNegative(minutesBetween(actual, scheduled))
	}
	return OverrideRequest{
		ID:            OverrideID(uuid.NewString()),
		SessionID:     session.ID,
		PersonID:      person.ID,
		ScheduledTime: scheduled,
		ActualTime:    actual,
		EarlyMinutes:  early,
		Reason:        sub.Reason,
		Status:        OverridePending,
		CreatedAt:     e.Clock.Now(),
	}
}

// ReviewOverride approves or rejects a PENDING override.
func (e *Engine) ReviewOverride(ctx context.Context, id OverrideID, action ReviewAction, reviewer, note string) (*ReviewResult, error) {
	const op = "review_override"
	if action != ActionApprove && action != ActionReject {
		return nil, ValidationError(op, "review_action", "action must be APPROVE or REJECT, got %q", action)
	}
	if reviewer == "" {
		reviewer = "admin"
	}

	o, err := e.Store.GetOverride(ctx, id)
	if err != nil {
		return nil, errors.Wrap(err, "load override")
	}
	if o == nil {
		return nil, NotFoundError(op, "override", id)
	}

	var res *ReviewResult
	err = e.inPersonTx(ctx, o.PersonID, func(tx Store, ob *outbox) error {
		cur, err := tx.GetOverride(ctx, id)
		if err != nil {
			return errors.Wrap(err, "load override")
		}
		if cur == nil {
			return NotFoundError(op, "override", id)
		}
		if cur.Status != OverridePending {
			return InvalidStateError(op, "override_not_pending",
				"can only review pending overrides, current status: %s", cur.Status)
		}

		now := e.Clock.Now()
		next := *cur
		next.ReviewedBy = reviewer
		next.ReviewNote = strings.TrimSpace(note)
		next.ReviewedAt = &now

		session, err := e.loadSession(ctx, tx, op, cur.SessionID)
		if err != nil {
			return err
		}
		res = &ReviewResult{Session: *session, HoursDelta: decimal.Zero}

		if action == ActionApprove {
			next.Status = OverrideApproved
			if err := e.applyApproval(ctx, tx, session, next, res); err != nil {
				return err
			}
		} else {
			next.Status = OverrideRejected
		}

		if err := tx.UpdateOverride(ctx, next); err != nil {
			return errors.Wrap(err, "update override")
		}
		res.Override = next

		_, err = e.raise(ctx, tx, ob, Notification{
			Kind:           NotifyOverrideReviewed,
			PersonID:       next.PersonID,
			SessionID:      next.SessionID,
			Message:        fmt.Sprintf("override %s %s by %s", next.ID, strings.ToLower(string(next.Status)), reviewer),
			IdempotencyKey: SessionNotificationKey(next.SessionID, NotifyOverrideReviewed),
		})
		return err
	})
	if err != nil {
		return nil, err
	}

	e.Logger.Info("override reviewed",
		zap.String("override_id", string(id)),
		zap.String("status", string(res.Override.Status)),
		zap.String("reviewer", reviewer),
		zap.String("hours_delta", res.HoursDelta.String()))
	return res, nil
}

func (e *Engine) applyApproval(ctx context.Context, tx Store, session *Session, o OverrideRequest, res *ReviewResult) error {
	s := *session
	adminCorrected := ClassifyProvenance(s) == ProvenanceAdminCorrected
	if !adminCorrected {
		s.Provenance = ProvenanceOverrideApproved
	}
	line := OverrideApprovedMarker + " by " + o.ReviewedBy
	if o.ReviewNote != "" {
		line += ": " + o.ReviewNote
	}
	s.TaskLog = appendLog(s.TaskLog, line)
	s.UpdatedAt = e.Clock.Now()

	delta := decimal.Zero
	if s.TimeOut != nil && !adminCorrected {
		before := s.Hours
		s.Hours = e.Calc.Unscheduled(s.TimeIn, *s.TimeOut)
		delta = s.Hours.Total.Sub(before.Total)
	}

	written, err := e.writeSession(ctx, tx, s)
	if err != nil {
		return err
	}
	if !delta.IsZero() {
		person, err := e.loadPerson(ctx, tx, "review_override", s.PersonID)
		if err != nil {
			return err
		}
		if err := e.addHours(ctx, tx, person, delta); err != nil {
			return err
		}
	}
	res.Session = written
	res.HoursDelta = delta
	return nil
}

// ListOverrides returns override requests, optionally filtered by status.
func (e *Engine) ListOverrides(ctx context.Context, status OverrideStatus) ([]OverrideRequest, error) {
	return e.Store.ListOverrides(ctx, status)
}
