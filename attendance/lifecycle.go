/*
lifecycle.go - Session state machine: time-in, time-out, admin correction

STATES:
  OPEN -> CLOSED       time-out by the person
  OPEN -> AUTO_CLOSED  sweep (sweep.go)
  *    -> CORRECTED    admin correction of a closed session

TIME-IN:
  Under the person lock and inside one transaction: load person, open
  session and recent history, run the eligibility validator, insert the
  session. The store's one-open-session constraint backs this up when two
  processes race past the lock.

TIME-OUT:
  A task log is required unless entries were logged incrementally while the
  session was open. New text is appended, never substituted, so markers
  written earlier (override approval) survive.

CORRECTION:
  The operator's total is split with the 8-hour cap; the person's total moves
  by the delta; Provenance becomes ADMIN_CORRECTED so recalculation leaves
  the session alone.
*/
package attendance

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// TimeInResult is returned by a successful time-in.
type TimeInResult struct {
	Session Session
	Person  Person
}

// TimeOutResult is returned by a successful time-out.
type TimeOutResult struct {
	Session Session
	Person  Person
	Path    CalcPath
}

// CorrectionResult is returned by CorrectSession.
type CorrectionResult struct {
	Session Session
	Person  Person
	Before  Hours
	Delta   decimal.Decimal
}

// =============================================================================
// TIME-IN
// =============================================================================

func (e *Engine) RequestTimeIn(ctx context.Context, personID PersonID) (*TimeInResult, error) {
	const op = "time_in"
	var res *TimeInResult

	err := e.inPersonTx(ctx, personID, func(tx Store, _ *outbox) error {
		person, err := e.loadPerson(ctx, tx, op, personID)
		if err != nil {
			return err
		}
		if person.Status != PersonActive {
			return InvalidStateError(op, "person_not_active",
				"person %s is %s and cannot time in", person.ID, person.Status)
		}

		open, err := tx.FindOpenSession(ctx, personID)
		if err != nil {
			return errors.Wrap(err, "find open session")
		}
		recent, err := tx.ListRecentSessions(ctx, personID, recentSessionLimit)
		if err != nil {
			return errors.Wrap(err, "list recent sessions")
		}

		now := e.Clock.Now()
		if err := e.Validator().Check(EligibilityInput{Person: person, Now: now, Open: open, Recent: recent}); err != nil {
			return err
		}

		s := Session{
			ID:         SessionID(uuid.NewString()),
			PersonID:   personID,
			Date:       DateOf(now),
			WorkDate:   WorkDateFor(now, e.Rules.NightShiftCutoffHour),
			TimeIn:     now,
			Status:     SessionOpen,
			Provenance: ProvenanceNormal,
			Version:    1,
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		if err := tx.CreateSession(ctx, s); err != nil {
			if errors.Is(err, ErrOpenSessionExists) {
				return &Error{Kind: KindInvalidState, Op: op, Rule: "one_open_session",
					Message: fmt.Sprintf("person %s already has an open session", personID), Err: err}
			}
			return errors.Wrap(err, "create session")
		}
		res = &TimeInResult{Session: s, Person: *person}
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.Logger.Info("time-in recorded",
		zap.String("person_id", string(personID)),
		zap.String("session_id", string(res.Session.ID)),
		zap.Time("work_date", res.Session.WorkDate))
	return res, nil
}

var badgePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]{2,31}$`)

// ValidateBadge checks the badge code format.
func ValidateBadge(op, badge string) error {
	if !badgePattern.MatchString(badge) {
		return ValidationError(op, "badge_format",
			"badge code %q must be 3-32 letters, digits, '-' or '_'", badge)
	}
	return nil
}

// RequestTimeInByBadge resolves the badge, checks the one-time code when a
// verifier is configured, and times the person in.
func (e *Engine) RequestTimeInByBadge(ctx context.Context, badge, code string) (*TimeInResult, error) {
	const op = "badge_time_in"
	badge = strings.TrimSpace(badge)
	if err := ValidateBadge(op, badge); err != nil {
		return nil, err
	}
	person, err := e.Store.GetPersonByBadge(ctx, badge)
	if err != nil {
		return nil, errors.Wrap(err, "find person by badge")
	}
	if person == nil {
		return nil, NotFoundError(op, "badge", badge)
	}
	if e.Verifier != nil && !e.Verifier.Verify(person.OTPSecret, code) {
		return nil, ValidationError(op, "one_time_code", "one-time code rejected for badge %s", badge)
	}
	return e.RequestTimeIn(ctx, person.ID)
}

// =============================================================================
// TIME-OUT
// =============================================================================

func (e *Engine) RequestTimeOut(ctx context.Context, personID PersonID, taskLog string) (*TimeOutResult, error) {
	const op = "time_out"
	var res *TimeOutResult

	err := e.inPersonTx(ctx, personID, func(tx Store, _ *outbox) error {
		person, err := e.loadPerson(ctx, tx, op, personID)
		if err != nil {
			return err
		}
		open, err := tx.FindOpenSession(ctx, personID)
		if err != nil {
			return errors.Wrap(err, "find open session")
		}
		if open == nil {
			return InvalidStateError(op, "no_open_session", "person %s has no open session", personID)
		}

		incremental := ""
		if e.TaskLog != nil {
			if incremental, err = e.TaskLog.Consolidate(ctx, open.ID); err != nil {
				return errors.Wrap(err, "consolidate task log")
			}
		}
		if strings.TrimSpace(taskLog) == "" && strings.TrimSpace(incremental) == "" {
			return ValidationError(op, "task_log_required", "a task log is required to time out")
		}

		now := e.Clock.Now()
		if now.Before(open.TimeIn) {
			now = open.TimeIn
		}
		log := appendLog(appendLog(open.TaskLog, incremental), taskLog)
		closed, path := e.closeSession(*open, person, now, SessionClosed, log)

		if closed, err = e.writeSession(ctx, tx, closed); err != nil {
			return err
		}
		if err := e.addHours(ctx, tx, person, closed.Hours.Total); err != nil {
			return err
		}
		res = &TimeOutResult{Session: closed, Person: *person, Path: path}
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.discardTaskLog(ctx, res.Session.ID)
	e.Logger.Info("time-out recorded",
		zap.String("person_id", string(personID)),
		zap.String("session_id", string(res.Session.ID)),
		zap.String("path", string(res.Path)),
		zap.String("total", res.Session.Hours.Total.String()))
	return res, nil
}

// AppendTaskEntry records an incremental task entry on an open session.
func (e *Engine) AppendTaskEntry(ctx context.Context, sessionID SessionID, entry string) error {
	const op = "append_task"
	s, err := e.loadSession(ctx, e.Store, op, sessionID)
	if err != nil {
		return err
	}
	if !s.IsOpen() {
		return InvalidStateError(op, "session_not_open", "session %s is %s", s.ID, s.Status)
	}
	if e.TaskLog == nil {
		return errors.New("no task log configured")
	}
	return e.TaskLog.Append(ctx, sessionID, entry)
}

// =============================================================================
// ADMIN CORRECTION
// =============================================================================

func (e *Engine) CorrectSession(ctx context.Context, sessionID SessionID, corrected decimal.Decimal, reason, actor string) (*CorrectionResult, error) {
	const op = "correct_session"
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, ValidationError(op, "reason_required", "a correction reason is required")
	}
	if corrected.IsNegative() {
		return nil, ValidationError(op, "hours_range", "corrected hours must not be negative, got %s", corrected)
	}
	if actor == "" {
		actor = "admin"
	}

	s, err := e.loadSession(ctx, e.Store, op, sessionID)
	if err != nil {
		return nil, err
	}

	var res *CorrectionResult
	err = e.inPersonTx(ctx, s.PersonID, func(tx Store, _ *outbox) error {
		cur, err := e.loadSession(ctx, tx, op, sessionID)
		if err != nil {
			return err
		}
		if cur.IsOpen() {
			return InvalidStateError(op, "session_open", "session %s is still open and cannot be corrected", cur.ID)
		}
		person, err := e.loadPerson(ctx, tx, op, cur.PersonID)
		if err != nil {
			return err
		}

		before := cur.Hours
		next := *cur
		next.Hours = e.Calc.SplitCorrected(corrected)
		next.Status = SessionCorrected
		next.Provenance = ProvenanceAdminCorrected
		next.TaskLog = appendLog(cur.TaskLog, fmt.Sprintf("%s %s (by %s)", AdminCorrectedMarker, reason, actor))
		next.UpdatedAt = e.Clock.Now()

		if next, err = e.writeSession(ctx, tx, next); err != nil {
			return err
		}
		delta := next.Hours.Total.Sub(before.Total)
		if err := e.addHours(ctx, tx, person, delta); err != nil {
			return err
		}
		res = &CorrectionResult{Session: next, Person: *person, Before: before, Delta: delta}
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.Logger.Info("session corrected",
		zap.String("session_id", string(sessionID)),
		zap.String("actor", actor),
		zap.String("delta", res.Delta.String()))
	return res, nil
}
