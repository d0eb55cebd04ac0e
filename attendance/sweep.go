/*
sweep.go - Unattended handling of stale open sessions

PURPOSE:
  People forget to time out. The hourly sweep looks at every OPEN session of
  an ACTIVE person and, by elapsed time since time-in:

    >= AutoCloseAfter (16h)      force-close at timeIn+16h, AUTO_CLOSED,
                                 hours credited, AUTO_TIMEOUT raised
    >= LongSessionAfter (10h)    LONG_SESSION raised once per session
    >= MissingTimeOutAfter (8h)  MISSING_TIME_OUT raised once per session

  The daily completion scan raises READY_FOR_COMPLETION once per person whose
  accumulated hours reached the target.

FAILURE MODEL:
  Each session is handled in its own transaction. A failure is recorded in
  the report and the loop moves on. Every tick re-derives its work from the
  store, so a failed tick is safe to re-run.

SEE ALSO:
  - api/scheduler.go: timer that calls these
*/
package attendance

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// SweepReport summarizes one sweep.
type SweepReport struct {
	RunID                 string
	StartedAt             time.Time
	CompletedAt           time.Time
	Examined              int
	AutoClosed            []SessionID
	LongSessionNotices    int
	MissingTimeOutNotices int
	Errors                []ItemError
}

type sweepOutcome int

const (
	sweepNothing sweepOutcome = iota
	sweepAutoClosed
	sweepLongNotice
	sweepMissingNotice
)

// SweepOpenSessions processes every open session once.
func (e *Engine) SweepOpenSessions(ctx context.Context) (*SweepReport, error) {
	run := e.startRun(ctx, RunSweep)
	rep := &SweepReport{RunID: run.ID, StartedAt: run.StartedAt}

	open, err := e.Store.ListOpenSessions(ctx)
	if err != nil {
		err = errors.Wrap(err, "list open sessions")
		e.finishRun(ctx, run, err)
		return nil, err
	}

	for _, s := range open {
		if ctx.Err() != nil {
			rep.Errors = append(rep.Errors, ItemError{SessionID: s.ID, PersonID: s.PersonID, Error: ctx.Err().Error()})
			break
		}
		rep.Examined++
		outcome, err := e.sweepSession(ctx, s)
		if err != nil {
			e.Logger.Warn("sweep failed for session",
				zap.String("session_id", string(s.ID)), zap.String("person_id", string(s.PersonID)), zap.Error(err))
			rep.Errors = append(rep.Errors, ItemError{SessionID: s.ID, PersonID: s.PersonID, Error: err.Error()})
			continue
		}
		switch outcome {
		case sweepAutoClosed:
			rep.AutoClosed = append(rep.AutoClosed, s.ID)
			e.discardTaskLog(ctx, s.ID)
		case sweepLongNotice:
			rep.LongSessionNotices++
		case sweepMissingNotice:
			rep.MissingTimeOutNotices++
		}
	}

	run.Processed = rep.Examined
	run.Changed = len(rep.AutoClosed)
	run.Errors = rep.Errors
	run = e.finishRun(ctx, run, nil)
	rep.CompletedAt = *run.CompletedAt

	e.Logger.Info("sweep completed",
		zap.Int("examined", rep.Examined),
		zap.Int("auto_closed", len(rep.AutoClosed)),
		zap.Int("long_session_notices", rep.LongSessionNotices),
		zap.Int("missing_time_out_notices", rep.MissingTimeOutNotices),
		zap.Int("errors", len(rep.Errors)))
	return rep, nil
}

func (e *Engine) sweepSession(ctx context.Context, s Session) (sweepOutcome, error) {
	const op = "sweep"
	var outcome sweepOutcome

	err := e.inPersonTx(ctx, s.PersonID, func(tx Store, ob *outbox) error {
		outcome = sweepNothing
		cur, err := tx.GetSession(ctx, s.ID)
		if err != nil {
			return errors.Wrap(err, "reload session")
		}
		if cur == nil || !cur.IsOpen() {
			return nil
		}
		person, err := e.loadPerson(ctx, tx, op, cur.PersonID)
		if err != nil {
			return err
		}
		if person.Status != PersonActive {
			return nil
		}

		elapsed := e.Clock.Now().Sub(cur.TimeIn)
		switch {
		case elapsed >= e.Rules.AutoCloseAfter:
			if err := e.autoClose(ctx, tx, ob, cur, person); err != nil {
				return err
			}
			outcome = sweepAutoClosed

		case elapsed >= e.Rules.LongSessionAfter:
			raised, err := e.raise(ctx, tx, ob, Notification{
				Kind:           NotifyLongSession,
				PersonID:       person.ID,
				SessionID:      cur.ID,
				Message:        fmt.Sprintf("%s has been timed in for %s", person.Name, elapsed.Truncate(time.Minute)),
				IdempotencyKey: SessionNotificationKey(cur.ID, NotifyLongSession),
			})
			if err != nil {
				return err
			}
			if raised {
				outcome = sweepLongNotice
			}

		case elapsed >= e.Rules.MissingTimeOutAfter:
			raised, err := e.raise(ctx, tx, ob, Notification{
				Kind:           NotifyMissingTimeOut,
				PersonID:       person.ID,
				SessionID:      cur.ID,
				Message:        fmt.Sprintf("%s has not timed out after %s", person.Name, elapsed.Truncate(time.Minute)),
				IdempotencyKey: SessionNotificationKey(cur.ID, NotifyMissingTimeOut),
			})
			if err != nil {
				return err
			}
			if raised {
				outcome = sweepMissingNotice
			}
		}
		return nil
	})
	return outcome, err
}

func (e *Engine) autoClose(ctx context.Context, tx Store, ob *outbox, s *Session, person *Person) error {
	at := s.TimeIn.Add(e.Rules.AutoCloseAfter)

	log := s.TaskLog
	if e.TaskLog != nil {
		incremental, err := e.TaskLog.Consolidate(ctx, s.ID)
		if err != nil {
			return errors.Wrap(err, "consolidate task log")
		}
		log = appendLog(log, incremental)
	}
	log = appendLog(log, fmt.Sprintf("%s closed at %s after %s without time-out",
		AutoClosedMarker, at.Format("2006-01-02 15:04"), e.Rules.AutoCloseAfter))

	closed, _ := e.closeSession(*s, person, at, SessionAutoClosed, log)
	closed, err := e.writeSession(ctx, tx, closed)
	if err != nil {
		return err
	}
	if err := e.addHours(ctx, tx, person, closed.Hours.Total); err != nil {
		return err
	}
	_, err = e.raise(ctx, tx, ob, Notification{
		Kind:      NotifyAutoTimeout,
		PersonID:  person.ID,
		SessionID: s.ID,
		Message: fmt.Sprintf("session of %s auto-closed at %s, %s hours credited",
			person.Name, at.Format("2006-01-02 15:04"), closed.Hours.Total),
		IdempotencyKey: SessionNotificationKey(s.ID, NotifyAutoTimeout),
	})
	return err
}

// =============================================================================
// COMPLETION SCAN
// =============================================================================

// CompletionReport summarizes one completion scan.
type CompletionReport struct {
	RunID    string
	Ready    []PersonID
	Notified int
	Errors   []ItemError
}

// ScanReadyForCompletion raises READY_FOR_COMPLETION for persons who reached
// their target. Repeated scans do not raise it again.
func (e *Engine) ScanReadyForCompletion(ctx context.Context) (*CompletionReport, error) {
	run := e.startRun(ctx, RunCompletionScan)
	rep := &CompletionReport{RunID: run.ID}

	ready, err := e.Store.ListReadyForCompletion(ctx)
	if err != nil {
		err = errors.Wrap(err, "list ready for completion")
		e.finishRun(ctx, run, err)
		return nil, err
	}

	var ob outbox
	for _, p := range ready {
		rep.Ready = append(rep.Ready, p.ID)
		raised, err := e.raise(ctx, e.Store, &ob, Notification{
			Kind:     NotifyReadyForCompletion,
			PersonID: p.ID,
			Message: fmt.Sprintf("%s reached %s of %s required hours",
				p.Name, p.AccumulatedHours, p.RequiredHours),
			IdempotencyKey: PersonNotificationKey(p.ID, NotifyReadyForCompletion),
		})
		if err != nil {
			rep.Errors = append(rep.Errors, ItemError{PersonID: p.ID, Error: err.Error()})
			continue
		}
		if raised {
			rep.Notified++
		}
	}
	e.deliver(ctx, ob.items)

	run.Processed = len(ready)
	run.Changed = rep.Notified
	run.Errors = rep.Errors
	e.finishRun(ctx, run, nil)

	e.Logger.Info("completion scan finished",
		zap.Int("ready", len(rep.Ready)), zap.Int("notified", rep.Notified))
	return rep, nil
}

// ListNearCompletion returns ACTIVE persons within the given hours of their target.
func (e *Engine) ListNearCompletion(ctx context.Context, within decimal.Decimal) ([]Person, error) {
	if within.IsNegative() {
		return nil, ValidationError("near_completion", "hours_range", "threshold must not be negative")
	}
	return e.Store.ListNearCompletion(ctx, within)
}
