/*
engine.go - Wiring of the attendance engine

PURPOSE:
  Engine holds the collaborators every operation needs (store, clock, rules,
  calculator, lock, task log, verifier, notification sink, logger) and the
  transaction helper they all share.

TRANSACTIONS:
  inPersonTx is the single path for writes that concern one person:
    1. take the per-person lock
    2. run fn inside Store.WithTx
    3. on ErrConcurrentModification, run it once more
    4. after commit, hand newly raised notifications to the sink
  Accumulated hours are always written inside the same transaction as the
  session change they derive from.

OPERATIONS (one file each):
  lifecycle.go    RequestTimeIn, RequestTimeOut, CorrectSession
  override.go     SubmitOverride, ReviewOverride
  sweep.go        SweepOpenSessions, ScanReadyForCompletion
  recalc.go       RecalculateAll/Person/Session, PreviewRecalculation
  person.go       RegisterPerson, UpdateSchedule, ChangeStatus, ...
*/
package attendance

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// recentSessionLimit bounds the history the eligibility check looks at.
const recentSessionLimit = 10

// Engine is the attendance core. Fields may be replaced after NewEngine and
// before first use.
type Engine struct {
	Store    TxStore
	Clock    Clock
	Rules    Rules
	Calc     Calculator
	Locker   Locker
	TaskLog  TaskLog
	Verifier Verifier
	Sink     NotificationSink
	Logger   *zap.Logger
}

// NewEngine creates an engine with an in-process lock, an in-memory task log
// and a logging notification sink.
func NewEngine(store TxStore, clock Clock, rules Rules, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if clock == nil {
		clock = SystemClock{}
	}
	return &Engine{
		Store:   store,
		Clock:   clock,
		Rules:   rules,
		Calc:    NewCalculator(rules),
		Locker:  NewKeyedMutex(),
		TaskLog: NewMemoryTaskLog(clock),
		Sink:    LogSink{Logger: logger},
		Logger:  logger,
	}
}

// Validator returns the eligibility validator for the engine's rules.
func (e *Engine) Validator() EligibilityValidator { return EligibilityValidator{Rules: e.Rules} }

// =============================================================================
// TRANSACTION HELPER
// =============================================================================

// outbox collects notifications raised inside a transaction.
type outbox struct {
	items []Notification
}

func (e *Engine) inPersonTx(ctx context.Context, personID PersonID, fn func(tx Store, ob *outbox) error) error {
	lockCtx, cancel := context.WithTimeout(ctx, lockTimeout)
	unlock, err := e.Locker.Lock(lockCtx, "person:"+string(personID))
	cancel()
	if err != nil {
		return errors.Wrapf(err, "lock person %s", personID)
	}
	defer unlock()

	var ob outbox
	attempt := func() error {
		ob = outbox{}
		return e.Store.WithTx(ctx, func(tx Store) error { return fn(tx, &ob) })
	}

	err = attempt()
	if IsRetryable(err) {
		e.Logger.Info("retrying after concurrent modification",
			zap.String("person_id", string(personID)), zap.Error(err))
		err = attempt()
	}
	if err != nil {
		return err
	}

	e.deliver(ctx, ob.items)
	return nil
}

// raise persists n unless its idempotency key was used before. It reports
// whether the notification is new.
func (e *Engine) raise(ctx context.Context, st NotificationStore, ob *outbox, n Notification) (bool, error) {
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = e.Clock.Now()
	}
	if n.IdempotencyKey == "" {
		n.IdempotencyKey = "notification:" + n.ID
	}
	err := st.SaveNotification(ctx, n)
	if errors.Is(err, ErrDuplicateNotification) {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrapf(err, "save %s notification", n.Kind)
	}
	if ob != nil {
		ob.items = append(ob.items, n)
	}
	return true, nil
}

func (e *Engine) deliver(ctx context.Context, items []Notification) {
	if e.Sink == nil {
		return
	}
	for _, n := range items {
		if err := e.Sink.Deliver(ctx, n); err != nil {
			e.Logger.Warn("notification delivery failed",
				zap.String("kind", string(n.Kind)), zap.String("notification_id", n.ID), zap.Error(err))
		}
	}
}

// discardTaskLog drops incremental entries once they are committed to the
// session's log.
func (e *Engine) discardTaskLog(ctx context.Context, id SessionID) {
	if e.TaskLog == nil {
		return
	}
	if err := e.TaskLog.Discard(ctx, id); err != nil {
		e.Logger.Warn("task log discard failed", zap.String("session_id", string(id)), zap.Error(err))
	}
}

// =============================================================================
// SHARED STEPS
// =============================================================================

func (e *Engine) loadPerson(ctx context.Context, st PersonStore, op string, id PersonID) (*Person, error) {
	p, err := st.GetPerson(ctx, id)
	if err != nil {
		return nil, errors.Wrapf(err, "load person %s", id)
	}
	if p == nil {
		return nil, NotFoundError(op, "person", id)
	}
	return p, nil
}

func (e *Engine) loadSession(ctx context.Context, st SessionStore, op string, id SessionID) (*Session, error) {
	s, err := st.GetSession(ctx, id)
	if err != nil {
		return nil, errors.Wrapf(err, "load session %s", id)
	}
	if s == nil {
		return nil, NotFoundError(op, "session", id)
	}
	return s, nil
}

// closeSession runs the calculator and moves an open session to a terminal
// status. Nothing is persisted.
func (e *Engine) closeSession(s Session, person *Person, at time.Time, status SessionStatus, log string) (Session, CalcPath) {
	override := ClassifyProvenance(s) == ProvenanceOverrideApproved
	in := CalcInput{
		TimeIn:           s.TimeIn,
		TimeOut:          at,
		Schedule:         person.Schedule,
		OverrideApproved: override,
	}
	path := e.Calc.PathFor(in)
	out := at
	s.TimeOut = &out
	s.Hours = e.Calc.Calculate(in)
	s.Status = status
	s.TaskLog = log
	s.UpdatedAt = e.Clock.Now()
	return s, path
}

// writeSession persists s and returns the stored copy with its new version.
func (e *Engine) writeSession(ctx context.Context, st SessionStore, s Session) (Session, error) {
	if err := st.UpdateSession(ctx, s); err != nil {
		return s, errors.Wrapf(err, "update session %s", s.ID)
	}
	s.Version++
	return s, nil
}

// addHours applies delta to the person's total, never going below zero.
func (e *Engine) addHours(ctx context.Context, st PersonStore, p *Person, delta decimal.Decimal) error {
	if delta.IsZero() {
		return nil
	}
	total := p.AccumulatedHours.Add(delta)
	if total.IsNegative() {
		e.Logger.Warn("accumulated hours clamped at zero",
			zap.String("person_id", string(p.ID)), zap.String("computed", total.String()))
		total = decimal.Zero
	}
	p.AccumulatedHours = total
	p.UpdatedAt = e.Clock.Now()
	return errors.Wrapf(st.SavePerson(ctx, *p), "save person %s", p.ID)
}

// =============================================================================
// RUN RECORDS
// =============================================================================

func (e *Engine) startRun(ctx context.Context, kind RunKind) Run {
	run := Run{ID: uuid.NewString(), Kind: kind, Status: RunRunning, StartedAt: e.Clock.Now()}
	if err := e.Store.SaveRun(ctx, run); err != nil {
		e.Logger.Warn("failed to record run start", zap.String("kind", string(kind)), zap.Error(err))
	}
	return run
}

func (e *Engine) finishRun(ctx context.Context, run Run, err error) Run {
	done := e.Clock.Now()
	run.CompletedAt = &done
	run.Status = RunCompleted
	if err != nil {
		run.Status = RunFailed
		run.Errors = append(run.Errors, ItemError{Error: err.Error()})
	}
	if serr := e.Store.SaveRun(ctx, run); serr != nil {
		e.Logger.Warn("failed to record run result", zap.String("run_id", run.ID), zap.Error(serr))
	}
	return run
}

// =============================================================================
// QUERIES
// =============================================================================

func (e *Engine) GetPerson(ctx context.Context, id PersonID) (*Person, error) {
	return e.loadPerson(ctx, e.Store, "get_person", id)
}

func (e *Engine) ListPersons(ctx context.Context, filter PersonFilter) ([]Person, error) {
	return e.Store.ListPersons(ctx, filter)
}

func (e *Engine) GetSession(ctx context.Context, id SessionID) (*Session, error) {
	return e.loadSession(ctx, e.Store, "get_session", id)
}

// ListSessions returns a person's sessions with Date in [from, to].
func (e *Engine) ListSessions(ctx context.Context, personID PersonID, from, to time.Time) ([]Session, error) {
	if _, err := e.loadPerson(ctx, e.Store, "list_sessions", personID); err != nil {
		return nil, err
	}
	return e.Store.ListSessionsByPerson(ctx, personID, from, to)
}

func (e *Engine) ListOpenSessions(ctx context.Context) ([]Session, error) {
	return e.Store.ListOpenSessions(ctx)
}

func (e *Engine) ListSessionsByWorkDate(ctx context.Context, day time.Time) ([]Session, error) {
	return e.Store.ListSessionsByWorkDate(ctx, DateOf(day))
}

func (e *Engine) ListNotifications(ctx context.Context, filter NotificationFilter) ([]Notification, error) {
	return e.Store.ListNotifications(ctx, filter)
}

func (e *Engine) ListRuns(ctx context.Context, kind RunKind, limit int) ([]Run, error) {
	return e.Store.ListRuns(ctx, kind, limit)
}
