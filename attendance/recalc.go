/*
recalc.go - Replays the hours calculation over history

PURPOSE:
  After a rule change (or a bug fix) stored hours must be brought back in line
  with timeIn/timeOut and the schedule. The engine walks closed sessions,
  classifies each by provenance and recomputes or skips it.

CLASSIFICATION:
  ADMIN_CORRECTED    skip, manual values are kept verbatim
  OVERRIDE_APPROVED  recompute on the unscheduled path
  anything else      recompute on the schedule-aware path

IDEMPOTENCE:
  Inputs are timeIn, timeOut, the person's schedule and provenance. Stored
  hours are never an input, so a second run changes nothing.

PERSON TOTALS:
  After a person's sessions are planned, AccumulatedHours is set to the sum
  of all session totals. No incremental deltas.

PREVIEW:
  planPerson is shared by both modes. Preview stops after planning; apply
  writes the plan inside one transaction per person.

SEE ALSO:
  - calculator.go: the algorithm being replayed
  - provenance.go: ClassifyProvenance
*/
package attendance

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// RecalcScope narrows a recalculation. Empty means everyone.
type RecalcScope struct {
	PersonID  PersonID
	SessionID SessionID
}

type RecalcAction string

const (
	RecalcRecomputed RecalcAction = "recomputed"
	RecalcUnchanged  RecalcAction = "unchanged"
	RecalcSkipped    RecalcAction = "skipped"
)

// SessionChange is one line of the diff.
type SessionChange struct {
	SessionID  SessionID
	PersonID   PersonID
	WorkDate   time.Time
	Provenance Provenance
	Path       CalcPath
	Action     RecalcAction
	Before     Hours
	After      Hours

	session Session
}

// PersonTotal is the accumulated-hours diff of one person.
type PersonTotal struct {
	PersonID PersonID
	Before   decimal.Decimal
	After    decimal.Decimal
}

func (t PersonTotal) Changed() bool { return !t.Before.Equal(t.After) }

// RecalcReport is the diff produced by a run or a preview.
type RecalcReport struct {
	RunID       string
	DryRun      bool
	Scope       RecalcScope
	Examined    int
	Recomputed  int
	Unchanged   int
	Skipped     int
	Changes     []SessionChange
	Persons     []PersonTotal
	Errors      []ItemError
	StartedAt   time.Time
	CompletedAt time.Time
}

type personPlan struct {
	person  Person
	changes []SessionChange
	total   PersonTotal
}

// RecalculateAll recomputes every closed session of every person.
func (e *Engine) RecalculateAll(ctx context.Context) (*RecalcReport, error) {
	return e.recalculate(ctx, RecalcScope{}, false)
}

// RecalculatePerson recomputes one person's sessions and total.
func (e *Engine) RecalculatePerson(ctx context.Context, id PersonID) (*RecalcReport, error) {
	return e.recalculate(ctx, RecalcScope{PersonID: id}, false)
}

// RecalculateSession recomputes one session and re-sums its owner's total.
func (e *Engine) RecalculateSession(ctx context.Context, id SessionID) (*RecalcReport, error) {
	return e.recalculate(ctx, RecalcScope{SessionID: id}, false)
}

// PreviewRecalculation returns the diff a run would apply, without writing.
func (e *Engine) PreviewRecalculation(ctx context.Context, scope RecalcScope) (*RecalcReport, error) {
	return e.recalculate(ctx, scope, true)
}

func (e *Engine) recalculate(ctx context.Context, scope RecalcScope, dryRun bool) (*RecalcReport, error) {
	persons, err := e.scopePersons(ctx, scope)
	if err != nil {
		return nil, err
	}

	rep := &RecalcReport{DryRun: dryRun, Scope: scope, StartedAt: e.Clock.Now()}
	var run Run
	if !dryRun {
		run = e.startRun(ctx, RunRecalculation)
		rep.RunID = run.ID
	}

	for _, pid := range persons {
		if ctx.Err() != nil {
			rep.Errors = append(rep.Errors, ItemError{PersonID: pid, Error: ctx.Err().Error()})
			break
		}
		plan, err := e.recalculatePerson(ctx, pid, scope, dryRun)
		if err != nil {
			e.Logger.Warn("recalculation failed for person", zap.String("person_id", string(pid)), zap.Error(err))
			rep.Errors = append(rep.Errors, ItemError{PersonID: pid, Error: err.Error()})
			continue
		}
		rep.add(plan)
	}
	rep.CompletedAt = e.Clock.Now()

	if !dryRun {
		run.Processed = rep.Examined
		run.Changed = rep.Recomputed
		run.Skipped = rep.Skipped
		run.Errors = rep.Errors
		e.finishRun(ctx, run, nil)
	}

	e.Logger.Info("recalculation finished",
		zap.Bool("dry_run", dryRun),
		zap.Int("examined", rep.Examined),
		zap.Int("recomputed", rep.Recomputed),
		zap.Int("skipped", rep.Skipped),
		zap.Int("errors", len(rep.Errors)))
	return rep, nil
}

func (rep *RecalcReport) add(p *personPlan) {
	for _, c := range p.changes {
		rep.Examined++
		switch c.Action {
		case RecalcRecomputed:
			rep.Recomputed++
		case RecalcSkipped:
			rep.Skipped++
		default:
			rep.Unchanged++
		}
		rep.Changes = append(rep.Changes, c)
	}
	rep.Persons = append(rep.Persons, p.total)
}

func (e *Engine) scopePersons(ctx context.Context, scope RecalcScope) ([]PersonID, error) {
	const op = "recalculate"
	switch {
	case scope.SessionID != "":
		s, err := e.loadSession(ctx, e.Store, op, scope.SessionID)
		if err != nil {
			return nil, err
		}
		return []PersonID{s.PersonID}, nil
	case scope.PersonID != "":
		if _, err := e.loadPerson(ctx, e.Store, op, scope.PersonID); err != nil {
			return nil, err
		}
		return []PersonID{scope.PersonID}, nil
	}
	all, err := e.Store.ListPersons(ctx, PersonFilter{})
	if err != nil {
		return nil, errors.Wrap(err, "list persons")
	}
	ids := make([]PersonID, 0, len(all))
	for _, p := range all {
		ids = append(ids, p.ID)
	}
	return ids, nil
}

func (e *Engine) recalculatePerson(ctx context.Context, pid PersonID, scope RecalcScope, dryRun bool) (*personPlan, error) {
	if dryRun {
		return e.planPerson(ctx, e.Store, pid, scope)
	}
	var plan *personPlan
	err := e.inPersonTx(ctx, pid, func(tx Store, _ *outbox) error {
		var err error
		if plan, err = e.planPerson(ctx, tx, pid, scope); err != nil {
			return err
		}
		return e.applyPlan(ctx, tx, plan)
	})
	return plan, err
}

// planPerson computes the diff for one person without writing anything.
func (e *Engine) planPerson(ctx context.Context, st Store, pid PersonID, scope RecalcScope) (*personPlan, error) {
	person, err := e.loadPerson(ctx, st, "recalculate", pid)
	if err != nil {
		return nil, err
	}
	sessions, err := st.ListSessionsByPerson(ctx, pid, time.Time{}, time.Time{})
	if err != nil {
		return nil, errors.Wrapf(err, "list sessions of %s", pid)
	}

	plan := &personPlan{person: *person}
	sum := decimal.Zero
	for _, s := range sessions {
		if s.TimeOut == nil {
			continue
		}
		if scope.SessionID != "" && s.ID != scope.SessionID {
			sum = sum.Add(s.Hours.Total)
			continue
		}
		c := e.PlanSession(person.Schedule, s)
		plan.changes = append(plan.changes, c)
		sum = sum.Add(c.After.Total)
	}
	plan.total = PersonTotal{PersonID: pid, Before: person.AccumulatedHours, After: sum}
	return plan, nil
}

// PlanSession classifies a closed session and computes its new hours.
func (e *Engine) PlanSession(schedule *Schedule, s Session) SessionChange {
	prov := ClassifyProvenance(s)
	c := SessionChange{
		SessionID:  s.ID,
		PersonID:   s.PersonID,
		WorkDate:   s.WorkDate,
		Provenance: prov,
		Before:     s.Hours,
		After:      s.Hours,
		Action:     RecalcSkipped,
		session:    s,
	}
	if prov == ProvenanceAdminCorrected || s.TimeOut == nil {
		return c
	}

	override := prov == ProvenanceOverrideApproved
	in := CalcInput{
		TimeIn:           s.TimeIn,
		TimeOut:          *s.TimeOut,
		Schedule:         schedule,
		OverrideApproved: override,
	}
	c.Path = e.Calc.PathFor(in)
	c.After = e.Calc.Calculate(in)
	c.Action = RecalcUnchanged
	if !c.After.Equal(c.Before) {
		c.Action = RecalcRecomputed
	}
	return c
}

func (e *Engine) applyPlan(ctx context.Context, tx Store, plan *personPlan) error {
	now := e.Clock.Now()
	for _, c := range plan.changes {
		s := c.session
		// Legacy rows carry provenance only as a task-log marker; persist it.
		provChanged := s.Provenance != c.Provenance
		if c.Action != RecalcRecomputed && !provChanged {
			continue
		}
		s.Hours = c.After
		s.Provenance = c.Provenance
		s.UpdatedAt = now
		if _, err := e.writeSession(ctx, tx, s); err != nil {
			return err
		}
	}
	if plan.total.Changed() {
		p := plan.person
		p.AccumulatedHours = plan.total.After
		p.UpdatedAt = now
		if err := tx.SavePerson(ctx, p); err != nil {
			return errors.Wrapf(err, "save person %s", p.ID)
		}
	}
	return nil
}
