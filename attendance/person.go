package attendance

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// NewPerson is the input of RegisterPerson. ID is generated when empty.
type NewPerson struct {
	ID        PersonID
	Name      string
	BadgeCode string
	OTPSecret string
	// RequiredHours is the completion target. Zero registers the person
	// without a target; the completion scan skips them until SetRequiredHours
	// gives them one. Negative values are rejected.
	RequiredHours decimal.Decimal
	Schedule      *Schedule
}

// RegisterPerson creates an ACTIVE person with zero accumulated hours.
func (e *Engine) RegisterPerson(ctx context.Context, in NewPerson) (*Person, error) {
	const op = "register_person"
	in.Name = strings.TrimSpace(in.Name)
	in.BadgeCode = strings.TrimSpace(in.BadgeCode)
	if in.Name == "" {
		return nil, ValidationError(op, "name_required", "a name is required")
	}
	if in.BadgeCode != "" {
		if err := ValidateBadge(op, in.BadgeCode); err != nil {
			return nil, err
		}
	}
	if in.RequiredHours.IsNegative() {
		return nil, ValidationError(op, "hours_range", "required hours must not be negative, got %s", in.RequiredHours)
	}
	if in.Schedule != nil {
		if err := in.Schedule.Validate(e.Rules); err != nil {
			return nil, err
		}
	}
	if in.ID == "" {
		in.ID = PersonID(uuid.NewString())
	}

	now := e.Clock.Now()
	p := Person{
		ID:               in.ID,
		Name:             in.Name,
		BadgeCode:        in.BadgeCode,
		OTPSecret:        in.OTPSecret,
		AccumulatedHours: decimal.Zero,
		RequiredHours:    in.RequiredHours,
		Status:           PersonActive,
		Schedule:         in.Schedule.Copy(),
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	err := e.inPersonTx(ctx, p.ID, func(tx Store, _ *outbox) error {
		existing, err := tx.GetPerson(ctx, p.ID)
		if err != nil {
			return errors.Wrap(err, "load person")
		}
		if existing != nil {
			return RuleViolation(op, "person_exists", "person %s already exists", p.ID)
		}
		if err := e.checkBadgeFree(ctx, tx, op, p.ID, p.BadgeCode); err != nil {
			return err
		}
		return e.savePerson(ctx, tx, op, p)
	})
	if err != nil {
		return nil, err
	}

	e.Logger.Info("person registered",
		zap.String("person_id", string(p.ID)),
		zap.Bool("scheduled", p.HasActiveSchedule()))
	return &p, nil
}

// UpdateSchedule replaces a person's schedule. A nil schedule clears it.
// The schedule cannot change while a session is open, since the session's
// hours would be computed against a schedule it did not start under.
func (e *Engine) UpdateSchedule(ctx context.Context, id PersonID, sched *Schedule) (*Person, error) {
	const op = "update_schedule"
	if sched != nil {
		if err := sched.Validate(e.Rules); err != nil {
			return nil, err
		}
	}
	return e.updatePerson(ctx, id, op, func(tx Store, p *Person) error {
		open, err := tx.FindOpenSession(ctx, id)
		if err != nil {
			return errors.Wrap(err, "find open session")
		}
		if open != nil {
			return RuleViolation(op, "schedule_locked_while_open",
				"person %s has an open session; time out before changing the schedule", id).
				With("session_id", open.ID)
		}
		p.Schedule = sched.Copy()
		return nil
	})
}

// ChangeStatus moves a person between ACTIVE, COMPLETED and INACTIVE.
func (e *Engine) ChangeStatus(ctx context.Context, id PersonID, status PersonStatus) (*Person, error) {
	const op = "change_status"
	if !status.Valid() {
		return nil, ValidationError(op, "person_status", "unknown status %q", status)
	}
	return e.updatePerson(ctx, id, op, func(tx Store, p *Person) error {
		if p.Status == status {
			return nil
		}
		switch {
		case p.Status == PersonCompleted && status == PersonActive:
			return InvalidStateError(op, "completed_is_final", "person %s has completed and cannot be reactivated", id)
		case status == PersonActive:
			if err := e.checkBadgeFree(ctx, tx, op, p.ID, p.BadgeCode); err != nil {
				return err
			}
		default:
			open, err := tx.FindOpenSession(ctx, id)
			if err != nil {
				return errors.Wrap(err, "find open session")
			}
			if open != nil {
				return RuleViolation(op, "open_session_blocks_status",
					"person %s has an open session and cannot become %s", id, status).
					With("session_id", open.ID)
			}
		}
		p.Status = status
		return nil
	})
}

// SetRequiredHours sets the person's target. Unlike registration, zero is
// rejected: a target once set cannot be cleared.
func (e *Engine) SetRequiredHours(ctx context.Context, id PersonID, hours decimal.Decimal) (*Person, error) {
	const op = "set_required_hours"
	if !hours.IsPositive() {
		return nil, ValidationError(op, "hours_range", "required hours must be positive, got %s", hours)
	}
	return e.updatePerson(ctx, id, op, func(_ Store, p *Person) error {
		p.RequiredHours = hours
		return nil
	})
}

// AssignBadge sets or clears (empty badge) a person's badge code.
func (e *Engine) AssignBadge(ctx context.Context, id PersonID, badge string) (*Person, error) {
	const op = "assign_badge"
	badge = strings.TrimSpace(badge)
	if badge != "" {
		if err := ValidateBadge(op, badge); err != nil {
			return nil, err
		}
	}
	return e.updatePerson(ctx, id, op, func(tx Store, p *Person) error {
		if p.Status == PersonActive {
			if err := e.checkBadgeFree(ctx, tx, op, p.ID, badge); err != nil {
				return err
			}
		}
		p.BadgeCode = badge
		return nil
	})
}

func (e *Engine) updatePerson(ctx context.Context, id PersonID, op string, mutate func(Store, *Person) error) (*Person, error) {
	var out *Person
	err := e.inPersonTx(ctx, id, func(tx Store, _ *outbox) error {
		p, err := e.loadPerson(ctx, tx, op, id)
		if err != nil {
			return err
		}
		if err := mutate(tx, p); err != nil {
			return err
		}
		p.UpdatedAt = e.Clock.Now()
		if err := e.savePerson(ctx, tx, op, *p); err != nil {
			return err
		}
		out = p
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.Logger.Info("person updated", zap.String("op", op), zap.String("person_id", string(id)))
	return out, nil
}

func (e *Engine) checkBadgeFree(ctx context.Context, st PersonStore, op string, id PersonID, badge string) error {
	if badge == "" {
		return nil
	}
	holder, err := st.GetPersonByBadge(ctx, badge)
	if err != nil {
		return errors.Wrap(err, "find person by badge")
	}
	if holder != nil && holder.ID != id {
		return badgeInUse(op, badge, nil)
	}
	return nil
}

func (e *Engine) savePerson(ctx context.Context, st PersonStore, op string, p Person) error {
	err := st.SavePerson(ctx, p)
	if errors.Is(err, ErrBadgeInUse) {
		return badgeInUse(op, p.BadgeCode, err)
	}
	return errors.Wrapf(err, "save person %s", p.ID)
}

func badgeInUse(op, badge string, cause error) *Error {
	return &Error{Kind: KindBusinessRuleViolation, Op: op, Rule: "badge_unique",
		Message: "badge " + badge + " is assigned to another active person", Err: cause}
}
