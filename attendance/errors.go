/*
errors.go - Centralized error types for the attendance engine

PURPOSE:
  All error types in one place for consistency and discoverability.
  Every failure surfaced to a caller carries one of four kinds so that the
  transport layer can render it without knowing the operation.

ERROR KINDS:
  NotFound               person / session / override absent
  InvalidState           time-in while open, time-out while none open,
                         re-reviewing a decided override, reactivating a
                         completed person
  ValidationFailed       malformed badge, bad required hours, bad schedule,
                         missing task log
  BusinessRuleViolation  inter-session gap, schedule window, schedule update
                         while a session is open

STORE SENTINELS:
  Stores report constraint hits with the sentinels below. The engine turns them
  into kinded errors (ErrOpenSessionExists -> InvalidState, and so on).

USAGE:
  if errors.Is(err, attendance.ErrInvalidState) { ... }
  var aerr *attendance.Error
  if errors.As(err, &aerr) { fmt.Println(aerr.Rule) }

SEE ALSO:
  - api/handlers.go: maps kinds to HTTP status codes
  - store.go: storage contract that returns the sentinels
*/
package attendance

import (
	"fmt"
	"sort"
	"strings"

	"github.com/pkg/errors"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	ErrNotFound              = errors.New("not found")
	ErrInvalidState          = errors.New("invalid state")
	ErrValidationFailed      = errors.New("validation failed")
	ErrBusinessRuleViolation = errors.New("business rule violation")

	// ErrConcurrentModification is returned when a versioned write lost a race.
	// Callers retry once.
	ErrConcurrentModification = errors.New("concurrent modification detected")

	// ErrOpenSessionExists is returned by stores when the one-open-session
	// constraint rejects an insert.
	ErrOpenSessionExists = errors.New("person already has an open session")

	// ErrDuplicateOverride is returned when a session already has an override request.
	ErrDuplicateOverride = errors.New("override request already exists for session")

	// ErrDuplicateNotification is returned when the idempotency key was already used.
	ErrDuplicateNotification = errors.New("duplicate notification")

	// ErrBadgeInUse is returned when an active person already holds the badge code.
	ErrBadgeInUse = errors.New("badge code already claimed by an active person")

	// ErrLockTimeout is returned when a per-person lock could not be acquired.
	ErrLockTimeout = errors.New("lock acquisition timed out")
)

// =============================================================================
// STRUCTURED ERRORS - Carry kind and context
// =============================================================================

// Kind classifies an engine error for callers.
type Kind string

const (
	KindNotFound              Kind = "NOT_FOUND"
	KindInvalidState          Kind = "INVALID_STATE"
	KindValidationFailed      Kind = "VALIDATION_FAILED"
	KindBusinessRuleViolation Kind = "BUSINESS_RULE_VIOLATION"
	KindInternal              Kind = "INTERNAL"
)

func (k Kind) sentinel() error {
	switch k {
	case KindNotFound:
		return ErrNotFound
	case KindInvalidState:
		return ErrInvalidState
	case KindValidationFailed:
		return ErrValidationFailed
	case KindBusinessRuleViolation:
		return ErrBusinessRuleViolation
	}
	return nil
}

// Error is the error returned by every engine operation that fails for a
// reason the caller can act on.
type Error struct {
	Kind    Kind
	Op      string // operation, e.g. "time_in"
	Rule    string // violated rule, e.g. "min_session_gap"
	Message string
	Details map[string]any
	Err     error // underlying cause, may be nil
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(e.Message)
	if e.Rule != "" {
		fmt.Fprintf(&b, " [%s]", e.Rule)
	}
	if len(e.Details) > 0 {
		keys := make([]string, 0, len(e.Details))
		for k := range e.Details {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, " %s=%v", k, e.Details[k])
		}
	}
	return b.String()
}

// Unwrap exposes both the kind sentinel and the cause to errors.Is/As.
func (e *Error) Unwrap() []error {
	var errs []error
	if s := e.Kind.sentinel(); s != nil {
		errs = append(errs, s)
	}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

// With adds a detail and returns the same error for chaining.
func (e *Error) With(key string, value any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

func newError(kind Kind, op, rule, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Rule: rule, Message: fmt.Sprintf(format, args...)}
}

// NotFoundError reports a missing record.
func NotFoundError(op, what string, id any) *Error {
	return newError(KindNotFound, op, "", "%s %v not found", what, id).With(what+"_id", id)
}

// InvalidStateError reports an operation attempted from the wrong state.
func InvalidStateError(op, rule, format string, args ...any) *Error {
	return newError(KindInvalidState, op, rule, format, args...)
}

// ValidationError reports malformed input.
func ValidationError(op, rule, format string, args ...any) *Error {
	return newError(KindValidationFailed, op, rule, format, args...)
}

// RuleViolation reports a business rule that rejected the operation.
func RuleViolation(op, rule, format string, args ...any) *Error {
	return newError(KindBusinessRuleViolation, op, rule, format, args...)
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// KindOf returns the kind of err, or KindInternal for unclassified errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	switch {
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrInvalidState):
		return KindInvalidState
	case errors.Is(err, ErrValidationFailed):
		return KindValidationFailed
	case errors.Is(err, ErrBusinessRuleViolation):
		return KindBusinessRuleViolation
	}
	return KindInternal
}

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrentModification) || errors.Is(err, ErrLockTimeout)
}

// IsClientError returns true if the error is due to the caller's request.
func IsClientError(err error) bool {
	switch KindOf(err) {
	case KindInvalidState, KindValidationFailed, KindBusinessRuleViolation:
		return true
	}
	return false
}

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return KindOf(err) == KindNotFound
}
