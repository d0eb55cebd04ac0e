/*
store.go - Persistence interfaces for persons, sessions and overrides

PURPOSE:
  Defines the boundary between the engine and the database. The engine never
  issues SQL; it calls these methods, usually inside WithTx.

KEY INTERFACES:
  PersonStore:       persons, badge lookup, completion queries
  SessionStore:      sessions with versioned updates
  OverrideStore:     override requests, one per session
  NotificationStore: notifications deduplicated by idempotency key
  RunStore:          batch run history
  TxStore:           all of the above plus WithTx

NOT-FOUND CONVENTION:
  Get* and Find* return (nil, nil) when nothing matches. The engine turns
  that into a NotFound error with operation context.

CONSTRAINTS EVERY IMPLEMENTATION ENFORCES:
  - At most one OPEN session per person      -> ErrOpenSessionExists
  - Session.Version must match on update      -> ErrConcurrentModification
  - One override request per session          -> ErrDuplicateOverride
  - Unique notification idempotency key       -> ErrDuplicateNotification
  - Badge code unique among ACTIVE persons    -> ErrBadgeInUse

IMPLEMENTATIONS:
  - attendance/store/memory.go: in-memory, for tests
  - store/sqlite/sqlite.go:     SQLite
  - store/postgres/postgres.go: PostgreSQL via bun

SEE ALSO:
  - lifecycle.go: transactional time-in / time-out
*/
package attendance

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// PERSONS
// =============================================================================

type PersonFilter struct {
	Status PersonStatus // empty = any
}

type PersonStore interface {
	// SavePerson inserts or replaces a person.
	SavePerson(ctx context.Context, p Person) error
	GetPerson(ctx context.Context, id PersonID) (*Person, error)
	GetPersonByBadge(ctx context.Context, badge string) (*Person, error)
	ListPersons(ctx context.Context, filter PersonFilter) ([]Person, error)

	// ListReadyForCompletion returns ACTIVE persons whose accumulated hours
	// reached a positive required-hours target.
	ListReadyForCompletion(ctx context.Context) ([]Person, error)

	// ListNearCompletion returns ACTIVE persons with a target who are short
	// of it by at most within hours.
	ListNearCompletion(ctx context.Context, within decimal.Decimal) ([]Person, error)
}

// =============================================================================
// SESSIONS
// =============================================================================

type SessionStore interface {
	// CreateSession inserts a new session with Version 1.
	CreateSession(ctx context.Context, s Session) error

	// UpdateSession writes s if the stored version equals s.Version and
	// bumps it. The caller's copy is not modified.
	UpdateSession(ctx context.Context, s Session) error

	GetSession(ctx context.Context, id SessionID) (*Session, error)
	FindOpenSession(ctx context.Context, personID PersonID) (*Session, error)

	// ListRecentSessions returns up to limit sessions, newest time-in first.
	ListRecentSessions(ctx context.Context, personID PersonID, limit int) ([]Session, error)

	// ListSessionsByPerson returns sessions whose Date is in [from, to],
	// newest first. Zero bounds are open.
	ListSessionsByPerson(ctx context.Context, personID PersonID, from, to time.Time) ([]Session, error)

	ListOpenSessions(ctx context.Context) ([]Session, error)
	ListSessionsByWorkDate(ctx context.Context, workDate time.Time) ([]Session, error)
}

// =============================================================================
// OVERRIDES
// =============================================================================

type OverrideStore interface {
	CreateOverride(ctx context.Context, o OverrideRequest) error
	UpdateOverride(ctx context.Context, o OverrideRequest) error
	GetOverride(ctx context.Context, id OverrideID) (*OverrideRequest, error)
	GetOverrideBySession(ctx context.Context, sessionID SessionID) (*OverrideRequest, error)
	ListOverrides(ctx context.Context, status OverrideStatus) ([]OverrideRequest, error)
}

// =============================================================================
// NOTIFICATIONS
// =============================================================================

type NotificationFilter struct {
	PersonID PersonID
	Kind     NotificationKind
	Limit    int
}

type NotificationStore interface {
	SaveNotification(ctx context.Context, n Notification) error
	ListNotifications(ctx context.Context, filter NotificationFilter) ([]Notification, error)
}

// =============================================================================
// RUNS
// =============================================================================

type RunStore interface {
	// SaveRun inserts or replaces a run by ID.
	SaveRun(ctx context.Context, r Run) error
	ListRuns(ctx context.Context, kind RunKind, limit int) ([]Run, error)
}

// =============================================================================
// COMPOSITE + TRANSACTIONAL
// =============================================================================

type Store interface {
	PersonStore
	SessionStore
	OverrideStore
	NotificationStore
	RunStore
}

// TxStore wraps Store with transaction support.
type TxStore interface {
	Store

	// WithTx executes fn within a transaction.
	// If fn returns error, the transaction is rolled back.
	WithTx(ctx context.Context, fn func(Store) error) error
}
