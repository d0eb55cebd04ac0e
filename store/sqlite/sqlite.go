/*
Package sqlite provides a SQLite-backed implementation of attendance.TxStore.

PURPOSE:
  Durable single-node storage for persons, sessions, override requests,
  notifications and batch runs. The PostgreSQL store (store/postgres) keeps
  the same constraints with server-side enforcement.

KEY TABLES:
  persons:            person record with its schedule columns inline
  sessions:           one row per time-in; hours stored as decimal TEXT
  override_requests:  one row per session at most
  notifications:      deduplicated by idempotency_key
  runs:               sweep / completion scan / recalculation history

CONSTRAINTS (mapped to attendance sentinels):
  idx_sessions_one_open         partial UNIQUE(person_id) WHERE status='OPEN'
                                -> ErrOpenSessionExists
  idx_persons_active_badge      partial UNIQUE(badge_code) for ACTIVE persons
                                -> ErrBadgeInUse
  override_requests.session_id  UNIQUE -> ErrDuplicateOverride
  notifications.idempotency_key UNIQUE -> ErrDuplicateNotification
  sessions.version              optimistic check in UpdateSession
                                -> ErrConcurrentModification

CONCURRENCY:
  The pool is capped at one connection: SQLite has a single writer, and each
  ":memory:" connection would otherwise be a separate database. Inside WithTx
  every call goes through the *sql.Tx, never through the pool.

TIMES:
  Instants are RFC3339 TEXT in the caller's offset, with a *_unix column for
  ordering. Calendar dates are "2006-01-02".

USAGE:
  store, err := sqlite.New("./data/attendance.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

SEE ALSO:
  - attendance/store.go: interface definitions
  - attendance/store/memory.go: in-memory implementation for tests
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/warp/attendance-engine/attendance"
)

const dateLayout = "2006-01-02"

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// conn implements attendance.Store over a querier.
type conn struct {
	q querier
}

// Store implements attendance.TxStore using SQLite.
type Store struct {
	conn
	db     *sql.DB
	mu     sync.Mutex
	logger *zap.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger used for migrations and rollbacks.
func WithLogger(l *zap.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string, opts ...Option) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, errors.Wrap(err, "failed to open database")
	}
	db.SetMaxOpenConns(1)

	store := &Store{conn: conn{q: db}, db: db, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(store)
	}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "failed to migrate database")
	}
	store.logger.Debug("sqlite store ready", zap.String("path", dbPath))
	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS persons (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		badge_code TEXT NOT NULL DEFAULT '',
		otp_secret TEXT NOT NULL DEFAULT '',
		accumulated_hours TEXT NOT NULL DEFAULT '0',
		required_hours TEXT NOT NULL DEFAULT '0',
		status TEXT NOT NULL,
		schedule_start TEXT,
		schedule_end TEXT,
		grace_minutes INTEGER NOT NULL DEFAULT 0,
		schedule_active BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	-- A badge identifies at most one ACTIVE person
	CREATE UNIQUE INDEX IF NOT EXISTS idx_persons_active_badge
		ON persons(badge_code) WHERE status = 'ACTIVE' AND badge_code <> '';
	CREATE INDEX IF NOT EXISTS idx_persons_status
		ON persons(status);

	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		person_id TEXT NOT NULL REFERENCES persons(id),
		date TEXT NOT NULL,
		work_date TEXT NOT NULL,
		time_in TEXT NOT NULL,
		time_in_unix INTEGER NOT NULL,
		time_out TEXT,
		total_hours TEXT NOT NULL DEFAULT '0',
		regular_hours TEXT NOT NULL DEFAULT '0',
		overtime_hours TEXT NOT NULL DEFAULT '0',
		undertime_hours TEXT NOT NULL DEFAULT '0',
		break_deducted BOOLEAN NOT NULL DEFAULT FALSE,
		task_log TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		provenance TEXT NOT NULL DEFAULT 'NORMAL',
		version INTEGER NOT NULL DEFAULT 1,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	-- CRITICAL: at most one open session per person
	CREATE UNIQUE INDEX IF NOT EXISTS idx_sessions_one_open
		ON sessions(person_id) WHERE status = 'OPEN';
	CREATE INDEX IF NOT EXISTS idx_sessions_person_time
		ON sessions(person_id, time_in_unix DESC);
	CREATE INDEX IF NOT EXISTS idx_sessions_work_date
		ON sessions(work_date);
	CREATE INDEX IF NOT EXISTS idx_sessions_status
		ON sessions(status);

	CREATE TABLE IF NOT EXISTS override_requests (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL UNIQUE REFERENCES sessions(id),
		person_id TEXT NOT NULL,
		scheduled_time TEXT NOT NULL,
		actual_time TEXT NOT NULL,
		early_minutes INTEGER NOT NULL,
		reason TEXT NOT NULL,
		status TEXT NOT NULL,
		reviewed_by TEXT NOT NULL DEFAULT '',
		review_note TEXT NOT NULL DEFAULT '',
		reviewed_at TEXT,
		created_at TEXT NOT NULL,
		created_unix INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_overrides_status
		ON override_requests(status);

	CREATE TABLE IF NOT EXISTS notifications (
		id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		person_id TEXT NOT NULL DEFAULT '',
		session_id TEXT NOT NULL DEFAULT '',
		message TEXT NOT NULL,
		idempotency_key TEXT NOT NULL UNIQUE,
		created_at TEXT NOT NULL,
		created_unix INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_notifications_person
		ON notifications(person_id, created_unix DESC);

	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		status TEXT NOT NULL,
		processed INTEGER NOT NULL DEFAULT 0,
		changed INTEGER NOT NULL DEFAULT 0,
		skipped INTEGER NOT NULL DEFAULT 0,
		errors_json TEXT NOT NULL DEFAULT '[]',
		started_at TEXT NOT NULL,
		started_unix INTEGER NOT NULL,
		completed_at TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_runs_kind
		ON runs(kind, started_unix DESC);
	`
	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// TRANSACTIONAL STORE (attendance.TxStore interface)
// =============================================================================

// WithTx executes fn within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(attendance.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to begin transaction")
	}
	defer sqlTx.Rollback()

	if err := fn(&conn{q: sqlTx}); err != nil {
		s.logger.Debug("transaction rolled back", zap.Error(err))
		return err
	}
	return errors.Wrap(sqlTx.Commit(), "failed to commit transaction")
}

// Reset deletes all data. Used by the scenario loader.
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, table := range []string{"notifications", "override_requests", "sessions", "runs", "persons"} {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return errors.Wrapf(err, "failed to reset %s", table)
		}
	}
	return nil
}

// =============================================================================
// PERSON STORE
// =============================================================================

const personColumns = `id, name, badge_code, otp_secret, accumulated_hours, required_hours, status,
	schedule_start, schedule_end, grace_minutes, schedule_active, created_at, updated_at`

// SavePerson inserts or replaces a person.
func (c *conn) SavePerson(ctx context.Context, p attendance.Person) error {
	query := `
		INSERT INTO persons (` + personColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			badge_code = excluded.badge_code,
			otp_secret = excluded.otp_secret,
			accumulated_hours = excluded.accumulated_hours,
			required_hours = excluded.required_hours,
			status = excluded.status,
			schedule_start = excluded.schedule_start,
			schedule_end = excluded.schedule_end,
			grace_minutes = excluded.grace_minutes,
			schedule_active = excluded.schedule_active,
			updated_at = excluded.updated_at
	`
	var start, end sql.NullString
	grace, active := 0, false
	if sch := p.Schedule; sch != nil {
		start, end = timeOfDay(sch.Start), timeOfDay(sch.End)
		grace, active = sch.GraceMinutes, sch.Active
	}

	_, err := c.q.ExecContext(ctx, query,
		p.ID, p.Name, p.BadgeCode, p.OTPSecret,
		p.AccumulatedHours.String(), p.RequiredHours.String(), p.Status,
		start, end, grace, active,
		formatTime(p.CreatedAt), formatTime(p.UpdatedAt),
	)
	if isUniqueConstraintError(err, "persons.badge_code") {
		return attendance.ErrBadgeInUse
	}
	return errors.Wrap(err, "failed to save person")
}

// GetPerson retrieves a person by ID.
func (c *conn) GetPerson(ctx context.Context, id attendance.PersonID) (*attendance.Person, error) {
	return c.getPerson(ctx, "SELECT "+personColumns+" FROM persons WHERE id = ?", id)
}

// GetPersonByBadge retrieves the ACTIVE person holding a badge.
func (c *conn) GetPersonByBadge(ctx context.Context, badge string) (*attendance.Person, error) {
	return c.getPerson(ctx, "SELECT "+personColumns+" FROM persons WHERE badge_code = ? AND status = 'ACTIVE'", badge)
}

func (c *conn) getPerson(ctx context.Context, query string, arg any) (*attendance.Person, error) {
	persons, err := c.queryPersons(ctx, query, arg)
	if err != nil || len(persons) == 0 {
		return nil, err
	}
	return &persons[0], nil
}

// ListPersons returns persons ordered by name.
func (c *conn) ListPersons(ctx context.Context, f attendance.PersonFilter) ([]attendance.Person, error) {
	if f.Status != "" {
		return c.queryPersons(ctx, "SELECT "+personColumns+" FROM persons WHERE status = ? ORDER BY name, id", f.Status)
	}
	return c.queryPersons(ctx, "SELECT "+personColumns+" FROM persons ORDER BY name, id")
}

// ListReadyForCompletion filters in Go; hours are decimal TEXT.
func (c *conn) ListReadyForCompletion(ctx context.Context) ([]attendance.Person, error) {
	active, err := c.ListPersons(ctx, attendance.PersonFilter{Status: attendance.PersonActive})
	if err != nil {
		return nil, err
	}
	var out []attendance.Person
	for _, p := range active {
		if p.ReadyForCompletion() {
			out = append(out, p)
		}
	}
	return out, nil
}

func (c *conn) ListNearCompletion(ctx context.Context, within decimal.Decimal) ([]attendance.Person, error) {
	active, err := c.ListPersons(ctx, attendance.PersonFilter{Status: attendance.PersonActive})
	if err != nil {
		return nil, err
	}
	var out []attendance.Person
	for _, p := range active {
		if p.RequiredHours.IsPositive() && !p.ReadyForCompletion() && p.RemainingHours().LessThanOrEqual(within) {
			out = append(out, p)
		}
	}
	sortByRemaining(out)
	return out, nil
}

func (c *conn) queryPersons(ctx context.Context, query string, args ...any) ([]attendance.Person, error) {
	rows, err := c.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query persons")
	}
	defer rows.Close()

	var persons []attendance.Person
	for rows.Next() {
		var (
			p                   attendance.Person
			accumulated, req    string
			start, end          sql.NullString
			grace               int
			active              bool
			createdAt, updateAt string
		)
		if err := rows.Scan(&p.ID, &p.Name, &p.BadgeCode, &p.OTPSecret, &accumulated, &req, &p.Status,
			&start, &end, &grace, &active, &createdAt, &updateAt); err != nil {
			return nil, errors.Wrap(err, "failed to scan person")
		}
		p.AccumulatedHours = parseDecimal(accumulated)
		p.RequiredHours = parseDecimal(req)
		if start.Valid || end.Valid || active {
			p.Schedule = &attendance.Schedule{
				Start:        parseTimeOfDay(start),
				End:          parseTimeOfDay(end),
				GraceMinutes: grace,
				Active:       active,
			}
		}
		p.CreatedAt = parseTime(createdAt)
		p.UpdatedAt = parseTime(updateAt)
		persons = append(persons, p)
	}
	return persons, rows.Err()
}

// =============================================================================
// SESSION STORE
// =============================================================================

const sessionColumns = `id, person_id, date, work_date, time_in, time_out,
	total_hours, regular_hours, overtime_hours, undertime_hours, break_deducted,
	task_log, status, provenance, version, created_at, updated_at`

// CreateSession inserts a session with version 1.
func (c *conn) CreateSession(ctx context.Context, s attendance.Session) error {
	query := `
		INSERT INTO sessions (id, person_id, date, work_date, time_in, time_in_unix, time_out,
			total_hours, regular_hours, overtime_hours, undertime_hours, break_deducted,
			task_log, status, provenance, version, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1, ?, ?)
	`
	_, err := c.q.ExecContext(ctx, query,
		s.ID, s.PersonID, formatDate(s.Date), formatDate(s.WorkDate),
		formatTime(s.TimeIn), s.TimeIn.Unix(), nullTime(s.TimeOut),
		s.Hours.Total.String(), s.Hours.Regular.String(), s.Hours.Overtime.String(), s.Hours.Undertime.String(),
		s.Hours.BreakDeducted, s.TaskLog, s.Status, provenanceOrNormal(s.Provenance),
		formatTime(s.CreatedAt), formatTime(s.UpdatedAt),
	)
	if isUniqueConstraintError(err, "sessions.person_id") {
		return attendance.ErrOpenSessionExists
	}
	return errors.Wrap(err, "failed to create session")
}

// UpdateSession writes s when the stored version matches, bumping it.
func (c *conn) UpdateSession(ctx context.Context, s attendance.Session) error {
	query := `
		UPDATE sessions SET
			time_out = ?, total_hours = ?, regular_hours = ?, overtime_hours = ?, undertime_hours = ?,
			break_deducted = ?, task_log = ?, status = ?, provenance = ?,
			version = version + 1, updated_at = ?
		WHERE id = ? AND version = ?
	`
	res, err := c.q.ExecContext(ctx, query,
		nullTime(s.TimeOut),
		s.Hours.Total.String(), s.Hours.Regular.String(), s.Hours.Overtime.String(), s.Hours.Undertime.String(),
		s.Hours.BreakDeducted, s.TaskLog, s.Status, provenanceOrNormal(s.Provenance),
		formatTime(s.UpdatedAt), s.ID, s.Version,
	)
	if isUniqueConstraintError(err, "sessions.person_id") {
		return attendance.ErrOpenSessionExists
	}
	if err != nil {
		return errors.Wrap(err, "failed to update session")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to read rows affected")
	}
	if n == 0 {
		return attendance.ErrConcurrentModification
	}
	return nil
}

func (c *conn) GetSession(ctx context.Context, id attendance.SessionID) (*attendance.Session, error) {
	return c.getSession(ctx, "SELECT "+sessionColumns+" FROM sessions WHERE id = ?", id)
}

func (c *conn) FindOpenSession(ctx context.Context, personID attendance.PersonID) (*attendance.Session, error) {
	return c.getSession(ctx, "SELECT "+sessionColumns+" FROM sessions WHERE person_id = ? AND status = 'OPEN'", personID)
}

func (c *conn) getSession(ctx context.Context, query string, arg any) (*attendance.Session, error) {
	sessions, err := c.querySessions(ctx, query, arg)
	if err != nil || len(sessions) == 0 {
		return nil, err
	}
	return &sessions[0], nil
}

func (c *conn) ListRecentSessions(ctx context.Context, personID attendance.PersonID, limit int) ([]attendance.Session, error) {
	if limit <= 0 {
		limit = -1
	}
	return c.querySessions(ctx, "SELECT "+sessionColumns+` FROM sessions
		WHERE person_id = ? ORDER BY time_in_unix DESC, id LIMIT ?`, personID, limit)
}

func (c *conn) ListSessionsByPerson(ctx context.Context, personID attendance.PersonID, from, to time.Time) ([]attendance.Session, error) {
	query := "SELECT " + sessionColumns + " FROM sessions WHERE person_id = ?"
	args := []any{personID}
	if !from.IsZero() {
		query += " AND date >= ?"
		args = append(args, formatDate(from))
	}
	if !to.IsZero() {
		query += " AND date <= ?"
		args = append(args, formatDate(to))
	}
	query += " ORDER BY time_in_unix DESC, id"
	return c.querySessions(ctx, query, args...)
}

func (c *conn) ListOpenSessions(ctx context.Context) ([]attendance.Session, error) {
	return c.querySessions(ctx, "SELECT "+sessionColumns+` FROM sessions
		WHERE status = 'OPEN' ORDER BY time_in_unix, id`)
}

func (c *conn) ListSessionsByWorkDate(ctx context.Context, workDate time.Time) ([]attendance.Session, error) {
	return c.querySessions(ctx, "SELECT "+sessionColumns+` FROM sessions
		WHERE work_date = ? ORDER BY time_in_unix, id`, formatDate(workDate))
}

func (c *conn) querySessions(ctx context.Context, query string, args ...any) ([]attendance.Session, error) {
	rows, err := c.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query sessions")
	}
	defer rows.Close()

	var sessions []attendance.Session
	for rows.Next() {
		var (
			s                                   attendance.Session
			date, workDate, timeIn              string
			timeOut                             sql.NullString
			total, regular, overtime, undertime string
			createdAt, updatedAt                string
		)
		if err := rows.Scan(&s.ID, &s.PersonID, &date, &workDate, &timeIn, &timeOut,
			&total, &regular, &overtime, &undertime, &s.Hours.BreakDeducted,
			&s.TaskLog, &s.Status, &s.Provenance, &s.Version, &createdAt, &updatedAt); err != nil {
			return nil, errors.Wrap(err, "failed to scan session")
		}
		s.Date = parseDate(date)
		s.WorkDate = parseDate(workDate)
		s.TimeIn = parseTime(timeIn)
		if timeOut.Valid {
			t := parseTime(timeOut.String)
			s.TimeOut = &t
		}
		s.Hours.Total = parseDecimal(total)
		s.Hours.Regular = parseDecimal(regular)
		s.Hours.Overtime = parseDecimal(overtime)
		s.Hours.Undertime = parseDecimal(undertime)
		s.CreatedAt = parseTime(createdAt)
		s.UpdatedAt = parseTime(updatedAt)
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}

// =============================================================================
// OVERRIDE STORE
// =============================================================================

const overrideColumns = `id, session_id, person_id, scheduled_time, actual_time, early_minutes,
	reason, status, reviewed_by, review_note, reviewed_at, created_at`

func (c *conn) CreateOverride(ctx context.Context, o attendance.OverrideRequest) error {
	query := `
		INSERT INTO override_requests (` + overrideColumns + `, created_unix)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := c.q.ExecContext(ctx, query,
		o.ID, o.SessionID, o.PersonID, formatTime(o.ScheduledTime), formatTime(o.ActualTime), o.EarlyMinutes,
		o.Reason, o.Status, o.ReviewedBy, o.ReviewNote, nullTime(o.ReviewedAt),
		formatTime(o.CreatedAt), o.CreatedAt.Unix(),
	)
	if isUniqueConstraintError(err, "override_requests.session_id") {
		return attendance.ErrDuplicateOverride
	}
	return errors.Wrap(err, "failed to create override request")
}

func (c *conn) UpdateOverride(ctx context.Context, o attendance.OverrideRequest) error {
	res, err := c.q.ExecContext(ctx, `
		UPDATE override_requests SET status = ?, reviewed_by = ?, review_note = ?, reviewed_at = ?
		WHERE id = ?`,
		o.Status, o.ReviewedBy, o.ReviewNote, nullTime(o.ReviewedAt), o.ID,
	)
	if err != nil {
		return errors.Wrap(err, "failed to update override request")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return attendance.ErrNotFound
	}
	return nil
}

func (c *conn) GetOverride(ctx context.Context, id attendance.OverrideID) (*attendance.OverrideRequest, error) {
	return c.getOverride(ctx, "SELECT "+overrideColumns+" FROM override_requests WHERE id = ?", id)
}

func (c *conn) GetOverrideBySession(ctx context.Context, sessionID attendance.SessionID) (*attendance.OverrideRequest, error) {
	return c.getOverride(ctx, "SELECT "+overrideColumns+" FROM override_requests WHERE session_id = ?", sessionID)
}

func (c *conn) getOverride(ctx context.Context, query string, arg any) (*attendance.OverrideRequest, error) {
	list, err := c.queryOverrides(ctx, query, arg)
	if err != nil || len(list) == 0 {
		return nil, err
	}
	return &list[0], nil
}

func (c *conn) ListOverrides(ctx context.Context, status attendance.OverrideStatus) ([]attendance.OverrideRequest, error) {
	if status != "" {
		return c.queryOverrides(ctx, "SELECT "+overrideColumns+` FROM override_requests
			WHERE status = ? ORDER BY created_unix DESC, id`, status)
	}
	return c.queryOverrides(ctx, "SELECT "+overrideColumns+" FROM override_requests ORDER BY created_unix DESC, id")
}

func (c *conn) queryOverrides(ctx context.Context, query string, args ...any) ([]attendance.OverrideRequest, error) {
	rows, err := c.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query override requests")
	}
	defer rows.Close()

	var list []attendance.OverrideRequest
	for rows.Next() {
		var (
			o                            attendance.OverrideRequest
			scheduled, actual, createdAt string
			reviewedAt                   sql.NullString
		)
		if err := rows.Scan(&o.ID, &o.SessionID, &o.PersonID, &scheduled, &actual, &o.EarlyMinutes,
			&o.Reason, &o.Status, &o.ReviewedBy, &o.ReviewNote, &reviewedAt, &createdAt); err != nil {
			return nil, errors.Wrap(err, "failed to scan override request")
		}
		o.ScheduledTime = parseTime(scheduled)
		o.ActualTime = parseTime(actual)
		o.CreatedAt = parseTime(createdAt)
		if reviewedAt.Valid {
			t := parseTime(reviewedAt.String)
			o.ReviewedAt = &t
		}
		list = append(list, o)
	}
	return list, rows.Err()
}

// =============================================================================
// NOTIFICATION STORE
// =============================================================================

func (c *conn) SaveNotification(ctx context.Context, n attendance.Notification) error {
	_, err := c.q.ExecContext(ctx, `
		INSERT INTO notifications (id, kind, person_id, session_id, message, idempotency_key, created_at, created_unix)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		n.ID, n.Kind, n.PersonID, n.SessionID, n.Message, n.IdempotencyKey,
		formatTime(n.CreatedAt), n.CreatedAt.Unix(),
	)
	if isUniqueConstraintError(err, "notifications.idempotency_key") {
		return attendance.ErrDuplicateNotification
	}
	return errors.Wrap(err, "failed to save notification")
}

func (c *conn) ListNotifications(ctx context.Context, f attendance.NotificationFilter) ([]attendance.Notification, error) {
	query := "SELECT id, kind, person_id, session_id, message, idempotency_key, created_at FROM notifications WHERE 1 = 1"
	var args []any
	if f.PersonID != "" {
		query += " AND person_id = ?"
		args = append(args, f.PersonID)
	}
	if f.Kind != "" {
		query += " AND kind = ?"
		args = append(args, f.Kind)
	}
	query += " ORDER BY created_unix DESC, rowid DESC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := c.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query notifications")
	}
	defer rows.Close()

	var list []attendance.Notification
	for rows.Next() {
		var n attendance.Notification
		var createdAt string
		if err := rows.Scan(&n.ID, &n.Kind, &n.PersonID, &n.SessionID, &n.Message, &n.IdempotencyKey, &createdAt); err != nil {
			return nil, errors.Wrap(err, "failed to scan notification")
		}
		n.CreatedAt = parseTime(createdAt)
		list = append(list, n)
	}
	return list, rows.Err()
}

// =============================================================================
// RUN STORE
// =============================================================================

// SaveRun inserts or replaces a run.
func (c *conn) SaveRun(ctx context.Context, r attendance.Run) error {
	errs := r.Errors
	if errs == nil {
		errs = []attendance.ItemError{}
	}
	errorsJSON, err := json.Marshal(errs)
	if err != nil {
		return errors.Wrap(err, "failed to encode run errors")
	}
	_, err = c.q.ExecContext(ctx, `
		INSERT INTO runs (id, kind, status, processed, changed, skipped, errors_json, started_at, started_unix, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			processed = excluded.processed,
			changed = excluded.changed,
			skipped = excluded.skipped,
			errors_json = excluded.errors_json,
			completed_at = excluded.completed_at`,
		r.ID, r.Kind, r.Status, r.Processed, r.Changed, r.Skipped, string(errorsJSON),
		formatTime(r.StartedAt), r.StartedAt.Unix(), nullTime(r.CompletedAt),
	)
	return errors.Wrap(err, "failed to save run")
}

func (c *conn) ListRuns(ctx context.Context, kind attendance.RunKind, limit int) ([]attendance.Run, error) {
	query := "SELECT id, kind, status, processed, changed, skipped, errors_json, started_at, completed_at FROM runs"
	var args []any
	if kind != "" {
		query += " WHERE kind = ?"
		args = append(args, kind)
	}
	query += " ORDER BY started_unix DESC, rowid DESC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := c.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query runs")
	}
	defer rows.Close()

	var runs []attendance.Run
	for rows.Next() {
		var (
			r                     attendance.Run
			errorsJSON, startedAt string
			completedAt           sql.NullString
		)
		if err := rows.Scan(&r.ID, &r.Kind, &r.Status, &r.Processed, &r.Changed, &r.Skipped,
			&errorsJSON, &startedAt, &completedAt); err != nil {
			return nil, errors.Wrap(err, "failed to scan run")
		}
		if errorsJSON != "" {
			if err := json.Unmarshal([]byte(errorsJSON), &r.Errors); err != nil {
				return nil, errors.Wrapf(err, "failed to decode errors of run %s", r.ID)
			}
		}
		r.StartedAt = parseTime(startedAt)
		if completedAt.Valid {
			t := parseTime(completedAt.String)
			r.CompletedAt = &t
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// Helper functions

func formatTime(t time.Time) string { return t.Format(time.RFC3339) }

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339, s)
	return t
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func formatDate(t time.Time) string { return t.Format(dateLayout) }

func parseDate(s string) time.Time {
	t, _ := time.Parse(dateLayout, s)
	return t
}

func parseDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func timeOfDay(t *attendance.TimeOfDay) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: t.String(), Valid: true}
}

func parseTimeOfDay(s sql.NullString) *attendance.TimeOfDay {
	if !s.Valid {
		return nil
	}
	t, err := attendance.ParseTimeOfDay(s.String)
	if err != nil {
		return nil
	}
	return &t
}

func provenanceOrNormal(p attendance.Provenance) attendance.Provenance {
	if p == "" {
		return attendance.ProvenanceNormal
	}
	return p
}

func sortByRemaining(persons []attendance.Person) {
	for i := 1; i < len(persons); i++ {
		for j := i; j > 0 && persons[j].RemainingHours().LessThan(persons[j-1].RemainingHours()); j-- {
			persons[j], persons[j-1] = persons[j-1], persons[j]
		}
	}
}

// isUniqueConstraintError reports a UNIQUE violation on the given table.column.
func isUniqueConstraintError(err error, column string) bool {
	var serr sqlite3.Error
	if !errors.As(err, &serr) {
		return false
	}
	return serr.ExtendedCode == sqlite3.ErrConstraintUnique && strings.Contains(serr.Error(), column)
}
