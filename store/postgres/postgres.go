/*
postgres.go - PostgreSQL implementation of attendance.TxStore via bun

PURPOSE:
  Multi-instance storage. Constraints match the SQLite store and are
  enforced by the server, so several engine processes can share one
  database (combine with the redis Locker for cross-process locking).

ERROR MAPPING:
  SQLSTATE 23505 (unique_violation), by constraint name:
    idx_sessions_one_open         -> attendance.ErrOpenSessionExists
    idx_persons_active_badge      -> attendance.ErrBadgeInUse
    override_requests_session_key -> attendance.ErrDuplicateOverride
  SQLSTATE 40001 (serialization_failure) -> attendance.ErrConcurrentModification
  Notifications insert with ON CONFLICT DO NOTHING so a duplicate key does
  not abort the surrounding transaction.

TIME ZONES:
  timestamptz values come back in UTC. They are converted to the store's
  location (WithLocation) so schedule anchoring sees local clock times.

SEE ALSO:
  - store/sqlite/sqlite.go: single-node equivalent
  - attendance/store.go: interface definitions
*/
package postgres

import (
	"context"
	"database/sql"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"
	"github.com/uptrace/bun/extra/bundebug"
	"go.uber.org/zap"

	"github.com/warp/attendance-engine/attendance"
)

// Store implements attendance.TxStore on PostgreSQL.
type Store struct {
	conn
	db *bun.DB
}

// conn implements attendance.Store over *bun.DB or bun.Tx.
type conn struct {
	db     bun.IDB
	loc    *time.Location
	logger *zap.Logger
}

type options struct {
	loc     *time.Location
	logger  *zap.Logger
	verbose bool
}

// Option configures a Store.
type Option func(*options)

// WithLocation sets the zone timestamps are returned in. Default UTC.
func WithLocation(loc *time.Location) Option {
	return func(o *options) { o.loc = loc }
}

func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithQueryLog prints every query through bundebug.
func WithQueryLog(verbose bool) Option {
	return func(o *options) { o.verbose = verbose }
}

// Open connects to dsn and applies the schema.
func Open(ctx context.Context, dsn string, opts ...Option) (*Store, error) {
	o := options{loc: time.UTC, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(&o)
	}

	sqldb := sql.OpenDB(pgdriver.NewConnector(pgdriver.WithDSN(dsn)))
	db := bun.NewDB(sqldb, pgdialect.New())
	if o.verbose {
		db.AddQueryHook(bundebug.NewQueryHook(bundebug.WithVerbose(true)))
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "failed to connect to postgres")
	}

	s := &Store{conn: conn{db: db, loc: o.loc, logger: o.logger}, db: db}
	if err := s.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	o.logger.Info("postgres store ready")
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// Migrate creates tables and indexes when missing.
func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return errors.Wrap(err, "failed to migrate database")
		}
	}
	return nil
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS persons (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		badge_code TEXT NOT NULL DEFAULT '',
		otp_secret TEXT NOT NULL DEFAULT '',
		accumulated_hours NUMERIC(10,2) NOT NULL DEFAULT 0,
		required_hours NUMERIC(10,2) NOT NULL DEFAULT 0,
		status TEXT NOT NULL,
		schedule_start TEXT,
		schedule_end TEXT,
		grace_minutes INTEGER NOT NULL DEFAULT 0,
		schedule_active BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_persons_active_badge
		ON persons(badge_code) WHERE status = 'ACTIVE' AND badge_code <> ''`,
	`CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		person_id TEXT NOT NULL REFERENCES persons(id),
		date DATE NOT NULL,
		work_date DATE NOT NULL,
		time_in TIMESTAMPTZ NOT NULL,
		time_out TIMESTAMPTZ,
		total_hours NUMERIC(10,2) NOT NULL DEFAULT 0,
		regular_hours NUMERIC(10,2) NOT NULL DEFAULT 0,
		overtime_hours NUMERIC(10,2) NOT NULL DEFAULT 0,
		undertime_hours NUMERIC(10,2) NOT NULL DEFAULT 0,
		break_deducted BOOLEAN NOT NULL DEFAULT FALSE,
		task_log TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		provenance TEXT NOT NULL DEFAULT 'NORMAL',
		version INTEGER NOT NULL DEFAULT 1,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_sessions_one_open
		ON sessions(person_id) WHERE status = 'OPEN'`,
	`CREATE INDEX IF NOT EXISTS idx_sessions_person_time ON sessions(person_id, time_in DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_sessions_work_date ON sessions(work_date)`,
	`CREATE TABLE IF NOT EXISTS override_requests (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL REFERENCES sessions(id),
		person_id TEXT NOT NULL,
		scheduled_time TIMESTAMPTZ NOT NULL,
		actual_time TIMESTAMPTZ NOT NULL,
		early_minutes INTEGER NOT NULL,
		reason TEXT NOT NULL,
		status TEXT NOT NULL,
		reviewed_by TEXT NOT NULL DEFAULT '',
		review_note TEXT NOT NULL DEFAULT '',
		reviewed_at TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL,
		CONSTRAINT override_requests_session_key UNIQUE (session_id)
	)`,
	`CREATE TABLE IF NOT EXISTS notifications (
		id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		person_id TEXT NOT NULL DEFAULT '',
		session_id TEXT NOT NULL DEFAULT '',
		message TEXT NOT NULL,
		idempotency_key TEXT NOT NULL UNIQUE,
		created_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_notifications_person ON notifications(person_id, created_at DESC)`,
	`CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		status TEXT NOT NULL,
		processed INTEGER NOT NULL DEFAULT 0,
		changed INTEGER NOT NULL DEFAULT 0,
		skipped INTEGER NOT NULL DEFAULT 0,
		errors JSONB NOT NULL DEFAULT '[]',
		started_at TIMESTAMPTZ NOT NULL,
		completed_at TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS idx_runs_kind ON runs(kind, started_at DESC)`,
}

// Reset truncates every table. Used by the scenario loader and tests.
func (s *Store) Reset(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "TRUNCATE notifications, override_requests, sessions, runs, persons")
	return errors.Wrap(err, "failed to reset database")
}

// WithTx executes fn within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(attendance.Store) error) error {
	return s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		return fn(&conn{db: tx, loc: s.loc, logger: s.logger})
	})
}

// =============================================================================
// PERSONS
// =============================================================================

func (c *conn) SavePerson(ctx context.Context, p attendance.Person) error {
	_, err := c.db.NewInsert().
		Model(toPersonRow(p)).
		On("CONFLICT (id) DO UPDATE").
		Set("name = EXCLUDED.name").
		Set("badge_code = EXCLUDED.badge_code").
		Set("otp_secret = EXCLUDED.otp_secret").
		Set("accumulated_hours = EXCLUDED.accumulated_hours").
		Set("required_hours = EXCLUDED.required_hours").
		Set("status = EXCLUDED.status").
		Set("schedule_start = EXCLUDED.schedule_start").
		Set("schedule_end = EXCLUDED.schedule_end").
		Set("grace_minutes = EXCLUDED.grace_minutes").
		Set("schedule_active = EXCLUDED.schedule_active").
		Set("updated_at = EXCLUDED.updated_at").
		Exec(ctx)
	return mapError(err, "failed to save person")
}

func (c *conn) GetPerson(ctx context.Context, id attendance.PersonID) (*attendance.Person, error) {
	return c.getPerson(ctx, c.db.NewSelect().Model((*personRow)(nil)).Where("id = ?", id))
}

func (c *conn) GetPersonByBadge(ctx context.Context, badge string) (*attendance.Person, error) {
	return c.getPerson(ctx, c.db.NewSelect().Model((*personRow)(nil)).
		Where("badge_code = ?", badge).
		Where("status = ?", attendance.PersonActive))
}

func (c *conn) getPerson(ctx context.Context, q *bun.SelectQuery) (*attendance.Person, error) {
	var row personRow
	if err := q.Limit(1).Scan(ctx, &row); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "failed to get person")
	}
	p := row.toPerson(c.loc)
	return &p, nil
}

func (c *conn) ListPersons(ctx context.Context, f attendance.PersonFilter) ([]attendance.Person, error) {
	q := c.db.NewSelect().Model((*personRow)(nil)).Order("name", "id")
	if f.Status != "" {
		q = q.Where("status = ?", f.Status)
	}
	return c.scanPersons(ctx, q)
}

func (c *conn) ListReadyForCompletion(ctx context.Context) ([]attendance.Person, error) {
	return c.scanPersons(ctx, c.db.NewSelect().Model((*personRow)(nil)).
		Where("status = ?", attendance.PersonActive).
		Where("required_hours > 0").
		Where("accumulated_hours >= required_hours").
		Order("name", "id"))
}

func (c *conn) ListNearCompletion(ctx context.Context, within decimal.Decimal) ([]attendance.Person, error) {
	return c.scanPersons(ctx, c.db.NewSelect().Model((*personRow)(nil)).
		Where("status = ?", attendance.PersonActive).
		Where("required_hours > 0").
		Where("accumulated_hours < required_hours").
		Where("required_hours - accumulated_hours <= ?", within).
		OrderExpr("required_hours - accumulated_hours ASC, id"))
}

func (c *conn) scanPersons(ctx context.Context, q *bun.SelectQuery) ([]attendance.Person, error) {
	var rows []personRow
	if err := q.Scan(ctx, &rows); err != nil {
		return nil, errors.Wrap(err, "failed to query persons")
	}
	out := make([]attendance.Person, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toPerson(c.loc))
	}
	return out, nil
}

// =============================================================================
// SESSIONS
// =============================================================================

func (c *conn) CreateSession(ctx context.Context, s attendance.Session) error {
	row := toSessionRow(s)
	row.Version = 1
	_, err := c.db.NewInsert().Model(row).Exec(ctx)
	return mapError(err, "failed to create session")
}

func (c *conn) UpdateSession(ctx context.Context, s attendance.Session) error {
	row := toSessionRow(s)
	res, err := c.db.NewUpdate().
		Model((*sessionRow)(nil)).
		Set("time_out = ?", row.TimeOut).
		Set("total_hours = ?", row.TotalHours).
		Set("regular_hours = ?", row.RegularHours).
		Set("overtime_hours = ?", row.OvertimeHours).
		Set("undertime_hours = ?", row.UndertimeHours).
		Set("break_deducted = ?", row.BreakDeducted).
		Set("task_log = ?", row.TaskLog).
		Set("status = ?", row.Status).
		Set("provenance = ?", row.Provenance).
		Set("version = version + 1").
		Set("updated_at = ?", row.UpdatedAt).
		Where("id = ?", row.ID).
		Where("version = ?", row.Version).
		Exec(ctx)
	if err != nil {
		return mapError(err, "failed to update session")
	}
	if n, err := res.RowsAffected(); err != nil || n == 0 {
		return attendance.ErrConcurrentModification
	}
	return nil
}

func (c *conn) GetSession(ctx context.Context, id attendance.SessionID) (*attendance.Session, error) {
	return c.getSession(ctx, c.db.NewSelect().Model((*sessionRow)(nil)).Where("id = ?", id))
}

func (c *conn) FindOpenSession(ctx context.Context, personID attendance.PersonID) (*attendance.Session, error) {
	return c.getSession(ctx, c.db.NewSelect().Model((*sessionRow)(nil)).
		Where("person_id = ?", personID).
		Where("status = ?", attendance.SessionOpen))
}

func (c *conn) getSession(ctx context.Context, q *bun.SelectQuery) (*attendance.Session, error) {
	var row sessionRow
	if err := q.Limit(1).Scan(ctx, &row); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "failed to get session")
	}
	s := row.toSession(c.loc)
	return &s, nil
}

func (c *conn) ListRecentSessions(ctx context.Context, personID attendance.PersonID, limit int) ([]attendance.Session, error) {
	q := c.db.NewSelect().Model((*sessionRow)(nil)).
		Where("person_id = ?", personID).
		OrderExpr("time_in DESC, id")
	if limit > 0 {
		q = q.Limit(limit)
	}
	return c.scanSessions(ctx, q)
}

func (c *conn) ListSessionsByPerson(ctx context.Context, personID attendance.PersonID, from, to time.Time) ([]attendance.Session, error) {
	q := c.db.NewSelect().Model((*sessionRow)(nil)).Where("person_id = ?", personID)
	if !from.IsZero() {
		q = q.Where("date >= ?", dateOnly(from))
	}
	if !to.IsZero() {
		q = q.Where("date <= ?", dateOnly(to))
	}
	return c.scanSessions(ctx, q.OrderExpr("time_in DESC, id"))
}

func (c *conn) ListOpenSessions(ctx context.Context) ([]attendance.Session, error) {
	return c.scanSessions(ctx, c.db.NewSelect().Model((*sessionRow)(nil)).
		Where("status = ?", attendance.SessionOpen).
		OrderExpr("time_in, id"))
}

func (c *conn) ListSessionsByWorkDate(ctx context.Context, workDate time.Time) ([]attendance.Session, error) {
	return c.scanSessions(ctx, c.db.NewSelect().Model((*sessionRow)(nil)).
		Where("work_date = ?", dateOnly(workDate)).
		OrderExpr("time_in, id"))
}

func (c *conn) scanSessions(ctx context.Context, q *bun.SelectQuery) ([]attendance.Session, error) {
	var rows []sessionRow
	if err := q.Scan(ctx, &rows); err != nil {
		return nil, errors.Wrap(err, "failed to query sessions")
	}
	out := make([]attendance.Session, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toSession(c.loc))
	}
	return out, nil
}

// =============================================================================
// OVERRIDES
// =============================================================================

func (c *conn) CreateOverride(ctx context.Context, o attendance.OverrideRequest) error {
	_, err := c.db.NewInsert().Model(toOverrideRow(o)).Exec(ctx)
	return mapError(err, "failed to create override request")
}

func (c *conn) UpdateOverride(ctx context.Context, o attendance.OverrideRequest) error {
	res, err := c.db.NewUpdate().
		Model((*overrideRow)(nil)).
		Set("status = ?", o.Status).
		Set("reviewed_by = ?", o.ReviewedBy).
		Set("review_note = ?", o.ReviewNote).
		Set("reviewed_at = ?", o.ReviewedAt).
		Where("id = ?", o.ID).
		Exec(ctx)
	if err != nil {
		return mapError(err, "failed to update override request")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return attendance.ErrNotFound
	}
	return nil
}

func (c *conn) GetOverride(ctx context.Context, id attendance.OverrideID) (*attendance.OverrideRequest, error) {
	return c.getOverride(ctx, c.db.NewSelect().Model((*overrideRow)(nil)).Where("id = ?", id))
}

func (c *conn) GetOverrideBySession(ctx context.Context, sessionID attendance.SessionID) (*attendance.OverrideRequest, error) {
	return c.getOverride(ctx, c.db.NewSelect().Model((*overrideRow)(nil)).Where("session_id = ?", sessionID))
}

func (c *conn) getOverride(ctx context.Context, q *bun.SelectQuery) (*attendance.OverrideRequest, error) {
	var row overrideRow
	if err := q.Limit(1).Scan(ctx, &row); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "failed to get override request")
	}
	o := row.toOverride(c.loc)
	return &o, nil
}

func (c *conn) ListOverrides(ctx context.Context, status attendance.OverrideStatus) ([]attendance.OverrideRequest, error) {
	q := c.db.NewSelect().Model((*overrideRow)(nil)).OrderExpr("created_at DESC, id")
	if status != "" {
		q = q.Where("status = ?", status)
	}
	var rows []overrideRow
	if err := q.Scan(ctx, &rows); err != nil {
		return nil, errors.Wrap(err, "failed to query override requests")
	}
	out := make([]attendance.OverrideRequest, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toOverride(c.loc))
	}
	return out, nil
}

// =============================================================================
// NOTIFICATIONS
// =============================================================================

func (c *conn) SaveNotification(ctx context.Context, n attendance.Notification) error {
	res, err := c.db.NewInsert().
		Model(toNotificationRow(n)).
		On("CONFLICT (idempotency_key) DO NOTHING").
		Exec(ctx)
	if err != nil {
		return mapError(err, "failed to save notification")
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return attendance.ErrDuplicateNotification
	}
	return nil
}

func (c *conn) ListNotifications(ctx context.Context, f attendance.NotificationFilter) ([]attendance.Notification, error) {
	q := c.db.NewSelect().Model((*notificationRow)(nil)).OrderExpr("created_at DESC, id DESC")
	if f.PersonID != "" {
		q = q.Where("person_id = ?", f.PersonID)
	}
	if f.Kind != "" {
		q = q.Where("kind = ?", f.Kind)
	}
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}
	var rows []notificationRow
	if err := q.Scan(ctx, &rows); err != nil {
		return nil, errors.Wrap(err, "failed to query notifications")
	}
	out := make([]attendance.Notification, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toNotification(c.loc))
	}
	return out, nil
}

// =============================================================================
// RUNS
// =============================================================================

func (c *conn) SaveRun(ctx context.Context, r attendance.Run) error {
	_, err := c.db.NewInsert().
		Model(toRunRow(r)).
		On("CONFLICT (id) DO UPDATE").
		Set("status = EXCLUDED.status").
		Set("processed = EXCLUDED.processed").
		Set("changed = EXCLUDED.changed").
		Set("skipped = EXCLUDED.skipped").
		Set("errors = EXCLUDED.errors").
		Set("completed_at = EXCLUDED.completed_at").
		Exec(ctx)
	return mapError(err, "failed to save run")
}

func (c *conn) ListRuns(ctx context.Context, kind attendance.RunKind, limit int) ([]attendance.Run, error) {
	q := c.db.NewSelect().Model((*runRow)(nil)).OrderExpr("started_at DESC, id")
	if kind != "" {
		q = q.Where("kind = ?", kind)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	var rows []runRow
	if err := q.Scan(ctx, &rows); err != nil {
		return nil, errors.Wrap(err, "failed to query runs")
	}
	out := make([]attendance.Run, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toRun(c.loc))
	}
	return out, nil
}

// =============================================================================
// ERROR MAPPING
// =============================================================================

func mapError(err error, msg string) error {
	if err == nil {
		return nil
	}
	var pgErr pgdriver.Error
	if errors.As(err, &pgErr) {
		switch pgErr.Field('C') {
		case "23505":
			switch pgErr.Field('n') {
			case "idx_sessions_one_open":
				return attendance.ErrOpenSessionExists
			case "idx_persons_active_badge":
				return attendance.ErrBadgeInUse
			case "override_requests_session_key":
				return attendance.ErrDuplicateOverride
			case "notifications_idempotency_key_key":
				return attendance.ErrDuplicateNotification
			}
		case "40001":
			return attendance.ErrConcurrentModification
		}
	}
	return errors.Wrap(err, msg)
}
