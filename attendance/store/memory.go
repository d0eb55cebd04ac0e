// Package store provides in-process attendance.Store implementations.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/attendance-engine/attendance"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type Memory struct {
	mu    sync.RWMutex
	state memoryState
}

type memoryState struct {
	persons       map[attendance.PersonID]attendance.Person
	sessions      map[attendance.SessionID]attendance.Session
	overrides     map[attendance.OverrideID]attendance.OverrideRequest
	notifications []attendance.Notification
	notified      map[string]bool
	runs          map[string]attendance.Run
}

func newState() memoryState {
	return memoryState{
		persons:   make(map[attendance.PersonID]attendance.Person),
		sessions:  make(map[attendance.SessionID]attendance.Session),
		overrides: make(map[attendance.OverrideID]attendance.OverrideRequest),
		notified:  make(map[string]bool),
		runs:      make(map[string]attendance.Run),
	}
}

func NewMemory() *Memory {
	return &Memory{state: newState()}
}

// =============================================================================
// PERSONS
// =============================================================================

func (m *Memory) SavePerson(_ context.Context, p attendance.Person) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.savePerson(p)
}

func (m *Memory) GetPerson(_ context.Context, id attendance.PersonID) (*attendance.Person, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.getPerson(id), nil
}

func (m *Memory) GetPersonByBadge(_ context.Context, badge string) (*attendance.Person, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.personByBadge(badge), nil
}

func (m *Memory) ListPersons(_ context.Context, f attendance.PersonFilter) ([]attendance.Person, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.listPersons(func(p attendance.Person) bool {
		return f.Status == "" || p.Status == f.Status
	}), nil
}

func (m *Memory) ListReadyForCompletion(_ context.Context) ([]attendance.Person, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.listPersons(func(p attendance.Person) bool { return p.ReadyForCompletion() }), nil
}

func (m *Memory) ListNearCompletion(_ context.Context, within decimal.Decimal) ([]attendance.Person, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.nearCompletion(within), nil
}

func (s *memoryState) savePerson(p attendance.Person) error {
	if p.Status == attendance.PersonActive && p.BadgeCode != "" {
		if holder := s.personByBadge(p.BadgeCode); holder != nil && holder.ID != p.ID {
			return attendance.ErrBadgeInUse
		}
	}
	p.Schedule = p.Schedule.Copy()
	s.persons[p.ID] = p
	return nil
}

func (s *memoryState) getPerson(id attendance.PersonID) *attendance.Person {
	p, ok := s.persons[id]
	if !ok {
		return nil
	}
	p.Schedule = p.Schedule.Copy()
	return &p
}

// personByBadge only matches ACTIVE persons; inactive ones release their badge.
func (s *memoryState) personByBadge(badge string) *attendance.Person {
	for id, p := range s.persons {
		if p.Status == attendance.PersonActive && p.BadgeCode == badge {
			return s.getPerson(id)
		}
	}
	return nil
}

func (s *memoryState) listPersons(keep func(attendance.Person) bool) []attendance.Person {
	var out []attendance.Person
	for _, p := range s.persons {
		if keep(p) {
			p.Schedule = p.Schedule.Copy()
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (s *memoryState) nearCompletion(within decimal.Decimal) []attendance.Person {
	out := s.listPersons(func(p attendance.Person) bool {
		if p.Status != attendance.PersonActive || !p.RequiredHours.IsPositive() || p.ReadyForCompletion() {
			return false
		}
		return p.RemainingHours().LessThanOrEqual(within)
	})
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].RemainingHours().LessThan(out[j].RemainingHours())
	})
	return out
}

// =============================================================================
// SESSIONS
// =============================================================================

func (m *Memory) CreateSession(_ context.Context, sess attendance.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.createSession(sess)
}

func (m *Memory) UpdateSession(_ context.Context, sess attendance.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.updateSession(sess)
}

func (m *Memory) GetSession(_ context.Context, id attendance.SessionID) (*attendance.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.getSession(id), nil
}

func (m *Memory) FindOpenSession(_ context.Context, personID attendance.PersonID) (*attendance.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.openSession(personID), nil
}

func (m *Memory) ListRecentSessions(_ context.Context, personID attendance.PersonID, limit int) ([]attendance.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.recentSessions(personID, limit), nil
}

func (m *Memory) ListSessionsByPerson(_ context.Context, personID attendance.PersonID, from, to time.Time) ([]attendance.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.sessionsByPerson(personID, from, to), nil
}

func (m *Memory) ListOpenSessions(_ context.Context) ([]attendance.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.openSessions(), nil
}

func (m *Memory) ListSessionsByWorkDate(_ context.Context, workDate time.Time) ([]attendance.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.sessionsByWorkDate(workDate), nil
}

func (s *memoryState) createSession(sess attendance.Session) error {
	if sess.Status == attendance.SessionOpen && s.openSession(sess.PersonID) != nil {
		return attendance.ErrOpenSessionExists
	}
	sess.Version = 1
	s.sessions[sess.ID] = cloneSession(sess)
	return nil
}

func (s *memoryState) updateSession(sess attendance.Session) error {
	cur, ok := s.sessions[sess.ID]
	if !ok || cur.Version != sess.Version {
		return attendance.ErrConcurrentModification
	}
	if sess.Status == attendance.SessionOpen {
		if other := s.openSession(sess.PersonID); other != nil && other.ID != sess.ID {
			return attendance.ErrOpenSessionExists
		}
	}
	sess.Version++
	s.sessions[sess.ID] = cloneSession(sess)
	return nil
}

func (s *memoryState) getSession(id attendance.SessionID) *attendance.Session {
	sess, ok := s.sessions[id]
	if !ok {
		return nil
	}
	sess = cloneSession(sess)
	return &sess
}

func (s *memoryState) openSession(personID attendance.PersonID) *attendance.Session {
	for id, sess := range s.sessions {
		if sess.PersonID == personID && sess.Status == attendance.SessionOpen {
			return s.getSession(id)
		}
	}
	return nil
}

func (s *memoryState) collect(keep func(attendance.Session) bool, newestFirst bool) []attendance.Session {
	var out []attendance.Session
	for _, sess := range s.sessions {
		if keep(sess) {
			out = append(out, cloneSession(sess))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].TimeIn.Equal(out[j].TimeIn) {
			return out[i].TimeIn.After(out[j].TimeIn) == newestFirst
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (s *memoryState) recentSessions(personID attendance.PersonID, limit int) []attendance.Session {
	out := s.collect(func(sess attendance.Session) bool { return sess.PersonID == personID }, true)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (s *memoryState) sessionsByPerson(personID attendance.PersonID, from, to time.Time) []attendance.Session {
	return s.collect(func(sess attendance.Session) bool {
		if sess.PersonID != personID {
			return false
		}
		if !from.IsZero() && sess.Date.Before(attendance.DateOf(from)) {
			return false
		}
		return to.IsZero() || !sess.Date.After(attendance.DateOf(to))
	}, true)
}

func (s *memoryState) openSessions() []attendance.Session {
	return s.collect(func(sess attendance.Session) bool { return sess.Status == attendance.SessionOpen }, false)
}

func (s *memoryState) sessionsByWorkDate(day time.Time) []attendance.Session {
	return s.collect(func(sess attendance.Session) bool { return attendance.SameDate(sess.WorkDate, day) }, false)
}

func cloneSession(s attendance.Session) attendance.Session {
	if s.TimeOut != nil {
		out := *s.TimeOut
		s.TimeOut = &out
	}
	return s
}

// =============================================================================
// OVERRIDES
// =============================================================================

func (m *Memory) CreateOverride(_ context.Context, o attendance.OverrideRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.createOverride(o)
}

func (m *Memory) UpdateOverride(_ context.Context, o attendance.OverrideRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.updateOverride(o)
}

func (m *Memory) GetOverride(_ context.Context, id attendance.OverrideID) (*attendance.OverrideRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.getOverride(id), nil
}

func (m *Memory) GetOverrideBySession(_ context.Context, sessionID attendance.SessionID) (*attendance.OverrideRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.overrideBySession(sessionID), nil
}

func (m *Memory) ListOverrides(_ context.Context, status attendance.OverrideStatus) ([]attendance.OverrideRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.listOverrides(status), nil
}

func (s *memoryState) createOverride(o attendance.OverrideRequest) error {
	if s.overrideBySession(o.SessionID) != nil {
		return attendance.ErrDuplicateOverride
	}
	s.overrides[o.ID] = o
	return nil
}

func (s *memoryState) updateOverride(o attendance.OverrideRequest) error {
	if _, ok := s.overrides[o.ID]; !ok {
		return attendance.ErrNotFound
	}
	s.overrides[o.ID] = o
	return nil
}

func (s *memoryState) getOverride(id attendance.OverrideID) *attendance.OverrideRequest {
	o, ok := s.overrides[id]
	if !ok {
		return nil
	}
	return &o
}

func (s *memoryState) overrideBySession(sessionID attendance.SessionID) *attendance.OverrideRequest {
	for _, o := range s.overrides {
		if o.SessionID == sessionID {
			o := o
			return &o
		}
	}
	return nil
}

func (s *memoryState) listOverrides(status attendance.OverrideStatus) []attendance.OverrideRequest {
	var out []attendance.OverrideRequest
	for _, o := range s.overrides {
		if status == "" || o.Status == status {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// =============================================================================
// NOTIFICATIONS + RUNS
// =============================================================================

func (m *Memory) SaveNotification(_ context.Context, n attendance.Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.saveNotification(n)
}

func (m *Memory) ListNotifications(_ context.Context, f attendance.NotificationFilter) ([]attendance.Notification, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.listNotifications(f), nil
}

func (m *Memory) SaveRun(_ context.Context, r attendance.Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.runs[r.ID] = r
	return nil
}

func (m *Memory) ListRuns(_ context.Context, kind attendance.RunKind, limit int) ([]attendance.Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.listRuns(kind, limit), nil
}

func (s *memoryState) saveNotification(n attendance.Notification) error {
	if s.notified[n.IdempotencyKey] {
		return attendance.ErrDuplicateNotification
	}
	s.notified[n.IdempotencyKey] = true
	s.notifications = append(s.notifications, n)
	return nil
}

func (s *memoryState) listNotifications(f attendance.NotificationFilter) []attendance.Notification {
	var out []attendance.Notification
	for i := len(s.notifications) - 1; i >= 0; i-- {
		n := s.notifications[i]
		if f.PersonID != "" && n.PersonID != f.PersonID {
			continue
		}
		if f.Kind != "" && n.Kind != f.Kind {
			continue
		}
		out = append(out, n)
		if f.Limit > 0 && len(out) == f.Limit {
			break
		}
	}
	return out
}

func (s *memoryState) listRuns(kind attendance.RunKind, limit int) []attendance.Run {
	var out []attendance.Run
	for _, r := range s.runs {
		if kind == "" || r.Kind == kind {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// =============================================================================
// TRANSACTIONAL MEMORY STORE
// =============================================================================

// TxMemory wraps Memory with transaction support.
type TxMemory struct {
	*Memory
}

func NewTxMemory() *TxMemory {
	return &TxMemory{Memory: NewMemory()}
}

// Reset clears all data.
func (tm *TxMemory) Reset(_ context.Context) error {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	tm.state = newState()
	return nil
}

// WithTx executes fn within a transaction.
// For memory store, this is simulated with a snapshot + rollback on error.
func (tm *TxMemory) WithTx(_ context.Context, fn func(attendance.Store) error) error {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	snapshot := tm.state.clone()
	if err := fn(&txMemoryView{state: &tm.state}); err != nil {
		tm.state = snapshot
		return err
	}
	return nil
}

func (s *memoryState) clone() memoryState {
	c := newState()
	for k, v := range s.persons {
		c.persons[k] = v
	}
	for k, v := range s.sessions {
		c.sessions[k] = v
	}
	for k, v := range s.overrides {
		c.overrides[k] = v
	}
	c.notifications = append([]attendance.Notification(nil), s.notifications...)
	for k, v := range s.notified {
		c.notified[k] = v
	}
	for k, v := range s.runs {
		c.runs[k] = v
	}
	return c
}

// txMemoryView works on the parent's state while WithTx holds its lock.
type txMemoryView struct {
	state *memoryState
}

func (tv *txMemoryView) SavePerson(_ context.Context, p attendance.Person) error {
	return tv.state.savePerson(p)
}

func (tv *txMemoryView) GetPerson(_ context.Context, id attendance.PersonID) (*attendance.Person, error) {
	return tv.state.getPerson(id), nil
}

func (tv *txMemoryView) GetPersonByBadge(_ context.Context, badge string) (*attendance.Person, error) {
	return tv.state.personByBadge(badge), nil
}

func (tv *txMemoryView) ListPersons(_ context.Context, f attendance.PersonFilter) ([]attendance.Person, error) {
	return tv.state.listPersons(func(p attendance.Person) bool {
		return f.Status == "" || p.Status == f.Status
	}), nil
}

func (tv *txMemoryView) ListReadyForCompletion(_ context.Context) ([]attendance.Person, error) {
	return tv.state.listPersons(func(p attendance.Person) bool { return p.ReadyForCompletion() }), nil
}

func (tv *txMemoryView) ListNearCompletion(_ context.Context, within decimal.Decimal) ([]attendance.Person, error) {
	return tv.state.nearCompletion(within), nil
}

func (tv *txMemoryView) CreateSession(_ context.Context, s attendance.Session) error {
	return tv.state.createSession(s)
}

func (tv *txMemoryView) UpdateSession(_ context.Context, s attendance.Session) error {
	return tv.state.updateSession(s)
}

func (tv *txMemoryView) GetSession(_ context.Context, id attendance.SessionID) (*attendance.Session, error) {
	return tv.state.getSession(id), nil
}

func (tv *txMemoryView) FindOpenSession(_ context.Context, personID attendance.PersonID) (*attendance.Session, error) {
	return tv.state.openSession(personID), nil
}

func (tv *txMemoryView) ListRecentSessions(_ context.Context, personID attendance.PersonID, limit int) ([]attendance.Session, error) {
	return tv.state.recentSessions(personID, limit), nil
}

func (tv *txMemoryView) ListSessionsByPerson(_ context.Context, personID attendance.PersonID, from, to time.Time) ([]attendance.Session, error) {
	return tv.state.sessionsByPerson(personID, from, to), nil
}

func (tv *txMemoryView) ListOpenSessions(_ context.Context) ([]attendance.Session, error) {
	return tv.state.openSessions(), nil
}

func (tv *txMemoryView) ListSessionsByWorkDate(_ context.Context, day time.Time) ([]attendance.Session, error) {
	return tv.state.sessionsByWorkDate(day), nil
}

func (tv *txMemoryView) CreateOverride(_ context.Context, o attendance.OverrideRequest) error {
	return tv.state.createOverride(o)
}

func (tv *txMemoryView) UpdateOverride(_ context.Context, o attendance.OverrideRequest) error {
	return tv.state.updateOverride(o)
}

func (tv *txMemoryView) GetOverride(_ context.Context, id attendance.OverrideID) (*attendance.OverrideRequest, error) {
	return tv.state.getOverride(id), nil
}

func (tv *txMemoryView) GetOverrideBySession(_ context.Context, id attendance.SessionID) (*attendance.OverrideRequest, error) {
	return tv.state.overrideBySession(id), nil
}

func (tv *txMemoryView) ListOverrides(_ context.Context, status attendance.OverrideStatus) ([]attendance.OverrideRequest, error) {
	return tv.state.listOverrides(status), nil
}

func (tv *txMemoryView) SaveNotification(_ context.Context, n attendance.Notification) error {
	return tv.state.saveNotification(n)
}

func (tv *txMemoryView) ListNotifications(_ context.Context, f attendance.NotificationFilter) ([]attendance.Notification, error) {
	return tv.state.listNotifications(f), nil
}

func (tv *txMemoryView) SaveRun(_ context.Context, r attendance.Run) error {
	tv.state.runs[r.ID] = r
	return nil
}

func (tv *txMemoryView) ListRuns(_ context.Context, kind attendance.RunKind, limit int) ([]attendance.Run, error) {
	return tv.state.listRuns(kind, limit), nil
}
