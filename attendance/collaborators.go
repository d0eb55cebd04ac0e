package attendance

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// =============================================================================
// NOTIFICATION SINK
// =============================================================================

// NotificationSink receives notifications after they were persisted for the
// first time. Delivery is best effort; a failing sink never fails the
// operation that raised the notification.
type NotificationSink interface {
	Deliver(ctx context.Context, n Notification) error
}

// LogSink writes notifications to the logger.
type LogSink struct {
	Logger *zap.Logger
}

func (s LogSink) Deliver(_ context.Context, n Notification) error {
	s.Logger.Info("notification raised",
		zap.String("kind", string(n.Kind)),
		zap.String("person_id", string(n.PersonID)),
		zap.String("session_id", string(n.SessionID)),
		zap.String("message", n.Message),
	)
	return nil
}

// MultiSink fans out to several sinks and keeps the first error.
type MultiSink []NotificationSink

func (m MultiSink) Deliver(ctx context.Context, n Notification) error {
	var first error
	for _, s := range m {
		if err := s.Deliver(ctx, n); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// =============================================================================
// PER-PERSON LOCK
// =============================================================================

// Locker serializes work on one key (a person) across callers.
type Locker interface {
	Lock(ctx context.Context, key string) (unlock func(), err error)
}

// KeyedMutex is an in-process Locker.
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedEntry
}

type keyedEntry struct {
	ch   chan struct{}
	refs int
}

func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{locks: make(map[string]*keyedEntry)}
}

func (k *KeyedMutex) Lock(ctx context.Context, key string) (func(), error) {
	k.mu.Lock()
	e, ok := k.locks[key]
	if !ok {
		e = &keyedEntry{ch: make(chan struct{}, 1)}
		k.locks[key] = e
	}
	e.refs++
	k.mu.Unlock()

	select {
	case e.ch <- struct{}{}:
	case <-ctx.Done():
		k.release(key, e)
		return nil, ErrLockTimeout
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-e.ch
			k.release(key, e)
		})
	}, nil
}

func (k *KeyedMutex) release(key string, e *keyedEntry) {
	k.mu.Lock()
	e.refs--
	if e.refs == 0 {
		delete(k.locks, key)
	}
	k.mu.Unlock()
}

// =============================================================================
// TASK LOG
// =============================================================================

// TaskLog collects task entries logged while a session is open and hands
// them back as one string at time-out.
type TaskLog interface {
	Append(ctx context.Context, sessionID SessionID, entry string) error
	Consolidate(ctx context.Context, sessionID SessionID) (string, error)
	Discard(ctx context.Context, sessionID SessionID) error
}

// MemoryTaskLog keeps entries in memory.
type MemoryTaskLog struct {
	mu      sync.Mutex
	entries map[SessionID][]string
	clock   Clock
}

func NewMemoryTaskLog(clock Clock) *MemoryTaskLog {
	return &MemoryTaskLog{entries: make(map[SessionID][]string), clock: clock}
}

func (l *MemoryTaskLog) Append(_ context.Context, id SessionID, entry string) error {
	entry = strings.TrimSpace(entry)
	if entry == "" {
		return ValidationError("append_task", "task_entry_required", "task entry is empty")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	stamp := l.clock.Now().Format("15:04")
	l.entries[id] = append(l.entries[id], "["+stamp+"] "+entry)
	return nil
}

func (l *MemoryTaskLog) Consolidate(_ context.Context, id SessionID) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return strings.Join(l.entries[id], "\n"), nil
}

func (l *MemoryTaskLog) Discard(_ context.Context, id SessionID) error {
	l.mu.Lock()
	delete(l.entries, id)
	l.mu.Unlock()
	return nil
}

// =============================================================================
// ONE-TIME CODE
// =============================================================================

// Verifier checks a one-time code against a person's secret. The algorithm
// is someone else's business.
type Verifier interface {
	Verify(secret, code string) bool
}

// VerifierFunc adapts a function to Verifier.
type VerifierFunc func(secret, code string) bool

func (f VerifierFunc) Verify(secret, code string) bool { return f(secret, code) }

// lockTimeout bounds how long an operation waits for a per-person lock.
const lockTimeout = 5 * time.Second
