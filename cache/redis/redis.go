/*
redis.go - Redis-backed collaborators for multi-instance deployments

PURPOSE:
  The engine serializes work per person and collects task entries between
  time-in and time-out. In-process defaults (attendance.KeyedMutex,
  attendance.MemoryTaskLog) only cover one process. The types here cover
  several engine processes sharing one database.

TYPES:
  Client:     connection wrapper, pinged on construction
  Locker:     attendance.Locker on SET NX PX with token-checked release
  Publisher:  attendance.NotificationSink publishing JSON to a channel
  TaskLog:    attendance.TaskLog on a Redis list per session

KEYS:
  attendance:lock:<key>           lock token, expires after the lock TTL
  attendance:tasklog:<session id> list of "[HH:MM] entry" strings

SEE ALSO:
  - attendance/collaborators.go: interfaces and in-process defaults
  - cmd/server/main.go: wiring when redis.addr is configured
*/
package redis

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/warp/attendance-engine/attendance"
	"github.com/warp/attendance-engine/config"
)

const (
	lockPrefix    = "attendance:lock:"
	taskLogPrefix = "attendance:tasklog:"

	// taskLogTTL outlives the auto-close threshold so entries of a session
	// closed by the sweep are still there to consolidate.
	taskLogTTL = 48 * time.Hour
)

// Client wraps a go-redis client.
type Client struct {
	rdb    *goredis.Client
	logger *zap.Logger
}

// NewClient connects and pings Redis.
func NewClient(cfg *config.RedisConfig, logger *zap.Logger) (*Client, error) {
	rdb := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, errors.Wrap(err, "failed to connect to redis")
	}

	logger.Info("redis connected", zap.String("addr", cfg.Addr))
	return &Client{rdb: rdb, logger: logger}, nil
}

func (c *Client) Ping(ctx context.Context) error { return c.rdb.Ping(ctx).Err() }

func (c *Client) Close() error { return c.rdb.Close() }

// =============================================================================
// LOCKER
// =============================================================================

// releaseScript deletes the lock only if it still holds our token.
var releaseScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Locker is a distributed attendance.Locker. The TTL bounds how long a
// crashed holder blocks others.
type Locker struct {
	client *Client
	ttl    time.Duration
	retry  time.Duration
}

func (c *Client) Locker(ttl time.Duration) *Locker {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &Locker{client: c, ttl: ttl, retry: 25 * time.Millisecond}
}

// Lock polls until the key is free or ctx ends.
func (l *Locker) Lock(ctx context.Context, key string) (func(), error) {
	redisKey := lockPrefix + key
	token := uuid.NewString()

	for {
		ok, err := l.client.rdb.SetNX(ctx, redisKey, token, l.ttl).Result()
		if err != nil {
			if ctx.Err() != nil {
				return nil, attendance.ErrLockTimeout
			}
			return nil, errors.Wrapf(err, "failed to acquire lock %s", key)
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			return nil, attendance.ErrLockTimeout
		case <-time.After(l.retry):
		}
	}

	return func() {
		// Release even when the caller's context is already done.
		releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := releaseScript.Run(releaseCtx, l.client.rdb, []string{redisKey}, token).Err(); err != nil {
			l.client.logger.Warn("failed to release lock", zap.String("key", key), zap.Error(err))
		}
	}, nil
}

// =============================================================================
// NOTIFICATION PUBLISHER
// =============================================================================

// Publisher publishes notifications to a pub/sub channel.
type Publisher struct {
	client  *Client
	channel string
}

func (c *Client) Publisher(channel string) *Publisher {
	return &Publisher{client: c, channel: channel}
}

// NotificationMessage is the JSON published for each notification.
type NotificationMessage struct {
	ID             string    `json:"id"`
	Kind           string    `json:"kind"`
	PersonID       string    `json:"person_id,omitempty"`
	SessionID      string    `json:"session_id,omitempty"`
	Message        string    `json:"message"`
	IdempotencyKey string    `json:"idempotency_key"`
	CreatedAt      time.Time `json:"created_at"`
}

func (p *Publisher) Deliver(ctx context.Context, n attendance.Notification) error {
	payload, err := json.Marshal(NotificationMessage{
		ID:             n.ID,
		Kind:           string(n.Kind),
		PersonID:       string(n.PersonID),
		SessionID:      string(n.SessionID),
		Message:        n.Message,
		IdempotencyKey: n.IdempotencyKey,
		CreatedAt:      n.CreatedAt,
	})
	if err != nil {
		return errors.Wrap(err, "failed to encode notification")
	}
	return errors.Wrap(p.client.rdb.Publish(ctx, p.channel, payload).Err(), "failed to publish notification")
}

// =============================================================================
// TASK LOG
// =============================================================================

// TaskLog keeps task entries in a Redis list per session.
type TaskLog struct {
	client *Client
	clock  attendance.Clock
}

func (c *Client) TaskLog(clock attendance.Clock) *TaskLog {
	return &TaskLog{client: c, clock: clock}
}

func (t *TaskLog) Append(ctx context.Context, id attendance.SessionID, entry string) error {
	entry = strings.TrimSpace(entry)
	if entry == "" {
		return attendance.ValidationError("append_task", "task_entry_required", "task entry is empty")
	}
	key := taskLogPrefix + string(id)
	line := "[" + t.clock.Now().Format("15:04") + "] " + entry

	pipe := t.client.rdb.TxPipeline()
	pipe.RPush(ctx, key, line)
	pipe.Expire(ctx, key, taskLogTTL)
	_, err := pipe.Exec(ctx)
	return errors.Wrap(err, "failed to append task entry")
}

func (t *TaskLog) Consolidate(ctx context.Context, id attendance.SessionID) (string, error) {
	entries, err := t.client.rdb.LRange(ctx, taskLogPrefix+string(id), 0, -1).Result()
	if err != nil {
		return "", errors.Wrap(err, "failed to read task entries")
	}
	return strings.Join(entries, "\n"), nil
}

func (t *TaskLog) Discard(ctx context.Context, id attendance.SessionID) error {
	return errors.Wrap(t.client.rdb.Del(ctx, taskLogPrefix+string(id)).Err(), "failed to discard task entries")
}
