// Package lock provides scoped mutual exclusion over Redis. One lock guards
// one payment resource (cart payment id or payer id); holders are fenced by a
// per-acquire token so an expired holder cannot release a reassigned lock.
package lock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/redis/go-redis/v9"

	"cartpay/internal/common/payerr"
)

// Config holds lock manager configuration
type Config struct {
	RedisURL   string        `envconfig:"LOCK_REDIS_URL" default:"redis://localhost:6379/0"`
	KeyPrefix  string        `envconfig:"LOCK_KEY_PREFIX" default:"cartpay:lock:"`
	DefaultTTL time.Duration `envconfig:"LOCK_DEFAULT_TTL" default:"10s"`
	RetryDelay time.Duration `envconfig:"LOCK_RETRY_DELAY" default:"100ms"`
}

// Handle identifies one successful acquisition of one resource.
type Handle struct {
	Resource string
	Token    string
}

// Manager acquires and releases distributed locks.
type Manager struct {
	client *redis.Client
	cfg    Config
	logger *slog.Logger
}

// releaseScript deletes the key only when the stored token matches the
// holder's token, so a stale holder cannot free a reassigned lock.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end
`)

// NewManager creates a lock manager from config.
func NewManager(ctx context.Context, cfg Config, logger *slog.Logger) (*Manager, error) {
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("parsing redis URL: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("pinging redis: %w", err)
	}

	logger.Info("lock manager connected", "prefix", cfg.KeyPrefix)

	return &Manager{client: client, cfg: cfg, logger: logger}, nil
}

// NewManagerWithClient wraps an existing redis client.
func NewManagerWithClient(client *redis.Client, cfg Config, logger *slog.Logger) *Manager {
	return &Manager{client: client, cfg: cfg, logger: logger}
}

// Close releases the underlying redis connection.
func (m *Manager) Close() error {
	return m.client.Close()
}

// Acquire takes the lock for resource, holding it for ttl. When the lock is
// held by someone else it retries up to maxRetry times with the configured
// delay, then fails with a LockAcquireError kind.
func (m *Manager) Acquire(ctx context.Context, resource string, ttl time.Duration, maxRetry int) (*Handle, error) {
	if ttl <= 0 {
		ttl = m.cfg.DefaultTTL
	}
	token := ulid.Make().String()
	key := m.cfg.KeyPrefix + resource

	for attempt := 0; ; attempt++ {
		ok, err := m.client.SetNX(ctx, key, token, ttl).Result()
		if err != nil {
			return nil, payerr.Wrap(payerr.KindLockAcquire, fmt.Sprintf("acquiring lock %s", resource), err)
		}
		if ok {
			return &Handle{Resource: resource, Token: token}, nil
		}
		if attempt >= maxRetry {
			return nil, payerr.New(payerr.KindLockAcquire, fmt.Sprintf("lock %s held by another owner", resource))
		}
		select {
		case <-ctx.Done():
			return nil, payerr.Wrap(payerr.KindLockAcquire, fmt.Sprintf("acquiring lock %s", resource), ctx.Err())
		case <-time.After(m.cfg.RetryDelay):
		}
	}
}

// Release frees the lock. If the lock already expired and was reassigned the
// release fails with a LockReleaseError kind; callers log it and move on,
// the data path is protected by optimistic predicates regardless.
func (m *Manager) Release(ctx context.Context, handle *Handle) error {
	if handle == nil {
		return errors.New("nil lock handle")
	}
	key := m.cfg.KeyPrefix + handle.Resource

	deleted, err := releaseScript.Run(ctx, m.client, []string{key}, handle.Token).Int()
	if err != nil {
		return payerr.Wrap(payerr.KindLockRelease, fmt.Sprintf("releasing lock %s", handle.Resource), err)
	}
	if deleted == 0 {
		return payerr.New(payerr.KindLockRelease, fmt.Sprintf("lock %s expired or reassigned", handle.Resource))
	}
	return nil
}

// IsLocked reports whether the resource is currently held.
func (m *Manager) IsLocked(ctx context.Context, resource string) (bool, error) {
	n, err := m.client.Exists(ctx, m.cfg.KeyPrefix+resource).Result()
	if err != nil {
		return false, fmt.Errorf("checking lock %s: %w", resource, err)
	}
	return n > 0, nil
}
