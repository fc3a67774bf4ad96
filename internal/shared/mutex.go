package shared

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrMutexHeld is returned when the mutex could not be acquired within
// the configured number of tries.
var ErrMutexHeld = errors.New("mutex held by another process")

// releaseScript deletes the lock key only when it still carries the
// token of this acquisition. After a TTL expiry the key may belong to
// another holder and must not be touched.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// MutexConfig tunes acquisition behaviour of a CacheMutex.
type MutexConfig struct {
	// TTL is the safety-net auto-expiry of the lock key. The task
	// timeout of anything running under the mutex must stay below it.
	TTL time.Duration
	// Tries bounds the acquisition attempts before giving up.
	Tries int
	// Wait is the base sleep between attempts; a 10% random jitter is
	// added to desynchronise competing workers.
	Wait time.Duration
}

func (c MutexConfig) withDefaults() MutexConfig {
	if c.TTL <= 0 {
		c.TTL = time.Hour
	}
	if c.Tries <= 0 {
		c.Tries = 10
	}
	if c.Wait <= 0 {
		c.Wait = 10 * time.Second
	}
	return c
}

// CacheMutex serialises a named logical operation across worker
// processes through the shared redis cache.
//
// Because replication from a master cache to its replicas is
// asynchronous, this mutex is best-effort under split-brain scenarios.
// A consensus algorithm such as Redlock would be needed to survive
// those; that is a documented non-goal here.
type CacheMutex struct {
	client *redis.Client
	key    string
	token  string
	cfg    MutexConfig
}

// NewCacheMutex creates a mutex for the given key. Every instance
// carries its own random token, so an instance must not be shared
// between concurrent acquisitions.
func NewCacheMutex(client *redis.Client, key string, cfg MutexConfig) *CacheMutex {
	buf := make([]byte, 32)
	_, _ = rand.Read(buf)
	return &CacheMutex{
		client: client,
		key:    key,
		token:  hex.EncodeToString(buf),
		cfg:    cfg.withDefaults(),
	}
}

// Acquire takes the mutex, retrying with jittered backoff until the
// configured number of tries is exhausted.
func (m *CacheMutex) Acquire(ctx context.Context) error {
	for try := 0; try < m.cfg.Tries; try++ {
		ok, err := m.client.SetNX(ctx, m.key, m.token, m.cfg.TTL).Result()
		if err != nil {
			return fmt.Errorf("mutex %s: acquire: %w", m.key, err)
		}
		if ok {
			// Re-read to defend against eventually consistent
			// replication losing the write.
			stored, err := m.client.Get(ctx, m.key).Result()
			if err == nil && stored == m.token {
				return nil
			}
		}
		if err := sleepJittered(ctx, m.cfg.Wait); err != nil {
			return err
		}
	}
	return fmt.Errorf("mutex %s: gave up after %d tries: %w", m.key, m.cfg.Tries, ErrMutexHeld)
}

// Release drops the mutex if this acquisition still holds it. A lock
// that expired and was reacquired elsewhere is left alone; that is a
// no-op, not an error.
func (m *CacheMutex) Release(ctx context.Context) error {
	if err := releaseScript.Run(ctx, m.client, []string{m.key}, m.token).Err(); err != nil && err != redis.Nil {
		return fmt.Errorf("mutex %s: release: %w", m.key, err)
	}
	return nil
}

// ForceClear unconditionally deletes the lock key. Operator escape
// hatch only: it does not stop a holder that is still running.
func (m *CacheMutex) ForceClear(ctx context.Context) error {
	return m.client.Del(ctx, m.key).Err()
}

func sleepJittered(ctx context.Context, base time.Duration) error {
	jitter, err := rand.Int(rand.Reader, big.NewInt(int64(base)/10+1))
	if err != nil {
		jitter = big.NewInt(0)
	}
	t := time.NewTimer(base + time.Duration(jitter.Int64()))
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

type mutexCtxKey string

// WithMutex runs fn under the named mutex. Re-entering the same key
// within one call chain runs fn directly instead of deadlocking on a
// lock the chain already holds; the marker lives in the context, not
// in the cache.
func WithMutex(ctx context.Context, client *redis.Client, key string, cfg MutexConfig, logger *slog.Logger, fn func(ctx context.Context) error) error {
	if held, _ := ctx.Value(mutexCtxKey(key)).(bool); held {
		return fn(ctx)
	}

	m := NewCacheMutex(client, key, cfg)
	if err := m.Acquire(ctx); err != nil {
		return err
	}
	defer func() {
		if err := m.Release(context.WithoutCancel(ctx)); err != nil && logger != nil {
			logger.Warn("mutex release", slog.String("key", key), slog.Any("error", err))
		}
	}()

	return fn(context.WithValue(ctx, mutexCtxKey(key), true))
}
