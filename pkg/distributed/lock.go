package distributed

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrLockTimeout is returned when a lock could not be taken before the deadline.
var ErrLockTimeout = errors.New("lock acquisition timeout")

const unlockScript = `
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("del", KEYS[1])
	else
		return 0
	end
`

// DistributedLock is a redis SET NX lock renewed at half its TTL while held.
type DistributedLock struct {
	client   *redis.Client
	key      string
	value    string // unique per holder
	ttl      time.Duration
	stopOnce sync.Once
	stop     chan struct{}
}

// NewDistributedLock creates a new distributed lock
func NewDistributedLock(client *redis.Client, key string, ttl time.Duration) *DistributedLock {
	return &DistributedLock{
		client: client,
		key:    key,
		value:  generateLockValue(),
		ttl:    ttl,
		stop:   make(chan struct{}),
	}
}

func generateLockValue() string {
	b := make([]byte, 16)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

// Lock polls until the lock is taken, ctx ends, or timeout elapses.
func (l *DistributedLock) Lock(ctx context.Context, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	deadline := time.Now().Add(timeout)

	for {
		acquired, err := l.client.SetNX(ctx, l.key, l.value, l.ttl).Result()
		if err != nil {
			return fmt.Errorf("failed to acquire lock %s: %w", l.key, err)
		}
		if acquired {
			go l.renew(context.WithoutCancel(ctx))
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("%w: %s", ErrLockTimeout, l.key)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}
}

// Unlock releases the lock if this holder still owns it.
func (l *DistributedLock) Unlock(ctx context.Context) error {
	l.stopOnce.Do(func() { close(l.stop) })

	result, err := l.client.Eval(ctx, unlockScript, []string{l.key}, l.value).Int64()
	if err != nil {
		return fmt.Errorf("failed to unlock %s: %w", l.key, err)
	}
	if result == 0 {
		return fmt.Errorf("lock %s was not held by this instance", l.key)
	}
	return nil
}

func (l *DistributedLock) renew(ctx context.Context) {
	ticker := time.NewTicker(l.ttl / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			current, err := l.client.Get(ctx, l.key).Result()
			if err != nil || current != l.value {
				return
			}
			l.client.Expire(ctx, l.key, l.ttl)
		case <-l.stop:
			return
		}
	}
}

// Locker serialises work per key inside one process.
type Locker interface {
	Lock(ctx context.Context, key string) (unlock func(), err error)
}

// KeyedLocker extends a process-local Locker across every instance sharing
// one redis. Local waiters queue on the inner locker so only one goroutine
// per process polls redis for a key.
//
// Only the lock is shared. Whatever state the caller guards stays per
// process, so across instances this serialises the guarded work without
// deduplicating it.
type KeyedLocker struct {
	local   Locker
	client  *redis.Client
	prefix  string
	ttl     time.Duration
	timeout time.Duration
}

// NewKeyedLocker creates a redis-backed keyed locker.
func NewKeyedLocker(local Locker, client *redis.Client, prefix string, ttl, timeout time.Duration) *KeyedLocker {
	return &KeyedLocker{
		local:   local,
		client:  client,
		prefix:  prefix,
		ttl:     ttl,
		timeout: timeout,
	}
}

// Key returns the redis key used for a lock name.
func (k *KeyedLocker) Key(key string) string {
	return k.prefix + key
}

// Lock takes the local lock, then the redis lock for key.
func (k *KeyedLocker) Lock(ctx context.Context, key string) (func(), error) {
	unlockLocal, err := k.local.Lock(ctx, key)
	if err != nil {
		return nil, err
	}

	dl := NewDistributedLock(k.client, k.Key(key), k.ttl)
	if err := dl.Lock(ctx, k.timeout); err != nil {
		unlockLocal()
		return nil, err
	}

	return func() {
		_ = dl.Unlock(context.Background())
		unlockLocal()
	}, nil
}
