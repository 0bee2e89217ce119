package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/allowance/internal/config"
	quotadomain "github.com/smallbiznis/allowance/internal/quota/domain"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	keyUserLock = "allowance:lock:user:%s"

	lockReleaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`

	lockRenewScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`

	lockOwnerScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return 1
end
return 0
`
)

// RedisLocker holds a SET NX key per user. The token guards release so an
// expired holder never deletes a successor's key. A held key is renewed
// every ttl/3 until release.
type RedisLocker struct {
	client *redis.Client
	script *redis.Script
	renew  *redis.Script
	owner  *redis.Script
	ttl    time.Duration
	retry  time.Duration
	log    *zap.Logger
}

func NewRedisLocker(client *redis.Client, ttl, retry time.Duration, log *zap.Logger) *RedisLocker {
	if ttl <= 0 {
		ttl = 10 * time.Second
	}
	if retry <= 0 {
		retry = 25 * time.Millisecond
	}
	return &RedisLocker{
		client: client,
		script: redis.NewScript(lockReleaseScript),
		renew:  redis.NewScript(lockRenewScript),
		owner:  redis.NewScript(lockOwnerScript),
		ttl:    ttl,
		retry:  retry,
		log:    log,
	}
}

func (l *RedisLocker) Backend() string { return config.LockBackendRedis }

func (l *RedisLocker) TryLock(ctx context.Context, key string) (string, bool, error) {
	if l == nil || l.client == nil {
		return "", false, errors.New("lock client not configured")
	}
	if key == "" {
		return "", false, errors.New("lock key is empty")
	}

	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
	if err != nil {
		return "", false, err
	}
	return token, ok, nil
}

func (l *RedisLocker) Release(ctx context.Context, key, token string) error {
	if l == nil || l.client == nil {
		return nil
	}
	if key == "" || token == "" {
		return nil
	}
	return l.script.Run(ctx, l.client, []string{key}, token).Err()
}

// Acquire waits at most one lock ttl for the user's key.
func (l *RedisLocker) Acquire(ctx context.Context, _ *gorm.DB, userID snowflake.ID) (quotadomain.Lease, error) {
	key := fmt.Sprintf(keyUserLock, userID.String())
	waitCtx, cancel := context.WithTimeout(ctx, l.ttl)
	defer cancel()
	ticker := time.NewTicker(l.retry)
	defer ticker.Stop()

	for {
		token, ok, err := l.TryLock(waitCtx, key)
		if err != nil {
			if waitCtx.Err() != nil {
				return nil, fmt.Errorf("%w: %v", quotadomain.ErrLockTimeout, err)
			}
			return nil, err
		}
		if ok {
			return l.hold(ctx, key, token), nil
		}

		select {
		case <-waitCtx.Done():
			return nil, fmt.Errorf("%w: %v", quotadomain.ErrLockTimeout, waitCtx.Err())
		case <-ticker.C:
		}
	}
}

type redisLease struct {
	locker *RedisLocker
	ctx    context.Context
	key    string
	token  string
	lost   atomic.Bool
	stop   context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// hold starts renewing the key until the lease is released.
func (l *RedisLocker) hold(ctx context.Context, key, token string) *redisLease {
	renewCtx, stop := context.WithCancel(context.WithoutCancel(ctx))
	lease := &redisLease{
		locker: l,
		ctx:    context.WithoutCancel(ctx),
		key:    key,
		token:  token,
		stop:   stop,
		done:   make(chan struct{}),
	}
	go func() {
		defer close(lease.done)
		lease.keepAlive(renewCtx)
	}()
	return lease
}

func (le *redisLease) keepAlive(ctx context.Context) {
	l := le.locker
	interval := l.ttl / 3
	if interval <= 0 {
		interval = time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		renewed, err := l.renew.Run(ctx, l.client, []string{le.key}, le.token, l.ttl.Milliseconds()).Int64()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			l.log.Warn("renew user lock failed", zap.String("key", le.key), zap.Error(err))
			continue
		}
		if renewed == 0 {
			le.lost.Store(true)
			l.log.Warn("user lock lost", zap.String("key", le.key))
			return
		}
	}
}

// Valid fails with ErrLockLost unless the key still carries this lease's token.
func (le *redisLease) Valid(ctx context.Context) error {
	if le.lost.Load() {
		return quotadomain.ErrLockLost
	}
	l := le.locker
	owned, err := l.owner.Run(ctx, l.client, []string{le.key}, le.token).Int64()
	if err != nil {
		return fmt.Errorf("%w: %v", quotadomain.ErrLockLost, err)
	}
	if owned == 0 {
		le.lost.Store(true)
		return quotadomain.ErrLockLost
	}
	return nil
}

func (le *redisLease) Release() {
	le.once.Do(func() {
		le.stop()
		<-le.done

		releaseCtx, cancel := context.WithTimeout(le.ctx, time.Second)
		defer cancel()
		if err := le.locker.Release(releaseCtx, le.key, le.token); err != nil {
			le.locker.log.Warn("release user lock failed", zap.String("key", le.key), zap.Error(err))
		}
	})
}
