package lock

import (
	"fmt"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/allowance/internal/config"
	quotadomain "github.com/smallbiznis/allowance/internal/quota/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("user.lock",
	fx.Provide(NewLocker),
)

type LockerParam struct {
	fx.In

	Config config.Config
	Redis  *redis.Client
	Log    *zap.Logger
}

// NewLocker selects the backend named by LOCK_BACKEND.
func NewLocker(p LockerParam) (quotadomain.Locker, error) {
	log := p.Log.Named("user.lock")
	var locker quotadomain.Locker
	switch p.Config.Lock.Backend {
	case config.LockBackendLocal:
		locker = NewLocalLocker()
	case config.LockBackendRedis:
		locker = NewRedisLocker(p.Redis, p.Config.Lock.TTL, p.Config.Lock.RetryInterval, log)
	case config.LockBackendAdvisory, "":
		locker = NewAdvisoryLocker()
	default:
		return nil, fmt.Errorf("unsupported lock backend %q", p.Config.Lock.Backend)
	}
	log.Info("user lock selected", zap.String("backend", locker.Backend()))
	return locker, nil
}
