// Package redisclient provides the shared redis connection used by the
// snapshot store and the distributed locker.
package redisclient

import (
	"context"
	"strings"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/allowance/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("redis",
	fx.Provide(New),
)

// Required reports whether any configured backend talks to redis.
func Required(cfg config.Config) bool {
	return cfg.Snapshot.Backend == config.SnapshotBackendRedis || cfg.Lock.Backend == config.LockBackendRedis
}

// New builds the client. It dials lazily; the connection is only checked at
// start when a backend needs it.
func New(lc fx.Lifecycle, cfg config.Config, log *zap.Logger) *redis.Client {
	client := redis.NewClient(&redis.Options{
		Addr:     strings.TrimSpace(cfg.Redis.Addr),
		Password: strings.TrimSpace(cfg.Redis.Password),
		DB:       cfg.Redis.DB,
	})

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if !Required(cfg) {
				return nil
			}
			if err := client.Ping(ctx).Err(); err != nil {
				return err
			}
			log.Info("redis connected", zap.String("addr", cfg.Redis.Addr), zap.Int("db", cfg.Redis.DB))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return client.Close()
		},
	})
	return client
}
