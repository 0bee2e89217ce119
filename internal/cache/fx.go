package cache

import (
	"fmt"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/allowance/internal/config"
	quotadomain "github.com/smallbiznis/allowance/internal/quota/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("snapshot.store",
	fx.Provide(NewSnapshotStore),
)

type StoreParam struct {
	fx.In

	Config config.Config
	DB     *gorm.DB
	Redis  *redis.Client
	Log    *zap.Logger
}

// NewSnapshotStore selects the backend named by SNAPSHOT_BACKEND.
func NewSnapshotStore(p StoreParam) (quotadomain.SnapshotStore, error) {
	backend := p.Config.Snapshot.Backend
	var store quotadomain.SnapshotStore
	switch backend {
	case config.SnapshotBackendMemory:
		store = NewMemoryStore()
	case config.SnapshotBackendRedis:
		store = NewRedisStore(p.Redis, p.Config.Snapshot.KeyPrefix, 0)
	case config.SnapshotBackendDatabase, "":
		backend = config.SnapshotBackendDatabase
		store = NewDatabaseStore(p.DB)
	case config.SnapshotBackendNone:
		store = NoopStore{}
	default:
		return nil, fmt.Errorf("unsupported snapshot backend %q", backend)
	}
	p.Log.Named("snapshot.store").Info("snapshot store selected", zap.String("backend", backend))
	return store, nil
}
