package lock

import (
	"context"
	"hash/fnv"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/allowance/internal/config"
	quotadomain "github.com/smallbiznis/allowance/internal/quota/domain"
	"github.com/smallbiznis/allowance/pkg/db"
	"gorm.io/gorm"
)

// advisoryNamespace keeps user locks apart from other advisory lock users.
const advisoryNamespace = "allowance.usage"

// AdvisoryLocker takes a transaction-scoped postgres advisory lock, released
// by commit or rollback. Other dialects use an in-process lock.
type AdvisoryLocker struct {
	namespace int32
	fallback  *LocalLocker
}

func NewAdvisoryLocker() *AdvisoryLocker {
	h := fnv.New32a()
	_, _ = h.Write([]byte(advisoryNamespace))
	return &AdvisoryLocker{namespace: int32(h.Sum32()), fallback: NewLocalLocker()}
}

func (l *AdvisoryLocker) Backend() string { return config.LockBackendAdvisory }

func (l *AdvisoryLocker) Acquire(ctx context.Context, tx *gorm.DB, userID snowflake.ID) (quotadomain.Lease, error) {
	if !db.IsPostgres(tx) {
		return l.fallback.Acquire(ctx, tx, userID)
	}
	err := tx.WithContext(ctx).Exec(
		`SELECT pg_advisory_xact_lock(?, ?)`,
		l.namespace,
		int32(uint32(uint64(userID)^uint64(userID)>>32)),
	).Error
	if err != nil {
		return nil, err
	}
	return releaseFunc(func() {}), nil
}
