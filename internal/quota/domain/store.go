package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

//go:generate mockgen -source=store.go -destination=../mocks/mock_store.go -package=mocks

// SnapshotStore persists at most one snapshot per user. Get returns nil, nil
// on a miss.
type SnapshotStore interface {
	Get(ctx context.Context, userID snowflake.ID) (*Snapshot, error)
	Set(ctx context.Context, snapshot *Snapshot) error
	Delete(ctx context.Context, userID snowflake.ID) error
}

// TxBinder is implemented by stores that share the ledger's database, so
// reads inside a write transaction go through the same connection.
type TxBinder interface {
	WithTx(tx *gorm.DB) SnapshotStore
}

// Locker serializes usage writes per user. Acquire is called inside the
// write transaction; the lease is released after the transaction ends.
type Locker interface {
	Acquire(ctx context.Context, tx *gorm.DB, userID snowflake.ID) (Lease, error)
	Backend() string
}

// Lease is a held user lock. Valid is checked right before the write
// transaction commits and fails with ErrLockLost once the lock expired.
type Lease interface {
	Valid(ctx context.Context) error
	Release()
}
