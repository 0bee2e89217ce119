package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	quotadomain "github.com/smallbiznis/allowance/internal/quota/domain"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// SnapshotRecord is the row backing DatabaseStore.
type SnapshotRecord struct {
	UserID    snowflake.ID   `gorm:"primaryKey;autoIncrement:false"`
	At        time.Time      `gorm:"not null"`
	Chunks    datatypes.JSON `gorm:"not null"`
	UpdatedAt time.Time      `gorm:"not null"`
}

func (SnapshotRecord) TableName() string { return "quota_snapshots" }

// DatabaseStore keeps one snapshot row per user next to the ledger.
type DatabaseStore struct {
	db *gorm.DB
}

func NewDatabaseStore(db *gorm.DB) *DatabaseStore {
	return &DatabaseStore{db: db}
}

// WithTx binds the store to an open transaction.
func (s *DatabaseStore) WithTx(tx *gorm.DB) quotadomain.SnapshotStore {
	return &DatabaseStore{db: tx}
}

func (s *DatabaseStore) Get(ctx context.Context, userID snowflake.ID) (*quotadomain.Snapshot, error) {
	var record SnapshotRecord
	err := s.db.WithContext(ctx).Where("user_id = ?", userID).First(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	snapshot := &quotadomain.Snapshot{UserID: record.UserID, At: record.At.UTC()}
	if err := json.Unmarshal(record.Chunks, &snapshot.Chunks); err != nil {
		return nil, fmt.Errorf("decode snapshot chunks: %w", err)
	}
	return snapshot, nil
}

func (s *DatabaseStore) Set(ctx context.Context, snapshot *quotadomain.Snapshot) error {
	if snapshot == nil {
		return nil
	}
	chunks := snapshot.Chunks
	if chunks == nil {
		chunks = []quotadomain.Chunk{}
	}
	payload, err := json.Marshal(chunks)
	if err != nil {
		return fmt.Errorf("encode snapshot chunks: %w", err)
	}

	record := SnapshotRecord{
		UserID:    snapshot.UserID,
		At:        snapshot.At,
		Chunks:    datatypes.JSON(payload),
		UpdatedAt: time.Now().UTC(),
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"at", "chunks", "updated_at"}),
	}).Create(&record).Error
}

func (s *DatabaseStore) Delete(ctx context.Context, userID snowflake.ID) error {
	return s.db.WithContext(ctx).Where("user_id = ?", userID).Delete(&SnapshotRecord{}).Error
}
