// Package domain contains the usage ledger: append-only consumption events.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// Usage records Amount units of a resource consumed by a user at At.
type Usage struct {
	ID         snowflake.ID      `gorm:"primaryKey"`
	UserID     snowflake.ID      `gorm:"not null;index:ix_usages_user_at,priority:1"`
	ResourceID snowflake.ID      `gorm:"not null;index"`
	Amount     int64             `gorm:"not null"`
	At         time.Time         `gorm:"not null;index:ix_usages_user_at,priority:2"`
	Metadata   datatypes.JSONMap `json:"metadata,omitempty"`
	CreatedAt  time.Time         `gorm:"not null"`
}

// TableName sets the database table name.
func (Usage) TableName() string { return "usages" }

// ReplayFilter bounds a replay query. Exactly one of After (exclusive) or
// From (inclusive) may be set; Until is inclusive.
type ReplayFilter struct {
	UserID snowflake.ID
	After  *time.Time
	From   *time.Time
	Until  time.Time
}

// ListFilter selects a page of a user's usages, newest first.
type ListFilter struct {
	UserID     snowflake.ID
	ResourceID snowflake.ID
	BeforeAt   *time.Time
	BeforeID   snowflake.ID
	Limit      int
}
