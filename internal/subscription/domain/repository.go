package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, subscription *Subscription) error
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Subscription, error)
	FindByIDForUpdate(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Subscription, error)
	UpdateEnd(ctx context.Context, db *gorm.DB, id snowflake.ID, end, updatedAt time.Time) error
	// ListInvolved returns the subscriptions whose chunks can affect the
	// balance of userID at at, ordered by start then id.
	ListInvolved(ctx context.Context, db *gorm.DB, userID snowflake.ID, at time.Time) ([]Subscription, error)
	// ListOverlapping returns subscriptions alive somewhere in (from, to],
	// ordered by start then id.
	ListOverlapping(ctx context.Context, db *gorm.DB, userID snowflake.ID, from, to time.Time) ([]Subscription, error)
	ListActive(ctx context.Context, db *gorm.DB, userID snowflake.ID, at time.Time) ([]Subscription, error)
	ListExpiring(ctx context.Context, db *gorm.DB, from, to time.Time) ([]Subscription, error)
}
