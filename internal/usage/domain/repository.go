package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, usage *Usage) error
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Usage, error)
	// ListForReplay returns usages across all resources ordered by (at, id).
	ListForReplay(ctx context.Context, db *gorm.DB, filter ReplayFilter) ([]Usage, error)
	List(ctx context.Context, db *gorm.DB, filter ListFilter) ([]*Usage, error)
}
