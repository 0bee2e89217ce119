package repository

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	usagedomain "github.com/smallbiznis/allowance/internal/usage/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() usagedomain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, usage *usagedomain.Usage) error {
	return db.WithContext(ctx).Create(usage).Error
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*usagedomain.Usage, error) {
	var usage usagedomain.Usage
	err := db.WithContext(ctx).Where("id = ?", id).First(&usage).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &usage, nil
}

func (r *repo) ListForReplay(ctx context.Context, db *gorm.DB, filter usagedomain.ReplayFilter) ([]usagedomain.Usage, error) {
	query := db.WithContext(ctx).
		Model(&usagedomain.Usage{}).
		Select("id", "user_id", "resource_id", "amount", "at").
		Where("user_id = ? AND at <= ?", filter.UserID, filter.Until)
	switch {
	case filter.After != nil:
		query = query.Where("at > ?", *filter.After)
	case filter.From != nil:
		query = query.Where("at >= ?", *filter.From)
	}

	var usages []usagedomain.Usage
	err := query.Order("at ASC").Order("id ASC").Find(&usages).Error
	return usages, err
}

func (r *repo) List(ctx context.Context, db *gorm.DB, filter usagedomain.ListFilter) ([]*usagedomain.Usage, error) {
	query := db.WithContext(ctx).Where("user_id = ?", filter.UserID)
	if filter.ResourceID != 0 {
		query = query.Where("resource_id = ?", filter.ResourceID)
	}
	if filter.BeforeAt != nil {
		query = query.Where("(at < ?) OR (at = ? AND id < ?)", *filter.BeforeAt, *filter.BeforeAt, filter.BeforeID)
	}
	if filter.Limit > 0 {
		query = query.Limit(filter.Limit)
	}

	var usages []*usagedomain.Usage
	err := query.Order("at DESC").Order("id DESC").Find(&usages).Error
	return usages, err
}
