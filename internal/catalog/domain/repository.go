package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	FindResourceByCode(ctx context.Context, db *gorm.DB, codename string) (*Resource, error)
	FindPlanByCode(ctx context.Context, db *gorm.DB, codename string) (*Plan, error)
	FindPlanByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Plan, error)
	ListDefaultPlans(ctx context.Context, db *gorm.DB) ([]Plan, error)
	// ListQuotaSpecs returns resolved quotas per plan, each ordered by quota id.
	ListQuotaSpecs(ctx context.Context, db *gorm.DB, planIDs []snowflake.ID) (map[snowflake.ID][]QuotaSpec, error)
	ListPlanFeatures(ctx context.Context, db *gorm.DB, planIDs []snowflake.ID) (map[snowflake.ID][]Feature, error)

	UpsertResource(ctx context.Context, db *gorm.DB, resource *Resource) error
	UpsertPlan(ctx context.Context, db *gorm.DB, plan *Plan) error
	UpsertFeature(ctx context.Context, db *gorm.DB, feature *Feature) error
	ReplaceQuotas(ctx context.Context, db *gorm.DB, planID snowflake.ID, quotas []Quota) error
	ReplacePlanFeatures(ctx context.Context, db *gorm.DB, planID snowflake.ID, featureIDs []snowflake.ID) error
}
