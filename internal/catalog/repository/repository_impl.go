package repository

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	catalogdomain "github.com/smallbiznis/allowance/internal/catalog/domain"
	"github.com/smallbiznis/allowance/pkg/period"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type repo struct{}

func Provide() catalogdomain.Repository {
	return &repo{}
}

func (r *repo) FindResourceByCode(ctx context.Context, db *gorm.DB, codename string) (*catalogdomain.Resource, error) {
	var resource catalogdomain.Resource
	err := db.WithContext(ctx).Where("codename = ?", codename).First(&resource).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &resource, nil
}

func (r *repo) FindPlanByCode(ctx context.Context, db *gorm.DB, codename string) (*catalogdomain.Plan, error) {
	var plan catalogdomain.Plan
	err := db.WithContext(ctx).Where("codename = ?", codename).First(&plan).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &plan, nil
}

func (r *repo) FindPlanByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*catalogdomain.Plan, error) {
	var plan catalogdomain.Plan
	err := db.WithContext(ctx).Where("id = ?", id).First(&plan).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &plan, nil
}

func (r *repo) ListDefaultPlans(ctx context.Context, db *gorm.DB) ([]catalogdomain.Plan, error) {
	var plans []catalogdomain.Plan
	err := db.WithContext(ctx).
		Where("is_default = ? AND is_enabled = ?", true, true).
		Order("id ASC").
		Find(&plans).Error
	return plans, err
}

type quotaSpecRow struct {
	QuotaID        snowflake.ID
	PlanID         snowflake.ID
	ResourceID     snowflake.ID
	Codename       string
	QuotaLimit     int64
	RechargePeriod period.Period
	BurnsIn        period.Period
	ChargePeriod   period.Period
}

func (r *repo) ListQuotaSpecs(ctx context.Context, db *gorm.DB, planIDs []snowflake.ID) (map[snowflake.ID][]catalogdomain.QuotaSpec, error) {
	out := make(map[snowflake.ID][]catalogdomain.QuotaSpec, len(planIDs))
	if len(planIDs) == 0 {
		return out, nil
	}

	var rows []quotaSpecRow
	err := db.WithContext(ctx).Raw(
		`SELECT q.id AS quota_id, q.plan_id, q.resource_id, r.codename, q.quota_limit,
		        q.recharge_period, q.burns_in, p.charge_period
		 FROM quotas q
		 JOIN plans p ON p.id = q.plan_id
		 JOIN resources r ON r.id = q.resource_id
		 WHERE q.plan_id IN ?
		 ORDER BY q.plan_id ASC, q.id ASC`,
		planIDs,
	).Scan(&rows).Error
	if err != nil {
		return nil, err
	}

	for _, row := range rows {
		spec := catalogdomain.Resolve(
			catalogdomain.Quota{
				ID:             row.QuotaID,
				PlanID:         row.PlanID,
				ResourceID:     row.ResourceID,
				Limit:          row.QuotaLimit,
				RechargePeriod: row.RechargePeriod,
				BurnsIn:        row.BurnsIn,
			},
			catalogdomain.Plan{ID: row.PlanID, ChargePeriod: row.ChargePeriod},
			catalogdomain.Resource{ID: row.ResourceID, Codename: row.Codename},
		)
		out[row.PlanID] = append(out[row.PlanID], spec)
	}
	return out, nil
}

type planFeatureRow struct {
	PlanID snowflake.ID
	catalogdomain.Feature
}

func (r *repo) ListPlanFeatures(ctx context.Context, db *gorm.DB, planIDs []snowflake.ID) (map[snowflake.ID][]catalogdomain.Feature, error) {
	out := make(map[snowflake.ID][]catalogdomain.Feature, len(planIDs))
	if len(planIDs) == 0 {
		return out, nil
	}

	var rows []planFeatureRow
	err := db.WithContext(ctx).Raw(
		`SELECT pf.plan_id, f.id, f.codename, f.name, f.description, f.is_negative, f.created_at, f.updated_at
		 FROM plan_features pf
		 JOIN features f ON f.id = pf.feature_id
		 WHERE pf.plan_id IN ?
		 ORDER BY pf.plan_id ASC, f.codename ASC`,
		planIDs,
	).Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	for _, row := range rows {
		out[row.PlanID] = append(out[row.PlanID], row.Feature)
	}
	return out, nil
}

func (r *repo) UpsertResource(ctx context.Context, db *gorm.DB, resource *catalogdomain.Resource) error {
	if err := db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "codename"}},
		DoUpdates: clause.AssignmentColumns([]string{"unit", "updated_at"}),
	}).Create(resource).Error; err != nil {
		return err
	}
	// on conflict the stored id wins
	var stored catalogdomain.Resource
	if err := db.WithContext(ctx).Where("codename = ?", resource.Codename).First(&stored).Error; err != nil {
		return err
	}
	*resource = stored
	return nil
}

func (r *repo) UpsertPlan(ctx context.Context, db *gorm.DB, plan *catalogdomain.Plan) error {
	if err := db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "codename"}},
		DoUpdates: clause.AssignmentColumns([]string{"name", "charge_period", "max_duration", "is_default", "is_enabled", "updated_at"}),
	}).Create(plan).Error; err != nil {
		return err
	}
	// on conflict the stored id wins
	var stored catalogdomain.Plan
	if err := db.WithContext(ctx).Where("codename = ?", plan.Codename).First(&stored).Error; err != nil {
		return err
	}
	*plan = stored
	return nil
}

func (r *repo) UpsertFeature(ctx context.Context, db *gorm.DB, feature *catalogdomain.Feature) error {
	if err := db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "codename"}},
		DoUpdates: clause.AssignmentColumns([]string{"name", "description", "is_negative", "updated_at"}),
	}).Create(feature).Error; err != nil {
		return err
	}
	// on conflict the stored id wins
	var stored catalogdomain.Feature
	if err := db.WithContext(ctx).Where("codename = ?", feature.Codename).First(&stored).Error; err != nil {
		return err
	}
	*feature = stored
	return nil
}

// ReplaceQuotas upserts quotas by (plan, resource) and removes the plan's
// quotas for resources no longer listed. Existing quota ids are kept so the
// generated chunk order stays stable across syncs.
func (r *repo) ReplaceQuotas(ctx context.Context, db *gorm.DB, planID snowflake.ID, quotas []catalogdomain.Quota) error {
	keep := make([]snowflake.ID, 0, len(quotas))
	for i := range quotas {
		if err := db.WithContext(ctx).Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "plan_id"}, {Name: "resource_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"quota_limit", "recharge_period", "burns_in", "updated_at"}),
		}).Create(&quotas[i]).Error; err != nil {
			return err
		}
		keep = append(keep, quotas[i].ResourceID)
	}

	stmt := db.WithContext(ctx).Where("plan_id = ?", planID)
	if len(keep) > 0 {
		stmt = stmt.Where("resource_id NOT IN ?", keep)
	}
	return stmt.Delete(&catalogdomain.Quota{}).Error
}

func (r *repo) ReplacePlanFeatures(ctx context.Context, db *gorm.DB, planID snowflake.ID, featureIDs []snowflake.ID) error {
	if err := db.WithContext(ctx).Where("plan_id = ?", planID).Delete(&catalogdomain.PlanFeature{}).Error; err != nil {
		return err
	}
	if len(featureIDs) == 0 {
		return nil
	}
	rows := make([]catalogdomain.PlanFeature, 0, len(featureIDs))
	for _, id := range featureIDs {
		rows = append(rows, catalogdomain.PlanFeature{PlanID: planID, FeatureID: id})
	}
	return db.WithContext(ctx).Create(&rows).Error
}
