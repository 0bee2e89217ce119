package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gosimple/slug"
	catalogdomain "github.com/smallbiznis/allowance/internal/catalog/domain"
	"github.com/smallbiznis/allowance/internal/clock"
	"github.com/smallbiznis/allowance/internal/config"
	"github.com/smallbiznis/allowance/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type ServiceParam struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
	Clock clock.Clock
	Repo  catalogdomain.Repository
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
	clock clock.Clock
	repo  catalogdomain.Repository
}

func NewService(p ServiceParam) catalogdomain.Service {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("catalog.service"),
		genID: p.GenID,
		clock: p.Clock,
		repo:  p.Repo,
	}
}

// Codename normalizes a catalog key.
func Codename(raw string) string {
	return slug.Make(strings.TrimSpace(raw))
}

func (s *Service) Sync(ctx context.Context, doc config.CatalogDocument) (catalogdomain.SyncResult, error) {
	if err := doc.Validate(); err != nil {
		return catalogdomain.SyncResult{}, fmt.Errorf("%w: %v", catalogdomain.ErrInvalidCatalog, err)
	}

	var result catalogdomain.SyncResult
	now := s.clock.Now()
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		resources := make(map[string]snowflake.ID, len(doc.Resources))
		for _, spec := range doc.Resources {
			resource := catalogdomain.Resource{
				ID:        s.genID.Generate(),
				Codename:  Codename(spec.Codename),
				Unit:      strings.TrimSpace(spec.Unit),
				CreatedAt: now,
				UpdatedAt: now,
			}
			if err := s.repo.UpsertResource(ctx, tx, &resource); err != nil {
				return fmt.Errorf("upsert resource %q: %w", resource.Codename, err)
			}
			resources[strings.TrimSpace(spec.Codename)] = resource.ID
			result.Resources++
		}

		features := make(map[string]snowflake.ID, len(doc.Features))
		for _, spec := range doc.Features {
			feature := catalogdomain.Feature{
				ID:          s.genID.Generate(),
				Codename:    Codename(spec.Codename),
				Name:        spec.Name,
				Description: spec.Description,
				IsNegative:  spec.Negative,
				CreatedAt:   now,
				UpdatedAt:   now,
			}
			if err := s.repo.UpsertFeature(ctx, tx, &feature); err != nil {
				return fmt.Errorf("upsert feature %q: %w", feature.Codename, err)
			}
			features[strings.TrimSpace(spec.Codename)] = feature.ID
			result.Features++
		}

		for _, spec := range doc.Plans {
			plan := catalogdomain.Plan{
				ID:           s.genID.Generate(),
				Codename:     Codename(spec.Codename),
				Name:         spec.Name,
				ChargePeriod: spec.ChargePeriod,
				MaxDuration:  spec.MaxDuration,
				IsDefault:    spec.Default,
				IsEnabled:    !spec.Disabled,
				CreatedAt:    now,
				UpdatedAt:    now,
			}
			if err := s.repo.UpsertPlan(ctx, tx, &plan); err != nil {
				return fmt.Errorf("upsert plan %q: %w", plan.Codename, err)
			}

			quotas := make([]catalogdomain.Quota, 0, len(spec.Quotas))
			for _, q := range spec.Quotas {
				quotas = append(quotas, catalogdomain.Quota{
					ID:             s.genID.Generate(),
					PlanID:         plan.ID,
					ResourceID:     resources[strings.TrimSpace(q.Resource)],
					Limit:          q.Limit,
					RechargePeriod: q.RechargePeriod,
					BurnsIn:        q.BurnsIn,
					CreatedAt:      now,
					UpdatedAt:      now,
				})
			}
			if err := s.repo.ReplaceQuotas(ctx, tx, plan.ID, quotas); err != nil {
				return fmt.Errorf("replace quotas of %q: %w", plan.Codename, err)
			}

			featureIDs := make([]snowflake.ID, 0, len(spec.Features))
			for _, code := range spec.Features {
				featureIDs = append(featureIDs, features[strings.TrimSpace(code)])
			}
			if err := s.repo.ReplacePlanFeatures(ctx, tx, plan.ID, featureIDs); err != nil {
				if db.IsDuplicateKeyErr(err) {
					return fmt.Errorf("%w: plan %q lists a feature twice", catalogdomain.ErrInvalidCatalog, plan.Codename)
				}
				return fmt.Errorf("replace features of %q: %w", plan.Codename, err)
			}

			result.Plans++
			result.Quotas += len(quotas)
		}
		return nil
	})
	if err != nil {
		return catalogdomain.SyncResult{}, err
	}

	s.log.Info("catalog synced",
		zap.Int("resources", result.Resources),
		zap.Int("features", result.Features),
		zap.Int("plans", result.Plans),
		zap.Int("quotas", result.Quotas),
	)
	return result, nil
}

func (s *Service) GetPlan(ctx context.Context, codename string) (*catalogdomain.Plan, error) {
	plan, err := s.repo.FindPlanByCode(ctx, s.db, Codename(codename))
	if err != nil {
		return nil, err
	}
	if plan == nil {
		return nil, catalogdomain.ErrPlanNotFound
	}
	return plan, nil
}

func (s *Service) ListQuotas(ctx context.Context, planIDs []snowflake.ID) (map[snowflake.ID][]catalogdomain.QuotaSpec, error) {
	return s.repo.ListQuotaSpecs(ctx, s.db, planIDs)
}
