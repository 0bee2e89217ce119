package service

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	catalogdomain "github.com/smallbiznis/allowance/internal/catalog/domain"
	catalogservice "github.com/smallbiznis/allowance/internal/catalog/service"
	"github.com/smallbiznis/allowance/internal/clock"
	entitlementdomain "github.com/smallbiznis/allowance/internal/entitlement/domain"
	subscriptiondomain "github.com/smallbiznis/allowance/internal/subscription/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type ServiceParam struct {
	fx.In

	DB               *gorm.DB
	Log              *zap.Logger
	Clock            clock.Clock
	SubscriptionRepo subscriptiondomain.Repository
	CatalogRepo      catalogdomain.Repository
}

type Service struct {
	db               *gorm.DB
	log              *zap.Logger
	clock            clock.Clock
	subscriptionRepo subscriptiondomain.Repository
	catalogRepo      catalogdomain.Repository
}

func NewService(p ServiceParam) entitlementdomain.Service {
	return &Service{
		db:               p.DB,
		log:              p.Log.Named("entitlement.service"),
		clock:            p.Clock,
		subscriptionRepo: p.SubscriptionRepo,
		catalogRepo:      p.CatalogRepo,
	}
}

func (s *Service) Features(ctx context.Context, userID snowflake.ID, at time.Time) ([]catalogdomain.Feature, error) {
	if at.IsZero() {
		at = s.clock.Now()
	}

	planIDs, err := s.planIDs(ctx, userID, at.UTC())
	if err != nil {
		return nil, err
	}
	if len(planIDs) == 0 {
		return nil, nil
	}

	features, err := s.catalogRepo.ListPlanFeatures(ctx, s.db, planIDs)
	if err != nil {
		return nil, err
	}
	sets := make([][]catalogdomain.Feature, 0, len(planIDs))
	for _, id := range planIDs {
		sets = append(sets, features[id])
	}
	return entitlementdomain.MergeFeatureSets(sets), nil
}

func (s *Service) HasFeature(ctx context.Context, userID snowflake.ID, codename string, at time.Time) (bool, error) {
	features, err := s.Features(ctx, userID, at)
	if err != nil {
		return false, err
	}
	codename = catalogservice.Codename(codename)
	for _, f := range features {
		if f.Codename == codename {
			return true, nil
		}
	}
	return false, nil
}

func (s *Service) planIDs(ctx context.Context, userID snowflake.ID, at time.Time) ([]snowflake.ID, error) {
	subs, err := s.subscriptionRepo.ListActive(ctx, s.db, userID, at)
	if err != nil {
		return nil, err
	}

	seen := make(map[snowflake.ID]struct{}, len(subs))
	ids := make([]snowflake.ID, 0, len(subs))
	for _, sub := range subs {
		if _, ok := seen[sub.PlanID]; ok {
			continue
		}
		seen[sub.PlanID] = struct{}{}
		ids = append(ids, sub.PlanID)
	}
	if len(ids) > 0 {
		return ids, nil
	}

	defaults, err := s.catalogRepo.ListDefaultPlans(ctx, s.db)
	if err != nil {
		return nil, err
	}
	for _, plan := range defaults {
		ids = append(ids, plan.ID)
	}
	s.log.Debug("no active subscription, using default plans",
		zap.String("user_id", userID.String()),
		zap.Int("plans", len(ids)),
	)
	return ids, nil
}
