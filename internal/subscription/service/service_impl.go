package service

import (
	"context"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	catalogdomain "github.com/smallbiznis/allowance/internal/catalog/domain"
	catalogservice "github.com/smallbiznis/allowance/internal/catalog/service"
	"github.com/smallbiznis/allowance/internal/clock"
	subscriptiondomain "github.com/smallbiznis/allowance/internal/subscription/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type ServiceParam struct {
	fx.In

	DB          *gorm.DB
	Log         *zap.Logger
	GenID       *snowflake.Node
	Clock       clock.Clock
	Repo        subscriptiondomain.Repository
	CatalogRepo catalogdomain.Repository
}

type Service struct {
	db          *gorm.DB
	log         *zap.Logger
	genID       *snowflake.Node
	clock       clock.Clock
	repo        subscriptiondomain.Repository
	catalogRepo catalogdomain.Repository
}

func NewService(p ServiceParam) subscriptiondomain.Service {
	return &Service{
		db:          p.DB,
		log:         p.Log.Named("subscription.service"),
		genID:       p.GenID,
		clock:       p.Clock,
		repo:        p.Repo,
		catalogRepo: p.CatalogRepo,
	}
}

func (s *Service) Grant(ctx context.Context, req subscriptiondomain.GrantRequest) (*subscriptiondomain.Subscription, error) {
	if req.UserID == 0 {
		return nil, subscriptiondomain.ErrInvalidUser
	}
	if req.Quantity == 0 {
		req.Quantity = 1
	}
	if req.Quantity < 0 {
		return nil, subscriptiondomain.ErrInvalidQuantity
	}

	plan, err := s.catalogRepo.FindPlanByCode(ctx, s.db, catalogservice.Codename(req.PlanCode))
	if err != nil {
		return nil, err
	}
	if plan == nil {
		return nil, catalogdomain.ErrPlanNotFound
	}
	if !plan.IsEnabled {
		return nil, subscriptiondomain.ErrPlanDisabled
	}

	now := s.clock.Now()
	start := req.Start
	if start.IsZero() {
		start = now
	}
	start = start.UTC()
	end := req.End
	if end.IsZero() {
		end = subscriptiondomain.DefaultEnd(start, plan.EffectiveChargePeriod(), plan.EffectiveMaxDuration())
	}
	end = end.UTC()
	if !end.After(start) {
		return nil, subscriptiondomain.ErrInvalidPeriod
	}

	subscription := subscriptiondomain.Subscription{
		ID:        s.genID.Generate(),
		UserID:    req.UserID,
		PlanID:    plan.ID,
		Quantity:  req.Quantity,
		StartAt:   start,
		EndAt:     end,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.repo.Insert(ctx, s.db, &subscription); err != nil {
		return nil, err
	}

	s.log.Info("subscription granted",
		zap.String("subscription_id", subscription.ID.String()),
		zap.String("user_id", subscription.UserID.String()),
		zap.String("plan", plan.Codename),
		zap.Int64("quantity", subscription.Quantity),
		zap.Time("start_at", subscription.StartAt),
		zap.Time("end_at", subscription.EndAt),
	)
	return &subscription, nil
}

// Prolong extends the subscription to its next charge date.
func (s *Service) Prolong(ctx context.Context, id snowflake.ID) (*subscriptiondomain.Subscription, error) {
	var prolonged *subscriptiondomain.Subscription
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		subscription, err := s.repo.FindByIDForUpdate(ctx, tx, id)
		if err != nil {
			return err
		}
		if subscription == nil {
			return subscriptiondomain.ErrSubscriptionNotFound
		}
		plan, err := s.catalogRepo.FindPlanByID(ctx, tx, subscription.PlanID)
		if err != nil {
			return err
		}
		if plan == nil {
			return catalogdomain.ErrPlanNotFound
		}

		end, err := subscription.NextEnd(plan.EffectiveChargePeriod(), plan.EffectiveMaxDuration())
		if err != nil {
			return err
		}
		now := s.clock.Now()
		if err := s.repo.UpdateEnd(ctx, tx, subscription.ID, end, now); err != nil {
			return err
		}
		subscription.EndAt = end
		subscription.UpdatedAt = now
		prolonged = subscription
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("subscription prolonged",
		zap.String("subscription_id", prolonged.ID.String()),
		zap.Time("end_at", prolonged.EndAt),
	)
	return prolonged, nil
}

// Cancel ends the subscription now. Subscriptions already ended are
// returned unchanged.
func (s *Service) Cancel(ctx context.Context, id snowflake.ID) (*subscriptiondomain.Subscription, error) {
	var cancelled *subscriptiondomain.Subscription
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		subscription, err := s.repo.FindByIDForUpdate(ctx, tx, id)
		if err != nil {
			return err
		}
		if subscription == nil {
			return subscriptiondomain.ErrSubscriptionNotFound
		}
		cancelled = subscription

		now := s.clock.Now()
		if !now.Before(subscription.EndAt) {
			return nil
		}
		end := now
		if end.Before(subscription.StartAt) {
			end = subscription.StartAt
		}
		if err := s.repo.UpdateEnd(ctx, tx, subscription.ID, end, now); err != nil {
			return fmt.Errorf("cancel subscription: %w", err)
		}
		subscription.EndAt = end
		subscription.UpdatedAt = now
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("subscription cancelled",
		zap.String("subscription_id", cancelled.ID.String()),
		zap.Time("end_at", cancelled.EndAt),
	)
	return cancelled, nil
}

func (s *Service) ListActive(ctx context.Context, userID snowflake.ID, at time.Time) ([]subscriptiondomain.Subscription, error) {
	if at.IsZero() {
		at = s.clock.Now()
	}
	return s.repo.ListActive(ctx, s.db, userID, at.UTC())
}

// ListExpiring returns subscriptions in force now that end within the window.
func (s *Service) ListExpiring(ctx context.Context, within time.Duration) ([]subscriptiondomain.Subscription, error) {
	now := s.clock.Now()
	return s.repo.ListExpiring(ctx, s.db, now, now.Add(within))
}
