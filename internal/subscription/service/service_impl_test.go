package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	catalogdomain "github.com/smallbiznis/allowance/internal/catalog/domain"
	catalogrepository "github.com/smallbiznis/allowance/internal/catalog/repository"
	catalogservice "github.com/smallbiznis/allowance/internal/catalog/service"
	"github.com/smallbiznis/allowance/internal/clock"
	"github.com/smallbiznis/allowance/internal/config"
	subscriptiondomain "github.com/smallbiznis/allowance/internal/subscription/domain"
	"github.com/smallbiznis/allowance/internal/subscription/repository"
	"github.com/smallbiznis/allowance/internal/testutil"
	"github.com/smallbiznis/allowance/pkg/period"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var now = time.Date(2022, time.January, 1, 12, 0, 0, 0, time.UTC)

func setupSubscriptionService(t *testing.T) (subscriptiondomain.Service, *clock.FakeClock, *snowflake.Node) {
	t.Helper()
	db := testutil.OpenDB(t)
	node := testutil.MustNode(t)
	clk := clock.NewFakeClock(now)
	catalogRepo := catalogrepository.Provide()

	catalog := catalogservice.NewService(catalogservice.ServiceParam{
		DB: db, Log: zap.NewNop(), GenID: node, Clock: clk, Repo: catalogRepo,
	})
	_, err := catalog.Sync(context.Background(), config.CatalogDocument{
		Plans: []config.PlanSpec{
			{Codename: "monthly", ChargePeriod: period.Months(1), MaxDuration: period.Days(45)},
			{Codename: "weekly", ChargePeriod: period.Days(7)},
			{Codename: "retired", ChargePeriod: period.Days(7), Disabled: true},
		},
	})
	require.NoError(t, err)

	svc := NewService(ServiceParam{
		DB:          db,
		Log:         zap.NewNop(),
		GenID:       node,
		Clock:       clk,
		Repo:        repository.Provide(),
		CatalogRepo: catalogRepo,
	})
	return svc, clk, node
}

func TestGrantDefaults(t *testing.T) {
	svc, _, node := setupSubscriptionService(t)
	userID := node.Generate()

	sub, err := svc.Grant(context.Background(), subscriptiondomain.GrantRequest{UserID: userID, PlanCode: "Weekly"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), sub.Quantity)
	assert.Equal(t, now, sub.StartAt)
	assert.Equal(t, now.AddDate(0, 0, 7), sub.EndAt)

	active, err := svc.ListActive(context.Background(), userID, time.Time{})
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, sub.ID, active[0].ID)
}

func TestGrantWithStartAndQuantity(t *testing.T) {
	svc, _, node := setupSubscriptionService(t)

	start := now.AddDate(0, 0, -20)
	sub, err := svc.Grant(context.Background(), subscriptiondomain.GrantRequest{
		UserID:   node.Generate(),
		PlanCode: "monthly",
		Quantity: 3,
		Start:    start,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(3), sub.Quantity)
	assert.Equal(t, start.AddDate(0, 1, 0), sub.EndAt)
}

func TestGrantValidation(t *testing.T) {
	svc, _, node := setupSubscriptionService(t)
	ctx := context.Background()
	userID := node.Generate()

	cases := []struct {
		name string
		req  subscriptiondomain.GrantRequest
		want error
	}{
		{"missing user", subscriptiondomain.GrantRequest{PlanCode: "weekly"}, subscriptiondomain.ErrInvalidUser},
		{"negative quantity", subscriptiondomain.GrantRequest{UserID: userID, PlanCode: "weekly", Quantity: -1}, subscriptiondomain.ErrInvalidQuantity},
		{"unknown plan", subscriptiondomain.GrantRequest{UserID: userID, PlanCode: "gold"}, catalogdomain.ErrPlanNotFound},
		{"disabled plan", subscriptiondomain.GrantRequest{UserID: userID, PlanCode: "retired"}, subscriptiondomain.ErrPlanDisabled},
		{"end before start", subscriptiondomain.GrantRequest{UserID: userID, PlanCode: "weekly", End: now.Add(-time.Hour)}, subscriptiondomain.ErrInvalidPeriod},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.Grant(ctx, tc.req)
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}
}

func TestProlongUntilCap(t *testing.T) {
	svc, _, node := setupSubscriptionService(t)
	ctx := context.Background()

	sub, err := svc.Grant(ctx, subscriptiondomain.GrantRequest{UserID: node.Generate(), PlanCode: "monthly"})
	require.NoError(t, err)
	require.Equal(t, now.AddDate(0, 1, 0), sub.EndAt)

	prolonged, err := svc.Prolong(ctx, sub.ID)
	require.NoError(t, err)
	assert.True(t, prolonged.EndAt.Equal(now.AddDate(0, 0, 45)), "capped at max duration, got %s", prolonged.EndAt)

	_, err = svc.Prolong(ctx, sub.ID)
	assert.ErrorIs(t, err, subscriptiondomain.ErrProlongationImpossible)

	_, err = svc.Prolong(ctx, node.Generate())
	assert.ErrorIs(t, err, subscriptiondomain.ErrSubscriptionNotFound)
}

func TestCancel(t *testing.T) {
	svc, clk, node := setupSubscriptionService(t)
	ctx := context.Background()
	userID := node.Generate()

	sub, err := svc.Grant(ctx, subscriptiondomain.GrantRequest{UserID: userID, PlanCode: "weekly"})
	require.NoError(t, err)

	clk.Advance(48 * time.Hour)
	cancelled, err := svc.Cancel(ctx, sub.ID)
	require.NoError(t, err)
	assert.True(t, cancelled.EndAt.Equal(now.Add(48*time.Hour)), "got %s", cancelled.EndAt)

	active, err := svc.ListActive(ctx, userID, time.Time{})
	require.NoError(t, err)
	assert.Empty(t, active)

	clk.Advance(time.Hour)
	again, err := svc.Cancel(ctx, sub.ID)
	require.NoError(t, err)
	assert.True(t, again.EndAt.Equal(now.Add(48*time.Hour)), "already ended subscriptions are left alone")
}

func TestCancelBeforeStart(t *testing.T) {
	svc, _, node := setupSubscriptionService(t)
	ctx := context.Background()

	start := now.AddDate(0, 0, 3)
	sub, err := svc.Grant(ctx, subscriptiondomain.GrantRequest{UserID: node.Generate(), PlanCode: "weekly", Start: start})
	require.NoError(t, err)

	cancelled, err := svc.Cancel(ctx, sub.ID)
	require.NoError(t, err)
	assert.True(t, cancelled.EndAt.Equal(start), "got %s", cancelled.EndAt)
}

func TestListExpiring(t *testing.T) {
	svc, _, node := setupSubscriptionService(t)
	ctx := context.Background()

	weekly, err := svc.Grant(ctx, subscriptiondomain.GrantRequest{UserID: node.Generate(), PlanCode: "weekly"})
	require.NoError(t, err)
	_, err = svc.Grant(ctx, subscriptiondomain.GrantRequest{UserID: node.Generate(), PlanCode: "monthly"})
	require.NoError(t, err)

	expiring, err := svc.ListExpiring(ctx, 8*24*time.Hour)
	require.NoError(t, err)
	require.Len(t, expiring, 1)
	assert.Equal(t, weekly.ID, expiring[0].ID)
}
