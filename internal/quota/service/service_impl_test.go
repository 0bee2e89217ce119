package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/golang/mock/gomock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/smallbiznis/allowance/internal/cache"
	catalogdomain "github.com/smallbiznis/allowance/internal/catalog/domain"
	catalogrepository "github.com/smallbiznis/allowance/internal/catalog/repository"
	catalogservice "github.com/smallbiznis/allowance/internal/catalog/service"
	"github.com/smallbiznis/allowance/internal/clock"
	"github.com/smallbiznis/allowance/internal/config"
	"github.com/smallbiznis/allowance/internal/lock"
	obsmetrics "github.com/smallbiznis/allowance/internal/observability/metrics"
	quotadomain "github.com/smallbiznis/allowance/internal/quota/domain"
	"github.com/smallbiznis/allowance/internal/quota/mocks"
	subscriptiondomain "github.com/smallbiznis/allowance/internal/subscription/domain"
	subscriptionrepository "github.com/smallbiznis/allowance/internal/subscription/repository"
	usagedomain "github.com/smallbiznis/allowance/internal/usage/domain"
	usagerepository "github.com/smallbiznis/allowance/internal/usage/repository"
	"github.com/smallbiznis/allowance/internal/testutil"
	"github.com/smallbiznis/allowance/pkg/period"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var base = time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

func day(n float64) time.Time {
	return base.Add(time.Duration(n * float64(24*time.Hour)))
}

type harness struct {
	t        *testing.T
	ctx      context.Context
	db       *gorm.DB
	node     *snowflake.Node
	clock    *clock.FakeClock
	userID   snowflake.ID
	plan     *catalogdomain.Plan
	resource *catalogdomain.Resource
}

// newHarness syncs a catalog with a single 30-day plan carrying quota on
// "resource". The clock sits a year ahead so every instant has settled.
func newHarness(t *testing.T, quota config.QuotaSpec) *harness {
	t.Helper()
	ctx := context.Background()
	db := testutil.OpenDB(t)
	node := testutil.MustNode(t)
	clk := clock.NewFakeClock(base.AddDate(1, 0, 0))

	catalog := catalogservice.NewService(catalogservice.ServiceParam{
		DB:    db,
		Log:   zap.NewNop(),
		GenID: node,
		Clock: clk,
		Repo:  catalogrepository.Provide(),
	})
	quota.Resource = "resource"
	_, err := catalog.Sync(ctx, config.CatalogDocument{
		Resources: []config.ResourceSpec{{Codename: "resource"}},
		Plans: []config.PlanSpec{{
			Codename:     "plan",
			ChargePeriod: period.Days(30),
			Quotas:       []config.QuotaSpec{quota},
		}},
	})
	require.NoError(t, err)

	plan, err := catalog.GetPlan(ctx, "plan")
	require.NoError(t, err)
	resource, err := catalogrepository.Provide().FindResourceByCode(ctx, db, "resource")
	require.NoError(t, err)
	require.NotNil(t, resource)

	return &harness{
		t:        t,
		ctx:      ctx,
		db:       db,
		node:     node,
		clock:    clk,
		userID:   node.Generate(),
		plan:     plan,
		resource: resource,
	}
}

func (h *harness) service(store quotadomain.SnapshotStore, cfg config.Config) quotadomain.Service {
	return NewService(h.param(store, cfg))
}

func (h *harness) param(store quotadomain.SnapshotStore, cfg config.Config) ServiceParam {
	return ServiceParam{
		DB:               h.db,
		Log:              zap.NewNop(),
		GenID:            h.node,
		Clock:            h.clock,
		Config:           cfg,
		SubscriptionRepo: subscriptionrepository.Provide(),
		CatalogRepo:      catalogrepository.Provide(),
		UsageRepo:        usagerepository.Provide(),
		Snapshots:        store,
		Locker:           lock.NewLocalLocker(),
	}
}

func (h *harness) uncached() quotadomain.Service {
	return h.service(cache.NoopStore{}, config.Config{})
}

func (h *harness) subscribe(start, end time.Time, quantity int64) {
	h.t.Helper()
	err := subscriptionrepository.Provide().Insert(h.ctx, h.db, &subscriptiondomain.Subscription{
		ID:        h.node.Generate(),
		UserID:    h.userID,
		PlanID:    h.plan.ID,
		Quantity:  quantity,
		StartAt:   start,
		EndAt:     end,
		CreatedAt: start,
		UpdatedAt: start,
	})
	require.NoError(h.t, err)
}

func (h *harness) use(amount int64, at time.Time) {
	h.t.Helper()
	err := usagerepository.Provide().Insert(h.ctx, h.db, &usagedomain.Usage{
		ID:         h.node.Generate(),
		UserID:     h.userID,
		ResourceID: h.resource.ID,
		Amount:     amount,
		At:         at,
		CreatedAt:  at,
	})
	require.NoError(h.t, err)
}

func (h *harness) remains(svc quotadomain.Service, at time.Time) int64 {
	h.t.Helper()
	amounts, err := svc.RemainingAmount(h.ctx, h.userID, at)
	if err != nil {
		h.t.Fatalf("remaining amount at %s: %v", at, err)
	}
	return amounts["resource"]
}

type checkpoint struct {
	at   time.Time
	want int64
}

func (h *harness) expect(svc quotadomain.Service, points []checkpoint) {
	h.t.Helper()
	for _, p := range points {
		if got := h.remains(svc, p.at); got != p.want {
			h.t.Errorf("remains at %s = %d, want %d", p.at.Format(time.RFC3339), got, p.want)
		}
	}
}

// twoSubscriptions overlaps [0,10) and [4,14), each recharging 100 every
// five days with chunks burning after seven.
func twoSubscriptions(t *testing.T) *harness {
	h := newHarness(t, config.QuotaSpec{Limit: 100, RechargePeriod: period.Days(5), BurnsIn: period.Days(7)})
	h.subscribe(day(0), day(10), 1)
	h.subscribe(day(4), day(14), 1)
	h.use(50, day(1))
	h.use(200, day(6))
	h.use(50, day(12))
	return h
}

var twoSubscriptionsTimeline = []checkpoint{
	{day(-1), 0},
	{day(0), 100},
	{day(1), 50},
	{day(2), 50},
	{day(4), 150},
	{day(5), 250},
	{day(6), 50},
	{day(7), 50},
	{day(9), 150},
	{day(10), 100},
	{day(11), 100},
	{day(12), 50},
	{day(16), 0},
}

type chunkView struct {
	start, end time.Time
	remains    int64
}

func viewOf(chunks []quotadomain.Chunk) []chunkView {
	out := make([]chunkView, 0, len(chunks))
	for _, c := range chunks {
		out = append(out, chunkView{start: c.Start.UTC(), end: c.End.UTC(), remains: c.Remains})
	}
	return out
}

func TestRemainingWithoutSubscription(t *testing.T) {
	h := newHarness(t, config.QuotaSpec{Limit: 50})
	svc := h.uncached()

	amounts, err := svc.RemainingAmount(h.ctx, h.userID, day(0))
	require.NoError(t, err)
	assert.Empty(t, amounts)
	assert.Equal(t, int64(0), h.remains(svc, day(5)))
}

func TestRemainingWithoutUsage(t *testing.T) {
	h := newHarness(t, config.QuotaSpec{Limit: 50})
	h.subscribe(day(0), day(30), 2)

	h.expect(h.uncached(), []checkpoint{
		{day(0).Add(-time.Second), 0},
		{day(0), 100},
		{day(1), 100},
		{day(30).Add(-time.Second), 100},
		{day(30), 0},
		{day(30).Add(time.Second), 0},
	})
}

func TestRemainingRecharges(t *testing.T) {
	h := newHarness(t, config.QuotaSpec{Limit: 50, RechargePeriod: period.Days(9), BurnsIn: period.Infinite})
	h.subscribe(day(0), day(30), 2)

	h.expect(h.uncached(), []checkpoint{
		{day(0), 100},
		{day(8), 100},
		{day(9), 200},
		{day(18), 300},
		{day(27), 400},
		{day(30), 0},
	})
}

func TestRemainingBurns(t *testing.T) {
	h := newHarness(t, config.QuotaSpec{Limit: 50, RechargePeriod: period.Days(5), BurnsIn: period.Days(7)})
	h.subscribe(day(0), day(10), 2)

	h.expect(h.uncached(), []checkpoint{
		{day(-5), 0},
		{day(0), 100},
		{day(5), 200},
		{day(7), 100},
		{day(10), 0},
		{day(15), 0},
	})
}

func TestUsageWithSimpleQuota(t *testing.T) {
	h := newHarness(t, config.QuotaSpec{Limit: 50, RechargePeriod: period.Infinite})
	h.subscribe(day(0), day(10), 2)
	h.use(30, day(3))
	h.use(30, day(6))

	h.expect(h.uncached(), []checkpoint{
		{day(0), 100},
		{day(3), 70},
		{day(5), 70},
		{day(6), 40},
		{day(10), 0},
	})
}

func TestUsageWithRechargingQuota(t *testing.T) {
	h := newHarness(t, config.QuotaSpec{Limit: 50, RechargePeriod: period.Days(5), BurnsIn: period.Days(7)})
	h.subscribe(day(0), day(10), 2)
	for _, d := range []float64{2, 4, 6, 9} {
		h.use(30, day(d))
	}
	svc := h.uncached()

	h.expect(svc, []checkpoint{
		{day(0), 100},
		{day(3), 70},
		{day(4.5), 40},
		{day(5), 140},
		{day(6), 110},
		{day(7), 100},
		{day(9), 70},
		{day(10).Add(-time.Second), 70},
		{day(10), 0},
	})

	chunks, err := svc.RemainingChunks(h.ctx, quotadomain.ChunksRequest{UserID: h.userID, At: day(9)})
	require.NoError(t, err)
	assert.Equal(t, []chunkView{{day(5), day(10), 70}}, viewOf(chunks))
}

func TestUsageDrainsEarliestChunkFirst(t *testing.T) {
	h := newHarness(t, config.QuotaSpec{Limit: 50, RechargePeriod: period.Days(5), BurnsIn: period.Days(7)})
	h.subscribe(day(0), day(10), 2)
	h.use(150, day(6))

	h.expect(h.uncached(), []checkpoint{
		{day(5), 200},
		{day(6), 50},
		{day(7), 50},
		{day(10), 0},
	})
}

func TestUsageWithMultipleSubscriptions(t *testing.T) {
	h := twoSubscriptions(t)
	h.expect(h.uncached(), twoSubscriptionsTimeline)
}

func TestUsageAtQueryInstantIsCounted(t *testing.T) {
	h := newHarness(t, config.QuotaSpec{Limit: 100})
	h.subscribe(day(0), day(30), 1)
	h.use(40, day(3))

	svc := h.uncached()
	assert.Equal(t, int64(100), h.remains(svc, day(3).Add(-time.Nanosecond)))
	assert.Equal(t, int64(60), h.remains(svc, day(3)))
}

func TestUsageOutsideChunksIsIgnored(t *testing.T) {
	h := newHarness(t, config.QuotaSpec{Limit: 100})
	h.subscribe(day(5), day(30), 1)
	h.use(40, day(2))

	assert.Equal(t, int64(100), h.remains(h.uncached(), day(6)))
}

func TestUsageBeyondBalanceDrainsToZero(t *testing.T) {
	h := newHarness(t, config.QuotaSpec{Limit: 50, RechargePeriod: period.Days(5), BurnsIn: period.Days(7)})
	h.subscribe(day(0), day(20), 2)
	h.use(500, day(6))
	h.use(10, day(6.5))
	h.use(10, day(10.5))

	registry := prometheus.NewRegistry()
	p := h.param(cache.NoopStore{}, config.Config{})
	p.QuotaMetrics = obsmetrics.NewQuotaMetrics(registry, obsmetrics.Config{ServiceName: "allowance", Environment: "test"})
	svc := NewService(p)

	assert.Equal(t, int64(0), h.remains(svc, day(6)))
	assert.Equal(t, 300.0, counterValue(t, registry, "allowance_replay_shortfall_total"))

	h.expect(svc, []checkpoint{
		{day(5), 200},
		{day(6.5), 0},
		{day(7), 0},
		{day(10), 100},
		{day(10.5), 90},
		{day(12), 90},
		{day(15), 190},
		{day(20), 0},
	})

	for _, at := range []time.Time{day(6), day(6.5), day(11)} {
		chunks, err := svc.RemainingChunks(h.ctx, quotadomain.ChunksRequest{UserID: h.userID, At: at})
		require.NoError(t, err)
		for _, c := range chunks {
			assert.GreaterOrEqual(t, c.Remains, int64(0), "chunk [%s,%s) at %s", c.Start, c.End, at)
		}
	}
}

func counterValue(t *testing.T, registry *prometheus.Registry, name string) float64 {
	t.Helper()
	families, err := registry.Gather()
	require.NoError(t, err)
	var total float64
	for _, family := range families {
		if family.GetName() != name {
			continue
		}
		for _, m := range family.GetMetric() {
			total += m.GetCounter().GetValue()
		}
	}
	return total
}

func TestRemainingChunksFiltersResource(t *testing.T) {
	h := twoSubscriptions(t)
	svc := h.uncached()

	chunks, err := svc.RemainingChunks(h.ctx, quotadomain.ChunksRequest{UserID: h.userID, At: day(6), Resource: "Resource"})
	require.NoError(t, err)
	assert.Equal(t, []chunkView{
		{day(0), day(7), 0},
		{day(4), day(11), 0},
		{day(5), day(10), 50},
	}, viewOf(chunks))
	for _, c := range chunks {
		assert.Equal(t, h.resource.ID, c.ResourceID)
		assert.Equal(t, "resource", c.Resource)
	}

	none, err := svc.RemainingChunks(h.ctx, quotadomain.ChunksRequest{UserID: h.userID, At: day(6), Resource: "other"})
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestRemainingDefaultsToNow(t *testing.T) {
	h := twoSubscriptions(t)
	h.clock.Set(day(6))

	amounts, err := h.uncached().RemainingAmount(h.ctx, h.userID, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, int64(50), amounts["resource"])
}

func TestRemainingRejectsMissingUser(t *testing.T) {
	h := newHarness(t, config.QuotaSpec{Limit: 100})
	_, err := h.uncached().RemainingChunks(h.ctx, quotadomain.ChunksRequest{At: day(0)})
	assert.ErrorIs(t, err, quotadomain.ErrInvalidUser)
}

func TestSnapshotMatchesReplayEverywhere(t *testing.T) {
	h := twoSubscriptions(t)
	uncached := h.uncached()

	var instants []time.Time
	for i := 0; i <= 32; i++ {
		instants = append(instants, day(float64(i)/2))
	}
	want := make(map[time.Time]int64, len(instants))
	for _, at := range instants {
		want[at] = h.remains(uncached, at)
	}

	for i, cachedAt := range instants {
		for _, at := range instants[i:] {
			svc := h.service(cache.NewMemoryStore(), config.Config{})
			h.remains(svc, cachedAt)
			if got := h.remains(svc, at); got != want[at] {
				t.Errorf("cached at %s, remains at %s = %d, want %d",
					cachedAt.Format(time.RFC3339), at.Format(time.RFC3339), got, want[at])
			}
		}
	}
}

func TestSnapshotLifecycle(t *testing.T) {
	for _, tc := range []struct {
		name  string
		store func(db *gorm.DB) quotadomain.SnapshotStore
	}{
		{"memory", func(*gorm.DB) quotadomain.SnapshotStore { return cache.NewMemoryStore() }},
		{"database", func(db *gorm.DB) quotadomain.SnapshotStore { return cache.NewDatabaseStore(db) }},
	} {
		t.Run(tc.name, func(t *testing.T) {
			h := twoSubscriptions(t)
			store := tc.store(h.db)
			svc := h.service(store, config.Config{})

			stored := func() *quotadomain.Snapshot {
				t.Helper()
				snapshot, err := store.Get(h.ctx, h.userID)
				require.NoError(t, err)
				return snapshot
			}

			assert.Equal(t, int64(50), h.remains(svc, day(6)))
			snapshot := stored()
			require.NotNil(t, snapshot)
			assert.True(t, snapshot.At.Equal(day(6)))
			assert.Equal(t, []chunkView{
				{day(0), day(7), 0},
				{day(4), day(11), 0},
				{day(5), day(10), 50},
			}, viewOf(snapshot.Chunks))

			// An older instant neither uses nor replaces the newer snapshot.
			assert.Equal(t, int64(50), h.remains(svc, day(2)))
			assert.True(t, stored().At.Equal(day(6)))

			assert.Equal(t, int64(150), h.remains(svc, day(9)))
			snapshot = stored()
			assert.True(t, snapshot.At.Equal(day(9)))
			assert.Equal(t, []chunkView{
				{day(4), day(11), 0},
				{day(5), day(10), 50},
				{day(9), day(14), 100},
			}, viewOf(snapshot.Chunks))

			require.NoError(t, store.Set(h.ctx, &quotadomain.Snapshot{
				UserID: h.userID,
				At:     day(1),
				Chunks: []quotadomain.Chunk{{
					ResourceID: h.resource.ID,
					Resource:   "resource",
					Start:      day(0),
					End:        day(3),
					Remains:    7,
				}},
			}))
			assert.Equal(t, int64(50), h.remains(svc, day(1)))
			snapshot = stored()
			require.NotNil(t, snapshot)
			assert.True(t, snapshot.At.Equal(day(1)))
			assert.Equal(t, []chunkView{{day(0), day(7), 50}}, viewOf(snapshot.Chunks))

			h.expect(svc, twoSubscriptionsTimeline)
		})
	}
}

func TestInconsistentSnapshotIsReplaced(t *testing.T) {
	h := twoSubscriptions(t)
	ctrl := gomock.NewController(t)
	store := mocks.NewMockSnapshotStore(ctrl)

	corrupt := &quotadomain.Snapshot{
		UserID: h.userID,
		At:     day(1),
		Chunks: []quotadomain.Chunk{{ResourceID: h.resource.ID, Resource: "resource", Start: day(0), End: day(3), Remains: 7}},
	}
	var written *quotadomain.Snapshot
	gomock.InOrder(
		store.EXPECT().Get(gomock.Any(), h.userID).Return(corrupt, nil),
		store.EXPECT().Delete(gomock.Any(), h.userID).Return(nil),
		store.EXPECT().Set(gomock.Any(), gomock.Any()).DoAndReturn(func(_ context.Context, s *quotadomain.Snapshot) error {
			written = s
			return nil
		}),
	)

	assert.Equal(t, int64(50), h.remains(h.service(store, config.Config{}), day(1)))
	require.NotNil(t, written)
	assert.Equal(t, h.userID, written.UserID)
	assert.True(t, written.At.Equal(day(1)))
	assert.Equal(t, []chunkView{{day(0), day(7), 50}}, viewOf(written.Chunks))
}

func TestSnapshotStoreFailureFallsBackToReplay(t *testing.T) {
	h := twoSubscriptions(t)
	ctrl := gomock.NewController(t)
	store := mocks.NewMockSnapshotStore(ctrl)

	boom := errors.New("store unavailable")
	store.EXPECT().Get(gomock.Any(), h.userID).Return(nil, boom).Times(len(twoSubscriptionsTimeline))
	store.EXPECT().Set(gomock.Any(), gomock.Any()).Return(boom).Times(len(twoSubscriptionsTimeline))

	h.expect(h.service(store, config.Config{}), twoSubscriptionsTimeline)
}

func TestSnapshotNotWrittenInsideSettleWindow(t *testing.T) {
	h := twoSubscriptions(t)
	h.clock.Set(day(6).Add(30 * time.Minute))
	ctrl := gomock.NewController(t)
	store := mocks.NewMockSnapshotStore(ctrl)
	svc := h.service(store, config.Config{Snapshot: config.SnapshotConfig{SettleWindow: time.Hour}})

	store.EXPECT().Get(gomock.Any(), h.userID).Return(nil, nil).Times(2)
	store.EXPECT().Set(gomock.Any(), gomock.Any()).DoAndReturn(func(_ context.Context, s *quotadomain.Snapshot) error {
		assert.True(t, s.At.Equal(day(5)))
		return nil
	})

	assert.Equal(t, int64(50), h.remains(svc, day(6)))
	assert.Equal(t, int64(250), h.remains(svc, day(5)))
}

// singleQuota grants 100 units over [now, now+30d) without recharge.
func singleQuota(t *testing.T, store quotadomain.SnapshotStore) (*harness, quotadomain.Service) {
	h := newHarness(t, config.QuotaSpec{Limit: 100, RechargePeriod: period.Infinite})
	h.clock.Set(day(0))
	h.subscribe(day(0), day(30), 1)
	return h, h.service(store, config.Config{})
}

func TestUseResource(t *testing.T) {
	h, svc := singleQuota(t, cache.NewMemoryStore())
	assert.Equal(t, int64(100), h.remains(svc, time.Time{}))

	called := 0
	r, err := svc.UseResource(h.ctx, quotadomain.UseResourceRequest{
		UserID:   h.userID,
		Resource: "resource",
		Amount:   10,
		Raises:   true,
		Metadata: map[string]any{"request": "r-1"},
	}, func(ctx context.Context, r quotadomain.Reservation) error {
		called++
		assert.True(t, r.Reserved)
		assert.Equal(t, int64(100), r.Available)
		assert.Equal(t, int64(90), r.Remains)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, called)
	assert.True(t, r.Reserved)
	assert.NotZero(t, r.UsageID)
	assert.NotEmpty(t, r.CorrelationID)
	assert.True(t, r.At.Equal(day(0)))
	assert.Equal(t, int64(90), h.remains(svc, time.Time{}))

	usage, err := usagerepository.Provide().FindByID(h.ctx, h.db, r.UsageID)
	require.NoError(t, err)
	require.NotNil(t, usage)
	assert.Equal(t, int64(10), usage.Amount)
	assert.Equal(t, h.resource.ID, usage.ResourceID)
	assert.Equal(t, "r-1", usage.Metadata["request"])
}

func TestUseResourceBodyErrorRollsBack(t *testing.T) {
	h, svc := singleQuota(t, cache.NewMemoryStore())
	h.clock.Set(day(1))

	boom := errors.New("downstream failed")
	_, err := svc.UseResource(h.ctx, quotadomain.UseResourceRequest{
		UserID: h.userID, Resource: "resource", Amount: 10, Raises: true,
	}, func(context.Context, quotadomain.Reservation) error { return boom })
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, int64(100), h.remains(svc, time.Time{}))

	usages, err := usagerepository.Provide().List(h.ctx, h.db, usagedomain.ListFilter{UserID: h.userID, Limit: 10})
	require.NoError(t, err)
	assert.Empty(t, usages)
}

func TestUseResourceOverLimit(t *testing.T) {
	h, svc := singleQuota(t, cache.NewMemoryStore())
	_, err := svc.UseResource(h.ctx, quotadomain.UseResourceRequest{UserID: h.userID, Resource: "resource", Amount: 10, Raises: true}, nil)
	require.NoError(t, err)
	h.clock.Set(day(2))

	called := false
	_, err = svc.UseResource(h.ctx, quotadomain.UseResourceRequest{
		UserID: h.userID, Resource: "resource", Amount: 100, Raises: true,
	}, func(context.Context, quotadomain.Reservation) error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, quotadomain.ErrQuotaLimitExceeded)
	assert.False(t, called)
	var limitErr *quotadomain.LimitExceededError
	require.True(t, errors.As(err, &limitErr))
	assert.Equal(t, "resource", limitErr.Resource)
	assert.Equal(t, int64(100), limitErr.Requested)
	assert.Equal(t, int64(90), limitErr.Available)

	var seen quotadomain.Reservation
	r, err := svc.UseResource(h.ctx, quotadomain.UseResourceRequest{
		UserID: h.userID, Resource: "resource", Amount: 100,
	}, func(_ context.Context, r quotadomain.Reservation) error {
		called = true
		seen = r
		return nil
	})
	require.NoError(t, err)
	assert.True(t, called)
	assert.False(t, seen.Reserved)
	assert.Equal(t, int64(90), seen.Available)
	assert.False(t, r.Reserved)
	assert.Zero(t, r.UsageID)

	r, err = svc.UseResource(h.ctx, quotadomain.UseResourceRequest{UserID: h.userID, Resource: "resource", Amount: 100}, nil)
	require.NoError(t, err)
	assert.False(t, r.Reserved)
	assert.Equal(t, int64(90), h.remains(svc, time.Time{}))
}

func TestUseResourceNeverOverdraws(t *testing.T) {
	h, svc := singleQuota(t, cache.NewMemoryStore())

	balance := int64(100)
	for _, amount := range []int64{30, 50, 40, 20, 1} {
		_, err := svc.UseResource(h.ctx, quotadomain.UseResourceRequest{
			UserID: h.userID, Resource: "resource", Amount: amount, Raises: true,
		}, nil)
		if amount > balance {
			assert.ErrorIs(t, err, quotadomain.ErrQuotaLimitExceeded, "amount %d", amount)
		} else {
			require.NoError(t, err, "amount %d", amount)
			balance -= amount
		}
		assert.Equal(t, balance, h.remains(svc, time.Time{}))
	}
	assert.Equal(t, int64(0), balance)
}

func TestUseResourceConcurrent(t *testing.T) {
	h, svc := singleQuota(t, cache.NewMemoryStore())

	const workers = 20
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		reserved int
		denied   int
		failures []error
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := svc.UseResource(h.ctx, quotadomain.UseResourceRequest{
				UserID:   h.userID,
				Resource: "resource",
				Amount:   10,
				Raises:   true,
				Metadata: map[string]any{"worker": fmt.Sprint(i)},
			}, nil)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				reserved++
			case errors.Is(err, quotadomain.ErrQuotaLimitExceeded):
				denied++
			default:
				failures = append(failures, err)
			}
		}(i)
	}
	wg.Wait()

	require.Empty(t, failures)
	assert.Equal(t, 10, reserved)
	assert.Equal(t, workers-10, denied)
	assert.Equal(t, int64(0), h.remains(svc, time.Time{}))
}

func TestUseResourceRejectsInvalidInput(t *testing.T) {
	h, svc := singleQuota(t, cache.NoopStore{})

	for _, tc := range []struct {
		name string
		req  quotadomain.UseResourceRequest
		want error
	}{
		{"missing user", quotadomain.UseResourceRequest{Resource: "resource", Amount: 1}, quotadomain.ErrInvalidUser},
		{"zero amount", quotadomain.UseResourceRequest{UserID: h.userID, Resource: "resource"}, quotadomain.ErrInvalidAmount},
		{"negative amount", quotadomain.UseResourceRequest{UserID: h.userID, Resource: "resource", Amount: -5}, quotadomain.ErrInvalidAmount},
		{"blank resource", quotadomain.UseResourceRequest{UserID: h.userID, Resource: "  ", Amount: 1}, quotadomain.ErrUnknownResource},
		{"unknown resource", quotadomain.UseResourceRequest{UserID: h.userID, Resource: "gpu", Amount: 1}, quotadomain.ErrUnknownResource},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.UseResource(h.ctx, tc.req, nil)
			assert.ErrorIs(t, err, tc.want)
		})
	}
	assert.Equal(t, int64(100), h.remains(svc, time.Time{}))
}

func TestRecordUsageInvalidatesNewerSnapshot(t *testing.T) {
	h := twoSubscriptions(t)
	store := cache.NewMemoryStore()
	svc := h.service(store, config.Config{})

	assert.Equal(t, int64(50), h.remains(svc, day(6)))
	snapshot, err := store.Get(h.ctx, h.userID)
	require.NoError(t, err)
	require.NotNil(t, snapshot)

	usage, err := svc.RecordUsage(h.ctx, quotadomain.UsageRecord{
		UserID:   h.userID,
		Resource: "resource",
		Amount:   20,
		At:       day(5),
		Metadata: map[string]any{"source": "import"},
	})
	require.NoError(t, err)
	require.NotNil(t, usage)
	assert.True(t, usage.At.Equal(day(5)))
	assert.Equal(t, h.resource.ID, usage.ResourceID)

	snapshot, err = store.Get(h.ctx, h.userID)
	require.NoError(t, err)
	assert.Nil(t, snapshot)

	assert.Equal(t, int64(230), h.remains(svc, day(5)))
	assert.Equal(t, int64(30), h.remains(svc, day(6)))
	assert.Equal(t, int64(30), h.remains(h.uncached(), day(6)))
}

func TestRecordUsageKeepsOlderSnapshot(t *testing.T) {
	h := twoSubscriptions(t)
	store := cache.NewMemoryStore()
	svc := h.service(store, config.Config{})

	assert.Equal(t, int64(50), h.remains(svc, day(2)))
	_, err := svc.RecordUsage(h.ctx, quotadomain.UsageRecord{UserID: h.userID, Resource: "resource", Amount: 20, At: day(5)})
	require.NoError(t, err)

	snapshot, err := store.Get(h.ctx, h.userID)
	require.NoError(t, err)
	require.NotNil(t, snapshot)
	assert.True(t, snapshot.At.Equal(day(2)))
	assert.Equal(t, int64(30), h.remains(svc, day(6)))
}

func TestRecordUsageChecksBalanceAtItsInstant(t *testing.T) {
	h := twoSubscriptions(t)
	svc := h.uncached()

	_, err := svc.RecordUsage(h.ctx, quotadomain.UsageRecord{UserID: h.userID, Resource: "resource", Amount: 60, At: day(2)})
	assert.ErrorIs(t, err, quotadomain.ErrQuotaLimitExceeded)

	_, err = svc.RecordUsage(h.ctx, quotadomain.UsageRecord{UserID: h.userID, Resource: "resource", Amount: 50, At: day(2)})
	require.NoError(t, err)
	assert.Equal(t, int64(0), h.remains(svc, day(3)))
}

// failingDeleteStore deletes through the bound transaction and then reports
// an error, the way a store failing mid-statement would.
type failingDeleteStore struct {
	quotadomain.SnapshotStore
}

func (s failingDeleteStore) WithTx(tx *gorm.DB) quotadomain.SnapshotStore {
	return failingDeleteStore{SnapshotStore: cache.NewDatabaseStore(tx)}
}

func (s failingDeleteStore) Delete(ctx context.Context, userID snowflake.ID) error {
	if err := s.SnapshotStore.Delete(ctx, userID); err != nil {
		return err
	}
	return errors.New("snapshot delete failed")
}

func TestUseResourceSurvivesFailedSnapshotDelete(t *testing.T) {
	h := newHarness(t, config.QuotaSpec{Limit: 100, RechargePeriod: period.Infinite})
	h.subscribe(day(0), day(30), 1)
	h.clock.Set(day(2))
	store := failingDeleteStore{SnapshotStore: cache.NewDatabaseStore(h.db)}
	svc := h.service(store, config.Config{})

	require.NoError(t, store.Set(h.ctx, &quotadomain.Snapshot{
		UserID: h.userID,
		At:     day(1),
		Chunks: []quotadomain.Chunk{{ResourceID: h.resource.ID, Resource: "resource", Start: day(0), End: day(3), Remains: 7}},
	}))

	r, err := svc.UseResource(h.ctx, quotadomain.UseResourceRequest{
		UserID: h.userID, Resource: "resource", Amount: 10, Raises: true,
	}, nil)
	require.NoError(t, err)
	assert.True(t, r.Reserved)
	assert.Equal(t, int64(100), r.Available)
	assert.Equal(t, int64(90), r.Remains)

	// The failed delete was rolled back to its savepoint.
	snapshot, err := cache.NewDatabaseStore(h.db).Get(h.ctx, h.userID)
	require.NoError(t, err)
	require.NotNil(t, snapshot)
	assert.True(t, snapshot.At.Equal(day(1)))

	assert.Equal(t, int64(90), h.remains(h.uncached(), day(2)))
}

func TestUseResourceFailsWhenLockLost(t *testing.T) {
	h, _ := singleQuota(t, cache.NoopStore{})
	ctrl := gomock.NewController(t)
	locker := mocks.NewMockLocker(ctrl)
	lease := mocks.NewMockLease(ctrl)

	locker.EXPECT().Backend().Return(config.LockBackendRedis).AnyTimes()
	locker.EXPECT().Acquire(gomock.Any(), gomock.Any(), h.userID).Return(lease, nil)
	lease.EXPECT().Valid(gomock.Any()).Return(quotadomain.ErrLockLost)
	lease.EXPECT().Release()

	p := h.param(cache.NoopStore{}, config.Config{})
	p.Locker = locker
	svc := NewService(p)

	called := false
	_, err := svc.UseResource(h.ctx, quotadomain.UseResourceRequest{
		UserID: h.userID, Resource: "resource", Amount: 10, Raises: true,
	}, func(context.Context, quotadomain.Reservation) error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, quotadomain.ErrLockLost)
	assert.True(t, called)
	assert.Equal(t, int64(100), h.remains(h.uncached(), time.Time{}))

	usages, err := usagerepository.Provide().List(h.ctx, h.db, usagedomain.ListFilter{UserID: h.userID, Limit: 10})
	require.NoError(t, err)
	assert.Empty(t, usages)
}
