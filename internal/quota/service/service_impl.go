package service

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	catalogdomain "github.com/smallbiznis/allowance/internal/catalog/domain"
	catalogservice "github.com/smallbiznis/allowance/internal/catalog/service"
	"github.com/smallbiznis/allowance/internal/clock"
	"github.com/smallbiznis/allowance/internal/config"
	obslogger "github.com/smallbiznis/allowance/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/allowance/internal/observability/metrics"
	quotadomain "github.com/smallbiznis/allowance/internal/quota/domain"
	subscriptiondomain "github.com/smallbiznis/allowance/internal/subscription/domain"
	usagedomain "github.com/smallbiznis/allowance/internal/usage/domain"
	"go.opentelemetry.io/otel"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var tracer = otel.Tracer("allowance/quota")

type ServiceParam struct {
	fx.In

	DB               *gorm.DB
	Log              *zap.Logger
	GenID            *snowflake.Node
	Clock            clock.Clock
	Config           config.Config
	SubscriptionRepo subscriptiondomain.Repository
	CatalogRepo      catalogdomain.Repository
	UsageRepo        usagedomain.Repository
	Snapshots        quotadomain.SnapshotStore
	Locker           quotadomain.Locker
	Metrics          *obsmetrics.Metrics      `optional:"true"`
	QuotaMetrics     *obsmetrics.QuotaMetrics `optional:"true"`
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
	clock clock.Clock

	subscriptionRepo subscriptiondomain.Repository
	catalogRepo      catalogdomain.Repository
	usageRepo        usagedomain.Repository
	snapshots        quotadomain.SnapshotStore
	locker           quotadomain.Locker
	settleWindow     time.Duration

	metrics      *obsmetrics.Metrics
	quotaMetrics *obsmetrics.QuotaMetrics
}

func NewService(p ServiceParam) quotadomain.Service {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("quota.service"),
		genID: p.GenID,
		clock: p.Clock,

		subscriptionRepo: p.SubscriptionRepo,
		catalogRepo:      p.CatalogRepo,
		usageRepo:        p.UsageRepo,
		snapshots:        p.Snapshots,
		locker:           p.Locker,
		settleWindow:     p.Config.Snapshot.SettleWindow,

		metrics:      p.Metrics,
		quotaMetrics: p.QuotaMetrics,
	}
}

func (s *Service) logFor(ctx context.Context) *zap.Logger {
	return obslogger.WithContext(ctx, s.log)
}

func (s *Service) RemainingAmount(ctx context.Context, userID snowflake.ID, at time.Time) (map[string]int64, error) {
	chunks, err := s.RemainingChunks(ctx, quotadomain.ChunksRequest{UserID: userID, At: at})
	if err != nil {
		return nil, err
	}
	return sumByResource(chunks), nil
}

func (s *Service) RemainingChunks(ctx context.Context, req quotadomain.ChunksRequest) ([]quotadomain.Chunk, error) {
	if req.UserID == 0 {
		return nil, quotadomain.ErrInvalidUser
	}
	at := req.At
	if at.IsZero() {
		at = s.clock.Now()
	}
	at = at.UTC()

	res, err := s.balance(ctx, s.db, s.snapshots, req.UserID, at)
	if err != nil {
		return nil, err
	}
	s.storeSnapshot(ctx, req.UserID, at, res)

	if req.Resource == "" {
		return res.chunks, nil
	}
	resource := catalogservice.Codename(req.Resource)
	filtered := make([]quotadomain.Chunk, 0, len(res.chunks))
	for _, c := range res.chunks {
		if c.Resource == resource {
			filtered = append(filtered, c)
		}
	}
	return filtered, nil
}

func sumByResource(chunks []quotadomain.Chunk) map[string]int64 {
	out := make(map[string]int64)
	for _, c := range chunks {
		out[c.Resource] += c.Remains
	}
	return out
}
