package service

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/bwmarrin/snowflake"
	catalogdomain "github.com/smallbiznis/allowance/internal/catalog/domain"
	obsmetrics "github.com/smallbiznis/allowance/internal/observability/metrics"
	"github.com/smallbiznis/allowance/internal/quota/chunk"
	quotadomain "github.com/smallbiznis/allowance/internal/quota/domain"
	subscriptiondomain "github.com/smallbiznis/allowance/internal/subscription/domain"
	usagedomain "github.com/smallbiznis/allowance/internal/usage/domain"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// balanceResult is one evaluation of a user's chunks at an instant.
type balanceResult struct {
	chunks []quotadomain.Chunk
	// stored is the snapshot found in the store, whether or not it was used.
	stored *quotadomain.Snapshot
}

// balance computes the chunks alive at at, going through the snapshot
// store. An inconsistent snapshot is dropped and the replay redone from
// scratch.
func (s *Service) balance(ctx context.Context, db *gorm.DB, store quotadomain.SnapshotStore, userID snowflake.ID, at time.Time) (balanceResult, error) {
	ctx, span := tracer.Start(ctx, "quota.balance", trace.WithAttributes(
		attribute.String("user_id", userID.String()),
		attribute.String("at", at.Format(time.RFC3339Nano)),
	))
	defer span.End()
	log := s.logFor(ctx).With(zap.String("user_id", userID.String()), zap.Time("at", at))

	stored, used := s.loadSnapshot(ctx, store, userID, at, log)
	chunks, err := s.remainingChunks(ctx, db, userID, at, used)
	if errors.Is(err, quotadomain.ErrInconsistentQuotaCache) && used != nil {
		log.Warn("quota snapshot inconsistent, recomputing", zap.Time("snapshot_at", used.At))
		s.quotaMetrics.IncSnapshotLookup(obsmetrics.SnapshotInconsistent)
		span.AddEvent("snapshot_inconsistent")
		if err := deleteSnapshot(ctx, db, store, userID); err != nil {
			log.Error("delete inconsistent snapshot failed", zap.Error(err))
			s.quotaMetrics.IncStoreError("snapshot", err)
		}
		stored = nil
		chunks, err = s.remainingChunks(ctx, db, userID, at, nil)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return balanceResult{}, err
	}
	span.SetAttributes(attribute.Int("chunks", len(chunks)))
	return balanceResult{chunks: chunks, stored: stored}, nil
}

// deleteSnapshot drops the user's snapshot. Inside a transaction the delete
// runs under a savepoint, so a failed delete leaves the transaction usable.
func deleteSnapshot(ctx context.Context, db *gorm.DB, store quotadomain.SnapshotStore, userID snowflake.ID) error {
	if committer, ok := db.Statement.ConnPool.(gorm.TxCommitter); ok && committer != nil {
		return db.WithContext(ctx).Transaction(func(*gorm.DB) error {
			return store.Delete(ctx, userID)
		})
	}
	return store.Delete(ctx, userID)
}

// loadSnapshot returns the stored snapshot and the one usable for at. Store
// failures count as a miss.
func (s *Service) loadSnapshot(ctx context.Context, store quotadomain.SnapshotStore, userID snowflake.ID, at time.Time, log *zap.Logger) (stored, used *quotadomain.Snapshot) {
	snapshot, err := store.Get(ctx, userID)
	switch {
	case err != nil:
		log.Warn("read quota snapshot failed", zap.Error(err))
		s.quotaMetrics.IncSnapshotLookup(obsmetrics.SnapshotError)
		s.quotaMetrics.IncStoreError("snapshot", err)
		return nil, nil
	case snapshot == nil:
		s.quotaMetrics.IncSnapshotLookup(obsmetrics.SnapshotMiss)
		return nil, nil
	case snapshot.At.After(at):
		log.Warn("quota snapshot is newer than requested instant, ignoring", zap.Time("snapshot_at", snapshot.At))
		s.quotaMetrics.IncSnapshotLookup(obsmetrics.SnapshotStale)
		return snapshot, nil
	default:
		s.quotaMetrics.IncSnapshotLookup(obsmetrics.SnapshotHit)
		return snapshot, snapshot
	}
}

// storeSnapshot persists chunks as the snapshot at at when at has settled
// and is newer than what the store holds.
func (s *Service) storeSnapshot(ctx context.Context, userID snowflake.ID, at time.Time, res balanceResult) {
	settled := s.clock.Now().Add(-s.settleWindow)
	if !at.Before(settled) {
		return
	}
	if res.stored != nil && !res.stored.At.Before(at) {
		return
	}

	chunks := make([]quotadomain.Chunk, len(res.chunks))
	copy(chunks, res.chunks)
	err := s.snapshots.Set(ctx, &quotadomain.Snapshot{UserID: userID, At: at, Chunks: chunks})
	s.quotaMetrics.IncSnapshotWrite(err)
	if err != nil {
		s.logFor(ctx).Warn("write quota snapshot failed",
			zap.String("user_id", userID.String()),
			zap.Time("at", at),
			zap.Error(err),
		)
	}
}

// remainingChunks replays the ledger over the merged chunk stream. With a
// snapshot, replay starts from the cached remains at snapshot.At.
func (s *Service) remainingChunks(ctx context.Context, db *gorm.DB, userID snowflake.ID, at time.Time, snapshot *quotadomain.Snapshot) ([]quotadomain.Chunk, error) {
	started := time.Now()
	stream, err := s.chunkStream(ctx, db, userID, at, snapshot)
	if err != nil {
		return nil, err
	}

	first, ok := stream.Next()
	if !ok {
		return nil, stream.Err()
	}

	filter := usagedomain.ReplayFilter{UserID: userID, Until: at}
	if snapshot != nil {
		after := snapshot.At
		filter.After = &after
	} else {
		from := first.Start
		filter.From = &from
	}
	usages, err := s.usageRepo.ListForReplay(ctx, db, filter)
	if err != nil {
		return nil, err
	}

	var (
		active  []*quotadomain.Chunk
		pending = first
	)
	for _, usage := range usages {
		t := usage.At.UTC()
		for pending != nil && !pending.Start.After(t) {
			active = append(active, pending)
			if pending, ok = stream.Next(); !ok {
				pending = nil
				if err := stream.Err(); err != nil {
					return nil, err
				}
			}
		}

		alive := active[:0]
		for _, c := range active {
			if c.End.After(t) {
				alive = append(alive, c)
			}
		}
		active = alive

		s.consume(ctx, active, usage)
	}

	result := make([]quotadomain.Chunk, 0, len(active)+1)
	for _, c := range active {
		if c.Includes(at) {
			result = append(result, *c)
		}
	}
	for pending != nil {
		if pending.Includes(at) {
			result = append(result, *pending)
		}
		if pending, ok = stream.Next(); !ok {
			pending = nil
		}
	}
	if err := stream.Err(); err != nil {
		return nil, err
	}

	s.quotaMetrics.ObserveReplay(len(usages), time.Since(started))
	return result, nil
}

// consume takes usage.Amount from the covering chunks, earliest first.
func (s *Service) consume(ctx context.Context, active []*quotadomain.Chunk, usage usagedomain.Usage) {
	t := usage.At.UTC()
	covering := make([]*quotadomain.Chunk, 0, len(active))
	for _, c := range active {
		if c.ResourceID == usage.ResourceID && c.Includes(t) {
			covering = append(covering, c)
		}
	}
	if len(covering) == 0 {
		s.logFor(ctx).Debug("usage outside every chunk",
			zap.String("usage_id", usage.ID.String()),
			zap.Time("usage_at", t),
		)
		return
	}
	sort.SliceStable(covering, func(i, j int) bool {
		return covering[i].Less(*covering[j])
	})

	left := usage.Amount
	for _, c := range covering {
		if left == 0 {
			break
		}
		take := min(c.Remains, left)
		c.Remains -= take
		left -= take
	}
	if left > 0 {
		resource := covering[0].Resource
		s.logFor(ctx).Error("usage exceeds available quota",
			zap.String("usage_id", usage.ID.String()),
			zap.String("resource", resource),
			zap.Time("usage_at", t),
			zap.Int64("amount", usage.Amount),
			zap.Int64("shortfall", left),
		)
		s.quotaMetrics.AddShortfall(resource, left)
	}
}

// chunkStream merges the chunk streams of every subscription relevant at at.
func (s *Service) chunkStream(ctx context.Context, db *gorm.DB, userID snowflake.ID, at time.Time, snapshot *quotadomain.Snapshot) (quotadomain.Iterator, error) {
	var (
		subs   []subscriptiondomain.Subscription
		bounds = chunk.Bounds{Until: at}
		err    error
	)
	if snapshot != nil {
		subs, err = s.subscriptionRepo.ListOverlapping(ctx, db, userID, snapshot.At, at)
		bounds.Since = snapshot.At
	} else {
		subs, err = s.subscriptionRepo.ListInvolved(ctx, db, userID, at)
	}
	if err != nil {
		return nil, err
	}

	quotas, err := s.quotasFor(ctx, db, subs)
	if err != nil {
		return nil, err
	}

	inputs := make([]quotadomain.Iterator, 0, len(subs))
	for _, sub := range subs {
		specs := quotas[sub.PlanID]
		if len(specs) == 0 {
			continue
		}
		inputs = append(inputs, chunk.Generate(sub, specs, bounds))
	}

	stream := chunk.Merge(inputs...)
	if snapshot != nil {
		stream = snapshot.Apply(stream)
	}
	return stream, nil
}

func (s *Service) quotasFor(ctx context.Context, db *gorm.DB, subs []subscriptiondomain.Subscription) (map[snowflake.ID][]catalogdomain.QuotaSpec, error) {
	if len(subs) == 0 {
		return nil, nil
	}
	seen := make(map[snowflake.ID]struct{}, len(subs))
	planIDs := make([]snowflake.ID, 0, len(subs))
	for _, sub := range subs {
		if _, ok := seen[sub.PlanID]; ok {
			continue
		}
		seen[sub.PlanID] = struct{}{}
		planIDs = append(planIDs, sub.PlanID)
	}
	return s.catalogRepo.ListQuotaSpecs(ctx, db, planIDs)
}
