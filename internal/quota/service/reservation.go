package service

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	catalogservice "github.com/smallbiznis/allowance/internal/catalog/service"
	obsmetrics "github.com/smallbiznis/allowance/internal/observability/metrics"
	quotadomain "github.com/smallbiznis/allowance/internal/quota/domain"
	usagedomain "github.com/smallbiznis/allowance/internal/usage/domain"
	"github.com/smallbiznis/allowance/pkg/db"
	"github.com/smallbiznis/allowance/pkg/telemetry/correlation"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const maxWriteAttempts = 3

type writeRequest struct {
	userID   snowflake.ID
	resource string
	amount   int64
	at       time.Time
	raises   bool
	metadata map[string]any
}

func (s *Service) UseResource(ctx context.Context, req quotadomain.UseResourceRequest, body func(ctx context.Context, r quotadomain.Reservation) error) (quotadomain.Reservation, error) {
	reservation, _, err := s.write(ctx, "quota.use_resource", writeRequest{
		userID:   req.UserID,
		resource: req.Resource,
		amount:   req.Amount,
		raises:   req.Raises,
		metadata: req.Metadata,
	}, body)
	return reservation, err
}

func (s *Service) RecordUsage(ctx context.Context, rec quotadomain.UsageRecord) (*usagedomain.Usage, error) {
	_, usage, err := s.write(ctx, "quota.record_usage", writeRequest{
		userID:   rec.UserID,
		resource: rec.Resource,
		amount:   rec.Amount,
		at:       rec.At,
		raises:   true,
		metadata: rec.Metadata,
	}, nil)
	return usage, err
}

// write checks the balance and appends a usage under the user's lock in a
// single transaction. body runs inside the transaction; its error undoes
// the usage.
func (s *Service) write(ctx context.Context, op string, req writeRequest, body func(ctx context.Context, r quotadomain.Reservation) error) (quotadomain.Reservation, *usagedomain.Usage, error) {
	if req.userID == 0 {
		return quotadomain.Reservation{}, nil, quotadomain.ErrInvalidUser
	}
	if req.amount <= 0 {
		return quotadomain.Reservation{}, nil, quotadomain.ErrInvalidAmount
	}
	code := catalogservice.Codename(req.resource)
	if code == "" {
		return quotadomain.Reservation{}, nil, quotadomain.ErrUnknownResource
	}

	ctx, correlationID := correlation.EnsureCorrelationID(ctx)
	ctx, span := tracer.Start(ctx, op, trace.WithAttributes(
		attribute.String("user_id", req.userID.String()),
		attribute.String("resource", code),
		attribute.Int64("amount", req.amount),
	))
	defer span.End()
	log := s.logFor(ctx).With(
		zap.String("user_id", req.userID.String()),
		zap.String("resource", code),
		zap.Int64("amount", req.amount),
	)

	var (
		lease       quotadomain.Lease
		reservation quotadomain.Reservation
		usage       *usagedomain.Usage
		bodyFailed  bool
	)
	defer func() {
		if lease != nil {
			lease.Release()
		}
	}()

	reserve := func(tx *gorm.DB) error {
		lockStart := time.Now()
		var err error
		lease, err = s.locker.Acquire(ctx, tx, req.userID)
		s.quotaMetrics.ObserveLockWait(s.locker.Backend(), time.Since(lockStart))
		if err != nil {
			return err
		}

		resource, err := s.catalogRepo.FindResourceByCode(ctx, tx, code)
		if err != nil {
			return err
		}
		if resource == nil {
			return quotadomain.ErrUnknownResource
		}

		now := s.clock.Now()
		at := req.at
		if at.IsZero() {
			at = now
		}
		at = at.UTC()

		store := s.snapshots
		if binder, ok := store.(quotadomain.TxBinder); ok {
			store = binder.WithTx(tx)
		}
		res, err := s.balance(ctx, tx, store, req.userID, at)
		if err != nil {
			return err
		}
		available := sumByResource(res.chunks)[resource.Codename]

		reservation = quotadomain.Reservation{
			Resource:      resource.Codename,
			Amount:        req.amount,
			Available:     available,
			At:            at,
			CorrelationID: correlationID,
		}
		if available < req.amount {
			if req.raises {
				return &quotadomain.LimitExceededError{
					Resource:  resource.Codename,
					Requested: req.amount,
					Available: available,
				}
			}
			if body == nil {
				return nil
			}
			if err := body(ctx, reservation); err != nil {
				bodyFailed = true
				return err
			}
			return nil
		}

		record := &usagedomain.Usage{
			ID:         s.genID.Generate(),
			UserID:     req.userID,
			ResourceID: resource.ID,
			Amount:     req.amount,
			At:         at,
			CreatedAt:  now,
		}
		if req.metadata != nil {
			record.Metadata = datatypes.JSONMap(req.metadata)
		}
		if err := s.usageRepo.Insert(ctx, tx, record); err != nil {
			return err
		}
		usage = record

		reservation.Reserved = true
		reservation.Remains = available - req.amount
		reservation.UsageID = record.ID
		if body != nil {
			if err := body(ctx, reservation); err != nil {
				bodyFailed = true
				return err
			}
		}
		// The usage commits only while the user lock is still held.
		return lease.Valid(ctx)
	}

	var err error
	for attempt := 1; ; attempt++ {
		reservation, usage, bodyFailed = quotadomain.Reservation{}, nil, false
		err = s.db.WithContext(ctx).Transaction(reserve)
		if err == nil || bodyFailed || attempt >= maxWriteAttempts || !db.IsRetryableTxErr(err) {
			break
		}
		if lease != nil {
			lease.Release()
			lease = nil
		}
		log.Debug("retrying usage write", zap.Int("attempt", attempt), zap.Error(err))
	}

	switch {
	case err == nil && reservation.Reserved:
		s.quotaMetrics.IncReservation(obsmetrics.ReservationReserved)
		s.metrics.RecordReservation(ctx, reservation.Resource, obsmetrics.ReservationReserved)
		s.metrics.RecordUsage(ctx, reservation.Resource, reservation.Amount)
	case err == nil:
		s.quotaMetrics.IncReservation(obsmetrics.ReservationSkipped)
		s.metrics.RecordReservation(ctx, code, obsmetrics.ReservationSkipped)
	case errors.Is(err, quotadomain.ErrQuotaLimitExceeded):
		s.quotaMetrics.IncReservation(obsmetrics.ReservationDenied)
		s.metrics.RecordReservation(ctx, code, obsmetrics.ReservationDenied)
	case bodyFailed:
		s.quotaMetrics.IncReservation(obsmetrics.ReservationAborted)
		s.metrics.RecordReservation(ctx, code, obsmetrics.ReservationAborted)
	}

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if errors.Is(err, quotadomain.ErrQuotaLimitExceeded) {
			log.Info("quota limit exceeded", zap.Error(err))
		} else {
			log.Warn("usage write failed", zap.Error(err))
		}
		return quotadomain.Reservation{}, nil, err
	}

	if usage != nil {
		s.invalidateSnapshot(ctx, req.userID, usage.At)
		log.Info("usage recorded",
			zap.String("usage_id", usage.ID.String()),
			zap.Time("usage_at", usage.At),
			zap.Int64("remains", reservation.Remains),
		)
	}
	return reservation, usage, nil
}

// invalidateSnapshot drops a snapshot taken at or after a new usage, since
// its remains no longer account for it.
func (s *Service) invalidateSnapshot(ctx context.Context, userID snowflake.ID, usageAt time.Time) {
	snapshot, err := s.snapshots.Get(ctx, userID)
	if err != nil {
		s.logFor(ctx).Warn("read quota snapshot failed", zap.String("user_id", userID.String()), zap.Error(err))
		s.quotaMetrics.IncStoreError("snapshot", err)
		return
	}
	if snapshot == nil || snapshot.At.Before(usageAt) {
		return
	}
	if err := s.snapshots.Delete(ctx, userID); err != nil {
		s.logFor(ctx).Error("delete quota snapshot failed", zap.String("user_id", userID.String()), zap.Error(err))
		s.quotaMetrics.IncStoreError("snapshot", err)
	}
}
