package metrics

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/prometheus/client_golang/prometheus"
	"gorm.io/gorm"
)

// Snapshot lookup outcomes.
const (
	SnapshotHit          = "hit"
	SnapshotMiss         = "miss"
	SnapshotStale        = "stale"
	SnapshotInconsistent = "inconsistent"
	SnapshotError        = "error"
)

// Reservation outcomes.
const (
	ReservationReserved = "reserved"
	ReservationDenied   = "denied"
	ReservationSkipped  = "skipped"
	ReservationAborted  = "aborted"
)

// Store error reasons.
const (
	StoreReasonDeadlineExceeded     = "deadline_exceeded"
	StoreReasonLockTimeout          = "db_lock_timeout"
	StoreReasonSerializationFailure = "serialization_failure"
	StoreReasonUniqueViolation      = "unique_violation"
	StoreReasonNotFound             = "not_found"
	StoreReasonUnknown              = "unknown"
)

// QuotaMetrics captures balance engine health: snapshot effectiveness,
// replay cost and reservation contention.
type QuotaMetrics struct {
	snapshotLookups *prometheus.CounterVec
	snapshotWrites  *prometheus.CounterVec
	replayedUsage   prometheus.Observer
	replayDuration  prometheus.Observer
	shortfalls      *prometheus.CounterVec
	reservations    *prometheus.CounterVec
	lockWait        *prometheus.HistogramVec
	storeErrors     *prometheus.CounterVec
}

var (
	quotaMetricsOnce sync.Once
	quotaMetrics     *QuotaMetrics
)

// Quota returns the process-wide quota metrics registered on the default registerer.
func Quota(cfg Config) *QuotaMetrics {
	quotaMetricsOnce.Do(func() {
		quotaMetrics = NewQuotaMetrics(prometheus.DefaultRegisterer, cfg)
	})
	return quotaMetrics
}

func NewQuotaMetrics(registerer prometheus.Registerer, cfg Config) *QuotaMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	serviceName := strings.TrimSpace(cfg.ServiceName)
	if serviceName == "" {
		serviceName = "allowance"
	}
	environment := strings.TrimSpace(cfg.Environment)
	if environment == "" {
		environment = "unknown"
	}
	constLabels := prometheus.Labels{
		"service": serviceName,
		"env":     environment,
	}

	snapshotLookups := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "allowance_snapshot_lookups_total",
		Help:        "Balance snapshot lookups by outcome.",
		ConstLabels: constLabels,
	}, []string{"outcome"})
	snapshotWrites := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "allowance_snapshot_writes_total",
		Help:        "Balance snapshot writes by result.",
		ConstLabels: constLabels,
	}, []string{"result"})
	replayedUsage := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:        "allowance_replayed_usage_events",
		Help:        "Usage events replayed per balance computation.",
		Buckets:     []float64{0, 1, 5, 10, 50, 100, 500, 1000, 5000, 10000},
		ConstLabels: constLabels,
	})
	replayDuration := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:        "allowance_replay_duration_seconds",
		Help:        "Latency of a balance computation including store reads.",
		Buckets:     []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		ConstLabels: constLabels,
	})
	shortfalls := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "allowance_replay_shortfall_total",
		Help:        "Usage amount found uncovered by any chunk during replay.",
		ConstLabels: constLabels,
	}, []string{"resource"})
	reservations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "allowance_reservation_outcomes_total",
		Help:        "Reservation attempts by outcome.",
		ConstLabels: constLabels,
	}, []string{"outcome"})
	lockWait := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:        "allowance_user_lock_wait_seconds",
		Help:        "Time spent acquiring the per-user reservation lock.",
		Buckets:     []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		ConstLabels: constLabels,
	}, []string{"backend"})
	storeErrors := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "allowance_store_errors_total",
		Help:        "Store failures by low-cardinality reason.",
		ConstLabels: constLabels,
	}, []string{"store", "reason"})

	registerer.MustRegister(
		snapshotLookups,
		snapshotWrites,
		replayedUsage,
		replayDuration,
		shortfalls,
		reservations,
		lockWait,
		storeErrors,
	)

	return &QuotaMetrics{
		snapshotLookups: snapshotLookups,
		snapshotWrites:  snapshotWrites,
		replayedUsage:   replayedUsage,
		replayDuration:  replayDuration,
		shortfalls:      shortfalls,
		reservations:    reservations,
		lockWait:        lockWait,
		storeErrors:     storeErrors,
	}
}

func (m *QuotaMetrics) IncSnapshotLookup(outcome string) {
	if m == nil {
		return
	}
	m.snapshotLookups.WithLabelValues(outcome).Inc()
}

func (m *QuotaMetrics) IncSnapshotWrite(err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.snapshotWrites.WithLabelValues(result).Inc()
}

// ObserveReplay records the replayed event count and elapsed time.
func (m *QuotaMetrics) ObserveReplay(events int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.replayedUsage.Observe(float64(events))
	m.replayDuration.Observe(elapsed.Seconds())
}

func (m *QuotaMetrics) AddShortfall(resource string, amount int64) {
	if m == nil || amount <= 0 {
		return
	}
	m.shortfalls.WithLabelValues(resource).Add(float64(amount))
}

func (m *QuotaMetrics) IncReservation(outcome string) {
	if m == nil {
		return
	}
	m.reservations.WithLabelValues(outcome).Inc()
}

func (m *QuotaMetrics) ObserveLockWait(backend string, d time.Duration) {
	if m == nil {
		return
	}
	if d < 0 {
		d = 0
	}
	m.lockWait.WithLabelValues(backend).Observe(d.Seconds())
}

func (m *QuotaMetrics) IncStoreError(store string, err error) {
	if m == nil || err == nil {
		return
	}
	m.storeErrors.WithLabelValues(store, ClassifyStoreError(err)).Inc()
}

// ClassifyStoreError maps store errors to low-cardinality reasons.
func ClassifyStoreError(err error) string {
	switch {
	case err == nil:
		return StoreReasonUnknown
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return StoreReasonDeadlineExceeded
	case errors.Is(err, gorm.ErrRecordNotFound):
		return StoreReasonNotFound
	case hasPGCode(err, "55P03"):
		return StoreReasonLockTimeout
	case hasPGCode(err, "40001"), hasPGCode(err, "40P01"):
		return StoreReasonSerializationFailure
	case errors.Is(err, gorm.ErrDuplicatedKey), hasPGCode(err, "23505"):
		return StoreReasonUniqueViolation
	default:
		return StoreReasonUnknown
	}
}

func hasPGCode(err error, code string) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == code
	}
	return false
}
