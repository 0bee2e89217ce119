package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	usagedomain "github.com/smallbiznis/allowance/internal/usage/domain"
)

type Service interface {
	// RemainingAmount sums the chunks alive at at per resource codename.
	RemainingAmount(ctx context.Context, userID snowflake.ID, at time.Time) (map[string]int64, error)
	RemainingChunks(ctx context.Context, req ChunksRequest) ([]Chunk, error)
	// UseResource reserves amount at now and runs body inside the same
	// transaction. A body error rolls the reservation back.
	UseResource(ctx context.Context, req UseResourceRequest, body func(ctx context.Context, r Reservation) error) (Reservation, error)
	// RecordUsage appends a usage after checking the balance at its instant.
	RecordUsage(ctx context.Context, rec UsageRecord) (*usagedomain.Usage, error)
}

type ChunksRequest struct {
	UserID snowflake.ID
	// At defaults to now.
	At time.Time
	// Resource limits the result to one codename.
	Resource string
}

type UseResourceRequest struct {
	UserID   snowflake.ID
	Resource string
	Amount   int64
	// Raises selects between failing with ErrQuotaLimitExceeded and running
	// body with an unreserved Reservation when the balance is short.
	Raises   bool
	Metadata map[string]any
}

// Reservation is handed to the body of UseResource. Reserved is false when
// the balance was short and the request did not raise.
type Reservation struct {
	Reserved      bool
	Resource      string
	Amount        int64
	Available     int64
	Remains       int64
	UsageID       snowflake.ID
	At            time.Time
	CorrelationID string
}

type UsageRecord struct {
	UserID   snowflake.ID
	Resource string
	Amount   int64
	// At defaults to now; an earlier instant is checked against the balance
	// at that instant.
	At       time.Time
	Metadata map[string]any
}
