package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
)

type Service interface {
	Grant(ctx context.Context, req GrantRequest) (*Subscription, error)
	Prolong(ctx context.Context, id snowflake.ID) (*Subscription, error)
	Cancel(ctx context.Context, id snowflake.ID) (*Subscription, error)
	ListActive(ctx context.Context, userID snowflake.ID, at time.Time) ([]Subscription, error)
	ListExpiring(ctx context.Context, within time.Duration) ([]Subscription, error)
}

type GrantRequest struct {
	UserID   snowflake.ID
	PlanCode string
	Quantity int64
	// Start defaults to now.
	Start time.Time
	// End defaults to one charge period capped by the plan's max duration.
	End time.Time
}
