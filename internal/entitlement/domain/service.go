package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	catalogdomain "github.com/smallbiznis/allowance/internal/catalog/domain"
)

type Service interface {
	// Features merges the feature sets of the plans the user is subscribed
	// to at at, or of the default plans when there is none.
	Features(ctx context.Context, userID snowflake.ID, at time.Time) ([]catalogdomain.Feature, error)
	HasFeature(ctx context.Context, userID snowflake.ID, codename string, at time.Time) (bool, error)
}
