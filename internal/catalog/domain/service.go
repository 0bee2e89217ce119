package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/allowance/internal/config"
)

type Service interface {
	// Sync makes the stored catalog match doc.
	Sync(ctx context.Context, doc config.CatalogDocument) (SyncResult, error)
	GetPlan(ctx context.Context, codename string) (*Plan, error)
	ListQuotas(ctx context.Context, planIDs []snowflake.ID) (map[snowflake.ID][]QuotaSpec, error)
}

type SyncResult struct {
	Resources int
	Features  int
	Plans     int
	Quotas    int
}
