package domain

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/allowance/pkg/db/pagination"
)

type ListUsageRequest struct {
	UserID    snowflake.ID `json:"user_id"`
	Resource  string       `json:"resource"`
	PageToken string       `json:"page_token"`
	PageSize  int32        `json:"page_size"`
}

type ListUsageResponse struct {
	pagination.PageInfo
	Usages []Usage `json:"usages"`
}

// Service is the read side of the ledger. Usages are appended only through
// the quota service, which checks the balance first.
type Service interface {
	Get(ctx context.Context, id snowflake.ID) (*Usage, error)
	List(ctx context.Context, req ListUsageRequest) (ListUsageResponse, error)
}

var (
	ErrUsageNotFound    = errors.New("usage_not_found")
	ErrInvalidUser      = errors.New("invalid_user")
	ErrInvalidResource  = errors.New("invalid_resource")
	ErrInvalidPageToken = errors.New("invalid_page_token")
)
