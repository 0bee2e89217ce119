package service

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	catalogdomain "github.com/smallbiznis/allowance/internal/catalog/domain"
	catalogservice "github.com/smallbiznis/allowance/internal/catalog/service"
	usagedomain "github.com/smallbiznis/allowance/internal/usage/domain"
	"github.com/smallbiznis/allowance/pkg/db/pagination"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	defaultPageSize = 50
	maxPageSize     = 250
)

type ServiceParam struct {
	fx.In

	DB          *gorm.DB
	Log         *zap.Logger
	Repo        usagedomain.Repository
	CatalogRepo catalogdomain.Repository
}

type Service struct {
	db          *gorm.DB
	log         *zap.Logger
	repo        usagedomain.Repository
	catalogRepo catalogdomain.Repository
}

func NewService(p ServiceParam) usagedomain.Service {
	return &Service{
		db:          p.DB,
		log:         p.Log.Named("usage.service"),
		repo:        p.Repo,
		catalogRepo: p.CatalogRepo,
	}
}

func (s *Service) Get(ctx context.Context, id snowflake.ID) (*usagedomain.Usage, error) {
	usage, err := s.repo.FindByID(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	if usage == nil {
		return nil, usagedomain.ErrUsageNotFound
	}
	return usage, nil
}

func (s *Service) List(ctx context.Context, req usagedomain.ListUsageRequest) (usagedomain.ListUsageResponse, error) {
	filter, pageSize, err := s.buildUsageFilter(ctx, req)
	if err != nil {
		return usagedomain.ListUsageResponse{}, err
	}

	items, err := s.repo.List(ctx, s.db, filter)
	if err != nil {
		return usagedomain.ListUsageResponse{}, err
	}
	return buildUsageListResponse(items, pageSize), nil
}

func (s *Service) buildUsageFilter(ctx context.Context, req usagedomain.ListUsageRequest) (usagedomain.ListFilter, int32, error) {
	if req.UserID == 0 {
		return usagedomain.ListFilter{}, 0, usagedomain.ErrInvalidUser
	}
	filter := usagedomain.ListFilter{UserID: req.UserID}

	if code := catalogservice.Codename(req.Resource); code != "" {
		resource, err := s.catalogRepo.FindResourceByCode(ctx, s.db, code)
		if err != nil {
			return usagedomain.ListFilter{}, 0, err
		}
		if resource == nil {
			return usagedomain.ListFilter{}, 0, usagedomain.ErrInvalidResource
		}
		filter.ResourceID = resource.ID
	}

	if token := strings.TrimSpace(req.PageToken); token != "" {
		cursor, err := pagination.DecodeCursor(token)
		if err != nil {
			return usagedomain.ListFilter{}, 0, usagedomain.ErrInvalidPageToken
		}
		at, err := time.Parse(time.RFC3339Nano, cursor.At)
		if err != nil {
			return usagedomain.ListFilter{}, 0, usagedomain.ErrInvalidPageToken
		}
		id, err := snowflake.ParseString(cursor.ID)
		if err != nil {
			return usagedomain.ListFilter{}, 0, usagedomain.ErrInvalidPageToken
		}
		filter.BeforeAt = &at
		filter.BeforeID = id
	}

	pageSize := req.PageSize
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}
	filter.Limit = int(pageSize) + 1

	return filter, pageSize, nil
}

func buildUsageListResponse(items []*usagedomain.Usage, pageSize int32) usagedomain.ListUsageResponse {
	items, pageInfo := pagination.BuildCursorPageInfo(items, pageSize, func(record *usagedomain.Usage) string {
		token, err := pagination.EncodeCursor(pagination.Cursor{
			ID: record.ID.String(),
			At: record.At.UTC().Format(time.RFC3339Nano),
		})
		if err != nil {
			return ""
		}
		return token
	})

	records := make([]usagedomain.Usage, 0, len(items))
	for _, item := range items {
		if item == nil {
			continue
		}
		records = append(records, *item)
	}

	return usagedomain.ListUsageResponse{
		PageInfo: pageInfo,
		Usages:   records,
	}
}
