package domain

import "errors"

var (
	ErrPlanNotFound     = errors.New("plan_not_found")
	ErrResourceNotFound = errors.New("resource_not_found")
	ErrInvalidCatalog   = errors.New("invalid_catalog")
)
