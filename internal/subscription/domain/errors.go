package domain

import "errors"

var (
	ErrSubscriptionNotFound   = errors.New("subscription_not_found")
	ErrInvalidQuantity        = errors.New("invalid_quantity")
	ErrInvalidUser            = errors.New("invalid_user")
	ErrInvalidPeriod          = errors.New("invalid_period")
	ErrProlongationImpossible = errors.New("prolongation_impossible")
	ErrPlanDisabled           = errors.New("plan_disabled")
)
