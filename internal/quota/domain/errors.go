package domain

import (
	"errors"
	"fmt"
)

var (
	ErrInconsistentQuotaCache = errors.New("inconsistent_quota_cache")
	ErrQuotaLimitExceeded     = errors.New("quota_limit_exceeded")
	ErrNonMonotonicSequence   = errors.New("non_monotonic_sequence")
	ErrInvalidAmount          = errors.New("invalid_amount")
	ErrInvalidUser            = errors.New("invalid_user")
	ErrUnknownResource        = errors.New("unknown_resource")
	ErrLockTimeout            = errors.New("lock_timeout")
	ErrLockLost               = errors.New("lock_lost")
)

// LimitExceededError reports a usage larger than the balance.
type LimitExceededError struct {
	Resource  string
	Requested int64
	Available int64
}

func (e *LimitExceededError) Error() string {
	return fmt.Sprintf("%s: %s requested %d, available %d",
		ErrQuotaLimitExceeded, e.Resource, e.Requested, e.Available)
}

func (e *LimitExceededError) Is(target error) bool {
	return target == ErrQuotaLimitExceeded
}
