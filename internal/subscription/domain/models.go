// Package domain contains subscriptions: a user's time window on a plan.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/allowance/pkg/period"
)

// Subscription grants the quotas of PlanID, scaled by Quantity, over
// [StartAt, EndAt).
type Subscription struct {
	ID        snowflake.ID `gorm:"primaryKey"`
	UserID    snowflake.ID `gorm:"not null;index:ix_subscriptions_user_end,priority:1"`
	PlanID    snowflake.ID `gorm:"not null;index"`
	Quantity  int64        `gorm:"not null;default:1"`
	StartAt   time.Time    `gorm:"not null"`
	EndAt     time.Time    `gorm:"not null;index:ix_subscriptions_user_end,priority:2"`
	CreatedAt time.Time    `gorm:"not null"`
	UpdatedAt time.Time    `gorm:"not null"`
}

func (Subscription) TableName() string { return "subscriptions" }

// Active reports whether the subscription is in force at at.
func (s Subscription) Active(at time.Time) bool {
	return !at.Before(s.StartAt) && at.Before(s.EndAt)
}

// MaxEnd is the furthest the subscription may be prolonged to.
func (s Subscription) MaxEnd(maxDuration period.Period) time.Time {
	return maxDuration.After(s.StartAt)
}

// DefaultEnd is the end of a freshly granted subscription: one charge
// period, capped by the maximum duration.
func DefaultEnd(start time.Time, chargePeriod, maxDuration period.Period) time.Time {
	end := chargePeriod.After(start)
	if maxEnd := maxDuration.After(start); maxEnd.Before(end) {
		return maxEnd
	}
	return end
}

// ChargeDates returns up to limit charge instants start + i*chargePeriod
// that are not before since. The first charge is the one that created the
// subscription. An infinite charge period has a single date.
func (s Subscription) ChargeDates(chargePeriod period.Period, since time.Time, limit int) []time.Time {
	if limit <= 0 {
		return nil
	}
	if since.IsZero() {
		since = s.StartAt
	}

	dates := make([]time.Time, 0, limit)
	first := 0
	if d, ok := chargePeriod.Fixed(); ok && d > 0 && since.After(s.StartAt) {
		first = int(since.Sub(s.StartAt) / d)
	}
	for i := first; len(dates) < limit; i++ {
		date := chargePeriod.Add(s.StartAt, i)
		if date.Before(since) {
			if !chargePeriod.Positive() {
				break
			}
			continue
		}
		dates = append(dates, date)
		if chargePeriod.IsInfinite() || !chargePeriod.Positive() {
			break
		}
	}
	return dates
}

// NextEnd computes the end after one prolongation.
func (s Subscription) NextEnd(chargePeriod, maxDuration period.Period) (time.Time, error) {
	next := s.ChargeDates(chargePeriod, s.EndAt, 2)
	var end time.Time
	switch {
	case len(next) == 0:
		return time.Time{}, ErrProlongationImpossible
	case next[0].Equal(s.EndAt):
		if len(next) < 2 {
			return time.Time{}, ErrProlongationImpossible
		}
		end = next[1]
	default:
		end = next[0]
	}

	if maxEnd := s.MaxEnd(maxDuration); end.After(maxEnd) {
		if s.EndAt.Equal(maxEnd) {
			return time.Time{}, ErrProlongationImpossible
		}
		end = maxEnd
	}
	return end, nil
}
