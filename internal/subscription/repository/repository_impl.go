package repository

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/bwmarrin/snowflake"
	subscriptiondomain "github.com/smallbiznis/allowance/internal/subscription/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type repo struct{}

func Provide() subscriptiondomain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, subscription *subscriptiondomain.Subscription) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO subscriptions (id, user_id, plan_id, quantity, start_at, end_at, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		subscription.ID,
		subscription.UserID,
		subscription.PlanID,
		subscription.Quantity,
		subscription.StartAt,
		subscription.EndAt,
		subscription.CreatedAt,
		subscription.UpdatedAt,
	).Error
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*subscriptiondomain.Subscription, error) {
	return r.find(db.WithContext(ctx), id)
}

func (r *repo) FindByIDForUpdate(ctx context.Context, db *gorm.DB, id snowflake.ID) (*subscriptiondomain.Subscription, error) {
	return r.find(db.WithContext(ctx).Clauses(clause.Locking{Strength: "UPDATE"}), id)
}

func (r *repo) find(db *gorm.DB, id snowflake.ID) (*subscriptiondomain.Subscription, error) {
	var subscription subscriptiondomain.Subscription
	err := db.Where("id = ?", id).First(&subscription).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &subscription, nil
}

func (r *repo) UpdateEnd(ctx context.Context, db *gorm.DB, id snowflake.ID, end, updatedAt time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE subscriptions SET end_at = ?, updated_at = ? WHERE id = ?`,
		end, updatedAt, id,
	).Error
}

// ListInvolved walks the user's subscriptions from the latest end backwards.
// A subscription is involved while it ends after the earliest start seen so
// far, since its chunks may then share usage with an involved one.
func (r *repo) ListInvolved(ctx context.Context, db *gorm.DB, userID snowflake.ID, at time.Time) ([]subscriptiondomain.Subscription, error) {
	rows, err := db.WithContext(ctx).
		Model(&subscriptiondomain.Subscription{}).
		Where("user_id = ? AND start_at <= ?", userID, at).
		Order("end_at DESC").
		Order("id DESC").
		Rows()
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var involved []subscriptiondomain.Subscription
	from := at
	for rows.Next() {
		var sub subscriptiondomain.Subscription
		if err := db.ScanRows(rows, &sub); err != nil {
			return nil, err
		}
		if !sub.EndAt.After(from) {
			break
		}
		involved = append(involved, sub)
		if sub.StartAt.Before(from) {
			from = sub.StartAt
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.SliceStable(involved, func(i, j int) bool {
		if !involved[i].StartAt.Equal(involved[j].StartAt) {
			return involved[i].StartAt.Before(involved[j].StartAt)
		}
		return involved[i].ID < involved[j].ID
	})
	return involved, nil
}

func (r *repo) ListOverlapping(ctx context.Context, db *gorm.DB, userID snowflake.ID, from, to time.Time) ([]subscriptiondomain.Subscription, error) {
	var subs []subscriptiondomain.Subscription
	err := db.WithContext(ctx).
		Where("user_id = ? AND start_at <= ? AND end_at > ?", userID, to, from).
		Order("start_at ASC").
		Order("id ASC").
		Find(&subs).Error
	return subs, err
}

func (r *repo) ListActive(ctx context.Context, db *gorm.DB, userID snowflake.ID, at time.Time) ([]subscriptiondomain.Subscription, error) {
	var subs []subscriptiondomain.Subscription
	err := db.WithContext(ctx).
		Where("user_id = ? AND start_at <= ? AND end_at > ?", userID, at, at).
		Order("start_at ASC").
		Order("id ASC").
		Find(&subs).Error
	return subs, err
}

func (r *repo) ListExpiring(ctx context.Context, db *gorm.DB, from, to time.Time) ([]subscriptiondomain.Subscription, error) {
	var subs []subscriptiondomain.Subscription
	err := db.WithContext(ctx).
		Where("start_at <= ? AND end_at > ? AND end_at >= ? AND end_at <= ?", from, from, from, to).
		Order("end_at ASC").
		Order("id ASC").
		Find(&subs).Error
	return subs, err
}
