// Package domain contains the quota catalog: resources, plans and the
// per-plan quotas and features they grant.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/allowance/pkg/period"
)

// Resource is an abstract consumable, identified by codename.
type Resource struct {
	ID        snowflake.ID `gorm:"primaryKey"`
	Codename  string       `gorm:"type:text;not null;uniqueIndex"`
	Unit      string       `gorm:"type:text;not null;default:''"`
	CreatedAt time.Time    `gorm:"not null"`
	UpdatedAt time.Time    `gorm:"not null"`
}

func (Resource) TableName() string { return "resources" }

// Plan is a purchasable tier. A zero ChargePeriod or MaxDuration means infinite.
type Plan struct {
	ID           snowflake.ID  `gorm:"primaryKey"`
	Codename     string        `gorm:"type:text;not null;uniqueIndex"`
	Name         string        `gorm:"type:text;not null;default:''"`
	ChargePeriod period.Period `gorm:"type:text"`
	MaxDuration  period.Period `gorm:"type:text"`
	IsDefault    bool          `gorm:"not null;default:false"`
	IsEnabled    bool          `gorm:"not null"`
	CreatedAt    time.Time     `gorm:"not null"`
	UpdatedAt    time.Time     `gorm:"not null"`
}

func (Plan) TableName() string { return "plans" }

func (p Plan) EffectiveChargePeriod() period.Period {
	if p.ChargePeriod.IsZero() {
		return period.Infinite
	}
	return p.ChargePeriod
}

func (p Plan) EffectiveMaxDuration() period.Period {
	if p.MaxDuration.IsZero() {
		return period.Infinite
	}
	return p.MaxDuration
}

// Quota grants Limit units of a resource per recharge period of a plan.
type Quota struct {
	ID             snowflake.ID  `gorm:"primaryKey"`
	PlanID         snowflake.ID  `gorm:"not null;uniqueIndex:ux_quotas_plan_resource"`
	ResourceID     snowflake.ID  `gorm:"not null;uniqueIndex:ux_quotas_plan_resource"`
	Limit          int64         `gorm:"column:quota_limit;not null"`
	RechargePeriod period.Period `gorm:"type:text"`
	BurnsIn        period.Period `gorm:"type:text"`
	CreatedAt      time.Time     `gorm:"not null"`
	UpdatedAt      time.Time     `gorm:"not null"`
}

func (Quota) TableName() string { return "quotas" }

// QuotaSpec is a quota resolved against its plan and resource, ready for
// chunk generation.
type QuotaSpec struct {
	QuotaID        snowflake.ID
	PlanID         snowflake.ID
	ResourceID     snowflake.ID
	Resource       string
	Limit          int64
	RechargePeriod period.Period
	BurnsIn        period.Period
}

// Resolve applies the period defaults: recharge falls back to the plan's
// charge period, burn falls back to recharge.
func Resolve(q Quota, plan Plan, resource Resource) QuotaSpec {
	recharge := q.RechargePeriod
	if recharge.IsZero() {
		recharge = plan.EffectiveChargePeriod()
	}
	burns := q.BurnsIn
	if burns.IsZero() {
		burns = recharge
	}
	return QuotaSpec{
		QuotaID:        q.ID,
		PlanID:         plan.ID,
		ResourceID:     resource.ID,
		Resource:       resource.Codename,
		Limit:          q.Limit,
		RechargePeriod: recharge,
		BurnsIn:        burns,
	}
}

// Feature is a named capability. Negative features mark restrictions.
type Feature struct {
	ID          snowflake.ID `gorm:"primaryKey"`
	Codename    string       `gorm:"type:text;not null;uniqueIndex"`
	Name        string       `gorm:"type:text;not null;default:''"`
	Description string       `gorm:"type:text;not null;default:''"`
	IsNegative  bool         `gorm:"not null;default:false"`
	CreatedAt   time.Time    `gorm:"not null"`
	UpdatedAt   time.Time    `gorm:"not null"`
}

func (Feature) TableName() string { return "features" }

type PlanFeature struct {
	PlanID    snowflake.ID `gorm:"primaryKey"`
	FeatureID snowflake.ID `gorm:"primaryKey"`
}

func (PlanFeature) TableName() string { return "plan_features" }
