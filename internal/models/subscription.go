// internal/models/subscription.go
package models

import "time"

type SubscriptionStatus string

const (
	SubscriptionStatusPending  SubscriptionStatus = "PENDING"
	SubscriptionStatusActive   SubscriptionStatus = "ACTIVE"
	SubscriptionStatusPastDue  SubscriptionStatus = "PAST_DUE"
	SubscriptionStatusCanceled SubscriptionStatus = "CANCELED"
	SubscriptionStatusExpired  SubscriptionStatus = "EXPIRED"
)

func (s SubscriptionStatus) Terminal() bool {
	return s == SubscriptionStatusCanceled || s == SubscriptionStatusExpired
}

// Live reports whether the subscription currently grants its plan.
func (s SubscriptionStatus) Live() bool {
	return s == SubscriptionStatusActive || s == SubscriptionStatusPastDue
}

// Metadata keys propagated to the identity service.
const (
	MetadataUserID = "userId"
	MetadataPlanID = "planId"
)

// Subscription is never deleted; cancellation and expiry are terminal statuses.
type Subscription struct {
	ID                 string             `json:"id" db:"id"`
	UserID             string             `json:"user_id" db:"user_id"`
	PlanID             string             `json:"plan_id" db:"plan_id"`
	Provider           Provider           `json:"provider" db:"provider"`
	ProviderRef        string             `json:"provider_ref" db:"provider_ref"`
	Status             SubscriptionStatus `json:"status" db:"status"`
	CurrentPeriodStart *time.Time         `json:"current_period_start,omitempty" db:"current_period_start"`
	CurrentPeriodEnd   *time.Time         `json:"current_period_end,omitempty" db:"current_period_end"`
	CancelAtPeriodEnd  bool               `json:"cancel_at_period_end" db:"cancel_at_period_end"`
	Metadata           map[string]string  `json:"metadata,omitempty" db:"metadata"`
	Version            int64              `json:"version" db:"version"`
	CreatedAt          time.Time          `json:"created_at" db:"created_at"`
	UpdatedAt          time.Time          `json:"updated_at" db:"updated_at"`
}

func (s *Subscription) Clone() *Subscription {
	if s == nil {
		return nil
	}
	cp := *s
	cp.Metadata = cloneMetadata(s.Metadata)
	if s.CurrentPeriodStart != nil {
		t := *s.CurrentPeriodStart
		cp.CurrentPeriodStart = &t
	}
	if s.CurrentPeriodEnd != nil {
		t := *s.CurrentPeriodEnd
		cp.CurrentPeriodEnd = &t
	}
	return &cp
}

// Database schema
const SubscriptionSchema = `
CREATE TABLE IF NOT EXISTS subscriptions (
    id VARCHAR(36) PRIMARY KEY,
    user_id VARCHAR(191) NOT NULL DEFAULT '',
    plan_id VARCHAR(191) NOT NULL DEFAULT '',
    provider VARCHAR(20) NOT NULL,
    provider_ref VARCHAR(191) NOT NULL,
    status VARCHAR(20) NOT NULL,
    current_period_start TIMESTAMPTZ,
    current_period_end TIMESTAMPTZ,
    cancel_at_period_end BOOLEAN NOT NULL DEFAULT FALSE,
    metadata JSONB NOT NULL DEFAULT '{}'::jsonb,
    version BIGINT NOT NULL DEFAULT 0,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    UNIQUE (provider, provider_ref)
);
CREATE INDEX IF NOT EXISTS idx_subscriptions_user_id ON subscriptions (user_id);
CREATE INDEX IF NOT EXISTS idx_subscriptions_status ON subscriptions (status);
`
