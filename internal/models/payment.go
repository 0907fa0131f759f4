// internal/models/payment.go
package models

import "time"

type PaymentStatus string

const (
	PaymentStatusCreated   PaymentStatus = "CREATED"
	PaymentStatusSucceeded PaymentStatus = "SUCCEEDED"
	PaymentStatusFailed    PaymentStatus = "FAILED"
	PaymentStatusRefunded  PaymentStatus = "REFUNDED"
)

// Terminal reports whether no further transitions are allowed, except refund
// tracking on a succeeded payment.
func (s PaymentStatus) Terminal() bool {
	return s == PaymentStatusFailed || s == PaymentStatusRefunded
}

type Payment struct {
	ID             string            `json:"id" db:"id"`
	UserID         string            `json:"user_id" db:"user_id"`
	Provider       Provider          `json:"provider" db:"provider"`
	ProviderRef    string            `json:"provider_ref" db:"provider_ref"`
	Amount         int64             `json:"amount" db:"amount"`
	Currency       string            `json:"currency" db:"currency"`
	Status         PaymentStatus     `json:"status" db:"status"`
	RefundedAmount int64             `json:"refunded_amount" db:"refunded_amount"`
	FailureReason  string            `json:"failure_reason,omitempty" db:"failure_reason"`
	Metadata       map[string]string `json:"metadata,omitempty" db:"metadata"`
	Version        int64             `json:"version" db:"version"`
	CreatedAt      time.Time         `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at" db:"updated_at"`
}

// Clone returns a deep copy so state machines never mutate stored values.
func (p *Payment) Clone() *Payment {
	if p == nil {
		return nil
	}
	cp := *p
	cp.Metadata = cloneMetadata(p.Metadata)
	return &cp
}

// Database schema
const PaymentSchema = `
CREATE TABLE IF NOT EXISTS payments (
    id VARCHAR(36) PRIMARY KEY,
    user_id VARCHAR(191) NOT NULL DEFAULT '',
    provider VARCHAR(20) NOT NULL,
    provider_ref VARCHAR(191) NOT NULL,
    amount BIGINT NOT NULL DEFAULT 0,
    currency VARCHAR(3) NOT NULL DEFAULT '',
    status VARCHAR(20) NOT NULL,
    refunded_amount BIGINT NOT NULL DEFAULT 0,
    failure_reason TEXT NOT NULL DEFAULT '',
    metadata JSONB NOT NULL DEFAULT '{}'::jsonb,
    version BIGINT NOT NULL DEFAULT 0,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    UNIQUE (provider, provider_ref)
);
CREATE INDEX IF NOT EXISTS idx_payments_user_id ON payments (user_id);
CREATE INDEX IF NOT EXISTS idx_payments_status ON payments (status);
`

func cloneMetadata(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	cp := make(map[string]string, len(m))
	for k, v := range m {
		cp[k] = v
	}
	return cp
}
