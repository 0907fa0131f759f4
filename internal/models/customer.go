// internal/models/customer.go
package models

import "time"

// Customer maps an internal user to a provider customer record. At most one
// record exists per (user, provider).
type Customer struct {
	ID                      string    `json:"id" db:"id"`
	UserID                  string    `json:"user_id" db:"user_id"`
	Provider                Provider  `json:"provider" db:"provider"`
	ProviderRef             string    `json:"provider_ref" db:"provider_ref"`
	DefaultPaymentMethodRef string    `json:"default_payment_method_ref,omitempty" db:"default_payment_method_ref"`
	CreatedAt               time.Time `json:"created_at" db:"created_at"`
	UpdatedAt               time.Time `json:"updated_at" db:"updated_at"`
}

// Database schema
const CustomerSchema = `
CREATE TABLE IF NOT EXISTS customers (
    id VARCHAR(36) PRIMARY KEY,
    user_id VARCHAR(191) NOT NULL,
    provider VARCHAR(20) NOT NULL,
    provider_ref VARCHAR(191) NOT NULL,
    default_payment_method_ref VARCHAR(191) NOT NULL DEFAULT '',
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    UNIQUE (user_id, provider),
    UNIQUE (provider, provider_ref)
);
`
