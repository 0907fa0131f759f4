// internal/models/intent.go
package models

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

type IntentTarget string

const (
	TargetUpdateUserPlan IntentTarget = "update_user_plan"
	TargetNotifyUser     IntentTarget = "notify_user"
)

// SideEffectIntent is a declarative instruction for a downstream collaborator,
// emitted by a state machine and executed after the transition commits.
type SideEffectIntent struct {
	Target         IntentTarget `json:"target"`
	UserID         string       `json:"user_id"`
	PlanID         string       `json:"plan_id,omitempty"`
	Message        string       `json:"message,omitempty"`
	Provider       Provider     `json:"provider"`
	EventID        string       `json:"event_id"`
	IdempotencyKey string       `json:"idempotency_key"`
}

// IntentKey derives the idempotency key for an intent from (provider, event id, target).
func IntentKey(provider Provider, eventID string, target IntentTarget) string {
	sum := sha256.Sum256([]byte(string(provider) + "|" + eventID + "|" + string(target)))
	return hex.EncodeToString(sum[:16])
}

// DispatchFailure is an intent whose delivery exhausted its retry budget.
type DispatchFailure struct {
	ID            string           `json:"id" db:"id"`
	Intent        SideEffectIntent `json:"intent" db:"intent"`
	Attempts      int              `json:"attempts" db:"attempts"`
	LastError     string           `json:"last_error" db:"last_error"`
	StatusCode    int              `json:"status_code,omitempty" db:"status_code"`
	CreatedAt     time.Time        `json:"created_at" db:"created_at"`
	LastAttemptAt time.Time        `json:"last_attempt_at" db:"last_attempt_at"`
}

// DispatchFailureStats aggregates the failures awaiting manual reconciliation.
type DispatchFailureStats struct {
	Total         int            `json:"total"`
	ByTarget      map[string]int `json:"by_target"`
	OldestEntry   *time.Time     `json:"oldest_entry,omitempty"`
	NewestEntry   *time.Time     `json:"newest_entry,omitempty"`
	TotalAttempts int            `json:"total_attempts"`
}

// Database schema
const DispatchFailureSchema = `
CREATE TABLE IF NOT EXISTS dispatch_failures (
    id VARCHAR(36) PRIMARY KEY,
    target VARCHAR(40) NOT NULL,
    idempotency_key VARCHAR(64) NOT NULL,
    intent JSONB NOT NULL,
    attempts INT NOT NULL,
    last_error TEXT NOT NULL DEFAULT '',
    status_code INT NOT NULL DEFAULT 0,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    last_attempt_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_dispatch_failures_created_at ON dispatch_failures (created_at);
`

// Schemas lists every table definition in creation order.
var Schemas = []string{
	PaymentSchema,
	SubscriptionSchema,
	CustomerSchema,
	LedgerSchema,
	DispatchFailureSchema,
}
