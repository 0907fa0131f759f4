// internal/models/ledger.go
package models

import "time"

// IdempotencyRecord marks a (provider, event id) pair as applied.
type IdempotencyRecord struct {
	Provider      Provider   `json:"provider" db:"provider"`
	EventID       string     `json:"event_id" db:"event_id"`
	Kind          EventKind  `json:"kind" db:"kind"`
	EntityType    EntityType `json:"entity_type,omitempty" db:"entity_type"`
	EntityID      string     `json:"entity_id,omitempty" db:"entity_id"`
	EntityVersion int64      `json:"entity_version" db:"entity_version"`
	AppliedAt     time.Time  `json:"applied_at" db:"applied_at"`
}

// Database schema
const LedgerSchema = `
CREATE TABLE IF NOT EXISTS processed_events (
    provider VARCHAR(20) NOT NULL,
    event_id VARCHAR(191) NOT NULL,
    kind VARCHAR(40) NOT NULL,
    entity_type VARCHAR(20) NOT NULL DEFAULT '',
    entity_id VARCHAR(36) NOT NULL DEFAULT '',
    entity_version BIGINT NOT NULL DEFAULT 0,
    applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    PRIMARY KEY (provider, event_id)
);
CREATE INDEX IF NOT EXISTS idx_processed_events_applied_at ON processed_events (applied_at);
`
