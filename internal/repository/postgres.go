// internal/repository/postgres.go
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"payment-reconciler/internal/models"
)

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// PostgresStore persists entities and the idempotency ledger in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates every table and index if missing.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	for _, schema := range models.Schemas {
		if _, err := s.db.ExecContext(ctx, schema); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) Begin(ctx context.Context) (Tx, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	return &pgTx{tx: tx}, nil
}

func (s *PostgresStore) GetPayment(ctx context.Context, provider models.Provider, providerRef string) (*models.Payment, error) {
	return scanPayment(s.db, ctx, selectPayment, provider, providerRef)
}

func (s *PostgresStore) GetSubscription(ctx context.Context, provider models.Provider, providerRef string) (*models.Subscription, error) {
	return scanSubscription(s.db, ctx, selectSubscription, provider, providerRef)
}

func (s *PostgresStore) GetCustomer(ctx context.Context, userID string, provider models.Provider) (*models.Customer, error) {
	return scanCustomer(s.db, ctx, selectCustomer, userID, provider)
}

func (s *PostgresStore) GetIdempotencyRecord(ctx context.Context, provider models.Provider, eventID string) (*models.IdempotencyRecord, error) {
	query := `
		SELECT provider, event_id, kind, entity_type, entity_id, entity_version, applied_at
		FROM processed_events WHERE provider = $1 AND event_id = $2
	`

	rec := &models.IdempotencyRecord{}
	err := s.db.QueryRowContext(ctx, query, provider, eventID).Scan(
		&rec.Provider,
		&rec.EventID,
		&rec.Kind,
		&rec.EntityType,
		&rec.EntityID,
		&rec.EntityVersion,
		&rec.AppliedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get idempotency record: %w", err)
	}
	return rec, nil
}

type pgTx struct {
	tx *sql.Tx
}

func (t *pgTx) Commit() error {
	if err := t.tx.Commit(); err != nil {
		return mapError(fmt.Errorf("commit: %w", err))
	}
	return nil
}

func (t *pgTx) Rollback() error {
	err := t.tx.Rollback()
	if errors.Is(err, sql.ErrTxDone) {
		return nil
	}
	return err
}

// TryClaim inserts the ledger row. A concurrent claim of the same event blocks
// on the primary key until the first transaction ends, then observes it.
func (t *pgTx) TryClaim(ctx context.Context, provider models.Provider, eventID string, kind models.EventKind) (ClaimResult, error) {
	query := `
		INSERT INTO processed_events (provider, event_id, kind, applied_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (provider, event_id) DO NOTHING
	`

	res, err := t.tx.ExecContext(ctx, query, provider, eventID, kind)
	if err != nil {
		return AlreadyProcessed, mapError(fmt.Errorf("claim event: %w", err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return AlreadyProcessed, fmt.Errorf("claim event: %w", err)
	}
	if n == 0 {
		return AlreadyProcessed, nil
	}
	return Claimed, nil
}

func (t *pgTx) MarkApplied(ctx context.Context, provider models.Provider, eventID string, entityType models.EntityType, entityID string, version int64) error {
	query := `
		UPDATE processed_events
		SET entity_type = $3, entity_id = $4, entity_version = $5, applied_at = NOW()
		WHERE provider = $1 AND event_id = $2
	`

	res, err := t.tx.ExecContext(ctx, query, provider, eventID, entityType, entityID, version)
	if err != nil {
		return mapError(fmt.Errorf("mark applied: %w", err))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("mark applied: %w", ErrNotFound)
	}
	return nil
}

const selectPayment = `
	SELECT id, user_id, provider, provider_ref, amount, currency, status,
		   refunded_amount, failure_reason, metadata, version, created_at, updated_at
	FROM payments WHERE provider = $1 AND provider_ref = $2
`

func (t *pgTx) GetPaymentForUpdate(ctx context.Context, provider models.Provider, providerRef string) (*models.Payment, error) {
	return scanPayment(t.tx, ctx, selectPayment+" FOR UPDATE", provider, providerRef)
}

func (t *pgTx) SavePayment(ctx context.Context, p *models.Payment) (*models.Payment, error) {
	saved := p.Clone()
	metadata, err := encodeMetadata(saved.Metadata)
	if err != nil {
		return nil, err
	}

	if saved.ID == "" {
		saved.ID = uuid.New().String()
		query := `
			INSERT INTO payments (
				id, user_id, provider, provider_ref, amount, currency, status,
				refunded_amount, failure_reason, metadata, version, created_at, updated_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, 1, NOW(), NOW())
			ON CONFLICT (provider, provider_ref) DO NOTHING
			RETURNING version, created_at, updated_at
		`
		err = t.tx.QueryRowContext(ctx, query,
			saved.ID,
			saved.UserID,
			saved.Provider,
			saved.ProviderRef,
			saved.Amount,
			saved.Currency,
			saved.Status,
			saved.RefundedAmount,
			saved.FailureReason,
			metadata,
		).Scan(&saved.Version, &saved.CreatedAt, &saved.UpdatedAt)
	} else {
		query := `
			UPDATE payments
			SET user_id = $2, amount = $3, currency = $4, status = $5, refunded_amount = $6,
				failure_reason = $7, metadata = $8, version = version + 1, updated_at = NOW()
			WHERE id = $1 AND version = $9
			RETURNING version, created_at, updated_at
		`
		err = t.tx.QueryRowContext(ctx, query,
			saved.ID,
			saved.UserID,
			saved.Amount,
			saved.Currency,
			saved.Status,
			saved.RefundedAmount,
			saved.FailureReason,
			metadata,
			saved.Version,
		).Scan(&saved.Version, &saved.CreatedAt, &saved.UpdatedAt)
	}

	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("save payment %s/%s: %w", saved.Provider, saved.ProviderRef, ErrConflict)
	}
	if err != nil {
		return nil, mapError(fmt.Errorf("save payment: %w", err))
	}
	return saved, nil
}

const selectSubscription = `
	SELECT id, user_id, plan_id, provider, provider_ref, status, current_period_start,
		   current_period_end, cancel_at_period_end, metadata, version, created_at, updated_at
	FROM subscriptions WHERE provider = $1 AND provider_ref = $2
`

func (t *pgTx) GetSubscriptionForUpdate(ctx context.Context, provider models.Provider, providerRef string) (*models.Subscription, error) {
	return scanSubscription(t.tx, ctx, selectSubscription+" FOR UPDATE", provider, providerRef)
}

func (t *pgTx) SaveSubscription(ctx context.Context, s *models.Subscription) (*models.Subscription, error) {
	saved := s.Clone()
	metadata, err := encodeMetadata(saved.Metadata)
	if err != nil {
		return nil, err
	}

	if saved.ID == "" {
		saved.ID = uuid.New().String()
		query := `
			INSERT INTO subscriptions (
				id, user_id, plan_id, provider, provider_ref, status, current_period_start,
				current_period_end, cancel_at_period_end, metadata, version, created_at, updated_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, 1, NOW(), NOW())
			ON CONFLICT (provider, provider_ref) DO NOTHING
			RETURNING version, created_at, updated_at
		`
		err = t.tx.QueryRowContext(ctx, query,
			saved.ID,
			saved.UserID,
			saved.PlanID,
			saved.Provider,
			saved.ProviderRef,
			saved.Status,
			nullTime(saved.CurrentPeriodStart),
			nullTime(saved.CurrentPeriodEnd),
			saved.CancelAtPeriodEnd,
			metadata,
		).Scan(&saved.Version, &saved.CreatedAt, &saved.UpdatedAt)
	} else {
		query := `
			UPDATE subscriptions
			SET user_id = $2, plan_id = $3, status = $4, current_period_start = $5,
				current_period_end = $6, cancel_at_period_end = $7, metadata = $8,
				version = version + 1, updated_at = NOW()
			WHERE id = $1 AND version = $9
			RETURNING version, created_at, updated_at
		`
		err = t.tx.QueryRowContext(ctx, query,
			saved.ID,
			saved.UserID,
			saved.PlanID,
			saved.Status,
			nullTime(saved.CurrentPeriodStart),
			nullTime(saved.CurrentPeriodEnd),
			saved.CancelAtPeriodEnd,
			metadata,
			saved.Version,
		).Scan(&saved.Version, &saved.CreatedAt, &saved.UpdatedAt)
	}

	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("save subscription %s/%s: %w", saved.Provider, saved.ProviderRef, ErrConflict)
	}
	if err != nil {
		return nil, mapError(fmt.Errorf("save subscription: %w", err))
	}
	return saved, nil
}

const selectCustomer = `
	SELECT id, user_id, provider, provider_ref, default_payment_method_ref, created_at, updated_at
	FROM customers WHERE user_id = $1 AND provider = $2
`

func (t *pgTx) GetCustomerForUpdate(ctx context.Context, userID string, provider models.Provider) (*models.Customer, error) {
	return scanCustomer(t.tx, ctx, selectCustomer+" FOR UPDATE", userID, provider)
}

func (t *pgTx) SaveCustomer(ctx context.Context, c *models.Customer) (*models.Customer, error) {
	saved := *c
	var err error

	if saved.ID == "" {
		saved.ID = uuid.New().String()
		query := `
			INSERT INTO customers (id, user_id, provider, provider_ref, default_payment_method_ref, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, NOW(), NOW())
			ON CONFLICT DO NOTHING
			RETURNING created_at, updated_at
		`
		err = t.tx.QueryRowContext(ctx, query,
			saved.ID,
			saved.UserID,
			saved.Provider,
			saved.ProviderRef,
			saved.DefaultPaymentMethodRef,
		).Scan(&saved.CreatedAt, &saved.UpdatedAt)
	} else {
		query := `
			UPDATE customers SET default_payment_method_ref = $2, updated_at = NOW()
			WHERE id = $1
			RETURNING created_at, updated_at
		`
		err = t.tx.QueryRowContext(ctx, query, saved.ID, saved.DefaultPaymentMethodRef).
			Scan(&saved.CreatedAt, &saved.UpdatedAt)
	}

	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("save customer %s/%s: %w", saved.UserID, saved.Provider, ErrConflict)
	}
	if err != nil {
		return nil, mapError(fmt.Errorf("save customer: %w", err))
	}
	return &saved, nil
}

func scanPayment(q queryRower, ctx context.Context, query string, args ...interface{}) (*models.Payment, error) {
	p := &models.Payment{}
	var metadata []byte
	err := q.QueryRowContext(ctx, query, args...).Scan(
		&p.ID,
		&p.UserID,
		&p.Provider,
		&p.ProviderRef,
		&p.Amount,
		&p.Currency,
		&p.Status,
		&p.RefundedAmount,
		&p.FailureReason,
		&metadata,
		&p.Version,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, mapError(fmt.Errorf("get payment: %w", err))
	}
	if p.Metadata, err = decodeMetadata(metadata); err != nil {
		return nil, err
	}
	return p, nil
}

func scanSubscription(q queryRower, ctx context.Context, query string, args ...interface{}) (*models.Subscription, error) {
	s := &models.Subscription{}
	var (
		metadata    []byte
		periodStart sql.NullTime
		periodEnd   sql.NullTime
	)
	err := q.QueryRowContext(ctx, query, args...).Scan(
		&s.ID,
		&s.UserID,
		&s.PlanID,
		&s.Provider,
		&s.ProviderRef,
		&s.Status,
		&periodStart,
		&periodEnd,
		&s.CancelAtPeriodEnd,
		&metadata,
		&s.Version,
		&s.CreatedAt,
		&s.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, mapError(fmt.Errorf("get subscription: %w", err))
	}
	if periodStart.Valid {
		t := periodStart.Time.UTC()
		s.CurrentPeriodStart = &t
	}
	if periodEnd.Valid {
		t := periodEnd.Time.UTC()
		s.CurrentPeriodEnd = &t
	}
	if s.Metadata, err = decodeMetadata(metadata); err != nil {
		return nil, err
	}
	return s, nil
}

func scanCustomer(q queryRower, ctx context.Context, query string, args ...interface{}) (*models.Customer, error) {
	c := &models.Customer{}
	err := q.QueryRowContext(ctx, query, args...).Scan(
		&c.ID,
		&c.UserID,
		&c.Provider,
		&c.ProviderRef,
		&c.DefaultPaymentMethodRef,
		&c.CreatedAt,
		&c.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, mapError(fmt.Errorf("get customer: %w", err))
	}
	return c, nil
}

// jsonb parameters go over the wire as text; lib/pq would send []byte as bytea.
func encodeMetadata(m map[string]string) (string, error) {
	if m == nil {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("encode metadata: %w", err)
	}
	return string(b), nil
}

func decodeMetadata(b []byte) (map[string]string, error) {
	if len(b) == 0 {
		return nil, nil
	}
	var m map[string]string
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}
	if len(m) == 0 {
		return nil, nil
	}
	return m, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

// mapError turns races reported by PostgreSQL into ErrConflict.
func mapError(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "23505", "40001", "40P01": // unique_violation, serialization_failure, deadlock_detected
			return fmt.Errorf("%w: %v", ErrConflict, err)
		}
	}
	return err
}
