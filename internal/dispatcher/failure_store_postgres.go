// internal/dispatcher/failure_store_postgres.go
package dispatcher

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"payment-reconciler/internal/models"
)

// PostgresFailureStore persists failures in the dispatch_failures table.
type PostgresFailureStore struct {
	db *sql.DB
}

func NewPostgresFailureStore(db *sql.DB) *PostgresFailureStore {
	return &PostgresFailureStore{db: db}
}

// Add inserts a failure or refreshes an existing one after a failed replay.
func (s *PostgresFailureStore) Add(ctx context.Context, f *models.DispatchFailure) error {
	intent, err := json.Marshal(f.Intent)
	if err != nil {
		return fmt.Errorf("encode intent: %w", err)
	}

	query := `
		INSERT INTO dispatch_failures (
			id, target, idempotency_key, intent, attempts, last_error, status_code, created_at, last_attempt_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			attempts = EXCLUDED.attempts,
			last_error = EXCLUDED.last_error,
			status_code = EXCLUDED.status_code,
			last_attempt_at = EXCLUDED.last_attempt_at
	`

	_, err = s.db.ExecContext(ctx, query,
		f.ID,
		f.Intent.Target,
		f.Intent.IdempotencyKey,
		string(intent),
		f.Attempts,
		f.LastError,
		f.StatusCode,
		f.CreatedAt,
		f.LastAttemptAt,
	)
	if err != nil {
		return fmt.Errorf("insert dispatch failure: %w", err)
	}
	return nil
}

const selectFailure = `
	SELECT id, intent, attempts, last_error, status_code, created_at, last_attempt_at
	FROM dispatch_failures
`

func (s *PostgresFailureStore) Get(ctx context.Context, id string) (*models.DispatchFailure, error) {
	f, err := scanFailure(s.db.QueryRowContext(ctx, selectFailure+" WHERE id = $1", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrFailureNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get dispatch failure: %w", err)
	}
	return f, nil
}

func (s *PostgresFailureStore) List(ctx context.Context, limit int) ([]*models.DispatchFailure, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.db.QueryContext(ctx, selectFailure+" ORDER BY created_at DESC LIMIT $1", limit)
	if err != nil {
		return nil, fmt.Errorf("list dispatch failures: %w", err)
	}
	defer rows.Close()

	var failures []*models.DispatchFailure
	for rows.Next() {
		f, err := scanFailure(rows)
		if err != nil {
			return nil, fmt.Errorf("scan dispatch failure: %w", err)
		}
		failures = append(failures, f)
	}
	return failures, rows.Err()
}

func (s *PostgresFailureStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM dispatch_failures WHERE id = $1", id)
	if err != nil {
		return fmt.Errorf("delete dispatch failure: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrFailureNotFound
	}
	return nil
}

func (s *PostgresFailureStore) Stats(ctx context.Context) (models.DispatchFailureStats, error) {
	stats := models.DispatchFailureStats{ByTarget: make(map[string]int)}

	rows, err := s.db.QueryContext(ctx, `
		SELECT target, COUNT(*), COALESCE(SUM(attempts), 0), MIN(created_at), MAX(created_at)
		FROM dispatch_failures GROUP BY target
	`)
	if err != nil {
		return stats, fmt.Errorf("dispatch failure stats: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			target          string
			count, attempts int
			oldest, newest  time.Time
		)
		if err := rows.Scan(&target, &count, &attempts, &oldest, &newest); err != nil {
			return stats, fmt.Errorf("scan dispatch failure stats: %w", err)
		}
		stats.ByTarget[target] = count
		stats.Total += count
		stats.TotalAttempts += attempts
		if stats.OldestEntry == nil || oldest.Before(*stats.OldestEntry) {
			t := oldest
			stats.OldestEntry = &t
		}
		if stats.NewestEntry == nil || newest.After(*stats.NewestEntry) {
			t := newest
			stats.NewestEntry = &t
		}
	}
	return stats, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanFailure(row rowScanner) (*models.DispatchFailure, error) {
	f := &models.DispatchFailure{}
	var intent []byte
	if err := row.Scan(
		&f.ID,
		&intent,
		&f.Attempts,
		&f.LastError,
		&f.StatusCode,
		&f.CreatedAt,
		&f.LastAttemptAt,
	); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(intent, &f.Intent); err != nil {
		return nil, fmt.Errorf("decode intent: %w", err)
	}
	return f, nil
}
