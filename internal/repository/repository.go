// internal/repository/repository.go
package repository

import (
	"context"
	"errors"

	"payment-reconciler/internal/models"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrConflict means a concurrent writer changed the row first. The
	// transaction must be abandoned and the event redelivered.
	ErrConflict = errors.New("concurrent modification")
)

type ClaimResult int

const (
	Claimed ClaimResult = iota
	AlreadyProcessed
)

func (c ClaimResult) String() string {
	if c == Claimed {
		return "claimed"
	}
	return "already_processed"
}

// Ledger records applied events. A claim is only durable once the enclosing
// transaction commits, so a rolled back claim never blocks a redelivery.
type Ledger interface {
	TryClaim(ctx context.Context, provider models.Provider, eventID string, kind models.EventKind) (ClaimResult, error)
	MarkApplied(ctx context.Context, provider models.Provider, eventID string, entityType models.EntityType, entityID string, version int64) error
}

// Tx is one atomic claim-transition-persist unit. Get*ForUpdate lock the row
// until Commit or Rollback; Save* return the stored value with its new version.
type Tx interface {
	Ledger

	GetPaymentForUpdate(ctx context.Context, provider models.Provider, providerRef string) (*models.Payment, error)
	SavePayment(ctx context.Context, p *models.Payment) (*models.Payment, error)

	GetSubscriptionForUpdate(ctx context.Context, provider models.Provider, providerRef string) (*models.Subscription, error)
	SaveSubscription(ctx context.Context, s *models.Subscription) (*models.Subscription, error)

	GetCustomerForUpdate(ctx context.Context, userID string, provider models.Provider) (*models.Customer, error)
	SaveCustomer(ctx context.Context, c *models.Customer) (*models.Customer, error)

	Commit() error
	Rollback() error
}

// Store opens transactions and serves committed reads.
type Store interface {
	Begin(ctx context.Context) (Tx, error)

	GetPayment(ctx context.Context, provider models.Provider, providerRef string) (*models.Payment, error)
	GetSubscription(ctx context.Context, provider models.Provider, providerRef string) (*models.Subscription, error)
	GetCustomer(ctx context.Context, userID string, provider models.Provider) (*models.Customer, error)
	GetIdempotencyRecord(ctx context.Context, provider models.Provider, eventID string) (*models.IdempotencyRecord, error)

	Ping(ctx context.Context) error
}
