// internal/repository/store_contract_test.go
package repository

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"payment-reconciler/internal/models"
)

// runStoreContract exercises the behavior every Store implementation must share.
func runStoreContract(t *testing.T, newStore func(t *testing.T) Store) {
	t.Run("claim is durable only after commit", func(t *testing.T) {
		testClaimCommit(t, newStore(t))
	})
	t.Run("rollback releases claim and writes", func(t *testing.T) {
		testRollback(t, newStore(t))
	})
	t.Run("optimistic versioning", func(t *testing.T) {
		testVersioning(t, newStore(t))
	})
	t.Run("subscription round trip", func(t *testing.T) {
		testSubscriptionRoundTrip(t, newStore(t))
	})
	t.Run("one customer per user and provider", func(t *testing.T) {
		testCustomerUniqueness(t, newStore(t))
	})
	t.Run("concurrent claims", func(t *testing.T) {
		testConcurrentClaims(t, newStore(t))
	})
}

func testClaimCommit(t *testing.T, store Store) {
	ctx := context.Background()

	tx, err := store.Begin(ctx)
	require.NoError(t, err)
	claim, err := tx.TryClaim(ctx, models.ProviderCardGateway, "evt_1", models.KindPaymentSucceeded)
	require.NoError(t, err)
	assert.Equal(t, Claimed, claim)

	saved, err := tx.SavePayment(ctx, &models.Payment{
		Provider:    models.ProviderCardGateway,
		ProviderRef: "pi_1",
		UserID:      "u1",
		Amount:      2000,
		Currency:    "USD",
		Status:      models.PaymentStatusSucceeded,
		Metadata:    map[string]string{"userId": "u1"},
	})
	require.NoError(t, err)
	assert.NotEmpty(t, saved.ID)
	assert.Equal(t, int64(1), saved.Version)

	require.NoError(t, tx.MarkApplied(ctx, models.ProviderCardGateway, "evt_1", models.EntityPayment, saved.ID, saved.Version))
	require.NoError(t, tx.Commit())

	rec, err := store.GetIdempotencyRecord(ctx, models.ProviderCardGateway, "evt_1")
	require.NoError(t, err)
	assert.Equal(t, models.KindPaymentSucceeded, rec.Kind)
	assert.Equal(t, models.EntityPayment, rec.EntityType)
	assert.Equal(t, saved.ID, rec.EntityID)
	assert.Equal(t, int64(1), rec.EntityVersion)

	got, err := store.GetPayment(ctx, models.ProviderCardGateway, "pi_1")
	require.NoError(t, err)
	assert.Equal(t, int64(2000), got.Amount)
	assert.Equal(t, "u1", got.Metadata["userId"])

	tx, err = store.Begin(ctx)
	require.NoError(t, err)
	defer tx.Rollback()
	claim, err = tx.TryClaim(ctx, models.ProviderCardGateway, "evt_1", models.KindPaymentSucceeded)
	require.NoError(t, err)
	assert.Equal(t, AlreadyProcessed, claim)

	claim, err = tx.TryClaim(ctx, models.ProviderWalletGateway, "evt_1", models.KindPaymentSucceeded)
	require.NoError(t, err)
	assert.Equal(t, Claimed, claim, "event ids are scoped by provider")
}

func testRollback(t *testing.T, store Store) {
	ctx := context.Background()

	tx, err := store.Begin(ctx)
	require.NoError(t, err)
	_, err = tx.TryClaim(ctx, models.ProviderCardGateway, "evt_rb", models.KindPaymentFailed)
	require.NoError(t, err)
	_, err = tx.SavePayment(ctx, &models.Payment{
		Provider:    models.ProviderCardGateway,
		ProviderRef: "pi_rb",
		Status:      models.PaymentStatusFailed,
		Currency:    "USD",
	})
	require.NoError(t, err)
	require.NoError(t, tx.Rollback())
	assert.NoError(t, tx.Rollback(), "second rollback is a no-op")

	_, err = store.GetPayment(ctx, models.ProviderCardGateway, "pi_rb")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = store.GetIdempotencyRecord(ctx, models.ProviderCardGateway, "evt_rb")
	assert.ErrorIs(t, err, ErrNotFound)

	tx, err = store.Begin(ctx)
	require.NoError(t, err)
	defer tx.Rollback()
	claim, err := tx.TryClaim(ctx, models.ProviderCardGateway, "evt_rb", models.KindPaymentFailed)
	require.NoError(t, err)
	assert.Equal(t, Claimed, claim, "redelivery after rollback is processed again")
}

func testVersioning(t *testing.T, store Store) {
	ctx := context.Background()

	first := commitPayment(t, store, &models.Payment{
		Provider:    models.ProviderWalletGateway,
		ProviderRef: "SALE-1",
		Status:      models.PaymentStatusCreated,
		Currency:    "EUR",
		Amount:      999,
	})
	assert.Equal(t, int64(1), first.Version)

	next := first.Clone()
	next.Status = models.PaymentStatusSucceeded
	second := commitPayment(t, store, next)
	assert.Equal(t, int64(2), second.Version)
	assert.Equal(t, first.ID, second.ID)

	tx, err := store.Begin(ctx)
	require.NoError(t, err)
	defer tx.Rollback()

	stale := first.Clone()
	stale.Status = models.PaymentStatusFailed
	_, err = tx.SavePayment(ctx, stale)
	assert.ErrorIs(t, err, ErrConflict, "stale version must not overwrite")

	dup := &models.Payment{
		Provider:    models.ProviderWalletGateway,
		ProviderRef: "SALE-1",
		Status:      models.PaymentStatusCreated,
		Currency:    "EUR",
	}
	_, err = tx.SavePayment(ctx, dup)
	assert.ErrorIs(t, err, ErrConflict, "insert over an existing row")
}

func testSubscriptionRoundTrip(t *testing.T, store Store) {
	ctx := context.Background()
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	end := start.AddDate(0, 1, 0)

	tx, err := store.Begin(ctx)
	require.NoError(t, err)
	saved, err := tx.SaveSubscription(ctx, &models.Subscription{
		Provider:           models.ProviderCardGateway,
		ProviderRef:        "sub_1",
		UserID:             "u1",
		PlanID:             "pro",
		Status:             models.SubscriptionStatusActive,
		CurrentPeriodStart: &start,
		CurrentPeriodEnd:   &end,
	})
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	got, err := store.GetSubscription(ctx, models.ProviderCardGateway, "sub_1")
	require.NoError(t, err)
	assert.Equal(t, saved.ID, got.ID)
	assert.Equal(t, models.SubscriptionStatusActive, got.Status)
	require.NotNil(t, got.CurrentPeriodEnd)
	assert.True(t, end.Equal(*got.CurrentPeriodEnd))

	tx, err = store.Begin(ctx)
	require.NoError(t, err)
	locked, err := tx.GetSubscriptionForUpdate(ctx, models.ProviderCardGateway, "sub_1")
	require.NoError(t, err)
	locked.Status = models.SubscriptionStatusCanceled
	locked.CurrentPeriodEnd = nil
	updated, err := tx.SaveSubscription(ctx, locked)
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	assert.Equal(t, int64(2), updated.Version)
	got, err = store.GetSubscription(ctx, models.ProviderCardGateway, "sub_1")
	require.NoError(t, err)
	assert.Equal(t, models.SubscriptionStatusCanceled, got.Status)
	assert.Nil(t, got.CurrentPeriodEnd)
}

func testCustomerUniqueness(t *testing.T, store Store) {
	ctx := context.Background()

	tx, err := store.Begin(ctx)
	require.NoError(t, err)
	c, err := tx.SaveCustomer(ctx, &models.Customer{
		UserID:      "u1",
		Provider:    models.ProviderCardGateway,
		ProviderRef: "cus_1",
	})
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	got, err := store.GetCustomer(ctx, "u1", models.ProviderCardGateway)
	require.NoError(t, err)
	assert.Equal(t, c.ID, got.ID)
	assert.Equal(t, "cus_1", got.ProviderRef)

	tx, err = store.Begin(ctx)
	require.NoError(t, err)
	defer tx.Rollback()
	_, err = tx.SaveCustomer(ctx, &models.Customer{
		UserID:      "u1",
		Provider:    models.ProviderCardGateway,
		ProviderRef: "cus_2",
	})
	assert.ErrorIs(t, err, ErrConflict)
}

func testConcurrentClaims(t *testing.T, store Store) {
	const workers = 10
	ctx := context.Background()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		claimed int
		errs    []error
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := claimAndCommit(ctx, store, "evt_race")
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, err)
				return
			}
			if ok {
				claimed++
			}
		}()
	}
	wg.Wait()

	assert.Empty(t, errs)
	assert.Equal(t, 1, claimed, "exactly one transaction may claim an event")
}

func claimAndCommit(ctx context.Context, store Store, eventID string) (bool, error) {
	tx, err := store.Begin(ctx)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	claim, err := tx.TryClaim(ctx, models.ProviderCardGateway, eventID, models.KindInvoicePaid)
	if err != nil {
		return false, err
	}
	if claim == AlreadyProcessed {
		return false, nil
	}
	if err := tx.MarkApplied(ctx, models.ProviderCardGateway, eventID, models.EntitySubscription, "", 0); err != nil {
		return false, fmt.Errorf("mark applied: %w", err)
	}
	if err := tx.Commit(); err != nil {
		if errors.Is(err, ErrConflict) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func commitPayment(t *testing.T, store Store, p *models.Payment) *models.Payment {
	t.Helper()
	ctx := context.Background()
	tx, err := store.Begin(ctx)
	require.NoError(t, err)
	saved, err := tx.SavePayment(ctx, p)
	require.NoError(t, err)
	require.NoError(t, tx.Commit())
	return saved
}
