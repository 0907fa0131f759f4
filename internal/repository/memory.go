// internal/repository/memory.go
package repository

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"payment-reconciler/internal/models"
)

// MemoryStore is an in-process Store. Transactions are serialized: Begin
// blocks until the previous transaction commits or rolls back, so every
// transaction observes a consistent snapshot. Writes are staged and become
// visible only on Commit.
type MemoryStore struct {
	sem chan struct{}

	mu            sync.RWMutex
	payments      map[string]*models.Payment
	subscriptions map[string]*models.Subscription
	customers     map[string]*models.Customer
	ledger        map[string]*models.IdempotencyRecord
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sem:           make(chan struct{}, 1),
		payments:      make(map[string]*models.Payment),
		subscriptions: make(map[string]*models.Subscription),
		customers:     make(map[string]*models.Customer),
		ledger:        make(map[string]*models.IdempotencyRecord),
	}
}

func refKey(provider models.Provider, ref string) string {
	return string(provider) + "|" + ref
}

func (s *MemoryStore) Ping(ctx context.Context) error {
	return ctx.Err()
}

func (s *MemoryStore) Begin(ctx context.Context) (Tx, error) {
	select {
	case s.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, fmt.Errorf("begin transaction: %w", ctx.Err())
	}
	return &memTx{
		store:         s,
		payments:      make(map[string]*models.Payment),
		subscriptions: make(map[string]*models.Subscription),
		customers:     make(map[string]*models.Customer),
		ledger:        make(map[string]*models.IdempotencyRecord),
	}, nil
}

func (s *MemoryStore) GetPayment(ctx context.Context, provider models.Provider, providerRef string) (*models.Payment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.payments[refKey(provider, providerRef)]
	if !ok {
		return nil, ErrNotFound
	}
	return p.Clone(), nil
}

func (s *MemoryStore) GetSubscription(ctx context.Context, provider models.Provider, providerRef string) (*models.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sub, ok := s.subscriptions[refKey(provider, providerRef)]
	if !ok {
		return nil, ErrNotFound
	}
	return sub.Clone(), nil
}

func (s *MemoryStore) GetCustomer(ctx context.Context, userID string, provider models.Provider) (*models.Customer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.customers[refKey(provider, userID)]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (s *MemoryStore) GetIdempotencyRecord(ctx context.Context, provider models.Provider, eventID string) (*models.IdempotencyRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.ledger[refKey(provider, eventID)]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

// Counts returns the number of committed rows per table.
func (s *MemoryStore) Counts() map[string]int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return map[string]int{
		"payments":         len(s.payments),
		"subscriptions":    len(s.subscriptions),
		"customers":        len(s.customers),
		"processed_events": len(s.ledger),
	}
}

var errTxDone = errors.New("transaction already finished")

type memTx struct {
	store *MemoryStore
	once  sync.Once
	done  bool

	payments      map[string]*models.Payment
	subscriptions map[string]*models.Subscription
	customers     map[string]*models.Customer
	ledger        map[string]*models.IdempotencyRecord
}

func (t *memTx) release() {
	t.once.Do(func() {
		t.done = true
		<-t.store.sem
	})
}

func (t *memTx) check(ctx context.Context) error {
	if t.done {
		return errTxDone
	}
	return ctx.Err()
}

func (t *memTx) Commit() error {
	if t.done {
		return errTxDone
	}
	defer t.release()

	s := t.store
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, v := range t.payments {
		s.payments[k] = v
	}
	for k, v := range t.subscriptions {
		s.subscriptions[k] = v
	}
	for k, v := range t.customers {
		s.customers[k] = v
	}
	for k, v := range t.ledger {
		s.ledger[k] = v
	}
	return nil
}

func (t *memTx) Rollback() error {
	t.release()
	return nil
}

func (t *memTx) TryClaim(ctx context.Context, provider models.Provider, eventID string, kind models.EventKind) (ClaimResult, error) {
	if err := t.check(ctx); err != nil {
		return AlreadyProcessed, err
	}
	key := refKey(provider, eventID)
	if _, ok := t.ledger[key]; ok {
		return AlreadyProcessed, nil
	}
	if _, err := t.store.GetIdempotencyRecord(ctx, provider, eventID); err == nil {
		return AlreadyProcessed, nil
	}
	t.ledger[key] = &models.IdempotencyRecord{
		Provider:  provider,
		EventID:   eventID,
		Kind:      kind,
		AppliedAt: time.Now().UTC(),
	}
	return Claimed, nil
}

func (t *memTx) MarkApplied(ctx context.Context, provider models.Provider, eventID string, entityType models.EntityType, entityID string, version int64) error {
	if err := t.check(ctx); err != nil {
		return err
	}
	rec, ok := t.ledger[refKey(provider, eventID)]
	if !ok {
		return fmt.Errorf("mark applied: %w", ErrNotFound)
	}
	rec.EntityType = entityType
	rec.EntityID = entityID
	rec.EntityVersion = version
	rec.AppliedAt = time.Now().UTC()
	return nil
}

func (t *memTx) GetPaymentForUpdate(ctx context.Context, provider models.Provider, providerRef string) (*models.Payment, error) {
	if err := t.check(ctx); err != nil {
		return nil, err
	}
	if p, ok := t.payments[refKey(provider, providerRef)]; ok {
		return p.Clone(), nil
	}
	return t.store.GetPayment(ctx, provider, providerRef)
}

func (t *memTx) SavePayment(ctx context.Context, p *models.Payment) (*models.Payment, error) {
	if err := t.check(ctx); err != nil {
		return nil, err
	}
	key := refKey(p.Provider, p.ProviderRef)
	current, err := t.GetPaymentForUpdate(ctx, p.Provider, p.ProviderRef)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	var (
		id      string
		version int64
	)
	if current != nil {
		id, version = current.ID, current.Version
	}
	if err := versionCheck(p.ID, p.Version, current != nil, id, version); err != nil {
		return nil, fmt.Errorf("save payment %s: %w", key, err)
	}

	saved := p.Clone()
	now := time.Now().UTC()
	if saved.ID == "" {
		saved.ID = uuid.New().String()
		saved.CreatedAt = now
	}
	saved.Version++
	saved.UpdatedAt = now
	t.payments[key] = saved
	return saved.Clone(), nil
}

func (t *memTx) GetSubscriptionForUpdate(ctx context.Context, provider models.Provider, providerRef string) (*models.Subscription, error) {
	if err := t.check(ctx); err != nil {
		return nil, err
	}
	if s, ok := t.subscriptions[refKey(provider, providerRef)]; ok {
		return s.Clone(), nil
	}
	return t.store.GetSubscription(ctx, provider, providerRef)
}

func (t *memTx) SaveSubscription(ctx context.Context, s *models.Subscription) (*models.Subscription, error) {
	if err := t.check(ctx); err != nil {
		return nil, err
	}
	key := refKey(s.Provider, s.ProviderRef)
	current, err := t.GetSubscriptionForUpdate(ctx, s.Provider, s.ProviderRef)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	var (
		id      string
		version int64
	)
	if current != nil {
		id, version = current.ID, current.Version
	}
	if err := versionCheck(s.ID, s.Version, current != nil, id, version); err != nil {
		return nil, fmt.Errorf("save subscription %s: %w", key, err)
	}

	saved := s.Clone()
	now := time.Now().UTC()
	if saved.ID == "" {
		saved.ID = uuid.New().String()
		saved.CreatedAt = now
	}
	saved.Version++
	saved.UpdatedAt = now
	t.subscriptions[key] = saved
	return saved.Clone(), nil
}

func (t *memTx) GetCustomerForUpdate(ctx context.Context, userID string, provider models.Provider) (*models.Customer, error) {
	if err := t.check(ctx); err != nil {
		return nil, err
	}
	if c, ok := t.customers[refKey(provider, userID)]; ok {
		cp := *c
		return &cp, nil
	}
	return t.store.GetCustomer(ctx, userID, provider)
}

func (t *memTx) SaveCustomer(ctx context.Context, c *models.Customer) (*models.Customer, error) {
	if err := t.check(ctx); err != nil {
		return nil, err
	}
	key := refKey(c.Provider, c.UserID)
	current, err := t.GetCustomerForUpdate(ctx, c.UserID, c.Provider)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	if c.ID == "" && current != nil {
		return nil, fmt.Errorf("save customer %s: %w", key, ErrConflict)
	}
	if c.ID != "" && (current == nil || current.ID != c.ID) {
		return nil, fmt.Errorf("save customer %s: %w", key, ErrConflict)
	}

	saved := *c
	now := time.Now().UTC()
	if saved.ID == "" {
		saved.ID = uuid.New().String()
		saved.CreatedAt = now
	}
	saved.UpdatedAt = now
	t.customers[key] = &saved
	cp := saved
	return &cp, nil
}

// versionCheck mirrors the optimistic checks the SQL store performs: inserts
// fail on an existing row, updates fail on a stale version.
func versionCheck(id string, version int64, exists bool, currentID string, currentVersion int64) error {
	if id == "" {
		if exists {
			return ErrConflict
		}
		return nil
	}
	if !exists || id != currentID || version != currentVersion {
		return ErrConflict
	}
	return nil
}
