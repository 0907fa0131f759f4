// internal/service/persist.go
package service

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"payment-reconciler/internal/models"
	"payment-reconciler/internal/repository"
	"payment-reconciler/internal/statemachine"
)

type applyResult struct {
	duplicate bool
	changed   bool
	entityID  string
	version   int64
	note      string
	intents   []models.SideEffectIntent
}

// persist claims the event, runs the state machine and writes the entity in
// one transaction. Nothing, including the claim, is visible unless Commit
// succeeds; every error returned wraps ErrTransientPersistence.
func (s *ReconciliationService) persist(ctx context.Context, ev *models.CanonicalEvent) (*applyResult, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.PersistTimeout)
	defer cancel()
	ctx, span := s.tracer.Start(ctx, "persist")
	defer span.End()

	tx, err := s.store.Begin(ctx)
	if err != nil {
		return nil, transient("begin", err)
	}
	defer tx.Rollback()

	claim, err := tx.TryClaim(ctx, ev.Provider, ev.EventID, ev.Kind)
	if err != nil {
		return nil, transient("claim", err)
	}
	span.SetAttributes(attribute.String("claim", claim.String()))
	if claim == repository.AlreadyProcessed {
		return &applyResult{duplicate: true}, nil
	}

	var res *applyResult
	switch ev.Kind.Entity() {
	case models.EntityPayment:
		res, err = s.applyPayment(ctx, tx, ev)
	default:
		res, err = s.applySubscription(ctx, tx, ev)
	}
	if err != nil {
		return nil, transient("transition", err)
	}

	if err := s.ensureCustomer(ctx, tx, ev); err != nil {
		return nil, transient("customer", err)
	}

	if err := tx.MarkApplied(ctx, ev.Provider, ev.EventID, ev.Kind.Entity(), res.entityID, res.version); err != nil {
		return nil, transient("mark applied", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, transient("commit", err)
	}
	return res, nil
}

func (s *ReconciliationService) applyPayment(ctx context.Context, tx repository.Tx, ev *models.CanonicalEvent) (*applyResult, error) {
	current, err := tx.GetPaymentForUpdate(ctx, ev.Provider, ev.SubjectID)
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		return nil, err
	}

	r := s.payments.Apply(current, ev)
	res := &applyResult{changed: r.Changed, note: r.Note, intents: r.Intents}
	if !r.Changed && !r.Created {
		res.entityID, res.version = current.ID, current.Version
		return res, nil
	}

	saved, err := tx.SavePayment(ctx, r.Next)
	if err != nil {
		return nil, err
	}
	if r.Created {
		s.logger.Info("payment created from event",
			zap.String("payment_id", saved.ID),
			zap.String("provider_ref", saved.ProviderRef),
			zap.String("status", string(saved.Status)))
	}
	res.entityID, res.version = saved.ID, saved.Version
	return res, nil
}

func (s *ReconciliationService) applySubscription(ctx context.Context, tx repository.Tx, ev *models.CanonicalEvent) (*applyResult, error) {
	current, err := tx.GetSubscriptionForUpdate(ctx, ev.Provider, ev.SubjectID)
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		return nil, err
	}

	r := s.subscriptions.Apply(current, ev)
	res := &applyResult{changed: r.Changed, note: r.Note, intents: r.Intents}
	if !r.Changed && !r.Created {
		res.entityID, res.version = current.ID, current.Version
		return res, nil
	}

	saved, err := tx.SaveSubscription(ctx, r.Next)
	if err != nil {
		return nil, err
	}
	if r.Created {
		s.logger.Info("subscription created from event",
			zap.String("subscription_id", saved.ID),
			zap.String("provider_ref", saved.ProviderRef),
			zap.String("status", string(saved.Status)))
	}
	res.entityID, res.version = saved.ID, saved.Version
	return res, nil
}

func (s *ReconciliationService) ensureCustomer(ctx context.Context, tx repository.Tx, ev *models.CanonicalEvent) error {
	if ev.Payload.UserID == "" || ev.Payload.CustomerRef == "" {
		return nil
	}
	current, err := tx.GetCustomerForUpdate(ctx, ev.Payload.UserID, ev.Provider)
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		return err
	}
	next, write := statemachine.EnsureCustomer(current, ev)
	if !write {
		return nil
	}
	if _, err := tx.SaveCustomer(ctx, next); err != nil {
		return err
	}
	return nil
}

func transient(step string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrTransientPersistence, step, err)
}
