// internal/service/reconciliation_service.go
package service

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"payment-reconciler/internal/metrics"
	"payment-reconciler/internal/models"
	"payment-reconciler/internal/normalizer"
	"payment-reconciler/internal/repository"
	"payment-reconciler/internal/statemachine"
)

// Outcome is the terminal state of one webhook delivery.
type Outcome string

const (
	OutcomeAcknowledged Outcome = "acknowledged"
	OutcomeDuplicate    Outcome = "duplicate"
	OutcomeIgnored      Outcome = "ignored"
	OutcomeRejected     Outcome = "rejected"
	OutcomeMalformed    Outcome = "malformed"
	OutcomeRetryable    Outcome = "retryable"
)

// Acknowledge reports whether the provider should consider the event delivered.
func (o Outcome) Acknowledge() bool {
	switch o {
	case OutcomeAcknowledged, OutcomeDuplicate, OutcomeIgnored:
		return true
	}
	return false
}

// ErrTransientPersistence wraps storage failures and timeouts. The provider
// must redeliver; no ledger claim survives this path.
var ErrTransientPersistence = errors.New("transient persistence failure")

// ErrVerificationTimeout means verification could not finish in time, e.g. a
// slow certificate fetch. The delivery is retryable, not rejected.
var ErrVerificationTimeout = errors.New("verification timed out")

// ErrInvalidEvent marks a canonical event outside the known providers or kinds.
var ErrInvalidEvent = errors.New("invalid canonical event")

type Verifier interface {
	Verify(ctx context.Context, provider models.Provider, rawBody []byte, headers http.Header) error
}

type Normalizer interface {
	Normalize(provider models.Provider, raw []byte) (*models.CanonicalEvent, error)
}

type Dispatcher interface {
	Dispatch(intent models.SideEffectIntent) error
}

// ProcessedCache is a best-effort record of committed events shared across
// replicas. The ledger stays authoritative.
type ProcessedCache interface {
	Exists(ctx context.Context, key string) (bool, error)
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) (bool, error)
}

type Config struct {
	VerifyTimeout     time.Duration
	PersistTimeout    time.Duration
	ProcessedCacheTTL time.Duration
	FreePlanID        string
}

// ReconciliationService runs the per-event pipeline:
// verify, normalize, claim, transition, persist, dispatch, acknowledge.
type ReconciliationService struct {
	cfg        Config
	verifier   Verifier
	normalizer Normalizer
	store      repository.Store
	dispatcher Dispatcher
	cache      ProcessedCache
	metrics    *metrics.Collector
	logger     *zap.Logger
	tracer     trace.Tracer

	payments      statemachine.PaymentMachine
	subscriptions statemachine.SubscriptionMachine
}

// NewReconciliationService creates the coordinator. cache and collector may be nil.
func NewReconciliationService(
	cfg Config,
	verifier Verifier,
	normalizer Normalizer,
	store repository.Store,
	dispatcher Dispatcher,
	cache ProcessedCache,
	collector *metrics.Collector,
	logger *zap.Logger,
) *ReconciliationService {
	if cfg.VerifyTimeout <= 0 {
		cfg.VerifyTimeout = 10 * time.Second
	}
	if cfg.PersistTimeout <= 0 {
		cfg.PersistTimeout = 5 * time.Second
	}
	if cfg.ProcessedCacheTTL <= 0 {
		cfg.ProcessedCacheTTL = 72 * time.Hour
	}
	if cfg.FreePlanID == "" {
		cfg.FreePlanID = "free"
	}
	return &ReconciliationService{
		cfg:           cfg,
		verifier:      verifier,
		normalizer:    normalizer,
		store:         store,
		dispatcher:    dispatcher,
		cache:         cache,
		metrics:       collector,
		logger:        logger,
		tracer:        otel.Tracer("payment-reconciler/service"),
		subscriptions: statemachine.SubscriptionMachine{FreePlanID: cfg.FreePlanID},
	}
}

// Reconcile processes one raw webhook delivery. The returned error is nil for
// every acknowledged outcome.
func (s *ReconciliationService) Reconcile(ctx context.Context, provider models.Provider, rawBody []byte, headers http.Header) (outcome Outcome, err error) {
	start := time.Now()
	ctx, span := s.tracer.Start(ctx, "reconcile", trace.WithAttributes(
		attribute.String("provider", string(provider)),
	))
	defer func() {
		span.SetAttributes(attribute.String("outcome", string(outcome)))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, string(outcome))
		}
		span.End()
		s.metrics.ObserveWebhook(string(provider), string(outcome), time.Since(start))
	}()

	if err := s.verify(ctx, provider, rawBody, headers); err != nil {
		if errors.Is(err, ErrVerificationTimeout) {
			s.logger.Warn("webhook verification timed out",
				zap.String("provider", string(provider)),
				zap.Error(err))
			return OutcomeRetryable, err
		}
		s.logger.Warn("webhook rejected",
			zap.String("provider", string(provider)),
			zap.Error(err))
		return OutcomeRejected, err
	}

	_, nspan := s.tracer.Start(ctx, "normalize")
	ev, err := s.normalizer.Normalize(provider, rawBody)
	nspan.End()
	if err != nil {
		var unrecognized *normalizer.UnrecognizedEventError
		switch {
		case errors.As(err, &unrecognized):
			s.logger.Info("ignoring unrecognized event",
				zap.String("provider", string(provider)),
				zap.String("type", unrecognized.Type),
				zap.String("event_id", unrecognized.EventID))
			return OutcomeIgnored, nil
		case errors.Is(err, normalizer.ErrUnrecognizedEvent):
			return OutcomeIgnored, nil
		default:
			s.logger.Warn("malformed webhook body",
				zap.String("provider", string(provider)),
				zap.Error(err))
			return OutcomeMalformed, err
		}
	}
	span.SetAttributes(
		attribute.String("event_id", ev.EventID),
		attribute.String("kind", string(ev.Kind)),
	)

	return s.ReconcileEvent(ctx, ev)
}

// ReconcileEvent applies an already verified and normalized event.
func (s *ReconciliationService) ReconcileEvent(ctx context.Context, ev *models.CanonicalEvent) (Outcome, error) {
	if err := validateEvent(ev); err != nil {
		s.logger.Warn("invalid canonical event", zap.Error(err))
		return OutcomeMalformed, err
	}

	key := processedKey(ev.Provider, ev.EventID)
	if s.seen(ctx, key) {
		s.logger.Debug("duplicate event (cache)",
			zap.String("provider", string(ev.Provider)),
			zap.String("event_id", ev.EventID))
		return OutcomeDuplicate, nil
	}

	applied, err := s.persist(ctx, ev)
	if err != nil {
		s.logger.Error("event not persisted, provider will redeliver",
			zap.String("provider", string(ev.Provider)),
			zap.String("event_id", ev.EventID),
			zap.String("kind", string(ev.Kind)),
			zap.Error(err))
		return OutcomeRetryable, err
	}

	s.markSeen(ctx, key)

	if applied.duplicate {
		s.logger.Info("duplicate event skipped",
			zap.String("provider", string(ev.Provider)),
			zap.String("event_id", ev.EventID))
		return OutcomeDuplicate, nil
	}

	fields := []zap.Field{
		zap.String("provider", string(ev.Provider)),
		zap.String("event_id", ev.EventID),
		zap.String("kind", string(ev.Kind)),
		zap.String("subject_id", ev.SubjectID),
		zap.String("entity_id", applied.entityID),
		zap.Int64("version", applied.version),
		zap.Bool("changed", applied.changed),
	}
	if applied.note != "" {
		fields = append(fields, zap.String("note", applied.note))
	}
	s.logger.Info("event reconciled", fields...)

	s.dispatch(ctx, applied.intents)
	return OutcomeAcknowledged, nil
}

func (s *ReconciliationService) verify(ctx context.Context, provider models.Provider, rawBody []byte, headers http.Header) error {
	vctx, cancel := context.WithTimeout(ctx, s.cfg.VerifyTimeout)
	defer cancel()
	vctx, span := s.tracer.Start(vctx, "verify")
	defer span.End()

	err := s.verifier.Verify(vctx, provider, rawBody, headers)
	if err == nil {
		return nil
	}
	if vctx.Err() != nil {
		return fmt.Errorf("%w: %v", ErrVerificationTimeout, err)
	}
	return err
}

func (s *ReconciliationService) dispatch(ctx context.Context, intents []models.SideEffectIntent) {
	if len(intents) == 0 || s.dispatcher == nil {
		return
	}
	_, span := s.tracer.Start(ctx, "dispatch", trace.WithAttributes(attribute.Int("intents", len(intents))))
	defer span.End()

	for _, intent := range intents {
		if err := s.dispatcher.Dispatch(intent); err != nil {
			s.logger.Warn("side effect not queued",
				zap.String("target", string(intent.Target)),
				zap.String("user_id", intent.UserID),
				zap.String("event_id", intent.EventID),
				zap.Error(err))
		}
	}
}

func validateEvent(ev *models.CanonicalEvent) error {
	switch {
	case ev == nil:
		return fmt.Errorf("%w: nil event", ErrInvalidEvent)
	case !ev.Provider.Valid():
		return fmt.Errorf("%w: unknown provider %q", ErrInvalidEvent, ev.Provider)
	case !ev.Kind.Valid():
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidEvent, ev.Kind)
	case ev.EventID == "" || ev.SubjectID == "":
		return fmt.Errorf("%w: missing event or subject id", ErrInvalidEvent)
	}
	return nil
}

func processedKey(provider models.Provider, eventID string) string {
	return fmt.Sprintf("processed:%s:%s", provider, eventID)
}

func (s *ReconciliationService) seen(ctx context.Context, key string) bool {
	if s.cache == nil {
		return false
	}
	ok, err := s.cache.Exists(ctx, key)
	if err != nil {
		s.metrics.CacheLookup("error")
		s.logger.Warn("processed-event cache lookup failed", zap.String("key", key), zap.Error(err))
		return false
	}
	if ok {
		s.metrics.CacheLookup("hit")
	} else {
		s.metrics.CacheLookup("miss")
	}
	return ok
}

func (s *ReconciliationService) markSeen(ctx context.Context, key string) {
	if s.cache == nil {
		return
	}
	// the first replica to commit owns the TTL; later marks leave it alone
	if _, err := s.cache.SetNX(ctx, key, "1", s.cfg.ProcessedCacheTTL); err != nil {
		s.logger.Warn("failed to cache processed event", zap.String("key", key), zap.Error(err))
	}
}
