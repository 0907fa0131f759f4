// internal/dispatcher/dispatcher.go
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"payment-reconciler/internal/metrics"
	"payment-reconciler/internal/models"
)

var (
	ErrDispatchFailed = errors.New("dispatch failed")
	ErrQueueFull      = errors.New("dispatch queue full")
	ErrStopped        = errors.New("dispatcher stopped")
	ErrInvalidIntent  = errors.New("invalid intent")
)

type Config struct {
	MaxAttempts       int
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	BackoffMultiplier float64
	JitterFraction    float64
	AttemptTimeout    time.Duration
	Workers           int
	QueueSize         int
}

func DefaultConfig() Config {
	return Config{
		MaxAttempts:       3,
		InitialBackoff:    200 * time.Millisecond,
		MaxBackoff:        5 * time.Second,
		BackoffMultiplier: 2.0,
		JitterFraction:    0.1,
		AttemptTimeout:    10 * time.Second,
		Workers:           4,
		QueueSize:         1024,
	}
}

// Dispatcher executes side-effect intents after their transition committed.
// Intents are queued onto a bounded channel drained by a worker pool; each
// delivery is retried with exponential backoff and lands in the FailureStore
// once its attempts are exhausted.
type Dispatcher struct {
	cfg      Config
	plans    PlanUpdater
	notifier Notifier
	failures FailureStore
	metrics  *metrics.Collector
	logger   *zap.Logger

	queue   chan models.SideEffectIntent
	wg      sync.WaitGroup
	mu      sync.RWMutex
	started bool
	stopped bool

	ctx    context.Context
	cancel context.CancelFunc
}

func New(cfg Config, plans PlanUpdater, notifier Notifier, failures FailureStore, collector *metrics.Collector, logger *zap.Logger) *Dispatcher {
	def := DefaultConfig()
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = def.InitialBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = def.MaxBackoff
	}
	if cfg.BackoffMultiplier <= 0 {
		cfg.BackoffMultiplier = def.BackoffMultiplier
	}
	if cfg.JitterFraction < 0 {
		cfg.JitterFraction = 0
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = def.AttemptTimeout
	}
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if failures == nil {
		failures = NewMemoryFailureStore()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		cfg:      cfg,
		plans:    plans,
		notifier: notifier,
		failures: failures,
		metrics:  collector,
		logger:   logger,
		queue:    make(chan models.SideEffectIntent, cfg.QueueSize),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Failures exposes the store holding exhausted deliveries.
func (d *Dispatcher) Failures() FailureStore {
	return d.failures
}

// Start launches the worker pool. Calling it twice has no effect.
func (d *Dispatcher) Start() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started || d.stopped {
		return
	}
	d.started = true

	for i := 0; i < d.cfg.Workers; i++ {
		d.wg.Add(1)
		go d.worker()
	}
	d.logger.Info("dispatcher started",
		zap.Int("workers", d.cfg.Workers),
		zap.Int("queue_size", d.cfg.QueueSize))
}

// Stop refuses new intents and drains the queue. If ctx expires first,
// in-flight backoffs are aborted and their intents recorded as failures.
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return nil
	}
	d.stopped = true
	close(d.queue)
	started := d.started
	d.mu.Unlock()

	if !started {
		for intent := range d.queue {
			d.record(intent, 0, 0, ErrStopped)
		}
		d.cancel()
		return nil
	}

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.cancel()
		return nil
	case <-ctx.Done():
		d.cancel()
		<-done
		return fmt.Errorf("dispatcher drain: %w", ctx.Err())
	}
}

// Dispatch enqueues an intent without blocking. An undeliverable intent or a
// full or stopped queue records the intent as a failure immediately.
func (d *Dispatcher) Dispatch(intent models.SideEffectIntent) error {
	if err := validate(intent); err != nil {
		d.record(intent, 0, 0, err)
		return err
	}

	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.stopped {
		d.record(intent, 0, 0, ErrStopped)
		return ErrStopped
	}
	select {
	case d.queue <- intent:
		d.metrics.QueueDepth(len(d.queue))
		return nil
	default:
		d.record(intent, 0, 0, ErrQueueFull)
		return ErrQueueFull
	}
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for intent := range d.queue {
		d.metrics.QueueDepth(len(d.queue))
		_ = d.Deliver(d.ctx, intent)
	}
}

// Deliver runs one intent to completion synchronously. Exhausted intents are
// recorded in the failure store and reported as ErrDispatchFailed.
func (d *Dispatcher) Deliver(ctx context.Context, intent models.SideEffectIntent) error {
	attempts, status, err := d.attempt(ctx, intent)
	if err == nil {
		return nil
	}
	d.record(intent, attempts, status, err)
	return fmt.Errorf("%w: %s for user %s: %v", ErrDispatchFailed, intent.Target, intent.UserID, err)
}

// Replay retries a recorded failure. On success the record is removed; on
// failure it is updated with the new attempt count and error.
func (d *Dispatcher) Replay(ctx context.Context, id string) (*models.DispatchFailure, error) {
	f, err := d.failures.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	attempts, status, err := d.attempt(ctx, f.Intent)
	if err == nil {
		if delErr := d.failures.Delete(ctx, id); delErr != nil {
			d.logger.Warn("failed to remove replayed failure", zap.String("id", id), zap.Error(delErr))
		}
		d.logger.Info("dispatch failure replayed", zap.String("id", id), zap.String("target", string(f.Intent.Target)))
		return f, nil
	}

	f.Attempts += attempts
	f.LastError = err.Error()
	f.StatusCode = status
	f.LastAttemptAt = time.Now().UTC()
	if addErr := d.failures.Add(ctx, f); addErr != nil {
		d.logger.Error("failed to update dispatch failure", zap.String("id", id), zap.Error(addErr))
	}
	return f, fmt.Errorf("%w: %v", ErrDispatchFailed, err)
}

func (d *Dispatcher) attempt(ctx context.Context, intent models.SideEffectIntent) (int, int, error) {
	if err := validate(intent); err != nil {
		return 0, 0, err
	}

	var (
		lastErr    error
		lastStatus int
	)
	for attempt := 1; attempt <= d.cfg.MaxAttempts; attempt++ {
		if attempt > 1 {
			select {
			case <-time.After(d.backoff(attempt - 1)):
			case <-ctx.Done():
				return attempt - 1, lastStatus, fmt.Errorf("%v (aborted: %w)", lastErr, ctx.Err())
			}
		}

		err := d.execute(ctx, intent)
		if err == nil {
			d.metrics.DispatchAttempt(string(intent.Target), "success")
			if attempt > 1 {
				d.logger.Info("side effect delivered after retry",
					zap.String("target", string(intent.Target)),
					zap.String("user_id", intent.UserID),
					zap.Int("attempt", attempt))
			}
			return attempt, 0, nil
		}

		d.metrics.DispatchAttempt(string(intent.Target), "error")
		lastErr = err
		lastStatus = 0
		var statusErr *StatusError
		if errors.As(err, &statusErr) {
			lastStatus = statusErr.StatusCode
		}
		d.logger.Warn("side effect attempt failed",
			zap.String("target", string(intent.Target)),
			zap.String("user_id", intent.UserID),
			zap.String("idempotency_key", intent.IdempotencyKey),
			zap.Int("attempt", attempt),
			zap.Error(err))
	}
	return d.cfg.MaxAttempts, lastStatus, lastErr
}

func (d *Dispatcher) execute(ctx context.Context, intent models.SideEffectIntent) error {
	ctx, cancel := context.WithTimeout(ctx, d.cfg.AttemptTimeout)
	defer cancel()

	switch intent.Target {
	case models.TargetUpdateUserPlan:
		return d.plans.UpdatePlan(ctx, intent.UserID, intent.PlanID, intent.IdempotencyKey)
	case models.TargetNotifyUser:
		return d.notifier.Notify(ctx, intent)
	default:
		return fmt.Errorf("unknown target %q", intent.Target)
	}
}

func (d *Dispatcher) backoff(retry int) time.Duration {
	base := float64(d.cfg.InitialBackoff) * math.Pow(d.cfg.BackoffMultiplier, float64(retry-1))
	if base > float64(d.cfg.MaxBackoff) {
		base = float64(d.cfg.MaxBackoff)
	}
	if d.cfg.JitterFraction > 0 {
		base += base * d.cfg.JitterFraction * (rand.Float64()*2 - 1)
		if base < 0 {
			base = 0
		}
	}
	return time.Duration(base)
}

// record stores an exhausted intent. It uses its own context so a cancelled
// request or shutdown does not lose the record.
func (d *Dispatcher) record(intent models.SideEffectIntent, attempts, status int, cause error) {
	now := time.Now().UTC()
	f := &models.DispatchFailure{
		ID:            uuid.New().String(),
		Intent:        intent,
		Attempts:      attempts,
		LastError:     cause.Error(),
		StatusCode:    status,
		CreatedAt:     now,
		LastAttemptAt: now,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d.failures.Add(ctx, f); err != nil {
		d.logger.Error("failed to record dispatch failure",
			zap.String("target", string(intent.Target)),
			zap.String("user_id", intent.UserID),
			zap.Error(err))
	}
	d.metrics.DeadLetter(string(intent.Target))
	d.logger.Error("side effect dispatch exhausted",
		zap.String("failure_id", f.ID),
		zap.String("target", string(intent.Target)),
		zap.String("user_id", intent.UserID),
		zap.String("event_id", intent.EventID),
		zap.Int("attempts", attempts),
		zap.Error(cause))
}

func validate(intent models.SideEffectIntent) error {
	if intent.UserID == "" {
		return fmt.Errorf("%w: no user id", ErrInvalidIntent)
	}
	if intent.Target == models.TargetUpdateUserPlan && intent.PlanID == "" {
		return fmt.Errorf("%w: plan update has no plan id", ErrInvalidIntent)
	}
	return nil
}
