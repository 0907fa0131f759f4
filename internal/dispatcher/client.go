// internal/dispatcher/client.go
package dispatcher

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"payment-reconciler/internal/models"
)

const IdempotencyKeyHeader = "Idempotency-Key"

// StatusError is returned when a downstream service answers with a non-2xx status.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("downstream returned status %d", e.StatusCode)
	}
	return fmt.Sprintf("downstream returned status %d: %s", e.StatusCode, e.Body)
}

// PlanUpdater propagates a user's active plan to the identity service.
type PlanUpdater interface {
	UpdatePlan(ctx context.Context, userID, planID, idempotencyKey string) error
}

// Notifier delivers user-facing notifications.
type Notifier interface {
	Notify(ctx context.Context, intent models.SideEffectIntent) error
}

// IdentityClient calls PATCH /users/{userId}/plan on the identity service.
type IdentityClient struct {
	baseURL string
	client  *http.Client
}

func NewIdentityClient(baseURL string, client *http.Client) *IdentityClient {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &IdentityClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  client,
	}
}

type planUpdateRequest struct {
	PlanID string `json:"planId"`
}

func (c *IdentityClient) UpdatePlan(ctx context.Context, userID, planID, idempotencyKey string) error {
	body, err := json.Marshal(planUpdateRequest{PlanID: planID})
	if err != nil {
		return fmt.Errorf("encode plan update: %w", err)
	}
	endpoint := fmt.Sprintf("%s/users/%s/plan", c.baseURL, url.PathEscape(userID))
	return doJSON(ctx, c.client, http.MethodPatch, endpoint, body, idempotencyKey)
}

// HTTPNotifier posts notifications to a configured endpoint.
type HTTPNotifier struct {
	endpoint string
	client   *http.Client
}

func NewHTTPNotifier(endpoint string, client *http.Client) *HTTPNotifier {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPNotifier{endpoint: endpoint, client: client}
}

type notification struct {
	UserID   string          `json:"userId"`
	Message  string          `json:"message"`
	EventID  string          `json:"eventId"`
	Provider models.Provider `json:"provider"`
}

func (n *HTTPNotifier) Notify(ctx context.Context, intent models.SideEffectIntent) error {
	body, err := json.Marshal(notification{
		UserID:   intent.UserID,
		Message:  intent.Message,
		EventID:  intent.EventID,
		Provider: intent.Provider,
	})
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}
	return doJSON(ctx, n.client, http.MethodPost, n.endpoint, body, intent.IdempotencyKey)
}

// LogNotifier only logs notifications. Used when no notification endpoint is configured.
type LogNotifier struct {
	logger *zap.Logger
}

func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) Notify(ctx context.Context, intent models.SideEffectIntent) error {
	n.logger.Info("user notification",
		zap.String("user_id", intent.UserID),
		zap.String("message", intent.Message),
		zap.String("event_id", intent.EventID))
	return nil
}

func doJSON(ctx context.Context, client *http.Client, method, endpoint string, body []byte, idempotencyKey string) error {
	req, err := http.NewRequestWithContext(ctx, method, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if idempotencyKey != "" {
		req.Header.Set(IdempotencyKeyHeader, idempotencyKey)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(snippet))}
}
