// internal/handler/webhook_handler.go
package handler

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"payment-reconciler/internal/models"
	"payment-reconciler/internal/service"
)

// Reconciler is the part of the reconciliation service the webhook endpoints use.
type Reconciler interface {
	Reconcile(ctx context.Context, provider models.Provider, rawBody []byte, headers http.Header) (service.Outcome, error)
}

type WebhookHandler struct {
	service Reconciler
	logger  *zap.Logger
}

func NewWebhookHandler(service Reconciler, logger *zap.Logger) *WebhookHandler {
	return &WebhookHandler{
		service: service,
		logger:  logger,
	}
}

// CardWebhook handles POST /api/v1/webhooks/card
func (h *WebhookHandler) CardWebhook(c *gin.Context) {
	h.handle(c, models.ProviderCardGateway)
}

// WalletWebhook handles POST /api/v1/webhooks/wallet
func (h *WebhookHandler) WalletWebhook(c *gin.Context) {
	h.handle(c, models.ProviderWalletGateway)
}

func (h *WebhookHandler) handle(c *gin.Context, provider models.Provider) {
	// The raw bytes are needed for signature verification; never bind JSON here.
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "payload too large"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read body"})
		return
	}

	outcome, err := h.service.Reconcile(c.Request.Context(), provider, body, c.Request.Header)
	if err != nil {
		_ = c.Error(err)
	}

	switch outcome {
	case service.OutcomeAcknowledged, service.OutcomeDuplicate, service.OutcomeIgnored:
		c.JSON(http.StatusOK, gin.H{"received": true})
	case service.OutcomeRejected:
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid signature"})
	case service.OutcomeMalformed:
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed payload"})
	default:
		h.logger.Error("webhook not processed",
			zap.String("provider", string(provider)),
			zap.String("outcome", string(outcome)),
			zap.String("request_id", c.GetString("request_id")),
			zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "temporarily unavailable, retry later"})
	}
}
