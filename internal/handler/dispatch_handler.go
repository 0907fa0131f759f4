// internal/handler/dispatch_handler.go
package handler

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"payment-reconciler/internal/dispatcher"
	"payment-reconciler/internal/models"
)

// FailureReplayer exposes the dispatcher's failure store and replay.
type FailureReplayer interface {
	Failures() dispatcher.FailureStore
	Replay(ctx context.Context, id string) (*models.DispatchFailure, error)
}

// DispatchHandler serves the manual reconciliation endpoints for side effects
// that exhausted their retries.
type DispatchHandler struct {
	dispatcher FailureReplayer
	logger     *zap.Logger
}

func NewDispatchHandler(d FailureReplayer, logger *zap.Logger) *DispatchHandler {
	return &DispatchHandler{
		dispatcher: d,
		logger:     logger,
	}
}

// ListFailures handles GET /api/v1/dispatch/failures
func (h *DispatchHandler) ListFailures(c *gin.Context) {
	limit := 100
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		limit = n
	}

	failures, err := h.dispatcher.Failures().List(c.Request.Context(), limit)
	if err != nil {
		h.logger.Error("failed to list dispatch failures", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list failures"})
		return
	}
	if failures == nil {
		failures = []*models.DispatchFailure{}
	}

	c.JSON(http.StatusOK, gin.H{"failures": failures, "count": len(failures)})
}

// Stats handles GET /api/v1/dispatch/failures/stats
func (h *DispatchHandler) Stats(c *gin.Context) {
	stats, err := h.dispatcher.Failures().Stats(c.Request.Context())
	if err != nil {
		h.logger.Error("failed to load dispatch failure stats", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load stats"})
		return
	}

	c.JSON(http.StatusOK, stats)
}

// RetryFailure handles POST /api/v1/dispatch/failures/:id/retry
func (h *DispatchHandler) RetryFailure(c *gin.Context) {
	id := c.Param("id")

	failure, err := h.dispatcher.Replay(c.Request.Context(), id)
	switch {
	case errors.Is(err, dispatcher.ErrFailureNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "Failure not found"})
	case errors.Is(err, dispatcher.ErrDispatchFailed):
		c.JSON(http.StatusBadGateway, gin.H{"replayed": false, "failure": failure})
	case err != nil:
		h.logger.Error("failed to replay dispatch failure", zap.String("id", id), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to replay"})
	default:
		c.JSON(http.StatusOK, gin.H{"replayed": true, "failure": failure})
	}
}

// DeleteFailure handles DELETE /api/v1/dispatch/failures/:id
func (h *DispatchHandler) DeleteFailure(c *gin.Context) {
	id := c.Param("id")

	err := h.dispatcher.Failures().Delete(c.Request.Context(), id)
	switch {
	case errors.Is(err, dispatcher.ErrFailureNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "Failure not found"})
	case err != nil:
		h.logger.Error("failed to delete dispatch failure", zap.String("id", id), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to delete failure"})
	default:
		h.logger.Info("dispatch failure discarded", zap.String("id", id))
		c.JSON(http.StatusOK, gin.H{"message": "Failure deleted"})
	}
}
