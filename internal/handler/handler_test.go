// internal/handler/handler_test.go
package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"payment-reconciler/internal/dispatcher"
	"payment-reconciler/internal/models"
	"payment-reconciler/internal/service"
	"payment-reconciler/shared/pkg/middleware"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeReconciler struct {
	outcome  service.Outcome
	err      error
	provider models.Provider
	body     []byte
	headers  http.Header
}

func (f *fakeReconciler) Reconcile(ctx context.Context, provider models.Provider, rawBody []byte, headers http.Header) (service.Outcome, error) {
	f.provider = provider
	f.body = rawBody
	f.headers = headers
	return f.outcome, f.err
}

func webhookRouter(r Reconciler) *gin.Engine {
	h := NewWebhookHandler(r, zap.NewNop())
	router := gin.New()
	router.Use(middleware.BodyLimit(64))
	router.POST("/webhooks/card", h.CardWebhook)
	router.POST("/webhooks/wallet", h.WalletWebhook)
	return router
}

func TestWebhookHandler_StatusCodes(t *testing.T) {
	tests := []struct {
		name       string
		outcome    service.Outcome
		err        error
		wantStatus int
		wantBody   string
	}{
		{"acknowledged", service.OutcomeAcknowledged, nil, http.StatusOK, `{"received":true}`},
		{"duplicate", service.OutcomeDuplicate, nil, http.StatusOK, `{"received":true}`},
		{"ignored", service.OutcomeIgnored, nil, http.StatusOK, `{"received":true}`},
		{"rejected", service.OutcomeRejected, errors.New("signature invalid"), http.StatusBadRequest, `{"error":"invalid signature"}`},
		{"malformed", service.OutcomeMalformed, errors.New("malformed event"), http.StatusBadRequest, `{"error":"malformed payload"}`},
		{"retryable", service.OutcomeRetryable, service.ErrTransientPersistence, http.StatusServiceUnavailable, `{"error":"temporarily unavailable, retry later"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router := webhookRouter(&fakeReconciler{outcome: tt.outcome, err: tt.err})

			w := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodPost, "/webhooks/card", strings.NewReader(`{"id":"evt_1"}`))
			router.ServeHTTP(w, req)

			assert.Equal(t, tt.wantStatus, w.Code)
			assert.JSONEq(t, tt.wantBody, w.Body.String())
		})
	}
}

func TestWebhookHandler_PassesRawBodyAndProvider(t *testing.T) {
	rec := &fakeReconciler{outcome: service.OutcomeAcknowledged}
	router := webhookRouter(rec)

	raw := []byte("{\"id\": \"WH-1\",\n  \"event_type\":\"X\"}")
	req := httptest.NewRequest(http.MethodPost, "/webhooks/wallet", bytes.NewReader(raw))
	req.Header.Set("PAYPAL-TRANSMISSION-ID", "tx-1")
	router.ServeHTTP(httptest.NewRecorder(), req)

	assert.Equal(t, models.ProviderWalletGateway, rec.provider)
	assert.Equal(t, raw, rec.body, "body must reach verification byte for byte")
	assert.Equal(t, "tx-1", rec.headers.Get("PAYPAL-TRANSMISSION-ID"))
}

func TestWebhookHandler_BodyTooLarge(t *testing.T) {
	rec := &fakeReconciler{outcome: service.OutcomeAcknowledged}
	router := webhookRouter(rec)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/webhooks/card", strings.NewReader(strings.Repeat("x", 128)))
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
	assert.Nil(t, rec.body, "oversized body never reaches the service")
}

func dispatchRouter(t *testing.T, identityStatus *atomic.Int32) (*gin.Engine, *dispatcher.Dispatcher) {
	t.Helper()
	identity := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(int(identityStatus.Load()))
	}))
	t.Cleanup(identity.Close)

	d := dispatcher.New(dispatcher.Config{
		MaxAttempts:    2,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     time.Millisecond,
	}, dispatcher.NewIdentityClient(identity.URL, nil), dispatcher.NewLogNotifier(zap.NewNop()),
		dispatcher.NewMemoryFailureStore(), nil, zap.NewNop())

	h := NewDispatchHandler(d, zap.NewNop())
	router := gin.New()
	failures := router.Group("/dispatch/failures")
	failures.GET("", h.ListFailures)
	failures.GET("/stats", h.Stats)
	failures.POST("/:id/retry", h.RetryFailure)
	failures.DELETE("/:id", h.DeleteFailure)
	return router, d
}

func seedFailure(t *testing.T, d *dispatcher.Dispatcher) string {
	t.Helper()
	err := d.Deliver(context.Background(), models.SideEffectIntent{
		Target:         models.TargetUpdateUserPlan,
		UserID:         "u1",
		PlanID:         "pro",
		Provider:       models.ProviderCardGateway,
		EventID:        "evt_1",
		IdempotencyKey: "k1",
	})
	require.ErrorIs(t, err, dispatcher.ErrDispatchFailed)

	list, err := d.Failures().List(context.Background(), 0)
	require.NoError(t, err)
	require.NotEmpty(t, list)
	return list[0].ID
}

func TestDispatchHandler_ListAndStats(t *testing.T) {
	var status atomic.Int32
	status.Store(http.StatusInternalServerError)
	router, d := dispatchRouter(t, &status)
	seedFailure(t, d)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/dispatch/failures", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var list struct {
		Failures []models.DispatchFailure `json:"failures"`
		Count    int                      `json:"count"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	assert.Equal(t, 1, list.Count)
	assert.Equal(t, "u1", list.Failures[0].Intent.UserID)
	assert.Equal(t, 2, list.Failures[0].Attempts)

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/dispatch/failures/stats", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var stats models.DispatchFailureStats
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &stats))
	assert.Equal(t, 1, stats.Total)
	assert.Equal(t, 1, stats.ByTarget["update_user_plan"])

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/dispatch/failures?limit=abc", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestDispatchHandler_Retry(t *testing.T) {
	var status atomic.Int32
	status.Store(http.StatusInternalServerError)
	router, d := dispatchRouter(t, &status)
	id := seedFailure(t, d)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/dispatch/failures/"+id+"/retry", nil))
	assert.Equal(t, http.StatusBadGateway, w.Code, "identity service still down")

	status.Store(http.StatusOK)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/dispatch/failures/"+id+"/retry", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/dispatch/failures/"+id+"/retry", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestDispatchHandler_Delete(t *testing.T) {
	var status atomic.Int32
	status.Store(http.StatusInternalServerError)
	router, d := dispatchRouter(t, &status)
	id := seedFailure(t, d)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodDelete, "/dispatch/failures/"+id, nil))
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodDelete, "/dispatch/failures/"+id, nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}
