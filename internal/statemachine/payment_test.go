// internal/statemachine/payment_test.go
package statemachine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"payment-reconciler/internal/models"
)

func payEvent(kind models.EventKind, payload models.EventPayload) *models.CanonicalEvent {
	return &models.CanonicalEvent{
		EventID:   "evt_9",
		Provider:  models.ProviderWalletGateway,
		Kind:      kind,
		SubjectID: "CAP-1",
		Payload:   payload,
	}
}

func payIn(status models.PaymentStatus, refunded int64) *models.Payment {
	return &models.Payment{
		ID:             "22222222-2222-2222-2222-222222222222",
		UserID:         "u1",
		Provider:       models.ProviderWalletGateway,
		ProviderRef:    "CAP-1",
		Amount:         1000,
		Currency:       "USD",
		Status:         status,
		RefundedAmount: refunded,
		Metadata:       map[string]string{models.MetadataUserID: "u1"},
	}
}

func TestPaymentMachine_Transitions(t *testing.T) {
	tests := []struct {
		name         string
		current      *models.Payment
		kind         models.EventKind
		payload      models.EventPayload
		want         models.PaymentStatus
		wantRefunded int64
		wantChanged  bool
		wantIntents  int
		wantNote     string
	}{
		{
			name:        "checkout before local record",
			current:     nil,
			kind:        models.KindPaymentSucceeded,
			payload:     models.EventPayload{UserID: "u1", Amount: 1000, Currency: "usd"},
			want:        models.PaymentStatusSucceeded,
			wantChanged: true,
		},
		{
			name:        "created succeeded",
			current:     payIn(models.PaymentStatusCreated, 0),
			kind:        models.KindPaymentSucceeded,
			want:        models.PaymentStatusSucceeded,
			wantChanged: true,
		},
		{
			name:        "created failed notifies",
			current:     payIn(models.PaymentStatusCreated, 0),
			kind:        models.KindPaymentFailed,
			payload:     models.EventPayload{FailureReason: "card_declined"},
			want:        models.PaymentStatusFailed,
			wantChanged: true,
			wantIntents: 1,
		},
		{
			name:     "duplicate success",
			current:  payIn(models.PaymentStatusSucceeded, 0),
			kind:     models.KindPaymentSucceeded,
			want:     models.PaymentStatusSucceeded,
			wantNote: NoteDuplicateStatus,
		},
		{
			name:     "failure after success ignored",
			current:  payIn(models.PaymentStatusSucceeded, 0),
			kind:     models.KindPaymentFailed,
			want:     models.PaymentStatusSucceeded,
			wantNote: NoteIgnoredInState,
		},
		{
			name:     "failed is terminal",
			current:  payIn(models.PaymentStatusFailed, 0),
			kind:     models.KindPaymentSucceeded,
			want:     models.PaymentStatusFailed,
			wantNote: NoteTerminalPayment,
		},
		{
			name:         "partial incremental refund",
			current:      payIn(models.PaymentStatusSucceeded, 200),
			kind:         models.KindPaymentRefunded,
			payload:      models.EventPayload{RefundedAmount: 300},
			want:         models.PaymentStatusSucceeded,
			wantRefunded: 500,
			wantChanged:  true,
		},
		{
			name:         "full incremental refund",
			current:      payIn(models.PaymentStatusSucceeded, 400),
			kind:         models.KindPaymentRefunded,
			payload:      models.EventPayload{RefundedAmount: 600},
			want:         models.PaymentStatusRefunded,
			wantRefunded: 1000,
			wantChanged:  true,
		},
		{
			name:         "cumulative refund uses running total",
			current:      payIn(models.PaymentStatusSucceeded, 400),
			kind:         models.KindPaymentRefunded,
			payload:      models.EventPayload{RefundedAmount: 700, RefundCumulative: true},
			want:         models.PaymentStatusSucceeded,
			wantRefunded: 700,
			wantChanged:  true,
		},
		{
			name:         "stale cumulative refund ignored",
			current:      payIn(models.PaymentStatusSucceeded, 700),
			kind:         models.KindPaymentRefunded,
			payload:      models.EventPayload{RefundedAmount: 400, RefundCumulative: true},
			want:         models.PaymentStatusSucceeded,
			wantRefunded: 700,
		},
		{
			name:         "refund on created implies success",
			current:      payIn(models.PaymentStatusCreated, 0),
			kind:         models.KindPaymentRefunded,
			payload:      models.EventPayload{RefundedAmount: 100},
			want:         models.PaymentStatusSucceeded,
			wantRefunded: 100,
			wantChanged:  true,
		},
		{
			name:         "refunded is terminal",
			current:      payIn(models.PaymentStatusRefunded, 1000),
			kind:         models.KindPaymentRefunded,
			payload:      models.EventPayload{RefundedAmount: 100},
			want:         models.PaymentStatusRefunded,
			wantRefunded: 1000,
			wantNote:     NoteTerminalPayment,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := PaymentMachine{}.Apply(tt.current, payEvent(tt.kind, tt.payload))

			require.NotNil(t, res.Next)
			if res.Next.Status != tt.want {
				t.Errorf("status = %v, want %v", res.Next.Status, tt.want)
			}
			if res.Next.RefundedAmount != tt.wantRefunded {
				t.Errorf("refunded = %d, want %d", res.Next.RefundedAmount, tt.wantRefunded)
			}
			assert.Equal(t, tt.wantChanged, res.Changed)
			assert.Len(t, res.Intents, tt.wantIntents)
			if tt.wantNote != "" {
				assert.Equal(t, tt.wantNote, res.Note)
			}
		})
	}
}

func TestPaymentMachine_RefundBeforeCapture(t *testing.T) {
	tests := []struct {
		name         string
		refund       models.EventPayload
		capture      models.EventPayload
		want         models.PaymentStatus
		wantRefunded int64
	}{
		{
			name:         "full refund settles on capture",
			refund:       models.EventPayload{RefundedAmount: 1000},
			capture:      models.EventPayload{UserID: "u1", Amount: 1000, Currency: "usd"},
			want:         models.PaymentStatusRefunded,
			wantRefunded: 1000,
		},
		{
			name:         "over-refund capped at the charge",
			refund:       models.EventPayload{RefundedAmount: 1200, RefundCumulative: true},
			capture:      models.EventPayload{Amount: 1000},
			want:         models.PaymentStatusRefunded,
			wantRefunded: 1000,
		},
		{
			name:         "partial refund stays succeeded",
			refund:       models.EventPayload{RefundedAmount: 400},
			capture:      models.EventPayload{Amount: 1000},
			want:         models.PaymentStatusSucceeded,
			wantRefunded: 400,
		},
	}

	m := PaymentMachine{}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			refunded := m.Apply(nil, payEvent(models.KindPaymentRefunded, tt.refund))
			require.Equal(t, models.PaymentStatusSucceeded, refunded.Next.Status)
			require.Zero(t, refunded.Next.Amount)

			captured := m.Apply(refunded.Next, payEvent(models.KindPaymentSucceeded, tt.capture))

			assert.Equal(t, tt.want, captured.Next.Status)
			assert.Equal(t, int64(1000), captured.Next.Amount)
			assert.Equal(t, tt.wantRefunded, captured.Next.RefundedAmount)
			assert.True(t, captured.Changed)
		})
	}
}

func TestPaymentMachine_NewPaymentFromPayload(t *testing.T) {
	res := PaymentMachine{}.Apply(nil, payEvent(models.KindPaymentSucceeded, models.EventPayload{
		UserID:   "u1",
		Amount:   2500,
		Currency: "eur",
	}))

	assert.True(t, res.Created)
	assert.Equal(t, "CAP-1", res.Next.ProviderRef)
	assert.Equal(t, models.ProviderWalletGateway, res.Next.Provider)
	assert.Equal(t, int64(2500), res.Next.Amount)
	assert.Equal(t, "EUR", res.Next.Currency)
	assert.Equal(t, "u1", res.Next.Metadata[models.MetadataUserID])
}

func TestPaymentMachine_DoesNotMutateInput(t *testing.T) {
	current := payIn(models.PaymentStatusCreated, 0)

	_ = PaymentMachine{}.Apply(current, payEvent(models.KindPaymentFailed, models.EventPayload{FailureReason: "x"}))

	assert.Equal(t, models.PaymentStatusCreated, current.Status)
	assert.Empty(t, current.FailureReason)
}

func TestEnsureCustomer(t *testing.T) {
	ev := payEvent(models.KindPaymentSucceeded, models.EventPayload{UserID: "u1", CustomerRef: "cus_1", PaymentMethodRef: "pm_1"})

	created, changed := EnsureCustomer(nil, ev)
	require.NotNil(t, created)
	assert.True(t, changed)
	assert.Equal(t, "cus_1", created.ProviderRef)
	assert.Equal(t, "pm_1", created.DefaultPaymentMethodRef)

	same, changed := EnsureCustomer(created, ev)
	assert.False(t, changed)
	assert.Equal(t, created.ProviderRef, same.ProviderRef)

	noUser, changed := EnsureCustomer(nil, payEvent(models.KindPaymentSucceeded, models.EventPayload{CustomerRef: "cus_1"}))
	assert.Nil(t, noUser)
	assert.False(t, changed)

	existing := &models.Customer{UserID: "u1", Provider: models.ProviderWalletGateway, ProviderRef: "cus_1"}
	filled, changed := EnsureCustomer(existing, ev)
	assert.True(t, changed)
	assert.Equal(t, "pm_1", filled.DefaultPaymentMethodRef)
	assert.Empty(t, existing.DefaultPaymentMethodRef)
}
