// internal/models/event.go
package models

import "time"

type Provider string

const (
	ProviderCardGateway   Provider = "CARD_GATEWAY"
	ProviderWalletGateway Provider = "WALLET_GATEWAY"
)

// Valid reports whether p is one of the known providers.
func (p Provider) Valid() bool {
	return p == ProviderCardGateway || p == ProviderWalletGateway
}

// EventKind is the closed set of canonical event kinds.
type EventKind string

const (
	KindPaymentSucceeded      EventKind = "PaymentSucceeded"
	KindPaymentFailed         EventKind = "PaymentFailed"
	KindPaymentRefunded       EventKind = "PaymentRefunded"
	KindInvoicePaid           EventKind = "InvoicePaid"
	KindInvoiceFailed         EventKind = "InvoiceFailed"
	KindSubscriptionCreated   EventKind = "SubscriptionCreated"
	KindSubscriptionActivated EventKind = "SubscriptionActivated"
	KindSubscriptionUpdated   EventKind = "SubscriptionUpdated"
	KindSubscriptionCanceled  EventKind = "SubscriptionCanceled"
	KindSubscriptionExpired   EventKind = "SubscriptionExpired"
	KindTrialWillEnd          EventKind = "TrialWillEnd"
)

type EntityType string

const (
	EntityPayment      EntityType = "payment"
	EntitySubscription EntityType = "subscription"
	EntityCustomer     EntityType = "customer"
)

// Entity returns the entity a kind of event acts on.
func (k EventKind) Entity() EntityType {
	switch k {
	case KindPaymentSucceeded, KindPaymentFailed, KindPaymentRefunded:
		return EntityPayment
	default:
		return EntitySubscription
	}
}

// Valid reports whether k is part of the canonical set.
func (k EventKind) Valid() bool {
	switch k {
	case KindPaymentSucceeded, KindPaymentFailed, KindPaymentRefunded,
		KindInvoicePaid, KindInvoiceFailed,
		KindSubscriptionCreated, KindSubscriptionActivated, KindSubscriptionUpdated,
		KindSubscriptionCanceled, KindSubscriptionExpired, KindTrialWillEnd:
		return true
	}
	return false
}

// CanonicalEvent is an immutable, provider-agnostic fact. (Provider, EventID)
// identifies it uniquely.
type CanonicalEvent struct {
	EventID    string       `json:"event_id"`
	Provider   Provider     `json:"provider"`
	Kind       EventKind    `json:"kind"`
	RawType    string       `json:"raw_type"`
	OccurredAt time.Time    `json:"occurred_at"`
	SubjectID  string       `json:"subject_id"`
	Payload    EventPayload `json:"payload"`
}

// EventPayload carries the provider attributes the state machines and
// dispatcher need. Unknown values are left zero.
type EventPayload struct {
	UserID            string            `json:"user_id,omitempty"`
	PlanID            string            `json:"plan_id,omitempty"`
	ProviderPlanRef   string            `json:"provider_plan_ref,omitempty"`
	CustomerRef       string            `json:"customer_ref,omitempty"`
	PaymentMethodRef  string            `json:"payment_method_ref,omitempty"`
	Amount            int64             `json:"amount,omitempty"`
	Currency          string            `json:"currency,omitempty"`
	RefundedAmount    int64             `json:"refunded_amount,omitempty"`
	RefundCumulative  bool              `json:"refund_cumulative,omitempty"`
	FailureReason     string            `json:"failure_reason,omitempty"`
	ProviderStatus    string            `json:"provider_status,omitempty"`
	PeriodStart       *time.Time        `json:"period_start,omitempty"`
	PeriodEnd         *time.Time        `json:"period_end,omitempty"`
	CancelAtPeriodEnd bool              `json:"cancel_at_period_end,omitempty"`
	Metadata          map[string]string `json:"metadata,omitempty"`
}
