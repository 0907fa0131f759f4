// internal/normalizer/wallet.go
package normalizer

import (
	"encoding/json"
	"strings"
	"time"

	"payment-reconciler/internal/models"
)

var walletKinds = map[string]models.EventKind{
	"PAYMENT.CAPTURE.COMPLETED":              models.KindPaymentSucceeded,
	"PAYMENT.CAPTURE.DENIED":                 models.KindPaymentFailed,
	"PAYMENT.CAPTURE.REFUNDED":               models.KindPaymentRefunded,
	"BILLING.SUBSCRIPTION.PAYMENT.COMPLETED": models.KindInvoicePaid,
	"PAYMENT.SALE.COMPLETED":                 models.KindInvoicePaid,
	"BILLING.SUBSCRIPTION.PAYMENT.FAILED":    models.KindInvoiceFailed,
	"BILLING.SUBSCRIPTION.CREATED":           models.KindSubscriptionCreated,
	"BILLING.SUBSCRIPTION.ACTIVATED":         models.KindSubscriptionActivated,
	"BILLING.SUBSCRIPTION.CANCELLED":         models.KindSubscriptionCanceled,
	"BILLING.SUBSCRIPTION.EXPIRED":           models.KindSubscriptionExpired,
}

type walletEvent struct {
	ID           string          `json:"id"`
	EventType    string          `json:"event_type"`
	CreateTime   string          `json:"create_time"`
	ResourceType string          `json:"resource_type"`
	Resource     json.RawMessage `json:"resource"`
}

type walletAmount struct {
	CurrencyCode string `json:"currency_code"`
	Value        string `json:"value"`
	// sale resources use the v1 shape
	Currency string `json:"currency"`
	Total    string `json:"total"`
}

type walletLink struct {
	Href string `json:"href"`
	Rel  string `json:"rel"`
}

type walletResource struct {
	ID                 string        `json:"id"`
	Status             string        `json:"status"`
	CustomID           string        `json:"custom_id"`
	Custom             string        `json:"custom"`
	PlanID             string        `json:"plan_id"`
	BillingAgreementID string        `json:"billing_agreement_id"`
	StartTime          string        `json:"start_time"`
	Amount             *walletAmount `json:"amount"`
	Subscriber         *struct {
		PayerID string `json:"payer_id"`
	} `json:"subscriber"`
	BillingInfo *struct {
		NextBillingTime string `json:"next_billing_time"`
		LastPayment     *struct {
			Amount walletAmount `json:"amount"`
			Time   string       `json:"time"`
		} `json:"last_payment"`
	} `json:"billing_info"`
	StatusDetails *struct {
		Reason string `json:"reason"`
	} `json:"status_details"`
	Links []walletLink `json:"links"`
}

// WalletAdapter decodes wallet gateway webhook events.
type WalletAdapter struct {
	plans PlanMap
}

func NewWalletAdapter(plans PlanMap) *WalletAdapter {
	return &WalletAdapter{plans: plans}
}

func (a *WalletAdapter) Normalize(raw []byte) (*models.CanonicalEvent, error) {
	var evt walletEvent
	if err := json.Unmarshal(raw, &evt); err != nil {
		return nil, malformed("decode wallet event: %v", err)
	}
	if evt.ID == "" || evt.EventType == "" {
		return nil, malformed("wallet event missing id or event_type")
	}

	kind, ok := walletKinds[evt.EventType]
	if !ok {
		return nil, &UnrecognizedEventError{Provider: models.ProviderWalletGateway, Type: evt.EventType, EventID: evt.ID}
	}
	if len(evt.Resource) == 0 {
		return nil, malformed("wallet event %s has no resource", evt.ID)
	}

	var res walletResource
	if err := json.Unmarshal(evt.Resource, &res); err != nil {
		return nil, malformed("decode wallet resource: %v", err)
	}

	ev := &models.CanonicalEvent{
		EventID:  evt.ID,
		Provider: models.ProviderWalletGateway,
		Kind:     kind,
		RawType:  evt.EventType,
	}
	if t := parseTime(evt.CreateTime); t != nil {
		ev.OccurredAt = *t
	}

	ev.Payload = models.EventPayload{
		UserID:         firstNonEmpty(res.CustomID, res.Custom),
		ProviderStatus: res.Status,
	}

	switch kind {
	case models.KindPaymentSucceeded, models.KindPaymentFailed:
		ev.SubjectID = res.ID
		if err := a.applyAmount(res.Amount, &ev.Payload.Amount, &ev.Payload.Currency); err != nil {
			return nil, err
		}
		if kind == models.KindPaymentFailed {
			ev.Payload.FailureReason = "capture denied"
			if res.StatusDetails != nil && res.StatusDetails.Reason != "" {
				ev.Payload.FailureReason = res.StatusDetails.Reason
			}
		}
	case models.KindPaymentRefunded:
		ev.SubjectID = firstNonEmpty(capturedFrom(res.Links), res.ID)
		if err := a.applyAmount(res.Amount, &ev.Payload.RefundedAmount, &ev.Payload.Currency); err != nil {
			return nil, err
		}
	case models.KindInvoicePaid, models.KindInvoiceFailed:
		if evt.EventType == "PAYMENT.SALE.COMPLETED" && res.BillingAgreementID == "" {
			// sales outside a subscription are covered by capture events
			return nil, &UnrecognizedEventError{Provider: models.ProviderWalletGateway, Type: evt.EventType, EventID: evt.ID}
		}
		ev.SubjectID = firstNonEmpty(res.BillingAgreementID, res.ID)
		if err := a.applyAmount(res.Amount, &ev.Payload.Amount, &ev.Payload.Currency); err != nil {
			return nil, err
		}
		a.applySubscription(&res, &ev.Payload)
	default:
		ev.SubjectID = res.ID
		a.applySubscription(&res, &ev.Payload)
	}

	return ev, nil
}

func (a *WalletAdapter) applySubscription(res *walletResource, p *models.EventPayload) {
	if res.PlanID != "" {
		p.ProviderPlanRef = res.PlanID
		p.PlanID = a.plans.Resolve(res.PlanID)
	}
	if res.Subscriber != nil {
		p.CustomerRef = res.Subscriber.PayerID
	}
	p.PeriodStart = parseTime(res.StartTime)
	if bi := res.BillingInfo; bi != nil {
		if bi.LastPayment != nil {
			if t := parseTime(bi.LastPayment.Time); t != nil {
				p.PeriodStart = t
			}
		}
		p.PeriodEnd = parseTime(bi.NextBillingTime)
	}
}

func (a *WalletAdapter) applyAmount(amt *walletAmount, value *int64, currency *string) error {
	if amt == nil {
		return nil
	}
	code := strings.ToUpper(firstNonEmpty(amt.CurrencyCode, amt.Currency))
	raw := firstNonEmpty(amt.Value, amt.Total)
	if raw == "" {
		return nil
	}
	minor, err := ToMinorUnits(raw, code)
	if err != nil {
		return malformed("wallet amount %q: %v", raw, err)
	}
	*value = minor
	*currency = code
	return nil
}

// capturedFrom returns the capture id a refund resource points back to.
func capturedFrom(links []walletLink) string {
	for _, l := range links {
		if l.Rel != "up" {
			continue
		}
		href := strings.TrimRight(l.Href, "/")
		if i := strings.LastIndex(href, "/captures/"); i >= 0 {
			return href[i+len("/captures/"):]
		}
	}
	return ""
}

func parseTime(s string) *time.Time {
	if s == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return nil
	}
	t = t.UTC()
	return &t
}
