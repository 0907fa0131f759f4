// internal/normalizer/card.go
package normalizer

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v76"

	"payment-reconciler/internal/models"
)

var cardKinds = map[stripe.EventType]models.EventKind{
	stripe.EventTypePaymentIntentSucceeded:           models.KindPaymentSucceeded,
	stripe.EventTypeCheckoutSessionCompleted:         models.KindPaymentSucceeded,
	stripe.EventTypePaymentIntentPaymentFailed:       models.KindPaymentFailed,
	stripe.EventTypeChargeRefunded:                   models.KindPaymentRefunded,
	stripe.EventTypeInvoicePaymentSucceeded:          models.KindInvoicePaid,
	stripe.EventTypeInvoicePaymentFailed:             models.KindInvoiceFailed,
	stripe.EventTypeCustomerSubscriptionCreated:      models.KindSubscriptionCreated,
	stripe.EventTypeCustomerSubscriptionUpdated:      models.KindSubscriptionUpdated,
	stripe.EventTypeCustomerSubscriptionDeleted:      models.KindSubscriptionCanceled,
	stripe.EventTypeCustomerSubscriptionTrialWillEnd: models.KindTrialWillEnd,
}

// CardAdapter decodes card gateway events with the stripe-go object types.
type CardAdapter struct {
	plans PlanMap
}

func NewCardAdapter(plans PlanMap) *CardAdapter {
	return &CardAdapter{plans: plans}
}

func (a *CardAdapter) Normalize(raw []byte) (*models.CanonicalEvent, error) {
	var evt stripe.Event
	if err := json.Unmarshal(raw, &evt); err != nil {
		return nil, malformed("decode card event: %v", err)
	}
	if evt.ID == "" || evt.Type == "" {
		return nil, malformed("card event missing id or type")
	}

	kind, ok := cardKinds[evt.Type]
	if !ok {
		return nil, &UnrecognizedEventError{Provider: models.ProviderCardGateway, Type: string(evt.Type), EventID: evt.ID}
	}
	if evt.Data == nil || len(evt.Data.Raw) == 0 {
		return nil, malformed("card event %s has no data object", evt.ID)
	}

	ev := &models.CanonicalEvent{
		EventID:    evt.ID,
		Provider:   models.ProviderCardGateway,
		Kind:       kind,
		RawType:    string(evt.Type),
		OccurredAt: time.Unix(evt.Created, 0).UTC(),
	}

	var err error
	switch evt.Type {
	case stripe.EventTypePaymentIntentSucceeded, stripe.EventTypePaymentIntentPaymentFailed:
		err = a.paymentIntent(evt.Data.Raw, ev)
	case stripe.EventTypeCheckoutSessionCompleted:
		err = a.checkoutSession(evt.Data.Raw, ev)
	case stripe.EventTypeChargeRefunded:
		err = a.charge(evt.Data.Raw, ev)
	case stripe.EventTypeInvoicePaymentSucceeded, stripe.EventTypeInvoicePaymentFailed:
		err = a.invoice(evt.Data.Raw, ev)
	default:
		err = a.subscription(evt.Data.Raw, ev)
	}
	if err != nil {
		return nil, err
	}
	return ev, nil
}

func (a *CardAdapter) paymentIntent(raw json.RawMessage, ev *models.CanonicalEvent) error {
	var pi stripe.PaymentIntent
	if err := json.Unmarshal(raw, &pi); err != nil {
		return malformed("decode payment intent: %v", err)
	}

	ev.SubjectID = pi.ID
	ev.Payload = models.EventPayload{
		UserID:         metadataValue(pi.Metadata, "userId", "user_id"),
		PlanID:         metadataValue(pi.Metadata, "planId", "plan_id"),
		Amount:         pi.Amount,
		Currency:       strings.ToUpper(string(pi.Currency)),
		ProviderStatus: string(pi.Status),
		Metadata:       pi.Metadata,
	}
	if pi.Customer != nil {
		ev.Payload.CustomerRef = pi.Customer.ID
	}
	if pi.PaymentMethod != nil {
		ev.Payload.PaymentMethodRef = pi.PaymentMethod.ID
	}
	if pi.LastPaymentError != nil {
		ev.Payload.FailureReason = firstNonEmpty(pi.LastPaymentError.Msg, string(pi.LastPaymentError.Code))
	}
	return nil
}

func (a *CardAdapter) checkoutSession(raw json.RawMessage, ev *models.CanonicalEvent) error {
	var cs stripe.CheckoutSession
	if err := json.Unmarshal(raw, &cs); err != nil {
		return malformed("decode checkout session: %v", err)
	}

	// the payment intent is the shared key with payment_intent.* events
	ev.SubjectID = cs.ID
	if cs.PaymentIntent != nil && cs.PaymentIntent.ID != "" {
		ev.SubjectID = cs.PaymentIntent.ID
	}
	ev.Payload = models.EventPayload{
		UserID:         firstNonEmpty(metadataValue(cs.Metadata, "userId", "user_id"), cs.ClientReferenceID),
		PlanID:         metadataValue(cs.Metadata, "planId", "plan_id"),
		Amount:         cs.AmountTotal,
		Currency:       strings.ToUpper(string(cs.Currency)),
		ProviderStatus: string(cs.PaymentStatus),
		Metadata:       cs.Metadata,
	}
	if cs.Customer != nil {
		ev.Payload.CustomerRef = cs.Customer.ID
	}
	return nil
}

func (a *CardAdapter) charge(raw json.RawMessage, ev *models.CanonicalEvent) error {
	var ch stripe.Charge
	if err := json.Unmarshal(raw, &ch); err != nil {
		return malformed("decode charge: %v", err)
	}

	ev.SubjectID = ch.ID
	if ch.PaymentIntent != nil && ch.PaymentIntent.ID != "" {
		ev.SubjectID = ch.PaymentIntent.ID
	}
	ev.Payload = models.EventPayload{
		UserID:           metadataValue(ch.Metadata, "userId", "user_id"),
		Amount:           ch.Amount,
		Currency:         strings.ToUpper(string(ch.Currency)),
		RefundedAmount:   ch.AmountRefunded,
		RefundCumulative: true,
		Metadata:         ch.Metadata,
	}
	if ch.Customer != nil {
		ev.Payload.CustomerRef = ch.Customer.ID
	}
	return nil
}

func (a *CardAdapter) invoice(raw json.RawMessage, ev *models.CanonicalEvent) error {
	var inv stripe.Invoice
	if err := json.Unmarshal(raw, &inv); err != nil {
		return malformed("decode invoice: %v", err)
	}
	if inv.Subscription == nil || inv.Subscription.ID == "" {
		// one-off invoices have no subscription to reconcile
		return &UnrecognizedEventError{Provider: models.ProviderCardGateway, Type: ev.RawType, EventID: ev.EventID}
	}

	ev.SubjectID = inv.Subscription.ID
	ev.Payload = models.EventPayload{
		UserID:   metadataValue(inv.Metadata, "userId", "user_id"),
		PlanID:   metadataValue(inv.Metadata, "planId", "plan_id"),
		Amount:   inv.AmountPaid,
		Currency: strings.ToUpper(string(inv.Currency)),
		Metadata: inv.Metadata,
	}
	if ev.Kind == models.KindInvoiceFailed {
		ev.Payload.Amount = inv.AmountDue
	}
	if inv.Customer != nil {
		ev.Payload.CustomerRef = inv.Customer.ID
	}

	if inv.Lines != nil && len(inv.Lines.Data) > 0 {
		line := inv.Lines.Data[0]
		if line.Period != nil {
			ev.Payload.PeriodStart = unixTime(line.Period.Start)
			ev.Payload.PeriodEnd = unixTime(line.Period.End)
		}
		if line.Price != nil {
			ev.Payload.ProviderPlanRef = line.Price.ID
		}
		if ev.Payload.UserID == "" {
			ev.Payload.UserID = metadataValue(line.Metadata, "userId", "user_id")
		}
	}
	if ev.Payload.PlanID == "" {
		ev.Payload.PlanID = a.plans.Resolve(ev.Payload.ProviderPlanRef)
	}
	return nil
}

func (a *CardAdapter) subscription(raw json.RawMessage, ev *models.CanonicalEvent) error {
	var sub stripe.Subscription
	if err := json.Unmarshal(raw, &sub); err != nil {
		return malformed("decode subscription: %v", err)
	}

	ev.SubjectID = sub.ID
	ev.Payload = models.EventPayload{
		UserID:            metadataValue(sub.Metadata, "userId", "user_id"),
		PlanID:            metadataValue(sub.Metadata, "planId", "plan_id"),
		ProviderStatus:    string(sub.Status),
		PeriodStart:       unixTime(sub.CurrentPeriodStart),
		PeriodEnd:         unixTime(sub.CurrentPeriodEnd),
		CancelAtPeriodEnd: sub.CancelAtPeriodEnd,
		Metadata:          sub.Metadata,
	}
	if sub.Customer != nil {
		ev.Payload.CustomerRef = sub.Customer.ID
	}
	if sub.DefaultPaymentMethod != nil {
		ev.Payload.PaymentMethodRef = sub.DefaultPaymentMethod.ID
	}
	if sub.Items != nil && len(sub.Items.Data) > 0 && sub.Items.Data[0].Price != nil {
		ev.Payload.ProviderPlanRef = sub.Items.Data[0].Price.ID
	}
	if mapped := a.plans.Resolve(ev.Payload.ProviderPlanRef); mapped != "" {
		// the price mapping wins over stale metadata on plan changes
		if _, ok := a.plans[ev.Payload.ProviderPlanRef]; ok || ev.Payload.PlanID == "" {
			ev.Payload.PlanID = mapped
		}
	}
	return nil
}

func unixTime(sec int64) *time.Time {
	if sec == 0 {
		return nil
	}
	t := time.Unix(sec, 0).UTC()
	return &t
}
