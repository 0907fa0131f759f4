// internal/statemachine/payment.go
package statemachine

import (
	"strings"

	"payment-reconciler/internal/models"
)

type PaymentMachine struct{}

// Apply applies ev to current. A nil current is constructed in CREATED from
// the event payload before the event is applied.
func (PaymentMachine) Apply(current *models.Payment, ev *models.CanonicalEvent) Result[*models.Payment] {
	if current != nil && current.Status.Terminal() {
		return Result[*models.Payment]{Next: current.Clone(), Note: NoteTerminalPayment}
	}

	res := Result[*models.Payment]{}
	pay := current.Clone()
	if pay == nil {
		pay = &models.Payment{
			Provider:    ev.Provider,
			ProviderRef: ev.SubjectID,
			Status:      models.PaymentStatusCreated,
		}
		res.Created = true
	}
	before := pay.Clone()

	p := ev.Payload
	if pay.UserID == "" {
		pay.UserID = p.UserID
	}
	if pay.Amount == 0 && p.Amount > 0 {
		pay.Amount = p.Amount
	}
	if pay.Currency == "" && p.Currency != "" {
		pay.Currency = strings.ToUpper(p.Currency)
	}
	pay.Metadata = mergeMetadata(pay.Metadata, p.Metadata)
	if pay.UserID != "" {
		if pay.Metadata == nil {
			pay.Metadata = make(map[string]string, 1)
		}
		pay.Metadata[models.MetadataUserID] = pay.UserID
	}

	switch ev.Kind {
	case models.KindPaymentSucceeded:
		if pay.Status == models.PaymentStatusSucceeded {
			res.Note = NoteDuplicateStatus
			break
		}
		pay.Status = models.PaymentStatusSucceeded
		pay.FailureReason = ""
	case models.KindPaymentFailed:
		if pay.Status == models.PaymentStatusSucceeded {
			res.Note = NoteIgnoredInState
			break
		}
		pay.Status = models.PaymentStatusFailed
		pay.FailureReason = p.FailureReason
		if pay.UserID != "" {
			res.Intents = append(res.Intents, intent(ev, models.TargetNotifyUser, pay.UserID, "",
				"Your payment could not be completed."))
		}
	case models.KindPaymentRefunded:
		// a refund proves the charge went through
		pay.Status = models.PaymentStatusSucceeded
		applyRefund(pay, p)
	default:
		res.Note = NoteUnsupportedKind
	}

	// a refund seen before the amount was known settles once the amount arrives
	if pay.Status == models.PaymentStatusSucceeded && settleRefund(pay) {
		res.Note = ""
	}

	res.Next = pay
	res.Changed = res.Created || !paymentEqual(before, pay)
	return res
}

// applyRefund accumulates refunded amounts. Cumulative payloads carry the
// provider's running total; incremental ones carry a single refund.
func applyRefund(pay *models.Payment, p models.EventPayload) {
	refunded := pay.RefundedAmount
	if p.RefundCumulative {
		if p.RefundedAmount > refunded {
			refunded = p.RefundedAmount
		}
	} else {
		refunded += p.RefundedAmount
	}
	pay.RefundedAmount = refunded
}

// settleRefund caps the refunded amount at the charge and marks the payment
// REFUNDED once the charge is fully returned. It reports whether it did.
func settleRefund(pay *models.Payment) bool {
	if pay.Amount <= 0 || pay.RefundedAmount <= 0 {
		return false
	}
	if pay.RefundedAmount > pay.Amount {
		pay.RefundedAmount = pay.Amount
	}
	if pay.RefundedAmount < pay.Amount {
		return false
	}
	pay.Status = models.PaymentStatusRefunded
	return true
}

func paymentEqual(a, b *models.Payment) bool {
	return a.UserID == b.UserID &&
		a.Amount == b.Amount &&
		a.Currency == b.Currency &&
		a.Status == b.Status &&
		a.RefundedAmount == b.RefundedAmount &&
		a.FailureReason == b.FailureReason &&
		metadataEqual(a.Metadata, b.Metadata)
}
