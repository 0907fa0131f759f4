// internal/statemachine/customer.go
package statemachine

import "payment-reconciler/internal/models"

// EnsureCustomer returns the customer mapping for the event's user and
// whether it needs to be written. Customers are created lazily and never
// transition; only a missing default payment method is filled in.
func EnsureCustomer(current *models.Customer, ev *models.CanonicalEvent) (*models.Customer, bool) {
	p := ev.Payload
	if current == nil {
		if p.UserID == "" || p.CustomerRef == "" {
			return nil, false
		}
		return &models.Customer{
			UserID:                  p.UserID,
			Provider:                ev.Provider,
			ProviderRef:             p.CustomerRef,
			DefaultPaymentMethodRef: p.PaymentMethodRef,
		}, true
	}

	next := *current
	if next.DefaultPaymentMethodRef == "" && p.PaymentMethodRef != "" {
		next.DefaultPaymentMethodRef = p.PaymentMethodRef
		return &next, true
	}
	return &next, false
}
