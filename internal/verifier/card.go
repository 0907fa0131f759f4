// internal/verifier/card.go
package verifier

import (
	"context"
	"net/http"
	"time"

	"github.com/stripe/stripe-go/v76/webhook"
)

const CardSignatureHeader = "Stripe-Signature"

// CardVerifier checks the timestamped HMAC-SHA256 card gateway signature over
// the raw request bytes.
type CardVerifier struct {
	secret    string
	tolerance time.Duration
}

func NewCardVerifier(secret string, tolerance time.Duration) *CardVerifier {
	if tolerance <= 0 {
		tolerance = webhook.DefaultTolerance
	}
	return &CardVerifier{secret: secret, tolerance: tolerance}
}

func (v *CardVerifier) Verify(_ context.Context, rawBody []byte, headers http.Header) error {
	if v.secret == "" {
		return invalid("card webhook secret not configured")
	}
	header := headers.Get(CardSignatureHeader)
	if header == "" {
		return invalid("missing %s header", CardSignatureHeader)
	}
	if err := webhook.ValidatePayloadWithTolerance(rawBody, header, v.secret, v.tolerance); err != nil {
		return invalid("card signature: %v", err)
	}
	return nil
}
