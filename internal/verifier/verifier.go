// internal/verifier/verifier.go
package verifier

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"payment-reconciler/internal/models"
)

// ErrSignatureInvalid is returned for every verification failure. Callers
// must not trust any part of a request that fails verification.
var ErrSignatureInvalid = errors.New("signature invalid")

func invalid(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrSignatureInvalid, fmt.Sprintf(format, args...))
}

// ProviderVerifier authenticates the raw body of one provider's webhooks.
type ProviderVerifier interface {
	Verify(ctx context.Context, rawBody []byte, headers http.Header) error
}

// Registry dispatches verification to the verifier registered for a provider.
type Registry struct {
	verifiers map[models.Provider]ProviderVerifier
}

func NewRegistry() *Registry {
	return &Registry{verifiers: make(map[models.Provider]ProviderVerifier)}
}

// Register installs v for provider, replacing any previous verifier.
func (r *Registry) Register(provider models.Provider, v ProviderVerifier) *Registry {
	r.verifiers[provider] = v
	return r
}

// Verify checks rawBody against headers for provider. A provider with no
// registered verifier is always rejected.
func (r *Registry) Verify(ctx context.Context, provider models.Provider, rawBody []byte, headers http.Header) error {
	if !provider.Valid() {
		return invalid("unknown provider %q", provider)
	}
	v, ok := r.verifiers[provider]
	if !ok {
		return invalid("no verifier for provider %s", provider)
	}
	return v.Verify(ctx, rawBody, headers)
}
