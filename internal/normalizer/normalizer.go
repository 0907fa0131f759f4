// internal/normalizer/normalizer.go
package normalizer

import (
	"errors"
	"fmt"
	"strings"

	"payment-reconciler/internal/models"
)

var (
	ErrUnrecognizedEvent = errors.New("unrecognized event")
	ErrMalformedEvent    = errors.New("malformed event")
	ErrUnknownProvider   = errors.New("unknown provider")
)

// UnrecognizedEventError reports a provider event type outside the canonical
// mapping. It matches ErrUnrecognizedEvent.
type UnrecognizedEventError struct {
	Provider models.Provider
	Type     string
	EventID  string
}

func (e *UnrecognizedEventError) Error() string {
	return fmt.Sprintf("unrecognized %s event type %q (id %s)", e.Provider, e.Type, e.EventID)
}

func (e *UnrecognizedEventError) Is(target error) bool {
	return target == ErrUnrecognizedEvent
}

func malformed(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrMalformedEvent, fmt.Sprintf(format, args...))
}

// Adapter turns one provider's raw webhook body into a canonical event.
type Adapter interface {
	Normalize(raw []byte) (*models.CanonicalEvent, error)
}

// PlanMap maps provider plan or price references to internal plan ids.
type PlanMap map[string]string

// Resolve returns the internal plan for ref, falling back to ref itself.
func (m PlanMap) Resolve(ref string) string {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return ""
	}
	if plan, ok := m[ref]; ok && plan != "" {
		return plan
	}
	return ref
}

type Config struct {
	CardPlans   PlanMap
	WalletPlans PlanMap
}

type Normalizer struct {
	adapters map[models.Provider]Adapter
}

func New(cfg Config) *Normalizer {
	return &Normalizer{
		adapters: map[models.Provider]Adapter{
			models.ProviderCardGateway:   NewCardAdapter(cfg.CardPlans),
			models.ProviderWalletGateway: NewWalletAdapter(cfg.WalletPlans),
		},
	}
}

// Normalize maps a verified raw body to a canonical event. Unknown event types
// return *UnrecognizedEventError; undecodable bodies return ErrMalformedEvent.
func (n *Normalizer) Normalize(provider models.Provider, raw []byte) (*models.CanonicalEvent, error) {
	adapter, ok := n.adapters[provider]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, provider)
	}
	ev, err := adapter.Normalize(raw)
	if err != nil {
		return nil, err
	}
	if ev.SubjectID == "" {
		return nil, malformed("%s event %s has no subject", provider, ev.EventID)
	}
	return ev, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

func metadataValue(md map[string]string, keys ...string) string {
	for _, k := range keys {
		if v := strings.TrimSpace(md[k]); v != "" {
			return v
		}
	}
	return ""
}
