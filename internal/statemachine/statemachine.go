// internal/statemachine/statemachine.go
package statemachine

import (
	"payment-reconciler/internal/models"
)

// Notes attached to results that did not transition.
const (
	NoteTerminalSubscription = "event on terminal subscription"
	NoteTerminalPayment      = "event on terminal payment"
	NoteDuplicateStatus      = "entity already in target status"
	NoteUnsupportedKind      = "event kind not handled by this machine"
	NoteIgnoredInState       = "event has no effect in current status"
	NoteMissingUser          = "side effect skipped: no user on entity"
)

// Result is the outcome of applying one canonical event to an entity. Next is
// always a copy; the caller's value is never mutated.
type Result[T any] struct {
	Next    T
	Changed bool
	Created bool
	Intents []models.SideEffectIntent
	Note    string
}

func intent(ev *models.CanonicalEvent, target models.IntentTarget, userID, planID, message string) models.SideEffectIntent {
	return models.SideEffectIntent{
		Target:         target,
		UserID:         userID,
		PlanID:         planID,
		Message:        message,
		Provider:       ev.Provider,
		EventID:        ev.EventID,
		IdempotencyKey: models.IntentKey(ev.Provider, ev.EventID, target),
	}
}

func mergeMetadata(dst, src map[string]string) map[string]string {
	if len(src) == 0 {
		return dst
	}
	if dst == nil {
		dst = make(map[string]string, len(src))
	}
	for k, v := range src {
		if _, ok := dst[k]; !ok {
			dst[k] = v
		}
	}
	return dst
}

func metadataEqual(a, b map[string]string) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if bv, ok := b[k]; !ok || bv != v {
			return false
		}
	}
	return true
}
