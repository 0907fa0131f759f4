// internal/statemachine/subscription.go
package statemachine

import (
	"strings"
	"time"

	"payment-reconciler/internal/models"
)

// SubscriptionMachine computes subscription transitions. FreePlanID is the
// plan propagated when a subscription ends.
type SubscriptionMachine struct {
	FreePlanID string
}

// Provider statuses that mean the subscription exists but has not started billing.
var pendingProviderStatuses = map[string]bool{
	"incomplete":       true,
	"approval_pending": true,
	"approved":         true,
}

// Apply applies ev to current. A nil current is constructed in PENDING from
// the event payload before the event is applied.
func (m SubscriptionMachine) Apply(current *models.Subscription, ev *models.CanonicalEvent) Result[*models.Subscription] {
	if current != nil && current.Status.Terminal() {
		return Result[*models.Subscription]{Next: current.Clone(), Note: NoteTerminalSubscription}
	}

	res := Result[*models.Subscription]{}
	sub := current.Clone()
	if sub == nil {
		sub = &models.Subscription{
			Provider:    ev.Provider,
			ProviderRef: ev.SubjectID,
			Status:      models.SubscriptionStatusPending,
		}
		res.Created = true
	}
	before := sub.Clone()

	p := ev.Payload
	if sub.UserID == "" {
		sub.UserID = p.UserID
	}
	if sub.PlanID == "" {
		sub.PlanID = p.PlanID
	}
	sub.Metadata = mergeMetadata(sub.Metadata, p.Metadata)

	switch ev.Kind {
	case models.KindSubscriptionCreated, models.KindSubscriptionActivated:
		m.onStarted(sub, before, ev, &res)
	case models.KindInvoicePaid:
		m.onInvoicePaid(sub, ev, &res)
	case models.KindInvoiceFailed:
		if sub.Status == models.SubscriptionStatusActive {
			sub.Status = models.SubscriptionStatusPastDue
			m.notify(sub, ev, "Your latest subscription payment failed. Please update your payment method.", &res)
		} else {
			res.Note = NoteIgnoredInState
		}
	case models.KindSubscriptionUpdated:
		m.onUpdated(sub, before, ev, &res)
	case models.KindSubscriptionCanceled:
		m.end(sub, models.SubscriptionStatusCanceled, ev, &res)
	case models.KindSubscriptionExpired:
		m.end(sub, models.SubscriptionStatusExpired, ev, &res)
	case models.KindTrialWillEnd:
		m.notify(sub, ev, "Your trial is ending soon.", &res)
	default:
		res.Note = NoteUnsupportedKind
	}

	// a live subscription that only now learns its user still owes that user the plan
	if before.UserID == "" && sub.UserID != "" && sub.Status.Live() && !hasPlanIntent(res.Intents) {
		res.Note = ""
		m.propagatePlan(sub, sub.PlanID, ev, &res)
	}

	syncSubscriptionMetadata(sub)
	res.Next = sub
	res.Changed = res.Created || !subscriptionEqual(before, sub)
	return res
}

func (m SubscriptionMachine) onStarted(sub, before *models.Subscription, ev *models.CanonicalEvent, res *Result[*models.Subscription]) {
	p := ev.Payload
	applyPeriod(sub, p)
	if p.PlanID != "" {
		sub.PlanID = p.PlanID
	}

	switch sub.Status {
	case models.SubscriptionStatusPending:
		if pendingProviderStatuses[strings.ToLower(p.ProviderStatus)] {
			res.Note = "subscription awaiting provider activation"
			return
		}
		sub.Status = models.SubscriptionStatusActive
		m.propagatePlan(sub, sub.PlanID, ev, res)
	case models.SubscriptionStatusPastDue:
		if ev.Kind == models.KindSubscriptionActivated {
			sub.Status = models.SubscriptionStatusActive
		}
		if sub.PlanID != before.PlanID {
			m.propagatePlan(sub, sub.PlanID, ev, res)
		}
	case models.SubscriptionStatusActive:
		if sub.PlanID != before.PlanID {
			m.propagatePlan(sub, sub.PlanID, ev, res)
		} else {
			res.Note = NoteDuplicateStatus
		}
	}
}

func (m SubscriptionMachine) onInvoicePaid(sub *models.Subscription, ev *models.CanonicalEvent, res *Result[*models.Subscription]) {
	applyPeriod(sub, ev.Payload)
	switch sub.Status {
	case models.SubscriptionStatusPastDue:
		sub.Status = models.SubscriptionStatusActive
	case models.SubscriptionStatusPending:
		sub.Status = models.SubscriptionStatusActive
		m.propagatePlan(sub, sub.PlanID, ev, res)
	}
}

func (m SubscriptionMachine) onUpdated(sub, before *models.Subscription, ev *models.CanonicalEvent, res *Result[*models.Subscription]) {
	p := ev.Payload
	applyPeriod(sub, p)
	if p.PlanID != "" {
		sub.PlanID = p.PlanID
	}
	sub.CancelAtPeriodEnd = p.CancelAtPeriodEnd

	switch target, ok := statusFromProvider(p.ProviderStatus); {
	case ok && target.Terminal():
		m.end(sub, target, ev, res)
		return
	case ok && target != sub.Status:
		if target == models.SubscriptionStatusPending {
			// a started subscription never returns to pending
			break
		}
		from := sub.Status
		sub.Status = target
		if from == models.SubscriptionStatusPending {
			m.propagatePlan(sub, sub.PlanID, ev, res)
			return
		}
	}

	if sub.Status != models.SubscriptionStatusPending && sub.PlanID != before.PlanID && !res.Created {
		m.propagatePlan(sub, sub.PlanID, ev, res)
	}
}

func (m SubscriptionMachine) end(sub *models.Subscription, status models.SubscriptionStatus, ev *models.CanonicalEvent, res *Result[*models.Subscription]) {
	from := sub.Status
	sub.Status = status
	if status == models.SubscriptionStatusCanceled {
		sub.CancelAtPeriodEnd = false
	}
	// a subscription that never started granted nothing to take back
	if from == models.SubscriptionStatusPending {
		return
	}
	m.propagatePlan(sub, m.FreePlanID, ev, res)
}

// propagatePlan emits a plan update even when the user or plan is unknown so
// the dispatcher rejects it into the failure store instead of it vanishing.
func (m SubscriptionMachine) propagatePlan(sub *models.Subscription, planID string, ev *models.CanonicalEvent, res *Result[*models.Subscription]) {
	if sub.UserID == "" || planID == "" {
		res.Note = NoteMissingUser
	}
	res.Intents = append(res.Intents, intent(ev, models.TargetUpdateUserPlan, sub.UserID, planID, ""))
}

// hasPlanIntent reports whether a deliverable plan update was already emitted.
func hasPlanIntent(intents []models.SideEffectIntent) bool {
	for _, in := range intents {
		if in.Target == models.TargetUpdateUserPlan && in.UserID != "" {
			return true
		}
	}
	return false
}

func (m SubscriptionMachine) notify(sub *models.Subscription, ev *models.CanonicalEvent, message string, res *Result[*models.Subscription]) {
	if sub.UserID == "" {
		res.Note = NoteMissingUser
		return
	}
	res.Intents = append(res.Intents, intent(ev, models.TargetNotifyUser, sub.UserID, "", message))
}

// statusFromProvider maps provider subscription statuses onto local ones.
func statusFromProvider(status string) (models.SubscriptionStatus, bool) {
	switch strings.ToLower(status) {
	case "active", "trialing":
		return models.SubscriptionStatusActive, true
	case "past_due", "unpaid", "suspended":
		return models.SubscriptionStatusPastDue, true
	case "canceled", "cancelled":
		return models.SubscriptionStatusCanceled, true
	case "incomplete_expired", "expired":
		return models.SubscriptionStatusExpired, true
	case "incomplete", "approval_pending", "approved":
		return models.SubscriptionStatusPending, true
	}
	return "", false
}

func applyPeriod(sub *models.Subscription, p models.EventPayload) {
	if p.PeriodStart != nil {
		t := *p.PeriodStart
		sub.CurrentPeriodStart = &t
	}
	if p.PeriodEnd != nil {
		t := *p.PeriodEnd
		sub.CurrentPeriodEnd = &t
	}
}

func syncSubscriptionMetadata(sub *models.Subscription) {
	if sub.UserID == "" && sub.PlanID == "" {
		return
	}
	if sub.Metadata == nil {
		sub.Metadata = make(map[string]string, 2)
	}
	if sub.UserID != "" {
		sub.Metadata[models.MetadataUserID] = sub.UserID
	}
	if sub.PlanID != "" {
		sub.Metadata[models.MetadataPlanID] = sub.PlanID
	}
}

func subscriptionEqual(a, b *models.Subscription) bool {
	return a.UserID == b.UserID &&
		a.PlanID == b.PlanID &&
		a.Status == b.Status &&
		timeEqual(a.CurrentPeriodStart, b.CurrentPeriodStart) &&
		timeEqual(a.CurrentPeriodEnd, b.CurrentPeriodEnd) &&
		a.CancelAtPeriodEnd == b.CancelAtPeriodEnd &&
		metadataEqual(a.Metadata, b.Metadata)
}

func timeEqual(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}
