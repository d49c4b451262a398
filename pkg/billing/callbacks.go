package billing

import (
	"github.com/creditkit/creditkit/pkg/creditkit"
)

// Callbacks is the notification interface exposed to the host application.
// Each method fires at most once per logical subscription transition, never
// per delivery, and always strictly after the corresponding durable state
// change committed. Callback failures are not reported back to the processor
// and never roll back committed state.
type Callbacks struct {
	// OnSubscriptionCreated fires when a subscription is first observed
	// active or trialing.
	OnSubscriptionCreated func(sub *creditkit.Subscription)

	// OnSubscriptionRenewed fires when a billing period rolls over on an
	// unchanged plan.
	OnSubscriptionRenewed func(sub *creditkit.Subscription)

	// OnSubscriptionPlanChanged fires when a subscription moves to a
	// different price. oldPriceID is the price before the change.
	OnSubscriptionPlanChanged func(sub *creditkit.Subscription, oldPriceID string)

	// OnSubscriptionCancelled fires on a real cancellation. Duplicate-
	// subscription cleanup is suppressed and never reaches this callback.
	OnSubscriptionCancelled func(sub *creditkit.Subscription)
}

// Notify dispatches a classified transition to the matching callback. Nil
// callbacks are skipped.
func (c *Callbacks) Notify(transition creditkit.Transition, sub *creditkit.Subscription) {
	if c == nil {
		return
	}
	switch transition.Kind {
	case creditkit.TransitionCreated:
		if c.OnSubscriptionCreated != nil {
			c.OnSubscriptionCreated(sub)
		}
	case creditkit.TransitionRenewed:
		if c.OnSubscriptionRenewed != nil {
			c.OnSubscriptionRenewed(sub)
		}
	case creditkit.TransitionPlanChanged:
		if c.OnSubscriptionPlanChanged != nil {
			c.OnSubscriptionPlanChanged(sub, transition.OldPriceID)
		}
	case creditkit.TransitionCancelled:
		if c.OnSubscriptionCancelled != nil {
			c.OnSubscriptionCancelled(sub)
		}
	}
}
