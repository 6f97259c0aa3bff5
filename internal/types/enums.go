package types

// SubscriptionStatus represents the lifecycle state of a subscription.
// Transitions only happen through the webhook reconciler:
//
//	pending  -> active | canceled
//	active   -> past_due | canceled
//	past_due -> active | canceled
//	canceled -> (terminal)
type SubscriptionStatus string

const (
	SubStatusPending  SubscriptionStatus = "pending"
	SubStatusActive   SubscriptionStatus = "active"
	SubStatusPastDue  SubscriptionStatus = "past_due"
	SubStatusCanceled SubscriptionStatus = "canceled"
)

// IsTerminal reports whether no further transitions may be applied.
func (s SubscriptionStatus) IsTerminal() bool {
	return s == SubStatusCanceled
}

// EventKind is the closed set of webhook event kinds this service understands.
type EventKind string

const (
	EventPaymentSucceeded     EventKind = "payment_succeeded"
	EventSubscriptionUpdated  EventKind = "subscription_updated"
	EventSubscriptionCanceled EventKind = "subscription_canceled"
	// EventIgnored is assigned to any provider event type outside the closed
	// set. Ignored events are acknowledged so the provider stops retrying.
	EventIgnored EventKind = "ignored"
)

// WebhookOutcome describes how a delivery was resolved. Used for logging and
// metrics dimensions; every outcome listed here is acknowledged with 200.
type WebhookOutcome string

const (
	OutcomeApplied             WebhookOutcome = "applied"
	OutcomeDuplicate           WebhookOutcome = "duplicate"
	OutcomeStale               WebhookOutcome = "stale"
	OutcomeIgnored             WebhookOutcome = "ignored"
	OutcomeUnknownSubscription WebhookOutcome = "unknown_subscription"
)
