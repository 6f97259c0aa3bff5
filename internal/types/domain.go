// Package types defines the domain model, enums, and error taxonomy shared by
// every layer of the subscription sync service. It has no dependencies on the
// HTTP or storage layers.
package types

import "time"

// Subscription is the aggregate kept in sync with the billing provider.
// It is created by the checkout flow in pending status and mutated afterwards
// exclusively by the webhook reconciler, one event at a time.
type Subscription struct {
	// ID is the local identifier, assigned at creation, immutable.
	ID string `json:"id"`

	// OwnerID references the local user that owns this subscription.
	// Set once at creation; the reconciler never changes it.
	OwnerID string `json:"owner_id"`

	// ExternalID is the billing provider's subscription identifier. Unique,
	// immutable once set, and the key by which inbound events locate the
	// aggregate. Empty while the checkout flow is still provisional.
	ExternalID string `json:"external_id"`

	// ProviderCustomerID is the billing provider's customer identifier,
	// used for portal sessions and checkout reuse.
	ProviderCustomerID string `json:"-"`

	Status   SubscriptionStatus `json:"status"`
	PlanID   string             `json:"plan_id"`
	Quantity int64              `json:"quantity"`

	// CancelAt is set when cancellation is scheduled and cleared when a
	// payment or update reverses it.
	CancelAt *time.Time `json:"cancel_at,omitempty"`

	// LastAppliedEventID and LastAppliedEventAt record the most recently
	// applied inbound event. They are the linchpin for ordering: an event
	// whose occurred_at is not after LastAppliedEventAt must not mutate state.
	LastAppliedEventID string     `json:"last_applied_event_id,omitempty"`
	LastAppliedEventAt *time.Time `json:"last_applied_event_at,omitempty"`

	// Version increments on every successful transition (optimistic
	// concurrency for readers).
	Version int64 `json:"version"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// InboundEvent is a verified, classified webhook event. It is ephemeral:
// nothing of it is persisted beyond the idempotency record for its EventID.
type InboundEvent struct {
	// EventID is the provider-assigned unique identifier of the delivery's
	// logical event. Retried deliveries carry the same EventID.
	EventID string

	Kind EventKind

	// ExternalSubscriptionID locates the target aggregate.
	ExternalSubscriptionID string

	// OccurredAt is the provider's timestamp for when the underlying billing
	// change happened. Ordering decisions use this, never arrival time.
	OccurredAt time.Time

	// Kind-specific fields. Zero values mean "absent in the payload".
	Status   SubscriptionStatus
	PlanID   string
	Quantity int64
	CancelAt *time.Time
}
