package billing

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/Curay1998/SAAS-POS-sub003/internal/types"
)

// Provider event type strings understood by the classifier. Everything else
// classifies as EventIgnored and is acknowledged without effect.
const (
	eventTypeInvoicePaid      = "invoice.paid"
	eventTypePaymentSucceeded = "invoice.payment_succeeded"
	eventTypeSubUpdated       = "customer.subscription.updated"
	eventTypeSubDeleted       = "customer.subscription.deleted"

	// eventTypeCheckoutCompleted is outside the reconciler's event kinds; it
	// feeds the provisioning linkage instead (see ParseCheckoutCompletion).
	eventTypeCheckoutCompleted = "checkout.session.completed"
)

// Classify parses a verified payload into an InboundEvent.
//
// Error taxonomy:
//   - webhook_payload_invalid (400): the body is not valid JSON. The provider
//     should not retry a malformed request.
//   - webhook_contract_drift (500): the body parses and the event type is
//     recognized, but a field this service depends on is missing. This is
//     surfaced as retryable because it signals a provider contract change
//     worth alerting on, not a client bug.
//
// Unrecognized event types are NOT errors: the returned event carries
// Kind=EventIgnored so the caller acknowledges the delivery and the provider
// stops retrying.
func Classify(payload []byte) (*types.InboundEvent, error) {
	var env eventEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, types.NewAppError(
			types.ErrCodeWebhookPayloadInvalid,
			"event payload is not valid JSON",
			err,
		)
	}

	kind, recognized := classifyKind(env.Type)
	if !recognized {
		return &types.InboundEvent{
			EventID:    env.ID,
			Kind:       types.EventIgnored,
			OccurredAt: time.Unix(env.Created, 0).UTC(),
		}, nil
	}

	if env.ID == "" {
		return nil, driftError(env.Type, "id")
	}
	if env.Created <= 0 {
		return nil, driftError(env.Type, "created")
	}

	ev := &types.InboundEvent{
		EventID: env.ID,
		Kind:    kind,
		// occurred_at is the provider's origination timestamp at the
		// provider's native resolution (Unix seconds). Ordering decisions
		// downstream use this, never arrival time.
		OccurredAt: time.Unix(env.Created, 0).UTC(),
	}

	switch kind {
	case types.EventPaymentSucceeded:
		if err := classifyInvoice(env.Type, env.Data.Object, ev); err != nil {
			return nil, err
		}
	case types.EventSubscriptionUpdated, types.EventSubscriptionCanceled:
		if err := classifySubscription(env.Type, env.Data.Object, ev); err != nil {
			return nil, err
		}
	}

	return ev, nil
}

// classifyKind maps the provider's event-type string onto the closed set of
// kinds this system understands.
func classifyKind(providerType string) (types.EventKind, bool) {
	switch providerType {
	case eventTypeInvoicePaid, eventTypePaymentSucceeded:
		return types.EventPaymentSucceeded, true
	case eventTypeSubUpdated:
		return types.EventSubscriptionUpdated, true
	case eventTypeSubDeleted:
		return types.EventSubscriptionCanceled, true
	default:
		return types.EventIgnored, false
	}
}

// MapProviderStatus translates the provider's subscription status vocabulary
// into the local four-state enum. The table is closed on purpose: an
// unrecognized status string is contract drift, not a value to guess at.
func MapProviderStatus(status string) (types.SubscriptionStatus, error) {
	switch status {
	case "active", "trialing":
		return types.SubStatusActive, nil
	case "past_due", "unpaid":
		return types.SubStatusPastDue, nil
	case "canceled", "incomplete_expired":
		return types.SubStatusCanceled, nil
	case "incomplete":
		return types.SubStatusPending, nil
	default:
		return "", types.NewAppErrorWithDetails(
			types.ErrCodeWebhookContractDrift,
			"provider sent a subscription status outside the known vocabulary",
			nil,
			map[string]any{"status": status},
		)
	}
}

// ---------------------------------------------------------------------------
// Payload shapes
// ---------------------------------------------------------------------------

// eventEnvelope is a minimal representation of a provider webhook event,
// tailored to extract only the fields needed for classification. The full
// provider event type is deliberately not imported: the webhook contract
// stays explicit and testing stays straightforward.
type eventEnvelope struct {
	ID      string    `json:"id"`
	Type    string    `json:"type"`
	Created int64     `json:"created"`
	Data    eventData `json:"data"`
}

type eventData struct {
	Object json.RawMessage `json:"object"`
}

// invoiceObj carries the minimal fields of an invoice event's data object.
type invoiceObj struct {
	Subscription string `json:"subscription"`
}

// subscriptionObj carries the minimal fields of a subscription event's data
// object.
type subscriptionObj struct {
	ID                string   `json:"id"`
	Status            string   `json:"status"`
	CancelAt          int64    `json:"cancel_at"`
	CancelAtPeriodEnd bool     `json:"cancel_at_period_end"`
	CurrentPeriodEnd  int64    `json:"current_period_end"`
	CanceledAt        int64    `json:"canceled_at"`
	Items             subItems `json:"items"`
}

type subItems struct {
	Data []subItem `json:"data"`
}

type subItem struct {
	Price    subPrice `json:"price"`
	Quantity int64    `json:"quantity"`
}

type subPrice struct {
	ID string `json:"id"`
}

// classifyInvoice extracts the subscription reference from an invoice object.
func classifyInvoice(providerType string, object json.RawMessage, ev *types.InboundEvent) error {
	var inv invoiceObj
	if err := json.Unmarshal(object, &inv); err != nil {
		return types.NewAppError(
			types.ErrCodeWebhookPayloadInvalid,
			"invoice object is not valid JSON",
			err,
		)
	}
	if inv.Subscription == "" {
		return driftError(providerType, "subscription")
	}
	ev.ExternalSubscriptionID = inv.Subscription
	return nil
}

// classifySubscription extracts status, plan, quantity, and cancellation
// scheduling from a subscription object.
func classifySubscription(providerType string, object json.RawMessage, ev *types.InboundEvent) error {
	var sub subscriptionObj
	if err := json.Unmarshal(object, &sub); err != nil {
		return types.NewAppError(
			types.ErrCodeWebhookPayloadInvalid,
			"subscription object is not valid JSON",
			err,
		)
	}
	if sub.ID == "" {
		return driftError(providerType, "id")
	}
	ev.ExternalSubscriptionID = sub.ID

	if ev.Kind == types.EventSubscriptionCanceled {
		// The effective cancellation time prefers the payload's canceled_at;
		// the reconciler falls back to occurred_at when absent.
		if sub.CanceledAt > 0 {
			t := time.Unix(sub.CanceledAt, 0).UTC()
			ev.CancelAt = &t
		}
		return nil
	}

	if sub.Status == "" {
		return driftError(providerType, "status")
	}
	status, err := MapProviderStatus(sub.Status)
	if err != nil {
		return err
	}
	ev.Status = status

	if len(sub.Items.Data) > 0 {
		ev.PlanID = sub.Items.Data[0].Price.ID
		ev.Quantity = sub.Items.Data[0].Quantity
	}

	// cancel_at_period_end schedules cancellation for the period boundary;
	// an explicit cancel_at timestamp takes that exact value. Neither being
	// present means any previously scheduled cancellation is reversed.
	switch {
	case sub.CancelAt > 0:
		t := time.Unix(sub.CancelAt, 0).UTC()
		ev.CancelAt = &t
	case sub.CancelAtPeriodEnd && sub.CurrentPeriodEnd > 0:
		t := time.Unix(sub.CurrentPeriodEnd, 0).UTC()
		ev.CancelAt = &t
	}

	return nil
}

// CheckoutCompletion carries the linkage fields of a completed checkout
// session: which provisional local row it belongs to and which provider
// identifiers to attach.
type CheckoutCompletion struct {
	LocalSubscriptionID    string
	ExternalSubscriptionID string
	ProviderCustomerID     string
}

// ParseCheckoutCompletion extracts provisioning linkage from a checkout
// completion event. Returns false when the payload is not a checkout
// completion or lacks the reference back to a local row. It never returns an
// error: checkout linkage is opportunistic, and a session this service did
// not create (no client_reference_id) is simply not ours.
func ParseCheckoutCompletion(payload []byte) (*CheckoutCompletion, bool) {
	var env struct {
		Type string `json:"type"`
		Data struct {
			Object struct {
				ClientReferenceID string `json:"client_reference_id"`
				Subscription      string `json:"subscription"`
				Customer          string `json:"customer"`
			} `json:"object"`
		} `json:"data"`
	}
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, false
	}
	if env.Type != eventTypeCheckoutCompleted || env.Data.Object.ClientReferenceID == "" {
		return nil, false
	}
	return &CheckoutCompletion{
		LocalSubscriptionID:    env.Data.Object.ClientReferenceID,
		ExternalSubscriptionID: env.Data.Object.Subscription,
		ProviderCustomerID:     env.Data.Object.Customer,
	}, true
}

// driftError builds the contract-drift AppError for a missing required field.
func driftError(providerType, field string) *types.AppError {
	return types.NewAppErrorWithDetails(
		types.ErrCodeWebhookContractDrift,
		fmt.Sprintf("%s event is missing required field %q", providerType, field),
		nil,
		map[string]any{"event_type": providerType, "field": field},
	)
}
