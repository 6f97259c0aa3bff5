package billing

import (
	"context"
	"errors"
	"log/slog"

	"github.com/Curay1998/SAAS-POS-sub003/internal/types"
)

// TxStore is the transactional view the reconciler operates through. All
// three operations run inside the single transaction opened by Store.InTx;
// the idempotency reservation and the aggregate mutation commit together or
// not at all.
type TxStore interface {
	// GetForUpdate locks the aggregate row for exclusive read-modify-write
	// and returns it. Concurrent deliveries for the same external ID
	// serialize on this lock. Returns an AppError with code
	// not_found_subscription when no aggregate matches.
	GetForUpdate(ctx context.Context, externalID string) (*types.Subscription, error)

	// ReserveEvent records the event ID in the idempotency ledger. Returns
	// false when a record already exists, meaning the event was durably
	// applied by an earlier delivery.
	ReserveEvent(ctx context.Context, eventID string) (bool, error)

	// Apply persists the mutated aggregate fields, bumps the version
	// counter, and stamps last_applied_event_id/last_applied_event_at from
	// the event -- atomically with the reservation made in this transaction.
	Apply(ctx context.Context, sub *types.Subscription) error
}

// Store opens the transactional boundary for one reconciliation.
type Store interface {
	InTx(ctx context.Context, fn func(ctx context.Context, tx TxStore) error) error
}

// Reconciler is the state machine that turns a classified event into the
// next subscription state:
//
//	pending  -> active | canceled
//	active   -> past_due | canceled
//	past_due -> active | canceled
//	canceled -> (terminal)
//
// Every mutation happens inside one store transaction together with the
// idempotency reservation, so a delivery either fully applies or leaves no
// trace; redelivery after a failed commit is safe.
type Reconciler struct {
	store  Store
	logger *slog.Logger
}

// NewReconciler creates a Reconciler backed by the given store.
func NewReconciler(store Store, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{store: store, logger: logger}
}

// Process applies the classified event and reports how the delivery was
// resolved. Every returned WebhookOutcome is an acknowledgment: duplicates,
// stale events, ignored kinds, and unknown subscriptions are all expected
// conditions, not errors. A non-nil error means nothing was committed and
// the delivery should be answered with a retryable status.
func (rc *Reconciler) Process(ctx context.Context, ev *types.InboundEvent) (types.WebhookOutcome, error) {
	if ev.Kind == types.EventIgnored {
		rc.logger.InfoContext(ctx, "ignoring unrecognized event kind",
			"event_id", ev.EventID,
		)
		return types.OutcomeIgnored, nil
	}

	outcome := types.OutcomeApplied
	err := rc.store.InTx(ctx, func(ctx context.Context, tx TxStore) error {
		sub, err := tx.GetForUpdate(ctx, ev.ExternalSubscriptionID)
		if err != nil {
			var appErr *types.AppError
			if errors.As(err, &appErr) && appErr.Code == types.ErrCodeNotFoundSubscription {
				// The local collaborator may not have created the row yet,
				// or this is a foreign/test event. Acknowledge without a
				// reservation so a redelivery after the row exists can
				// still apply.
				rc.logger.WarnContext(ctx, "event references unknown subscription",
					"event_id", ev.EventID,
					"external_id", ev.ExternalSubscriptionID,
				)
				outcome = types.OutcomeUnknownSubscription
				return nil
			}
			return err
		}

		reserved, err := tx.ReserveEvent(ctx, ev.EventID)
		if err != nil {
			return err
		}
		if !reserved {
			// Duplicate delivery: already durably applied. Identical
			// acknowledgment to the first delivery, no reapplication.
			outcome = types.OutcomeDuplicate
			return nil
		}

		if stale, reason := rc.isStale(sub, ev); stale {
			// Out-of-order delivery must not regress state. The reservation
			// above still commits so the provider's next retry of this
			// event short-circuits as a duplicate.
			rc.logger.InfoContext(ctx, "skipping stale event",
				"event_id", ev.EventID,
				"external_id", ev.ExternalSubscriptionID,
				"reason", reason,
			)
			outcome = types.OutcomeStale
			return nil
		}

		rc.transition(sub, ev)
		return tx.Apply(ctx, sub)
	})
	if err != nil {
		return "", err
	}

	if outcome == types.OutcomeApplied {
		rc.logger.InfoContext(ctx, "event applied",
			"event_id", ev.EventID,
			"external_id", ev.ExternalSubscriptionID,
			"kind", string(ev.Kind),
		)
	}
	return outcome, nil
}

// isStale reports whether the event must not mutate state: either the
// aggregate is terminal, or a causally later (or equal) event has already
// been applied. Equal origination times prefer the event already applied.
func (rc *Reconciler) isStale(sub *types.Subscription, ev *types.InboundEvent) (bool, string) {
	if sub.Status.IsTerminal() {
		return true, "subscription is canceled"
	}
	if sub.LastAppliedEventAt != nil && !ev.OccurredAt.After(*sub.LastAppliedEventAt) {
		return true, "older than last applied event"
	}
	return false, ""
}

// transition mutates the aggregate in place according to the transition
// table. Callers have already ruled out duplicates, staleness, and terminal
// states.
func (rc *Reconciler) transition(sub *types.Subscription, ev *types.InboundEvent) {
	switch ev.Kind {
	case types.EventPaymentSucceeded:
		sub.Status = types.SubStatusActive
		// A successful payment restores an active period, so any scheduled
		// cancellation is cleared.
		sub.CancelAt = nil

	case types.EventSubscriptionUpdated:
		sub.Status = ev.Status
		sub.PlanID = ev.PlanID
		sub.Quantity = ev.Quantity
		sub.CancelAt = ev.CancelAt

	case types.EventSubscriptionCanceled:
		sub.Status = types.SubStatusCanceled
		if ev.CancelAt != nil {
			sub.CancelAt = ev.CancelAt
		} else {
			t := ev.OccurredAt
			sub.CancelAt = &t
		}
	}

	sub.LastAppliedEventID = ev.EventID
	at := ev.OccurredAt
	sub.LastAppliedEventAt = &at
}
