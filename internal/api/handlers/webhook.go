// Package handlers contains the HTTP handler implementations for the
// subscription sync API.
//
// The webhook handler is NOT behind any auth middleware: it is called
// directly by the billing provider, and the HMAC signature on the payload is
// its authentication.
package handlers

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/Curay1998/SAAS-POS-sub003/internal/billing"
	"github.com/Curay1998/SAAS-POS-sub003/internal/core"
	"github.com/Curay1998/SAAS-POS-sub003/internal/metrics"
	"github.com/Curay1998/SAAS-POS-sub003/internal/types"
)

// maxWebhookBodySize caps webhook payloads at 64 KB. Provider events are
// small; the limit protects against abuse on an unauthenticated endpoint.
const maxWebhookBodySize = 64 * 1024

// PayloadVerifier checks the provider signature over the raw body bytes.
type PayloadVerifier interface {
	Verify(payload []byte, header string) error
}

// EventProcessor applies a classified event to local state.
type EventProcessor interface {
	Process(ctx context.Context, ev *types.InboundEvent) (types.WebhookOutcome, error)
}

// ExternalLinker attaches provider identifiers to a provisional local row.
// This is the slice of the subscription repository the checkout-completion
// path needs.
type ExternalLinker interface {
	LinkExternal(ctx context.Context, id, externalID, providerCustomerID string) error
}

// WebhookHandler receives billing provider deliveries on
// POST /v1/webhooks/billing.
//
// Response contract:
//   - 200: delivery resolved (applied, duplicate, stale, ignored, or for an
//     unknown subscription). The provider must not redeliver.
//   - 400: the delivery itself is defective (bad signature, malformed header
//     or body). Redelivering the same bytes can never succeed.
//   - 500: processing failed transiently (storage down, contract drift).
//     Nothing was committed; the provider should redeliver.
type WebhookHandler struct {
	verifier  PayloadVerifier
	processor EventProcessor
	linker    ExternalLinker
	collector metrics.Collector
	logger    *slog.Logger
}

// NewWebhookHandler creates a WebhookHandler with its dependencies.
func NewWebhookHandler(
	verifier PayloadVerifier,
	processor EventProcessor,
	linker ExternalLinker,
	collector metrics.Collector,
	logger *slog.Logger,
) *WebhookHandler {
	if collector == nil {
		collector = metrics.NoopCollector{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &WebhookHandler{
		verifier:  verifier,
		processor: processor,
		linker:    linker,
		collector: collector,
		logger:    logger,
	}
}

// RegisterRoutes mounts the webhook endpoint. Kept separate from the billing
// routes because webhook routes are public.
func (h *WebhookHandler) RegisterRoutes(r chi.Router) {
	r.Post("/webhooks/billing", h.Handle)
}

// Handle processes one provider delivery: read raw bytes, verify signature,
// classify, reconcile, acknowledge.
func (h *WebhookHandler) Handle(w http.ResponseWriter, r *http.Request) {
	started := time.Now()
	ctx := r.Context()

	// The raw bytes must be captured before any parsing: the signature
	// covers exactly what the provider sent.
	r.Body = http.MaxBytesReader(w, r.Body, maxWebhookBodySize)
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		h.reject(w, r, started, types.NewAppError(
			types.ErrCodeWebhookPayloadInvalid,
			"failed to read request body",
			err,
		))
		return
	}

	sigHeader := r.Header.Get("Billing-Signature")
	if sigHeader == "" {
		h.reject(w, r, started, types.NewAppError(
			types.ErrCodeWebhookHeaderMalformed,
			"missing Billing-Signature header",
			nil,
		))
		return
	}

	if err := h.verifier.Verify(payload, sigHeader); err != nil {
		h.logger.WarnContext(ctx, "webhook signature verification failed", "error", err)
		h.reject(w, r, started, err)
		return
	}

	ev, err := billing.Classify(payload)
	if err != nil {
		h.reject(w, r, started, err)
		return
	}

	// Checkout completions are provisioning linkage, not state transitions:
	// attach the provider identifiers to the provisional row, then
	// acknowledge. A linkage failure must surface as 500 so the provider
	// redelivers; until the link exists, this subscription's events resolve
	// as unknown.
	if cc, ok := billing.ParseCheckoutCompletion(payload); ok {
		h.handleCheckoutCompletion(w, r, cc, started)
		return
	}

	outcome, err := h.processor.Process(ctx, ev)
	if err != nil {
		h.logger.ErrorContext(ctx, "webhook processing failed",
			"event_id", ev.EventID,
			"kind", string(ev.Kind),
			"error", err,
		)
		h.reject(w, r, started, err)
		return
	}

	h.collector.RecordOutcome(ctx, outcome)
	h.collector.RecordLatency(ctx, time.Since(started))

	core.JSON(w, r, http.StatusOK, core.APIResponse{
		Data: map[string]string{"outcome": string(outcome)},
	})
}

func (h *WebhookHandler) handleCheckoutCompletion(w http.ResponseWriter, r *http.Request, cc *billing.CheckoutCompletion, started time.Time) {
	ctx := r.Context()

	err := h.linker.LinkExternal(ctx, cc.LocalSubscriptionID, cc.ExternalSubscriptionID, cc.ProviderCustomerID)
	if err != nil {
		var appErr *types.AppError
		if errors.As(err, &appErr) && appErr.Code == types.ErrCodeNotFoundSubscription {
			// A checkout session referencing a row we never created. Not
			// ours to link; acknowledge so the provider stops retrying.
			h.logger.WarnContext(ctx, "checkout completion references unknown local subscription",
				"local_id", cc.LocalSubscriptionID,
			)
			h.collector.RecordOutcome(ctx, types.OutcomeUnknownSubscription)
			h.collector.RecordLatency(ctx, time.Since(started))
			core.JSON(w, r, http.StatusOK, core.APIResponse{
				Data: map[string]string{"outcome": string(types.OutcomeUnknownSubscription)},
			})
			return
		}
		if errors.As(err, &appErr) && appErr.Code == types.ErrCodeConflictSubscription {
			// The external ID is already attached to another row. The link
			// target is immutable, so redelivering the same bytes can never
			// succeed; acknowledge instead of asking for a retry.
			h.logger.WarnContext(ctx, "checkout completion conflicts with an existing link",
				"local_id", cc.LocalSubscriptionID,
				"external_id", cc.ExternalSubscriptionID,
			)
			h.collector.RecordOutcome(ctx, types.OutcomeDuplicate)
			h.collector.RecordLatency(ctx, time.Since(started))
			core.JSON(w, r, http.StatusOK, core.APIResponse{
				Data: map[string]string{"outcome": string(types.OutcomeDuplicate)},
			})
			return
		}
		h.logger.ErrorContext(ctx, "checkout completion linkage failed",
			"local_id", cc.LocalSubscriptionID,
			"error", err,
		)
		h.reject(w, r, started, err)
		return
	}

	h.logger.InfoContext(ctx, "linked provider subscription",
		"local_id", cc.LocalSubscriptionID,
		"external_id", cc.ExternalSubscriptionID,
	)
	h.collector.RecordOutcome(ctx, types.OutcomeApplied)
	h.collector.RecordLatency(ctx, time.Since(started))

	core.JSON(w, r, http.StatusOK, core.APIResponse{
		Data: map[string]string{"outcome": string(types.OutcomeApplied)},
	})
}

// reject writes the error response and records the error and latency
// metrics. Latency is recorded on every resolution, not just success, so
// slow failures stay visible.
func (h *WebhookHandler) reject(w http.ResponseWriter, r *http.Request, started time.Time, err error) {
	var appErr *types.AppError
	if errors.As(err, &appErr) {
		h.collector.RecordError(r.Context(), appErr.Code)
	} else {
		h.collector.RecordError(r.Context(), types.ErrCodeInternalUnexpected)
	}
	h.collector.RecordLatency(r.Context(), time.Since(started))
	core.Error(w, r, err)
}
