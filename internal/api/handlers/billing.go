package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/Curay1998/SAAS-POS-sub003/internal/config"
	"github.com/Curay1998/SAAS-POS-sub003/internal/core"
	"github.com/Curay1998/SAAS-POS-sub003/internal/external"
	"github.com/Curay1998/SAAS-POS-sub003/internal/types"
)

// --- Service Interfaces ---

// BillingProvider abstracts the payment provider operations the handler
// initiates. Implemented by external.StripeClient.
type BillingProvider interface {
	// EnsureCustomer returns the provider customer for the owner, creating
	// one idempotently when missing. Required before checkout or portal.
	EnsureCustomer(ctx context.Context, ownerID, email string) (string, error)

	// CreateCheckoutSession generates a hosted checkout URL.
	CreateCheckoutSession(ctx context.Context, p external.CheckoutParams) (*external.CheckoutSession, error)

	// CreatePortalSession generates a self-serve billing management URL.
	CreatePortalSession(ctx context.Context, customerID, returnURL string) (string, error)
}

// SubscriptionAccess is the repository slice the billing handler needs.
type SubscriptionAccess interface {
	Create(ctx context.Context, sub *types.Subscription) error
	GetByOwner(ctx context.Context, ownerID string) (*types.Subscription, error)
}

// --- Request/Response Models ---

// CheckoutRequest is the body of POST /v1/billing/checkout. Redirect URLs
// come from configuration, not the request, to rule out open redirects.
type CheckoutRequest struct {
	OwnerID  string `json:"owner_id" validate:"required"`
	Email    string `json:"email" validate:"required,email"`
	PlanID   string `json:"plan_id" validate:"required"`
	Quantity int64  `json:"quantity" validate:"omitempty,min=1"`
}

// CheckoutResponse returns the hosted checkout URL and the provisional
// local subscription created for it.
type CheckoutResponse struct {
	SubscriptionID string `json:"subscription_id"`
	CheckoutURL    string `json:"checkout_url"`
	SessionID      string `json:"session_id"`
}

// PortalRequest is the body of POST /v1/billing/portal.
type PortalRequest struct {
	OwnerID string `json:"owner_id" validate:"required"`
}

// PortalResponse returns the provider-hosted management URL.
type PortalResponse struct {
	PortalURL string `json:"portal_url"`
}

// SubscriptionResponse is the read model returned by
// GET /v1/billing/subscription.
type SubscriptionResponse struct {
	Subscription *types.Subscription `json:"subscription"`
}

// --- Billing Handler ---

// BillingHandler serves the synchronous billing surface: checkout
// provisioning, the read model, and portal sessions. State transitions never
// happen here; they belong exclusively to the webhook reconciler.
type BillingHandler struct {
	provider  BillingProvider
	subs      SubscriptionAccess
	validator *core.Validator
	cfg       config.BillingConfig
	logger    *slog.Logger
}

// NewBillingHandler creates a BillingHandler with its dependencies.
func NewBillingHandler(
	provider BillingProvider,
	subs SubscriptionAccess,
	v *core.Validator,
	cfg config.BillingConfig,
	logger *slog.Logger,
) *BillingHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &BillingHandler{
		provider:  provider,
		subs:      subs,
		validator: v,
		cfg:       cfg,
		logger:    logger,
	}
}

// RegisterRoutes mounts the billing endpoints.
func (h *BillingHandler) RegisterRoutes(r chi.Router) {
	r.Route("/billing", func(r chi.Router) {
		r.Post("/checkout", h.HandleCheckout)
		r.Post("/portal", h.HandlePortal)
		r.Get("/subscription", h.HandleGetSubscription)
	})
}

// HandleCheckout provisions a pending subscription row and opens a hosted
// checkout session for it. The local row's ID rides on the session as
// client_reference_id; the checkout completion webhook links the provider
// identifiers back onto it.
func (h *BillingHandler) HandleCheckout(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req CheckoutRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}
	if err := h.validator.ValidateStruct(req); err != nil {
		core.Error(w, r, err)
		return
	}

	customerID, err := h.provider.EnsureCustomer(ctx, req.OwnerID, req.Email)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	sub := &types.Subscription{
		ID:                 uuid.NewString(),
		OwnerID:            req.OwnerID,
		ProviderCustomerID: customerID,
		Status:             types.SubStatusPending,
		PlanID:             req.PlanID,
		Quantity:           req.Quantity,
		CreatedAt:          time.Now().UTC(),
	}
	if sub.Quantity <= 0 {
		sub.Quantity = 1
	}
	if err := h.subs.Create(ctx, sub); err != nil {
		core.Error(w, r, err)
		return
	}

	session, err := h.provider.CreateCheckoutSession(ctx, external.CheckoutParams{
		CustomerID:          customerID,
		LocalSubscriptionID: sub.ID,
		PriceID:             req.PlanID,
		Quantity:            sub.Quantity,
		SuccessURL:          h.cfg.CheckoutSuccessURL,
		CancelURL:           h.cfg.CheckoutCancelURL,
	})
	if err != nil {
		core.Error(w, r, err)
		return
	}

	h.logger.InfoContext(ctx, "checkout session created",
		"owner_id", req.OwnerID,
		"subscription_id", sub.ID,
		"session_id", session.ID,
	)

	core.JSON(w, r, http.StatusCreated, core.APIResponse{
		Data: CheckoutResponse{
			SubscriptionID: sub.ID,
			CheckoutURL:    session.URL,
			SessionID:      session.ID,
		},
	})
}

// HandleGetSubscription returns the reconciled aggregate for an owner.
func (h *BillingHandler) HandleGetSubscription(w http.ResponseWriter, r *http.Request) {
	ownerID := r.URL.Query().Get("owner_id")
	if ownerID == "" {
		core.Error(w, r, types.NewAppError(
			types.ErrCodeValidationMissingField,
			"owner_id query parameter is required",
			nil,
		))
		return
	}

	sub, err := h.subs.GetByOwner(r.Context(), ownerID)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	core.JSON(w, r, http.StatusOK, core.APIResponse{
		Data: SubscriptionResponse{Subscription: sub},
	})
}

// HandlePortal opens a provider-hosted billing management session for the
// owner's existing customer.
func (h *BillingHandler) HandlePortal(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req PortalRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}
	if err := h.validator.ValidateStruct(req); err != nil {
		core.Error(w, r, err)
		return
	}

	sub, err := h.subs.GetByOwner(ctx, req.OwnerID)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	if sub.ProviderCustomerID == "" {
		core.Error(w, r, types.NewAppError(
			types.ErrCodeNotFoundSubscription,
			"owner has no provider customer; complete checkout first",
			nil,
		))
		return
	}

	portalURL, err := h.provider.CreatePortalSession(ctx, sub.ProviderCustomerID, h.cfg.PortalReturnURL)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	core.JSON(w, r, http.StatusOK, core.APIResponse{
		Data: PortalResponse{PortalURL: portalURL},
	})
}
