package external

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	stripe "github.com/stripe/stripe-go/v82"

	"github.com/Curay1998/SAAS-POS-sub003/internal/types"
)

// stripeAPIBase is the default provider API base. Overridable for tests.
const stripeAPIBase = "https://api.stripe.com"

// CheckoutParams describes one checkout session request.
type CheckoutParams struct {
	// CustomerID is the provider customer, from EnsureCustomer.
	CustomerID string
	// LocalSubscriptionID rides along as client_reference_id so the checkout
	// completion payload can be correlated back to the provisional row.
	LocalSubscriptionID string
	PriceID             string
	Quantity            int64
	SuccessURL          string
	CancelURL           string
}

// CheckoutSession is the subset of the provider's session object we use.
type CheckoutSession struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

// StripeClientConfig configures a StripeClient.
type StripeClientConfig struct {
	APIKey  types.SecretString
	BaseURL string
	Logger  *slog.Logger
}

// StripeClient talks to the Stripe REST API directly through BaseClient:
// form-encoded requests, bearer auth, pinned API version. Going through
// BaseClient rather than the SDK's own transport keeps retries, breaker
// state, and error mapping consistent with every other outbound call, and
// makes httptest servers trivial to point at.
type StripeClient struct {
	base    *BaseClient
	apiKey  types.SecretString
	baseURL string
	logger  *slog.Logger
}

// NewStripeClient creates a StripeClient with default resilience settings.
func NewStripeClient(httpClient *http.Client, cfg StripeClientConfig) *StripeClient {
	base := NewBaseClient(httpClient, "stripe", DefaultRetryPolicy())
	return NewStripeClientWithBase(base, cfg)
}

// NewStripeClientWithBase creates a StripeClient over a caller-provided
// BaseClient, for tests that need to control retry timing.
func NewStripeClientWithBase(base *BaseClient, cfg StripeClientConfig) *StripeClient {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = stripeAPIBase
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &StripeClient{
		base:    base,
		apiKey:  cfg.APIKey,
		baseURL: strings.TrimSuffix(baseURL, "/"),
		logger:  logger,
	}
}

// EnsureCustomer returns the provider customer for an owner, creating one if
// none exists. Search-first keyed on owner_id metadata prevents duplicate
// customers when checkout is attempted twice.
func (s *StripeClient) EnsureCustomer(ctx context.Context, ownerID, email string) (string, error) {
	query := url.Values{}
	query.Set("query", fmt.Sprintf("metadata['owner_id']:'%s'", ownerID))

	resp, err := s.doGet(ctx, "/v1/customers/search", query)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", s.errorFromResponse(resp, "customer search")
	}

	var search struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&search); err != nil {
		return "", types.NewAppError(types.ErrCodeUpstreamBilling, "failed to decode customer search response", err)
	}
	if len(search.Data) > 0 {
		return search.Data[0].ID, nil
	}

	params := url.Values{}
	params.Set("email", email)
	params.Set("metadata[owner_id]", ownerID)

	createResp, err := s.doPost(ctx, "/v1/customers", params)
	if err != nil {
		return "", err
	}
	defer createResp.Body.Close()

	if createResp.StatusCode != http.StatusOK {
		return "", s.errorFromResponse(createResp, "customer create")
	}

	var customer struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(createResp.Body).Decode(&customer); err != nil {
		return "", types.NewAppError(types.ErrCodeUpstreamBilling, "failed to decode customer create response", err)
	}

	s.logger.InfoContext(ctx, "created provider customer",
		"owner_id", ownerID,
		"customer_id", customer.ID,
	)
	return customer.ID, nil
}

// CreateCheckoutSession opens a hosted checkout session in subscription mode.
func (s *StripeClient) CreateCheckoutSession(ctx context.Context, p CheckoutParams) (*CheckoutSession, error) {
	quantity := p.Quantity
	if quantity <= 0 {
		quantity = 1
	}

	params := url.Values{}
	params.Set("mode", "subscription")
	params.Set("customer", p.CustomerID)
	params.Set("client_reference_id", p.LocalSubscriptionID)
	params.Set("success_url", p.SuccessURL)
	params.Set("cancel_url", p.CancelURL)
	params.Set("line_items[0][price]", p.PriceID)
	params.Set("line_items[0][quantity]", strconv.FormatInt(quantity, 10))

	resp, err := s.doPost(ctx, "/v1/checkout/sessions", params)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, s.errorFromResponse(resp, "checkout session")
	}

	var session CheckoutSession
	if err := json.NewDecoder(resp.Body).Decode(&session); err != nil {
		return nil, types.NewAppError(types.ErrCodeUpstreamBilling, "failed to decode checkout session response", err)
	}
	return &session, nil
}

// CreatePortalSession opens a provider-hosted billing management session for
// an existing customer and returns its URL.
func (s *StripeClient) CreatePortalSession(ctx context.Context, customerID, returnURL string) (string, error) {
	params := url.Values{}
	params.Set("customer", customerID)
	params.Set("return_url", returnURL)

	resp, err := s.doPost(ctx, "/v1/billing_portal/sessions", params)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", s.errorFromResponse(resp, "portal session")
	}

	var session struct {
		URL string `json:"url"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&session); err != nil {
		return "", types.NewAppError(types.ErrCodeUpstreamBilling, "failed to decode portal session response", err)
	}
	return session.URL, nil
}

func (s *StripeClient) doGet(ctx context.Context, path string, params url.Values) (*http.Response, error) {
	reqURL := s.baseURL + path
	if len(params) > 0 {
		reqURL += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalUnexpected, "failed to build provider request", err)
	}
	s.setHeaders(req)
	return s.base.Do(req)
}

func (s *StripeClient) doPost(ctx context.Context, path string, params url.Values) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+path, strings.NewReader(params.Encode()))
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalUnexpected, "failed to build provider request", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	s.setHeaders(req)
	return s.base.Do(req)
}

func (s *StripeClient) setHeaders(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+s.apiKey.Unmask())
	req.Header.Set("Stripe-Version", stripe.APIVersion)
}

// errorFromResponse maps a non-200 API response that survived the retry loop
// (4xx other than 429) into an AppError carrying the provider's message.
func (s *StripeClient) errorFromResponse(resp *http.Response, operation string) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	var payload struct {
		Error struct {
			Type    string `json:"type"`
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	message := ""
	if json.Unmarshal(body, &payload) == nil {
		message = payload.Error.Message
	}

	return types.NewAppErrorWithDetails(
		types.ErrCodeUpstreamBilling,
		fmt.Sprintf("%s failed with status %d", operation, resp.StatusCode),
		nil,
		map[string]any{
			"provider_code":    payload.Error.Code,
			"provider_message": message,
		},
	)
}

// NewProviderHTTPClient returns the http.Client used for provider calls.
// The timeout bounds a single attempt; the retry loop sits above it.
func NewProviderHTTPClient() *http.Client {
	return &http.Client{Timeout: 20 * time.Second}
}
