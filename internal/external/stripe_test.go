package external

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Curay1998/SAAS-POS-sub003/internal/types"
)

func newStripeTestClient(srvURL string) *StripeClient {
	base := NewBaseClient(
		&http.Client{},
		"stripe-test",
		RetryPolicy{MaxRetries: 1, MinWait: time.Millisecond, MaxWait: 2 * time.Millisecond},
		WithSleepFunc(noSleep),
	)
	return NewStripeClientWithBase(base, StripeClientConfig{
		APIKey:  types.SecretString("sk_test_123"),
		BaseURL: srvURL,
	})
}

func TestStripeClient_EnsureCustomer_FoundBySearch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/customers/search", r.URL.Path)
		assert.Equal(t, "Bearer sk_test_123", r.Header.Get("Authorization"))
		assert.NotEmpty(t, r.Header.Get("Stripe-Version"))
		assert.Contains(t, r.URL.Query().Get("query"), "owner_1")

		fmt.Fprint(w, `{"data": [{"id": "cus_existing"}]}`)
	}))
	defer srv.Close()

	customerID, err := newStripeTestClient(srv.URL).EnsureCustomer(context.Background(), "owner_1", "a@b.com")
	require.NoError(t, err)
	assert.Equal(t, "cus_existing", customerID)
}

func TestStripeClient_EnsureCustomer_CreatesWhenMissing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/customers/search":
			fmt.Fprint(w, `{"data": []}`)
		case "/v1/customers":
			require.NoError(t, r.ParseForm())
			assert.Equal(t, "a@b.com", r.PostForm.Get("email"))
			assert.Equal(t, "owner_1", r.PostForm.Get("metadata[owner_id]"))
			fmt.Fprint(w, `{"id": "cus_new"}`)
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	}))
	defer srv.Close()

	customerID, err := newStripeTestClient(srv.URL).EnsureCustomer(context.Background(), "owner_1", "a@b.com")
	require.NoError(t, err)
	assert.Equal(t, "cus_new", customerID)
}

func TestStripeClient_CreateCheckoutSession(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/checkout/sessions", r.URL.Path)
		require.NoError(t, r.ParseForm())

		assert.Equal(t, "subscription", r.PostForm.Get("mode"))
		assert.Equal(t, "cus_1", r.PostForm.Get("customer"))
		assert.Equal(t, "sub_local_1", r.PostForm.Get("client_reference_id"))
		assert.Equal(t, "price_pro", r.PostForm.Get("line_items[0][price]"))
		assert.Equal(t, "2", r.PostForm.Get("line_items[0][quantity]"))
		assert.Equal(t, "https://app.example.com/ok", r.PostForm.Get("success_url"))

		fmt.Fprint(w, `{"id": "cs_1", "url": "https://checkout.example.com/cs_1"}`)
	}))
	defer srv.Close()

	session, err := newStripeTestClient(srv.URL).CreateCheckoutSession(context.Background(), CheckoutParams{
		CustomerID:          "cus_1",
		LocalSubscriptionID: "sub_local_1",
		PriceID:             "price_pro",
		Quantity:            2,
		SuccessURL:          "https://app.example.com/ok",
		CancelURL:           "https://app.example.com/cancel",
	})
	require.NoError(t, err)
	assert.Equal(t, "cs_1", session.ID)
	assert.Equal(t, "https://checkout.example.com/cs_1", session.URL)
}

func TestStripeClient_CreateCheckoutSession_DefaultsQuantityToOne(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "1", r.PostForm.Get("line_items[0][quantity]"))
		fmt.Fprint(w, `{"id": "cs_1", "url": "https://checkout.example.com/cs_1"}`)
	}))
	defer srv.Close()

	_, err := newStripeTestClient(srv.URL).CreateCheckoutSession(context.Background(), CheckoutParams{
		CustomerID: "cus_1",
		PriceID:    "price_basic",
	})
	require.NoError(t, err)
}

func TestStripeClient_CreatePortalSession(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/billing_portal/sessions", r.URL.Path)
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "cus_1", r.PostForm.Get("customer"))
		assert.Equal(t, "https://app.example.com/billing", r.PostForm.Get("return_url"))

		fmt.Fprint(w, `{"url": "https://portal.example.com/p_1"}`)
	}))
	defer srv.Close()

	portalURL, err := newStripeTestClient(srv.URL).CreatePortalSession(
		context.Background(), "cus_1", "https://app.example.com/billing")
	require.NoError(t, err)
	assert.Equal(t, "https://portal.example.com/p_1", portalURL)
}

func TestStripeClient_ProviderErrorCarriesDetails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusPaymentRequired)
		fmt.Fprint(w, `{"error": {"type": "card_error", "code": "card_declined", "message": "Your card was declined."}}`)
	}))
	defer srv.Close()

	_, err := newStripeTestClient(srv.URL).CreateCheckoutSession(context.Background(), CheckoutParams{
		CustomerID: "cus_1",
		PriceID:    "price_basic",
	})
	require.Error(t, err)

	assert.Equal(t, types.ErrCodeUpstreamBilling, appCode(t, err))
	var appErr *types.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, "card_declined", appErr.Details["provider_code"])
}

func TestStripeClient_ServerErrorRetriesThenMaps(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, err := newStripeTestClient(srv.URL).CreatePortalSession(
		context.Background(), "cus_1", "https://app.example.com/billing")
	require.Error(t, err)
	assert.Equal(t, types.ErrCodeUpstreamBilling, appCode(t, err))
	assert.Equal(t, 2, calls)
}
