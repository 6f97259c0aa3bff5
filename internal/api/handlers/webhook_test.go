package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Curay1998/SAAS-POS-sub003/internal/billing"
	"github.com/Curay1998/SAAS-POS-sub003/internal/core"
	"github.com/Curay1998/SAAS-POS-sub003/internal/types"
)

// ---------------------------------------------------------------------------
// Mock Implementations
// ---------------------------------------------------------------------------

type stubProcessor struct {
	events  []*types.InboundEvent
	outcome types.WebhookOutcome
	err     error
}

func (m *stubProcessor) Process(ctx context.Context, ev *types.InboundEvent) (types.WebhookOutcome, error) {
	m.events = append(m.events, ev)
	if m.err != nil {
		return "", m.err
	}
	return m.outcome, nil
}

type linkCall struct {
	ID         string
	ExternalID string
	CustomerID string
}

type stubLinker struct {
	calls []linkCall
	err   error
}

func (m *stubLinker) LinkExternal(ctx context.Context, id, externalID, providerCustomerID string) error {
	m.calls = append(m.calls, linkCall{ID: id, ExternalID: externalID, CustomerID: providerCustomerID})
	return m.err
}

// ---------------------------------------------------------------------------
// Test Helpers
// ---------------------------------------------------------------------------

const testWebhookSecret = "whsec_handler_test"

func newWebhookTestHandler(processor *stubProcessor, linker *stubLinker) *WebhookHandler {
	verifier := billing.NewVerifier(types.SecretString(testWebhookSecret), 5*time.Minute)
	return NewWebhookHandler(verifier, processor, linker, nil, nil)
}

// postWebhook signs payload and posts it to the handler.
func postWebhook(t *testing.T, h *WebhookHandler, payload []byte, mutate func(*http.Request)) *httptest.ResponseRecorder {
	t.Helper()

	req := httptest.NewRequest(http.MethodPost, "/v1/webhooks/billing", bytes.NewReader(payload))
	req.Header.Set("Billing-Signature", billing.SignPayload(payload, types.SecretString(testWebhookSecret), time.Now()))
	if mutate != nil {
		mutate(req)
	}

	rec := httptest.NewRecorder()
	h.Handle(rec, req)
	return rec
}

func invoicePaidPayload(eventID, subscription string, created int64) []byte {
	return []byte(fmt.Sprintf(
		`{"id": %q, "type": "invoice.paid", "created": %d, "data": {"object": {"subscription": %q}}}`,
		eventID, created, subscription,
	))
}

func decodeOutcome(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var resp struct {
		Data map[string]string `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp.Data["outcome"]
}

func decodeErrorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var resp core.APIErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp.Error.Code
}

// ---------------------------------------------------------------------------
// Tests
// ---------------------------------------------------------------------------

func TestWebhookHandle_ValidEventApplied(t *testing.T) {
	processor := &stubProcessor{outcome: types.OutcomeApplied}
	h := newWebhookTestHandler(processor, &stubLinker{})

	rec := postWebhook(t, h, invoicePaidPayload("evt_1", "sub_ext_1", time.Now().Unix()), nil)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "applied", decodeOutcome(t, rec))

	require.Len(t, processor.events, 1)
	ev := processor.events[0]
	assert.Equal(t, "evt_1", ev.EventID)
	assert.Equal(t, types.EventPaymentSucceeded, ev.Kind)
	assert.Equal(t, "sub_ext_1", ev.ExternalSubscriptionID)
}

func TestWebhookHandle_MissingSignatureHeader(t *testing.T) {
	processor := &stubProcessor{outcome: types.OutcomeApplied}
	h := newWebhookTestHandler(processor, &stubLinker{})

	rec := postWebhook(t, h, invoicePaidPayload("evt_1", "sub_ext_1", time.Now().Unix()),
		func(r *http.Request) { r.Header.Del("Billing-Signature") })

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, string(types.ErrCodeWebhookHeaderMalformed), decodeErrorCode(t, rec))
	assert.Empty(t, processor.events, "unverified payloads must never reach the processor")
}

func TestWebhookHandle_TamperedPayloadRejected(t *testing.T) {
	processor := &stubProcessor{outcome: types.OutcomeApplied}
	h := newWebhookTestHandler(processor, &stubLinker{})

	payload := invoicePaidPayload("evt_1", "sub_ext_1", time.Now().Unix())
	header := billing.SignPayload(payload, types.SecretString(testWebhookSecret), time.Now())

	// Flip one byte after signing.
	payload[len(payload)/2] ^= 0x01

	req := httptest.NewRequest(http.MethodPost, "/v1/webhooks/billing", bytes.NewReader(payload))
	req.Header.Set("Billing-Signature", header)
	rec := httptest.NewRecorder()
	h.Handle(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, string(types.ErrCodeWebhookSignatureInvalid), decodeErrorCode(t, rec))
	assert.Empty(t, processor.events)
}

func TestWebhookHandle_ExpiredTimestampRejected(t *testing.T) {
	processor := &stubProcessor{outcome: types.OutcomeApplied}
	h := newWebhookTestHandler(processor, &stubLinker{})

	payload := invoicePaidPayload("evt_1", "sub_ext_1", time.Now().Unix())
	staleHeader := billing.SignPayload(payload, types.SecretString(testWebhookSecret), time.Now().Add(-time.Hour))

	rec := postWebhook(t, h, payload, func(r *http.Request) {
		r.Header.Set("Billing-Signature", staleHeader)
	})

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, string(types.ErrCodeWebhookTimestampExpired), decodeErrorCode(t, rec))
}

func TestWebhookHandle_MalformedJSONIs400(t *testing.T) {
	processor := &stubProcessor{outcome: types.OutcomeApplied}
	h := newWebhookTestHandler(processor, &stubLinker{})

	rec := postWebhook(t, h, []byte(`{"id": "evt_1",`), nil)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, string(types.ErrCodeWebhookPayloadInvalid), decodeErrorCode(t, rec))
}

func TestWebhookHandle_ContractDriftIs500(t *testing.T) {
	processor := &stubProcessor{outcome: types.OutcomeApplied}
	h := newWebhookTestHandler(processor, &stubLinker{})

	// Recognized type with the subscription reference missing.
	payload := []byte(fmt.Sprintf(
		`{"id": "evt_1", "type": "invoice.paid", "created": %d, "data": {"object": {}}}`,
		time.Now().Unix(),
	))
	rec := postWebhook(t, h, payload, nil)

	assert.Equal(t, http.StatusInternalServerError, rec.Code, "drift must stay retryable")
	assert.Equal(t, string(types.ErrCodeWebhookContractDrift), decodeErrorCode(t, rec))
}

func TestWebhookHandle_UnrecognizedTypeAcknowledged(t *testing.T) {
	processor := &stubProcessor{outcome: types.OutcomeIgnored}
	h := newWebhookTestHandler(processor, &stubLinker{})

	payload := []byte(fmt.Sprintf(
		`{"id": "evt_1", "type": "charge.refunded", "created": %d, "data": {"object": {}}}`,
		time.Now().Unix(),
	))
	rec := postWebhook(t, h, payload, nil)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ignored", decodeOutcome(t, rec))
}

func TestWebhookHandle_ProcessorFailureIs500(t *testing.T) {
	processor := &stubProcessor{err: types.NewAppError(types.ErrCodeInternalDB, "database unavailable", nil)}
	h := newWebhookTestHandler(processor, &stubLinker{})

	rec := postWebhook(t, h, invoicePaidPayload("evt_1", "sub_ext_1", time.Now().Unix()), nil)

	assert.Equal(t, http.StatusInternalServerError, rec.Code, "provider must redeliver after a failed commit")
	assert.Equal(t, string(types.ErrCodeInternalDB), decodeErrorCode(t, rec))
}

func TestWebhookHandle_DuplicateOutcomeAcknowledged(t *testing.T) {
	processor := &stubProcessor{outcome: types.OutcomeDuplicate}
	h := newWebhookTestHandler(processor, &stubLinker{})

	rec := postWebhook(t, h, invoicePaidPayload("evt_1", "sub_ext_1", time.Now().Unix()), nil)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "duplicate", decodeOutcome(t, rec))
}

func TestWebhookHandle_CheckoutCompletionLinksRow(t *testing.T) {
	processor := &stubProcessor{outcome: types.OutcomeApplied}
	linker := &stubLinker{}
	h := newWebhookTestHandler(processor, linker)

	payload := []byte(fmt.Sprintf(`{
		"id": "evt_co_1",
		"type": "checkout.session.completed",
		"created": %d,
		"data": {"object": {
			"client_reference_id": "sub_local_1",
			"subscription": "sub_ext_1",
			"customer": "cus_1"
		}}
	}`, time.Now().Unix()))

	rec := postWebhook(t, h, payload, nil)

	assert.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, linker.calls, 1)
	assert.Equal(t, linkCall{ID: "sub_local_1", ExternalID: "sub_ext_1", CustomerID: "cus_1"}, linker.calls[0])
	assert.Empty(t, processor.events, "checkout completion is linkage, not a state transition")
}

func TestWebhookHandle_CheckoutCompletionUnknownRowAcknowledged(t *testing.T) {
	linker := &stubLinker{err: types.NewAppError(types.ErrCodeNotFoundSubscription, "subscription not found", nil)}
	h := newWebhookTestHandler(&stubProcessor{}, linker)

	payload := []byte(fmt.Sprintf(`{
		"id": "evt_co_2",
		"type": "checkout.session.completed",
		"created": %d,
		"data": {"object": {"client_reference_id": "sub_foreign", "subscription": "sub_ext_9", "customer": "cus_9"}}
	}`, time.Now().Unix()))

	rec := postWebhook(t, h, payload, nil)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "unknown_subscription", decodeOutcome(t, rec))
}

func TestWebhookHandle_CheckoutCompletionLinkFailureIs500(t *testing.T) {
	linker := &stubLinker{err: types.NewAppError(types.ErrCodeInternalDB, "database unavailable", nil)}
	h := newWebhookTestHandler(&stubProcessor{}, linker)

	payload := []byte(fmt.Sprintf(`{
		"id": "evt_co_3",
		"type": "checkout.session.completed",
		"created": %d,
		"data": {"object": {"client_reference_id": "sub_local_1", "subscription": "sub_ext_1", "customer": "cus_1"}}
	}`, time.Now().Unix()))

	rec := postWebhook(t, h, payload, nil)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

type recordedLatency struct {
	count int
	last  time.Duration
}

type recordingCollector struct {
	outcomes  []types.WebhookOutcome
	errors    []types.ErrorCode
	latencies recordedLatency
}

func (c *recordingCollector) RecordOutcome(ctx context.Context, outcome types.WebhookOutcome) {
	c.outcomes = append(c.outcomes, outcome)
}

func (c *recordingCollector) RecordError(ctx context.Context, code types.ErrorCode) {
	c.errors = append(c.errors, code)
}

func (c *recordingCollector) RecordLatency(ctx context.Context, d time.Duration) {
	c.latencies.count++
	c.latencies.last = d
}

func TestWebhookHandle_CheckoutCompletionConflictAcknowledged(t *testing.T) {
	// The external ID already belongs to another row. The attachment is
	// immutable, so a redelivery can never succeed; the provider must not
	// keep retrying.
	linker := &stubLinker{err: types.NewAppError(types.ErrCodeConflictSubscription, "external id already linked", nil)}
	h := newWebhookTestHandler(&stubProcessor{}, linker)

	payload := []byte(fmt.Sprintf(`{
		"id": "evt_co_4",
		"type": "checkout.session.completed",
		"created": %d,
		"data": {"object": {"client_reference_id": "sub_local_2", "subscription": "sub_ext_1", "customer": "cus_2"}}
	}`, time.Now().Unix()))

	rec := postWebhook(t, h, payload, nil)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "duplicate", decodeOutcome(t, rec))
}

func TestWebhookHandle_LatencyRecordedOnFailure(t *testing.T) {
	collector := &recordingCollector{}
	verifier := billing.NewVerifier(types.SecretString(testWebhookSecret), 5*time.Minute)
	processor := &stubProcessor{err: types.NewAppError(types.ErrCodeInternalDB, "database unavailable", nil)}
	h := NewWebhookHandler(verifier, processor, &stubLinker{}, collector, nil)

	rec := postWebhook(t, h, invoicePaidPayload("evt_1", "sub_ext_1", time.Now().Unix()), nil)

	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.Len(t, collector.errors, 1)
	assert.Equal(t, types.ErrCodeInternalDB, collector.errors[0])
	assert.Equal(t, 1, collector.latencies.count, "failed deliveries must still record latency")
	assert.Empty(t, collector.outcomes)
}

func TestWebhookHandle_LatencyRecordedOnRejectedSignature(t *testing.T) {
	collector := &recordingCollector{}
	verifier := billing.NewVerifier(types.SecretString(testWebhookSecret), 5*time.Minute)
	h := NewWebhookHandler(verifier, &stubProcessor{}, &stubLinker{}, collector, nil)

	payload := invoicePaidPayload("evt_1", "sub_ext_1", time.Now().Unix())
	forged := billing.SignPayload(payload, types.SecretString("whsec_wrong"), time.Now())
	rec := postWebhook(t, h, payload,
		func(r *http.Request) { r.Header.Set("Billing-Signature", forged) })

	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Len(t, collector.errors, 1)
	assert.Equal(t, types.ErrCodeWebhookSignatureInvalid, collector.errors[0])
	assert.Equal(t, 1, collector.latencies.count)
}
