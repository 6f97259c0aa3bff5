// Package billing implements the webhook synchronization core: signature
// verification on raw payload bytes, classification of provider events into a
// closed set of kinds, and the reconciler state machine that applies at most
// one state transition per logical change.
package billing

import (
	"errors"
	"time"

	stripe "github.com/stripe/stripe-go/v82/webhook"

	"github.com/Curay1998/SAAS-POS-sub003/internal/types"
)

// Verifier validates that an inbound webhook payload was produced by the
// billing provider and has not been tampered with. It is pure computation: no
// I/O, no side effects.
//
// The provider signs "{t}.{payload}" with HMAC-SHA256 and sends the result in
// a header of the form:
//
//	Billing-Signature: t=<unix>,v1=<hex>[,v1=<hex>]
//
// Multiple v1 values may be present during secret rotation; verification
// succeeds when any of them matches. Parsing, constant-time comparison, and
// the replay-window check are delegated to stripe-go's payload validation;
// this type owns only the error taxonomy.
//
// Verification MUST run against the raw body bytes exactly as received.
// Re-serializing the parsed JSON before verifying is a correctness bug:
// whitespace and key-order changes invalidate the signature.
type Verifier struct {
	secret    types.SecretString
	tolerance time.Duration
}

// NewVerifier creates a Verifier with the shared signing secret and the
// replay tolerance window. A tolerance of zero disables the timestamp check.
func NewVerifier(secret types.SecretString, tolerance time.Duration) *Verifier {
	return &Verifier{
		secret:    secret,
		tolerance: tolerance,
	}
}

// Verify checks the signature header against the raw payload bytes.
//
// Errors:
//   - webhook_header_malformed: the header is missing or cannot be parsed.
//   - webhook_timestamp_expired: the signed timestamp is older than the
//     tolerance window relative to local time. This is the only place the
//     local clock participates in any decision.
//   - webhook_signature_invalid: no candidate signature matches.
func (v *Verifier) Verify(payload []byte, header string) error {
	var err error
	if v.tolerance > 0 {
		err = stripe.ValidatePayloadWithTolerance(payload, header, v.secret.Unmask(), v.tolerance)
	} else {
		err = stripe.ValidatePayloadIgnoringTolerance(payload, header, v.secret.Unmask())
	}
	if err == nil {
		return nil
	}

	switch {
	case errors.Is(err, stripe.ErrNotSigned), errors.Is(err, stripe.ErrInvalidHeader):
		return types.NewAppError(
			types.ErrCodeWebhookHeaderMalformed,
			"signature header could not be parsed",
			err,
		)
	case errors.Is(err, stripe.ErrTooOld):
		return types.NewAppErrorWithDetails(
			types.ErrCodeWebhookTimestampExpired,
			"signed timestamp is outside the replay tolerance window",
			err,
			map[string]any{"tolerance": v.tolerance.String()},
		)
	default:
		return types.NewAppError(
			types.ErrCodeWebhookSignatureInvalid,
			"no signature in the header matches the payload",
			err,
		)
	}
}

// SignPayload generates a valid signature header for the given payload,
// secret, and time. It is the inverse of Verify and exists for tests and for
// local tooling that replays captured events.
func SignPayload(payload []byte, secret types.SecretString, at time.Time) string {
	sp := stripe.GenerateTestSignedPayload(&stripe.UnsignedPayload{
		Payload:   payload,
		Secret:    secret.Unmask(),
		Timestamp: at,
	})
	return sp.Header
}
