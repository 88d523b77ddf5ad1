package billing

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/stripe/stripe-go/v82/webhook"
)

// InboundEvent is a verified provider event reduced to what the router needs.
type InboundEvent struct {
	ID   string
	Type string
	Raw  json.RawMessage
	// Payload is the full signed body, stored with the idempotency key.
	Payload []byte
}

// VerifyStripeEvent checks the Stripe-Signature header and decodes the event
// envelope. The API version of the payload is not enforced.
func VerifyStripeEvent(payload []byte, signatureHeader, secret string) (*InboundEvent, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, ErrWebhookNotConfigured
	}
	if strings.TrimSpace(signatureHeader) == "" {
		return nil, ErrInvalidSignature
	}
	event, err := webhook.ConstructEventWithOptions(payload, signatureHeader, secret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	out := &InboundEvent{
		ID:      event.ID,
		Type:    string(event.Type),
		Payload: payload,
	}
	if event.Data != nil {
		out.Raw = event.Data.Raw
	}
	return out, nil
}

// VerifyMemberstackSignature checks a hex HMAC-SHA256 of the body. A
// "sha256=" prefix is accepted.
func VerifyMemberstackSignature(payload []byte, signatureHeader, secret string) bool {
	sig := strings.TrimSpace(signatureHeader)
	secret = strings.TrimSpace(secret)
	if sig == "" || secret == "" {
		return false
	}
	sig = strings.TrimPrefix(sig, "sha256=")

	decoded, err := hex.DecodeString(strings.ToLower(sig))
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hmac.Equal(mac.Sum(nil), decoded)
}
