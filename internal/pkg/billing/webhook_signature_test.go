package billing

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v82/webhook"
)

func TestVerifyStripeEvent(t *testing.T) {
	secret := "whsec_test"
	payload := []byte(`{"id":"evt_1","object":"event","type":"checkout.session.completed","data":{"object":{"id":"cs_1","mode":"subscription"}}}`)

	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   payload,
		Secret:    secret,
		Timestamp: time.Now(),
	})

	evt, err := VerifyStripeEvent(signed.Payload, signed.Header, secret)
	require.NoError(t, err)
	assert.Equal(t, "evt_1", evt.ID)
	assert.Equal(t, "checkout.session.completed", evt.Type)
	assert.JSONEq(t, `{"id":"cs_1","mode":"subscription"}`, string(evt.Raw))
}

func TestVerifyStripeEventRejects(t *testing.T) {
	payload := []byte(`{"id":"evt_1","object":"event","type":"x","data":{"object":{}}}`)

	_, err := VerifyStripeEvent(payload, "t=1,v1=deadbeef", "")
	assert.ErrorIs(t, err, ErrWebhookNotConfigured)

	_, err = VerifyStripeEvent(payload, "", "whsec_test")
	assert.ErrorIs(t, err, ErrInvalidSignature)

	_, err = VerifyStripeEvent(payload, "t=1,v1=deadbeef", "whsec_test")
	assert.ErrorIs(t, err, ErrInvalidSignature)
}

func TestVerifyMemberstackSignature(t *testing.T) {
	payload := []byte(`{"event":"member.created"}`)
	secret := "ms-secret"

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	valid := hex.EncodeToString(mac.Sum(nil))

	assert.True(t, VerifyMemberstackSignature(payload, valid, secret))
	assert.True(t, VerifyMemberstackSignature(payload, "sha256="+valid, secret))
	assert.False(t, VerifyMemberstackSignature(payload, "deadbeef", secret))
	assert.False(t, VerifyMemberstackSignature(payload, valid, ""))
	assert.False(t, VerifyMemberstackSignature(payload, "not-hex", secret))
}
