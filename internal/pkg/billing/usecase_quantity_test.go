package billing

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuelReschke/LicenseDesk/app/models"
	"github.com/ManuelReschke/LicenseDesk/internal/pkg/license"
)

// paymentEventFor builds the payment_intent.succeeded context the provider
// would send for the checkout created by PurchaseQuantity.
func paymentEventFor(t *testing.T, env *testEnv, eventID, paymentIntentID string) *EventContext {
	t.Helper()
	require.NotEmpty(t, env.provider.checkouts)
	in := env.provider.checkouts[len(env.provider.checkouts)-1]
	c := &EventContext{
		EventID:         eventID,
		EventType:       EventPaymentIntentSuccess,
		PaymentIntentID: paymentIntentID,
		CustomerID:      in.CustomerID,
		Amount:          in.LineItems[0].UnitAmount,
		Currency:        in.LineItems[0].Currency,
	}
	c.SetSource(SourcePaymentIntent, in.PaymentIntentMetadata)
	return c
}

func seedQuantitySubscription(t *testing.T, env *testEnv, email string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, env.repo.UpsertCustomer(ctx, "cus_q", email))
	env.provider.addSubscription(&RemoteSubscription{ID: "sub_q", CustomerID: "cus_q", Status: models.SubscriptionStatusActive, Interval: "month"})
	require.NoError(t, env.repo.UpsertSubscription(ctx, &models.Subscription{
		SubscriptionID: "sub_q",
		CustomerID:     "cus_q",
		UserEmail:      email,
		Status:         models.SubscriptionStatusActive,
		PurchaseType:   models.PurchaseTypeQuantity,
		BillingPeriod:  "monthly",
	}))
}

func TestPurchaseQuantityValidatesRange(t *testing.T) {
	env := newTestEnv(t, nil)

	_, err := env.svc.PurchaseQuantity(context.Background(), "q@example.com", 0, "")
	assert.ErrorIs(t, err, ErrQuantityOutOfRange)
	_, err = env.svc.PurchaseQuantity(context.Background(), "q@example.com", env.cfg.MaxQuantityPerPurchase+1, "")
	assert.ErrorIs(t, err, ErrQuantityOutOfRange)
	assert.Zero(t, env.provider.callCount())
}

func TestPurchaseQuantityWithinThreshold(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	seedQuantitySubscription(t, env, "q@example.com")
	env.provider.previews = []*InvoicePreview{{AmountDue: 1900, ProrationAmount: 1500, HasProrationLines: true}}

	res, err := env.svc.PurchaseQuantity(ctx, "q@example.com", 3, "")
	require.NoError(t, err)
	assert.Equal(t, "sub_q", res.SubscriptionID)
	assert.Len(t, res.ItemIDs, 3)
	assert.Zero(t, res.QueuedCount)
	assert.Equal(t, ProrationQuote{Amount: 1500, Source: ProrationSourcePreview}, res.Quote)
	assert.Equal(t, 3, env.provider.count("CreateSubscriptionItem"))

	checkout := env.provider.checkouts[0]
	assert.Equal(t, CheckoutModePayment, checkout.Mode)
	assert.Equal(t, int64(1500), checkout.LineItems[0].UnitAmount)
	assert.Equal(t, UsecaseQuantity, checkout.PaymentIntentMetadata[MetaUsecase])
	assert.Equal(t, "sub_q", checkout.PaymentIntentMetadata[MetaSubscriptionID])

	// Nothing is persisted locally until the payment succeeds.
	assert.Empty(t, env.repo.licenses)

	report, err := env.svc.HandleQuantityPayment(ctx, paymentEventFor(t, env, "evt_pi", "pi_1"))
	require.NoError(t, err)
	assert.False(t, report.HasFailures())

	licenses, err := env.svc.ListLicenses(ctx, "q@example.com")
	require.NoError(t, err)
	require.Len(t, licenses, 3)
	seen := map[string]bool{}
	for _, l := range licenses {
		assert.True(t, license.Valid(env.cfg.LicenseKeyPrefix, l.LicenseKey), l.LicenseKey)
		assert.Equal(t, models.PurchaseTypeQuantity, l.PurchaseType)
		assert.NotEmpty(t, l.ItemID)
		seen[l.LicenseKey] = true
	}
	assert.Len(t, seen, 3)
	require.Len(t, env.repo.payments, 1)
	assert.Equal(t, int64(1500), env.repo.payments[0].Amount)
}

func TestPurchaseQuantityAboveThresholdQueuesRemainder(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	seedQuantitySubscription(t, env, "q@example.com")
	n := env.cfg.QueueBatchThreshold + 5

	res, err := env.svc.PurchaseQuantity(ctx, "q@example.com", n, "monthly")
	require.NoError(t, err)
	assert.Len(t, res.ItemIDs, env.cfg.QueueImmediateCount)
	assert.Equal(t, n-env.cfg.QueueImmediateCount, res.QueuedCount)
	assert.Equal(t, n, len(res.ItemIDs)+res.QueuedCount)
	// A zero preview is not chargeable, so the estimate is used.
	assert.Equal(t, ProrationSourceEstimate, res.Quote.Source)
	assert.Equal(t, int64(n)*env.cfg.PricingFor("monthly").UnitAmount, res.Quote.Amount)

	// Unpaid rows are invisible to the drain.
	run, err := env.svc.ProcessQueue(ctx, 0)
	require.NoError(t, err)
	assert.Zero(t, run.Processed)

	_, err = env.svc.HandleQuantityPayment(ctx, paymentEventFor(t, env, "evt_pi", "pi_big"))
	require.NoError(t, err)
	status, err := env.svc.QueueStatus(ctx, "pi_big")
	require.NoError(t, err)
	assert.Equal(t, res.QueuedCount, status.Pending)

	run, err = env.svc.ProcessQueue(ctx, MaxQueueBatch)
	require.NoError(t, err)
	assert.Equal(t, res.QueuedCount, run.SuccessCount)

	status, err = env.svc.QueueStatus(ctx, "pi_big")
	require.NoError(t, err)
	assert.Equal(t, res.QueuedCount, status.Completed)

	licenses, err := env.svc.ListLicenses(ctx, "q@example.com")
	require.NoError(t, err)
	assert.Len(t, licenses, n)
}

func TestPurchaseQuantityFailedImmediateItemIsQueued(t *testing.T) {
	env := newTestEnv(t, nil)
	seedQuantitySubscription(t, env, "q@example.com")
	env.provider.errs["CreateSubscriptionItem"] = ErrProviderUnavailable
	env.provider.failTimes["CreateSubscriptionItem"] = 1

	res, err := env.svc.PurchaseQuantity(context.Background(), "q@example.com", 2, "")
	require.NoError(t, err)
	assert.Len(t, res.ItemIDs, 1)
	assert.Equal(t, 1, res.QueuedCount)
	assert.True(t, res.Report.HasFailures())

	md := env.provider.checkouts[0].PaymentIntentMetadata
	assert.Len(t, ReadMetaList(md, MetaLicenseKeys), 1)
	assert.Len(t, ReadMetaList(md, MetaQueueIDs), 1)
}

func TestPurchaseQuantityWithoutSubscriptionCreatesOne(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	res, err := env.svc.PurchaseQuantity(ctx, "fresh@example.com", 2, "yearly")
	require.NoError(t, err)
	assert.Equal(t, 1, env.provider.count("CreateCustomer"))
	assert.Equal(t, 1, env.provider.count("CreateSubscription"))
	assert.Zero(t, env.provider.count("PreviewInvoice"))
	assert.Equal(t, int64(2*7200), res.Quote.Amount)

	sub, err := env.repo.GetSubscription(ctx, res.SubscriptionID)
	require.NoError(t, err)
	assert.Equal(t, models.PurchaseTypeQuantity, sub.PurchaseType)
	assert.Equal(t, "1", env.provider.checkouts[0].PaymentIntentMetadata[metaNewSubscription])
}

func TestReconcileExpiredQuantityCheckout(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	seedQuantitySubscription(t, env, "q@example.com")
	n := env.cfg.QueueBatchThreshold + 2

	res, err := env.svc.PurchaseQuantity(ctx, "q@example.com", n, "")
	require.NoError(t, err)

	c := &EventContext{EventID: "evt_exp", EventType: EventCheckoutExpired, SessionID: res.SessionID}
	c.SetSource(SourceSession, env.provider.checkouts[0].Metadata)
	report, err := env.svc.ReconcileExpiredQuantityCheckout(ctx, c)
	require.NoError(t, err)
	assert.False(t, report.HasFailures())

	assert.ElementsMatch(t, res.ItemIDs, env.provider.deletedItems)
	for _, row := range env.repo.queueRows() {
		assert.Equal(t, models.QueueStatusFailed, row.Status)
	}
	assert.Zero(t, env.provider.count("CreateRefund"))
	assert.Empty(t, env.repo.refunds)
}
