package billing

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuelReschke/LicenseDesk/app/models"
)

func TestSplitAmount(t *testing.T) {
	assert.Equal(t, []int64{334, 333, 333}, splitAmount(1000, 3))
	assert.Equal(t, []int64{800}, splitAmount(800, 1))
	assert.Nil(t, splitAmount(800, 0))
}

func TestHandleInvoicePaidRenewsSites(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	seedLocalSiteSubscription(t, env)
	require.NoError(t, env.repo.UpsertSubscriptionItem(ctx, &models.SubscriptionItem{
		ItemID:         "si_2",
		SubscriptionID: "sub_1",
		SiteDomain:     "second.example.com",
		Quantity:       1,
		Status:         models.ItemStatusActive,
		PurchaseType:   models.PurchaseTypeSite,
	}))
	require.NoError(t, env.repo.UpsertSubscriptionItem(ctx, &models.SubscriptionItem{
		ItemID:         "si_gone",
		SubscriptionID: "sub_1",
		SiteDomain:     "gone.example.com",
		Status:         models.ItemStatusRemoved,
		PurchaseType:   models.PurchaseTypeSite,
	}))

	start := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	end := start.AddDate(0, 1, 0)
	c := &EventContext{
		EventID:         "evt_inv",
		EventType:       EventInvoicePaid,
		InvoiceID:       "in_1",
		SubscriptionID:  "sub_1",
		PaymentIntentID: "pi_inv",
		Amount:          1601,
		Currency:        "usd",
		BillingReason:   "subscription_cycle",
		PeriodStart:     &start,
		PeriodEnd:       &end,
	}

	report, err := env.svc.HandleInvoicePaid(ctx, c)
	require.NoError(t, err)
	assert.False(t, report.HasFailures())

	require.Len(t, env.repo.payments, 2)
	assert.Equal(t, int64(801), env.repo.payments[0].Amount)
	assert.Equal(t, "first.example.com", env.repo.payments[0].SiteDomain)
	assert.Equal(t, int64(800), env.repo.payments[1].Amount)
	assert.Equal(t, "in_1", env.repo.payments[1].InvoiceID)

	// Both live items got a license; the removed one did not.
	assert.Len(t, env.repo.licenses, 2)
	_, err = env.repo.FindLicenseByItem(ctx, "si_gone")
	assert.Error(t, err)

	sub, err := env.repo.GetSubscription(ctx, "sub_1")
	require.NoError(t, err)
	assert.Equal(t, end, *sub.CurrentPeriodEnd)
	site, err := env.repo.GetSite(ctx, "owner@example.com", "second.example.com")
	require.NoError(t, err)
	assert.Equal(t, end, *site.RenewalDate)
}

func TestHandleInvoicePaidRecordsInvoiceOnceAcrossAliases(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	seedLocalSiteSubscription(t, env)

	deliver := func(eventID, eventType string) *Report {
		report, err := env.svc.HandleInvoicePaid(ctx, &EventContext{
			EventID:         eventID,
			EventType:       eventType,
			InvoiceID:       "in_alias",
			SubscriptionID:  "sub_1",
			PaymentIntentID: "pi_alias",
			Amount:          800,
			Currency:        "usd",
			BillingReason:   "subscription_cycle",
		})
		require.NoError(t, err)
		return report
	}

	deliver("evt_succeeded", EventInvoicePaymentSuccess)
	report := deliver("evt_paid", EventInvoicePaid)

	require.Len(t, env.repo.payments, 1)
	assert.Equal(t, "evt_succeeded", env.repo.payments[0].StripeEventID)
	require.Len(t, report.Operations, 1)
	assert.Equal(t, "invoice_already_recorded", report.Operations[0].Operation)
}

func TestHandleInvoicePaidReleasesClaimOnFailure(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	c := &EventContext{
		EventID:        "evt_orphan",
		EventType:      EventInvoicePaid,
		InvoiceID:      "in_orphan",
		SubscriptionID: "sub_unknown",
		CustomerEmail:  "owner@example.com",
		Amount:         800,
		BillingReason:  "subscription_cycle",
	}
	env.provider.errs["GetSubscription"] = ErrProviderUnavailable

	_, err := env.svc.HandleInvoicePaid(ctx, c)
	require.Error(t, err)
	_, held := env.repo.keys[invoiceClaimPrefix+"in_orphan"]
	assert.False(t, held)
}

func TestHandleInvoicePaidSkipsFirstInvoice(t *testing.T) {
	env := newTestEnv(t, nil)
	seedLocalSiteSubscription(t, env)
	before := env.repo.snapshot()

	_, err := env.svc.HandleInvoicePaid(context.Background(), &EventContext{
		SubscriptionID: "sub_1",
		BillingReason:  billingReasonSubscriptionCreate,
		Amount:         800,
	})
	require.NoError(t, err)
	assert.Equal(t, before, env.repo.snapshot())
}

func TestHandleInvoicePaidQuantitySubscription(t *testing.T) {
	env := newTestEnv(t, nil)
	seedQuantitySubscription(t, env, "q@example.com")

	_, err := env.svc.HandleInvoicePaid(context.Background(), &EventContext{
		InvoiceID:      "in_q",
		SubscriptionID: "sub_q",
		BillingReason:  "subscription_cycle",
		Amount:         2400,
	})
	require.NoError(t, err)
	require.Len(t, env.repo.payments, 1)
	assert.Equal(t, int64(2400), env.repo.payments[0].Amount)
	assert.Empty(t, env.repo.payments[0].SiteDomain)
}

func TestHandleSubscriptionChange(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	seedLocalSiteSubscription(t, env)
	require.NoError(t, env.repo.UpsertSite(ctx, &models.Site{UserEmail: "owner@example.com", SiteDomain: "first.example.com", ItemID: "si_1", Status: models.SiteStatusActive}))
	require.NoError(t, env.repo.CreateLicense(ctx, &models.License{LicenseKey: "KEY-AAAA-AAAA-AAAA-AAAA", ItemID: "si_1", Status: models.LicenseStatusActive}))

	end := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	report, err := env.svc.HandleSubscriptionChange(ctx, &EventContext{
		EventType: EventSubscriptionUpdated,
		Subscription: &RemoteSubscription{
			ID:                "sub_1",
			Status:            models.SubscriptionStatusPastDue,
			CancelAtPeriodEnd: true,
			CurrentPeriodEnd:  &end,
		},
	})
	require.NoError(t, err)
	assert.False(t, report.HasFailures())

	sub, err := env.repo.GetSubscription(ctx, "sub_1")
	require.NoError(t, err)
	assert.Equal(t, models.SubscriptionStatusPastDue, sub.Status)
	assert.True(t, sub.CancelAtPeriodEnd)

	item, err := env.repo.GetSubscriptionItem(ctx, "si_1")
	require.NoError(t, err)
	assert.Equal(t, models.ItemStatusInactive, item.Status)
	l, err := env.repo.GetLicense(ctx, "KEY-AAAA-AAAA-AAAA-AAAA")
	require.NoError(t, err)
	assert.Equal(t, models.LicenseStatusInactive, l.Status)
	site, err := env.repo.GetSite(ctx, "owner@example.com", "first.example.com")
	require.NoError(t, err)
	assert.Equal(t, models.SiteStatusInactive, site.Status)
}

func TestHandleSubscriptionDeleted(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	seedLocalSiteSubscription(t, env)

	_, err := env.svc.HandleSubscriptionChange(ctx, &EventContext{
		EventType: EventSubscriptionDeleted,
		Subscription: &RemoteSubscription{
			ID:     "sub_1",
			Status: models.SubscriptionStatusActive,
			Items:  []RemoteItem{{ID: "si_1"}},
		},
	})
	require.NoError(t, err)

	sub, err := env.repo.GetSubscription(ctx, "sub_1")
	require.NoError(t, err)
	assert.Equal(t, models.SubscriptionStatusCanceled, sub.Status)
	require.NotNil(t, sub.CanceledAt)
	item, err := env.repo.GetSubscriptionItem(ctx, "si_1")
	require.NoError(t, err)
	assert.Equal(t, models.ItemStatusInactive, item.Status)
}

func TestHandleSubscriptionChangeUnknownIsIgnored(t *testing.T) {
	env := newTestEnv(t, nil)

	report, err := env.svc.HandleSubscriptionChange(context.Background(), &EventContext{
		EventType:    EventSubscriptionUpdated,
		Subscription: &RemoteSubscription{ID: "sub_unknown"},
	})
	require.NoError(t, err)
	assert.Empty(t, report.Operations)
}
