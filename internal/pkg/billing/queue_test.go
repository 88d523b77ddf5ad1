package billing

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuelReschke/LicenseDesk/app/models"
)

func seedQueue(t *testing.T, env *testEnv, n int, paymentIntentID string) {
	t.Helper()
	env.provider.addSubscription(&RemoteSubscription{ID: "sub_q", CustomerID: "cus_q", Status: models.SubscriptionStatusActive})
	rows := make([]models.SubscriptionQueueItem, 0, n)
	for i := 0; i < n; i++ {
		rows = append(rows, models.SubscriptionQueueItem{
			QueueID:         fmt.Sprintf("q_%d", i),
			CustomerID:      "cus_q",
			UserEmail:       "q@example.com",
			SubscriptionID:  "sub_q",
			ProductID:       "prod_slot",
			Interval:        "month",
			LicenseKey:      fmt.Sprintf("KEY-AAAA-BBBB-CCCC-%04d", i),
			Quantity:        1,
			UnitAmount:      800,
			ChargedAmount:   800,
			Currency:        "usd",
			PaymentIntentID: paymentIntentID,
			Status:          models.QueueStatusPending,
		})
	}
	require.NoError(t, env.repo.CreateQueueItems(context.Background(), rows))
}

func TestProcessQueueCompletesRows(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	seedQueue(t, env, 3, "pi_1")

	res, err := env.svc.ProcessQueue(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Processed)
	assert.Equal(t, 3, res.SuccessCount)
	assert.Zero(t, res.FailCount)

	for _, row := range env.repo.queueRows() {
		assert.Equal(t, models.QueueStatusCompleted, row.Status)
		assert.NotEmpty(t, row.ItemID)
		l, err := env.repo.GetLicense(ctx, row.LicenseKey)
		require.NoError(t, err)
		assert.Equal(t, row.ItemID, l.ItemID)
		assert.Equal(t, row.QueueID, l.QueueID)
	}

	res, err = env.svc.ProcessQueue(ctx, 0)
	require.NoError(t, err)
	assert.Zero(t, res.Processed)
}

func TestProcessQueueRespectsLimit(t *testing.T) {
	env := newTestEnv(t, nil)
	seedQueue(t, env, 12, "pi_1")

	res, err := env.svc.ProcessQueue(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, DefaultQueueBatch, res.Processed)

	res, err = env.svc.ProcessQueue(context.Background(), 1000)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Processed)
}

func TestProcessQueueRetriesWithBackoffThenRefundsOnce(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	seedQueue(t, env, 1, "pi_1")
	env.provider.errs["CreateSubscriptionItem"] = ErrProviderUnavailable

	res, err := env.svc.ProcessQueue(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, res.FailCount)
	row := env.repo.queueRows()[0]
	assert.Equal(t, models.QueueStatusPending, row.Status)
	assert.Equal(t, 1, row.Attempts)
	require.NotNil(t, row.NextRetryAt)
	assert.Equal(t, env.clock.Add(2*env.cfg.QueueRetryBase), *row.NextRetryAt)

	// Not due yet.
	res, err = env.svc.ProcessQueue(ctx, 0)
	require.NoError(t, err)
	assert.Zero(t, res.Processed)

	env.advance(2 * env.cfg.QueueRetryBase)
	_, err = env.svc.ProcessQueue(ctx, 0)
	require.NoError(t, err)
	row = env.repo.queueRows()[0]
	assert.Equal(t, 2, row.Attempts)
	assert.Equal(t, env.clock.Add(4*env.cfg.QueueRetryBase), *row.NextRetryAt)

	env.advance(4 * env.cfg.QueueRetryBase)
	res, err = env.svc.ProcessQueue(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Refunded)
	row = env.repo.queueRows()[0]
	assert.Equal(t, models.QueueStatusFailed, row.Status)
	assert.Equal(t, env.cfg.QueueMaxAttempts, row.Attempts)

	env.advance(time.Hour)
	res, err = env.svc.ProcessQueue(ctx, 0)
	require.NoError(t, err)
	assert.Zero(t, res.Processed)

	require.Len(t, env.repo.refunds, 1)
	refund := env.repo.refunds[0]
	assert.Equal(t, "pi_1", refund.PaymentIntentID)
	assert.Equal(t, int64(800), refund.Amount)
	assert.Equal(t, "q_0", refund.QueueID)
	assert.Equal(t, row.LicenseKey, refund.LicenseKey)
	assert.Equal(t, models.RefundReasonQueueExhausted, refund.Reason)
	assert.Equal(t, models.RefundStatusSucceeded, refund.Status)
	require.Len(t, env.provider.refunds, 1)
	assert.Equal(t, "refund-q_0", env.provider.refunds[0].IdempotencyKey)
}

func TestProcessQueueRecordsFailedRefund(t *testing.T) {
	env := newTestEnv(t, nil)
	env.cfg.QueueMaxAttempts = 1
	seedQueue(t, env, 1, "pi_1")
	env.provider.errs["CreateSubscriptionItem"] = ErrProviderUnavailable
	env.provider.errs["CreateRefund"] = fmt.Errorf("charge already refunded")

	_, err := env.svc.ProcessQueue(context.Background(), 0)
	require.NoError(t, err)

	require.Len(t, env.repo.refunds, 1)
	assert.Equal(t, models.RefundStatusFailed, env.repo.refunds[0].Status)
	assert.Nil(t, env.repo.refunds[0].RefundID)
	assert.Contains(t, env.repo.refunds[0].ErrorMsg, "already refunded")
}

func TestProcessQueueRefundsChargedShareNotUnitPrice(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	env.cfg.QueueMaxAttempts = 1
	seedQuantitySubscription(t, env, "q@example.com")
	n := env.cfg.QueueBatchThreshold + 5
	// Late in the period the prorated charge is far below n unit prices.
	env.provider.previews = []*InvoicePreview{{ProrationAmount: 1501, HasProrationLines: true}}
	env.provider.errs["CreateSubscriptionItem"] = ErrProviderUnavailable

	res, err := env.svc.PurchaseQuantity(ctx, "q@example.com", n, "")
	require.NoError(t, err)
	require.Equal(t, int64(1501), res.Quote.Amount)
	require.Equal(t, n, res.QueuedCount)

	_, err = env.svc.HandleQuantityPayment(ctx, paymentEventFor(t, env, "evt_pi", "pi_late"))
	require.NoError(t, err)
	run, err := env.svc.ProcessQueue(ctx, MaxQueueBatch)
	require.NoError(t, err)
	assert.Equal(t, n, run.Refunded)

	require.Len(t, env.repo.refunds, n)
	var total int64
	for _, r := range env.repo.refunds {
		assert.LessOrEqual(t, r.Amount, int64(101))
		assert.Less(t, r.Amount, env.cfg.PricingFor("monthly").UnitAmount)
		total += r.Amount
	}
	assert.Equal(t, res.Quote.Amount, total)

	var provided int64
	for _, in := range env.provider.refunds {
		provided += in.Amount
	}
	assert.Equal(t, res.Quote.Amount, provided)
}

func TestProcessQueueWithoutChargedAmountSkipsProviderRefund(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	env.cfg.QueueMaxAttempts = 1
	seedQueue(t, env, 1, "pi_1")
	env.repo.queue[0].ChargedAmount = 0
	env.provider.errs["CreateSubscriptionItem"] = ErrProviderUnavailable

	_, err := env.svc.ProcessQueue(ctx, 0)
	require.NoError(t, err)

	assert.Zero(t, env.provider.count("CreateRefund"))
	require.Len(t, env.repo.refunds, 1)
	assert.Equal(t, models.RefundStatusFailed, env.repo.refunds[0].Status)
	assert.Zero(t, env.repo.refunds[0].Amount)
}

func TestResetStuckQueueItems(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	seedQueue(t, env, 2, "pi_1")
	claimed, err := env.repo.ClaimQueueItem(ctx, "q_0", env.clock)
	require.NoError(t, err)
	require.True(t, claimed)

	n, err := env.svc.ResetStuckQueueItems(ctx, 0)
	require.NoError(t, err)
	assert.Zero(t, n)

	env.advance(env.cfg.QueueStuckAfter + time.Minute)
	n, err = env.svc.ResetStuckQueueItems(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	status, err := env.svc.QueueStatus(ctx, "pi_1")
	require.NoError(t, err)
	assert.Equal(t, 2, status.Pending)
	assert.Equal(t, 2, status.Total)

	// The lost run counts as an attempt and is backed off like any failure.
	row := env.repo.queueRows()[0]
	assert.Equal(t, 1, row.Attempts)
	assert.Equal(t, "stuck in processing", row.LastError)
	require.NotNil(t, row.NextRetryAt)
	assert.Equal(t, env.clock.Add(2*env.cfg.QueueRetryBase), *row.NextRetryAt)
	assert.Zero(t, env.repo.queueRows()[1].Attempts)
}

func TestResetStuckQueueItemsFailsAndRefundsAtAttemptLimit(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	seedQueue(t, env, 1, "pi_1")

	// Every claim crashes the drain; the sweep is what moves the row on.
	for attempt := 1; attempt <= env.cfg.QueueMaxAttempts; attempt++ {
		env.advance(time.Hour)
		claimed, err := env.repo.ClaimQueueItem(ctx, "q_0", env.clock)
		require.NoError(t, err)
		require.True(t, claimed, "attempt %d", attempt)

		env.advance(env.cfg.QueueStuckAfter + time.Minute)
		n, err := env.svc.ResetStuckQueueItems(ctx, 0)
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)
	}

	row := env.repo.queueRows()[0]
	assert.Equal(t, models.QueueStatusFailed, row.Status)
	assert.Equal(t, env.cfg.QueueMaxAttempts, row.Attempts)
	require.Len(t, env.repo.refunds, 1)
	assert.Equal(t, int64(800), env.repo.refunds[0].Amount)
	assert.Equal(t, env.cfg.QueueMaxAttempts, env.repo.refunds[0].Attempts)
	assert.Equal(t, 1, env.provider.count("CreateRefund"))

	n, err := env.svc.ResetStuckQueueItems(ctx, 0)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestQueueStatusRequiresPaymentIntent(t *testing.T) {
	env := newTestEnv(t, nil)

	_, err := env.svc.QueueStatus(context.Background(), "")
	assert.ErrorIs(t, err, ErrInvalidInput)
}
