package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/client"
)

// StripeProvider implements Provider over the Stripe API.
type StripeProvider struct {
	api *client.API
}

func NewStripeProvider(secretKey string) *StripeProvider {
	return newStripeProvider(secretKey, nil)
}

// newStripeProvider uses the given backends, or Stripe's defaults when nil.
func newStripeProvider(secretKey string, backends *stripe.Backends) *StripeProvider {
	return &StripeProvider{api: client.New(secretKey, backends)}
}

func (p *StripeProvider) GetCustomerEmail(ctx context.Context, customerID string) (string, error) {
	params := &stripe.CustomerParams{}
	params.Context = ctx
	c, err := p.api.Customers.Get(customerID, params)
	if err != nil {
		return "", wrapStripeError("get customer", err)
	}
	return strings.TrimSpace(c.Email), nil
}

func (p *StripeProvider) CreateCustomer(ctx context.Context, email string) (string, error) {
	params := &stripe.CustomerParams{Email: stripe.String(email)}
	params.Context = ctx
	params.SetIdempotencyKey("customer-" + email)
	c, err := p.api.Customers.New(params)
	if err != nil {
		return "", wrapStripeError("create customer", err)
	}
	return c.ID, nil
}

func (p *StripeProvider) HasDefaultPaymentMethod(ctx context.Context, customerID string) (bool, error) {
	params := &stripe.CustomerParams{}
	params.Context = ctx
	c, err := p.api.Customers.Get(customerID, params)
	if err != nil {
		return false, wrapStripeError("get customer", err)
	}
	if c.InvoiceSettings != nil && c.InvoiceSettings.DefaultPaymentMethod != nil {
		return true, nil
	}
	return c.DefaultSource != nil, nil
}

func (p *StripeProvider) GetSubscription(ctx context.Context, subscriptionID string) (*RemoteSubscription, error) {
	params := &stripe.SubscriptionParams{}
	params.Context = ctx
	s, err := p.api.Subscriptions.Get(subscriptionID, params)
	if err != nil {
		return nil, wrapStripeError("get subscription", err)
	}
	return toRemoteSubscription(s), nil
}

func (p *StripeProvider) CreateSubscription(ctx context.Context, in CreateSubscriptionInput) (*RemoteSubscription, error) {
	params := &stripe.SubscriptionParams{
		Customer: stripe.String(in.CustomerID),
	}
	params.Context = ctx
	for _, item := range in.Items {
		ip := &stripe.SubscriptionItemsParams{Quantity: stripe.Int64(quantityOrOne(item.Quantity))}
		if item.PriceData != nil {
			ip.PriceData = &stripe.SubscriptionItemPriceDataParams{
				Currency:   stripe.String(item.PriceData.Currency),
				Product:    stripe.String(item.PriceData.ProductID),
				UnitAmount: stripe.Int64(item.PriceData.UnitAmount),
				Recurring: &stripe.SubscriptionItemPriceDataRecurringParams{
					Interval: stripe.String(item.PriceData.Interval),
				},
			}
		} else {
			ip.Price = stripe.String(item.PriceID)
		}
		ip.Metadata = item.Metadata
		params.Items = append(params.Items, ip)
	}
	if in.TrialEnd != nil {
		params.TrialEnd = stripe.Int64(in.TrialEnd.Unix())
	}
	if in.ProrationBehavior != "" {
		params.ProrationBehavior = stripe.String(in.ProrationBehavior)
	}
	for k, v := range in.Metadata {
		params.AddMetadata(k, v)
	}

	s, err := p.api.Subscriptions.New(params)
	if err != nil {
		return nil, wrapStripeError("create subscription", err)
	}
	return toRemoteSubscription(s), nil
}

func (p *StripeProvider) CancelSubscription(ctx context.Context, subscriptionID string) error {
	params := &stripe.SubscriptionCancelParams{}
	params.Context = ctx
	if _, err := p.api.Subscriptions.Cancel(subscriptionID, params); err != nil {
		return wrapStripeError("cancel subscription", err)
	}
	return nil
}

func (p *StripeProvider) CreateSubscriptionItem(ctx context.Context, in CreateItemInput) (*RemoteItem, error) {
	params := &stripe.SubscriptionItemParams{
		Subscription: stripe.String(in.SubscriptionID),
		Quantity:     stripe.Int64(quantityOrOne(in.Item.Quantity)),
	}
	params.Context = ctx
	if in.Item.PriceData != nil {
		params.PriceData = &stripe.SubscriptionItemPriceDataParams{
			Currency:   stripe.String(in.Item.PriceData.Currency),
			Product:    stripe.String(in.Item.PriceData.ProductID),
			UnitAmount: stripe.Int64(in.Item.PriceData.UnitAmount),
			Recurring: &stripe.SubscriptionItemPriceDataRecurringParams{
				Interval: stripe.String(in.Item.PriceData.Interval),
			},
		}
	} else {
		params.Price = stripe.String(in.Item.PriceID)
	}
	if in.ProrationBehavior != "" {
		params.ProrationBehavior = stripe.String(in.ProrationBehavior)
	}
	for k, v := range in.Item.Metadata {
		params.AddMetadata(k, v)
	}
	if in.IdempotencyKey != "" {
		params.SetIdempotencyKey(in.IdempotencyKey)
	}

	si, err := p.api.SubscriptionItems.New(params)
	if err != nil {
		return nil, wrapStripeError("create subscription item", err)
	}
	item := toRemoteItem(si)
	if item.SubscriptionID == "" {
		item.SubscriptionID = in.SubscriptionID
	}
	return &item, nil
}

func (p *StripeProvider) DeleteSubscriptionItem(ctx context.Context, itemID, prorationBehavior string) error {
	params := &stripe.SubscriptionItemParams{}
	params.Context = ctx
	if prorationBehavior != "" {
		params.ProrationBehavior = stripe.String(prorationBehavior)
	}
	if _, err := p.api.SubscriptionItems.Del(itemID, params); err != nil {
		return wrapStripeError("delete subscription item", err)
	}
	return nil
}

func (p *StripeProvider) UpdateSubscriptionItemQuantity(ctx context.Context, itemID string, quantity int64, prorationBehavior string) error {
	params := &stripe.SubscriptionItemParams{Quantity: stripe.Int64(quantity)}
	params.Context = ctx
	if prorationBehavior != "" {
		params.ProrationBehavior = stripe.String(prorationBehavior)
	}
	if _, err := p.api.SubscriptionItems.Update(itemID, params); err != nil {
		return wrapStripeError("update subscription item", err)
	}
	return nil
}

func (p *StripeProvider) GetPrice(ctx context.Context, priceID string) (*RemotePrice, error) {
	params := &stripe.PriceParams{}
	params.Context = ctx
	pr, err := p.api.Prices.Get(priceID, params)
	if err != nil {
		return nil, wrapStripeError("get price", err)
	}
	return toRemotePrice(pr), nil
}

func (p *StripeProvider) CreateProduct(ctx context.Context, name string, metadata map[string]string) (string, error) {
	params := &stripe.ProductParams{Name: stripe.String(name)}
	params.Context = ctx
	for k, v := range metadata {
		params.AddMetadata(k, v)
	}
	prod, err := p.api.Products.New(params)
	if err != nil {
		return "", wrapStripeError("create product", err)
	}
	return prod.ID, nil
}

func (p *StripeProvider) CreatePrice(ctx context.Context, in PriceInput) (*RemotePrice, error) {
	params := &stripe.PriceParams{
		Product:    stripe.String(in.ProductID),
		UnitAmount: stripe.Int64(in.UnitAmount),
		Currency:   stripe.String(in.Currency),
	}
	params.Context = ctx
	if in.Interval != "" {
		params.Recurring = &stripe.PriceRecurringParams{Interval: stripe.String(in.Interval)}
	}
	if in.Nickname != "" {
		params.Nickname = stripe.String(in.Nickname)
	}
	for k, v := range in.Metadata {
		params.AddMetadata(k, v)
	}
	pr, err := p.api.Prices.New(params)
	if err != nil {
		return nil, wrapStripeError("create price", err)
	}
	return toRemotePrice(pr), nil
}

func (p *StripeProvider) GetPaymentIntent(ctx context.Context, paymentIntentID string) (*RemotePaymentIntent, error) {
	params := &stripe.PaymentIntentParams{}
	params.Context = ctx
	pi, err := p.api.PaymentIntents.Get(paymentIntentID, params)
	if err != nil {
		return nil, wrapStripeError("get payment intent", err)
	}
	out := &RemotePaymentIntent{
		ID:       pi.ID,
		Amount:   pi.Amount,
		Currency: string(pi.Currency),
		Metadata: pi.Metadata,
	}
	if pi.Customer != nil {
		out.CustomerID = pi.Customer.ID
	}
	return out, nil
}

// PreviewInvoice previews the invoice for a subscription change with
// create_prorations. With ExistingItems set every current item is listed too,
// which is the form accepted for flexible billing mode subscriptions.
func (p *StripeProvider) PreviewInvoice(ctx context.Context, in PreviewInput) (*InvoicePreview, error) {
	details := &stripe.InvoiceCreatePreviewSubscriptionDetailsParams{
		ProrationBehavior: stripe.String(ProrationCreate),
	}
	for _, existing := range in.ExistingItems {
		details.Items = append(details.Items, &stripe.InvoiceCreatePreviewSubscriptionDetailsItemParams{
			ID:       stripe.String(existing.ID),
			Quantity: stripe.Int64(quantityOrOne(existing.Quantity)),
		})
	}
	for _, item := range in.NewItems {
		ip := &stripe.InvoiceCreatePreviewSubscriptionDetailsItemParams{
			Quantity: stripe.Int64(quantityOrOne(item.Quantity)),
		}
		if item.PriceData != nil {
			ip.PriceData = &stripe.InvoiceCreatePreviewSubscriptionDetailsItemPriceDataParams{
				Currency:   stripe.String(item.PriceData.Currency),
				Product:    stripe.String(item.PriceData.ProductID),
				UnitAmount: stripe.Int64(item.PriceData.UnitAmount),
				Recurring: &stripe.InvoiceCreatePreviewSubscriptionDetailsItemPriceDataRecurringParams{
					Interval: stripe.String(item.PriceData.Interval),
				},
			}
		} else {
			ip.Price = stripe.String(item.PriceID)
		}
		details.Items = append(details.Items, ip)
	}

	params := &stripe.InvoiceCreatePreviewParams{
		Subscription:        stripe.String(in.SubscriptionID),
		SubscriptionDetails: details,
	}
	if in.CustomerID != "" {
		params.Customer = stripe.String(in.CustomerID)
	}
	params.Context = ctx

	inv, err := p.api.Invoices.CreatePreview(params)
	if err != nil {
		if isFlexibleBillingModeError(err) {
			return nil, fmt.Errorf("%w: %v", ErrFlexibleBillingMode, err)
		}
		return nil, wrapStripeError("preview invoice", err)
	}

	preview := &InvoicePreview{AmountDue: inv.AmountDue, Currency: string(inv.Currency)}
	if inv.LastResponse != nil && len(inv.LastResponse.RawJSON) > 0 {
		amount, found, err := prorationFromInvoiceJSON(inv.LastResponse.RawJSON)
		if err == nil {
			preview.ProrationAmount = amount
			preview.HasProrationLines = found
		}
	}
	return preview, nil
}

func (p *StripeProvider) CreateCheckoutSession(ctx context.Context, in CheckoutInput) (*CheckoutSession, error) {
	params := &stripe.CheckoutSessionParams{
		Mode:       stripe.String(in.Mode),
		SuccessURL: stripe.String(in.SuccessURL),
		CancelURL:  stripe.String(in.CancelURL),
	}
	params.Context = ctx
	if in.CustomerID != "" {
		params.Customer = stripe.String(in.CustomerID)
	} else if in.CustomerEmail != "" {
		params.CustomerEmail = stripe.String(in.CustomerEmail)
	}
	for _, li := range in.LineItems {
		pd := &stripe.CheckoutSessionLineItemPriceDataParams{
			Currency:   stripe.String(li.Currency),
			UnitAmount: stripe.Int64(li.UnitAmount),
			ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
				Name: stripe.String(li.Name),
			},
		}
		if li.Interval != "" {
			pd.Recurring = &stripe.CheckoutSessionLineItemPriceDataRecurringParams{
				Interval: stripe.String(li.Interval),
			}
		}
		params.LineItems = append(params.LineItems, &stripe.CheckoutSessionLineItemParams{
			PriceData: pd,
			Quantity:  stripe.Int64(quantityOrOne(li.Quantity)),
		})
	}
	for k, v := range in.Metadata {
		params.AddMetadata(k, v)
	}
	if len(in.PaymentIntentMetadata) > 0 {
		params.PaymentIntentData = &stripe.CheckoutSessionPaymentIntentDataParams{
			Metadata: in.PaymentIntentMetadata,
		}
	}
	if len(in.SubscriptionMetadata) > 0 {
		params.SubscriptionData = &stripe.CheckoutSessionSubscriptionDataParams{
			Metadata: in.SubscriptionMetadata,
		}
	}

	s, err := p.api.CheckoutSessions.New(params)
	if err != nil {
		return nil, wrapStripeError("create checkout session", err)
	}
	return &CheckoutSession{ID: s.ID, URL: s.URL}, nil
}

func (p *StripeProvider) GetCheckoutSession(ctx context.Context, sessionID string) (*CheckoutSession, error) {
	params := &stripe.CheckoutSessionParams{}
	params.Context = ctx
	s, err := p.api.CheckoutSessions.Get(sessionID, params)
	if err != nil {
		return nil, wrapStripeError("get checkout session", err)
	}
	out := &CheckoutSession{
		ID:            s.ID,
		URL:           s.URL,
		CustomerEmail: strings.TrimSpace(s.CustomerEmail),
		PaymentStatus: string(s.PaymentStatus),
	}
	if s.CustomerDetails != nil && s.CustomerDetails.Email != "" {
		out.CustomerEmail = strings.TrimSpace(s.CustomerDetails.Email)
	}
	if s.Customer != nil {
		out.CustomerID = s.Customer.ID
	}
	return out, nil
}

func (p *StripeProvider) CreateRefund(ctx context.Context, in RefundInput) (*RemoteRefund, error) {
	params := &stripe.RefundParams{
		PaymentIntent: stripe.String(in.PaymentIntentID),
		Amount:        stripe.Int64(in.Amount),
	}
	params.Context = ctx
	if in.Reason != "" {
		params.Reason = stripe.String(in.Reason)
	}
	for k, v := range in.Metadata {
		params.AddMetadata(k, v)
	}
	if in.IdempotencyKey != "" {
		params.SetIdempotencyKey(in.IdempotencyKey)
	}
	r, err := p.api.Refunds.New(params)
	if err != nil {
		return nil, wrapStripeError("create refund", err)
	}
	return &RemoteRefund{ID: r.ID, Status: string(r.Status)}, nil
}

func toRemoteSubscription(s *stripe.Subscription) *RemoteSubscription {
	out := &RemoteSubscription{
		ID:                s.ID,
		Status:            string(s.Status),
		CancelAtPeriodEnd: s.CancelAtPeriodEnd,
		CancelAt:          unixPtr(s.CancelAt),
		CanceledAt:        unixPtr(s.CanceledAt),
		Metadata:          s.Metadata,
	}
	if s.Customer != nil {
		out.CustomerID = s.Customer.ID
	}
	if s.Items != nil {
		for _, si := range s.Items.Data {
			item := toRemoteItem(si)
			if item.SubscriptionID == "" {
				item.SubscriptionID = s.ID
			}
			out.Items = append(out.Items, item)
			if out.CurrentPeriodStart == nil {
				out.CurrentPeriodStart = unixPtr(si.CurrentPeriodStart)
				out.CurrentPeriodEnd = unixPtr(si.CurrentPeriodEnd)
			}
			if out.Interval == "" {
				out.Interval = item.Interval
			}
		}
	}
	return out
}

func toRemoteItem(si *stripe.SubscriptionItem) RemoteItem {
	item := RemoteItem{
		ID:             si.ID,
		SubscriptionID: si.Subscription,
		Quantity:       si.Quantity,
		Metadata:       si.Metadata,
	}
	if si.Price != nil {
		pr := toRemotePrice(si.Price)
		item.PriceID = pr.ID
		item.ProductID = pr.ProductID
		item.UnitAmount = pr.UnitAmount
		item.Currency = pr.Currency
		item.Interval = pr.Interval
	}
	return item
}

func toRemotePrice(pr *stripe.Price) *RemotePrice {
	out := &RemotePrice{
		ID:         pr.ID,
		UnitAmount: pr.UnitAmount,
		Currency:   string(pr.Currency),
	}
	if pr.Product != nil {
		out.ProductID = pr.Product.ID
	}
	if pr.Recurring != nil {
		out.Interval = string(pr.Recurring.Interval)
	}
	return out
}

func unixPtr(ts int64) *time.Time {
	if ts <= 0 {
		return nil
	}
	t := time.Unix(ts, 0).UTC()
	return &t
}

func quantityOrOne(q int64) int64 {
	if q <= 0 {
		return 1
	}
	return q
}

func isFlexibleBillingModeError(err error) bool {
	var se *stripe.Error
	if !errors.As(err, &se) {
		return false
	}
	msg := strings.ToLower(se.Msg)
	return strings.Contains(msg, "billing_mode") || strings.Contains(msg, "flexible")
}

// wrapStripeError marks rate limits, 5xx responses and transport failures as
// ErrProviderUnavailable.
func wrapStripeError(op string, err error) error {
	var se *stripe.Error
	if errors.As(err, &se) {
		if se.HTTPStatusCode == http.StatusTooManyRequests || se.HTTPStatusCode >= 500 {
			return fmt.Errorf("%s: %w: %v", op, ErrProviderUnavailable, err)
		}
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: %w: %v", op, ErrProviderUnavailable, err)
}

// prorationFromInvoiceJSON sums invoice lines flagged as proration. Newer API
// versions carry the flag under parent.subscription_item_details.
func prorationFromInvoiceJSON(raw []byte) (int64, bool, error) {
	var inv struct {
		Lines struct {
			Data []struct {
				Amount    int64 `json:"amount"`
				Proration bool  `json:"proration"`
				Parent    struct {
					SubscriptionItemDetails struct {
						Proration bool `json:"proration"`
					} `json:"subscription_item_details"`
				} `json:"parent"`
			} `json:"data"`
		} `json:"lines"`
	}
	if err := json.Unmarshal(raw, &inv); err != nil {
		return 0, false, err
	}
	var total int64
	found := false
	for _, line := range inv.Lines.Data {
		if line.Proration || line.Parent.SubscriptionItemDetails.Proration {
			total += line.Amount
			found = true
		}
	}
	return total, found, nil
}
