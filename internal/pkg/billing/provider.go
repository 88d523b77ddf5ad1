package billing

import (
	"context"
	"time"
)

const (
	ProrationCreate = "create_prorations"
	ProrationNone   = "none"
)

// Provider is the outbound payment-provider surface used by the service. It
// speaks domain types only so the service can be tested without the network.
type Provider interface {
	GetCustomerEmail(ctx context.Context, customerID string) (string, error)
	CreateCustomer(ctx context.Context, email string) (string, error)
	HasDefaultPaymentMethod(ctx context.Context, customerID string) (bool, error)

	GetSubscription(ctx context.Context, subscriptionID string) (*RemoteSubscription, error)
	CreateSubscription(ctx context.Context, in CreateSubscriptionInput) (*RemoteSubscription, error)
	CancelSubscription(ctx context.Context, subscriptionID string) error
	CreateSubscriptionItem(ctx context.Context, in CreateItemInput) (*RemoteItem, error)
	DeleteSubscriptionItem(ctx context.Context, itemID, prorationBehavior string) error
	UpdateSubscriptionItemQuantity(ctx context.Context, itemID string, quantity int64, prorationBehavior string) error

	GetPrice(ctx context.Context, priceID string) (*RemotePrice, error)
	CreateProduct(ctx context.Context, name string, metadata map[string]string) (string, error)
	CreatePrice(ctx context.Context, in PriceInput) (*RemotePrice, error)

	GetPaymentIntent(ctx context.Context, paymentIntentID string) (*RemotePaymentIntent, error)
	PreviewInvoice(ctx context.Context, in PreviewInput) (*InvoicePreview, error)
	CreateCheckoutSession(ctx context.Context, in CheckoutInput) (*CheckoutSession, error)
	GetCheckoutSession(ctx context.Context, sessionID string) (*CheckoutSession, error)
	CreateRefund(ctx context.Context, in RefundInput) (*RemoteRefund, error)
}

type RemoteSubscription struct {
	ID                 string
	CustomerID         string
	Status             string
	Interval           string
	CurrentPeriodStart *time.Time
	CurrentPeriodEnd   *time.Time
	CancelAtPeriodEnd  bool
	CancelAt           *time.Time
	CanceledAt         *time.Time
	Metadata           map[string]string
	Items              []RemoteItem
}

type RemoteItem struct {
	ID             string
	SubscriptionID string
	PriceID        string
	ProductID      string
	Quantity       int64
	UnitAmount     int64
	Currency       string
	Interval       string
	Metadata       map[string]string
}

type RemotePrice struct {
	ID         string
	ProductID  string
	UnitAmount int64
	Currency   string
	Interval   string
}

type RemotePaymentIntent struct {
	ID         string
	CustomerID string
	Amount     int64
	Currency   string
	Metadata   map[string]string
}

type RemoteRefund struct {
	ID     string
	Status string
}

// PriceData describes an inline recurring price. Items created this way get a
// fresh price id, so several slots can share one product.
type PriceData struct {
	ProductID  string
	UnitAmount int64
	Currency   string
	Interval   string
}

// NewItem is a line to add; either PriceID or PriceData is set.
type NewItem struct {
	PriceID   string
	PriceData *PriceData
	Quantity  int64
	Metadata  map[string]string
}

type CreateSubscriptionInput struct {
	CustomerID        string
	Items             []NewItem
	Metadata          map[string]string
	TrialEnd          *time.Time
	ProrationBehavior string
}

type CreateItemInput struct {
	SubscriptionID    string
	Item              NewItem
	ProrationBehavior string
	IdempotencyKey    string
}

type PriceInput struct {
	ProductID  string
	UnitAmount int64
	Currency   string
	Interval   string
	Nickname   string
	Metadata   map[string]string
}

// PreviewInput asks for the invoice a subscription change would produce.
// ExistingItems is only set when every current item must be listed explicitly.
type PreviewInput struct {
	CustomerID     string
	SubscriptionID string
	NewItems       []NewItem
	ExistingItems  []RemoteItem
}

type InvoicePreview struct {
	AmountDue int64
	Currency  string
	// ProrationAmount sums the lines flagged as proration.
	ProrationAmount   int64
	HasProrationLines bool
}

type CheckoutLineItem struct {
	Name       string
	UnitAmount int64
	Currency   string
	Quantity   int64
	// Interval makes the line recurring (subscription mode).
	Interval string
}

type CheckoutInput struct {
	Mode                  string
	CustomerID            string
	CustomerEmail         string
	SuccessURL            string
	CancelURL             string
	LineItems             []CheckoutLineItem
	Metadata              map[string]string
	PaymentIntentMetadata map[string]string
	SubscriptionMetadata  map[string]string
}

type CheckoutSession struct {
	ID            string
	URL           string
	CustomerID    string
	CustomerEmail string
	PaymentStatus string
}

type RefundInput struct {
	PaymentIntentID string
	Amount          int64
	Reason          string
	Metadata        map[string]string
	IdempotencyKey  string
}

const (
	CheckoutModePayment      = "payment"
	CheckoutModeSubscription = "subscription"
)
