package billing

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ManuelReschke/LicenseDesk/app/models"
)

const (
	EventCheckoutCompleted     = "checkout.session.completed"
	EventCheckoutExpired       = "checkout.session.expired"
	EventPaymentIntentSuccess  = "payment_intent.succeeded"
	EventInvoicePaymentSuccess = "invoice.payment_succeeded"
	EventInvoicePaid           = "invoice.paid"
	EventSubscriptionUpdated   = "customer.subscription.updated"
	EventSubscriptionDeleted   = "customer.subscription.deleted"
)

const (
	UsecaseNewSubscription = "1"
	UsecasePendingSites    = "2"
	UsecaseQuantity        = "3"
)

// Metadata keys written on provider objects.
const (
	MetaUsecase        = "usecase"
	MetaPurchaseType   = "purchase_type"
	MetaSite           = "site"
	MetaSiteDomain     = "site_domain"
	MetaSites          = "sites"
	MetaLicenseKey     = "license_key"
	MetaLicenseKeys    = "license_keys"
	MetaItemIDs        = "item_ids"
	MetaQueueIDs       = "queue_ids"
	MetaSubscriptionID = "subscription_id"
	MetaUserEmail      = "user_email"
	MetaBillingPeriod  = "billing_period"
	MetaQuantity       = "quantity"
)

// Metadata sources, highest priority first.
const (
	SourceSession          = "session"
	SourcePaymentIntent    = "payment_intent"
	SourceSubscriptionData = "subscription_data"
	SourceObject           = "object"
)

var metadataPriority = []string{SourceSession, SourcePaymentIntent, SourceSubscriptionData, SourceObject}

// siteFieldKeys are the custom-field keys that have carried the live site
// domain on payment links over time.
var siteFieldKeys = []string{
	"enteryourlivedomain",
	"enteryourlivesiteurl",
	"enteryourlivesite",
	"sitedomain",
	"site_domain",
	"domain",
}

// EventContext is the normalized view of an inbound event. Handlers read
// only this value; payload shape differences are resolved in NewEventContext.
type EventContext struct {
	EventID   string
	EventType string

	Mode          string
	Usecase       string
	UsecaseSource string
	PurchaseType  string

	CustomerID      string
	CustomerEmail   string
	SubscriptionID  string
	PaymentIntentID string
	InvoiceID       string
	SessionID       string
	SiteDomain      string

	Amount        int64
	Currency      string
	BillingReason string

	PeriodStart *time.Time
	PeriodEnd   *time.Time

	// Subscription is set for customer.subscription.* events.
	Subscription *RemoteSubscription

	sources map[string]map[string]string
}

// Meta returns the first non-empty value for key across metadata sources in
// priority order.
func (c *EventContext) Meta(key string) string {
	v, _ := c.metaWithSource(key)
	return v
}

func (c *EventContext) metaWithSource(key string) (string, string) {
	for _, src := range metadataPriority {
		if v := strings.TrimSpace(c.sources[src][key]); v != "" {
			return v, src
		}
	}
	return "", ""
}

// MetaList decodes a list written by PutMetaList.
func (c *EventContext) MetaList(key string) []string {
	for _, src := range metadataPriority {
		if list := ReadMetaList(c.sources[src], key); len(list) > 0 {
			return list
		}
	}
	return nil
}

// SetSource installs metadata for src and re-derives the discriminators.
func (c *EventContext) SetSource(src string, md map[string]string) {
	if c.sources == nil {
		c.sources = map[string]map[string]string{}
	}
	c.sources[src] = md
	c.deriveDiscriminators()
}

func (c *EventContext) deriveDiscriminators() {
	c.Usecase, c.UsecaseSource = c.metaWithSource(MetaUsecase)
	if pt := strings.ToLower(c.Meta(MetaPurchaseType)); pt != "" {
		c.PurchaseType = pt
	}
	if c.SiteDomain == "" {
		if site := c.Meta(MetaSite); site != "" {
			c.SiteDomain = NormalizeSiteDomain(site)
		} else if site := c.Meta(MetaSiteDomain); site != "" {
			c.SiteDomain = NormalizeSiteDomain(site)
		}
	}
	if c.CustomerEmail == "" {
		c.CustomerEmail = models.NormalizeEmail(c.Meta(MetaUserEmail))
	}
}

// IsQuantityPurchase reports whether the event belongs to Use-Case C.
func (c *EventContext) IsQuantityPurchase() bool {
	return c.Usecase == UsecaseQuantity
}

type rawCustomField struct {
	Key  string `json:"key"`
	Text struct {
		Value string `json:"value"`
	} `json:"text"`
	Dropdown struct {
		Value string `json:"value"`
	} `json:"dropdown"`
}

type rawCheckoutSession struct {
	ID              string          `json:"id"`
	Mode            string          `json:"mode"`
	PaymentStatus   string          `json:"payment_status"`
	Customer        json.RawMessage `json:"customer"`
	Subscription    json.RawMessage `json:"subscription"`
	PaymentIntent   json.RawMessage `json:"payment_intent"`
	CustomerEmail   string          `json:"customer_email"`
	CustomerDetails struct {
		Email string `json:"email"`
	} `json:"customer_details"`
	CustomFields     []rawCustomField  `json:"custom_fields"`
	Metadata         map[string]string `json:"metadata"`
	SubscriptionData struct {
		Metadata map[string]string `json:"metadata"`
	} `json:"subscription_data"`
	AmountTotal int64  `json:"amount_total"`
	Currency    string `json:"currency"`
}

type rawPaymentIntent struct {
	ID             string            `json:"id"`
	Amount         int64             `json:"amount"`
	AmountReceived int64             `json:"amount_received"`
	Currency       string            `json:"currency"`
	Customer       json.RawMessage   `json:"customer"`
	ReceiptEmail   string            `json:"receipt_email"`
	Metadata       map[string]string `json:"metadata"`
}

type rawInvoice struct {
	ID            string          `json:"id"`
	Customer      json.RawMessage `json:"customer"`
	CustomerEmail string          `json:"customer_email"`
	Subscription  json.RawMessage `json:"subscription"`
	Parent        struct {
		SubscriptionDetails struct {
			Subscription json.RawMessage   `json:"subscription"`
			Metadata     map[string]string `json:"metadata"`
		} `json:"subscription_details"`
	} `json:"parent"`
	PaymentIntent json.RawMessage   `json:"payment_intent"`
	BillingReason string            `json:"billing_reason"`
	AmountPaid    int64             `json:"amount_paid"`
	Currency      string            `json:"currency"`
	PeriodStart   int64             `json:"period_start"`
	PeriodEnd     int64             `json:"period_end"`
	Metadata      map[string]string `json:"metadata"`
	Lines         struct {
		Data []struct {
			Period struct {
				Start int64 `json:"start"`
				End   int64 `json:"end"`
			} `json:"period"`
		} `json:"data"`
	} `json:"lines"`
}

type rawPrice struct {
	ID         string          `json:"id"`
	Product    json.RawMessage `json:"product"`
	UnitAmount int64           `json:"unit_amount"`
	Currency   string          `json:"currency"`
	Recurring  *struct {
		Interval string `json:"interval"`
	} `json:"recurring"`
}

type rawSubscription struct {
	ID                 string            `json:"id"`
	Customer           json.RawMessage   `json:"customer"`
	Status             string            `json:"status"`
	CancelAtPeriodEnd  bool              `json:"cancel_at_period_end"`
	CancelAt           int64             `json:"cancel_at"`
	CanceledAt         int64             `json:"canceled_at"`
	CurrentPeriodStart int64             `json:"current_period_start"`
	CurrentPeriodEnd   int64             `json:"current_period_end"`
	Metadata           map[string]string `json:"metadata"`
	Items              struct {
		Data []struct {
			ID                 string            `json:"id"`
			Price              rawPrice          `json:"price"`
			Quantity           int64             `json:"quantity"`
			Metadata           map[string]string `json:"metadata"`
			CurrentPeriodStart int64             `json:"current_period_start"`
			CurrentPeriodEnd   int64             `json:"current_period_end"`
		} `json:"data"`
	} `json:"items"`
}

// NewEventContext decodes the event object and normalizes it. Values that
// require provider lookups (customer email, payment-intent metadata) are
// resolved later by the service.
func NewEventContext(evt *InboundEvent) (*EventContext, error) {
	c := &EventContext{EventID: evt.ID, EventType: evt.Type, sources: map[string]map[string]string{}}

	switch evt.Type {
	case EventCheckoutCompleted, EventCheckoutExpired:
		var s rawCheckoutSession
		if err := json.Unmarshal(evt.Raw, &s); err != nil {
			return nil, fmt.Errorf("decode checkout session: %w", err)
		}
		c.SessionID = s.ID
		c.Mode = s.Mode
		c.CustomerID = expandableID(s.Customer)
		c.SubscriptionID = expandableID(s.Subscription)
		c.PaymentIntentID = expandableID(s.PaymentIntent)
		c.CustomerEmail = firstNonEmpty(s.CustomerDetails.Email, s.CustomerEmail)
		c.SiteDomain = siteFromCustomFields(s.CustomFields)
		c.Amount = s.AmountTotal
		c.Currency = s.Currency
		c.sources[SourceSession] = s.Metadata
		c.sources[SourcePaymentIntent] = expandableMetadata(s.PaymentIntent)
		c.sources[SourceSubscriptionData] = s.SubscriptionData.Metadata

	case EventPaymentIntentSuccess:
		var pi rawPaymentIntent
		if err := json.Unmarshal(evt.Raw, &pi); err != nil {
			return nil, fmt.Errorf("decode payment intent: %w", err)
		}
		c.PaymentIntentID = pi.ID
		c.CustomerID = expandableID(pi.Customer)
		c.CustomerEmail = pi.ReceiptEmail
		c.Amount = pi.AmountReceived
		if c.Amount == 0 {
			c.Amount = pi.Amount
		}
		c.Currency = pi.Currency
		c.sources[SourcePaymentIntent] = pi.Metadata
		c.SubscriptionID = pi.Metadata[MetaSubscriptionID]

	case EventInvoicePaymentSuccess, EventInvoicePaid:
		var inv rawInvoice
		if err := json.Unmarshal(evt.Raw, &inv); err != nil {
			return nil, fmt.Errorf("decode invoice: %w", err)
		}
		c.InvoiceID = inv.ID
		c.CustomerID = expandableID(inv.Customer)
		c.CustomerEmail = inv.CustomerEmail
		c.SubscriptionID = firstNonEmpty(expandableID(inv.Subscription), expandableID(inv.Parent.SubscriptionDetails.Subscription))
		c.PaymentIntentID = expandableID(inv.PaymentIntent)
		c.Amount = inv.AmountPaid
		c.Currency = inv.Currency
		c.BillingReason = inv.BillingReason
		start, end := inv.PeriodStart, inv.PeriodEnd
		if len(inv.Lines.Data) > 0 && inv.Lines.Data[0].Period.End > 0 {
			start, end = inv.Lines.Data[0].Period.Start, inv.Lines.Data[0].Period.End
		}
		c.PeriodStart, c.PeriodEnd = unixPtr(start), unixPtr(end)
		c.sources[SourceSubscriptionData] = inv.Parent.SubscriptionDetails.Metadata
		c.sources[SourceObject] = inv.Metadata

	case EventSubscriptionUpdated, EventSubscriptionDeleted:
		var s rawSubscription
		if err := json.Unmarshal(evt.Raw, &s); err != nil {
			return nil, fmt.Errorf("decode subscription: %w", err)
		}
		sub := &RemoteSubscription{
			ID:                 s.ID,
			CustomerID:         expandableID(s.Customer),
			Status:             s.Status,
			CancelAtPeriodEnd:  s.CancelAtPeriodEnd,
			CancelAt:           unixPtr(s.CancelAt),
			CanceledAt:         unixPtr(s.CanceledAt),
			CurrentPeriodStart: unixPtr(s.CurrentPeriodStart),
			CurrentPeriodEnd:   unixPtr(s.CurrentPeriodEnd),
			Metadata:           s.Metadata,
		}
		for _, it := range s.Items.Data {
			item := RemoteItem{
				ID:             it.ID,
				SubscriptionID: s.ID,
				PriceID:        it.Price.ID,
				ProductID:      expandableID(it.Price.Product),
				Quantity:       it.Quantity,
				UnitAmount:     it.Price.UnitAmount,
				Currency:       it.Price.Currency,
				Metadata:       it.Metadata,
			}
			if it.Price.Recurring != nil {
				item.Interval = it.Price.Recurring.Interval
			}
			sub.Items = append(sub.Items, item)
			if sub.CurrentPeriodStart == nil {
				sub.CurrentPeriodStart = unixPtr(it.CurrentPeriodStart)
				sub.CurrentPeriodEnd = unixPtr(it.CurrentPeriodEnd)
			}
			if sub.Interval == "" {
				sub.Interval = item.Interval
			}
		}
		c.Subscription = sub
		c.SubscriptionID = s.ID
		c.CustomerID = sub.CustomerID
		c.PeriodStart, c.PeriodEnd = sub.CurrentPeriodStart, sub.CurrentPeriodEnd
		c.sources[SourceObject] = s.Metadata
	}

	c.CustomerEmail = models.NormalizeEmail(c.CustomerEmail)
	c.deriveDiscriminators()
	return c, nil
}

// expandableID returns the id of a field that is either an id string or an
// expanded object.
func expandableID(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var id string
	if err := json.Unmarshal(raw, &id); err == nil {
		return id
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil {
		return obj.ID
	}
	return ""
}

func expandableMetadata(raw json.RawMessage) map[string]string {
	if len(raw) == 0 || raw[0] != '{' {
		return nil
	}
	var obj struct {
		Metadata map[string]string `json:"metadata"`
	}
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil
	}
	return obj.Metadata
}

func siteFromCustomFields(fields []rawCustomField) string {
	values := make(map[string]string, len(fields))
	for _, f := range fields {
		key := strings.ToLower(strings.TrimSpace(f.Key))
		values[key] = firstNonEmpty(f.Text.Value, f.Dropdown.Value)
	}
	for _, key := range siteFieldKeys {
		if v := values[key]; strings.TrimSpace(v) != "" {
			return NormalizeSiteDomain(v)
		}
	}
	return ""
}

// NormalizeSiteDomain lowercases a domain and strips scheme, path and a
// trailing dot. "https://Example.com/shop" becomes "example.com".
func NormalizeSiteDomain(raw string) string {
	d := strings.ToLower(strings.TrimSpace(raw))
	if i := strings.Index(d, "://"); i >= 0 {
		d = d[i+3:]
	}
	if i := strings.IndexAny(d, "/?#"); i >= 0 {
		d = d[:i]
	}
	return strings.TrimSuffix(d, ".")
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if s := strings.TrimSpace(v); s != "" {
			return s
		}
	}
	return ""
}

// metaValueLimit is the provider's per-value metadata limit.
const metaValueLimit = 500

// PutMetaList writes values comma-joined under key, spilling into key_2,
// key_3, ... when a value would exceed the provider's length limit.
func PutMetaList(md map[string]string, key string, values []string) {
	chunk := 1
	var b strings.Builder
	flush := func() {
		name := key
		if chunk > 1 {
			name = key + "_" + strconv.Itoa(chunk)
		}
		md[name] = b.String()
		b.Reset()
		chunk++
	}
	for _, v := range values {
		if b.Len() > 0 && b.Len()+1+len(v) > metaValueLimit {
			flush()
		}
		if b.Len() > 0 {
			b.WriteByte(',')
		}
		b.WriteString(v)
	}
	if b.Len() > 0 {
		flush()
	}
}

// ReadMetaList reverses PutMetaList.
func ReadMetaList(md map[string]string, key string) []string {
	var out []string
	for chunk := 1; ; chunk++ {
		name := key
		if chunk > 1 {
			name = key + "_" + strconv.Itoa(chunk)
		}
		raw, ok := md[name]
		if !ok {
			return out
		}
		for _, v := range strings.Split(raw, ",") {
			if v = strings.TrimSpace(v); v != "" {
				out = append(out, v)
			}
		}
	}
}
