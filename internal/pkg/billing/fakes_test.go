package billing

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"gorm.io/gorm"

	"github.com/ManuelReschke/LicenseDesk/app/models"
	"github.com/ManuelReschke/LicenseDesk/internal/pkg/config"
)

// memoryRepo is an in-memory Repository with the same conflict semantics as
// the GORM implementation.
type memoryRepo struct {
	mu sync.Mutex

	keys          map[string]*models.IdempotencyKey
	users         map[string]*models.User
	customers     []models.Customer
	subscriptions []*models.Subscription
	items         []*models.SubscriptionItem
	sites         []*models.Site
	pending       []models.PendingSite
	licenses      map[string]*models.License
	payments      []models.Payment
	refunds       []models.Refund
	queue         []*models.SubscriptionQueueItem
	pendingSeq    uint
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{
		keys:     map[string]*models.IdempotencyKey{},
		users:    map[string]*models.User{},
		licenses: map[string]*models.License{},
	}
}

func (r *memoryRepo) CreateIdempotencyKey(_ context.Context, key *models.IdempotencyKey) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.keys[key.OperationID]; ok {
		return false, nil
	}
	cp := *key
	r.keys[key.OperationID] = &cp
	return true, nil
}

func (r *memoryRepo) MarkIdempotencyKeyProcessed(_ context.Context, operationID, processingError string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if k, ok := r.keys[operationID]; ok {
		now := time.Now()
		k.ProcessedAt = &now
		k.ProcessingError = processingError
	}
	return nil
}

func (r *memoryRepo) DeleteIdempotencyKey(_ context.Context, operationID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.keys, operationID)
	return nil
}

func (r *memoryRepo) UpsertUser(_ context.Context, email string) (*models.User, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if u, ok := r.users[email]; ok {
		return u, false, nil
	}
	u := &models.User{ID: uint(len(r.users) + 1), Email: email}
	r.users[email] = u
	return u, true, nil
}

func (r *memoryRepo) SetMemberstackID(_ context.Context, email, memberID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if u, ok := r.users[email]; ok {
		u.MemberstackID = memberID
	}
	return nil
}

func (r *memoryRepo) UpsertCustomer(_ context.Context, customerID, email string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.customers {
		if r.customers[i].CustomerID == customerID {
			r.customers[i].UserEmail = email
			return nil
		}
	}
	r.customers = append(r.customers, models.Customer{ID: uint(len(r.customers) + 1), CustomerID: customerID, UserEmail: email})
	return nil
}

func (r *memoryRepo) FindCustomerEmail(_ context.Context, customerID string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.customers {
		if c.CustomerID == customerID {
			return c.UserEmail, nil
		}
	}
	return "", gorm.ErrRecordNotFound
}

func (r *memoryRepo) LatestCustomerID(_ context.Context, email string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.customers) - 1; i >= 0; i-- {
		if r.customers[i].UserEmail == email {
			return r.customers[i].CustomerID, nil
		}
	}
	return "", gorm.ErrRecordNotFound
}

func (r *memoryRepo) UpsertSubscription(_ context.Context, sub *models.Subscription) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, existing := range r.subscriptions {
		if existing.SubscriptionID == sub.SubscriptionID {
			cp := *sub
			cp.ID = existing.ID
			r.subscriptions[i] = &cp
			sub.ID = existing.ID
			return nil
		}
	}
	cp := *sub
	cp.ID = uint(len(r.subscriptions) + 1)
	sub.ID = cp.ID
	r.subscriptions = append(r.subscriptions, &cp)
	return nil
}

func (r *memoryRepo) GetSubscription(_ context.Context, subscriptionID string) (*models.Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.subscriptions {
		if s.SubscriptionID == subscriptionID {
			cp := *s
			return &cp, nil
		}
	}
	return nil, gorm.ErrRecordNotFound
}

func (r *memoryRepo) ListSubscriptionsByEmail(_ context.Context, email string) ([]models.Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.Subscription
	for i := len(r.subscriptions) - 1; i >= 0; i-- {
		if r.subscriptions[i].UserEmail == email {
			out = append(out, *r.subscriptions[i])
		}
	}
	return out, nil
}

func (r *memoryRepo) UpsertSubscriptionItem(_ context.Context, item *models.SubscriptionItem) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, existing := range r.items {
		if existing.ItemID == item.ItemID {
			cp := *item
			cp.ID = existing.ID
			r.items[i] = &cp
			return nil
		}
	}
	cp := *item
	cp.ID = uint(len(r.items) + 1)
	r.items = append(r.items, &cp)
	return nil
}

func (r *memoryRepo) GetSubscriptionItem(_ context.Context, itemID string) (*models.SubscriptionItem, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, it := range r.items {
		if it.ItemID == itemID {
			cp := *it
			return &cp, nil
		}
	}
	return nil, gorm.ErrRecordNotFound
}

func (r *memoryRepo) ListSubscriptionItems(_ context.Context, subscriptionID string) ([]models.SubscriptionItem, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.SubscriptionItem
	for _, it := range r.items {
		if it.SubscriptionID == subscriptionID {
			out = append(out, *it)
		}
	}
	return out, nil
}

func (r *memoryRepo) UpdateSubscriptionItem(_ context.Context, itemID string, updates map[string]interface{}) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, it := range r.items {
		if it.ItemID != itemID {
			continue
		}
		for k, v := range updates {
			switch k {
			case "status":
				it.Status = v.(string)
			case "quantity":
				it.Quantity = v.(int64)
			default:
				return fmt.Errorf("memoryRepo: unsupported item column %s", k)
			}
		}
	}
	return nil
}

func (r *memoryRepo) LatestItemPriceID(_ context.Context, email string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	owned := map[string]bool{}
	for _, s := range r.subscriptions {
		if s.UserEmail == email {
			owned[s.SubscriptionID] = true
		}
	}
	for i := len(r.items) - 1; i >= 0; i-- {
		it := r.items[i]
		if owned[it.SubscriptionID] && it.PriceID != "" && it.PurchaseType == models.PurchaseTypeSite {
			return it.PriceID, nil
		}
	}
	return "", gorm.ErrRecordNotFound
}

func (r *memoryRepo) UpsertSite(_ context.Context, site *models.Site) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, existing := range r.sites {
		if existing.UserEmail == site.UserEmail && existing.SiteDomain == site.SiteDomain {
			cp := *site
			cp.ID = existing.ID
			r.sites[i] = &cp
			return nil
		}
	}
	cp := *site
	cp.ID = uint(len(r.sites) + 1)
	r.sites = append(r.sites, &cp)
	return nil
}

func (r *memoryRepo) GetSite(_ context.Context, email, domain string) (*models.Site, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.sites {
		if s.UserEmail == email && s.SiteDomain == domain {
			cp := *s
			return &cp, nil
		}
	}
	return nil, gorm.ErrRecordNotFound
}

func (r *memoryRepo) ListSites(_ context.Context, email string) ([]models.Site, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.Site
	for _, s := range r.sites {
		if s.UserEmail == email {
			out = append(out, *s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SiteDomain < out[j].SiteDomain })
	return out, nil
}

func (r *memoryRepo) UpdateSiteStatus(_ context.Context, email, domain, status string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.sites {
		if s.UserEmail == email && s.SiteDomain == domain {
			s.Status = status
		}
	}
	return nil
}

func (r *memoryRepo) CreatePendingSites(_ context.Context, sites []models.PendingSite) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for _, ps := range sites {
		dup := false
		for _, existing := range r.pending {
			if existing.UserEmail == ps.UserEmail && existing.SiteDomain == ps.SiteDomain {
				dup = true
				break
			}
		}
		if dup {
			continue
		}
		r.pendingSeq++
		ps.ID = r.pendingSeq
		r.pending = append(r.pending, ps)
		n++
	}
	return n, nil
}

func (r *memoryRepo) ListPendingSites(_ context.Context, email string) ([]models.PendingSite, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.PendingSite
	for _, ps := range r.pending {
		if ps.UserEmail == email {
			out = append(out, ps)
		}
	}
	return out, nil
}

func (r *memoryRepo) DeletePendingSite(_ context.Context, email, domain string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	kept := r.pending[:0]
	for _, ps := range r.pending {
		if ps.UserEmail != email || ps.SiteDomain != domain {
			kept = append(kept, ps)
		}
	}
	r.pending = kept
	return nil
}

func (r *memoryRepo) LicenseKeyExists(_ context.Context, key string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.licenses[key]; ok {
		return true, nil
	}
	for _, q := range r.queue {
		if q.LicenseKey == key {
			return true, nil
		}
	}
	return false, nil
}

func (r *memoryRepo) CreateLicense(_ context.Context, l *models.License) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.licenses[l.LicenseKey]; ok {
		return gorm.ErrDuplicatedKey
	}
	cp := *l
	cp.CreatedAt = time.Now()
	r.licenses[l.LicenseKey] = &cp
	return nil
}

func (r *memoryRepo) GetLicense(_ context.Context, key string) (*models.License, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if l, ok := r.licenses[key]; ok {
		cp := *l
		return &cp, nil
	}
	return nil, gorm.ErrRecordNotFound
}

func (r *memoryRepo) FindLicenseByItem(_ context.Context, itemID string) (*models.License, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, l := range r.licenses {
		if l.ItemID == itemID {
			cp := *l
			return &cp, nil
		}
	}
	return nil, gorm.ErrRecordNotFound
}

func (r *memoryRepo) ListLicensesByEmail(_ context.Context, email string) ([]models.License, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.License
	for _, l := range r.licenses {
		if l.UserEmail == email {
			out = append(out, *l)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LicenseKey < out[j].LicenseKey })
	return out, nil
}

func (r *memoryRepo) SaveLicense(_ context.Context, l *models.License) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *l
	r.licenses[l.LicenseKey] = &cp
	return nil
}

func (r *memoryRepo) SetLicenseStatusByItem(_ context.Context, itemID, status string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, l := range r.licenses {
		if l.ItemID == itemID {
			l.Status = status
		}
	}
	return nil
}

func (r *memoryRepo) CreatePayment(_ context.Context, p *models.Payment) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p.ID = uint(len(r.payments) + 1)
	r.payments = append(r.payments, *p)
	return nil
}

func (r *memoryRepo) CreateRefund(_ context.Context, refund *models.Refund) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	refund.ID = uint(len(r.refunds) + 1)
	r.refunds = append(r.refunds, *refund)
	return nil
}

func (r *memoryRepo) CreateQueueItems(_ context.Context, items []models.SubscriptionQueueItem) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range items {
		cp := items[i]
		cp.ID = uint(len(r.queue) + 1)
		r.queue = append(r.queue, &cp)
	}
	return nil
}

func (r *memoryRepo) ListDueQueueItems(_ context.Context, now time.Time, limit int) ([]models.SubscriptionQueueItem, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.SubscriptionQueueItem
	for _, q := range r.queue {
		if q.PaymentIntentID != "" && q.IsDue(now) {
			out = append(out, *q)
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (r *memoryRepo) ClaimQueueItem(_ context.Context, queueID string, now time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, q := range r.queue {
		if q.QueueID == queueID && q.Status == models.QueueStatusPending {
			q.Status = models.QueueStatusProcessing
			q.ProcessedAt = &now
			return true, nil
		}
	}
	return false, nil
}

func (r *memoryRepo) UpdateQueueItem(_ context.Context, item *models.SubscriptionQueueItem, from models.QueueStatus) error {
	if err := models.QueueTransition(from, item.Status); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, q := range r.queue {
		if q.QueueID != item.QueueID {
			continue
		}
		if q.Status != from {
			return ErrStaleQueueItem
		}
		q.Status = item.Status
		q.Attempts = item.Attempts
		q.NextRetryAt = item.NextRetryAt
		q.LastError = item.LastError
		q.SubscriptionID = item.SubscriptionID
		q.ItemID = item.ItemID
		return nil
	}
	return ErrStaleQueueItem
}

func (r *memoryRepo) ListQueueItemsByPaymentIntent(_ context.Context, paymentIntentID string) ([]models.SubscriptionQueueItem, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.SubscriptionQueueItem
	for _, q := range r.queue {
		if q.PaymentIntentID == paymentIntentID {
			out = append(out, *q)
		}
	}
	return out, nil
}

func (r *memoryRepo) ListQueueItemsByIDs(_ context.Context, queueIDs []string) ([]models.SubscriptionQueueItem, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	want := map[string]bool{}
	for _, id := range queueIDs {
		want[id] = true
	}
	var out []models.SubscriptionQueueItem
	for _, q := range r.queue {
		if want[q.QueueID] {
			out = append(out, *q)
		}
	}
	return out, nil
}

func (r *memoryRepo) LinkQueueItemsToPaymentIntent(_ context.Context, queueIDs []string, paymentIntentID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	want := map[string]bool{}
	for _, id := range queueIDs {
		want[id] = true
	}
	for _, q := range r.queue {
		if want[q.QueueID] {
			q.PaymentIntentID = paymentIntentID
		}
	}
	return nil
}

func (r *memoryRepo) ListStuckQueueItems(_ context.Context, olderThan time.Time) ([]models.SubscriptionQueueItem, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.SubscriptionQueueItem
	for _, q := range r.queue {
		if q.Status == models.QueueStatusProcessing && q.ProcessedAt != nil && q.ProcessedAt.Before(olderThan) {
			out = append(out, *q)
		}
	}
	return out, nil
}

// snapshot is a comparable view of every table, used to assert that a replay
// changed nothing.
func (r *memoryRepo) snapshot() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var b strings.Builder
	fmt.Fprintf(&b, "users=%d customers=%d subs=%d items=%d sites=%d pending=%d licenses=%d payments=%d refunds=%d queue=%d",
		len(r.users), len(r.customers), len(r.subscriptions), len(r.items), len(r.sites),
		len(r.pending), len(r.licenses), len(r.payments), len(r.refunds), len(r.queue))
	for _, q := range r.queue {
		fmt.Fprintf(&b, " %s:%s:%d", q.QueueID, q.Status, q.Attempts)
	}
	return b.String()
}

func (r *memoryRepo) queueRows() []models.SubscriptionQueueItem {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]models.SubscriptionQueueItem, 0, len(r.queue))
	for _, q := range r.queue {
		out = append(out, *q)
	}
	return out
}

// fakeProvider keeps subscriptions in memory and records every call. Errors
// can be injected per method name.
type fakeProvider struct {
	mu sync.Mutex

	seq           int
	calls         []string
	errs          map[string]error
	failTimes     map[string]int
	subscriptions map[string]*RemoteSubscription
	prices        map[string]*RemotePrice
	emails        map[string]string
	defaultPM     map[string]bool
	intents       map[string]*RemotePaymentIntent
	previews      []*InvoicePreview
	previewErrs   []error
	checkouts     []CheckoutInput
	sessions      map[string]*CheckoutSession
	refunds       []RefundInput
	deletedItems  []string
	createdItems  []CreateItemInput
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		errs:          map[string]error{},
		failTimes:     map[string]int{},
		subscriptions: map[string]*RemoteSubscription{},
		prices:        map[string]*RemotePrice{},
		emails:        map[string]string{},
		defaultPM:     map[string]bool{},
		intents:       map[string]*RemotePaymentIntent{},
		sessions:      map[string]*CheckoutSession{},
	}
}

func (p *fakeProvider) record(method string) error {
	p.calls = append(p.calls, method)
	if n := p.failTimes[method]; n > 0 {
		p.failTimes[method] = n - 1
		return p.errs[method]
	}
	if _, limited := p.failTimes[method]; limited {
		return nil
	}
	return p.errs[method]
}

func (p *fakeProvider) next(prefix string) string {
	p.seq++
	return fmt.Sprintf("%s_%d", prefix, p.seq)
}

func (p *fakeProvider) count(method string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, c := range p.calls {
		if c == method {
			n++
		}
	}
	return n
}

func (p *fakeProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}

// addSubscription seeds a remote subscription.
func (p *fakeProvider) addSubscription(sub *RemoteSubscription) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := range sub.Items {
		sub.Items[i].SubscriptionID = sub.ID
	}
	p.subscriptions[sub.ID] = sub
}

func (p *fakeProvider) GetCustomerEmail(_ context.Context, customerID string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.record("GetCustomerEmail"); err != nil {
		return "", err
	}
	return p.emails[customerID], nil
}

func (p *fakeProvider) CreateCustomer(_ context.Context, email string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.record("CreateCustomer"); err != nil {
		return "", err
	}
	id := p.next("cus")
	p.emails[id] = email
	return id, nil
}

func (p *fakeProvider) HasDefaultPaymentMethod(_ context.Context, customerID string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.record("HasDefaultPaymentMethod"); err != nil {
		return false, err
	}
	return p.defaultPM[customerID], nil
}

func (p *fakeProvider) GetSubscription(_ context.Context, subscriptionID string) (*RemoteSubscription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.record("GetSubscription"); err != nil {
		return nil, err
	}
	sub, ok := p.subscriptions[subscriptionID]
	if !ok {
		return nil, fmt.Errorf("no such subscription %s", subscriptionID)
	}
	cp := *sub
	cp.Items = append([]RemoteItem(nil), sub.Items...)
	return &cp, nil
}

func (p *fakeProvider) CreateSubscription(_ context.Context, in CreateSubscriptionInput) (*RemoteSubscription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.record("CreateSubscription"); err != nil {
		return nil, err
	}
	start := time.Now()
	end := start.Add(30 * 24 * time.Hour)
	sub := &RemoteSubscription{
		ID:                 p.next("sub"),
		CustomerID:         in.CustomerID,
		Status:             models.SubscriptionStatusActive,
		Interval:           "month",
		CurrentPeriodStart: &start,
		CurrentPeriodEnd:   &end,
		Metadata:           in.Metadata,
	}
	if in.TrialEnd != nil {
		sub.Status = models.SubscriptionStatusTrialing
	}
	for _, ni := range in.Items {
		sub.Items = append(sub.Items, p.itemFrom(sub.ID, ni))
	}
	p.subscriptions[sub.ID] = sub
	cp := *sub
	return &cp, nil
}

func (p *fakeProvider) itemFrom(subscriptionID string, ni NewItem) RemoteItem {
	item := RemoteItem{
		ID:             p.next("si"),
		SubscriptionID: subscriptionID,
		PriceID:        ni.PriceID,
		Quantity:       quantityOrOne(ni.Quantity),
		Metadata:       ni.Metadata,
	}
	if ni.PriceData != nil {
		item.PriceID = p.next("price")
		item.ProductID = ni.PriceData.ProductID
		item.UnitAmount = ni.PriceData.UnitAmount
		item.Currency = ni.PriceData.Currency
		item.Interval = ni.PriceData.Interval
	} else if pr, ok := p.prices[ni.PriceID]; ok {
		item.UnitAmount = pr.UnitAmount
		item.Currency = pr.Currency
		item.Interval = pr.Interval
	}
	return item
}

func (p *fakeProvider) CancelSubscription(_ context.Context, subscriptionID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.record("CancelSubscription"); err != nil {
		return err
	}
	if sub, ok := p.subscriptions[subscriptionID]; ok {
		sub.Status = models.SubscriptionStatusCanceled
	}
	return nil
}

func (p *fakeProvider) CreateSubscriptionItem(_ context.Context, in CreateItemInput) (*RemoteItem, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.record("CreateSubscriptionItem"); err != nil {
		return nil, err
	}
	p.createdItems = append(p.createdItems, in)
	sub, ok := p.subscriptions[in.SubscriptionID]
	if !ok {
		return nil, fmt.Errorf("no such subscription %s", in.SubscriptionID)
	}
	item := p.itemFrom(sub.ID, in.Item)
	sub.Items = append(sub.Items, item)
	return &item, nil
}

func (p *fakeProvider) DeleteSubscriptionItem(_ context.Context, itemID, _ string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.record("DeleteSubscriptionItem"); err != nil {
		return err
	}
	p.deletedItems = append(p.deletedItems, itemID)
	for _, sub := range p.subscriptions {
		kept := sub.Items[:0]
		for _, it := range sub.Items {
			if it.ID != itemID {
				kept = append(kept, it)
			}
		}
		sub.Items = kept
	}
	return nil
}

func (p *fakeProvider) UpdateSubscriptionItemQuantity(_ context.Context, itemID string, quantity int64, _ string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.record("UpdateSubscriptionItemQuantity"); err != nil {
		return err
	}
	for _, sub := range p.subscriptions {
		for i := range sub.Items {
			if sub.Items[i].ID == itemID {
				sub.Items[i].Quantity = quantity
			}
		}
	}
	return nil
}

func (p *fakeProvider) GetPrice(_ context.Context, priceID string) (*RemotePrice, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.record("GetPrice"); err != nil {
		return nil, err
	}
	pr, ok := p.prices[priceID]
	if !ok {
		return nil, fmt.Errorf("no such price %s", priceID)
	}
	cp := *pr
	return &cp, nil
}

func (p *fakeProvider) CreateProduct(_ context.Context, _ string, _ map[string]string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.record("CreateProduct"); err != nil {
		return "", err
	}
	return p.next("prod"), nil
}

func (p *fakeProvider) CreatePrice(_ context.Context, in PriceInput) (*RemotePrice, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.record("CreatePrice"); err != nil {
		return nil, err
	}
	pr := &RemotePrice{ID: p.next("price"), ProductID: in.ProductID, UnitAmount: in.UnitAmount, Currency: in.Currency, Interval: in.Interval}
	p.prices[pr.ID] = pr
	cp := *pr
	return &cp, nil
}

func (p *fakeProvider) GetPaymentIntent(_ context.Context, paymentIntentID string) (*RemotePaymentIntent, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.record("GetPaymentIntent"); err != nil {
		return nil, err
	}
	if pi, ok := p.intents[paymentIntentID]; ok {
		return pi, nil
	}
	return &RemotePaymentIntent{ID: paymentIntentID}, nil
}

// PreviewInvoice returns queued previews/errors in order, then a zero preview.
func (p *fakeProvider) PreviewInvoice(_ context.Context, _ PreviewInput) (*InvoicePreview, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, "PreviewInvoice")
	var (
		preview *InvoicePreview
		err     error
	)
	if len(p.previewErrs) > 0 {
		err, p.previewErrs = p.previewErrs[0], p.previewErrs[1:]
	}
	if len(p.previews) > 0 {
		preview, p.previews = p.previews[0], p.previews[1:]
	}
	if err != nil {
		return nil, err
	}
	if preview == nil {
		preview = &InvoicePreview{}
	}
	return preview, nil
}

func (p *fakeProvider) CreateCheckoutSession(_ context.Context, in CheckoutInput) (*CheckoutSession, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.record("CreateCheckoutSession"); err != nil {
		return nil, err
	}
	p.checkouts = append(p.checkouts, in)
	id := p.next("cs")
	email := in.CustomerEmail
	if email == "" {
		email = p.emails[in.CustomerID]
	}
	p.sessions[id] = &CheckoutSession{ID: id, URL: "https://checkout.stripe.com/c/pay/" + id, CustomerID: in.CustomerID, CustomerEmail: email, PaymentStatus: "unpaid"}
	return &CheckoutSession{ID: id, URL: "https://checkout.stripe.com/c/pay/" + id}, nil
}

func (p *fakeProvider) GetCheckoutSession(_ context.Context, sessionID string) (*CheckoutSession, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.record("GetCheckoutSession"); err != nil {
		return nil, err
	}
	cs, ok := p.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("%w: no such checkout session %s", ErrInvalidInput, sessionID)
	}
	copied := *cs
	return &copied, nil
}

func (p *fakeProvider) CreateRefund(_ context.Context, in RefundInput) (*RemoteRefund, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.record("CreateRefund"); err != nil {
		return nil, err
	}
	p.refunds = append(p.refunds, in)
	return &RemoteRefund{ID: p.next("re"), Status: models.RefundStatusSucceeded}, nil
}

type mockIdentity struct {
	mock.Mock
}

func (m *mockIdentity) GetMemberByEmail(ctx context.Context, email string) (*Member, error) {
	args := m.Called(ctx, email)
	member, _ := args.Get(0).(*Member)
	return member, args.Error(1)
}

func (m *mockIdentity) CreateMember(ctx context.Context, email, password, planID string) (*Member, error) {
	args := m.Called(ctx, email, password, planID)
	member, _ := args.Get(0).(*Member)
	return member, args.Error(1)
}

func (m *mockIdentity) AddFreePlan(ctx context.Context, memberID, planID string) error {
	args := m.Called(ctx, memberID, planID)
	return args.Error(0)
}

type testEnv struct {
	svc      *Service
	repo     *memoryRepo
	provider *fakeProvider
	cfg      *config.Config
	clock    time.Time
}

func newTestEnv(t *testing.T, identity IdentityProvider) *testEnv {
	t.Helper()
	cfg := config.Default()
	cfg.ProviderCallDelay = 0
	repo := newMemoryRepo()
	provider := newFakeProvider()
	env := &testEnv{repo: repo, provider: provider, cfg: cfg, clock: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	env.svc = NewService(cfg, repo, provider, identity)
	env.svc.now = func() time.Time { return env.clock }
	env.svc.pause = func(context.Context, time.Duration) error { return nil }
	return env
}

func (e *testEnv) advance(d time.Duration) {
	e.clock = e.clock.Add(d)
}

// event builds an InboundEvent around a raw object.
func event(id, typ, object string) *InboundEvent {
	payload := fmt.Sprintf(`{"id":%q,"object":"event","type":%q,"data":{"object":%s}}`, id, typ, object)
	return &InboundEvent{ID: id, Type: typ, Raw: []byte(object), Payload: []byte(payload)}
}
