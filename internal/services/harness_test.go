package services

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"gorm.io/gorm"

	"github.com/yungbote/checkout-saga/internal/audit"
	"github.com/yungbote/checkout-saga/internal/data/aggregates"
	"github.com/yungbote/checkout-saga/internal/data/repos"
	"github.com/yungbote/checkout-saga/internal/data/repos/testutil"
	types "github.com/yungbote/checkout-saga/internal/domain/checkout"
	"github.com/yungbote/checkout-saga/internal/events"
	"github.com/yungbote/checkout-saga/internal/payments"
	"github.com/yungbote/checkout-saga/internal/platform/kms"
	"github.com/yungbote/checkout-saga/internal/platform/merchantcfg"
)

const testMerchants = `
merchants:
  m1:
    gateways:
      default:
        gateway: gateway_a
        api_key: sk_test_a
        merchant_account: acct_a
      wallet:
        gateway: gateway_b
    branding:
      display_name: Shop One
      primary_color: "#112233"
      support_email: help@shop.one
  m2:
    gateways:
      default:
        gateway: default
`

type fakePublisher struct {
	mu        sync.Mutex
	created   []events.OrderCreated
	cancelled []events.OrderCancelled
	inventory []events.InventoryWork
	// failReleases makes that many release enqueues fail before succeeding.
	failReleases int
}

func (p *fakePublisher) PublishOrderCreated(_ context.Context, ev events.OrderCreated) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.created = append(p.created, ev)
	return nil
}

func (p *fakePublisher) PublishOrderCancelled(_ context.Context, ev events.OrderCancelled) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cancelled = append(p.cancelled, ev)
	return nil
}

func (p *fakePublisher) EnqueueInventory(_ context.Context, w events.InventoryWork) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if w.Action == events.ActionReleaseInventory && p.failReleases > 0 {
		p.failReleases--
		return fmt.Errorf("inventory queue unavailable")
	}
	p.inventory = append(p.inventory, w)
	return nil
}

func (p *fakePublisher) count(action string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, w := range p.inventory {
		if w.Action == action {
			n++
		}
	}
	return n
}

func (p *fakePublisher) createdCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.created)
}

type memBlobs struct {
	mu   sync.Mutex
	objs map[string][]byte
}

func newMemBlobs() *memBlobs { return &memBlobs{objs: map[string][]byte{}} }

func (b *memBlobs) Put(_ context.Context, key, _ string, body io.Reader) error {
	raw, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.objs[key] = raw
	return nil
}

func (b *memBlobs) Delete(_ context.Context, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.objs, key)
	return nil
}

func (b *memBlobs) PublicURL(key string) string { return "https://receipts.test/" + key }

func (b *memBlobs) get(key string) ([]byte, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	v, ok := b.objs[key]
	return v, ok
}

type memCarts struct {
	mu    sync.Mutex
	carts map[string]*types.Cart
}

func newMemCarts() *memCarts { return &memCarts{carts: map[string]*types.Cart{}} }

func (m *memCarts) Save(_ context.Context, c *types.Cart) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *c
	m.carts[c.MerchantID+"/"+c.CartID] = &cp
	return nil
}

func (m *memCarts) Get(_ context.Context, merchantID, cartID string) (*types.Cart, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.carts[merchantID+"/"+cartID]
	if !ok {
		return nil, nil
	}
	cp := *c
	return &cp, nil
}

func (m *memCarts) Take(ctx context.Context, merchantID, cartID string) (*types.Cart, error) {
	c, err := m.Get(ctx, merchantID, cartID)
	if c != nil {
		_ = m.Delete(ctx, merchantID, cartID)
	}
	return c, err
}

func (m *memCarts) Delete(_ context.Context, merchantID, cartID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.carts, merchantID+"/"+cartID)
	return nil
}

type harness struct {
	db       *gorm.DB
	store    *aggregates.TransactionStore
	pii      PIIGuard
	orders   OrderConfirmationBuilder
	comp     CompensationEngine
	events   *fakePublisher
	faults   *payments.ScriptedFaults
	blobs    *memBlobs
	carts    *memCarts
	checkout CheckoutOrchestrator
	cartSvc  CartService

	checkoutDeps CheckoutDeps
}

func testKeyring(t *testing.T) *kms.Keyring {
	t.Helper()
	kr, err := kms.NewKeyring("k1", map[string][]byte{"k1": bytes.Repeat([]byte{7}, 32)})
	if err != nil {
		t.Fatalf("keyring: %v", err)
	}
	return kr
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	db := testutil.SQLite(t)
	log := testutil.Logger(t)

	cfg, err := merchantcfg.Parse([]byte(testMerchants))
	if err != nil {
		t.Fatalf("merchant config: %v", err)
	}
	renderer, err := NewReceiptRenderer("")
	if err != nil {
		t.Fatalf("renderer: %v", err)
	}

	h := &harness{
		db:     db,
		events: &fakePublisher{},
		faults: payments.NewScriptedFaults(),
		blobs:  newMemBlobs(),
		carts:  newMemCarts(),
	}
	h.store = aggregates.NewTransactionStore(aggregates.TransactionStoreDeps{
		Base:         aggregates.BaseDeps{DB: db, Log: log},
		Transactions: repos.NewTransactionRepo(db, log),
		Actions:      repos.NewCompensationActionRepo(db, log),
	})
	h.pii = NewPIIGuard(db, log, repos.NewSecureTokenRepo(db, log), testKeyring(t), time.Second)
	h.orders = NewOrderConfirmationBuilder(db, log, repos.NewOrderRepo(db, log),
		NewCachedBranding(NewFileBrandingProvider(cfg), time.Minute), renderer, h.blobs)

	gateways := payments.NewDefaultRegistry(log, payments.Options{Timeout: time.Second, Faults: h.faults})
	creds := payments.NewCachedCredentials(payments.NewFileCredentialsProvider(cfg), time.Minute)
	ledger := audit.NewGormLedger(log, repos.NewAuditRecordRepo(db, log))

	h.comp = NewCompensationEngine(CompensationDeps{
		Log:         log,
		Store:       h.store,
		Orders:      h.orders,
		Events:      h.events,
		Gateways:    gateways,
		Credentials: creds,
		Audit:       ledger,
		Config: CompensationConfig{
			BaseDelay:     time.Millisecond,
			Factor:        2,
			MaxDelay:      5 * time.Millisecond,
			MaxRetries:    3,
			ActionTimeout: time.Second,
		},
	})
	h.checkoutDeps = CheckoutDeps{
		Log:          log,
		Store:        h.store,
		PII:          h.pii,
		Credentials:  creds,
		Gateways:     gateways,
		Orders:       h.orders,
		Compensation: h.comp,
		Events:       h.events,
		Audit:        ledger,
		Carts:        h.carts,
		Config:       CheckoutConfig{GatewayTimeout: 2 * time.Second},
	}
	h.checkout = NewCheckoutOrchestrator(h.checkoutDeps)
	h.cartSvc = NewCartService(log, h.carts, h.pii, time.Hour)
	return h
}

func freshConsent() *types.Consent {
	return &types.Consent{TermsAccepted: true, PrivacyAccepted: true, ConsentTimestamp: time.Now().UTC().Add(-time.Minute)}
}

func validRequest() types.CheckoutRequest {
	return types.CheckoutRequest{
		MerchantID: "m1",
		UserID:     "u1",
		SessionID:  "s1",
		Items: []types.LineItem{
			{SKU: "SKU-A", Name: "Mug", Quantity: 2, Price: 1499},
			{SKU: "SKU-B", Name: "Coaster", Quantity: 1, Price: 500},
		},
		PaymentMethod: "4111 1111 1111 1111",
		ShippingAddress: &types.Address{
			Name: "Jane Roe", Line1: "1 Main Street", City: "Springfield", PostalCode: "12345", Country: "US",
		},
		UserConsent: freshConsent(),
		Currency:    "usd",
	}
}

func actionStatuses(tx *types.Transaction) map[string]string {
	out := map[string]string{}
	for _, a := range tx.Actions {
		out[a.ActionType] = a.Status
	}
	return out
}
