package services

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/google/uuid"

	domainagg "github.com/yungbote/checkout-saga/internal/domain/aggregates"
	types "github.com/yungbote/checkout-saga/internal/domain/checkout"
	"github.com/yungbote/checkout-saga/internal/platform/merchantcfg"
)

func confirmedOrder(t *testing.T, h *harness) (*types.Transaction, *types.OrderConfirmation) {
	t.Helper()
	ctx := context.Background()
	res, err := h.checkout.ProcessCheckout(ctx, validRequest())
	if err != nil {
		t.Fatalf("ProcessCheckout: %v", err)
	}
	txID := uuid.MustParse(res.TransactionID)
	tx, err := h.store.Get(ctx, txID, "m1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	order, err := h.orders.GetByTransaction(ctx, txID, "m1")
	if err != nil {
		t.Fatalf("GetByTransaction: %v", err)
	}
	return tx, order
}

func TestBuildIsIdempotentAndRequiresConfirmed(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	tx, order := confirmedOrder(t, h)

	again, err := h.orders.Build(ctx, tx)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if again.ID != order.ID {
		t.Fatalf("second build created a new order: %s != %s", again.ID, order.ID)
	}
	if order.OrderReference != OrderReference(tx.ID) {
		t.Fatalf("order reference: %s", order.OrderReference)
	}
	if order.EstimatedDelivery == nil || order.EstimatedDelivery.Before(time.Now().Add(4*24*time.Hour)) {
		t.Fatalf("estimated delivery: %v", order.EstimatedDelivery)
	}

	pending := *tx
	pending.ID = uuid.New()
	pending.Status = types.StatusPending
	if _, err := h.orders.Build(ctx, &pending); !domainagg.IsCode(err, domainagg.CodeInvariantViolation) {
		t.Fatalf("build for pending: %v", err)
	}
	if _, err := h.orders.Get(ctx, order.ID, "m2"); !types.IsKind(err, types.KindNotFound) {
		t.Fatalf("cross-merchant order read: %v", err)
	}
}

func TestApplyFulfillment(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	tx, _ := confirmedOrder(t, h)
	upd := types.FulfillmentUpdate{TransactionID: tx.ID.String(), MerchantID: "m1", Status: "shipped", TrackingNumber: "1Z999"}

	o, err := h.orders.ApplyFulfillment(ctx, upd)
	if err != nil {
		t.Fatalf("ApplyFulfillment: %v", err)
	}
	if o.Status != types.OrderStatusShipped || o.TrackingNumber == nil || *o.TrackingNumber != "1Z999" {
		t.Fatalf("order: %+v", o)
	}
	if _, err := h.orders.ApplyFulfillment(ctx, upd); err != nil {
		t.Fatalf("repeated update should be a no-op: %v", err)
	}
	upd.Status = "processing"
	if _, err := h.orders.ApplyFulfillment(ctx, upd); !types.IsKind(err, types.KindConflict) {
		t.Fatalf("backwards move: want conflict got=%v", err)
	}
	if _, _, err := h.orders.Cancel(ctx, tx.ID, "m1"); !types.IsKind(err, types.KindConflict) {
		t.Fatalf("cancel shipped order: want conflict got=%v", err)
	}
	if o, changed, err := h.orders.Cancel(ctx, uuid.New(), "m1"); o != nil || changed || err != nil {
		t.Fatalf("cancel without order: %v %v %v", o, changed, err)
	}
}

type flakyBlobs struct {
	*memBlobs
	fail bool
}

func (b *flakyBlobs) Put(ctx context.Context, key, contentType string, body io.Reader) error {
	if b.fail {
		return errors.New("bucket unavailable")
	}
	return b.memBlobs.Put(ctx, key, contentType, body)
}

func TestRetryMissingReceipts(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	blobs := &flakyBlobs{memBlobs: newMemBlobs(), fail: true}
	renderer, _ := NewReceiptRenderer("")
	log := h.orders.(*orderConfirmationBuilder).log
	builder := NewOrderConfirmationBuilder(h.db, log, h.orders.(*orderConfirmationBuilder).orders, NewFileBrandingProvider(nil), renderer, blobs).(*orderConfirmationBuilder)

	tx, _ := confirmedOrder(t, h)
	// Drop the order built by the harness so this builder owns it.
	if err := h.db.Where("transaction_id = ?", tx.ID).Delete(&types.OrderConfirmation{}).Error; err != nil {
		t.Fatalf("delete order: %v", err)
	}
	order, err := builder.Build(ctx, tx)
	if err != nil {
		t.Fatalf("Build must not fail on receipt upload: %v", err)
	}
	if order.ReceiptURL != nil {
		t.Fatalf("receipt url set despite failed upload")
	}

	blobs.fail = false
	builder.now = func() time.Time { return time.Now().UTC().Add(2 * time.Minute) }
	n, err := builder.RetryMissingReceipts(ctx, 10)
	if err != nil || n != 1 {
		t.Fatalf("RetryMissingReceipts: n=%d err=%v", n, err)
	}
	fresh, _ := builder.GetByTransaction(ctx, tx.ID, "m1")
	if fresh.ReceiptURL == nil || fresh.ReceiptKey != "receipts/m1/"+order.OrderReference+".png" {
		t.Fatalf("receipt not recorded: %+v", fresh)
	}
}

func TestReceiptRenderProducesPNG(t *testing.T) {
	r, err := NewReceiptRenderer("")
	if err != nil {
		t.Fatalf("NewReceiptRenderer: %v", err)
	}
	eta := time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC)
	order := &types.OrderConfirmation{
		OrderReference:    "ORD-ABC123",
		TotalAmount:       3498,
		Currency:          "USD",
		EstimatedDelivery: &eta,
	}
	buf, err := r.Render(order, validRequest().Items, merchantcfg.Branding{DisplayName: "Shop One", PrimaryColor: "not-a-color"})
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if !bytes.HasPrefix(buf.Bytes(), []byte("\x89PNG\r\n\x1a\n")) {
		t.Fatalf("not a PNG (%d bytes)", buf.Len())
	}
	if _, err := r.Render(nil, nil, DefaultBranding); err == nil {
		t.Fatalf("nil order rendered")
	}
}

type countingBranding struct {
	calls int
	err   error
}

func (c *countingBranding) Branding(_ context.Context, merchantID string) (merchantcfg.Branding, error) {
	c.calls++
	if c.err != nil {
		return merchantcfg.Branding{}, c.err
	}
	return merchantcfg.Branding{DisplayName: merchantID}, nil
}

func TestCachedBranding(t *testing.T) {
	ctx := context.Background()
	inner := &countingBranding{}
	c := NewCachedBranding(inner, time.Minute)

	for i := 0; i < 3; i++ {
		b, err := c.Branding(ctx, "m1")
		if err != nil || b.DisplayName != "m1" {
			t.Fatalf("Branding: %+v %v", b, err)
		}
	}
	if inner.calls != 1 {
		t.Fatalf("inner calls: want=1 got=%d", inner.calls)
	}
	c.Invalidate("m1")
	_, _ = c.Branding(ctx, "m1")
	if inner.calls != 2 {
		t.Fatalf("inner calls after invalidate: want=2 got=%d", inner.calls)
	}

	inner.err = errors.New("config store down")
	b, err := c.Branding(ctx, "m9")
	if err == nil || b.DisplayName != DefaultBranding.DisplayName {
		t.Fatalf("failed load: %+v %v", b, err)
	}
}

func TestFileBrandingFallsBackToDefault(t *testing.T) {
	cfg, err := merchantcfg.Parse([]byte(testMerchants))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	p := NewFileBrandingProvider(cfg)
	b, _ := p.Branding(context.Background(), "m1")
	if b.DisplayName != "Shop One" || b.AccentColor != DefaultBranding.AccentColor {
		t.Fatalf("m1 branding: %+v", b)
	}
	b, _ = p.Branding(context.Background(), "m2")
	if b != DefaultBranding {
		t.Fatalf("m2 branding: %+v", b)
	}
}
