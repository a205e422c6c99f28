package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/yungbote/checkout-saga/internal/data/aggregates"
	domainagg "github.com/yungbote/checkout-saga/internal/domain/aggregates"
	"github.com/yungbote/checkout-saga/internal/data/repos"
	types "github.com/yungbote/checkout-saga/internal/domain/checkout"
	"github.com/yungbote/checkout-saga/internal/platform/dbctx"
	"github.com/yungbote/checkout-saga/internal/platform/gcp"
	"github.com/yungbote/checkout-saga/internal/platform/logger"
	"github.com/yungbote/checkout-saga/internal/platform/merchantcfg"
)

const defaultDeliveryWindow = 5 * 24 * time.Hour

type OrderConfirmationBuilder interface {
	// Build returns the single order for a confirmed transaction, creating it on first call.
	Build(ctx context.Context, tx *types.Transaction) (*types.OrderConfirmation, error)
	Get(ctx context.Context, orderID uuid.UUID, merchantID string) (*types.OrderConfirmation, error)
	GetByTransaction(ctx context.Context, txID uuid.UUID, merchantID string) (*types.OrderConfirmation, error)
	// Cancel reports changed=false when there is no order or it is already cancelled.
	Cancel(ctx context.Context, txID uuid.UUID, merchantID string) (order *types.OrderConfirmation, changed bool, err error)
	ApplyFulfillment(ctx context.Context, upd types.FulfillmentUpdate) (*types.OrderConfirmation, error)
	RetryMissingReceipts(ctx context.Context, limit int) (int, error)
}

type orderConfirmationBuilder struct {
	db       *gorm.DB
	log      *logger.Logger
	orders   repos.OrderRepo
	branding BrandingProvider
	renderer *ReceiptRenderer
	blobs    gcp.BlobStore
	now      func() time.Time
}

func NewOrderConfirmationBuilder(
	db *gorm.DB,
	baseLog *logger.Logger,
	orders repos.OrderRepo,
	branding BrandingProvider,
	renderer *ReceiptRenderer,
	blobs gcp.BlobStore,
) OrderConfirmationBuilder {
	return &orderConfirmationBuilder{
		db:       db,
		log:      baseLog.With("service", "OrderConfirmationBuilder"),
		orders:   orders,
		branding: branding,
		renderer: renderer,
		blobs:    blobs,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// OrderReference is derived from the transaction id so retries agree on it.
func OrderReference(txID uuid.UUID) string {
	return "ORD-" + strings.ToUpper(strings.ReplaceAll(txID.String(), "-", "")[:12])
}

func (b *orderConfirmationBuilder) Build(ctx context.Context, tx *types.Transaction) (*types.OrderConfirmation, error) {
	if tx == nil || tx.ID == uuid.Nil {
		return nil, fmt.Errorf("transaction required")
	}
	if tx.Status != types.StatusConfirmed || tx.PaymentConfirmation == nil {
		return nil, domainagg.NewError(domainagg.CodeInvariantViolation, "order_build", "transaction is not confirmed", nil)
	}
	dbc := dbctx.Context{Ctx: ctx}
	existing, err := b.orders.GetByTransactionID(dbc, tx.ID)
	if err != nil {
		return nil, fmt.Errorf("load order: %w", err)
	}
	if existing != nil {
		return existing, nil
	}

	md := tx.DecodeMetadata()
	itemsJSON, _ := json.Marshal(md.Items)
	brand, err := b.branding.Branding(ctx, tx.MerchantID)
	if err != nil {
		b.log.Warn("Branding lookup failed; using default", "merchant_id", tx.MerchantID, "error", err)
	}
	brandJSON, _ := json.Marshal(brand)

	now := b.now()
	eta := now.Add(defaultDeliveryWindow)
	ref := OrderReference(tx.ID)
	if tx.OrderReference != nil && *tx.OrderReference != "" {
		ref = *tx.OrderReference
	}
	order := &types.OrderConfirmation{
		ID:                   uuid.New(),
		TransactionID:        tx.ID,
		MerchantID:           tx.MerchantID,
		UserID:               tx.UserID,
		OrderReference:       ref,
		Status:               types.OrderStatusConfirmed,
		Items:                datatypes.JSON(itemsJSON),
		TotalAmount:          tx.TotalAmount,
		Currency:             tx.Currency,
		ShippingAddressToken: md.ShippingAddressToken,
		BillingAddressToken:  md.BillingAddressToken,
		PaymentConfirmation:  *tx.PaymentConfirmation,
		EstimatedDelivery:    &eta,
		MerchantBranding:     datatypes.JSON(brandJSON),
		CreatedAt:            now,
		UpdatedAt:            now,
	}
	if err := b.orders.Create(dbc, order); err != nil {
		if domainagg.IsCode(aggregates.MapError("order_build", err), domainagg.CodeConflict) {
			// Lost a race with another builder for the same transaction.
			if again, gerr := b.orders.GetByTransactionID(dbc, tx.ID); gerr == nil && again != nil {
				return again, nil
			}
		}
		return nil, fmt.Errorf("create order: %w", err)
	}

	if err := b.attachReceipt(ctx, order, md.Items, brand); err != nil {
		b.log.Warn("Receipt generation failed; will retry", "order_id", order.ID, "error", err)
	}
	return order, nil
}

func (b *orderConfirmationBuilder) attachReceipt(ctx context.Context, order *types.OrderConfirmation, items []types.LineItem, brand merchantcfg.Branding) error {
	if b.blobs == nil || b.renderer == nil {
		return nil
	}
	buf, err := b.renderer.Render(order, items, brand)
	if err != nil {
		return err
	}
	key := fmt.Sprintf("receipts/%s/%s.png", order.MerchantID, order.OrderReference)
	if err := b.blobs.Put(ctx, key, "image/png", bytes.NewReader(buf.Bytes())); err != nil {
		return fmt.Errorf("upload receipt: %w", err)
	}
	url := b.blobs.PublicURL(key)
	if err := b.orders.UpdateFields(dbctx.Context{Ctx: ctx}, order.ID, map[string]interface{}{
		"receipt_url": url,
		"receipt_key": key,
	}); err != nil {
		return fmt.Errorf("record receipt: %w", err)
	}
	order.ReceiptURL = &url
	order.ReceiptKey = key
	return nil
}

func (b *orderConfirmationBuilder) Get(ctx context.Context, orderID uuid.UUID, merchantID string) (*types.OrderConfirmation, error) {
	o, err := b.orders.GetByIDAndMerchant(dbctx.Context{Ctx: ctx}, orderID, merchantID)
	if err != nil {
		return nil, err
	}
	if o == nil {
		return nil, types.NewError(types.KindNotFound, "get_order", "order not found", nil)
	}
	return o, nil
}

func (b *orderConfirmationBuilder) GetByTransaction(ctx context.Context, txID uuid.UUID, merchantID string) (*types.OrderConfirmation, error) {
	o, err := b.orders.GetByTransactionID(dbctx.Context{Ctx: ctx}, txID)
	if err != nil {
		return nil, err
	}
	if o == nil || o.MerchantID != merchantID {
		return nil, types.NewError(types.KindNotFound, "get_order", "order not found", nil)
	}
	return o, nil
}

func (b *orderConfirmationBuilder) Cancel(ctx context.Context, txID uuid.UUID, merchantID string) (*types.OrderConfirmation, bool, error) {
	dbc := dbctx.Context{Ctx: ctx}
	o, err := b.orders.GetByTransactionID(dbc, txID)
	if err != nil {
		return nil, false, fmt.Errorf("load order: %w", err)
	}
	if o == nil || o.MerchantID != merchantID {
		return nil, false, nil
	}
	if o.Status == types.OrderStatusCancelled {
		return o, false, nil
	}
	if !types.CanTransitionOrder(o.Status, types.OrderStatusCancelled) {
		return o, false, types.NewError(types.KindConflict, "order_cancel", fmt.Sprintf("order already %s", o.Status), nil)
	}
	now := b.now()
	if err := b.orders.UpdateFields(dbc, o.ID, map[string]interface{}{
		"status":     types.OrderStatusCancelled,
		"updated_at": now,
	}); err != nil {
		return nil, false, fmt.Errorf("cancel order: %w", err)
	}
	o.Status = types.OrderStatusCancelled
	o.UpdatedAt = now
	return o, true, nil
}

func (b *orderConfirmationBuilder) ApplyFulfillment(ctx context.Context, upd types.FulfillmentUpdate) (*types.OrderConfirmation, error) {
	txID, err := uuid.Parse(strings.TrimSpace(upd.TransactionID))
	if err != nil {
		return nil, types.InvalidOrderError("apply_fulfillment", "invalid transaction id")
	}
	to := types.NormalizeStatus(upd.Status)
	o, err := b.GetByTransaction(ctx, txID, upd.MerchantID)
	if err != nil {
		return nil, err
	}
	tracking := strings.TrimSpace(upd.TrackingNumber)
	if o.Status == to {
		if tracking == "" || (o.TrackingNumber != nil && *o.TrackingNumber == tracking) {
			return o, nil
		}
	} else if !types.CanTransitionOrder(o.Status, to) {
		return nil, types.NewError(types.KindConflict, "apply_fulfillment", fmt.Sprintf("cannot move order from %s to %s", o.Status, to), nil)
	}
	now := b.now()
	updates := map[string]interface{}{"status": to, "updated_at": now}
	if tracking != "" {
		updates["tracking_number"] = tracking
		o.TrackingNumber = &tracking
	}
	if err := b.orders.UpdateFields(dbctx.Context{Ctx: ctx}, o.ID, updates); err != nil {
		return nil, fmt.Errorf("update order: %w", err)
	}
	o.Status = to
	o.UpdatedAt = now
	return o, nil
}

func (b *orderConfirmationBuilder) RetryMissingReceipts(ctx context.Context, limit int) (int, error) {
	if b.blobs == nil || b.renderer == nil {
		return 0, nil
	}
	rows, err := b.orders.ListMissingReceipts(dbctx.Context{Ctx: ctx}, b.now().Add(-time.Minute), limit)
	if err != nil {
		return 0, fmt.Errorf("list orders missing receipts: %w", err)
	}
	done := 0
	for _, o := range rows {
		if ctx.Err() != nil {
			return done, ctx.Err()
		}
		var items []types.LineItem
		_ = json.Unmarshal(o.Items, &items)
		brand, _ := b.branding.Branding(ctx, o.MerchantID)
		if err := b.attachReceipt(ctx, o, items, brand); err != nil {
			b.log.Warn("Receipt retry failed", "order_id", o.ID, "error", err)
			continue
		}
		done++
	}
	return done, nil
}
