package services

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"gorm.io/datatypes"

	"github.com/yungbote/checkout-saga/internal/audit"
	"github.com/yungbote/checkout-saga/internal/data/aggregates"
	"github.com/yungbote/checkout-saga/internal/data/repos"
	domainagg "github.com/yungbote/checkout-saga/internal/domain/aggregates"
	types "github.com/yungbote/checkout-saga/internal/domain/checkout"
	"github.com/yungbote/checkout-saga/internal/events"
	"github.com/yungbote/checkout-saga/internal/observability"
	"github.com/yungbote/checkout-saga/internal/payments"
	"github.com/yungbote/checkout-saga/internal/platform/ctxutil"
	"github.com/yungbote/checkout-saga/internal/platform/envutil"
	"github.com/yungbote/checkout-saga/internal/platform/logger"
)

type CheckoutConfig struct {
	GatewayTimeout     time.Duration
	ConsentMaxAge      time.Duration
	ConsentMaxSkew     time.Duration
	PaymentTokenTTL    time.Duration
	AddressTokenTTL    time.Duration
	CompensationBudget time.Duration
	DefaultCurrency    string

	// CompensationMaxRetries applies to actions scheduled when a checkout fails.
	CompensationMaxRetries int
}

func CheckoutConfigFromEnv() CheckoutConfig {
	return CheckoutConfig{
		GatewayTimeout:         envutil.Duration("GATEWAY_TIMEOUT", 15*time.Second),
		ConsentMaxAge:          envutil.Duration("CONSENT_MAX_AGE", 24*time.Hour),
		ConsentMaxSkew:         envutil.Duration("CONSENT_MAX_SKEW", 5*time.Minute),
		PaymentTokenTTL:        envutil.Duration("PAYMENT_TOKEN_TTL", 24*time.Hour),
		AddressTokenTTL:        envutil.Duration("ADDRESS_TOKEN_TTL", 0),
		CompensationBudget:     envutil.Duration("COMPENSATION_INLINE_BUDGET", 30*time.Second),
		CompensationMaxRetries: envutil.Int("COMPENSATION_MAX_RETRIES", types.DefaultMaxRetries),
		DefaultCurrency:        envutil.String("DEFAULT_CURRENCY", "USD"),
	}
}

func (c CheckoutConfig) withDefaults() CheckoutConfig {
	if c.GatewayTimeout <= 0 {
		c.GatewayTimeout = 15 * time.Second
	}
	if c.ConsentMaxAge <= 0 {
		c.ConsentMaxAge = 24 * time.Hour
	}
	if c.ConsentMaxSkew <= 0 {
		c.ConsentMaxSkew = 5 * time.Minute
	}
	if c.CompensationBudget <= 0 {
		c.CompensationBudget = 30 * time.Second
	}
	if c.CompensationMaxRetries <= 0 {
		c.CompensationMaxRetries = types.DefaultMaxRetries
	}
	if strings.TrimSpace(c.DefaultCurrency) == "" {
		c.DefaultCurrency = "USD"
	}
	return c
}

type CheckoutOrchestrator interface {
	ProcessCheckout(ctx context.Context, req types.CheckoutRequest) (types.CheckoutResult, error)
	CheckoutCart(ctx context.Context, merchantID, cartID string, opts types.CheckoutOptions) (types.CheckoutResult, error)
	RefundTransaction(ctx context.Context, txID uuid.UUID, merchantID, reason string) (types.CompensationReport, error)
	GetTransaction(ctx context.Context, txID uuid.UUID, merchantID string) (*types.Transaction, error)
}

type CheckoutDeps struct {
	Log          *logger.Logger
	Store        *aggregates.TransactionStore
	PII          PIIGuard
	Credentials  payments.CredentialsProvider
	Gateways     *payments.Registry
	Orders       OrderConfirmationBuilder
	Compensation CompensationEngine
	Events       events.Publisher
	Audit        audit.Sink
	Carts        repos.CartRepo
	Metrics      *observability.Metrics
	Config       CheckoutConfig
	Now          func() time.Time
}

type checkoutOrchestrator struct {
	log  *logger.Logger
	deps CheckoutDeps
	cfg  CheckoutConfig
}

func NewCheckoutOrchestrator(deps CheckoutDeps) CheckoutOrchestrator {
	if deps.Now == nil {
		deps.Now = func() time.Time { return time.Now().UTC() }
	}
	return &checkoutOrchestrator{
		log:  deps.Log.With("service", "CheckoutOrchestrator"),
		deps: deps,
		cfg:  deps.Config.withDefaults(),
	}
}

// TransactionIDFor derives the saga id. A supplied idempotency key always maps to the same id
// for a merchant; without one every call gets a fresh id.
func TransactionIDFor(merchantID, idempotencyKey string) uuid.UUID {
	key := strings.TrimSpace(idempotencyKey)
	if key == "" {
		return uuid.New()
	}
	ns := uuid.NewSHA1(uuid.NameSpaceURL, []byte("checkout:"+merchantID))
	return uuid.NewSHA1(ns, []byte(key))
}

// checkoutInput is a request whose PII has already been replaced by tokens.
type checkoutInput struct {
	txID          uuid.UUID
	req           types.CheckoutRequest
	currency      string
	hash          string
	shippingToken string
	billingToken  string
	paymentMethod string
	methodKind    string
	// minted holds secure tokens created for this call, dropped again when it turns into a replay.
	minted []string
}

func (o *checkoutOrchestrator) ProcessCheckout(ctx context.Context, req types.CheckoutRequest) (types.CheckoutResult, error) {
	currency := normalizeCurrency(req.Currency, o.cfg.DefaultCurrency)
	return o.instrument(ctx, "checkout.process", req.MerchantID, func(ctx context.Context) (types.CheckoutResult, string, error) {
		if strings.TrimSpace(req.MerchantID) == "" {
			err := types.InvalidOrderError("process_checkout", "merchant_id is required")
			return types.FailedResult(uuid.Nil, currency, types.UserMessage(err)), "", err
		}
		if err := o.stage(ctx, "checkout.consent", func(context.Context) error { return o.validateConsent(req.UserConsent) }); err != nil {
			o.auditCheckout(ctx, req, "", types.OutcomeFailure, types.UserMessage(err))
			return types.FailedResult(uuid.Nil, currency, types.UserMessage(err)), "", err
		}

		in := checkoutInput{
			txID:     TransactionIDFor(req.MerchantID, req.IdempotencyKey),
			req:      req,
			currency: currency,
			hash:     req.Hash(),
		}
		if strings.TrimSpace(req.IdempotencyKey) != "" {
			existing, err := o.deps.Store.Get(ctx, in.txID, req.MerchantID)
			switch {
			case err == nil:
				res, rerr := o.replay(ctx, in, existing)
				return res, existing.Gateway, rerr
			case !domainagg.IsCode(err, domainagg.CodeNotFound):
				wrapped := types.NewError(types.KindInternal, "process_checkout", "", err)
				return types.FailedResult(uuid.Nil, currency, types.UserMessage(wrapped)), "", wrapped
			}
		}
		err := o.stage(ctx, "checkout.tokenize", func(ctx context.Context) error {
			ship, bill, err := tokenizeAddresses(ctx, o.deps.PII, req.MerchantID, req.UserID, req.ShippingAddress, req.BillingAddress, o.cfg.AddressTokenTTL)
			if err != nil {
				return err
			}
			stored, kind, err := securePaymentMethod(ctx, o.deps.PII, req.PaymentMethod, req.MerchantID, req.UserID, o.cfg.PaymentTokenTTL)
			if err != nil {
				return err
			}
			in.shippingToken, in.billingToken, in.paymentMethod, in.methodKind = ship, bill, stored, kind
			in.minted = []string{ship, bill}
			if _, tok, ok := strings.Cut(stored, ":"); ok {
				in.minted = append(in.minted, tok)
			}
			return nil
		})
		if err != nil {
			o.auditCheckout(ctx, req, "", types.OutcomeFailure, types.UserMessage(err))
			return types.FailedResult(uuid.Nil, currency, types.UserMessage(err)), "", err
		}
		in.req.PaymentMethod = in.paymentMethod
		in.req.ShippingAddress, in.req.BillingAddress = nil, nil
		return o.run(ctx, in)
	})
}

// CheckoutCart consumes a stored cart. The cart is removed once consent is valid, so a cart
// can start at most one checkout.
func (o *checkoutOrchestrator) CheckoutCart(ctx context.Context, merchantID, cartID string, opts types.CheckoutOptions) (types.CheckoutResult, error) {
	currency := normalizeCurrency(opts.Currency, o.cfg.DefaultCurrency)
	return o.instrument(ctx, "checkout.cart", merchantID, func(ctx context.Context) (types.CheckoutResult, string, error) {
		if err := o.validateConsent(opts.UserConsent); err != nil {
			o.auditCheckout(ctx, types.CheckoutRequest{MerchantID: merchantID}, cartID, types.OutcomeFailure, types.UserMessage(err))
			return types.FailedResult(uuid.Nil, currency, types.UserMessage(err)), "", err
		}
		if o.deps.Carts == nil {
			err := types.ConfigurationError("checkout_cart", "cart storage is not configured", nil)
			return types.FailedResult(uuid.Nil, currency, types.UserMessage(err)), "", err
		}
		cart, err := o.deps.Carts.Take(ctx, merchantID, cartID)
		if err != nil {
			wrapped := types.NewError(types.KindInternal, "checkout_cart", "", err)
			return types.FailedResult(uuid.Nil, currency, types.UserMessage(wrapped)), "", wrapped
		}
		if cart == nil {
			err := types.NewError(types.KindNotFound, "checkout_cart", "cart not found or expired", nil)
			return types.FailedResult(uuid.Nil, currency, types.UserMessage(err)), "", err
		}
		req := types.CheckoutRequest{
			MerchantID:     merchantID,
			UserID:         cart.UserID,
			SessionID:      cart.SessionID,
			Items:          cart.Items,
			PaymentMethod:  cart.PaymentMethodToken,
			UserConsent:    opts.UserConsent,
			Currency:       currency,
			IdempotencyKey: opts.IdempotencyKey,
		}
		in := checkoutInput{
			txID:          TransactionIDFor(merchantID, opts.IdempotencyKey),
			req:           req,
			currency:      currency,
			hash:          req.Hash(),
			shippingToken: cart.ShippingAddressToken,
			billingToken:  cart.BillingAddressToken,
			paymentMethod: cart.PaymentMethodToken,
			methodKind:    storedMethodKind(cart.PaymentMethodToken),
		}
		if strings.TrimSpace(in.paymentMethod) == "" {
			err := types.InvalidOrderError("checkout_cart", "cart has no payment method")
			return types.FailedResult(uuid.Nil, currency, types.UserMessage(err)), "", err
		}
		return o.run(ctx, in)
	})
}

func (o *checkoutOrchestrator) instrument(ctx context.Context, name, merchantID string, fn func(ctx context.Context) (types.CheckoutResult, string, error)) (types.CheckoutResult, error) {
	start := time.Now()
	ctx, span := observability.StartSpan(ctx, name, attribute.String("merchant_id", merchantID))
	res, gateway, err := fn(ctx)
	if res.TransactionID != "" {
		span.SetAttributes(attribute.String("transaction_id", res.TransactionID))
	}
	observability.EndSpan(span, err)
	if gateway == "" {
		gateway = "none"
	}
	o.deps.Metrics.ObserveCheckout(res.Status, gateway, time.Since(start))
	return res, err
}

func (o *checkoutOrchestrator) stage(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	ctx, span := observability.StartSpan(ctx, name)
	err := fn(ctx)
	observability.EndSpan(span, err)
	return err
}

// run executes steps 3 onward of a checkout whose PII is already tokenized.
func (o *checkoutOrchestrator) run(ctx context.Context, in checkoutInput) (types.CheckoutResult, string, error) {
	req := in.req
	total, err := validateItems(req.Items)
	if err != nil {
		res, rerr := o.rejectInvalid(ctx, in, err)
		return res, "", rerr
	}

	creds, err := o.deps.Credentials.Credentials(ctx, req.MerchantID, in.methodKind)
	if err != nil {
		return o.failFast(ctx, in, asConfigurationError(err))
	}
	gw, err := o.deps.Gateways.Resolve(creds)
	if err != nil {
		return o.failFast(ctx, in, asConfigurationError(err))
	}

	existing, err := o.deps.Store.Get(ctx, in.txID, req.MerchantID)
	switch {
	case err == nil:
		o.discardMinted(ctx, in)
		res, rerr := o.replay(ctx, in, existing)
		return res, existing.Gateway, rerr
	case !domainagg.IsCode(err, domainagg.CodeNotFound):
		return o.failFast(ctx, in, types.NewError(types.KindInternal, "process_checkout", "", err))
	}

	md := types.TransactionMetadata{
		Items:                req.Items,
		ShippingAddressToken: in.shippingToken,
		BillingAddressToken:  in.billingToken,
		IdempotencyKey:       strings.TrimSpace(req.IdempotencyKey),
	}
	tx := &types.Transaction{
		ID:            in.txID,
		MerchantID:    req.MerchantID,
		UserID:        req.UserID,
		SessionID:     req.SessionID,
		Status:        types.StatusPending,
		TotalAmount:   total,
		Currency:      in.currency,
		PaymentMethod: in.paymentMethod,
		RequestHash:   in.hash,
		Metadata:      encodeMetadata(md),
	}
	stored, created, err := o.deps.Store.CreateOrGet(ctx, tx)
	if err != nil {
		return o.failFast(ctx, in, types.NewError(types.KindInternal, "process_checkout", "", err))
	}
	if !created {
		o.discardMinted(ctx, in)
		res, rerr := o.replay(ctx, in, stored)
		return res, stored.Gateway, rerr
	}
	tx = stored
	log := o.log.With("transaction_id", tx.ID.String(), "merchant_id", tx.MerchantID)

	reservationID := "res_" + strings.ReplaceAll(tx.ID.String(), "-", "")
	err = o.stage(ctx, "checkout.reserve_inventory", func(ctx context.Context) error {
		if o.deps.Events == nil {
			return fmt.Errorf("inventory queue unavailable")
		}
		if err := o.deps.Events.EnqueueInventory(ctx, events.InventoryWork{
			Action:        events.ActionReserveInventory,
			TransactionID: tx.ID.String(),
			MerchantID:    tx.MerchantID,
			ReservationID: reservationID,
			Items:         req.Items,
		}); err != nil {
			return err
		}
		if err := o.deps.Store.MarkInventoryReserved(ctx, tx.ID, reservationID); err != nil {
			o.releaseUnrecorded(ctx, tx, reservationID)
			return err
		}
		tx.InventoryReserved = true
		tx.InventoryReservationID = &reservationID
		return nil
	})
	if err != nil {
		log.Warn("Inventory reservation failed", "error", err)
		res, ferr := o.fail(ctx, in, tx, md, types.NewError(types.KindInternal, "reserve_inventory", "inventory could not be reserved", err), aggregates.TransactionPatch{})
		return res, "", ferr
	}

	gatewayName := gw.Name()
	if _, err := o.deps.Store.Transition(ctx, tx.ID, []string{types.StatusPending}, types.StatusPending, aggregates.TransactionPatch{Gateway: &gatewayName}); err != nil {
		res, ferr := o.fail(ctx, in, tx, md, types.NewError(types.KindInternal, "process_checkout", "", err), aggregates.TransactionPatch{})
		return res, gatewayName, ferr
	}
	tx.Gateway = gatewayName

	var pres payments.PaymentResult
	_ = o.stage(ctx, "checkout.capture", func(ctx context.Context) error {
		captureCtx, cancel := context.WithTimeout(ctx, o.cfg.GatewayTimeout)
		defer cancel()
		pres = gw.AuthorizeAndCapture(captureCtx, payments.PaymentRequest{
			TransactionID: tx.ID.String(),
			MerchantID:    tx.MerchantID,
			Amount:        total,
			Currency:      in.currency,
			PaymentMethod: in.paymentMethod,
			Credentials:   creds,
		})
		if !pres.Success {
			return fmt.Errorf("gateway %s: %s", pres.Status, pres.Error)
		}
		return nil
	})
	if !pres.Success {
		log.Info("Payment not captured", "gateway", gatewayName, "status", pres.Status)
		cause := types.PaymentGatewayError("authorize_and_capture", gatewayMessage(pres), nil)
		res, ferr := o.fail(ctx, in, tx, md, cause, aggregates.TransactionPatch{})
		return res, gatewayName, ferr
	}

	ref := OrderReference(tx.ID)
	md.ClientSecret = pres.ClientSecret
	patch := aggregates.TransactionPatch{
		PaymentConfirmation: &pres.ConfirmationID,
		OrderReference:      &ref,
		Metadata:            encodeMetadata(md),
	}
	if pres.PaymentIntentID != "" {
		patch.PaymentIntentID = &pres.PaymentIntentID
	}
	confirmed, err := o.deps.Store.Transition(ctx, tx.ID, []string{types.StatusPending}, types.StatusConfirmed, patch)
	if err != nil {
		log.Error("Failed to persist confirmed payment; compensating", "error", err)
		// The capture happened; keep its confirmation so compensation refunds it.
		res, ferr := o.fail(ctx, in, tx, md, types.NewError(types.KindInternal, "confirm_transaction", "", err),
			aggregates.TransactionPatch{PaymentConfirmation: &pres.ConfirmationID, PaymentIntentID: patch.PaymentIntentID})
		return res, gatewayName, ferr
	}

	var order *types.OrderConfirmation
	err = o.stage(ctx, "checkout.order", func(ctx context.Context) error {
		var berr error
		order, berr = o.deps.Orders.Build(ctx, confirmed)
		return berr
	})
	if err != nil {
		log.Error("Order confirmation failed after capture; compensating", "error", err)
		cause := types.NewError(types.KindInternal, "build_order", "", err)
		if _, _, serr := o.deps.Store.ScheduleCompensation(context.WithoutCancel(ctx), confirmed.ID, []string{types.StatusConfirmed},
			forwardCompensations(confirmed, aggregates.TransactionPatch{}), o.cfg.CompensationMaxRetries, aggregates.TransactionPatch{}); serr != nil {
			log.Error("Failed to schedule compensation", "error", serr)
		}
		o.compensate(ctx, confirmed.ID, confirmed.MerchantID, "order confirmation failed")
		o.auditCheckout(ctx, req, confirmed.ID.String(), types.OutcomeFailure, "order confirmation failed")
		return types.FailedResult(confirmed.ID, in.currency, types.UserMessage(cause)), gatewayName, cause
	}

	if o.deps.Events != nil {
		if err := o.deps.Events.PublishOrderCreated(ctx, events.OrderCreated{
			TransactionID:  confirmed.ID.String(),
			MerchantID:     confirmed.MerchantID,
			OrderReference: order.OrderReference,
			TotalAmount:    confirmed.TotalAmount,
			Status:         types.StatusConfirmed,
			Timestamp:      o.deps.Now(),
		}); err != nil {
			log.Warn("Failed to publish order_created", "error", err)
		}
	}
	o.auditCheckout(ctx, req, confirmed.ID.String(), types.OutcomeSuccess, "")
	log.Info("Checkout confirmed", "gateway", gatewayName, "order_reference", order.OrderReference)
	return successResult(confirmed, order, md), gatewayName, nil
}

// rejectInvalid persists an invalid order as a failed transaction with no actions.
func (o *checkoutOrchestrator) rejectInvalid(ctx context.Context, in checkoutInput, cause error) (types.CheckoutResult, error) {
	msg := types.UserMessage(cause)
	md := types.TransactionMetadata{
		Items:          in.req.Items,
		IdempotencyKey: strings.TrimSpace(in.req.IdempotencyKey),
		FailureKind:    types.KindOf(cause),
	}
	tx := &types.Transaction{
		ID:            in.txID,
		MerchantID:    in.req.MerchantID,
		UserID:        in.req.UserID,
		SessionID:     in.req.SessionID,
		Status:        types.StatusFailed,
		Currency:      in.currency,
		PaymentMethod: in.paymentMethod,
		RequestHash:   in.hash,
		FailureReason: msg,
		Metadata:      encodeMetadata(md),
	}
	stored, created, err := o.deps.Store.CreateOrGet(ctx, tx)
	if err != nil {
		o.log.Warn("Failed to record invalid order", "error", err)
		return types.FailedResult(uuid.Nil, in.currency, msg), cause
	}
	if !created {
		o.discardMinted(ctx, in)
		return o.replay(ctx, in, stored)
	}
	o.auditCheckout(ctx, in.req, tx.ID.String(), types.OutcomeFailure, msg)
	return types.FailedResult(tx.ID, in.currency, msg), cause
}

// failFast returns a failure before anything was persisted.
func (o *checkoutOrchestrator) failFast(ctx context.Context, in checkoutInput, cause error) (types.CheckoutResult, string, error) {
	msg := types.UserMessage(cause)
	o.auditCheckout(ctx, in.req, "", types.OutcomeFailure, msg)
	return types.FailedResult(uuid.Nil, in.currency, msg), "", cause
}

// fail ends a pending transaction. When it committed side effects, their compensations are
// recorded in the same write that takes it off the pending path, so the sweep can finish them
// even if the inline run below never starts.
func (o *checkoutOrchestrator) fail(ctx context.Context, in checkoutInput, tx *types.Transaction, md types.TransactionMetadata, cause error, patch aggregates.TransactionPatch) (types.CheckoutResult, error) {
	msg := types.UserMessage(cause)
	md.FailureKind = types.KindOf(cause)
	patch.FailureReason = &msg
	patch.Metadata = encodeMetadata(md)
	writeCtx := context.WithoutCancel(ctx)

	needed := forwardCompensations(tx, patch)
	if len(needed) == 0 {
		if _, err := o.deps.Store.Transition(writeCtx, tx.ID, []string{types.StatusPending}, types.StatusFailed, patch); err != nil {
			o.log.Error("Failed to mark transaction failed", "transaction_id", tx.ID.String(), "error", err)
		}
	} else {
		if _, _, err := o.deps.Store.ScheduleCompensation(writeCtx, tx.ID, []string{types.StatusPending}, needed, o.cfg.CompensationMaxRetries, patch); err != nil {
			o.log.Error("Failed to schedule compensation", "transaction_id", tx.ID.String(), "error", err)
		}
		o.compensate(ctx, tx.ID, tx.MerchantID, msg)
	}
	o.auditCheckout(ctx, in.req, tx.ID.String(), types.OutcomeFailure, msg)
	return types.FailedResult(tx.ID, in.currency, msg), cause
}

// forwardCompensations lists the compensations for the forward steps a pending transaction
// has completed, including a capture carried in patch that was never persisted.
func forwardCompensations(tx *types.Transaction, patch aggregates.TransactionPatch) []string {
	var out []string
	if tx.InventoryReserved {
		out = append(out, types.ActionInventoryRelease)
	}
	captured := tx.PaymentConfirmation != nil && *tx.PaymentConfirmation != ""
	if patch.PaymentConfirmation != nil && *patch.PaymentConfirmation != "" {
		captured = true
	}
	if captured {
		out = append(out, types.ActionPaymentRefund)
	}
	return out
}

// compensate runs inline with its own budget so a cancelled request still unwinds.
// Anything left over is picked up by the sweep.
func (o *checkoutOrchestrator) compensate(ctx context.Context, txID uuid.UUID, merchantID, reason string) {
	if o.deps.Compensation == nil {
		return
	}
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.cfg.CompensationBudget)
	defer cancel()
	cctx, span := observability.StartSpan(cctx, "checkout.compensate")
	report, err := o.deps.Compensation.ExecuteCompensation(cctx, txID, merchantID, reason)
	observability.EndSpan(span, err)
	if err != nil {
		o.log.Warn("Compensation incomplete",
			"transaction_id", txID.String(),
			"status", report.Status,
			"pending", strings.Join(report.Pending, ","),
			"exhausted", strings.Join(report.Exhausted, ","),
			"error", err,
		)
	}
}

// releaseUnrecorded undoes a reservation that was enqueued but could not be recorded.
func (o *checkoutOrchestrator) releaseUnrecorded(ctx context.Context, tx *types.Transaction, reservationID string) {
	md := tx.DecodeMetadata()
	if err := o.deps.Events.EnqueueInventory(context.WithoutCancel(ctx), events.InventoryWork{
		Action:        events.ActionReleaseInventory,
		TransactionID: tx.ID.String(),
		MerchantID:    tx.MerchantID,
		ReservationID: reservationID,
		Items:         md.Items,
	}); err != nil {
		o.log.Error("Failed to release unrecorded reservation", "transaction_id", tx.ID.String(), "error", err)
	}
}

// discardMinted drops tokens created for a request that turned out to be a replay.
func (o *checkoutOrchestrator) discardMinted(ctx context.Context, in checkoutInput) {
	if len(in.minted) == 0 || o.deps.PII == nil {
		return
	}
	if err := o.deps.PII.DeleteTokens(context.WithoutCancel(ctx), in.req.MerchantID, in.minted...); err != nil {
		o.log.Warn("Failed to discard unused secure tokens", "merchant_id", in.req.MerchantID, "error", err)
	}
}

// replay answers a repeated request from the stored transaction without acting again.
func (o *checkoutOrchestrator) replay(ctx context.Context, in checkoutInput, tx *types.Transaction) (types.CheckoutResult, error) {
	if tx.RequestHash != "" && tx.RequestHash != in.hash {
		err := types.InvalidOrderError("process_checkout", "idempotency key was already used for a different request")
		return types.FailedResult(tx.ID, in.currency, types.UserMessage(err)), err
	}
	md := tx.DecodeMetadata()
	switch tx.Status {
	case types.StatusConfirmed:
		order, err := o.deps.Orders.Build(ctx, tx)
		if err != nil {
			o.log.Warn("Order lookup failed on replay", "transaction_id", tx.ID.String(), "error", err)
		}
		return successResult(tx, order, md), nil
	case types.StatusPending, types.StatusCompensating:
		err := types.NewError(types.KindConflict, "process_checkout", "checkout already in progress", nil)
		return types.FailedResult(tx.ID, tx.Currency, types.UserMessage(err)), err
	default:
		msg := tx.FailureReason
		if msg == "" {
			msg = "checkout failed"
		}
		kind := md.FailureKind
		if kind == "" {
			kind = types.KindInternal
		}
		return types.FailedResult(tx.ID, tx.Currency, msg), types.NewError(kind, "process_checkout", msg, nil)
	}
}

func (o *checkoutOrchestrator) RefundTransaction(ctx context.Context, txID uuid.UUID, merchantID, reason string) (types.CompensationReport, error) {
	tx, err := o.GetTransaction(ctx, txID, merchantID)
	if err != nil {
		return types.CompensationReport{}, err
	}
	md := tx.DecodeMetadata()
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = "refund requested by merchant"
	}
	switch {
	case tx.Status == types.StatusRefunded, tx.Status == types.StatusCompensating && md.OperatorRefund:
	case tx.Status == types.StatusConfirmed:
		md.OperatorRefund = true
		md.CompensationReason = reason
		if _, err := o.deps.Store.Transition(ctx, tx.ID, []string{types.StatusConfirmed}, types.StatusCompensating,
			aggregates.TransactionPatch{Metadata: encodeMetadata(md)}); err != nil {
			if domainagg.IsCode(err, domainagg.CodeConflict) {
				return types.CompensationReport{}, types.NewError(types.KindConflict, "refund_transaction", "transaction changed; retry the refund", err)
			}
			return types.CompensationReport{}, err
		}
	default:
		return types.CompensationReport{}, types.NewError(types.KindConflict, "refund_transaction",
			fmt.Sprintf("a %s transaction cannot be refunded", tx.Status), nil)
	}
	return o.deps.Compensation.ExecuteCompensation(ctx, tx.ID, merchantID, reason)
}

func (o *checkoutOrchestrator) GetTransaction(ctx context.Context, txID uuid.UUID, merchantID string) (*types.Transaction, error) {
	tx, err := o.deps.Store.Get(ctx, txID, merchantID)
	if err != nil {
		if domainagg.IsCode(err, domainagg.CodeNotFound) {
			return nil, types.NewError(types.KindNotFound, "get_transaction", "transaction not found", err)
		}
		return nil, err
	}
	return tx, nil
}

func (o *checkoutOrchestrator) validateConsent(c *types.Consent) error {
	const op = "validate_consent"
	if c == nil {
		return types.ConsentError(op, "user consent is required")
	}
	if !c.TermsAccepted || !c.PrivacyAccepted {
		return types.ConsentError(op, "terms of service and privacy policy must be accepted")
	}
	if c.ConsentTimestamp.IsZero() {
		return types.ConsentError(op, "consent timestamp is required")
	}
	now := o.deps.Now()
	if now.Sub(c.ConsentTimestamp) > o.cfg.ConsentMaxAge {
		return types.ConsentError(op, "consent has expired; please accept the terms again")
	}
	if c.ConsentTimestamp.Sub(now) > o.cfg.ConsentMaxSkew {
		return types.ConsentError(op, "consent timestamp is in the future")
	}
	return nil
}

func (o *checkoutOrchestrator) auditCheckout(ctx context.Context, req types.CheckoutRequest, ref, outcome, reason string) {
	if o.deps.Audit == nil || strings.TrimSpace(req.MerchantID) == "" {
		return
	}
	if err := o.deps.Audit.Append(context.WithoutCancel(ctx), audit.Entry{
		MerchantID:         req.MerchantID,
		UserID:             req.UserID,
		SessionID:          req.SessionID,
		Operation:          audit.OpCheckout,
		RequestPayloadHash: req.Hash(),
		ResponseReference:  ref,
		Outcome:            outcome,
		Reason:             reason,
		Actor:              ctxutil.Actor(ctx),
	}); err != nil {
		o.log.Warn("Audit append failed", "merchant_id", req.MerchantID, "error", err)
	}
}

// validateItems returns Σ quantity × price in cents.
func validateItems(items []types.LineItem) (types.Money, error) {
	const op = "validate_items"
	if len(items) == 0 {
		return 0, types.InvalidOrderError(op, "order must contain at least one item")
	}
	var total int64
	for i, it := range items {
		switch {
		case strings.TrimSpace(it.SKU) == "":
			return 0, types.InvalidOrderError(op, fmt.Sprintf("item %d is missing a sku", i+1))
		case strings.TrimSpace(it.Name) == "":
			return 0, types.InvalidOrderError(op, fmt.Sprintf("item %d is missing a name", i+1))
		case it.Quantity <= 0:
			return 0, types.InvalidOrderError(op, fmt.Sprintf("item %s must have a positive quantity", it.SKU))
		case it.Price < 0:
			return 0, types.InvalidOrderError(op, fmt.Sprintf("item %s has a negative price", it.SKU))
		}
		if it.Price > 0 && int64(it.Quantity) > (math.MaxInt64-total)/int64(it.Price) {
			return 0, types.InvalidOrderError(op, "order total is too large")
		}
		total += int64(it.Subtotal())
	}
	if total <= 0 {
		return 0, types.InvalidOrderError(op, "order total must be positive")
	}
	return types.Money(total), nil
}

func successResult(tx *types.Transaction, order *types.OrderConfirmation, md types.TransactionMetadata) types.CheckoutResult {
	res := types.CheckoutResult{
		TransactionID: tx.ID.String(),
		Status:        types.StatusConfirmed,
		TotalAmount:   tx.TotalAmount,
		Currency:      tx.Currency,
		Items:         md.Items,
		ClientSecret:  md.ClientSecret,
	}
	if res.Items == nil {
		res.Items = []types.LineItem{}
	}
	if tx.PaymentConfirmation != nil {
		res.PaymentConfirmation = *tx.PaymentConfirmation
	}
	if tx.PaymentIntentID != nil {
		res.PaymentIntentID = *tx.PaymentIntentID
	}
	if tx.OrderReference != nil {
		res.OrderReference = *tx.OrderReference
	}
	if order != nil {
		res.OrderReference = order.OrderReference
		if order.EstimatedDelivery != nil {
			res.EstimatedDelivery = order.EstimatedDelivery.UTC().Format("2006-01-02")
		}
	}
	return res
}

func gatewayMessage(r payments.PaymentResult) string {
	var base string
	switch r.Status {
	case payments.StatusDeclined:
		base = "payment was declined"
	case payments.StatusLimitExceeded:
		base = "payment amount exceeds the processor limit"
	case payments.StatusUnavailable, payments.StatusTimeout:
		base = "payment processor is unavailable, please try again"
	default:
		base = "payment could not be processed"
	}
	if r.Error != "" {
		return base + ": " + r.Error
	}
	return base
}

func asConfigurationError(err error) error {
	if types.KindOf(err) != "" {
		return err
	}
	return types.ConfigurationError("resolve_credentials", "payment configuration unavailable", err)
}

func normalizeCurrency(raw, def string) string {
	c := strings.ToUpper(strings.TrimSpace(raw))
	if len(c) != 3 {
		c = strings.ToUpper(strings.TrimSpace(def))
	}
	if c == "" {
		c = "USD"
	}
	return c
}

func encodeMetadata(md types.TransactionMetadata) datatypes.JSON {
	raw, _ := json.Marshal(md)
	return datatypes.JSON(raw)
}
