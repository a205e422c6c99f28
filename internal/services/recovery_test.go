package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	types "github.com/yungbote/checkout-saga/internal/domain/checkout"
	"github.com/yungbote/checkout-saga/internal/events"
	"github.com/yungbote/checkout-saga/internal/payments"
)

// unavailableCompensator fails every run the way an engine does when its database drops out.
type unavailableCompensator struct{}

func (unavailableCompensator) ExecuteCompensation(_ context.Context, txID uuid.UUID, _, _ string) (types.CompensationReport, error) {
	return types.CompensationReport{TransactionID: txID.String(), Status: types.StatusCompensating},
		errors.New("database is temporarily unavailable")
}

func (unavailableCompensator) ListUnresolved(context.Context, string, int) ([]*types.CompensationAction, error) {
	return nil, nil
}

func containsID(ids []uuid.UUID, id uuid.UUID) bool {
	for _, x := range ids {
		if x == id {
			return true
		}
	}
	return false
}

func TestFailedCompensationStaysSweepable(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	deps := h.checkoutDeps
	deps.Compensation = unavailableCompensator{}
	orch := NewCheckoutOrchestrator(deps)
	h.faults.Push(payments.OpCapture, payments.Fault{Status: payments.StatusDeclined, Message: "insufficient funds"})

	res, err := orch.ProcessCheckout(ctx, validRequest())
	if !types.IsKind(err, types.KindPaymentGateway) {
		t.Fatalf("error kind: want=payment_gateway got=%v", err)
	}
	txID := uuid.MustParse(res.TransactionID)

	tx, err := h.store.Get(ctx, txID, "m1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if tx.Status != types.StatusCompensating {
		t.Fatalf("status: want=compensating got=%s", tx.Status)
	}
	if got := actionStatuses(tx)[types.ActionInventoryRelease]; got != types.ActionStatusPending {
		t.Fatalf("inventory_release: want=pending got=%q", got)
	}

	ids, err := h.store.ListRunnable(ctx, time.Now().UTC(), 10)
	if err != nil {
		t.Fatalf("ListRunnable: %v", err)
	}
	if !containsID(ids, txID) {
		t.Fatalf("runnable: want %s in %v", txID, ids)
	}

	report, err := h.comp.ExecuteCompensation(ctx, txID, "", "sweep")
	if err != nil {
		t.Fatalf("ExecuteCompensation: %v", err)
	}
	if report.Status != types.StatusCancelled {
		t.Fatalf("status after sweep: want=cancelled got=%s", report.Status)
	}
	if h.events.count(events.ActionReleaseInventory) != 1 {
		t.Fatalf("release enqueued %d times", h.events.count(events.ActionReleaseInventory))
	}
}

func TestStalledCaptureIsRefunded(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	// A checkout that reserved stock and reached the gateway, then never recorded the outcome.
	reservation := "res_stalled"
	tx := &types.Transaction{
		ID:                     uuid.New(),
		MerchantID:             "m1",
		UserID:                 "u1",
		SessionID:              "s1",
		Status:                 types.StatusPending,
		TotalAmount:            3498,
		Currency:               "USD",
		PaymentMethod:          "card:tok_stalled",
		Gateway:                "gateway_a",
		InventoryReserved:      true,
		InventoryReservationID: &reservation,
	}
	if _, _, err := h.store.CreateOrGet(ctx, tx); err != nil {
		t.Fatalf("CreateOrGet: %v", err)
	}

	ids, err := h.store.ListRunnable(ctx, time.Now().UTC().Add(11*time.Minute), 10)
	if err != nil {
		t.Fatalf("ListRunnable: %v", err)
	}
	if !containsID(ids, tx.ID) {
		t.Fatalf("runnable: want %s in %v", tx.ID, ids)
	}

	report, err := h.comp.ExecuteCompensation(ctx, tx.ID, "", "stalled checkout")
	if err != nil {
		t.Fatalf("ExecuteCompensation: %v", err)
	}
	if report.Status != types.StatusCancelled {
		t.Fatalf("status: want=cancelled got=%s", report.Status)
	}
	got, err := h.store.Get(ctx, tx.ID, "m1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	statuses := actionStatuses(got)
	for _, at := range []string{types.ActionInventoryRelease, types.ActionPaymentRefund} {
		if statuses[at] != types.ActionStatusCompleted {
			t.Fatalf("%s: want=completed got=%q", at, statuses[at])
		}
	}
	if h.faults.Calls(payments.OpRefund) != 1 {
		t.Fatalf("refunds: want=1 got=%d", h.faults.Calls(payments.OpRefund))
	}
}

func TestReplayMintsNoTokens(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	req := validRequest()
	req.IdempotencyKey = "replay-tokens"

	countTokens := func() int64 {
		var n int64
		if err := h.db.Model(&types.SecureToken{}).Count(&n).Error; err != nil {
			t.Fatalf("count tokens: %v", err)
		}
		return n
	}

	if _, err := h.checkout.ProcessCheckout(ctx, req); err != nil {
		t.Fatalf("first: %v", err)
	}
	before := countTokens()
	if before == 0 {
		t.Fatalf("first checkout stored no tokens")
	}
	for i := 0; i < 3; i++ {
		if _, err := h.checkout.ProcessCheckout(ctx, req); err != nil {
			t.Fatalf("replay %d: %v", i, err)
		}
	}
	if after := countTokens(); after != before {
		t.Fatalf("tokens: want=%d got=%d", before, after)
	}
}

func TestCompensationOutlivesCancelledCaller(t *testing.T) {
	h := newHarness(t)
	res, err := h.checkout.ProcessCheckout(context.Background(), validRequest())
	if err != nil {
		t.Fatalf("ProcessCheckout: %v", err)
	}
	txID := uuid.MustParse(res.TransactionID)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := h.comp.ExecuteCompensation(ctx, txID, "m1", "customer request"); err != nil && !errors.Is(err, context.Canceled) {
		t.Fatalf("cancelled caller: want nil or canceled got=%v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		tx, err := h.store.GetByID(context.Background(), txID)
		if err != nil {
			t.Fatalf("GetByID: %v", err)
		}
		if tx.Status == types.StatusCancelled {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("status: want=cancelled got=%s", tx.Status)
		}
		time.Sleep(10 * time.Millisecond)
	}
	// Joins the shared run if it is still writing its audit record.
	report, err := h.comp.ExecuteCompensation(context.Background(), txID, "m1", "customer request")
	if err != nil || report.Status != types.StatusCancelled {
		t.Fatalf("settled run: want=cancelled got=%s err=%v", report.Status, err)
	}
	if h.events.count(events.ActionReleaseInventory) != 1 {
		t.Fatalf("release enqueued %d times", h.events.count(events.ActionReleaseInventory))
	}
}
