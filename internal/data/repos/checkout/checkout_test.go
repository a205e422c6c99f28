package checkout

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/yungbote/checkout-saga/internal/data/repos/testutil"
	types "github.com/yungbote/checkout-saga/internal/domain/checkout"
	"github.com/yungbote/checkout-saga/internal/platform/dbctx"
)

func seedTransaction(t *testing.T, repo TransactionRepo, dbc dbctx.Context, status string) *types.Transaction {
	t.Helper()
	now := time.Now().UTC()
	row := &types.Transaction{
		ID:          uuid.New(),
		MerchantID:  "m1",
		UserID:      "u1",
		Status:      status,
		TotalAmount: 2998,
		Currency:    "USD",
		Metadata:    []byte(`{}`),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := repo.Create(dbc, row); err != nil {
		t.Fatalf("create transaction: %v", err)
	}
	return row
}

func TestTransactionRepoScopesByMerchant(t *testing.T) {
	db := testutil.SQLite(t)
	repo := NewTransactionRepo(db, testutil.Logger(t))
	dbc := dbctx.Context{Ctx: context.Background()}

	row := seedTransaction(t, repo, dbc, types.StatusPending)

	got, err := repo.GetByIDAndMerchant(dbc, row.ID, "m1")
	if err != nil || got == nil {
		t.Fatalf("GetByIDAndMerchant: got=%v err=%v", got, err)
	}
	if got.TotalAmount != 2998 {
		t.Fatalf("total: want=2998 got=%d", got.TotalAmount)
	}
	other, err := repo.GetByIDAndMerchant(dbc, row.ID, "m2")
	if err != nil || other != nil {
		t.Fatalf("cross-merchant read: want nil got=%v err=%v", other, err)
	}

	if err := repo.UpdateFields(dbc, row.ID, map[string]interface{}{"status": types.StatusConfirmed}); err != nil {
		t.Fatalf("UpdateFields: %v", err)
	}
	locked, err := repo.LockByID(dbc, row.ID)
	if err != nil || locked.Status != types.StatusConfirmed {
		t.Fatalf("LockByID: got=%v err=%v", locked, err)
	}
}

func TestCompensationActionRepoNeverRewritesCompleted(t *testing.T) {
	db := testutil.SQLite(t)
	log := testutil.Logger(t)
	txRepo := NewTransactionRepo(db, log)
	repo := NewCompensationActionRepo(db, log)
	dbc := dbctx.Context{Ctx: context.Background()}

	tx := seedTransaction(t, txRepo, dbc, types.StatusCompensating)
	now := time.Now().UTC()
	rows := []*types.CompensationAction{
		{ID: uuid.New(), TransactionID: tx.ID, Seq: 1, ActionType: types.ActionInventoryRelease, Status: types.ActionStatusCompleted, MaxRetries: 3, Metadata: []byte(`{}`), CreatedAt: now, UpdatedAt: now},
		{ID: uuid.New(), TransactionID: tx.ID, Seq: 2, ActionType: types.ActionPaymentRefund, Status: types.ActionStatusPending, MaxRetries: 3, Metadata: []byte(`{}`), CreatedAt: now, UpdatedAt: now},
	}
	if _, err := repo.Create(dbc, rows); err != nil {
		t.Fatalf("create actions: %v", err)
	}

	n, err := repo.UpdateFields(dbc, rows[0].ID, map[string]interface{}{"status": types.ActionStatusFailed})
	if err != nil {
		t.Fatalf("UpdateFields: %v", err)
	}
	if n != 0 {
		t.Fatalf("completed row updated: want=0 got=%d", n)
	}

	ids, err := repo.ListRunnableTransactionIDs(dbc, now.Add(time.Second), 10)
	if err != nil {
		t.Fatalf("ListRunnableTransactionIDs: %v", err)
	}
	if len(ids) != 1 || ids[0] != tx.ID {
		t.Fatalf("runnable ids: want=[%s] got=%v", tx.ID, ids)
	}

	max, err := repo.GetMaxSeq(dbc, tx.ID)
	if err != nil || max != 2 {
		t.Fatalf("GetMaxSeq: want=2 got=%d err=%v", max, err)
	}

	future := now.Add(time.Hour)
	if _, err := repo.UpdateFields(dbc, rows[1].ID, map[string]interface{}{
		"status":          types.ActionStatusFailed,
		"retry_count":     3,
		"next_attempt_at": future,
	}); err != nil {
		t.Fatalf("exhaust: %v", err)
	}
	exhausted, err := repo.ListExhausted(dbc, "m1", 10)
	if err != nil || len(exhausted) != 1 {
		t.Fatalf("ListExhausted: want=1 got=%d err=%v", len(exhausted), err)
	}
	ids, _ = repo.ListRunnableTransactionIDs(dbc, now.Add(2*time.Hour), 10)
	if len(ids) != 0 {
		t.Fatalf("exhausted action should not be runnable, got=%v", ids)
	}
}

func TestSecureTokenRepoDeleteExpired(t *testing.T) {
	db := testutil.SQLite(t)
	repo := NewSecureTokenRepo(db, testutil.Logger(t))
	dbc := dbctx.Context{Ctx: context.Background()}

	now := time.Now().UTC()
	past := now.Add(-time.Minute)
	for _, row := range []*types.SecureToken{
		{ID: "tok_live", EncryptedValue: []byte{1}, DataType: types.DataTypeContact, MerchantID: "m1", KeyID: "k1", CreatedAt: now},
		{ID: "tok_dead", EncryptedValue: []byte{1}, DataType: types.DataTypeContact, MerchantID: "m1", KeyID: "k1", CreatedAt: now, ExpiresAt: &past},
	} {
		if err := repo.Create(dbc, row); err != nil {
			t.Fatalf("create token: %v", err)
		}
	}
	n, err := repo.DeleteExpired(dbc, now, 100)
	if err != nil || n != 1 {
		t.Fatalf("DeleteExpired: want=1 got=%d err=%v", n, err)
	}
	if got, _ := repo.Get(dbc, "tok_live", "m2"); got != nil {
		t.Fatalf("cross-merchant token lookup returned a row")
	}
	if got, _ := repo.Get(dbc, "tok_live", "m1"); got == nil {
		t.Fatalf("live token missing")
	}
}
