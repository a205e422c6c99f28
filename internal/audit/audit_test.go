package audit

import (
	"context"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/yungbote/checkout-saga/internal/data/repos"
	"github.com/yungbote/checkout-saga/internal/data/repos/testutil"
	types "github.com/yungbote/checkout-saga/internal/domain/checkout"
	"github.com/yungbote/checkout-saga/internal/platform/dbctx"
)

func TestGormLedgerAppend(t *testing.T) {
	db := testutil.SQLite(t)
	repo := repos.NewAuditRecordRepo(db, testutil.Logger(t))
	sink := NewGormLedger(testutil.Logger(t), repo)
	ctx := context.Background()

	if err := sink.Append(ctx, Entry{
		MerchantID:         "m1",
		UserID:             "u1",
		Operation:          OpCheckout,
		RequestPayloadHash: PayloadHash(map[string]string{"a": "b"}),
		ResponseReference:  "tx-1",
		Outcome:            types.OutcomeFailure,
		Reason:             "card declined",
	}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	rows, err := repo.ListByMerchant(dbctx.Context{Ctx: ctx}, "m1", 10)
	if err != nil {
		t.Fatalf("ListByMerchant: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("rows: want=1 got=%d", len(rows))
	}
	r := rows[0]
	if r.Actor != "system" || r.Reason == nil || *r.Reason != "card declined" || r.SessionID != nil {
		t.Fatalf("unexpected record: %+v", r)
	}
	if len(r.RequestPayloadHash) != 64 {
		t.Fatalf("payload hash: %q", r.RequestPayloadHash)
	}
}

func TestEntryValidation(t *testing.T) {
	sink := NewGormLedger(testutil.Logger(t), repos.NewAuditRecordRepo(testutil.SQLite(t), testutil.Logger(t)))
	cases := []Entry{
		{Operation: OpCheckout, Outcome: types.OutcomeSuccess},
		{MerchantID: "m1", Outcome: types.OutcomeSuccess},
		{MerchantID: "m1", Operation: OpCheckout, Outcome: "maybe"},
	}
	for i, e := range cases {
		if err := sink.Append(context.Background(), e); err == nil {
			t.Fatalf("case %d: expected validation error", i)
		}
	}
}

func TestPgxLedgerAgainstContainer(t *testing.T) {
	if testing.Short() {
		t.Skip("container test")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	pg, err := postgres.Run(ctx, "postgres:16-alpine",
		postgres.WithDatabase("audit"),
		postgres.WithUsername("audit"),
		postgres.WithPassword("audit"),
		postgres.BasicWaitStrategies(),
	)
	if err != nil {
		t.Skipf("postgres container unavailable: %v", err)
	}
	t.Cleanup(func() { _ = pg.Terminate(context.Background()) })

	dsn, err := pg.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("connection string: %v", err)
	}
	ledger, err := NewPgxLedger(ctx, testutil.Logger(t), dsn)
	if err != nil {
		t.Fatalf("NewPgxLedger: %v", err)
	}
	defer ledger.Close()
	if err := ledger.EnsureSchema(ctx); err != nil {
		t.Fatalf("EnsureSchema: %v", err)
	}

	for _, outcome := range []string{types.OutcomeSuccess, types.OutcomeFailure} {
		if err := ledger.Append(ctx, Entry{MerchantID: "m1", Operation: OpRefund, Outcome: outcome, Actor: "merchant:m1"}); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	rows, err := ledger.ListByMerchant(ctx, "m1", 10)
	if err != nil {
		t.Fatalf("ListByMerchant: %v", err)
	}
	if len(rows) != 2 || rows[0].Actor != "merchant:m1" {
		t.Fatalf("unexpected rows: %+v", rows)
	}
	if other, _ := ledger.ListByMerchant(ctx, "m2", 10); len(other) != 0 {
		t.Fatalf("cross-merchant rows: %+v", other)
	}
}
