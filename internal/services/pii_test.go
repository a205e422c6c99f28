package services

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/yungbote/checkout-saga/internal/data/repos"
	"github.com/yungbote/checkout-saga/internal/data/repos/testutil"
	types "github.com/yungbote/checkout-saga/internal/domain/checkout"
)

func newTestPII(t *testing.T) *piiGuard {
	t.Helper()
	db := testutil.SQLite(t)
	log := testutil.Logger(t)
	return NewPIIGuard(db, log, repos.NewSecureTokenRepo(db, log), testKeyring(t), time.Second).(*piiGuard)
}

func TestRedactQuery(t *testing.T) {
	g := newTestPII(t)
	in := "email jane.roe@example.com and charge 4111 1111 1111 1111 please, or call 555-123-4567"

	res := g.RedactQuery(in)
	for _, raw := range []string{"jane.roe@example.com", "4111 1111 1111 1111", "555-123-4567"} {
		if strings.Contains(res.SanitizedText, raw) {
			t.Fatalf("%q survived redaction: %s", raw, res.SanitizedText)
		}
	}
	if res.TokenMap["[EMAIL_1]"] != "jane.roe@example.com" {
		t.Fatalf("email placeholder: %+v", res.TokenMap)
	}
	if res.TokenMap["[CARD_1]"] != "4111 1111 1111 1111" {
		t.Fatalf("card placeholder: %+v", res.TokenMap)
	}
	if !strings.Contains(res.SanitizedText, "[PHONE_1]") {
		t.Fatalf("phone not redacted: %s", res.SanitizedText)
	}

	clean := g.RedactQuery("where is my order?")
	if clean.SanitizedText != "where is my order?" || len(clean.TokenMap) != 0 {
		t.Fatalf("clean text changed: %+v", clean)
	}
}

func TestSecureTokenRoundTrip(t *testing.T) {
	g := newTestPII(t)
	ctx := context.Background()

	id, err := g.CreateSecureToken(ctx, "4242424242424242", types.DataTypePayment, "m1", "u1", time.Hour)
	if err != nil {
		t.Fatalf("CreateSecureToken: %v", err)
	}
	if !strings.HasPrefix(id, "tok_payment_") {
		t.Fatalf("token id: %q", id)
	}
	got, ok, err := g.RetrieveFromToken(ctx, id, "m1")
	if err != nil || !ok || got != "4242424242424242" {
		t.Fatalf("RetrieveFromToken: value=%q ok=%v err=%v", got, ok, err)
	}

	if _, ok, err := g.RetrieveFromToken(ctx, id, "m2"); ok || err != nil {
		t.Fatalf("other merchant read token: ok=%v err=%v", ok, err)
	}
	if _, ok, _ := g.RetrieveFromToken(ctx, "tok_payment_missing", "m1"); ok {
		t.Fatalf("unknown token resolved")
	}
	if _, err := g.CreateSecureToken(ctx, "x", "biometric", "m1", "", 0); !types.IsKind(err, types.KindTokenization) {
		t.Fatalf("unknown data type: %v", err)
	}
}

func TestExpiredTokensFailClosedAndPurge(t *testing.T) {
	g := newTestPII(t)
	ctx := context.Background()
	now := time.Now().UTC()
	g.now = func() time.Time { return now }

	short, err := g.CreateSecureToken(ctx, "a@b.co", types.DataTypeContact, "m1", "", time.Minute)
	if err != nil {
		t.Fatalf("create short: %v", err)
	}
	keep, err := g.CreateSecureToken(ctx, "c@d.co", types.DataTypeContact, "m1", "", 0)
	if err != nil {
		t.Fatalf("create keep: %v", err)
	}
	other, err := g.CreateSecureToken(ctx, "e@f.co", types.DataTypeContact, "m1", "", time.Minute)
	if err != nil {
		t.Fatalf("create other: %v", err)
	}

	g.now = func() time.Time { return now.Add(2 * time.Minute) }
	if _, ok, err := g.RetrieveFromToken(ctx, short, "m1"); ok || err != nil {
		t.Fatalf("expired token resolved: ok=%v err=%v", ok, err)
	}
	n, err := g.PurgeExpiredTokens(ctx)
	if err != nil {
		t.Fatalf("PurgeExpiredTokens: %v", err)
	}
	if n != 1 {
		t.Fatalf("purged: want=1 got=%d", n)
	}
	if _, ok, _ := g.RetrieveFromToken(ctx, other, "m1"); ok {
		t.Fatalf("purged token resolved")
	}
	if v, ok, _ := g.RetrieveFromToken(ctx, keep, "m1"); !ok || v != "c@d.co" {
		t.Fatalf("non-expiring token lost: %q %v", v, ok)
	}
}

func TestTokenizeUserData(t *testing.T) {
	g := newTestPII(t)
	ctx := context.Background()

	out, err := g.TokenizeUserData(ctx, TokenizeContext{
		MerchantID: "m1",
		UserID:     "u1",
		Data: map[string]interface{}{
			"note":  "leave at door",
			"email": "jane@example.com",
			"shipping_address": map[string]interface{}{
				"line1": "1 Main Street",
				"city":  "Springfield",
			},
			"payment": map[string]interface{}{"card_number": "4111111111111111"},
		},
	})
	if err != nil {
		t.Fatalf("TokenizeUserData: %v", err)
	}
	if out.Data["note"] != "leave at door" {
		t.Fatalf("non-sensitive field changed: %v", out.Data["note"])
	}
	for _, path := range []string{"email", "shipping_address", "payment.card_number"} {
		id := out.Tokens[path]
		if id == "" {
			t.Fatalf("%s not tokenized: %+v", path, out.Tokens)
		}
		if _, ok, _ := g.RetrieveFromToken(ctx, id, "m1"); !ok {
			t.Fatalf("%s token does not resolve", path)
		}
	}
	addr, _, _ := g.RetrieveFromToken(ctx, out.Tokens["shipping_address"], "m1")
	if !strings.Contains(addr, "Springfield") {
		t.Fatalf("address token holds %q", addr)
	}

	g.enc = nil
	degraded, err := g.TokenizeUserData(ctx, TokenizeContext{MerchantID: "m1", Data: map[string]interface{}{"email": "x@y.co"}})
	if err != nil {
		t.Fatalf("non-critical field should degrade: %v", err)
	}
	if degraded.Data["email"] != redactedPlaceholder || len(degraded.Redacted) != 1 {
		t.Fatalf("degraded: %+v", degraded)
	}
	_, err = g.TokenizeUserData(ctx, TokenizeContext{MerchantID: "m1", Data: map[string]interface{}{"cvv": "123"}})
	if !types.IsKind(err, types.KindTokenization) {
		t.Fatalf("critical field: want tokenization error got=%v", err)
	}
}

func TestSecurePaymentMethod(t *testing.T) {
	g := newTestPII(t)
	ctx := context.Background()

	cases := []struct {
		raw      string
		kind     string
		tokenize bool
	}{
		{"card", "card", false},
		{"apple_pay", "apple_pay", false},
		{"4111-1111-1111-1111", "card", true},
		{"pm_card_visa", "card", true},
		{"Some Voucher 99", "other", true},
	}
	for _, tc := range cases {
		stored, kind, err := securePaymentMethod(ctx, g, tc.raw, "m1", "u1", time.Hour)
		if err != nil {
			t.Fatalf("%q: %v", tc.raw, err)
		}
		if kind != tc.kind {
			t.Fatalf("%q kind: want=%s got=%s", tc.raw, tc.kind, kind)
		}
		if storedMethodKind(stored) != tc.kind {
			t.Fatalf("%q stored kind: %q", tc.raw, stored)
		}
		if tokenized := strings.Contains(stored, ":tok_payment_"); tokenized != tc.tokenize {
			t.Fatalf("%q stored as %q", tc.raw, stored)
		}
	}
	if _, _, err := securePaymentMethod(ctx, g, "  ", "m1", "u1", 0); !types.IsKind(err, types.KindInvalidOrder) {
		t.Fatalf("empty method: %v", err)
	}

	stored, _, _ := securePaymentMethod(ctx, g, "4111-1111-1111-1111", "m1", "u1", time.Hour)
	_, id, _ := strings.Cut(stored, ":")
	pan, ok, _ := g.RetrieveFromToken(ctx, id, "m1")
	if !ok || pan != "4111111111111111" {
		t.Fatalf("stored card: %q %v", pan, ok)
	}
}
