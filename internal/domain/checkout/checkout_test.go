package checkout

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"testing"
)

func TestParseMoney(t *testing.T) {
	cases := []struct {
		in   string
		want Money
	}{
		{"14.99", 1499},
		{"29.98", 2998},
		{"10", 1000},
		{"0.5", 50},
		{"1.005", 101},
		{"-2.50", -250},
	}
	for _, tc := range cases {
		got, err := ParseMoney(tc.in)
		if err != nil {
			t.Fatalf("ParseMoney(%q): %v", tc.in, err)
		}
		if got != tc.want {
			t.Fatalf("ParseMoney(%q): want=%d got=%d", tc.in, tc.want, got)
		}
	}
	for _, bad := range []string{"1.2x", "--5", "184467440737095517.00", "92233720368547758.07"} {
		if got, err := ParseMoney(bad); err == nil {
			t.Fatalf("ParseMoney(%q): want error got=%d", bad, got)
		}
	}
	if got, err := ParseMoney("92233720368547757.99"); err != nil || got != Money(math.MaxInt64-8) {
		t.Fatalf("largest amount: want=%d got=%d err=%v", int64(math.MaxInt64-8), got, err)
	}

	var li LineItem
	err := json.Unmarshal([]byte(`{"sku":"A","quantity":1,"price":184467440737095517.00,"name":"Mug"}`), &li)
	if err == nil {
		t.Fatalf("oversized price: want error got price=%d", li.Price)
	}
}

func TestMoneyJSONRendersDecimal(t *testing.T) {
	var li LineItem
	if err := json.Unmarshal([]byte(`{"sku":"A","quantity":2,"price":14.99,"name":"Mug"}`), &li); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if li.Subtotal() != 2998 {
		t.Fatalf("subtotal: want=2998 got=%d", li.Subtotal())
	}
	b, _ := json.Marshal(struct {
		Total Money `json:"total"`
	}{li.Subtotal()})
	if string(b) != `{"total":29.98}` {
		t.Fatalf("json: want=%s got=%s", `{"total":29.98}`, b)
	}
}

func TestCanTransition(t *testing.T) {
	allowed := [][2]string{
		{StatusPending, StatusConfirmed},
		{StatusPending, StatusFailed},
		{StatusConfirmed, StatusCompensating},
		{StatusFailed, StatusCompensating},
		{StatusCompensating, StatusCancelled},
		{StatusCompensating, StatusRefunded},
	}
	for _, e := range allowed {
		if !CanTransition(e[0], e[1]) {
			t.Fatalf("expected %s -> %s allowed", e[0], e[1])
		}
	}
	denied := [][2]string{
		{StatusFailed, StatusConfirmed},
		{StatusCancelled, StatusCompensating},
		{StatusRefunded, StatusPending},
		{StatusConfirmed, StatusPending},
	}
	for _, e := range denied {
		if CanTransition(e[0], e[1]) {
			t.Fatalf("expected %s -> %s denied", e[0], e[1])
		}
	}
}

func TestErrorKinds(t *testing.T) {
	err := fmt.Errorf("wrap: %w", ConsentError("checkout.consent", "consent is stale"))
	if !IsKind(err, KindConsent) {
		t.Fatalf("kind: want=%s got=%s", KindConsent, KindOf(err))
	}
	if got := UserMessage(err); got != "consent is stale" {
		t.Fatalf("user message: want=%q got=%q", "consent is stale", got)
	}
	internal := NewError(KindInternal, "op", "db exploded at host 10.0.0.1", errors.New("x"))
	if got := UserMessage(internal); got != "checkout could not be completed" {
		t.Fatalf("internal message leaked: %q", got)
	}
}

func TestFailedResultShape(t *testing.T) {
	b, _ := json.Marshal(FailedResult([16]byte{1}, "USD", "card declined"))
	var m map[string]interface{}
	_ = json.Unmarshal(b, &m)
	if m["total_amount"].(float64) != 0 {
		t.Fatalf("total_amount: want=0 got=%v", m["total_amount"])
	}
	if items, ok := m["items"].([]interface{}); !ok || len(items) != 0 {
		t.Fatalf("items: want=[] got=%v", m["items"])
	}
	if m["error_message"] != "card declined" {
		t.Fatalf("error_message: got=%v", m["error_message"])
	}
}
