package payments

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/yungbote/checkout-saga/internal/domain/checkout"
	"github.com/yungbote/checkout-saga/internal/platform/logger"
	"github.com/yungbote/checkout-saga/internal/platform/merchantcfg"
)

func req(txID string, cents int64) PaymentRequest {
	return PaymentRequest{TransactionID: txID, MerchantID: "m1", Amount: checkout.Money(cents), Currency: "USD", PaymentMethod: "card"}
}

func TestCeilings(t *testing.T) {
	cases := []struct {
		gw      Gateway
		ok      int64
		tooMuch int64
	}{
		{NewGatewayA(logger.Nop(), Options{}), 1_000_000, 1_000_001},
		{NewGatewayB(logger.Nop(), Options{}), 500_000, 500_001},
		{NewDefaultGateway(logger.Nop(), Options{}), 250_000, 250_001},
	}
	for _, tc := range cases {
		if res := tc.gw.AuthorizeAndCapture(context.Background(), req("ok-"+tc.gw.Name(), tc.ok)); !res.Success {
			t.Fatalf("%s: want success at ceiling got=%+v", tc.gw.Name(), res)
		}
		res := tc.gw.AuthorizeAndCapture(context.Background(), req("over-"+tc.gw.Name(), tc.tooMuch))
		if res.Success || res.Status != StatusLimitExceeded {
			t.Fatalf("%s: want=%s got=%+v", tc.gw.Name(), StatusLimitExceeded, res)
		}
	}
}

func TestCaptureIsIdempotentPerTransaction(t *testing.T) {
	gw := NewGatewayA(logger.Nop(), Options{})
	first := gw.AuthorizeAndCapture(context.Background(), req("tx-1", 2998))
	second := gw.AuthorizeAndCapture(context.Background(), req("tx-1", 2998))
	if !first.Success || first.ConfirmationID == "" || first.PaymentIntentID == "" || first.ClientSecret == "" {
		t.Fatalf("unexpected first result: %+v", first)
	}
	if first != second {
		t.Fatalf("replay mismatch: want=%+v got=%+v", first, second)
	}
	if other := gw.AuthorizeAndCapture(context.Background(), req("tx-2", 2998)); other.ConfirmationID == first.ConfirmationID {
		t.Fatalf("distinct transactions shared a confirmation")
	}
}

func TestDeclineIsRememberedButUnavailableIsNot(t *testing.T) {
	faults := NewScriptedFaults().Push(OpCapture, Fault{Status: StatusDeclined}, Fault{Status: StatusUnavailable})
	gw := NewGatewayB(logger.Nop(), Options{Faults: faults})

	d1 := gw.AuthorizeAndCapture(context.Background(), req("tx-d", 100))
	d2 := gw.AuthorizeAndCapture(context.Background(), req("tx-d", 100))
	if d1.Status != StatusDeclined || d2.Status != StatusDeclined {
		t.Fatalf("want declined twice got=%+v %+v", d1, d2)
	}
	if faults.Calls(OpCapture) != 1 {
		t.Fatalf("replayed decline reached the gateway: calls=%d", faults.Calls(OpCapture))
	}

	u := gw.AuthorizeAndCapture(context.Background(), req("tx-u", 100))
	if u.Status != StatusUnavailable || !u.Retryable() {
		t.Fatalf("want retryable unavailable got=%+v", u)
	}
	if again := gw.AuthorizeAndCapture(context.Background(), req("tx-u", 100)); !again.Success {
		t.Fatalf("want success after transient failure got=%+v", again)
	}
}

func TestPanicAndTimeoutBecomeResults(t *testing.T) {
	faults := NewScriptedFaults().Push(OpCapture, Fault{Panic: true})
	gw := NewDefaultGateway(logger.Nop(), Options{Faults: faults})
	if res := gw.AuthorizeAndCapture(context.Background(), req("tx-p", 100)); res.Status != StatusError || res.Success {
		t.Fatalf("want error result for panic got=%+v", res)
	}

	slow := NewDefaultGateway(logger.Nop(), Options{Latency: time.Second, Timeout: 20 * time.Millisecond})
	if res := slow.AuthorizeAndCapture(context.Background(), req("tx-t", 100)); res.Status != StatusTimeout {
		t.Fatalf("want timeout got=%+v", res)
	}
}

func TestRefundIdempotent(t *testing.T) {
	gw := NewGatewayA(logger.Nop(), Options{})
	a := gw.Refund(context.Background(), RefundRequest{TransactionID: "tx-r", Amount: 100})
	b := gw.Refund(context.Background(), RefundRequest{TransactionID: "tx-r", Amount: 100})
	if !a.Success || a.RefundID == "" || a != b {
		t.Fatalf("refund replay mismatch: %+v %+v", a, b)
	}
}

func TestRegistryResolve(t *testing.T) {
	reg := NewDefaultRegistry(logger.Nop(), Options{})
	for _, name := range []string{GatewayA, "GATEWAY_B", "", GatewayDefault} {
		if _, err := reg.Resolve(Credentials{Gateway: name}); err != nil {
			t.Fatalf("resolve %q: %v", name, err)
		}
	}
	_, err := reg.Resolve(Credentials{Gateway: "gateway_z"})
	if !checkout.IsKind(err, checkout.KindConfiguration) {
		t.Fatalf("want configuration error got=%v", err)
	}
}

type countingProvider struct {
	calls atomic.Int32
	err   error
}

func (p *countingProvider) Credentials(_ context.Context, merchantID, _ string) (Credentials, error) {
	p.calls.Add(1)
	if p.err != nil {
		return Credentials{}, p.err
	}
	return Credentials{Gateway: GatewayA, MerchantAccount: merchantID}, nil
}

func TestCachedCredentials(t *testing.T) {
	inner := &countingProvider{}
	c := NewCachedCredentials(inner, time.Minute)
	for i := 0; i < 3; i++ {
		if _, err := c.Credentials(context.Background(), "m1", "card"); err != nil {
			t.Fatalf("Credentials: %v", err)
		}
	}
	if got := inner.calls.Load(); got != 1 {
		t.Fatalf("want=1 provider call got=%d", got)
	}
	c.Invalidate("m1")
	_, _ = c.Credentials(context.Background(), "m1", "card")
	if got := inner.calls.Load(); got != 2 {
		t.Fatalf("want=2 provider calls after invalidate got=%d", got)
	}

	failing := &countingProvider{err: errors.New("boom")}
	fc := NewCachedCredentials(failing, time.Minute)
	_, _ = fc.Credentials(context.Background(), "m1", "card")
	_, _ = fc.Credentials(context.Background(), "m1", "card")
	if got := failing.calls.Load(); got != 2 {
		t.Fatalf("errors must not be cached: calls=%d", got)
	}
}

func TestFileCredentialsMissingMerchant(t *testing.T) {
	cfg, err := merchantcfg.Parse([]byte("merchants:\n  m1:\n    gateways:\n      card:\n        gateway: gateway_b\n"))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	p := NewFileCredentialsProvider(cfg)
	got, err := p.Credentials(context.Background(), "m1", "card")
	if err != nil || got.Gateway != GatewayB {
		t.Fatalf("want gateway_b got=%+v err=%v", got, err)
	}
	if _, err := p.Credentials(context.Background(), "m9", "card"); !checkout.IsKind(err, checkout.KindConfiguration) {
		t.Fatalf("want configuration error got=%v", err)
	}
}
