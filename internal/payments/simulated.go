package payments

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/yungbote/checkout-saga/internal/domain/checkout"
	"github.com/yungbote/checkout-saga/internal/platform/logger"
)

// Options tune a simulated gateway.
type Options struct {
	Latency time.Duration
	Timeout time.Duration
	Faults  FaultInjector
}

type variant struct {
	name          string
	ceiling       checkout.Money
	confirmPrefix string
	intentPrefix  string
	refundPrefix  string
	clientSecret  bool
}

// simulatedGateway stands in for a processor. It remembers captures and refunds by
// transaction id so replays return the first answer.
type simulatedGateway struct {
	log  *logger.Logger
	v    variant
	opts Options

	mu       sync.Mutex
	captures map[string]PaymentResult
	refunds  map[string]RefundResult
}

func NewGatewayA(log *logger.Logger, opts Options) Gateway {
	return newSimulated(log, variant{
		name:          GatewayA,
		ceiling:       checkout.Money(1_000_000),
		confirmPrefix: "ch_",
		intentPrefix:  "pi_",
		refundPrefix:  "re_",
		clientSecret:  true,
	}, opts)
}

func NewGatewayB(log *logger.Logger, opts Options) Gateway {
	return newSimulated(log, variant{
		name:          GatewayB,
		ceiling:       checkout.Money(500_000),
		confirmPrefix: "gb_txn_",
		refundPrefix:  "gb_rfd_",
	}, opts)
}

func NewDefaultGateway(log *logger.Logger, opts Options) Gateway {
	return newSimulated(log, variant{
		name:          GatewayDefault,
		ceiling:       checkout.Money(250_000),
		confirmPrefix: "conf_",
		refundPrefix:  "rfnd_",
	}, opts)
}

func newSimulated(log *logger.Logger, v variant, opts Options) *simulatedGateway {
	if log == nil {
		log = logger.Nop()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	return &simulatedGateway{
		log:      log.With("gateway", v.name),
		v:        v,
		opts:     opts,
		captures: map[string]PaymentResult{},
		refunds:  map[string]RefundResult{},
	}
}

func (g *simulatedGateway) Name() string { return g.v.name }

// Ceiling is the largest single capture the variant accepts.
func (g *simulatedGateway) Ceiling() checkout.Money { return g.v.ceiling }

func (g *simulatedGateway) AuthorizeAndCapture(ctx context.Context, req PaymentRequest) (res PaymentResult) {
	txID := strings.TrimSpace(req.TransactionID)
	if txID == "" {
		return PaymentResult{Status: StatusError, Error: "missing transaction id"}
	}
	if prior, ok := g.capture(txID); ok {
		return prior
	}
	defer func() {
		if r := recover(); r != nil {
			g.log.Error("Gateway capture panicked", "transaction_id", txID, "panic", fmt.Sprint(r))
			res = PaymentResult{Status: StatusError, Error: "payment processor error"}
		}
	}()

	if req.Amount <= 0 {
		return PaymentResult{Status: StatusDeclined, Error: "amount must be positive"}
	}
	if req.Amount > g.v.ceiling {
		return PaymentResult{
			Status: StatusLimitExceeded,
			Error:  fmt.Sprintf("amount %s exceeds the %s limit of %s", req.Amount, g.v.name, g.v.ceiling),
		}
	}

	fault := g.fault(OpCapture, txID)
	if err := g.wait(ctx, fault); err != nil {
		return PaymentResult{Status: StatusTimeout, Error: "payment processor timed out"}
	}
	if fault != nil {
		if fault.Panic {
			panic("injected gateway panic")
		}
		if fault.Status != "" && fault.Status != StatusSucceeded {
			out := PaymentResult{Status: fault.Status, Error: faultMessage(fault)}
			if fault.Status == StatusDeclined || fault.Status == StatusLimitExceeded {
				g.remember(txID, out)
			}
			return out
		}
	}

	out := PaymentResult{
		Success:        true,
		Status:         StatusSucceeded,
		ConfirmationID: g.v.confirmPrefix + compactID(),
	}
	if g.v.intentPrefix != "" {
		out.PaymentIntentID = g.v.intentPrefix + compactID()
	}
	if g.v.clientSecret && out.PaymentIntentID != "" {
		out.ClientSecret = out.PaymentIntentID + "_secret_" + compactID()[:16]
	}
	out = g.remember(txID, out)
	g.log.Debug("Gateway capture succeeded", "transaction_id", txID, "amount", req.Amount.String())
	return out
}

func (g *simulatedGateway) Refund(ctx context.Context, req RefundRequest) (res RefundResult) {
	txID := strings.TrimSpace(req.TransactionID)
	if txID == "" {
		return RefundResult{Status: StatusError, Error: "missing transaction id"}
	}
	g.mu.Lock()
	prior, ok := g.refunds[txID]
	g.mu.Unlock()
	if ok {
		return prior
	}
	defer func() {
		if r := recover(); r != nil {
			g.log.Error("Gateway refund panicked", "transaction_id", txID, "panic", fmt.Sprint(r))
			res = RefundResult{Status: StatusError, Error: "payment processor error"}
		}
	}()

	fault := g.fault(OpRefund, txID)
	if err := g.wait(ctx, fault); err != nil {
		return RefundResult{Status: StatusTimeout, Error: "payment processor timed out"}
	}
	if fault != nil {
		if fault.Panic {
			panic("injected gateway panic")
		}
		if fault.Status != "" && fault.Status != StatusSucceeded {
			return RefundResult{Status: fault.Status, Error: faultMessage(fault)}
		}
	}

	out := RefundResult{Success: true, Status: StatusSucceeded, RefundID: g.v.refundPrefix + compactID()}
	g.mu.Lock()
	if existing, ok := g.refunds[txID]; ok {
		out = existing
	} else {
		g.refunds[txID] = out
	}
	g.mu.Unlock()
	return out
}

func (g *simulatedGateway) capture(txID string) (PaymentResult, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	r, ok := g.captures[txID]
	return r, ok
}

// remember stores the first terminal answer for txID and returns whichever won.
func (g *simulatedGateway) remember(txID string, r PaymentResult) PaymentResult {
	g.mu.Lock()
	defer g.mu.Unlock()
	if existing, ok := g.captures[txID]; ok {
		return existing
	}
	g.captures[txID] = r
	return r
}

func (g *simulatedGateway) fault(op, txID string) *Fault {
	if g.opts.Faults == nil {
		return nil
	}
	return g.opts.Faults.Inject(g.v.name, op, txID)
}

func (g *simulatedGateway) wait(ctx context.Context, f *Fault) error {
	d := g.opts.Latency
	if f != nil && f.Delay > 0 {
		d += f.Delay
	}
	ctx, cancel := context.WithTimeout(ctx, g.opts.Timeout)
	defer cancel()
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func faultMessage(f *Fault) string {
	if strings.TrimSpace(f.Message) != "" {
		return f.Message
	}
	switch f.Status {
	case StatusDeclined:
		return "card declined"
	case StatusUnavailable:
		return "payment processor unavailable"
	case StatusTimeout:
		return "payment processor timed out"
	default:
		return "payment failed"
	}
}

func compactID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}
