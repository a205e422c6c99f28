// Package payments holds the payment gateway contract, the simulated gateway variants and the
// registry that selects one from a merchant's configured discriminator.
package payments

import (
	"context"

	"github.com/yungbote/checkout-saga/internal/domain/checkout"
)

const (
	GatewayA       = "gateway_a"
	GatewayB       = "gateway_b"
	GatewayDefault = "default"
)

// Result statuses reported by gateways.
const (
	StatusSucceeded     = "succeeded"
	StatusDeclined      = "declined"
	StatusLimitExceeded = "limit_exceeded"
	StatusUnavailable   = "unavailable"
	StatusTimeout       = "timeout"
	StatusError         = "error"
)

type PaymentRequest struct {
	TransactionID string
	MerchantID    string
	Amount        checkout.Money
	Currency      string
	// PaymentMethod is the tokenized reference, never a raw card number.
	PaymentMethod string
	Credentials   Credentials
}

type PaymentResult struct {
	Success         bool   `json:"success"`
	Status          string `json:"status"`
	ConfirmationID  string `json:"confirmation_id,omitempty"`
	PaymentIntentID string `json:"payment_intent_id,omitempty"`
	ClientSecret    string `json:"client_secret,omitempty"`
	Error           string `json:"error,omitempty"`
}

// Retryable reports whether the failure was transient on the gateway side.
func (r PaymentResult) Retryable() bool {
	return !r.Success && (r.Status == StatusUnavailable || r.Status == StatusTimeout || r.Status == StatusError)
}

type RefundRequest struct {
	TransactionID  string
	MerchantID     string
	ConfirmationID string
	Amount         checkout.Money
	Reason         string
	Credentials    Credentials
}

type RefundResult struct {
	Success  bool   `json:"success"`
	Status   string `json:"status"`
	RefundID string `json:"refund_id,omitempty"`
	Error    string `json:"error,omitempty"`
}

// Gateway never returns an error: every failure is reported in the result.
type Gateway interface {
	Name() string
	AuthorizeAndCapture(ctx context.Context, req PaymentRequest) PaymentResult
	Refund(ctx context.Context, req RefundRequest) RefundResult
}
