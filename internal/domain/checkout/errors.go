package checkout

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies checkout failures for callers and transports.
type Kind string

const (
	KindConsent               Kind = "consent"
	KindInvalidOrder          Kind = "invalid_order"
	KindPaymentGateway        Kind = "payment_gateway"
	KindConfiguration         Kind = "configuration"
	KindTokenization          Kind = "tokenization"
	KindCompensationExhausted Kind = "compensation_exhausted"
	KindConflict              Kind = "conflict"
	KindNotFound              Kind = "not_found"
	KindInternal              Kind = "internal"
)

// Error carries a kind, the failing operation and a message that is safe to show a caller.
type Error struct {
	Kind    Kind
	Op      string
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	op := strings.TrimSpace(e.Op)
	msg := strings.TrimSpace(e.Message)
	if e.Cause != nil && msg == "" {
		msg = e.Cause.Error()
	}
	switch {
	case op != "" && msg != "":
		return fmt.Sprintf("%s: %s (%s)", op, msg, e.Kind)
	case msg != "":
		return fmt.Sprintf("%s (%s)", msg, e.Kind)
	default:
		return string(e.Kind)
	}
}

func (e *Error) Unwrap() error { return e.Cause }

func NewError(kind Kind, op, message string, cause error) error {
	return &Error{Kind: kind, Op: strings.TrimSpace(op), Message: strings.TrimSpace(message), Cause: cause}
}

func ConsentError(op, message string) error {
	return NewError(KindConsent, op, message, nil)
}

func InvalidOrderError(op, message string) error {
	return NewError(KindInvalidOrder, op, message, nil)
}

func PaymentGatewayError(op, message string, cause error) error {
	return NewError(KindPaymentGateway, op, message, cause)
}

func ConfigurationError(op, message string, cause error) error {
	return NewError(KindConfiguration, op, message, cause)
}

func TokenizationError(op, message string, cause error) error {
	return NewError(KindTokenization, op, message, cause)
}

func CompensationExhaustedError(op, message string) error {
	return NewError(KindCompensationExhausted, op, message, nil)
}

func KindOf(err error) Kind {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return ""
}

func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// UserMessage returns the caller-facing message for err. Internal errors never leak details.
func UserMessage(err error) string {
	var ce *Error
	if errors.As(err, &ce) && ce.Kind != KindInternal && strings.TrimSpace(ce.Message) != "" {
		return ce.Message
	}
	if err == nil {
		return ""
	}
	return "checkout could not be completed"
}
