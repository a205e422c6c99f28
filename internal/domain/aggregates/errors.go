// Package aggregates defines the error codes returned by transaction store writes.
package aggregates

import (
	"errors"
	"fmt"
	"strings"

	"github.com/yungbote/checkout-saga/internal/domain/checkout"
)

type ErrorCode string

const (
	CodeValidation         ErrorCode = "validation"
	CodeNotFound           ErrorCode = "not_found"
	CodeConflict           ErrorCode = "conflict"
	CodeInvariantViolation ErrorCode = "invariant_violation"
	CodePreconditionFailed ErrorCode = "precondition_failed"
	CodeRetryable          ErrorCode = "retryable"
	CodeInternal           ErrorCode = "internal"
)

type Error struct {
	Code    ErrorCode
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
	switch {
	case op != "" && msg != "":
		return fmt.Sprintf("%s: %s (%s)", op, msg, e.Code)
	case op != "":
		return fmt.Sprintf("%s (%s)", op, e.Code)
	case msg != "":
		return fmt.Sprintf("%s (%s)", msg, e.Code)
	default:
		return string(e.Code)
	}
}

func (e *Error) Unwrap() error { return e.Cause }

func NewError(code ErrorCode, op, message string, cause error) error {
	return &Error{Code: code, Op: strings.TrimSpace(op), Message: strings.TrimSpace(message), Cause: cause}
}

func Wrap(code ErrorCode, op string, err error) error {
	if err == nil {
		return nil
	}
	return NewError(code, op, err.Error(), err)
}

func IsCode(err error, code ErrorCode) bool {
	return CodeOf(err) == code
}

func CodeOf(err error) ErrorCode {
	var aggErr *Error
	if !errors.As(err, &aggErr) {
		return ""
	}
	return aggErr.Code
}

// IsRetryable reports whether a store failure may succeed on a later attempt.
func IsRetryable(err error) bool {
	return IsCode(err, CodeRetryable)
}

// CheckoutKind maps a store failure onto the caller-facing checkout taxonomy.
func CheckoutKind(err error) checkout.Kind {
	switch CodeOf(err) {
	case CodeNotFound:
		return checkout.KindNotFound
	case CodeConflict, CodeInvariantViolation, CodePreconditionFailed:
		return checkout.KindConflict
	case CodeValidation:
		return checkout.KindInvalidOrder
	default:
		return checkout.KindInternal
	}
}
