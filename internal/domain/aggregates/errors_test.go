package aggregates

import (
	"fmt"
	"testing"

	"github.com/yungbote/checkout-saga/internal/domain/checkout"
)

func TestCodeOfThroughWrapping(t *testing.T) {
	err := fmt.Errorf("outer: %w", NewError(CodeRetryable, "Store.Lock", "lock timeout", nil))
	if !IsRetryable(err) {
		t.Fatalf("expected retryable, got code=%q", CodeOf(err))
	}
	if got := CheckoutKind(NewError(CodeNotFound, "op", "missing", nil)); got != checkout.KindNotFound {
		t.Fatalf("kind: want=%s got=%s", checkout.KindNotFound, got)
	}
	if got := CheckoutKind(NewError(CodeInvariantViolation, "op", "bad edge", nil)); got != checkout.KindConflict {
		t.Fatalf("kind: want=%s got=%s", checkout.KindConflict, got)
	}
}
