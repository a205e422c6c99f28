package services

import (
	"context"
	"regexp"
	"strings"
	"time"

	types "github.com/yungbote/checkout-saga/internal/domain/checkout"
)

var (
	methodKindRe  = regexp.MustCompile(`^[a-z][a-z_]{1,31}$`)
	cardDigitsRe  = regexp.MustCompile(`^\d{13,19}$`)
	gatewayTokens = []string{"pm_", "tok_", "card_", "src_"}
)

// paymentMethodKind classifies a raw payment method for credential lookup.
func paymentMethodKind(raw string) string {
	v := strings.TrimSpace(raw)
	if cardDigitsRe.MatchString(stripCardSeparators(v)) {
		return "card"
	}
	lower := strings.ToLower(v)
	for _, p := range gatewayTokens {
		if strings.HasPrefix(lower, p) {
			return "card"
		}
	}
	return lower
}

// storedMethodKind reads the kind back out of a stored "kind" or "kind:token" value.
func storedMethodKind(stored string) string {
	kind, _, _ := strings.Cut(stored, ":")
	return strings.ToLower(strings.TrimSpace(kind))
}

func isBareKind(v string) bool {
	if !methodKindRe.MatchString(v) {
		return false
	}
	for _, p := range gatewayTokens {
		if strings.HasPrefix(v, p) {
			return false
		}
	}
	return true
}

func stripCardSeparators(s string) string {
	return strings.NewReplacer(" ", "", "-", "").Replace(s)
}

// securePaymentMethod returns the value safe to persist: a bare kind word as-is, anything
// else as "kind:token". Tokenization failure is critical.
func securePaymentMethod(ctx context.Context, pii PIIGuard, raw, merchantID, userID string, ttl time.Duration) (stored, kind string, err error) {
	v := strings.TrimSpace(raw)
	if v == "" {
		return "", "", types.InvalidOrderError("payment_method", "payment method is required")
	}
	kind = paymentMethodKind(v)
	if isBareKind(v) {
		return v, kind, nil
	}
	if cardDigitsRe.MatchString(stripCardSeparators(v)) {
		v = stripCardSeparators(v)
	}
	id, err := pii.CreateSecureToken(ctx, v, types.DataTypePayment, merchantID, userID, ttl)
	if err != nil {
		return "", "", types.TokenizationError("payment_method", "could not secure payment details", err)
	}
	if !isBareKind(kind) {
		kind = "other"
	}
	return kind + ":" + id, kind, nil
}

// tokenizeAddresses stores each present address as one address token.
func tokenizeAddresses(ctx context.Context, pii PIIGuard, merchantID, userID string, shipping, billing *types.Address, ttl time.Duration) (string, string, error) {
	data := map[string]interface{}{}
	if shipping != nil {
		data["shipping_address"] = shipping.AsMap()
	}
	if billing != nil {
		data["billing_address"] = billing.AsMap()
	}
	if len(data) == 0 {
		return "", "", nil
	}
	out, err := pii.TokenizeUserData(ctx, TokenizeContext{MerchantID: merchantID, UserID: userID, Data: data, TTL: ttl})
	if err != nil {
		return "", "", err
	}
	return out.Tokens["shipping_address"], out.Tokens["billing_address"], nil
}
