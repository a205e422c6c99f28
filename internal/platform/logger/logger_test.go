package logger

import (
	"strings"
	"testing"
)

func TestSanitizeKVsRedactsPaymentAndContactFields(t *testing.T) {
	kv := sanitizeKVs([]interface{}{
		"card_number", "4111111111111111",
		"shipping_address", "1 Main St",
		"client_secret", "cs_abc",
		"request_hash", "abc123",
		"token_id", "tok_1",
		"merchant_id", "m_1",
	})
	got := map[string]interface{}{}
	for i := 0; i+1 < len(kv); i += 2 {
		got[kv[i].(string)] = kv[i+1]
	}
	for _, k := range []string{"card_number", "shipping_address", "client_secret"} {
		if got[k] != "[REDACTED]" {
			t.Fatalf("%s: want=[REDACTED] got=%v", k, got[k])
		}
	}
	for k, want := range map[string]string{"request_hash": "abc123", "token_id": "tok_1", "merchant_id": "m_1"} {
		if got[k] != want {
			t.Fatalf("%s: want=%q got=%v", k, want, got[k])
		}
	}
}

func TestSanitizeKVsHashesUserIdentifiers(t *testing.T) {
	kv := sanitizeKVs([]interface{}{"user_id", "user-42"})
	v, _ := kv[1].(string)
	if !strings.HasPrefix(v, "hash:") || strings.Contains(v, "user-42") {
		t.Fatalf("user_id: expected hashed value, got=%q", v)
	}
}

func TestSanitizeKVsRecursesIntoMaps(t *testing.T) {
	kv := sanitizeKVs([]interface{}{"payload", map[string]interface{}{"email": "a@b.co", "sku": "X"}})
	m := kv[1].(map[string]interface{})
	if m["email"] != "[REDACTED]" || m["sku"] != "X" {
		t.Fatalf("nested payload: got=%v", m)
	}
}
