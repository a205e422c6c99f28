package checkout

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type LineItem struct {
	SKU      string `json:"sku"`
	Quantity int    `json:"quantity"`
	Price    Money  `json:"price"`
	Name     string `json:"name"`
}

// Subtotal is quantity × price.
func (li LineItem) Subtotal() Money {
	return Money(int64(li.Quantity) * int64(li.Price))
}

type Address struct {
	Name       string `json:"name,omitempty"`
	Line1      string `json:"line1"`
	Line2      string `json:"line2,omitempty"`
	City       string `json:"city"`
	State      string `json:"state,omitempty"`
	PostalCode string `json:"postal_code"`
	Country    string `json:"country"`
}

func (a *Address) AsMap() map[string]interface{} {
	if a == nil {
		return nil
	}
	b, _ := json.Marshal(a)
	out := map[string]interface{}{}
	_ = json.Unmarshal(b, &out)
	return out
}

type Consent struct {
	TermsAccepted    bool      `json:"terms_accepted"`
	PrivacyAccepted  bool      `json:"privacy_accepted"`
	ConsentTimestamp time.Time `json:"consent_timestamp"`
}

type CheckoutRequest struct {
	MerchantID      string     `json:"merchant_id"`
	UserID          string     `json:"user_id"`
	SessionID       string     `json:"session_id"`
	Items           []LineItem `json:"items"`
	PaymentMethod   string     `json:"payment_method"`
	ShippingAddress *Address   `json:"shipping_address"`
	BillingAddress  *Address   `json:"billing_address,omitempty"`
	UserConsent     *Consent   `json:"user_consent"`
	Currency        string     `json:"currency,omitempty"`
	IdempotencyKey  string     `json:"idempotency_key,omitempty"`
}

// Hash fingerprints the request payload; the idempotency key itself is excluded.
func (r CheckoutRequest) Hash() string {
	cp := r
	cp.IdempotencyKey = ""
	cp.UserConsent = nil
	b, _ := json.Marshal(cp)
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// CheckoutResult is the caller-visible outcome. Failures carry total_amount 0 and no items.
type CheckoutResult struct {
	TransactionID       string     `json:"transaction_id"`
	Status              string     `json:"status"`
	TotalAmount         Money      `json:"total_amount"`
	Currency            string     `json:"currency"`
	Items               []LineItem `json:"items"`
	PaymentConfirmation string     `json:"payment_confirmation,omitempty"`
	PaymentIntentID     string     `json:"payment_intent_id,omitempty"`
	ClientSecret        string     `json:"client_secret,omitempty"`
	EstimatedDelivery   string     `json:"estimated_delivery,omitempty"`
	OrderReference      string     `json:"order_reference,omitempty"`
	ErrorMessage        string     `json:"error_message,omitempty"`
}

func FailedResult(txID uuid.UUID, currency, message string) CheckoutResult {
	id := ""
	if txID != uuid.Nil {
		id = txID.String()
	}
	return CheckoutResult{
		TransactionID: id,
		Status:        StatusFailed,
		TotalAmount:   0,
		Currency:      currency,
		Items:         []LineItem{},
		ErrorMessage:  message,
	}
}

// TransactionMetadata is the JSON stored on a transaction.
type TransactionMetadata struct {
	Items                []LineItem `json:"items"`
	ShippingAddressToken string     `json:"shipping_address_token,omitempty"`
	BillingAddressToken  string     `json:"billing_address_token,omitempty"`
	IdempotencyKey       string     `json:"idempotency_key,omitempty"`
	ClientSecret         string     `json:"client_secret,omitempty"`
	FailureKind          Kind       `json:"failure_kind,omitempty"`
	CompensationReason   string     `json:"compensation_reason,omitempty"`
	OperatorRefund       bool       `json:"operator_refund,omitempty"`
}

func (t *Transaction) DecodeMetadata() TransactionMetadata {
	var md TransactionMetadata
	if t != nil && len(t.Metadata) > 0 {
		_ = json.Unmarshal(t.Metadata, &md)
	}
	return md
}

type CompensationReport struct {
	TransactionID string   `json:"transaction_id"`
	Status        string   `json:"status"`
	Completed     []string `json:"completed"`
	Pending       []string `json:"pending"`
	Exhausted     []string `json:"exhausted"`
}

// FulfillmentUpdate is consumed from the fulfillment work queue.
type FulfillmentUpdate struct {
	TransactionID  string `json:"transaction_id"`
	MerchantID     string `json:"merchant_id"`
	Status         string `json:"status"`
	TrackingNumber string `json:"tracking_number,omitempty"`
}

// CheckoutOptions carries request-time fields a stored cart does not hold.
type CheckoutOptions struct {
	UserConsent    *Consent `json:"user_consent"`
	Currency       string   `json:"currency,omitempty"`
	IdempotencyKey string   `json:"idempotency_key,omitempty"`
}

type Cart struct {
	CartID               string     `json:"cart_id"`
	MerchantID           string     `json:"merchant_id"`
	UserID               string     `json:"user_id"`
	SessionID            string     `json:"session_id"`
	Items                []LineItem `json:"items"`
	ShippingAddressToken string     `json:"shipping_address_token,omitempty"`
	BillingAddressToken  string     `json:"billing_address_token,omitempty"`
	PaymentMethodToken   string     `json:"payment_method_token,omitempty"`
	ExpiresAt            time.Time  `json:"expires_at"`
}
