package checkout

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// Transaction is the durable saga header for one checkout.
type Transaction struct {
	ID         uuid.UUID `gorm:"type:uuid;primaryKey" json:"transaction_id"`
	MerchantID string    `gorm:"column:merchant_id;type:varchar(128);not null;index" json:"merchant_id"`
	UserID     string    `gorm:"column:user_id;type:varchar(128);not null;index" json:"user_id"`
	SessionID  string    `gorm:"column:session_id;type:varchar(128)" json:"session_id"`

	// pending|confirmed|failed|cancelled|refunded|compensating
	Status string `gorm:"column:status;type:varchar(32);not null;index" json:"status"`

	TotalAmount Money  `gorm:"column:total_amount;type:bigint;not null" json:"total_amount"`
	Currency    string `gorm:"column:currency;type:varchar(8);not null" json:"currency"`

	// Tokenized or method-kind form only, never a raw PAN.
	PaymentMethod string `gorm:"column:payment_method;type:varchar(255)" json:"payment_method"`
	Gateway       string `gorm:"column:gateway;type:varchar(32)" json:"gateway,omitempty"`

	PaymentIntentID     *string `gorm:"column:payment_intent_id" json:"payment_intent_id,omitempty"`
	PaymentConfirmation *string `gorm:"column:payment_confirmation" json:"payment_confirmation,omitempty"`
	OrderReference      *string `gorm:"column:order_reference" json:"order_reference,omitempty"`

	InventoryReserved      bool    `gorm:"column:inventory_reserved;not null;default:false" json:"inventory_reserved"`
	InventoryReservationID *string `gorm:"column:inventory_reservation_id" json:"inventory_reservation_id,omitempty"`

	RequestHash   string `gorm:"column:request_hash;type:varchar(64)" json:"-"`
	FailureReason string `gorm:"column:failure_reason" json:"failure_reason,omitempty"`

	Metadata datatypes.JSON `gorm:"column:metadata" json:"metadata"`

	Actions []CompensationAction `gorm:"foreignKey:TransactionID;references:ID" json:"compensation_actions"`

	CreatedAt time.Time `gorm:"not null;index" json:"created_at"`
	UpdatedAt time.Time `gorm:"not null" json:"updated_at"`
}

func (Transaction) TableName() string { return "checkout_transaction" }

// CompensationAction is one compensating step for a completed forward step.
type CompensationAction struct {
	ID            uuid.UUID `gorm:"type:uuid;primaryKey" json:"action_id"`
	TransactionID uuid.UUID `gorm:"type:uuid;not null;uniqueIndex:idx_comp_action_txn_type,priority:1;index" json:"transaction_id"`
	Seq           int64     `gorm:"column:seq;not null" json:"seq"`

	// inventory_release|payment_refund|order_cancel|notification_send
	ActionType string `gorm:"column:action_type;type:varchar(32);not null;uniqueIndex:idx_comp_action_txn_type,priority:2" json:"action_type"`

	// pending|completed|failed
	Status        string     `gorm:"column:status;type:varchar(16);not null;index" json:"status"`
	RetryCount    int        `gorm:"column:retry_count;not null;default:0" json:"retry_count"`
	MaxRetries    int        `gorm:"column:max_retries;not null;default:3" json:"max_retries"`
	ErrorMessage  *string    `gorm:"column:error_message" json:"error_message,omitempty"`
	ExecutedAt    *time.Time `gorm:"column:executed_at" json:"executed_at,omitempty"`
	NextAttemptAt *time.Time `gorm:"column:next_attempt_at;index" json:"next_attempt_at,omitempty"`

	Metadata datatypes.JSON `gorm:"column:metadata" json:"metadata"`

	CreatedAt time.Time `gorm:"not null" json:"created_at"`
	UpdatedAt time.Time `gorm:"not null" json:"updated_at"`
}

func (CompensationAction) TableName() string { return "compensation_action" }

// Exhausted reports a terminal failed action.
func (a *CompensationAction) Exhausted() bool {
	return a.Status == ActionStatusFailed && a.RetryCount >= a.MaxRetries
}

// Runnable reports whether the action may be attempted at now.
func (a *CompensationAction) Runnable(now time.Time) bool {
	switch a.Status {
	case ActionStatusPending:
	case ActionStatusFailed:
		if a.RetryCount >= a.MaxRetries {
			return false
		}
	default:
		return false
	}
	return a.NextAttemptAt == nil || !a.NextAttemptAt.After(now)
}

// OrderConfirmation is created once per confirmed transaction.
type OrderConfirmation struct {
	ID             uuid.UUID `gorm:"type:uuid;primaryKey" json:"order_id"`
	TransactionID  uuid.UUID `gorm:"type:uuid;not null;uniqueIndex" json:"transaction_id"`
	MerchantID     string    `gorm:"column:merchant_id;type:varchar(128);not null;index" json:"merchant_id"`
	UserID         string    `gorm:"column:user_id;type:varchar(128);not null" json:"user_id"`
	OrderReference string    `gorm:"column:order_reference;type:varchar(64);not null;uniqueIndex" json:"order_reference"`

	// confirmed|processing|shipped|delivered|cancelled
	Status string `gorm:"column:status;type:varchar(16);not null;index" json:"status"`

	Items       datatypes.JSON `gorm:"column:items" json:"items"`
	TotalAmount Money          `gorm:"column:total_amount;type:bigint;not null" json:"total_amount"`
	Currency    string         `gorm:"column:currency;type:varchar(8);not null" json:"currency"`

	ShippingAddressToken string `gorm:"column:shipping_address_token" json:"shipping_address_token,omitempty"`
	BillingAddressToken  string `gorm:"column:billing_address_token" json:"billing_address_token,omitempty"`

	PaymentConfirmation string     `gorm:"column:payment_confirmation" json:"payment_confirmation"`
	EstimatedDelivery   *time.Time `gorm:"column:estimated_delivery" json:"estimated_delivery,omitempty"`
	TrackingNumber      *string    `gorm:"column:tracking_number" json:"tracking_number,omitempty"`
	ReceiptURL          *string    `gorm:"column:receipt_url" json:"receipt_url,omitempty"`
	ReceiptKey          string     `gorm:"column:receipt_key" json:"-"`

	MerchantBranding datatypes.JSON `gorm:"column:merchant_branding" json:"merchant_branding"`

	CreatedAt time.Time `gorm:"not null" json:"created_at"`
	UpdatedAt time.Time `gorm:"not null" json:"updated_at"`
}

func (OrderConfirmation) TableName() string { return "order_confirmation" }

// SecureToken holds ciphertext bound to (token_id, merchant_id, data_type).
type SecureToken struct {
	ID             string     `gorm:"column:id;type:varchar(64);primaryKey" json:"token_id"`
	EncryptedValue []byte     `gorm:"column:encrypted_value;not null" json:"-"`
	DataType       string     `gorm:"column:data_type;type:varchar(16);not null" json:"data_type"`
	MerchantID     string     `gorm:"column:merchant_id;type:varchar(128);not null;index" json:"merchant_id"`
	UserID         *string    `gorm:"column:user_id" json:"user_id,omitempty"`
	KeyID          string     `gorm:"column:key_id;type:varchar(64);not null" json:"key_id"`
	CreatedAt      time.Time  `gorm:"not null" json:"created_at"`
	ExpiresAt      *time.Time `gorm:"column:expires_at;index" json:"expires_at,omitempty"`
}

func (SecureToken) TableName() string { return "secure_token" }

// AuditRecord is an append-only outcome record.
type AuditRecord struct {
	ID                 uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	MerchantID         string    `gorm:"column:merchant_id;type:varchar(128);not null;index" json:"merchant_id"`
	UserID             *string   `gorm:"column:user_id" json:"user_id,omitempty"`
	SessionID          *string   `gorm:"column:session_id" json:"session_id,omitempty"`
	Operation          string    `gorm:"column:operation;type:varchar(64);not null;index" json:"operation"`
	RequestPayloadHash string    `gorm:"column:request_payload_hash;type:varchar(64)" json:"request_payload_hash"`
	ResponseReference  string    `gorm:"column:response_reference" json:"response_reference"`
	// success|failure
	Outcome   string    `gorm:"column:outcome;type:varchar(16);not null" json:"outcome"`
	Reason    *string   `gorm:"column:reason" json:"reason,omitempty"`
	Actor     string    `gorm:"column:actor;type:varchar(160);not null" json:"actor"`
	CreatedAt time.Time `gorm:"not null;index" json:"created_at"`
}

func (AuditRecord) TableName() string { return "audit_record" }

const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)
