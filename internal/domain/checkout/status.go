package checkout

import "strings"

const (
	StatusPending      = "pending"
	StatusConfirmed    = "confirmed"
	StatusFailed       = "failed"
	StatusCancelled    = "cancelled"
	StatusRefunded     = "refunded"
	StatusCompensating = "compensating"
)

const (
	ActionInventoryRelease = "inventory_release"
	ActionPaymentRefund    = "payment_refund"
	ActionOrderCancel      = "order_cancel"
	ActionNotificationSend = "notification_send"
)

const (
	ActionStatusPending   = "pending"
	ActionStatusCompleted = "completed"
	ActionStatusFailed    = "failed"
)

const (
	OrderStatusConfirmed  = "confirmed"
	OrderStatusProcessing = "processing"
	OrderStatusShipped    = "shipped"
	OrderStatusDelivered  = "delivered"
	OrderStatusCancelled  = "cancelled"
)

const (
	DataTypePayment  = "payment"
	DataTypePersonal = "personal"
	DataTypeAddress  = "address"
	DataTypeContact  = "contact"
)

const DefaultMaxRetries = 3

func NormalizeStatus(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

var transactionEdges = map[string]map[string]bool{
	StatusPending: {
		StatusConfirmed:    true,
		StatusFailed:       true,
		StatusCompensating: true,
		StatusCancelled:    true,
	},
	StatusConfirmed: {
		StatusCompensating: true,
		StatusRefunded:     true,
	},
	StatusFailed: {
		StatusCompensating: true,
	},
	StatusCompensating: {
		StatusCancelled: true,
		StatusFailed:    true,
		StatusRefunded:  true,
	},
}

// CanTransition reports whether a transaction may move from one status to another.
// cancelled and refunded are terminal.
func CanTransition(from, to string) bool {
	return transactionEdges[NormalizeStatus(from)][NormalizeStatus(to)]
}

func IsKnownStatus(s string) bool {
	switch NormalizeStatus(s) {
	case StatusPending, StatusConfirmed, StatusFailed, StatusCancelled, StatusRefunded, StatusCompensating:
		return true
	}
	return false
}

// AllowsActions reports whether compensation actions may exist for a transaction in status s.
func AllowsActions(s string) bool {
	switch NormalizeStatus(s) {
	case StatusCompensating, StatusCancelled, StatusRefunded, StatusFailed:
		return true
	}
	return false
}

func IsKnownActionType(t string) bool {
	switch t {
	case ActionInventoryRelease, ActionPaymentRefund, ActionOrderCancel, ActionNotificationSend:
		return true
	}
	return false
}

var orderEdges = map[string]map[string]bool{
	OrderStatusConfirmed:  {OrderStatusProcessing: true, OrderStatusShipped: true, OrderStatusCancelled: true},
	OrderStatusProcessing: {OrderStatusShipped: true, OrderStatusCancelled: true},
	OrderStatusShipped:    {OrderStatusDelivered: true},
}

func CanTransitionOrder(from, to string) bool {
	return orderEdges[NormalizeStatus(from)][NormalizeStatus(to)]
}

func IsKnownDataType(t string) bool {
	switch t {
	case DataTypePayment, DataTypePersonal, DataTypeAddress, DataTypeContact:
		return true
	}
	return false
}
