// Package events publishes checkout events and inventory work items over Redis and consumes
// fulfillment updates.
package events

import (
	"context"
	"time"

	"github.com/yungbote/checkout-saga/internal/domain/checkout"
	"github.com/yungbote/checkout-saga/internal/platform/envutil"
)

const (
	EventOrderCreated   = "order_created"
	EventOrderCancelled = "order_cancelled"

	ActionReserveInventory = "reserve_inventory"
	ActionReleaseInventory = "release_inventory"
)

type OrderCreated struct {
	TransactionID  string         `json:"transaction_id"`
	MerchantID     string         `json:"merchant_id"`
	OrderReference string         `json:"order_reference"`
	TotalAmount    checkout.Money `json:"total_amount"`
	Status         string         `json:"status"`
	Timestamp      time.Time      `json:"timestamp"`
}

type OrderCancelled struct {
	TransactionID string    `json:"transaction_id"`
	MerchantID    string    `json:"merchant_id"`
	Reason        string    `json:"reason"`
	Timestamp     time.Time `json:"timestamp"`
}

// InventoryWork is the message the inventory collaborator reads from the work queue.
type InventoryWork struct {
	Action        string              `json:"action"`
	TransactionID string              `json:"transaction_id"`
	MerchantID    string              `json:"merchant_id"`
	ReservationID string              `json:"reservation_id,omitempty"`
	Items         []checkout.LineItem `json:"items"`
}

// Envelope wraps every message on the events channel.
type Envelope struct {
	Event string      `json:"event"`
	Data  interface{} `json:"data"`
}

// Publisher delivers each (event, transaction) pair at most once within the dedupe window.
// A repeated call for an already delivered pair returns nil without sending.
type Publisher interface {
	PublishOrderCreated(ctx context.Context, ev OrderCreated) error
	PublishOrderCancelled(ctx context.Context, ev OrderCancelled) error
	EnqueueInventory(ctx context.Context, work InventoryWork) error
}

type Config struct {
	Channel          string
	InventoryQueue   string
	FulfillmentQueue string
	DedupeTTL        time.Duration
	Timeout          time.Duration
}

func ConfigFromEnv() Config {
	return Config{
		Channel:          envutil.String("CHECKOUT_EVENTS_CHANNEL", "checkout.events"),
		InventoryQueue:   envutil.String("INVENTORY_QUEUE", "inventory.work"),
		FulfillmentQueue: envutil.String("FULFILLMENT_QUEUE", "fulfillment.work"),
		DedupeTTL:        envutil.Duration("EVENT_DEDUPE_TTL", 7*24*time.Hour),
		Timeout:          envutil.Duration("PUBSUB_TIMEOUT", 5*time.Second),
	}
}

func (c Config) withDefaults() Config {
	d := ConfigFromEnv()
	if c.Channel == "" {
		c.Channel = d.Channel
	}
	if c.InventoryQueue == "" {
		c.InventoryQueue = d.InventoryQueue
	}
	if c.FulfillmentQueue == "" {
		c.FulfillmentQueue = d.FulfillmentQueue
	}
	if c.DedupeTTL <= 0 {
		c.DedupeTTL = d.DedupeTTL
	}
	if c.Timeout <= 0 {
		c.Timeout = d.Timeout
	}
	return c
}

// DedupeKey names the marker recording that event was delivered for a transaction.
func DedupeKey(event, transactionID string) string {
	return "events:sent:" + event + ":" + transactionID
}
