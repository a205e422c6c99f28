package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/yungbote/checkout-saga/internal/domain/checkout"
	"github.com/yungbote/checkout-saga/internal/platform/logger"
	"github.com/yungbote/checkout-saga/internal/platform/redisx"
)

func testConfig() Config {
	return Config{
		Channel:          "test.events",
		InventoryQueue:   "test.inventory",
		FulfillmentQueue: "test.fulfillment",
		DedupeTTL:        time.Minute,
		Timeout:          2 * time.Second,
	}
}

func TestPublishIsDedupedPerTransaction(t *testing.T) {
	rdb := redisx.TestClient(t)
	ctx := context.Background()
	pub, err := NewRedisPublisher(rdb, logger.Nop(), testConfig(), nil)
	if err != nil {
		t.Fatalf("NewRedisPublisher: %v", err)
	}

	sub := rdb.Subscribe(ctx, "test.events")
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	ev := OrderCreated{TransactionID: "tx-1", MerchantID: "m1", OrderReference: "ORD-1", TotalAmount: 2998, Status: "confirmed", Timestamp: time.Now().UTC()}
	for i := 0; i < 3; i++ {
		if err := pub.PublishOrderCreated(ctx, ev); err != nil {
			t.Fatalf("PublishOrderCreated: %v", err)
		}
	}

	msg, err := sub.ReceiveMessage(ctx)
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	var env struct {
		Event string       `json:"event"`
		Data  OrderCreated `json:"data"`
	}
	if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if env.Event != EventOrderCreated || env.Data.TotalAmount != 2998 {
		t.Fatalf("unexpected envelope: %+v", env)
	}

	shortCtx, cancel := context.WithTimeout(ctx, 200*time.Millisecond)
	defer cancel()
	if extra, err := sub.ReceiveMessage(shortCtx); err == nil {
		t.Fatalf("duplicate delivery: %s", extra.Payload)
	}
	if rdb.Exists(ctx, DedupeKey(EventOrderCreated, "tx-1")).Val() != 1 {
		t.Fatalf("dedupe marker missing")
	}
}

func TestEnqueueInventoryOnce(t *testing.T) {
	rdb := redisx.TestClient(t)
	ctx := context.Background()
	pub, err := NewRedisPublisher(rdb, logger.Nop(), testConfig(), nil)
	if err != nil {
		t.Fatalf("NewRedisPublisher: %v", err)
	}
	work := InventoryWork{
		Action:        ActionReserveInventory,
		TransactionID: "tx-2",
		MerchantID:    "m1",
		Items:         []checkout.LineItem{{SKU: "A", Quantity: 2, Price: 1499, Name: "A"}},
	}
	_ = pub.EnqueueInventory(ctx, work)
	_ = pub.EnqueueInventory(ctx, work)
	work.Action = ActionReleaseInventory
	_ = pub.EnqueueInventory(ctx, work)

	if n := rdb.LLen(ctx, "test.inventory").Val(); n != 2 {
		t.Fatalf("queue length: want=2 got=%d", n)
	}
	if err := pub.EnqueueInventory(ctx, InventoryWork{Action: "restock", TransactionID: "tx-2"}); err == nil {
		t.Fatalf("expected error for unknown action")
	}
}

func TestFulfillmentConsumerParksRejected(t *testing.T) {
	rdb := redisx.TestClient(t)
	ctx := context.Background()
	var seen []checkout.FulfillmentUpdate
	c, err := NewFulfillmentConsumer(rdb, logger.Nop(), testConfig(), func(_ context.Context, upd checkout.FulfillmentUpdate) error {
		seen = append(seen, upd)
		if upd.Status == "teleported" {
			return errors.New("bad status")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("NewFulfillmentConsumer: %v", err)
	}
	c.block = 100 * time.Millisecond

	good, _ := json.Marshal(checkout.FulfillmentUpdate{TransactionID: "tx-3", MerchantID: "m1", Status: "shipped", TrackingNumber: "1Z"})
	bad, _ := json.Marshal(checkout.FulfillmentUpdate{TransactionID: "tx-3", MerchantID: "m1", Status: "teleported"})
	rdb.LPush(ctx, "test.fulfillment", good, bad, "not json")

	for i := 0; i < 3; i++ {
		if ok, err := c.Poll(ctx); err != nil || !ok {
			t.Fatalf("Poll %d: ok=%v err=%v", i, ok, err)
		}
	}
	if ok, err := c.Poll(ctx); err != nil || ok {
		t.Fatalf("empty Poll: ok=%v err=%v", ok, err)
	}
	if len(seen) != 2 || seen[0].TrackingNumber != "1Z" {
		t.Fatalf("handler calls: %+v", seen)
	}
	if n := rdb.LLen(ctx, c.FailedQueue()).Val(); n != 2 {
		t.Fatalf("failed queue: want=2 got=%d", n)
	}
}
