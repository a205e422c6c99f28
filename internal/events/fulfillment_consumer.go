package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/yungbote/checkout-saga/internal/domain/checkout"
	"github.com/yungbote/checkout-saga/internal/platform/logger"
)

type FulfillmentHandler func(ctx context.Context, upd checkout.FulfillmentUpdate) error

// FulfillmentConsumer pops fulfillment updates from a Redis list. Updates the handler rejects
// are moved to "<queue>:failed" for inspection.
type FulfillmentConsumer struct {
	log    *logger.Logger
	rdb    *goredis.Client
	queue  string
	handle FulfillmentHandler
	block  time.Duration
}

func NewFulfillmentConsumer(rdb *goredis.Client, log *logger.Logger, cfg Config, handle FulfillmentHandler) (*FulfillmentConsumer, error) {
	if rdb == nil {
		return nil, fmt.Errorf("redis client required")
	}
	if handle == nil {
		return nil, fmt.Errorf("handler required")
	}
	cfg = cfg.withDefaults()
	return &FulfillmentConsumer{
		log:    log.With("service", "FulfillmentConsumer"),
		rdb:    rdb,
		queue:  cfg.FulfillmentQueue,
		handle: handle,
		block:  2 * time.Second,
	}, nil
}

func (c *FulfillmentConsumer) FailedQueue() string { return c.queue + ":failed" }

// Run blocks until ctx is done.
func (c *FulfillmentConsumer) Run(ctx context.Context) {
	c.log.Info("Fulfillment consumer started", "queue", c.queue)
	for {
		if ctx.Err() != nil {
			return
		}
		if _, err := c.Poll(ctx); err != nil && ctx.Err() == nil {
			c.log.Warn("Fulfillment poll failed", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
		}
	}
}

// Poll handles at most one message and reports whether one was read.
func (c *FulfillmentConsumer) Poll(ctx context.Context) (bool, error) {
	res, err := c.rdb.BRPop(ctx, c.block, c.queue).Result()
	if errors.Is(err, goredis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if len(res) != 2 {
		return false, fmt.Errorf("unexpected BRPOP reply of %d elements", len(res))
	}
	raw := res[1]
	var upd checkout.FulfillmentUpdate
	if err := json.Unmarshal([]byte(raw), &upd); err != nil {
		c.log.Warn("Bad fulfillment payload", "error", err)
		c.park(ctx, raw)
		return true, nil
	}
	if err := c.handle(ctx, upd); err != nil {
		c.log.Warn("Fulfillment update rejected",
			"transaction_id", upd.TransactionID,
			"status", upd.Status,
			"error", err,
		)
		c.park(ctx, raw)
	}
	return true, nil
}

func (c *FulfillmentConsumer) park(ctx context.Context, raw string) {
	if err := c.rdb.LPush(context.WithoutCancel(ctx), c.FailedQueue(), raw).Err(); err != nil {
		c.log.Error("Failed to park fulfillment update", "error", err)
	}
}
