package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	goredis "github.com/redis/go-redis/v9"

	"github.com/yungbote/checkout-saga/internal/observability"
	"github.com/yungbote/checkout-saga/internal/platform/logger"
)

type redisPublisher struct {
	log     *logger.Logger
	rdb     *goredis.Client
	cfg     Config
	metrics *observability.Metrics
}

func NewRedisPublisher(rdb *goredis.Client, log *logger.Logger, cfg Config, metrics *observability.Metrics) (Publisher, error) {
	if rdb == nil {
		return nil, fmt.Errorf("redis client required")
	}
	if log == nil {
		return nil, fmt.Errorf("logger required")
	}
	return &redisPublisher{
		log:     log.With("service", "RedisEventPublisher"),
		rdb:     rdb,
		cfg:     cfg.withDefaults(),
		metrics: metrics,
	}, nil
}

func (p *redisPublisher) PublishOrderCreated(ctx context.Context, ev OrderCreated) error {
	return p.publish(ctx, EventOrderCreated, ev.TransactionID, ev)
}

func (p *redisPublisher) PublishOrderCancelled(ctx context.Context, ev OrderCancelled) error {
	return p.publish(ctx, EventOrderCancelled, ev.TransactionID, ev)
}

func (p *redisPublisher) publish(ctx context.Context, event, txID string, data interface{}) error {
	raw, err := json.Marshal(Envelope{Event: event, Data: data})
	if err != nil {
		return err
	}
	return p.once(ctx, event, txID, func(ctx context.Context) error {
		return p.rdb.Publish(ctx, p.cfg.Channel, raw).Err()
	})
}

func (p *redisPublisher) EnqueueInventory(ctx context.Context, work InventoryWork) error {
	switch work.Action {
	case ActionReserveInventory, ActionReleaseInventory:
	default:
		return fmt.Errorf("unknown inventory action %q", work.Action)
	}
	raw, err := json.Marshal(work)
	if err != nil {
		return err
	}
	return p.once(ctx, work.Action, work.TransactionID, func(ctx context.Context) error {
		return p.rdb.LPush(ctx, p.cfg.InventoryQueue, raw).Err()
	})
}

// once claims the dedupe marker, sends, and releases the marker if sending failed.
func (p *redisPublisher) once(ctx context.Context, event, txID string, send func(ctx context.Context) error) error {
	if strings.TrimSpace(txID) == "" {
		return fmt.Errorf("%s: missing transaction id", event)
	}
	ctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	key := DedupeKey(event, txID)
	claimed, err := p.rdb.SetNX(ctx, key, "1", p.cfg.DedupeTTL).Result()
	if err != nil {
		p.metrics.IncEvent(event, "error")
		return fmt.Errorf("claim %s marker: %w", event, err)
	}
	if !claimed {
		p.metrics.IncEvent(event, "duplicate")
		p.log.Debug("Event already sent", "event", event, "transaction_id", txID)
		return nil
	}
	if err := send(ctx); err != nil {
		if derr := p.rdb.Del(context.WithoutCancel(ctx), key).Err(); derr != nil {
			p.log.Warn("Failed to release event marker", "event", event, "transaction_id", txID, "error", derr)
		}
		p.metrics.IncEvent(event, "error")
		return fmt.Errorf("send %s: %w", event, err)
	}
	p.metrics.IncEvent(event, "sent")
	return nil
}
