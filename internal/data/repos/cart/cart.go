package cart

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	types "github.com/yungbote/checkout-saga/internal/domain/checkout"
	"github.com/yungbote/checkout-saga/internal/platform/logger"
)

// CartRepo stores ephemeral carts; Redis expiry purges them.
type CartRepo interface {
	Save(ctx context.Context, c *types.Cart) error
	Get(ctx context.Context, merchantID, cartID string) (*types.Cart, error)
	// Take reads and deletes the cart atomically, so a cart is checked out at most once.
	Take(ctx context.Context, merchantID, cartID string) (*types.Cart, error)
	Delete(ctx context.Context, merchantID, cartID string) error
}

type redisCartRepo struct {
	rdb *goredis.Client
	log *logger.Logger
	now func() time.Time
}

func NewRedisCartRepo(rdb *goredis.Client, baseLog *logger.Logger) CartRepo {
	return &redisCartRepo{rdb: rdb, log: baseLog.With("repo", "CartRepo"), now: time.Now}
}

func Key(merchantID, cartID string) string {
	return fmt.Sprintf("cart:%s:%s", merchantID, cartID)
}

func (r *redisCartRepo) Save(ctx context.Context, c *types.Cart) error {
	if c == nil {
		return nil
	}
	ttl := c.ExpiresAt.Sub(r.now())
	if ttl <= 0 {
		return fmt.Errorf("cart %s already expired", c.CartID)
	}
	b, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("encode cart: %w", err)
	}
	return r.rdb.Set(ctx, Key(c.MerchantID, c.CartID), b, ttl).Err()
}

func (r *redisCartRepo) Get(ctx context.Context, merchantID, cartID string) (*types.Cart, error) {
	raw, err := r.rdb.Get(ctx, Key(merchantID, cartID)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return decodeCart(raw)
}

func (r *redisCartRepo) Take(ctx context.Context, merchantID, cartID string) (*types.Cart, error) {
	raw, err := r.rdb.GetDel(ctx, Key(merchantID, cartID)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return decodeCart(raw)
}

func (r *redisCartRepo) Delete(ctx context.Context, merchantID, cartID string) error {
	return r.rdb.Del(ctx, Key(merchantID, cartID)).Err()
}

func decodeCart(raw []byte) (*types.Cart, error) {
	var c types.Cart
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, fmt.Errorf("decode cart: %w", err)
	}
	return &c, nil
}
