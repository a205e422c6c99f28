package cart

import (
	"context"
	"testing"
	"time"

	types "github.com/yungbote/checkout-saga/internal/domain/checkout"
	"github.com/yungbote/checkout-saga/internal/platform/logger"
	"github.com/yungbote/checkout-saga/internal/platform/redisx"
)

func TestRedisCartRepoTakeIsOneShot(t *testing.T) {
	rdb := redisx.TestClient(t)
	repo := NewRedisCartRepo(rdb, logger.Nop())
	ctx := context.Background()

	c := &types.Cart{
		CartID:     "c1",
		MerchantID: "m1",
		UserID:     "u1",
		Items:      []types.LineItem{{SKU: "A", Quantity: 1, Price: 500, Name: "A"}},
		ExpiresAt:  time.Now().Add(time.Hour),
	}
	if err := repo.Save(ctx, c); err != nil {
		t.Fatalf("Save: %v", err)
	}
	ttl := rdb.TTL(ctx, Key("m1", "c1")).Val()
	if ttl <= 0 || ttl > time.Hour {
		t.Fatalf("ttl: want (0,1h] got=%v", ttl)
	}

	got, err := repo.Take(ctx, "m1", "c1")
	if err != nil || got == nil || got.Items[0].Price != 500 {
		t.Fatalf("Take: got=%+v err=%v", got, err)
	}
	again, err := repo.Take(ctx, "m1", "c1")
	if err != nil || again != nil {
		t.Fatalf("second Take: want nil got=%+v err=%v", again, err)
	}
}

func TestRedisCartRepoIsMerchantScoped(t *testing.T) {
	rdb := redisx.TestClient(t)
	repo := NewRedisCartRepo(rdb, logger.Nop())
	ctx := context.Background()

	if err := repo.Save(ctx, &types.Cart{CartID: "c1", MerchantID: "m1", ExpiresAt: time.Now().Add(time.Minute)}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, err := repo.Get(ctx, "m2", "c1")
	if err != nil || got != nil {
		t.Fatalf("cross-merchant Get: want nil got=%+v err=%v", got, err)
	}
}
