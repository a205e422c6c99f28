package redisx

import (
	"context"
	"os"
	"testing"

	goredis "github.com/redis/go-redis/v9"
)

// TestClient connects to TEST_REDIS_ADDR and flushes the selected DB, skipping when unset.
func TestClient(tb testing.TB) *goredis.Client {
	tb.Helper()
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		tb.Skip("set TEST_REDIS_ADDR to run redis integration tests")
	}
	rdb, err := New(context.Background(), nil, Config{Addr: addr, DB: 15})
	if err != nil {
		tb.Fatalf("redis: %v", err)
	}
	if err := rdb.FlushDB(context.Background()).Err(); err != nil {
		tb.Fatalf("flush: %v", err)
	}
	tb.Cleanup(func() { _ = rdb.Close() })
	return rdb
}
