package utils

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return mr, rdb
}

func TestLease_SingleHolder(t *testing.T) {
	ctx := context.Background()
	mr, rdb := newTestRedis(t)

	a, err := NewLease(rdb, "scheduler:lease", "a", 10*time.Second)
	if err != nil {
		t.Fatalf("NewLease: %v", err)
	}
	b, _ := NewLease(rdb, "scheduler:lease", "b", 10*time.Second)

	if ok, err := a.TryAcquire(ctx); err != nil || !ok {
		t.Fatalf("a acquire = %v, %v; want true", ok, err)
	}
	if ok, err := b.TryAcquire(ctx); err != nil || ok {
		t.Fatalf("b acquire = %v, %v; want false", ok, err)
	}
	// Renewal by the holder succeeds.
	if ok, err := a.TryAcquire(ctx); err != nil || !ok {
		t.Fatalf("a renew = %v, %v; want true", ok, err)
	}

	// b cannot release a's lease.
	if err := b.Release(ctx); err != nil {
		t.Fatalf("b release: %v", err)
	}
	if got, _ := mr.Get("scheduler:lease"); got != "a" {
		t.Fatalf("lease owner = %q, want a", got)
	}

	if err := a.Release(ctx); err != nil {
		t.Fatalf("a release: %v", err)
	}
	if ok, err := b.TryAcquire(ctx); err != nil || !ok {
		t.Fatalf("b acquire after release = %v, %v; want true", ok, err)
	}
}

func TestLease_ExpiresWhenHolderStops(t *testing.T) {
	ctx := context.Background()
	mr, rdb := newTestRedis(t)

	a, _ := NewLease(rdb, "k", "a", 5*time.Second)
	b, _ := NewLease(rdb, "k", "b", 5*time.Second)

	if ok, _ := a.TryAcquire(ctx); !ok {
		t.Fatalf("expected a to acquire")
	}
	mr.FastForward(6 * time.Second)
	if ok, err := b.TryAcquire(ctx); err != nil || !ok {
		t.Fatalf("b acquire after expiry = %v, %v; want true", ok, err)
	}
}

func TestNewLease_Validates(t *testing.T) {
	_, rdb := newTestRedis(t)
	if _, err := NewLease(nil, "k", "o", time.Second); err == nil {
		t.Fatalf("expected error for nil client")
	}
	if _, err := NewLease(rdb, "", "o", time.Second); err == nil {
		t.Fatalf("expected error for empty key")
	}
	if _, err := NewLease(rdb, "k", "", time.Second); err == nil {
		t.Fatalf("expected error for empty owner")
	}
	if _, err := NewLease(rdb, "k", "o", 0); err == nil {
		t.Fatalf("expected error for zero ttl")
	}
}

func TestOpenRedis(t *testing.T) {
	mr, _ := newTestRedis(t)
	rdb, err := OpenRedis(context.Background(), RedisConfig{Addr: mr.Addr()})
	if err != nil {
		t.Fatalf("OpenRedis: %v", err)
	}
	_ = rdb.Close()

	if _, err := OpenRedis(context.Background(), RedisConfig{}); err == nil {
		t.Fatalf("expected error for empty addr")
	}
}
