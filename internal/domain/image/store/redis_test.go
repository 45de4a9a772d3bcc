package store

import (
	"context"
	"fmt"
	"testing"

	miniredis "github.com/alicebob/miniredis/v2"
)

func newTestRedisStore(t *testing.T, maxHistory int) *redisStore {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	s, err := NewRedis(Config{
		MaxHistory: maxHistory,
		Namespace:  "framecast-test",
		Redis:      &RedisConfig{Addr: mr.Addr()},
	})
	if err != nil {
		t.Fatalf("NewRedis error: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s.(*redisStore)
}

func TestRedisStoreLifecycle(t *testing.T) {
	ctx := context.Background()
	s := newTestRedisStore(t, 0)

	if _, ok, err := s.Current(ctx); err != nil || ok {
		t.Fatalf("expected empty store, got ok=%v err=%v", ok, err)
	}

	first, err := s.Commit(ctx, testImage("redis-1"))
	if err != nil {
		t.Fatalf("Commit error: %v", err)
	}
	if first.Seq != 1 {
		t.Fatalf("expected seq 1, got %d", first.Seq)
	}

	second, err := s.Commit(ctx, testImage("redis-2"))
	if err != nil {
		t.Fatalf("Commit error: %v", err)
	}
	if second.Seq != 2 {
		t.Fatalf("expected seq 2, got %d", second.Seq)
	}

	current, ok, err := s.Current(ctx)
	if err != nil || !ok {
		t.Fatalf("Current returned ok=%v err=%v", ok, err)
	}
	if current.ID != "redis-2" {
		t.Fatalf("expected redis-2 to be current, got %s", current.ID)
	}

	got, ok, err := s.Get(ctx, "redis-1")
	if err != nil || !ok {
		t.Fatalf("Get returned ok=%v err=%v", ok, err)
	}
	if got.Payload != testImage("redis-1").Payload || got.Format != "png" {
		t.Fatalf("record did not survive the round trip: %+v", got)
	}

	if _, ok, _ := s.Get(ctx, "missing"); ok {
		t.Fatalf("expected miss for unknown id")
	}

	count, err := s.Count(ctx)
	if err != nil || count != 2 {
		t.Fatalf("expected count 2, got %d err=%v", count, err)
	}

	list, err := s.List(ctx)
	if err != nil {
		t.Fatalf("List error: %v", err)
	}
	if len(list) != 2 || list[0].ID != "redis-2" || list[1].ID != "redis-1" {
		t.Fatalf("unexpected list order: %+v", list)
	}
}

func TestRedisStoreEvictionKeepsCurrent(t *testing.T) {
	ctx := context.Background()
	s := newTestRedisStore(t, 1)

	for i := 1; i <= 3; i++ {
		if _, err := s.Commit(ctx, testImage(fmt.Sprintf("redis-%d", i))); err != nil {
			t.Fatalf("Commit error: %v", err)
		}
	}

	count, err := s.Count(ctx)
	if err != nil || count != 1 {
		t.Fatalf("expected history capped at 1, got %d err=%v", count, err)
	}

	current, ok, err := s.Current(ctx)
	if err != nil || !ok || current.ID != "redis-3" {
		t.Fatalf("current must survive eviction, got %+v ok=%v err=%v", current, ok, err)
	}
	if _, ok, _ := s.Get(ctx, "redis-1"); ok {
		t.Fatalf("expected oldest record evicted")
	}
}

func TestRedisStoreRequiresAddr(t *testing.T) {
	if _, err := NewRedis(Config{}); err == nil {
		t.Fatalf("expected error without redis config")
	}
	if _, err := NewRedis(Config{Redis: &RedisConfig{}}); err == nil {
		t.Fatalf("expected error without redis address")
	}
}
