package api

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestDeduper(t *testing.T) (*RedisDeduper, *miniredis.Miniredis) {
	t.Helper()
	m, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(m.Close)

	client := redis.NewClient(&redis.Options{Addr: m.Addr()})
	t.Cleanup(func() {
		if cerr := client.Close(); cerr != nil {
			t.Logf("redis close: %v", cerr)
		}
	})
	return NewRedisDeduper(client, time.Minute), m
}

func TestRedisDeduperAddOnce(t *testing.T) {
	deduper, _ := newTestDeduper(t)
	ctx := context.Background()

	first, err := deduper.Add(ctx, "user", "k1")
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if !first {
		t.Fatalf("expected first add to succeed")
	}
	second, err := deduper.Add(ctx, "user", "k1")
	if err != nil {
		t.Fatalf("second add: %v", err)
	}
	if second {
		t.Fatalf("expected second add to be a duplicate")
	}
}

func TestRedisDeduperKeyNamespacing(t *testing.T) {
	deduper, m := newTestDeduper(t)
	ctx := context.Background()

	if _, err := deduper.Add(ctx, "alice", "k"); err != nil {
		t.Fatalf("add alice: %v", err)
	}
	added, err := deduper.Add(ctx, "bob", "k")
	if err != nil {
		t.Fatalf("add bob: %v", err)
	}
	if !added {
		t.Fatalf("expected keys of different users not to collide")
	}
	if !m.Exists("idem:alice:k") || !m.Exists("idem:bob:k") {
		t.Fatalf("unexpected keys: %v", m.Keys())
	}
	if ttl := m.TTL("idem:alice:k"); ttl != time.Minute {
		t.Fatalf("unexpected ttl: %v", ttl)
	}
}

func TestRedisDeduperRemove(t *testing.T) {
	deduper, _ := newTestDeduper(t)
	ctx := context.Background()

	if _, err := deduper.Add(ctx, "user", "k"); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := deduper.Remove(ctx, "user", "k"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	added, err := deduper.Add(ctx, "user", "k")
	if err != nil {
		t.Fatalf("add after remove: %v", err)
	}
	if !added {
		t.Fatalf("expected key to be accepted again after remove")
	}
}
