package api

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestRedisDeduperAddAndRemove(t *testing.T) {
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	d := NewRedisDeduper(client, time.Minute)
	ctx := context.Background()

	added, err := d.Add(ctx, "o-1", "key-1")
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if !added {
		t.Fatal("first Add returned false")
	}

	added, err = d.Add(ctx, "o-1", "key-1")
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if added {
		t.Fatal("duplicate Add returned true")
	}

	// The same key on another order is not a duplicate.
	added, err = d.Add(ctx, "o-2", "key-1")
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if !added {
		t.Fatal("Add for different order returned false")
	}

	if err := d.Remove(ctx, "o-1", "key-1"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	added, err = d.Add(ctx, "o-1", "key-1")
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if !added {
		t.Fatal("Add after Remove returned false")
	}
}

func TestRedisDeduperKeysExpire(t *testing.T) {
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	d := NewRedisDeduper(client, time.Second)
	ctx := context.Background()

	if _, err := d.Add(ctx, "o-1", "key-1"); err != nil {
		t.Fatalf("Add: %v", err)
	}
	srv.FastForward(2 * time.Second)

	added, err := d.Add(ctx, "o-1", "key-1")
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if !added {
		t.Fatal("Add after TTL expiry returned false")
	}
}
