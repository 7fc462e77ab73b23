package publish

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestRedis(t *testing.T) *redis.Client {
	t.Helper()
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestSequencerMonotonicPerOrder(t *testing.T) {
	seq := NewSequencer(newTestRedis(t))
	ctx := context.Background()

	for want := uint64(1); want <= 5; want++ {
		got, err := seq.Next(ctx, "o-1")
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		if got != want {
			t.Fatalf("Next = %d, want %d", got, want)
		}
	}

	// A second order draws from its own series.
	got, err := seq.Next(ctx, "o-2")
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if got != 1 {
		t.Fatalf("Next(o-2) = %d, want 1", got)
	}
}

func TestSequencerCurrent(t *testing.T) {
	seq := NewSequencer(newTestRedis(t))
	ctx := context.Background()

	got, err := seq.Current(ctx, "o-1")
	if err != nil {
		t.Fatalf("Current: %v", err)
	}
	if got != 0 {
		t.Fatalf("Current before any event = %d, want 0", got)
	}

	for i := 0; i < 3; i++ {
		if _, err := seq.Next(ctx, "o-1"); err != nil {
			t.Fatalf("Next: %v", err)
		}
	}
	got, err = seq.Current(ctx, "o-1")
	if err != nil {
		t.Fatalf("Current: %v", err)
	}
	if got != 3 {
		t.Fatalf("Current = %d, want 3", got)
	}
}
