package publish

import (
	"testing"
	"time"

	"github.com/bytedance/sonic"
)

func TestFeedSkipsOwnOrigin(t *testing.T) {
	sink := &collectingSink{}
	feed := NewFeed(nil, sink, "inst-1", nil)

	own, err := sonic.MarshalString(wireEvent{Origin: "inst-1", Event: statusEvent("o-1", 1)})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	feed.handle(own)
	if got := len(sink.snapshot()); got != 0 {
		t.Fatalf("own-origin event fanned out %d times, want 0", got)
	}

	remote, err := sonic.MarshalString(wireEvent{Origin: "inst-2", Event: statusEvent("o-1", 2)})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	feed.handle(remote)
	evs := sink.snapshot()
	if len(evs) != 1 {
		t.Fatalf("remote event fanned out %d times, want 1", len(evs))
	}
	if evs[0].Sequence != 2 {
		t.Fatalf("sequence = %d, want 2", evs[0].Sequence)
	}
}

func TestFeedIgnoresGarbage(t *testing.T) {
	sink := &collectingSink{}
	feed := NewFeed(nil, sink, "inst-1", nil)

	feed.handle("{not json")
	time.Sleep(10 * time.Millisecond)
	if got := len(sink.snapshot()); got != 0 {
		t.Fatalf("garbage fanned out %d events, want 0", got)
	}
}
