package publish

import (
	"errors"
	"sync"
	"testing"
	"time"

	"order-stream/domain"
)

type collectingSink struct {
	mu     sync.Mutex
	events []domain.Event
}

func (s *collectingSink) Fanout(ev domain.Event) int {
	s.mu.Lock()
	s.events = append(s.events, ev)
	s.mu.Unlock()
	return 1
}

func (s *collectingSink) snapshot() []domain.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Event, len(s.events))
	copy(out, s.events)
	return out
}

func (s *collectingSink) waitFor(t *testing.T, n int) []domain.Event {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if evs := s.snapshot(); len(evs) >= n {
			return evs
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d events, have %d", n, len(s.snapshot()))
	return nil
}

type blockingSink struct {
	release chan struct{}
}

func (s *blockingSink) Fanout(ev domain.Event) int {
	<-s.release
	return 1
}

func statusEvent(orderID string, seq uint64) domain.Event {
	ev := domain.NewEvent(domain.EventOrderStatusChanged, orderID, domain.StatusChangedPayload{
		OrderID: orderID,
		Status:  domain.StatusAccepted,
	})
	ev.Sequence = seq
	ev.EmittedAt = time.Now().UTC()
	return ev
}

func TestEmitterPreservesPerOrderOrder(t *testing.T) {
	sink := &collectingSink{}
	em := NewEmitter(sink, nil, "inst-1", nil)
	em.Start()
	defer em.Shutdown()

	const perOrder = 50
	orders := []string{"o-a", "o-b", "o-c"}
	for seq := uint64(1); seq <= perOrder; seq++ {
		for _, id := range orders {
			if err := em.Emit(statusEvent(id, seq)); err != nil {
				t.Fatalf("Emit(%s, %d): %v", id, seq, err)
			}
		}
	}

	evs := sink.waitFor(t, perOrder*len(orders))
	lastSeq := make(map[string]uint64)
	for _, ev := range evs {
		if ev.Sequence <= lastSeq[ev.OrderID] {
			t.Fatalf("order %s delivered seq %d after seq %d", ev.OrderID, ev.Sequence, lastSeq[ev.OrderID])
		}
		lastSeq[ev.OrderID] = ev.Sequence
	}
}

func TestEmitterDropsWhenSaturated(t *testing.T) {
	t.Setenv("EMITTER_PARTITIONS", "1")
	t.Setenv("EMITTER_BUFFER", "1")
	t.Setenv("EMITTER_HANDOFF_TIMEOUT", "5ms")

	sink := &blockingSink{release: make(chan struct{})}
	em := NewEmitter(sink, nil, "inst-1", nil)
	em.Start()
	defer func() {
		close(sink.release)
		em.Shutdown()
	}()

	// First event occupies the worker, second fills the buffer. The
	// third has nowhere to go.
	_ = em.Emit(statusEvent("o-1", 1))
	_ = em.Emit(statusEvent("o-1", 2))

	var dropErr error
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if err := em.Emit(statusEvent("o-1", 3)); err != nil {
			dropErr = err
			break
		}
	}
	if !errors.Is(dropErr, errEmitterSaturated) {
		t.Fatalf("Emit err = %v, want errEmitterSaturated", dropErr)
	}
	if got := em.Stats().Dropped; got == 0 {
		t.Fatalf("Stats().Dropped = %d, want > 0", got)
	}
}

func TestEmitterStats(t *testing.T) {
	sink := &collectingSink{}
	em := NewEmitter(sink, nil, "inst-1", nil)
	em.Start()

	for seq := uint64(1); seq <= 10; seq++ {
		if err := em.Emit(statusEvent("o-1", seq)); err != nil {
			t.Fatalf("Emit: %v", err)
		}
	}
	sink.waitFor(t, 10)
	em.Shutdown()

	st := em.Stats()
	if st.Delivered != 10 {
		t.Fatalf("Delivered = %d, want 10", st.Delivered)
	}
	if st.QueueDepth != 0 {
		t.Fatalf("QueueDepth = %d, want 0", st.QueueDepth)
	}
	if st.StartedAt.IsZero() {
		t.Fatal("StartedAt is zero")
	}
}
