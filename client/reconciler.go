// Package client is the consumer-side companion of the event stream: a
// reconnecting websocket manager, a per-order sequence reconciler and a
// typed event dispatcher. Applications wire the three together to get
// exactly-once side effects over an at-least-once feed.
package client

import (
	"context"
	"errors"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"order-stream/domain"
)

// ErrStaleView is returned when a sequence gap could not be closed by
// resync; the caller's view of that order can no longer be trusted.
var ErrStaleView = errors.New("order view is stale")

// Snapshot is the authoritative order state fetched during resync.
type Snapshot struct {
	Order    domain.Order `json:"order"`
	Sequence uint64       `json:"sequence"`
}

// ReadAPI fetches order snapshots for resync.
type ReadAPI interface {
	Resync(ctx context.Context, orderID string) (Snapshot, error)
}

const (
	resyncAttempts = 3
	resyncTimeout  = 5 * time.Second
)

// Reconciler guards side effects against the duplicates and losses of
// the feed. Duplicates (sequence at or below the last applied) are
// discarded silently; a gap triggers exactly one resync which adopts
// the server-reported sequence. Only events that survive reach onApply.
type Reconciler struct {
	api        ReadAPI
	logger     *log.Logger
	onApply    func(ev domain.Event)
	onSnapshot func(s Snapshot)

	mu      sync.Mutex
	lastSeq map[string]uint64
}

// NewReconciler creates a reconciler. onSnapshot may be nil when the
// caller has no use for resync snapshots.
func NewReconciler(api ReadAPI, onApply func(domain.Event), onSnapshot func(Snapshot), logger *log.Logger) *Reconciler {
	if onApply == nil {
		panic("onApply is required")
	}
	if logger == nil {
		logger = log.New()
	}
	return &Reconciler{
		api:        api,
		logger:     logger,
		onApply:    onApply,
		onSnapshot: onSnapshot,
		lastSeq:    make(map[string]uint64),
	}
}

// Handle feeds one received event through the reconciler.
func (r *Reconciler) Handle(ctx context.Context, ev domain.Event) error {
	// Unsequenced events (system alerts) pass straight through.
	if ev.OrderID == "" || ev.Sequence == 0 {
		r.onApply(ev)
		return nil
	}

	r.mu.Lock()
	last := r.lastSeq[ev.OrderID]

	if ev.Sequence <= last {
		r.mu.Unlock()
		r.logger.WithFields(log.Fields{
			"order_id": ev.OrderID,
			"sequence": ev.Sequence,
			"last":     last,
		}).Debug("discarding duplicate event")
		return nil
	}

	if ev.Sequence == last+1 {
		r.lastSeq[ev.OrderID] = ev.Sequence
		r.mu.Unlock()
		r.onApply(ev)
		return nil
	}
	r.mu.Unlock()

	return r.resync(ctx, ev)
}

// resync closes a sequence gap with one snapshot fetch. The triggering
// event is applied on top only when it is newer than the snapshot.
func (r *Reconciler) resync(ctx context.Context, ev domain.Event) error {
	r.logger.WithFields(log.Fields{
		"order_id": ev.OrderID,
		"sequence": ev.Sequence,
	}).Warn("sequence gap detected, resyncing")

	snap, err := r.fetchSnapshot(ctx, ev.OrderID)
	if err != nil {
		return err
	}

	r.mu.Lock()
	r.lastSeq[ev.OrderID] = snap.Sequence
	r.mu.Unlock()

	if r.onSnapshot != nil {
		r.onSnapshot(snap)
	}
	if ev.Sequence > snap.Sequence {
		r.mu.Lock()
		r.lastSeq[ev.OrderID] = ev.Sequence
		r.mu.Unlock()
		r.onApply(ev)
	}
	return nil
}

func (r *Reconciler) fetchSnapshot(ctx context.Context, orderID string) (Snapshot, error) {
	var lastErr error
	for attempt := 0; attempt < resyncAttempts; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, resyncTimeout)
		snap, err := r.api.Resync(attemptCtx, orderID)
		cancel()
		if err == nil {
			return snap, nil
		}
		lastErr = err
		r.logger.WithError(err).WithFields(log.Fields{
			"order_id": orderID,
			"attempt":  attempt + 1,
		}).Warn("resync attempt failed")
		if ctx.Err() != nil {
			break
		}
	}
	r.logger.WithError(lastErr).WithField("order_id", orderID).Error("resync exhausted")
	return Snapshot{}, ErrStaleView
}

// Reset forgets the sequence tracking for an order, used when the
// caller stops following it.
func (r *Reconciler) Reset(orderID string) {
	r.mu.Lock()
	delete(r.lastSeq, orderID)
	r.mu.Unlock()
}
