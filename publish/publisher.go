package publish

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"order-stream/domain"
)

// Orders is the persistence surface the publisher commits to before it
// emits anything.
type Orders interface {
	CreateOrder(ctx context.Context, o domain.Order) error
	GetOrder(ctx context.Context, id string) (domain.Order, error)
	ApplyTransition(ctx context.Context, id string, target domain.Status) (domain.Order, error)
	AssignDriver(ctx context.Context, id, driverID string) (domain.Order, error)
}

// conflictRetries bounds optimistic-concurrency retries when another
// instance mutated the same order between our read and write.
const conflictRetries = 3

// Publisher is the single entry point for order mutations. Every
// mutation is committed to storage first; only a committed mutation
// produces events, stamped with the order's next sequence numbers. A
// failed emission is logged and skipped, never rolled back: clients
// recover the gap through resync.
type Publisher struct {
	store   Orders
	seq     *Sequencer
	emitter *Emitter
	logger  *log.Logger
	locks   keyedMutex
}

func NewPublisher(store Orders, seq *Sequencer, emitter *Emitter, logger *log.Logger) *Publisher {
	if logger == nil {
		logger = log.New()
	}
	return &Publisher{store: store, seq: seq, emitter: emitter, logger: logger}
}

// CreateOrder persists a new order and announces it on the event feed
// as a status change into "new".
func (p *Publisher) CreateOrder(ctx context.Context, o domain.Order) (domain.Order, error) {
	if o.ID == "" {
		o.ID = uuid.NewString()
	}
	o.Status = domain.StatusNew
	o.CreatedAt = time.Now().UTC()

	if err := p.store.CreateOrder(ctx, o); err != nil {
		return domain.Order{}, err
	}

	p.emit(ctx, domain.NewEvent(domain.EventOrderStatusChanged, o.ID, domain.StatusChangedPayload{
		OrderID:   o.ID,
		Status:    o.Status,
		Timestamp: o.CreatedAt,
	}))
	return o, nil
}

// Transition moves the order to the target status. The transition is
// validated and committed under the order's ETag; on success an
// order_status_changed event is emitted, plus order_picked_up when the
// target is picked_up so delivery trackers see the handoff.
func (p *Publisher) Transition(ctx context.Context, id string, target domain.Status) (domain.Order, error) {
	unlock := p.locks.lock(id)
	defer unlock()

	order, err := p.applyWithRetry(ctx, id, target)
	if err != nil {
		return domain.Order{}, err
	}

	now := time.Now().UTC()
	p.emit(ctx, domain.NewEvent(domain.EventOrderStatusChanged, id, domain.StatusChangedPayload{
		OrderID:   id,
		Status:    order.Status,
		Timestamp: now,
	}))
	if target == domain.StatusPickedUp {
		p.emit(ctx, domain.NewEvent(domain.EventOrderPickedUp, id, domain.PickedUpPayload{
			OrderID:   id,
			Timestamp: now,
		}))
	}
	return order, nil
}

func (p *Publisher) applyWithRetry(ctx context.Context, id string, target domain.Status) (domain.Order, error) {
	var lastErr error
	for attempt := 0; attempt < conflictRetries; attempt++ {
		order, err := p.store.ApplyTransition(ctx, id, target)
		if err == nil {
			return order, nil
		}
		if !errors.Is(err, domain.ErrConflict) {
			return domain.Order{}, err
		}
		lastErr = err
		p.logger.WithFields(log.Fields{"order_id": id, "attempt": attempt + 1}).
			Debug("transition hit concurrent write, retrying")
	}
	return domain.Order{}, fmt.Errorf("transition for order %s: %w", id, lastErr)
}

// AssignDriver records the courier on the order and emits
// delivery_assigned.
func (p *Publisher) AssignDriver(ctx context.Context, id, driverID, driverSummary string) (domain.Order, error) {
	unlock := p.locks.lock(id)
	defer unlock()

	order, err := p.store.AssignDriver(ctx, id, driverID)
	if err != nil {
		return domain.Order{}, err
	}

	p.emit(ctx, domain.NewEvent(domain.EventDeliveryAssigned, id, domain.DeliveryAssignedPayload{
		OrderID:       id,
		DriverID:      driverID,
		DriverSummary: driverSummary,
	}))
	return order, nil
}

// RecordLocation emits a courier position sample for an order that is
// currently out for delivery. Positions are not persisted.
func (p *Publisher) RecordLocation(ctx context.Context, id string, lat, lng float64) error {
	order, err := p.store.GetOrder(ctx, id)
	if err != nil {
		return err
	}
	if order.Status != domain.StatusPickedUp && order.Status != domain.StatusDelivering {
		return domain.ErrInvalidTransition
	}

	p.emit(ctx, domain.NewEvent(domain.EventDeliveryLocationUpdated, id, domain.LocationPayload{
		OrderID:   id,
		Lat:       lat,
		Lng:       lng,
		Timestamp: time.Now().UTC(),
	}))
	return nil
}

// Arrived emits delivery_arrived_at_customer for an order out for
// delivery.
func (p *Publisher) Arrived(ctx context.Context, id string) error {
	order, err := p.store.GetOrder(ctx, id)
	if err != nil {
		return err
	}
	if order.Status != domain.StatusPickedUp && order.Status != domain.StatusDelivering {
		return domain.ErrInvalidTransition
	}

	p.emit(ctx, domain.NewEvent(domain.EventDeliveryArrivedAtCustomer, id, domain.ArrivedPayload{
		OrderID:   id,
		Timestamp: time.Now().UTC(),
	}))
	return nil
}

// PostMessage emits a chat message on the order's room.
func (p *Publisher) PostMessage(ctx context.Context, id string, sender domain.Role, text string) error {
	if _, err := p.store.GetOrder(ctx, id); err != nil {
		return err
	}

	p.emit(ctx, domain.NewEvent(domain.EventNewOrderMessage, id, domain.MessagePayload{
		OrderID:    id,
		SenderRole: sender,
		Text:       text,
		Timestamp:  time.Now().UTC(),
	}))
	return nil
}

// SystemAlert broadcasts an operational alert to the admin dashboard.
// Alerts are unsequenced: they belong to no order.
func (p *Publisher) SystemAlert(message, severity string) {
	ev := domain.NewEvent(domain.EventSystemAlert, "", domain.SystemAlertPayload{
		Message:  message,
		Severity: severity,
	})
	ev.EmittedAt = time.Now().UTC()
	if err := p.emitter.Emit(ev); err != nil {
		p.logger.WithError(err).Error("system alert emit failed")
	}
}

// emit stamps the event with the order's next sequence number and hands
// it to the emitter. Failures are logged and skipped; the mutation is
// already committed and subscribers fill the gap via resync.
func (p *Publisher) emit(ctx context.Context, ev domain.Event) {
	seq, err := p.seq.Next(ctx, ev.OrderID)
	if err != nil {
		p.logger.WithError(err).WithFields(log.Fields{
			"type":     ev.Type,
			"order_id": ev.OrderID,
		}).Error("sequence allocation failed, event skipped")
		return
	}
	ev.Sequence = seq
	ev.EmittedAt = time.Now().UTC()

	if err := p.emitter.Emit(ev); err != nil {
		p.logger.WithError(err).WithFields(log.Fields{
			"type":     ev.Type,
			"order_id": ev.OrderID,
			"sequence": ev.Sequence,
		}).Error("event emit failed")
	}
}

// keyedMutex serializes mutations per order with a fixed set of lock
// stripes.
type keyedMutex struct {
	shards [64]sync.Mutex
}

func (k *keyedMutex) lock(key string) func() {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	m := &k.shards[h.Sum32()%uint32(len(k.shards))]
	m.Lock()
	return m.Unlock
}
