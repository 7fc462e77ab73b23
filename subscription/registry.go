// Package subscription is the room router: it maps live connections to
// rooms and fans published events out to the members of the relevant
// rooms. It is the only mutable shared state of the streaming core and
// is accessed exclusively through Join, Leave, RemoveConnection and
// Fanout.
package subscription

import (
	"context"
	"sync"

	"github.com/bytedance/sonic"
	log "github.com/sirupsen/logrus"

	"order-stream/domain"
)

// Conn is the subset of a live connection the registry needs. Send must
// never block: implementations enqueue on a bounded buffer and report
// false when the message was dropped.
type Conn interface {
	ID() string
	Identity() domain.Identity
	Send(data []byte) bool
}

// Directory resolves orders for join authorization.
type Directory interface {
	GetOrder(ctx context.Context, id string) (domain.Order, error)
}

// Registry tracks room membership. Rooms are created lazily on first
// join and garbage-collected once empty; nothing survives a disconnect.
type Registry struct {
	directory Directory
	logger    *log.Logger

	mu    sync.RWMutex
	rooms map[domain.RoomID]map[string]Conn
}

// New creates an empty Registry.
func New(directory Directory, logger *log.Logger) *Registry {
	if logger == nil {
		logger = log.New()
	}
	return &Registry{
		directory: directory,
		logger:    logger,
		rooms:     make(map[domain.RoomID]map[string]Conn),
	}
}

// Join authorizes the connection for the room and adds it. An
// unauthorized join fails with domain.ErrUnauthorized and leaves the
// connection open.
func (r *Registry) Join(ctx context.Context, c Conn, room domain.RoomID) error {
	if err := r.authorize(ctx, c.Identity(), room); err != nil {
		r.logger.WithFields(log.Fields{
			"connection": c.ID(),
			"role":       c.Identity().Role,
			"room":       room,
		}).Warn("room join refused")
		return err
	}

	r.mu.Lock()
	members, ok := r.rooms[room]
	if !ok {
		members = make(map[string]Conn)
		r.rooms[room] = members
	}
	members[c.ID()] = c
	r.mu.Unlock()

	r.logger.WithFields(log.Fields{"connection": c.ID(), "room": room}).Debug("joined room")
	return nil
}

// Leave removes the connection from the room. Removing a non-member is
// a no-op.
func (r *Registry) Leave(c Conn, room domain.RoomID) {
	r.mu.Lock()
	if members, ok := r.rooms[room]; ok {
		delete(members, c.ID())
		if len(members) == 0 {
			delete(r.rooms, room)
		}
	}
	r.mu.Unlock()
}

// RemoveConnection drops the connection from every room. Called on
// transport close and heartbeat timeout.
func (r *Registry) RemoveConnection(c Conn) {
	r.mu.Lock()
	for room, members := range r.rooms {
		delete(members, c.ID())
		if len(members) == 0 {
			delete(r.rooms, room)
		}
	}
	r.mu.Unlock()
}

// Fanout resolves the event's target rooms and pushes it to every
// member connection. Delivery is best effort per connection: a slow or
// broken member never blocks the others. Returns the number of
// connections the event was handed to.
func (r *Registry) Fanout(ev domain.Event) int {
	data, err := sonic.Marshal(ev)
	if err != nil {
		r.logger.WithError(err).Error("event marshal failed")
		return 0
	}

	targets := r.targetRooms(ev)

	// Snapshot members under the read lock, send outside it. A
	// connection present in several target rooms receives one copy.
	seen := make(map[string]Conn)
	r.mu.RLock()
	for _, room := range targets {
		for id, c := range r.rooms[room] {
			seen[id] = c
		}
	}
	r.mu.RUnlock()

	delivered := 0
	for id, c := range seen {
		if c.Send(data) {
			delivered++
			continue
		}
		r.logger.WithFields(log.Fields{
			"connection": id,
			"type":       ev.Type,
			"order_id":   ev.OrderID,
		}).Warn("send buffer full, dropping event")
	}
	return delivered
}

func (r *Registry) targetRooms(ev domain.Event) []domain.RoomID {
	if ev.Type == domain.EventSystemAlert {
		return []domain.RoomID{domain.RoomAdminDashboard}
	}
	targets := []domain.RoomID{domain.OrderRoom(ev.OrderID), domain.RoomAdminDashboard}
	if ev.DeliveryProgress() {
		targets = append(targets, domain.RoomDriverTracking)
	}
	return targets
}

func (r *Registry) authorize(ctx context.Context, id domain.Identity, room domain.RoomID) error {
	if id.Role == domain.RoleAdmin {
		return nil
	}
	if room == domain.RoomDriverTracking {
		if id.Role == domain.RoleDriver {
			return nil
		}
		return domain.ErrUnauthorized
	}
	orderID, ok := room.OrderID()
	if !ok {
		return domain.ErrUnauthorized
	}
	order, err := r.directory.GetOrder(ctx, orderID)
	if err != nil {
		return domain.ErrUnauthorized
	}
	if !id.CanAccessOrder(order) {
		return domain.ErrUnauthorized
	}
	return nil
}

// Members reports the current size of a room.
func (r *Registry) Members(room domain.RoomID) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms[room])
}

// RoomCount reports how many rooms currently exist.
func (r *Registry) RoomCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms)
}
