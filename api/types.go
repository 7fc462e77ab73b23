package api

import (
	"context"

	"order-stream/domain"
	"order-stream/publish"
	"order-stream/subscription"
)

// Publisher is the mutation surface handlers drive. Implemented by
// publish.Publisher.
type Publisher interface {
	CreateOrder(ctx context.Context, o domain.Order) (domain.Order, error)
	Transition(ctx context.Context, id string, target domain.Status) (domain.Order, error)
	AssignDriver(ctx context.Context, id, driverID, driverSummary string) (domain.Order, error)
	RecordLocation(ctx context.Context, id string, lat, lng float64) error
	Arrived(ctx context.Context, id string) error
	PostMessage(ctx context.Context, id string, sender domain.Role, text string) error
	SystemAlert(message, severity string)
}

// Directory reads order state for resync responses and join checks.
type Directory interface {
	GetOrder(ctx context.Context, id string) (domain.Order, error)
}

// SequenceReader reports the highest sequence issued for an order.
type SequenceReader interface {
	Current(ctx context.Context, orderID string) (uint64, error)
}

// Authenticator resolves bearer credentials to a platform identity.
type Authenticator interface {
	IdentityFromAuthHeader(string) (domain.Identity, error)
	IdentityFromToken(string) (domain.Identity, error)
}

// Deduper prevents reprocessing of repeated mutation requests.
type Deduper interface {
	// Add records the idempotency key and returns true if it was newly added.
	Add(ctx context.Context, orderID, key string) (bool, error)
	// Remove deletes a previously added key, used when downstream processing fails.
	Remove(ctx context.Context, orderID, key string) error
}

// Rooms is the subscription surface the websocket layer drives.
// Implemented by subscription.Registry.
type Rooms interface {
	Join(ctx context.Context, c subscription.Conn, room domain.RoomID) error
	Leave(c subscription.Conn, room domain.RoomID)
	RemoveConnection(c subscription.Conn)
}

// StatsSource exposes pipeline statistics on the ops endpoint.
type StatsSource interface {
	Stats() publish.Stats
}
