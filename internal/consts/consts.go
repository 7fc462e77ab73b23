// Package consts holds shared Redis key prefixes and channel names.
package consts

const (
	// OrderCacheKeyPrefix prefixes cached order snapshots.
	OrderCacheKeyPrefix = "order:"

	// SequenceKeyPrefix prefixes per-order sequence counters.
	SequenceKeyPrefix = "seq:"

	// DedupeKeyPrefix prefixes idempotency keys for mutation requests.
	DedupeKeyPrefix = "dedupe:"

	// EventsChannel is the pub/sub channel carrying events between instances.
	EventsChannel = "order-events"
)
