// Package publish turns committed order mutations into sequenced events
// and hands them to the fanout pipeline. Persistence always happens
// before emission; a mutation that fails to persist never produces an
// event.
package publish

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"order-stream/internal/consts"
)

// Sequencer allocates per-order monotonic sequence numbers. Counters
// live in Redis so every instance of the service draws from the same
// series.
type Sequencer struct {
	client *redis.Client
}

func NewSequencer(client *redis.Client) *Sequencer {
	return &Sequencer{client: client}
}

// Next reserves the next sequence number for the order.
func (s *Sequencer) Next(ctx context.Context, orderID string) (uint64, error) {
	n, err := s.client.Incr(ctx, sequenceKey(orderID)).Result()
	if err != nil {
		return 0, fmt.Errorf("sequence incr for order %s: %w", orderID, err)
	}
	return uint64(n), nil
}

// Current reports the highest sequence number issued for the order, 0
// when none were issued yet. Resync responses include this so clients
// know where the live feed resumes.
func (s *Sequencer) Current(ctx context.Context, orderID string) (uint64, error) {
	n, err := s.client.Get(ctx, sequenceKey(orderID)).Uint64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("sequence read for order %s: %w", orderID, err)
	}
	return n, nil
}

func sequenceKey(orderID string) string {
	return consts.SequenceKeyPrefix + orderID
}
