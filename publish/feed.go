package publish

import (
	"context"
	"time"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"order-stream/internal/consts"
)

// Feed consumes the cross-instance event channel and fans remote events
// out to local connections. Events published by this instance carry its
// origin id and are skipped, the emitter already delivered them
// locally.
type Feed struct {
	redis      *redis.Client
	sink       Sink
	instanceID string
	logger     *log.Logger
}

func NewFeed(rc *redis.Client, sink Sink, instanceID string, logger *log.Logger) *Feed {
	if logger == nil {
		logger = log.New()
	}
	return &Feed{redis: rc, sink: sink, instanceID: instanceID, logger: logger}
}

// Run blocks consuming the feed until the context is cancelled. The
// subscription is re-established with backoff when the channel drops.
func (f *Feed) Run(ctx context.Context) {
	attempt := 0
	for {
		sub := f.redis.Subscribe(ctx, consts.EventsChannel)
		ch := sub.Channel()

	consume:
		for {
			select {
			case <-ctx.Done():
				_ = sub.Close()
				return
			case msg, ok := <-ch:
				if !ok {
					break consume
				}
				attempt = 0
				f.handle(msg.Payload)
			}
		}

		_ = sub.Close()
		if ctx.Err() != nil {
			return
		}
		attempt++
		delay := exponentialBackoff(attempt, 0, 0)
		f.logger.Errorf("event feed channel closed, reconnecting in %v", delay)
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

func (f *Feed) handle(payload string) {
	var env wireEvent
	if err := sonic.UnmarshalString(payload, &env); err != nil {
		f.logger.WithError(err).Error("unable to parse feed event")
		return
	}
	if env.Origin == f.instanceID {
		return
	}
	f.sink.Fanout(env.Event)
}
