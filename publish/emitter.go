package publish

import (
	"context"
	"errors"
	"hash/fnv"
	"math"
	"math/rand"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"order-stream/domain"
	"order-stream/internal/consts"
)

// Sink receives events for local fanout. The subscription registry
// implements it.
type Sink interface {
	Fanout(ev domain.Event) int
}

type emitterConfig struct {
	partitions     int
	bufferSize     int
	handoffTimeout time.Duration
	publishTimeout time.Duration
}

// Emitter decouples publishers from the fanout path. Events are routed
// to a worker partition by order id, so events of one order are always
// delivered in the order they were emitted while different orders
// proceed in parallel. Each delivered event is also published on the
// Redis feed channel so sibling instances can fan it out to their own
// connections.
type Emitter struct {
	cfg        emitterConfig
	sink       Sink
	redis      *redis.Client
	instanceID string
	logger     *log.Logger

	parts  []chan domain.Event
	stopCh chan struct{}
	wg     sync.WaitGroup

	closeOnce sync.Once
	delivered atomic.Uint64
	dropped   atomic.Uint64
	started   time.Time
}

var errEmitterSaturated = errors.New("event emitter is saturated")

// wireEvent is the envelope published on the cross-instance feed.
// Origin lets each instance skip its own publications.
type wireEvent struct {
	Origin string       `json:"origin"`
	Event  domain.Event `json:"event"`
}

// NewEmitter builds an emitter tuned from the environment. redisClient
// may be nil for single-instance deployments; the cross-instance feed
// is then disabled.
func NewEmitter(sink Sink, redisClient *redis.Client, instanceID string, logger *log.Logger) *Emitter {
	if sink == nil {
		panic("fanout sink is required")
	}
	if logger == nil {
		logger = log.New()
	}

	cfg := emitterConfig{
		partitions:     envInt("EMITTER_PARTITIONS", 16),
		bufferSize:     envInt("EMITTER_BUFFER", 1024),
		handoffTimeout: envDur("EMITTER_HANDOFF_TIMEOUT", 25*time.Millisecond),
		publishTimeout: envDur("EMITTER_PUBLISH_TIMEOUT", 5*time.Second),
	}
	if cfg.partitions <= 0 {
		cfg.partitions = 1
	}
	if cfg.bufferSize <= 0 {
		cfg.bufferSize = 64
	}

	e := &Emitter{
		cfg:        cfg,
		sink:       sink,
		redis:      redisClient,
		instanceID: instanceID,
		logger:     logger,
		parts:      make([]chan domain.Event, cfg.partitions),
		stopCh:     make(chan struct{}),
		started:    time.Now().UTC(),
	}
	for i := range e.parts {
		e.parts[i] = make(chan domain.Event, cfg.bufferSize)
	}
	return e
}

// Start launches the partition workers.
func (e *Emitter) Start() {
	for i := range e.parts {
		e.wg.Add(1)
		go e.worker(i, e.parts[i])
	}
	e.logger.Infof("event emitter started, partitions: %d, buffer: %d, handoff: %v",
		e.cfg.partitions, e.cfg.bufferSize, e.cfg.handoffTimeout)
}

// Emit hands the event to its partition. When the partition buffer is
// full past the handoff timeout the event is dropped with a warning;
// subscribers recover through sequence-gap resync.
func (e *Emitter) Emit(ev domain.Event) error {
	ch := e.parts[e.partition(ev.OrderID)]

	select {
	case ch <- ev:
		return nil
	default:
	}

	if e.cfg.handoffTimeout <= 0 {
		return e.drop(ev)
	}

	timer := time.NewTimer(e.cfg.handoffTimeout)
	defer timer.Stop()
	select {
	case ch <- ev:
		return nil
	case <-timer.C:
		return e.drop(ev)
	case <-e.stopCh:
		return errors.New("emitter shutting down")
	}
}

func (e *Emitter) drop(ev domain.Event) error {
	e.dropped.Add(1)
	e.logger.WithFields(log.Fields{
		"type":     ev.Type,
		"order_id": ev.OrderID,
		"sequence": ev.Sequence,
	}).Warn("emitter saturated, dropping event")
	return errEmitterSaturated
}

func (e *Emitter) partition(orderID string) int {
	if len(e.parts) == 1 {
		return 0
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(orderID))
	return int(h.Sum32() % uint32(len(e.parts)))
}

func (e *Emitter) worker(id int, ch <-chan domain.Event) {
	defer e.wg.Done()
	for ev := range ch {
		e.sink.Fanout(ev)
		e.delivered.Add(1)
		if e.redis != nil {
			e.publishRemote(ev, id)
		}
	}
}

func (e *Emitter) publishRemote(ev domain.Event, workerID int) {
	data, err := sonic.Marshal(wireEvent{Origin: e.instanceID, Event: ev})
	if err != nil {
		e.logger.WithError(err).Error("feed envelope marshal failed")
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.publishTimeout)
	defer cancel()
	if err := e.redis.Publish(ctx, consts.EventsChannel, data).Err(); err != nil {
		e.logger.WithError(err).Errorf("feed publish failed, worker: %d, order: %s, seq: %d",
			workerID, ev.OrderID, ev.Sequence)
	}
}

// Shutdown drains the partitions and stops the workers.
func (e *Emitter) Shutdown() {
	e.closeOnce.Do(func() {
		close(e.stopCh)
		for _, ch := range e.parts {
			close(ch)
		}
		e.wg.Wait()
	})
}

// Stats is a point-in-time snapshot of the emitter pipeline, exposed on
// the operational stats endpoint.
type Stats struct {
	QueueDepth int       `json:"queueDepth"`
	Delivered  uint64    `json:"delivered"`
	Dropped    uint64    `json:"dropped"`
	StartedAt  time.Time `json:"startedAt"`
	DrainRate  float64   `json:"drainRatePerSecond"`
}

func (e *Emitter) Stats() Stats {
	depth := 0
	for _, ch := range e.parts {
		depth += len(ch)
	}
	delivered := e.delivered.Load()
	elapsed := time.Since(e.started)
	rps := 0.0
	if elapsed > 0 {
		rps = float64(delivered) / elapsed.Seconds()
	}
	return Stats{
		QueueDepth: depth,
		Delivered:  delivered,
		Dropped:    e.dropped.Load(),
		StartedAt:  e.started,
		DrainRate:  rps,
	}
}

func exponentialBackoff(attempt int, initial, max time.Duration) time.Duration {
	if attempt <= 0 {
		if initial <= 0 {
			return time.Second
		}
		return initial
	}
	if initial <= 0 {
		initial = time.Second
	}
	if max <= 0 {
		max = 10 * time.Second
	}
	backoff := float64(initial) * math.Pow(2, float64(attempt-1))
	if backoff > float64(max) {
		backoff = float64(max)
	}
	jitter := 0.2 * backoff
	return time.Duration(backoff + (rand.Float64()-0.5)*2*jitter)
}

func envInt(name string, def int) int {
	if v := os.Getenv(name); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envDur(name string, def time.Duration) time.Duration {
	if v := os.Getenv(name); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
