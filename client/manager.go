package client

import (
	"context"
	"math"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"order-stream/domain"
)

// Wire actions, mirroring the server protocol.
const (
	actionJoinOrder          = "join_order"
	actionLeaveOrder         = "leave_order"
	actionJoinAdminDashboard = "join_admin_dashboard"
	actionTrackAllDeliveries = "track_all_deliveries"
)

const (
	defaultDialTimeout    = 10 * time.Second
	defaultBackoffInitial = 500 * time.Millisecond
	defaultBackoffMax     = 30 * time.Second
	defaultReadWait       = 90 * time.Second
	writeTimeout          = 10 * time.Second
)

// Config tunes the connection manager.
type Config struct {
	// URL is the websocket endpoint, e.g. wss://host/ws.
	URL   string
	Token string

	DialTimeout    time.Duration
	BackoffInitial time.Duration
	BackoffMax     time.Duration
	// ReadWait bounds the silence tolerated before the connection is
	// declared dead. Must exceed the server's ping period.
	ReadWait time.Duration

	Logger *log.Logger
}

type wireMessage struct {
	Action  string `json:"action"`
	OrderID string `json:"order_id,omitempty"`
}

type statusPayload struct {
	Connected bool `json:"connected"`
	Attempt   int  `json:"attempt"`
}

// Manager keeps one websocket to the stream alive. It reconnects
// forever with capped exponential backoff, replays the caller's join
// intents after every reconnect and synthesizes connection_status
// events so the application can react to outages.
type Manager struct {
	cfg     Config
	onEvent func(ev domain.Event)
	logger  *log.Logger

	mu      sync.Mutex
	writeMu sync.Mutex
	conn    *websocket.Conn
	intents map[wireMessage]struct{}
	closed  bool
}

// NewManager creates a manager; Run must be called to connect.
func NewManager(cfg Config, onEvent func(domain.Event)) *Manager {
	if onEvent == nil {
		panic("onEvent is required")
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = defaultDialTimeout
	}
	if cfg.BackoffInitial <= 0 {
		cfg.BackoffInitial = defaultBackoffInitial
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = defaultBackoffMax
	}
	if cfg.ReadWait <= 0 {
		cfg.ReadWait = defaultReadWait
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New()
	}
	return &Manager{
		cfg:     cfg,
		onEvent: onEvent,
		logger:  cfg.Logger,
		intents: make(map[wireMessage]struct{}),
	}
}

// Run blocks maintaining the connection until the context is cancelled
// or Close is called.
func (m *Manager) Run(ctx context.Context) {
	attempt := 0
	for {
		if ctx.Err() != nil || m.isClosed() {
			return
		}

		conn, err := m.dial(ctx)
		if err != nil {
			attempt++
			delay := nextBackoff(attempt, m.cfg.BackoffInitial, m.cfg.BackoffMax)
			m.logger.WithError(err).Warnf("stream dial failed, retrying in %v", delay)
			m.emitStatus(false, attempt)
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
			continue
		}

		attempt = 0
		m.setConn(conn)
		m.emitStatus(true, 0)
		m.replayIntents()

		m.readLoop(conn)

		m.setConn(nil)
		_ = conn.Close()
		if ctx.Err() != nil || m.isClosed() {
			return
		}
		m.emitStatus(false, 0)
	}
}

func (m *Manager) dial(ctx context.Context) (*websocket.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: m.cfg.DialTimeout}
	header := http.Header{}
	if m.cfg.Token != "" {
		header.Set("Authorization", "Bearer "+m.cfg.Token)
	}
	dialCtx, cancel := context.WithTimeout(ctx, m.cfg.DialTimeout)
	defer cancel()
	conn, resp, err := dialer.DialContext(dialCtx, m.cfg.URL, header)
	if resp != nil {
		_ = resp.Body.Close()
	}
	return conn, err
}

func (m *Manager) readLoop(conn *websocket.Conn) {
	_ = conn.SetReadDeadline(time.Now().Add(m.cfg.ReadWait))
	conn.SetPingHandler(func(appData string) error {
		_ = conn.SetReadDeadline(time.Now().Add(m.cfg.ReadWait))
		return conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(writeTimeout))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			m.logger.WithError(err).Debug("stream read ended")
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(m.cfg.ReadWait))

		var ev domain.Event
		if err := sonic.Unmarshal(data, &ev); err != nil {
			m.logger.WithError(err).Warn("unable to parse stream message")
			continue
		}
		switch ev.Type {
		case "ack":
			continue
		case "error":
			m.logger.WithField("frame", string(data)).Warn("server refused action")
			continue
		}
		m.onEvent(ev)
	}
}

// JoinOrder subscribes to an order's room. The intent survives
// reconnects.
func (m *Manager) JoinOrder(orderID string) {
	m.addIntent(wireMessage{Action: actionJoinOrder, OrderID: orderID})
}

// LeaveOrder unsubscribes from an order's room and drops the stored
// intent.
func (m *Manager) LeaveOrder(orderID string) {
	m.mu.Lock()
	delete(m.intents, wireMessage{Action: actionJoinOrder, OrderID: orderID})
	conn := m.conn
	m.mu.Unlock()
	if conn != nil {
		m.send(conn, wireMessage{Action: actionLeaveOrder, OrderID: orderID})
	}
}

// JoinAdminDashboard subscribes to the admin room.
func (m *Manager) JoinAdminDashboard() {
	m.addIntent(wireMessage{Action: actionJoinAdminDashboard})
}

// TrackAllDeliveries subscribes to the courier tracking room.
func (m *Manager) TrackAllDeliveries() {
	m.addIntent(wireMessage{Action: actionTrackAllDeliveries})
}

// Close stops the manager and drops the connection.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	conn := m.conn
	m.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
}

func (m *Manager) addIntent(msg wireMessage) {
	m.mu.Lock()
	m.intents[msg] = struct{}{}
	conn := m.conn
	m.mu.Unlock()
	if conn != nil {
		m.send(conn, msg)
	}
}

func (m *Manager) replayIntents() {
	m.mu.Lock()
	conn := m.conn
	msgs := make([]wireMessage, 0, len(m.intents))
	for msg := range m.intents {
		msgs = append(msgs, msg)
	}
	m.mu.Unlock()
	if conn == nil {
		return
	}
	for _, msg := range msgs {
		m.send(conn, msg)
	}
}

func (m *Manager) send(conn *websocket.Conn, msg wireMessage) {
	data, err := sonic.Marshal(msg)
	if err != nil {
		m.logger.WithError(err).Error("marshal action failed")
		return
	}
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		m.logger.WithError(err).Warn("action send failed")
	}
}

func (m *Manager) setConn(conn *websocket.Conn) {
	m.mu.Lock()
	m.conn = conn
	m.mu.Unlock()
}

func (m *Manager) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func (m *Manager) emitStatus(connected bool, attempt int) {
	payload, _ := sonic.Marshal(statusPayload{Connected: connected, Attempt: attempt})
	m.onEvent(domain.Event{
		Type:      EventConnectionStatus,
		Payload:   payload,
		EmittedAt: time.Now().UTC(),
	})
}

func nextBackoff(attempt int, initial, max time.Duration) time.Duration {
	if attempt <= 0 {
		return initial
	}
	backoff := float64(initial) * math.Pow(2, float64(attempt-1))
	if backoff > float64(max) {
		backoff = float64(max)
	}
	jitter := 0.2 * backoff
	return time.Duration(backoff + (rand.Float64()-0.5)*2*jitter)
}
