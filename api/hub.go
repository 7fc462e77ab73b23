package api

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"order-stream/domain"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 4 * 1024

	// Per-connection send buffer. A connection that falls this far
	// behind starts losing events and recovers via resync.
	sendBufferSize = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// wsClient is one authenticated websocket connection. It satisfies
// subscription.Conn.
type wsClient struct {
	id       string
	identity domain.Identity
	conn     *websocket.Conn
	send     chan []byte
	rooms    Rooms
	logger   *log.Logger

	closeOnce sync.Once
	closed    atomic.Bool
}

func (c *wsClient) ID() string                { return c.id }
func (c *wsClient) Identity() domain.Identity { return c.identity }

// Send enqueues data without blocking. Returns false when the
// connection is closed or its buffer is full.
func (c *wsClient) Send(data []byte) (sent bool) {
	// Close may race the send; recover instead of locking the hot path.
	defer func() {
		if r := recover(); r != nil {
			sent = false
		}
	}()

	if c.closed.Load() {
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

// Close shuts the send channel exactly once.
func (c *wsClient) Close() {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		close(c.send)
	})
}

func (c *wsClient) readPump() {
	defer func() {
		c.rooms.RemoveConnection(c)
		c.Close()
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.WithError(err).WithField("connection", c.id).Debug("websocket read error")
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		c.handleMessage(data)
	}
}

func (c *wsClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *wsClient) handleMessage(data []byte) {
	var msg clientMessage
	if err := sonic.Unmarshal(data, &msg); err != nil {
		c.Send(ackError("", "invalid message"))
		return
	}

	ctx := context.Background()
	switch msg.Action {
	case ActionJoinOrder:
		if msg.OrderID == "" {
			c.Send(ackError(msg.Action, "order_id is required"))
			return
		}
		c.join(ctx, msg.Action, domain.OrderRoom(msg.OrderID))
	case ActionLeaveOrder:
		if msg.OrderID == "" {
			c.Send(ackError(msg.Action, "order_id is required"))
			return
		}
		c.rooms.Leave(c, domain.OrderRoom(msg.OrderID))
		c.Send(ackOK(msg.Action, string(domain.OrderRoom(msg.OrderID))))
	case ActionJoinAdminDashboard:
		c.join(ctx, msg.Action, domain.RoomAdminDashboard)
	case ActionTrackAllDeliveries:
		c.join(ctx, msg.Action, domain.RoomDriverTracking)
	default:
		c.Send(ackError(msg.Action, "unknown action"))
	}
}

func (c *wsClient) join(ctx context.Context, action string, room domain.RoomID) {
	if err := c.rooms.Join(ctx, c, room); err != nil {
		c.Send(ackError(action, "unauthorized"))
		return
	}
	c.Send(ackOK(action, string(room)))
}

// getWS upgrades an authenticated request to a websocket. Browsers
// cannot set headers on the upgrade request, so the bearer token may
// also arrive as a query parameter.
func getWS(rooms Rooms, auth Authenticator, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		var identity domain.Identity
		var err error
		if h := c.Request().Header.Get(echo.HeaderAuthorization); h != "" {
			identity, err = auth.IdentityFromAuthHeader(h)
		} else {
			identity, err = auth.IdentityFromToken(c.QueryParam("token"))
		}
		if err != nil {
			return c.JSON(http.StatusUnauthorized, errorResponse{Error: "authentication failed"})
		}

		conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
		if err != nil {
			return err
		}

		client := &wsClient{
			id:       uuid.NewString(),
			identity: identity,
			conn:     conn,
			send:     make(chan []byte, sendBufferSize),
			rooms:    rooms,
			logger:   logger,
		}
		logger.WithFields(log.Fields{
			"connection": client.id,
			"role":       identity.Role,
			"subject":    identity.SubjectID,
		}).Info("websocket connected")

		go client.writePump()
		go client.readPump()
		return nil
	}
}
