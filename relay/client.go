package relay

import (
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"zenchat/logging"
	"zenchat/metrics"
	"zenchat/models"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// Client is one websocket connection. It starts unauthenticated and only
// honours join until a join succeeds.
type Client struct {
	id      string
	hub     *Hub
	conn    *websocket.Conn
	limiter *rate.Limiter

	sendMu sync.Mutex
	send   chan []byte
	closed bool

	mu     sync.RWMutex
	userID string

	// rooms is guarded by hub.mu
	rooms map[string]struct{}
}

func newClient(hub *Hub, conn *websocket.Conn) *Client {
	cfg := hub.opts.Relay
	buffer := cfg.SendBuffer
	if buffer <= 0 {
		buffer = 256
	}
	limit := rate.Inf
	if cfg.EventRate > 0 {
		limit = rate.Limit(cfg.EventRate)
	}
	return &Client{
		id:      uuid.NewString()[:8],
		hub:     hub,
		conn:    conn,
		limiter: rate.NewLimiter(limit, max(cfg.EventBurst, 1)),
		send:    make(chan []byte, buffer),
		rooms:   make(map[string]struct{}),
	}
}

// ConnID identifies the connection in logs and the directory
func (c *Client) ConnID() string {
	return c.id
}

// UserID is empty until the connection has joined
func (c *Client) UserID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.userID
}

func (c *Client) setUser(id string) {
	c.mu.Lock()
	c.userID = id
	c.mu.Unlock()
}

// enqueue queues a frame without blocking. It reports false when the
// buffer is full or the connection is gone.
func (c *Client) enqueue(frame []byte) bool {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- frame:
		return true
	default:
		logging.Warn().Str("conn_id", c.id).Str("user_id", c.UserID()).Msg("Send buffer full, dropping frame")
		return false
	}
}

func (c *Client) close() {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// reply sends an event to this connection only
func (c *Client) reply(name string, data any) {
	frame, err := encode(name, data)
	if err != nil {
		logging.Error().Err(err).Str("event", name).Msg("Failed to encode event")
		return
	}
	c.enqueue(frame)
}

func (c *Client) replyError(event, code, msg string) {
	c.reply(models.EventError, models.ErrorPayload{Code: code, Message: msg, Event: event})
}

func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.ctx.Done():
			c.hub.drop(c)
		}
		_ = c.conn.Close()
	}()

	maxSize := c.hub.opts.Relay.MaxMessageSize
	if maxSize <= 0 {
		maxSize = 512 * 1024
	}
	c.conn.SetReadLimit(maxSize)
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		return
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				logging.Warn().Err(err).Str("conn_id", c.id).Msg("Unexpected websocket close")
			}
			return
		}

		var ev models.Event
		if err := json.Unmarshal(data, &ev); err != nil || ev.Name == "" {
			metrics.RelayEvents.WithLabelValues("unknown", "rejected").Inc()
			c.replyError("", "BAD_FRAME", "frame is not an event")
			continue
		}
		c.dispatch(ev)
	}
}

// dispatch handles one event. A panic in a handler is logged and answered
// with an error event; the connection stays up.
func (c *Client) dispatch(ev models.Event) {
	defer func() {
		if r := recover(); r != nil {
			metrics.RelayEvents.WithLabelValues(ev.Name, "error").Inc()
			logging.Error().
				Str("conn_id", c.id).
				Str("event", ev.Name).
				Str("panic", fmt.Sprint(r)).
				Bytes("stack", debug.Stack()).
				Msg("Relay handler panicked")
			c.replyError(ev.Name, "INTERNAL", "internal error")
		}
	}()

	if !c.limiter.Allow() {
		metrics.RelayEvents.WithLabelValues(ev.Name, "rejected").Inc()
		c.replyError(ev.Name, "RATE_LIMITED", "too many events")
		return
	}

	handler, known := c.hub.events[ev.Name]
	switch {
	case !known:
		metrics.RelayEvents.WithLabelValues("unknown", "rejected").Inc()
		c.replyError(ev.Name, "UNKNOWN_EVENT", "unknown event "+ev.Name)
		return
	case ev.Name != models.EventJoin && c.UserID() == "":
		metrics.RelayEvents.WithLabelValues(ev.Name, "rejected").Inc()
		c.replyError(ev.Name, "NOT_JOINED", "join before sending other events")
		return
	}

	if err := handler(c, ev); err != nil {
		metrics.RelayEvents.WithLabelValues(ev.Name, "error").Inc()
		logging.Warn().Err(err).Str("conn_id", c.id).Str("user_id", c.UserID()).Str("event", ev.Name).Msg("Relay event failed")
		return
	}
	metrics.RelayEvents.WithLabelValues(ev.Name, "ok").Inc()
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}

		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
