// Package relay is the realtime half of the server: it authenticates
// websocket connections with a join event, persists messages before
// forwarding them, and routes typing, ack and call signaling events.
package relay

import (
	"context"
	"sync"

	"github.com/goccy/go-json"

	"zenchat/assistant"
	"zenchat/auth"
	"zenchat/config"
	"zenchat/directory"
	"zenchat/logging"
	"zenchat/metrics"
	"zenchat/models"
)

// Store is the slice of persistence the relay needs
type Store interface {
	GetUser(ctx context.Context, id string) (*models.User, error)
	GetSession(ctx context.Context, id string) (*models.Session, error)
	GetGroup(ctx context.Context, id string) (*models.Group, error)
	GroupsForUser(ctx context.Context, userID string) ([]models.Group, error)
	AppendMessage(ctx context.Context, key models.ConversationKey, msg *models.Message) (bool, error)
}

// Replier produces the assistant contact's answer. It never fails.
type Replier interface {
	Reply(ctx context.Context, req assistant.Request) string
}

// Options configure a Hub. Assistant is optional. When Tokens is set every
// join must carry a token for a live session of the joining user.
type Options struct {
	Relay     config.RelayConfig
	Tokens    *auth.Tokens
	Assistant Replier
	// AssistantID is the contact id that routes to Assistant.
	AssistantID string
	Persona     string
	// Origins allowed to open a websocket. Empty or "*" allows any.
	Origins []string
}

func userRoom(id string) string  { return "user:" + id }
func groupRoom(id string) string { return "group:" + id }

// Hub owns every live connection, the room memberships and the directory
type Hub struct {
	store Store
	dir   *directory.Memory
	opts  Options

	mu      sync.RWMutex
	clients map[*Client]struct{}
	rooms   map[string]map[*Client]struct{}

	register   chan *Client
	unregister chan *Client
	events     map[string]eventHandler

	// ctx bounds background work such as assistant replies
	ctx     context.Context
	cancel  context.CancelFunc
	bgMu    sync.Mutex
	stopped bool
	wg      sync.WaitGroup
}

func NewHub(store Store, dir *directory.Memory, opts Options) *Hub {
	if dir == nil {
		dir = directory.NewMemory()
	}
	ctx, cancel := context.WithCancel(context.Background())
	h := &Hub{
		store:      store,
		dir:        dir,
		opts:       opts,
		clients:    make(map[*Client]struct{}),
		rooms:      make(map[string]map[*Client]struct{}),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		ctx:        ctx,
		cancel:     cancel,
	}
	h.events = h.eventTable()
	return h
}

// Directory exposes the session directory for presence lookups
func (h *Hub) Directory() directory.Directory {
	return h.dir
}

// Online reports whether userID has a live authenticated connection
func (h *Hub) Online(userID string) bool {
	return h.dir.Online(userID)
}

// ClientCount returns the number of open connections, joined or not
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// RunWithContext processes connection lifecycle events until ctx is done,
// then closes every connection.
func (h *Hub) RunWithContext(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			n := h.closeAll()
			h.stopBackground()
			logging.Info().
				Str("component", "relay-hub").
				Int("clients_closed", n).
				Msg("relay hub stopped")
			return ctx.Err()

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = struct{}{}
			total := len(h.clients)
			h.mu.Unlock()
			metrics.RelayConnections.Set(float64(total))
			logging.Debug().Str("conn_id", c.id).Int("total_clients", total).Msg("relay client connected")

		case c := <-h.unregister:
			h.drop(c)
		}
	}
}

// drop removes c from the hub exactly once
func (h *Hub) drop(c *Client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.clients, c)
	for room := range c.rooms {
		h.leaveLocked(c, room)
	}
	total := len(h.clients)
	h.mu.Unlock()

	c.close()
	metrics.RelayConnections.Set(float64(total))

	userID, ok := h.dir.Unregister(c)
	metrics.RelayOnlineUsers.Set(float64(h.dir.Count()))
	if !ok {
		return
	}
	logging.Info().Str("user_id", userID).Str("conn_id", c.id).Msg("User disconnected")
	if h.opts.Relay.PresenceBroadcast && !h.dir.Online(userID) {
		h.broadcastStatus(userID, false)
	}
}

func (h *Hub) closeAll() int {
	h.mu.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		h.drop(c)
	}
	return len(clients)
}

func (h *Hub) join(c *Client, rooms ...string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, room := range rooms {
		members, ok := h.rooms[room]
		if !ok {
			members = make(map[*Client]struct{})
			h.rooms[room] = members
		}
		members[c] = struct{}{}
		c.rooms[room] = struct{}{}
	}
}

// leaveLocked removes c from room. Caller holds the write lock.
func (h *Hub) leaveLocked(c *Client, room string) {
	delete(c.rooms, room)
	if members, ok := h.rooms[room]; ok {
		delete(members, c)
		if len(members) == 0 {
			delete(h.rooms, room)
		}
	}
}

// encode renders one wire frame
func encode(name string, data any) ([]byte, error) {
	ev, err := models.NewEvent(name, data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(ev)
}

// emitRoom delivers an event to every connection in room except skip.
// It reports how many connections received it.
func (h *Hub) emitRoom(room string, skip *Client, name string, data any) int {
	frame, err := encode(name, data)
	if err != nil {
		logging.Error().Err(err).Str("event", name).Msg("Failed to encode event")
		return 0
	}

	h.mu.RLock()
	targets := make([]*Client, 0, len(h.rooms[room]))
	for c := range h.rooms[room] {
		if c != skip {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()

	delivered := 0
	for _, c := range targets {
		if c.enqueue(frame) {
			delivered++
		} else {
			metrics.RelayDropped.WithLabelValues(name, "buffer_full").Inc()
		}
	}
	return delivered
}

// emitUser delivers an event to the newest connection of userID.
// Offline users are skipped, not queued.
func (h *Hub) emitUser(userID, name string, data any) bool {
	handle, ok := h.dir.Route(userID)
	if !ok {
		metrics.RelayDropped.WithLabelValues(name, "offline").Inc()
		logging.Debug().Str("target_id", userID).Str("event", name).Msg("Target offline, event dropped")
		return false
	}
	c, ok := handle.(*Client)
	if !ok {
		return false
	}
	frame, err := encode(name, data)
	if err != nil {
		logging.Error().Err(err).Str("event", name).Msg("Failed to encode event")
		return false
	}
	if !c.enqueue(frame) {
		metrics.RelayDropped.WithLabelValues(name, "buffer_full").Inc()
		return false
	}
	return true
}

// Notify sends an event to every connection of userID. HTTP handlers use
// it to push status changes made outside the relay.
func (h *Hub) Notify(userID, name string, data any) int {
	return h.emitRoom(userRoom(userID), nil, name, data)
}

func (h *Hub) broadcastStatus(userID string, online bool) {
	frame, err := encode(models.EventUserStatus, models.UserStatusPayload{UserID: userID, IsOnline: online})
	if err != nil {
		return
	}
	h.mu.RLock()
	targets := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		if uid := c.UserID(); uid != "" && uid != userID {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range targets {
		c.enqueue(frame)
	}
}

// goBackground runs fn tied to the hub lifetime
func (h *Hub) goBackground(fn func(ctx context.Context)) {
	h.bgMu.Lock()
	defer h.bgMu.Unlock()
	if h.stopped {
		return
	}
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		fn(h.ctx)
	}()
}

func (h *Hub) stopBackground() {
	h.bgMu.Lock()
	h.stopped = true
	h.bgMu.Unlock()
	h.cancel()
	h.wg.Wait()
}
