package chatws

import (
	"context"
	"sync"

	websocket "github.com/gofiber/contrib/websocket"
	"github.com/muneeb-U-rehman329/web-chat-app/internal/logger"
	"go.uber.org/zap"
)

// Hub routes events to the connections subscribed to a channel. Membership
// changes take the registry write lock; deliveries hold the read lock plus
// the channel's own mutex, so two publishes to the same channel never
// interleave while different channels deliver in parallel.
type Hub struct {
	mu          sync.RWMutex
	conns       map[string]*Connection
	channels    map[string]*channel
	memberships map[string]map[string]struct{}

	log *zap.Logger
}

type channel struct {
	mu      sync.Mutex
	members map[string]*Connection
}

func NewHub(log *zap.Logger) *Hub {
	log = logger.OrNop(log)
	return &Hub{
		conns:       make(map[string]*Connection),
		channels:    make(map[string]*channel),
		memberships: make(map[string]map[string]struct{}),
		log:         log,
	}
}

// Attach registers an identified connection, starts its writer and joins it
// to the user's personal channel. A user may hold several connections.
func (h *Hub) Attach(conn *Connection) {
	h.mu.Lock()
	h.conns[conn.ID] = conn
	h.memberships[conn.ID] = make(map[string]struct{})
	h.joinLocked(UserChannel(conn.UserID), conn)
	h.mu.Unlock()

	conn.Start()
	h.log.Debug("connection attached", zap.String("connection_id", conn.ID), zap.Int64("user_id", conn.UserID))
}

// Detach removes the connection from every channel it belongs to.
func (h *Hub) Detach(conn *Connection) {
	h.mu.Lock()
	h.detachLocked(conn.ID)
	h.mu.Unlock()
}

// Join subscribes an attached connection to a channel. It reports false for
// connections that are not attached.
func (h *Hub) Join(name string, conn *Connection) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.conns[conn.ID]; !ok {
		return false
	}
	h.joinLocked(name, conn)
	return true
}

// Leave unsubscribes the connection. The personal channel cannot be left.
func (h *Hub) Leave(name string, conn *Connection) {
	if isUserChannel(name) {
		return
	}
	h.mu.Lock()
	h.leaveLocked(name, conn.ID)
	h.mu.Unlock()
}

// Publish delivers the event to the local members of its channel.
func (h *Hub) Publish(_ context.Context, event Event) error {
	h.Deliver(event)
	return nil
}

// Deliver sends the event to every member of its channel and returns how
// many connections accepted it.
func (h *Hub) Deliver(event Event) int {
	other, mine, err := event.frames()
	if err != nil {
		h.log.Warn("encode event", zap.String("type", event.Type), zap.Error(err))
		return 0
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	ch := h.channels[event.Channel]
	if ch == nil {
		h.log.Debug("no subscribers", zap.String("channel", event.Channel), zap.String("type", event.Type))
		return 0
	}

	ch.mu.Lock()
	defer ch.mu.Unlock()

	delivered := 0
	for _, conn := range ch.members {
		payload := other
		if event.AuthorID != 0 && conn.UserID == event.AuthorID {
			payload = mine
		}
		if err := conn.Send(payload); err != nil {
			h.log.Debug("delivery missed",
				zap.String("channel", event.Channel),
				zap.String("connection_id", conn.ID),
				zap.Error(err),
			)
			continue
		}
		delivered++
	}
	return delivered
}

// Members returns the number of connections subscribed to a channel.
func (h *Hub) Members(name string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	ch := h.channels[name]
	if ch == nil {
		return 0
	}
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return len(ch.members)
}

// Channels returns the channels the connection currently belongs to.
func (h *Hub) Channels(conn *Connection) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	names := make([]string, 0, len(h.memberships[conn.ID]))
	for name := range h.memberships[conn.ID] {
		names = append(names, name)
	}
	return names
}

// Close disconnects every connection and clears the registry.
func (h *Hub) Close() {
	h.mu.Lock()
	conns := make([]*Connection, 0, len(h.conns))
	for _, conn := range h.conns {
		conns = append(conns, conn)
	}
	h.conns = make(map[string]*Connection)
	h.channels = make(map[string]*channel)
	h.memberships = make(map[string]map[string]struct{})
	h.mu.Unlock()

	for _, conn := range conns {
		conn.Close(websocket.CloseGoingAway, "server shutdown")
	}
}

func (h *Hub) joinLocked(name string, conn *Connection) {
	ch := h.channels[name]
	if ch == nil {
		ch = &channel{members: make(map[string]*Connection)}
		h.channels[name] = ch
	}
	ch.mu.Lock()
	ch.members[conn.ID] = conn
	ch.mu.Unlock()

	memberships := h.memberships[conn.ID]
	if memberships == nil {
		memberships = make(map[string]struct{})
		h.memberships[conn.ID] = memberships
	}
	memberships[name] = struct{}{}
}

func (h *Hub) leaveLocked(name string, connID string) {
	ch := h.channels[name]
	if ch != nil {
		ch.mu.Lock()
		delete(ch.members, connID)
		empty := len(ch.members) == 0
		ch.mu.Unlock()
		if empty {
			delete(h.channels, name)
		}
	}
	if memberships, ok := h.memberships[connID]; ok {
		delete(memberships, name)
	}
}

func (h *Hub) detachLocked(connID string) {
	if _, ok := h.conns[connID]; !ok {
		return
	}
	delete(h.conns, connID)

	for name := range h.memberships[connID] {
		h.leaveLocked(name, connID)
	}
	delete(h.memberships, connID)
}
