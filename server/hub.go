package server

import (
	"errors"
	"sync"

	"chatsync/metrics"
	"chatsync/network"

	"go.uber.org/zap"
)

// client is one authenticated push connection.
type client struct {
	userID string
	conn   network.PushConn
}

// Hub tracks online connections per user and per joined conversation.
type Hub struct {
	mu     sync.RWMutex
	byUser map[string]map[*client]struct{}
	rooms  map[string]map[*client]struct{}
	joined map[*client]map[string]struct{}

	log *zap.Logger
}

// NewHub builds an empty hub.
func NewHub(log *zap.Logger) *Hub {
	if log == nil {
		log = zap.NewNop()
	}
	return &Hub{
		byUser: make(map[string]map[*client]struct{}),
		rooms:  make(map[string]map[*client]struct{}),
		joined: make(map[*client]map[string]struct{}),
		log:    log,
	}
}

func (h *Hub) add(c *client) {
	h.mu.Lock()
	set, ok := h.byUser[c.userID]
	if !ok {
		set = make(map[*client]struct{})
		h.byUser[c.userID] = set
	}
	set[c] = struct{}{}
	h.joined[c] = make(map[string]struct{})
	n := len(h.joined)
	h.mu.Unlock()
	metrics.HubOnlineConns.Set(float64(n))
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	for conversationID := range h.joined[c] {
		h.leaveLocked(c, conversationID)
	}
	delete(h.joined, c)
	if set, ok := h.byUser[c.userID]; ok {
		delete(set, c)
		if len(set) == 0 {
			delete(h.byUser, c.userID)
		}
	}
	n := len(h.joined)
	h.mu.Unlock()
	metrics.HubOnlineConns.Set(float64(n))
}

func (h *Hub) join(c *client, conversationID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	rooms, ok := h.joined[c]
	if !ok {
		return
	}
	rooms[conversationID] = struct{}{}
	members, ok := h.rooms[conversationID]
	if !ok {
		members = make(map[*client]struct{})
		h.rooms[conversationID] = members
	}
	members[c] = struct{}{}
}

func (h *Hub) leave(c *client, conversationID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.leaveLocked(c, conversationID)
}

func (h *Hub) leaveLocked(c *client, conversationID string) {
	if rooms, ok := h.joined[c]; ok {
		delete(rooms, conversationID)
	}
	if members, ok := h.rooms[conversationID]; ok {
		delete(members, c)
		if len(members) == 0 {
			delete(h.rooms, conversationID)
		}
	}
}

// Len returns the number of online connections.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.joined)
}

// Online reports whether userID has at least one connection.
func (h *Hub) Online(userID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.byUser[userID]) > 0
}

// Joined reports whether any connection of userID has joined conversationID.
func (h *Hub) Joined(userID, conversationID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.rooms[conversationID] {
		if c.userID == userID {
			return true
		}
	}
	return false
}

// BroadcastRoom sends frame to every connection that joined the conversation, plus
// extra connections that have not.
func (h *Hub) BroadcastRoom(conversationID string, frame network.Frame, extra ...*client) {
	h.mu.RLock()
	targets := make(map[*client]struct{}, len(h.rooms[conversationID])+len(extra))
	for c := range h.rooms[conversationID] {
		targets[c] = struct{}{}
	}
	h.mu.RUnlock()
	for _, c := range extra {
		if c != nil {
			targets[c] = struct{}{}
		}
	}
	h.deliver(targets, frame)
}

// SendToUsers sends frame to every connection of the given users.
func (h *Hub) SendToUsers(userIDs []string, frame network.Frame) {
	h.mu.RLock()
	targets := make(map[*client]struct{})
	for _, userID := range userIDs {
		for c := range h.byUser[userID] {
			targets[c] = struct{}{}
		}
	}
	h.mu.RUnlock()
	h.deliver(targets, frame)
}

// CloseAll closes every connection.
func (h *Hub) CloseAll() {
	h.mu.RLock()
	conns := make([]network.PushConn, 0, len(h.joined))
	for c := range h.joined {
		conns = append(conns, c.conn)
	}
	h.mu.RUnlock()
	for _, conn := range conns {
		_ = conn.Close()
	}
}

func (h *Hub) deliver(targets map[*client]struct{}, frame network.Frame) {
	if len(targets) == 0 {
		return
	}
	payload, err := network.EncodeJSON(frame)
	if err != nil {
		h.log.Error("encode broadcast frame", zap.String("kind", frame.Kind), zap.Error(err))
		return
	}
	metrics.HubBroadcasts.WithLabelValues(frame.Kind).Inc()
	for c := range targets {
		if err := sendRaw(c.conn, payload); err != nil {
			if errors.Is(err, network.ErrBackpressure) {
				metrics.HubBackpressure.Inc()
			}
			h.log.Warn("drop frame for slow connection",
				zap.String("user_id", c.userID),
				zap.String("kind", frame.Kind),
				zap.Error(err),
			)
		}
	}
}

type rawSender interface {
	SendRaw(payload []byte) error
}

func sendRaw(conn network.PushConn, payload []byte) error {
	if raw, ok := conn.(rawSender); ok {
		return raw.SendRaw(payload)
	}
	frame, err := network.DecodeFrame(payload)
	if err != nil {
		return err
	}
	return conn.Send(frame)
}
