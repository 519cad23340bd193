package ws

import (
	"sync"

	"go.uber.org/zap"

	"messaging-service/internal/protocol"
)

// Hub tracks live sessions per conversation.
type Hub struct {
	mu     sync.RWMutex
	rooms  map[int64]map[string]*Session
	logger *zap.Logger
}

// NewHub creates an empty hub.
func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		rooms:  make(map[int64]map[string]*Session),
		logger: logger,
	}
}

// Add registers a session in its conversation.
func (h *Hub) Add(s *Session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	conversationID := s.ConversationID()
	if _, ok := h.rooms[conversationID]; !ok {
		h.rooms[conversationID] = make(map[string]*Session)
	}
	h.rooms[conversationID][s.ID()] = s
}

// Remove drops a session and returns how many sessions its user still holds in the conversation.
func (h *Hub) Remove(s *Session) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	conversationID := s.ConversationID()
	sessions, ok := h.rooms[conversationID]
	if !ok {
		return 0
	}
	delete(sessions, s.ID())
	if len(sessions) == 0 {
		delete(h.rooms, conversationID)
		return 0
	}
	remaining := 0
	for _, other := range sessions {
		if other.UserID() == s.UserID() {
			remaining++
		}
	}
	return remaining
}

func (h *Hub) snapshot(conversationID int64) []*Session {
	h.mu.RLock()
	defer h.mu.RUnlock()
	sessions := make([]*Session, 0, len(h.rooms[conversationID]))
	for _, s := range h.rooms[conversationID] {
		sessions = append(sessions, s)
	}
	return sessions
}

// Broadcast queues render(userID) on every session of the conversation except excludeSessionID.
// Each user's frame is rendered once even when they hold several sessions.
func (h *Hub) Broadcast(conversationID int64, excludeSessionID string, render func(userID int64) (protocol.Frame, bool)) {
	type rendered struct {
		frame protocol.Frame
		ok    bool
	}
	cache := map[int64]rendered{}
	for _, s := range h.snapshot(conversationID) {
		if s.ID() == excludeSessionID {
			continue
		}
		r, seen := cache[s.UserID()]
		if !seen {
			frame, ok := render(s.UserID())
			r = rendered{frame: frame, ok: ok}
			cache[s.UserID()] = r
		}
		if !r.ok {
			continue
		}
		s.Send(r.frame)
	}
}

// SendToUser queues frame on every session userID holds in the conversation.
func (h *Hub) SendToUser(conversationID, userID int64, frame protocol.Frame) {
	for _, s := range h.snapshot(conversationID) {
		if s.UserID() != userID {
			continue
		}
		s.Send(frame)
	}
}

// CloseAll shuts every session down, used on server shutdown.
func (h *Hub) CloseAll() {
	h.mu.RLock()
	var all []*Session
	for _, sessions := range h.rooms {
		for _, s := range sessions {
			all = append(all, s)
		}
	}
	h.mu.RUnlock()
	for _, s := range all {
		s.shutdown("server shutdown")
	}
	if len(all) > 0 {
		h.logger.Info("websocket sessions closed", zap.Int("count", len(all)))
	}
}
