// Package hub holds the in-process broadcast registry mapping a conversation
// to its live sessions. Hub state is rebuilt from scratch when connections
// re-join after a restart; nothing here is persisted.
package hub

import (
	"sync"

	"go.uber.org/zap"

	"github.com/fathima-sithara/realtime-service/internal/metrics"
)

// Session is the hub's view of one live connection. Enqueue must never
// block: it reports false when the session's outbound queue is full, at
// which point the hub kicks the session instead of stalling the publisher.
type Session interface {
	ID() string
	Enqueue(frame []byte) bool
	Kick(reason string)
}

// conversation keeps its members in join order so fan-out is deterministic.
// dead marks an object that Leave's cleanup has removed from the hub map; a
// Join that raced the cleanup must not insert into it.
type conversation struct {
	mu      sync.Mutex
	order   []Session
	members map[string]int // session ID -> index into order
	dead    bool
}

type Hub struct {
	mu     sync.RWMutex
	convs  map[string]*conversation
	logger *zap.SugaredLogger
}

func New(logger *zap.SugaredLogger) *Hub {
	return &Hub{
		convs:  make(map[string]*conversation),
		logger: logger,
	}
}

// Join adds the session to the conversation. Re-joining is a no-op.
func (h *Hub) Join(conversationID string, s Session) {
	for {
		h.mu.Lock()
		c, ok := h.convs[conversationID]
		if !ok {
			c = &conversation{members: make(map[string]int)}
			h.convs[conversationID] = c
		}
		h.mu.Unlock()

		c.mu.Lock()
		if c.dead {
			// Leave's cleanup removed this object between our map lookup
			// and taking its lock; retry against a fresh one
			c.mu.Unlock()
			continue
		}
		if _, ok := c.members[s.ID()]; !ok {
			c.members[s.ID()] = len(c.order)
			c.order = append(c.order, s)
		}
		c.mu.Unlock()
		return
	}
}

// Leave removes the session from the conversation. Safe when the session is
// not a member.
func (h *Hub) Leave(conversationID string, s Session) {
	h.mu.RLock()
	c, ok := h.convs[conversationID]
	h.mu.RUnlock()
	if !ok {
		return
	}

	c.mu.Lock()
	idx, ok := c.members[s.ID()]
	if ok {
		delete(c.members, s.ID())
		c.order = append(c.order[:idx], c.order[idx+1:]...)
		for i := idx; i < len(c.order); i++ {
			c.members[c.order[i].ID()] = i
		}
	}
	empty := len(c.order) == 0
	c.mu.Unlock()

	if empty {
		h.mu.Lock()
		// re-check under the write lock; a Join may have raced us
		c.mu.Lock()
		if len(c.order) == 0 {
			c.dead = true
			delete(h.convs, conversationID)
		}
		c.mu.Unlock()
		h.mu.Unlock()
	}
}

// Publish delivers the frame to every session currently joined to the
// conversation, in join order. A session whose queue is full is kicked so a
// slow subscriber never blocks delivery to the others.
func (h *Hub) Publish(conversationID, eventType string, frame []byte) {
	h.mu.RLock()
	c, ok := h.convs[conversationID]
	h.mu.RUnlock()
	if !ok {
		return
	}

	c.mu.Lock()
	targets := make([]Session, len(c.order))
	copy(targets, c.order)
	c.mu.Unlock()

	metrics.EventsPublished.WithLabelValues(eventType).Inc()
	for _, s := range targets {
		if !s.Enqueue(frame) {
			metrics.SessionsKicked.Inc()
			h.logger.Warnw("kicking slow session",
				"session_id", s.ID(), "conversation_id", conversationID)
			h.Leave(conversationID, s)
			s.Kick("outbound queue overflow")
		}
	}
}

// PublishExcept is Publish minus one session, used when the originator
// already rendered the event locally.
func (h *Hub) PublishExcept(conversationID, eventType string, frame []byte, except string) {
	h.mu.RLock()
	c, ok := h.convs[conversationID]
	h.mu.RUnlock()
	if !ok {
		return
	}

	c.mu.Lock()
	targets := make([]Session, 0, len(c.order))
	for _, s := range c.order {
		if s.ID() != except {
			targets = append(targets, s)
		}
	}
	c.mu.Unlock()

	metrics.EventsPublished.WithLabelValues(eventType).Inc()
	for _, s := range targets {
		if !s.Enqueue(frame) {
			metrics.SessionsKicked.Inc()
			h.logger.Warnw("kicking slow session",
				"session_id", s.ID(), "conversation_id", conversationID)
			h.Leave(conversationID, s)
			s.Kick("outbound queue overflow")
		}
	}
}

// Members reports how many sessions are joined to the conversation.
func (h *Hub) Members(conversationID string) int {
	h.mu.RLock()
	c, ok := h.convs[conversationID]
	h.mu.RUnlock()
	if !ok {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.order)
}
