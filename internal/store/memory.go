package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/fathima-sithara/realtime-service/internal/apperr"
	"github.com/fathima-sithara/realtime-service/internal/models"
)

// MemoryStore is the reference Store implementation. It backs single-node
// development and tests; it is never a silent fallback behind another
// adapter.
type MemoryStore struct {
	mu       sync.Mutex
	seqs     map[string]int64
	msgs     map[string][]models.Message
	byLocal  map[string]string // conversationID+"\x00"+localID -> message ID
	presence map[string]models.Presence
	subs     map[string]map[int64]func(models.Message)
	nextSub  int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		seqs:     make(map[string]int64),
		msgs:     make(map[string][]models.Message),
		byLocal:  make(map[string]string),
		presence: make(map[string]models.Presence),
		subs:     make(map[string]map[int64]func(models.Message)),
	}
}

func (s *MemoryStore) AppendMessage(ctx context.Context, m *models.Message) (string, error) {
	if err := validateMessage(m); err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	s.mu.Lock()
	// Appends are idempotent per (conversation, localID) so an internal
	// retry after a lost acknowledgment cannot duplicate the message.
	if m.LocalID != "" {
		key := m.ConversationID + "\x00" + m.LocalID
		if id, ok := s.byLocal[key]; ok {
			for _, stored := range s.msgs[m.ConversationID] {
				if stored.ID == id {
					*m = stored
					break
				}
			}
			s.mu.Unlock()
			return id, nil
		}
	}
	s.seqs[m.ConversationID]++
	m.Seq = s.seqs[m.ConversationID]
	m.ID = models.MessageID(m.ConversationID, m.Seq)
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	if m.DeliveryStatus == "" {
		m.DeliveryStatus = models.StatusSent
	}
	m.Pending = false
	stored := *m
	s.msgs[m.ConversationID] = append(s.msgs[m.ConversationID], stored)
	if m.LocalID != "" {
		s.byLocal[m.ConversationID+"\x00"+m.LocalID] = m.ID
	}
	var fns []func(models.Message)
	for _, fn := range s.subs[m.ConversationID] {
		fns = append(fns, fn)
	}
	s.mu.Unlock()

	for _, fn := range fns {
		fn(stored)
	}
	return m.ID, nil
}

func (s *MemoryStore) AdvanceStatus(ctx context.Context, conversationID, messageID string, status models.DeliveryStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	msgs := s.msgs[conversationID]
	for i := range msgs {
		if msgs[i].ID == messageID && msgs[i].DeliveryStatus.Advances(status) {
			msgs[i].DeliveryStatus = status
		}
	}
	return nil
}

func (s *MemoryStore) SavePresence(ctx context.Context, p models.Presence) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.presence[p.UserID] = p
	return nil
}

func (s *MemoryStore) Since(ctx context.Context, conversationID, cursor string) ([]models.Message, error) {
	after, err := models.ParseCursor(cursor)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", apperr.ErrValidation, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Message
	for _, m := range s.msgs[conversationID] {
		if m.Seq > after {
			out = append(out, m)
		}
	}
	return out, nil
}

func (s *MemoryStore) Subscribe(ctx context.Context, conversationID string, fn func(models.Message)) (func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.subs[conversationID] == nil {
		s.subs[conversationID] = make(map[int64]func(models.Message))
	}
	s.nextSub++
	id := s.nextSub
	s.subs[conversationID][id] = fn
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.subs[conversationID], id)
	}, nil
}

// Presence returns the stored presence record, if any. Test helper.
func (s *MemoryStore) Presence(userID string) (models.Presence, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.presence[userID]
	return p, ok
}
