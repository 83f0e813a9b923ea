// Package presence tracks which users are online. Presence is global, one
// record per user; a user counts as online while at least one of their
// sessions is connected.
package presence

import (
	"context"
	"sync"
	"time"

	"github.com/fathima-sithara/realtime-service/internal/models"
)

// Tracker records session connects, disconnects and heartbeats and answers
// presence lookups. Connected/Disconnected report whether the user's overall
// online state flipped, so callers know when to broadcast a presence_update.
type Tracker interface {
	Connected(ctx context.Context, userID, displayName, sessionID string) (becameOnline bool, err error)
	Disconnected(ctx context.Context, userID, sessionID string) (becameOffline bool, err error)
	Heartbeat(ctx context.Context, userID string) error
	Get(ctx context.Context, userID string) (models.Presence, error)
}

// MemoryTracker backs tests and single-node deployments.
type MemoryTracker struct {
	mu       sync.Mutex
	sessions map[string]map[string]struct{} // userID -> session set
	records  map[string]models.Presence
}

func NewMemoryTracker() *MemoryTracker {
	return &MemoryTracker{
		sessions: make(map[string]map[string]struct{}),
		records:  make(map[string]models.Presence),
	}
}

func (t *MemoryTracker) Connected(ctx context.Context, userID, displayName, sessionID string) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	set, ok := t.sessions[userID]
	if !ok {
		set = make(map[string]struct{})
		t.sessions[userID] = set
	}
	wasOnline := len(set) > 0
	set[sessionID] = struct{}{}
	t.records[userID] = models.Presence{
		UserID:      userID,
		DisplayName: displayName,
		IsOnline:    true,
		LastSeenAt:  time.Now().UTC(),
	}
	return !wasOnline, nil
}

func (t *MemoryTracker) Disconnected(ctx context.Context, userID, sessionID string) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	set, ok := t.sessions[userID]
	if !ok {
		return false, nil
	}
	delete(set, sessionID)
	if len(set) > 0 {
		return false, nil
	}
	delete(t.sessions, userID)
	rec := t.records[userID]
	rec.UserID = userID
	rec.IsOnline = false
	rec.LastSeenAt = time.Now().UTC()
	t.records[userID] = rec
	return true, nil
}

func (t *MemoryTracker) Heartbeat(ctx context.Context, userID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if rec, ok := t.records[userID]; ok {
		rec.LastSeenAt = time.Now().UTC()
		t.records[userID] = rec
	}
	return nil
}

func (t *MemoryTracker) Get(ctx context.Context, userID string) (models.Presence, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if rec, ok := t.records[userID]; ok {
		return rec, nil
	}
	return models.Presence{UserID: userID, IsOnline: false}, nil
}
