package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fathima-sithara/realtime-service/internal/models"
)

// RedisTracker keeps per-user connection sets and presence records in Redis
// so any instance can answer presence lookups and route around restarts.
// Keys:
//   <prefix>:conn:<userID>     set of session IDs, TTL-refreshed
//   <prefix>:presence:<userID> presence record JSON
type RedisTracker struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

func NewRedisTracker(client *redis.Client, prefix string, ttl time.Duration) *RedisTracker {
	if prefix == "" {
		prefix = "rt"
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisTracker{client: client, prefix: prefix, ttl: ttl}
}

func (t *RedisTracker) connKey(userID string) string {
	return fmt.Sprintf("%s:conn:%s", t.prefix, userID)
}

func (t *RedisTracker) presenceKey(userID string) string {
	return fmt.Sprintf("%s:presence:%s", t.prefix, userID)
}

func (t *RedisTracker) Connected(ctx context.Context, userID, displayName, sessionID string) (bool, error) {
	key := t.connKey(userID)
	before, err := t.client.SCard(ctx, key).Result()
	if err != nil {
		return false, err
	}
	if err := t.client.SAdd(ctx, key, sessionID).Err(); err != nil {
		return false, err
	}
	_ = t.client.Expire(ctx, key, t.ttl).Err()

	rec := models.Presence{
		UserID:      userID,
		DisplayName: displayName,
		IsOnline:    true,
		LastSeenAt:  time.Now().UTC(),
	}
	if err := t.setRecord(ctx, rec); err != nil {
		return false, err
	}
	return before == 0, nil
}

func (t *RedisTracker) Disconnected(ctx context.Context, userID, sessionID string) (bool, error) {
	key := t.connKey(userID)
	if err := t.client.SRem(ctx, key, sessionID).Err(); err != nil {
		return false, err
	}
	left, err := t.client.SCard(ctx, key).Result()
	if err != nil {
		return false, err
	}
	if left > 0 {
		return false, nil
	}
	rec, _ := t.Get(ctx, userID)
	rec.UserID = userID
	rec.IsOnline = false
	rec.LastSeenAt = time.Now().UTC()
	if err := t.setRecord(ctx, rec); err != nil {
		return false, err
	}
	return true, nil
}

func (t *RedisTracker) Heartbeat(ctx context.Context, userID string) error {
	if err := t.client.Expire(ctx, t.connKey(userID), t.ttl).Err(); err != nil {
		return err
	}
	rec, err := t.Get(ctx, userID)
	if err != nil {
		return err
	}
	rec.LastSeenAt = time.Now().UTC()
	return t.setRecord(ctx, rec)
}

func (t *RedisTracker) Get(ctx context.Context, userID string) (models.Presence, error) {
	b, err := t.client.Get(ctx, t.presenceKey(userID)).Bytes()
	if err == redis.Nil {
		return models.Presence{UserID: userID, IsOnline: false}, nil
	}
	if err != nil {
		return models.Presence{}, err
	}
	var rec models.Presence
	if err := json.Unmarshal(b, &rec); err != nil {
		return models.Presence{}, fmt.Errorf("decode presence record: %w", err)
	}
	return rec, nil
}

func (t *RedisTracker) setRecord(ctx context.Context, rec models.Presence) error {
	b, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return t.client.Set(ctx, t.presenceKey(rec.UserID), b, 0).Err()
}
