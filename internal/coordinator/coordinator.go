// Package coordinator orchestrates inbound conversation events: it drives
// the durable write and the broadcast as two independent, order-preserving
// operations and handles reconnect replay.
//
// Each conversation is owned by a single shard goroutine, so all appends and
// publishes for one conversation happen in arrival order while conversations
// never block each other.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/fathima-sithara/realtime-service/internal/apperr"
	"github.com/fathima-sithara/realtime-service/internal/events"
	"github.com/fathima-sithara/realtime-service/internal/hub"
	"github.com/fathima-sithara/realtime-service/internal/membership"
	"github.com/fathima-sithara/realtime-service/internal/metrics"
	"github.com/fathima-sithara/realtime-service/internal/models"
	"github.com/fathima-sithara/realtime-service/internal/presence"
	"github.com/fathima-sithara/realtime-service/internal/store"
)

// Producer receives one event per durably persisted message. Failures are
// logged, never surfaced to clients.
type Producer interface {
	PublishMessageSent(ctx context.Context, m models.Message) error
}

type Config struct {
	// AppendTimeout bounds each durable-store append attempt.
	AppendTimeout time.Duration
	// RetryBase is the first backoff interval after a failed append.
	RetryBase time.Duration
	// RetryMaxAttempts caps append attempts before delivery_failed.
	RetryMaxAttempts int
	// TypingTTL expires a typing indicator that is not renewed.
	TypingTTL time.Duration
	// CrossInstance enables the store's live feed so writes from other
	// instances reach local subscribers.
	CrossInstance bool
}

func (c *Config) fillDefaults() {
	if c.AppendTimeout <= 0 {
		c.AppendTimeout = 5 * time.Second
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 500 * time.Millisecond
	}
	if c.RetryMaxAttempts <= 0 {
		c.RetryMaxAttempts = 5
	}
	if c.TypingTTL <= 0 {
		c.TypingTTL = 2 * time.Second
	}
}

type Coordinator struct {
	hub      *hub.Hub
	store    store.Store
	presence presence.Tracker
	authz    membership.Authorizer
	producer Producer
	logger   *zap.SugaredLogger
	cfg      Config

	mu     sync.Mutex
	shards map[string]*shard
}

func New(h *hub.Hub, st store.Store, pt presence.Tracker, authz membership.Authorizer, producer Producer, cfg Config, logger *zap.SugaredLogger) *Coordinator {
	cfg.fillDefaults()
	if authz == nil {
		authz = membership.AllowAll{}
	}
	return &Coordinator{
		hub:      h,
		store:    st,
		presence: pt,
		authz:    authz,
		producer: producer,
		logger:   logger,
		cfg:      cfg,
		shards:   make(map[string]*shard),
	}
}

// Draft is the client-local content of a message before the store assigns
// its authoritative id.
type Draft struct {
	LocalID       string
	Body          string
	AttachmentRef string
}

// Join authorizes and registers the session, then replays everything after
// the session's cursor as a backfill event. The session receives live events
// from the moment it is joined, so a message racing the backfill may arrive
// twice; clients dedupe by id.
func (c *Coordinator) Join(ctx context.Context, s hub.Session, userID, displayName, conversationID, cursor string) error {
	if err := validateConversationID(conversationID); err != nil {
		return err
	}
	if err := c.authz.Authorize(ctx, userID, conversationID); err != nil {
		return err
	}

	c.hub.Join(conversationID, s)

	msgs, err := c.store.Since(ctx, conversationID, cursor)
	if err != nil {
		c.hub.Leave(conversationID, s)
		return fmt.Errorf("backfill %s: %w", conversationID, err)
	}
	next := cursor
	if n := len(msgs); n > 0 {
		next = models.Cursor(msgs[n-1].Seq)
	}
	ok := s.Enqueue(events.MustEncode(events.TypeBackfill, events.Backfill{
		ConversationID: conversationID,
		Messages:       msgs,
		Cursor:         next,
	}))
	if !ok {
		// a session that cannot even take its backfill gets the same
		// treatment as any full-queue subscriber
		c.hub.Leave(conversationID, s)
		s.Kick("outbound queue overflow")
		return fmt.Errorf("backfill %s: session outbound queue full", conversationID)
	}

	becameOnline, err := c.presence.Connected(ctx, userID, displayName, s.ID())
	if err != nil {
		c.logger.Warnw("presence connect", "user_id", userID, "err", err)
	} else if becameOnline {
		c.presenceChanged(ctx, userID, []string{conversationID})
	}
	return nil
}

// Leave removes the session from the conversation's fan-out set.
func (c *Coordinator) Leave(conversationID string, s hub.Session) {
	c.hub.Leave(conversationID, s)
}

// SendMessage validates the draft and hands it to the conversation's shard.
// The call blocks while the shard's inbound queue is full (backpressure on
// the sending session only).
func (c *Coordinator) SendMessage(origin hub.Session, userID, displayName, conversationID string, d Draft) error {
	if err := validateConversationID(conversationID); err != nil {
		return err
	}
	if strings.TrimSpace(d.Body) == "" && d.AttachmentRef == "" {
		return fmt.Errorf("%w: empty message body", apperr.ErrValidation)
	}
	if d.LocalID == "" {
		return fmt.Errorf("%w: missing local id", apperr.ErrValidation)
	}
	sh := c.shardFor(conversationID)
	sh.do(func() { sh.handleSend(origin, userID, displayName, d) })
	return nil
}

// TypingStart records the user as typing and schedules the idle expiry.
func (c *Coordinator) TypingStart(origin hub.Session, userID, displayName, conversationID string) error {
	if err := validateConversationID(conversationID); err != nil {
		return err
	}
	sh := c.shardFor(conversationID)
	sh.do(func() { sh.handleTypingStart(origin, userID, displayName) })
	return nil
}

// TypingStop clears the user's typing state immediately.
func (c *Coordinator) TypingStop(origin hub.Session, userID, conversationID string) error {
	if err := validateConversationID(conversationID); err != nil {
		return err
	}
	sh := c.shardFor(conversationID)
	sh.do(func() { sh.handleTypingStop(origin, userID) })
	return nil
}

// MarkRead advances a message's delivery status and broadcasts the change.
func (c *Coordinator) MarkRead(conversationID, messageID string, status models.DeliveryStatus) error {
	if err := validateConversationID(conversationID); err != nil {
		return err
	}
	if status == "" {
		status = models.StatusRead
	}
	if status.Rank() < 0 {
		return fmt.Errorf("%w: unknown delivery status %q", apperr.ErrValidation, status)
	}
	sh := c.shardFor(conversationID)
	sh.do(func() { sh.handleMarkRead(messageID, status) })
	return nil
}

// Heartbeat refreshes the user's presence record.
func (c *Coordinator) Heartbeat(ctx context.Context, userID string) {
	if err := c.presence.Heartbeat(ctx, userID); err != nil {
		c.logger.Warnw("presence heartbeat", "user_id", userID, "err", err)
	}
}

// SessionClosed releases everything the session held: hub membership in all
// joined conversations and, when it was the user's last session, the online
// presence flag.
func (c *Coordinator) SessionClosed(ctx context.Context, s hub.Session, userID string, joined []string) {
	for _, conv := range joined {
		c.hub.Leave(conv, s)
	}
	becameOffline, err := c.presence.Disconnected(ctx, userID, s.ID())
	if err != nil {
		c.logger.Warnw("presence disconnect", "user_id", userID, "err", err)
		return
	}
	if becameOffline {
		c.presenceChanged(ctx, userID, joined)
	}
}

func (c *Coordinator) presenceChanged(ctx context.Context, userID string, conversations []string) {
	rec, err := c.presence.Get(ctx, userID)
	if err != nil {
		c.logger.Warnw("presence lookup", "user_id", userID, "err", err)
		return
	}
	if err := c.store.SavePresence(ctx, rec); err != nil {
		c.logger.Warnw("persist presence", "user_id", userID, "err", err)
	}
	frame := events.MustEncode(events.TypePresenceUpdate, rec)
	for _, conv := range conversations {
		c.hub.Publish(conv, events.TypePresenceUpdate, frame)
	}
}

func (c *Coordinator) shardFor(conversationID string) *shard {
	c.mu.Lock()
	defer c.mu.Unlock()
	if sh, ok := c.shards[conversationID]; ok {
		return sh
	}
	sh := newShard(c, conversationID)
	c.shards[conversationID] = sh
	return sh
}

func validateConversationID(conversationID string) error {
	if strings.TrimSpace(conversationID) == "" {
		return fmt.Errorf("%w: missing conversation id", apperr.ErrValidation)
	}
	if strings.ContainsRune(conversationID, '#') {
		return fmt.Errorf("%w: conversation id must not contain '#'", apperr.ErrValidation)
	}
	return nil
}

// shard is the single-owner actor for one conversation. Every mutation of
// conversation state flows through its inbound channel in arrival order.
type shard struct {
	conv   string
	c      *Coordinator
	inbox  chan func()
	typing map[string]*typingEntry
}

type typingEntry struct {
	displayName string
	gen         int
	timer       *time.Timer
}

const shardInboxSize = 256

func newShard(c *Coordinator, conversationID string) *shard {
	sh := &shard{
		conv:   conversationID,
		c:      c,
		inbox:  make(chan func(), shardInboxSize),
		typing: make(map[string]*typingEntry),
	}
	go sh.run()
	if c.cfg.CrossInstance {
		sh.startLiveFeed()
	}
	return sh
}

func (sh *shard) run() {
	for fn := range sh.inbox {
		fn()
	}
}

func (sh *shard) do(fn func()) {
	sh.inbox <- fn
}

// startLiveFeed bridges writes from other instances into the local hub.
// Locally appended messages come back through the feed as well; clients
// dedupe by message id, so the echo is harmless.
func (sh *shard) startLiveFeed() {
	stop, err := sh.c.store.Subscribe(context.Background(), sh.conv, func(m models.Message) {
		sh.do(func() {
			frame := events.MustEncode(events.TypeMessage, m)
			sh.c.hub.Publish(sh.conv, events.TypeMessage, frame)
		})
	})
	if err != nil {
		if !errors.Is(err, store.ErrNotSupported) {
			sh.c.logger.Warnw("live feed subscribe", "conversation_id", sh.conv, "err", err)
		}
		return
	}
	_ = stop // feed runs for the life of the shard
}

// handleSend walks one message through received -> persisting ->
// (persisted | persist_failed) -> broadcasting -> done.
func (sh *shard) handleSend(origin hub.Session, userID, displayName string, d Draft) {
	draft := models.Message{
		ConversationID: sh.conv,
		SenderID:       userID,
		SenderName:     displayName,
		Body:           d.Body,
		AttachmentRef:  d.AttachmentRef,
		LocalID:        d.LocalID,
		CreatedAt:      time.Now().UTC(),
		DeliveryStatus: models.StatusSent,
		Pending:        true,
	}

	// Optimistic broadcast: the append is dispatched below, so the draft
	// may reach subscribers before the store acknowledges. They reconcile
	// by local_id once the confirmed message follows.
	originID := ""
	if origin != nil {
		originID = origin.ID()
	}
	sh.c.hub.PublishExcept(sh.conv, events.TypeMessage,
		events.MustEncode(events.TypeMessage, draft), originID)

	persisted := draft
	err := sh.appendWithRetry(&persisted)
	if err != nil {
		metrics.PersistFailures.Inc()
		sh.c.logger.Errorw("message persist failed",
			"conversation_id", sh.conv, "local_id", d.LocalID, "err", err)
		if origin != nil {
			origin.Enqueue(events.MustEncode(events.TypeDeliveryFailed, events.DeliveryFailed{
				ConversationID: sh.conv,
				LocalID:        d.LocalID,
				Reason:         "store unavailable",
			}))
		}
		sh.c.hub.PublishExcept(sh.conv, events.TypeMessageRetracted,
			events.MustEncode(events.TypeMessageRetracted, events.MessageRetracted{
				ConversationID: sh.conv,
				LocalID:        d.LocalID,
				Reason:         "store unavailable",
			}), originID)
		return
	}

	metrics.MessagesPersisted.Inc()
	sh.c.hub.Publish(sh.conv, events.TypeMessage,
		events.MustEncode(events.TypeMessage, persisted))

	if sh.c.producer != nil {
		msg := persisted
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := sh.c.producer.PublishMessageSent(ctx, msg); err != nil {
				sh.c.logger.Warnw("publish message_sent", "message_id", msg.ID, "err", err)
			}
		}()
	}
}

func (sh *shard) appendWithRetry(m *models.Message) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = sh.c.cfg.RetryBase
	policy.Multiplier = 2
	policy.RandomizationFactor = 0
	policy.MaxElapsedTime = 0

	attempt := 0
	operation := func() error {
		attempt++
		ctx, cancel := context.WithTimeout(context.Background(), sh.c.cfg.AppendTimeout)
		defer cancel()
		_, err := sh.c.store.AppendMessage(ctx, m)
		if err == nil {
			return nil
		}
		if errors.Is(err, apperr.ErrValidation) {
			return backoff.Permanent(err)
		}
		metrics.PersistRetries.Inc()
		sh.c.logger.Warnw("append attempt failed",
			"conversation_id", sh.conv, "local_id", m.LocalID,
			"attempt", attempt, "err", err)
		return err
	}

	retries := uint64(sh.c.cfg.RetryMaxAttempts - 1)
	return backoff.Retry(operation, backoff.WithMaxRetries(policy, retries))
}

func (sh *shard) handleTypingStart(origin hub.Session, userID, displayName string) {
	entry, ok := sh.typing[userID]
	if ok {
		// renewed before expiry: extend the window without re-broadcasting
		entry.gen++
		entry.timer.Stop()
		entry.timer = sh.expiryTimer(userID, entry.gen)
		return
	}
	entry = &typingEntry{displayName: displayName, gen: 0}
	entry.timer = sh.expiryTimer(userID, 0)
	sh.typing[userID] = entry

	sh.broadcastTyping(origin, userID, displayName, true)
}

func (sh *shard) handleTypingStop(origin hub.Session, userID string) {
	entry, ok := sh.typing[userID]
	if !ok {
		return
	}
	entry.timer.Stop()
	delete(sh.typing, userID)
	sh.broadcastTyping(origin, userID, entry.displayName, false)
}

func (sh *shard) handleTypingExpired(userID string, gen int) {
	entry, ok := sh.typing[userID]
	if !ok || entry.gen != gen {
		return
	}
	delete(sh.typing, userID)
	sh.broadcastTyping(nil, userID, entry.displayName, false)
}

func (sh *shard) expiryTimer(userID string, gen int) *time.Timer {
	return time.AfterFunc(sh.c.cfg.TypingTTL, func() {
		sh.do(func() { sh.handleTypingExpired(userID, gen) })
	})
}

func (sh *shard) broadcastTyping(origin hub.Session, userID, displayName string, isTyping bool) {
	state := models.TypingState{
		ConversationID: sh.conv,
		UserID:         userID,
		DisplayName:    displayName,
		IsTyping:       isTyping,
		UpdatedAt:      time.Now().UTC(),
	}
	frame := events.MustEncode(events.TypeTypingUpdate, state)
	if origin != nil {
		sh.c.hub.PublishExcept(sh.conv, events.TypeTypingUpdate, frame, origin.ID())
		return
	}
	sh.c.hub.Publish(sh.conv, events.TypeTypingUpdate, frame)
}

func (sh *shard) handleMarkRead(messageID string, status models.DeliveryStatus) {
	ctx, cancel := context.WithTimeout(context.Background(), sh.c.cfg.AppendTimeout)
	defer cancel()
	if err := sh.c.store.AdvanceStatus(ctx, sh.conv, messageID, status); err != nil {
		sh.c.logger.Warnw("advance status",
			"conversation_id", sh.conv, "message_id", messageID, "err", err)
		return
	}
	sh.c.hub.Publish(sh.conv, events.TypeMessageStatus,
		events.MustEncode(events.TypeMessageStatus, events.MessageStatus{
			ConversationID: sh.conv,
			MessageID:      messageID,
			Status:         status,
		}))
}
