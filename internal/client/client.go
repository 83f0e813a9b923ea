// Package client implements the connection side of the protocol: the
// reconnect state machine, the offline outbound queue and optimistic
// rendering with localID reconciliation.
package client

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fathima-sithara/realtime-service/internal/events"
	"github.com/fathima-sithara/realtime-service/internal/models"
)

// Conn is one established session with the server.
type Conn interface {
	Send(env events.Envelope) error
	Recv() (events.Envelope, error)
	Close() error
}

// Dialer establishes sessions. The client redials through it after every
// connection loss.
type Dialer interface {
	Dial(ctx context.Context) (Conn, error)
}

type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
)

type Config struct {
	// ReconnectBase is the first redial backoff interval.
	ReconnectBase time.Duration
	// OfflineAfterAttempts surfaces the persistent offline indicator once
	// this many consecutive dials fail. Attempts continue regardless.
	OfflineAfterAttempts int
	// TypingDebounce suppresses duplicate typing-starts and bounds the
	// auto-stop window.
	TypingDebounce time.Duration
}

func (c *Config) fillDefaults() {
	if c.ReconnectBase <= 0 {
		c.ReconnectBase = time.Second
	}
	if c.OfflineAfterAttempts <= 0 {
		c.OfflineAfterAttempts = 5
	}
	if c.TypingDebounce <= 0 {
		c.TypingDebounce = 2 * time.Second
	}
}

// Entry is one row of the local message list: a confirmed message or an
// optimistic pending one, plus the terminal failed marker.
type Entry struct {
	models.Message
	Failed bool `json:"failed,omitempty"`
}

type Client struct {
	dialer Dialer
	cfg    Config
	logger *zap.SugaredLogger

	mu        sync.Mutex
	state     State
	offline   bool
	conn      Conn
	convs     map[string]struct{}
	cursors   map[string]string
	views     map[string][]Entry
	seen      map[string]struct{}
	pending   []models.PendingOutboundMessage
	typing    map[string]map[string]bool // conversation -> userID -> isTyping
	presences map[string]models.Presence

	typingSent   map[string]time.Time
	typingTimers map[string]*time.Timer
}

func New(dialer Dialer, cfg Config, logger *zap.SugaredLogger) *Client {
	cfg.fillDefaults()
	return &Client{
		dialer:       dialer,
		cfg:          cfg,
		logger:       logger,
		state:        StateDisconnected,
		convs:        make(map[string]struct{}),
		cursors:      make(map[string]string),
		views:        make(map[string][]Entry),
		seen:         make(map[string]struct{}),
		typing:       make(map[string]map[string]bool),
		presences:    make(map[string]models.Presence),
		typingSent:   make(map[string]time.Time),
		typingTimers: make(map[string]*time.Timer),
	}
}

// Watch registers a conversation the client cares about. It is joined on
// every (re)connect.
func (c *Client) Watch(conversationID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.convs[conversationID] = struct{}{}
}

// State reports the connection state and whether the persistent offline
// indicator is raised.
func (c *Client) State() (State, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state, c.offline
}

// Messages returns the local view of the conversation: confirmed messages in
// id order followed by optimistic pending entries in send order.
func (c *Client) Messages(conversationID string) []Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	view := c.views[conversationID]
	out := make([]Entry, len(view))
	copy(out, view)
	return out
}

// TypingUsers returns the users currently typing in the conversation.
func (c *Client) TypingUsers(conversationID string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for user, on := range c.typing[conversationID] {
		if on {
			out = append(out, user)
		}
	}
	sort.Strings(out)
	return out
}

// Presence returns the last observed presence record for the user.
func (c *Client) Presence(userID string) (models.Presence, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.presences[userID]
	return p, ok
}

// Run drives the connection until ctx is cancelled: dial with backoff and
// jitter, serve the session, redial on loss.
func (c *Client) Run(ctx context.Context) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = c.cfg.ReconnectBase
	policy.Multiplier = 2
	policy.RandomizationFactor = 0.5
	policy.MaxInterval = c.cfg.ReconnectBase * (1 << (c.cfg.OfflineAfterAttempts - 1))
	policy.MaxElapsedTime = 0
	policy.Reset()

	attempts := 0
	for ctx.Err() == nil {
		c.setState(StateConnecting)
		conn, err := c.dialer.Dial(ctx)
		if err != nil {
			attempts++
			c.mu.Lock()
			if attempts >= c.cfg.OfflineAfterAttempts {
				c.offline = true
			}
			c.state = StateDisconnected
			c.mu.Unlock()

			select {
			case <-time.After(policy.NextBackOff()):
			case <-ctx.Done():
				return
			}
			continue
		}

		attempts = 0
		policy.Reset()
		c.mu.Lock()
		c.state = StateConnected
		c.offline = false
		c.conn = conn
		c.mu.Unlock()

		c.joinAll(conn)
		c.flushPending(conn)
		c.serve(ctx, conn)

		c.mu.Lock()
		c.state = StateDisconnected
		c.conn = nil
		c.mu.Unlock()
		_ = conn.Close()
	}
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *Client) joinAll(conn Conn) {
	c.mu.Lock()
	joins := make([]events.JoinConversation, 0, len(c.convs))
	for conv := range c.convs {
		joins = append(joins, events.JoinConversation{
			ConversationID: conv,
			Cursor:         c.cursors[conv],
		})
	}
	c.mu.Unlock()
	sort.Slice(joins, func(i, j int) bool { return joins[i].ConversationID < joins[j].ConversationID })
	for _, j := range joins {
		if err := c.sendEnvelope(conn, events.TypeJoinConversation, j); err != nil {
			return
		}
	}
}

// flushPending re-sends the offline queue in original enqueue order. Entries
// stay queued until the confirmed message (matched by localID) arrives, so a
// connection lost mid-flush simply re-flushes; the server dedupes appends by
// localID.
func (c *Client) flushPending(conn Conn) {
	c.mu.Lock()
	queue := make([]models.PendingOutboundMessage, len(c.pending))
	copy(queue, c.pending)
	c.mu.Unlock()
	for _, p := range queue {
		err := c.sendEnvelope(conn, events.TypeSendMessage, events.SendMessage{
			ConversationID: p.ConversationID,
			LocalID:        p.LocalID,
			Body:           p.Body,
			AttachmentRef:  p.AttachmentRef,
		})
		if err != nil {
			return
		}
	}
}

func (c *Client) serve(ctx context.Context, conn Conn) {
	for {
		env, err := conn.Recv()
		if err != nil {
			return
		}
		c.handle(env)
		if ctx.Err() != nil {
			return
		}
	}
}

// SendMessage sends or queues a message and returns its localID. The
// optimistic entry appears in the local view immediately either way.
func (c *Client) SendMessage(conversationID, body, attachmentRef string) string {
	localID := uuid.New().String()
	now := time.Now().UTC()

	c.mu.Lock()
	c.views[conversationID] = append(c.views[conversationID], Entry{Message: models.Message{
		ConversationID: conversationID,
		Body:           body,
		AttachmentRef:  attachmentRef,
		LocalID:        localID,
		CreatedAt:      now,
		DeliveryStatus: models.StatusSent,
		Pending:        true,
	}})
	connected := c.state == StateConnected && c.conn != nil
	conn := c.conn
	// queued until confirmation even when connected, so a drop mid-send
	// re-flushes and the server's localID dedupe absorbs the overlap
	c.pending = append(c.pending, models.PendingOutboundMessage{
		LocalID:        localID,
		ConversationID: conversationID,
		Body:           body,
		AttachmentRef:  attachmentRef,
		CreatedAt:      now,
	})
	c.mu.Unlock()

	if connected {
		_ = c.sendEnvelope(conn, events.TypeSendMessage, events.SendMessage{
			ConversationID: conversationID,
			LocalID:        localID,
			Body:           body,
			AttachmentRef:  attachmentRef,
		})
	}
	return localID
}

// TypingStart sends a typing indicator unless an identical one went out
// within the debounce window, and arms the auto-stop timer.
func (c *Client) TypingStart(conversationID string) {
	c.mu.Lock()
	conn := c.conn
	connected := c.state == StateConnected && conn != nil
	last := c.typingSent[conversationID]
	debounced := time.Since(last) < c.cfg.TypingDebounce
	if connected && !debounced {
		c.typingSent[conversationID] = time.Now()
	}
	if t, ok := c.typingTimers[conversationID]; ok {
		t.Stop()
	}
	c.typingTimers[conversationID] = time.AfterFunc(c.cfg.TypingDebounce, func() {
		c.TypingStop(conversationID)
	})
	c.mu.Unlock()

	if connected && !debounced {
		_ = c.sendEnvelope(conn, events.TypeTypingStart, events.Typing{ConversationID: conversationID})
	}
}

// TypingStop sends the stop indicator and disarms the auto-stop timer.
func (c *Client) TypingStop(conversationID string) {
	c.mu.Lock()
	if t, ok := c.typingTimers[conversationID]; ok {
		t.Stop()
		delete(c.typingTimers, conversationID)
	}
	delete(c.typingSent, conversationID)
	conn := c.conn
	connected := c.state == StateConnected && conn != nil
	c.mu.Unlock()

	if connected {
		_ = c.sendEnvelope(conn, events.TypeTypingStop, events.Typing{ConversationID: conversationID})
	}
}

// MarkRead reports the furthest message the user has read.
func (c *Client) MarkRead(conversationID, messageID string) {
	c.mu.Lock()
	conn := c.conn
	connected := c.state == StateConnected && conn != nil
	c.mu.Unlock()
	if connected {
		_ = c.sendEnvelope(conn, events.TypeMarkRead, events.MarkRead{
			ConversationID: conversationID,
			MessageID:      messageID,
			Status:         models.StatusRead,
		})
	}
}

func (c *Client) sendEnvelope(conn Conn, typ string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if err := conn.Send(events.Envelope{Type: typ, Payload: raw}); err != nil {
		c.logger.Debugw("send failed", "type", typ, "err", err)
		return err
	}
	return nil
}

func (c *Client) handle(env events.Envelope) {
	switch env.Type {
	case events.TypeMessage:
		var m models.Message
		if err := env.Bind(&m); err != nil {
			return
		}
		c.mu.Lock()
		if m.Pending {
			c.applyOptimistic(m)
		} else {
			c.applyConfirmed(m)
		}
		c.mu.Unlock()

	case events.TypeBackfill:
		var bf events.Backfill
		if err := env.Bind(&bf); err != nil {
			return
		}
		c.mu.Lock()
		for _, m := range bf.Messages {
			c.applyConfirmed(m)
		}
		if bf.Cursor != "" {
			c.cursors[bf.ConversationID] = bf.Cursor
		}
		c.mu.Unlock()

	case events.TypeMessageRetracted:
		var r events.MessageRetracted
		if err := env.Bind(&r); err != nil {
			return
		}
		c.mu.Lock()
		c.removeEntry(r.ConversationID, r.LocalID)
		c.mu.Unlock()

	case events.TypeDeliveryFailed:
		var f events.DeliveryFailed
		if err := env.Bind(&f); err != nil {
			return
		}
		c.mu.Lock()
		c.dropPending(f.LocalID)
		view := c.views[f.ConversationID]
		for i := range view {
			if view[i].LocalID == f.LocalID && view[i].Pending {
				view[i].Failed = true
			}
		}
		c.mu.Unlock()

	case events.TypeMessageStatus:
		var ms events.MessageStatus
		if err := env.Bind(&ms); err != nil {
			return
		}
		c.mu.Lock()
		view := c.views[ms.ConversationID]
		for i := range view {
			if view[i].ID == ms.MessageID && view[i].DeliveryStatus.Advances(ms.Status) {
				view[i].DeliveryStatus = ms.Status
			}
		}
		c.mu.Unlock()

	case events.TypeTypingUpdate:
		var ts models.TypingState
		if err := env.Bind(&ts); err != nil {
			return
		}
		c.mu.Lock()
		if c.typing[ts.ConversationID] == nil {
			c.typing[ts.ConversationID] = make(map[string]bool)
		}
		c.typing[ts.ConversationID][ts.UserID] = ts.IsTyping
		c.mu.Unlock()

	case events.TypePresenceUpdate:
		var p models.Presence
		if err := env.Bind(&p); err != nil {
			return
		}
		c.mu.Lock()
		c.presences[p.UserID] = p
		c.mu.Unlock()
	}
}

// applyOptimistic records someone else's draft, keyed by localID, unless the
// confirmed copy already arrived.
func (c *Client) applyOptimistic(m models.Message) {
	for _, e := range c.views[m.ConversationID] {
		if e.LocalID != "" && e.LocalID == m.LocalID {
			return
		}
	}
	c.views[m.ConversationID] = append(c.views[m.ConversationID], Entry{Message: m})
}

// applyConfirmed merges a durable message into the view: it replaces the
// optimistic entry with the same localID, dedupes by id, keeps confirmed
// entries in ascending id order and releases the pending-queue slot.
func (c *Client) applyConfirmed(m models.Message) {
	if _, dup := c.seen[m.ID]; dup {
		return
	}
	c.seen[m.ID] = struct{}{}
	c.dropPending(m.LocalID)

	view := c.views[m.ConversationID]
	replaced := false
	for i := range view {
		if m.LocalID != "" && view[i].LocalID == m.LocalID {
			view[i] = Entry{Message: m}
			replaced = true
			break
		}
	}
	if !replaced {
		view = append(view, Entry{Message: m})
	}

	// confirmed entries sort by sequence; optimistic ones stay behind them
	// in send order
	sort.SliceStable(view, func(i, j int) bool {
		if view[i].Pending != view[j].Pending {
			return !view[i].Pending
		}
		if view[i].Pending {
			return false
		}
		return view[i].Seq < view[j].Seq
	})
	c.views[m.ConversationID] = view

	if cur, _ := models.ParseCursor(c.cursors[m.ConversationID]); m.Seq > cur {
		c.cursors[m.ConversationID] = models.Cursor(m.Seq)
	}
}

func (c *Client) removeEntry(conversationID, localID string) {
	if localID == "" {
		return
	}
	c.dropPending(localID)
	view := c.views[conversationID]
	for i := range view {
		if view[i].LocalID == localID && view[i].Pending {
			c.views[conversationID] = append(view[:i], view[i+1:]...)
			return
		}
	}
}

func (c *Client) dropPending(localID string) {
	if localID == "" {
		return
	}
	for i := range c.pending {
		if c.pending[i].LocalID == localID {
			c.pending = append(c.pending[:i], c.pending[i+1:]...)
			return
		}
	}
}

// PendingCount reports how many sends await durable confirmation.
func (c *Client) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}
