package coordinator

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fathima-sithara/realtime-service/internal/apperr"
	"github.com/fathima-sithara/realtime-service/internal/events"
	"github.com/fathima-sithara/realtime-service/internal/hub"
	"github.com/fathima-sithara/realtime-service/internal/models"
	"github.com/fathima-sithara/realtime-service/internal/presence"
	"github.com/fathima-sithara/realtime-service/internal/store"
)

type fakeSession struct {
	id     string
	mu     sync.Mutex
	frames []events.Envelope
}

func newFakeSession(id string) *fakeSession { return &fakeSession{id: id} }

func (s *fakeSession) ID() string { return s.id }

func (s *fakeSession) Enqueue(frame []byte) bool {
	env, err := events.Decode(frame)
	if err != nil {
		panic(err)
	}
	s.mu.Lock()
	s.frames = append(s.frames, env)
	s.mu.Unlock()
	return true
}

func (s *fakeSession) Kick(reason string) {}

func (s *fakeSession) byType(typ string) []events.Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []events.Envelope
	for _, e := range s.frames {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}

func (s *fakeSession) messages(t *testing.T) []models.Message {
	t.Helper()
	var out []models.Message
	for _, e := range s.byType(events.TypeMessage) {
		var m models.Message
		require.NoError(t, json.Unmarshal(e.Payload, &m))
		out = append(out, m)
	}
	return out
}

// flakyStore fails the first n appends with ErrStoreUnavailable.
type flakyStore struct {
	*store.MemoryStore
	mu       sync.Mutex
	failures int
	attempts int
}

func (f *flakyStore) AppendMessage(ctx context.Context, m *models.Message) (string, error) {
	f.mu.Lock()
	f.attempts++
	fail := f.failures > 0
	if fail {
		f.failures--
	}
	f.mu.Unlock()
	if fail {
		return "", apperr.ErrStoreUnavailable
	}
	return f.MemoryStore.AppendMessage(ctx, m)
}

type forbidAll struct{}

func (forbidAll) Authorize(ctx context.Context, userID, conversationID string) error {
	return apperr.ErrForbidden
}

func testConfig() Config {
	return Config{
		AppendTimeout:    time.Second,
		RetryBase:        2 * time.Millisecond,
		RetryMaxAttempts: 5,
		TypingTTL:        60 * time.Millisecond,
	}
}

func newTestCoordinator(t *testing.T, st store.Store) (*Coordinator, *hub.Hub) {
	t.Helper()
	logger := zap.NewNop().Sugar()
	h := hub.New(logger)
	c := New(h, st, presence.NewMemoryTracker(), nil, nil, testConfig(), logger)
	return c, h
}

func join(t *testing.T, c *Coordinator, s hub.Session, userID, conv string) {
	t.Helper()
	require.NoError(t, c.Join(context.Background(), s, userID, userID, conv, ""))
}

func TestCoordinator_SendMessagePersistsAndBroadcasts(t *testing.T) {
	c, _ := newTestCoordinator(t, store.NewMemoryStore())
	a := newFakeSession("a")
	b := newFakeSession("b")
	join(t, c, a, "alice", "conv-1")
	join(t, c, b, "bob", "conv-1")

	require.NoError(t, c.SendMessage(a, "alice", "Alice", "conv-1", Draft{
		LocalID: "abc123", Body: "hi",
	}))

	require.Eventually(t, func() bool {
		msgs := a.messages(t)
		return len(msgs) == 1 && msgs[0].ID == "conv-1#1"
	}, time.Second, 5*time.Millisecond)

	// b saw the optimistic draft first, then the confirmed message, both
	// correlated by local_id
	require.Eventually(t, func() bool { return len(b.messages(t)) == 2 }, time.Second, 5*time.Millisecond)
	bm := b.messages(t)
	assert.True(t, bm[0].Pending)
	assert.Empty(t, bm[0].ID)
	assert.Equal(t, "abc123", bm[0].LocalID)
	assert.False(t, bm[1].Pending)
	assert.Equal(t, "conv-1#1", bm[1].ID)
	assert.Equal(t, "abc123", bm[1].LocalID)

	// the sender only gets the confirmed copy
	am := a.messages(t)
	require.Len(t, am, 1)
	assert.False(t, am[0].Pending)
}

func TestCoordinator_SubscribersObserveSameConfirmedOrder(t *testing.T) {
	c, _ := newTestCoordinator(t, store.NewMemoryStore())
	a := newFakeSession("a")
	b := newFakeSession("b")
	observer := newFakeSession("obs")
	join(t, c, a, "alice", "conv-1")
	join(t, c, b, "bob", "conv-1")
	join(t, c, observer, "carol", "conv-1")

	for i, body := range []string{"m1", "m2", "m3", "m4", "m5"} {
		sender, user := a, "alice"
		if i%2 == 1 {
			sender, user = b, "bob"
		}
		require.NoError(t, c.SendMessage(sender, user, user, "conv-1", Draft{
			LocalID: body, Body: body,
		}))
	}

	confirmed := func(s *fakeSession) []string {
		var out []string
		for _, m := range s.messages(t) {
			if !m.Pending {
				out = append(out, m.ID)
			}
		}
		return out
	}
	require.Eventually(t, func() bool { return len(confirmed(observer)) == 5 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return len(confirmed(a)) == 5 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return len(confirmed(b)) == 5 }, time.Second, 5*time.Millisecond)

	want := []string{"conv-1#1", "conv-1#2", "conv-1#3", "conv-1#4", "conv-1#5"}
	assert.Equal(t, want, confirmed(observer))
	assert.Equal(t, want, confirmed(a))
	assert.Equal(t, want, confirmed(b))
}

func TestCoordinator_StoreRecoversWithinRetryBudget(t *testing.T) {
	fs := &flakyStore{MemoryStore: store.NewMemoryStore(), failures: 2}
	c, _ := newTestCoordinator(t, fs)
	a := newFakeSession("a")
	b := newFakeSession("b")
	join(t, c, a, "alice", "conv-1")
	join(t, c, b, "bob", "conv-1")

	require.NoError(t, c.SendMessage(a, "alice", "Alice", "conv-1", Draft{
		LocalID: "abc123", Body: "hi",
	}))

	require.Eventually(t, func() bool { return len(a.messages(t)) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "conv-1#1", a.messages(t)[0].ID)

	// retry succeeded within policy: no failure surfaced anywhere
	assert.Empty(t, a.byType(events.TypeDeliveryFailed))
	assert.Empty(t, b.byType(events.TypeMessageRetracted))
	assert.Equal(t, 3, fs.attempts)
}

func TestCoordinator_ExhaustedRetriesFailSenderAndRetractOthers(t *testing.T) {
	fs := &flakyStore{MemoryStore: store.NewMemoryStore(), failures: 100}
	c, _ := newTestCoordinator(t, fs)
	a := newFakeSession("a")
	b := newFakeSession("b")
	join(t, c, a, "alice", "conv-1")
	join(t, c, b, "bob", "conv-1")

	require.NoError(t, c.SendMessage(a, "alice", "Alice", "conv-1", Draft{
		LocalID: "abc123", Body: "doomed",
	}))

	require.Eventually(t, func() bool {
		return len(a.byType(events.TypeDeliveryFailed)) == 1
	}, 2*time.Second, 5*time.Millisecond)

	var failed events.DeliveryFailed
	require.NoError(t, a.byType(events.TypeDeliveryFailed)[0].Bind(&failed))
	assert.Equal(t, "abc123", failed.LocalID)

	// the sender is the only one told delivery failed; others get a
	// retraction referencing the optimistic local_id
	require.Len(t, b.byType(events.TypeMessageRetracted), 1)
	var retracted events.MessageRetracted
	require.NoError(t, b.byType(events.TypeMessageRetracted)[0].Bind(&retracted))
	assert.Equal(t, "abc123", retracted.LocalID)
	assert.Empty(t, b.byType(events.TypeDeliveryFailed))
	assert.Empty(t, a.byType(events.TypeMessageRetracted))

	// the append attempt budget is exactly RetryMaxAttempts
	assert.Equal(t, 5, fs.attempts)

	// nothing was durably written
	msgs, err := fs.Since(context.Background(), "conv-1", "")
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestCoordinator_ValidationRejectedBeforePersistence(t *testing.T) {
	fs := &flakyStore{MemoryStore: store.NewMemoryStore()}
	c, _ := newTestCoordinator(t, fs)
	a := newFakeSession("a")
	join(t, c, a, "alice", "conv-1")

	err := c.SendMessage(a, "alice", "Alice", "conv-1", Draft{LocalID: "x", Body: "   "})
	assert.ErrorIs(t, err, apperr.ErrValidation)

	err = c.SendMessage(a, "alice", "Alice", "conv-1", Draft{Body: "no local id"})
	assert.ErrorIs(t, err, apperr.ErrValidation)

	err = c.SendMessage(a, "alice", "Alice", "bad#conv", Draft{LocalID: "x", Body: "hi"})
	assert.ErrorIs(t, err, apperr.ErrValidation)

	assert.Equal(t, 0, fs.attempts)
	assert.Empty(t, a.byType(events.TypeMessage))
}

func TestCoordinator_JoinForbiddenByMembership(t *testing.T) {
	logger := zap.NewNop().Sugar()
	h := hub.New(logger)
	c := New(h, store.NewMemoryStore(), presence.NewMemoryTracker(), forbidAll{}, nil, testConfig(), logger)

	a := newFakeSession("a")
	err := c.Join(context.Background(), a, "alice", "Alice", "conv-1", "")
	assert.ErrorIs(t, err, apperr.ErrForbidden)
	assert.Equal(t, 0, h.Members("conv-1"))
}

// fullSession rejects every frame, as a session with a saturated outbound
// queue would.
type fullSession struct {
	mu     sync.Mutex
	kicked bool
}

func (s *fullSession) ID() string            { return "full" }
func (s *fullSession) Enqueue(_ []byte) bool { return false }

func (s *fullSession) Kick(reason string) {
	s.mu.Lock()
	s.kicked = true
	s.mu.Unlock()
}

func (s *fullSession) wasKicked() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.kicked
}

func TestCoordinator_JoinFailsWhenBackfillCannotBeDelivered(t *testing.T) {
	c, h := newTestCoordinator(t, store.NewMemoryStore())
	s := &fullSession{}

	err := c.Join(context.Background(), s, "alice", "Alice", "conv-1", "")
	require.Error(t, err)
	assert.True(t, s.wasKicked())
	assert.Equal(t, 0, h.Members("conv-1"))
}

func TestCoordinator_JoinReplaysSinceCursor(t *testing.T) {
	st := store.NewMemoryStore()
	ctx := context.Background()
	for _, body := range []string{"m1", "m2", "m3"} {
		_, err := st.AppendMessage(ctx, &models.Message{
			ConversationID: "conv-1", SenderID: "alice", SenderName: "Alice", Body: body,
		})
		require.NoError(t, err)
	}

	c, _ := newTestCoordinator(t, st)
	b := newFakeSession("b")
	require.NoError(t, c.Join(ctx, b, "bob", "Bob", "conv-1", models.Cursor(1)))

	backfills := b.byType(events.TypeBackfill)
	require.Len(t, backfills, 1)
	var bf events.Backfill
	require.NoError(t, backfills[0].Bind(&bf))
	require.Len(t, bf.Messages, 2)
	assert.Equal(t, "m2", bf.Messages[0].Body)
	assert.Equal(t, "m3", bf.Messages[1].Body)
	assert.Equal(t, "3", bf.Cursor)
}

func TestCoordinator_TypingExpiresWithoutStop(t *testing.T) {
	c, _ := newTestCoordinator(t, store.NewMemoryStore())
	a := newFakeSession("a")
	b := newFakeSession("b")
	join(t, c, a, "alice", "conv-1")
	join(t, c, b, "bob", "conv-1")

	require.NoError(t, c.TypingStart(a, "alice", "Alice", "conv-1"))

	require.Eventually(t, func() bool {
		return len(b.byType(events.TypeTypingUpdate)) >= 1
	}, time.Second, 5*time.Millisecond)

	// no explicit stop: the idle window must fire isTyping=false
	require.Eventually(t, func() bool {
		ups := b.byType(events.TypeTypingUpdate)
		if len(ups) < 2 {
			return false
		}
		var st models.TypingState
		require.NoError(t, ups[len(ups)-1].Bind(&st))
		return !st.IsTyping
	}, time.Second, 5*time.Millisecond)

	// the typing user does not hear their own indicator
	assert.Empty(t, a.byType(events.TypeTypingUpdate))
}

func TestCoordinator_TypingRenewalExtendsWindow(t *testing.T) {
	c, _ := newTestCoordinator(t, store.NewMemoryStore())
	a := newFakeSession("a")
	b := newFakeSession("b")
	join(t, c, a, "alice", "conv-1")
	join(t, c, b, "bob", "conv-1")

	require.NoError(t, c.TypingStart(a, "alice", "Alice", "conv-1"))
	time.Sleep(30 * time.Millisecond)
	require.NoError(t, c.TypingStart(a, "alice", "Alice", "conv-1"))
	time.Sleep(40 * time.Millisecond)

	// renewed at t=30ms with a 60ms TTL, so nothing expired yet at t=70ms
	ups := b.byType(events.TypeTypingUpdate)
	require.NotEmpty(t, ups)
	var last models.TypingState
	require.NoError(t, ups[len(ups)-1].Bind(&last))
	assert.True(t, last.IsTyping)

	require.Eventually(t, func() bool {
		ups := b.byType(events.TypeTypingUpdate)
		var st models.TypingState
		require.NoError(t, ups[len(ups)-1].Bind(&st))
		return !st.IsTyping
	}, time.Second, 5*time.Millisecond)
}

func TestCoordinator_MarkReadBroadcastsStatus(t *testing.T) {
	st := store.NewMemoryStore()
	c, _ := newTestCoordinator(t, st)
	a := newFakeSession("a")
	join(t, c, a, "alice", "conv-1")

	id, err := st.AppendMessage(context.Background(), &models.Message{
		ConversationID: "conv-1", SenderID: "bob", SenderName: "Bob", Body: "hi",
	})
	require.NoError(t, err)

	require.NoError(t, c.MarkRead("conv-1", id, models.StatusRead))

	require.Eventually(t, func() bool {
		return len(a.byType(events.TypeMessageStatus)) == 1
	}, time.Second, 5*time.Millisecond)
	var ms events.MessageStatus
	require.NoError(t, a.byType(events.TypeMessageStatus)[0].Bind(&ms))
	assert.Equal(t, id, ms.MessageID)
	assert.Equal(t, models.StatusRead, ms.Status)

	msgs, err := st.Since(context.Background(), "conv-1", "")
	require.NoError(t, err)
	assert.Equal(t, models.StatusRead, msgs[0].DeliveryStatus)
}

func TestCoordinator_SessionClosedReleasesMembershipAndPresence(t *testing.T) {
	st := store.NewMemoryStore()
	c, h := newTestCoordinator(t, st)
	a := newFakeSession("a")
	b := newFakeSession("b")
	join(t, c, a, "alice", "conv-1")
	join(t, c, b, "bob", "conv-1")

	c.SessionClosed(context.Background(), a, "alice", []string{"conv-1"})

	assert.Equal(t, 1, h.Members("conv-1"))

	// the remaining subscriber hears the offline presence update
	require.Eventually(t, func() bool {
		return len(b.byType(events.TypePresenceUpdate)) >= 1
	}, time.Second, 5*time.Millisecond)
	ups := b.byType(events.TypePresenceUpdate)
	var rec models.Presence
	require.NoError(t, ups[len(ups)-1].Bind(&rec))
	assert.Equal(t, "alice", rec.UserID)
	assert.False(t, rec.IsOnline)

	// and the offline record was durably written
	p, ok := st.Presence("alice")
	require.True(t, ok)
	assert.False(t, p.IsOnline)
}
