package hub

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeSession collects delivered frames and can simulate a full queue.
type fakeSession struct {
	id     string
	mu     sync.Mutex
	frames [][]byte
	full   bool
	kicked bool
}

func newFakeSession(id string) *fakeSession {
	return &fakeSession{id: id}
}

func (s *fakeSession) ID() string { return s.id }

func (s *fakeSession) Enqueue(frame []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.full {
		return false
	}
	s.frames = append(s.frames, frame)
	return true
}

func (s *fakeSession) Kick(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.kicked = true
}

func (s *fakeSession) received() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.frames))
	for i, f := range s.frames {
		out[i] = string(f)
	}
	return out
}

func newTestHub(t *testing.T) *Hub {
	t.Helper()
	return New(zap.NewNop().Sugar())
}

func TestHub_PublishDeliversToAllMembers(t *testing.T) {
	h := newTestHub(t)
	a := newFakeSession("a")
	b := newFakeSession("b")
	h.Join("conv-1", a)
	h.Join("conv-1", b)

	h.Publish("conv-1", "message", []byte("one"))
	h.Publish("conv-1", "message", []byte("two"))

	require.Equal(t, []string{"one", "two"}, a.received())
	require.Equal(t, []string{"one", "two"}, b.received())
}

func TestHub_JoinIsIdempotent(t *testing.T) {
	h := newTestHub(t)
	a := newFakeSession("a")
	h.Join("conv-1", a)
	h.Join("conv-1", a)

	h.Publish("conv-1", "message", []byte("once"))

	assert.Equal(t, []string{"once"}, a.received())
	assert.Equal(t, 1, h.Members("conv-1"))
}

func TestHub_LeaveIsSafeWhenAbsent(t *testing.T) {
	h := newTestHub(t)
	a := newFakeSession("a")

	h.Leave("conv-1", a)
	h.Join("conv-1", a)
	h.Leave("conv-1", a)
	h.Leave("conv-1", a)

	assert.Equal(t, 0, h.Members("conv-1"))
	h.Publish("conv-1", "message", []byte("gone"))
	assert.Empty(t, a.received())
}

func TestHub_SlowSessionIsKickedNotBlocking(t *testing.T) {
	h := newTestHub(t)
	slow := newFakeSession("slow")
	slow.full = true
	fast := newFakeSession("fast")
	h.Join("conv-1", slow)
	h.Join("conv-1", fast)

	h.Publish("conv-1", "message", []byte("hello"))

	assert.True(t, slow.kicked)
	assert.Equal(t, []string{"hello"}, fast.received())
	assert.Equal(t, 1, h.Members("conv-1"))
}

func TestHub_PublishExceptSkipsOriginator(t *testing.T) {
	h := newTestHub(t)
	a := newFakeSession("a")
	b := newFakeSession("b")
	h.Join("conv-1", a)
	h.Join("conv-1", b)

	h.PublishExcept("conv-1", "typing_update", []byte("typing"), "a")

	assert.Empty(t, a.received())
	assert.Equal(t, []string{"typing"}, b.received())
}

func TestHub_ConversationsAreIndependent(t *testing.T) {
	h := newTestHub(t)
	a := newFakeSession("a")
	b := newFakeSession("b")
	h.Join("conv-1", a)
	h.Join("conv-2", b)

	h.Publish("conv-1", "message", []byte("for-a"))

	assert.Equal(t, []string{"for-a"}, a.received())
	assert.Empty(t, b.received())
}

func TestHub_JoinSurvivesConcurrentLeaveCleanup(t *testing.T) {
	h := newTestHub(t)

	// a Join racing the last member's Leave must land in the conversation
	// the hub actually publishes to, not in an object the empty-conversation
	// cleanup just discarded
	for i := 0; i < 5000; i++ {
		a := newFakeSession("a")
		b := newFakeSession("b")
		h.Join("conv-1", a)

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			h.Leave("conv-1", a)
		}()
		go func() {
			defer wg.Done()
			h.Join("conv-1", b)
		}()
		wg.Wait()

		h.Publish("conv-1", "message", []byte("ping"))
		require.Equalf(t, []string{"ping"}, b.received(),
			"iteration %d: joined session invisible to Publish", i)
		h.Leave("conv-1", b)
	}
}

func TestHub_SubscribersObserveSameOrder(t *testing.T) {
	h := newTestHub(t)
	a := newFakeSession("a")
	b := newFakeSession("b")
	h.Join("conv-1", a)
	h.Join("conv-1", b)

	for _, frame := range []string{"m1", "m2", "m3", "m4"} {
		h.Publish("conv-1", "message", []byte(frame))
	}

	require.Equal(t, a.received(), b.received())
}
