// Package session owns one live client connection: outbound delivery,
// inbound envelope parsing and liveness.
package session

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/gofiber/websocket/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fathima-sithara/realtime-service/internal/apperr"
	"github.com/fathima-sithara/realtime-service/internal/coordinator"
	"github.com/fathima-sithara/realtime-service/internal/events"
	"github.com/fathima-sithara/realtime-service/internal/metrics"
)

// Conn is the subset of the websocket connection the session uses. The
// concrete *websocket.Conn satisfies it; tests substitute a fake.
type Conn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetReadLimit(limit int64)
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(string) error)
	Close() error
}

type Config struct {
	SendBuffer       int
	PingInterval     time.Duration
	WriteDeadline    time.Duration
	HeartbeatTimeout time.Duration
	MaxMessageSize   int64
}

func (c *Config) fillDefaults() {
	if c.SendBuffer <= 0 {
		c.SendBuffer = 256
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 25 * time.Second
	}
	if c.WriteDeadline <= 0 {
		c.WriteDeadline = 10 * time.Second
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = 30 * time.Second
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = 64 * 1024
	}
}

type Session struct {
	id          string
	userID      string
	displayName string
	conn        Conn
	coord       *coordinator.Coordinator
	logger      *zap.SugaredLogger
	cfg         Config

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once

	// joined is owned by the read loop; the final cleanup reads it after
	// the loop has exited.
	joined map[string]struct{}
}

func New(conn Conn, coord *coordinator.Coordinator, userID, displayName string, cfg Config, logger *zap.SugaredLogger) *Session {
	cfg.fillDefaults()
	return &Session{
		id:          uuid.New().String(),
		userID:      userID,
		displayName: displayName,
		conn:        conn,
		coord:       coord,
		logger:      logger,
		cfg:         cfg,
		send:        make(chan []byte, cfg.SendBuffer),
		done:        make(chan struct{}),
		joined:      make(map[string]struct{}),
	}
}

func (s *Session) ID() string { return s.id }

// Enqueue hands a frame to the writer. It never blocks: false means the
// queue is full and the hub should kick this session.
func (s *Session) Enqueue(frame []byte) bool {
	select {
	case s.send <- frame:
		return true
	case <-s.done:
		return true // already closing; drop silently
	default:
		return false
	}
}

// Kick force-disconnects the session. The read loop unblocks on the closed
// connection and runs the normal cleanup path.
func (s *Session) Kick(reason string) {
	s.logger.Infow("session kicked", "session_id", s.id, "user_id", s.userID, "reason", reason)
	s.close()
}

func (s *Session) close() {
	s.closeOnce.Do(func() {
		close(s.done)
		_ = s.conn.Close()
	})
}

// Run services the connection until it drops, then releases hub membership
// and presence. It blocks the caller (the transport handler goroutine).
func (s *Session) Run(ctx context.Context) {
	metrics.ActiveSessions.Inc()
	defer metrics.ActiveSessions.Dec()

	go s.writePump()
	s.readPump(ctx)

	s.close()
	convs := make([]string, 0, len(s.joined))
	for conv := range s.joined {
		convs = append(convs, conv)
	}
	cleanupCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.coord.SessionClosed(cleanupCtx, s, s.userID, convs)
}

func (s *Session) readPump(ctx context.Context) {
	s.conn.SetReadLimit(s.cfg.MaxMessageSize)
	_ = s.conn.SetReadDeadline(time.Now().Add(s.cfg.HeartbeatTimeout))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(s.cfg.HeartbeatTimeout))
	})

	for {
		mt, data, err := s.conn.ReadMessage()
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				s.logger.Infow("closing session",
					"session_id", s.id, "user_id", s.userID, "err", apperr.ErrSessionDead)
			}
			return
		}
		if mt != websocket.TextMessage {
			continue
		}
		env, err := events.Decode(data)
		if err != nil {
			s.sendError("validation_error", err.Error())
			continue
		}
		s.dispatch(ctx, env)
	}
}

func (s *Session) dispatch(ctx context.Context, env events.Envelope) {
	switch env.Type {
	case events.TypeJoinConversation:
		var p events.JoinConversation
		if err := env.Bind(&p); err != nil {
			s.sendError("validation_error", err.Error())
			return
		}
		if err := s.coord.Join(ctx, s, s.userID, s.displayName, p.ConversationID, p.Cursor); err != nil {
			s.sendError(errorCode(err), err.Error())
			return
		}
		s.joined[p.ConversationID] = struct{}{}

	case events.TypeLeaveConversation:
		var p events.LeaveConversation
		if err := env.Bind(&p); err != nil {
			s.sendError("validation_error", err.Error())
			return
		}
		s.coord.Leave(p.ConversationID, s)
		delete(s.joined, p.ConversationID)

	case events.TypeSendMessage:
		var p events.SendMessage
		if err := env.Bind(&p); err != nil {
			s.sendError("validation_error", err.Error())
			return
		}
		err := s.coord.SendMessage(s, s.userID, s.displayName, p.ConversationID, coordinator.Draft{
			LocalID:       p.LocalID,
			Body:          p.Body,
			AttachmentRef: p.AttachmentRef,
		})
		if err != nil {
			s.sendError(errorCode(err), err.Error())
		}

	case events.TypeTypingStart:
		var p events.Typing
		if err := env.Bind(&p); err != nil {
			return
		}
		_ = s.coord.TypingStart(s, s.userID, s.displayName, p.ConversationID)

	case events.TypeTypingStop:
		var p events.Typing
		if err := env.Bind(&p); err != nil {
			return
		}
		_ = s.coord.TypingStop(s, s.userID, p.ConversationID)

	case events.TypeMarkRead:
		var p events.MarkRead
		if err := env.Bind(&p); err != nil {
			s.sendError("validation_error", err.Error())
			return
		}
		if err := s.coord.MarkRead(p.ConversationID, p.MessageID, p.Status); err != nil {
			s.sendError(errorCode(err), err.Error())
		}

	case events.TypeHeartbeat:
		_ = s.conn.SetReadDeadline(time.Now().Add(s.cfg.HeartbeatTimeout))
		s.coord.Heartbeat(ctx, s.userID)

	default:
		s.sendError("validation_error", "unknown event type "+env.Type)
	}
}

func (s *Session) writePump() {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		s.close()
	}()
	for {
		select {
		case frame := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteDeadline))
			if err := s.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.cfg.WriteDeadline)); err != nil {
				return
			}
		case <-s.done:
			_ = s.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			return
		}
	}
}

func (s *Session) sendError(code, msg string) {
	s.Enqueue(events.MustEncode(events.TypeError, events.Error{Code: code, Message: msg}))
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, apperr.ErrForbidden):
		return "forbidden"
	case errors.Is(err, apperr.ErrValidation):
		return "validation_error"
	case errors.Is(err, apperr.ErrStoreUnavailable):
		return "store_unavailable"
	default:
		return "internal"
	}
}
