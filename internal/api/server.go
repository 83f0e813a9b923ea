// Package api mounts the HTTP surface: the websocket upgrade, the REST
// backfill endpoint and health.
package api

import (
	"context"
	"errors"

	"github.com/gofiber/fiber/v2"
	fiberlogger "github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/websocket/v2"
	"go.uber.org/zap"

	"github.com/fathima-sithara/realtime-service/internal/apperr"
	"github.com/fathima-sithara/realtime-service/internal/auth"
	"github.com/fathima-sithara/realtime-service/internal/config"
	"github.com/fathima-sithara/realtime-service/internal/coordinator"
	"github.com/fathima-sithara/realtime-service/internal/membership"
	"github.com/fathima-sithara/realtime-service/internal/models"
	"github.com/fathima-sithara/realtime-service/internal/session"
	"github.com/fathima-sithara/realtime-service/internal/store"
)

type Server struct {
	coord  *coordinator.Coordinator
	store  store.Store
	authz  membership.Authorizer
	jv     *auth.JWTValidator
	cfg    *config.Config
	logger *zap.SugaredLogger
}

func NewServer(cfg *config.Config, coord *coordinator.Coordinator, st store.Store, authz membership.Authorizer, jv *auth.JWTValidator, logger *zap.SugaredLogger) *fiber.App {
	app := fiber.New(fiber.Config{DisableStartupMessage: cfg.App.Env == "production"})
	app.Use(recover.New())
	app.Use(fiberlogger.New())
	app.Use(newRateLimiter(cfg.RateLimit))

	s := &Server{coord: coord, store: st, authz: authz, jv: jv, cfg: cfg, logger: logger}

	v1 := app.Group("/v1")
	v1.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})

	v1.Get("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	v1.Get("/ws", websocket.New(s.handleWS))

	v1.Get("/conversations/:conversation_id/messages", s.getMessagesSince)

	return app
}

// handleWS authenticates the upgrade and hands the connection to a session.
// The session's Run blocks until the connection drops, which is how the
// fiber websocket handler expects to be used.
func (s *Server) handleWS(conn *websocket.Conn) {
	token := conn.Query("token")
	if token == "" {
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"error","payload":{"code":"forbidden","message":"missing token"}}`))
		_ = conn.Close()
		return
	}
	claims, err := s.jv.Validate(token)
	if err != nil {
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"error","payload":{"code":"forbidden","message":"invalid token"}}`))
		_ = conn.Close()
		return
	}

	sess := session.New(conn, s.coord, claims.UserUUID, claims.DisplayName, session.Config{
		SendBuffer:       s.cfg.WS.SendBuffer,
		PingInterval:     s.cfg.PingInterval,
		WriteDeadline:    s.cfg.WriteDeadline,
		HeartbeatTimeout: s.cfg.HeartbeatTimeout,
		MaxMessageSize:   s.cfg.WS.MaxMessageSizeBytes,
	}, s.logger)
	sess.Run(context.Background())
}

// getMessagesSince is the REST form of reconnect replay, for clients that
// want to page history outside the socket.
func (s *Server) getMessagesSince(c *fiber.Ctx) error {
	tokenStr, err := auth.ParseBearerToken(c.Get("Authorization"))
	if err != nil {
		return fiber.NewError(fiber.StatusUnauthorized, err.Error())
	}
	claims, err := s.jv.Validate(tokenStr)
	if err != nil {
		return fiber.NewError(fiber.StatusUnauthorized, "invalid token")
	}

	conversationID := c.Params("conversation_id")
	if err := s.authz.Authorize(c.Context(), claims.UserUUID, conversationID); err != nil {
		if errors.Is(err, apperr.ErrForbidden) {
			return fiber.NewError(fiber.StatusForbidden, "not a member of this conversation")
		}
		return fiber.NewError(fiber.StatusBadGateway, "membership service unavailable")
	}

	msgs, err := s.store.Since(c.Context(), conversationID, c.Query("after"))
	if err != nil {
		switch {
		case errors.Is(err, apperr.ErrValidation):
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		case errors.Is(err, apperr.ErrStoreUnavailable):
			return fiber.NewError(fiber.StatusServiceUnavailable, "store unavailable")
		default:
			return fiber.NewError(fiber.StatusInternalServerError, "internal error")
		}
	}
	cursor := c.Query("after")
	if n := len(msgs); n > 0 {
		cursor = models.Cursor(msgs[n-1].Seq)
	}
	return c.JSON(fiber.Map{
		"status": "success",
		"data": fiber.Map{
			"conversation_id": conversationID,
			"messages":        msgs,
			"cursor":          cursor,
		},
	})
}
