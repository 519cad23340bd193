package ws

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"messaging-service/internal/apperr"
	"messaging-service/internal/messaging"
	"messaging-service/internal/models"
	"messaging-service/internal/observability"
	"messaging-service/internal/router"
)

// TokenValidator resolves a bearer token to a user id.
type TokenValidator interface {
	ValidateToken(ctx context.Context, token string) (int64, error)
}

// Engine is what a live session needs from the messaging service.
type Engine interface {
	Authorize(ctx context.Context, conversationID, userID int64) (models.Conversation, error)
	Refresh(ctx context.Context, conversationID, userID int64) error
	Leave(ctx context.Context, origin messaging.Origin, conversationID, userID int64) error
}

// FrameRouter dispatches inbound frames for a session.
type FrameRouter interface {
	Connect(ctx context.Context, sess router.Session) error
	Route(ctx context.Context, sess router.Session, raw []byte) error
}

// Handler upgrades conversation websocket connections.
type Handler struct {
	hub          *Hub
	engine       Engine
	frames       FrameRouter
	auth         TokenValidator
	publisher    observability.EventPublisher
	pingInterval time.Duration
	logger       *zap.Logger
}

func NewHandler(hub *Hub, engine Engine, frames FrameRouter, auth TokenValidator, publisher observability.EventPublisher, pingInterval time.Duration, logger *zap.Logger) *Handler {
	if pingInterval <= 0 {
		pingInterval = DefaultPingInterval
	}
	return &Handler{
		hub:          hub,
		engine:       engine,
		frames:       frames,
		auth:         auth,
		publisher:    publisher,
		pingInterval: pingInterval,
		logger:       logger,
	}
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Handle authenticates, checks membership and only then upgrades the connection.
func (h *Handler) Handle(c *gin.Context) {
	conversationID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || conversationID <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid conversation id"})
		return
	}

	ctx, span := otel.Tracer("messaging-service/ws").Start(c.Request.Context(), "ws.handshake")
	defer span.End()
	c.Request = c.Request.WithContext(ctx)

	userID, err := h.auth.ValidateToken(ctx, bearerToken(c))
	if err != nil || userID == 0 {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}

	if _, err := h.engine.Authorize(ctx, conversationID, userID); err != nil {
		code := apperr.CodeOf(err)
		c.JSON(apperr.HTTPStatus(code), gin.H{"error": apperr.ReasonOf(err), "code": code})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Info("websocket upgrade failed", zap.Error(err))
		return
	}

	client := observability.ClientFromRequest(c.Request)
	info := ConnInfo{
		SessionID:      uuid.NewString(),
		UserID:         userID,
		ConversationID: conversationID,
		DeviceID:       client.DeviceID,
		IP:             client.IP,
		RequestID:      client.RequestID,
		TraceID:        span.SpanContext().TraceID().String(),
		ConnectedAt:    time.Now(),
	}
	sess := newSession(info, conn, h.logger)
	h.hub.Add(sess)
	observability.IncWSActive()
	observability.PublishWSEvent(ctx, h.publisher, info.event("ws_connect", ""))

	sessCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	go sess.writePump(h.pingInterval)
	go func() {
		defer cancel()
		defer h.disconnect(sessCtx, sess)

		if err := h.frames.Connect(sessCtx, sess); err != nil {
			// The client should still read the error frame explaining the refusal.
			sess.closeAfterFlush("join failed")
			select {
			case <-sess.done:
			case <-time.After(2 * writeWait):
			}
			return
		}
		onPong := func() {
			if err := h.engine.Refresh(sessCtx, conversationID, userID); err != nil {
				h.logger.Warn("presence refresh failed", zap.Int64("conversation_id", conversationID), zap.Error(err))
			}
		}
		_ = sess.readPump(sessCtx, h.pingInterval, onPong, func(ctx context.Context, raw []byte) {
			_ = h.frames.Route(ctx, sess, raw)
		})
	}()
}

func (h *Handler) disconnect(ctx context.Context, sess *Session) {
	sess.shutdown("closed")
	remaining := h.hub.Remove(sess)
	observability.DecWSActive()

	if remaining == 0 && !sess.left.Load() {
		if err := h.engine.Leave(ctx, messaging.Origin{SessionID: sess.ID()}, sess.ConversationID(), sess.UserID()); err != nil {
			h.logger.Warn("presence leave failed", zap.Int64("conversation_id", sess.ConversationID()), zap.Error(err))
		}
	}

	reason := sess.closeReason()
	switch reason {
	case "client closed", "leave", "server shutdown":
	default:
		observability.PublishWSEvent(ctx, h.publisher, sess.info.event("ws_error", reason))
	}
	observability.PublishWSEvent(ctx, h.publisher, sess.info.event("ws_disconnect", reason))
}

func bearerToken(c *gin.Context) string {
	header := c.GetHeader("Authorization")
	if header != "" {
		parts := strings.SplitN(header, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "bearer") {
			return strings.TrimSpace(parts[1])
		}
		return ""
	}
	return c.Query("token")
}
