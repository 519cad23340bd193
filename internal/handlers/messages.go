package handlers

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"messaging-service/internal/apperr"
	"messaging-service/internal/messaging"
	"messaging-service/internal/models"
	"messaging-service/internal/pipeline"
)

// IdempotencyKeyHeader carries the client token when the body omits it.
const IdempotencyKeyHeader = "Idempotency-Key"

type messageService interface {
	Submit(ctx context.Context, origin messaging.Origin, req pipeline.SubmitRequest) (pipeline.Result, error)
	MarkRead(ctx context.Context, origin messaging.Origin, messageID, readerID int64) (models.DeliveryState, error)
	ReadStatus(ctx context.Context, messageID, requesterID int64) ([]models.DeliveryState, error)
	Delete(ctx context.Context, origin messaging.Origin, messageID, requesterID int64) (models.DeletionMarker, error)
	Typing(ctx context.Context, origin messaging.Origin, conversationID, userID int64, stopped bool) (*time.Time, error)
	Heartbeat(ctx context.Context, conversationID, userID int64) error
	Poll(ctx context.Context, conversationID, viewerID, since int64, limit int) (messaging.PollResult, error)
	ListOnline(ctx context.Context, conversationID, requesterID int64) ([]int64, error)
	ListTyping(ctx context.Context, conversationID, requesterID int64) ([]int64, error)
}

// MessageHandler is the request/response fallback for clients without a live channel.
type MessageHandler struct {
	service messageService
}

// NewMessageHandler builds a MessageHandler.
func NewMessageHandler(service messageService) *MessageHandler {
	return &MessageHandler{service: service}
}

func origin(c *gin.Context) messaging.Origin {
	return messaging.Origin{RequestID: requestIDFromContext(c)}
}

// ListMessages returns messages after ?since in seq order.
func (h *MessageHandler) ListMessages(c *gin.Context) {
	convID, ok := parseID(c, "id", "conversation id")
	if !ok {
		return
	}

	var since int64
	if raw := c.Query("since"); raw != "" {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid since", "code": apperr.CodeMalformed})
			return
		}
		since = v
	}
	var limit int
	if raw := c.Query("limit"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit", "code": apperr.CodeMalformed})
			return
		}
		limit = v
	}

	res, err := h.service.Poll(c.Request.Context(), convID, userIDFromContext(c), since, limit)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// PostMessage submits a message. A repeated client token answers 200 with the original message.
func (h *MessageHandler) PostMessage(c *gin.Context) {
	convID, ok := parseID(c, "id", "conversation id")
	if !ok {
		return
	}

	var req struct {
		Text           string `json:"text"`
		SenderLanguage string `json:"sender_language"`
		ClientToken    string `json:"client_token"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "code": apperr.CodeMalformed})
		return
	}
	if req.ClientToken == "" {
		req.ClientToken = c.GetHeader(IdempotencyKeyHeader)
	}

	userID := userIDFromContext(c)
	res, err := h.service.Submit(c.Request.Context(), origin(c), pipeline.SubmitRequest{
		ConversationID: convID,
		SenderID:       userID,
		Text:           req.Text,
		SenderLanguage: req.SenderLanguage,
		ClientToken:    req.ClientToken,
	})
	if err != nil {
		writeError(c, err)
		return
	}

	status := http.StatusCreated
	if res.Duplicate {
		status = http.StatusOK
	}
	c.JSON(status, gin.H{
		"message":   res.Message.ViewFor(userID, ""),
		"duplicate": res.Duplicate,
	})
}

// MarkRead records that the caller has read a message.
func (h *MessageHandler) MarkRead(c *gin.Context) {
	msgID, ok := parseID(c, "id", "message id")
	if !ok {
		return
	}
	state, err := h.service.MarkRead(c.Request.Context(), origin(c), msgID, userIDFromContext(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, state)
}

// ReadStatus lists the read state of every recipient of a message.
func (h *MessageHandler) ReadStatus(c *gin.Context) {
	msgID, ok := parseID(c, "id", "message id")
	if !ok {
		return
	}
	states, err := h.service.ReadStatus(c.Request.Context(), msgID, userIDFromContext(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"reads": states})
}

// DeleteForMe hides a message from the caller's own view.
func (h *MessageHandler) DeleteForMe(c *gin.Context) {
	msgID, ok := parseID(c, "id", "message id")
	if !ok {
		return
	}
	marker, err := h.service.Delete(c.Request.Context(), origin(c), msgID, userIDFromContext(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, marker)
}

// SetTyping starts or stops the caller's typing indicator.
func (h *MessageHandler) SetTyping(c *gin.Context) {
	convID, ok := parseID(c, "id", "conversation id")
	if !ok {
		return
	}
	var req struct {
		Stopped bool `json:"stopped"`
	}
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "code": apperr.CodeMalformed})
			return
		}
	}

	expiresAt, err := h.service.Typing(c.Request.Context(), origin(c), convID, userIDFromContext(c), req.Stopped)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"stopped": req.Stopped, "expires_at": expiresAt})
}

func (h *MessageHandler) ListTyping(c *gin.Context) {
	convID, ok := parseID(c, "id", "conversation id")
	if !ok {
		return
	}
	ids, err := h.service.ListTyping(c.Request.Context(), convID, userIDFromContext(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"typing": nonNil(ids)})
}

// Heartbeat keeps a polling client counted as online.
func (h *MessageHandler) Heartbeat(c *gin.Context) {
	convID, ok := parseID(c, "id", "conversation id")
	if !ok {
		return
	}
	if err := h.service.Heartbeat(c.Request.Context(), convID, userIDFromContext(c)); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *MessageHandler) ListPresence(c *gin.Context) {
	convID, ok := parseID(c, "id", "conversation id")
	if !ok {
		return
	}
	ids, err := h.service.ListOnline(c.Request.Context(), convID, userIDFromContext(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"online": nonNil(ids)})
}

func nonNil(ids []int64) []int64 {
	if ids == nil {
		return []int64{}
	}
	return ids
}
