package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	grpcclient "messaging-service/internal/grpc"
	"messaging-service/internal/models"
	"messaging-service/internal/repositories"
	"messaging-service/internal/telemetry"
)

type userClient interface {
	AreFriends(ctx context.Context, userID, friendID int64) (bool, error)
	GetUser(ctx context.Context, userID int64) (grpcclient.User, error)
}

// ConversationHandler manages direct conversations and rooms.
type ConversationHandler struct {
	conversations repositories.ConversationRepository
	users         userClient
	audit         *telemetry.AuditEmitter
	logger        *zap.Logger
}

// NewConversationHandler builds a ConversationHandler.
func NewConversationHandler(conversations repositories.ConversationRepository, users userClient, audit *telemetry.AuditEmitter, logger *zap.Logger) *ConversationHandler {
	return &ConversationHandler{conversations: conversations, users: users, audit: audit, logger: logger}
}

// ListConversations returns the conversations the caller participates in.
func (h *ConversationHandler) ListConversations(c *gin.Context) {
	userID := userIDFromContext(c)

	convs, err := h.conversations.ListForUser(c.Request.Context(), userID)
	if err != nil {
		writeError(c, repositories.AsAppError(err, "failed to load conversations"))
		return
	}
	if convs == nil {
		convs = []models.Conversation{}
	}
	c.JSON(http.StatusOK, gin.H{"conversations": convs})
}

// StartDirect creates or returns the direct conversation with a friend.
func (h *ConversationHandler) StartDirect(c *gin.Context) {
	var req struct {
		PeerID int64 `json:"peer_id" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	userID := userIDFromContext(c)
	if userID == req.PeerID {
		c.JSON(http.StatusBadRequest, gin.H{"error": "cannot chat with yourself"})
		return
	}

	friends, err := h.users.AreFriends(c.Request.Context(), userID, req.PeerID)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": "failed to validate friendship"})
		return
	}
	if !friends {
		c.JSON(http.StatusForbidden, gin.H{"error": "users are not friends"})
		return
	}

	members, ok := h.resolveMembers(c, []int64{userID, req.PeerID})
	if !ok {
		return
	}

	conv, err := h.conversations.CreateOrGetDirect(c.Request.Context(), members[0], members[1])
	if err != nil {
		writeError(c, repositories.AsAppError(err, "could not create conversation"))
		return
	}
	c.JSON(http.StatusOK, conv)
}

// CreateRoom creates a room. The creator is always a member.
func (h *ConversationHandler) CreateRoom(c *gin.Context) {
	var req struct {
		Name      string  `json:"name" binding:"required"`
		MemberIDs []int64 `json:"member_ids"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "name is required"})
		return
	}

	userID := userIDFromContext(c)
	ids := []int64{userID}
	seen := map[int64]struct{}{userID: {}}
	for _, id := range req.MemberIDs {
		if id <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid member id"})
			return
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}

	members, ok := h.resolveMembers(c, ids)
	if !ok {
		return
	}

	conv, err := h.conversations.CreateRoom(c.Request.Context(), req.Name, members)
	if err != nil {
		writeError(c, repositories.AsAppError(err, "could not create room"))
		return
	}
	h.audit.Emit(c.Request.Context(), "INFO", "Room created", requestIDFromContext(c), userID)
	c.JSON(http.StatusCreated, conv)
}

// resolveMembers looks up each user's preferred language.
func (h *ConversationHandler) resolveMembers(c *gin.Context, ids []int64) ([]models.Participant, bool) {
	members := make([]models.Participant, 0, len(ids))
	for _, id := range ids {
		user, err := h.users.GetUser(c.Request.Context(), id)
		if errors.Is(err, grpcclient.ErrUserNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "user not found"})
			return nil, false
		}
		if err != nil {
			h.logger.Warn("user lookup failed", zap.Int64("user_id", id), zap.Error(err))
			c.JSON(http.StatusBadGateway, gin.H{"error": "failed to load user info"})
			return nil, false
		}
		members = append(members, models.Participant{UserID: user.ID, Language: user.Language})
	}
	return members, true
}
