package messaging

import (
	"context"
	"time"

	"go.uber.org/zap"

	"messaging-service/internal/apperr"
	"messaging-service/internal/delivery"
	"messaging-service/internal/models"
	"messaging-service/internal/pipeline"
	"messaging-service/internal/presence"
	"messaging-service/internal/protocol"
	"messaging-service/internal/repositories"
	"messaging-service/internal/telemetry"
)

const (
	DefaultPollLimit = 50
	MaxPollLimit     = 200
)

// Fanout delivers frames to live sessions.
type Fanout interface {
	// Broadcast sends render(userID) to every session in the conversation except excludeSessionID.
	// Sessions whose render returns false are skipped.
	Broadcast(conversationID int64, excludeSessionID string, render func(userID int64) (protocol.Frame, bool))
	// SendToUser sends frame to every session userID holds in the conversation.
	SendToUser(conversationID, userID int64, frame protocol.Frame)
}

// Notifier is told about every newly persisted message. It must not block.
type Notifier interface {
	MessageCreated(ctx context.Context, conv models.Conversation, msg models.Message)
}

// Origin identifies where a call came from. SessionID is empty for polling clients.
type Origin struct {
	SessionID string
	RequestID string
}

// Service is the single entry point shared by the live channel and the poller.
type Service struct {
	pipeline      *pipeline.Pipeline
	tracker       *delivery.Tracker
	presence      presence.Tracker
	conversations repositories.ConversationRepository
	messages      repositories.MessageRepository
	retrier       *repositories.Retrier
	fanout        Fanout
	notifier      Notifier
	audit         *telemetry.AuditEmitter
	logger        *zap.Logger
}

type Deps struct {
	Pipeline      *pipeline.Pipeline
	Tracker       *delivery.Tracker
	Presence      presence.Tracker
	Conversations repositories.ConversationRepository
	Messages      repositories.MessageRepository
	Retrier       *repositories.Retrier
	Notifier      Notifier
	Audit         *telemetry.AuditEmitter
	Logger        *zap.Logger
}

func NewService(deps Deps) *Service {
	notifier := deps.Notifier
	if notifier == nil {
		notifier = noopNotifier{}
	}
	return &Service{
		pipeline:      deps.Pipeline,
		tracker:       deps.Tracker,
		presence:      deps.Presence,
		conversations: deps.Conversations,
		messages:      deps.Messages,
		retrier:       deps.Retrier,
		fanout:        noopFanout{},
		notifier:      notifier,
		audit:         deps.Audit,
		logger:        deps.Logger,
	}
}

// SetFanout attaches the live session hub. The hub needs the service too, so it is wired after construction.
func (s *Service) SetFanout(f Fanout) {
	if f == nil {
		f = noopFanout{}
	}
	s.fanout = f
}

// Submit runs the pipeline and fans the new message out to every other session in seq order.
// Duplicates are returned to the caller but never re-broadcast.
func (s *Service) Submit(ctx context.Context, origin Origin, req pipeline.SubmitRequest) (pipeline.Result, error) {
	res, err := s.pipeline.SubmitAndDeliver(ctx, req, func(res pipeline.Result) {
		languages := languagesOf(res.Conversation)
		msg := res.Message
		s.fanout.Broadcast(msg.ConversationID, origin.SessionID, func(userID int64) (protocol.Frame, bool) {
			language, ok := languages[userID]
			if !ok {
				return protocol.Frame{}, false
			}
			return protocol.NewMessage(msg.ViewFor(userID, language)), true
		})
	})
	if err != nil {
		return pipeline.Result{}, err
	}
	if res.Duplicate {
		return res, nil
	}

	s.notifier.MessageCreated(ctx, res.Conversation, res.Message)
	s.audit.Emit(ctx, "INFO", "Message sent", origin.RequestID, req.SenderID)
	return res, nil
}

// MarkRead records a read receipt and tells the other sessions the first time it happens.
func (s *Service) MarkRead(ctx context.Context, origin Origin, messageID, readerID int64) (models.DeliveryState, error) {
	res, err := s.tracker.MarkRead(ctx, messageID, readerID)
	if err != nil {
		return models.DeliveryState{}, err
	}
	if res.Created {
		frame := protocol.NewReadReceipt(res.State)
		s.fanout.Broadcast(res.Message.ConversationID, origin.SessionID, everyone(frame))
	}
	return res.State, nil
}

func (s *Service) ReadStatus(ctx context.Context, messageID, requesterID int64) ([]models.DeliveryState, error) {
	return s.tracker.GetReadStatus(ctx, messageID, requesterID)
}

// Delete hides a message for its sender. Only the sender's own sessions hear about it.
func (s *Service) Delete(ctx context.Context, origin Origin, messageID, requesterID int64) (models.DeletionMarker, error) {
	res, err := s.tracker.DeleteForUser(ctx, messageID, requesterID)
	if err != nil {
		return models.DeletionMarker{}, err
	}
	s.fanout.SendToUser(res.Message.ConversationID, requesterID, protocol.NewDeleted(res.Marker))
	if res.Created {
		s.audit.Emit(ctx, "INFO", "Message deleted for sender", origin.RequestID, requesterID)
	}
	return res.Marker, nil
}

// Typing sets or clears the typing indicator. The returned expiry is nil when stopped.
func (s *Service) Typing(ctx context.Context, origin Origin, conversationID, userID int64, stopped bool) (*time.Time, error) {
	if _, err := s.authorize(ctx, conversationID, userID); err != nil {
		return nil, err
	}

	var expiresAt *time.Time
	if stopped {
		if err := s.presence.StopTyping(ctx, conversationID, userID); err != nil {
			return nil, apperr.Transient("presence unavailable", err)
		}
	} else {
		at, err := s.presence.SetTyping(ctx, conversationID, userID)
		if err != nil {
			return nil, apperr.Transient("presence unavailable", err)
		}
		expiresAt = &at
	}
	s.fanout.Broadcast(conversationID, origin.SessionID, everyone(protocol.NewTyping(conversationID, userID, stopped, expiresAt)))
	return expiresAt, nil
}

// Join marks the user online and announces it.
func (s *Service) Join(ctx context.Context, origin Origin, conversationID, userID int64) error {
	if _, err := s.authorize(ctx, conversationID, userID); err != nil {
		return err
	}
	if err := s.presence.Join(ctx, conversationID, userID); err != nil {
		return apperr.Transient("presence unavailable", err)
	}
	s.fanout.Broadcast(conversationID, origin.SessionID, everyone(protocol.NewJoin(conversationID, userID)))
	return nil
}

// Leave marks the user offline and announces it.
func (s *Service) Leave(ctx context.Context, origin Origin, conversationID, userID int64) error {
	if err := s.presence.Leave(ctx, conversationID, userID); err != nil {
		return apperr.Transient("presence unavailable", err)
	}
	s.fanout.Broadcast(conversationID, origin.SessionID, everyone(protocol.NewLeave(conversationID, userID)))
	return nil
}

// Heartbeat keeps a polling client's presence alive.
func (s *Service) Heartbeat(ctx context.Context, conversationID, userID int64) error {
	if _, err := s.authorize(ctx, conversationID, userID); err != nil {
		return err
	}
	return s.Refresh(ctx, conversationID, userID)
}

// Refresh extends presence for a session that was already authorized.
func (s *Service) Refresh(ctx context.Context, conversationID, userID int64) error {
	if err := s.presence.Heartbeat(ctx, conversationID, userID); err != nil {
		return apperr.Transient("presence unavailable", err)
	}
	return nil
}

// PollResult is one page of messages after a cursor.
type PollResult struct {
	Messages   []models.MessageView `json:"messages"`
	NextCursor int64                `json:"next_cursor"`
}

// Poll returns messages after the since cursor in seq order, rendered for the viewer.
func (s *Service) Poll(ctx context.Context, conversationID, viewerID, since int64, limit int) (PollResult, error) {
	conv, err := s.authorize(ctx, conversationID, viewerID)
	if err != nil {
		return PollResult{}, err
	}
	if since < 0 {
		return PollResult{}, apperr.Malformed("since must not be negative", nil)
	}
	if limit <= 0 {
		limit = DefaultPollLimit
	}
	if limit > MaxPollLimit {
		limit = MaxPollLimit
	}

	msgs, err := repositories.Retry(ctx, s.retrier, "list_since", func(ctx context.Context) ([]models.Message, error) {
		return s.messages.ListSince(ctx, conversationID, viewerID, since, limit)
	})
	if err != nil {
		return PollResult{}, repositories.AsAppError(err, "failed to load messages")
	}

	viewer, _ := conv.Participant(viewerID)
	res := PollResult{Messages: make([]models.MessageView, 0, len(msgs)), NextCursor: since}
	for _, msg := range msgs {
		res.Messages = append(res.Messages, msg.ViewFor(viewerID, viewer.Language))
		res.NextCursor = msg.Seq
	}
	return res, nil
}

func (s *Service) ListOnline(ctx context.Context, conversationID, requesterID int64) ([]int64, error) {
	if _, err := s.authorize(ctx, conversationID, requesterID); err != nil {
		return nil, err
	}
	ids, err := s.presence.ListOnline(ctx, conversationID)
	if err != nil {
		return nil, apperr.Transient("presence unavailable", err)
	}
	return ids, nil
}

func (s *Service) ListTyping(ctx context.Context, conversationID, requesterID int64) ([]int64, error) {
	if _, err := s.authorize(ctx, conversationID, requesterID); err != nil {
		return nil, err
	}
	ids, err := s.presence.ListTyping(ctx, conversationID)
	if err != nil {
		return nil, apperr.Transient("presence unavailable", err)
	}
	return ids, nil
}

// Authorize loads the conversation and checks that userID belongs to it.
func (s *Service) Authorize(ctx context.Context, conversationID, userID int64) (models.Conversation, error) {
	return s.authorize(ctx, conversationID, userID)
}

func (s *Service) authorize(ctx context.Context, conversationID, userID int64) (models.Conversation, error) {
	conv, err := repositories.Retry(ctx, s.retrier, "get_conversation", func(ctx context.Context) (models.Conversation, error) {
		return s.conversations.GetConversation(ctx, conversationID)
	})
	if err != nil {
		return models.Conversation{}, repositories.AsAppError(err, "failed to load conversation")
	}
	if !conv.HasParticipant(userID) {
		return models.Conversation{}, apperr.Forbidden("not a participant of this conversation")
	}
	return conv, nil
}

func languagesOf(conv models.Conversation) map[int64]string {
	out := make(map[int64]string, len(conv.Participants))
	for _, p := range conv.Participants {
		out[p.UserID] = p.Language
	}
	return out
}

func everyone(frame protocol.Frame) func(int64) (protocol.Frame, bool) {
	return func(int64) (protocol.Frame, bool) { return frame, true }
}

type noopFanout struct{}

func (noopFanout) Broadcast(int64, string, func(int64) (protocol.Frame, bool)) {}
func (noopFanout) SendToUser(int64, int64, protocol.Frame)                     {}

type noopNotifier struct{}

func (noopNotifier) MessageCreated(context.Context, models.Conversation, models.Message) {}
