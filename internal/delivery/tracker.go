package delivery

import (
	"context"
	"time"

	"go.uber.org/zap"

	"messaging-service/internal/apperr"
	"messaging-service/internal/models"
	"messaging-service/internal/repositories"
)

// ReadResult is the outcome of MarkRead. Created is false when the message had already been read.
type ReadResult struct {
	State   models.DeliveryState
	Message models.Message
	Created bool
}

// DeleteResult is the outcome of DeleteForUser.
type DeleteResult struct {
	Marker  models.DeletionMarker
	Message models.Message
	Created bool
}

// Tracker owns read receipts and per-user deletion markers.
type Tracker struct {
	conversations repositories.ConversationRepository
	messages      repositories.MessageRepository
	deliveries    repositories.DeliveryRepository
	retrier       *repositories.Retrier
	logger        *zap.Logger
	now           func() time.Time
}

func NewTracker(
	conversations repositories.ConversationRepository,
	messages repositories.MessageRepository,
	deliveries repositories.DeliveryRepository,
	retrier *repositories.Retrier,
	logger *zap.Logger,
) *Tracker {
	return &Tracker{
		conversations: conversations,
		messages:      messages,
		deliveries:    deliveries,
		retrier:       retrier,
		logger:        logger,
		now:           func() time.Time { return time.Now().UTC() },
	}
}

// MarkRead records the first read of messageID by readerID. Repeated calls keep the first read_at.
func (t *Tracker) MarkRead(ctx context.Context, messageID, readerID int64) (ReadResult, error) {
	msg, conv, err := t.load(ctx, messageID)
	if err != nil {
		return ReadResult{}, err
	}
	if !conv.HasParticipant(readerID) {
		return ReadResult{}, apperr.Forbidden("not a participant of this conversation")
	}
	if msg.SenderID == readerID {
		return ReadResult{}, apperr.Forbidden("sender cannot mark own message read")
	}

	type marked struct {
		state   models.DeliveryState
		created bool
	}
	at := t.now()
	res, err := repositories.Retry(context.WithoutCancel(ctx), t.retrier, "mark_read", func(ctx context.Context) (marked, error) {
		state, created, err := t.deliveries.MarkRead(ctx, messageID, readerID, at)
		return marked{state: state, created: created}, err
	})
	if err != nil {
		return ReadResult{}, repositories.AsAppError(err, "failed to mark message read")
	}
	return ReadResult{State: res.state, Message: msg, Created: res.created}, nil
}

// GetReadStatus returns one state per recipient of the message. Unread recipients have a nil ReadAt.
func (t *Tracker) GetReadStatus(ctx context.Context, messageID, requesterID int64) ([]models.DeliveryState, error) {
	msg, conv, err := t.load(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if !conv.HasParticipant(requesterID) {
		return nil, apperr.Forbidden("not a participant of this conversation")
	}

	stored, err := repositories.Retry(ctx, t.retrier, "list_read_states", func(ctx context.Context) ([]models.DeliveryState, error) {
		return t.deliveries.ListReadStates(ctx, messageID)
	})
	if err != nil {
		return nil, repositories.AsAppError(err, "failed to load read status")
	}
	byReader := make(map[int64]models.DeliveryState, len(stored))
	for _, state := range stored {
		byReader[state.ReaderID] = state
	}

	recipients := conv.Recipients(msg.SenderID)
	states := make([]models.DeliveryState, 0, len(recipients))
	for _, r := range recipients {
		if state, ok := byReader[r.UserID]; ok {
			states = append(states, state)
			continue
		}
		states = append(states, models.DeliveryState{MessageID: messageID, ReaderID: r.UserID})
	}
	return states, nil
}

// DeleteForUser hides the message from the requester's own view. Only the sender may do this.
func (t *Tracker) DeleteForUser(ctx context.Context, messageID, requesterID int64) (DeleteResult, error) {
	msg, conv, err := t.load(ctx, messageID)
	if err != nil {
		return DeleteResult{}, err
	}
	if !conv.HasParticipant(requesterID) {
		return DeleteResult{}, apperr.Forbidden("not a participant of this conversation")
	}
	if msg.SenderID != requesterID {
		return DeleteResult{}, apperr.Forbidden("only the sender can delete this message")
	}

	type deleted struct {
		marker  models.DeletionMarker
		created bool
	}
	at := t.now()
	res, err := repositories.Retry(context.WithoutCancel(ctx), t.retrier, "create_deletion", func(ctx context.Context) (deleted, error) {
		marker, created, err := t.deliveries.CreateDeletion(ctx, messageID, requesterID, at)
		return deleted{marker: marker, created: created}, err
	})
	if err != nil {
		return DeleteResult{}, repositories.AsAppError(err, "failed to delete message")
	}
	if res.created {
		t.logger.Info("message hidden for sender",
			zap.Int64("message_id", messageID),
			zap.Int64("user_id", requesterID),
		)
	}
	return DeleteResult{Marker: res.marker, Message: msg, Created: res.created}, nil
}

func (t *Tracker) load(ctx context.Context, messageID int64) (models.Message, models.Conversation, error) {
	msg, err := repositories.Retry(ctx, t.retrier, "get_message", func(ctx context.Context) (models.Message, error) {
		return t.messages.GetMessage(ctx, messageID)
	})
	if err != nil {
		return models.Message{}, models.Conversation{}, repositories.AsAppError(err, "failed to load message")
	}
	conv, err := repositories.Retry(ctx, t.retrier, "get_conversation", func(ctx context.Context) (models.Conversation, error) {
		return t.conversations.GetConversation(ctx, msg.ConversationID)
	})
	if err != nil {
		return models.Message{}, models.Conversation{}, repositories.AsAppError(err, "failed to load conversation")
	}
	return msg, conv, nil
}
