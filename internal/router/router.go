package router

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.uber.org/zap"

	"messaging-service/internal/apperr"
	"messaging-service/internal/messaging"
	"messaging-service/internal/models"
	"messaging-service/internal/observability"
	"messaging-service/internal/pipeline"
	"messaging-service/internal/protocol"
)

// Session is one live connection as the router sees it.
type Session interface {
	ID() string
	UserID() int64
	ConversationID() int64
	// Send queues a frame without blocking. It reports false when the session is gone or saturated.
	Send(frame protocol.Frame) bool
	Close()
}

// Service is the engine behind the router.
type Service interface {
	Submit(ctx context.Context, origin messaging.Origin, req pipeline.SubmitRequest) (pipeline.Result, error)
	MarkRead(ctx context.Context, origin messaging.Origin, messageID, readerID int64) (models.DeliveryState, error)
	Delete(ctx context.Context, origin messaging.Origin, messageID, requesterID int64) (models.DeletionMarker, error)
	Typing(ctx context.Context, origin messaging.Origin, conversationID, userID int64, stopped bool) (*time.Time, error)
	Join(ctx context.Context, origin messaging.Origin, conversationID, userID int64) error
	Leave(ctx context.Context, origin messaging.Origin, conversationID, userID int64) error
}

// Router decodes client frames and dispatches them by kind.
type Router struct {
	service Service
	logger  *zap.Logger
}

func New(service Service, logger *zap.Logger) *Router {
	return &Router{service: service, logger: logger}
}

// Connect joins the session's conversation on the caller's behalf.
func (r *Router) Connect(ctx context.Context, sess Session) error {
	raw, err := json.Marshal(protocol.NewJoin(sess.ConversationID(), sess.UserID()))
	if err != nil {
		return err
	}
	return r.Route(ctx, sess, raw)
}

// Route handles one raw frame from sess. Errors are reported to sess as error frames;
// the returned error only tells the transport the frame failed.
func (r *Router) Route(ctx context.Context, sess Session, raw []byte) error {
	in, err := protocol.Decode(raw)
	if err != nil {
		return r.rejectDecode(sess, err)
	}

	kind := in.Kind()
	origin := messaging.Origin{SessionID: sess.ID()}
	switch frame := in.(type) {
	case *protocol.Join:
		err = r.checkMembership(sess, frame.ConversationID, frame.ParticipantID)
		if err == nil {
			err = r.service.Join(ctx, origin, frame.ConversationID, frame.ParticipantID)
		}
	case *protocol.Leave:
		err = r.checkMembership(sess, frame.ConversationID, frame.ParticipantID)
		if err == nil {
			err = r.service.Leave(ctx, origin, frame.ConversationID, frame.ParticipantID)
		}
		if err == nil {
			sess.Close()
		}
	case *protocol.SendMessage:
		err = r.handleMessage(ctx, sess, origin, frame)
	case *protocol.Typing:
		err = r.checkMembership(sess, frame.ConversationID, frame.ParticipantID)
		if err == nil {
			_, err = r.service.Typing(ctx, origin, frame.ConversationID, frame.ParticipantID, frame.Stopped)
		}
	case *protocol.DeleteMessage:
		if frame.DeletedBy != sess.UserID() {
			err = apperr.Forbidden("deleted_by must be the session user")
			break
		}
		_, err = r.service.Delete(ctx, origin, frame.MessageID, frame.DeletedBy)
	case *protocol.ReadReceipt:
		if frame.ReaderID != sess.UserID() {
			err = apperr.Forbidden("reader_id must be the session user")
			break
		}
		var state models.DeliveryState
		state, err = r.service.MarkRead(ctx, origin, frame.MessageID, frame.ReaderID)
		if err == nil {
			sess.Send(protocol.NewReadReceipt(state))
		}
	}

	if err != nil {
		observability.IncFrameRouted(string(kind), string(apperr.CodeOf(err)))
		r.replyError(sess, err)
		return err
	}
	observability.IncFrameRouted(string(kind), "ok")
	return nil
}

func (r *Router) handleMessage(ctx context.Context, sess Session, origin messaging.Origin, frame *protocol.SendMessage) error {
	if err := r.checkMembership(sess, frame.ConversationID, frame.ParticipantID); err != nil {
		return err
	}
	res, err := r.service.Submit(ctx, origin, pipeline.SubmitRequest{
		ConversationID: frame.ConversationID,
		SenderID:       frame.ParticipantID,
		Text:           frame.Text,
		SenderLanguage: frame.SenderLanguage,
		ClientToken:    frame.ClientToken,
	})
	if err != nil {
		return err
	}
	sess.Send(protocol.NewAck(res.Message, res.Duplicate))
	return nil
}

func (r *Router) checkMembership(sess Session, conversationID, participantID int64) error {
	if participantID != sess.UserID() {
		return apperr.Forbidden("participant_id must be the session user")
	}
	if conversationID != sess.ConversationID() {
		return apperr.Forbidden("session is bound to another conversation")
	}
	return nil
}

func (r *Router) rejectDecode(sess Session, err error) error {
	switch {
	case errors.Is(err, protocol.ErrUnknownKind), errors.Is(err, protocol.ErrNotInbound):
		observability.IncFrameRouted("unknown", "dropped")
		r.logger.Debug("frame dropped",
			zap.String("session_id", sess.ID()),
			zap.Error(err),
		)
		return nil
	}

	var malformed *protocol.MalformedError
	reason := "malformed frame"
	kind := "unknown"
	if errors.As(err, &malformed) {
		reason = malformed.Reason
		if malformed.Kind != "" {
			kind = string(malformed.Kind)
		}
	}
	observability.IncFrameRouted(kind, string(apperr.CodeMalformed))
	appErr := apperr.Malformed(reason, err)
	r.replyError(sess, appErr)
	return appErr
}

func (r *Router) replyError(sess Session, err error) {
	code := apperr.CodeOf(err)
	if code == apperr.CodeInternal || code == apperr.CodeTransient {
		r.logger.Error("frame failed",
			zap.String("session_id", sess.ID()),
			zap.Int64("user_id", sess.UserID()),
			zap.Error(err),
		)
	}
	sess.Send(protocol.NewError(string(code), apperr.ReasonOf(err)))
}
