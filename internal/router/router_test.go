package router

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"messaging-service/internal/delivery"
	"messaging-service/internal/messaging"
	"messaging-service/internal/mocks"
	"messaging-service/internal/models"
	"messaging-service/internal/pipeline"
	"messaging-service/internal/presence"
	"messaging-service/internal/protocol"
	"messaging-service/internal/repositories"
	"messaging-service/internal/translation"
)

type fakeSession struct {
	mu     sync.Mutex
	id     string
	userID int64
	convID int64
	frames []protocol.Frame
	closed bool
}

func (s *fakeSession) ID() string            { return s.id }
func (s *fakeSession) UserID() int64         { return s.userID }
func (s *fakeSession) ConversationID() int64 { return s.convID }

func (s *fakeSession) Send(frame protocol.Frame) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, frame)
	return true
}

func (s *fakeSession) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
}

func (s *fakeSession) last() protocol.Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frames[len(s.frames)-1]
}

func (s *fakeSession) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.frames)
}

// sessionFanout delivers to a fixed set of fake sessions.
type sessionFanout struct {
	sessions []*fakeSession
}

func (f *sessionFanout) Broadcast(conversationID int64, exclude string, render func(int64) (protocol.Frame, bool)) {
	for _, s := range f.sessions {
		if s.convID != conversationID || s.id == exclude {
			continue
		}
		if frame, ok := render(s.userID); ok {
			s.Send(frame)
		}
	}
}

func (f *sessionFanout) SendToUser(conversationID, userID int64, frame protocol.Frame) {
	for _, s := range f.sessions {
		if s.convID == conversationID && s.userID == userID {
			s.Send(frame)
		}
	}
}

type env struct {
	router *Router
	store  *mocks.MemoryStore
	a, b   *fakeSession
	conv   models.Conversation
}

func newEnv(t *testing.T, translator translation.Translator) env {
	t.Helper()
	logger := zap.NewNop()
	store := mocks.NewMemoryStore()
	retrier := repositories.NewRetrier(1, logger).WithInterval(time.Millisecond)
	svc := messaging.NewService(messaging.Deps{
		Pipeline:      pipeline.New(store, store, translator, 50*time.Millisecond, retrier, logger),
		Tracker:       delivery.NewTracker(store, store, store, retrier, logger),
		Presence:      presence.NewMemoryTracker(time.Minute, 3*time.Second),
		Conversations: store,
		Messages:      store,
		Retrier:       retrier,
		Logger:        logger,
	})

	conv, err := store.CreateOrGetDirect(context.Background(),
		models.Participant{UserID: 1, Language: "tr"},
		models.Participant{UserID: 2, Language: "en"},
	)
	require.NoError(t, err)

	a := &fakeSession{id: "sess-a", userID: 1, convID: conv.ID}
	b := &fakeSession{id: "sess-b", userID: 2, convID: conv.ID}
	svc.SetFanout(&sessionFanout{sessions: []*fakeSession{a, b}})
	return env{router: New(svc, logger), store: store, a: a, b: b, conv: conv}
}

func raw(t *testing.T, kind protocol.Kind, payload string) []byte {
	t.Helper()
	return []byte(`{"type":"` + string(kind) + `","payload":` + payload + `}`)
}

func TestRouteMessageAcksSenderAndBroadcastsTranslation(t *testing.T) {
	translator := new(mocks.TranslatorMock)
	translator.On("Translate", mock.Anything, "Merhaba", "tr", "en").Return("Hello", nil)
	e := newEnv(t, translator)

	err := e.router.Route(context.Background(), e.a, raw(t, protocol.KindMessage,
		`{"conversation_id":1,"participant_id":1,"text":"Merhaba","sender_language":"tr","client_token":"tok-a"}`))
	require.NoError(t, err)

	require.Equal(t, 1, e.a.count())
	ack := e.a.last()
	assert.Equal(t, protocol.KindMessageAck, ack.Type)
	ackPayload := ack.Payload.(protocol.MessageAck)

	require.Equal(t, 1, e.b.count())
	msg := e.b.last()
	assert.Equal(t, protocol.KindMessage, msg.Type)
	view := msg.Payload.(models.MessageView)
	assert.Equal(t, ackPayload.MessageID, view.ID)
	assert.Equal(t, "Merhaba", view.OriginalText)
	require.NotNil(t, view.TranslatedText)
	assert.Equal(t, "Hello", *view.TranslatedText)
}

func TestRouteSameTokenTwiceReturnsFirstIdentity(t *testing.T) {
	e := newEnv(t, translation.Noop{})
	frame := raw(t, protocol.KindMessage, `{"conversation_id":1,"participant_id":1,"text":"hi","sender_language":"tr","client_token":"tok-1"}`)

	require.NoError(t, e.router.Route(context.Background(), e.a, frame))
	first := e.a.last().Payload.(protocol.MessageAck)
	require.NoError(t, e.router.Route(context.Background(), e.a, frame))
	second := e.a.last().Payload.(protocol.MessageAck)

	assert.Equal(t, first.MessageID, second.MessageID)
	assert.True(t, second.Duplicate)
	assert.Equal(t, 1, e.store.MessageCount())
	assert.Equal(t, 1, e.b.count())
}

func TestRouteTranslationFailureStillAcks(t *testing.T) {
	translator := new(mocks.TranslatorMock)
	translator.On("Translate", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return("", assert.AnError)
	e := newEnv(t, translator)

	err := e.router.Route(context.Background(), e.a, raw(t, protocol.KindMessage,
		`{"conversation_id":1,"participant_id":1,"text":"Merhaba","sender_language":"tr"}`))
	require.NoError(t, err)

	assert.Equal(t, protocol.KindMessageAck, e.a.last().Type)
	view := e.b.last().Payload.(models.MessageView)
	assert.Nil(t, view.TranslatedText)
	assert.Equal(t, 1, e.store.MessageCount())
}

func TestRouteUnknownKindIsDropped(t *testing.T) {
	e := newEnv(t, translation.Noop{})

	err := e.router.Route(context.Background(), e.a, []byte(`{"type":"reaction","payload":{"emoji":"+1"}}`))
	require.NoError(t, err)
	err = e.router.Route(context.Background(), e.a, []byte(`{"type":"message_ack","payload":{"message_id":1}}`))
	require.NoError(t, err)

	assert.Zero(t, e.a.count())
	assert.Zero(t, e.b.count())
}

func TestRouteMalformedRepliesToOriginOnly(t *testing.T) {
	e := newEnv(t, translation.Noop{})

	err := e.router.Route(context.Background(), e.a, raw(t, protocol.KindMessage, `{"conversation_id":1,"participant_id":1}`))
	require.Error(t, err)

	require.Equal(t, 1, e.a.count())
	frame := e.a.last()
	assert.Equal(t, protocol.KindError, frame.Type)
	assert.Equal(t, "malformed", frame.Payload.(protocol.ErrorPayload).Code)
	assert.Zero(t, e.b.count())

	err = e.router.Route(context.Background(), e.a, []byte(`not json`))
	require.Error(t, err)
	assert.Equal(t, protocol.KindError, e.a.last().Type)
}

func TestRouteRejectsImpersonation(t *testing.T) {
	e := newEnv(t, translation.Noop{})

	err := e.router.Route(context.Background(), e.a, raw(t, protocol.KindMessage,
		`{"conversation_id":1,"participant_id":2,"text":"hi","sender_language":"en"}`))
	require.Error(t, err)
	assert.Equal(t, "forbidden", e.a.last().Payload.(protocol.ErrorPayload).Code)
	assert.Zero(t, e.store.MessageCount())
	assert.Zero(t, e.b.count())
}

func TestRouteReadReceiptAndDelete(t *testing.T) {
	e := newEnv(t, translation.Noop{})
	ctx := context.Background()
	require.NoError(t, e.router.Route(ctx, e.a, raw(t, protocol.KindMessage,
		`{"conversation_id":1,"participant_id":1,"text":"hi","sender_language":"tr"}`)))
	assert.Equal(t, int64(1), e.a.last().Payload.(protocol.MessageAck).MessageID)

	require.NoError(t, e.router.Route(ctx, e.b, raw(t, protocol.KindReadReceipt, `{"message_id":1,"reader_id":2}`)))
	assert.Equal(t, protocol.KindReadReceipt, e.a.last().Type)
	assert.Equal(t, protocol.KindReadReceipt, e.b.last().Type)

	aFrames := e.a.count()
	err := e.router.Route(ctx, e.b, raw(t, protocol.KindMessageDeleted, `{"message_id":1,"deleted_by":2}`))
	require.Error(t, err)
	assert.Equal(t, "forbidden", e.b.last().Payload.(protocol.ErrorPayload).Code)
	assert.Equal(t, aFrames, e.a.count())

	bFrames := e.b.count()
	require.NoError(t, e.router.Route(ctx, e.a, raw(t, protocol.KindMessageDeleted, `{"message_id":1,"deleted_by":1}`)))
	assert.Equal(t, protocol.KindMessageDeleted, e.a.last().Type)
	assert.Equal(t, bFrames, e.b.count())
}

func TestConnectAndLeave(t *testing.T) {
	e := newEnv(t, translation.Noop{})
	ctx := context.Background()

	require.NoError(t, e.router.Connect(ctx, e.a))
	assert.Equal(t, protocol.KindJoin, e.b.last().Type)
	assert.Zero(t, e.a.count())

	require.NoError(t, e.router.Route(ctx, e.a, raw(t, protocol.KindTyping, `{"conversation_id":1,"participant_id":1}`)))
	assert.Equal(t, protocol.KindTyping, e.b.last().Type)

	require.NoError(t, e.router.Route(ctx, e.a, raw(t, protocol.KindLeave, `{"conversation_id":1,"participant_id":1}`)))
	assert.Equal(t, protocol.KindLeave, e.b.last().Type)
	assert.True(t, e.a.closed)
}
