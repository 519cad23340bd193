package ws

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
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
	"messaging-service/internal/router"
	"messaging-service/internal/translation"
)

type wsEnv struct {
	server  *httptest.Server
	hub     *Hub
	tracker *presence.MemoryTracker
	conv    models.Conversation
}

func newWSEnv(t *testing.T) wsEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)
	logger := zap.NewNop()
	store := mocks.NewMemoryStore()
	retrier := repositories.NewRetrier(1, logger).WithInterval(time.Millisecond)
	tracker := presence.NewMemoryTracker(time.Minute, 3*time.Second)
	svc := messaging.NewService(messaging.Deps{
		Pipeline:      pipeline.New(store, store, translation.Noop{}, 50*time.Millisecond, retrier, logger),
		Tracker:       delivery.NewTracker(store, store, store, retrier, logger),
		Presence:      tracker,
		Conversations: store,
		Messages:      store,
		Retrier:       retrier,
		Logger:        logger,
	})
	hub := NewHub(logger)
	svc.SetFanout(hub)

	conv, err := store.CreateOrGetDirect(context.Background(),
		models.Participant{UserID: 1, Language: "en"},
		models.Participant{UserID: 2, Language: "en"},
	)
	require.NoError(t, err)

	auth := new(mocks.AuthClientMock)
	auth.On("ValidateToken", mock.Anything, "tok-user-1").Return(int64(1), nil)
	auth.On("ValidateToken", mock.Anything, "tok-user-2").Return(int64(2), nil)
	auth.On("ValidateToken", mock.Anything, "tok-user-3").Return(int64(3), nil)
	auth.On("ValidateToken", mock.Anything, mock.Anything).Return(int64(0), errors.New("invalid token"))

	handler := NewHandler(hub, svc, router.New(svc, logger), auth, nil, time.Second, logger)
	engine := gin.New()
	engine.GET("/ws/conversations/:id", handler.Handle)
	server := httptest.NewServer(engine)
	t.Cleanup(server.Close)
	return wsEnv{server: server, hub: hub, tracker: tracker, conv: conv}
}

func (e wsEnv) url(token string) string {
	return "ws" + strings.TrimPrefix(e.server.URL, "http") + "/ws/conversations/1?token=" + token
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

type wireFrame struct {
	Type    string         `json:"type"`
	Payload map[string]any `json:"payload"`
}

func readFrame(t *testing.T, conn *websocket.Conn) wireFrame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var f wireFrame
	require.NoError(t, conn.ReadJSON(&f))
	return f
}

func TestHandshakeRejectsBadToken(t *testing.T) {
	e := newWSEnv(t)

	_, resp, err := websocket.DefaultDialer.Dial(e.url("nope"), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestHandshakeRejectsNonParticipant(t *testing.T) {
	e := newWSEnv(t)

	_, resp, err := websocket.DefaultDialer.Dial(e.url("tok-user-3"), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestMessageFlowOverWebsocket(t *testing.T) {
	e := newWSEnv(t)
	ctx := context.Background()

	b := dial(t, e.url("tok-user-2"))
	require.Eventually(t, func() bool { return len(e.hub.snapshot(1)) == 1 }, time.Second, 10*time.Millisecond)
	a := dial(t, e.url("tok-user-1"))

	join := readFrame(t, b)
	assert.Equal(t, "join", join.Type)
	assert.Equal(t, float64(1), join.Payload["participant_id"])

	require.Eventually(t, func() bool {
		online, err := e.tracker.ListOnline(ctx, 1)
		return err == nil && len(online) == 2
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, a.WriteJSON(map[string]any{
		"type": "message",
		"payload": map[string]any{
			"conversation_id": 1, "participant_id": 1, "text": "hello", "sender_language": "en", "client_token": "tok-1",
		},
	}))

	ack := readFrame(t, a)
	assert.Equal(t, "message_ack", ack.Type)
	assert.Equal(t, "tok-1", ack.Payload["client_token"])

	msg := readFrame(t, b)
	assert.Equal(t, "message", msg.Type)
	assert.Equal(t, ack.Payload["message_id"], msg.Payload["id"])
	assert.Equal(t, "hello", msg.Payload["original_text"])

	require.NoError(t, a.WriteMessage(websocket.TextMessage, []byte(`{"type":"message","payload":{"conversation_id":1}}`)))
	errFrame := readFrame(t, a)
	assert.Equal(t, "error", errFrame.Type)
	assert.Equal(t, "malformed", errFrame.Payload["code"])

	require.NoError(t, a.Close())
	leave := readFrame(t, b)
	assert.Equal(t, "leave", leave.Type)
	assert.Equal(t, float64(1), leave.Payload["participant_id"])
}

type refusingFrames struct{}

func (refusingFrames) Connect(_ context.Context, sess router.Session) error {
	sess.Send(protocol.NewError("transient", "presence unavailable"))
	return errors.New("join failed")
}

func (refusingFrames) Route(context.Context, router.Session, []byte) error { return nil }

func TestJoinFailureDeliversErrorBeforeClose(t *testing.T) {
	gin.SetMode(gin.TestMode)
	logger := zap.NewNop()
	engine := new(stubEngine)
	auth := new(mocks.AuthClientMock)
	auth.On("ValidateToken", mock.Anything, "tok-user-1").Return(int64(1), nil)

	hub := NewHub(logger)
	handler := NewHandler(hub, engine, refusingFrames{}, auth, nil, time.Second, logger)
	r := gin.New()
	r.GET("/ws/conversations/:id", handler.Handle)
	server := httptest.NewServer(r)
	t.Cleanup(server.Close)

	conn := dial(t, "ws"+strings.TrimPrefix(server.URL, "http")+"/ws/conversations/1?token=tok-user-1")

	frame := readFrame(t, conn)
	assert.Equal(t, "error", frame.Type)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)
	require.Eventually(t, func() bool { return len(hub.snapshot(1)) == 0 }, time.Second, 10*time.Millisecond)
}

type stubEngine struct{}

func (stubEngine) Authorize(context.Context, int64, int64) (models.Conversation, error) {
	return models.Conversation{ID: 1}, nil
}

func (stubEngine) Refresh(context.Context, int64, int64) error { return nil }

func (stubEngine) Leave(context.Context, messaging.Origin, int64, int64) error { return nil }
