package mocks

import (
	"context"
	"sync"

	"github.com/stretchr/testify/mock"

	grpcclient "messaging-service/internal/grpc"
	"messaging-service/internal/models"
	"messaging-service/internal/protocol"
)

type TranslatorMock struct {
	mock.Mock
}

func (m *TranslatorMock) Translate(ctx context.Context, text, sourceLanguage, targetLanguage string) (string, error) {
	args := m.Called(ctx, text, sourceLanguage, targetLanguage)
	return args.String(0), args.Error(1)
}

type PublisherMock struct {
	mock.Mock
}

func (m *PublisherMock) Publish(ctx context.Context, routingKey string, event any, headers map[string]string) error {
	args := m.Called(ctx, routingKey, event, headers)
	return args.Error(0)
}

func (m *PublisherMock) Close() error {
	args := m.Called()
	return args.Error(0)
}

type UserClientMock struct {
	mock.Mock
}

func (m *UserClientMock) AreFriends(ctx context.Context, userID, friendID int64) (bool, error) {
	args := m.Called(ctx, userID, friendID)
	return args.Bool(0), args.Error(1)
}

func (m *UserClientMock) GetUser(ctx context.Context, userID int64) (grpcclient.User, error) {
	args := m.Called(ctx, userID)
	var user grpcclient.User
	if val := args.Get(0); val != nil {
		user = val.(grpcclient.User)
	}
	return user, args.Error(1)
}

type AuthClientMock struct {
	mock.Mock
}

func (m *AuthClientMock) ValidateToken(ctx context.Context, token string) (int64, error) {
	args := m.Called(ctx, token)
	return args.Get(0).(int64), args.Error(1)
}

type NotifierMock struct {
	mock.Mock
}

func (m *NotifierMock) MessageCreated(ctx context.Context, conv models.Conversation, msg models.Message) {
	m.Called(ctx, conv, msg)
}

// BroadcastCall is one recorded Broadcast.
type BroadcastCall struct {
	ConversationID   int64
	ExcludeSessionID string
	Render           func(userID int64) (protocol.Frame, bool)
}

// DirectCall is one recorded SendToUser.
type DirectCall struct {
	ConversationID int64
	UserID         int64
	Frame          protocol.Frame
}

// RecordingFanout captures fan-out calls instead of writing to sessions.
type RecordingFanout struct {
	mu         sync.Mutex
	Broadcasts []BroadcastCall
	Directs    []DirectCall
}

func (f *RecordingFanout) Broadcast(conversationID int64, excludeSessionID string, render func(userID int64) (protocol.Frame, bool)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Broadcasts = append(f.Broadcasts, BroadcastCall{ConversationID: conversationID, ExcludeSessionID: excludeSessionID, Render: render})
}

func (f *RecordingFanout) SendToUser(conversationID, userID int64, frame protocol.Frame) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Directs = append(f.Directs, DirectCall{ConversationID: conversationID, UserID: userID, Frame: frame})
}

// BroadcastKinds lists the frame kind each broadcast renders for userID.
func (f *RecordingFanout) BroadcastKinds(userID int64) []protocol.Kind {
	f.mu.Lock()
	defer f.mu.Unlock()
	kinds := make([]protocol.Kind, 0, len(f.Broadcasts))
	for _, call := range f.Broadcasts {
		if frame, ok := call.Render(userID); ok {
			kinds = append(kinds, frame.Type)
		}
	}
	return kinds
}
