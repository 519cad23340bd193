package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"messaging-service/internal/mocks"
)

func TestEmitPublishesEnvelope(t *testing.T) {
	pub := new(mocks.PublisherMock)
	emitter := NewAuditEmitter(pub, "audit.messaging", "messaging-service", "test", zap.NewNop())

	pub.On("Publish", mock.Anything, "audit.messaging", mock.MatchedBy(func(ev any) bool {
		env, ok := ev.(AuditEnvelope)
		return ok && env.Payload.Text == "Message sent" && env.UserID != nil && *env.UserID == "7" && env.RequestID == "req-1"
	}), map[string]string{"x-request-id": "req-1"}).Return(nil).Once()

	emitter.Emit(context.Background(), "INFO", "Message sent", "req-1", 7)
	pub.AssertExpectations(t)
}

func TestEmitOnNilEmitter(t *testing.T) {
	var emitter *AuditEmitter
	require.NotPanics(t, func() {
		emitter.Emit(context.Background(), "INFO", "x", "", 0)
	})
}

func TestEmitSwallowsPublishError(t *testing.T) {
	pub := new(mocks.PublisherMock)
	emitter := NewAuditEmitter(pub, "audit.messaging", "svc", "test", zap.NewNop())
	pub.On("Publish", mock.Anything, "audit.messaging", mock.Anything, mock.Anything).Return(assert.AnError).Once()

	emitter.Emit(context.Background(), "ERROR", "internal error", "req-2", 0)
	pub.AssertExpectations(t)
}
