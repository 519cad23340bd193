package protocol

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"messaging-service/internal/models"
)

func TestDecodeMessage(t *testing.T) {
	raw := []byte(`{"type":"message","payload":{"conversation_id":4,"participant_id":1,"text":"Merhaba","sender_language":"tr","client_token":"tok-1"}}`)

	in, err := Decode(raw)
	require.NoError(t, err)

	msg, ok := in.(*SendMessage)
	require.True(t, ok)
	assert.Equal(t, int64(4), msg.ConversationID)
	assert.Equal(t, "Merhaba", msg.Text)
	assert.Equal(t, "tok-1", msg.ClientToken)
	assert.Equal(t, KindMessage, in.Kind())
}

func TestDecodeUnknownKind(t *testing.T) {
	_, err := Decode([]byte(`{"type":"reaction","payload":{"emoji":"+1"}}`))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnknownKind))
}

func TestDecodeServerOnlyKind(t *testing.T) {
	_, err := Decode([]byte(`{"type":"message_ack","payload":{"message_id":1}}`))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotInbound))
}

func TestDecodeMalformed(t *testing.T) {
	cases := map[string]string{
		"invalid json":      `{"type":`,
		"missing type":      `{"payload":{}}`,
		"missing payload":   `{"type":"join"}`,
		"wrong field type":  `{"type":"join","payload":{"conversation_id":"x","participant_id":1}}`,
		"missing text":      `{"type":"message","payload":{"conversation_id":1,"participant_id":1,"sender_language":"en"}}`,
		"missing language":  `{"type":"message","payload":{"conversation_id":1,"participant_id":1,"text":"hi"}}`,
		"missing reader":    `{"type":"read_receipt","payload":{"message_id":3}}`,
		"missing deletedBy": `{"type":"message_deleted","payload":{"message_id":3}}`,
		"missing conv":      `{"type":"typing","payload":{"participant_id":3}}`,
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Decode([]byte(raw))
			var malformed *MalformedError
			require.ErrorAs(t, err, &malformed)
		})
	}
}

func TestDecodeTextTooLong(t *testing.T) {
	payload, err := json.Marshal(map[string]any{
		"type": "message",
		"payload": map[string]any{
			"conversation_id": 1,
			"participant_id":  1,
			"text":            strings.Repeat("a", MaxTextLength+1),
			"sender_language": "en",
		},
	})
	require.NoError(t, err)

	_, err = Decode(payload)
	var malformed *MalformedError
	require.ErrorAs(t, err, &malformed)
	assert.Equal(t, KindMessage, malformed.Kind)
}

func TestNewAckCarriesToken(t *testing.T) {
	token := "tok-9"
	msg := models.Message{ID: 12, ConversationID: 3, Seq: 7, ClientToken: &token, CreatedAt: time.Unix(100, 0)}

	frame := NewAck(msg, true)
	require.Equal(t, KindMessageAck, frame.Type)

	ack, ok := frame.Payload.(MessageAck)
	require.True(t, ok)
	assert.Equal(t, int64(12), ack.MessageID)
	assert.Equal(t, int64(7), ack.Seq)
	assert.Equal(t, "tok-9", ack.ClientToken)
	assert.True(t, ack.Duplicate)
}

func TestErrorFrameEncoding(t *testing.T) {
	data, err := json.Marshal(NewError("forbidden", "not a participant"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"error","payload":{"code":"forbidden","message":"not a participant"}}`, string(data))
}
