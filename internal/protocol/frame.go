package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"messaging-service/internal/models"
)

// Kind is the closed set of frame types.
type Kind string

const (
	KindJoin           Kind = "join"
	KindLeave          Kind = "leave"
	KindMessage        Kind = "message"
	KindTyping         Kind = "typing"
	KindMessageAck     Kind = "message_ack"
	KindMessageDeleted Kind = "message_deleted"
	KindReadReceipt    Kind = "read_receipt"
	KindError          Kind = "error"
)

// MaxTextLength bounds the message body in bytes.
const MaxTextLength = 4096

var (
	ErrUnknownKind = errors.New("unknown frame kind")
	ErrNotInbound  = errors.New("frame kind is server-only")
)

// Known reports whether k belongs to the protocol.
func (k Kind) Known() bool {
	switch k {
	case KindJoin, KindLeave, KindMessage, KindTyping, KindMessageAck,
		KindMessageDeleted, KindReadReceipt, KindError:
		return true
	}
	return false
}

// Frame is one protocol message as written to the wire.
type Frame struct {
	Type    Kind `json:"type"`
	Payload any  `json:"payload,omitempty"`
}

type envelope struct {
	Type    Kind            `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// MalformedError reports a frame that failed schema validation.
type MalformedError struct {
	Kind   Kind
	Reason string
	Err    error
}

func (e *MalformedError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("malformed %s frame: %s: %v", e.Kind, e.Reason, e.Err)
	}
	return fmt.Sprintf("malformed %s frame: %s", e.Kind, e.Reason)
}

func (e *MalformedError) Unwrap() error { return e.Err }

// Inbound is a decoded client frame. Implementations: *Join, *Leave,
// *SendMessage, *Typing, *DeleteMessage, *ReadReceipt.
type Inbound interface {
	Kind() Kind
	validate() error
}

// Join announces a participant entering a conversation.
type Join struct {
	ConversationID int64 `json:"conversation_id"`
	ParticipantID  int64 `json:"participant_id"`
}

// Leave announces a participant leaving a conversation.
type Leave struct {
	ConversationID int64 `json:"conversation_id"`
	ParticipantID  int64 `json:"participant_id"`
}

// SendMessage is a client draft submission.
type SendMessage struct {
	ConversationID int64  `json:"conversation_id"`
	ParticipantID  int64  `json:"participant_id"`
	Text           string `json:"text"`
	SenderLanguage string `json:"sender_language"`
	ClientToken    string `json:"client_token,omitempty"`
}

// Typing signals typing activity. Stopped clears it early.
type Typing struct {
	ConversationID int64      `json:"conversation_id"`
	ParticipantID  int64      `json:"participant_id"`
	Stopped        bool       `json:"stopped,omitempty"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty"`
}

// DeleteMessage asks to hide a message from the requester's view. Outbound
// it is the message_deleted notice with DeletedAt filled in.
type DeleteMessage struct {
	MessageID int64      `json:"message_id"`
	DeletedBy int64      `json:"deleted_by"`
	DeletedAt *time.Time `json:"deleted_at,omitempty"`
}

// ReadReceipt marks a message read. ReadAt is assigned by the server.
type ReadReceipt struct {
	MessageID int64      `json:"message_id"`
	ReaderID  int64      `json:"reader_id"`
	ReadAt    *time.Time `json:"read_at,omitempty"`
}

// MessageAck confirms a submission to its sender.
type MessageAck struct {
	MessageID      int64     `json:"message_id"`
	ConversationID int64     `json:"conversation_id"`
	Seq            int64     `json:"seq"`
	ClientToken    string    `json:"client_token,omitempty"`
	Duplicate      bool      `json:"duplicate,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// ErrorPayload is sent to the originating session only.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (*Join) Kind() Kind          { return KindJoin }
func (*Leave) Kind() Kind         { return KindLeave }
func (*SendMessage) Kind() Kind   { return KindMessage }
func (*Typing) Kind() Kind        { return KindTyping }
func (*DeleteMessage) Kind() Kind { return KindMessageDeleted }
func (*ReadReceipt) Kind() Kind   { return KindReadReceipt }

func (j *Join) validate() error {
	return requireMembership(j.ConversationID, j.ParticipantID)
}

func (l *Leave) validate() error {
	return requireMembership(l.ConversationID, l.ParticipantID)
}

func (m *SendMessage) validate() error {
	if err := requireMembership(m.ConversationID, m.ParticipantID); err != nil {
		return err
	}
	if strings.TrimSpace(m.Text) == "" {
		return errors.New("text is required")
	}
	if len(m.Text) > MaxTextLength {
		return fmt.Errorf("text exceeds %d bytes", MaxTextLength)
	}
	if strings.TrimSpace(m.SenderLanguage) == "" {
		return errors.New("sender_language is required")
	}
	if len(m.ClientToken) > 128 {
		return errors.New("client_token exceeds 128 bytes")
	}
	return nil
}

func (t *Typing) validate() error {
	return requireMembership(t.ConversationID, t.ParticipantID)
}

func (d *DeleteMessage) validate() error {
	if d.MessageID <= 0 {
		return errors.New("message_id is required")
	}
	if d.DeletedBy <= 0 {
		return errors.New("deleted_by is required")
	}
	return nil
}

func (r *ReadReceipt) validate() error {
	if r.MessageID <= 0 {
		return errors.New("message_id is required")
	}
	if r.ReaderID <= 0 {
		return errors.New("reader_id is required")
	}
	return nil
}

func requireMembership(conversationID, participantID int64) error {
	if conversationID <= 0 {
		return errors.New("conversation_id is required")
	}
	if participantID <= 0 {
		return errors.New("participant_id is required")
	}
	return nil
}

// Decode parses a raw client frame. It returns ErrUnknownKind (wrapped) for
// kinds outside the protocol, ErrNotInbound for server-only kinds, and a
// *MalformedError when the frame does not match its declared schema.
func Decode(raw []byte) (Inbound, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, &MalformedError{Reason: "invalid json", Err: err}
	}
	if env.Type == "" {
		return nil, &MalformedError{Reason: "type is required"}
	}
	if !env.Type.Known() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, env.Type)
	}

	var in Inbound
	switch env.Type {
	case KindJoin:
		in = &Join{}
	case KindLeave:
		in = &Leave{}
	case KindMessage:
		in = &SendMessage{}
	case KindTyping:
		in = &Typing{}
	case KindMessageDeleted:
		in = &DeleteMessage{}
	case KindReadReceipt:
		in = &ReadReceipt{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrNotInbound, env.Type)
	}

	if len(env.Payload) == 0 || string(env.Payload) == "null" {
		return nil, &MalformedError{Kind: env.Type, Reason: "payload is required"}
	}
	if err := json.Unmarshal(env.Payload, in); err != nil {
		return nil, &MalformedError{Kind: env.Type, Reason: "payload does not match schema", Err: err}
	}
	if err := in.validate(); err != nil {
		return nil, &MalformedError{Kind: env.Type, Reason: err.Error()}
	}
	return in, nil
}

// NewError builds an error frame.
func NewError(code, message string) Frame {
	return Frame{Type: KindError, Payload: ErrorPayload{Code: code, Message: message}}
}

// NewMessage builds a message frame carrying a rendered view.
func NewMessage(view models.MessageView) Frame {
	return Frame{Type: KindMessage, Payload: view}
}

// NewAck builds the sender acknowledgment for a persisted message.
func NewAck(msg models.Message, duplicate bool) Frame {
	ack := MessageAck{
		MessageID:      msg.ID,
		ConversationID: msg.ConversationID,
		Seq:            msg.Seq,
		Duplicate:      duplicate,
		CreatedAt:      msg.CreatedAt,
	}
	if msg.ClientToken != nil {
		ack.ClientToken = *msg.ClientToken
	}
	return Frame{Type: KindMessageAck, Payload: ack}
}

// NewDeleted builds a message_deleted notice from a marker.
func NewDeleted(marker models.DeletionMarker) Frame {
	at := marker.DeletedAt
	return Frame{Type: KindMessageDeleted, Payload: DeleteMessage{
		MessageID: marker.MessageID,
		DeletedBy: marker.DeletedBy,
		DeletedAt: &at,
	}}
}

// NewReadReceipt builds a read_receipt notice from a delivery state.
func NewReadReceipt(state models.DeliveryState) Frame {
	return Frame{Type: KindReadReceipt, Payload: ReadReceipt{
		MessageID: state.MessageID,
		ReaderID:  state.ReaderID,
		ReadAt:    state.ReadAt,
	}}
}

// NewTyping builds a typing notice.
func NewTyping(conversationID, participantID int64, stopped bool, expiresAt *time.Time) Frame {
	return Frame{Type: KindTyping, Payload: Typing{
		ConversationID: conversationID,
		ParticipantID:  participantID,
		Stopped:        stopped,
		ExpiresAt:      expiresAt,
	}}
}

// NewJoin builds a join notice.
func NewJoin(conversationID, participantID int64) Frame {
	return Frame{Type: KindJoin, Payload: Join{ConversationID: conversationID, ParticipantID: participantID}}
}

// NewLeave builds a leave notice.
func NewLeave(conversationID, participantID int64) Frame {
	return Frame{Type: KindLeave, Payload: Leave{ConversationID: conversationID, ParticipantID: participantID}}
}
