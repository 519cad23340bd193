package models

import (
	"errors"
	"time"
)

// ConversationKind distinguishes 1:1 conversations from group rooms.
type ConversationKind string

const (
	KindDirect ConversationKind = "direct"
	KindRoom   ConversationKind = "room"
)

var (
	ErrDirectParticipants = errors.New("direct conversation needs exactly two distinct participants")
	ErrRoomParticipants   = errors.New("room needs at least one participant")
)

// Conversation is a chat thread: a direct conversation or a room.
type Conversation struct {
	ID           int64            `db:"id" json:"id"`
	Kind         ConversationKind `db:"kind" json:"kind"`
	Name         string           `db:"name" json:"name,omitempty"`
	LastSeq      int64            `db:"last_seq" json:"last_seq"`
	CreatedAt    time.Time        `db:"created_at" json:"created_at"`
	Participants []Participant    `db:"-" json:"participants"`
}

// Participant is a member of a conversation with the language they read in.
type Participant struct {
	ConversationID int64     `db:"conversation_id" json:"-"`
	UserID         int64     `db:"user_id" json:"user_id"`
	Language       string    `db:"language" json:"language"`
	JoinedAt       time.Time `db:"joined_at" json:"joined_at"`
}

// Participant returns the participant entry for userID.
func (c Conversation) Participant(userID int64) (Participant, bool) {
	for _, p := range c.Participants {
		if p.UserID == userID {
			return p, true
		}
	}
	return Participant{}, false
}

// HasParticipant reports whether userID belongs to the conversation.
func (c Conversation) HasParticipant(userID int64) bool {
	_, ok := c.Participant(userID)
	return ok
}

// Recipients returns every participant except senderID.
func (c Conversation) Recipients(senderID int64) []Participant {
	out := make([]Participant, 0, len(c.Participants))
	for _, p := range c.Participants {
		if p.UserID != senderID {
			out = append(out, p)
		}
	}
	return out
}

// Validate checks the participant count invariant for the conversation kind.
func (c Conversation) Validate() error {
	distinct := map[int64]struct{}{}
	for _, p := range c.Participants {
		distinct[p.UserID] = struct{}{}
	}
	switch c.Kind {
	case KindDirect:
		if len(c.Participants) != 2 || len(distinct) != 2 {
			return ErrDirectParticipants
		}
	default:
		if len(distinct) == 0 {
			return ErrRoomParticipants
		}
	}
	return nil
}
