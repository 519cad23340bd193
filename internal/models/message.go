package models

import "time"

// Message is a persisted chat message. Text fields never change after creation.
type Message struct {
	ID               int64     `db:"id" json:"id"`
	ConversationID   int64     `db:"conversation_id" json:"conversation_id"`
	Seq              int64     `db:"seq" json:"seq"`
	SenderID         int64     `db:"sender_id" json:"sender_id"`
	ClientToken      *string   `db:"client_token" json:"client_token,omitempty"`
	OriginalText     string    `db:"original_text" json:"original_text"`
	OriginalLanguage string    `db:"original_language" json:"original_language"`
	CreatedAt        time.Time `db:"created_at" json:"created_at"`

	// Translations maps a target language to the translated text.
	Translations map[string]string `db:"-" json:"-"`
}

// NewMessage is the input for persisting a message.
type NewMessage struct {
	ConversationID int64
	SenderID       int64
	ClientToken    string
	Text           string
	Language       string
	Translations   map[string]string
}

// MessageView is a message rendered for one viewer.
type MessageView struct {
	ID               int64     `json:"id"`
	ConversationID   int64     `json:"conversation_id"`
	Seq              int64     `json:"seq"`
	SenderID         int64     `json:"sender_id"`
	ClientToken      string    `json:"client_token,omitempty"`
	OriginalText     string    `json:"original_text"`
	OriginalLanguage string    `json:"original_language"`
	TranslatedText   *string   `json:"translated_text"`
	TargetLanguage   string    `json:"target_language,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
}

// ViewFor renders the message for viewerID reading in viewerLanguage.
// The sender never gets a translation; recipients get the translation into
// their language when one exists.
func (m Message) ViewFor(viewerID int64, viewerLanguage string) MessageView {
	view := MessageView{
		ID:               m.ID,
		ConversationID:   m.ConversationID,
		Seq:              m.Seq,
		SenderID:         m.SenderID,
		OriginalText:     m.OriginalText,
		OriginalLanguage: m.OriginalLanguage,
		CreatedAt:        m.CreatedAt,
	}
	if viewerID == m.SenderID {
		if m.ClientToken != nil {
			view.ClientToken = *m.ClientToken
		}
		return view
	}
	if viewerLanguage == "" || viewerLanguage == m.OriginalLanguage {
		return view
	}
	view.TargetLanguage = viewerLanguage
	if text, ok := m.Translations[viewerLanguage]; ok {
		translated := text
		view.TranslatedText = &translated
	}
	return view
}

// DeliveryState is the read state of a message for one recipient.
// ReadAt is nil while unread.
type DeliveryState struct {
	MessageID int64      `db:"message_id" json:"message_id"`
	ReaderID  int64      `db:"reader_id" json:"reader_id"`
	ReadAt    *time.Time `db:"read_at" json:"read_at"`
}

// DeletionMarker hides a message from one user's view.
type DeletionMarker struct {
	MessageID int64     `db:"message_id" json:"message_id"`
	DeletedBy int64     `db:"user_id" json:"deleted_by"`
	DeletedAt time.Time `db:"deleted_at" json:"deleted_at"`
}
