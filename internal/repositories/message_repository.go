package repositories

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"messaging-service/internal/models"
)

// MessageRepository defines interactions for messages.
type MessageRepository interface {
	CreateMessage(ctx context.Context, msg models.NewMessage) (models.Message, error)
	FindByClientToken(ctx context.Context, senderID int64, token string) (models.Message, error)
	GetMessage(ctx context.Context, messageID int64) (models.Message, error)
	ListSince(ctx context.Context, conversationID int64, viewerID int64, sinceSeq int64, limit int) ([]models.Message, error)
}

// MessageRepo is a sqlx-backed repository.
type MessageRepo struct {
	db *sqlx.DB
}

// NewMessageRepo constructs MessageRepo.
func NewMessageRepo(db *sqlx.DB) *MessageRepo {
	return &MessageRepo{db: db}
}

const messageColumns = `id, conversation_id, seq, sender_id, client_token, original_text, original_language, created_at`

type translationRow struct {
	MessageID int64  `db:"message_id"`
	Language  string `db:"language"`
	Text      string `db:"text"`
}

// CreateMessage stores a message and its translations in one transaction.
// The conversation row lock taken by the seq bump serializes concurrent
// writers, so seq values are unique and gap-free per conversation.
func (r *MessageRepo) CreateMessage(ctx context.Context, in models.NewMessage) (msg models.Message, err error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return models.Message{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	var seq int64
	if err = tx.GetContext(ctx, &seq, `UPDATE conversations SET last_seq = last_seq + 1 WHERE id=$1 RETURNING last_seq`, in.ConversationID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			err = ErrConversationNotFound
		}
		return models.Message{}, err
	}

	var token *string
	if in.ClientToken != "" {
		token = &in.ClientToken
	}
	if err = tx.QueryRowxContext(ctx, `INSERT INTO messages (conversation_id, seq, sender_id, client_token, original_text, original_language)
        VALUES ($1, $2, $3, $4, $5, $6) RETURNING `+messageColumns,
		in.ConversationID, seq, in.SenderID, token, in.Text, in.Language).StructScan(&msg); err != nil {
		if isUniqueViolation(err) {
			err = ErrDuplicateToken
		}
		return models.Message{}, err
	}

	for lang, text := range in.Translations {
		if _, err = tx.ExecContext(ctx, `INSERT INTO message_translations (message_id, language, text) VALUES ($1, $2, $3)`,
			msg.ID, lang, text); err != nil {
			return models.Message{}, err
		}
	}

	if err = tx.Commit(); err != nil {
		return models.Message{}, err
	}
	msg.Translations = copyTranslations(in.Translations)
	return msg, nil
}

// FindByClientToken returns the message a sender submitted with token.
func (r *MessageRepo) FindByClientToken(ctx context.Context, senderID int64, token string) (models.Message, error) {
	var msg models.Message
	err := r.db.GetContext(ctx, &msg, `SELECT `+messageColumns+` FROM messages WHERE sender_id=$1 AND client_token=$2`, senderID, token)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Message{}, ErrMessageNotFound
	}
	if err != nil {
		return models.Message{}, err
	}
	return r.withTranslations(ctx, msg)
}

// GetMessage retrieves a single message with its translations.
func (r *MessageRepo) GetMessage(ctx context.Context, messageID int64) (models.Message, error) {
	var msg models.Message
	err := r.db.GetContext(ctx, &msg, `SELECT `+messageColumns+` FROM messages WHERE id=$1`, messageID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Message{}, ErrMessageNotFound
	}
	if err != nil {
		return models.Message{}, err
	}
	return r.withTranslations(ctx, msg)
}

// ListSince returns messages with seq > sinceSeq in seq order, skipping the
// ones viewerID deleted for themselves.
func (r *MessageRepo) ListSince(ctx context.Context, conversationID int64, viewerID int64, sinceSeq int64, limit int) ([]models.Message, error) {
	query := `SELECT ` + messageColumns + ` FROM messages m
        WHERE m.conversation_id=$1
        AND m.seq > $2
        AND NOT EXISTS (SELECT 1 FROM message_deletions d WHERE d.message_id = m.id AND d.user_id = $3)
        ORDER BY m.seq ASC
        LIMIT $4`
	var msgs []models.Message
	if err := r.db.SelectContext(ctx, &msgs, query, conversationID, sinceSeq, viewerID, limit); err != nil {
		return nil, err
	}
	if len(msgs) == 0 {
		return msgs, nil
	}

	ids := make([]int64, 0, len(msgs))
	for _, m := range msgs {
		ids = append(ids, m.ID)
	}
	var rows []translationRow
	if err := r.db.SelectContext(ctx, &rows, `SELECT message_id, language, text FROM message_translations WHERE message_id = ANY($1)`, pq.Array(ids)); err != nil {
		return nil, err
	}
	byMessage := map[int64]map[string]string{}
	for _, row := range rows {
		if byMessage[row.MessageID] == nil {
			byMessage[row.MessageID] = map[string]string{}
		}
		byMessage[row.MessageID][row.Language] = row.Text
	}
	for i := range msgs {
		msgs[i].Translations = byMessage[msgs[i].ID]
	}
	return msgs, nil
}

func (r *MessageRepo) withTranslations(ctx context.Context, msg models.Message) (models.Message, error) {
	var rows []translationRow
	if err := r.db.SelectContext(ctx, &rows, `SELECT message_id, language, text FROM message_translations WHERE message_id=$1`, msg.ID); err != nil {
		return models.Message{}, err
	}
	if len(rows) > 0 {
		msg.Translations = make(map[string]string, len(rows))
		for _, row := range rows {
			msg.Translations[row.Language] = row.Text
		}
	}
	return msg, nil
}

func copyTranslations(in map[string]string) map[string]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
