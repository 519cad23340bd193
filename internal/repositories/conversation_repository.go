package repositories

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"messaging-service/internal/models"
)

// ConversationRepository abstracts conversation and participant persistence.
type ConversationRepository interface {
	CreateOrGetDirect(ctx context.Context, a, b models.Participant) (models.Conversation, error)
	CreateRoom(ctx context.Context, name string, members []models.Participant) (models.Conversation, error)
	GetConversation(ctx context.Context, conversationID int64) (models.Conversation, error)
	ListForUser(ctx context.Context, userID int64) ([]models.Conversation, error)
}

// ConversationRepo is a sqlx implementation of ConversationRepository.
type ConversationRepo struct {
	db *sqlx.DB
}

// NewConversationRepo constructs a ConversationRepo.
func NewConversationRepo(db *sqlx.DB) *ConversationRepo {
	return &ConversationRepo{db: db}
}

const conversationColumns = `id, kind, name, last_seq, created_at`

// CreateOrGetDirect returns the direct conversation between a and b, creating it on first use.
func (r *ConversationRepo) CreateOrGetDirect(ctx context.Context, a, b models.Participant) (conv models.Conversation, err error) {
	candidate := models.Conversation{Kind: models.KindDirect, Participants: []models.Participant{a, b}}
	if err := candidate.Validate(); err != nil {
		return models.Conversation{}, err
	}
	ids := []int64{a.UserID, b.UserID}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	key := fmt.Sprintf("%d:%d", ids[0], ids[1])

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return models.Conversation{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	var id int64
	if err = tx.GetContext(ctx, &id, `INSERT INTO conversations (kind, direct_key) VALUES ('direct', $1)
        ON CONFLICT (direct_key) DO UPDATE SET direct_key = EXCLUDED.direct_key
        RETURNING id`, key); err != nil {
		return models.Conversation{}, err
	}
	for _, p := range []models.Participant{a, b} {
		if _, err = tx.ExecContext(ctx, `INSERT INTO participants (conversation_id, user_id, language) VALUES ($1, $2, $3)
            ON CONFLICT (conversation_id, user_id) DO NOTHING`, id, p.UserID, p.Language); err != nil {
			return models.Conversation{}, err
		}
	}
	if err = tx.Commit(); err != nil {
		return models.Conversation{}, err
	}
	return r.GetConversation(ctx, id)
}

// CreateRoom creates a room and its members atomically.
func (r *ConversationRepo) CreateRoom(ctx context.Context, name string, members []models.Participant) (conv models.Conversation, err error) {
	candidate := models.Conversation{Kind: models.KindRoom, Participants: members}
	if err := candidate.Validate(); err != nil {
		return models.Conversation{}, err
	}

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return models.Conversation{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if err = tx.QueryRowxContext(ctx, `INSERT INTO conversations (kind, name) VALUES ('room', $1) RETURNING `+conversationColumns, name).
		StructScan(&conv); err != nil {
		return models.Conversation{}, err
	}

	seen := map[int64]struct{}{}
	for _, m := range members {
		if _, ok := seen[m.UserID]; ok {
			continue
		}
		seen[m.UserID] = struct{}{}
		if _, err = tx.ExecContext(ctx, `INSERT INTO participants (conversation_id, user_id, language) VALUES ($1, $2, $3)`,
			conv.ID, m.UserID, m.Language); err != nil {
			return models.Conversation{}, err
		}
	}

	if err = tx.Commit(); err != nil {
		return models.Conversation{}, err
	}
	return r.GetConversation(ctx, conv.ID)
}

// GetConversation fetches a conversation with its participants.
func (r *ConversationRepo) GetConversation(ctx context.Context, conversationID int64) (models.Conversation, error) {
	var conv models.Conversation
	err := r.db.GetContext(ctx, &conv, `SELECT `+conversationColumns+` FROM conversations WHERE id=$1`, conversationID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Conversation{}, ErrConversationNotFound
	}
	if err != nil {
		return models.Conversation{}, err
	}
	if err := r.db.SelectContext(ctx, &conv.Participants, `SELECT conversation_id, user_id, language, joined_at
        FROM participants WHERE conversation_id=$1 ORDER BY joined_at ASC, user_id ASC`, conversationID); err != nil {
		return models.Conversation{}, err
	}
	return conv, nil
}

// ListForUser returns the conversations the user participates in, newest first.
func (r *ConversationRepo) ListForUser(ctx context.Context, userID int64) ([]models.Conversation, error) {
	var convs []models.Conversation
	err := r.db.SelectContext(ctx, &convs, `SELECT c.id, c.kind, c.name, c.last_seq, c.created_at FROM conversations c
        INNER JOIN participants p ON p.conversation_id = c.id
        WHERE p.user_id=$1 ORDER BY c.created_at DESC`, userID)
	if err != nil || len(convs) == 0 {
		return convs, err
	}

	ids := make([]int64, 0, len(convs))
	for _, c := range convs {
		ids = append(ids, c.ID)
	}
	var participants []models.Participant
	if err := r.db.SelectContext(ctx, &participants, `SELECT conversation_id, user_id, language, joined_at
        FROM participants WHERE conversation_id = ANY($1) ORDER BY joined_at ASC, user_id ASC`, pq.Array(ids)); err != nil {
		return nil, err
	}
	byConv := map[int64][]models.Participant{}
	for _, p := range participants {
		byConv[p.ConversationID] = append(byConv[p.ConversationID], p)
	}
	for i := range convs {
		convs[i].Participants = byConv[convs[i].ID]
	}
	return convs, nil
}
