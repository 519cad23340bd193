package repositories

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"

	"messaging-service/internal/models"
)

// DeliveryRepository persists read receipts and per-user deletion markers.
type DeliveryRepository interface {
	MarkRead(ctx context.Context, messageID int64, readerID int64, at time.Time) (models.DeliveryState, bool, error)
	ListReadStates(ctx context.Context, messageID int64) ([]models.DeliveryState, error)
	CreateDeletion(ctx context.Context, messageID int64, userID int64, at time.Time) (models.DeletionMarker, bool, error)
}

// DeliveryRepo is a sqlx-backed DeliveryRepository.
type DeliveryRepo struct {
	db *sqlx.DB
}

// NewDeliveryRepo constructs a DeliveryRepo.
func NewDeliveryRepo(db *sqlx.DB) *DeliveryRepo {
	return &DeliveryRepo{db: db}
}

// MarkRead records the first read of a message. Later calls return the
// stored state unchanged and report created=false.
func (r *DeliveryRepo) MarkRead(ctx context.Context, messageID int64, readerID int64, at time.Time) (models.DeliveryState, bool, error) {
	var state models.DeliveryState
	err := r.db.GetContext(ctx, &state, `INSERT INTO read_receipts (message_id, reader_id, read_at) VALUES ($1, $2, $3)
        ON CONFLICT (message_id, reader_id) DO NOTHING
        RETURNING message_id, reader_id, read_at`, messageID, readerID, at)
	if err == nil {
		return state, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return models.DeliveryState{}, false, err
	}
	err = r.db.GetContext(ctx, &state, `SELECT message_id, reader_id, read_at FROM read_receipts WHERE message_id=$1 AND reader_id=$2`, messageID, readerID)
	return state, false, err
}

// ListReadStates returns the stored read receipts for a message.
func (r *DeliveryRepo) ListReadStates(ctx context.Context, messageID int64) ([]models.DeliveryState, error) {
	var states []models.DeliveryState
	err := r.db.SelectContext(ctx, &states, `SELECT message_id, reader_id, read_at FROM read_receipts WHERE message_id=$1 ORDER BY read_at ASC`, messageID)
	return states, err
}

// CreateDeletion hides a message for userID. The marker is permanent; a
// repeated call returns the original marker with created=false.
func (r *DeliveryRepo) CreateDeletion(ctx context.Context, messageID int64, userID int64, at time.Time) (models.DeletionMarker, bool, error) {
	var marker models.DeletionMarker
	err := r.db.GetContext(ctx, &marker, `INSERT INTO message_deletions (message_id, user_id, deleted_at) VALUES ($1, $2, $3)
        ON CONFLICT (message_id, user_id) DO NOTHING
        RETURNING message_id, user_id, deleted_at`, messageID, userID, at)
	if err == nil {
		return marker, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return models.DeletionMarker{}, false, err
	}
	err = r.db.GetContext(ctx, &marker, `SELECT message_id, user_id, deleted_at FROM message_deletions WHERE message_id=$1 AND user_id=$2`, messageID, userID)
	return marker, false, err
}
