package repositories

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"messaging-service/internal/apperr"
	"messaging-service/internal/models"
	"messaging-service/internal/observability"
)

const defaultRetryInterval = 50 * time.Millisecond

// Retrier retries transient storage failures with bounded exponential backoff.
type Retrier struct {
	maxRetries int
	interval   time.Duration
	logger     *zap.Logger
}

func NewRetrier(maxRetries int, logger *zap.Logger) *Retrier {
	if maxRetries < 0 {
		maxRetries = 0
	}
	return &Retrier{maxRetries: maxRetries, interval: defaultRetryInterval, logger: logger}
}

// WithInterval overrides the first backoff interval.
func (r *Retrier) WithInterval(interval time.Duration) *Retrier {
	clone := *r
	clone.interval = interval
	return &clone
}

// Retry runs fn until it succeeds, fails with a non-transient error or the retry budget is spent.
func Retry[T any](ctx context.Context, r *Retrier, op string, fn func(context.Context) (T, error)) (T, error) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = r.interval
	policy.MaxInterval = 20 * r.interval
	policy.MaxElapsedTime = 0

	attempt := func() (T, error) {
		res, err := fn(ctx)
		if err != nil && !IsTransient(err) {
			return res, backoff.Permanent(err)
		}
		return res, err
	}
	notify := func(err error, wait time.Duration) {
		observability.IncStoreRetry()
		r.logger.Warn("storage retry", zap.String("op", op), zap.Duration("wait", wait), zap.Error(err))
	}

	b := backoff.WithContext(backoff.WithMaxRetries(policy, uint64(r.maxRetries)), ctx)
	return backoff.RetryNotifyWithData(attempt, b, notify)
}

// AsAppError classifies a storage error for callers.
func AsAppError(err error, reason string) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrConversationNotFound):
		return apperr.NotFound("conversation not found")
	case errors.Is(err, ErrMessageNotFound):
		return apperr.NotFound("message not found")
	case errors.Is(err, models.ErrDirectParticipants), errors.Is(err, models.ErrRoomParticipants):
		return apperr.Malformed(err.Error(), err)
	case errors.Is(err, ErrDuplicateToken):
		return apperr.Conflict("client token already used")
	case IsTransient(err):
		return apperr.Transient("storage temporarily unavailable, retry", err)
	default:
		return apperr.Internal(reason, err)
	}
}
