package presence

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisTracker shares presence between instances. Each conversation keeps two sorted sets
// scored by expiry in unix milliseconds.
type RedisTracker struct {
	client      *redis.Client
	presenceTTL time.Duration
	typingTTL   time.Duration
	now         func() time.Time
}

type RedisOption func(*RedisTracker)

// WithRedisClock replaces time.Now when scoring and reading entries.
func WithRedisClock(now func() time.Time) RedisOption {
	return func(t *RedisTracker) {
		t.now = now
	}
}

// NewRedisTracker connects to Redis and verifies the connection.
func NewRedisTracker(ctx context.Context, redisURL string, presenceTTL, typingTTL time.Duration, opts ...RedisOption) (*RedisTracker, error) {
	redisOpts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(redisOpts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	if presenceTTL <= 0 {
		presenceTTL = DefaultPresenceTTL
	}
	if typingTTL <= 0 {
		typingTTL = DefaultTypingTTL
	}
	t := &RedisTracker{client: client, presenceTTL: presenceTTL, typingTTL: typingTTL, now: time.Now}
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

func (t *RedisTracker) Close() error {
	return t.client.Close()
}

func onlineKey(conversationID int64) string {
	return fmt.Sprintf("presence:conversation:%d:online", conversationID)
}

func typingKey(conversationID int64) string {
	return fmt.Sprintf("presence:conversation:%d:typing", conversationID)
}

func (t *RedisTracker) Join(ctx context.Context, conversationID, userID int64) error {
	return t.touch(ctx, onlineKey(conversationID), userID, t.now().Add(t.presenceTTL), t.presenceTTL)
}

func (t *RedisTracker) Leave(ctx context.Context, conversationID, userID int64) error {
	member := strconv.FormatInt(userID, 10)
	pipe := t.client.TxPipeline()
	pipe.ZRem(ctx, onlineKey(conversationID), member)
	pipe.ZRem(ctx, typingKey(conversationID), member)
	_, err := pipe.Exec(ctx)
	return err
}

func (t *RedisTracker) Heartbeat(ctx context.Context, conversationID, userID int64) error {
	return t.Join(ctx, conversationID, userID)
}

func (t *RedisTracker) SetTyping(ctx context.Context, conversationID, userID int64) (time.Time, error) {
	expiresAt := t.now().Add(t.typingTTL)
	if err := t.touch(ctx, typingKey(conversationID), userID, expiresAt, t.typingTTL); err != nil {
		return time.Time{}, err
	}
	return expiresAt, nil
}

func (t *RedisTracker) StopTyping(ctx context.Context, conversationID, userID int64) error {
	return t.client.ZRem(ctx, typingKey(conversationID), strconv.FormatInt(userID, 10)).Err()
}

func (t *RedisTracker) ListOnline(ctx context.Context, conversationID int64) ([]int64, error) {
	return t.live(ctx, onlineKey(conversationID))
}

func (t *RedisTracker) ListTyping(ctx context.Context, conversationID int64) ([]int64, error) {
	return t.live(ctx, typingKey(conversationID))
}

func (t *RedisTracker) touch(ctx context.Context, key string, userID int64, expiresAt time.Time, ttl time.Duration) error {
	pipe := t.client.TxPipeline()
	pipe.ZAdd(ctx, key, redis.Z{Score: float64(expiresAt.UnixMilli()), Member: strconv.FormatInt(userID, 10)})
	// The set itself outlives its newest member by one window.
	pipe.Expire(ctx, key, 2*ttl)
	_, err := pipe.Exec(ctx)
	return err
}

func (t *RedisTracker) live(ctx context.Context, key string) ([]int64, error) {
	now := strconv.FormatInt(t.now().UnixMilli(), 10)
	if err := t.client.ZRemRangeByScore(ctx, key, "-inf", now).Err(); err != nil {
		return nil, err
	}
	members, err := t.client.ZRangeByScore(ctx, key, &redis.ZRangeBy{Min: "(" + now, Max: "+inf"}).Result()
	if err != nil {
		return nil, err
	}
	return parseMembers(members), nil
}

func parseMembers(members []string) []int64 {
	ids := make([]int64, 0, len(members))
	for _, member := range members {
		id, err := strconv.ParseInt(member, 10, 64)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
