package presence

import (
	"context"
	"sort"
	"sync"
	"time"
)

const (
	DefaultPresenceTTL = 60 * time.Second
	DefaultTypingTTL   = 3 * time.Second
)

// Tracker keeps per-conversation online and typing sets. Entries expire on their own;
// List calls never return an expired entry.
type Tracker interface {
	Join(ctx context.Context, conversationID, userID int64) error
	Leave(ctx context.Context, conversationID, userID int64) error
	// Heartbeat refreshes the entry, creating it when missing.
	Heartbeat(ctx context.Context, conversationID, userID int64) error
	// SetTyping marks the user as typing and returns when the indicator lapses.
	SetTyping(ctx context.Context, conversationID, userID int64) (time.Time, error)
	StopTyping(ctx context.Context, conversationID, userID int64) error
	ListOnline(ctx context.Context, conversationID int64) ([]int64, error)
	ListTyping(ctx context.Context, conversationID int64) ([]int64, error)
}

// MemoryTracker is a single-instance Tracker.
type MemoryTracker struct {
	mu          sync.Mutex
	online      map[int64]map[int64]time.Time
	typing      map[int64]map[int64]time.Time
	presenceTTL time.Duration
	typingTTL   time.Duration
	now         func() time.Time
}

type Option func(*MemoryTracker)

// WithClock replaces time.Now, mostly for tests.
func WithClock(now func() time.Time) Option {
	return func(t *MemoryTracker) {
		t.now = now
	}
}

func NewMemoryTracker(presenceTTL, typingTTL time.Duration, opts ...Option) *MemoryTracker {
	if presenceTTL <= 0 {
		presenceTTL = DefaultPresenceTTL
	}
	if typingTTL <= 0 {
		typingTTL = DefaultTypingTTL
	}
	t := &MemoryTracker{
		online:      make(map[int64]map[int64]time.Time),
		typing:      make(map[int64]map[int64]time.Time),
		presenceTTL: presenceTTL,
		typingTTL:   typingTTL,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *MemoryTracker) Join(_ context.Context, conversationID, userID int64) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	put(t.online, conversationID, userID, t.now().Add(t.presenceTTL))
	return nil
}

func (t *MemoryTracker) Leave(_ context.Context, conversationID, userID int64) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	remove(t.online, conversationID, userID)
	remove(t.typing, conversationID, userID)
	return nil
}

func (t *MemoryTracker) Heartbeat(ctx context.Context, conversationID, userID int64) error {
	return t.Join(ctx, conversationID, userID)
}

func (t *MemoryTracker) SetTyping(_ context.Context, conversationID, userID int64) (time.Time, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	expiresAt := t.now().Add(t.typingTTL)
	put(t.typing, conversationID, userID, expiresAt)
	return expiresAt, nil
}

func (t *MemoryTracker) StopTyping(_ context.Context, conversationID, userID int64) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	remove(t.typing, conversationID, userID)
	return nil
}

func (t *MemoryTracker) ListOnline(_ context.Context, conversationID int64) ([]int64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return live(t.online, conversationID, t.now()), nil
}

func (t *MemoryTracker) ListTyping(_ context.Context, conversationID int64) ([]int64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return live(t.typing, conversationID, t.now()), nil
}

// Sweep drops every expired entry. Reads already ignore them; this only bounds memory.
func (t *MemoryTracker) Sweep() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	return sweep(t.online, now) + sweep(t.typing, now)
}

// RunSweeper calls Sweep every interval until ctx is done.
func (t *MemoryTracker) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.Sweep()
		}
	}
}

func put(set map[int64]map[int64]time.Time, conversationID, userID int64, expiresAt time.Time) {
	entries, ok := set[conversationID]
	if !ok {
		entries = make(map[int64]time.Time)
		set[conversationID] = entries
	}
	entries[userID] = expiresAt
}

func remove(set map[int64]map[int64]time.Time, conversationID, userID int64) {
	entries, ok := set[conversationID]
	if !ok {
		return
	}
	delete(entries, userID)
	if len(entries) == 0 {
		delete(set, conversationID)
	}
}

func live(set map[int64]map[int64]time.Time, conversationID int64, now time.Time) []int64 {
	ids := []int64{}
	for userID, expiresAt := range set[conversationID] {
		if now.Before(expiresAt) {
			ids = append(ids, userID)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func sweep(set map[int64]map[int64]time.Time, now time.Time) int {
	removed := 0
	for conversationID, entries := range set {
		for userID, expiresAt := range entries {
			if !now.Before(expiresAt) {
				delete(entries, userID)
				removed++
			}
		}
		if len(entries) == 0 {
			delete(set, conversationID)
		}
	}
	return removed
}
