package mocks

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"messaging-service/internal/models"
	"messaging-service/internal/repositories"
)

// MemoryStore is an in-process stand-in for the Postgres repositories. It keeps the
// same guarantees: per-conversation seq under one lock and unique (sender, token).
type MemoryStore struct {
	mu            sync.Mutex
	conversations map[int64]*models.Conversation
	directKeys    map[string]int64
	messages      map[int64]models.Message
	tokens        map[string]int64
	reads         map[[2]int64]models.DeliveryState
	deletions     map[[2]int64]models.DeletionMarker
	failures      map[string][]error
	nextConvID    int64
	nextMessageID int64
	Now           func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		conversations: map[int64]*models.Conversation{},
		directKeys:    map[string]int64{},
		messages:      map[int64]models.Message{},
		tokens:        map[string]int64{},
		reads:         map[[2]int64]models.DeliveryState{},
		deletions:     map[[2]int64]models.DeletionMarker{},
		failures:      map[string][]error{},
		Now:           time.Now,
	}
}

// FailNext queues errors returned by the next calls to op (a method name).
func (s *MemoryStore) FailNext(op string, errs ...error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[op] = append(s.failures[op], errs...)
}

func (s *MemoryStore) takeFailure(op string) error {
	queue := s.failures[op]
	if len(queue) == 0 {
		return nil
	}
	s.failures[op] = queue[1:]
	return queue[0]
}

// MessageCount returns how many messages are stored.
func (s *MemoryStore) MessageCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.messages)
}

func (s *MemoryStore) CreateOrGetDirect(_ context.Context, a, b models.Participant) (models.Conversation, error) {
	candidate := models.Conversation{Kind: models.KindDirect, Participants: []models.Participant{a, b}}
	if err := candidate.Validate(); err != nil {
		return models.Conversation{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFailure("CreateOrGetDirect"); err != nil {
		return models.Conversation{}, err
	}
	lo, hi := a.UserID, b.UserID
	if lo > hi {
		lo, hi = hi, lo
	}
	key := fmt.Sprintf("%d:%d", lo, hi)
	if id, ok := s.directKeys[key]; ok {
		return cloneConversation(*s.conversations[id]), nil
	}
	conv := s.insertConversation(models.KindDirect, "", []models.Participant{a, b})
	s.directKeys[key] = conv.ID
	return cloneConversation(*conv), nil
}

func (s *MemoryStore) CreateRoom(_ context.Context, name string, members []models.Participant) (models.Conversation, error) {
	candidate := models.Conversation{Kind: models.KindRoom, Participants: members}
	if err := candidate.Validate(); err != nil {
		return models.Conversation{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFailure("CreateRoom"); err != nil {
		return models.Conversation{}, err
	}
	seen := map[int64]struct{}{}
	unique := make([]models.Participant, 0, len(members))
	for _, m := range members {
		if _, ok := seen[m.UserID]; ok {
			continue
		}
		seen[m.UserID] = struct{}{}
		unique = append(unique, m)
	}
	return cloneConversation(*s.insertConversation(models.KindRoom, name, unique)), nil
}

func (s *MemoryStore) insertConversation(kind models.ConversationKind, name string, members []models.Participant) *models.Conversation {
	s.nextConvID++
	now := s.Now()
	conv := &models.Conversation{ID: s.nextConvID, Kind: kind, Name: name, CreatedAt: now}
	for _, m := range members {
		m.ConversationID = conv.ID
		m.JoinedAt = now
		conv.Participants = append(conv.Participants, m)
	}
	s.conversations[conv.ID] = conv
	return conv
}

func (s *MemoryStore) GetConversation(_ context.Context, conversationID int64) (models.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFailure("GetConversation"); err != nil {
		return models.Conversation{}, err
	}
	conv, ok := s.conversations[conversationID]
	if !ok {
		return models.Conversation{}, repositories.ErrConversationNotFound
	}
	return cloneConversation(*conv), nil
}

func (s *MemoryStore) ListForUser(_ context.Context, userID int64) ([]models.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Conversation
	for _, conv := range s.conversations {
		if conv.HasParticipant(userID) {
			out = append(out, cloneConversation(*conv))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out, nil
}

func (s *MemoryStore) CreateMessage(_ context.Context, in models.NewMessage) (models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFailure("CreateMessage"); err != nil {
		return models.Message{}, err
	}
	conv, ok := s.conversations[in.ConversationID]
	if !ok {
		return models.Message{}, repositories.ErrConversationNotFound
	}
	tokenKey := fmt.Sprintf("%d:%s", in.SenderID, in.ClientToken)
	if in.ClientToken != "" {
		if _, taken := s.tokens[tokenKey]; taken {
			return models.Message{}, repositories.ErrDuplicateToken
		}
	}

	conv.LastSeq++
	s.nextMessageID++
	msg := models.Message{
		ID:               s.nextMessageID,
		ConversationID:   in.ConversationID,
		Seq:              conv.LastSeq,
		SenderID:         in.SenderID,
		OriginalText:     in.Text,
		OriginalLanguage: in.Language,
		CreatedAt:        s.Now(),
		Translations:     copyMap(in.Translations),
	}
	if in.ClientToken != "" {
		token := in.ClientToken
		msg.ClientToken = &token
		s.tokens[tokenKey] = msg.ID
	}
	s.messages[msg.ID] = msg
	return cloneMessage(msg), nil
}

func (s *MemoryStore) FindByClientToken(_ context.Context, senderID int64, token string) (models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFailure("FindByClientToken"); err != nil {
		return models.Message{}, err
	}
	id, ok := s.tokens[fmt.Sprintf("%d:%s", senderID, token)]
	if !ok {
		return models.Message{}, repositories.ErrMessageNotFound
	}
	return cloneMessage(s.messages[id]), nil
}

func (s *MemoryStore) GetMessage(_ context.Context, messageID int64) (models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFailure("GetMessage"); err != nil {
		return models.Message{}, err
	}
	msg, ok := s.messages[messageID]
	if !ok {
		return models.Message{}, repositories.ErrMessageNotFound
	}
	return cloneMessage(msg), nil
}

func (s *MemoryStore) ListSince(_ context.Context, conversationID int64, viewerID int64, sinceSeq int64, limit int) ([]models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFailure("ListSince"); err != nil {
		return nil, err
	}
	var out []models.Message
	for _, msg := range s.messages {
		if msg.ConversationID != conversationID || msg.Seq <= sinceSeq {
			continue
		}
		if _, hidden := s.deletions[[2]int64{msg.ID, viewerID}]; hidden {
			continue
		}
		out = append(out, cloneMessage(msg))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) MarkRead(_ context.Context, messageID int64, readerID int64, at time.Time) (models.DeliveryState, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFailure("MarkRead"); err != nil {
		return models.DeliveryState{}, false, err
	}
	key := [2]int64{messageID, readerID}
	if state, ok := s.reads[key]; ok {
		return state, false, nil
	}
	readAt := at
	state := models.DeliveryState{MessageID: messageID, ReaderID: readerID, ReadAt: &readAt}
	s.reads[key] = state
	return state, true, nil
}

func (s *MemoryStore) ListReadStates(_ context.Context, messageID int64) ([]models.DeliveryState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.DeliveryState
	for key, state := range s.reads {
		if key[0] == messageID {
			out = append(out, state)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ReadAt.Before(*out[j].ReadAt) })
	return out, nil
}

func (s *MemoryStore) CreateDeletion(_ context.Context, messageID int64, userID int64, at time.Time) (models.DeletionMarker, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFailure("CreateDeletion"); err != nil {
		return models.DeletionMarker{}, false, err
	}
	key := [2]int64{messageID, userID}
	if marker, ok := s.deletions[key]; ok {
		return marker, false, nil
	}
	marker := models.DeletionMarker{MessageID: messageID, DeletedBy: userID, DeletedAt: at}
	s.deletions[key] = marker
	return marker, true, nil
}

// DeletionCount returns how many deletion markers exist for messageID.
func (s *MemoryStore) DeletionCount(messageID int64) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for key := range s.deletions {
		if key[0] == messageID {
			n++
		}
	}
	return n
}

func cloneConversation(c models.Conversation) models.Conversation {
	c.Participants = append([]models.Participant(nil), c.Participants...)
	return c
}

func cloneMessage(m models.Message) models.Message {
	m.Translations = copyMap(m.Translations)
	return m
}

func copyMap(in map[string]string) map[string]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

var (
	_ repositories.ConversationRepository = (*MemoryStore)(nil)
	_ repositories.MessageRepository      = (*MemoryStore)(nil)
	_ repositories.DeliveryRepository     = (*MemoryStore)(nil)
)
