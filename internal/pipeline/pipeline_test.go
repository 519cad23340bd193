package pipeline

import (
	"context"
	"database/sql/driver"
	"sync"
	"testing"
	"time"

	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"messaging-service/internal/apperr"
	"messaging-service/internal/mocks"
	"messaging-service/internal/models"
	"messaging-service/internal/repositories"
	"messaging-service/internal/translation"
)

func newPipeline(t *testing.T, translator translation.Translator, timeout time.Duration) (*Pipeline, *mocks.MemoryStore) {
	t.Helper()
	store := mocks.NewMemoryStore()
	retrier := repositories.NewRetrier(2, zap.NewNop()).WithInterval(time.Millisecond)
	return New(store, store, translator, timeout, retrier, zap.NewNop()), store
}

func directConversation(t *testing.T, store *mocks.MemoryStore) models.Conversation {
	t.Helper()
	conv, err := store.CreateOrGetDirect(context.Background(),
		models.Participant{UserID: 1, Language: "tr"},
		models.Participant{UserID: 2, Language: "en"},
	)
	require.NoError(t, err)
	return conv
}

func TestSubmitTranslatesForRecipient(t *testing.T) {
	translator := new(mocks.TranslatorMock)
	translator.On("Translate", mock.Anything, "Merhaba", "tr", "en").Return("Hello", nil).Once()
	p, store := newPipeline(t, translator, time.Second)
	conv := directConversation(t, store)

	res, err := p.Submit(context.Background(), SubmitRequest{
		ConversationID: conv.ID,
		SenderID:       1,
		Text:           "Merhaba",
		SenderLanguage: "tr",
		ClientToken:    "tok-a",
	})
	require.NoError(t, err)
	assert.False(t, res.Duplicate)
	assert.Equal(t, int64(1), res.Message.Seq)

	view := res.Message.ViewFor(2, "en")
	assert.Equal(t, "Merhaba", view.OriginalText)
	require.NotNil(t, view.TranslatedText)
	assert.Equal(t, "Hello", *view.TranslatedText)
	assert.Equal(t, "en", view.TargetLanguage)

	senderView := res.Message.ViewFor(1, "tr")
	assert.Nil(t, senderView.TranslatedText)
	assert.Equal(t, "tok-a", senderView.ClientToken)

	stored, err := store.GetMessage(context.Background(), res.Message.ID)
	require.NoError(t, err)
	assert.Equal(t, "Hello", stored.Translations["en"])
	translator.AssertExpectations(t)
}

func TestSubmitSameTokenTwiceStoresOnce(t *testing.T) {
	p, store := newPipeline(t, translation.Noop{}, time.Second)
	conv := directConversation(t, store)
	ctx := context.Background()

	first, err := p.Submit(ctx, SubmitRequest{ConversationID: conv.ID, SenderID: 1, Text: "first", ClientToken: "tok-1"})
	require.NoError(t, err)
	second, err := p.Submit(ctx, SubmitRequest{ConversationID: conv.ID, SenderID: 1, Text: "second", ClientToken: "tok-1"})
	require.NoError(t, err)

	assert.True(t, second.Duplicate)
	assert.Equal(t, first.Message.ID, second.Message.ID)
	assert.Equal(t, "first", second.Message.OriginalText)
	assert.Equal(t, 1, store.MessageCount())
}

func TestSubmitConcurrentSameTokenStoresOnce(t *testing.T) {
	p, store := newPipeline(t, translation.Noop{}, time.Second)
	conv := directConversation(t, store)

	var wg sync.WaitGroup
	results := make([]Result, 10)
	errs := make([]error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = p.Submit(context.Background(), SubmitRequest{
				ConversationID: conv.ID, SenderID: 1, Text: "hi", ClientToken: "tok-1",
			})
		}(i)
	}
	wg.Wait()

	created := 0
	for i := range results {
		require.NoError(t, errs[i])
		if !results[i].Duplicate {
			created++
		}
		assert.Equal(t, results[0].Message.ID, results[i].Message.ID)
	}
	assert.Equal(t, 1, created)
	assert.Equal(t, 1, store.MessageCount())
}

func TestSubmitTokenReusedInOtherConversationConflicts(t *testing.T) {
	p, store := newPipeline(t, translation.Noop{}, time.Second)
	conv := directConversation(t, store)
	room, err := store.CreateRoom(context.Background(), "room", []models.Participant{{UserID: 1, Language: "tr"}})
	require.NoError(t, err)

	_, err = p.Submit(context.Background(), SubmitRequest{ConversationID: conv.ID, SenderID: 1, Text: "a", ClientToken: "tok-x"})
	require.NoError(t, err)
	_, err = p.Submit(context.Background(), SubmitRequest{ConversationID: room.ID, SenderID: 1, Text: "a", ClientToken: "tok-x"})
	assert.Equal(t, apperr.CodeConflict, apperr.CodeOf(err))
}

func TestSubmitSeqStrictlyIncreasing(t *testing.T) {
	p, store := newPipeline(t, translation.Noop{}, time.Second)
	conv := directConversation(t, store)

	var wg sync.WaitGroup
	var mu sync.Mutex
	seen := map[int64]bool{}
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func(sender int64) {
			defer wg.Done()
			res, err := p.Submit(context.Background(), SubmitRequest{ConversationID: conv.ID, SenderID: sender, Text: "x"})
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			seen[res.Message.Seq] = true
			mu.Unlock()
		}(int64(i%2 + 1))
	}
	wg.Wait()

	require.Len(t, seen, 40)
	msgs, err := store.ListSince(context.Background(), conv.ID, 1, 0, 100)
	require.NoError(t, err)
	for i := 1; i < len(msgs); i++ {
		assert.Greater(t, msgs[i].Seq, msgs[i-1].Seq)
	}
}

func TestSubmitTranslationTimeoutStillPersists(t *testing.T) {
	translator := new(mocks.TranslatorMock)
	translator.On("Translate", mock.Anything, "Merhaba", "tr", "en").
		Run(func(args mock.Arguments) {
			<-args.Get(0).(context.Context).Done()
		}).
		Return("", context.DeadlineExceeded).Once()
	p, store := newPipeline(t, translator, 10*time.Millisecond)
	conv := directConversation(t, store)

	res, err := p.Submit(context.Background(), SubmitRequest{ConversationID: conv.ID, SenderID: 1, Text: "Merhaba", SenderLanguage: "tr"})
	require.NoError(t, err)
	assert.Equal(t, 1, store.MessageCount())

	view := res.Message.ViewFor(2, "en")
	assert.Nil(t, view.TranslatedText)
	assert.Equal(t, "Merhaba", view.OriginalText)
}

func TestSubmitRoomTranslatesOncePerLanguage(t *testing.T) {
	translator := new(mocks.TranslatorMock)
	translator.On("Translate", mock.Anything, "hello", "en", "tr").Return("merhaba", nil).Once()
	translator.On("Translate", mock.Anything, "hello", "en", "de").Return("hallo", nil).Once()
	p, store := newPipeline(t, translator, time.Second)

	room, err := store.CreateRoom(context.Background(), "team", []models.Participant{
		{UserID: 1, Language: "en"},
		{UserID: 2, Language: "tr"},
		{UserID: 3, Language: "tr"},
		{UserID: 4, Language: "de"},
		{UserID: 5, Language: "en"},
	})
	require.NoError(t, err)

	res, err := p.Submit(context.Background(), SubmitRequest{ConversationID: room.ID, SenderID: 1, Text: "hello"})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"tr": "merhaba", "de": "hallo"}, res.Message.Translations)
	assert.Nil(t, res.Message.ViewFor(5, "en").TranslatedText)
	translator.AssertExpectations(t)
}

func TestSubmitRejectsNonParticipant(t *testing.T) {
	p, store := newPipeline(t, translation.Noop{}, time.Second)
	conv := directConversation(t, store)

	_, err := p.Submit(context.Background(), SubmitRequest{ConversationID: conv.ID, SenderID: 3, Text: "hi"})
	assert.Equal(t, apperr.CodeForbidden, apperr.CodeOf(err))
	assert.Zero(t, store.MessageCount())
}

func TestSubmitUnknownConversation(t *testing.T) {
	p, _ := newPipeline(t, translation.Noop{}, time.Second)

	_, err := p.Submit(context.Background(), SubmitRequest{ConversationID: 77, SenderID: 1, Text: "hi"})
	assert.Equal(t, apperr.CodeNotFound, apperr.CodeOf(err))
}

func TestSubmitRejectsEmptyText(t *testing.T) {
	p, store := newPipeline(t, translation.Noop{}, time.Second)
	conv := directConversation(t, store)

	_, err := p.Submit(context.Background(), SubmitRequest{ConversationID: conv.ID, SenderID: 1, Text: "   "})
	assert.Equal(t, apperr.CodeMalformed, apperr.CodeOf(err))
}

func TestSubmitRetriesTransientStoreErrors(t *testing.T) {
	p, store := newPipeline(t, translation.Noop{}, time.Second)
	conv := directConversation(t, store)
	store.FailNext("CreateMessage", &pq.Error{Code: "40001"}, &pq.Error{Code: "40P01"})

	res, err := p.Submit(context.Background(), SubmitRequest{ConversationID: conv.ID, SenderID: 1, Text: "hi"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.Message.Seq)
}

func TestSubmitSurfacesTransientAfterRetries(t *testing.T) {
	p, store := newPipeline(t, translation.Noop{}, time.Second)
	conv := directConversation(t, store)
	down := &pq.Error{Code: "08006"}
	store.FailNext("CreateMessage", down, down, down)

	_, err := p.Submit(context.Background(), SubmitRequest{ConversationID: conv.ID, SenderID: 1, Text: "hi"})
	assert.Equal(t, apperr.CodeTransient, apperr.CodeOf(err))
	assert.Zero(t, store.MessageCount())
}

// lostReplyStore commits the first insert but reports a dropped connection.
type lostReplyStore struct {
	*mocks.MemoryStore
	lost bool
}

func (s *lostReplyStore) CreateMessage(ctx context.Context, in models.NewMessage) (models.Message, error) {
	msg, err := s.MemoryStore.CreateMessage(ctx, in)
	if err == nil && !s.lost {
		s.lost = true
		return models.Message{}, driver.ErrBadConn
	}
	return msg, err
}

func newLostReplyPipeline(t *testing.T) (*Pipeline, *lostReplyStore, models.Conversation) {
	t.Helper()
	store := &lostReplyStore{MemoryStore: mocks.NewMemoryStore()}
	conv := directConversation(t, store.MemoryStore)
	retrier := repositories.NewRetrier(2, zap.NewNop()).WithInterval(time.Millisecond)
	return New(store, store, translation.Noop{}, time.Second, retrier, zap.NewNop()), store, conv
}

func TestSubmitLostCommitReplyIsNotDuplicate(t *testing.T) {
	p, store, conv := newLostReplyPipeline(t)

	res, err := p.Submit(context.Background(), SubmitRequest{ConversationID: conv.ID, SenderID: 1, Text: "hi", ClientToken: "tok-1"})
	require.NoError(t, err)
	assert.False(t, res.Duplicate)
	assert.Equal(t, int64(1), res.Message.Seq)
	assert.Equal(t, 1, store.MessageCount())

	again, err := p.Submit(context.Background(), SubmitRequest{ConversationID: conv.ID, SenderID: 1, Text: "hi", ClientToken: "tok-1"})
	require.NoError(t, err)
	assert.True(t, again.Duplicate)
	assert.Equal(t, res.Message.ID, again.Message.ID)
}

func TestSubmitLostCommitReplyWithoutTokenStoresOnce(t *testing.T) {
	p, store, conv := newLostReplyPipeline(t)

	res, err := p.Submit(context.Background(), SubmitRequest{ConversationID: conv.ID, SenderID: 1, Text: "hi"})
	require.NoError(t, err)
	assert.False(t, res.Duplicate)
	assert.Equal(t, 1, store.MessageCount())
	require.NotNil(t, res.Message.ClientToken)
	assert.NotEmpty(t, *res.Message.ClientToken)
}

func TestSubmitSurvivesCallerCancellationAfterValidation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	translator := new(mocks.TranslatorMock)
	translator.On("Translate", mock.Anything, "Merhaba", "tr", "en").
		Run(func(mock.Arguments) { cancel() }).
		Return("Hello", nil).Once()
	p, store := newPipeline(t, translator, time.Second)
	conv := directConversation(t, store)

	_, err := p.Submit(ctx, SubmitRequest{ConversationID: conv.ID, SenderID: 1, Text: "Merhaba", SenderLanguage: "tr"})
	require.NoError(t, err)
	assert.Equal(t, 1, store.MessageCount())
}

func TestTargetLanguages(t *testing.T) {
	got := targetLanguages("en", []models.Participant{
		{UserID: 2, Language: "tr"}, {UserID: 3, Language: "en"}, {UserID: 4, Language: ""}, {UserID: 5, Language: "tr"}, {UserID: 6, Language: "de"},
	})
	assert.Equal(t, []string{"de", "tr"}, got)
}

func TestSubmitEmptyTranslationIsIgnored(t *testing.T) {
	translator := new(mocks.TranslatorMock)
	translator.On("Translate", mock.Anything, "Merhaba", "tr", "en").Return("  ", nil).Once()
	p, store := newPipeline(t, translator, time.Second)
	conv := directConversation(t, store)

	res, err := p.Submit(context.Background(), SubmitRequest{ConversationID: conv.ID, SenderID: 1, Text: "Merhaba", SenderLanguage: "tr"})
	require.NoError(t, err)
	assert.Empty(t, res.Message.Translations)
}
