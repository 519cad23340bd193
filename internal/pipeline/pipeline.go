package pipeline

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"messaging-service/internal/apperr"
	"messaging-service/internal/models"
	"messaging-service/internal/observability"
	"messaging-service/internal/protocol"
	"messaging-service/internal/repositories"
	"messaging-service/internal/translation"
)

const DefaultTranslationTimeout = 3 * time.Second

// SubmitRequest is one client submission.
type SubmitRequest struct {
	ConversationID int64
	SenderID       int64
	Text           string
	SenderLanguage string
	ClientToken    string
}

// Result is the canonical message plus the conversation it landed in.
type Result struct {
	Message      models.Message
	Conversation models.Conversation
	// Duplicate is set when the client token had already been accepted.
	Duplicate bool
}

// Pipeline validates, translates and persists submissions.
type Pipeline struct {
	conversations      repositories.ConversationRepository
	messages           repositories.MessageRepository
	translator         translation.Translator
	translationTimeout time.Duration
	retrier            *repositories.Retrier
	logger             *zap.Logger
	tracer             trace.Tracer
	commits            commitLocks
}

const commitLockStripes = 64

// commitLocks serializes insert-then-deliver per conversation.
type commitLocks [commitLockStripes]sync.Mutex

func (l *commitLocks) lock(conversationID int64) *sync.Mutex {
	mu := &l[uint64(conversationID)%commitLockStripes]
	mu.Lock()
	return mu
}

func New(
	conversations repositories.ConversationRepository,
	messages repositories.MessageRepository,
	translator translation.Translator,
	translationTimeout time.Duration,
	retrier *repositories.Retrier,
	logger *zap.Logger,
) *Pipeline {
	if translator == nil {
		translator = translation.Noop{}
	}
	if translationTimeout <= 0 {
		translationTimeout = DefaultTranslationTimeout
	}
	return &Pipeline{
		conversations:      conversations,
		messages:           messages,
		translator:         translator,
		translationTimeout: translationTimeout,
		retrier:            retrier,
		logger:             logger,
		tracer:             otel.Tracer("messaging-service/pipeline"),
	}
}

// Submit accepts a message exactly once per client token. Once persistence starts the
// caller's cancellation no longer applies: a committed message stays committed.
func (p *Pipeline) Submit(ctx context.Context, req SubmitRequest) (Result, error) {
	return p.SubmitAndDeliver(ctx, req, nil)
}

// SubmitAndDeliver is Submit with deliver called for a newly created message before the
// next message of the same conversation can be stored. Deliveries therefore follow seq order.
// deliver must not block.
func (p *Pipeline) SubmitAndDeliver(ctx context.Context, req SubmitRequest, deliver func(Result)) (res Result, err error) {
	ctx, span := p.tracer.Start(ctx, "pipeline.Submit", trace.WithAttributes(
		attribute.Int64("conversation.id", req.ConversationID),
		attribute.Int64("sender.id", req.SenderID),
	))
	defer func() {
		switch {
		case err != nil:
			observability.IncSubmission("failed")
			span.RecordError(err)
			span.SetStatus(codes.Error, string(apperr.CodeOf(err)))
		case res.Duplicate:
			observability.IncSubmission("duplicate")
		default:
			observability.IncSubmission("created")
		}
		span.End()
	}()

	req.Text = strings.TrimSpace(req.Text)
	req.ClientToken = strings.TrimSpace(req.ClientToken)
	if req.Text == "" {
		return Result{}, apperr.Malformed("text is required", nil)
	}
	if len(req.Text) > protocol.MaxTextLength {
		return Result{}, apperr.Malformed("text is too long", nil)
	}

	conv, err := repositories.Retry(ctx, p.retrier, "get_conversation", func(ctx context.Context) (models.Conversation, error) {
		return p.conversations.GetConversation(ctx, req.ConversationID)
	})
	if err != nil {
		return Result{}, repositories.AsAppError(err, "failed to load conversation")
	}
	sender, ok := conv.Participant(req.SenderID)
	if !ok {
		return Result{}, apperr.Forbidden("not a participant of this conversation")
	}
	if req.SenderLanguage == "" {
		req.SenderLanguage = sender.Language
	}

	if req.ClientToken == "" {
		// Retries after a lost commit reply are deduplicated by token too.
		req.ClientToken = uuid.NewString()
	} else {
		existing, found, err := p.lookupToken(ctx, req)
		if err != nil {
			return Result{}, err
		}
		if found {
			return Result{Message: existing, Conversation: conv, Duplicate: true}, nil
		}
	}

	storeCtx := context.WithoutCancel(ctx)
	translations := p.translate(storeCtx, req, conv.Recipients(req.SenderID))

	mu := p.commits.lock(req.ConversationID)
	defer mu.Unlock()

	// A transient failure may hide a commit whose reply was lost.
	var uncertain bool
	msg, err := repositories.Retry(storeCtx, p.retrier, "create_message", func(ctx context.Context) (models.Message, error) {
		created, err := p.messages.CreateMessage(ctx, models.NewMessage{
			ConversationID: req.ConversationID,
			SenderID:       req.SenderID,
			ClientToken:    req.ClientToken,
			Text:           req.Text,
			Language:       req.SenderLanguage,
			Translations:   translations,
		})
		if repositories.IsTransient(err) {
			uncertain = true
		}
		return created, err
	})
	if errors.Is(err, repositories.ErrDuplicateToken) {
		existing, found, lookupErr := p.lookupToken(storeCtx, req)
		if lookupErr != nil {
			return Result{}, lookupErr
		}
		if !found {
			return Result{}, apperr.Conflict("client token already used")
		}
		if !uncertain {
			// A concurrent submission with the same token won the insert.
			return Result{Message: existing, Conversation: conv, Duplicate: true}, nil
		}
		p.logger.Warn("message committed before a lost reply",
			zap.Int64("conversation_id", req.ConversationID),
			zap.Int64("message_id", existing.ID),
		)
		msg, err = existing, nil
	}
	if err != nil {
		p.logger.Error("message persist failed",
			zap.Int64("conversation_id", req.ConversationID),
			zap.Int64("sender_id", req.SenderID),
			zap.Error(err),
		)
		return Result{}, repositories.AsAppError(err, "failed to store message")
	}
	if msg.Translations == nil {
		msg.Translations = translations
	}

	span.SetAttributes(attribute.Int64("message.seq", msg.Seq))
	res = Result{Message: msg, Conversation: conv}
	if deliver != nil {
		deliver(res)
	}
	return res, nil
}

func (p *Pipeline) lookupToken(ctx context.Context, req SubmitRequest) (models.Message, bool, error) {
	existing, err := repositories.Retry(ctx, p.retrier, "find_by_token", func(ctx context.Context) (models.Message, error) {
		return p.messages.FindByClientToken(ctx, req.SenderID, req.ClientToken)
	})
	if errors.Is(err, repositories.ErrMessageNotFound) {
		return models.Message{}, false, nil
	}
	if err != nil {
		return models.Message{}, false, repositories.AsAppError(err, "failed to check client token")
	}
	if existing.ConversationID != req.ConversationID {
		return models.Message{}, false, apperr.Conflict("client token already used in another conversation")
	}
	return existing, true, nil
}

// translate runs one translation per distinct recipient language concurrently.
// Failures are absorbed: the language is simply missing from the result.
func (p *Pipeline) translate(ctx context.Context, req SubmitRequest, recipients []models.Participant) map[string]string {
	languages := targetLanguages(req.SenderLanguage, recipients)
	if len(languages) == 0 {
		return nil
	}

	ctx, span := p.tracer.Start(ctx, "pipeline.translate", trace.WithAttributes(
		attribute.Int("languages", len(languages)),
	))
	defer span.End()

	var (
		mu           sync.Mutex
		wg           sync.WaitGroup
		translations = make(map[string]string, len(languages))
	)
	for _, language := range languages {
		wg.Add(1)
		go func(target string) {
			defer wg.Done()
			tctx, cancel := context.WithTimeout(ctx, p.translationTimeout)
			defer cancel()

			text, err := p.translator.Translate(tctx, req.Text, req.SenderLanguage, target)
			if err == nil && strings.TrimSpace(text) == "" {
				err = errors.New("empty translation")
			}
			if err != nil {
				outcome := "failed"
				if errors.Is(err, context.DeadlineExceeded) {
					outcome = "timeout"
				} else if errors.Is(err, translation.ErrUnavailable) {
					outcome = "unavailable"
				}
				observability.IncTranslation(outcome)
				p.logger.Warn("translation unavailable, delivering original",
					zap.Int64("conversation_id", req.ConversationID),
					zap.String("source", req.SenderLanguage),
					zap.String("target", target),
					zap.Error(err),
				)
				return
			}
			observability.IncTranslation("ok")
			mu.Lock()
			translations[target] = text
			mu.Unlock()
		}(language)
	}
	wg.Wait()

	if len(translations) == 0 {
		return nil
	}
	return translations
}

func targetLanguages(source string, recipients []models.Participant) []string {
	seen := map[string]struct{}{}
	languages := []string{}
	for _, r := range recipients {
		if r.Language == "" || r.Language == source {
			continue
		}
		if _, ok := seen[r.Language]; ok {
			continue
		}
		seen[r.Language] = struct{}{}
		languages = append(languages, r.Language)
	}
	sort.Strings(languages)
	return languages
}
