package notify

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"messaging-service/internal/models"
	"messaging-service/internal/observability"
)

const (
	RoutingKeyMessageCreated = "push.message_created"

	summaryLength  = 80
	publishTimeout = 5 * time.Second
)

// Publisher is the subset of the AMQP publisher the dispatcher needs.
type Publisher interface {
	Publish(ctx context.Context, routingKey string, event any, headers map[string]string) error
}

// PushEvent asks the push service to notify one recipient about a new message.
type PushEvent struct {
	RecipientID    int64     `json:"recipient_id"`
	ConversationID int64     `json:"conversation_id"`
	MessageID      int64     `json:"message_id"`
	SenderID       int64     `json:"sender_id"`
	Summary        string    `json:"summary"`
	Language       string    `json:"language"`
	CreatedAt      time.Time `json:"created_at"`
}

// Dispatcher emits push events in the background. Publishing failures are logged and counted only.
type Dispatcher struct {
	publisher Publisher
	logger    *zap.Logger
	wg        sync.WaitGroup
}

func NewDispatcher(publisher Publisher, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{publisher: publisher, logger: logger}
}

// MessageCreated queues one push event per recipient and returns immediately.
func (d *Dispatcher) MessageCreated(ctx context.Context, conv models.Conversation, msg models.Message) {
	if d == nil || d.publisher == nil {
		return
	}
	events := Events(conv, msg)
	if len(events) == 0 {
		return
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
		defer cancel()
		for _, ev := range events {
			if err := d.publisher.Publish(pctx, RoutingKeyMessageCreated, ev, nil); err != nil {
				observability.IncAMQPPublishError()
				d.logger.Warn("push dispatch failed",
					zap.Int64("message_id", ev.MessageID),
					zap.Int64("recipient_id", ev.RecipientID),
					zap.Error(err),
				)
			}
		}
	}()
}

// Wait blocks until queued dispatches are done.
func (d *Dispatcher) Wait() {
	if d == nil {
		return
	}
	d.wg.Wait()
}

// Events builds the push events for every recipient of msg.
func Events(conv models.Conversation, msg models.Message) []PushEvent {
	recipients := conv.Recipients(msg.SenderID)
	events := make([]PushEvent, 0, len(recipients))
	for _, r := range recipients {
		view := msg.ViewFor(r.UserID, r.Language)
		text := view.OriginalText
		language := msg.OriginalLanguage
		if view.TranslatedText != nil {
			text = *view.TranslatedText
			language = view.TargetLanguage
		}
		events = append(events, PushEvent{
			RecipientID:    r.UserID,
			ConversationID: msg.ConversationID,
			MessageID:      msg.ID,
			SenderID:       msg.SenderID,
			Summary:        Summarize(text),
			Language:       language,
			CreatedAt:      msg.CreatedAt,
		})
	}
	return events
}

// Summarize cuts text to the push preview length.
func Summarize(text string) string {
	runes := []rune(text)
	if len(runes) <= summaryLength {
		return text
	}
	return string(runes[:summaryLength-1]) + "…"
}

// Noop drops every notification.
type Noop struct{}

func (Noop) MessageCreated(context.Context, models.Conversation, models.Message) {}
