package observability

import (
	"context"
	"time"
)

// EventPublisher is the outbound event sink (RabbitMQ in production).
type EventPublisher interface {
	Publish(ctx context.Context, routingKey string, event any, headers map[string]string) error
}

type EventEnvelope struct {
	EventType string      `json:"event_type"`
	EventName string      `json:"event_name"`
	Payload   interface{} `json:"payload"`
}

// WSEvent describes a websocket session lifecycle event.
type WSEvent struct {
	Name           string
	ConversationID int64
	SessionID      string
	UserID         int64
	DeviceID       string
	IP             string
	RequestID      string
	TraceID        string
	ConnectedAt    time.Time
	Reason         string
}

const wsRoutingKey = "ws_events.conversations"

// PublishWSEvent counts ev and forwards it to publisher. A nil publisher only counts.
func PublishWSEvent(ctx context.Context, publisher EventPublisher, ev WSEvent) {
	IncWSEvent(ev.Name)
	if publisher == nil {
		return
	}

	var durationMS int64
	if !ev.ConnectedAt.IsZero() {
		durationMS = time.Since(ev.ConnectedAt).Milliseconds()
	}
	envelope := EventEnvelope{
		EventType: "ws_events",
		EventName: ev.Name,
		Payload: map[string]interface{}{
			"ws": map[string]interface{}{
				"kind":        "conversation",
				"resource_id": ev.ConversationID,
				"event":       ev.Name,
				"conn_id":     ev.SessionID,
				"duration_ms": durationMS,
				"reason":      ev.Reason,
			},
			"identity": map[string]interface{}{
				"user_id":   ev.UserID,
				"device_id": ev.DeviceID,
				"ip":        ev.IP,
			},
		},
	}
	if err := publisher.Publish(ctx, wsRoutingKey, envelope, BuildHeaders(ev.RequestID, ev.TraceID)); err != nil {
		IncAMQPPublishError()
	}
}

func BuildHeaders(requestID, traceID string) map[string]string {
	headers := map[string]string{}
	if requestID != "" {
		headers["x-request-id"] = requestID
	}
	if traceID != "" {
		headers["trace_id"] = traceID
	}
	return headers
}
