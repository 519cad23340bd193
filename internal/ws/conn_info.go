package ws

import (
	"time"

	"messaging-service/internal/observability"
)

type ConnInfo struct {
	SessionID      string
	UserID         int64
	ConversationID int64
	DeviceID       string
	IP             string
	RequestID      string
	TraceID        string
	ConnectedAt    time.Time
}

func (i ConnInfo) event(name, reason string) observability.WSEvent {
	return observability.WSEvent{
		Name:           name,
		ConversationID: i.ConversationID,
		SessionID:      i.SessionID,
		UserID:         i.UserID,
		DeviceID:       i.DeviceID,
		IP:             i.IP,
		RequestID:      i.RequestID,
		TraceID:        i.TraceID,
		ConnectedAt:    i.ConnectedAt,
		Reason:         reason,
	}
}
