package ws

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"messaging-service/internal/protocol"
)

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 64 * 1024
	sendBufSize    = 256

	DefaultPingInterval = 25 * time.Second
)

// Session is one websocket connection bound to a user and a conversation.
type Session struct {
	info   ConnInfo
	conn   *websocket.Conn
	egress chan protocol.Frame
	logger *zap.Logger

	done      chan struct{}
	flush     chan string
	closeOnce sync.Once
	reasonMu  sync.Mutex
	reason    string
	// left is set when the client asked to leave, so disconnect does not announce it twice.
	left atomic.Bool
}

func newSession(info ConnInfo, conn *websocket.Conn, logger *zap.Logger) *Session {
	return &Session{
		info:   info,
		conn:   conn,
		egress: make(chan protocol.Frame, sendBufSize),
		logger: logger.With(zap.String("session_id", info.SessionID), zap.Int64("user_id", info.UserID)),
		done:   make(chan struct{}),
		flush:  make(chan string, 1),
	}
}

func (s *Session) ID() string            { return s.info.SessionID }
func (s *Session) UserID() int64         { return s.info.UserID }
func (s *Session) ConversationID() int64 { return s.info.ConversationID }

// Send queues frame for the write pump. A full queue means the client cannot keep up:
// the session is dropped and the client resyncs through the poller.
func (s *Session) Send(frame protocol.Frame) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.egress <- frame:
		return true
	default:
		s.logger.Info("egress queue full, disconnecting slow session")
		s.shutdown("egress queue full")
		return false
	}
}

// Close ends the session after an explicit leave.
func (s *Session) Close() {
	s.left.Store(true)
	s.shutdown("leave")
}

// closeAfterFlush asks the write pump to deliver what is already queued and then shut down.
func (s *Session) closeAfterFlush(reason string) {
	select {
	case s.flush <- reason:
	default:
	}
}

func (s *Session) shutdown(reason string) {
	s.closeOnce.Do(func() {
		s.reasonMu.Lock()
		s.reason = reason
		s.reasonMu.Unlock()
		close(s.done)
		if s.conn != nil {
			_ = s.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason),
				time.Now().Add(writeWait))
			_ = s.conn.Close()
		}
	})
}

func (s *Session) closeReason() string {
	s.reasonMu.Lock()
	defer s.reasonMu.Unlock()
	return s.reason
}

// readPump feeds inbound frames to handle in arrival order until the connection fails.
func (s *Session) readPump(ctx context.Context, pingInterval time.Duration, onPong func(), handle func(context.Context, []byte)) error {
	pongWait := pingInterval + writeWait
	s.conn.SetReadLimit(maxMessageSize)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		onPong()
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			select {
			case <-s.done:
				return nil
			default:
			}
			var netErr net.Error
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.shutdown("client closed")
				return nil
			}
			if errors.As(err, &netErr) && netErr.Timeout() {
				s.shutdown("pong timeout")
				return err
			}
			s.shutdown(err.Error())
			return err
		}
		handle(ctx, data)
	}
}

// writePump drains the egress queue and keeps the connection alive with pings.
func (s *Session) writePump(pingInterval time.Duration) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case reason := <-s.flush:
			s.flushQueued()
			s.shutdown(reason)
			return
		case frame := <-s.egress:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteJSON(frame); err != nil {
				s.logger.Info("websocket write failed", zap.Error(err))
				s.shutdown("write failed")
				return
			}
		case <-ticker.C:
			if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				s.logger.Info("websocket ping failed", zap.Error(err))
				s.shutdown("ping failed")
				return
			}
		}
	}
}

func (s *Session) flushQueued() {
	for {
		select {
		case frame := <-s.egress:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteJSON(frame); err != nil {
				return
			}
		default:
			return
		}
	}
}
