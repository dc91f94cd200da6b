package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"

	orchestration "github.com/miavoice/mia-core/core"
	"github.com/miavoice/mia-core/core/messages"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 8 << 20 // audio payloads are base64, they get big
)

// session is one websocket connection. Writes are serialized through the
// outbound channel; the read pump runs on the caller's goroutine.
type session struct {
	client orchestration.ClientID
	conn   *websocket.Conn

	outbound chan []byte
	closed   chan struct{}
}

func newSession(client orchestration.ClientID, conn *websocket.Conn) *session {
	return &session{
		client:   client,
		conn:     conn,
		outbound: make(chan []byte, 64),
		closed:   make(chan struct{}),
	}
}

// Send queues one outbound message. It fails once the connection is closing
// or the queue is full; a client that slow is effectively gone.
func (s *session) Send(ctx context.Context, message messages.Outbound) error {
	payload, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("failed to marshal outbound message: %w", err)
	}

	select {
	case s.outbound <- payload:
		return nil
	case <-s.closed:
		return fmt.Errorf("session for client %q is closed", s.client)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()

	for {
		select {
		case payload := <-s.outbound:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				slog.Debug("write failed, dropping session", "client", string(s.client), "error", err)
				return
			}

		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-s.closed:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			s.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// readPump feeds inbound frames to the handler until the connection dies.
// Blocks; run it on the connection's own goroutine.
func (s *session) readPump(ctx context.Context, handler *orchestration.ConversationHandler) {
	defer close(s.closed)

	s.conn.SetReadLimit(maxMessageSize)
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				slog.Warn("websocket closed unexpectedly", "client", string(s.client), "error", err)
			}
			return
		}

		if err := handler.OnMessage(ctx, s.client, raw); err != nil {
			slog.Warn("failed to handle client message", "client", string(s.client), "error", err)
		}
	}
}
