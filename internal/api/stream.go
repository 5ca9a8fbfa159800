package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/kandev/agentplane/internal/common/logger"
	"github.com/kandev/agentplane/internal/events"
	"github.com/kandev/agentplane/internal/events/bus"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer
	maxMessageSize = 4 * 1024

	clientBuffer = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// streamClient forwards event bus events to one websocket connection.
type streamClient struct {
	id     string
	conn   *websocket.Conn
	send   chan []byte
	done   chan struct{}
	logger *logger.Logger
}

// StreamEvents upgrades the connection and streams agent and task change
// events. The optional "subject" query selects a NATS-style pattern.
// GET /api/v1/events/ws
func (h *Handler) StreamEvents(c *gin.Context) {
	subject := c.DefaultQuery("subject", events.AllEvents)

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("Failed to upgrade connection", zap.Error(err))
		return
	}

	client := &streamClient{
		id:   uuid.New().String(),
		conn: conn,
		send: make(chan []byte, clientBuffer),
		done: make(chan struct{}),
	}
	client.logger = h.logger.WithFields(zap.String("client_id", client.id))

	sub, err := h.orch.Events().Subscribe(subject, client.forward)
	if err != nil {
		client.logger.Warn("failed to subscribe client", zap.String("subject", subject), zap.Error(err))
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "subscription failed"))
		_ = conn.Close()
		return
	}

	client.logger.Info("WebSocket event stream opened", zap.String("subject", subject))

	go client.writePump()
	go func() {
		client.readPump()
		_ = sub.Unsubscribe()
		close(client.done)
		client.logger.Info("WebSocket event stream closed")
	}()
}

func (s *streamClient) forward(_ context.Context, ev *bus.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	select {
	case s.send <- data:
	case <-s.done:
	default:
		s.logger.Warn("Client send buffer full, dropping event", zap.String("event_type", ev.Type))
	}
	return nil
}

// readPump discards client frames and returns when the peer goes away.
func (s *streamClient) readPump() {
	defer func() { _ = s.conn.Close() }()

	s.conn.SetReadLimit(maxMessageSize)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := s.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (s *streamClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = s.conn.Close()
	}()

	for {
		select {
		case <-s.done:
			return
		case message := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
