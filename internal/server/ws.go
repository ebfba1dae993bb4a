// internal/server/ws.go
package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"comsrv/internal/bus"
	"comsrv/internal/protocol"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second

	sendQueueDepth = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// The relay runs on trusted lab networks.
		return true
	},
}

// client is one WebSocket connection. Requests are handled one
// goroutine each; replies and notifications funnel through the send
// queue into a single writer.
type client struct {
	id     string
	conn   *websocket.Conn
	send   chan []byte
	logger *zap.Logger
}

// handleWebSocket upgrades the connection and runs the frame pumps.
func (s *Server) handleWebSocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Error("Failed to upgrade WebSocket connection", zap.Error(err))
		return
	}

	id := uuid.New().String()
	cl := &client{
		id:     id,
		conn:   conn,
		send:   make(chan []byte, sendQueueDepth),
		logger: s.logger.With(zap.String("client_id", id)),
	}
	cl.logger.Info("Client connected", zap.String("remote_addr", c.Request.RemoteAddr))

	// Every connection subscribes to the notification stream for its
	// whole lifetime.
	notifications, unsubscribe := s.dispatcher.Bus().Subscribe()

	connCtx, cancel := context.WithCancel(context.Background())

	go cl.writePump(cancel)
	go cl.notifyPump(connCtx, notifications)
	go s.readPump(connCtx, cl, func() {
		cancel()
		unsubscribe()
	})
}

// readPump decodes incoming frames and spawns one handler goroutine
// per request. The per-request context is tied to the connection, so a
// disconnect cancels everything still in flight.
func (s *Server) readPump(ctx context.Context, cl *client, cleanup func()) {
	defer func() {
		cleanup()
		cl.conn.Close()
		cl.logger.Info("Client disconnected")
	}()

	cl.conn.SetReadDeadline(time.Now().Add(pongWait))
	cl.conn.SetPongHandler(func(string) error {
		cl.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := cl.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				cl.logger.Error("WebSocket read error", zap.Error(err))
			}
			return
		}

		var msg protocol.ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			cl.logger.Warn("Failed to parse request frame", zap.Error(err))
			cl.reply(nil, protocol.ErrorResponse("Argument", err.Error()))
			continue
		}

		go func(msg protocol.ClientMessage) {
			resp := s.dispatcher.Handle(ctx, msg.Request)
			cl.reply(msg.ID, resp)
		}(msg)
	}
}

// notifyPump forwards bus notifications to the client.
func (cl *client) notifyPump(ctx context.Context, notifications <-chan bus.Notification) {
	for {
		select {
		case <-ctx.Done():
			return
		case n := <-notifications:
			resp := n.Response
			cl.enqueue(protocol.ServerMessage{Notify: &resp})
		}
	}
}

// writePump owns the connection's write side: queued frames and pings.
func (cl *client) writePump(cancel context.CancelFunc) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		cancel()
		cl.conn.Close()
	}()

	for {
		select {
		case data, ok := <-cl.send:
			cl.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				cl.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := cl.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				cl.logger.Error("WebSocket write error", zap.Error(err))
				return
			}
		case <-ticker.C:
			cl.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := cl.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (cl *client) reply(id *uuid.UUID, resp protocol.Response) {
	cl.enqueue(protocol.ServerMessage{ID: id, Response: &resp})
}

func (cl *client) enqueue(msg protocol.ServerMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		cl.logger.Error("Failed to marshal frame", zap.Error(err))
		return
	}
	select {
	case cl.send <- data:
	default:
		cl.logger.Warn("Client send queue full, dropping frame")
	}
}
