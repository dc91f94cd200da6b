// Package transport exposes the conversation handler over websockets.
package transport

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	orchestration "github.com/miavoice/mia-core/core"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Clients connect from local frontends on arbitrary origins.
	CheckOrigin: func(*http.Request) bool { return true },
}

type Server struct {
	handler *orchestration.ConversationHandler
	engine  *gin.Engine
}

func NewServer(handler *orchestration.ConversationHandler) *Server {
	server := &Server{handler: handler}

	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.GET("/ws", server.serveWebsocket)
	engine.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	server.engine = engine

	return server
}

func (s *Server) Run(addr string) error {
	slog.Info("listening", "addr", addr)
	return s.engine.Run(addr)
}

// serveWebsocket upgrades the connection and runs it until the client goes
// away. A missing client_id gets a generated one; a group query parameter
// places the client in that room.
func (s *Server) serveWebsocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		slog.Warn("websocket upgrade failed", "error", err)
		return
	}

	clientID := orchestration.ClientID(c.Query("client_id"))
	if clientID == "" {
		clientID = orchestration.ClientID(uuid.NewString())
	}

	sess := newSession(clientID, conn)
	s.handler.RegisterClient(clientID, sess.Send)
	if room := c.Query("group"); room != "" {
		s.handler.JoinGroup(clientID, room)
	}

	go sess.writePump()
	sess.readPump(context.Background(), s.handler)

	s.handler.UnregisterClient(clientID)
	slog.Info("connection closed", "client", string(clientID))
}
