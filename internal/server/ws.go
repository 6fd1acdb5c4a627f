package server

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"atlas/internal/async"
	"atlas/internal/chat"
	"atlas/internal/transport"
)

// handleWebsocket upgrades the connection and registers it with the hub.
// The hub owns the socket from here: ping/pong, cancel routing, and fan-out.
func (s *Server) handleWebsocket(c *gin.Context) {
	identity, err := s.auth(c.Request)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
		return
	}
	ws, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed: %v", err)
		return
	}
	s.hub.Register(ws, identity.UserID)
}

// HandleClientMessage consumes inbound duplex messages the hub does not
// route itself. Chat requests run on their own goroutine so the read loop
// never blocks behind an LLM stream.
func (s *Server) HandleClientMessage(connID, userID, msgType string, raw []byte) {
	switch msgType {
	case "chat":
		req, err := chat.DecodeRequest(connID, userID, raw)
		if err != nil {
			s.hub.SendToConn(connID, transport.Message{"type": "error", "error": err.Error()})
			return
		}
		conn := s.hub.Conn(connID)
		if conn == nil {
			return
		}
		cancel := conn.ResetCancelEvent()
		async.Go(s.logger, "chat-"+connID, func() {
			if err := s.chatOrch.Handle(context.Background(), req, cancel); err != nil {
				s.logger.Warn("chat on %s failed: %v", connID, err)
			}
		})
	default:
		s.logger.Debug("unhandled client message type %q on %s", msgType, connID)
	}
}
