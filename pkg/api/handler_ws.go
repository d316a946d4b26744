package api

import (
	"net/http"

	"github.com/coder/websocket"
	"github.com/gin-gonic/gin"
)

// handleWebSocket upgrades GET /ws and delegates to the ConnectionManager.
// HandleConnection blocks until the socket closes.
func (s *Server) handleWebSocket(c *gin.Context) {
	if s.manager == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "websocket fan-out is not available"})
		return
	}

	opts := &websocket.AcceptOptions{}
	if len(s.cfg.AllowedOrigins) > 0 {
		opts.OriginPatterns = s.cfg.AllowedOrigins
	}
	conn, err := websocket.Accept(c.Writer, c.Request, opts)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	s.manager.HandleConnection(c.Request.Context(), conn)
}
