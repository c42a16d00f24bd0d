package api

import (
	"net/http"

	"github.com/coder/websocket"
	echo "github.com/labstack/echo/v5"

	"github.com/engagekit/engage/pkg/ws"
)

// wsHandler handles GET /ws?channel=...&sessionId=...
// Upgrades to WebSocket and delegates the connection lifecycle to the
// registry. Blocks until the connection closes.
func (s *Server) wsHandler(c *echo.Context) error {
	channel := c.QueryParam("channel")
	if !ws.ValidChannel(channel) {
		return echo.NewHTTPError(http.StatusBadRequest, "channel must be widget or dashboard")
	}
	sessionID := c.QueryParam("sessionId")

	opts := &websocket.AcceptOptions{}
	if len(s.cfg.System.AllowedWSOrigins) > 0 {
		opts.OriginPatterns = s.cfg.System.AllowedWSOrigins
	} else {
		// No allowlist configured: accept any origin. Production configs
		// set allowed_ws_origins.
		opts.InsecureSkipVerify = true
	}

	conn, err := websocket.Accept(c.Response(), c.Request(), opts)
	if err != nil {
		return err
	}

	s.registry.HandleConnection(c.Request().Context(), conn, channel, sessionID)
	return nil
}
