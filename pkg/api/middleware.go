package api

import (
	"strings"

	echo "github.com/labstack/echo/v5"
)

// securityHeaders hardens the admin surface. Everything served here is
// dashboard JSON or the websocket upgrade; unlike the widget script that
// storefronts embed, none of it may be framed or sniffed, and scoring
// reads go stale within seconds so the API is never cached.
func securityHeaders() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c *echo.Context) error {
			h := c.Response().Header()
			h.Set("X-Frame-Options", "DENY")
			h.Set("X-Content-Type-Options", "nosniff")
			h.Set("Referrer-Policy", "no-referrer")
			h.Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
			if strings.HasPrefix(c.Request().URL.Path, "/api/") {
				h.Set("Cache-Control", "no-store")
			}
			return next(c)
		}
	}
}
