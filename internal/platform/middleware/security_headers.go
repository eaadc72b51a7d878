package middleware

import (
	"strings"

	"github.com/labstack/echo/v4"
)

// responseHeaders go on every response. Bodies name clients and their
// session times, so nothing may be cached by intermediaries.
var responseHeaders = [][2]string{
	{"X-Content-Type-Options", "nosniff"},
	{"X-Frame-Options", "DENY"},
	{"Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'"},
	{"Referrer-Policy", "no-referrer"},
	{"Cache-Control", "no-store"},
}

const hsts = "max-age=31536000; includeSubDomains"

// SecurityHeaders sets responseHeaders, plus HSTS when the request arrived
// over TLS directly or through a proxy that terminated it.
func SecurityHeaders() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			h := c.Response().Header()
			for _, kv := range responseHeaders {
				h.Set(kv[0], kv[1])
			}
			if c.Request().TLS != nil || strings.EqualFold(c.Request().Header.Get(echo.HeaderXForwardedProto), "https") {
				h.Set("Strict-Transport-Security", hsts)
			}
			return next(c)
		}
	}
}
