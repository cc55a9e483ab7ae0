package middleware

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

// CORS header values served on every response. Browsers talk to this proxy
// from arbitrary origins, so the policy is fully permissive.
const (
	AllowOrigin  = "*"
	AllowMethods = "GET, POST, PUT, DELETE, OPTIONS"
	AllowHeaders = "Content-Type, Authorization, x-goog-api-key, x-goog-api-client"
)

// CORS returns an Echo middleware that decorates every response with the
// permissive CORS headers and answers preflight OPTIONS requests directly
// with 204 and no body, before any upstream call is made.
func CORS() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			h := c.Response().Header()
			h.Set(echo.HeaderAccessControlAllowOrigin, AllowOrigin)
			h.Set(echo.HeaderAccessControlAllowMethods, AllowMethods)
			h.Set(echo.HeaderAccessControlAllowHeaders, AllowHeaders)

			if c.Request().Method == http.MethodOptions {
				return c.NoContent(http.StatusNoContent)
			}

			return next(c)
		}
	}
}
