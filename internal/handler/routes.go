package handler

import (
	"github.com/labstack/echo/v4"
)

// RegisterRoutes wires all route handlers onto the Echo instance.
// Every path except the root page and the operational endpoints is
// forwarded upstream; preflight OPTIONS requests are answered by the
// CORS middleware before any of these handlers run.
func RegisterRoutes(e *echo.Echo, proxy *ProxyHandler, index *IndexHandler, health *HealthHandler) {
	// The root page is method-independent: "/" is never a valid upstream
	// request, whatever the verb.
	e.Any("/", index.Index)

	e.GET("/healthz", health.Healthz)
	e.GET("/proxy/status", health.Status)

	e.Any("/*", proxy.Handle)
}
