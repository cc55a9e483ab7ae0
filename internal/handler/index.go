package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

const indexContentType = "text/html;charset=UTF-8"

// indexHTML is the informational page served for the bare root path, which
// is never a valid API request and is not forwarded upstream.
const indexHTML = `<!DOCTYPE html>
<html>
<head>
  <meta charset="UTF-8">
  <title>Google PaLM/Gemini API Proxy</title>
</head>
<body>
  <h1>Google PaLM/Gemini API Proxy on Netlify Edge</h1>
  <p>A reverse proxy for the Google generative-language API. Point your client
  at this host and keep the request path, query and API key unchanged.</p>
  <p>Example: <code>POST /v1beta/models/gemini-pro:generateContent?key=YOUR_KEY</code></p>
</body>
</html>
`

// IndexHandler serves the static informational page at the root path.
type IndexHandler struct{}

// NewIndexHandler creates an IndexHandler.
func NewIndexHandler() *IndexHandler {
	return &IndexHandler{}
}

// Index returns the static HTML page.
func (h *IndexHandler) Index(c echo.Context) error {
	return c.Blob(http.StatusOK, indexContentType, []byte(indexHTML))
}
