// Package service implements the core proxy forwarding logic.
package service

import (
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/lrbmike/palm-netlify-proxy/internal/client"
	"github.com/lrbmike/palm-netlify-proxy/internal/config"
	"github.com/lrbmike/palm-netlify-proxy/internal/model"
)

// allowedUpstreamHosts restricts which hosts the proxy will forward to.
var allowedUpstreamHosts = map[string]bool{
	"generativelanguage.googleapis.com": true,
}

// forwardableRequestHeaders are the only request headers forwarded upstream.
// Everything else (cookies, user agents, forwarding chains) is dropped so
// nothing unrelated to the API call leaks upstream.
var forwardableRequestHeaders = []string{
	"Content-Type",
	"X-Goog-Api-Client",
	"X-Goog-Api-Key",
	"Authorization",
}

// droppedResponseHeaders are stripped from upstream responses. The transport
// layer re-chunks the relayed body, so upstream framing and encoding headers
// no longer describe what the client receives.
var droppedResponseHeaders = map[string]bool{
	"Content-Encoding": true,
	"Content-Length":   true,
	"Alt-Svc":          true,
}

// reservedQueryParam is injected by some hosting platforms for their own
// routing and is never part of the semantic request.
const reservedQueryParam = "_path"

// ProxyService handles the forwarding logic for proxy requests.
type ProxyService struct {
	client  *client.GeminiClient
	cfg     *config.Config
	logger  *slog.Logger
	baseURL *url.URL
}

// NewProxyService creates a ProxyService.
func NewProxyService(c *client.GeminiClient, cfg *config.Config, logger *slog.Logger) (*ProxyService, error) {
	u, err := url.Parse(cfg.Upstream.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse upstream base_url: %w", err)
	}

	if !allowedUpstreamHosts[u.Hostname()] {
		return nil, fmt.Errorf("upstream host %q is not in the allowlist", u.Hostname())
	}

	return &ProxyService{
		client:  c,
		cfg:     cfg,
		logger:  logger.With("component", "proxy_service"),
		baseURL: u,
	}, nil
}

// NewProxyServiceForTest creates a ProxyService without host allowlist validation.
// This is intended only for tests that use httptest servers on localhost.
func NewProxyServiceForTest(c *client.GeminiClient, cfg *config.Config, logger *slog.Logger) (*ProxyService, error) {
	u, err := url.Parse(cfg.Upstream.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse upstream base_url: %w", err)
	}

	return &ProxyService{
		client:  c,
		cfg:     cfg,
		logger:  logger.With("component", "proxy_service"),
		baseURL: u,
	}, nil
}

// Forward sends a ProxyRequest to the upstream API and returns the response.
// The caller is responsible for closing the response body. The upstream
// status code is relayed verbatim; a non-2xx upstream answer is not an error.
func (s *ProxyService) Forward(pr *model.ProxyRequest) (*model.ProxyResponse, error) {
	upstreamURL := s.buildUpstreamURL(pr.Path, pr.RawQuery)
	header := s.filterRequestHeaders(pr.Header)

	s.logger.Debug("forwarding request",
		"method", pr.Method,
		"path", pr.Path,
	)

	resp, err := s.client.DoStream(pr.Ctx, pr.Method, upstreamURL, header, pr.Body)
	if err != nil {
		return nil, fmt.Errorf("forward to upstream: %w", err)
	}

	resp.Header = s.shapeResponseHeaders(resp.Header)
	return resp, nil
}

// buildUpstreamURL rewrites the request target to the upstream origin,
// keeping the inbound path and query untouched apart from the reserved
// platform parameter. The query string is walked pair by pair instead of
// going through url.Values, which would re-sort parameter names.
func (s *ProxyService) buildUpstreamURL(path, rawQuery string) string {
	u := *s.baseURL
	u.Path = path
	u.RawQuery = stripQueryParam(rawQuery, reservedQueryParam)
	return u.String()
}

// stripQueryParam removes every pair named name from rawQuery, preserving
// the order and repetition of the remaining pairs.
func stripQueryParam(rawQuery, name string) string {
	if rawQuery == "" {
		return ""
	}

	pairs := strings.Split(rawQuery, "&")
	kept := pairs[:0]
	for _, pair := range pairs {
		key := pair
		if i := strings.IndexByte(pair, '='); i >= 0 {
			key = pair[:i]
		}
		if decoded, err := url.QueryUnescape(key); err == nil {
			key = decoded
		}
		if key == name {
			continue
		}
		kept = append(kept, pair)
	}
	return strings.Join(kept, "&")
}

// filterRequestHeaders returns only the allow-listed headers, keeping every
// value of a matching name. Name comparison is case-insensitive via header
// canonicalization.
func (s *ProxyService) filterRequestHeaders(src http.Header) http.Header {
	dst := make(http.Header)
	for _, key := range forwardableRequestHeaders {
		if vals := src.Values(key); len(vals) > 0 {
			dst[http.CanonicalHeaderKey(key)] = vals
		}
	}
	return dst
}

// shapeResponseHeaders copies upstream response headers, dropping entries
// that no longer describe the relayed body and any upstream CORS headers.
// The CORS middleware owns the Access-Control-* values on every response;
// stripping upstream ones here keeps the relay from appending conflicting
// duplicates.
func (s *ProxyService) shapeResponseHeaders(src http.Header) http.Header {
	dst := make(http.Header)
	for key, vals := range src {
		canon := http.CanonicalHeaderKey(key)
		if droppedResponseHeaders[canon] {
			continue
		}
		if strings.HasPrefix(strings.ToLower(canon), "access-control-") {
			continue
		}
		dst[canon] = vals
	}
	return dst
}
