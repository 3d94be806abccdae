// Package service implements the core proxy forwarding and rewriting logic.
package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"

	"linkproxy/internal/client"
	"linkproxy/internal/config"
	"linkproxy/internal/metrics"
	"linkproxy/internal/model"
	"linkproxy/internal/rewrite"
)

var (
	// ErrUpstreamConnect is returned when the origin cannot be reached or the exchange fails.
	ErrUpstreamConnect = errors.New("upstream connection failed")
	// ErrUpstreamTimeout is returned when a connect, header or overall timeout expires.
	ErrUpstreamTimeout = errors.New("upstream request timed out")
	// ErrUnsupportedContentType is returned for origin responses without a Content-Type.
	ErrUnsupportedContentType = errors.New("unsupported content type")
	// ErrBodyTooLarge is returned when an HTML body exceeds upstream.max_body_bytes.
	ErrBodyTooLarge = errors.New("upstream body too large")
)

// hopByHopHeaders are connection-scoped and never forwarded in either direction.
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"TE",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// strippedRequestHeaders are end-to-end headers the proxy consumes itself.
// Accept-Encoding is dropped so the transport negotiates and decodes
// compression on its own, leaving HTML bodies readable.
var strippedRequestHeaders = []string{
	"Authorization",
	"Accept-Encoding",
}

const userAgent = "linkproxy/1.0"

// ProxyService forwards authenticated requests to their target and prepares
// the origin response for the client.
type ProxyService struct {
	client   *client.UpstreamClient
	rewriter *rewrite.Rewriter
	cfg      *config.Config
	logger   *slog.Logger
	metrics  *metrics.Metrics
}

// NewProxyService creates a ProxyService.
// The metrics parameter is optional; pass nil to disable rewrite metrics.
func NewProxyService(c *client.UpstreamClient, rw *rewrite.Rewriter, cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *ProxyService {
	return &ProxyService{
		client:   c,
		rewriter: rw,
		cfg:      cfg,
		logger:   logger.With("component", "proxy_service"),
		metrics:  m,
	}
}

// Forward sends pr to target and returns the origin response with hop-by-hop
// headers removed. The caller is responsible for closing the response body.
func (s *ProxyService) Forward(pr *model.ProxyRequest, target model.TargetSpec) (*model.ProxyResponse, error) {
	header := s.filterRequestHeaders(pr.Header)

	s.logger.Debug("forwarding request",
		"method", pr.Method,
		"target_host", target.URL.Host,
		"secure", target.IsSecure,
	)

	resp, err := s.client.DoStream(pr.Ctx, target, pr.Method, header, pr.Body, pr.ContentLength)
	if err != nil {
		return nil, upstreamError("forward to upstream", err)
	}

	resp.Header = filterResponseHeaders(resp.Header)
	return resp, nil
}

// Rewrite classifies resp and applies the matching rewrite. The returned
// response is ready to be written to the client. resp.Body remains owned by
// the caller and must still be closed by it.
func (s *ProxyService) Rewrite(pr *model.ProxyRequest, target model.TargetSpec, resp *model.ProxyResponse) (*model.ProxyResponse, rewrite.Strategy, error) {
	strategy := rewrite.Classify(resp.StatusCode, resp.Header)
	if strategy == rewrite.StrategyUnsupported && s.cfg.Rewrite.PassthroughUntyped {
		strategy = rewrite.StrategyOpaque
	}
	if s.metrics != nil {
		s.metrics.RewritesTotal.WithLabelValues(strategy.String()).Inc()
	}

	switch strategy {
	case rewrite.StrategyRedirect:
		header := s.rewriter.Location(resp.Header, pr.RequestURI, target.URL)
		header.Del("Content-Length")
		header.Del("Content-Encoding")
		return &model.ProxyResponse{
			StatusCode: resp.StatusCode,
			Header:     header,
			Body:       http.NoBody,
		}, strategy, nil

	case rewrite.StrategyOpaque:
		return &model.ProxyResponse{
			StatusCode: resp.StatusCode,
			Header:     s.rewriter.Location(resp.Header, pr.RequestURI, target.URL),
			Body:       resp.Body,
		}, strategy, nil

	case rewrite.StrategyHTML:
		if bodyless(pr.Method, resp.StatusCode) {
			header := resp.Header.Clone()
			header.Del("Content-Length")
			return &model.ProxyResponse{
				StatusCode: resp.StatusCode,
				Header:     header,
				Body:       http.NoBody,
			}, strategy, nil
		}
		body, err := s.rewriteHTML(target, resp)
		if err != nil {
			return nil, strategy, err
		}
		header := resp.Header.Clone()
		header.Set("Content-Type", rewrite.HTMLContentType)
		header.Set("Content-Length", strconv.Itoa(len(body)))
		header.Del("Content-Encoding")
		return &model.ProxyResponse{
			StatusCode: resp.StatusCode,
			Header:     header,
			Body:       io.NopCloser(bytes.NewReader(body)),
		}, strategy, nil
	}

	return nil, strategy, ErrUnsupportedContentType
}

// rewriteHTML buffers the origin body, bounded by upstream.max_body_bytes,
// and returns the rewritten document.
func (s *ProxyService) rewriteHTML(target model.TargetSpec, resp *model.ProxyResponse) ([]byte, error) {
	if enc := resp.Header.Get("Content-Encoding"); enc != "" && !strings.EqualFold(enc, "identity") {
		return nil, fmt.Errorf("%w: unexpected content encoding %q", rewrite.ErrParse, enc)
	}

	limit := s.cfg.Upstream.MaxBodyBytes
	if cl, err := strconv.ParseInt(resp.Header.Get("Content-Length"), 10, 64); err == nil && cl > limit {
		return nil, fmt.Errorf("%w: declared %d bytes, limit %d", ErrBodyTooLarge, cl, limit)
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return nil, upstreamError("read upstream body", err)
	}
	if int64(len(raw)) > limit {
		return nil, fmt.Errorf("%w: limit %d bytes", ErrBodyTooLarge, limit)
	}
	if s.metrics != nil {
		s.metrics.BufferedBytes.Observe(float64(len(raw)))
	}

	doc, err := rewrite.DecodeUTF8(raw, resp.Header.Get("Content-Type"))
	if err != nil {
		return nil, err
	}
	out, err := s.rewriter.HTML(doc, target.URL)
	if err != nil {
		return nil, err
	}
	if s.metrics != nil {
		s.metrics.HTMLRewrites.Inc()
	}
	return out, nil
}

// bodyless reports whether the response to method can carry no body.
func bodyless(method string, status int) bool {
	return method == http.MethodHead || status == http.StatusNoContent || status == http.StatusNotModified
}

// upstreamError tags err with the taxonomy the handler maps to responses.
// Cancellation is passed through untouched: the client is gone.
func upstreamError(op string, err error) error {
	if errors.Is(err, context.Canceled) {
		return fmt.Errorf("%s: %w", op, err)
	}
	var ne net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &ne) && ne.Timeout()) {
		return fmt.Errorf("%s: %w: %w", op, ErrUpstreamTimeout, err)
	}
	return fmt.Errorf("%s: %w: %w", op, ErrUpstreamConnect, err)
}

func (s *ProxyService) filterRequestHeaders(src http.Header) http.Header {
	dst := removeHopByHop(src)
	for _, key := range strippedRequestHeaders {
		dst.Del(key)
	}
	if dst.Get("User-Agent") == "" {
		dst.Set("User-Agent", userAgent)
	}
	return dst
}

func filterResponseHeaders(src http.Header) http.Header {
	return removeHopByHop(src)
}

// removeHopByHop returns a copy of src without hop-by-hop headers, including
// any listed in the Connection header.
func removeHopByHop(src http.Header) http.Header {
	dst := src.Clone()
	if dst == nil {
		dst = make(http.Header)
	}
	for _, v := range src.Values("Connection") {
		for _, name := range strings.Split(v, ",") {
			if name = strings.TrimSpace(name); name != "" {
				dst.Del(name)
			}
		}
	}
	for _, key := range hopByHopHeaders {
		dst.Del(key)
	}
	return dst
}
