package handler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"linkproxy/internal/auth"
	"linkproxy/internal/metrics"
	"linkproxy/internal/model"
	"linkproxy/internal/rewrite"
	"linkproxy/internal/service"
	"linkproxy/internal/target"
)

// state names the orchestrator stages reported in debug logs.
type state string

const (
	stateAwaitingAuth   state = "awaiting_auth"
	stateAwaitingTarget state = "awaiting_target"
	stateForwarding     state = "forwarding"
	stateClassifying    state = "classifying_response"
	stateRewritingHTML  state = "rewriting_html"
	stateRewritingHdrs  state = "rewriting_headers"
	statePassingThrough state = "passing_through"
	stateFailing        state = "failing"
	stateDone           state = "done"
)

// ProxyHandler authenticates inbound requests, forwards them to the target
// named by the url query parameter and writes the rewritten response.
type ProxyHandler struct {
	gate     *auth.Gate
	resolver *target.Resolver
	service  *service.ProxyService
	logger   *slog.Logger
	metrics  *metrics.Metrics
}

// NewProxyHandler creates a ProxyHandler.
// The metrics parameter is optional; pass nil to disable failure counters.
func NewProxyHandler(gate *auth.Gate, resolver *target.Resolver, svc *service.ProxyService, logger *slog.Logger, m *metrics.Metrics) *ProxyHandler {
	return &ProxyHandler{
		gate:     gate,
		resolver: resolver,
		service:  svc,
		logger:   logger.With("component", "proxy_handler"),
		metrics:  m,
	}
}

// Handle runs one request through the proxy pipeline.
func (h *ProxyHandler) Handle(c echo.Context) error {
	req := c.Request()
	log := h.logger.With("request_id", c.Response().Header().Get(echo.HeaderXRequestID))

	log.Debug("proxy state", "state", stateAwaitingAuth)
	if !h.gate.Authenticate(req.Header) {
		h.countFailure("unauthorized")
		log.Debug("proxy state", "state", stateDone, "status", http.StatusUnauthorized)
		c.Response().Header().Set(echo.HeaderWWWAuthenticate, auth.Challenge)
		return c.String(http.StatusUnauthorized, "Unauthorized")
	}

	log.Debug("proxy state", "state", stateAwaitingTarget)
	spec, err := h.resolver.Resolve(req.URL)
	if err != nil {
		return h.mapError(c, log, err)
	}

	pr := &model.ProxyRequest{
		Ctx:           req.Context(),
		Method:        req.Method,
		RequestURI:    req.URL.RequestURI(),
		Header:        req.Header,
		Body:          req.Body,
		ContentLength: req.ContentLength,
	}

	log.Debug("proxy state", "state", stateForwarding, "target_host", spec.URL.Host)
	resp, err := h.service.Forward(pr, spec)
	if err != nil {
		return h.mapError(c, log, err)
	}
	defer func() { _ = resp.Body.Close() }()

	log.Debug("proxy state", "state", stateClassifying, "upstream_status", resp.StatusCode)
	out, strategy, err := h.service.Rewrite(pr, spec, resp)
	log.Debug("proxy state", "state", strategyState(strategy, err), "strategy", strategy.String())
	if err != nil {
		return h.mapError(c, log, err)
	}

	h.emit(c, log, out)
	log.Debug("proxy state", "state", stateDone, "status", out.StatusCode)
	return nil
}

// emit writes out to the client. The status is committed before the body is
// streamed, so a copy failure can only truncate the response.
func (h *ProxyHandler) emit(c echo.Context, log *slog.Logger, out *model.ProxyResponse) {
	dst := c.Response().Header()
	for key, vals := range out.Header {
		dst[key] = append([]string(nil), vals...)
	}
	c.Response().WriteHeader(out.StatusCode)

	if _, err := io.Copy(c.Response(), out.Body); err != nil {
		log.Error("streaming response body",
			"err", err,
			"path", c.Request().URL.Path,
		)
	}
}

func strategyState(s rewrite.Strategy, err error) state {
	if err != nil {
		return stateFailing
	}
	switch s {
	case rewrite.StrategyHTML:
		return stateRewritingHTML
	case rewrite.StrategyRedirect:
		return stateRewritingHdrs
	case rewrite.StrategyOpaque:
		return statePassingThrough
	}
	return stateFailing
}

func (h *ProxyHandler) mapError(c echo.Context, log *slog.Logger, err error) error {
	status, reason, msg := classifyError(err)
	h.countFailure(reason)

	switch reason {
	case "missing_target", "invalid_target":
		log.Debug("rejected target", "err", err)
	case "canceled":
		log.Info("client went away", "err", err, "path", c.Request().URL.Path)
	default:
		log.Error("proxy error", "err", err, "reason", reason, "path", c.Request().URL.Path)
	}
	log.Debug("proxy state", "state", stateDone, "status", status)

	return c.String(status, msg)
}

// classifyError maps a pipeline error to the response status, a bounded
// metrics reason and the plain-text body sent to the client.
func classifyError(err error) (int, string, string) {
	switch {
	case errors.Is(err, target.ErrMissingTarget):
		return http.StatusBadRequest, "missing_target", "Missing target URL"
	case errors.Is(err, target.ErrInvalidTarget):
		return http.StatusBadRequest, "invalid_target", "Invalid target URL"
	case errors.Is(err, service.ErrUnsupportedContentType):
		return http.StatusInternalServerError, "unsupported", "Unsupported content type"
	case errors.Is(err, service.ErrBodyTooLarge):
		return http.StatusInternalServerError, "body_too_large", "Proxy error: upstream document too large to rewrite"
	case errors.Is(err, rewrite.ErrParse):
		return http.StatusInternalServerError, "parse", "Proxy error: failed to parse upstream HTML"
	case errors.Is(err, service.ErrUpstreamTimeout):
		return http.StatusInternalServerError, "timeout", "Proxy error: upstream request timed out"
	case errors.Is(err, context.Canceled):
		return http.StatusInternalServerError, "canceled", "Proxy error: request canceled"
	}
	return http.StatusInternalServerError, "connect", "Proxy error: upstream connection failed"
}

func (h *ProxyHandler) countFailure(reason string) {
	if h.metrics != nil {
		h.metrics.FailuresTotal.WithLabelValues(reason).Inc()
	}
}
