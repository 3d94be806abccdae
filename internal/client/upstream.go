// Package client provides the HTTP client used to reach origin servers.
package client

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"linkproxy/internal/config"
	"linkproxy/internal/metrics"
	"linkproxy/internal/model"
)

// UpstreamClient sends proxied requests to origin servers.
// Certificates are verified only for https targets.
type UpstreamClient struct {
	secure   *http.Client
	insecure *http.Client
	logger   *slog.Logger
	metrics  *metrics.Metrics
	// idle bounds the wait for response headers and each gap between body
	// reads. Zero disables it.
	idle time.Duration
}

// NewUpstreamClient creates an UpstreamClient with connection pooling and timeouts.
// The metrics parameter is optional; pass nil to disable upstream metrics recording.
func NewUpstreamClient(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *UpstreamClient {
	up := cfg.Upstream
	return &UpstreamClient{
		secure:   newHTTPClient(up, false),
		insecure: newHTTPClient(up, true),
		logger:   logger.With("component", "upstream_client"),
		metrics:  m,
		idle:     time.Duration(up.TimeoutSeconds) * time.Second,
	}
}

func newHTTPClient(up config.UpstreamConfig, skipVerify bool) *http.Client {
	connectTimeout := time.Duration(up.ConnectTimeoutSeconds) * time.Second

	transport := &http.Transport{
		MaxIdleConns:          up.IdleConnections,
		MaxIdleConnsPerHost:   up.IdleConnections,
		IdleConnTimeout:       time.Duration(up.IdleTimeoutSeconds) * time.Second,
		ResponseHeaderTimeout: time.Duration(up.ResponseHeaderTimeoutSeconds) * time.Second,
		TLSHandshakeTimeout:   connectTimeout,
		ForceAttemptHTTP2:     true,
		DialContext: (&net.Dialer{
			Timeout:   connectTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
	}
	if skipVerify {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // plain-http targets only
	}

	// No Client.Timeout: it would also cut off long bodies that are still
	// streaming. DoStream enforces an idle timeout instead.
	return &http.Client{
		Transport: transport,
		// Redirects are rewritten and handed to the client, never followed here.
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

// Do executes an HTTP request against the origin and returns the raw response.
// The caller is responsible for closing the response body.
func (c *UpstreamClient) Do(req *http.Request, secure bool) (*model.ProxyResponse, error) {
	c.logger.Debug("upstream request",
		"method", req.Method,
		"host", req.URL.Host,
		"secure", secure,
	)

	hc := c.insecure
	if secure {
		hc = c.secure
	}

	start := time.Now()
	resp, err := hc.Do(req) //nolint:bodyclose // body ownership transfers to caller via ProxyResponse
	duration := time.Since(start).Seconds()

	method := metrics.NormalizeMethod(req.Method)

	if err != nil {
		if c.metrics != nil {
			c.metrics.UpstreamDuration.WithLabelValues(method).Observe(duration)
		}
		return nil, fmt.Errorf("upstream request: %w", err)
	}

	if c.metrics != nil {
		status := strconv.Itoa(resp.StatusCode)
		c.metrics.UpstreamDuration.WithLabelValues(method).Observe(duration)
		c.metrics.UpstreamResponses.WithLabelValues(method, status).Inc()
	}

	return &model.ProxyResponse{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       resp.Body,
	}, nil
}

// DoStream executes a request against target and returns the response body as a stream.
// A contentLength of -1 means unknown; 0 sends no body.
// The caller is responsible for closing the returned ReadCloser.
// The provided context controls the lifetime of the upstream request:
// when the context is canceled (e.g. client disconnects), the upstream
// request and any body read in progress are also canceled.
//
// The request is also canceled when the origin goes quiet for longer than
// upstream.timeout_seconds, either before the headers arrive or between two
// body reads. Such failures wrap context.DeadlineExceeded.
func (c *UpstreamClient) DoStream(ctx context.Context, target model.TargetSpec, method string, header http.Header, body io.Reader, contentLength int64) (*model.ProxyResponse, error) {
	if body == nil || contentLength == 0 {
		body = http.NoBody
	}

	ctx, cancel := context.WithCancel(ctx)
	req, err := http.NewRequestWithContext(ctx, method, target.URL.String(), body)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("build upstream request: %w", err)
	}
	if body != http.NoBody {
		req.ContentLength = contentLength
	}
	req.Header = header

	if c.idle <= 0 {
		resp, err := c.Do(req, target.IsSecure)
		if err != nil {
			cancel()
			return nil, err
		}
		resp.Body = &cancelBody{ReadCloser: resp.Body, cancel: cancel}
		return resp, nil
	}

	var expired atomic.Bool
	timer := time.AfterFunc(c.idle, func() {
		expired.Store(true)
		cancel()
	})

	resp, err := c.Do(req, target.IsSecure)
	if err != nil {
		timer.Stop()
		cancel()
		if expired.Load() {
			return nil, fmt.Errorf("upstream request: no response headers within %s: %w", c.idle, context.DeadlineExceeded)
		}
		return nil, err
	}

	timer.Reset(c.idle)
	resp.Body = &idleBody{
		cancelBody: cancelBody{ReadCloser: resp.Body, cancel: cancel},
		timer:      timer,
		idle:       c.idle,
		expired:    &expired,
	}
	return resp, nil
}

// cancelBody releases the request context when the body is closed.
type cancelBody struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (b *cancelBody) Close() error {
	err := b.ReadCloser.Close()
	b.cancel()
	return err
}

// idleBody restarts the idle timer on every read that returns data.
type idleBody struct {
	cancelBody
	timer   *time.Timer
	idle    time.Duration
	expired *atomic.Bool
}

func (b *idleBody) Read(p []byte) (int, error) {
	n, err := b.ReadCloser.Read(p)
	if n > 0 && !b.expired.Load() {
		b.timer.Reset(b.idle)
	}
	if err != nil && !errors.Is(err, io.EOF) && b.expired.Load() {
		return n, fmt.Errorf("upstream body idle for %s: %w", b.idle, context.DeadlineExceeded)
	}
	return n, err
}

func (b *idleBody) Close() error {
	b.timer.Stop()
	return b.cancelBody.Close()
}
