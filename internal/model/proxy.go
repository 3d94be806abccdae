// Package model defines shared types for the proxy.
package model

import (
	"context"
	"io"
	"net/http"
	"net/url"
)

// ProxyRequest represents an authenticated client request to be forwarded to the origin.
type ProxyRequest struct {
	Ctx    context.Context
	Method string
	// RequestURI is the inbound path and query, including the url= parameter.
	RequestURI string
	Header     http.Header
	Body       io.ReadCloser
	// ContentLength is -1 when unknown.
	ContentLength int64
}

// TargetSpec is the resolved destination of a proxied request.
type TargetSpec struct {
	URL      *url.URL
	IsSecure bool
}

// ProxyResponse represents the origin response to be streamed back.
type ProxyResponse struct {
	StatusCode int
	Header     http.Header
	Body       io.ReadCloser
}
