// Package rewrite transforms origin responses so that navigation stays on the proxy.
package rewrite

import (
	"net/http"
	"strings"
)

// Strategy is how an origin response has to be transformed before it reaches the client.
type Strategy int

const (
	// StrategyRedirect rewrites Location headers and drops the body.
	StrategyRedirect Strategy = iota
	// StrategyHTML buffers the body and rewrites its links.
	StrategyHTML
	// StrategyOpaque rewrites Location headers and streams the body unchanged.
	StrategyOpaque
	// StrategyUnsupported marks responses without a Content-Type.
	StrategyUnsupported
)

func (s Strategy) String() string {
	switch s {
	case StrategyRedirect:
		return "redirect"
	case StrategyHTML:
		return "html"
	case StrategyOpaque:
		return "opaque"
	case StrategyUnsupported:
		return "unsupported"
	}
	return "unknown"
}

// IsRedirect reports whether status is one of the redirect codes the proxy rewrites.
func IsRedirect(status int) bool {
	switch status {
	case http.StatusMovedPermanently, http.StatusFound, http.StatusSeeOther,
		http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
		return true
	}
	return false
}

// Classify picks the rewrite strategy for an origin response.
func Classify(status int, header http.Header) Strategy {
	if IsRedirect(status) {
		return StrategyRedirect
	}
	ct := header.Values("Content-Type")
	if len(ct) == 0 {
		return StrategyUnsupported
	}
	if strings.Contains(strings.ToLower(ct[0]), "text/html") {
		return StrategyHTML
	}
	return StrategyOpaque
}
