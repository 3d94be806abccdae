// Package target extracts the origin URL a client asks the proxy to fetch.
package target

import (
	"errors"
	"net/url"
	"strings"

	"linkproxy/internal/model"
)

// QueryParam is the inbound query parameter carrying the target URL.
const QueryParam = "url"

var (
	// ErrMissingTarget is returned when the url parameter is absent or empty.
	ErrMissingTarget = errors.New("missing target URL")
	// ErrInvalidTarget is returned when the url parameter is not an absolute http(s) URL.
	ErrInvalidTarget = errors.New("invalid target URL")
)

// Resolver turns an inbound request URL into a TargetSpec.
type Resolver struct{}

// NewResolver creates a Resolver.
func NewResolver() *Resolver {
	return &Resolver{}
}

// Resolve reads the url query parameter of requestURL and validates it.
func (r *Resolver) Resolve(requestURL *url.URL) (model.TargetSpec, error) {
	raw := strings.TrimSpace(requestURL.Query().Get(QueryParam))
	if raw == "" {
		return model.TargetSpec{}, ErrMissingTarget
	}
	return Parse(raw)
}

// Parse validates raw as an absolute http or https URL.
func Parse(raw string) (model.TargetSpec, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return model.TargetSpec{}, ErrInvalidTarget
	}
	// url.Parse lowercases the scheme.
	if !u.IsAbs() || (u.Scheme != "http" && u.Scheme != "https") || u.Hostname() == "" {
		return model.TargetSpec{}, ErrInvalidTarget
	}
	u.Fragment = ""
	u.RawFragment = ""

	return model.TargetSpec{
		URL:      u,
		IsSecure: u.Scheme == "https",
	}, nil
}
