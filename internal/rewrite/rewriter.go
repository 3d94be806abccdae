package rewrite

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"linkproxy/internal/config"
	"linkproxy/internal/target"
)

// maxUnwrap bounds how many nested proxy URLs are peeled off one link.
const maxUnwrap = 8

// Rewriter holds the read-only context shared by all rewrites: the public
// base URL of the proxy and the configured rewrite options. It is safe for
// concurrent use.
type Rewriter struct {
	base            *url.URL
	marker          string
	resolveLocation bool
}

// NewRewriter creates a Rewriter from the proxy and rewrite sections of the config.
func NewRewriter(cfg *config.Config) (*Rewriter, error) {
	u, err := url.Parse(cfg.Proxy.PublicBaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse proxy public_base_url: %w", err)
	}
	if !u.IsAbs() || u.Host == "" {
		return nil, fmt.Errorf("proxy public_base_url %q is not absolute", cfg.Proxy.PublicBaseURL)
	}
	u.RawQuery = ""
	u.Fragment = ""
	u.RawFragment = ""

	marker := cfg.Rewrite.MarkerAttribute
	if marker == "" {
		marker = "data-proxied"
	}

	return &Rewriter{
		base:            u,
		marker:          marker,
		resolveLocation: cfg.Rewrite.ResolveLocation,
	}, nil
}

// ProxyURL returns the proxy URL that fetches dest. A fragment on dest is
// moved onto the returned URL so the browser still scrolls to it.
func (r *Rewriter) ProxyURL(dest *url.URL) string {
	inner := *dest
	frag := inner.EscapedFragment()
	inner.Fragment = ""
	inner.RawFragment = ""

	out := *r.base
	out.RawQuery = target.QueryParam + "=" + url.QueryEscape(inner.String())
	s := out.String()
	if frag != "" {
		s += "#" + frag
	}
	return s
}

// unwrap peels proxy URLs off u until it names the origin resource.
func (r *Rewriter) unwrap(u *url.URL) *url.URL {
	for range maxUnwrap {
		if !r.isProxyURL(u) {
			return u
		}
		spec, err := target.Parse(u.Query().Get(target.QueryParam))
		if err != nil {
			return u
		}
		inner := spec.URL
		if u.Fragment != "" {
			inner.Fragment = u.Fragment
			inner.RawFragment = u.RawFragment
		}
		u = inner
	}
	return u
}

func (r *Rewriter) isProxyURL(u *url.URL) bool {
	if !strings.EqualFold(u.Scheme, r.base.Scheme) || !strings.EqualFold(u.Host, r.base.Host) {
		return false
	}
	if strings.TrimSuffix(u.Path, "/") != strings.TrimSuffix(r.base.Path, "/") {
		return false
	}
	return u.Query().Get(target.QueryParam) != ""
}

// Location rewrites Location and Content-Location so they point back through
// the proxy. By default both become the public base URL carrying the query of the
// inbound request. With resolve_location enabled, each value is resolved against
// pageURL and wrapped as a proxy URL instead. The returned header is a copy.
func (r *Rewriter) Location(header http.Header, requestURI string, pageURL *url.URL) http.Header {
	out := header.Clone()
	for _, key := range []string{"Location", "Content-Location"} {
		v := out.Get(key)
		if v == "" {
			continue
		}
		out.Set(key, r.location(v, requestURI, pageURL))
	}
	return out
}

func (r *Rewriter) location(value, requestURI string, pageURL *url.URL) string {
	if r.resolveLocation {
		if abs, err := pageURL.Parse(strings.TrimSpace(value)); err == nil && isWebScheme(abs.Scheme) {
			return r.ProxyURL(r.unwrap(abs))
		}
	}
	// The proxy is mounted at the base path, so only the query of the
	// inbound request is carried over. Appending its path would repeat
	// the base path on every redirect.
	out := *r.base
	if out.Path == "" {
		out.Path = "/"
	}
	_, out.RawQuery, _ = strings.Cut(requestURI, "?")
	return out.String()
}

func isWebScheme(scheme string) bool {
	return scheme == "http" || scheme == "https"
}
