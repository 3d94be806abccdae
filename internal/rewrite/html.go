package rewrite

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
	"golang.org/x/net/html/charset"
)

// ErrParse is returned when an HTML body cannot be parsed.
var ErrParse = errors.New("html parse error")

// HTMLContentType is the Content-Type of every rewritten document.
const HTMLContentType = "text/html; charset=utf-8"

// urlAttrs maps element types to the attributes holding a URL the browser
// will request. Navigation targets and subresources both go through the
// proxy; a relative subresource left alone would resolve against the proxy
// host instead of the origin.
var urlAttrs = map[atom.Atom][]string{
	atom.A:      {"href"},
	atom.Area:   {"href"},
	atom.Form:   {"action"},
	atom.Button: {"formaction"},
	atom.Iframe: {"src"},
	atom.Frame:  {"src"},
	atom.Img:    {"src", "srcset"},
	atom.Source: {"src", "srcset"},
	atom.Script: {"src"},
	atom.Link:   {"href"},
	atom.Video:  {"src", "poster"},
	atom.Audio:  {"src"},
	atom.Track:  {"src"},
	atom.Embed:  {"src"},
	atom.Object: {"data"},
	atom.Input:  {"src", "formaction"},
}

// DecodeUTF8 transcodes body to UTF-8 using the charset declared in
// contentType or, failing that, in the document itself.
func DecodeUTF8(body []byte, contentType string) ([]byte, error) {
	r, err := charset.NewReader(bytes.NewReader(body), contentType)
	if err != nil {
		return nil, fmt.Errorf("%w: detect charset: %w", ErrParse, err)
	}
	out, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("%w: decode charset: %w", ErrParse, err)
	}
	return out, nil
}

// HTML rewrites every link and subresource URL in body so it is fetched
// through the proxy, and tags the root element with the marker attribute.
// Relative URLs are resolved against pageURL, or against the document's
// <base href> when present. Rewriting already rewritten output returns it unchanged.
func (r *Rewriter) HTML(body []byte, pageURL *url.URL) ([]byte, error) {
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, fmt.Errorf("%w: empty document", ErrParse)
	}

	doc, err := html.Parse(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrParse, err)
	}

	base := documentBase(doc, pageURL)

	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			if n.DataAtom == atom.Html {
				setAttr(n, r.marker, "true")
			}
			for _, key := range urlAttrs[n.DataAtom] {
				for i := range n.Attr {
					if n.Attr[i].Namespace != "" || !strings.EqualFold(n.Attr[i].Key, key) {
						continue
					}
					if key == "srcset" {
						n.Attr[i].Val = r.srcset(n.Attr[i].Val, base)
					} else {
						n.Attr[i].Val = r.link(n.Attr[i].Val, base)
					}
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)

	var buf bytes.Buffer
	buf.Grow(len(body) + len(body)/4)
	if err := html.Render(&buf, doc); err != nil {
		return nil, fmt.Errorf("render html: %w", err)
	}
	return buf.Bytes(), nil
}

// link returns the proxied form of a single attribute value. Values that do
// not name an http(s) resource are returned unchanged.
func (r *Rewriter) link(val string, base *url.URL) string {
	v := strings.TrimSpace(val)
	if v == "" || strings.HasPrefix(v, "#") {
		return val
	}
	abs, err := base.Parse(v)
	if err != nil || !isWebScheme(abs.Scheme) || abs.Host == "" {
		return val
	}
	return r.ProxyURL(r.unwrap(abs))
}

// srcset rewrites each candidate URL of a srcset value, keeping its width or
// density descriptor. Proxy URLs are query-escaped, so they never contain the
// commas or spaces that delimit candidates.
func (r *Rewriter) srcset(val string, base *url.URL) string {
	candidates := strings.Split(val, ",")
	for i, c := range candidates {
		fields := strings.Fields(c)
		if len(fields) == 0 {
			continue
		}
		fields[0] = r.link(fields[0], base)
		candidates[i] = strings.Join(fields, " ")
	}
	return strings.Join(candidates, ", ")
}

// documentBase returns the URL relative links resolve against: the first
// <base href> in the document, itself resolved against pageURL.
func documentBase(doc *html.Node, pageURL *url.URL) *url.URL {
	var found *url.URL
	var find func(*html.Node)
	find = func(n *html.Node) {
		if found != nil {
			return
		}
		if n.Type == html.ElementNode && n.DataAtom == atom.Base {
			for _, a := range n.Attr {
				if a.Key != "href" {
					continue
				}
				if u, err := pageURL.Parse(strings.TrimSpace(a.Val)); err == nil && isWebScheme(u.Scheme) {
					found = u
				}
				return
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			find(c)
		}
	}
	find(doc)

	if found == nil {
		return pageURL
	}
	return found
}

func setAttr(n *html.Node, key, val string) {
	for i := range n.Attr {
		if n.Attr[i].Namespace == "" && n.Attr[i].Key == key {
			n.Attr[i].Val = val
			return
		}
	}
	n.Attr = append(n.Attr, html.Attribute{Key: key, Val: val})
}
