package rewrite

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"linkproxy/internal/config"
)

// attrs collects the values of key on every element of type a in doc.
func attrs(t *testing.T, doc []byte, a atom.Atom, key string) []string {
	t.Helper()
	root, err := html.Parse(bytes.NewReader(doc))
	require.NoError(t, err)

	var out []string
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && n.DataAtom == a {
			for _, at := range n.Attr {
				if at.Key == key {
					out = append(out, at.Val)
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(root)
	return out
}

func TestHTML_RewritesAnchorThroughProxy(t *testing.T) {
	r := newTestRewriter(t, "https://proxy.example.com")
	page := mustParse(t, "https://example.com/page")

	out, err := r.HTML([]byte(`<a href="/x">x</a>`), page)
	require.NoError(t, err)

	hrefs := attrs(t, out, atom.A, "href")
	require.Len(t, hrefs, 1)
	assert.Contains(t, hrefs[0], "url=https%3A%2F%2Fexample.com%2Fx")

	u := mustParse(t, hrefs[0])
	assert.Equal(t, "proxy.example.com", u.Host)
	assert.Equal(t, "https://example.com/x", u.Query().Get("url"))
}

func TestHTML_ResolvesLinks(t *testing.T) {
	r := newTestRewriter(t, "https://proxy.example.com/api/proxy")
	page := mustParse(t, "https://example.com/docs/intro.html")

	tests := []struct {
		name string
		href string
		want string
	}{
		{"root relative", "/about", "https://example.com/about"},
		{"path relative", "guide.html", "https://example.com/docs/guide.html"},
		{"parent relative", "../index.html", "https://example.com/index.html"},
		{"query only", "?page=2", "https://example.com/docs/intro.html?page=2"},
		{"absolute https", "https://other.example.org/p?q=1", "https://other.example.org/p?q=1"},
		{"absolute http", "http://plain.example.org/", "http://plain.example.org/"},
		{"protocol relative", "//cdn.example.com/lib", "https://cdn.example.com/lib"},
		{"surrounding whitespace", "  /trim  ", "https://example.com/trim"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := r.HTML([]byte(`<p><a href="`+tt.href+`">l</a></p>`), page)
			require.NoError(t, err)

			hrefs := attrs(t, out, atom.A, "href")
			require.Len(t, hrefs, 1)
			u := mustParse(t, hrefs[0])
			assert.Equal(t, "/api/proxy", u.Path)
			assert.Equal(t, tt.want, u.Query().Get("url"))
		})
	}
}

func TestHTML_LeavesNonNavigableLinks(t *testing.T) {
	r := newTestRewriter(t, "https://proxy.example.com")
	page := mustParse(t, "https://example.com/")

	for _, href := range []string{
		"#top",
		"mailto:someone@example.com",
		"javascript:void(0)",
		"tel:+15550100",
		"data:text/plain,hi",
		"",
	} {
		t.Run(href, func(t *testing.T) {
			out, err := r.HTML([]byte(`<a href="`+href+`">l</a>`), page)
			require.NoError(t, err)
			assert.Equal(t, []string{href}, attrs(t, out, atom.A, "href"))
		})
	}
}

func TestHTML_KeepsFragmentOnProxyURL(t *testing.T) {
	r := newTestRewriter(t, "https://proxy.example.com")
	out, err := r.HTML([]byte(`<a href="/faq#shipping">faq</a>`), mustParse(t, "https://example.com/"))
	require.NoError(t, err)

	hrefs := attrs(t, out, atom.A, "href")
	require.Len(t, hrefs, 1)
	u := mustParse(t, hrefs[0])
	assert.Equal(t, "shipping", u.Fragment)
	assert.Equal(t, "https://example.com/faq", u.Query().Get("url"))
}

func TestHTML_RewritesOtherNavigableElements(t *testing.T) {
	r := newTestRewriter(t, "https://proxy.example.com")
	doc := `<map><area href="/area"></map>
<form action="/search"><input name="q"><button formaction="/alt">go</button></form>
<iframe src="/embed"></iframe>`

	out, err := r.HTML([]byte(doc), mustParse(t, "https://example.com/"))
	require.NoError(t, err)

	for _, c := range []struct {
		a    atom.Atom
		key  string
		want string
	}{
		{atom.Area, "href", "https://example.com/area"},
		{atom.Form, "action", "https://example.com/search"},
		{atom.Button, "formaction", "https://example.com/alt"},
		{atom.Iframe, "src", "https://example.com/embed"},
	} {
		vals := attrs(t, out, c.a, c.key)
		require.Len(t, vals, 1, c.a.String())
		assert.Equal(t, c.want, innerTarget(t, vals[0]))
	}
}

func TestHTML_RewritesSubresources(t *testing.T) {
	r := newTestRewriter(t, "https://proxy.example.com")
	doc := `<html><head>
<link rel="stylesheet" href="/css/site.css">
<script src="app.js"></script>
</head><body>
<img src="/logo.png">
<video src="//media.example.net/intro.mp4" poster="/poster.jpg"><track src="/subs.vtt"></video>
<audio src="/jingle.ogg"></audio>
<embed src="/widget.swf">
<object data="/doc.pdf"></object>
<input type="image" src="/submit.png">
<img src="data:image/png;base64,iVBORw0KGgo=">
</body></html>`

	out, err := r.HTML([]byte(doc), mustParse(t, "https://example.com/blog/post"))
	require.NoError(t, err)

	for _, c := range []struct {
		a    atom.Atom
		key  string
		want []string
	}{
		{atom.Link, "href", []string{"https://example.com/css/site.css"}},
		{atom.Script, "src", []string{"https://example.com/blog/app.js"}},
		{atom.Img, "src", []string{"https://example.com/logo.png", ""}},
		{atom.Video, "src", []string{"https://media.example.net/intro.mp4"}},
		{atom.Video, "poster", []string{"https://example.com/poster.jpg"}},
		{atom.Track, "src", []string{"https://example.com/subs.vtt"}},
		{atom.Audio, "src", []string{"https://example.com/jingle.ogg"}},
		{atom.Embed, "src", []string{"https://example.com/widget.swf"}},
		{atom.Object, "data", []string{"https://example.com/doc.pdf"}},
		{atom.Input, "src", []string{"https://example.com/submit.png"}},
	} {
		vals := attrs(t, out, c.a, c.key)
		require.Len(t, vals, len(c.want), c.a.String()+"[%s]", c.key)
		for i, want := range c.want {
			if want == "" {
				continue
			}
			assert.True(t, strings.HasPrefix(vals[i], "https://proxy.example.com?url="), vals[i])
			assert.Equal(t, want, innerTarget(t, vals[i]), "%s[%s]", c.a, c.key)
		}
	}

	// Inline data stays inline.
	assert.Equal(t, "data:image/png;base64,iVBORw0KGgo=", attrs(t, out, atom.Img, "src")[1])
}

func TestHTML_RewritesSrcset(t *testing.T) {
	r := newTestRewriter(t, "https://proxy.example.com")
	doc := `<picture><source srcset="/hero.webp 1x, /hero@2x.webp 2x">` +
		`<img src="/hero.jpg" srcset="/hero-480.jpg 480w,/hero-960.jpg 960w"></picture>`

	out, err := r.HTML([]byte(doc), mustParse(t, "https://example.com/"))
	require.NoError(t, err)

	parse := func(srcset string) ([]string, []string) {
		var urls, descs []string
		for _, c := range strings.Split(srcset, ",") {
			f := strings.Fields(c)
			require.Len(t, f, 2, srcset)
			urls = append(urls, innerTarget(t, f[0]))
			descs = append(descs, f[1])
		}
		return urls, descs
	}

	sources := attrs(t, out, atom.Source, "srcset")
	require.Len(t, sources, 1)
	urls, descs := parse(sources[0])
	assert.Equal(t, []string{"https://example.com/hero.webp", "https://example.com/hero@2x.webp"}, urls)
	assert.Equal(t, []string{"1x", "2x"}, descs)

	imgs := attrs(t, out, atom.Img, "srcset")
	require.Len(t, imgs, 1)
	urls, descs = parse(imgs[0])
	assert.Equal(t, []string{"https://example.com/hero-480.jpg", "https://example.com/hero-960.jpg"}, urls)
	assert.Equal(t, []string{"480w", "960w"}, descs)

	again, err := r.HTML(out, mustParse(t, "https://example.com/"))
	require.NoError(t, err)
	assert.Equal(t, string(out), string(again))
}

func TestHTML_HonorsBaseHref(t *testing.T) {
	r := newTestRewriter(t, "https://proxy.example.com")
	doc := `<html><head><base href="https://static.example.com/v2/"></head>
<body><a href="page">p</a></body></html>`

	out, err := r.HTML([]byte(doc), mustParse(t, "https://example.com/"))
	require.NoError(t, err)

	hrefs := attrs(t, out, atom.A, "href")
	require.Len(t, hrefs, 1)
	assert.Equal(t, "https://static.example.com/v2/page", innerTarget(t, hrefs[0]))
}

func TestHTML_TagsRootElement(t *testing.T) {
	r := newTestRewriter(t, "https://proxy.example.com", func(c *config.Config) {
		c.Rewrite.MarkerAttribute = "data-via"
	})

	out, err := r.HTML([]byte(`<!DOCTYPE html><html lang="en"><body>hi</body></html>`), mustParse(t, "https://example.com/"))
	require.NoError(t, err)

	assert.Equal(t, []string{"true"}, attrs(t, out, atom.Html, "data-via"))
	assert.Equal(t, []string{"en"}, attrs(t, out, atom.Html, "lang"))
	assert.True(t, strings.HasPrefix(string(out), "<!DOCTYPE html>"))
}

func TestHTML_DoubleRewriteIsIdempotent(t *testing.T) {
	r := newTestRewriter(t, "https://proxy.example.com/p")
	page := mustParse(t, "https://example.com/page")
	doc := []byte(`<html><body>
<a href="/x">x</a>
<a href="https://other.example.org/y?a=1&b=2">y</a>
<a href="/z#frag">z</a>
</body></html>`)

	once, err := r.HTML(doc, page)
	require.NoError(t, err)
	twice, err := r.HTML(once, page)
	require.NoError(t, err)

	assert.Equal(t, string(once), string(twice))

	hrefs := attrs(t, twice, atom.A, "href")
	require.Len(t, hrefs, 3)
	assert.Equal(t, "https://example.com/x", innerTarget(t, hrefs[0]))
	assert.Equal(t, "https://other.example.org/y?a=1&b=2", innerTarget(t, hrefs[1]))
	assert.Equal(t, "https://example.com/z", innerTarget(t, hrefs[2]))
	assert.NotContains(t, hrefs[0], "%253A", "url parameter must not be double-encoded")
}

func TestHTML_ParseErrors(t *testing.T) {
	r := newTestRewriter(t, "https://proxy.example.com")
	page := mustParse(t, "https://example.com/")

	for _, body := range []string{"", "   \n\t "} {
		_, err := r.HTML([]byte(body), page)
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrParse), "err = %v, want ErrParse", err)
	}
}

func TestDecodeUTF8(t *testing.T) {
	// "café" in ISO-8859-1.
	latin1 := []byte{'<', 'p', '>', 'c', 'a', 'f', 0xe9, '<', '/', 'p', '>'}

	out, err := DecodeUTF8(latin1, "text/html; charset=ISO-8859-1")
	require.NoError(t, err)
	assert.Equal(t, "<p>café</p>", string(out))

	utf8In := []byte("<p>café</p>")
	out, err = DecodeUTF8(utf8In, "text/html; charset=utf-8")
	require.NoError(t, err)
	assert.Equal(t, string(utf8In), string(out))
}
