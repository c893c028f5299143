package tracking

import (
	"regexp"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var hrefRe = regexp.MustCompile(`(?i)href="([^"]*)"`)

func newTestRewriter() (*Rewriter, *URLBuilder) {
	b := NewURLBuilder("https://t.example.com", "secret")
	return NewRewriter(b), b
}

func hrefs(s string) []string {
	var out []string
	for _, m := range hrefRe.FindAllStringSubmatch(s, -1) {
		out = append(out, m[1])
	}
	return out
}

func TestRewriteLinks(t *testing.T) {
	rw, b := newTestRewriter()
	body := `<html><body>
<a href="https://example.com/a?x=1&amp;y=2">one</a>
<a href="https://example.com/a?x=1&amp;y=2">dup</a>
<a href="mailto:someone@example.com">mail</a>
<a href="#top">top</a>
<a href="">empty</a>
<A class="btn" HREF='https://example.com/b'>b</A>
<a href="` + b.ClickURL("m0", "https://already.example") + `">tracked</a>
<area shape="rect" href="https://example.com/map">
<a title="a>b" data-x='1>0' href="https://example.com/c">quoted</a>
<link href="https://example.com/style.css">
</body></html>`

	out := rw.Rewrite(body, "m1")

	var clicks []string
	for _, h := range hrefs(out) {
		if strings.HasPrefix(h, "https://t.example.com/track/click/") {
			clicks = append(clicks, h)
		}
	}
	// two duplicates, the uppercase anchor, the pre-tracked link, the area
	// and the anchor with '>' inside quoted attributes
	require.Len(t, clicks, 6)

	_, data, sig := splitTrackingURL(t, clicks[0])
	id, dest, err := b.ParseClick(data, sig)
	require.NoError(t, err)
	assert.Equal(t, "m1", id)
	assert.Equal(t, "https://example.com/a?x=1&y=2", dest)
	assert.Equal(t, clicks[0], clicks[1])

	assert.Contains(t, out, `href="mailto:someone@example.com"`)
	assert.Contains(t, out, `href="#top"`)
	assert.Contains(t, out, `href=""`)
	assert.Contains(t, out, `<link href="https://example.com/style.css">`)
	assert.Contains(t, out, `class="btn"`)
	assert.Contains(t, out, `<a title="a>b" data-x='1>0' href="https://t.example.com/track/click/`)

	_, data, sig = splitTrackingURL(t, clicks[5])
	_, dest, err = b.ParseClick(data, sig)
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/c", dest)

	// the pre-tracked link keeps its original message id
	_, data, sig = splitTrackingURL(t, clicks[3])
	id, _, err = b.ParseClick(data, sig)
	require.NoError(t, err)
	assert.Equal(t, "m0", id)
}

func TestRewritePixelPlacement(t *testing.T) {
	rw, b := newTestRewriter()
	pixel := b.PixelURL("m1")

	out := rw.Rewrite("<html><body><p>x</p></BODY></html>", "m1")
	assert.True(t, strings.Index(out, pixel) < strings.Index(out, "</BODY>"))

	out = rw.Rewrite("<html><p>x</p></html>", "m1")
	assert.True(t, strings.HasSuffix(out, `/></html>`))
	assert.Contains(t, out, pixel)

	out = rw.Rewrite("<p>fragment", "m1")
	assert.True(t, strings.HasPrefix(out, "<p>fragment<img "))
	assert.Contains(t, out, `width="1" height="1"`)

	out = rw.Rewrite("<body>a</body><body>b</body>", "m1")
	assert.True(t, strings.Index(out, pixel) > strings.Index(out, ">b<"))
}

func TestRewriteMalformedInput(t *testing.T) {
	rw, _ := newTestRewriter()
	inputs := []string{
		"",
		"<a href=",
		`<a href="unterminated>text`,
		"<a href=https://example.com/unquoted>x</a>",
		"<<<>>> </body",
		"<a\nhref\n=\n'https://example.com/multi'>",
	}
	for _, in := range inputs {
		assert.NotPanics(t, func() { rw.Rewrite(in, "m1") }, "input %q", in)
	}

	out := rw.Rewrite("<a href=https://example.com/unquoted>x</a>", "m1")
	assert.Contains(t, out, `href="https://t.example.com/track/click/`)
}
