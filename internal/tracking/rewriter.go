package tracking

import (
	"html"
	"regexp"
	"strings"
)

var (
	// Quoted attribute values may contain '>'.
	anchorTagRe = regexp.MustCompile(`(?is)<(?:a|area)\b(?:[^>"']|"[^"]*"|'[^']*')*>`)
	hrefAttrRe  = regexp.MustCompile(`(?is)(\shref\s*=\s*)("[^"]*"|'[^']*'|[^\s"'>]+)`)
	bodyCloseRe = regexp.MustCompile(`(?i)</body\s*>`)
	htmlCloseRe = regexp.MustCompile(`(?i)</html\s*>`)
)

// Rewriter prepares an HTML body for tracking: every eligible link goes
// through the click endpoint and an open pixel is added.
type Rewriter struct {
	links *URLBuilder
}

// NewRewriter returns a Rewriter using links.
func NewRewriter(links *URLBuilder) *Rewriter {
	return &Rewriter{links: links}
}

// Rewrite returns body with tracked links and the open pixel. It works on
// partial or malformed markup and leaves anything it cannot recognise alone.
func (rw *Rewriter) Rewrite(body, messageID string) string {
	out := anchorTagRe.ReplaceAllStringFunc(body, func(tag string) string {
		loc := hrefAttrRe.FindStringSubmatchIndex(tag)
		if loc == nil {
			return tag
		}
		raw := tag[loc[4]:loc[5]]
		target := html.UnescapeString(unquote(raw))
		if !rw.shouldTrack(target) {
			return tag
		}
		tracked := `"` + html.EscapeString(rw.links.ClickURL(messageID, target)) + `"`
		return tag[:loc[4]] + tracked + tag[loc[5]:]
	})
	return rw.insertPixel(out, messageID)
}

func (rw *Rewriter) shouldTrack(target string) bool {
	t := strings.TrimSpace(target)
	switch {
	case t == "":
		return false
	case strings.HasPrefix(t, "#"):
		return false
	case len(t) >= 7 && strings.EqualFold(t[:7], "mailto:"):
		return false
	case rw.links.IsTrackingURL(t):
		return false
	}
	return true
}

func (rw *Rewriter) insertPixel(body, messageID string) string {
	pixel := `<img src="` + html.EscapeString(rw.links.PixelURL(messageID)) +
		`" width="1" height="1" alt="" style="display:none;width:1px;height:1px;border:0" />`

	if idx := lastMatch(bodyCloseRe, body); idx >= 0 {
		return body[:idx] + pixel + body[idx:]
	}
	if idx := lastMatch(htmlCloseRe, body); idx >= 0 {
		return body[:idx] + pixel + body[idx:]
	}
	return body + pixel
}

func unquote(v string) string {
	if len(v) >= 2 && (v[0] == '"' || v[0] == '\'') && v[len(v)-1] == v[0] {
		return v[1 : len(v)-1]
	}
	return v
}

func lastMatch(re *regexp.Regexp, s string) int {
	all := re.FindAllStringIndex(s, -1)
	if len(all) == 0 {
		return -1
	}
	return all[len(all)-1][0]
}
