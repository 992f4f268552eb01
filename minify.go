package livediff

import (
	"strings"
	"sync"

	"github.com/tdewolff/minify/v2"
	"github.com/tdewolff/minify/v2/html"
)

var (
	htmlMinifier     *minify.M
	htmlMinifierOnce sync.Once
)

// sharedMinifier lazily builds the process-wide HTML minifier.
func sharedMinifier() *minify.M {
	htmlMinifierOnce.Do(func() {
		htmlMinifier = minify.New()
		htmlMinifier.AddFunc("text/html", html.Minify)
	})
	return htmlMinifier
}

// MinifyStatics minifies each static segment of markup before it is hashed
// and transmitted. Smaller statics mean smaller full-fragment payloads, and
// since fingerprints hash the statics, minification must happen before the
// first render, not per pass. Segments that fail to minify are kept as-is.
func MinifyStatics(statics []string) []string {
	out := make([]string, len(statics))
	for i, s := range statics {
		out[i] = minifySegment(s)
	}
	return out
}

// minifySegment shrinks one static segment. Tag-bearing segments go through
// the HTML minifier; bare text only has its whitespace runs collapsed,
// without trimming, since segment edges abut dynamic values and their
// leading and trailing spaces are significant. A segment the minifier
// rejects is kept as-is.
func minifySegment(s string) string {
	if strings.Contains(s, "<") {
		out, err := sharedMinifier().String("text/html", s)
		if err != nil {
			return s
		}
		return out
	}
	return collapseWhitespace(s)
}

// collapseWhitespace replaces each run of whitespace with a single space.
func collapseWhitespace(text string) string {
	var b strings.Builder
	inSpace := false
	for _, r := range text {
		switch r {
		case ' ', '\t', '\n', '\r':
			if !inSpace {
				b.WriteByte(' ')
				inSpace = true
			}
		default:
			b.WriteRune(r)
			inSpace = false
		}
	}
	return b.String()
}
