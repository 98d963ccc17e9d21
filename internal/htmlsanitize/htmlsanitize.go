// Package htmlsanitize strips remote HTML (Mastodon-style instance
// descriptions) down to plain text, dropping every tag and attribute rather
// than allow-listing a subset — the relay never renders the result as HTML
// itself, so there is nothing to preserve structurally. Walks tokens with
// golang.org/x/net/html rather than regexp-stripping tags.
package htmlsanitize

import (
	"strings"

	"golang.org/x/net/html"
)

// blockTags get a paragraph break; br gets a line break. Everything else
// contributes only its text content.
var blockTags = map[string]bool{
	"p": true, "div": true, "blockquote": true, "li": true,
}

// StripToText tokenizes h and returns its text content, with script/style
// bodies dropped entirely and a conservative set of block-level tags
// translated to line breaks so the result stays readable.
func StripToText(h string) string {
	z := html.NewTokenizer(strings.NewReader(h))
	var sb strings.Builder
	skipContent := false
	for {
		tt := z.Next()
		if tt == html.ErrorToken {
			break
		}
		switch tt {
		case html.TextToken:
			if !skipContent {
				sb.WriteString(html.UnescapeString(string(z.Raw())))
			}
		case html.StartTagToken, html.SelfClosingTagToken:
			name, _ := z.TagName()
			switch string(name) {
			case "script", "style":
				skipContent = true
			case "br":
				sb.WriteString("\n")
			default:
				if blockTags[string(name)] {
					sb.WriteString("\n\n")
				}
			}
		case html.EndTagToken:
			name, _ := z.TagName()
			switch string(name) {
			case "script", "style":
				skipContent = false
			default:
				if blockTags[string(name)] {
					sb.WriteString("\n\n")
				}
			}
		}
	}
	text := sb.String()
	for strings.Contains(text, "\n\n\n") {
		text = strings.ReplaceAll(text, "\n\n\n", "\n\n")
	}
	return strings.TrimSpace(text)
}
