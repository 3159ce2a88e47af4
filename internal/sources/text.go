// Package sources produces ingestion input: Federal Register notices,
// the HTSUS tariff schedule and local JSON record files.
package sources

import (
	"regexp"
	"strings"

	"golang.org/x/net/html"
)

var (
	spaceRun    = regexp.MustCompile(`\s+`)
	unsupported = regexp.MustCompile(`[^\p{L}\p{N}_\s.,;:!?\-()]`)
)

// StripHTML returns the text content of an HTML fragment with whitespace
// collapsed. Script and style contents are dropped.
func StripHTML(fragment string) string {
	if strings.TrimSpace(fragment) == "" {
		return ""
	}
	var b strings.Builder
	z := html.NewTokenizer(strings.NewReader(fragment))
	skip := 0
	for {
		switch z.Next() {
		case html.ErrorToken:
			return strings.TrimSpace(spaceRun.ReplaceAllString(b.String(), " "))
		case html.StartTagToken:
			if name, _ := z.TagName(); isRawTag(name) {
				skip++
			}
			b.WriteByte(' ')
		case html.EndTagToken:
			if name, _ := z.TagName(); isRawTag(name) && skip > 0 {
				skip--
			}
			b.WriteByte(' ')
		case html.SelfClosingTagToken:
			b.WriteByte(' ')
		case html.TextToken:
			if skip == 0 {
				b.Write(z.Text())
			}
		}
	}
}

func isRawTag(name []byte) bool {
	return string(name) == "script" || string(name) == "style"
}

// NormalizeText collapses whitespace and removes characters other than
// letters, digits and basic punctuation, which keeps dotted tariff numbers
// intact.
func NormalizeText(text string) string {
	if text == "" {
		return ""
	}
	text = spaceRun.ReplaceAllString(text, " ")
	text = unsupported.ReplaceAllString(text, "")
	return strings.TrimSpace(text)
}

// cleanBody turns an HTML or plain-text body into chunkable text. Empty
// results yield nil so the document is stored without chunks.
func cleanBody(raw string) *string {
	text := NormalizeText(StripHTML(raw))
	if text == "" {
		return nil
	}
	return &text
}
