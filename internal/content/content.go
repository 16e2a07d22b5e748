package content

import (
	"bytes"
	"fmt"
	"html/template"
	"regexp"
	"strings"

	"github.com/microcosm-cc/bluemonday"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
)

var (
	policy   = newPolicy()
	urlRegex = regexp.MustCompile(`(https?://|www\.)[^\s]+`)
	markdown = goldmark.New(goldmark.WithExtensions(extension.Linkify, extension.Strikethrough))
)

func newPolicy() *bluemonday.Policy {
	p := bluemonday.UGCPolicy()
	p.AddTargetBlankToFullyQualifiedLinks(true)
	p.RequireNoReferrerOnFullyQualifiedLinks(true)
	return p
}

// Sanitize strips scripts, handlers and unsafe URLs from rendered HTML.
func Sanitize(input string) string {
	return policy.Sanitize(input)
}

// Escape makes plain message text safe to embed in HTML.
func Escape(input string) string {
	return template.HTMLEscapeString(input)
}

// Linkify replaces every URL in text with wrap(href, label). Bare "www."
// hosts get an https:// href; label is always the matched text.
func Linkify(text string, wrap func(href, label string) string) string {
	return urlRegex.ReplaceAllStringFunc(text, func(match string) string {
		href := match
		if strings.HasPrefix(match, "www.") {
			href = "https://" + match
		}
		return wrap(href, match)
	})
}

// Annotate escapes message text for HTML and turns URLs into links that
// open in a new tab.
func Annotate(text string) string {
	return Linkify(Escape(text), func(href, label string) string {
		return fmt.Sprintf(`<a href="%s" target="_blank" rel="noopener noreferrer">%s</a>`, href, label)
	})
}

// Markdown renders message text as sanitized HTML. Raw HTML in the input is
// not passed through.
func Markdown(text string) (string, error) {
	var buf bytes.Buffer
	if err := markdown.Convert([]byte(text), &buf); err != nil {
		return "", fmt.Errorf("render markdown: %w", err)
	}
	return Sanitize(buf.String()), nil
}

// Render picks Markdown or Annotate. Markdown failures fall back to Annotate.
func Render(text string, useMarkdown bool) template.HTML {
	if useMarkdown {
		if html, err := Markdown(text); err == nil {
			return template.HTML(html)
		}
	}
	return template.HTML(Annotate(text))
}
