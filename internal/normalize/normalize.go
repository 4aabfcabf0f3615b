// Package normalize converts rendered HTML into the markdown text that is
// stored as raw content and handed to extraction.
package normalize

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"unicode/utf8"

	"github.com/JohannesKaufmann/html-to-markdown/v2/converter"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/base"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/commonmark"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/table"
	"github.com/PuerkitoBio/goquery"
	"github.com/go-shiori/go-readability"
)

// ErrTooShort is returned when the converted content is below MinLength.
var ErrTooShort = errors.New("content below minimum length")

// strippedSelectors never carry page content.
var strippedSelectors = []string{"script", "style", "noscript", "template"}

// Normalizer strips scripts and styles and converts HTML to markdown,
// keeping links, images and tables. Zero MinLength or MaxLength disables the
// corresponding check.
type Normalizer struct {
	MinLength int
	MaxLength int

	// MainContent narrows pages to their readable article body before
	// conversion.
	MainContent bool

	conv *converter.Converter
}

// New creates a Normalizer with the given length thresholds.
func New(minLength, maxLength int) *Normalizer {
	return &Normalizer{
		MinLength: minLength,
		MaxLength: maxLength,
		conv: converter.NewConverter(
			converter.WithPlugins(
				base.NewBasePlugin(),
				commonmark.NewCommonmarkPlugin(),
				table.NewTablePlugin(),
			),
		),
	}
}

// Markdown converts html into markdown. Output longer than MaxLength is
// truncated on a rune boundary.
func (n *Normalizer) Markdown(html string) (string, error) {
	cleaned, err := Strip(html)
	if err != nil {
		return "", err
	}

	md, err := n.conv.ConvertString(cleaned)
	if err != nil {
		return "", fmt.Errorf("converting HTML to markdown: %w", err)
	}
	md = strings.TrimSpace(md)

	return n.Bound(md)
}

// Page normalizes a fetched HTML document. With MainContent set, the
// readable body is converted instead; pages where extraction fails or falls
// below MinLength use the full document.
func (n *Normalizer) Page(html, pageURL string) (string, error) {
	if n.MainContent {
		if main, ok := mainContent(html, pageURL); ok {
			if md, err := n.Markdown(main); err == nil {
				return md, nil
			}
		}
	}
	return n.Markdown(html)
}

func mainContent(html, pageURL string) (string, bool) {
	u, err := url.Parse(pageURL)
	if err != nil {
		return "", false
	}
	article, err := readability.FromReader(strings.NewReader(html), u)
	if err != nil || strings.TrimSpace(article.Content) == "" {
		return "", false
	}
	return article.Content, true
}

// Bound applies the length thresholds to already-normalized text.
func (n *Normalizer) Bound(text string) (string, error) {
	if n.MinLength > 0 && utf8.RuneCountInString(text) < n.MinLength {
		return "", fmt.Errorf("%w: %d < %d", ErrTooShort, utf8.RuneCountInString(text), n.MinLength)
	}
	if n.MaxLength > 0 && len(text) > n.MaxLength {
		text = truncate(text, n.MaxLength)
	}
	return text, nil
}

// Strip removes script, style and similar non-content elements.
func Strip(html string) (string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return "", fmt.Errorf("parsing HTML: %w", err)
	}
	for _, sel := range strippedSelectors {
		doc.Find(sel).Remove()
	}
	out, err := doc.Html()
	if err != nil {
		return "", fmt.Errorf("serializing HTML: %w", err)
	}
	return out, nil
}

// Title returns the document title, or "" if none.
func Title(html string) string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return ""
	}
	if t := strings.TrimSpace(doc.Find("title").First().Text()); t != "" {
		return t
	}
	content, _ := doc.Find(`meta[property="og:title"]`).Attr("content")
	return strings.TrimSpace(content)
}

// truncate cuts s to at most max bytes without splitting a rune.
func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	for max > 0 && !utf8.RuneStart(s[max]) {
		max--
	}
	return s[:max]
}
