package webfetch

import (
	"bytes"
	"mime"
	"regexp"
	"strings"
	"unicode/utf8"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/JohannesKaufmann/html-to-markdown/plugin"
	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"
)

// noiseSelector lists elements that never carry documentation text.
const noiseSelector = "script, style, noscript, template, svg, canvas, iframe, object, embed, " +
	"nav, header, footer, aside, form, button, input, select, " +
	"[role=navigation], [role=banner], [role=contentinfo], [aria-hidden=true]"

// noiseClasses are class names commonly used for site chrome.
var noiseClasses = []string{
	"nav", "navbar", "navigation", "sidebar", "menu", "toc", "table-of-contents",
	"breadcrumb", "breadcrumbs", "cookie-banner", "advertisement", "social", "share", "comments",
}

// mainSelectors are tried in order to find the primary content region.
var mainSelectors = []string{"main", "article", "[role=main]"}

var excessiveLinesRe = regexp.MustCompile(`\n{3,}`)

// Extractor turns an HTML or plain-text body into bounded text.
type Extractor struct {
	maxChars  int
	format    Format
	converter *md.Converter
}

// NewExtractor creates an Extractor. maxChars <= 0 disables truncation.
func NewExtractor(maxChars int, format Format) *Extractor {
	e := &Extractor{maxChars: maxChars, format: format}
	if format == FormatMarkdown {
		e.converter = md.NewConverter("", true, nil)
		e.converter.Use(plugin.GitHubFlavored())
	}
	return e
}

// Extract returns the visible text of body, with whitespace collapsed and
// truncated to the character budget.
func (e *Extractor) Extract(body []byte, contentType string) (string, error) {
	if isPlainText(contentType) {
		return e.truncate(collapseWhitespace(string(body))), nil
	}

	root, err := html.Parse(bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	doc := goquery.NewDocumentFromNode(root)
	stripNoise(doc)

	content := doc.Find("body")
	for _, sel := range mainSelectors {
		if found := doc.Find(sel).First(); found.Length() > 0 {
			content = found
			break
		}
	}

	if e.format == FormatMarkdown {
		h, err := goquery.OuterHtml(content)
		if err != nil {
			return "", err
		}
		markdown, err := e.converter.ConvertString(h)
		if err != nil {
			return "", err
		}
		return e.truncate(cleanMarkdown(markdown)), nil
	}

	return e.truncate(collapseWhitespace(visibleText(content))), nil
}

func stripNoise(doc *goquery.Document) {
	doc.Find(noiseSelector).Remove()
	doc.Find("[class]").FilterFunction(func(_ int, s *goquery.Selection) bool {
		class, _ := s.Attr("class")
		for _, c := range strings.Fields(strings.ToLower(class)) {
			for _, noise := range noiseClasses {
				if c == noise {
					return true
				}
			}
		}
		return false
	}).Remove()
}

// visibleText joins text nodes with spaces so adjacent block elements do
// not run together.
func visibleText(sel *goquery.Selection) string {
	var sb strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		switch n.Type {
		case html.TextNode:
			sb.WriteString(n.Data)
			sb.WriteByte(' ')
		case html.CommentNode:
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	for _, n := range sel.Nodes {
		walk(n)
	}
	return sb.String()
}

func collapseWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func cleanMarkdown(content string) string {
	lines := strings.Split(content, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimRight(line, " \t")
	}
	content = strings.Join(lines, "\n")
	content = excessiveLinesRe.ReplaceAllString(content, "\n\n")
	return strings.TrimSpace(content)
}

// truncate keeps at most maxChars runes.
func (e *Extractor) truncate(s string) string {
	if e.maxChars <= 0 || utf8.RuneCountInString(s) <= e.maxChars {
		return s
	}
	n := 0
	for i := range s {
		if n == e.maxChars {
			return strings.TrimSpace(s[:i])
		}
		n++
	}
	return s
}

func isPlainText(contentType string) bool {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	return mediaType == "text/plain" || mediaType == "text/markdown"
}
