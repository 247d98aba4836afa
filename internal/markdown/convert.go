// Package markdown turns captured page HTML into Markdown suitable for
// indexing: readability pruning strips navigation and boilerplate, then the
// remaining content HTML is rendered as CommonMark with table support.
package markdown

import (
	"fmt"
	"net/url"
	"strings"

	htmlconverter "github.com/JohannesKaufmann/html-to-markdown/v2/converter"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/base"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/commonmark"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/table"
	readability "github.com/go-shiori/go-readability"
)

// Converter is safe for concurrent use. Conversion is deterministic:
// identical HTML yields identical Markdown.
type Converter struct {
	conv *htmlconverter.Converter
}

func NewConverter() *Converter {
	return &Converter{
		conv: htmlconverter.NewConverter(
			htmlconverter.WithPlugins(
				base.NewBasePlugin(),
				commonmark.NewCommonmarkPlugin(),
				table.NewTablePlugin(),
			),
		),
	}
}

// Convert extracts the readable main content of rawHTML and renders it as
// Markdown. pageURL resolves relative links; it may be empty. Errors are
// returned to the caller: a failed conversion means the visit must not be
// recorded as empty content.
func (c *Converter) Convert(rawHTML, pageURL string) (string, error) {
	var parsedURL *url.URL
	if pageURL != "" {
		u, err := url.Parse(pageURL)
		if err == nil {
			parsedURL = u
		}
	}

	article, err := readability.FromReader(strings.NewReader(rawHTML), parsedURL)
	if err != nil {
		return "", fmt.Errorf("markdown: extract main content: %w", err)
	}

	content := article.Content
	if strings.TrimSpace(content) == "" {
		// Readability found no article body (landing pages, dashboards).
		// Fall back to the full document rather than recording nothing.
		content = rawHTML
	}

	md, err := c.conv.ConvertString(content)
	if err != nil {
		return "", fmt.Errorf("markdown: convert: %w", err)
	}
	return strings.TrimSpace(md), nil
}
