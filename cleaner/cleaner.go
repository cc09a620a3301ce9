// Package cleaner post-processes converted HTML fragments into the
// secondary outputs: a sanitized AI-friendly HTML document and a
// Markdown rendering for note applications.
package cleaner

import (
	"fmt"
	"html"
	"strings"

	"github.com/JohannesKaufmann/html-to-markdown/v2/converter"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/base"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/commonmark"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/table"
	"github.com/microcosm-cc/bluemonday"
)

// Cleaner sanitizes fragments and renders Markdown. Safe for
// concurrent use once constructed.
type Cleaner struct {
	policy *bluemonday.Policy
	md     *converter.Converter
}

// New creates a Cleaner.
func New() *Cleaner {
	policy := bluemonday.UGCPolicy()
	// Structural annotations the converters emit.
	policy.AllowAttrs("class").Globally()
	policy.AllowAttrs("data-sheet", "data-slide", "data-page", "data-pages").Globally()
	policy.AllowAttrs("rowspan", "colspan").OnElements("td", "th")

	return &Cleaner{
		policy: policy,
		md: converter.NewConverter(
			converter.WithPlugins(
				base.NewBasePlugin(),
				commonmark.NewCommonmarkPlugin(),
				table.NewTablePlugin(),
			),
		),
	}
}

// CleanHTML strips scripts, styles, event handlers, and presentational
// attributes from a fragment, keeping semantic structure only.
func (c *Cleaner) CleanHTML(fragment string) string {
	return strings.TrimSpace(c.policy.Sanitize(fragment))
}

// Markdown converts a (cleaned) HTML fragment to Markdown. If
// conversion fails or yields nothing, the error is returned so the
// caller can skip the output rather than write an empty file.
func (c *Cleaner) Markdown(cleanHTML string) (string, error) {
	out, err := c.md.ConvertString(cleanHTML)
	if err != nil {
		return "", fmt.Errorf("markdown conversion: %w", err)
	}
	out = strings.TrimSpace(out)
	if out == "" {
		return "", fmt.Errorf("markdown conversion produced no content")
	}
	return out, nil
}

// ViewHTML wraps a fragment in a complete standalone HTML page with
// the viewer stylesheet, suitable for opening directly in a browser.
func ViewHTML(fragment, sourceName string) string {
	name := html.EscapeString(sourceName)
	var sb strings.Builder
	sb.WriteString("<!DOCTYPE html>\n<html>\n<head>\n<meta charset=\"UTF-8\">\n")
	sb.WriteString("<meta name=\"viewport\" content=\"width=device-width, initial-scale=1.0\">\n")
	fmt.Fprintf(&sb, "<meta name=\"source-file\" content=%q>\n<title>%s</title>\n", name, name)
	sb.WriteString("<style>\n")
	sb.WriteString(viewStylesheet)
	sb.WriteString("</style>\n</head>\n<body>\n<header>\n")
	fmt.Fprintf(&sb, "<small class=\"source\">Source: %s</small>\n", name)
	sb.WriteString("</header>\n<main>\n")
	sb.WriteString(fragment)
	sb.WriteString("\n</main>\n</body>\n</html>\n")
	return sb.String()
}

const viewStylesheet = `* { box-sizing: border-box; }
body {
	font-family: 'Malgun Gothic', 'Apple SD Gothic Neo', sans-serif;
	line-height: 1.6;
	max-width: 1200px;
	margin: 0 auto;
	padding: 20px;
	background: #fff;
	color: #333;
}
table { border-collapse: collapse; width: 100%; margin: 1em 0; }
td, th { padding: 8px 12px; vertical-align: top; }
table.excel-table td, table.word-table td, table.hwp-table td { border: 1px solid #333; }
table.pdf-table td { border: 1px solid #ccc; }
h1, h2, h3 { margin-top: 1.5em; margin-bottom: 0.5em; color: #222; }
h1 { font-size: 1.8em; border-bottom: 2px solid #333; padding-bottom: 0.3em; }
h2 { font-size: 1.4em; }
h3 { font-size: 1.2em; }
p { margin: 0.5em 0; }
.sheet, .slide { margin: 2em 0; padding: 1em; background: #fafafa; border-radius: 4px; }
.sheet-title, .slide-number { color: #666; font-size: 0.9em; margin-bottom: 1em; }
.conversion-error { color: #a00; background: #fee; padding: 0.5em; border-radius: 4px; }
.source { color: #999; }
hr.page-break, hr.slide-divider { border: none; border-top: 2px dashed #ccc; margin: 2em 0; }
@media print {
	body { max-width: none; padding: 0; }
	hr.page-break { page-break-after: always; }
}
`
