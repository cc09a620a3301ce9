package convert

import (
	"context"
	"fmt"
	"html"
	"os"
	"strings"
)

// convertText renders plain text (or raw Markdown) as escaped HTML
// paragraphs, one per blank-line-separated block.
func convertText(ctx context.Context, path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}

	text := strings.ReplaceAll(string(data), "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")

	var sb strings.Builder
	for _, block := range strings.Split(text, "\n\n") {
		block = strings.TrimSpace(block)
		if block == "" {
			continue
		}
		block = strings.Join(strings.Fields(block), " ")
		fmt.Fprintf(&sb, "<p>%s</p>\n", html.EscapeString(block))
	}

	out := strings.TrimSpace(sb.String())
	if out == "" {
		return "", fmt.Errorf("empty file")
	}
	return out, nil
}
