package convert

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// convertHTML extracts the body of an HTML file as a fragment,
// dropping script, style, and head content. Sanitization for the
// AI-clean output happens later in the cleaner.
func convertHTML(ctx context.Context, path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}

	doc, err := html.Parse(bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("parse html: %w", err)
	}

	body := findNode(doc, atom.Body)
	if body == nil {
		body = doc
	}
	stripNodes(body, atom.Script, atom.Style, atom.Noscript, atom.Iframe)

	var sb strings.Builder
	for c := body.FirstChild; c != nil; c = c.NextSibling {
		if err := html.Render(&sb, c); err != nil {
			return "", fmt.Errorf("render html: %w", err)
		}
	}

	out := strings.TrimSpace(sb.String())
	if out == "" {
		return "", fmt.Errorf("empty document body")
	}
	return out, nil
}

func findNode(n *html.Node, a atom.Atom) *html.Node {
	if n.Type == html.ElementNode && n.DataAtom == a {
		return n
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if found := findNode(c, a); found != nil {
			return found
		}
	}
	return nil
}

func stripNodes(n *html.Node, atoms ...atom.Atom) {
	drop := make(map[atom.Atom]bool, len(atoms))
	for _, a := range atoms {
		drop[a] = true
	}
	var walk func(*html.Node)
	walk = func(node *html.Node) {
		c := node.FirstChild
		for c != nil {
			next := c.NextSibling
			if c.Type == html.ElementNode && drop[c.DataAtom] {
				node.RemoveChild(c)
			} else {
				walk(c)
			}
			c = next
		}
	}
	walk(n)
}
