package convert

import (
	"context"
	"encoding/xml"
	"fmt"
	"html"
	"strconv"
	"strings"
)

// convertODT renders content.xml as HTML: text:h elements become
// headings at their outline level, text:p become paragraphs, list
// paragraphs become list items.
func convertODT(ctx context.Context, path string) (string, error) {
	rc, err := openZipEntry(path, "content.xml")
	if err != nil {
		return "", err
	}
	defer rc.Close()

	decoder := xml.NewDecoder(rc)
	var sb strings.Builder
	var (
		current      strings.Builder
		inHeading    bool
		headingLevel int
		inParagraph  bool
		inList       bool
		listOpen     bool
	)

	closeList := func() {
		if listOpen {
			sb.WriteString("</ul>\n")
			listOpen = false
		}
	}

	for {
		tok, err := decoder.Token()
		if err != nil {
			break
		}
		switch t := tok.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case "h":
				inHeading = true
				current.Reset()
				headingLevel = 1
				for _, attr := range t.Attr {
					if attr.Name.Local == "outline-level" {
						if n, err := strconv.Atoi(attr.Value); err == nil && n >= 1 && n <= 6 {
							headingLevel = n
						}
					}
				}
			case "p":
				inParagraph = true
				current.Reset()
			case "list":
				inList = true
			}
		case xml.CharData:
			if inHeading || inParagraph {
				current.Write(t)
			}
		case xml.EndElement:
			switch {
			case t.Name.Local == "h" && inHeading:
				inHeading = false
				text := strings.TrimSpace(current.String())
				if text == "" {
					continue
				}
				closeList()
				fmt.Fprintf(&sb, "<h%d>%s</h%d>\n", headingLevel, html.EscapeString(text), headingLevel)
			case t.Name.Local == "p" && inParagraph:
				inParagraph = false
				text := strings.TrimSpace(current.String())
				if text == "" {
					continue
				}
				if inList {
					if !listOpen {
						sb.WriteString("<ul>\n")
						listOpen = true
					}
					fmt.Fprintf(&sb, "<li>%s</li>\n", html.EscapeString(text))
				} else {
					closeList()
					fmt.Fprintf(&sb, "<p>%s</p>\n", html.EscapeString(text))
				}
			case t.Name.Local == "list":
				inList = false
				closeList()
			}
		}
	}
	closeList()

	out := strings.TrimSpace(sb.String())
	if out == "" {
		return "", fmt.Errorf("no content in document")
	}
	return out, nil
}
