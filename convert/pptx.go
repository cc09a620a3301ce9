package convert

import (
	"archive/zip"
	"context"
	"encoding/xml"
	"fmt"
	"html"
	"sort"
	"strconv"
	"strings"
)

// convertPptx renders each slide as a div of paragraphs, one <a:t> text
// run at a time, with tables from a:tbl blocks.
func convertPptx(ctx context.Context, path string) (string, error) {
	r, err := zip.OpenReader(path)
	if err != nil {
		return "", fmt.Errorf("open zip: %w", err)
	}
	defer r.Close()

	var slides []*zip.File
	for _, f := range r.File {
		if strings.HasPrefix(f.Name, "ppt/slides/slide") && strings.HasSuffix(f.Name, ".xml") {
			slides = append(slides, f)
		}
	}
	if len(slides) == 0 {
		return "", fmt.Errorf("no slides in presentation")
	}
	sort.Slice(slides, func(i, j int) bool {
		return slideNumber(slides[i].Name) < slideNumber(slides[j].Name)
	})

	var sb strings.Builder
	for i, slide := range slides {
		if err := renderSlide(&sb, slide, i+1); err != nil {
			return "", fmt.Errorf("slide %d: %w", i+1, err)
		}
	}
	return strings.TrimSpace(sb.String()), nil
}

func slideNumber(name string) int {
	base := strings.TrimSuffix(strings.TrimPrefix(name, "ppt/slides/slide"), ".xml")
	n, _ := strconv.Atoi(base)
	return n
}

func renderSlide(sb *strings.Builder, f *zip.File, num int) error {
	rc, err := f.Open()
	if err != nil {
		return fmt.Errorf("open slide: %w", err)
	}
	defer rc.Close()

	fmt.Fprintf(sb, `<div class="slide" data-slide="%d">`+"\n", num)
	fmt.Fprintf(sb, `<h2 class="slide-number">Slide %d</h2>`+"\n", num)

	decoder := xml.NewDecoder(rc)
	var (
		inText    bool
		inTable   bool
		inCell    bool
		text      strings.Builder
		paragraph strings.Builder
		cellText  strings.Builder
		rowCells  []string
		tableRows [][]string
	)

	flushParagraph := func() {
		p := strings.TrimSpace(paragraph.String())
		paragraph.Reset()
		if p != "" {
			fmt.Fprintf(sb, "<p>%s</p>\n", html.EscapeString(p))
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
			case "tbl":
				inTable = true
				tableRows = nil
			case "tr":
				if inTable {
					rowCells = nil
				}
			case "tc":
				if inTable {
					inCell = true
					cellText.Reset()
				}
			case "t":
				inText = true
				text.Reset()
			}
		case xml.CharData:
			if inText {
				text.Write(t)
			}
		case xml.EndElement:
			switch t.Name.Local {
			case "t":
				inText = false
				if inCell {
					cellText.WriteString(text.String())
				} else {
					paragraph.WriteString(text.String())
				}
			case "p":
				if !inTable {
					flushParagraph()
				}
			case "tc":
				if inCell {
					inCell = false
					rowCells = append(rowCells, strings.TrimSpace(cellText.String()))
				}
			case "tr":
				if inTable && len(rowCells) > 0 {
					tableRows = append(tableRows, rowCells)
				}
			case "tbl":
				inTable = false
				writeTable(sb, "pptx-table", tableRows)
			}
		}
	}
	flushParagraph()

	sb.WriteString("</div>\n<hr class=\"slide-divider\"/>\n")
	return nil
}
