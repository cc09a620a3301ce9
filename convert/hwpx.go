package convert

import (
	"archive/zip"
	"context"
	"encoding/xml"
	"fmt"
	"html"
	"sort"
	"strings"
)

// convertHwpx renders a Hancom HWPX document (OOXML-like zip) from its
// Contents/section*.xml files: paragraphs from hp:p, tables from
// hp:tbl rows.
func convertHwpx(ctx context.Context, path string) (string, error) {
	r, err := zip.OpenReader(path)
	if err != nil {
		return "", fmt.Errorf("open zip: %w", err)
	}
	defer r.Close()

	var sections []*zip.File
	for _, f := range r.File {
		if strings.Contains(f.Name, "Contents/section") && strings.HasSuffix(f.Name, ".xml") {
			sections = append(sections, f)
		}
	}
	if len(sections) == 0 {
		// Some producers use different casing or layout.
		for _, f := range r.File {
			lower := strings.ToLower(f.Name)
			if strings.Contains(lower, "section") && strings.HasSuffix(lower, ".xml") {
				sections = append(sections, f)
			}
		}
	}
	if len(sections) == 0 {
		return "", fmt.Errorf("no content sections in archive")
	}
	sort.Slice(sections, func(i, j int) bool { return sections[i].Name < sections[j].Name })

	var sb strings.Builder
	for _, sec := range sections {
		if err := renderHwpxSection(&sb, sec); err != nil {
			return "", fmt.Errorf("section %s: %w", sec.Name, err)
		}
	}

	out := strings.TrimSpace(sb.String())
	if out == "" {
		return "", fmt.Errorf("no extractable content")
	}
	return out, nil
}

func renderHwpxSection(sb *strings.Builder, f *zip.File) error {
	rc, err := f.Open()
	if err != nil {
		return fmt.Errorf("open section: %w", err)
	}
	defer rc.Close()

	decoder := xml.NewDecoder(rc)
	var (
		depth     int // nesting depth of hp:p elements
		inText    bool
		inTable   bool
		inCell    bool
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
			case "p":
				depth++
			case "t":
				inText = true
			}
		case xml.CharData:
			if !inText {
				continue
			}
			if inCell {
				cellText.Write(t)
			} else if depth > 0 {
				paragraph.Write(t)
			}
		case xml.EndElement:
			switch t.Name.Local {
			case "t":
				inText = false
			case "p":
				depth--
				if depth == 0 && !inTable {
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
				writeTable(sb, "hwp-table", tableRows)
			}
		}
	}
	flushParagraph()
	return nil
}
