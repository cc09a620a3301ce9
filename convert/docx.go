package convert

import (
	"archive/zip"
	"context"
	"encoding/xml"
	"fmt"
	"html"
	"strings"
)

// convertDocx renders word/document.xml as HTML: headings from
// paragraph styles, bold/italic/underline from run properties, and
// tables from w:tbl blocks.
func convertDocx(ctx context.Context, path string) (string, error) {
	rc, err := openZipEntry(path, "word/document.xml")
	if err != nil {
		return "", err
	}
	defer rc.Close()

	decoder := xml.NewDecoder(rc)
	var sb strings.Builder

	var (
		inParagraph bool
		inRun       bool
		inText      bool
		inTable     bool
		inCell      bool
		paraStyle   string
		runBold     bool
		runItalic   bool
		runUnder    bool
		paraHTML    strings.Builder
		cellText    strings.Builder
		rowCells    []string
		tableRows   [][]string
	)

	flushParagraph := func() {
		content := strings.TrimSpace(paraHTML.String())
		paraHTML.Reset()
		if content == "" {
			return
		}
		tag := "p"
		switch {
		case strings.Contains(paraStyle, "Heading1") || paraStyle == "Title":
			tag = "h1"
		case strings.Contains(paraStyle, "Heading2"):
			tag = "h2"
		case strings.Contains(paraStyle, "Heading3"):
			tag = "h3"
		}
		fmt.Fprintf(&sb, "<%s>%s</%s>\n", tag, content, tag)
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
				if !inTable {
					inParagraph = true
					paraStyle = ""
				}
			case "pStyle":
				for _, attr := range t.Attr {
					if attr.Name.Local == "val" {
						paraStyle = attr.Value
					}
				}
			case "r":
				inRun = true
				runBold, runItalic, runUnder = false, false, false
			case "t":
				inText = true
			case "b":
				if inRun {
					runBold = true
				}
			case "i":
				if inRun {
					runItalic = true
				}
			case "u":
				if inRun {
					runUnder = true
				}
			}

		case xml.CharData:
			if !inText {
				continue
			}
			if inCell {
				cellText.Write(t)
			} else if inParagraph && inRun {
				text := html.EscapeString(string(t))
				if text == "" {
					continue
				}
				if runBold {
					text = "<strong>" + text + "</strong>"
				}
				if runItalic {
					text = "<em>" + text + "</em>"
				}
				if runUnder {
					text = "<u>" + text + "</u>"
				}
				paraHTML.WriteString(text)
			}

		case xml.EndElement:
			switch t.Name.Local {
			case "t":
				inText = false
			case "r":
				inRun = false
			case "p":
				if inParagraph && !inTable {
					inParagraph = false
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
				writeTable(&sb, "word-table", tableRows)
			}
		}
	}

	out := strings.TrimSpace(sb.String())
	if out == "" {
		return "", fmt.Errorf("no content in document")
	}
	return out, nil
}

// openZipEntry opens one named file inside a ZIP-based document.
func openZipEntry(path, name string) (readCloser, error) {
	r, err := zip.OpenReader(path)
	if err != nil {
		return readCloser{}, fmt.Errorf("open zip: %w", err)
	}
	for _, f := range r.File {
		if f.Name == name {
			rc, err := f.Open()
			if err != nil {
				r.Close()
				return readCloser{}, fmt.Errorf("open %s: %w", name, err)
			}
			return readCloser{rc: rc, zr: r}, nil
		}
	}
	r.Close()
	return readCloser{}, fmt.Errorf("%s not found in archive", name)
}

// readCloser bundles a zip entry reader with its parent archive so one
// Close releases both.
type readCloser struct {
	rc interface {
		Read([]byte) (int, error)
		Close() error
	}
	zr *zip.ReadCloser
}

func (r readCloser) Read(p []byte) (int, error) { return r.rc.Read(p) }

func (r readCloser) Close() error {
	err := r.rc.Close()
	if cerr := r.zr.Close(); err == nil {
		err = cerr
	}
	return err
}

// writeTable renders collected rows as an HTML table with escaped cells.
func writeTable(sb *strings.Builder, class string, rows [][]string) {
	if len(rows) == 0 {
		return
	}
	fmt.Fprintf(sb, `<table class="%s">`+"\n", class)
	for _, row := range rows {
		sb.WriteString("<tr>")
		for _, cell := range row {
			sb.WriteString("<td>")
			sb.WriteString(html.EscapeString(cell))
			sb.WriteString("</td>")
		}
		sb.WriteString("</tr>\n")
	}
	sb.WriteString("</table>\n")
}
