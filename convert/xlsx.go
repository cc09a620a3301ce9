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

// convertXlsx renders each worksheet as an HTML table. Shared strings
// are resolved; sheet names come from the workbook manifest.
func convertXlsx(ctx context.Context, path string) (string, error) {
	r, err := zip.OpenReader(path)
	if err != nil {
		return "", fmt.Errorf("open zip: %w", err)
	}
	defer r.Close()

	files := make(map[string]*zip.File, len(r.File))
	for _, f := range r.File {
		files[f.Name] = f
	}

	shared, err := readSharedStrings(files["xl/sharedStrings.xml"])
	if err != nil {
		return "", err
	}
	names := readSheetNames(files["xl/workbook.xml"])

	var sheetFiles []string
	for name := range files {
		if strings.HasPrefix(name, "xl/worksheets/sheet") && strings.HasSuffix(name, ".xml") {
			sheetFiles = append(sheetFiles, name)
		}
	}
	if len(sheetFiles) == 0 {
		return "", fmt.Errorf("no worksheets in workbook")
	}
	sort.Slice(sheetFiles, func(i, j int) bool {
		return sheetNumber(sheetFiles[i]) < sheetNumber(sheetFiles[j])
	})

	var sb strings.Builder
	for i, name := range sheetFiles {
		title := fmt.Sprintf("Sheet %d", i+1)
		if i < len(names) {
			title = names[i]
		}
		rows, err := readSheetRows(files[name], shared)
		if err != nil {
			return "", fmt.Errorf("sheet %s: %w", name, err)
		}
		fmt.Fprintf(&sb, `<div class="sheet" data-sheet=%q>`+"\n", title)
		fmt.Fprintf(&sb, `<h2 class="sheet-title">%s</h2>`+"\n", html.EscapeString(title))
		writeTable(&sb, "excel-table", rows)
		sb.WriteString("</div>\n")
	}
	return strings.TrimSpace(sb.String()), nil
}

// sheetNumber extracts N from xl/worksheets/sheetN.xml for ordering.
func sheetNumber(name string) int {
	base := strings.TrimSuffix(strings.TrimPrefix(name, "xl/worksheets/sheet"), ".xml")
	n, _ := strconv.Atoi(base)
	return n
}

func readSharedStrings(f *zip.File) ([]string, error) {
	if f == nil {
		return nil, nil
	}
	rc, err := f.Open()
	if err != nil {
		return nil, fmt.Errorf("open shared strings: %w", err)
	}
	defer rc.Close()

	decoder := xml.NewDecoder(rc)
	var strs []string
	var cur strings.Builder
	var inSI bool
	for {
		tok, err := decoder.Token()
		if err != nil {
			break
		}
		switch t := tok.(type) {
		case xml.StartElement:
			if t.Name.Local == "si" {
				inSI = true
				cur.Reset()
			}
		case xml.CharData:
			if inSI {
				cur.Write(t)
			}
		case xml.EndElement:
			if t.Name.Local == "si" {
				inSI = false
				strs = append(strs, cur.String())
			}
		}
	}
	return strs, nil
}

func readSheetNames(f *zip.File) []string {
	if f == nil {
		return nil
	}
	rc, err := f.Open()
	if err != nil {
		return nil
	}
	defer rc.Close()

	decoder := xml.NewDecoder(rc)
	var names []string
	for {
		tok, err := decoder.Token()
		if err != nil {
			break
		}
		if t, ok := tok.(xml.StartElement); ok && t.Name.Local == "sheet" {
			for _, attr := range t.Attr {
				if attr.Name.Local == "name" {
					names = append(names, attr.Value)
				}
			}
		}
	}
	return names
}

func readSheetRows(f *zip.File, shared []string) ([][]string, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, fmt.Errorf("open sheet: %w", err)
	}
	defer rc.Close()

	decoder := xml.NewDecoder(rc)
	var rows [][]string
	var row []string
	var cellValue strings.Builder
	var inValue bool
	var cellType string

	for {
		tok, err := decoder.Token()
		if err != nil {
			break
		}
		switch t := tok.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case "row":
				row = nil
			case "c":
				cellType = ""
				for _, attr := range t.Attr {
					if attr.Name.Local == "t" {
						cellType = attr.Value
					}
				}
			case "v", "t":
				inValue = true
				cellValue.Reset()
			}
		case xml.CharData:
			if inValue {
				cellValue.Write(t)
			}
		case xml.EndElement:
			switch t.Name.Local {
			case "v", "t":
				inValue = false
			case "c":
				val := cellValue.String()
				cellValue.Reset()
				if cellType == "s" {
					if idx, err := strconv.Atoi(val); err == nil && idx >= 0 && idx < len(shared) {
						val = shared[idx]
					}
				}
				row = append(row, val)
			case "row":
				if len(row) > 0 {
					rows = append(rows, row)
				}
			}
		}
	}
	return rows, nil
}
