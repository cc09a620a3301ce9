package convert

import (
	"archive/zip"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeZip(t *testing.T, name string, entries map[string]string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	w := zip.NewWriter(f)
	for entry, content := range entries {
		ew, err := w.Create(entry)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := ew.Write([]byte(content)); err != nil {
			t.Fatal(err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	if err := f.Close(); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestSupported(t *testing.T) {
	for _, path := range []string{"a.docx", "b.XLSX", "c.pptx", "d.hwpx", "e.odt", "f.html", "g.txt", "h.md"} {
		if !Supported(path) {
			t.Errorf("Supported(%q) = false", path)
		}
	}
	for _, path := range []string{"a.pdf", "b.jpg", "c.hwp", "d.xyz"} {
		if Supported(path) {
			t.Errorf("Supported(%q) = true", path)
		}
	}
}

func TestConvertUnsupported(t *testing.T) {
	if _, err := Convert(context.Background(), "file.xyz"); err == nil {
		t.Fatal("expected error for unsupported extension")
	}
}

func TestConvertDocx(t *testing.T) {
	const doc = `<?xml version="1.0"?>
<w:document xmlns:w="http://schemas.openxmlformats.org/wordprocessingml/2006/main">
<w:body>
<w:p><w:pPr><w:pStyle w:val="Heading1"/></w:pPr><w:r><w:t>Contract Title</w:t></w:r></w:p>
<w:p><w:r><w:rPr><w:b/></w:rPr><w:t>Bold text</w:t></w:r><w:r><w:t> and plain</w:t></w:r></w:p>
<w:tbl>
<w:tr><w:tc><w:p><w:r><w:t>cell A</w:t></w:r></w:p></w:tc><w:tc><w:p><w:r><w:t>cell B</w:t></w:r></w:p></w:tc></w:tr>
</w:tbl>
</w:body>
</w:document>`
	path := writeZip(t, "test.docx", map[string]string{"word/document.xml": doc})

	got, err := Convert(context.Background(), path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(got, "<h1>Contract Title</h1>") {
		t.Errorf("missing heading: %s", got)
	}
	if !strings.Contains(got, "<strong>Bold text</strong>") {
		t.Errorf("missing bold run: %s", got)
	}
	if !strings.Contains(got, "<td>cell A</td>") || !strings.Contains(got, "<td>cell B</td>") {
		t.Errorf("missing table cells: %s", got)
	}
}

func TestConvertDocxMissingDocument(t *testing.T) {
	path := writeZip(t, "broken.docx", map[string]string{"other.xml": "<x/>"})
	if _, err := Convert(context.Background(), path); err == nil {
		t.Fatal("expected error for archive without word/document.xml")
	}
}

func TestConvertXlsx(t *testing.T) {
	path := writeZip(t, "test.xlsx", map[string]string{
		"xl/workbook.xml": `<?xml version="1.0"?>
<workbook xmlns="http://schemas.openxmlformats.org/spreadsheetml/2006/main">
<sheets><sheet name="Budget" sheetId="1"/></sheets>
</workbook>`,
		"xl/sharedStrings.xml": `<?xml version="1.0"?>
<sst><si><t>Item</t></si><si><t>Amount</t></si></sst>`,
		"xl/worksheets/sheet1.xml": `<?xml version="1.0"?>
<worksheet><sheetData>
<row r="1"><c r="A1" t="s"><v>0</v></c><c r="B1" t="s"><v>1</v></c></row>
<row r="2"><c r="A2"><v>42</v></c><c r="B2"><v>1000</v></c></row>
</sheetData></worksheet>`,
	})

	got, err := Convert(context.Background(), path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(got, `data-sheet="Budget"`) {
		t.Errorf("missing sheet name: %s", got)
	}
	if !strings.Contains(got, "<td>Item</td>") || !strings.Contains(got, "<td>Amount</td>") {
		t.Errorf("shared strings not resolved: %s", got)
	}
	if !strings.Contains(got, "<td>1000</td>") {
		t.Errorf("missing numeric cell: %s", got)
	}
}

func TestConvertPptx(t *testing.T) {
	slide := `<?xml version="1.0"?>
<p:sld xmlns:a="http://schemas.openxmlformats.org/drawingml/2006/main" xmlns:p="http://schemas.openxmlformats.org/presentationml/2006/main">
<p:cSld><p:spTree>
<p:sp><p:txBody><a:p><a:r><a:t>Quarterly results</a:t></a:r></a:p></p:txBody></p:sp>
</p:spTree></p:cSld>
</p:sld>`
	path := writeZip(t, "test.pptx", map[string]string{
		"ppt/slides/slide1.xml": slide,
		"ppt/slides/slide2.xml": strings.Replace(slide, "Quarterly results", "Next steps", 1),
	})

	got, err := Convert(context.Background(), path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(got, "Slide 1") || !strings.Contains(got, "Slide 2") {
		t.Errorf("missing slide markers: %s", got)
	}
	if !strings.Contains(got, "<p>Quarterly results</p>") {
		t.Errorf("missing slide text: %s", got)
	}
	// Slide order must follow slide numbers.
	if strings.Index(got, "Quarterly results") > strings.Index(got, "Next steps") {
		t.Error("slides out of order")
	}
}

func TestConvertHwpx(t *testing.T) {
	section := `<?xml version="1.0"?>
<hs:sec xmlns:hp="http://www.hancom.co.kr/hwpml/2011/paragraph" xmlns:hs="http://www.hancom.co.kr/hwpml/2011/section">
<hp:p><hp:run><hp:t>첫 번째 단락</hp:t></hp:run></hp:p>
<hp:p><hp:run><hp:t>second paragraph</hp:t></hp:run></hp:p>
</hs:sec>`
	path := writeZip(t, "test.hwpx", map[string]string{"Contents/section0.xml": section})

	got, err := Convert(context.Background(), path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(got, "첫 번째 단락") || !strings.Contains(got, "second paragraph") {
		t.Errorf("missing paragraphs: %s", got)
	}
}

func TestConvertODT(t *testing.T) {
	content := `<?xml version="1.0"?>
<office:document-content xmlns:office="urn:oasis:names:tc:opendocument:xmlns:office:1.0" xmlns:text="urn:oasis:names:tc:opendocument:xmlns:text:1.0">
<office:body><office:text>
<text:h text:outline-level="2">Section heading</text:h>
<text:p>Body paragraph.</text:p>
<text:list><text:list-item><text:p>first item</text:p></text:list-item></text:list>
</office:text></office:body>
</office:document-content>`
	path := writeZip(t, "test.odt", map[string]string{"content.xml": content})

	got, err := Convert(context.Background(), path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(got, "<h2>Section heading</h2>") {
		t.Errorf("missing heading: %s", got)
	}
	if !strings.Contains(got, "<p>Body paragraph.</p>") {
		t.Errorf("missing paragraph: %s", got)
	}
	if !strings.Contains(got, "<li>first item</li>") {
		t.Errorf("missing list item: %s", got)
	}
}

func TestConvertHTML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "page.html")
	os.WriteFile(path, []byte(`<html><head><title>x</title><style>p{color:red}</style></head>
<body><script>alert(1)</script><h1>Kept</h1><p>content</p></body></html>`), 0o644)

	got, err := Convert(context.Background(), path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(got, "<h1>Kept</h1>") {
		t.Errorf("missing body content: %s", got)
	}
	if strings.Contains(got, "script") || strings.Contains(got, "style") {
		t.Errorf("script/style not stripped: %s", got)
	}
}

func TestConvertText(t *testing.T) {
	path := filepath.Join(t.TempDir(), "note.txt")
	os.WriteFile(path, []byte("first  block\nsame paragraph\n\nsecond <b>block</b>"), 0o644)

	got, err := Convert(context.Background(), path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(got, "<p>first block same paragraph</p>") {
		t.Errorf("paragraph folding wrong: %s", got)
	}
	if !strings.Contains(got, "&lt;b&gt;") {
		t.Errorf("markup not escaped: %s", got)
	}
}

func TestConvertEmptyText(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.txt")
	os.WriteFile(path, []byte("   \n\n  "), 0o644)
	if _, err := Convert(context.Background(), path); err == nil {
		t.Fatal("expected error for empty file")
	}
}
