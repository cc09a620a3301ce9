// Package convert renders office documents to HTML fragments locally,
// without network cost. One converter per format family, all behind the
// same Convert contract; the pipeline treats every format identically.
//
// Supported formats:
//   - .docx:       Microsoft Word (archive/zip, word/document.xml)
//   - .xlsx:       Excel workbooks (worksheets + shared strings)
//   - .pptx:       PowerPoint (one section per slide)
//   - .hwpx:       Hancom HWPX (Contents/section*.xml)
//   - .odt:        OpenDocument Text (content.xml)
//   - .html, .htm: HTML (body fragment extraction)
//   - .txt, .md:   plain text / Markdown
//
// All parsers are pure Go, CGO_ENABLED=0 compatible.
package convert

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
)

// Converter converts one file into an HTML fragment.
type Converter interface {
	Convert(ctx context.Context, path string) (string, error)
}

// ConverterFunc adapts a plain function to the Converter interface.
type ConverterFunc func(ctx context.Context, path string) (string, error)

func (f ConverterFunc) Convert(ctx context.Context, path string) (string, error) {
	return f(ctx, path)
}

var converters = map[string]Converter{
	".docx": ConverterFunc(convertDocx),
	".xlsx": ConverterFunc(convertXlsx),
	".pptx": ConverterFunc(convertPptx),
	".hwpx": ConverterFunc(convertHwpx),
	".odt":  ConverterFunc(convertODT),
	".html": ConverterFunc(convertHTML),
	".htm":  ConverterFunc(convertHTML),
	".txt":  ConverterFunc(convertText),
	".md":   ConverterFunc(convertText),
}

// For returns the converter for a file path's extension.
func For(path string) (Converter, bool) {
	c, ok := converters[strings.ToLower(filepath.Ext(path))]
	return c, ok
}

// Supported reports whether the extension has a local converter.
func Supported(path string) bool {
	_, ok := For(path)
	return ok
}

// Convert dispatches to the extension's converter.
func Convert(ctx context.Context, path string) (string, error) {
	c, ok := For(path)
	if !ok {
		return "", fmt.Errorf("no local converter for %q", filepath.Ext(path))
	}
	html, err := c.Convert(ctx, path)
	if err != nil {
		return "", fmt.Errorf("convert %s: %w", filepath.Base(path), err)
	}
	return html, nil
}
