// Package pdfdoc inspects and converts PDF files using pdfcpu.
//
// It answers the routing question the pipeline asks of every PDF: is
// this a digital document with an extractable text layer, or a scanned
// one that needs the external OCR lane? For digital documents it
// renders the text layer to an HTML fragment locally; for the external
// lane it extracts bounded page-range chunks into standalone files.
package pdfdoc

import (
	"bytes"
	"fmt"
	"html"
	"io"
	"os"
	"regexp"
	"strings"
	"unicode"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/types"

	"github.com/paperlane/paperlane/ocr"
)

// sampledPages bounds how many leading pages the classifier reads.
const sampledPages = 3

// Info is the result of analyzing a PDF.
type Info struct {
	PageCount int

	// Digital is true when the sampled text layer is dense enough to
	// convert locally; false routes the file to the OCR lane.
	Digital bool

	// CharsPerPage is the sampled text density.
	CharsPerPage float64

	// PrintableRatio is the share of printable runes in the sample;
	// a low ratio marks a broken or synthetic text layer.
	PrintableRatio float64

	// HasImageStreams reports image XObjects anywhere in the file.
	HasImageStreams bool
}

// digital classification thresholds, applied to the page sample.
const (
	minCharsPerPage   = 50
	minPrintableRatio = 0.85
)

// Analyze opens a PDF and classifies it as digital or scanned based on
// the text density of its first pages.
func Analyze(path string) (*Info, error) {
	ctx, err := read(path)
	if err != nil {
		return nil, err
	}

	sample := ctx.PageCount
	if sample > sampledPages {
		sample = sampledPages
	}

	var text strings.Builder
	for pageNr := 1; pageNr <= sample; pageNr++ {
		text.WriteString(pageText(ctx, pageNr))
		text.WriteByte('\n')
	}
	sampled := text.String()

	info := &Info{
		PageCount:       ctx.PageCount,
		PrintableRatio:  printableRatio(sampled),
		HasImageStreams: hasImageStreams(ctx),
	}
	if sample > 0 {
		info.CharsPerPage = float64(len([]rune(strings.TrimSpace(sampled)))) / float64(sample)
	}
	info.Digital = info.CharsPerPage >= minCharsPerPage && info.PrintableRatio >= minPrintableRatio
	return info, nil
}

// PageCount returns the number of pages without a full analysis pass.
func PageCount(path string) (int, error) {
	n, err := api.PageCountFile(path)
	if err != nil {
		return 0, fmt.Errorf("page count %s: %w", path, err)
	}
	return n, nil
}

// ConvertDigital renders a digital PDF's text layer as an HTML
// fragment, one div per page with paragraph splitting.
func ConvertDigital(path string) (string, error) {
	ctx, err := read(path)
	if err != nil {
		return "", err
	}

	var sb strings.Builder
	sb.WriteString(`<div class="pdf-document">` + "\n")
	empty := true
	for pageNr := 1; pageNr <= ctx.PageCount; pageNr++ {
		text := pageText(ctx, pageNr)
		if text == "" {
			continue
		}
		empty = false
		fmt.Fprintf(&sb, `<div class="pdf-page" data-page="%d">`+"\n", pageNr)
		for _, para := range splitParagraphs(text) {
			sb.WriteString("<p>")
			sb.WriteString(html.EscapeString(para))
			sb.WriteString("</p>\n")
		}
		sb.WriteString("</div>\n<hr class=\"page-break\"/>\n")
	}
	sb.WriteString("</div>")

	if empty {
		return "", fmt.Errorf("no text content in %s", path)
	}
	return sb.String(), nil
}

// ExtractChunk writes the pages of r into a standalone PDF at outPath,
// ready for one external call.
func ExtractChunk(path string, r ocr.PageRange, outPath string) error {
	pages := []string{fmt.Sprintf("%d-%d", r.Start+1, r.End)}
	if err := api.TrimFile(path, outPath, pages, model.NewDefaultConfiguration()); err != nil {
		return fmt.Errorf("extract pages %s from %s: %w", r, path, err)
	}
	return nil
}

func read(path string) (*model.Context, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	ctx, err := api.ReadValidateAndOptimize(f, model.NewDefaultConfiguration())
	if err != nil {
		return nil, fmt.Errorf("pdfcpu read %s: %w", path, err)
	}
	return ctx, nil
}

// pageText extracts one page's text from its content stream.
func pageText(ctx *model.Context, pageNr int) string {
	r, err := pdfcpu.ExtractPageContent(ctx, pageNr)
	if err != nil {
		return ""
	}
	data, err := io.ReadAll(r)
	if err != nil || len(data) == 0 {
		return ""
	}
	return streamText(data)
}

// hasImageStreams checks for image XObjects.
func hasImageStreams(ctx *model.Context) bool {
	if ctx.Optimize != nil {
		for pageNr := 1; pageNr <= ctx.PageCount; pageNr++ {
			if len(pdfcpu.ImageObjNrs(ctx, pageNr)) > 0 {
				return true
			}
		}
	}
	for _, entry := range ctx.Table {
		if entry == nil || entry.Free || entry.Compressed {
			continue
		}
		sd, ok := entry.Object.(types.StreamDict)
		if !ok {
			continue
		}
		if subtype, found := sd.Find("Subtype"); found {
			if name, isName := subtype.(types.Name); isName && name == "Image" {
				return true
			}
		}
	}
	return false
}

// pdfStringRe matches PDF string literals in parentheses.
var pdfStringRe = regexp.MustCompile(`\(([^)]*)\)`)

// streamText walks content stream operators and collects shown text.
func streamText(data []byte) string {
	var sb strings.Builder

	for _, line := range bytes.Split(data, []byte{'\n'}) {
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}

		switch {
		case bytes.HasSuffix(line, []byte("Tj")), bytes.HasSuffix(line, []byte("TJ")):
			for _, m := range pdfStringRe.FindAllSubmatch(line, -1) {
				sb.WriteString(decodeString(m[1]))
			}
		case bytes.HasSuffix(line, []byte("'")) && bytes.Contains(line, []byte("(")):
			for _, m := range pdfStringRe.FindAllSubmatch(line, -1) {
				if s := decodeString(m[1]); s != "" {
					sb.WriteByte('\n')
					sb.WriteString(s)
				}
			}
		case bytes.HasSuffix(line, []byte("Td")), bytes.HasSuffix(line, []byte("TD")):
			if sb.Len() > 0 {
				sb.WriteByte(' ')
			}
		case bytes.Equal(line, []byte("T*")):
			sb.WriteByte('\n')
		}
	}

	return normalizeText(sb.String())
}

// decodeString handles basic PDF string escapes, including octal.
func decodeString(raw []byte) string {
	var sb strings.Builder
	for i := 0; i < len(raw); i++ {
		if raw[i] != '\\' || i+1 >= len(raw) {
			sb.WriteByte(raw[i])
			continue
		}
		i++
		switch raw[i] {
		case 'n':
			sb.WriteByte('\n')
		case 'r':
			sb.WriteByte('\r')
		case 't':
			sb.WriteByte('\t')
		case '\\', '(', ')':
			sb.WriteByte(raw[i])
		default:
			if raw[i] >= '0' && raw[i] <= '7' {
				val := int(raw[i] - '0')
				for n := 0; n < 2 && i+1 < len(raw) && raw[i+1] >= '0' && raw[i+1] <= '7'; n++ {
					i++
					val = val*8 + int(raw[i]-'0')
				}
				sb.WriteByte(byte(val))
			} else {
				sb.WriteByte(raw[i])
			}
		}
	}
	return sb.String()
}

// normalizeText collapses whitespace and drops non-printable runes.
func normalizeText(text string) string {
	var sb strings.Builder
	prevSpace := false
	for _, r := range text {
		switch {
		case unicode.IsSpace(r):
			if !prevSpace && sb.Len() > 0 {
				sb.WriteByte(' ')
				prevSpace = true
			}
		case unicode.IsPrint(r):
			sb.WriteRune(r)
			prevSpace = false
		}
	}
	return strings.TrimSpace(sb.String())
}

// printableRatio is the share of printable runes, treating PUA glyphs,
// the replacement character, and stray control bytes as garbage.
func printableRatio(text string) float64 {
	if len(text) == 0 {
		return 1.0
	}
	total, printable := 0, 0
	for _, r := range text {
		total++
		if garbageRune(r) {
			continue
		}
		if unicode.IsPrint(r) || r == '\n' || r == '\r' || r == '\t' {
			printable++
		}
	}
	if total == 0 {
		return 1.0
	}
	return float64(printable) / float64(total)
}

func garbageRune(r rune) bool {
	if r >= 0xE000 && r <= 0xF8FF {
		return true
	}
	if r == 0xFFFD {
		return true
	}
	return r < 0x0020 && r != '\n' && r != '\r' && r != '\t'
}

// splitParagraphs splits extracted text on blank lines.
func splitParagraphs(text string) []string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")

	var out []string
	for _, p := range strings.Split(text, "\n\n") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 && strings.TrimSpace(text) != "" {
		out = []string{strings.TrimSpace(text)}
	}
	return out
}
