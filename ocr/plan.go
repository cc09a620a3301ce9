// Package ocr drives the external document-parse endpoint: it plans
// page chunks around the provider's per-call ceiling, serially submits
// them through a rate-limit-aware HTTP caller, and reassembles the
// returned HTML fragments in page order.
package ocr

import (
	"errors"
	"fmt"
	"strings"
)

// Provider protocol constants. The endpoint bounds each call to a
// maximum page count and file size; documents above the page ceiling
// are split before any call is attempted.
const (
	MaxPagesPerCall = 10
	MaxFileSize     = 50 * 1024 * 1024
)

// ErrAllChunksFailed is returned by Reassemble when not a single chunk
// produced output.
var ErrAllChunksFailed = errors.New("all chunks failed")

// PageRange is a half-open page interval [Start, End), zero-based.
type PageRange struct {
	Start int
	End   int
}

// Pages returns the number of pages in the range.
func (r PageRange) Pages() int { return r.End - r.Start }

// String renders the range with 1-based inclusive page numbers, the
// way page ranges read to humans.
func (r PageRange) String() string {
	return fmt.Sprintf("%d-%d", r.Start+1, r.End)
}

// Plan partitions pageCount pages into contiguous ascending ranges of
// at most ceiling pages each. A document at or under the ceiling plans
// to a single range.
func Plan(pageCount, ceiling int) []PageRange {
	if pageCount <= 0 {
		return nil
	}
	if ceiling <= 0 {
		ceiling = MaxPagesPerCall
	}
	ranges := make([]PageRange, 0, (pageCount+ceiling-1)/ceiling)
	for start := 0; start < pageCount; start += ceiling {
		end := start + ceiling
		if end > pageCount {
			end = pageCount
		}
		ranges = append(ranges, PageRange{Start: start, End: end})
	}
	return ranges
}

// Fragment is one chunk's outcome: either HTML output or a failure
// reason.
type Fragment struct {
	Index int
	Range PageRange
	HTML  string
	Err   string // non-empty marks a failed chunk
}

// Merged is the reassembled document.
type Merged struct {
	HTML           string
	PagesSucceeded int
	FailedRanges   []PageRange
}

// Reassemble concatenates fragment HTML in ordinal order, independent
// of arrival order. A failed fragment is replaced with an inline error
// marker carrying its page boundaries; sibling output is kept. If no
// fragment succeeded the whole document is reported failed.
func Reassemble(fragments []Fragment) (Merged, error) {
	ordered := make([]*Fragment, len(fragments))
	for i := range fragments {
		f := &fragments[i]
		if f.Index < 0 || f.Index >= len(ordered) || ordered[f.Index] != nil {
			return Merged{}, fmt.Errorf("reassemble: bad fragment index %d", f.Index)
		}
		ordered[f.Index] = f
	}

	var sb strings.Builder
	var m Merged
	for _, f := range ordered {
		if sb.Len() > 0 {
			sb.WriteByte('\n')
		}
		if f.Err != "" {
			m.FailedRanges = append(m.FailedRanges, f.Range)
			fmt.Fprintf(&sb, "<!-- pages %s: FAILED -->\n", f.Range)
			fmt.Fprintf(&sb, `<p class="conversion-error" data-pages=%q>pages %s could not be converted: %s</p>`,
				f.Range.String(), f.Range, f.Err)
			continue
		}
		fmt.Fprintf(&sb, "<!-- pages %s -->\n", f.Range)
		sb.WriteString(f.HTML)
		m.PagesSucceeded += f.Range.Pages()
	}

	if m.PagesSucceeded == 0 {
		return Merged{}, ErrAllChunksFailed
	}
	m.HTML = sb.String()
	return m, nil
}
