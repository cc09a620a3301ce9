package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/paperlane/paperlane/cleaner"
	"github.com/paperlane/paperlane/convert"
	"github.com/paperlane/paperlane/ocr"
	"github.com/paperlane/paperlane/pdfdoc"
)

func (o *Orchestrator) processLocal(ctx context.Context, t Task) Result {
	start := time.Now()
	file := baseName(t.Path)

	var fragment string
	var err error
	if strings.EqualFold(filepath.Ext(t.Path), ".pdf") {
		fragment, err = pdfdoc.ConvertDigital(t.Path)
	} else {
		fragment, err = convert.Convert(ctx, t.Path)
	}
	if err != nil {
		return Result{File: file, Lane: LaneLocal, Status: StatusFail, Reason: err.Error()}
	}

	outDir, err := o.writeOutputs(t.Path, fragment)
	if err != nil {
		return Result{File: file, Lane: LaneLocal, Status: StatusFail, Reason: err.Error()}
	}
	return Result{
		File:    file,
		Lane:    LaneLocal,
		Status:  StatusSuccess,
		Elapsed: round2(time.Since(start).Seconds()),
		Output:  outDir,
	}
}

func (o *Orchestrator) processExternal(ctx context.Context, t Task) Result {
	start := time.Now()
	file := baseName(t.Path)
	fail := func(reason string) Result {
		return Result{File: file, Lane: LaneExternal, Status: StatusFail, Reason: reason}
	}

	if o.caller == nil {
		return fail("scanned document requires OCR but no provider is configured")
	}

	// Credit check precedes any network call. Partial chunk failure
	// later settles fewer units than authorized here, never more.
	if o.gate != nil {
		auth, err := o.gate.Authorize(ctx, t.Pages)
		if err != nil {
			return fail(fmt.Sprintf("credit check: %v", err))
		}
		if !auth.OK {
			return fail(auth.Reason)
		}
	}

	fragment, pagesDone, failedRanges, err := o.runOCR(ctx, t)

	if o.gate != nil && pagesDone > 0 {
		if _, serr := o.gate.Settle(ctx, pagesDone, file); serr != nil {
			o.logger.Error("credit settlement failed",
				"file", file, "pages", pagesDone, "error", serr)
		}
	}
	if err != nil {
		return fail(err.Error())
	}

	outDir, err := o.writeOutputs(t.Path, fragment)
	if err != nil {
		return fail(err.Error())
	}

	r := Result{
		File:    file,
		Lane:    LaneExternal,
		Status:  StatusSuccess,
		Elapsed: round2(time.Since(start).Seconds()),
		Output:  outDir,
	}
	if len(failedRanges) > 0 {
		r.Status = StatusPartial
		r.Reason = fmt.Sprintf("pages %s not converted", joinRanges(failedRanges))
	}
	return r
}

// runOCR performs the external conversion for one task and reports how
// many pages actually produced output, which is what settlement bills.
func (o *Orchestrator) runOCR(ctx context.Context, t Task) (html string, pagesDone int, failed []ocr.PageRange, err error) {
	ranges := ocr.Plan(t.Pages, ocr.MaxPagesPerCall)

	// Single-call documents (images, short PDFs) upload as-is.
	if len(ranges) <= 1 {
		html, err = o.caller.Call(ctx, t.Path)
		if err != nil {
			return "", 0, nil, err
		}
		return html, t.Pages, nil, nil
	}

	tmpDir, err := os.MkdirTemp("", "paperlane_pdf_")
	if err != nil {
		return "", 0, nil, fmt.Errorf("create chunk dir: %w", err)
	}
	defer os.RemoveAll(tmpDir)

	fragments := make([]ocr.Fragment, 0, len(ranges))
	for i, pr := range ranges {
		if ctx.Err() != nil {
			fragments = append(fragments, ocr.Fragment{Index: i, Range: pr, Err: ctx.Err().Error()})
			continue
		}
		chunkPath := filepath.Join(tmpDir, fmt.Sprintf("chunk_%03d.pdf", i))
		if cerr := pdfdoc.ExtractChunk(t.Path, pr, chunkPath); cerr != nil {
			o.logger.Warn("chunk extraction failed",
				"file", baseName(t.Path), "pages", pr.String(), "error", cerr)
			fragments = append(fragments, ocr.Fragment{Index: i, Range: pr, Err: cerr.Error()})
			continue
		}
		part, cerr := o.caller.Call(ctx, chunkPath)
		if cerr != nil {
			o.logger.Warn("chunk conversion failed",
				"file", baseName(t.Path), "pages", pr.String(), "error", cerr)
			fragments = append(fragments, ocr.Fragment{Index: i, Range: pr, Err: cerr.Error()})
			continue
		}
		fragments = append(fragments, ocr.Fragment{Index: i, Range: pr, HTML: part})
	}

	merged, err := ocr.Reassemble(fragments)
	if err != nil {
		return "", 0, nil, err
	}
	return merged.HTML, merged.PagesSucceeded, merged.FailedRanges, nil
}

// writeOutputs writes the per-document output folder:
//
//	{OutputDir}/{docname}/view.html       full styled page
//	{OutputDir}/{docname}/clean_ai.html   sanitized fragment
//	{OutputDir}/{docname}/content.md      markdown rendering
func (o *Orchestrator) writeOutputs(srcPath, fragment string) (string, error) {
	file := baseName(srcPath)
	docName := strings.TrimSuffix(file, filepath.Ext(file))
	dir := filepath.Join(o.cfg.OutputDir, docName)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create output dir: %w", err)
	}

	view := cleaner.ViewHTML(fragment, file)
	if err := os.WriteFile(filepath.Join(dir, "view.html"), []byte(view), 0o644); err != nil {
		return "", fmt.Errorf("write view.html: %w", err)
	}

	if o.cfg.CleanHTML || o.cfg.Markdown {
		clean := o.clean.CleanHTML(fragment)
		if o.cfg.CleanHTML {
			if err := os.WriteFile(filepath.Join(dir, "clean_ai.html"), []byte(clean), 0o644); err != nil {
				return "", fmt.Errorf("write clean_ai.html: %w", err)
			}
		}
		if o.cfg.Markdown {
			md, err := o.clean.Markdown(clean)
			if err != nil {
				o.logger.Warn("markdown rendering skipped", "file", file, "error", err)
			} else if err := os.WriteFile(filepath.Join(dir, "content.md"), []byte(md), 0o644); err != nil {
				return "", fmt.Errorf("write content.md: %w", err)
			}
		}
	}
	return dir, nil
}

func joinRanges(ranges []ocr.PageRange) string {
	parts := make([]string, len(ranges))
	for i, r := range ranges {
		parts[i] = r.String()
	}
	return strings.Join(parts, ", ")
}
