package pipeline

import (
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"

	"github.com/paperlane/paperlane/convert"
	"github.com/paperlane/paperlane/pdfdoc"
)

// Image formats go straight to the external lane: there is nothing for
// a local parser to extract.
var imageExtensions = map[string]bool{
	".jpg": true, ".jpeg": true, ".png": true, ".bmp": true,
	".tiff": true, ".tif": true, ".gif": true, ".webp": true,
}

func supported(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return convert.Supported(path) || ext == ".pdf" || imageExtensions[ext]
}

// Collect walks root and returns every convertible file, skipping
// hidden entries and the output directory itself (re-running over a
// previously converted folder must not ingest its own output).
func (o *Orchestrator) Collect(root string) ([]string, error) {
	outAbs, err := filepath.Abs(o.cfg.OutputDir)
	if err != nil {
		return nil, err
	}
	var paths []string
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		name := d.Name()
		if d.IsDir() {
			abs, err := filepath.Abs(path)
			if err != nil {
				return err
			}
			if abs == outAbs || (strings.HasPrefix(name, ".") && path != root) {
				return filepath.SkipDir
			}
			return nil
		}
		if strings.HasPrefix(name, ".") || !supported(name) {
			return nil
		}
		paths = append(paths, path)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return paths, nil
}

// classify routes a file to its lane. PDF routing needs a content
// probe: digitally generated PDFs convert locally for free, scanned
// ones require OCR.
func (o *Orchestrator) classify(path string) (Task, error) {
	ext := strings.ToLower(filepath.Ext(path))
	switch {
	case imageExtensions[ext]:
		return Task{Path: path, Lane: LaneExternal, Pages: 1}, nil
	case ext == ".pdf":
		info, err := pdfdoc.Analyze(path)
		if err != nil {
			return Task{}, fmt.Errorf("analyze pdf: %w", err)
		}
		if info.PageCount == 0 {
			return Task{}, fmt.Errorf("empty pdf")
		}
		if info.Digital {
			return Task{Path: path, Lane: LaneLocal, Pages: info.PageCount}, nil
		}
		o.logger.Debug("pdf routed to ocr",
			"file", baseName(path),
			"pages", info.PageCount,
			"chars_per_page", info.CharsPerPage,
			"printable_ratio", info.PrintableRatio)
		return Task{Path: path, Lane: LaneExternal, Pages: info.PageCount}, nil
	case convert.Supported(path):
		return Task{Path: path, Lane: LaneLocal}, nil
	default:
		return Task{}, fmt.Errorf("unsupported file format: %s", ext)
	}
}

func baseName(path string) string {
	return filepath.Base(path)
}
