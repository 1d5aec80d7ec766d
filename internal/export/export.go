// Package export bundles a gallery's downloaded pages into a PDF.
package export

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/png"
	"log/slog"
	"os"
	"path/filepath"

	_ "image/gif"
	_ "image/jpeg"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu"
	_ "golang.org/x/image/webp"

	"github.com/jackzampolin/spider/internal/den"
)

// ErrNoPages is returned when the gallery directory holds no pages.
var ErrNoPages = errors.New("no pages to export")

// Request describes one export.
type Request struct {
	Dir    string       // Gallery download directory
	Out    string       // PDF path to write
	Logger *slog.Logger // Optional
}

// Result summarizes a finished export.
type Result struct {
	Path      string `json:"path"`
	Pages     int    `json:"pages"`
	Converted int    `json:"converted"` // pages re-encoded as PNG first
	Missing   []int  `json:"missing,omitempty"`
}

// PDF writes every stored page of req.Dir, in page order, to req.Out.
// Pages the PDF writer cannot embed directly (gif, webp) are re-encoded as
// PNG. Gaps in the page sequence are reported in Result.Missing.
func PDF(ctx context.Context, req Request) (*Result, error) {
	log := req.Logger
	if log == nil {
		log = slog.Default()
	}

	d, err := den.New(req.Dir)
	if err != nil {
		return nil, err
	}
	pages, err := d.Pages()
	if err != nil {
		return nil, fmt.Errorf("failed to list pages: %w", err)
	}
	if len(pages) == 0 {
		return nil, ErrNoPages
	}

	tmpDir, err := os.MkdirTemp("", "spider-export-")
	if err != nil {
		return nil, fmt.Errorf("failed to create temp dir: %w", err)
	}
	defer os.RemoveAll(tmpDir)

	res := &Result{Path: req.Out}
	files := make([]string, 0, len(pages))
	next := 0
	for _, index := range pages {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		for ; next < index; next++ {
			res.Missing = append(res.Missing, next)
		}
		next = index + 1

		path, err := d.Find(index)
		if err != nil {
			return nil, err
		}
		ext, err := d.DetectExt(index)
		if err != nil {
			return nil, err
		}
		if ext != ".jpg" && ext != ".png" {
			path, err = toPNG(path, filepath.Join(tmpDir, fmt.Sprintf("%08d.png", index+1)))
			if err != nil {
				return nil, fmt.Errorf("page %d: %w", index, err)
			}
			res.Converted++
		}
		files = append(files, path)
	}

	if err := os.MkdirAll(filepath.Dir(req.Out), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}
	partial := req.Out + ".partial"
	os.Remove(partial)
	if err := api.ImportImagesFile(files, partial, pdfcpu.DefaultImportConfig(), nil); err != nil {
		os.Remove(partial)
		return nil, fmt.Errorf("failed to write pdf: %w", err)
	}
	if err := os.Rename(partial, req.Out); err != nil {
		return nil, fmt.Errorf("failed to move pdf into place: %w", err)
	}

	count, err := api.PageCountFile(req.Out)
	if err != nil {
		return nil, fmt.Errorf("failed to verify pdf: %w", err)
	}
	res.Pages = count

	log.Info("export complete", "path", req.Out, "pages", count, "converted", res.Converted, "missing", len(res.Missing))
	return res, nil
}

func toPNG(src, dst string) (string, error) {
	f, err := os.Open(src)
	if err != nil {
		return "", err
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return "", fmt.Errorf("decode: %w", err)
	}

	out, err := os.Create(dst)
	if err != nil {
		return "", err
	}
	if err := png.Encode(out, img); err != nil {
		out.Close()
		return "", fmt.Errorf("encode png: %w", err)
	}
	return dst, out.Close()
}
