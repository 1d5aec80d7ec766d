// Package den stores downloaded page images in a gallery directory.
// Page i is kept as "%08d.<ext>" named after i+1.
package den

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/moby/sys/atomicwriter"
)

// ErrNotFound is returned when a page is not in the den.
var ErrNotFound = errors.New("page not in den")

// DefaultExt is used when a page URL carries no usable extension.
const DefaultExt = ".jpg"

// Den is a directory of page images.
type Den struct {
	dir string
}

// New returns a den rooted at dir, creating it if needed.
func New(dir string) (*Den, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create den directory: %w", err)
	}
	return &Den{dir: dir}, nil
}

// Open returns the den at an existing dir.
func Open(dir string) (*Den, error) {
	fi, err := os.Stat(dir)
	if err != nil {
		return nil, err
	}
	if !fi.IsDir() {
		return nil, fmt.Errorf("%s is not a directory", dir)
	}
	return &Den{dir: dir}, nil
}

// Dir returns the den directory.
func (d *Den) Dir() string { return d.dir }

func baseName(index int) string {
	return fmt.Sprintf("%08d", index+1)
}

// Find returns the file holding page index.
func (d *Den) Find(index int) (string, error) {
	if index < 0 {
		return "", ErrNotFound
	}
	matches, err := filepath.Glob(filepath.Join(d.dir, baseName(index)+".*"))
	if err != nil {
		return "", err
	}
	for _, m := range matches {
		if info, err := os.Stat(m); err == nil && info.Mode().IsRegular() {
			return m, nil
		}
	}
	return "", ErrNotFound
}

// Exists reports whether page index has been stored.
func (d *Den) Exists(index int) bool {
	_, err := d.Find(index)
	return err == nil
}

// OpenWrite opens page index for writing. The file appears under its final
// name only when the writer is closed. Any previous file for the page is removed.
func (d *Den) OpenWrite(index int, ext string) (io.WriteCloser, error) {
	if index < 0 {
		return nil, fmt.Errorf("invalid page index %d", index)
	}
	if err := d.Remove(index); err != nil {
		return nil, err
	}
	name := filepath.Join(d.dir, baseName(index)+NormalizeExt(ext))
	w, err := atomicwriter.New(name, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open page %d for write: %w", index, err)
	}
	return w, nil
}

// OpenRead opens page index for reading.
func (d *Den) OpenRead(index int) (io.ReadCloser, error) {
	path, err := d.Find(index)
	if err != nil {
		return nil, err
	}
	return os.Open(path)
}

// Remove deletes page index. Removing a missing page is not an error.
func (d *Den) Remove(index int) error {
	for {
		path, err := d.Find(index)
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("remove page %d: %w", index, err)
		}
	}
}

// Pages returns the stored page indices in ascending order.
func (d *Den) Pages() ([]int, error) {
	entries, err := os.ReadDir(d.dir)
	if err != nil {
		return nil, err
	}
	var out []int
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		stem, _, ok := strings.Cut(e.Name(), ".")
		if !ok || len(stem) != 8 {
			continue
		}
		n, err := strconv.Atoi(stem)
		if err != nil || n < 1 {
			continue
		}
		out = append(out, n-1)
	}
	sort.Ints(out)
	return out, nil
}

// NormalizeExt returns a lowercase ".ext", falling back to DefaultExt.
func NormalizeExt(ext string) string {
	ext = strings.ToLower(strings.TrimSpace(ext))
	if ext == "" || ext == "." {
		return DefaultExt
	}
	if !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	for _, r := range ext[1:] {
		if (r < 'a' || r > 'z') && (r < '0' || r > '9') {
			return DefaultExt
		}
	}
	if ext == ".jpeg" {
		return ".jpg"
	}
	return ext
}

// ExtFromURL returns the normalized extension of a URL path.
func ExtFromURL(rawURL string) string {
	if i := strings.IndexAny(rawURL, "?#"); i >= 0 {
		rawURL = rawURL[:i]
	}
	return NormalizeExt(filepath.Ext(rawURL))
}

// ExtFromContentType maps a Content-Type header to an image extension.
// It returns "" when the type is unknown.
func ExtFromContentType(contentType string) string {
	mediaType, _, _ := strings.Cut(contentType, ";")
	mediaType = strings.TrimSpace(mediaType)
	if mediaType == "" {
		return ""
	}
	mt := mimetype.Lookup(mediaType)
	if mt == nil || mt.Extension() == "" {
		return ""
	}
	return NormalizeExt(mt.Extension())
}

// DetectExt sniffs the image type of page index and returns its extension.
func (d *Den) DetectExt(index int) (string, error) {
	path, err := d.Find(index)
	if err != nil {
		return "", err
	}
	mt, err := mimetype.DetectFile(path)
	if err != nil {
		return "", fmt.Errorf("detect page %d type: %w", index, err)
	}
	return NormalizeExt(mt.Extension()), nil
}

// DetectReaderExt sniffs the content of r and returns an image extension.
func DetectReaderExt(r io.Reader) (string, error) {
	mt, err := mimetype.DetectReader(r)
	if err != nil {
		return "", err
	}
	return NormalizeExt(mt.Extension()), nil
}
