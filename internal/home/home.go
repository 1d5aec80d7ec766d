package home

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
)

const (
	// DefaultDirName is the default name for the spider home directory.
	DefaultDirName = ".spider"

	// DownloadsDirName is the subdirectory holding one directory per gallery.
	DownloadsDirName = "downloads"

	// CacheDirName is the subdirectory for the metadata cache database.
	CacheDirName = "cache"

	// ConfigFileName is the default config file name.
	ConfigFileName = "config.yaml"

	// CacheFileName is the bbolt file holding persisted session state.
	CacheFileName = "spiderinfo.db"
)

// Dir represents the spider home directory structure.
type Dir struct {
	path string
}

// New creates a new Dir with the given path.
// If path is empty, uses the default (~/.spider).
func New(path string) (*Dir, error) {
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get user home directory: %w", err)
		}
		path = filepath.Join(home, DefaultDirName)
	}

	return &Dir{path: path}, nil
}

// Path returns the root path of the home directory.
func (d *Dir) Path() string {
	return d.path
}

// DownloadsPath returns the directory that holds per-gallery downloads.
func (d *Dir) DownloadsPath() string {
	return filepath.Join(d.path, DownloadsDirName)
}

// CachePath returns the path of the metadata cache database.
func (d *Dir) CachePath() string {
	return filepath.Join(d.path, CacheDirName, CacheFileName)
}

// ConfigPath returns the path to the default config file.
func (d *Dir) ConfigPath() string {
	return filepath.Join(d.path, ConfigFileName)
}

// EnsureExists creates the home directory and subdirectories if they don't exist.
func (d *Dir) EnsureExists() error {
	if err := os.MkdirAll(d.DownloadsPath(), 0o755); err != nil {
		return fmt.Errorf("failed to create downloads directory: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(d.CachePath()), 0o755); err != nil {
		return fmt.Errorf("failed to create cache directory: %w", err)
	}
	return nil
}

// Exists returns true if the home directory exists.
func (d *Dir) Exists() bool {
	_, err := os.Stat(d.path)
	return err == nil
}

// ConfigExists returns true if the config file exists in the home directory.
func (d *Dir) ConfigExists() bool {
	_, err := os.Stat(d.ConfigPath())
	return err == nil
}

// GalleryDir returns the download directory for a gallery.
func (d *Dir) GalleryDir(gid int64) string {
	return filepath.Join(d.DownloadsPath(), strconv.FormatInt(gid, 10))
}

// EnsureGalleryDir creates the download directory for a gallery.
func (d *Dir) EnsureGalleryDir(gid int64) error {
	return os.MkdirAll(d.GalleryDir(gid), 0o755)
}

// ExportsDir returns the directory for exported files (pdf).
func (d *Dir) ExportsDir() string {
	return filepath.Join(d.path, "exports")
}

// ExportPath returns the PDF export path for a gallery.
func (d *Dir) ExportPath(gid int64) string {
	return filepath.Join(d.ExportsDir(), fmt.Sprintf("%d.pdf", gid))
}

// EnsureExportsDir creates the exports directory.
func (d *Dir) EnsureExportsDir() error {
	return os.MkdirAll(d.ExportsDir(), 0o755)
}
