// Package persist loads and saves gallery state to the gallery download
// directory and to the metadata cache.
package persist

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strconv"

	"github.com/moby/sys/atomicwriter"

	"github.com/jackzampolin/spider/internal/gallery"
)

// ErrNotFound is returned when no usable state exists for a gallery.
var ErrNotFound = errors.New("gallery state not found")

// FileName is the state file kept in each gallery download directory.
const FileName = ".spiderinfo"

// Bucket is the metadata cache bucket holding state records keyed by gid.
const Bucket = "spiderinfo"

// Cache is the key to bytes store the adapter mirrors state into.
type Cache interface {
	Get(bucket, key string) ([]byte, bool)
	Put(bucket, key string, value []byte) error
	Delete(bucket, key string) error
	Keys(bucket string) []string
}

// Store reads and writes gallery state.
type Store struct {
	cache  Cache
	dirFor func(gid int64) string
	logger *slog.Logger
}

// Config configures a Store.
type Config struct {
	// Cache mirrors state records. Optional.
	Cache Cache
	// DirFor returns the download directory of a gallery. Optional.
	DirFor func(gid int64) string
	Logger *slog.Logger
}

// New creates a Store.
func New(cfg Config) *Store {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		cache:  cfg.Cache,
		dirFor: cfg.DirFor,
		logger: logger,
	}
}

func cacheKey(gid int64) string {
	return strconv.FormatInt(gid, 10)
}

// Path returns the state file path for a gallery, or "" with no directory source.
func (s *Store) Path(gid int64) string {
	if s.dirFor == nil {
		return ""
	}
	return filepath.Join(s.dirFor(gid), FileName)
}

// Load returns the stored state for info. The download directory file is
// tried first, then the cache. Records for another gallery and malformed
// records are skipped. Returns ErrNotFound if neither source is usable.
func (s *Store) Load(info gallery.Info) (*gallery.State, error) {
	logger := s.logger.With("gid", info.GID)
	var lastErr error

	if path := s.Path(info.GID); path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			st, err := decode(data, info)
			if err == nil {
				return st, nil
			}
			logger.Debug("ignoring state file", "path", path, "error", err)
			lastErr = err
		case !errors.Is(err, os.ErrNotExist):
			logger.Debug("read state file failed", "path", path, "error", err)
		}
	}

	if s.cache != nil {
		if data, ok := s.cache.Get(Bucket, cacheKey(info.GID)); ok {
			st, err := decode(data, info)
			if err == nil {
				return st, nil
			}
			logger.Debug("ignoring cached state", "error", err)
			lastErr = err
		}
	}

	if lastErr != nil {
		return nil, fmt.Errorf("%w: %w", ErrNotFound, lastErr)
	}
	return nil, ErrNotFound
}

func decode(data []byte, info gallery.Info) (*gallery.State, error) {
	st, err := gallery.Read(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	if !st.Matches(info) {
		return nil, fmt.Errorf("%w: state belongs to %d/%s", gallery.ErrMalformed, st.GID, st.Token)
	}
	return st, nil
}

// Save writes state to both locations. Failures are logged and dropped.
func (s *Store) Save(st *gallery.State) {
	if st == nil {
		return
	}
	logger := s.logger.With("gid", st.GID)

	data, err := st.MarshalText()
	if err != nil {
		logger.Warn("encode state failed", "error", err)
		return
	}

	if s.cache != nil {
		if err := s.cache.Put(Bucket, cacheKey(st.GID), data); err != nil {
			logger.Warn("cache state failed", "error", err)
		}
	}

	if path := s.Path(st.GID); path != "" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			logger.Warn("create gallery dir failed", "error", err)
			return
		}
		if err := atomicwriter.WriteFile(path, data, 0o644); err != nil {
			logger.Warn("write state file failed", "path", path, "error", err)
		}
	}
}

// List returns every state record mirrored in the cache, ordered by gid.
// Malformed records are skipped.
func (s *Store) List() []*gallery.State {
	if s.cache == nil {
		return nil
	}
	var out []*gallery.State
	for _, key := range s.cache.Keys(Bucket) {
		data, ok := s.cache.Get(Bucket, key)
		if !ok {
			continue
		}
		st, err := gallery.Read(bytes.NewReader(data))
		if err != nil {
			s.logger.Debug("ignoring cached state", "key", key, "error", err)
			continue
		}
		if cacheKey(st.GID) != key {
			s.logger.Debug("ignoring cached state", "key", key, "gid", st.GID)
			continue
		}
		out = append(out, st)
	}
	slices.SortFunc(out, func(a, b *gallery.State) int {
		switch {
		case a.GID < b.GID:
			return -1
		case a.GID > b.GID:
			return 1
		}
		return 0
	})
	return out
}

// Forget removes the stored state of a gallery from both locations.
// Downloaded pages are left alone.
func (s *Store) Forget(gid int64) error {
	var errs []error
	if s.cache != nil {
		if err := s.cache.Delete(Bucket, cacheKey(gid)); err != nil {
			errs = append(errs, fmt.Errorf("delete cached state: %w", err))
		}
	}
	if path := s.Path(gid); path != "" {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, fmt.Errorf("remove state file: %w", err))
		}
	}
	return errors.Join(errs...)
}
