package persist

import (
	"errors"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"testing"

	"github.com/jackzampolin/spider/internal/gallery"
	"github.com/jackzampolin/spider/internal/logging"
	"github.com/jackzampolin/spider/internal/metacache"
)

func newStore(t *testing.T) (*Store, *metacache.Cache, string) {
	t.Helper()
	root := t.TempDir()
	cache, err := metacache.Open("")
	if err != nil {
		t.Fatalf("metacache.Open: %v", err)
	}
	s := New(Config{
		Cache:  cache,
		DirFor: func(gid int64) string { return filepath.Join(root, strconv.FormatInt(gid, 10)) },
		Logger: logging.Discard(),
	})
	return s, cache, root
}

func sampleState() *gallery.State {
	st := gallery.NewState(gallery.Info{GID: 42, Token: "abc"})
	st.StartPage = 3
	st.Pages = 10
	st.PreviewPages = 1
	st.PreviewPerPage = 10
	st.Tokens[0] = gallery.Known("tok0")
	st.Tokens[4] = gallery.Failed
	return st
}

func TestStore_SaveLoad(t *testing.T) {
	s, cache, root := newStore(t)
	info := gallery.Info{GID: 42, Token: "abc"}

	if _, err := s.Load(info); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound before save, got %v", err)
	}

	s.Save(sampleState())

	if _, err := os.Stat(filepath.Join(root, "42", FileName)); err != nil {
		t.Errorf("state file not written: %v", err)
	}
	if _, ok := cache.Get(Bucket, "42"); !ok {
		t.Error("state not mirrored to cache")
	}

	st, err := s.Load(info)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if st.StartPage != 3 || st.Pages != 10 {
		t.Errorf("unexpected state %+v", st)
	}
	if _, ok := st.Tokens[4]; ok {
		t.Error("failed token should not survive a save")
	}
}

func TestStore_Load_FallsBackToCache(t *testing.T) {
	s, _, root := newStore(t)
	info := gallery.Info{GID: 42, Token: "abc"}
	s.Save(sampleState())

	// Corrupt the file; the cache copy is still good
	if err := os.WriteFile(filepath.Join(root, "42", FileName), []byte("garbage"), 0o644); err != nil {
		t.Fatal(err)
	}

	st, err := s.Load(info)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if st.Tokens[0].Value != "tok0" {
		t.Errorf("expected cached token, got %+v", st.Tokens[0])
	}
}

func TestStore_Load_IdentityMismatch(t *testing.T) {
	s, _, _ := newStore(t)
	s.Save(sampleState())

	_, err := s.Load(gallery.Info{GID: 42, Token: "other"})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if !errors.Is(err, gallery.ErrMalformed) {
		t.Errorf("expected wrapped ErrMalformed, got %v", err)
	}
}

type failingCache struct{}

func (failingCache) Get(string, string) ([]byte, bool) { return nil, false }
func (failingCache) Put(string, string, []byte) error  { return errors.New("disk full") }
func (failingCache) Delete(string, string) error        { return errors.New("disk full") }
func (failingCache) Keys(string) []string               { return nil }

func TestStore_Save_SwallowsErrors(t *testing.T) {
	root := t.TempDir()
	blocker := filepath.Join(root, "blocker")
	if err := os.WriteFile(blocker, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	s := New(Config{
		Cache: failingCache{},
		// A file where the gallery directory should be
		DirFor: func(int64) string { return filepath.Join(blocker, "42") },
		Logger: logging.Discard(),
	})

	s.Save(sampleState())
	s.Save(nil)
}

func TestStore_List(t *testing.T) {
	s, cache, _ := newStore(t)

	for _, gid := range []int64{300, 7, 42} {
		st := gallery.NewState(gallery.Info{GID: gid, Token: "tok"})
		st.Pages = int(gid)
		s.Save(st)
	}
	if err := cache.Put(Bucket, "99", []byte("garbage")); err != nil {
		t.Fatal(err)
	}
	// A record stored under the wrong key
	stray, err := gallery.NewState(gallery.Info{GID: 7, Token: "tok"}).MarshalText()
	if err != nil {
		t.Fatal(err)
	}
	if err := cache.Put(Bucket, "8", stray); err != nil {
		t.Fatal(err)
	}

	var gids []int64
	for _, st := range s.List() {
		gids = append(gids, st.GID)
	}
	if want := []int64{7, 42, 300}; !slices.Equal(gids, want) {
		t.Errorf("List gids = %v, want %v", gids, want)
	}

	if got := New(Config{Logger: logging.Discard()}).List(); got != nil {
		t.Errorf("List without cache = %v, want nil", got)
	}
}

func TestStore_Forget(t *testing.T) {
	s, cache, root := newStore(t)
	info := gallery.Info{GID: 42, Token: "abc"}
	s.Save(sampleState())

	page := filepath.Join(root, "42", "00000001.jpg")
	if err := os.WriteFile(page, []byte("img"), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := s.Forget(42); err != nil {
		t.Fatalf("Forget: %v", err)
	}
	if _, err := s.Load(info); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound after Forget, got %v", err)
	}
	if _, ok := cache.Get(Bucket, "42"); ok {
		t.Error("cached state survived Forget")
	}
	if _, err := os.Stat(page); err != nil {
		t.Errorf("downloaded page removed: %v", err)
	}

	// Nothing left to forget
	if err := s.Forget(42); err != nil {
		t.Errorf("second Forget: %v", err)
	}
}

func TestStore_Forget_ReportsCacheError(t *testing.T) {
	s := New(Config{Cache: failingCache{}, Logger: logging.Discard()})
	if err := s.Forget(42); err == nil {
		t.Error("expected cache delete error")
	}
}
