package testutil

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
)

// GalleryHost is an HTTP server that imitates the gallery host: detail
// pages with preview grids, page wrappers and PNG images.
type GalleryHost struct {
	GID     int64
	Token   string
	Pages   int
	PerPage int

	srv   *httptest.Server
	image []byte

	mu   sync.Mutex
	hits map[string]int
}

// NewGalleryHost starts a host for one gallery and closes it on cleanup.
func NewGalleryHost(t *testing.T, gid int64, token string, pages, perPage int) *GalleryHost {
	t.Helper()
	h := &GalleryHost{
		GID:     gid,
		Token:   token,
		Pages:   pages,
		PerPage: perPage,
		image:   PNG(t, 128),
		hits:    make(map[string]int),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /g/{gid}/{token}/", h.detail)
	mux.HandleFunc("GET /s/{ptoken}/{page}", h.page)
	mux.HandleFunc("GET /img/{name}", h.img)
	h.srv = httptest.NewServer(mux)
	t.Cleanup(h.srv.Close)
	return h
}

// URL returns the host base URL.
func (h *GalleryHost) URL() string {
	return h.srv.URL
}

// Image returns the bytes served for every page.
func (h *GalleryHost) Image() []byte {
	return h.image
}

// Hits returns how often a path was requested.
func (h *GalleryHost) Hits(path string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.hits[path]
}

// PToken returns the page token the host issues for index.
func PToken(index int) string {
	return fmt.Sprintf("%010x", index+1)
}

// PNG encodes a tiny grey image.
func PNG(t testing.TB, shade uint8) []byte {
	t.Helper()
	img := image.NewGray(image.Rect(0, 0, 2, 2))
	img.SetGray(0, 0, color.Gray{Y: shade})
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

func (h *GalleryHost) hit(r *http.Request) {
	h.mu.Lock()
	h.hits[r.URL.Path]++
	h.mu.Unlock()
}

func (h *GalleryHost) detail(w http.ResponseWriter, r *http.Request) {
	h.hit(r)
	if r.PathValue("gid") != strconv.FormatInt(h.GID, 10) || r.PathValue("token") != h.Token {
		http.NotFound(w, r)
		return
	}
	batch, _ := strconv.Atoi(r.URL.Query().Get("p"))
	w.Header().Set("Content-Type", "text/html")
	fmt.Fprint(w, DetailHTML(h.srv.URL, h.GID, h.Pages, h.PerPage, batch))
}

func (h *GalleryHost) page(w http.ResponseWriter, r *http.Request) {
	h.hit(r)
	gid, n, ok := strings.Cut(r.PathValue("page"), "-")
	index, err := strconv.Atoi(n)
	if !ok || err != nil || gid != strconv.FormatInt(h.GID, 10) || index < 1 || index > h.Pages {
		http.NotFound(w, r)
		return
	}
	if r.PathValue("ptoken") != PToken(index-1) {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/html")
	fmt.Fprint(w, PageHTML(fmt.Sprintf("%s/img/%d.png", h.srv.URL, index-1), ""))
}

func (h *GalleryHost) img(w http.ResponseWriter, r *http.Request) {
	h.hit(r)
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Content-Length", strconv.Itoa(len(h.image)))
	w.Write(h.image)
}

// DetailHTML renders detail page batch for a gallery of pages pages shown
// perPage at a time.
func DetailHTML(base string, gid int64, pages, perPage, batch int) string {
	previewPages := (pages + perPage - 1) / perPage
	var b strings.Builder
	fmt.Fprintf(&b, `<table><tr><td class="gdt1">Length:</td><td class="gdt2">%d pages</td></tr></table>`, pages)
	fmt.Fprintf(&b, `<table class="ptt"><tr><td class="ptds"><a href="x">%d</a></td><td class="ptdd"><a href="y">&gt;</a></td></tr></table>`, previewPages)
	for i := batch * perPage; i < min((batch+1)*perPage, pages); i++ {
		fmt.Fprintf(&b, `<div class="gdtm"><a href="%s/s/%s/%d-%d"><img alt="%d"></a></div>`, base, PToken(i), gid, i+1, i+1)
	}
	return b.String()
}

// PageHTML renders a page wrapper pointing at imageURL. A non-empty skipKey
// adds the reload link.
func PageHTML(imageURL, skipKey string) string {
	s := fmt.Sprintf(`<div id="i3"><img id="img" src="%s" style="width:100px"></div>`, imageURL)
	if skipKey != "" {
		s += fmt.Sprintf(`<a href="#" id="loadfail" onclick="return nl('%s')">Reload broken image</a>`, skipKey)
	}
	return s
}
