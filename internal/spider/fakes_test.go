package spider

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jackzampolin/spider/internal/ehclient"
	"github.com/jackzampolin/spider/internal/ehparse"
	"github.com/jackzampolin/spider/internal/gallery"
	"github.com/jackzampolin/spider/internal/logging"
	"github.com/jackzampolin/spider/internal/testutil"
)

const testBase = "https://h.test"

var (
	ptoken   = testutil.PToken
	pngBytes = testutil.PNG
	pageHTML = testutil.PageHTML
)

type fakeResponse struct {
	status int
	body   []byte
	ctype  string
	err    error
}

// fakeHost serves generated detail pages, page wrappers and images.
type fakeHost struct {
	gid     int64
	token   string
	pages   int
	perPage int
	image   []byte

	mu        sync.Mutex
	hits      map[string]int
	overrides map[string][]fakeResponse // consumed in order, the last one sticks
	omit      map[int]bool              // indices left out of detail previews
	gates     map[string]chan struct{}
}

func newFakeHost(t *testing.T, pages, perPage int) *fakeHost {
	return &fakeHost{
		gid:       42,
		token:     "abc123",
		pages:     pages,
		perPage:   perPage,
		image:     pngBytes(t, 200),
		hits:      make(map[string]int),
		overrides: make(map[string][]fakeResponse),
		omit:      make(map[int]bool),
		gates:     make(map[string]chan struct{}),
	}
}

func (h *fakeHost) info() gallery.Info {
	return gallery.Info{GID: h.gid, Token: h.token}
}

func (h *fakeHost) urls() ehclient.URLs {
	return ehclient.NewURLs(testBase)
}

func (h *fakeHost) detailURL(batch int) string {
	return h.urls().Detail(h.gid, h.token, batch)
}

func (h *fakeHost) pageURL(index int, skipKey string) string {
	return h.urls().Page(h.gid, index, ptoken(index), skipKey)
}

func (h *fakeHost) imageURL(index int) string {
	return fmt.Sprintf("%s/img/%d.png", testBase, index)
}

func (h *fakeHost) override(url string, rs ...fakeResponse) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.overrides[url] = rs
}

func (h *fakeHost) gate(url string) chan struct{} {
	h.mu.Lock()
	defer h.mu.Unlock()
	ch := make(chan struct{})
	h.gates[url] = ch
	return ch
}

func (h *fakeHost) count(url string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.hits[url]
}

func (h *fakeHost) Fetch(ctx context.Context, url string) (*ehclient.Response, error) {
	h.mu.Lock()
	h.hits[url]++
	gate := h.gates[url]
	var (
		r          fakeResponse
		overridden bool
	)
	if rs := h.overrides[url]; len(rs) > 0 {
		r, overridden = rs[0], true
		if len(rs) > 1 {
			h.overrides[url] = rs[1:]
		}
	}
	h.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if !overridden {
		r = h.respond(url)
	}
	if r.err != nil {
		return nil, r.err
	}
	if r.status >= 400 {
		return nil, &ehclient.StatusError{URL: url, StatusCode: r.status}
	}
	return &ehclient.Response{
		StatusCode:    200,
		Body:          io.NopCloser(bytes.NewReader(r.body)),
		ContentLength: int64(len(r.body)),
		ContentType:   r.ctype,
	}, nil
}

func (h *fakeHost) respond(url string) fakeResponse {
	for batch := 0; batch <= h.pages; batch++ {
		if url == h.detailURL(batch) {
			return fakeResponse{body: []byte(h.detailHTML(batch)), ctype: "text/html"}
		}
	}
	for i := 0; i < h.pages; i++ {
		if p := h.pageURL(i, ""); url == p || strings.HasPrefix(url, p+"?") {
			return fakeResponse{body: []byte(pageHTML(h.imageURL(i), "")), ctype: "text/html"}
		}
		if url == h.imageURL(i) {
			return fakeResponse{body: h.image, ctype: "image/png"}
		}
	}
	return fakeResponse{status: 404}
}

func (h *fakeHost) detailHTML(batch int) string {
	h.mu.Lock()
	defer h.mu.Unlock()
	previewPages := (h.pages + h.perPage - 1) / h.perPage
	var b strings.Builder
	fmt.Fprintf(&b, `<table><tr><td class="gdt1">Length:</td><td class="gdt2">%d pages</td></tr></table>`, h.pages)
	fmt.Fprintf(&b, `<table class="ptt"><tr><td class="ptds"><a href="x">%d</a></td><td class="ptdd"><a href="y">&gt;</a></td></tr></table>`, previewPages)
	for i := batch * h.perPage; i < min((batch+1)*h.perPage, h.pages); i++ {
		if h.omit[i] {
			continue
		}
		fmt.Fprintf(&b, `<div class="gdtm"><a href="%s/s/%s/%d-%d"><img alt="%d"></a></div>`, testBase, ptoken(i), h.gid, i+1, i+1)
	}
	return b.String()
}

// memDen is an in-memory page store.
type memDen struct {
	mu     sync.Mutex
	pages  map[int][]byte
	exts   map[int]string
	writes map[int]int
}

func newMemDen() *memDen {
	return &memDen{pages: make(map[int][]byte), exts: make(map[int]string), writes: make(map[int]int)}
}

var errNoPage = errors.New("page not stored")

func (d *memDen) Exists(index int) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.pages[index]
	return ok
}

func (d *memDen) OpenWrite(index int, ext string) (io.WriteCloser, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.pages, index)
	d.writes[index]++
	return &memWriter{d: d, index: index, ext: ext}, nil
}

func (d *memDen) OpenRead(index int) (io.ReadCloser, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	data, ok := d.pages[index]
	if !ok {
		return nil, errNoPage
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (d *memDen) Remove(index int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.pages, index)
	return nil
}

func (d *memDen) put(index int, data []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pages[index] = data
}

func (d *memDen) writeCount(index int) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.writes[index]
}

type memWriter struct {
	d     *memDen
	index int
	ext   string
	buf   bytes.Buffer
}

func (w *memWriter) Write(p []byte) (int, error) { return w.buf.Write(p) }

func (w *memWriter) Close() error {
	w.d.mu.Lock()
	defer w.d.mu.Unlock()
	w.d.pages[w.index] = w.buf.Bytes()
	w.d.exts[w.index] = w.ext
	return nil
}

// memPersister keeps the last saved state.
type memPersister struct {
	mu    sync.Mutex
	state *gallery.State
	saves int
}

func (p *memPersister) Load(info gallery.Info) (*gallery.State, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == nil || !p.state.Matches(info) {
		return nil, errors.New("not found")
	}
	return p.state.Clone(), nil
}

func (p *memPersister) Save(st *gallery.State) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.state = st.Clone()
	p.saves++
}

func (p *memPersister) saved() *gallery.State {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == nil {
		return nil
	}
	return p.state.Clone()
}

// eventLog records listener callbacks.
type eventLog struct {
	NopListener

	mu           sync.Mutex
	pagesKnown   int
	finished     map[int]int
	failed       map[int]string
	progress     map[int]int
	blocked      []int
	allDone      int
	decoded      map[int]int
	decodeFailed map[int]string
}

func newEventLog() *eventLog {
	return &eventLog{
		pagesKnown:   -1,
		finished:     make(map[int]int),
		failed:       make(map[int]string),
		progress:     make(map[int]int),
		decoded:      make(map[int]int),
		decodeFailed: make(map[int]string),
	}
}

func (e *eventLog) OnPagesKnown(count int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pagesKnown = count
}

func (e *eventLog) OnBlockedContent(index int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.blocked = append(e.blocked, index)
}

func (e *eventLog) OnDownloadProgress(index int, _, _ int64, delta int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.progress[index] += delta
}

func (e *eventLog) OnPageFinished(index, _, _, _ int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.finished[index]++
}

func (e *eventLog) OnPageFailed(index int, msg string, _, _, _ int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.failed[index] = msg
}

func (e *eventLog) OnAllWorkersDone(_, _, _ int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.allDone++
}

func (e *eventLog) OnImageDecoded(index int, _ image.Image) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.decoded[index]++
}

func (e *eventLog) OnImageDecodeFailed(index int, msg string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.decodeFailed[index] = msg
}

func (e *eventLog) read(fn func(e *eventLog)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	fn(e)
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

type testQueen struct {
	*Queen
	host    *fakeHost
	den     *memDen
	persist *memPersister
	events  *eventLog
}

func testConfig(host *fakeHost, d Den, p Persister) Config {
	return Config{
		Info:       host.info(),
		Workers:    2,
		RetryDelay: time.Millisecond,
		Fetcher:    host,
		Parser:     ehparse.Parser{},
		Den:        d,
		Persister:  p,
		URLs:       host.urls(),
		Logger:     logging.Discard(),
	}
}

// startQueen starts a Queen over host and stops it when the test ends.
func startQueen(t *testing.T, host *fakeHost, mutate ...func(*Config)) *testQueen {
	t.Helper()
	tq := &testQueen{host: host, den: newMemDen(), persist: &memPersister{}, events: newEventLog()}
	cfg := testConfig(host, tq.den, tq.persist)
	for _, m := range mutate {
		m(&cfg)
	}
	if d, ok := cfg.Den.(*memDen); ok {
		tq.den = d
	}
	if p, ok := cfg.Persister.(*memPersister); ok {
		tq.persist = p
	}

	q, err := NewQueen(cfg)
	if err != nil {
		t.Fatalf("NewQueen: %v", err)
	}
	q.AddListener(tq.events)
	q.Start(context.Background())
	t.Cleanup(func() {
		q.Stop()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := q.Wait(ctx); err != nil {
			t.Errorf("queen did not stop: %v", err)
		}
	})
	tq.Queen = q
	return tq
}

func (tq *testQueen) waitSize(t *testing.T) int {
	t.Helper()
	waitFor(t, "page count", func() bool { return tq.Size() != SizeWait })
	return tq.Size()
}

func (tq *testQueen) waitFinished(t *testing.T, index int) {
	t.Helper()
	waitFor(t, fmt.Sprintf("page %d finished", index), func() bool {
		n := 0
		tq.events.read(func(e *eventLog) { n = e.finished[index] })
		return n > 0
	})
}

func (tq *testQueen) waitFailed(t *testing.T, index int) string {
	t.Helper()
	var msg string
	waitFor(t, fmt.Sprintf("page %d failed", index), func() bool {
		ok := false
		tq.events.read(func(e *eventLog) { msg, ok = e.failed[index] })
		return ok
	})
	return msg
}
