package spider

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/jackzampolin/spider/internal/ehparse"
	"github.com/jackzampolin/spider/internal/gallery"
	"github.com/jackzampolin/spider/internal/logging"
)

func newTestState(pages, perPage int) *gallery.State {
	st := gallery.NewState(gallery.Info{GID: 1, Token: "t"})
	st.Pages = pages
	st.PreviewPages = (pages + perPage - 1) / perPage
	st.PreviewPerPage = perPage
	return st
}

func previews(indices ...int) []ehparse.Preview {
	out := make([]ehparse.Preview, 0, len(indices))
	for _, i := range indices {
		out = append(out, ehparse.Preview{Index: i, PToken: ptoken(i)})
	}
	return out
}

func TestTokenResolver_DedupesBatchFetches(t *testing.T) {
	var calls atomic.Int32
	release := make(chan struct{})
	fetch := func(ctx context.Context, batch int) (*ehparse.Detail, error) {
		calls.Add(1)
		<-release
		return &ehparse.Detail{Pages: 4, PreviewPages: 2, Previews: previews(0, 1)}, nil
	}
	var saves atomic.Int32
	r := newTokenResolver(newTestState(4, 2), fetch, func(*gallery.State) { saves.Add(1) }, logging.Discard())

	var wg sync.WaitGroup
	wg.Add(1)
	var first Resolution
	go func() {
		defer wg.Done()
		_, first, _ = r.Resolve(context.Background(), 0)
	}()
	waitFor(t, "fetch in flight", func() bool { return calls.Load() == 1 })

	if _, res, err := r.Resolve(context.Background(), 1); err != nil || res != ResolveWait {
		t.Errorf("expected wait for a batch in flight, got %s %v", res, err)
	}
	close(release)
	wg.Wait()

	if first != ResolveKnown {
		t.Errorf("expected known, got %s", first)
	}
	tok, res, err := r.Resolve(context.Background(), 1)
	if err != nil || res != ResolveKnown || tok.Value != ptoken(1) {
		t.Errorf("expected known token for page 1, got %+v %s %v", tok, res, err)
	}
	if n := calls.Load(); n != 1 {
		t.Errorf("expected one fetch, got %d", n)
	}
	if n := saves.Load(); n != 1 {
		t.Errorf("expected one save, got %d", n)
	}
}

func TestTokenResolver_Outcomes(t *testing.T) {
	errNet := errors.New("network down")
	tests := []struct {
		name    string
		detail  *ehparse.Detail
		err     error
		want    Resolution
		wantErr bool
	}{
		{"present", &ehparse.Detail{Pages: 4, PreviewPages: 2, Previews: previews(2, 3)}, nil, ResolveKnown, false},
		{"absent", &ehparse.Detail{Pages: 4, PreviewPages: 2, Previews: previews(2)}, nil, ResolveFailed, false},
		{"network error", nil, errNet, ResolveWait, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fetch := func(context.Context, int) (*ehparse.Detail, error) { return tt.detail, tt.err }
			r := newTokenResolver(newTestState(4, 2), fetch, nil, logging.Discard())

			_, res, err := r.Resolve(context.Background(), 3)
			if (err != nil) != tt.wantErr {
				t.Fatalf("unexpected error %v", err)
			}
			if res != tt.want {
				t.Errorf("expected %s, got %s", tt.want, res)
			}
			if tok, ok := r.lookup(3); ok && tok.IsFailed() {
				t.Error("Resolve must not mark failures")
			}
			if len(r.inflight) != 0 {
				t.Error("in-flight set should be empty")
			}
		})
	}
}

func TestTokenResolver_FailedMarkers(t *testing.T) {
	st := newTestState(4, 2)
	st.Tokens[0] = gallery.Known(ptoken(0))
	r := newTokenResolver(st, nil, nil, logging.Discard())

	r.markFailed(0)
	if tok, _ := r.lookup(0); !tok.IsKnown() {
		t.Error("a known token must not be replaced by a failure")
	}

	r.markFailed(1)
	if _, res, _ := r.Resolve(context.Background(), 1); res != ResolveFailed {
		t.Errorf("expected failed, got %s", res)
	}
	r.clearFailed(1)
	if _, ok := r.lookup(1); ok {
		t.Error("clearFailed should make the token pending")
	}
}

func TestTokenResolver_Broadcast(t *testing.T) {
	r := newTokenResolver(newTestState(1, 1), nil, nil, logging.Discard())
	wake := r.waitChan()
	r.broadcast()
	select {
	case <-wake:
	default:
		t.Fatal("broadcast should close the previous channel")
	}
	select {
	case <-r.waitChan():
		t.Fatal("the new channel should be open")
	default:
	}
}

func TestApplyDetail(t *testing.T) {
	tests := []struct {
		name       string
		pages      int
		perPage    int
		batch      int
		detail     ehparse.Detail
		wantPer    int
		wantPages  int
		wantTokens int
	}{
		{
			name:       "single preview page",
			pages:      -1,
			batch:      0,
			detail:     ehparse.Detail{Pages: 3, PreviewPages: 1, Previews: previews(0, 1, 2)},
			wantPer:    3,
			wantPages:  3,
			wantTokens: 3,
		},
		{
			name:       "full batch",
			pages:      -1,
			batch:      0,
			detail:     ehparse.Detail{Pages: 50, PreviewPages: 3, Previews: previews(0, 1, 2, 3)},
			wantPer:    4,
			wantPages:  50,
			wantTokens: 4,
		},
		{
			name:       "short last batch keeps the larger size",
			pages:      10,
			perPage:    4,
			batch:      2,
			detail:     ehparse.Detail{Pages: 10, PreviewPages: 3, Previews: previews(8, 9)},
			wantPer:    4,
			wantPages:  10,
			wantTokens: 2,
		},
		{
			name:       "page count is not overwritten",
			pages:      5,
			perPage:    5,
			batch:      0,
			detail:     ehparse.Detail{Pages: 9, PreviewPages: 1, Previews: previews(0, 7)},
			wantPer:    2,
			wantPages:  5,
			wantTokens: 1,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := gallery.NewState(gallery.Info{GID: 1, Token: "t"})
			st.Pages = tt.pages
			st.PreviewPerPage = tt.perPage
			applyDetail(st, tt.batch, &tt.detail)
			if st.PreviewPerPage != tt.wantPer {
				t.Errorf("expected per page %d, got %d", tt.wantPer, st.PreviewPerPage)
			}
			if st.Pages != tt.wantPages {
				t.Errorf("expected %d pages, got %d", tt.wantPages, st.Pages)
			}
			if len(st.Tokens) != tt.wantTokens {
				t.Errorf("expected %d tokens, got %v", tt.wantTokens, st.Tokens)
			}
			for idx := range st.Tokens {
				if !st.InRange(idx) {
					t.Errorf("token %d out of range", idx)
				}
			}
		})
	}
}

func TestTokenResolver_PersistNeverRollsBack(t *testing.T) {
	var (
		mu   sync.Mutex
		last *gallery.State
	)
	save := func(st *gallery.State) {
		mu.Lock()
		defer mu.Unlock()
		last = st
	}
	r := newTokenResolver(newTestState(4, 2), nil, save, logging.Discard())

	older, v1 := r.setStartPage(1)
	newer, v2 := r.setStartPage(2)

	// Deliver the saves out of order.
	r.persist(newer, v2)
	r.persist(older, v1)
	if last.StartPage != 2 {
		t.Fatalf("stale snapshot overwrote the state: start page = %d, want 2", last.StartPage)
	}

	var wg sync.WaitGroup
	for page := 3; page < 40; page++ {
		st, v := r.setStartPage(page)
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.persist(st, v)
		}()
	}
	wg.Wait()
	if last.StartPage != 39 {
		t.Errorf("start page = %d after concurrent saves, want 39", last.StartPage)
	}

	r.flush()
	if last.StartPage != 39 {
		t.Errorf("flush saved start page %d, want 39", last.StartPage)
	}
}
