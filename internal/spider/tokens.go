package spider

import (
	"context"
	"log/slog"
	"sync"

	"github.com/jackzampolin/spider/internal/ehparse"
	"github.com/jackzampolin/spider/internal/gallery"
)

// Resolution is the outcome of a token lookup.
type Resolution int

const (
	// ResolveWait means a fetch for the page's batch is already in flight.
	ResolveWait Resolution = iota
	// ResolveKnown means the token is available.
	ResolveKnown
	// ResolveFailed means the token is marked failed, or the batch fetch
	// did not contain it.
	ResolveFailed
)

func (r Resolution) String() string {
	switch r {
	case ResolveKnown:
		return "known"
	case ResolveFailed:
		return "failed"
	default:
		return "wait"
	}
}

// tokenResolver owns the gallery state and hands out page tokens. It allows
// at most one in-flight fetch per preview batch.
type tokenResolver struct {
	mu       sync.Mutex
	state    *gallery.State
	version  uint64 // bumped for every snapshot handed to persist
	inflight map[int]struct{}
	wake     chan struct{} // closed and replaced by broadcast

	saveMu sync.Mutex
	saved  uint64 // version of the last persisted snapshot

	fetch  func(ctx context.Context, batch int) (*ehparse.Detail, error)
	save   func(*gallery.State)
	logger *slog.Logger
}

func newTokenResolver(st *gallery.State, fetch func(context.Context, int) (*ehparse.Detail, error), save func(*gallery.State), logger *slog.Logger) *tokenResolver {
	if save == nil {
		save = func(*gallery.State) {}
	}
	return &tokenResolver{
		state:    st,
		inflight: make(map[int]struct{}),
		wake:     make(chan struct{}),
		fetch:    fetch,
		save:     save,
		logger:   logger,
	}
}

// Resolve returns the token for index, fetching its batch when needed.
// Network and parse failures are returned as errors and mark nothing.
func (r *tokenResolver) Resolve(ctx context.Context, index int) (gallery.PageToken, Resolution, error) {
	r.mu.Lock()
	if tok, ok := r.state.Tokens[index]; ok {
		r.mu.Unlock()
		if tok.IsFailed() {
			return tok, ResolveFailed, nil
		}
		return tok, ResolveKnown, nil
	}
	batch := r.state.Batch(index)
	if _, busy := r.inflight[batch]; busy {
		r.mu.Unlock()
		return gallery.PageToken{}, ResolveWait, nil
	}
	r.inflight[batch] = struct{}{}
	r.mu.Unlock()

	detail, err := r.fetch(ctx, batch)

	r.mu.Lock()
	delete(r.inflight, batch)
	if err != nil {
		r.mu.Unlock()
		r.logger.Debug("token batch fetch failed", "batch", batch, "index", index, "error", err)
		return gallery.PageToken{}, ResolveWait, err
	}
	applyDetail(r.state, batch, detail)
	tok, ok := r.state.Tokens[index]
	snap, version := r.checkpointLocked()
	r.mu.Unlock()

	r.persist(snap, version)

	if !ok || !tok.IsKnown() {
		return gallery.PageToken{}, ResolveFailed, nil
	}
	return tok, ResolveKnown, nil
}

// lookup returns the token for index without fetching.
func (r *tokenResolver) lookup(index int) (gallery.PageToken, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	tok, ok := r.state.Tokens[index]
	return tok, ok
}

// markFailed records a failed token unless one is known by now.
func (r *tokenResolver) markFailed(index int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if tok, ok := r.state.Tokens[index]; ok && tok.IsKnown() {
		return
	}
	r.state.Tokens[index] = gallery.Failed
}

// clearFailed drops a failed marker so the token is fetched again.
func (r *tokenResolver) clearFailed(index int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if tok, ok := r.state.Tokens[index]; ok && tok.IsFailed() {
		delete(r.state.Tokens, index)
	}
}

// waitChan returns the channel closed by the next broadcast.
func (r *tokenResolver) waitChan() <-chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.wake
}

// broadcast wakes every goroutine waiting on a token.
func (r *tokenResolver) broadcast() {
	r.mu.Lock()
	defer r.mu.Unlock()
	close(r.wake)
	r.wake = make(chan struct{})
}

// checkpointLocked clones the state under a new version. Later versions
// always contain every change of earlier ones.
func (r *tokenResolver) checkpointLocked() (*gallery.State, uint64) {
	r.version++
	return r.state.Clone(), r.version
}

// persist saves snap unless a newer snapshot has been saved already, so
// concurrent savers never roll the stored state back.
func (r *tokenResolver) persist(snap *gallery.State, version uint64) {
	r.saveMu.Lock()
	defer r.saveMu.Unlock()
	if version <= r.saved {
		return
	}
	r.save(snap)
	r.saved = version
}

// flush persists the current state.
func (r *tokenResolver) flush() {
	r.mu.Lock()
	snap, version := r.checkpointLocked()
	r.mu.Unlock()
	r.persist(snap, version)
}

func (r *tokenResolver) startPage() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state.StartPage
}

// setStartPage records page and returns the snapshot to persist.
func (r *tokenResolver) setStartPage(page int) (*gallery.State, uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state.StartPage = page
	return r.checkpointLocked()
}

// applyDetail merges a parsed preview batch into st. The page count is taken
// only while unknown so token keys stay inside the sized status table.
func applyDetail(st *gallery.State, batch int, d *ehparse.Detail) {
	if st.Pages < 0 {
		st.Pages = d.Pages
	}
	st.PreviewPages = d.PreviewPages

	// Only the last preview page may be short.
	n := len(d.Previews)
	if (batch >= 0 && batch < st.PreviewPages-1) || (batch == 0 && st.PreviewPages == 1) {
		st.PreviewPerPage = n
	} else {
		st.PreviewPerPage = max(st.PreviewPerPage, n)
	}

	for _, p := range d.Previews {
		if !st.InRange(p.Index) {
			continue
		}
		st.Tokens[p.Index] = gallery.Known(p.PToken)
	}
}
