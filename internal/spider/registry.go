package spider

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/jackzampolin/spider/internal/gallery"
)

var (
	// ErrUnknownHandle is returned by ReleaseID for ids not handed out or
	// already released.
	ErrUnknownHandle = errors.New("unknown session handle")
	// ErrTokenMismatch is returned when a gallery is already open under a
	// different token.
	ErrTokenMismatch = errors.New("gallery open with a different token")
)

// Handle is one consumer's reference to a session.
type Handle struct {
	ID    string
	GID   int64
	Mode  Mode
	Queen *Queen
}

// DenFunc returns the page store for a gallery.
type DenFunc func(info gallery.Info) (Den, error)

// Registry keeps one reference-counted Queen per gallery id.
type Registry struct {
	ctx    context.Context
	base   Config
	denFor DenFunc
	logger *slog.Logger

	mu       sync.Mutex
	queens   map[int64]*Queen
	stopping map[int64]*Queen // released, not yet done persisting
	handles  map[string]*Handle
}

// NewRegistry creates a Registry. base supplies every Queen setting except
// Info and Den. Queens run until released or ctx is cancelled.
func NewRegistry(ctx context.Context, base Config, denFor DenFunc) *Registry {
	logger := base.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		ctx:     ctx,
		base:    base,
		denFor:  denFor,
		logger:  logger,
		queens:   make(map[int64]*Queen),
		stopping: make(map[int64]*Queen),
		handles:  make(map[string]*Handle),
	}
}

// Obtain returns a handle on the session for info, creating and starting the
// Queen on first use. If the previous Queen for the gallery is still
// stopping, Obtain waits for it to finish before creating the next one.
func (r *Registry) Obtain(info gallery.Info, mode Mode) (*Handle, error) {
	if mode != ModeRead && mode != ModeDownload {
		return nil, fmt.Errorf("unknown mode %d", int(mode))
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	q, ok := r.queens[info.GID]
	for !ok {
		old, stopping := r.stopping[info.GID]
		if !stopping {
			break
		}
		r.mu.Unlock()
		select {
		case <-old.Done():
		case <-r.ctx.Done():
		}
		r.mu.Lock()
		if r.ctx.Err() != nil {
			return nil, fmt.Errorf("gallery %d: %w", info.GID, r.ctx.Err())
		}
		if r.stopping[info.GID] == old {
			delete(r.stopping, info.GID)
		}
		q, ok = r.queens[info.GID]
	}
	if ok && q.Info().Token != info.Token {
		return nil, fmt.Errorf("%w: %d", ErrTokenMismatch, info.GID)
	}
	if !ok {
		d, err := r.denFor(info)
		if err != nil {
			return nil, fmt.Errorf("open den for gallery %d: %w", info.GID, err)
		}
		cfg := r.base
		cfg.Info = info
		cfg.Den = d
		q, err = NewQueen(cfg)
		if err != nil {
			return nil, err
		}
		r.queens[info.GID] = q
		q.Start(r.ctx)
		r.logger.Info("session created", "gid", info.GID)
	}

	q.addRef(mode)
	h := &Handle{ID: uuid.NewString(), GID: info.GID, Mode: mode, Queen: q}
	r.handles[h.ID] = h
	return h, nil
}

// Release drops h. The Queen is stopped once no handle references it.
// Releasing an unknown or already released handle panics.
func (r *Registry) Release(h *Handle) {
	r.mu.Lock()
	if r.handles[h.ID] != h {
		r.mu.Unlock()
		panic(fmt.Sprintf("spider: release of unknown handle %s", h.ID))
	}
	q := r.releaseLocked(h)
	r.mu.Unlock()

	if q != nil {
		q.Stop()
	}
}

// ReleaseID releases the handle with the given id.
func (r *Registry) ReleaseID(id string) error {
	r.mu.Lock()
	h, ok := r.handles[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownHandle, id)
	}
	q := r.releaseLocked(h)
	r.mu.Unlock()

	if q != nil {
		q.Stop()
	}
	return nil
}

// releaseLocked drops h and returns its Queen when it became idle.
func (r *Registry) releaseLocked(h *Handle) *Queen {
	delete(r.handles, h.ID)
	if !h.Queen.releaseRef(h.Mode) {
		return nil
	}
	if r.queens[h.GID] == h.Queen {
		delete(r.queens, h.GID)
	}
	q := h.Queen
	r.stopping[h.GID] = q
	go func() {
		<-q.Done()
		r.mu.Lock()
		if r.stopping[h.GID] == q {
			delete(r.stopping, h.GID)
		}
		r.mu.Unlock()
	}()
	r.logger.Info("session released", "gid", h.GID)
	return q
}

// Tune changes the worker, preload and original-image settings used by
// sessions created afterwards.
func (r *Registry) Tune(workers, preload int, downloadOriginal bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.base.Workers = workers
	r.base.Preload = preload
	r.base.DownloadOriginal = downloadOriginal
}

// Get returns the running Queen for gid.
func (r *Registry) Get(gid int64) (*Queen, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	q, ok := r.queens[gid]
	return q, ok
}

// Sessions returns snapshots of every session ordered by gallery id.
func (r *Registry) Sessions() []Snapshot {
	r.mu.Lock()
	queens := make([]*Queen, 0, len(r.queens))
	for _, q := range r.queens {
		queens = append(queens, q)
	}
	r.mu.Unlock()

	out := make([]Snapshot, 0, len(queens))
	for _, q := range queens {
		out = append(out, q.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].GID < out[j].GID })
	return out
}

// Close stops every Queen, drops all handles and waits for the Queens,
// including released ones still stopping, to persist their state.
func (r *Registry) Close(ctx context.Context) error {
	r.mu.Lock()
	queens := make([]*Queen, 0, len(r.queens)+len(r.stopping))
	for _, q := range r.queens {
		queens = append(queens, q)
	}
	for _, q := range r.stopping {
		queens = append(queens, q)
	}
	clear(r.queens)
	clear(r.stopping)
	clear(r.handles)
	r.mu.Unlock()

	for _, q := range queens {
		q.Stop()
	}
	for _, q := range queens {
		if err := q.Wait(ctx); err != nil {
			return err
		}
	}
	return nil
}
