// Package spider downloads the pages of a gallery with a pool of workers,
// resolving page tokens in batches and persisting progress so an interrupted
// session resumes where it left off.
package spider

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/moby/sys/atomicwriter"

	"github.com/jackzampolin/spider/internal/den"
	"github.com/jackzampolin/spider/internal/ehclient"
	"github.com/jackzampolin/spider/internal/ehparse"
	"github.com/jackzampolin/spider/internal/gallery"
	"github.com/jackzampolin/spider/internal/metrics"
)

const (
	minWorkers        = 1
	maxWorkers        = 10
	maxPreload        = 100
	defaultWorkers    = 3
	defaultRetryDelay = 500 * time.Millisecond
)

// Phase is the lifecycle state of a Queen.
type Phase int

const (
	PhaseCreated Phase = iota
	PhaseInitializing
	PhaseRunning
	PhaseStopped
)

func (p Phase) String() string {
	switch p {
	case PhaseCreated:
		return "created"
	case PhaseInitializing:
		return "initializing"
	case PhaseRunning:
		return "running"
	case PhaseStopped:
		return "stopped"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// MarshalText implements encoding.TextMarshaler.
func (p Phase) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (p *Phase) UnmarshalText(text []byte) error {
	for v := PhaseCreated; v <= PhaseStopped; v++ {
		if v.String() == string(text) {
			*p = v
			return nil
		}
	}
	return fmt.Errorf("unknown phase %q", text)
}

// Config configures a Queen.
type Config struct {
	Info gallery.Info

	Workers          int  // Clamped to 1..10
	Preload          int  // Read-ahead window, clamped to 0..100
	DownloadOriginal bool // Prefer the original image when offered

	DecodeCacheSize int
	DecodeCacheTTL  time.Duration
	RetryDelay      time.Duration // Delay between the two attempts of a retried fetch

	Fetcher   ehclient.Fetcher
	Parser    Parser
	Den       Den
	Persister Persister // Optional
	URLs      ehclient.URLs

	Logger  *slog.Logger
	Metrics *metrics.Recorder // Optional
}

// Queen schedules the downloads of one gallery. It owns the worker pool, the
// serialized token fetch loop and the decoder.
type Queen struct {
	cfg     Config
	info    gallery.Info
	logger  *slog.Logger
	metrics *metrics.Recorder

	mu           sync.Mutex
	phase        Phase
	readRefs     int
	downloadRefs int
	workers      int
	nextWorker   int
	initErr      error
	tokens       *tokenResolver // set before PhaseRunning

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup // workers and decoder
	bg     sync.WaitGroup // asynchronous saves
	done   chan struct{}

	tokenRequests chan int
	pages         *pageTable
	queue         *requestQueue
	listeners     listenerSet
	decoder       *decoder
}

// NewQueen creates a Queen. Call Start to begin initialization.
func NewQueen(cfg Config) (*Queen, error) {
	if cfg.Fetcher == nil {
		return nil, fmt.Errorf("spider: fetcher is required")
	}
	if cfg.Parser == nil {
		return nil, fmt.Errorf("spider: parser is required")
	}
	if cfg.Den == nil {
		return nil, fmt.Errorf("spider: den is required")
	}
	if cfg.Persister == nil {
		cfg.Persister = nopPersister{}
	}
	if cfg.Workers == 0 {
		cfg.Workers = defaultWorkers
	}
	cfg.Workers = min(max(cfg.Workers, minWorkers), maxWorkers)
	cfg.Preload = min(max(cfg.Preload, 0), maxPreload)
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = defaultRetryDelay
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("gid", cfg.Info.GID)

	q := &Queen{
		cfg:           cfg,
		info:          cfg.Info,
		logger:        logger,
		metrics:       cfg.Metrics,
		done:          make(chan struct{}),
		tokenRequests: make(chan int, cfg.Workers),
		pages:         newPageTable(),
		queue:         newRequestQueue(),
	}
	q.decoder = newDecoder(decoderConfig{
		den:       cfg.Den,
		pages:     q.pages,
		listeners: &q.listeners,
		size:      cfg.DecodeCacheSize,
		ttl:       cfg.DecodeCacheTTL,
		logger:    logger,
		metrics:   cfg.Metrics,
	})
	return q, nil
}

// Info returns the gallery identity.
func (q *Queen) Info() gallery.Info {
	return q.info
}

// Start begins initialization in the background. The Queen runs until ctx is
// cancelled or Stop is called. Start may be called once.
func (q *Queen) Start(ctx context.Context) {
	q.mu.Lock()
	if q.phase != PhaseCreated {
		q.mu.Unlock()
		return
	}
	q.phase = PhaseInitializing
	q.ctx, q.cancel = context.WithCancel(ctx)
	q.mu.Unlock()

	q.metrics.SessionStarted()
	go q.run()
}

// Stop cancels the Queen. It does not wait; use Wait or Done.
func (q *Queen) Stop() {
	q.mu.Lock()
	cancel := q.cancel
	if q.phase == PhaseCreated {
		q.phase = PhaseStopped
		close(q.done)
	}
	q.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Done is closed once the Queen has stopped and persisted its state.
func (q *Queen) Done() <-chan struct{} {
	return q.done
}

// Wait blocks until the Queen stops or ctx is done.
func (q *Queen) Wait(ctx context.Context) error {
	select {
	case <-q.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *Queen) run() {
	defer close(q.done)
	defer q.metrics.SessionStopped()

	st, err := q.initialize()
	if err != nil {
		q.mu.Lock()
		q.initErr = err
		q.phase = PhaseStopped
		q.mu.Unlock()
		if q.ctx.Err() == nil {
			q.logger.Error("session initialization failed", "error", err)
		}
		q.cancel()
		q.emitAllDone(q.pages.counts())
		return
	}

	q.pages.size(st.Pages)
	q.queue.setTotal(st.Pages)
	q.listeners.each(func(l Listener) { l.OnPagesKnown(st.Pages) })

	q.mu.Lock()
	if q.ctx.Err() == nil {
		q.phase = PhaseRunning
		q.wg.Add(1)
		go func() {
			defer q.wg.Done()
			q.decoder.run(q.ctx)
		}()
	}
	q.mu.Unlock()
	q.logger.Info("session running", "pages", st.Pages, "known_tokens", len(st.KnownIndices()))
	if q.queue.pending() {
		q.ensureWorkers()
	}

	for {
		select {
		case <-q.ctx.Done():
			q.shutdown()
			return
		case index := <-q.tokenRequests:
			q.serveToken(index)
		}
	}
}

// initialize loads persisted state or fetches it from the host.
func (q *Queen) initialize() (*gallery.State, error) {
	st, err := q.cfg.Persister.Load(q.info)
	if err == nil && st.Pages <= 0 {
		err = fmt.Errorf("persisted state has no pages")
	}
	if err != nil {
		q.logger.Debug("no persisted state, fetching", "reason", err)
		st, err = q.fetchSessionState(q.ctx)
		if err != nil {
			return nil, err
		}
	}

	snap := st.Clone()
	tokens := newTokenResolver(st, q.fetchDetail, q.cfg.Persister.Save, q.logger)
	q.mu.Lock()
	q.tokens = tokens
	q.mu.Unlock()

	tokens.flush()
	return snap, nil
}

// fetchSessionState fetches the first preview batch and builds a fresh state.
func (q *Queen) fetchSessionState(ctx context.Context) (*gallery.State, error) {
	d, err := q.fetchDetail(ctx, 0)
	if err != nil {
		return nil, err
	}
	st := gallery.NewState(q.info)
	applyDetail(st, 0, d)
	if st.Pages <= 0 {
		return nil, fmt.Errorf("gallery %d: no pages", q.info.GID)
	}
	return st, nil
}

func (q *Queen) fetchDetail(ctx context.Context, batch int) (*ehparse.Detail, error) {
	url := q.cfg.URLs.Detail(q.info.GID, q.info.Token, batch)
	body, err := ehclient.ReadText(ctx, q.cfg.Fetcher, url)
	if err != nil {
		q.metrics.TokenFetch(err)
		return nil, err
	}
	d, err := q.cfg.Parser.ParseDetail(body)
	q.metrics.TokenFetch(err)
	if err != nil {
		return nil, fmt.Errorf("detail batch %d: %w", batch, err)
	}
	return d, nil
}

// serveToken resolves one token request and wakes every waiting worker.
func (q *Queen) serveToken(index int) {
	defer q.tokens.broadcast()

	err := retry.Do(
		func() error {
			_, res, err := q.tokens.Resolve(q.ctx, index)
			if err != nil {
				return err
			}
			if res == ResolveFailed {
				return errTokenMissing
			}
			return nil
		},
		retry.Context(q.ctx),
		retry.Attempts(2),
		retry.Delay(q.cfg.RetryDelay),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
	)
	if err == nil || q.ctx.Err() != nil {
		return
	}
	q.logger.Warn("page token unavailable", "index", index, "error", err)
	q.tokens.markFailed(index)
}

func (q *Queen) shutdown() {
	q.mu.Lock()
	q.phase = PhaseStopped
	q.mu.Unlock()

	q.wg.Wait()
	q.bg.Wait()
	q.tokens.flush()

	counts := q.pages.counts()
	q.logger.Info("session stopped", "finished", counts.Finished, "downloaded", counts.Downloaded, "total", counts.Total)
	q.emitAllDone(counts)
}

// ensureWorkers starts workers up to the configured count.
func (q *Queen) ensureWorkers() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.ensureWorkersLocked()
}

func (q *Queen) ensureWorkersLocked() {
	if q.phase != PhaseRunning {
		return
	}
	for q.workers < q.cfg.Workers {
		q.workers++
		q.nextWorker++
		q.wg.Add(1)
		go q.worker(q.nextWorker)
	}
}

// RequestResult is the state of a page at the time of a request.
type RequestResult struct {
	Status     PageStatus `json:"status"`
	Percent    float32    `json:"percent,omitempty"`
	HasPercent bool       `json:"-"`
	Err        string     `json:"error,omitempty"`
}

// Request asks for page index. NONE pages are queued; FINISHED pages are
// queued for decoding. The read-ahead window is refreshed.
func (q *Queen) Request(index int) (RequestResult, error) {
	return q.request(index, false)
}

// ForceRequest re-downloads page index even if it is FINISHED or FAILED.
func (q *Queen) ForceRequest(index int) (RequestResult, error) {
	return q.request(index, true)
}

func (q *Queen) request(index int, force bool) (RequestResult, error) {
	q.mu.Lock()
	stopped := q.phase == PhaseStopped
	q.mu.Unlock()
	if stopped {
		return RequestResult{}, ErrStopped
	}

	total := q.pages.len()
	if index < 0 || (total >= 0 && index >= total) {
		return RequestResult{}, fmt.Errorf("%w: %d", ErrOutOfRange, index)
	}

	if force {
		q.pages.resetIfTerminal(index)
	}
	pi := q.pages.info(index)
	if pi.status == StatusNone {
		priority := priorityRequest
		if force {
			priority = priorityForce
		}
		q.queue.push(index, priority)
	}
	if !force {
		q.preload(index, total)
	}
	if pi.status == StatusFinished {
		q.decoder.request(index)
	}
	if total >= 0 {
		q.ensureWorkers()
	}

	return RequestResult{
		Status:     pi.status,
		Percent:    pi.percent,
		HasPercent: pi.hasPercent,
		Err:        pi.err,
	}, nil
}

// preload replaces the read-ahead window with the NONE pages after index.
func (q *Queen) preload(index, total int) {
	q.queue.clearPriority(priorityPreload)
	if total < 0 {
		return
	}
	for i := index + 1; i < total && i <= index+q.cfg.Preload; i++ {
		if q.pages.get(i) == StatusNone {
			q.queue.push(i, priorityPreload)
		}
	}
}

// CancelRequest drops queued requests and a pending decode for index.
// Forced requests and the download sweep are unaffected.
func (q *Queen) CancelRequest(index int) {
	q.queue.remove(index)
	q.decoder.cancel(index)
}

// Size returns the page count, SizeWait before it is known or SizeError
// once the Queen has stopped.
func (q *Queen) Size() int {
	q.mu.Lock()
	stopped := q.phase == PhaseStopped
	q.mu.Unlock()
	if stopped {
		return SizeError
	}
	n := q.pages.len()
	if n < 0 {
		return SizeWait
	}
	return n
}

// Err returns the initialization error, or "".
func (q *Queen) Err() string {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.initErr == nil {
		return ""
	}
	return q.initErr.Error()
}

// Phase returns the lifecycle phase.
func (q *Queen) Phase() Phase {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.phase
}

// Mode returns the effective mode. Download wins over read.
func (q *Queen) Mode() Mode {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.modeLocked()
}

func (q *Queen) modeLocked() Mode {
	if q.downloadRefs > 0 {
		return ModeDownload
	}
	return ModeRead
}

// addRef registers interest in mode.
func (q *Queen) addRef(m Mode) {
	q.mu.Lock()
	defer q.mu.Unlock()
	switch m {
	case ModeRead:
		q.readRefs++
	case ModeDownload:
		q.downloadRefs++
	default:
		panic(fmt.Sprintf("spider: unknown mode %d", int(m)))
	}
	q.updateModeLocked()
}

// releaseRef drops interest in mode and reports whether no interest is left.
func (q *Queen) releaseRef(m Mode) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	switch m {
	case ModeRead:
		q.readRefs--
	case ModeDownload:
		q.downloadRefs--
	default:
		panic(fmt.Sprintf("spider: unknown mode %d", int(m)))
	}
	if q.readRefs < 0 || q.downloadRefs < 0 {
		panic(fmt.Sprintf("spider: negative reference count (read %d, download %d)", q.readRefs, q.downloadRefs))
	}
	q.updateModeLocked()
	return q.readRefs == 0 && q.downloadRefs == 0
}

// updateModeLocked starts the download sweep on entry into download mode and
// stops it on exit.
func (q *Queen) updateModeLocked() {
	if q.modeLocked() != ModeDownload {
		q.queue.stopCursor()
		return
	}
	if q.queue.startCursor() {
		q.pages.resetForDownload()
		q.ensureWorkersLocked()
	}
}

// Save copies finished page index to w.
func (q *Queen) Save(index int, w io.Writer) (int64, error) {
	rc, err := q.openFinished(index)
	if err != nil {
		return 0, err
	}
	defer rc.Close()
	return io.Copy(w, rc)
}

// SaveTo copies finished page index to dir/name plus the extension of its
// sniffed image type and returns the written path.
func (q *Queen) SaveTo(index int, dir, name string) (string, error) {
	rc, err := q.openFinished(index)
	if err != nil {
		return "", err
	}
	data, err := io.ReadAll(rc)
	rc.Close()
	if err != nil {
		return "", fmt.Errorf("read page %d: %w", index, err)
	}

	ext, err := den.DetectReaderExt(bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("detect page %d type: %w", index, err)
	}
	path := filepath.Join(dir, name+ext)
	if err := atomicwriter.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("write page %d: %w", index, err)
	}
	return path, nil
}

func (q *Queen) openFinished(index int) (io.ReadCloser, error) {
	total := q.pages.len()
	if total < 0 {
		return nil, ErrPagesUnknown
	}
	if index < 0 || index >= total {
		return nil, fmt.Errorf("%w: %d", ErrOutOfRange, index)
	}
	if q.pages.get(index) != StatusFinished {
		return nil, fmt.Errorf("%w: %d", ErrNotFinished, index)
	}
	return q.cfg.Den.OpenRead(index)
}

// StartPage returns the persisted read position.
func (q *Queen) StartPage() int {
	q.mu.Lock()
	tokens := q.tokens
	q.mu.Unlock()
	if tokens == nil {
		return 0
	}
	return tokens.startPage()
}

// PutStartPage records the read position and persists it in the background.
func (q *Queen) PutStartPage(page int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.tokens == nil || q.phase == PhaseStopped {
		return
	}
	tokens := q.tokens
	st, version := tokens.setStartPage(page)
	q.bg.Add(1)
	go func() {
		defer q.bg.Done()
		tokens.persist(st, version)
	}()
}

// AddListener registers l for session events.
func (q *Queen) AddListener(l Listener) {
	q.listeners.add(l)
}

// RemoveListener unregisters l.
func (q *Queen) RemoveListener(l Listener) {
	q.listeners.remove(l)
}

// Snapshot is a point-in-time view of a session.
type Snapshot struct {
	GID          int64          `json:"gid"`
	Token        string         `json:"token"`
	Phase        Phase          `json:"phase"`
	Mode         Mode           `json:"mode"`
	Pages        int            `json:"pages"`
	Counts       Counts         `json:"counts"`
	Statuses     []PageStatus   `json:"statuses,omitempty"`
	Errors       map[int]string `json:"errors,omitempty"`
	Queue        QueueStats     `json:"queue"`
	Workers      int            `json:"workers"`
	ReadRefs     int            `json:"read_refs"`
	DownloadRefs int            `json:"download_refs"`
	StartPage    int            `json:"start_page"`
	Err          string         `json:"error,omitempty"`
}

// Snapshot returns the current session state.
func (q *Queen) Snapshot() Snapshot {
	statuses, errs := q.pages.snapshot()
	s := Snapshot{
		GID:       q.info.GID,
		Token:     q.info.Token,
		Pages:     q.pages.len(),
		Counts:    q.pages.counts(),
		Statuses:  statuses,
		Errors:    errs,
		Queue:     q.queue.stats(),
		StartPage: q.StartPage(),
	}

	q.mu.Lock()
	s.Phase = q.phase
	s.Mode = q.modeLocked()
	s.Workers = q.workers
	s.ReadRefs = q.readRefs
	s.DownloadRefs = q.downloadRefs
	if q.initErr != nil {
		s.Err = q.initErr.Error()
	}
	q.mu.Unlock()
	return s
}

func (q *Queen) emitFinished(index int, c Counts) {
	q.listeners.each(func(l Listener) { l.OnPageFinished(index, c.Finished, c.Downloaded, c.Total) })
}

func (q *Queen) emitFailed(index int, msg string, c Counts) {
	q.listeners.each(func(l Listener) { l.OnPageFailed(index, msg, c.Finished, c.Downloaded, c.Total) })
}

func (q *Queen) emitAllDone(c Counts) {
	q.listeners.each(func(l Listener) { l.OnAllWorkersDone(c.Finished, c.Downloaded, c.Total) })
}

type nopPersister struct{}

func (nopPersister) Load(gallery.Info) (*gallery.State, error) {
	return nil, fmt.Errorf("no persister")
}

func (nopPersister) Save(*gallery.State) {}
