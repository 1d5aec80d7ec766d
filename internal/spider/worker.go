package spider

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"

	"github.com/avast/retry-go/v4"

	"github.com/jackzampolin/spider/internal/den"
	"github.com/jackzampolin/spider/internal/ehclient"
	"github.com/jackzampolin/spider/internal/ehparse"
	"github.com/jackzampolin/spider/internal/gallery"
)

// chunkSize is the image read buffer. Cancellation is checked per chunk.
const chunkSize = 4 << 10

// worker pulls requests until the queues are empty or the Queen stops.
func (q *Queen) worker(id int) {
	defer q.wg.Done()
	logger := q.logger.With("worker", id)
	logger.Debug("worker started")
	q.metrics.WorkerStarted()
	defer q.metrics.WorkerStopped()

	for {
		if q.ctx.Err() != nil {
			q.retire(logger)
			return
		}
		req, ok := q.queue.pop()
		if !ok {
			if q.retireIfIdle(logger) {
				return
			}
			continue
		}
		q.process(logger, req)
	}
}

// retireIfIdle exits the worker unless work arrived. The last worker to
// leave a drained pool reports OnAllWorkersDone.
func (q *Queen) retireIfIdle(logger *slog.Logger) bool {
	q.mu.Lock()
	if q.queue.pending() {
		q.mu.Unlock()
		return false
	}
	q.workers--
	last := q.workers == 0
	q.mu.Unlock()

	logger.Debug("worker idle, exiting")
	if last && q.ctx.Err() == nil {
		q.emitAllDone(q.pages.counts())
	}
	return true
}

func (q *Queen) retire(logger *slog.Logger) {
	q.mu.Lock()
	q.workers--
	q.mu.Unlock()
	logger.Debug("worker stopping")
}

// process handles one dequeued page.
func (q *Queen) process(logger *slog.Logger, req pageRequest) {
	index := req.index
	if !q.pages.claim(index, req.force) {
		return
	}

	if !req.force && q.cfg.Den.Exists(index) {
		c := q.pages.finish(index)
		q.emitFinished(index, c)
		return
	}
	if req.force {
		q.tokens.clearFailed(index)
	}

	tok, ok := q.awaitToken(index)
	if !ok {
		return
	}
	if tok.IsFailed() {
		q.failPage(index, msgTokenFailed, "token")
		return
	}
	q.download(logger, index, tok.Value, req.force)
}

// awaitToken returns the token for index, asking the Queen to fetch it when
// missing. It returns false when the Queen stops first.
func (q *Queen) awaitToken(index int) (gallery.PageToken, bool) {
	for {
		wake := q.tokens.waitChan()
		if tok, ok := q.tokens.lookup(index); ok {
			return tok, true
		}
		select {
		case q.tokenRequests <- index:
		case <-q.ctx.Done():
			return gallery.PageToken{}, false
		}
		select {
		case <-wake:
		case <-q.ctx.Done():
			return gallery.PageToken{}, false
		}
	}
}

// download fetches the page wrapper and the image, trying twice. The second
// attempt only happens when the host offered a skip key, which asks it for a
// different image server.
func (q *Queen) download(logger *slog.Logger, index int, ptoken string, force bool) {
	ctx := q.ctx
	var (
		skipKey string
		lastErr error
	)

	for attempt := 0; attempt < 2; attempt++ {
		if attempt > 0 && skipKey == "" {
			break
		}

		page, err := q.fetchPage(ctx, index, ptoken, skipKey)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			lastErr = err
			logger.Debug("page wrapper fetch failed", "index", index, "attempt", attempt, "error", err)
			break
		}
		skipKey = page.SkipHathKey

		imageURL := page.ImageURL
		if q.cfg.DownloadOriginal && page.OriginImageURL != "" {
			imageURL = page.OriginImageURL
		}
		if isBlocked(imageURL) {
			lastErr = &BlockedContentError{Index: index, URL: imageURL}
			logger.Warn("blocked content", "index", index, "url", imageURL)
			q.listeners.each(func(l Listener) { l.OnBlockedContent(index) })
			continue
		}
		if force && attempt == 0 && skipKey != "" {
			continue
		}

		err = q.fetchImage(ctx, index, imageURL)
		if err == nil {
			c := q.pages.finish(index)
			q.decoder.forget(index)
			q.metrics.PageFinished()
			q.emitFinished(index, c)
			return
		}
		if ctx.Err() != nil {
			// Left DOWNLOADING; a new session starts from a fresh table.
			q.removePartial(logger, index)
			return
		}
		lastErr = err
		logger.Debug("image fetch failed", "index", index, "attempt", attempt, "error", err)
	}

	q.removePartial(logger, index)
	msg, reason := failureMessage(lastErr)
	logger.Warn("page failed", "index", index, "error", msg)
	q.failPage(index, msg, reason)
}

func (q *Queen) removePartial(logger *slog.Logger, index int) {
	if err := q.cfg.Den.Remove(index); err != nil {
		logger.Warn("failed to remove partial page", "index", index, "error", err)
	}
}

func (q *Queen) failPage(index int, msg, reason string) {
	c := q.pages.fail(index, msg)
	q.metrics.PageFailed(reason)
	q.emitFailed(index, msg, c)
}

// fetchPage downloads and parses the page wrapper, retrying once on
// transient failures.
func (q *Queen) fetchPage(ctx context.Context, index int, ptoken, skipKey string) (*ehparse.Page, error) {
	url := q.cfg.URLs.Page(q.info.GID, index, ptoken, skipKey)
	var page *ehparse.Page
	err := retry.Do(
		func() error {
			body, err := ehclient.ReadText(ctx, q.cfg.Fetcher, url)
			if err != nil {
				return err
			}
			p, err := q.cfg.Parser.ParsePage(body)
			if err != nil {
				return err
			}
			page = p
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(2),
		retry.Delay(q.cfg.RetryDelay),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(retryable),
	)
	if err != nil {
		return nil, err
	}
	return page, nil
}

// fetchImage streams the image into the den, reporting progress per chunk.
// A failed write may leave a partial file; callers remove it.
func (q *Queen) fetchImage(ctx context.Context, index int, url string) error {
	resp, err := q.cfg.Fetcher.Fetch(ctx, url)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return &ehclient.StatusError{URL: url, StatusCode: resp.StatusCode}
	}

	w, err := q.cfg.Den.OpenWrite(index, imageExt(resp.ContentType, url))
	if err != nil {
		return &writeError{err: err}
	}

	var received int64
	buf := make([]byte, chunkSize)
	for {
		if err := ctx.Err(); err != nil {
			w.Close()
			return err
		}
		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				w.Close()
				return &writeError{err: werr}
			}
			received += int64(n)
			if resp.ContentLength > 0 {
				q.pages.setPercent(index, float32(received)/float32(resp.ContentLength))
			}
			q.metrics.Bytes(n)
			q.listeners.each(func(l Listener) { l.OnDownloadProgress(index, resp.ContentLength, received, n) })
		}
		if errors.Is(rerr, io.EOF) {
			break
		}
		if rerr != nil {
			w.Close()
			return rerr
		}
	}
	if err := w.Close(); err != nil {
		return &writeError{err: err}
	}
	return nil
}

// imageExt picks the stored extension from an image Content-Type, falling
// back to the URL path.
func imageExt(contentType, url string) string {
	if strings.HasPrefix(strings.TrimSpace(contentType), "image/") {
		if ext := den.ExtFromContentType(contentType); ext != "" {
			return ext
		}
	}
	return den.ExtFromURL(url)
}

// isBlocked reports whether url is the host's bandwidth limit placeholder.
func isBlocked(url string) bool {
	if i := strings.IndexAny(url, "?#"); i >= 0 {
		url = url[:i]
	}
	return strings.HasSuffix(url, "/509.gif") || strings.HasSuffix(url, "/509s.gif")
}

func retryable(err error) bool {
	return !errors.Is(err, ehclient.ErrCircuitOpen) &&
		!errors.Is(err, context.Canceled) &&
		!errors.Is(err, context.DeadlineExceeded)
}

type writeError struct {
	err error
}

func (e *writeError) Error() string { return msgWriteFailed + ": " + e.err.Error() }

func (e *writeError) Unwrap() error { return e.err }

// failureMessage maps the last download error to a page message and a
// metrics reason.
func failureMessage(err error) (string, string) {
	var (
		blocked *BlockedContentError
		status  *ehclient.StatusError
		write   *writeError
	)
	switch {
	case err == nil:
		return msgUnknownError, "unknown"
	case errors.As(err, &blocked):
		return msgBlocked, "blocked"
	case errors.As(err, &write):
		return err.Error(), "write"
	case errors.As(err, &status):
		return err.Error(), "http"
	default:
		return err.Error(), "network"
	}
}
