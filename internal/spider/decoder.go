package spider

import (
	"bufio"
	"context"
	"fmt"
	"image"
	"log/slog"
	"slices"
	"sync"
	"time"

	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	"github.com/hashicorp/golang-lru/v2/expirable"
	_ "golang.org/x/image/webp"

	"github.com/jackzampolin/spider/internal/metrics"
)

const defaultDecodeCacheSize = 16

type decoderConfig struct {
	den       Den
	pages     *pageTable
	listeners *listenerSet
	size      int
	ttl       time.Duration
	logger    *slog.Logger
	metrics   *metrics.Recorder
}

// decoder turns finished pages into images on one goroutine. Pending
// requests form a stack so the most recent request is served first.
type decoder struct {
	den       Den
	pages     *pageTable
	listeners *listenerSet
	logger    *slog.Logger
	metrics   *metrics.Recorder
	cache     *expirable.LRU[int, image.Image]

	mu      sync.Mutex
	stack   []int
	current int
	notify  chan struct{}
}

func newDecoder(cfg decoderConfig) *decoder {
	size := cfg.size
	if size <= 0 {
		size = defaultDecodeCacheSize
	}
	return &decoder{
		den:       cfg.den,
		pages:     cfg.pages,
		listeners: cfg.listeners,
		logger:    cfg.logger,
		metrics:   cfg.metrics,
		cache:     expirable.NewLRU[int, image.Image](size, nil, cfg.ttl),
		current:   -1,
		notify:    make(chan struct{}, 1),
	}
}

// request pushes index on the stack. A pending duplicate moves to the top;
// the page being decoded is not queued again.
func (d *decoder) request(index int) {
	d.mu.Lock()
	if index == d.current {
		d.mu.Unlock()
		return
	}
	d.stack = slices.DeleteFunc(d.stack, func(i int) bool { return i == index })
	d.stack = append(d.stack, index)
	d.mu.Unlock()

	select {
	case d.notify <- struct{}{}:
	default:
	}
}

// cancel drops a pending request for index.
func (d *decoder) cancel(index int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stack = slices.DeleteFunc(d.stack, func(i int) bool { return i == index })
}

// forget drops a cached image, used when the page is downloaded again.
func (d *decoder) forget(index int) {
	d.cache.Remove(index)
}

func (d *decoder) next() (int, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.stack) == 0 {
		d.current = -1
		return -1, false
	}
	index := d.stack[len(d.stack)-1]
	d.stack = d.stack[:len(d.stack)-1]
	d.current = index
	return index, true
}

func (d *decoder) run(ctx context.Context) {
	for {
		index, ok := d.next()
		if !ok {
			select {
			case <-d.notify:
				continue
			case <-ctx.Done():
				return
			}
		}
		d.decode(index)
		if ctx.Err() != nil {
			return
		}
	}
}

func (d *decoder) decode(index int) {
	if index < 0 || index >= d.pages.len() {
		d.failed(index, fmt.Sprintf("page %d out of range", index))
		return
	}
	if img, ok := d.cache.Get(index); ok {
		d.metrics.Decode("cached")
		d.listeners.each(func(l Listener) { l.OnImageDecoded(index, img) })
		return
	}

	rc, err := d.den.OpenRead(index)
	if err != nil {
		// The file is gone; let the next request download it again.
		d.pages.resetIfTerminal(index)
		d.failed(index, err.Error())
		return
	}
	img, format, err := image.Decode(bufio.NewReader(rc))
	rc.Close()
	if err != nil {
		d.failed(index, fmt.Sprintf("decode page %d: %v", index, err))
		return
	}

	d.cache.Add(index, img)
	d.metrics.Decode("ok")
	d.logger.Debug("page decoded", "index", index, "format", format)
	d.listeners.each(func(l Listener) { l.OnImageDecoded(index, img) })
}

func (d *decoder) failed(index int, msg string) {
	d.metrics.Decode("error")
	d.listeners.each(func(l Listener) { l.OnImageDecodeFailed(index, msg) })
}
