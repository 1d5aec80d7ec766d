package spider

import (
	"image"
	"sync"
)

// Listener receives session events. Callbacks run on spider goroutines and
// must not block. Events for one page arrive in order; events for different
// pages may interleave.
type Listener interface {
	OnPagesKnown(count int)
	OnBlockedContent(index int)
	OnDownloadProgress(index int, contentLength, received int64, delta int)
	OnPageFinished(index, finished, downloaded, total int)
	OnPageFailed(index int, msg string, finished, downloaded, total int)
	OnAllWorkersDone(finished, downloaded, total int)
	OnImageDecoded(index int, img image.Image)
	OnImageDecodeFailed(index int, msg string)
}

// NopListener implements Listener with no-ops. Embed it to handle a subset.
type NopListener struct{}

func (NopListener) OnPagesKnown(int) {}
func (NopListener) OnBlockedContent(int) {}
func (NopListener) OnDownloadProgress(int, int64, int64, int) {}
func (NopListener) OnPageFinished(int, int, int, int) {}
func (NopListener) OnPageFailed(int, string, int, int, int) {}
func (NopListener) OnAllWorkersDone(int, int, int) {}
func (NopListener) OnImageDecoded(int, image.Image) {}
func (NopListener) OnImageDecodeFailed(int, string) {}

// listenerSet is a copy-on-write list. Readers iterate a snapshot.
type listenerSet struct {
	mu        sync.Mutex
	listeners []Listener
}

func (s *listenerSet) add(l Listener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := make([]Listener, len(s.listeners), len(s.listeners)+1)
	copy(next, s.listeners)
	s.listeners = append(next, l)
}

// remove drops l. Listeners must be comparable, typically pointers.
func (s *listenerSet) remove(l Listener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := make([]Listener, 0, len(s.listeners))
	for _, x := range s.listeners {
		if x != l {
			next = append(next, x)
		}
	}
	s.listeners = next
}

func (s *listenerSet) snapshot() []Listener {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listeners
}

func (s *listenerSet) each(fn func(Listener)) {
	for _, l := range s.snapshot() {
		fn(l)
	}
}
