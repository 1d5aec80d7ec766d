package spider

import (
	"fmt"
	"sync"
)

// PageStatus is the download state of one page.
type PageStatus int

const (
	StatusNone PageStatus = iota
	StatusDownloading
	StatusFinished
	StatusFailed
)

func (s PageStatus) String() string {
	switch s {
	case StatusNone:
		return "none"
	case StatusDownloading:
		return "downloading"
	case StatusFinished:
		return "finished"
	case StatusFailed:
		return "failed"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s PageStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *PageStatus) UnmarshalText(text []byte) error {
	for v := StatusNone; v <= StatusFailed; v++ {
		if v.String() == string(text) {
			*s = v
			return nil
		}
	}
	return fmt.Errorf("unknown page status %q", text)
}

func (s PageStatus) terminal() bool {
	return s == StatusFinished || s == StatusFailed
}

// Counts summarizes a page table.
type Counts struct {
	Finished   int `json:"finished"`
	Downloaded int `json:"downloaded"`
	Total      int `json:"total"`
}

// pageTable is the dense status array with its counters. All fields are
// guarded by mu. The array is sized once and never resized.
type pageTable struct {
	mu         sync.Mutex
	status     []PageStatus
	finished   int
	downloaded int
	errs       map[int]string
	percent    map[int]float32
}

func newPageTable() *pageTable {
	return &pageTable{
		errs:    make(map[int]string),
		percent: make(map[int]float32),
	}
}

// size allocates the array. Later calls are ignored.
func (t *pageTable) size(n int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status != nil || n < 0 {
		return false
	}
	t.status = make([]PageStatus, n)
	return true
}

// len returns the page count, or -1 before size.
func (t *pageTable) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status == nil {
		return -1
	}
	return len(t.status)
}

func (t *pageTable) get(index int) PageStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	if index < 0 || index >= len(t.status) {
		return StatusNone
	}
	return t.status[index]
}

// setLocked moves a page to s and keeps the counters in step.
func (t *pageTable) setLocked(index int, s PageStatus, msg string) {
	old := t.status[index]
	t.status[index] = s

	if !old.terminal() && s.terminal() {
		t.downloaded++
	} else if old.terminal() && !s.terminal() {
		t.downloaded--
	}
	if old != StatusFinished && s == StatusFinished {
		t.finished++
	} else if old == StatusFinished && s != StatusFinished {
		t.finished--
	}

	switch s {
	case StatusDownloading:
		delete(t.errs, index)
	case StatusFinished:
		delete(t.percent, index)
	case StatusFailed:
		delete(t.percent, index)
		if msg == "" {
			msg = msgUnknownError
		}
		t.errs[index] = msg
	}
}

func (t *pageTable) countsLocked() Counts {
	return Counts{Finished: t.finished, Downloaded: t.downloaded, Total: len(t.status)}
}

// claim moves a page to DOWNLOADING. It refuses pages already DOWNLOADING and
// terminal pages unless forced.
func (t *pageTable) claim(index int, force bool) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if index < 0 || index >= len(t.status) {
		return false
	}
	s := t.status[index]
	if s == StatusDownloading || (!force && s.terminal()) {
		return false
	}
	t.setLocked(index, StatusDownloading, "")
	return true
}

// finish marks a page FINISHED and returns the counters after the move.
func (t *pageTable) finish(index int) Counts {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.setLocked(index, StatusFinished, "")
	return t.countsLocked()
}

// fail marks a page FAILED with msg and returns the counters after the move.
func (t *pageTable) fail(index int, msg string) Counts {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.setLocked(index, StatusFailed, msg)
	return t.countsLocked()
}

// resetIfTerminal moves a FINISHED or FAILED page back to NONE.
func (t *pageTable) resetIfTerminal(index int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if index < 0 || index >= len(t.status) || !t.status[index].terminal() {
		return false
	}
	t.setLocked(index, StatusNone, "")
	return true
}

// resetForDownload moves every page that is not DOWNLOADING to NONE and
// drops the errors and progress of the pages it reset. Pages in flight
// keep their progress.
func (t *pageTable) resetForDownload() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, s := range t.status {
		if s == StatusDownloading {
			continue
		}
		t.status[i] = StatusNone
		delete(t.errs, i)
		delete(t.percent, i)
	}
	t.finished = 0
	t.downloaded = 0
}

func (t *pageTable) setPercent(index int, p float32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if index >= 0 && index < len(t.status) && t.status[index] == StatusDownloading {
		t.percent[index] = p
	}
}

// pageInfo is the status of one page with its progress or error.
type pageInfo struct {
	status     PageStatus
	percent    float32
	hasPercent bool
	err        string
}

func (t *pageTable) info(index int) pageInfo {
	t.mu.Lock()
	defer t.mu.Unlock()
	if index < 0 || index >= len(t.status) {
		return pageInfo{}
	}
	pi := pageInfo{status: t.status[index]}
	pi.percent, pi.hasPercent = t.percent[index]
	if pi.status == StatusFailed {
		pi.err = t.errs[index]
	}
	return pi
}

func (t *pageTable) counts() Counts {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.countsLocked()
}

// snapshot copies the status array and error map.
func (t *pageTable) snapshot() ([]PageStatus, map[int]string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	st := make([]PageStatus, len(t.status))
	copy(st, t.status)
	errs := make(map[int]string, len(t.errs))
	for k, v := range t.errs {
		errs[k] = v
	}
	return st, errs
}
