package main

import (
	"io"
	"sync"

	"github.com/fatih/color"

	"github.com/jackzampolin/spider/internal/spider"
)

var (
	infoColor = color.New(color.FgCyan)
	okColor   = color.New(color.FgGreen)
	warnColor = color.New(color.FgYellow)
	failColor = color.New(color.FgRed)
)

// progress serializes colored progress lines from concurrent sessions.
type progress struct {
	mu    sync.Mutex
	out   io.Writer
	quiet bool
}

func (p *progress) printf(c *color.Color, format string, args ...any) {
	if p.quiet {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	c.Fprintf(p.out, format, args...)
}

// progressListener reports one gallery's events and wakes the waiter
// whenever the sweep may have ended.
type progressListener struct {
	spider.NopListener
	gid  int64
	p    *progress
	wake chan struct{}
}

func newProgressListener(gid int64, p *progress) *progressListener {
	return &progressListener{gid: gid, p: p, wake: make(chan struct{}, 1)}
}

func (l *progressListener) poke() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

func (l *progressListener) OnPagesKnown(count int) {
	l.p.printf(infoColor, "%d: %d pages\n", l.gid, count)
	l.poke()
}

func (l *progressListener) OnBlockedContent(index int) {
	l.p.printf(warnColor, "%d: page %d hit the bandwidth limit, retrying\n", l.gid, index+1)
}

func (l *progressListener) OnPageFinished(index, finished, downloaded, total int) {
	l.p.printf(okColor, "%d: page %d done (%d/%d)\n", l.gid, index+1, finished, total)
	l.poke()
}

func (l *progressListener) OnPageFailed(index int, msg string, finished, downloaded, total int) {
	l.p.printf(failColor, "%d: page %d failed: %s\n", l.gid, index+1, msg)
	l.poke()
}

func (l *progressListener) OnAllWorkersDone(finished, downloaded, total int) {
	l.poke()
}
