// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package textui

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/datawire/dlib/dlog"
)

// Tunable marks a value that might want to be tuned as the program
// gets optimized.
func Tunable[T any](x T) T {
	return x
}

type Stats interface {
	comparable
	fmt.Stringer
}

// Progress logs the latest value passed to Set once per interval, but
// only when its text has changed since the last line it logged.
type Progress[T Stats] struct {
	ctx      context.Context //nolint:containedctx // the logger lives in it
	lvl      dlog.LogLevel
	interval time.Duration

	cancel  context.CancelFunc
	started sync.Once
	done    chan struct{}

	curMu    sync.Mutex
	cur      T
	lastStat T
	lastLine string
}

func NewProgress[T Stats](ctx context.Context, lvl dlog.LogLevel, interval time.Duration) *Progress[T] {
	ctx, cancel := context.WithCancel(ctx)
	return &Progress[T]{
		ctx:      ctx,
		lvl:      lvl,
		interval: interval,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
}

func (p *Progress[T]) Set(val T) {
	p.curMu.Lock()
	p.cur = val
	p.curMu.Unlock()
	p.started.Do(func() { go p.run() })
}

// Done logs the final value (if it has not already been logged) and
// stops the ticker.
func (p *Progress[T]) Done() {
	p.cancel()
	p.started.Do(func() { close(p.done) })
	<-p.done
}

func (p *Progress[T]) log(force bool) {
	p.curMu.Lock()
	cur := p.cur
	p.curMu.Unlock()
	if !force && cur == p.lastStat {
		return
	}
	p.lastStat = cur
	line := cur.String()
	if !force && line == p.lastLine {
		return
	}
	p.lastLine = line
	dlog.Log(p.ctx, p.lvl, line)
}

func (p *Progress[T]) run() {
	defer close(p.done)
	p.log(true)
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-p.ctx.Done():
			p.log(false)
			return
		case <-ticker.C:
			p.log(false)
		}
	}
}
