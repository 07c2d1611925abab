// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package rcfault provides pluggable fault injection for the
// refcount engine.  A nil Injector never injects anything.
package rcfault

import (
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
)

// Tag names a point at which a fault may be injected.
type Tag uint8

const (
	// TagContinueUpdate caps an adjustment at a couple of index
	// operations per transaction, forcing partial completion.
	TagContinueUpdate = Tag(iota + 1)
	// TagFinishOne fails a deferred item with an I/O error before
	// it is processed.
	TagFinishOne
	// TagLogWrite fails a log write.
	TagLogWrite
	// TagItemAlloc fails a log item allocation.
	TagItemAlloc
)

var tagNames = map[Tag]string{
	TagContinueUpdate: "continue-update",
	TagFinishOne:      "finish-one",
	TagLogWrite:       "log-write",
	TagItemAlloc:      "item-alloc",
}

func (t Tag) String() string {
	if name, ok := tagNames[t]; ok {
		return name
	}
	return fmt.Sprintf("Tag(%d)", uint8(t))
}

func (t Tag) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

func (t *Tag) UnmarshalText(dat []byte) error {
	for tag, name := range tagNames {
		if name == string(dat) {
			*t = tag
			return nil
		}
	}
	return fmt.Errorf("unknown fault tag: %q", dat)
}

// Injector decides whether a fault fires.
type Injector interface {
	Inject(Tag) bool
}

// Inject calls inj.Inject, treating a nil inj as "never".
func Inject(inj Injector, tag Tag) bool {
	if inj == nil {
		return false
	}
	return inj.Inject(tag)
}

// Always fires every time for the listed tags.
type Always []Tag

func (a Always) Inject(tag Tag) bool {
	for _, t := range a {
		if t == tag {
			return true
		}
	}
	return false
}

// Countdown fires once, on the N'th consultation of Tag (1-based),
// and never again.
type Countdown struct {
	Tag Tag
	N   int64

	n atomic.Int64
}

func (c *Countdown) Inject(tag Tag) bool {
	if tag != c.Tag {
		return false
	}
	return c.n.Add(1) == c.N
}

// Random fires each listed tag with probability 1/OneIn, using a
// deterministic seed so failures are reproducible.
type Random struct {
	Tags  []Tag
	OneIn int
	Seed  int64

	mu   sync.Mutex
	rand *rand.Rand
}

func (r *Random) Inject(tag Tag) bool {
	if r.OneIn <= 0 || !Always(r.Tags).Inject(tag) {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.rand == nil {
		r.rand = rand.New(rand.NewSource(r.Seed)) //nolint:gosec // Not for security.
	}
	return r.rand.Intn(r.OneIn) == 0
}
