// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package rclog

import (
	"fmt"
	"sync/atomic"

	"git.lukeshu.com/go/typedsync"

	"git.lukeshu.com/refcount-ng/lib/refcount/rcfault"
	"git.lukeshu.com/refcount-ng/lib/refcount/rcprim"
)

// DefaultMaxFastExtents is the largest intent that is recycled
// through the pool.
const DefaultMaxFastExtents = 16

// ItemPool allocates intent and done items for one mount.  Items of
// up to MaxFast extents are recycled; larger ones are left to the
// garbage collector.
type ItemPool struct {
	maxFast int
	faults  rcfault.Injector

	nextID atomic.Uint64
	live   atomic.Int64

	intents typedsync.Pool[*IntentItem]
	dones   typedsync.Pool[*DoneItem]
}

func NewItemPool(maxFast int, faults rcfault.Injector) *ItemPool {
	if maxFast <= 0 {
		maxFast = DefaultMaxFastExtents
	}
	return &ItemPool{
		maxFast: maxFast,
		faults:  faults,
	}
}

func (p *ItemPool) MaxFast() int { return p.maxFast }

// Live is the number of items that have been allocated and not yet
// freed.
func (p *ItemPool) Live() int64 { return p.live.Load() }

func (p *ItemPool) newIntent(id uint64, n int) (*IntentItem, error) {
	if n <= 0 {
		return nil, fmt.Errorf("rclog: intent with %d extents", n)
	}
	if rcfault.Inject(p.faults, rcfault.TagItemAlloc) {
		return nil, fmt.Errorf("rclog: allocate intent: %w", rcprim.ErrNoMem)
	}
	var it *IntentItem
	if n <= p.maxFast {
		it, _ = p.intents.Get()
	}
	if it == nil {
		it = new(IntentItem)
	}
	if cap(it.extents) >= n {
		it.extents = it.extents[:n]
	} else {
		it.extents = make([]PhysExtent, n, max(n, p.maxFast))
	}
	it.pool = p
	it.id = id
	it.nextSlot.Store(0)
	it.lsn = 0
	it.ail = nil
	it.recovered.Store(false)
	it.holds.init(it.released)
	p.live.Add(1)
	return it, nil
}

// NewIntent allocates an intent with room for n extents.
func (p *ItemPool) NewIntent(n int) (*IntentItem, error) {
	return p.newIntent(p.nextID.Add(1), n)
}

// RecoverIntent rebuilds an intent found in the log.  Its extents are
// copied verbatim, valid or not; the recovery driver decides.  IDs
// handed out later are kept above the recovered one.
func (p *ItemPool) RecoverIntent(f ItemFormat) (*IntentItem, error) {
	if f.Header.Type != TypeIntent {
		return nil, fmt.Errorf("rclog: recover intent from %v item", f.Header.Type)
	}
	for {
		cur := p.nextID.Load()
		if cur >= f.Header.ID || p.nextID.CompareAndSwap(cur, f.Header.ID) {
			break
		}
	}
	it, err := p.newIntent(f.Header.ID, len(f.Extents))
	if err != nil {
		return nil, err
	}
	copy(it.extents, f.Extents)
	it.nextSlot.Store(int32(len(f.Extents)))
	return it, nil
}

// NewDone allocates the done item for intent.
func (p *ItemPool) NewDone(intent *IntentItem) (*DoneItem, error) {
	if rcfault.Inject(p.faults, rcfault.TagItemAlloc) {
		return nil, fmt.Errorf("rclog: allocate done: %w", rcprim.ErrNoMem)
	}
	var d *DoneItem
	if len(intent.extents) <= p.maxFast {
		d, _ = p.dones.Get()
	}
	if d == nil {
		d = new(DoneItem)
	}
	d.pool = p
	d.intent = intent
	d.extents = d.extents[:0]
	p.live.Add(1)
	return d, nil
}

func (p *ItemPool) freeIntent(it *IntentItem) {
	p.live.Add(-1)
	if len(it.extents) > p.maxFast {
		return
	}
	it.ail = nil
	p.intents.Put(it)
}

func (p *ItemPool) freeDone(d *DoneItem) {
	p.live.Add(-1)
	big := cap(d.extents) > p.maxFast
	d.intent = nil
	if big {
		return
	}
	p.dones.Put(d)
}
