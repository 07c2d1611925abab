// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package rclog

import (
	"fmt"

	"git.lukeshu.com/refcount-ng/lib/refcount/rcprim"
)

// DoneItem records which of an intent's extents a transaction has
// finished.  It lives only as long as its transaction.
type DoneItem struct {
	pool *ItemPool

	intent  *IntentItem
	extents []PhysExtent
}

var _ Item = (*DoneItem)(nil)

func (d *DoneItem) Type() ItemType { return TypeDone }

// ID is the ID of the intent that the done item completes.
func (d *DoneItem) ID() uint64 { return d.intent.id }

func (d *DoneItem) Intent() *IntentItem { return d.intent }

func (d *DoneItem) Size() int {
	return regionHeaderSize + FormatSize(len(d.extents))
}

// LogExtent records that [start, start+done) of an op has been
// applied.  done may be less than the length of the intent's extent
// if the operation finished only partially.
func (d *DoneItem) LogExtent(op rcprim.Op, start rcprim.FSBlock, done rcprim.ExtLen) {
	if len(d.extents) >= len(d.intent.extents) {
		panic(fmt.Errorf("should not happen: done for intent %d: more extents than the intent", d.intent.id))
	}
	d.extents = append(d.extents, MakeExtent(op, start, done))
}

func (d *DoneItem) Extents() []PhysExtent { return d.extents }

func (d *DoneItem) Format() ItemFormat {
	return ItemFormat{
		Header: ItemHeader{
			Type:     TypeDone,
			NRegions: 1,
			NExtents: uint32(len(d.extents)),
			ID:       d.intent.id,
		},
		Extents: append([]PhysExtent(nil), d.extents...),
	}
}

func (d *DoneItem) Pin()             {}
func (d *DoneItem) Unpin(bool)       {}
func (d *DoneItem) Push() PushResult { return PushPinned }

// Committed releases the intent, which can now leave the AIL, and
// frees the done item.
func (d *DoneItem) Committed(rcprim.LSN) rcprim.LSN {
	d.intent.Release(HolderDone)
	d.pool.freeDone(d)
	return LSNReclaimed
}

// Abort releases the intent's done hold without completing it, and
// frees the done item.
func (d *DoneItem) Abort() {
	if d.intent.Held(HolderDone) {
		d.intent.Release(HolderDone)
	}
	d.pool.freeDone(d)
}

func (d *DoneItem) String() string {
	return fmt.Sprintf("done#%d%v", d.intent.id, d.extents)
}
