// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package rclog

import (
	"fmt"
	"sync/atomic"

	"git.lukeshu.com/refcount-ng/lib/refcount/rcprim"
)

// IntentItem records a batch of refcount operations that a
// transaction has committed to doing.  It stays in the AIL until the
// matching DoneItem commits.
type IntentItem struct {
	pool *ItemPool

	id       uint64
	extents  []PhysExtent
	nextSlot atomic.Int32

	holds     Holds
	lsn       rcprim.LSN
	ail       *AIL
	recovered atomic.Bool
}

var _ Item = (*IntentItem)(nil)

func (it *IntentItem) Type() ItemType { return TypeIntent }
func (it *IntentItem) ID() uint64     { return it.id }

func (it *IntentItem) Size() int {
	return regionHeaderSize + FormatSize(len(it.extents))
}

// LSN is the LSN at which the intent committed, or 0 if it has not.
func (it *IntentItem) LSN() rcprim.LSN { return it.lsn }

// LogExtent fills the next extent slot.  Filling more slots than the
// intent was allocated with panics.
func (it *IntentItem) LogExtent(op rcprim.Op, start rcprim.FSBlock, length rcprim.ExtLen) {
	slot := int(it.nextSlot.Add(1)) - 1
	if slot >= len(it.extents) {
		panic(fmt.Errorf("should not happen: intent %d: slot %d of %d", it.id, slot, len(it.extents)))
	}
	it.extents[slot] = MakeExtent(op, start, length)
}

// Full reports whether every slot has been filled.
func (it *IntentItem) Full() bool {
	return int(it.nextSlot.Load()) == len(it.extents)
}

// Extents returns the intent's extents.  It must not be modified.
func (it *IntentItem) Extents() []PhysExtent {
	return it.extents
}

func (it *IntentItem) Format() ItemFormat {
	if !it.Full() {
		panic(fmt.Errorf("should not happen: intent %d formatted with %d of %d slots filled",
			it.id, it.nextSlot.Load(), len(it.extents)))
	}
	return ItemFormat{
		Header: ItemHeader{
			Type:     TypeIntent,
			NRegions: 1,
			NExtents: uint32(len(it.extents)),
			ID:       it.id,
		},
		Extents: append([]PhysExtent(nil), it.extents...),
	}
}

func (it *IntentItem) Pin() {}

// Unpin is the log's last touch of the intent, whether or not the
// commit succeeded.
func (it *IntentItem) Unpin(remove bool) {
	it.holds.Drop(HolderLog)
}

// Push always reports the intent as pinned: it cannot be written back
// anywhere, only completed by its done item.
func (it *IntentItem) Push() PushResult { return PushPinned }

func (it *IntentItem) Committed(lsn rcprim.LSN) rcprim.LSN {
	it.lsn = lsn
	return lsn
}

// Abort frees the intent outright.
func (it *IntentItem) Abort() {
	it.holds.DropAll()
}

// Release gives up one of the intent's holds.
func (it *IntentItem) Release(holder Holder) {
	it.holds.Drop(holder)
}

// Held reports whether holder still holds the intent.
func (it *IntentItem) Held(holder Holder) bool {
	return it.holds.Held(holder)
}

// MarkRecovered records that log recovery has dealt with the intent.
func (it *IntentItem) MarkRecovered() {
	it.recovered.Store(true)
}

func (it *IntentItem) IsRecovered() bool {
	return it.recovered.Load()
}

func (it *IntentItem) String() string {
	return fmt.Sprintf("intent#%d%v", it.id, it.extents)
}

func (it *IntentItem) released() {
	if it.ail != nil {
		it.ail.Delete(it)
	}
	it.pool.freeIntent(it)
}
