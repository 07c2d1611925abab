// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package rclog

import (
	"fmt"
	"sync/atomic"
)

// Holder names one of the two parties that keep an intent alive.
type Holder uint32

const (
	// HolderLog is dropped once the intent's transaction has
	// committed (or failed to).
	HolderLog = Holder(1 << iota)
	// HolderDone is dropped once the done item that completes
	// the intent has committed (or been aborted).
	HolderDone

	allHolders = HolderLog | HolderDone
)

func (h Holder) String() string {
	switch h {
	case HolderLog:
		return "log"
	case HolderDone:
		return "done"
	default:
		return fmt.Sprintf("Holder(%#x)", uint32(h))
	}
}

// Holds is a two-party ownership handle.  The release function runs
// exactly once, when the last named holder drops.
type Holds struct {
	bits    atomic.Uint32
	release func()
}

func (h *Holds) init(release func()) {
	h.bits.Store(uint32(allHolders))
	h.release = release
}

// Held reports whether holder has not yet dropped.
func (h *Holds) Held(holder Holder) bool {
	return h.bits.Load()&uint32(holder) != 0
}

// Drop gives up holder's hold.  Dropping the same hold twice is a
// programming error and panics.
func (h *Holds) Drop(holder Holder) {
	for {
		old := h.bits.Load()
		if old&uint32(holder) == 0 {
			panic(fmt.Errorf("should not happen: %v hold dropped twice", holder))
		}
		if h.bits.CompareAndSwap(old, old&^uint32(holder)) {
			if old == uint32(holder) {
				h.release()
			}
			return
		}
	}
}

// DropAll gives up every remaining hold, releasing if any were
// still held.
func (h *Holds) DropAll() {
	if old := h.bits.Swap(0); old != 0 {
		h.release()
	}
}
