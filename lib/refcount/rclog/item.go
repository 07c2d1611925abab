// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package rclog holds the refcount engine's log: the intent and done
// items that make deferred refcount updates crash-safe, the frames
// that carry them (along with each transaction's tree mutations) to
// the log device, the list of committed-but-unfinished intents, and
// the checkpoint superblocks.
package rclog

import (
	"git.lukeshu.com/refcount-ng/lib/refcount/rcprim"
)

// LSNReclaimed is returned by Item.Committed when the item has been
// consumed by its commit and must not be tracked further.
const LSNReclaimed = rcprim.LSN(-1)

type PushResult int

const (
	PushSuccess = PushResult(iota)
	PushPinned
	PushLocked
	PushFlushing
)

func (r PushResult) String() string {
	switch r {
	case PushSuccess:
		return "success"
	case PushPinned:
		return "pinned"
	case PushLocked:
		return "locked"
	case PushFlushing:
		return "flushing"
	default:
		return "unknown"
	}
}

// Item is something a transaction logs in addition to its tree
// mutations.
type Item interface {
	Type() ItemType
	ID() uint64
	// Size is the number of log bytes the item occupies,
	// including its region header.
	Size() int
	Format() ItemFormat

	Pin()
	Unpin(remove bool)
	Push() PushResult
	// Committed is called once the item is durable at lsn.  It
	// returns the LSN at which to track the item in the AIL, or
	// LSNReclaimed.
	Committed(lsn rcprim.LSN) rcprim.LSN
	// Abort is called if the transaction carrying the item is
	// cancelled or fails to commit.
	Abort()
}
