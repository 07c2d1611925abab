// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package rcprim

import (
	"fmt"
)

// Record is one entry of the refcount index: every block in
// [Start, Start+Len) is referenced Count times.  A block with no
// record is implicitly referenced once.
type Record struct {
	Start AGBlock  `json:"start"`
	Len   ExtLen   `json:"len"`
	Count Refcount `json:"count"`
}

// End is the first block after the record.
func (r Record) End() AGBlock {
	return r.Start + AGBlock(r.Len)
}

// IsStaging reports whether the record is a CoW staging record.
// Those are the only records ever stored with a count of 1.
func (r Record) IsStaging() bool {
	return r.Count == 1
}

func (r Record) String() string {
	return fmt.Sprintf("[%d,%d)=%d", r.Start, r.End(), r.Count)
}

// Compare orders records by start block.
func (a Record) Compare(b Record) int {
	switch {
	case a.Start < b.Start:
		return -1
	case a.Start > b.Start:
		return 1
	default:
		return 0
	}
}

// Extent is a bare run of blocks within one AG.
type Extent struct {
	Start AGBlock `json:"start"`
	Len   ExtLen  `json:"len"`
}

func (e Extent) End() AGBlock { return e.Start + AGBlock(e.Len) }

func (e Extent) String() string {
	return fmt.Sprintf("[%d,%d)", e.Start, e.End())
}

// Owner tags who a block belongs to in the reverse mapping.  Small
// values are file identifiers; the top of the range is reserved for
// metadata owners.
type Owner uint64

const (
	OwnerNone    = Owner(0)
	OwnerUnknown = Owner(1<<64 - 2)
	OwnerRefcBt  = Owner(1<<64 - 8)
	OwnerCow     = Owner(1<<64 - 9)
)

func (o Owner) String() string {
	switch o {
	case OwnerNone:
		return "none"
	case OwnerUnknown:
		return "unknown"
	case OwnerRefcBt:
		return "refcbt"
	case OwnerCow:
		return "cow"
	default:
		return fmt.Sprintf("file:%d", uint64(o))
	}
}
