// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package rcprim holds the primitive types shared by every layer of
// the refcount engine: block addresses, records, operations,
// mutations, and the error taxonomy.
package rcprim

import (
	"fmt"
	"math"
	"math/bits"

	"git.lukeshu.com/refcount-ng/lib/fmtutil"
)

type (
	// AGNumber identifies an allocation group.
	AGNumber uint32
	// AGBlock is a block number relative to the start of its
	// allocation group.
	AGBlock uint32
	// ExtLen is a length in blocks.
	ExtLen uint32
	// FSBlock is a filesystem-wide block number: the AG number
	// in the high bits and the AGBlock in the low AGBlockLog
	// bits.
	FSBlock uint64
	// Refcount is the share count of a block.
	Refcount uint32
	// LSN is a log sequence number.
	LSN int64
)

const (
	MaxRefcount = Refcount(math.MaxUint32)
	MaxExtLen   = ExtLen(math.MaxUint32)
	NullAGBlock = AGBlock(math.MaxUint32)
	NullFSBlock = FSBlock(math.MaxUint64)
)

func (b FSBlock) Format(f fmt.State, verb rune) {
	switch verb {
	case 'v', 's', 'q':
		str := fmt.Sprintf("%#016x", uint64(b))
		fmt.Fprintf(f, fmtutil.FmtStateString(f, verb), str)
	default:
		fmt.Fprintf(f, fmtutil.FmtStateString(f, verb), uint64(b))
	}
}

// Geometry describes how the block address space is carved into
// allocation groups.
type Geometry struct {
	AGCount   AGNumber `json:"ag_count"`
	AGBlocks  AGBlock  `json:"ag_blocks"`
	BlockSize uint32   `json:"block_size"`
}

func (g Geometry) Validate() error {
	switch {
	case g.AGCount == 0:
		return fmt.Errorf("geometry: ag_count must be positive")
	case g.AGBlocks < 2:
		return fmt.Errorf("geometry: ag_blocks must be at least 2, got %v", g.AGBlocks)
	case g.BlockSize == 0 || g.BlockSize&(g.BlockSize-1) != 0:
		return fmt.Errorf("geometry: block_size must be a power of two, got %v", g.BlockSize)
	case uint64(g.AGCount-1)<<g.AGBlockLog() > math.MaxUint64>>1:
		return fmt.Errorf("geometry: address space too large")
	}
	return nil
}

// AGBlockLog is the number of low bits of an FSBlock that hold the
// AGBlock.
func (g Geometry) AGBlockLog() uint {
	return uint(bits.Len32(uint32(g.AGBlocks) - 1))
}

// DataBlocks is the total number of blocks in the filesystem.
func (g Geometry) DataBlocks() uint64 {
	return uint64(g.AGCount) * uint64(g.AGBlocks)
}

func (g Geometry) FSB(ag AGNumber, bno AGBlock) FSBlock {
	return FSBlock(uint64(ag)<<g.AGBlockLog() | uint64(bno))
}

func (g Geometry) AGOf(fsb FSBlock) AGNumber {
	return AGNumber(uint64(fsb) >> g.AGBlockLog())
}

func (g Geometry) AGBlockOf(fsb FSBlock) AGBlock {
	return AGBlock(uint64(fsb) & (uint64(1)<<g.AGBlockLog() - 1))
}

// ValidFSB reports whether fsb addresses a block that exists.
func (g Geometry) ValidFSB(fsb FSBlock) bool {
	return g.AGOf(fsb) < g.AGCount && g.AGBlockOf(fsb) < g.AGBlocks
}

// ValidExtent reports whether [bno, bno+len) lies within one AG.
func (g Geometry) ValidExtent(ag AGNumber, bno AGBlock, length ExtLen) bool {
	return ag < g.AGCount &&
		length > 0 &&
		uint64(bno)+uint64(length) <= uint64(g.AGBlocks)
}
