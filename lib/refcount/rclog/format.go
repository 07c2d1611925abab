// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package rclog

import (
	"fmt"

	"git.lukeshu.com/refcount-ng/lib/binstruct"
	"git.lukeshu.com/refcount-ng/lib/refcount/rcprim"
)

// ItemType tags a log region.
type ItemType uint16

const (
	TypeDelta  = ItemType(0x0001)
	TypeIntent = ItemType(0x1242)
	TypeDone   = ItemType(0x1243)
)

func (t ItemType) String() string {
	switch t {
	case TypeDelta:
		return "delta"
	case TypeIntent:
		return "intent"
	case TypeDone:
		return "done"
	default:
		return fmt.Sprintf("ItemType(%#04x)", uint16(t))
	}
}

// ItemHeader starts the on-log form of both intent and done items.
// For a done item, ID is the ID of the intent that it completes.
type ItemHeader struct {
	Type          ItemType `bin:"off=0x0, siz=0x2"`
	NRegions      uint16   `bin:"off=0x2, siz=0x2"`
	NExtents      uint32   `bin:"off=0x4, siz=0x4"`
	ID            uint64   `bin:"off=0x8, siz=0x8"`
	binstruct.End `bin:"off=0x10"`
}

// ExtentFlags carries the operation in its low byte.  No other bits
// are defined.
type ExtentFlags uint32

const (
	FlagsOpMask = ExtentFlags(0xff)
	FlagsKnown  = FlagsOpMask
)

func (f ExtentFlags) Op() rcprim.Op        { return rcprim.Op(f & FlagsOpMask) }
func (f ExtentFlags) Unknown() ExtentFlags { return f &^ FlagsKnown }

// PhysExtent is one operation of an intent, or one completed (perhaps
// partially) operation of a done item.
type PhysExtent struct {
	Start         rcprim.FSBlock `bin:"off=0x0, siz=0x8"`
	Len           rcprim.ExtLen  `bin:"off=0x8, siz=0x4"`
	Flags         ExtentFlags    `bin:"off=0xc, siz=0x4"`
	binstruct.End `bin:"off=0x10"`
}

func MakeExtent(op rcprim.Op, start rcprim.FSBlock, length rcprim.ExtLen) PhysExtent {
	return PhysExtent{
		Start: start,
		Len:   length,
		Flags: ExtentFlags(op),
	}
}

func (e PhysExtent) String() string {
	return fmt.Sprintf("%v %v+%d", e.Flags.Op(), e.Start, e.Len)
}

var (
	itemHeaderSize = binstruct.StaticSize(ItemHeader{})
	physExtentSize = binstruct.StaticSize(PhysExtent{})
)

// FormatSize is the encoded size of an item carrying n extents.
func FormatSize(n int) int {
	return itemHeaderSize + n*physExtentSize
}

// ItemFormat is the decoded form of an intent or done region.
type ItemFormat struct {
	Header  ItemHeader   `json:"header"`
	Extents []PhysExtent `json:"extents"`
}

func (f ItemFormat) MarshalBinary() ([]byte, error) {
	if int(f.Header.NExtents) != len(f.Extents) {
		return nil, fmt.Errorf("header says %d extents but have %d", f.Header.NExtents, len(f.Extents))
	}
	ret, err := binstruct.Marshal(f.Header)
	if err != nil {
		return ret, err
	}
	for _, ext := range f.Extents {
		bs, err := binstruct.Marshal(ext)
		ret = append(ret, bs...)
		if err != nil {
			return ret, err
		}
	}
	return ret, nil
}

// UnmarshalBinary decodes an item, which must fill dat exactly.
func (f *ItemFormat) UnmarshalBinary(dat []byte) (int, error) {
	n, err := binstruct.Unmarshal(dat, &f.Header)
	if err != nil {
		return n, err
	}
	switch f.Header.Type {
	case TypeIntent, TypeDone:
	default:
		return n, fmt.Errorf("not an intent or done item: %v", f.Header.Type)
	}
	if f.Header.NRegions != 1 {
		return n, fmt.Errorf("%v item: region count is %d, not 1", f.Header.Type, f.Header.NRegions)
	}
	if size := FormatSize(int(f.Header.NExtents)); len(dat) != size {
		return n, fmt.Errorf("%v item with %d extents: length is %d, not %d",
			f.Header.Type, f.Header.NExtents, len(dat), size)
	}
	f.Extents = make([]PhysExtent, f.Header.NExtents)
	for i := range f.Extents {
		_n, err := binstruct.Unmarshal(dat[n:], &f.Extents[i])
		n += _n
		if err != nil {
			return n, fmt.Errorf("extent %d: %w", i, err)
		}
	}
	return n, nil
}

// MutationFormat is one entry of a delta region: a change to one of
// the per-AG trees, logged so that it can be redone.
type MutationFormat struct {
	Tree          rcprim.Tree     `bin:"off=0x0, siz=0x1"`
	Action        rcprim.Action   `bin:"off=0x1, siz=0x1"`
	Reserved      uint16          `bin:"off=0x2, siz=0x2"`
	AG            rcprim.AGNumber `bin:"off=0x4, siz=0x4"`
	OldStart      rcprim.AGBlock  `bin:"off=0x8, siz=0x4"`
	OldLen        rcprim.ExtLen   `bin:"off=0xc, siz=0x4"`
	OldVal        uint64          `bin:"off=0x10, siz=0x8"`
	NewStart      rcprim.AGBlock  `bin:"off=0x18, siz=0x4"`
	NewLen        rcprim.ExtLen   `bin:"off=0x1c, siz=0x4"`
	NewVal        uint64          `bin:"off=0x20, siz=0x8"`
	binstruct.End `bin:"off=0x28"`
}

// MutationSize is the number of log bytes that one tree mutation
// costs.
var MutationSize = binstruct.StaticSize(MutationFormat{})

func formatMutation(m rcprim.Mutation) MutationFormat {
	return MutationFormat{
		Tree:     m.Tree,
		Action:   m.Action,
		AG:       m.AG,
		OldStart: m.Old.Start,
		OldLen:   m.Old.Len,
		OldVal:   m.Old.Val,
		NewStart: m.New.Start,
		NewLen:   m.New.Len,
		NewVal:   m.New.Val,
	}
}

func (f MutationFormat) Mutation() rcprim.Mutation {
	return rcprim.Mutation{
		Tree:   f.Tree,
		Action: f.Action,
		AG:     f.AG,
		Old:    rcprim.TreeRec{Start: f.OldStart, Len: f.OldLen, Val: f.OldVal},
		New:    rcprim.TreeRec{Start: f.NewStart, Len: f.NewLen, Val: f.NewVal},
	}
}

func marshalMutations(ms []rcprim.Mutation) ([]byte, error) {
	ret := make([]byte, 0, len(ms)*MutationSize)
	for _, m := range ms {
		bs, err := binstruct.Marshal(formatMutation(m))
		ret = append(ret, bs...)
		if err != nil {
			return ret, err
		}
	}
	return ret, nil
}

func unmarshalMutations(dat []byte) ([]rcprim.Mutation, error) {
	if len(dat)%MutationSize != 0 {
		return nil, fmt.Errorf("delta region length %d is not a multiple of %d", len(dat), MutationSize)
	}
	ret := make([]rcprim.Mutation, 0, len(dat)/MutationSize)
	for n := 0; n < len(dat); n += MutationSize {
		var f MutationFormat
		if _, err := binstruct.Unmarshal(dat[n:], &f); err != nil {
			return nil, fmt.Errorf("delta region offset %d: %w", n, err)
		}
		ret = append(ret, f.Mutation())
	}
	return ret, nil
}

var frameMagic = [8]byte{'R', 'C', 'L', 'O', 'G', 'F', 'R', '1'}

const frameVersion = 1

// frameHeader precedes every transaction's regions in the log.  Sum
// covers the header (with Sum itself zeroed) and the payload.
type frameHeader struct {
	Magic         [8]byte  `bin:"off=0x0, siz=0x8"`
	Version       uint32   `bin:"off=0x8, siz=0x4"`
	NRegions      uint32   `bin:"off=0xc, siz=0x4"`
	LSN           uint64   `bin:"off=0x10, siz=0x8"`
	PayloadLen    uint64   `bin:"off=0x18, siz=0x8"`
	Sum           uint64   `bin:"off=0x20, siz=0x8"`
	FSUUID        [16]byte `bin:"off=0x28, siz=0x10"`
	binstruct.End `bin:"off=0x38"`
}

type regionHeader struct {
	Type          ItemType `bin:"off=0x0, siz=0x2"`
	Flags         uint16   `bin:"off=0x2, siz=0x2"`
	Len           uint32   `bin:"off=0x4, siz=0x4"`
	binstruct.End `bin:"off=0x8"`
}

var (
	frameHeaderSize  = binstruct.StaticSize(frameHeader{})
	regionHeaderSize = binstruct.StaticSize(regionHeader{})
)

// Region is one item's worth of a frame's payload.
type Region struct {
	Type ItemType
	Data []byte
}

func marshalRegions(regions []Region) ([]byte, error) {
	var ret []byte
	for _, region := range regions {
		bs, err := binstruct.Marshal(regionHeader{
			Type: region.Type,
			Len:  uint32(len(region.Data)),
		})
		if err != nil {
			return nil, err
		}
		ret = append(ret, bs...)
		ret = append(ret, region.Data...)
	}
	return ret, nil
}

func unmarshalRegions(dat []byte, n int) ([]Region, error) {
	ret := make([]Region, 0, n)
	for i := 0; i < n; i++ {
		var hdr regionHeader
		_n, err := binstruct.Unmarshal(dat, &hdr)
		if err != nil {
			return nil, fmt.Errorf("region %d: %w", i, err)
		}
		dat = dat[_n:]
		if err := binstruct.NeedNBytes(dat, int(hdr.Len)); err != nil {
			return nil, fmt.Errorf("region %d (%v): %w", i, hdr.Type, err)
		}
		ret = append(ret, Region{
			Type: hdr.Type,
			Data: dat[:hdr.Len],
		})
		dat = dat[hdr.Len:]
	}
	if len(dat) != 0 {
		return nil, fmt.Errorf("%d bytes of trailing garbage after %d regions", len(dat), n)
	}
	return ret, nil
}
