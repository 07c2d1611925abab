// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package rctree

import (
	"context"
	"fmt"

	"github.com/datawire/dlib/dlog"

	"git.lukeshu.com/refcount-ng/lib/refcount/rcfault"
	"git.lukeshu.com/refcount-ng/lib/refcount/rclog"
	"git.lukeshu.com/refcount-ng/lib/refcount/rcprim"
)

var (
	// RecordLogCost is the log space that one changed index record
	// costs: one logged mutation.
	RecordLogCost = rclog.MutationSize
	// ShapeChangeLogCost is the worst case of an adjustment that
	// splits both ends (two updates and two inserts) and then
	// merges (up to two deletes and an update).
	ShapeChangeLogCost = 7 * RecordLogCost
)

// stillHaveSpace reports whether the transaction's log reservation
// has room for more record changes.
func (c *Cursor) stillHaveSpace() bool {
	if c.nrOps > 2 && rcfault.Inject(c.env.Faults, rcfault.TagContinueUpdate) {
		return false
	}
	if c.nrOps == 0 {
		return true
	}
	res := c.tx.LogRes()
	overhead := c.shapeChanges * ShapeChangeLogCost
	if overhead > res {
		return false
	}
	return res-overhead > c.nrOps*RecordLogCost
}

// findFlag selects which neighbors may merge: shared records never
// merge with staging records and vice versa.
type findFlag uint8

const (
	findShared = findFlag(iota)
	findCow
)

func (f findFlag) accepts(rec rcprim.Record) bool {
	switch f {
	case findShared:
		return rec.Count >= 2
	case findCow:
		return rec.Count == 1
	default:
		panic(fmt.Errorf("should not happen: invalid find flag %d", f))
	}
}

// piece is a run of blocks next to an adjustment boundary.  If stored
// is false it is an implicit count=1 run that has no record.
type piece struct {
	rcprim.Record
	stored bool
}

func (a piece) sameRange(b piece) bool {
	return a.Start == b.Start && a.Len == b.Len
}

// splitExtent makes sure no record crosses bno, splitting the one
// that does.
func (c *Cursor) splitExtent(ctx context.Context, bno rcprim.AGBlock) (bool, error) {
	ok, err := c.LookupLE(bno)
	if err != nil || !ok {
		return false, err
	}
	rec, err := c.mustGet()
	if err != nil {
		return false, err
	}
	if rec.Start == bno || rec.End() <= bno {
		return false, nil
	}
	dlog.Tracef(ctx, "split %v at %v", rec, bno)

	right := rec
	right.Start = bno
	right.Len = rcprim.ExtLen(rec.End() - bno)
	if err := c.Update(right); err != nil {
		return false, err
	}
	left := rec
	left.Len = rcprim.ExtLen(bno - rec.Start)
	if err := c.mustInsert(left); err != nil {
		return false, err
	}
	return true, nil
}

// findLeft finds the record that ends exactly at bno, and the run
// that starts at bno.
func (c *Cursor) findLeft(bno rcprim.AGBlock, length rcprim.ExtLen, flag findFlag) (left, cleft piece, err error) {
	if bno == 0 {
		return left, cleft, nil
	}
	ok, err := c.LookupLE(bno - 1)
	if err != nil || !ok {
		return left, cleft, err
	}
	tmp, err := c.mustGet()
	if err != nil {
		return left, cleft, err
	}
	if tmp.End() != bno || !flag.accepts(tmp) {
		return left, cleft, nil
	}
	left = piece{Record: tmp, stored: true}

	ok, err = c.Increment()
	if err != nil {
		return left, cleft, err
	}
	if !ok {
		cleft = piece{Record: rcprim.Record{Start: bno, Len: length, Count: 1}}
		return left, cleft, nil
	}
	tmp, err = c.mustGet()
	if err != nil {
		return left, cleft, err
	}
	if tmp.Start == bno {
		cleft = piece{Record: tmp, stored: true}
	} else {
		cleft = piece{Record: rcprim.Record{
			Start: bno,
			Len:   min(length, rcprim.ExtLen(tmp.Start-bno)),
			Count: 1,
		}}
	}
	return left, cleft, nil
}

// findRight finds the record that starts exactly at bno+length, and
// the run that ends there.
func (c *Cursor) findRight(bno rcprim.AGBlock, length rcprim.ExtLen, flag findFlag) (right, cright piece, err error) {
	end := bno + rcprim.AGBlock(length)
	ok, err := c.LookupGE(end)
	if err != nil || !ok {
		return right, cright, err
	}
	tmp, err := c.mustGet()
	if err != nil {
		return right, cright, err
	}
	if tmp.Start != end || !flag.accepts(tmp) {
		return right, cright, nil
	}
	right = piece{Record: tmp, stored: true}

	ok, err = c.Decrement()
	if err != nil {
		return right, cright, err
	}
	if !ok {
		cright = piece{Record: rcprim.Record{Start: bno, Len: length, Count: 1}}
		return right, cright, nil
	}
	tmp, err = c.mustGet()
	if err != nil {
		return right, cright, err
	}
	if tmp.End() == end {
		cright = piece{Record: tmp, stored: true}
	} else {
		start := max(bno, tmp.End())
		cright = piece{Record: rcprim.Record{
			Start: start,
			Len:   rcprim.ExtLen(end - start),
			Count: 1,
		}}
	}
	return right, cright, nil
}

// canMerge reports whether inner, once adjusted, can fold into outer.
func canMerge(outer, inner piece, adj int64, flag findFlag) bool {
	if !outer.stored || (inner.stored && !flag.accepts(inner.Record)) {
		return false
	}
	// A saturated count never moves, so it cannot take on its
	// neighbour's.
	if inner.stored && inner.Count == rcprim.MaxRefcount {
		return false
	}
	return int64(outer.Count) == int64(inner.Count)+adj &&
		uint64(outer.Len)+uint64(inner.Len) < uint64(rcprim.MaxExtLen)
}

func (c *Cursor) deletePiece(p piece) error {
	if !p.stored {
		return nil
	}
	ok, err := c.LookupLE(p.Start)
	if err != nil {
		return err
	}
	if !ok {
		return c.corruptf("refcount record %v vanished", p.Record)
	}
	return c.mustDelete()
}

func (c *Cursor) updatePiece(old piece, upd rcprim.Record) error {
	ok, err := c.LookupLE(old.Start)
	if err != nil {
		return err
	}
	if !ok {
		return c.corruptf("refcount record %v vanished", old.Record)
	}
	return c.Update(upd)
}

// mergeExtents tries to fold the runs at either end of [*bno,
// *bno+*length) into their neighbors, trimming the range by whatever
// was merged.
func (c *Cursor) mergeExtents(ctx context.Context, bno *rcprim.AGBlock, length *rcprim.ExtLen, adj int64, flag findFlag) (bool, error) {
	left, cleft, err := c.findLeft(*bno, *length, flag)
	if err != nil {
		return false, err
	}
	right, cright, err := c.findRight(*bno, *length, flag)
	if err != nil {
		return false, err
	}
	if !left.stored && !right.stored {
		return false, nil
	}
	cequal := cleft.sameRange(cright)

	// left, center, and right all collapse into one.
	if cequal && canMerge(left, cleft, adj, flag) && canMerge(right, cleft, adj, flag) {
		ulen := uint64(left.Len) + uint64(cleft.Len) + uint64(right.Len)
		if ulen < uint64(rcprim.MaxExtLen) {
			dlog.Tracef(ctx, "merge %v + %v + %v", left.Record, cleft.Record, right.Record)
			if err := c.deletePiece(cleft); err != nil {
				return true, err
			}
			if err := c.deletePiece(right); err != nil {
				return true, err
			}
			merged := left.Record
			merged.Len = rcprim.ExtLen(ulen)
			if err := c.updatePiece(left, merged); err != nil {
				return true, err
			}
			*length = 0
			return true, nil
		}
	}

	if canMerge(left, cleft, adj, flag) {
		dlog.Tracef(ctx, "merge %v + %v", left.Record, cleft.Record)
		if err := c.deletePiece(cleft); err != nil {
			return true, err
		}
		merged := left.Record
		merged.Len += cleft.Len
		if err := c.updatePiece(left, merged); err != nil {
			return true, err
		}
		*bno += rcprim.AGBlock(cleft.Len)
		*length -= cleft.Len
		if cequal {
			// cright was the same run, and it is gone now.
			return true, nil
		}
	}

	if canMerge(right, cright, adj, flag) {
		dlog.Tracef(ctx, "merge %v + %v", cright.Record, right.Record)
		if err := c.deletePiece(cright); err != nil {
			return true, err
		}
		merged := right.Record
		merged.Start -= rcprim.AGBlock(cright.Len)
		merged.Len += cright.Len
		if err := c.updatePiece(right, merged); err != nil {
			return true, err
		}
		*length -= cright.Len
	}
	return true, nil
}

// Adjustment is how much of a requested range an adjustment got
// through.
type Adjustment struct {
	// Done is the number of blocks that have been processed.
	Done rcprim.ExtLen
	// Skipped is the number of blocks within Done that were left
	// alone because their count is saturated.
	Skipped rcprim.ExtLen
	// Rest is what is left to do.  A boundary merge may finish
	// the tail of the range before the walk of the middle runs
	// out of log space, so Rest is not necessarily a suffix of
	// the request.
	Rest rcprim.Extent
}

// Complete reports whether the whole range was processed.
func (a Adjustment) Complete() bool { return a.Rest.Len == 0 }

// adjustExtents walks [bno, bno+length) left to right, filling gaps
// and adjusting records, until the range is done or the log
// reservation runs out.
func (c *Cursor) adjustExtents(ctx context.Context, bno rcprim.AGBlock, length rcprim.ExtLen, adj int64, owner rcprim.Owner) (Adjustment, error) {
	var ret Adjustment
	if length == 0 {
		return ret, nil
	}
	if _, err := c.LookupGE(bno); err != nil {
		return ret, err
	}
	for length > 0 && c.stillHaveSpace() {
		ext, ok, err := c.Get()
		if err != nil {
			return ret, err
		}
		if !ok {
			ext = rcprim.Record{Start: c.env.Geometry.AGBlocks}
		}

		// A gap: the blocks are implicitly referenced once.
		if ext.Start != bno {
			gap := rcprim.Record{
				Start: bno,
				Len:   min(length, rcprim.ExtLen(ext.Start-bno)),
			}
			if count := 1 + adj; count > 0 {
				gap.Count = rcprim.Refcount(count)
				dlog.Tracef(ctx, "insert %v", gap)
				if err := c.mustInsert(gap); err != nil {
					return ret, err
				}
				c.nrOps++
			} else {
				dlog.Tracef(ctx, "free [%d,%d)", gap.Start, gap.End())
				if err := c.env.Free.FreeExtent(ctx, c.tx, c.AG(), gap.Start, gap.Len, owner); err != nil {
					return ret, err
				}
				c.nrOps += 2
			}
			ret.Done += gap.Len
			bno += rcprim.AGBlock(gap.Len)
			length -= gap.Len
			if _, err := c.LookupGE(bno); err != nil {
				return ret, err
			}
		}

		if length == 0 || !c.stillHaveSpace() {
			break
		}
		if !ok {
			return ret, c.corruptf("refcount adjustment of [%d,+%d) runs past the end of the AG", bno, length)
		}
		if ext.End() > bno+rcprim.AGBlock(length) {
			return ret, c.corruptf("refcount record %v crosses the end of an adjustment", ext)
		}

		switch count := int64(ext.Count) + adj; {
		case ext.Count == rcprim.MaxRefcount:
			// Saturated counts are sticky.
			dlog.Tracef(ctx, "skip saturated %v", ext)
			ret.Skipped += ext.Len
			if _, err := c.Increment(); err != nil {
				return ret, err
			}
		case count > 1:
			upd := ext
			upd.Count = rcprim.Refcount(count)
			dlog.Tracef(ctx, "update %v -> %v", ext, upd)
			if err := c.Update(upd); err != nil {
				return ret, err
			}
			c.nrOps++
			if _, err := c.Increment(); err != nil {
				return ret, err
			}
		case count == 1:
			dlog.Tracef(ctx, "delete %v", ext)
			if err := c.mustDelete(); err != nil {
				return ret, err
			}
			c.nrOps++
		default:
			dlog.Tracef(ctx, "delete and free %v", ext)
			if err := c.mustDelete(); err != nil {
				return ret, err
			}
			if err := c.env.Free.FreeExtent(ctx, c.tx, c.AG(), ext.Start, ext.Len, owner); err != nil {
				return ret, err
			}
			c.nrOps += 3
		}
		ret.Done += ext.Len
		bno += rcprim.AGBlock(ext.Len)
		length -= ext.Len
	}
	return ret, nil
}

// Adjust changes the share count of every block in [bno, bno+length)
// by one, up for OpIncrease and down for OpDecrease.  Blocks whose
// count drops to zero are handed to the Freer on behalf of owner.
//
// If the transaction's log reservation runs out, Adjust stops early;
// the returned Adjustment says how far it got, and the caller must
// re-issue the remainder in a fresh transaction.
func Adjust(ctx context.Context, c *Cursor, bno rcprim.AGBlock, length rcprim.ExtLen, op rcprim.Op, owner rcprim.Owner) (Adjustment, error) {
	if op != rcprim.OpIncrease && op != rcprim.OpDecrease {
		return Adjustment{}, fmt.Errorf("rctree: adjust: invalid op %v", op)
	}
	if length == 0 {
		return Adjustment{}, nil
	}
	if !c.env.Geometry.ValidExtent(c.AG(), bno, length) {
		return Adjustment{}, c.corruptf("refcount %v of [%d,+%d) is outside the AG", op, bno, length)
	}
	ctx = dlog.WithField(ctx, "refcount.op", op)
	dlog.Tracef(ctx, "adjust [%d,%d)", bno, bno+rcprim.AGBlock(length))
	adj := op.Delta()

	var shapeChanges int
	for _, at := range []rcprim.AGBlock{bno, bno + rcprim.AGBlock(length)} {
		changed, err := c.splitExtent(ctx, at)
		if err != nil {
			return Adjustment{}, err
		}
		if changed {
			shapeChanges++
		}
	}

	orig := length
	changed, err := c.mergeExtents(ctx, &bno, &length, adj, findShared)
	if err != nil {
		return Adjustment{}, err
	}
	if changed {
		shapeChanges++
	}
	if shapeChanges > 0 {
		c.shapeChanges++
	}

	// Merging took care of the ends; do the middle.
	ret, err := c.adjustExtents(ctx, bno, length, adj, owner)
	ret.Rest = rcprim.Extent{
		Start: bno + rcprim.AGBlock(ret.Done),
		Len:   length - ret.Done,
	}
	ret.Done = orig - ret.Rest.Len
	if err != nil {
		return ret, err
	}
	if !ret.Complete() {
		dlog.Debugf(ctx, "ran out of log space with %v left", ret.Rest)
	}
	return ret, nil
}
