// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package rctree

import (
	"context"

	"github.com/datawire/dlib/dlog"

	"git.lukeshu.com/refcount-ng/lib/refcount/rcprim"
)

// Blocks being written by copy-on-write are kept in the index as
// staging records (count=1, which is otherwise never stored) until the
// write is remapped into place or cancelled.  Staging records never
// merge with shared records.  Whatever staging records survive a
// crash are leftovers of interrupted writes, and are reclaimed at
// recovery.

func (c *Cursor) checkUnused(bno rcprim.AGBlock, length rcprim.ExtLen) error {
	end := bno + rcprim.AGBlock(length)
	ok, err := c.LookupLE(end - 1)
	if err != nil || !ok {
		return err
	}
	rec, err := c.mustGet()
	if err != nil {
		return err
	}
	if rec.End() > bno {
		return c.corruptf("cannot stage [%d,%d) for CoW: overlaps %v", bno, end, rec)
	}
	return nil
}

func (c *Cursor) adjustCow(ctx context.Context, bno rcprim.AGBlock, length rcprim.ExtLen, op rcprim.Op) error {
	if !c.env.Geometry.ValidExtent(c.AG(), bno, length) {
		return c.corruptf("%v of [%d,+%d) is outside the AG", op, bno, length)
	}
	ctx = dlog.WithField(ctx, "refcount.op", op)
	dlog.Tracef(ctx, "adjust cow [%d,%d)", bno, bno+rcprim.AGBlock(length))
	if op == rcprim.OpAllocCow {
		if err := c.checkUnused(bno, length); err != nil {
			return err
		}
	}
	origBno, origLen := bno, length

	for _, at := range []rcprim.AGBlock{bno, bno + rcprim.AGBlock(length)} {
		if _, err := c.splitExtent(ctx, at); err != nil {
			return err
		}
	}
	if _, err := c.mergeExtents(ctx, &bno, &length, op.Delta(), findCow); err != nil {
		return err
	}

	if length > 0 {
		ext, ok, err := c.lookupFirst(bno)
		if err != nil {
			return err
		}
		if !ok {
			ext = rcprim.Record{Start: c.env.Geometry.AGBlocks}
		}
		switch op {
		case rcprim.OpAllocCow:
			if ext.Start < bno+rcprim.AGBlock(length) {
				return c.corruptf("cannot stage [%d,%d) for CoW: overlaps %v", bno, bno+rcprim.AGBlock(length), ext)
			}
			if err := c.mustInsert(rcprim.Record{Start: bno, Len: length, Count: 1}); err != nil {
				return err
			}
		case rcprim.OpFreeCow:
			if ext.Start != bno || ext.Len != length || ext.Count != 1 {
				return c.corruptf("cannot unstage [%d,%d): found %v instead of a staging record", bno, bno+rcprim.AGBlock(length), ext)
			}
			if err := c.mustDelete(); err != nil {
				return err
			}
		}
	}

	if c.env.Rmap == nil {
		return nil
	}
	if op == rcprim.OpAllocCow {
		return c.env.Rmap.AddOwner(ctx, c.tx, c.AG(), origBno, origLen, rcprim.OwnerCow)
	}
	return c.env.Rmap.RemoveOwner(ctx, c.tx, c.AG(), origBno, origLen, rcprim.OwnerCow)
}

// lookupFirst positions at the first record at or after bno.
func (c *Cursor) lookupFirst(bno rcprim.AGBlock) (rcprim.Record, bool, error) {
	if _, err := c.LookupGE(bno); err != nil {
		return rcprim.Record{}, false, err
	}
	return c.Get()
}

// StageCow records [bno, bno+length) as a CoW staging extent.  The
// range must not overlap any record.
func StageCow(ctx context.Context, c *Cursor, bno rcprim.AGBlock, length rcprim.ExtLen) error {
	return c.adjustCow(ctx, bno, length, rcprim.OpAllocCow)
}

// UnstageCow removes the staging record for exactly [bno,
// bno+length).  It does not free the blocks.
func UnstageCow(ctx context.Context, c *Cursor, bno rcprim.AGBlock, length rcprim.ExtLen) error {
	return c.adjustCow(ctx, bno, length, rcprim.OpFreeCow)
}

// StagingExtents lists every staging record in the cursor's AG.
func StagingExtents(c *Cursor) ([]rcprim.Extent, error) {
	var ret []rcprim.Extent
	ok, err := c.LookupGE(0)
	for ok && err == nil {
		var rec rcprim.Record
		rec, err = c.mustGet()
		if err != nil {
			break
		}
		if rec.IsStaging() {
			ret = append(ret, rcprim.Extent{Start: rec.Start, Len: rec.Len})
		}
		ok, err = c.Increment()
	}
	return ret, err
}
