// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package rctree

import (
	"context"

	"github.com/datawire/dlib/dlog"

	"git.lukeshu.com/refcount-ng/lib/refcount/rcprim"
)

// FindShared returns the lowest run of shared blocks (count >= 2)
// within [bno, bno+length).  Without maximal, the run is clipped to
// the first record it comes from; with maximal, it extends across
// contiguous shared records.  If nothing in the range is shared the
// result is the zero-length extent at bno+length.
//
// Staging records are not shared, and are never part of a run.
func FindShared(ctx context.Context, c *Cursor, bno rcprim.AGBlock, length rcprim.ExtLen, maximal bool) (rcprim.Extent, error) {
	end := bno + rcprim.AGBlock(length)
	ret := rcprim.Extent{Start: end}
	if length == 0 {
		return ret, nil
	}
	if !c.env.Geometry.ValidExtent(c.AG(), bno, length) {
		return ret, c.corruptf("find-shared of [%d,+%d) is outside the AG", bno, length)
	}

	ok, err := c.LookupLE(bno)
	if err == nil && !ok {
		ok, err = c.Increment()
	}
	for ok && err == nil {
		var rec rcprim.Record
		rec, err = c.mustGet()
		if err != nil {
			break
		}
		if rec.Start >= end {
			break
		}
		if rec.End() <= bno || rec.Count < 2 {
			ok, err = c.Increment()
			continue
		}

		ret.Start = max(rec.Start, bno)
		ret.Len = rcprim.ExtLen(min(rec.End(), end) - ret.Start)
		if !maximal {
			break
		}
		for ret.End() < end {
			ok, err = c.Increment()
			if err != nil || !ok {
				break
			}
			rec, err = c.mustGet()
			if err != nil {
				break
			}
			if rec.Start != ret.End() || rec.Count < 2 {
				break
			}
			ret.Len = rcprim.ExtLen(min(rec.End(), end) - ret.Start)
		}
		break
	}
	if err != nil {
		return rcprim.Extent{Start: end}, err
	}
	dlog.Tracef(ctx, "find-shared [%d,%d) maximal=%v => %v", bno, end, maximal, ret)
	return ret, nil
}
