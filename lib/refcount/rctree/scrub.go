// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package rctree

import (
	"context"

	"github.com/datawire/dlib/derror"
	"github.com/datawire/dlib/dlog"

	"git.lukeshu.com/refcount-ng/lib/refcount/rcprim"
)

type freeChecker interface {
	Overlaps(ag rcprim.AGNumber, start rcprim.AGBlock, length rcprim.ExtLen) (rcprim.Extent, bool)
}

type ownerChecker interface {
	Covers(ag rcprim.AGNumber, start rcprim.AGBlock, length rcprim.ExtLen, owner rcprim.Owner) bool
}

// ScrubStats summarizes a scrubbed AG.
type ScrubStats struct {
	Records       int
	SharedBlocks  uint64
	StagingBlocks uint64
}

// Scrub checks every record of the cursor's AG, returning a
// derror.MultiError of every problem found.  Records are checked
// against free space, and staging records against the reverse
// mapping, when the Env's collaborators support it.
func Scrub(ctx context.Context, c *Cursor) (ScrubStats, error) {
	var stats ScrubStats
	var errs derror.MultiError
	geom := c.env.Geometry
	free, _ := c.env.Free.(freeChecker)
	owners, _ := c.env.Rmap.(ownerChecker)

	var prev rcprim.Record
	havePrev := false
	ok, err := c.cur.LookupGE(0)
	for ok && err == nil {
		var rec rcprim.Record
		rec, ok, err = c.cur.Get()
		if err != nil || !ok {
			break
		}
		stats.Records++
		switch {
		case rec.Len == 0:
			errs = append(errs, c.corruptf("record %v: zero length", rec))
		case rec.Count == 0:
			errs = append(errs, c.corruptf("record %v: zero count", rec))
		case uint64(rec.Start)+uint64(rec.Len) > uint64(geom.AGBlocks):
			errs = append(errs, c.corruptf("record %v: extends past the end of the AG (%d blocks)", rec, geom.AGBlocks))
		default:
			if havePrev && prev.End() > rec.Start {
				errs = append(errs, c.corruptf("record %v overlaps %v", rec, prev))
			}
			if free != nil {
				if ext, bad := free.Overlaps(c.AG(), rec.Start, rec.Len); bad {
					errs = append(errs, c.corruptf("record %v: blocks %v are free", rec, ext))
				}
			}
			if rec.IsStaging() {
				stats.StagingBlocks += uint64(rec.Len)
				if owners != nil && !owners.Covers(c.AG(), rec.Start, rec.Len, rcprim.OwnerCow) {
					errs = append(errs, c.corruptf("staging record %v: not owned by %v in the reverse mapping", rec, rcprim.OwnerCow))
				}
			} else {
				stats.SharedBlocks += uint64(rec.Len)
			}
		}
		prev, havePrev = rec, true
		ok, err = c.cur.Increment()
	}
	if err != nil {
		errs = append(errs, c.storeErr("walk", err))
	}
	dlog.Debugf(ctx, "scrubbed %d records: %d shared blocks, %d staging blocks, %d problems",
		stats.Records, stats.SharedBlocks, stats.StagingBlocks, len(errs))
	if len(errs) > 0 {
		return stats, errs
	}
	return stats, nil
}
