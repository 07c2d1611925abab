// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package rctree_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"git.lukeshu.com/refcount-ng/lib/refcount/rcprim"
	"git.lukeshu.com/refcount-ng/lib/refcount/rctree"
)

const fuzzBlocks = 64

// checkModel verifies the index and free space against a per-block
// count model, in which 0 means free.
func checkModel(t *testing.T, f *fixture, model []int) {
	t.Helper()
	recs := f.records(t, 0)
	got := make([]int, fuzzBlocks)
	for i := range got {
		got[i] = 1
	}
	for i, rec := range recs {
		require.Greater(t, rec.Count, rcprim.Refcount(1), "record %v", rec)
		if i > 0 {
			require.LessOrEqual(t, recs[i-1].End(), rec.Start)
		}
		for b := rec.Start; b < rec.End(); b++ {
			require.Less(t, int(b), fuzzBlocks)
			got[b] = int(rec.Count)
		}
	}
	for b := rcprim.AGBlock(0); b < fuzzBlocks; b++ {
		if _, free := f.free.Overlaps(0, b, 1); free {
			require.Equal(t, 1, got[b], "block %d is free but has a record", b)
			got[b] = 0
		}
	}
	require.Equal(t, model, got)
}

func FuzzAdjust(f *testing.F) {
	f.Add([]byte{0, 0, 10, 0, 5, 10, 1, 0, 10})
	f.Add([]byte{0, 10, 20, 0, 20, 20, 1, 15, 10, 1, 0, 64, 1, 0, 64})
	f.Add([]byte{0, 0, 64, 0, 0, 64, 0, 32, 1, 1, 31, 3, 1, 0, 64})
	f.Add([]byte{2, 0, 8, 0, 4, 8, 3, 0, 12, 1, 2, 2})

	f.Fuzz(func(t *testing.T, dat []byte) {
		fx := newFixture(t, nil)
		require.NoError(t, fx.free.Load(0, []rcprim.Extent{ext(fuzzBlocks, rcprim.ExtLen(geom.AGBlocks-fuzzBlocks))}))

		model := make([]int, fuzzBlocks)
		for i := range model {
			model[i] = 1
		}
		for len(dat) >= 3 {
			mode, start, length := dat[0], rcprim.AGBlock(dat[1]%fuzzBlocks), rcprim.ExtLen(dat[2]%16)+1
			dat = dat[3:]
			if uint64(start)+uint64(length) > fuzzBlocks {
				length = rcprim.ExtLen(fuzzBlocks - start)
			}
			op := rcprim.OpIncrease
			if mode&1 != 0 {
				op = rcprim.OpDecrease
			}
			// Modes >= 2 squeeze the log reservation, forcing the
			// adjustment to resume across transactions.
			logRes := 0
			if mode >= 2 {
				logRes = rctree.ShapeChangeLogCost + 2*rctree.RecordLogCost + 1
			}

			ok := true
			for b := start; b < start+rcprim.AGBlock(length); b++ {
				if model[b] == 0 {
					ok = false
				}
			}
			if !ok {
				continue
			}
			fx.adjustAll(t, logRes, start, length, op)
			for b := start; b < start+rcprim.AGBlock(length); b++ {
				model[b] += int(op.Delta())
			}
			checkModel(t, fx, model)
		}
	})
}
