// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package freespace_test

import (
	"context"
	"testing"

	"github.com/datawire/dlib/dlog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"git.lukeshu.com/refcount-ng/lib/refcount/freespace"
	"git.lukeshu.com/refcount-ng/lib/refcount/rcprim"
)

type journal struct {
	muts []rcprim.Mutation
}

func (*journal) LockAG(context.Context, rcprim.AGNumber) error { return nil }
func (j *journal) Record(m rcprim.Mutation)                    { j.muts = append(j.muts, m) }

func ext(start rcprim.AGBlock, length rcprim.ExtLen) rcprim.Extent {
	return rcprim.Extent{Start: start, Len: length}
}

var geom = rcprim.Geometry{AGCount: 2, AGBlocks: 100, BlockSize: 4096}

func TestAllocFree(t *testing.T) {
	t.Parallel()
	ctx := dlog.NewTestContext(t, false)
	space := freespace.New(geom)
	j := new(journal)

	start, err := space.Alloc(ctx, j, 0, 10)
	require.NoError(t, err)
	assert.Equal(t, rcprim.AGBlock(0), start)
	require.NoError(t, space.AllocExact(ctx, j, 0, 50, 10))
	exts, err := space.Extents(0)
	require.NoError(t, err)
	assert.Equal(t, []rcprim.Extent{ext(10, 40), ext(60, 40)}, exts)

	assert.ErrorIs(t, space.AllocExact(ctx, j, 0, 45, 10), freespace.ErrNoSpace)
	_, err = space.Alloc(ctx, j, 0, 41)
	assert.ErrorIs(t, err, freespace.ErrNoSpace)

	// Free the middle hole: all three runs coalesce.
	require.NoError(t, space.FreeExtent(ctx, j, 0, 50, 10, rcprim.OwnerUnknown))
	require.NoError(t, space.FreeExtent(ctx, j, 0, 0, 10, rcprim.OwnerUnknown))
	exts, err = space.Extents(0)
	require.NoError(t, err)
	assert.Equal(t, []rcprim.Extent{ext(0, 100)}, exts)

	// Undo the whole journal.
	for i := len(j.muts) - 1; i >= 0; i-- {
		require.NoError(t, space.Apply(j.muts[i].Inverse()))
	}
	exts, err = space.Extents(0)
	require.NoError(t, err)
	assert.Equal(t, []rcprim.Extent{ext(0, 100)}, exts)
}

func TestDoubleFree(t *testing.T) {
	t.Parallel()
	ctx := dlog.NewTestContext(t, false)
	space := freespace.New(geom)
	j := new(journal)
	require.NoError(t, space.AllocExact(ctx, j, 1, 20, 10))

	type TestCase struct {
		Start rcprim.AGBlock
		Len   rcprim.ExtLen
	}
	testcases := map[string]TestCase{
		"already-free":  {Start: 0, Len: 5},
		"left-overlap":  {Start: 15, Len: 10},
		"right-overlap": {Start: 25, Len: 10},
		"past-end":      {Start: 95, Len: 10},
		"empty":         {Start: 20, Len: 0},
	}
	for tcName, tc := range testcases {
		tc := tc
		t.Run(tcName, func(t *testing.T) {
			err := space.FreeExtent(ctx, j, 1, tc.Start, tc.Len, rcprim.OwnerUnknown)
			assert.ErrorIs(t, err, rcprim.ErrCorrupt)
		})
	}

	got, ok := space.Overlaps(1, 18, 4)
	assert.True(t, ok)
	assert.Equal(t, ext(0, 20), got)
	_, ok = space.Overlaps(1, 20, 10)
	assert.False(t, ok)
}
