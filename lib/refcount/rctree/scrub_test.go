// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package rctree_test

import (
	"testing"

	"github.com/datawire/dlib/derror"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"git.lukeshu.com/refcount-ng/lib/refcount/rcprim"
	"git.lukeshu.com/refcount-ng/lib/refcount/rctree"
)

func TestScrub(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil, rec(10, 10, 2), rec(20, 5, 3))
	cur := f.open(t, newTxn(0), 0)
	require.NoError(t, rctree.StageCow(f.ctx, cur, 40, 4))

	stats, err := rctree.Scrub(f.ctx, cur)
	require.NoError(t, err)
	assert.Equal(t, rctree.ScrubStats{Records: 3, SharedBlocks: 15, StagingBlocks: 4}, stats)

	// A staging record that the reverse mapping does not know
	// about, and a shared record on free blocks.
	require.NoError(t, f.store.Load(0, []rcprim.Record{
		rec(10, 10, 2),
		rec(50, 2, 1),
		rec(600, 10, 2),
	}))
	stats, err = rctree.Scrub(f.ctx, cur)
	assert.Equal(t, 3, stats.Records)
	var errs derror.MultiError
	require.ErrorAs(t, err, &errs)
	assert.Len(t, errs, 2)
	for _, err := range errs {
		assert.ErrorIs(t, err, rcprim.ErrCorrupt)
	}
}
