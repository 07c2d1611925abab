// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package rctree_test

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"git.lukeshu.com/refcount-ng/lib/refcount/rcprim"
	"git.lukeshu.com/refcount-ng/lib/refcount/rctree"
)

func TestFindShared(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil,
		rec(10, 10, 2),
		rec(20, 5, 3),
		rec(25, 5, 1),
		rec(30, 10, 2))
	cur := f.open(t, newTxn(0), 0)

	type TestCase struct {
		Range   rcprim.Extent
		Maximal bool
		Exp     rcprim.Extent
	}
	testcases := []TestCase{
		{Range: ext(0, 100), Exp: ext(10, 10)},
		{Range: ext(0, 100), Maximal: true, Exp: ext(10, 15)},
		{Range: ext(15, 3), Exp: ext(15, 3)},
		{Range: ext(15, 3), Maximal: true, Exp: ext(15, 3)},
		{Range: ext(22, 78), Maximal: true, Exp: ext(22, 3)},
		{Range: ext(0, 5), Exp: ext(5, 0)},
		{Range: ext(25, 5), Exp: ext(30, 0)},
		{Range: ext(26, 9), Exp: ext(30, 5)},
		{Range: ext(26, 9), Maximal: true, Exp: ext(30, 5)},
		{Range: ext(40, 10), Exp: ext(50, 0)},
		{Range: ext(35, 0), Exp: ext(35, 0)},
	}
	for _, tc := range testcases {
		tc := tc
		t.Run(fmt.Sprintf("%v-maximal=%v", tc.Range, tc.Maximal), func(t *testing.T) {
			got, err := rctree.FindShared(f.ctx, cur, tc.Range.Start, tc.Range.Len, tc.Maximal)
			require.NoError(t, err)
			assert.Equal(t, tc.Exp, got)
		})
	}
}
