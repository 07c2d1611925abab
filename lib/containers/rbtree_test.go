// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package containers

import (
	"cmp"
	"fmt"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

type nativeTree[T cmp.Ordered] struct {
	RBTree[Key[T], T]
}

func newNativeTree[T cmp.Ordered]() *nativeTree[T] {
	return &nativeTree[T]{
		RBTree: RBTree[Key[T], T]{
			KeyFn: func(v T) Key[T] { return Key[T]{Val: v} },
		},
	}
}

func (t *RBTree[K, V]) ASCIIArt() string {
	var out strings.Builder
	t.root.asciiArt(&out, "", "", "")
	return out.String()
}

func (node *RBNode[V]) String() string {
	switch {
	case node == nil:
		return "nil"
	case node.Color == Red:
		return fmt.Sprintf("R(%v)", node.Value)
	default:
		return fmt.Sprintf("B(%v)", node.Value)
	}
}

func (node *RBNode[V]) asciiArt(w io.Writer, u, m, l string) {
	if node == nil {
		fmt.Fprintf(w, "%snil\n", m)
		return
	}

	node.Right.asciiArt(w, u+"     ", u+"  ,--", u+"  |  ")
	fmt.Fprintf(w, "%s%v\n", m, node)
	node.Left.asciiArt(w, l+"  |  ", l+"  `--", l+"     ")
}

func checkRBTree[T cmp.Ordered](t *testing.T, expectedSet map[T]struct{}, tree *nativeTree[T]) {
	// 1. Every node is either red or black

	// 2. The root is black.
	require.Equal(t, Black, tree.root.getColor())

	// 3. Every nil is black.

	// 4. If a node is red, then both its children are black.
	require.NoError(t, tree.Walk(func(node *RBNode[T]) error {
		if node.getColor() == Red {
			require.Equal(t, Black, node.Left.getColor())
			require.Equal(t, Black, node.Right.getColor())
		}
		return nil
	}))

	// 5. For each node, all simple paths from the node to
	//    descendent leaves contain the same number of black
	//    nodes.
	var walkCnt func(node *RBNode[T], cnt int, leafFn func(int))
	walkCnt = func(node *RBNode[T], cnt int, leafFn func(int)) {
		if node.getColor() == Black {
			cnt++
		}
		if node == nil {
			leafFn(cnt)
			return
		}
		walkCnt(node.Left, cnt, leafFn)
		walkCnt(node.Right, cnt, leafFn)
	}
	require.NoError(t, tree.Walk(func(node *RBNode[T]) error {
		var cnts []int
		walkCnt(node, 0, func(cnt int) {
			cnts = append(cnts, cnt)
		})
		for i := range cnts {
			if cnts[0] != cnts[i] {
				require.Truef(t, false, "node %v: not all leafs have same black-count: %v", node.Value, cnts)
				break
			}
		}
		return nil
	}))

	// expected contents
	for v := range expectedSet {
		require.NotNil(t, tree.Lookup(Key[T]{Val: v}))
	}
	expected := maps.Keys(expectedSet)
	slices.Sort(expected)
	require.Equal(t, expected, append([]T{}, tree.Values()...))
	require.Equal(t, len(expectedSet), tree.Len())
}

func TestRBTreeFloorCeil(t *testing.T) {
	t.Parallel()
	tree := newNativeTree[int]()
	for _, v := range []int{10, 20, 30, 40} {
		_, inserted := tree.Insert(v)
		require.True(t, inserted)
	}
	_, inserted := tree.Insert(20)
	assert.False(t, inserted)

	type TestCase struct {
		Key   int
		Floor any
		Ceil  any
	}
	testcases := map[string]TestCase{
		"below-min": {Key: 5, Floor: nil, Ceil: 10},
		"exact-min": {Key: 10, Floor: 10, Ceil: 10},
		"between":   {Key: 25, Floor: 20, Ceil: 30},
		"exact-mid": {Key: 30, Floor: 30, Ceil: 30},
		"above-max": {Key: 99, Floor: 40, Ceil: nil},
	}
	val := func(node *RBNode[int]) any {
		if node == nil {
			return nil
		}
		return node.Value
	}
	for tcName, tc := range testcases {
		tc := tc
		t.Run(tcName, func(t *testing.T) {
			t.Parallel()
			key := Key[int]{Val: tc.Key}
			assert.Equal(t, tc.Floor, val(tree.Floor(key)))
			assert.Equal(t, tc.Ceil, val(tree.Ceil(key)))
		})
	}
}

func FuzzRBTree(f *testing.F) {
	Ins := uint8(0b0100_0000)
	Del := uint8(0)

	f.Add([]uint8{})
	f.Add([]uint8{Ins | 5, Del | 5})
	f.Add([]uint8{Ins | 5, Del | 6})
	f.Add([]uint8{Del | 6})

	f.Add([]uint8{ // CLRS Figure 14.4
		Ins | 1,
		Ins | 2,
		Ins | 5,
		Ins | 7,
		Ins | 8,
		Ins | 11,
		Ins | 14,
		Ins | 15,

		Ins | 4,
	})

	f.Fuzz(func(t *testing.T, dat []uint8) {
		tree := newNativeTree[uint8]()
		set := make(map[uint8]struct{})
		checkRBTree(t, set, tree)
		t.Logf("\n%s\n", tree.ASCIIArt())
		for _, b := range dat {
			ins := (b & 0b0100_0000) != 0
			val := (b & 0b0011_1111)
			key := Key[uint8]{Val: val}
			if ins {
				t.Logf("Insert(%v)", val)
				_, inserted := tree.Insert(val)
				_, existed := set[val]
				require.Equal(t, !existed, inserted)
				set[val] = struct{}{}
				t.Logf("\n%s\n", tree.ASCIIArt())
				node := tree.Lookup(key)
				require.NotNil(t, node)
				require.Equal(t, val, node.Value)
			} else {
				t.Logf("Delete(%v)", val)
				tree.Delete(tree.Lookup(key))
				delete(set, val)
				t.Logf("\n%s\n", tree.ASCIIArt())
				require.Nil(t, tree.Lookup(key))
			}
			checkRBTree(t, set, tree)
			if floor := tree.Floor(key); floor != nil {
				require.LessOrEqual(t, floor.Value, val)
				if next := floor.Next(); next != nil {
					require.Greater(t, next.Value, val)
				}
			}
		}
	})
}
