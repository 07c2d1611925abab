// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package containers_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"git.lukeshu.com/refcount-ng/lib/containers"
	"git.lukeshu.com/refcount-ng/lib/refcount/rcprim"
)

var _ containers.Ordered[rcprim.Record] = rcprim.Record{}

func TestKeyCompare(t *testing.T) {
	t.Parallel()
	assert.Equal(t, -1, containers.Key[int]{Val: 1}.Compare(containers.Key[int]{Val: 2}))
	assert.Equal(t, 0, containers.Key[string]{Val: "a"}.Compare(containers.Key[string]{Val: "a"}))
	assert.Equal(t, 1, containers.Key[uint32]{Val: 9}.Compare(containers.Key[uint32]{Val: 3}))
}

func TestLRUCacheGetOrLoad(t *testing.T) {
	t.Parallel()
	cache := containers.NewLRUCache[int, string](4)
	loads := 0
	load := func(k int) (string, error) {
		loads++
		return string(rune('a' + k)), nil
	}
	v, err := cache.GetOrLoad(1, load)
	assert.NoError(t, err)
	assert.Equal(t, "b", v)
	v, err = cache.GetOrLoad(1, load)
	assert.NoError(t, err)
	assert.Equal(t, "b", v)
	assert.Equal(t, 1, loads)

	cache.Remove(1)
	assert.Equal(t, 0, cache.Len())
}
