// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package containers

import (
	"cmp"
)

// Ordered is a type that knows how to sort itself against other
// values of the same type.  Compare returns <0, 0, or >0.
type Ordered[T any] interface {
	Compare(T) int
}

// Key wraps a built-in ordered type so that it can be used as an
// Ordered key.
type Key[T cmp.Ordered] struct {
	Val T
}

func (a Key[T]) Compare(b Key[T]) int { return cmp.Compare(a.Val, b.Val) }

var _ Ordered[Key[uint32]] = Key[uint32]{}
