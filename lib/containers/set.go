// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package containers

import (
	"cmp"
	"io"

	"git.lukeshu.com/go/lowmemjson"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// Set is an unordered set that encodes to JSON as a sorted array.
type Set[T cmp.Ordered] map[T]struct{}

var _ lowmemjson.Encodable = Set[int]{}

func (o Set[T]) EncodeJSON(w io.Writer) error {
	return lowmemjson.NewEncoder(w).Encode(o.Sorted())
}

func (o Set[T]) Insert(v T) {
	o[v] = struct{}{}
}

func (o Set[T]) Delete(v T) {
	if o == nil {
		return
	}
	delete(o, v)
}

func (o Set[T]) Has(v T) bool {
	_, ok := o[v]
	return ok
}

// Sorted returns the members in ascending order.
func (o Set[T]) Sorted() []T {
	ret := maps.Keys(o)
	slices.Sort(ret)
	return ret
}
