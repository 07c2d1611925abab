// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package refcount

import (
	"github.com/google/uuid"

	"git.lukeshu.com/refcount-ng/lib/refcount/rcprim"
	"git.lukeshu.com/refcount-ng/lib/refcount/rcrecover"
	"git.lukeshu.com/refcount-ng/lib/refcount/rmap"
)

// image is the content of a checkpoint: every index as of LSN, plus
// the intents that were outstanding at that point.
type image struct {
	FSUUID   uuid.UUID          `json:"fsuuid"`
	Geometry rcprim.Geometry    `json:"geometry"`
	Features Features           `json:"features"`
	LSN      rcprim.LSN         `json:"lsn"`
	AGs      []agImage          `json:"ags"`
	Intents  []rcrecover.Logged `json:"intents"`
}

type agImage struct {
	Refcount []rcprim.Record `json:"refcount"`
	Free     []rcprim.Extent `json:"free"`
	Rmap     []rmap.Entry    `json:"rmap,omitempty"`
}
