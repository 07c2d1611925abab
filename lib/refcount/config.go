// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package refcount

import (
	"fmt"

	"git.lukeshu.com/refcount-ng/lib/refcount/rcfault"
	"git.lukeshu.com/refcount-ng/lib/refcount/rclog"
	"git.lukeshu.com/refcount-ng/lib/refcount/rcprim"
	"git.lukeshu.com/refcount-ng/lib/refcount/rctrans"
	"git.lukeshu.com/refcount-ng/lib/textui"
)

// Features are the optional parts of the on-disk format.  They are
// fixed at Mkfs time.
type Features struct {
	// Rmap enables the reverse mapping, in which CoW staging
	// extents are owned by rcprim.OwnerCow.
	Rmap bool `json:"rmap"`
}

type Config struct {
	// Geometry is used by Mkfs.  Open takes the geometry from the
	// checkpoint, and fails if this is set and disagrees.
	Geometry rcprim.Geometry `json:"geometry"`
	// Features is used by Mkfs; Open takes them from the
	// checkpoint.
	Features Features `json:"features"`

	// LogRes is the number of log bytes reserved for each
	// transaction.
	LogRes int `json:"log_res"`
	// MaxFastExtents is the largest intent that is recycled
	// through the item pool, and the most requests that go into
	// one intent.
	MaxFastExtents int `json:"max_fast_extents"`

	// SkipRecovery leaves the mount unrecovered after Open, for
	// inspection.  Nothing can be changed until Recover is called.
	SkipRecovery bool `json:"-"`

	Faults rcfault.Injector `json:"-"`
}

func DefaultConfig() Config {
	return Config{
		Geometry: rcprim.Geometry{
			AGCount:   textui.Tunable(rcprim.AGNumber(4)),
			AGBlocks:  textui.Tunable(rcprim.AGBlock(1 << 16)),
			BlockSize: textui.Tunable(uint32(4096)),
		},
		Features: Features{
			Rmap: true,
		},
		LogRes:         textui.Tunable(rctrans.DefaultLogRes),
		MaxFastExtents: textui.Tunable(rclog.DefaultMaxFastExtents),
	}
}

func (cfg Config) validate() error {
	if cfg.LogRes < 0 {
		return fmt.Errorf("refcount: config: log_res must not be negative, got %v", cfg.LogRes)
	}
	if cfg.MaxFastExtents < 0 {
		return fmt.Errorf("refcount: config: max_fast_extents must not be negative, got %v", cfg.MaxFastExtents)
	}
	return nil
}
