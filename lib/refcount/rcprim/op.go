// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package rcprim

import (
	"fmt"
)

// Op is a deferred refcount operation.  The numeric values are part
// of the log format (the low byte of an extent's flags).
type Op uint8

const (
	OpIncrease = Op(iota + 1)
	OpDecrease
	OpAllocCow
	OpFreeCow
)

var opNames = []string{
	OpIncrease: "increase",
	OpDecrease: "decrease",
	OpAllocCow: "alloc-cow",
	OpFreeCow:  "free-cow",
}

func (op Op) Valid() bool {
	return op >= OpIncrease && op <= OpFreeCow
}

func (op Op) String() string {
	if op.Valid() {
		return opNames[op]
	}
	return fmt.Sprintf("Op(%d)", uint8(op))
}

// IsCow reports whether the operation manipulates CoW staging
// records rather than share counts.
func (op Op) IsCow() bool {
	return op == OpAllocCow || op == OpFreeCow
}

// Delta is how much the operation changes the count of the blocks it
// touches, for the purposes of deciding whether neighbouring records
// can be merged.
func (op Op) Delta() int64 {
	switch op {
	case OpIncrease:
		return 1
	case OpDecrease, OpFreeCow:
		return -1
	case OpAllocCow:
		return 0
	default:
		panic(fmt.Errorf("should not happen: invalid op %v", op))
	}
}

// MarshalText implements encoding.TextMarshaler.
func (op Op) MarshalText() ([]byte, error) {
	if !op.Valid() {
		return nil, fmt.Errorf("invalid op: %d", uint8(op))
	}
	return []byte(op.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (op *Op) UnmarshalText(dat []byte) error {
	for i, name := range opNames {
		if name != "" && name == string(dat) {
			*op = Op(i)
			return nil
		}
	}
	return fmt.Errorf("unknown op: %q", dat)
}
