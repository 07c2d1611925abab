// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package fmtutil_test

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"git.lukeshu.com/refcount-ng/lib/fmtutil"
)

// echo formats itself as the format string that it was formatted
// with.
type echo struct {
	width int
}

func (e echo) Format(f fmt.State, verb rune) {
	if e.width < 0 {
		fmt.Fprint(f, fmtutil.FmtStateString(f, verb))
	} else {
		fmt.Fprint(f, fmtutil.FmtStateStringWidth(f, verb, e.width))
	}
}

func TestFmtStateString(t *testing.T) {
	t.Parallel()
	for _, format := range []string{
		"%v", "%d", "%x",
		"%-v", "%+v", "%#v", "% v", "%0v",
		"%+# 0v", "%-+# v",
		"%5d", "%.3f", "%.f", "%5.2f", "%08.3x",
	} {
		format := format
		t.Run(format, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, format, fmt.Sprintf(format, echo{width: -1}))
		})
	}
}

func TestFmtStateStringWidth(t *testing.T) {
	t.Parallel()
	testcases := map[string]string{
		"%v":    "%7v",
		"%3d":   "%7d",
		"%-.2f": "%-7.2f",
	}
	for in, exp := range testcases {
		in, exp := in, exp
		t.Run(in, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, exp, fmt.Sprintf(in, echo{width: 7}))
		})
	}
}
