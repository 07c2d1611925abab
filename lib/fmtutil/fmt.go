// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package fmtutil helps implement fmt.Formatter.
package fmtutil

import (
	"fmt"
	"strconv"
	"strings"
)

// FmtStateString returns the fmt.Printf string that produced a given
// fmt.State and verb.
func FmtStateString(st fmt.State, verb rune) string {
	width, ok := st.Width()
	if !ok {
		width = -1
	}
	return formatString(st, verb, width)
}

// FmtStateStringWidth is like FmtStateString, but overrides the
// width.
func FmtStateStringWidth(st fmt.State, verb rune, width int) string {
	return formatString(st, verb, width)
}

func formatString(st fmt.State, verb rune, width int) string {
	var ret strings.Builder
	ret.WriteByte('%')
	for _, flag := range "-+# 0" {
		if st.Flag(int(flag)) {
			ret.WriteRune(flag)
		}
	}
	if width >= 0 {
		ret.WriteString(strconv.Itoa(width))
	}
	if prec, ok := st.Precision(); ok {
		ret.WriteByte('.')
		if prec != 0 {
			ret.WriteString(strconv.Itoa(prec))
		}
	}
	ret.WriteRune(verb)
	return ret.String()
}
