// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package textui implements utilities for emitting human-friendly
// text on stdout and stderr.
package textui

import (
	"fmt"
	"io"
	"unicode/utf8"

	"golang.org/x/exp/constraints"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"golang.org/x/text/number"

	"git.lukeshu.com/refcount-ng/lib/fmtutil"
)

var printer = message.NewPrinter(language.English)

// Fprintf is like fmt.Fprintf, but numbers get thousands separators.
// Use it for output meant for a person rather than for a program.
func Fprintf(w io.Writer, key string, a ...any) (n int, err error) {
	return printer.Fprintf(w, key, a...)
}

// Sprintf is to Fprintf as fmt.Sprintf is to fmt.Fprintf.
func Sprintf(key string, a ...any) string {
	return printer.Sprintf(key, a...)
}

// Humanized wraps a value so that plain fmt formats it the way
// Fprintf would.
func Humanized(x any) any {
	return humanized{val: x}
}

type humanized struct {
	val any
}

func (h humanized) Format(f fmt.State, verb rune) {
	_, _ = printer.Fprintf(f, fmtutil.FmtStateString(f, verb), h.val)
}

func (h humanized) String() string { return fmt.Sprint(h) }

// Portion renders a fraction N/D as a percentage followed by the
// exact fraction, as in "0% (1/12,345)".
type Portion[T constraints.Integer] struct {
	N, D T
}

func (p Portion[T]) String() string {
	pct := uint64(100)
	if p.D > 0 {
		pct = (uint64(p.N) * 100) / uint64(p.D)
	}
	return printer.Sprintf("%d%% (%v/%v)", pct, uint64(p.N), uint64(p.D))
}

var iecPrefixes = []string{"", "Ki", "Mi", "Gi", "Ti", "Pi", "Ei"}

type iec struct {
	val  float64
	unit string
}

// IEC formats a quantity with a binary (1024-based) prefix on unit,
// as in "4KiB".  The width and precision of the format verb apply to
// the number.
func IEC[T constraints.Integer](x T, unit string) fmt.Formatter {
	return iec{val: float64(x), unit: unit}
}

func (v iec) Format(f fmt.State, verb rune) {
	val, i := v.val, 0
	for (val >= 1024 || val <= -1024) && i+1 < len(iecPrefixes) {
		val /= 1024
		i++
	}
	suffix := iecPrefixes[i] + v.unit

	var opts []number.Option
	format := fmtutil.FmtStateString(f, verb)
	if width, ok := f.Width(); ok {
		width -= utf8.RuneCountInString(suffix)
		opts = append(opts, number.FormatWidth(width))
		format = fmtutil.FmtStateStringWidth(f, verb, width)
	}
	if prec, ok := f.Precision(); ok {
		opts = append(opts, number.Precision(prec))
	}
	_, _ = printer.Fprintf(f, format+"%s", number.Decimal(val, opts...), suffix)
}
