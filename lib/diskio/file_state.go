// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package diskio

import (
	"io"
)

// sectionReader reads [pos, end) of a File sequentially.
type sectionReader[A ~int64] struct {
	inner File[A]
	pos   A
	end   A
}

var (
	_ io.Reader     = (*sectionReader[assertAddr])(nil)
	_ io.ByteReader = (*sectionReader[assertAddr])(nil)
)

// NewSectionReader returns a reader of the bytes of file in [off,
// end).  An end < 0 means "to the end of the file at the time of each
// read".
func NewSectionReader[A ~int64](file File[A], off, end A) *sectionReader[A] {
	return &sectionReader[A]{
		inner: file,
		pos:   off,
		end:   end,
	}
}

func (sr *sectionReader[A]) Pos() A { return sr.pos }

func (sr *sectionReader[A]) Read(dat []byte) (n int, err error) {
	end := sr.end
	if end < 0 {
		end = sr.inner.Size()
	}
	if sr.pos >= end {
		return 0, io.EOF
	}
	if rem := end - sr.pos; A(len(dat)) > rem {
		dat = dat[:rem]
	}
	n, err = sr.inner.ReadAt(dat, sr.pos)
	sr.pos += A(n)
	if err == io.EOF && n > 0 {
		err = nil
	}
	return n, err
}

func (sr *sectionReader[A]) ReadByte() (byte, error) {
	var dat [1]byte
	_, err := io.ReadFull(sr, dat[:])
	if err == io.ErrUnexpectedEOF {
		err = io.EOF
	}
	return dat[0], err
}
