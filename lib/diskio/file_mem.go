// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package diskio

import (
	"io"
	"os"
	"sync"
)

// MemFile is a File backed by a byte slice.  Its contents survive
// Close, so a test can "crash" a mount and re-open the same
// MemFile.
type MemFile[A ~int64] struct {
	name string

	mu     sync.Mutex
	dat    []byte
	closed bool
}

var _ File[assertAddr] = (*MemFile[assertAddr])(nil)

func NewMemFile[A ~int64](name string) *MemFile[A] {
	return &MemFile[A]{name: name}
}

func (f *MemFile[A]) Name() string { return f.name }

func (f *MemFile[A]) Size() A {
	f.mu.Lock()
	defer f.mu.Unlock()
	return A(len(f.dat))
}

func (f *MemFile[A]) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

// Reopen clears the closed flag.
func (f *MemFile[A]) Reopen() *MemFile[A] {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = false
	return f
}

func (f *MemFile[A]) ReadAt(p []byte, off A) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return 0, os.ErrClosed
	}
	if off < 0 {
		return 0, os.ErrInvalid
	}
	if int64(off) >= int64(len(f.dat)) {
		return 0, io.EOF
	}
	n := copy(p, f.dat[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (f *MemFile[A]) WriteAt(p []byte, off A) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return 0, os.ErrClosed
	}
	if off < 0 {
		return 0, os.ErrInvalid
	}
	if end := int(off) + len(p); end > len(f.dat) {
		f.grow(end)
	}
	return copy(f.dat[off:], p), nil
}

func (f *MemFile[A]) grow(size int) {
	if size <= cap(f.dat) {
		f.dat = f.dat[:size]
		return
	}
	dat := make([]byte, size, 2*size)
	copy(dat, f.dat)
	f.dat = dat
}

func (f *MemFile[A]) Sync() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return os.ErrClosed
	}
	return nil
}

func (f *MemFile[A]) Truncate(size A) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return os.ErrClosed
	}
	if size < 0 {
		return os.ErrInvalid
	}
	if int(size) > len(f.dat) {
		f.grow(int(size))
		return nil
	}
	clear(f.dat[size:])
	f.dat = f.dat[:size]
	return nil
}
