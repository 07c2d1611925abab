// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package rcprim

import (
	"errors"
	"fmt"
)

var (
	// ErrCorrupt means an invariant of an on-disk structure was
	// violated.  It is never retried; the mount shuts down.
	ErrCorrupt = errors.New("structure needs cleaning")
	// ErrNoMem means a log item could not be allocated.
	ErrNoMem = errors.New("cannot allocate memory")
	// ErrIO means the log or a buffer could not be read or
	// written.
	ErrIO = errors.New("input/output error")
	// ErrShutdown is returned by every operation on a mount that
	// has been shut down.
	ErrShutdown = errors.New("filesystem has been shut down")
)

// CorruptError describes where a corruption was detected.
type CorruptError struct {
	AG  AGNumber
	Msg string
	Err error
}

func (e *CorruptError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("ag %d: %s: %v", e.AG, e.Msg, e.Err)
	}
	return fmt.Sprintf("ag %d: %s", e.AG, e.Msg)
}

// Is makes errors.Is(err, ErrCorrupt) hold for every CorruptError.
func (e *CorruptError) Is(target error) bool { return target == ErrCorrupt }

func (e *CorruptError) Unwrap() error { return e.Err }

// Corruptf builds a CorruptError.
func Corruptf(ag AGNumber, format string, args ...any) error {
	return &CorruptError{
		AG:  ag,
		Msg: fmt.Sprintf(format, args...),
	}
}

// IOError wraps an underlying I/O failure so that it matches ErrIO.
type IOError struct {
	Op  string
	Err error
}

func (e *IOError) Error() string {
	if e.Err == nil {
		return e.Op + ": " + ErrIO.Error()
	}
	return e.Op + ": " + e.Err.Error()
}

func (e *IOError) Is(target error) bool { return target == ErrIO }

func (e *IOError) Unwrap() error { return e.Err }
