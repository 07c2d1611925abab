// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package rctree

import (
	"context"
	"fmt"

	"github.com/datawire/dlib/dlog"

	"git.lukeshu.com/refcount-ng/lib/refcount/rcfault"
	"git.lukeshu.com/refcount-ng/lib/refcount/rcprim"
)

// Finisher processes deferred operations one at a time within a
// transaction, keeping its cursor (and with it the log-space
// bookkeeping) between calls.
type Finisher struct {
	env *Env
	tx  Trans
	cur *Cursor
}

func (env *Env) NewFinisher(tx Trans) *Finisher {
	return &Finisher{
		env: env,
		tx:  tx,
	}
}

// Cursor returns the current cursor, or nil if none is open.
func (f *Finisher) Cursor() *Cursor { return f.cur }

// FinishOne carries out one deferred operation on the filesystem
// extent [start, start+length).  For increases and decreases the
// result may be partial; CoW operations are all or nothing.
func (f *Finisher) FinishOne(ctx context.Context, op rcprim.Op, start rcprim.FSBlock, length rcprim.ExtLen, owner rcprim.Owner) (Adjustment, error) {
	geom := f.env.Geometry
	ag, bno := geom.AGOf(start), geom.AGBlockOf(start)
	ctx = dlog.WithField(ctx, "refcount.ag", ag)
	dlog.Tracef(ctx, "finish %v [%d,+%d)", op, bno, length)

	if rcfault.Inject(f.env.Faults, rcfault.TagFinishOne) {
		return Adjustment{}, &rcprim.IOError{Op: fmt.Sprintf("finish %v %v+%d", op, start, length)}
	}

	var prev *Cursor
	if f.cur != nil && f.cur.AG() != ag {
		prev = f.cur
		f.Close()
	}
	if f.cur == nil {
		cur, err := f.env.OpenCursor(ctx, f.tx, ag)
		if err != nil {
			return Adjustment{}, err
		}
		if prev != nil {
			cur.carry(prev)
		}
		f.cur = cur
	}

	switch op {
	case rcprim.OpIncrease, rcprim.OpDecrease:
		return Adjust(ctx, f.cur, bno, length, op, owner)
	case rcprim.OpAllocCow:
		if err := StageCow(ctx, f.cur, bno, length); err != nil {
			return Adjustment{}, err
		}
		return Adjustment{Done: length}, nil
	case rcprim.OpFreeCow:
		if err := UnstageCow(ctx, f.cur, bno, length); err != nil {
			return Adjustment{}, err
		}
		return Adjustment{Done: length}, nil
	default:
		return Adjustment{}, rcprim.Corruptf(ag, "unknown refcount op %v", op)
	}
}

// Close closes the cursor.  The transaction keeps the AG locks.
func (f *Finisher) Close() {
	if f.cur != nil {
		f.cur.Close()
		f.cur = nil
	}
}
