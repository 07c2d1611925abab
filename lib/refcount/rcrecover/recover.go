// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package rcrecover finishes the refcount intents that a crash left
// without done items, and reclaims the CoW staging extents that
// nothing will ever remap.
package rcrecover

import (
	"context"
	"fmt"
	"time"

	"github.com/datawire/dlib/derror"
	"github.com/datawire/dlib/dlog"

	"git.lukeshu.com/refcount-ng/lib/refcount/rcdefer"
	"git.lukeshu.com/refcount-ng/lib/refcount/rclog"
	"git.lukeshu.com/refcount-ng/lib/refcount/rcprim"
	"git.lukeshu.com/refcount-ng/lib/refcount/rctrans"
	"git.lukeshu.com/refcount-ng/lib/refcount/rctree"
	"git.lukeshu.com/refcount-ng/lib/textui"
)

type Driver struct {
	Manager *rctrans.Manager
	Env     *rctree.Env
}

type recoverStats struct {
	textui.Portion[int]
	Failed int
}

func (s recoverStats) String() string {
	return textui.Sprintf("recovering intents: %v (%d failed)", s.Portion, s.Failed)
}

// checkExtent validates one logged extent.
func checkExtent(geom rcprim.Geometry, ext rclog.PhysExtent) error {
	switch {
	case ext.Flags.Unknown() != 0:
		return fmt.Errorf("unknown flags %#x", uint32(ext.Flags.Unknown()))
	case !ext.Flags.Op().Valid():
		return fmt.Errorf("unknown op %d", uint8(ext.Flags.Op()))
	case ext.Len == 0:
		return fmt.Errorf("zero length")
	case !geom.ValidFSB(ext.Start):
		return fmt.Errorf("start out of range")
	case uint64(ext.Len) >= uint64(geom.AGBlocks):
		return fmt.Errorf("length is not less than the ag size")
	case !geom.ValidExtent(geom.AGOf(ext.Start), geom.AGBlockOf(ext.Start), ext.Len):
		return fmt.Errorf("crosses the end of its ag")
	}
	return nil
}

// RecoverIntent finishes one intent in a transaction of its own.  An
// intent with any invalid extent is thrown away whole, and an I/O
// error is returned.  After a successful recovery the intent is
// released; otherwise it stays in the AIL.
func (d *Driver) RecoverIntent(ctx context.Context, it *rclog.IntentItem) error {
	if it.IsRecovered() {
		return nil
	}
	ctx = dlog.WithField(ctx, "refcount.recover.intent", it.ID())

	reqs := make([]rcdefer.Request, 0, len(it.Extents()))
	for i, ext := range it.Extents() {
		if err := checkExtent(d.Env.Geometry, ext); err != nil {
			dlog.Errorf(ctx, "discarding intent: extent %d (%v): %v", i, ext, err)
			it.MarkRecovered()
			it.Abort()
			return &rcprim.IOError{
				Op:  fmt.Sprintf("recover intent %d: extent %d (%v)", it.ID(), i, ext),
				Err: err,
			}
		}
		reqs = append(reqs, rcdefer.Request{Op: ext.Flags.Op(), Start: ext.Start, Len: ext.Len})
	}

	tx, err := d.Manager.Begin(ctx)
	if err != nil {
		return err
	}
	done, err := tx.Pool().NewDone(it)
	if err != nil {
		tx.Cancel(ctx)
		return err
	}
	tx.AddItem(done)

	ops := rcdefer.New(d.Env)
	if err := d.replay(ctx, tx, done, ops, reqs); err != nil {
		tx.Cancel(ctx)
		return fmt.Errorf("recover intent %d: %w", it.ID(), err)
	}
	tx, err = ops.Finish(ctx, tx)
	if err != nil {
		tx.Cancel(ctx)
		return fmt.Errorf("recover intent %d: %w", it.ID(), err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("recover intent %d: %w", it.ID(), err)
	}
	it.MarkRecovered()
	it.Release(rclog.HolderLog)
	dlog.Infof(ctx, "recovered %d extents", len(reqs))
	return nil
}

// replay carries out reqs until one of them comes up short; that
// one's remainder and everything after it go to ops untouched.
func (d *Driver) replay(ctx context.Context, tx *rctrans.Trans, done *rclog.DoneItem, ops *rcdefer.Ops, reqs []rcdefer.Request) error {
	fin := d.Env.NewFinisher(tx)
	defer fin.Close()
	requeue := false
	for _, req := range reqs {
		if requeue {
			ops.Requeue(req)
			continue
		}
		tx.MarkDirty()
		adj, err := fin.FinishOne(ctx, req.Op, req.Start, req.Len, rcprim.OwnerUnknown)
		if err != nil {
			return fmt.Errorf("%v: %w", req, err)
		}
		done.LogExtent(req.Op, req.Start, adj.Done)
		if !adj.Complete() {
			requeue = true
			ops.Requeue(rcdefer.Request{
				Op:    req.Op,
				Start: d.Env.Geometry.FSB(d.Env.Geometry.AGOf(req.Start), adj.Rest.Start),
				Len:   adj.Rest.Len,
			})
		}
	}
	return nil
}

// RecoverIntents recovers each intent in turn.  A failure does not
// stop the others from being tried; the errors are returned together.
func (d *Driver) RecoverIntents(ctx context.Context, intents []*rclog.IntentItem) error {
	progressWriter := textui.NewProgress[recoverStats](ctx, dlog.LogLevelInfo, textui.Tunable(1*time.Second))
	defer progressWriter.Done()
	stats := recoverStats{Portion: textui.Portion[int]{D: len(intents)}}
	progressWriter.Set(stats)

	var errs derror.MultiError
	for _, it := range intents {
		if err := d.RecoverIntent(ctx, it); err != nil {
			dlog.Errorf(ctx, "rcrecover: %v", err)
			errs = append(errs, err)
			stats.Failed++
		}
		stats.N++
		progressWriter.Set(stats)
	}
	if len(errs) > 0 {
		return errs
	}
	return nil
}

// ReclaimCow returns every CoW staging extent in the filesystem to
// free space.  It must run after intent recovery, when the only
// staging records left belong to writes that will never complete.
// Each extent is unstaged and then decreased from its implicit count
// of 1 to 0, in one intent, so that a crash part way through is
// finished by the next recovery.  It returns the number of blocks
// reclaimed.
func (d *Driver) ReclaimCow(ctx context.Context) (uint64, error) {
	var total uint64
	for ag := rcprim.AGNumber(0); ag < d.Env.Geometry.AGCount; ag++ {
		n, err := d.reclaimAG(ctx, ag)
		total += n
		if err != nil {
			return total, err
		}
	}
	if total > 0 {
		dlog.Infof(ctx, "rcrecover: reclaimed %v CoW staging blocks", textui.Humanized(total))
	}
	return total, nil
}

func (d *Driver) reclaimAG(ctx context.Context, ag rcprim.AGNumber) (uint64, error) {
	ctx = dlog.WithField(ctx, "refcount.ag", ag)
	tx, err := d.Manager.Begin(ctx)
	if err != nil {
		return 0, err
	}
	cur, err := d.Env.OpenCursor(ctx, tx, ag)
	if err != nil {
		tx.Cancel(ctx)
		return 0, err
	}
	staging, err := rctree.StagingExtents(cur)
	cur.Close()
	if err != nil {
		tx.Cancel(ctx)
		return 0, err
	}
	if len(staging) == 0 {
		tx.Cancel(ctx)
		return 0, nil
	}

	var n uint64
	ops := rcdefer.New(d.Env)
	for _, ext := range staging {
		dlog.Debugf(ctx, "reclaiming CoW staging extent %v", ext)
		start := d.Env.Geometry.FSB(ag, ext.Start)
		if err := ops.Add(
			rcdefer.Request{Op: rcprim.OpFreeCow, Start: start, Len: ext.Len},
			rcdefer.Request{Op: rcprim.OpDecrease, Start: start, Len: ext.Len},
		); err != nil {
			tx.Cancel(ctx)
			return 0, err
		}
		n += uint64(ext.Len)
	}
	tx, err = ops.Finish(ctx, tx)
	if err != nil {
		tx.Cancel(ctx)
		return 0, err
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}
	return n, nil
}
