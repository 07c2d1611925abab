// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package rcdefer queues refcount adjustments against a transaction
// and finishes them through intent/done log item pairs, rolling the
// transaction as the log reservation runs out.
package rcdefer

import (
	"context"
	"fmt"

	"github.com/datawire/dlib/dlog"

	"git.lukeshu.com/refcount-ng/lib/refcount/rclog"
	"git.lukeshu.com/refcount-ng/lib/refcount/rcprim"
	"git.lukeshu.com/refcount-ng/lib/refcount/rctrans"
	"git.lukeshu.com/refcount-ng/lib/refcount/rctree"
	"git.lukeshu.com/refcount-ng/lib/slices"
)

// Request is one queued refcount adjustment.
type Request struct {
	Op    rcprim.Op      `json:"op"`
	Start rcprim.FSBlock `json:"start"`
	Len   rcprim.ExtLen  `json:"len"`
}

func (r Request) String() string {
	return fmt.Sprintf("%v %v+%d", r.Op, r.Start, r.Len)
}

// Validate checks that the request names a known op and a non-empty
// extent that lies within a single AG.
func (r Request) Validate(geom rcprim.Geometry) error {
	if !r.Op.Valid() {
		return fmt.Errorf("rcdefer: %v: unknown op", r)
	}
	if r.Len == 0 {
		return fmt.Errorf("rcdefer: %v: zero length", r)
	}
	if !geom.ValidFSB(r.Start) {
		return fmt.Errorf("rcdefer: %v: start out of range", r)
	}
	if !geom.ValidExtent(geom.AGOf(r.Start), geom.AGBlockOf(r.Start), r.Len) {
		return fmt.Errorf("rcdefer: %v: extent crosses the end of its ag", r)
	}
	return nil
}

// Ops is the deferred list of one transaction chain.  It is not safe
// for concurrent use.
type Ops struct {
	env     *rctree.Env
	pending []Request
}

func New(env *rctree.Env) *Ops {
	return &Ops{env: env}
}

// Add queues requests.  Nothing is queued if any of them is invalid.
func (o *Ops) Add(reqs ...Request) error {
	for _, req := range reqs {
		if err := req.Validate(o.env.Geometry); err != nil {
			return err
		}
	}
	o.pending = append(o.pending, reqs...)
	return nil
}

// Len is the number of queued requests.
func (o *Ops) Len() int { return len(o.pending) }

// Pending returns the queued requests.  It must not be modified.
func (o *Ops) Pending() []Request { return o.pending }

func (o *Ops) agOf(req Request) rcprim.AGNumber {
	return o.env.Geometry.AGOf(req.Start)
}

// nextBatch takes up to limit requests off the front of the list,
// after sorting it by AG so that the AG locks are taken in order.
func (o *Ops) nextBatch(limit int) []Request {
	slices.StableSortBy(o.pending, o.agOf)
	n := slices.Min(limit, len(o.pending))
	batch := append([]Request(nil), o.pending[:n]...)
	o.pending = append(o.pending[:0], o.pending[n:]...)
	return batch
}

// Finish processes the list until it is empty.  For each batch it logs
// an intent in the current transaction, rolls, and then carries out
// the batch in the new transaction alongside the matching done item;
// whatever a request leaves undone is queued again, to go out in a
// fresh intent in that same transaction.
//
// Finish returns the transaction that the caller must now commit or
// cancel.  On error the remaining requests are dropped.
func (o *Ops) Finish(ctx context.Context, tx *rctrans.Trans) (*rctrans.Trans, error) {
	pool := tx.Pool()
	for len(o.pending) > 0 {
		batch := o.nextBatch(pool.MaxFast())

		intent, err := pool.NewIntent(len(batch))
		if err != nil {
			o.pending = nil
			return tx, err
		}
		for _, req := range batch {
			intent.LogExtent(req.Op, req.Start, req.Len)
		}
		tx.AddItem(intent)
		tx.MarkDirty()
		dlog.Tracef(ctx, "tx %d: logged %v", tx.ID(), intent)

		next, err := tx.Roll(ctx)
		if err != nil {
			o.pending = nil
			return tx, err
		}
		tx = next

		done, err := pool.NewDone(intent)
		if err != nil {
			// The intent is in the log; recovery will finish it.
			o.pending = nil
			return tx, err
		}
		tx.AddItem(done)

		if err := o.finishBatch(ctx, tx, done, batch); err != nil {
			o.pending = nil
			return tx, err
		}
	}
	return tx, nil
}

func (o *Ops) finishBatch(ctx context.Context, tx *rctrans.Trans, done *rclog.DoneItem, batch []Request) error {
	ctx = dlog.WithField(ctx, "refcount.tx", tx.ID())
	fin := o.env.NewFinisher(tx)
	defer fin.Close()
	for _, req := range batch {
		// A failed finish leaves the intent unfinished, so the
		// transaction must not cancel clean.
		tx.MarkDirty()
		adj, err := fin.FinishOne(ctx, req.Op, req.Start, req.Len, rcprim.OwnerUnknown)
		if err != nil {
			return fmt.Errorf("%v: %w", req, err)
		}
		done.LogExtent(req.Op, req.Start, adj.Done)
		if !adj.Complete() {
			rest := Request{
				Op:    req.Op,
				Start: o.env.Geometry.FSB(o.agOf(req), adj.Rest.Start),
				Len:   adj.Rest.Len,
			}
			dlog.Debugf(ctx, "%v: partial, requeueing %v", req, rest)
			o.pending = append(o.pending, rest)
		}
	}
	return nil
}

// Requeue queues a request without validating it; recovery uses it
// for the untouched tail of an intent it has already validated.
func (o *Ops) Requeue(req Request) {
	o.pending = append(o.pending, req)
}
