// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package rctree implements the refcount index proper on top of an
// rcstore.Store: range adjustment with boundary split/merge, CoW
// staging records, the shared-extent query, and the dispatcher that
// finishes one deferred operation.
package rctree

import (
	"context"
	"errors"
	"fmt"

	"git.lukeshu.com/refcount-ng/lib/refcount/rcfault"
	"git.lukeshu.com/refcount-ng/lib/refcount/rcprim"
	"git.lukeshu.com/refcount-ng/lib/refcount/rcstore"
)

// Freer receives blocks whose share count drops to zero.
type Freer interface {
	FreeExtent(ctx context.Context, tx rcprim.Tx, ag rcprim.AGNumber, start rcprim.AGBlock, length rcprim.ExtLen, owner rcprim.Owner) error
}

// OwnerMap is the reverse mapping.
type OwnerMap interface {
	AddOwner(ctx context.Context, tx rcprim.Tx, ag rcprim.AGNumber, start rcprim.AGBlock, length rcprim.ExtLen, owner rcprim.Owner) error
	RemoveOwner(ctx context.Context, tx rcprim.Tx, ag rcprim.AGNumber, start rcprim.AGBlock, length rcprim.ExtLen, owner rcprim.Owner) error
}

// Trans is what the index needs from a transaction.
type Trans interface {
	rcprim.Tx
	// LogRes is the number of log bytes reserved for the
	// transaction.
	LogRes() int
}

// Env is everything the index operations touch besides the cursor.
type Env struct {
	Geometry rcprim.Geometry
	Store    rcstore.Store
	Free     Freer
	// Rmap is nil when reverse mapping is disabled.
	Rmap   OwnerMap
	Faults rcfault.Injector
}

// Cursor is an rcstore.Cursor plus the bookkeeping that the adjuster
// keeps for the life of a transaction.
type Cursor struct {
	env *Env
	tx  Trans
	cur rcstore.Cursor

	nrOps        int
	shapeChanges int
}

// OpenCursor opens a cursor on one AG, taking the AG lock through
// tx.
func (env *Env) OpenCursor(ctx context.Context, tx Trans, ag rcprim.AGNumber) (*Cursor, error) {
	if ag >= env.Geometry.AGCount {
		return nil, fmt.Errorf("rctree: ag %v out of range [0,%v)", ag, env.Geometry.AGCount)
	}
	cur, err := env.Store.OpenCursor(ctx, tx, ag)
	if err != nil {
		return nil, err
	}
	return &Cursor{
		env: env,
		tx:  tx,
		cur: cur,
	}, nil
}

func (c *Cursor) AG() rcprim.AGNumber { return c.cur.AG() }
func (c *Cursor) Tx() Trans           { return c.tx }
func (c *Cursor) Env() *Env           { return c.env }

// NrOps is the number of index records changed through the cursor.
func (c *Cursor) NrOps() int { return c.nrOps }

// ShapeChanges is the number of adjustments that split or merged
// records.
func (c *Cursor) ShapeChanges() int { return c.shapeChanges }

// carry moves the budget bookkeeping of another cursor (in the same
// transaction) to c.
func (c *Cursor) carry(from *Cursor) {
	c.nrOps = from.nrOps
	c.shapeChanges = from.shapeChanges
}

func (c *Cursor) Close() { c.cur.Close() }

func (c *Cursor) corruptf(format string, args ...any) error {
	return rcprim.Corruptf(c.AG(), format, args...)
}

// storeErr turns a store rejection into corruption.
func (c *Cursor) storeErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, rcprim.ErrCorrupt) {
		return err
	}
	return &rcprim.CorruptError{AG: c.AG(), Msg: "refcount " + op, Err: err}
}

func (c *Cursor) LookupLE(bno rcprim.AGBlock) (bool, error) {
	ok, err := c.cur.LookupLE(bno)
	return ok, c.storeErr("lookup", err)
}

func (c *Cursor) LookupGE(bno rcprim.AGBlock) (bool, error) {
	ok, err := c.cur.LookupGE(bno)
	return ok, c.storeErr("lookup", err)
}

func (c *Cursor) Increment() (bool, error) {
	ok, err := c.cur.Increment()
	return ok, c.storeErr("increment", err)
}

func (c *Cursor) Decrement() (bool, error) {
	ok, err := c.cur.Decrement()
	return ok, c.storeErr("decrement", err)
}

// Get returns the record at the cursor.  A record that could not
// have been written is corruption.
func (c *Cursor) Get() (rcprim.Record, bool, error) {
	rec, ok, err := c.cur.Get()
	if err != nil || !ok {
		return rec, ok, c.storeErr("get", err)
	}
	if rec.Len == 0 || rec.Count == 0 || uint64(rec.Start)+uint64(rec.Len) > uint64(c.env.Geometry.AGBlocks) {
		return rec, false, c.corruptf("bad refcount record %v", rec)
	}
	return rec, true, nil
}

// mustGet is Get for a cursor that the caller knows is at a record.
func (c *Cursor) mustGet() (rcprim.Record, error) {
	rec, ok, err := c.Get()
	if err != nil {
		return rec, err
	}
	if !ok {
		return rec, c.corruptf("expected a refcount record at the cursor")
	}
	return rec, nil
}

// Insert adds rec.  It returns false if a record with the same start
// exists.
func (c *Cursor) Insert(rec rcprim.Record) (bool, error) {
	ok, err := c.cur.Insert(rec)
	return ok, c.storeErr(fmt.Sprintf("insert %v", rec), err)
}

// mustInsert is Insert where a duplicate is corruption.
func (c *Cursor) mustInsert(rec rcprim.Record) error {
	ok, err := c.Insert(rec)
	if err != nil {
		return err
	}
	if !ok {
		return c.corruptf("refcount insert %v: %v", rec, rcstore.ErrDuplicate)
	}
	return nil
}

func (c *Cursor) Update(rec rcprim.Record) error {
	return c.storeErr(fmt.Sprintf("update %v", rec), c.cur.Update(rec))
}

// Delete removes the record at the cursor and positions at the one
// after it.
func (c *Cursor) Delete() (bool, error) {
	ok, err := c.cur.Delete()
	return ok, c.storeErr("delete", err)
}

// mustDelete is Delete where a missing record is corruption.
func (c *Cursor) mustDelete() error {
	ok, err := c.Delete()
	if err != nil {
		return err
	}
	if !ok {
		return c.corruptf("refcount delete: %v", rcstore.ErrNotFound)
	}
	return nil
}
