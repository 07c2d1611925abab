// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package rctree_test

import (
	"context"
	"math"
	"testing"

	"github.com/datawire/dlib/dlog"
	"github.com/stretchr/testify/require"

	"git.lukeshu.com/refcount-ng/lib/refcount/freespace"
	"git.lukeshu.com/refcount-ng/lib/refcount/rcfault"
	"git.lukeshu.com/refcount-ng/lib/refcount/rcprim"
	"git.lukeshu.com/refcount-ng/lib/refcount/rcstore"
	"git.lukeshu.com/refcount-ng/lib/refcount/rctree"
	"git.lukeshu.com/refcount-ng/lib/refcount/rmap"
)

// txn is a transaction that just keeps its journal.
type txn struct {
	logRes int
	muts   []rcprim.Mutation
}

func newTxn(logRes int) *txn {
	if logRes == 0 {
		logRes = math.MaxInt32
	}
	return &txn{logRes: logRes}
}

func (*txn) LockAG(context.Context, rcprim.AGNumber) error { return nil }
func (t *txn) Record(m rcprim.Mutation)                    { t.muts = append(t.muts, m) }
func (t *txn) LogRes() int                                 { return t.logRes }

var geom = rcprim.Geometry{AGCount: 2, AGBlocks: 1000, BlockSize: 4096}

// inUse is how many blocks at the start of each AG begin allocated.
const inUse = 500

type fixture struct {
	ctx   context.Context
	store *rcstore.MemStore
	free  *freespace.Space
	rmap  *rmap.Tree
	env   *rctree.Env
}

func rec(start rcprim.AGBlock, length rcprim.ExtLen, count rcprim.Refcount) rcprim.Record {
	return rcprim.Record{Start: start, Len: length, Count: count}
}

func ext(start rcprim.AGBlock, length rcprim.ExtLen) rcprim.Extent {
	return rcprim.Extent{Start: start, Len: length}
}

func newFixture(t testing.TB, faults rcfault.Injector, recs ...rcprim.Record) *fixture {
	t.Helper()
	ctx := dlog.NewTestContext(t, false)
	f := &fixture{
		ctx:   ctx,
		store: rcstore.NewMemStore(geom.AGCount),
		free:  freespace.New(geom),
		rmap:  rmap.New(geom.AGCount),
	}
	f.env = &rctree.Env{
		Geometry: geom,
		Store:    f.store,
		Free:     f.free,
		Rmap:     f.rmap,
		Faults:   faults,
	}
	for ag := rcprim.AGNumber(0); ag < geom.AGCount; ag++ {
		require.NoError(t, f.free.AllocExact(ctx, newTxn(0), ag, 0, inUse))
	}
	require.NoError(t, f.store.Load(0, recs))
	return f
}

func (f *fixture) open(t testing.TB, tx rctree.Trans, ag rcprim.AGNumber) *rctree.Cursor {
	t.Helper()
	cur, err := f.env.OpenCursor(f.ctx, tx, ag)
	require.NoError(t, err)
	t.Cleanup(cur.Close)
	return cur
}

func (f *fixture) records(t testing.TB, ag rcprim.AGNumber) []rcprim.Record {
	t.Helper()
	recs, err := f.store.Records(ag)
	require.NoError(t, err)
	return recs
}

func (f *fixture) freeExtents(t testing.TB, ag rcprim.AGNumber) []rcprim.Extent {
	t.Helper()
	exts, err := f.free.Extents(ag)
	require.NoError(t, err)
	return exts
}

// adjustAll runs an adjustment to completion, one transaction (with
// the given log reservation) at a time.  It returns the number of
// transactions it took.
func (f *fixture) adjustAll(t testing.TB, logRes int, bno rcprim.AGBlock, length rcprim.ExtLen, op rcprim.Op) int {
	t.Helper()
	rest := ext(bno, length)
	rounds := 0
	for rest.Len > 0 {
		rounds++
		require.Less(t, rounds, 10000, "no progress on %v", rest)
		cur := f.open(t, newTxn(logRes), 0)
		adj, err := rctree.Adjust(f.ctx, cur, rest.Start, rest.Len, op, rcprim.OwnerUnknown)
		cur.Close()
		require.NoError(t, err)
		require.Equal(t, rest.Len, adj.Done+adj.Rest.Len)
		rest = adj.Rest
	}
	return rounds
}
