// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package rcdefer_test

import (
	"context"
	"testing"

	"github.com/datawire/dlib/dlog"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"git.lukeshu.com/refcount-ng/lib/diskio"
	"git.lukeshu.com/refcount-ng/lib/refcount/freespace"
	"git.lukeshu.com/refcount-ng/lib/refcount/rcdefer"
	"git.lukeshu.com/refcount-ng/lib/refcount/rcfault"
	"git.lukeshu.com/refcount-ng/lib/refcount/rclog"
	"git.lukeshu.com/refcount-ng/lib/refcount/rcprim"
	"git.lukeshu.com/refcount-ng/lib/refcount/rcstore"
	"git.lukeshu.com/refcount-ng/lib/refcount/rctrans"
	"git.lukeshu.com/refcount-ng/lib/refcount/rctree"
	"git.lukeshu.com/refcount-ng/lib/refcount/rmap"
)

var geom = rcprim.Geometry{AGCount: 2, AGBlocks: 1000, BlockSize: 4096}

const inUse = 500

type fixture struct {
	ctx   context.Context
	log   *rclog.Log
	pool  *rclog.ItemPool
	mgr   *rctrans.Manager
	store *rcstore.MemStore
	free  *freespace.Space
	env   *rctree.Env
}

type options struct {
	logRes  int
	maxFast int
	faults  rcfault.Injector
}

func newFixture(t *testing.T, opts options) *fixture {
	t.Helper()
	ctx := dlog.NewTestContext(t, false)
	lg, err := rclog.Open(ctx, diskio.NewMemFile[int64]("log"), uuid.New(), nil)
	require.NoError(t, err)
	f := &fixture{
		ctx:   ctx,
		log:   lg,
		pool:  rclog.NewItemPool(opts.maxFast, opts.faults),
		store: rcstore.NewMemStore(geom.AGCount),
		free:  freespace.New(geom),
	}
	rm := rmap.New(geom.AGCount)
	f.mgr = rctrans.NewManager(lg, f.pool, geom.AGCount, opts.logRes, map[rcprim.Tree]rcprim.Applier{
		rcprim.TreeRefcount: f.store,
		rcprim.TreeFree:     f.free,
		rcprim.TreeRmap:     rm,
	})
	f.env = &rctree.Env{
		Geometry: geom,
		Store:    f.store,
		Free:     f.free,
		Rmap:     rm,
		Faults:   opts.faults,
	}
	for ag := rcprim.AGNumber(0); ag < geom.AGCount; ag++ {
		require.NoError(t, f.free.Load(ag, []rcprim.Extent{{Start: inUse, Len: rcprim.ExtLen(geom.AGBlocks - inUse)}}))
	}
	return f
}

func rec(start rcprim.AGBlock, length rcprim.ExtLen, count rcprim.Refcount) rcprim.Record {
	return rcprim.Record{Start: start, Len: length, Count: count}
}

func req(op rcprim.Op, ag rcprim.AGNumber, start rcprim.AGBlock, length rcprim.ExtLen) rcdefer.Request {
	return rcdefer.Request{Op: op, Start: geom.FSB(ag, start), Len: length}
}

func (f *fixture) records(t *testing.T, ag rcprim.AGNumber) []rcprim.Record {
	t.Helper()
	recs, err := f.store.Records(ag)
	require.NoError(t, err)
	return recs
}

// run queues reqs in a fresh transaction, finishes them, and commits.
func (f *fixture) run(t *testing.T, reqs ...rcdefer.Request) error {
	t.Helper()
	tx, err := f.mgr.Begin(f.ctx)
	require.NoError(t, err)
	ops := rcdefer.New(f.env)
	require.NoError(t, ops.Add(reqs...))
	tx, err = ops.Finish(f.ctx, tx)
	if err != nil {
		tx.Cancel(f.ctx)
		return err
	}
	return tx.Commit(f.ctx)
}

// items returns every intent and done item in the log, in log order.
func (f *fixture) items(t *testing.T) (intents, dones []rclog.ItemFormat) {
	t.Helper()
	require.NoError(t, f.log.Frames(f.ctx, 0, func(frame *rclog.Frame) error {
		intents = append(intents, frame.Intents()...)
		dones = append(dones, frame.Dones()...)
		return nil
	}))
	return intents, dones
}

func TestFinish(t *testing.T) {
	t.Parallel()
	f := newFixture(t, options{})
	require.NoError(t, f.run(t,
		req(rcprim.OpIncrease, 1, 10, 10),
		req(rcprim.OpIncrease, 0, 20, 10),
		req(rcprim.OpAllocCow, 1, 600, 8),
		req(rcprim.OpIncrease, 0, 25, 10),
	))
	assert.Equal(t, []rcprim.Record{rec(20, 5, 2), rec(25, 5, 3), rec(30, 5, 2)}, f.records(t, 0))
	assert.Equal(t, []rcprim.Record{rec(10, 10, 2), rec(600, 8, 1)}, f.records(t, 1))

	intents, dones := f.items(t)
	require.Len(t, intents, 1)
	require.Len(t, dones, 1)
	assert.Equal(t, intents[0].Header.ID, dones[0].Header.ID)
	// Sorted by AG, stably.
	assert.Equal(t, []rclog.PhysExtent{
		rclog.MakeExtent(rcprim.OpIncrease, geom.FSB(0, 20), 10),
		rclog.MakeExtent(rcprim.OpIncrease, geom.FSB(0, 25), 10),
		rclog.MakeExtent(rcprim.OpIncrease, geom.FSB(1, 10), 10),
		rclog.MakeExtent(rcprim.OpAllocCow, geom.FSB(1, 600), 8),
	}, intents[0].Extents)
	assert.Equal(t, intents[0].Extents, dones[0].Extents)

	assert.Zero(t, f.log.AIL().Len())
	assert.Zero(t, f.pool.Live())
}

func TestFinishBatches(t *testing.T) {
	t.Parallel()
	f := newFixture(t, options{maxFast: 2})
	var reqs []rcdefer.Request
	for i := rcprim.AGBlock(0); i < 5; i++ {
		reqs = append(reqs, req(rcprim.OpIncrease, 0, 10*i, 5))
	}
	require.NoError(t, f.run(t, reqs...))
	assert.Len(t, f.records(t, 0), 5)

	intents, dones := f.items(t)
	require.Len(t, intents, 3)
	require.Len(t, dones, 3)
	for i := range intents {
		assert.Equal(t, intents[i].Header.ID, dones[i].Header.ID)
		assert.Equal(t, intents[i].Extents, dones[i].Extents)
	}
	assert.Len(t, intents[2].Extents, 1)
	assert.Zero(t, f.log.AIL().Len())
	assert.Zero(t, f.pool.Live())
}

func TestFinishRolls(t *testing.T) {
	t.Parallel()
	f := newFixture(t, options{
		logRes: rctree.ShapeChangeLogCost + 2*rctree.RecordLogCost + 1,
	})
	var recs, exp []rcprim.Record
	for i := rcprim.AGBlock(0); i < 20; i++ {
		recs = append(recs, rec(100+i, 1, 2+rcprim.Refcount(i%2)))
		exp = append(exp, rec(100+i, 1, 3+rcprim.Refcount(i%2)))
	}
	require.NoError(t, f.store.Load(0, recs))

	require.NoError(t, f.run(t, req(rcprim.OpIncrease, 0, 100, 20)))
	assert.Equal(t, exp, f.records(t, 0))

	intents, dones := f.items(t)
	require.Greater(t, len(intents), 1)
	require.Len(t, dones, len(intents))
	var total rcprim.ExtLen
	for i := range intents {
		require.Len(t, intents[i].Extents, 1)
		require.Len(t, dones[i].Extents, 1)
		assert.Equal(t, intents[i].Header.ID, dones[i].Header.ID)
		want := intents[i].Extents[0]
		got := dones[i].Extents[0]
		assert.Equal(t, want.Start, got.Start)
		if i+1 < len(intents) {
			// Each remainder picks up where the last one stopped.
			next := intents[i+1].Extents[0]
			assert.Equal(t, want.Start+rcprim.FSBlock(got.Len), next.Start)
			assert.Equal(t, want.Len-got.Len, next.Len)
		}
		total += got.Len
	}
	assert.Equal(t, rcprim.ExtLen(20), total)
	assert.Zero(t, f.log.AIL().Len())
	assert.Zero(t, f.pool.Live())
}

func TestFinishFault(t *testing.T) {
	t.Parallel()
	f := newFixture(t, options{faults: rcfault.Always{rcfault.TagFinishOne}})
	err := f.run(t, req(rcprim.OpIncrease, 0, 10, 10))
	assert.ErrorIs(t, err, rcprim.ErrIO)
	assert.Empty(t, f.records(t, 0))

	// The intent made it to the log, its done item did not.
	intents, dones := f.items(t)
	assert.Len(t, intents, 1)
	assert.Empty(t, dones)

	_, down := f.mgr.IsShutdown()
	assert.True(t, down)
	_, err = f.mgr.Begin(f.ctx)
	assert.ErrorIs(t, err, rcprim.ErrShutdown)
}

func TestFinishAllocFault(t *testing.T) {
	t.Parallel()
	f := newFixture(t, options{faults: rcfault.Always{rcfault.TagItemAlloc}})
	err := f.run(t, req(rcprim.OpIncrease, 0, 10, 10))
	assert.ErrorIs(t, err, rcprim.ErrNoMem)
	intents, _ := f.items(t)
	assert.Empty(t, intents)
	assert.Zero(t, f.pool.Live())
}

func TestAdd(t *testing.T) {
	t.Parallel()
	f := newFixture(t, options{})
	type TestCase struct {
		Req rcdefer.Request
		OK  bool
	}
	testcases := map[string]TestCase{
		"ok":        {Req: req(rcprim.OpDecrease, 1, 0, 1000), OK: true},
		"bad-op":    {Req: req(rcprim.Op(9), 0, 0, 1)},
		"zero-len":  {Req: req(rcprim.OpIncrease, 0, 0, 0)},
		"cross-ag":  {Req: req(rcprim.OpIncrease, 0, 990, 30)},
		"past-end":  {Req: req(rcprim.OpIncrease, 2, 0, 1)},
		"bad-block": {Req: rcdefer.Request{Op: rcprim.OpIncrease, Start: geom.FSB(0, 1000), Len: 1}},
	}
	for tcName, tc := range testcases {
		tc := tc
		t.Run(tcName, func(t *testing.T) {
			t.Parallel()
			ops := rcdefer.New(f.env)
			err := ops.Add(tc.Req, req(rcprim.OpIncrease, 0, 0, 1))
			if tc.OK {
				assert.NoError(t, err)
				assert.Equal(t, 2, ops.Len())
			} else {
				assert.Error(t, err)
				assert.Zero(t, ops.Len())
			}
		})
	}
}
