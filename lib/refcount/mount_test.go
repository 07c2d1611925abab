// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package refcount_test

import (
	"context"
	"testing"

	"github.com/datawire/dlib/dlog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"git.lukeshu.com/refcount-ng/lib/diskio"
	"git.lukeshu.com/refcount-ng/lib/refcount"
	"git.lukeshu.com/refcount-ng/lib/refcount/freespace"
	"git.lukeshu.com/refcount-ng/lib/refcount/rcdefer"
	"git.lukeshu.com/refcount-ng/lib/refcount/rcprim"
	"git.lukeshu.com/refcount-ng/lib/refcount/rctrans"
	"git.lukeshu.com/refcount-ng/lib/refcount/rmap"
)

type image struct {
	ckpt *diskio.MemFile[int64]
	log  *diskio.MemFile[int64]
}

func testConfig(rmap bool) refcount.Config {
	cfg := refcount.DefaultConfig()
	cfg.Geometry = rcprim.Geometry{AGCount: 2, AGBlocks: 1000, BlockSize: 4096}
	cfg.Features.Rmap = rmap
	return cfg
}

func mkfs(t *testing.T, ctx context.Context, cfg refcount.Config) image {
	t.Helper()
	img := image{
		ckpt: diskio.NewMemFile[int64]("ckpt"),
		log:  diskio.NewMemFile[int64]("log"),
	}
	_, err := refcount.Mkfs(ctx, img.ckpt, img.log, cfg)
	require.NoError(t, err)
	return img
}

func (img image) open(t *testing.T, ctx context.Context, cfg refcount.Config) *refcount.Mount {
	t.Helper()
	m, err := refcount.Open(ctx, img.ckpt.Reopen(), img.log.Reopen(), cfg)
	require.NoError(t, err)
	return m
}

func records(t *testing.T, m *refcount.Mount, ag rcprim.AGNumber) []rcprim.Record {
	t.Helper()
	recs, err := m.Records(ag)
	require.NoError(t, err)
	return recs
}

func freeExtents(t *testing.T, m *refcount.Mount, ag rcprim.AGNumber) []rcprim.Extent {
	t.Helper()
	exts, err := m.FreeExtents(ag)
	require.NoError(t, err)
	return exts
}

func TestMkfs(t *testing.T) {
	t.Parallel()
	ctx := dlog.NewTestContext(t, false)
	cfg := testConfig(true)
	img := mkfs(t, ctx, cfg)
	m := img.open(t, ctx, cfg)
	defer func() { assert.NoError(t, m.Close()) }()

	assert.Equal(t, cfg.Geometry, m.Geometry())
	assert.Equal(t, refcount.Features{Rmap: true}, m.Features())
	for ag := rcprim.AGNumber(0); ag < 2; ag++ {
		assert.Empty(t, records(t, m, ag))
		assert.Equal(t, []rcprim.Extent{{Start: 0, Len: 1000}}, freeExtents(t, m, ag))
	}

	bad := cfg
	bad.Geometry.AGBlocks = 1001
	_, err := refcount.Open(ctx, img.ckpt.Reopen(), img.log.Reopen(), bad)
	assert.Error(t, err)

	_, err = refcount.Mkfs(ctx, diskio.NewMemFile[int64]("ckpt"), diskio.NewMemFile[int64]("log"),
		refcount.Config{Geometry: rcprim.Geometry{AGCount: 0, AGBlocks: 1000, BlockSize: 4096}})
	assert.Error(t, err)
}

func TestShareAndCow(t *testing.T) {
	t.Parallel()
	for _, withRmap := range []bool{false, true} {
		withRmap := withRmap
		name := "normap"
		if withRmap {
			name = "rmap"
		}
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			ctx := dlog.NewTestContext(t, false)
			cfg := testConfig(withRmap)
			m := mkfs(t, ctx, cfg).open(t, ctx, cfg)
			defer func() { assert.NoError(t, m.Close()) }()
			geom := m.Geometry()

			data, err := m.AllocateExtent(ctx, 0, 100)
			require.NoError(t, err)
			assert.Equal(t, geom.FSB(0, 0), data)

			// Share the middle of the extent twice.
			require.NoError(t, m.Increase(ctx, data+10, 50))
			require.NoError(t, m.Increase(ctx, data+20, 10))
			assert.Equal(t, []rcprim.Record{
				{Start: 10, Len: 10, Count: 2},
				{Start: 20, Len: 10, Count: 3},
				{Start: 30, Len: 30, Count: 2},
			}, records(t, m, 0))

			shared, err := m.FindShared(ctx, 0, 0, 100, false)
			require.NoError(t, err)
			assert.Equal(t, rcprim.Extent{Start: 10, Len: 10}, shared)
			shared, err = m.FindShared(ctx, 0, 0, 100, true)
			require.NoError(t, err)
			assert.Equal(t, rcprim.Extent{Start: 10, Len: 50}, shared)

			// Write over [20,30) by CoW.
			cow, err := m.AllocateCow(ctx, 0, 10)
			require.NoError(t, err)
			assert.Equal(t, geom.FSB(0, 100), cow)
			stats, err := m.Scrub(ctx)
			require.NoError(t, err)
			assert.Equal(t, 4, stats.Records)
			assert.Equal(t, uint64(50), stats.SharedBlocks)
			assert.Equal(t, uint64(10), stats.StagingBlocks)

			require.NoError(t, m.UnstageCow(ctx, cow, 10))
			require.NoError(t, m.Decrease(ctx, data+20, 10))
			assert.Equal(t, []rcprim.Record{
				{Start: 10, Len: 50, Count: 2},
			}, records(t, m, 0))

			// Drop everything.
			require.NoError(t, m.Decrease(ctx, data+10, 50))
			require.NoError(t, m.Decrease(ctx, data, 100))
			require.NoError(t, m.Decrease(ctx, cow, 10))
			assert.Empty(t, records(t, m, 0))
			assert.Equal(t, []rcprim.Extent{{Start: 0, Len: 1000}}, freeExtents(t, m, 0))
			if withRmap {
				entries, err := m.RmapEntries(0)
				require.NoError(t, err)
				assert.Empty(t, entries)
			}

			stats, err = m.Scrub(ctx)
			require.NoError(t, err)
			assert.Equal(t, 0, stats.Records)
		})
	}
}

func TestCancelCow(t *testing.T) {
	t.Parallel()
	ctx := dlog.NewTestContext(t, false)
	cfg := testConfig(true)
	m := mkfs(t, ctx, cfg).open(t, ctx, cfg)
	defer func() { assert.NoError(t, m.Close()) }()

	cow, err := m.AllocateCow(ctx, 1, 16)
	require.NoError(t, err)
	entries, err := m.RmapEntries(1)
	require.NoError(t, err)
	assert.Equal(t, []rmap.Entry{{Start: 0, Len: 16, Owner: rcprim.OwnerCow}}, entries)

	require.NoError(t, m.CancelCow(ctx, cow, 16))
	assert.Empty(t, records(t, m, 1))
	assert.Equal(t, []rcprim.Extent{{Start: 0, Len: 1000}}, freeExtents(t, m, 1))
	entries, err = m.RmapEntries(1)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestCrashReclaimsCow(t *testing.T) {
	t.Parallel()
	ctx := dlog.NewTestContext(t, false)
	cfg := testConfig(true)
	img := mkfs(t, ctx, cfg)

	m := img.open(t, ctx, cfg)
	data, err := m.AllocateExtent(ctx, 0, 100)
	require.NoError(t, err)
	require.NoError(t, m.Increase(ctx, data, 10))
	_, err = m.AllocateCow(ctx, 0, 8)
	require.NoError(t, err)
	// Crash: nothing is checkpointed, everything is in the log.
	require.NoError(t, m.Close())

	skip := cfg
	skip.SkipRecovery = true
	m = img.open(t, ctx, skip)
	assert.Empty(t, m.Pending())
	assert.Equal(t, []rcprim.Record{
		{Start: 0, Len: 10, Count: 2},
		{Start: 100, Len: 8, Count: 1},
	}, records(t, m, 0))
	assert.ErrorIs(t, m.Increase(ctx, data, 1), refcount.ErrNotRecovered)
	assert.ErrorIs(t, m.Checkpoint(ctx), refcount.ErrNotRecovered)

	stats, err := m.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, refcount.RecoveryStats{Intents: 0, ReclaimedBlocks: 8}, stats)
	assert.Equal(t, []rcprim.Record{
		{Start: 0, Len: 10, Count: 2},
	}, records(t, m, 0))
	assert.Equal(t, []rcprim.Extent{{Start: 100, Len: 900}}, freeExtents(t, m, 0))
	assert.Equal(t, int64(0), m.Log().Size())
	require.NoError(t, m.Close())

	// The recovery was checkpointed.
	m = img.open(t, ctx, cfg)
	defer func() { assert.NoError(t, m.Close()) }()
	assert.Equal(t, []rcprim.Record{
		{Start: 0, Len: 10, Count: 2},
	}, records(t, m, 0))
	assert.Equal(t, []rcprim.Extent{{Start: 100, Len: 900}}, freeExtents(t, m, 0))
	entries, err := m.RmapEntries(0)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestCheckpoint(t *testing.T) {
	t.Parallel()
	ctx := dlog.NewTestContext(t, false)
	cfg := testConfig(false)
	img := mkfs(t, ctx, cfg)

	m := img.open(t, ctx, cfg)
	fsuuid := m.FSUUID()
	geom := m.Geometry()
	_, err := m.AllocateExtent(ctx, 1, 500)
	require.NoError(t, err)
	require.NoError(t, m.Apply(ctx,
		rcdefer.Request{Op: rcprim.OpIncrease, Start: geom.FSB(1, 0), Len: 100},
		rcdefer.Request{Op: rcprim.OpIncrease, Start: geom.FSB(1, 50), Len: 100}))
	require.NoError(t, m.Checkpoint(ctx))
	assert.Equal(t, int64(0), m.Log().Size())
	// Committed after the checkpoint, so only in the log.
	require.NoError(t, m.Decrease(ctx, geom.FSB(1, 0), 10))
	assert.NotEqual(t, int64(0), m.Log().Size())
	want := records(t, m, 1)
	require.NoError(t, m.Close())

	m = img.open(t, ctx, cfg)
	defer func() { assert.NoError(t, m.Close()) }()
	assert.Equal(t, fsuuid, m.FSUUID())
	assert.Equal(t, want, records(t, m, 1))
	assert.Equal(t, []rcprim.Record{
		{Start: 10, Len: 40, Count: 2},
		{Start: 50, Len: 50, Count: 3},
		{Start: 100, Len: 50, Count: 2},
	}, want)
	entries, err := m.RmapEntries(1)
	require.NoError(t, err)
	assert.Nil(t, entries)
}

func TestShutdown(t *testing.T) {
	t.Parallel()
	ctx := dlog.NewTestContext(t, false)
	cfg := testConfig(true)
	m := mkfs(t, ctx, cfg).open(t, ctx, cfg)
	defer func() { assert.NoError(t, m.Close()) }()

	_, down := m.IsShutdown()
	assert.False(t, down)
	m.Shutdown(ctx)
	reason, down := m.IsShutdown()
	assert.True(t, down)
	assert.Equal(t, rctrans.ShutdownForced, reason)

	assert.ErrorIs(t, m.Increase(ctx, m.Geometry().FSB(0, 0), 1), rcprim.ErrShutdown)
	_, err := m.FindShared(ctx, 0, 0, 10, false)
	assert.ErrorIs(t, err, rcprim.ErrShutdown)
	_, err = m.Scrub(ctx)
	assert.ErrorIs(t, err, rcprim.ErrShutdown)
	assert.ErrorIs(t, m.Checkpoint(ctx), rcprim.ErrShutdown)
}

func TestCorruptionShutsDown(t *testing.T) {
	t.Parallel()
	ctx := dlog.NewTestContext(t, false)
	cfg := testConfig(true)
	m := mkfs(t, ctx, cfg).open(t, ctx, cfg)
	defer func() { assert.NoError(t, m.Close()) }()

	// Freeing blocks that are already free.
	err := m.Decrease(ctx, m.Geometry().FSB(0, 0), 10)
	assert.ErrorIs(t, err, rcprim.ErrCorrupt)
	reason, down := m.IsShutdown()
	assert.True(t, down)
	assert.Equal(t, rctrans.ShutdownCorruptIncore, reason)
	assert.Equal(t, []rcprim.Extent{{Start: 0, Len: 1000}}, freeExtents(t, m, 0))
}

func TestApplyInvalid(t *testing.T) {
	t.Parallel()
	ctx := dlog.NewTestContext(t, false)
	cfg := testConfig(false)
	m := mkfs(t, ctx, cfg).open(t, ctx, cfg)
	defer func() { assert.NoError(t, m.Close()) }()
	geom := m.Geometry()

	assert.Error(t, m.Increase(ctx, geom.FSB(0, 990), 20))
	assert.Error(t, m.Increase(ctx, geom.FSB(0, 0), 0))
	assert.Error(t, m.Apply(ctx, rcdefer.Request{Op: rcprim.Op(99), Start: 0, Len: 1}))
	_, down := m.IsShutdown()
	assert.False(t, down)
	assert.Empty(t, records(t, m, 0))
}

func TestAllocateExact(t *testing.T) {
	t.Parallel()
	ctx := dlog.NewTestContext(t, false)
	cfg := testConfig(false)
	m := mkfs(t, ctx, cfg).open(t, ctx, cfg)
	defer func() { assert.NoError(t, m.Close()) }()
	geom := m.Geometry()

	require.NoError(t, m.AllocateExact(ctx, geom.FSB(0, 50), 10))
	assert.Equal(t, []rcprim.Extent{
		{Start: 0, Len: 50},
		{Start: 60, Len: 940},
	}, freeExtents(t, m, 0))
	assert.ErrorIs(t, m.AllocateExact(ctx, geom.FSB(0, 55), 10), freespace.ErrNoSpace)
	_, down := m.IsShutdown()
	assert.False(t, down)

	bno, err := m.AllocateExtent(ctx, 0, 60)
	require.NoError(t, err)
	assert.Equal(t, geom.FSB(0, 60), bno)
}
