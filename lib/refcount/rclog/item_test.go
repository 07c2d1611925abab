// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package rclog_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"git.lukeshu.com/refcount-ng/lib/binstruct"
	"git.lukeshu.com/refcount-ng/lib/refcount/rcfault"
	"git.lukeshu.com/refcount-ng/lib/refcount/rclog"
	"git.lukeshu.com/refcount-ng/lib/refcount/rcprim"
)

func TestItemFormatBytes(t *testing.T) {
	t.Parallel()
	item := rclog.ItemFormat{
		Header: rclog.ItemHeader{
			Type:     rclog.TypeIntent,
			NRegions: 1,
			NExtents: 2,
			ID:       7,
		},
		Extents: []rclog.PhysExtent{
			rclog.MakeExtent(rcprim.OpIncrease, 0x1234, 8),
			rclog.MakeExtent(rcprim.OpFreeCow, 0x0102030405060708, 0xa0b0c0d),
		},
	}
	exp := []byte{
		0x42, 0x12, 0x01, 0x00, 0x02, 0x00, 0x00, 0x00,
		0x07, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00,

		0x34, 0x12, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
		0x08, 0x00, 0x00, 0x00, 0x01, 0x00, 0x00, 0x00,

		0x08, 0x07, 0x06, 0x05, 0x04, 0x03, 0x02, 0x01,
		0x0d, 0x0c, 0x0b, 0x0a, 0x04, 0x00, 0x00, 0x00,
	}
	assert.Equal(t, len(exp), rclog.FormatSize(2))

	dat, err := binstruct.Marshal(item)
	require.NoError(t, err)
	assert.Equal(t, exp, dat)

	var back rclog.ItemFormat
	n, err := binstruct.Unmarshal(dat, &back)
	require.NoError(t, err)
	assert.Equal(t, len(dat), n)
	assert.Equal(t, item, back)
	assert.Equal(t, rcprim.OpFreeCow, back.Extents[1].Flags.Op())
}

func TestItemFormatReject(t *testing.T) {
	t.Parallel()
	good, err := binstruct.Marshal(rclog.ItemFormat{
		Header:  rclog.ItemHeader{Type: rclog.TypeDone, NRegions: 1, NExtents: 1, ID: 3},
		Extents: []rclog.PhysExtent{rclog.MakeExtent(rcprim.OpDecrease, 100, 4)},
	})
	require.NoError(t, err)

	type TestCase struct {
		Mangle func([]byte) []byte
		ErrStr string
	}
	testcases := map[string]TestCase{
		"short": {
			Mangle: func(dat []byte) []byte { return dat[:len(dat)-1] },
			ErrStr: "length is 31, not 32",
		},
		"long": {
			Mangle: func(dat []byte) []byte { return append(dat, 0) },
			ErrStr: "length is 33, not 32",
		},
		"bad-type": {
			Mangle: func(dat []byte) []byte { dat[0] = 0x99; return dat },
			ErrStr: "not an intent or done item",
		},
		"two-regions": {
			Mangle: func(dat []byte) []byte { dat[2] = 2; return dat },
			ErrStr: "region count is 2, not 1",
		},
		"truncated-header": {
			Mangle: func(dat []byte) []byte { return dat[:10] },
			ErrStr: "need at least 16 bytes",
		},
	}
	for tcName, tc := range testcases {
		tc := tc
		t.Run(tcName, func(t *testing.T) {
			t.Parallel()
			dat := tc.Mangle(append([]byte(nil), good...))
			var item rclog.ItemFormat
			_, err := binstruct.Unmarshal(dat, &item)
			assert.ErrorContains(t, err, tc.ErrStr)
		})
	}
}

func TestMutationSize(t *testing.T) {
	t.Parallel()
	assert.Equal(t, 40, rclog.MutationSize)
}

func TestHolds(t *testing.T) {
	t.Parallel()
	pool := rclog.NewItemPool(0, nil)
	assert.Equal(t, rclog.DefaultMaxFastExtents, pool.MaxFast())

	it, err := pool.NewIntent(1)
	require.NoError(t, err)
	it.LogExtent(rcprim.OpIncrease, 10, 1)
	assert.True(t, it.Full())
	assert.Panics(t, func() { it.LogExtent(rcprim.OpIncrease, 11, 1) })
	assert.Equal(t, int64(1), pool.Live())

	it.Release(rclog.HolderDone)
	assert.Equal(t, int64(1), pool.Live())
	assert.Panics(t, func() { it.Release(rclog.HolderDone) })
	it.Unpin(false)
	assert.Equal(t, int64(0), pool.Live())
}

func TestIntentDoneLifecycle(t *testing.T) {
	t.Parallel()
	pool := rclog.NewItemPool(2, nil)
	ctx, lg := newLog(t)
	ail := lg.AIL()

	it, err := pool.NewIntent(2)
	require.NoError(t, err)
	it.LogExtent(rcprim.OpIncrease, 10, 5)
	it.LogExtent(rcprim.OpDecrease, 40, 3)

	// Commit the intent.
	_, err = lg.Write(ctx, []rclog.ItemFormat{it.Format()}, nil, func(lsn rcprim.LSN) {
		if r := it.Committed(lsn); r != rclog.LSNReclaimed {
			ail.Insert(it)
		}
	})
	require.NoError(t, err)
	it.Unpin(false)
	assert.Equal(t, 1, ail.Len())
	assert.Same(t, it, ail.Tail())
	assert.Equal(t, 1, ail.Push())

	// Commit the done item, which reports a partial second
	// extent.
	done, err := pool.NewDone(it)
	require.NoError(t, err)
	done.LogExtent(rcprim.OpIncrease, 10, 5)
	done.LogExtent(rcprim.OpDecrease, 40, 1)
	assert.Equal(t, rclog.FormatSize(2)+8, done.Size())
	format := done.Format()
	assert.Equal(t, it.ID(), format.Header.ID)
	_, err = lg.Write(ctx, []rclog.ItemFormat{format}, nil, func(lsn rcprim.LSN) {
		assert.Equal(t, rclog.LSNReclaimed, done.Committed(lsn))
	})
	require.NoError(t, err)

	assert.Equal(t, 0, ail.Len())
	assert.Equal(t, int64(0), pool.Live())
}

func TestAbort(t *testing.T) {
	t.Parallel()
	pool := rclog.NewItemPool(2, nil)

	// A big intent bypasses the pool but is accounted the same.
	it, err := pool.NewIntent(3)
	require.NoError(t, err)
	done, err := pool.NewDone(it)
	require.NoError(t, err)
	assert.Equal(t, int64(2), pool.Live())

	done.Abort()
	assert.False(t, it.Held(rclog.HolderDone))
	assert.True(t, it.Held(rclog.HolderLog))
	it.Abort()
	assert.Equal(t, int64(0), pool.Live())
}

func TestRecoverIntent(t *testing.T) {
	t.Parallel()
	pool := rclog.NewItemPool(0, nil)
	it, err := pool.RecoverIntent(rclog.ItemFormat{
		Header:  rclog.ItemHeader{Type: rclog.TypeIntent, NRegions: 1, NExtents: 1, ID: 41},
		Extents: []rclog.PhysExtent{rclog.MakeExtent(rcprim.OpAllocCow, 7, 7)},
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(41), it.ID())
	assert.True(t, it.Full())

	next, err := pool.NewIntent(1)
	require.NoError(t, err)
	assert.Equal(t, uint64(42), next.ID())

	_, err = pool.RecoverIntent(rclog.ItemFormat{Header: rclog.ItemHeader{Type: rclog.TypeDone}})
	assert.Error(t, err)
}

func TestItemAllocFault(t *testing.T) {
	t.Parallel()
	pool := rclog.NewItemPool(0, rcfault.Always{rcfault.TagItemAlloc})
	_, err := pool.NewIntent(1)
	assert.ErrorIs(t, err, rcprim.ErrNoMem)
	assert.Equal(t, int64(0), pool.Live())
}
