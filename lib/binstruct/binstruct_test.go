// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package binstruct_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"git.lukeshu.com/refcount-ng/lib/binstruct"
)

type magic [4]byte

type header struct {
	Magic         magic    `bin:"off=0x0, siz=0x4"`
	Kind          uint8    `bin:"off=0x4, siz=0x1"`
	Pad           [3]uint8 `bin:"off=0x5, siz=0x3"`
	Count         uint32   `bin:"off=0x8, siz=0x4"`
	Cached        string   `bin:"-"`
	Size          uint64   `bin:"off=0xc, siz=0x8"`
	binstruct.End `bin:"off=0x14"`
}

type outer struct {
	Hdr           header `bin:"off=0x0, siz=0x14"`
	Tag           tag    `bin:"off=0x14, siz=0x2"`
	binstruct.End `bin:"off=0x16"`
}

// tag is encoded big-endian by hand.
type tag uint16

func (tag) BinaryStaticSize() int { return 2 }

func (t tag) MarshalBinary() ([]byte, error) {
	return []byte{byte(t >> 8), byte(t)}, nil
}

func (t *tag) UnmarshalBinary(dat []byte) (int, error) {
	if err := binstruct.NeedNBytes(dat, 2); err != nil {
		return 0, err
	}
	*t = tag(dat[0])<<8 | tag(dat[1])
	return 2, nil
}

func TestRoundTrip(t *testing.T) {
	t.Parallel()
	in := outer{
		Hdr: header{
			Magic:  magic{'a', 'b', 'c', 'd'},
			Kind:   7,
			Count:  0x01020304,
			Cached: "ignored",
			Size:   0x1122334455667788,
		},
		Tag: 0xbeef,
	}
	assert.Equal(t, 0x16, binstruct.StaticSize(in))

	dat, err := binstruct.Marshal(in)
	require.NoError(t, err)
	assert.Equal(t, []byte{
		'a', 'b', 'c', 'd',
		7, 0, 0, 0,
		0x04, 0x03, 0x02, 0x01,
		0x88, 0x77, 0x66, 0x55, 0x44, 0x33, 0x22, 0x11,
		0xbe, 0xef,
	}, dat)

	var out outer
	n, err := binstruct.Unmarshal(append(dat, 0xff), &out)
	require.NoError(t, err)
	assert.Equal(t, len(dat), n)
	in.Hdr.Cached = ""
	assert.Equal(t, in, out)
}

func TestShortInput(t *testing.T) {
	t.Parallel()
	var out header
	_, err := binstruct.Unmarshal(make([]byte, 0x13), &out)
	var dataErr *binstruct.DataError
	require.ErrorAs(t, err, &dataErr)
	assert.Contains(t, err.Error(), "need at least 20 bytes, only have 19")
}

type badOffset struct {
	A             uint32 `bin:"off=0x0, siz=0x4"`
	B             uint32 `bin:"off=0x8, siz=0x4"`
	binstruct.End `bin:"off=0xc"`
}

type badSize struct {
	A             uint32 `bin:"off=0x0, siz=0x8"`
	binstruct.End `bin:"off=0x4"`
}

type missingEnd struct {
	A uint32 `bin:"off=0x0, siz=0x4"`
}

type badKind struct {
	A             int32 `bin:"off=0x0, siz=0x4"`
	binstruct.End `bin:"off=0x4"`
}

func TestBadLayout(t *testing.T) {
	t.Parallel()
	testcases := map[string]struct {
		obj any
		err string
	}{
		"offset":     {badOffset{}, "field B: tag says off=0x8, but it is at 0x4"},
		"size":       {badSize{}, "field A: tag says siz=0x8, but the type is 0x4 bytes"},
		"missingEnd": {missingEnd{}, "binstruct.End is at -0x1, but the fields end at 0x4"},
		"kind":       {badKind{}, "field A: kind int32 is not a fixed-size kind"},
	}
	for tcName, tc := range testcases {
		tc := tc
		t.Run(tcName, func(t *testing.T) {
			t.Parallel()
			var typeErr *binstruct.TypeError
			func() {
				defer func() {
					err, _ := recover().(error)
					require.ErrorAs(t, err, &typeErr)
				}()
				_, _ = binstruct.Marshal(tc.obj)
			}()
			assert.EqualError(t, typeErr.Err, tc.err)
		})
	}
}
