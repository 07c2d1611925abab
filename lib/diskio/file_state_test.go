// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package diskio_test

import (
	"io"
	"testing"
	"testing/iotest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"git.lukeshu.com/refcount-ng/lib/diskio"
)

func FuzzSectionReader(f *testing.F) {
	f.Add([]byte("hello world"), uint8(0), uint8(5))
	f.Add([]byte{}, uint8(0), uint8(0))
	f.Fuzz(func(t *testing.T, content []byte, off, n uint8) {
		t.Logf("content=%q off=%d n=%d", content, off, n)
		file := diskio.NewMemFile[int64](t.Name())
		_, err := file.WriteAt(content, 0)
		require.NoError(t, err)

		beg := int(off)
		if beg > len(content) {
			beg = len(content)
		}
		end := beg + int(n)
		if end > len(content) {
			end = len(content)
		}
		reader := diskio.NewSectionReader[int64](file, int64(beg), int64(end))
		if err := iotest.TestReader(reader, content[beg:end]); err != nil {
			t.Error(err)
		}
	})
}

func TestMemFile(t *testing.T) {
	t.Parallel()
	file := diskio.NewMemFile[int64]("mem")
	n, err := file.WriteAt([]byte("abc"), 4)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, int64(7), file.Size())

	buf := make([]byte, 7)
	n, err = file.ReadAt(buf, 0)
	assert.NoError(t, err)
	assert.Equal(t, 7, n)
	assert.Equal(t, []byte("\x00\x00\x00\x00abc"), buf)

	n, err = file.ReadAt(buf, 5)
	assert.ErrorIs(t, err, io.EOF)
	assert.Equal(t, 2, n)

	require.NoError(t, file.Truncate(5))
	assert.Equal(t, int64(5), file.Size())
	require.NoError(t, file.Truncate(6))
	n, _ = file.ReadAt(buf[:1], 5)
	assert.Equal(t, 1, n)
	assert.Equal(t, byte(0), buf[0])

	require.NoError(t, file.Close())
	_, err = file.ReadAt(buf, 0)
	assert.Error(t, err)
	_, err = file.Reopen().ReadAt(buf[:1], 0)
	assert.NoError(t, err)
}
