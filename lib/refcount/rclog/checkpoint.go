// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package rclog

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"

	"git.lukeshu.com/go/lowmemjson"
	"github.com/cespare/xxhash/v2"
	"github.com/datawire/dlib/dlog"
	"github.com/google/uuid"

	"git.lukeshu.com/refcount-ng/lib/binstruct"
	"git.lukeshu.com/refcount-ng/lib/diskio"
	"git.lukeshu.com/refcount-ng/lib/refcount/rcprim"
	"git.lukeshu.com/refcount-ng/lib/textui"
)

var ErrNoCheckpoint = errors.New("no valid checkpoint superblock")

var checkpointMagic = [8]byte{'R', 'C', 'C', 'K', 'P', 'T', '0', '1'}

const (
	superblockSlotSize = 512
	payloadAreaStart   = 2 * superblockSlotSize
)

// superblock points at the checkpoint payload.  There are two slots,
// written alternately, so that a torn superblock write leaves the
// previous checkpoint readable.
type superblock struct {
	Magic         [8]byte  `bin:"off=0x0, siz=0x8"`
	Seq           uint64   `bin:"off=0x8, siz=0x8"`
	Off           uint64   `bin:"off=0x10, siz=0x8"`
	Len           uint64   `bin:"off=0x18, siz=0x8"`
	Sum           uint64   `bin:"off=0x20, siz=0x8"`
	FSUUID        [16]byte `bin:"off=0x28, siz=0x10"`
	HdrSum        uint64   `bin:"off=0x38, siz=0x8"`
	binstruct.End `bin:"off=0x40"`
}

func (sb superblock) end() int64 {
	return int64(sb.Off + sb.Len)
}

// CheckpointFile stores a JSON-encoded image behind a pair of
// superblocks.
type CheckpointFile struct {
	file   diskio.File[int64]
	fsuuid uuid.UUID
	cur    superblock
}

// CreateCheckpoint starts a new, empty checkpoint file for the
// filesystem fsuuid.  Nothing is readable from it until the first
// Write.
func CreateCheckpoint(ctx context.Context, file diskio.File[int64], fsuuid uuid.UUID) (*CheckpointFile, error) {
	if err := file.Truncate(0); err != nil {
		return nil, &rcprim.IOError{Op: "checkpoint: truncate", Err: err}
	}
	dlog.Debugf(ctx, "checkpoint: created for filesystem %v", fsuuid)
	return &CheckpointFile{
		file:   file,
		fsuuid: fsuuid,
	}, nil
}

// OpenCheckpoint reads both superblocks and uses the valid one with
// the higher sequence number.
func OpenCheckpoint(ctx context.Context, file diskio.File[int64]) (*CheckpointFile, error) {
	var (
		best  superblock
		found bool
	)
	for slot := int64(0); slot < 2; slot++ {
		sb, err := readSuperblock(file, slot)
		if err != nil {
			dlog.Infof(ctx, "checkpoint: superblock %d: %v", slot, err)
			continue
		}
		if found && sb.FSUUID != best.FSUUID {
			return nil, rcprim.Corruptf(0, "checkpoint: superblocks disagree on filesystem: %v vs %v",
				uuid.UUID(sb.FSUUID), uuid.UUID(best.FSUUID))
		}
		if !found || sb.Seq > best.Seq {
			best, found = sb, true
		}
	}
	if !found {
		return nil, ErrNoCheckpoint
	}
	dlog.Debugf(ctx, "checkpoint: using seq %d (%v at offset %d)",
		best.Seq, textui.IEC(best.Len, "B"), best.Off)
	return &CheckpointFile{
		file:   file,
		fsuuid: uuid.UUID(best.FSUUID),
		cur:    best,
	}, nil
}

func superblockSum(dat []byte) uint64 {
	return xxhash.Sum64(dat[:0x38])
}

func readSuperblock(file diskio.File[int64], slot int64) (superblock, error) {
	var sb superblock
	dat := make([]byte, binstruct.StaticSize(sb))
	if _, err := file.ReadAt(dat, slot*superblockSlotSize); err != nil {
		return sb, err
	}
	if _, err := binstruct.Unmarshal(dat, &sb); err != nil {
		return sb, err
	}
	if sb.Magic != checkpointMagic {
		return sb, fmt.Errorf("bad magic %q", sb.Magic[:])
	}
	if sum := superblockSum(dat); sum != sb.HdrSum {
		return sb, fmt.Errorf("superblock checksum mismatch: stored %#016x, computed %#016x", sb.HdrSum, sum)
	}
	payload := make([]byte, sb.Len)
	if _, err := file.ReadAt(payload, int64(sb.Off)); err != nil {
		return sb, fmt.Errorf("read payload: %w", err)
	}
	if sum := xxhash.Sum64(payload); sum != sb.Sum {
		return sb, fmt.Errorf("payload checksum mismatch: stored %#016x, computed %#016x", sb.Sum, sum)
	}
	return sb, nil
}

func (c *CheckpointFile) FSUUID() uuid.UUID { return c.fsuuid }

// Seq is the sequence number of the current checkpoint; 0 means
// none has been written.
func (c *CheckpointFile) Seq() uint64 { return c.cur.Seq }

// Read decodes the current checkpoint into dst.
func (c *CheckpointFile) Read(ctx context.Context, dst any) error {
	if c.cur.Seq == 0 {
		return ErrNoCheckpoint
	}
	ctx = dlog.WithField(ctx, "refcount.read-json-file", c.file.Name())
	rd := bufio.NewReader(diskio.NewSectionReader(c.file, int64(c.cur.Off), c.cur.end()))
	if err := lowmemjson.NewDecoder(rd).DecodeThenEOF(dst); err != nil {
		return rcprim.Corruptf(0, "checkpoint seq %d: %v", c.cur.Seq, err)
	}
	dlog.Tracef(ctx, "checkpoint: read seq %d", c.cur.Seq)
	return nil
}

// Write encodes src as the next checkpoint.  The new payload never
// overlaps the current one, so a crash at any point leaves one of the
// two readable.
func (c *CheckpointFile) Write(ctx context.Context, src any) error {
	var buf bytes.Buffer
	if err := lowmemjson.NewEncoder(lowmemjson.NewReEncoder(&buf, lowmemjson.ReEncoderConfig{
		Indent:                "\t",
		ForceTrailingNewlines: true,
	})).Encode(src); err != nil {
		return fmt.Errorf("checkpoint: encode: %w", err)
	}
	payload := buf.Bytes()

	off := int64(payloadAreaStart)
	if c.cur.Seq != 0 && int64(c.cur.Off) < off+int64(len(payload)) {
		off = c.cur.end()
	}
	if _, err := c.file.WriteAt(payload, off); err != nil {
		return &rcprim.IOError{Op: "checkpoint: write payload", Err: err}
	}
	if err := c.file.Sync(); err != nil {
		return &rcprim.IOError{Op: "checkpoint: sync payload", Err: err}
	}

	sb := superblock{
		Magic:  checkpointMagic,
		Seq:    c.cur.Seq + 1,
		Off:    uint64(off),
		Len:    uint64(len(payload)),
		Sum:    xxhash.Sum64(payload),
		FSUUID: [16]byte(c.fsuuid),
	}
	dat, err := binstruct.Marshal(sb)
	if err != nil {
		return fmt.Errorf("checkpoint: encode superblock: %w", err)
	}
	sb.HdrSum = superblockSum(dat)
	if dat, err = binstruct.Marshal(sb); err != nil {
		return fmt.Errorf("checkpoint: encode superblock: %w", err)
	}
	slot := int64(sb.Seq % 2)
	if _, err := c.file.WriteAt(dat, slot*superblockSlotSize); err != nil {
		return &rcprim.IOError{Op: "checkpoint: write superblock", Err: err}
	}
	if err := c.file.Sync(); err != nil {
		return &rcprim.IOError{Op: "checkpoint: sync superblock", Err: err}
	}
	prev := c.cur
	c.cur = sb

	// The previous payload is still referenced by the other
	// slot, so only trim what lies past both.
	if end := max(sb.end(), prev.end()); end < c.file.Size() {
		if err := c.file.Truncate(end); err != nil {
			return &rcprim.IOError{Op: "checkpoint: truncate", Err: err}
		}
	}
	dlog.Debugf(ctx, "checkpoint: wrote seq %d (%v at offset %d)", sb.Seq, textui.IEC(len(payload), "B"), off)
	return nil
}

func (c *CheckpointFile) Close() error {
	return c.file.Close()
}
