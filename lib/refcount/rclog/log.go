// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package rclog

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/datawire/dlib/dlog"
	"github.com/google/uuid"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"git.lukeshu.com/refcount-ng/lib/binstruct"
	"git.lukeshu.com/refcount-ng/lib/containers"
	"git.lukeshu.com/refcount-ng/lib/diskio"
	"git.lukeshu.com/refcount-ng/lib/refcount/rcfault"
	"git.lukeshu.com/refcount-ng/lib/refcount/rcprim"
	"git.lukeshu.com/refcount-ng/lib/textui"
)

// Frame is one committed transaction as read back from the log.
type Frame struct {
	LSN       rcprim.LSN        `json:"lsn"`
	Items     []ItemFormat      `json:"items"`
	Mutations []rcprim.Mutation `json:"mutations"`
}

// Intents returns the frame's intent items.
func (f *Frame) Intents() []ItemFormat {
	return f.itemsOfType(TypeIntent)
}

// Dones returns the frame's done items.
func (f *Frame) Dones() []ItemFormat {
	return f.itemsOfType(TypeDone)
}

func (f *Frame) itemsOfType(typ ItemType) []ItemFormat {
	var ret []ItemFormat
	for _, item := range f.Items {
		if item.Header.Type == typ {
			ret = append(ret, item)
		}
	}
	return ret
}

// Log is an append-only sequence of frames on a file.  Each frame is
// written and synced before the commit that produced it is
// acknowledged.
type Log struct {
	fsuuid uuid.UUID
	faults rcfault.Injector

	mu      sync.Mutex
	file    diskio.File[int64]
	head    int64
	nextLSN rcprim.LSN
	index   map[rcprim.LSN]int64
	cache   *containers.LRUCache[rcprim.LSN, *Frame]

	ail *AIL
}

// Open scans the log file, discarding anything after the last intact
// frame.
func Open(ctx context.Context, file diskio.File[int64], fsuuid uuid.UUID, faults rcfault.Injector) (*Log, error) {
	l := &Log{
		fsuuid:  fsuuid,
		faults:  faults,
		file:    file,
		nextLSN: 1,
		index:   make(map[rcprim.LSN]int64),
		cache:   containers.NewLRUCache[rcprim.LSN, *Frame](textui.Tunable(128)),
		ail:     newAIL(),
	}
	size := file.Size()
	for l.head < size {
		frame, n, err := l.readFrameAt(l.head)
		if err != nil {
			dlog.Infof(ctx, "log: end of log at offset %v: %v", l.head, err)
			break
		}
		if frame.LSN < l.nextLSN {
			dlog.Errorf(ctx, "log: frame at offset %v has LSN %v, expected at least %v; treating as end of log",
				l.head, frame.LSN, l.nextLSN)
			break
		}
		l.index[frame.LSN] = l.head
		l.cache.Add(frame.LSN, frame)
		l.nextLSN = frame.LSN + 1
		l.head += n
	}
	if l.head < size {
		dlog.Infof(ctx, "log: discarding %v bytes of torn or stale frames", textui.IEC(size-l.head, "B"))
		if err := file.Truncate(l.head); err != nil {
			return nil, &rcprim.IOError{Op: "log: truncate", Err: err}
		}
	}
	dlog.Debugf(ctx, "log: opened with %d frames, next LSN %v", len(l.index), l.nextLSN)
	return l, nil
}

func (l *Log) AIL() *AIL { return l.ail }

func (l *Log) FSUUID() uuid.UUID { return l.fsuuid }

// NextLSN is the LSN that the next frame will be written at.
func (l *Log) NextLSN() rcprim.LSN {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.nextLSN
}

// SkipTo ensures that frames written from now on have LSNs of at
// least lsn.
func (l *Log) SkipTo(lsn rcprim.LSN) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if lsn > l.nextLSN {
		l.nextLSN = lsn
	}
}

// Size is the number of bytes of frames in the log.
func (l *Log) Size() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.head
}

func (l *Log) sum(hdr []byte, payload []byte) uint64 {
	digest := xxhash.New()
	_, _ = digest.Write(hdr[:0x20])
	_, _ = digest.Write(hdr[0x28:])
	_, _ = digest.Write(payload)
	return digest.Sum64()
}

func encodeItems(items []ItemFormat, muts []rcprim.Mutation) ([]Region, error) {
	regions := make([]Region, 0, len(items)+1)
	for _, item := range items {
		dat, err := binstruct.Marshal(item)
		if err != nil {
			return nil, err
		}
		regions = append(regions, Region{Type: item.Header.Type, Data: dat})
	}
	if len(muts) > 0 {
		dat, err := marshalMutations(muts)
		if err != nil {
			return nil, err
		}
		regions = append(regions, Region{Type: TypeDelta, Data: dat})
	}
	return regions, nil
}

// Write appends a frame holding items and muts, syncs it, and then
// calls onDurable with the frame's LSN while still holding the log
// lock, so that AIL insertion is ordered the same as the log.
func (l *Log) Write(ctx context.Context, items []ItemFormat, muts []rcprim.Mutation, onDurable func(rcprim.LSN)) (rcprim.LSN, error) {
	regions, err := encodeItems(items, muts)
	if err != nil {
		return 0, fmt.Errorf("log: encode: %w", err)
	}
	payload, err := marshalRegions(regions)
	if err != nil {
		return 0, fmt.Errorf("log: encode: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	lsn := l.nextLSN
	hdr := frameHeader{
		Magic:      frameMagic,
		Version:    frameVersion,
		NRegions:   uint32(len(regions)),
		LSN:        uint64(lsn),
		PayloadLen: uint64(len(payload)),
		FSUUID:     [16]byte(l.fsuuid),
	}
	hdrBytes, err := binstruct.Marshal(hdr)
	if err != nil {
		return 0, fmt.Errorf("log: encode: %w", err)
	}
	hdr.Sum = l.sum(hdrBytes, payload)
	if hdrBytes, err = binstruct.Marshal(hdr); err != nil {
		return 0, fmt.Errorf("log: encode: %w", err)
	}

	if rcfault.Inject(l.faults, rcfault.TagLogWrite) {
		return 0, &rcprim.IOError{Op: fmt.Sprintf("log: write lsn %v", lsn)}
	}
	buf := append(hdrBytes, payload...)
	if _, err := l.file.WriteAt(buf, l.head); err != nil {
		return 0, &rcprim.IOError{Op: fmt.Sprintf("log: write lsn %v", lsn), Err: err}
	}
	if err := l.file.Sync(); err != nil {
		return 0, &rcprim.IOError{Op: fmt.Sprintf("log: sync lsn %v", lsn), Err: err}
	}
	l.index[lsn] = l.head
	l.head += int64(len(buf))
	l.nextLSN = lsn + 1
	dlog.Tracef(ctx, "log: wrote lsn %v: %d items, %d mutations, %v",
		lsn, len(items), len(muts), textui.IEC(len(buf), "B"))

	if onDurable != nil {
		onDurable(lsn)
	}
	return lsn, nil
}

func (l *Log) readFrameAt(off int64) (*Frame, int64, error) {
	hdrBytes := make([]byte, frameHeaderSize)
	if _, err := l.file.ReadAt(hdrBytes, off); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return nil, 0, fmt.Errorf("read frame header: %w", err)
	}
	var hdr frameHeader
	if _, err := binstruct.Unmarshal(hdrBytes, &hdr); err != nil {
		return nil, 0, err
	}
	if hdr.Magic != frameMagic {
		return nil, 0, fmt.Errorf("bad frame magic %q", hdr.Magic[:])
	}
	if hdr.Version != frameVersion {
		return nil, 0, fmt.Errorf("unsupported frame version %d", hdr.Version)
	}
	if uuid.UUID(hdr.FSUUID) != l.fsuuid {
		return nil, 0, fmt.Errorf("frame belongs to filesystem %v, not %v", uuid.UUID(hdr.FSUUID), l.fsuuid)
	}
	if hdr.PayloadLen > uint64(l.file.Size()-off-int64(frameHeaderSize)) {
		return nil, 0, fmt.Errorf("frame payload of %d bytes runs past the end of the log: %w",
			hdr.PayloadLen, io.ErrUnexpectedEOF)
	}
	payload := make([]byte, hdr.PayloadLen)
	if len(payload) > 0 {
		if _, err := l.file.ReadAt(payload, off+int64(frameHeaderSize)); err != nil {
			return nil, 0, fmt.Errorf("read frame payload: %w", err)
		}
	}
	if sum := l.sum(hdrBytes, payload); sum != hdr.Sum {
		return nil, 0, fmt.Errorf("frame checksum mismatch: stored %#016x, computed %#016x", hdr.Sum, sum)
	}
	frame, err := decodeFrame(rcprim.LSN(hdr.LSN), payload, int(hdr.NRegions))
	if err != nil {
		return nil, 0, fmt.Errorf("lsn %v: %w", hdr.LSN, err)
	}
	return frame, int64(frameHeaderSize) + int64(hdr.PayloadLen), nil
}

func decodeFrame(lsn rcprim.LSN, payload []byte, nRegions int) (*Frame, error) {
	regions, err := unmarshalRegions(payload, nRegions)
	if err != nil {
		return nil, err
	}
	frame := &Frame{LSN: lsn}
	for i, region := range regions {
		switch region.Type {
		case TypeIntent, TypeDone:
			var item ItemFormat
			if _, err := binstruct.Unmarshal(region.Data, &item); err != nil {
				return nil, fmt.Errorf("region %d: %w", i, err)
			}
			if item.Header.Type != region.Type {
				return nil, fmt.Errorf("region %d: %v region holds %v item", i, region.Type, item.Header.Type)
			}
			frame.Items = append(frame.Items, item)
		case TypeDelta:
			muts, err := unmarshalMutations(region.Data)
			if err != nil {
				return nil, fmt.Errorf("region %d: %w", i, err)
			}
			frame.Mutations = append(frame.Mutations, muts...)
		default:
			return nil, fmt.Errorf("region %d: unknown type %v", i, region.Type)
		}
	}
	return frame, nil
}

// LSNs returns the LSN of every frame in the log, in order.
func (l *Log) LSNs() []rcprim.LSN {
	l.mu.Lock()
	defer l.mu.Unlock()
	ret := maps.Keys(l.index)
	slices.Sort(ret)
	return ret
}

// ReadFrame returns the frame at lsn.  The returned frame is shared
// and must not be modified.
func (l *Log) ReadFrame(lsn rcprim.LSN) (*Frame, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cache.GetOrLoad(lsn, func(lsn rcprim.LSN) (*Frame, error) {
		off, ok := l.index[lsn]
		if !ok {
			return nil, fmt.Errorf("log: no frame with lsn %v", lsn)
		}
		frame, _, err := l.readFrameAt(off)
		if err != nil {
			return nil, &rcprim.IOError{Op: fmt.Sprintf("log: read lsn %v", lsn), Err: err}
		}
		return frame, nil
	})
}

// Frames calls fn on each frame with an LSN >= since, in order.
func (l *Log) Frames(ctx context.Context, since rcprim.LSN, fn func(*Frame) error) error {
	for _, lsn := range l.LSNs() {
		if lsn < since {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		frame, err := l.ReadFrame(lsn)
		if err != nil {
			return err
		}
		if err := fn(frame); err != nil {
			return err
		}
	}
	return nil
}

// Reset discards every frame.  checkpoint is called first, with the
// log locked against writes and the LSN of the last frame written; it
// must make durable elsewhere everything that the frames describe.
// LSNs keep counting up from where they were.
func (l *Log) Reset(ctx context.Context, checkpoint func(lastLSN rcprim.LSN) error) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := checkpoint(l.nextLSN - 1); err != nil {
		return err
	}
	if err := l.file.Truncate(0); err != nil {
		return &rcprim.IOError{Op: "log: truncate", Err: err}
	}
	if err := l.file.Sync(); err != nil {
		return &rcprim.IOError{Op: "log: sync", Err: err}
	}
	dlog.Debugf(ctx, "log: reset; discarded %d frames (%v)", len(l.index), textui.IEC(l.head, "B"))
	l.head = 0
	l.index = make(map[rcprim.LSN]int64)
	l.cache.Purge()
	return nil
}

func (l *Log) Close() error {
	return l.file.Close()
}
