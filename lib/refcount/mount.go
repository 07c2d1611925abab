// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package refcount ties the refcount index, its log, and its
// collaborators together into a mountable filesystem image.
//
// An image is two files: a checkpoint holding every index as of some
// LSN, and a log of every transaction committed since.  Open replays
// the log on top of the checkpoint, then (unless told not to)
// recovers the intents that a crash left unfinished and writes a new
// checkpoint.
package refcount

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/datawire/dlib/derror"
	"github.com/datawire/dlib/dgroup"
	"github.com/datawire/dlib/dlog"
	"github.com/google/uuid"

	"git.lukeshu.com/refcount-ng/lib/diskio"
	"git.lukeshu.com/refcount-ng/lib/refcount/freespace"
	"git.lukeshu.com/refcount-ng/lib/refcount/rcdefer"
	"git.lukeshu.com/refcount-ng/lib/refcount/rclog"
	"git.lukeshu.com/refcount-ng/lib/refcount/rcprim"
	"git.lukeshu.com/refcount-ng/lib/refcount/rcrecover"
	"git.lukeshu.com/refcount-ng/lib/refcount/rcstore"
	"git.lukeshu.com/refcount-ng/lib/refcount/rctrans"
	"git.lukeshu.com/refcount-ng/lib/refcount/rctree"
	"git.lukeshu.com/refcount-ng/lib/refcount/rmap"
	"git.lukeshu.com/refcount-ng/lib/textui"
)

var ErrNotRecovered = errors.New("refcount: mount has not been recovered")

type Mount struct {
	cfg      Config
	geom     rcprim.Geometry
	features Features

	ckpt  *rclog.CheckpointFile
	log   *rclog.Log
	pool  *rclog.ItemPool
	mgr   *rctrans.Manager
	store *rcstore.MemStore
	free  *freespace.Space
	rmap  *rmap.Tree
	env   *rctree.Env

	// mu is held for reading by every operation, and for writing
	// by Checkpoint and Recover, which need the indexes to hold
	// only committed state.
	mu        sync.RWMutex
	pending   []rcrecover.Logged
	recovered bool
}

// Mkfs writes an empty image, with every block free, and returns the
// new filesystem's UUID.
func Mkfs(ctx context.Context, ckptFile, logFile diskio.File[int64], cfg Config) (uuid.UUID, error) {
	if err := cfg.Geometry.Validate(); err != nil {
		return uuid.Nil, err
	}
	if err := cfg.validate(); err != nil {
		return uuid.Nil, err
	}
	fsuuid := uuid.New()
	ckpt, err := rclog.CreateCheckpoint(ctx, ckptFile, fsuuid)
	if err != nil {
		return uuid.Nil, err
	}
	if err := logFile.Truncate(0); err != nil {
		return uuid.Nil, &rcprim.IOError{Op: "mkfs: truncate log", Err: err}
	}
	if err := logFile.Sync(); err != nil {
		return uuid.Nil, &rcprim.IOError{Op: "mkfs: sync log", Err: err}
	}
	img := image{
		FSUUID:   fsuuid,
		Geometry: cfg.Geometry,
		Features: cfg.Features,
		AGs:      make([]agImage, cfg.Geometry.AGCount),
	}
	for i := range img.AGs {
		img.AGs[i].Free = []rcprim.Extent{{Start: 0, Len: rcprim.ExtLen(cfg.Geometry.AGBlocks)}}
	}
	if err := ckpt.Write(ctx, img); err != nil {
		return uuid.Nil, err
	}
	dlog.Infof(ctx, "refcount: created filesystem %v: %v AGs of %v blocks (%v)",
		fsuuid, cfg.Geometry.AGCount, textui.Humanized(cfg.Geometry.AGBlocks),
		textui.IEC(cfg.Geometry.DataBlocks()*uint64(cfg.Geometry.BlockSize), "B"))
	return fsuuid, nil
}

// Open mounts an image.  On success the Mount owns both files; on
// failure the caller still does.
func Open(ctx context.Context, ckptFile, logFile diskio.File[int64], cfg Config) (*Mount, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	ckpt, err := rclog.OpenCheckpoint(ctx, ckptFile)
	if err != nil {
		return nil, err
	}
	var img image
	if err := ckpt.Read(ctx, &img); err != nil {
		return nil, err
	}
	if img.FSUUID != ckpt.FSUUID() {
		return nil, rcprim.Corruptf(0, "checkpoint is for filesystem %v but its superblock says %v", img.FSUUID, ckpt.FSUUID())
	}
	if err := img.Geometry.Validate(); err != nil {
		return nil, rcprim.Corruptf(0, "checkpoint: %v", err)
	}
	if cfg.Geometry != (rcprim.Geometry{}) && cfg.Geometry != img.Geometry {
		return nil, fmt.Errorf("refcount: configured geometry %+v does not match the image's %+v", cfg.Geometry, img.Geometry)
	}
	if len(img.AGs) != int(img.Geometry.AGCount) {
		return nil, rcprim.Corruptf(0, "checkpoint has %d AGs but the geometry says %d", len(img.AGs), img.Geometry.AGCount)
	}

	lg, err := rclog.Open(ctx, logFile, img.FSUUID, cfg.Faults)
	if err != nil {
		return nil, err
	}
	lg.SkipTo(img.LSN + 1)

	m := &Mount{
		cfg:      cfg,
		geom:     img.Geometry,
		features: img.Features,
		ckpt:     ckpt,
		log:      lg,
		pool:     rclog.NewItemPool(cfg.MaxFastExtents, cfg.Faults),
		store:    rcstore.NewMemStore(img.Geometry.AGCount),
		free:     freespace.New(img.Geometry),
	}
	appliers := map[rcprim.Tree]rcprim.Applier{
		rcprim.TreeRefcount: m.store,
		rcprim.TreeFree:     m.free,
	}
	m.env = &rctree.Env{
		Geometry: m.geom,
		Store:    m.store,
		Free:     m.free,
		Faults:   cfg.Faults,
	}
	if m.features.Rmap {
		m.rmap = rmap.New(m.geom.AGCount)
		appliers[rcprim.TreeRmap] = m.rmap
		m.env.Rmap = m.rmap
	}
	m.mgr = rctrans.NewManager(lg, m.pool, m.geom.AGCount, cfg.LogRes, appliers)

	for i, agImg := range img.AGs {
		ag := rcprim.AGNumber(i)
		if err := m.store.Load(ag, agImg.Refcount); err != nil {
			return nil, &rcprim.CorruptError{AG: ag, Msg: "checkpoint: refcount", Err: err}
		}
		if err := m.free.Load(ag, agImg.Free); err != nil {
			return nil, &rcprim.CorruptError{AG: ag, Msg: "checkpoint: free space", Err: err}
		}
		if m.rmap != nil {
			if err := m.rmap.Load(ag, agImg.Rmap); err != nil {
				return nil, &rcprim.CorruptError{AG: ag, Msg: "checkpoint: rmap", Err: err}
			}
		}
	}
	if err := m.redo(ctx, appliers, img.LSN+1); err != nil {
		return nil, err
	}
	m.pending, err = rcrecover.Scan(ctx, lg, img.LSN+1, img.Intents)
	if err != nil {
		return nil, err
	}
	dlog.Infof(ctx, "refcount: mounted filesystem %v at lsn %v", img.FSUUID, lg.NextLSN()-1)

	if !cfg.SkipRecovery {
		if _, err := m.Recover(ctx); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// redo applies the mutations of every frame from since onward.
func (m *Mount) redo(ctx context.Context, appliers map[rcprim.Tree]rcprim.Applier, since rcprim.LSN) error {
	var nFrames, nMuts int
	err := m.log.Frames(ctx, since, func(frame *rclog.Frame) error {
		nFrames++
		for _, mut := range frame.Mutations {
			applier, ok := appliers[mut.Tree]
			if !ok {
				return rcprim.Corruptf(mut.AG, "log: lsn %v: mutation of %v, which this filesystem does not have", frame.LSN, mut.Tree)
			}
			if err := applier.Apply(mut); err != nil {
				return &rcprim.CorruptError{AG: mut.AG, Msg: fmt.Sprintf("log: lsn %v: redo %v", frame.LSN, mut), Err: err}
			}
			nMuts++
		}
		return nil
	})
	if err != nil {
		return err
	}
	if nFrames > 0 {
		dlog.Infof(ctx, "refcount: replayed %d mutations from %d log frames", nMuts, nFrames)
	}
	return nil
}

// RecoveryStats describes what Recover did.
type RecoveryStats struct {
	Intents         int
	ReclaimedBlocks uint64
}

// Recover finishes the outstanding intents, reclaims leftover CoW
// staging extents, and writes a checkpoint.  It does nothing on a
// mount that is already recovered.  If it fails, the mount cannot be
// used and should be closed.
func (m *Mount) Recover(ctx context.Context) (RecoveryStats, error) {
	m.mu.Lock()
	stats, did, err := m.recoverLocked(ctx)
	m.mu.Unlock()
	if err != nil || !did {
		return stats, err
	}
	return stats, m.Checkpoint(ctx)
}

func (m *Mount) recoverLocked(ctx context.Context) (RecoveryStats, bool, error) {
	if m.recovered {
		return RecoveryStats{}, false, nil
	}
	if _, down := m.mgr.IsShutdown(); down {
		return RecoveryStats{}, false, rcprim.ErrShutdown
	}
	driver := &rcrecover.Driver{Manager: m.mgr, Env: m.env}

	intents, err := rcrecover.Load(m.pool, m.log.AIL(), m.pending)
	if err != nil {
		return RecoveryStats{}, false, err
	}
	m.pending = nil
	stats := RecoveryStats{Intents: len(intents)}
	if err := driver.RecoverIntents(ctx, intents); err != nil {
		return stats, false, err
	}
	if stats.ReclaimedBlocks, err = driver.ReclaimCow(ctx); err != nil {
		return stats, false, err
	}
	m.recovered = true
	dlog.Infof(ctx, "refcount: recovery done: %d intents, %v CoW blocks reclaimed",
		stats.Intents, textui.Humanized(stats.ReclaimedBlocks))
	return stats, true, nil
}

// Checkpoint writes every index to the checkpoint file and empties
// the log.
func (m *Mount) Checkpoint(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkWritable(); err != nil {
		return err
	}
	err := m.log.Reset(ctx, func(lastLSN rcprim.LSN) error {
		img := image{
			FSUUID:   m.log.FSUUID(),
			Geometry: m.geom,
			Features: m.features,
			LSN:      lastLSN,
			AGs:      make([]agImage, m.geom.AGCount),
		}
		for i := range img.AGs {
			ag := rcprim.AGNumber(i)
			var err error
			if img.AGs[i].Refcount, err = m.store.Records(ag); err != nil {
				return err
			}
			if img.AGs[i].Free, err = m.free.Extents(ag); err != nil {
				return err
			}
			if m.rmap != nil {
				if img.AGs[i].Rmap, err = m.rmap.Entries(ag); err != nil {
					return err
				}
			}
		}
		for _, it := range m.log.AIL().Items() {
			img.Intents = append(img.Intents, rcrecover.Logged{LSN: it.LSN(), Item: it.Format()})
		}
		return m.ckpt.Write(ctx, img)
	})
	if err != nil {
		if errors.Is(err, rcprim.ErrIO) {
			m.mgr.Shutdown(ctx, rctrans.ShutdownLogIOError)
		}
		return fmt.Errorf("refcount: checkpoint: %w", err)
	}
	return nil
}

func (m *Mount) checkReadable() error {
	if _, down := m.mgr.IsShutdown(); down {
		return rcprim.ErrShutdown
	}
	return nil
}

func (m *Mount) checkWritable() error {
	if err := m.checkReadable(); err != nil {
		return err
	}
	if !m.recovered {
		return ErrNotRecovered
	}
	return nil
}

// fail shuts the mount down if err is corruption.
func (m *Mount) fail(ctx context.Context, err error) error {
	if errors.Is(err, rcprim.ErrCorrupt) {
		m.mgr.Shutdown(ctx, rctrans.ShutdownCorruptIncore)
	}
	return err
}

// update runs fn in a transaction, then finishes whatever fn queued
// and commits.
func (m *Mount) update(ctx context.Context, fn func(*rctrans.Trans, *rcdefer.Ops) error) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.checkWritable(); err != nil {
		return err
	}
	tx, err := m.mgr.Begin(ctx)
	if err != nil {
		return err
	}
	ctx = dlog.WithField(ctx, "refcount.tx", tx.ID())
	ops := rcdefer.New(m.env)
	if err := fn(tx, ops); err != nil {
		tx.Cancel(ctx)
		return m.fail(ctx, err)
	}
	tx, err = ops.Finish(ctx, tx)
	if err != nil {
		tx.Cancel(ctx)
		return m.fail(ctx, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return m.fail(ctx, err)
	}
	return nil
}

// Apply carries out reqs as one chain of transactions.  Either all of
// them happen, or (after a crash) recovery finishes them.
func (m *Mount) Apply(ctx context.Context, reqs ...rcdefer.Request) error {
	for _, req := range reqs {
		if err := req.Validate(m.geom); err != nil {
			return err
		}
	}
	return m.update(ctx, func(_ *rctrans.Trans, ops *rcdefer.Ops) error {
		return ops.Add(reqs...)
	})
}

// Increase adds a reference to every block of the extent.
func (m *Mount) Increase(ctx context.Context, start rcprim.FSBlock, length rcprim.ExtLen) error {
	return m.Apply(ctx, rcdefer.Request{Op: rcprim.OpIncrease, Start: start, Len: length})
}

// Decrease drops a reference from every block of the extent; blocks
// left with none are freed.
func (m *Mount) Decrease(ctx context.Context, start rcprim.FSBlock, length rcprim.ExtLen) error {
	return m.Apply(ctx, rcdefer.Request{Op: rcprim.OpDecrease, Start: start, Len: length})
}

// StageCow records already-allocated blocks as the destination of a
// CoW write.
func (m *Mount) StageCow(ctx context.Context, start rcprim.FSBlock, length rcprim.ExtLen) error {
	return m.Apply(ctx, rcdefer.Request{Op: rcprim.OpAllocCow, Start: start, Len: length})
}

// UnstageCow ends the staging of a completed CoW write; the blocks
// are left with the implicit single reference of their new owner.
func (m *Mount) UnstageCow(ctx context.Context, start rcprim.FSBlock, length rcprim.ExtLen) error {
	return m.Apply(ctx, rcdefer.Request{Op: rcprim.OpFreeCow, Start: start, Len: length})
}

// CancelCow unstages a CoW extent and frees its blocks.
func (m *Mount) CancelCow(ctx context.Context, start rcprim.FSBlock, length rcprim.ExtLen) error {
	return m.Apply(ctx,
		rcdefer.Request{Op: rcprim.OpFreeCow, Start: start, Len: length},
		rcdefer.Request{Op: rcprim.OpDecrease, Start: start, Len: length})
}

// AllocateExtent allocates blocks in ag, leaving them with a single
// reference.
func (m *Mount) AllocateExtent(ctx context.Context, ag rcprim.AGNumber, length rcprim.ExtLen) (rcprim.FSBlock, error) {
	var ret rcprim.FSBlock
	err := m.update(ctx, func(tx *rctrans.Trans, _ *rcdefer.Ops) error {
		bno, err := m.free.Alloc(ctx, tx, ag, length)
		ret = m.geom.FSB(ag, bno)
		return err
	})
	if err != nil {
		return rcprim.NullFSBlock, err
	}
	return ret, nil
}

// AllocateExact allocates exactly [start, start+length), which must be
// free.
func (m *Mount) AllocateExact(ctx context.Context, start rcprim.FSBlock, length rcprim.ExtLen) error {
	if length == 0 || !m.geom.ValidFSB(start) || !m.geom.ValidExtent(m.geom.AGOf(start), m.geom.AGBlockOf(start), length) {
		return fmt.Errorf("refcount: allocate %v+%d: not a valid extent", start, length)
	}
	return m.update(ctx, func(tx *rctrans.Trans, _ *rcdefer.Ops) error {
		return m.free.AllocExact(ctx, tx, m.geom.AGOf(start), m.geom.AGBlockOf(start), length)
	})
}

// AllocateCow allocates blocks in ag and stages them for CoW, in one
// transaction.
func (m *Mount) AllocateCow(ctx context.Context, ag rcprim.AGNumber, length rcprim.ExtLen) (rcprim.FSBlock, error) {
	var ret rcprim.FSBlock
	err := m.update(ctx, func(tx *rctrans.Trans, ops *rcdefer.Ops) error {
		bno, err := m.free.Alloc(ctx, tx, ag, length)
		if err != nil {
			return err
		}
		ret = m.geom.FSB(ag, bno)
		return ops.Add(rcdefer.Request{Op: rcprim.OpAllocCow, Start: ret, Len: length})
	})
	if err != nil {
		return rcprim.NullFSBlock, err
	}
	return ret, nil
}

// FindShared looks for shared blocks in [start, start+length) of ag;
// see rctree.FindShared.
func (m *Mount) FindShared(ctx context.Context, ag rcprim.AGNumber, start rcprim.AGBlock, length rcprim.ExtLen, maximal bool) (rcprim.Extent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.checkReadable(); err != nil {
		return rcprim.Extent{}, err
	}
	tx, err := m.mgr.Begin(ctx)
	if err != nil {
		return rcprim.Extent{}, err
	}
	defer tx.Cancel(ctx)
	cur, err := m.env.OpenCursor(ctx, tx, ag)
	if err != nil {
		return rcprim.Extent{}, err
	}
	defer cur.Close()
	ret, err := rctree.FindShared(ctx, cur, start, length, maximal)
	if err != nil {
		return rcprim.Extent{}, m.fail(ctx, err)
	}
	return ret, nil
}

// Scrub checks every AG, concurrently.  Problems are returned as a
// derror.MultiError.
func (m *Mount) Scrub(ctx context.Context) (rctree.ScrubStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.checkReadable(); err != nil {
		return rctree.ScrubStats{}, err
	}

	var (
		mu    sync.Mutex
		total rctree.ScrubStats
		errs  derror.MultiError
	)
	grp := dgroup.NewGroup(ctx, dgroup.GroupConfig{})
	for ag := rcprim.AGNumber(0); ag < m.geom.AGCount; ag++ {
		ag := ag
		grp.Go(fmt.Sprintf("scrub-ag-%v", ag), func(ctx context.Context) error {
			stats, err := m.scrubAG(ctx, ag)
			mu.Lock()
			defer mu.Unlock()
			total.Records += stats.Records
			total.SharedBlocks += stats.SharedBlocks
			total.StagingBlocks += stats.StagingBlocks
			if err != nil {
				var agErrs derror.MultiError
				if errors.As(err, &agErrs) {
					errs = append(errs, agErrs...)
				} else {
					errs = append(errs, err)
				}
			}
			return nil
		})
	}
	if err := grp.Wait(); err != nil {
		return total, err
	}
	if len(errs) > 0 {
		return total, errs
	}
	return total, nil
}

func (m *Mount) scrubAG(ctx context.Context, ag rcprim.AGNumber) (rctree.ScrubStats, error) {
	ctx = dlog.WithField(ctx, "refcount.ag", ag)
	tx, err := m.mgr.Begin(ctx)
	if err != nil {
		return rctree.ScrubStats{}, err
	}
	defer tx.Cancel(ctx)
	cur, err := m.env.OpenCursor(ctx, tx, ag)
	if err != nil {
		return rctree.ScrubStats{}, err
	}
	defer cur.Close()
	return rctree.Scrub(ctx, cur)
}

// Records returns the refcount records of ag.
func (m *Mount) Records(ag rcprim.AGNumber) ([]rcprim.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.store.Records(ag)
}

// FreeExtents returns the free space of ag.
func (m *Mount) FreeExtents(ag rcprim.AGNumber) ([]rcprim.Extent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.free.Extents(ag)
}

// RmapEntries returns the reverse mapping of ag, or nil if the
// filesystem does not have one.
func (m *Mount) RmapEntries(ag rcprim.AGNumber) ([]rmap.Entry, error) {
	if m.rmap == nil {
		return nil, nil
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.rmap.Entries(ag)
}

func (m *Mount) Geometry() rcprim.Geometry { return m.geom }
func (m *Mount) Features() Features        { return m.features }
func (m *Mount) FSUUID() uuid.UUID         { return m.log.FSUUID() }
func (m *Mount) Log() *rclog.Log           { return m.log }

// Pending returns the intents that Open found without done items and
// that have not yet been recovered.
func (m *Mount) Pending() []rcrecover.Logged {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.pending
}

// Shutdown stops the mount; every later operation fails with
// rcprim.ErrShutdown.
func (m *Mount) Shutdown(ctx context.Context) {
	m.mgr.Shutdown(ctx, rctrans.ShutdownForced)
}

func (m *Mount) IsShutdown() (rctrans.ShutdownReason, bool) {
	return m.mgr.IsShutdown()
}

// Close closes both files without writing a checkpoint; whatever was
// committed since the last one is in the log.
func (m *Mount) Close() error {
	var errs derror.MultiError
	if err := m.log.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := m.ckpt.Close(); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return errs
	}
	return nil
}
