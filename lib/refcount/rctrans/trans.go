// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package rctrans provides transactions over the per-AG indexes: AG
// exclusion, a journal of every mutation (logged on commit, undone on
// cancel), and the log items that ride along with the commit.
package rctrans

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/datawire/dlib/dlog"

	"git.lukeshu.com/refcount-ng/lib/refcount/rclog"
	"git.lukeshu.com/refcount-ng/lib/refcount/rcprim"
)

type ShutdownReason uint8

const (
	ShutdownCorruptIncore = ShutdownReason(iota + 1)
	ShutdownLogIOError
	ShutdownForced
)

func (r ShutdownReason) String() string {
	switch r {
	case ShutdownCorruptIncore:
		return "corruption of in-memory data detected"
	case ShutdownLogIOError:
		return "log I/O error"
	case ShutdownForced:
		return "forced"
	default:
		return fmt.Sprintf("ShutdownReason(%d)", uint8(r))
	}
}

// DefaultLogRes is the default number of log bytes reserved for each
// transaction.
const DefaultLogRes = 64 * 1024

// Manager hands out transactions for one mount.
type Manager struct {
	log      *rclog.Log
	pool     *rclog.ItemPool
	logRes   int
	agLocks  []chan struct{}
	appliers map[rcprim.Tree]rcprim.Applier

	nextID atomic.Uint64

	shutdownMu     sync.Mutex
	shutdownReason ShutdownReason
	onShutdown     []func(ShutdownReason)
}

// NewManager returns a Manager.  appliers are used to undo the
// journal of a cancelled transaction.
func NewManager(log *rclog.Log, pool *rclog.ItemPool, agCount rcprim.AGNumber, logRes int, appliers map[rcprim.Tree]rcprim.Applier) *Manager {
	if logRes <= 0 {
		logRes = DefaultLogRes
	}
	m := &Manager{
		log:      log,
		pool:     pool,
		logRes:   logRes,
		agLocks:  make([]chan struct{}, agCount),
		appliers: appliers,
	}
	for i := range m.agLocks {
		m.agLocks[i] = make(chan struct{}, 1)
	}
	return m
}

func (m *Manager) Log() *rclog.Log          { return m.log }
func (m *Manager) Pool() *rclog.ItemPool    { return m.pool }
func (m *Manager) AGCount() rcprim.AGNumber { return rcprim.AGNumber(len(m.agLocks)) }

// OnShutdown registers fn to be called (once) when the manager shuts
// down.
func (m *Manager) OnShutdown(fn func(ShutdownReason)) {
	m.shutdownMu.Lock()
	defer m.shutdownMu.Unlock()
	m.onShutdown = append(m.onShutdown, fn)
}

// Shutdown stops all further transactions.  Only the first reason
// is kept.
func (m *Manager) Shutdown(ctx context.Context, reason ShutdownReason) {
	m.shutdownMu.Lock()
	if m.shutdownReason != 0 {
		m.shutdownMu.Unlock()
		return
	}
	m.shutdownReason = reason
	hooks := m.onShutdown
	m.shutdownMu.Unlock()

	dlog.Errorf(ctx, "refcount: shutting down: %v", reason)
	for _, fn := range hooks {
		fn(reason)
	}
}

// IsShutdown returns the reason the manager was shut down, if it
// was.
func (m *Manager) IsShutdown() (ShutdownReason, bool) {
	m.shutdownMu.Lock()
	defer m.shutdownMu.Unlock()
	return m.shutdownReason, m.shutdownReason != 0
}

// Begin starts a transaction.
func (m *Manager) Begin(ctx context.Context) (*Trans, error) {
	if _, down := m.IsShutdown(); down {
		return nil, rcprim.ErrShutdown
	}
	t := &Trans{
		m:    m,
		id:   m.nextID.Add(1),
		held: make(map[rcprim.AGNumber]struct{}),
	}
	dlog.Tracef(ctx, "tx %d: begin", t.id)
	return t, nil
}

// Trans is one transaction.  It is not safe for concurrent use.
type Trans struct {
	m  *Manager
	id uint64

	held    map[rcprim.AGNumber]struct{}
	journal []rcprim.Mutation
	items   []rclog.Item
	dirty   bool
	done    bool
}

var _ rcprim.Tx = (*Trans)(nil)

func (t *Trans) ID() uint64            { return t.id }
func (t *Trans) Manager() *Manager     { return t.m }
func (t *Trans) Pool() *rclog.ItemPool { return t.m.pool }

// LockAG implements rcprim.Tx.  Transactions that take more than one
// AG lock must take them in increasing AG order.
func (t *Trans) LockAG(ctx context.Context, ag rcprim.AGNumber) error {
	if t.done {
		panic(fmt.Errorf("should not happen: tx %d: lock after commit/cancel", t.id))
	}
	if int(ag) >= len(t.m.agLocks) {
		return fmt.Errorf("rctrans: ag %v out of range [0,%v)", ag, len(t.m.agLocks))
	}
	if _, ok := t.held[ag]; ok {
		return nil
	}
	select {
	case t.m.agLocks[ag] <- struct{}{}:
		t.held[ag] = struct{}{}
		dlog.Tracef(ctx, "tx %d: locked ag %v", t.id, ag)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// HoldsAG reports whether the transaction holds the AG lock.
func (t *Trans) HoldsAG(ag rcprim.AGNumber) bool {
	_, ok := t.held[ag]
	return ok
}

// Record implements rcprim.Tx.
func (t *Trans) Record(mut rcprim.Mutation) {
	if !t.HoldsAG(mut.AG) {
		panic(fmt.Errorf("should not happen: tx %d: %v without the ag lock", t.id, mut))
	}
	t.journal = append(t.journal, mut)
	t.dirty = true
}

// AddItem attaches a log item to the transaction.  The item is only
// written if the transaction is dirty at commit; callers that log
// content into it must call MarkDirty.
func (t *Trans) AddItem(item rclog.Item) {
	item.Pin()
	t.items = append(t.items, item)
}

func (t *Trans) MarkDirty()  { t.dirty = true }
func (t *Trans) Dirty() bool { return t.dirty }

// Journal returns the mutations made so far.  It must not be
// modified.
func (t *Trans) Journal() []rcprim.Mutation { return t.journal }

// LogRes is the number of log bytes reserved for the transaction.
func (t *Trans) LogRes() int { return t.m.logRes }

// Reserved is the number of log bytes the transaction has used so
// far.
func (t *Trans) Reserved() int {
	ret := len(t.journal) * rclog.MutationSize
	for _, item := range t.items {
		ret += item.Size()
	}
	return ret
}

func (t *Trans) release() {
	for ag := range t.held {
		<-t.m.agLocks[ag]
		delete(t.held, ag)
	}
	t.done = true
}

// undo applies the inverse of the journal, newest first.
func (t *Trans) undo(ctx context.Context) {
	for i := len(t.journal) - 1; i >= 0; i-- {
		inv := t.journal[i].Inverse()
		applier, ok := t.m.appliers[inv.Tree]
		if !ok {
			dlog.Errorf(ctx, "tx %d: undo %v: no applier for tree", t.id, inv)
			continue
		}
		if err := applier.Apply(inv); err != nil {
			dlog.Errorf(ctx, "tx %d: undo %v: %v", t.id, inv, err)
		}
	}
	t.journal = nil
}

func (t *Trans) abortItems() {
	for _, item := range t.items {
		item.Abort()
	}
	t.items = nil
}

// Commit logs the transaction and releases its locks.  If the log
// write fails, the transaction's changes are undone and the manager
// is shut down.
func (t *Trans) Commit(ctx context.Context) error {
	if t.done {
		panic(fmt.Errorf("should not happen: tx %d: commit after commit/cancel", t.id))
	}
	defer t.release()
	if !t.dirty {
		dlog.Tracef(ctx, "tx %d: clean commit", t.id)
		t.abortItems()
		return nil
	}
	if _, down := t.m.IsShutdown(); down {
		t.undo(ctx)
		t.abortItems()
		return rcprim.ErrShutdown
	}
	if res := t.Reserved(); res > t.m.logRes {
		dlog.Warnf(ctx, "tx %d: used %d bytes of log but reserved only %d", t.id, res, t.m.logRes)
	}

	formats := make([]rclog.ItemFormat, 0, len(t.items))
	for _, item := range t.items {
		formats = append(formats, item.Format())
	}
	ail := t.m.log.AIL()
	lsn, err := t.m.log.Write(ctx, formats, t.journal, func(lsn rcprim.LSN) {
		for _, item := range t.items {
			if item.Committed(lsn) == rclog.LSNReclaimed {
				continue
			}
			if intent, ok := item.(*rclog.IntentItem); ok {
				ail.Insert(intent)
			}
			item.Unpin(false)
		}
	})
	if err != nil {
		t.undo(ctx)
		t.abortItems()
		t.m.Shutdown(ctx, ShutdownLogIOError)
		return fmt.Errorf("rctrans: commit tx %d: %w", t.id, err)
	}
	dlog.Tracef(ctx, "tx %d: committed at lsn %v (%d items, %d mutations)",
		t.id, lsn, len(t.items), len(t.journal))
	t.items = nil
	t.journal = nil
	return nil
}

// Cancel abandons the transaction.  Cancelling a dirty transaction
// undoes its changes but shuts the manager down, since whatever
// failed left the caller's intent unfinished.
func (t *Trans) Cancel(ctx context.Context) {
	if t.done {
		return
	}
	defer t.release()
	if !t.dirty {
		dlog.Tracef(ctx, "tx %d: clean cancel", t.id)
		t.abortItems()
		return
	}
	dlog.Debugf(ctx, "tx %d: cancelling with %d mutations and %d items", t.id, len(t.journal), len(t.items))
	t.undo(ctx)
	t.abortItems()
	t.m.Shutdown(ctx, ShutdownCorruptIncore)
}

// Roll commits the transaction and begins a fresh one.
func (t *Trans) Roll(ctx context.Context) (*Trans, error) {
	if err := t.Commit(ctx); err != nil {
		return nil, err
	}
	next, err := t.m.Begin(ctx)
	if err != nil {
		return nil, err
	}
	dlog.Debugf(ctx, "tx %d: rolled to tx %d", t.id, next.id)
	return next, nil
}
