// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package rmap is the reverse mapping: for each allocation group, which
// owner holds which blocks.  The refcount engine uses it to tag CoW
// staging extents with rcprim.OwnerCow.
package rmap

import (
	"context"
	"fmt"

	"github.com/datawire/dlib/dlog"
	"github.com/google/btree"

	"git.lukeshu.com/refcount-ng/lib/refcount/rcprim"
)

const btreeDegree = 16

// Entry says that Owner holds [Start, Start+Len).
type Entry struct {
	Start rcprim.AGBlock `json:"start"`
	Len   rcprim.ExtLen  `json:"len"`
	Owner rcprim.Owner   `json:"owner"`
}

func (e Entry) End() rcprim.AGBlock { return e.Start + rcprim.AGBlock(e.Len) }

func (e Entry) String() string {
	return fmt.Sprintf("[%d,%d)@%v", e.Start, e.End(), e.Owner)
}

// Less orders entries by owner and then by start, so that each
// owner's extents are contiguous in the tree.
func (e *Entry) Less(than btree.Item) bool {
	o := than.(*Entry) //nolint:forcetypeassert // Only *Entry goes in the tree.
	if e.Owner != o.Owner {
		return e.Owner < o.Owner
	}
	return e.Start < o.Start
}

// Tree is the reverse mapping of every AG.  It relies on the
// transaction's AG lock for exclusion.
type Tree struct {
	ags []*btree.BTree
}

var _ rcprim.Applier = (*Tree)(nil)

func New(agCount rcprim.AGNumber) *Tree {
	ret := &Tree{
		ags: make([]*btree.BTree, agCount),
	}
	for i := range ret.ags {
		ret.ags[i] = btree.New(btreeDegree)
	}
	return ret
}

func (t *Tree) tree(ag rcprim.AGNumber) (*btree.BTree, error) {
	if int(ag) >= len(t.ags) {
		return nil, fmt.Errorf("rmap: ag %v out of range [0,%v)", ag, len(t.ags))
	}
	return t.ags[ag], nil
}

// neighbors returns owner's last entry starting <= start and first
// entry starting > start.
func neighbors(bt *btree.BTree, owner rcprim.Owner, start rcprim.AGBlock) (prev, next *Entry) {
	bt.DescendLessOrEqual(&Entry{Owner: owner, Start: start}, func(i btree.Item) bool {
		if e := i.(*Entry); e.Owner == owner { //nolint:forcetypeassert // Only *Entry goes in the tree.
			prev = e
		}
		return false
	})
	bt.AscendGreaterOrEqual(&Entry{Owner: owner, Start: start + 1}, func(i btree.Item) bool {
		if e := i.(*Entry); e.Owner == owner && start != rcprim.NullAGBlock { //nolint:forcetypeassert // Only *Entry goes in the tree.
			next = e
		}
		return false
	})
	return prev, next
}

func toTreeRec(e Entry) rcprim.TreeRec {
	return rcprim.TreeRec{Start: e.Start, Len: e.Len, Val: uint64(e.Owner)}
}

func (t *Tree) insert(tx rcprim.Tx, ag rcprim.AGNumber, bt *btree.BTree, e Entry) {
	bt.ReplaceOrInsert(&e)
	tx.Record(rcprim.Mutation{Tree: rcprim.TreeRmap, Action: rcprim.ActionInsert, AG: ag, New: toTreeRec(e)})
}

func (t *Tree) delete(tx rcprim.Tx, ag rcprim.AGNumber, bt *btree.BTree, e *Entry) {
	bt.Delete(e)
	tx.Record(rcprim.Mutation{Tree: rcprim.TreeRmap, Action: rcprim.ActionDelete, AG: ag, Old: toTreeRec(*e)})
}

// update replaces old with upd.  Both have the same owner; the start
// may move so long as it does not pass a neighbor.
func (t *Tree) update(tx rcprim.Tx, ag rcprim.AGNumber, bt *btree.BTree, old *Entry, upd Entry) {
	oldVal := *old
	bt.Delete(old)
	bt.ReplaceOrInsert(&upd)
	tx.Record(rcprim.Mutation{Tree: rcprim.TreeRmap, Action: rcprim.ActionUpdate, AG: ag, Old: toTreeRec(oldVal), New: toTreeRec(upd)})
}

// AddOwner records that owner holds [start, start+length), merging
// with the owner's adjacent extents.  An overlap with an extent the
// owner already holds is corruption.
func (t *Tree) AddOwner(ctx context.Context, tx rcprim.Tx, ag rcprim.AGNumber, start rcprim.AGBlock, length rcprim.ExtLen, owner rcprim.Owner) error {
	bt, err := t.tree(ag)
	if err != nil {
		return err
	}
	if length == 0 {
		return rcprim.Corruptf(ag, "rmap: zero-length extent for %v", owner)
	}
	if err := tx.LockAG(ctx, ag); err != nil {
		return err
	}
	add := Entry{Start: start, Len: length, Owner: owner}
	dlog.Tracef(ctx, "rmap: add %v", add)

	prev, next := neighbors(bt, owner, start)
	if prev != nil && prev.End() > add.Start {
		return rcprim.Corruptf(ag, "rmap: %v overlaps %v", add, *prev)
	}
	if next != nil && add.End() > next.Start {
		return rcprim.Corruptf(ag, "rmap: %v overlaps %v", add, *next)
	}
	mergePrev := prev != nil && prev.End() == add.Start && uint64(prev.Len)+uint64(add.Len) < uint64(rcprim.MaxExtLen)
	mergeNext := next != nil && add.End() == next.Start && uint64(add.Len)+uint64(next.Len) < uint64(rcprim.MaxExtLen)
	if mergePrev && mergeNext && uint64(prev.Len)+uint64(add.Len)+uint64(next.Len) >= uint64(rcprim.MaxExtLen) {
		mergeNext = false
	}
	switch {
	case mergePrev && mergeNext:
		merged := Entry{Start: prev.Start, Len: prev.Len + add.Len + next.Len, Owner: owner}
		t.delete(tx, ag, bt, next)
		t.update(tx, ag, bt, prev, merged)
	case mergePrev:
		t.update(tx, ag, bt, prev, Entry{Start: prev.Start, Len: prev.Len + add.Len, Owner: owner})
	case mergeNext:
		t.update(tx, ag, bt, next, Entry{Start: add.Start, Len: add.Len + next.Len, Owner: owner})
	default:
		t.insert(tx, ag, bt, add)
	}
	return nil
}

// RemoveOwner drops owner's hold on [start, start+length), which must
// lie entirely within one of the owner's extents.
func (t *Tree) RemoveOwner(ctx context.Context, tx rcprim.Tx, ag rcprim.AGNumber, start rcprim.AGBlock, length rcprim.ExtLen, owner rcprim.Owner) error {
	bt, err := t.tree(ag)
	if err != nil {
		return err
	}
	if err := tx.LockAG(ctx, ag); err != nil {
		return err
	}
	rm := Entry{Start: start, Len: length, Owner: owner}
	dlog.Tracef(ctx, "rmap: remove %v", rm)

	have, _ := neighbors(bt, owner, start)
	if have == nil || length == 0 || have.End() < rm.End() {
		return rcprim.Corruptf(ag, "rmap: remove %v: not held", rm)
	}
	left := Entry{Start: have.Start, Len: rcprim.ExtLen(rm.Start - have.Start), Owner: owner}
	right := Entry{Start: rm.End(), Len: rcprim.ExtLen(have.End() - rm.End()), Owner: owner}
	switch {
	case left.Len == 0 && right.Len == 0:
		t.delete(tx, ag, bt, have)
	case left.Len == 0:
		t.update(tx, ag, bt, have, right)
	case right.Len == 0:
		t.update(tx, ag, bt, have, left)
	default:
		t.update(tx, ag, bt, have, left)
		t.insert(tx, ag, bt, right)
	}
	return nil
}

// Covers reports whether owner holds every block of [start,
// start+length).  The caller must hold the AG lock.
func (t *Tree) Covers(ag rcprim.AGNumber, start rcprim.AGBlock, length rcprim.ExtLen, owner rcprim.Owner) bool {
	bt, err := t.tree(ag)
	if err != nil {
		return false
	}
	have, _ := neighbors(bt, owner, start)
	return have != nil && have.End() >= start+rcprim.AGBlock(length)
}

// Entries returns every entry of the AG, grouped by owner.  The
// caller must hold the AG lock.
func (t *Tree) Entries(ag rcprim.AGNumber) ([]Entry, error) {
	bt, err := t.tree(ag)
	if err != nil {
		return nil, err
	}
	ret := make([]Entry, 0, bt.Len())
	bt.Ascend(func(i btree.Item) bool {
		ret = append(ret, *i.(*Entry)) //nolint:forcetypeassert // Only *Entry goes in the tree.
		return true
	})
	return ret, nil
}

// Load replaces an AG's entries, as when reading a checkpoint.
func (t *Tree) Load(ag rcprim.AGNumber, entries []Entry) error {
	bt, err := t.tree(ag)
	if err != nil {
		return err
	}
	fresh := btree.New(btreeDegree)
	for _, e := range entries {
		e := e
		if e.Len == 0 {
			return rcprim.Corruptf(ag, "rmap: zero-length entry %v", e)
		}
		if fresh.ReplaceOrInsert(&e) != nil {
			return rcprim.Corruptf(ag, "rmap: duplicate entry %v", e)
		}
	}
	*bt = *fresh
	return nil
}

// Apply replays a reverse-mapping mutation.
func (t *Tree) Apply(m rcprim.Mutation) error {
	if m.Tree != rcprim.TreeRmap {
		return fmt.Errorf("rmap: cannot apply %v", m)
	}
	bt, err := t.tree(m.AG)
	if err != nil {
		return err
	}
	oldEnt := Entry{Start: m.Old.Start, Len: m.Old.Len, Owner: rcprim.Owner(m.Old.Val)}
	newEnt := Entry{Start: m.New.Start, Len: m.New.Len, Owner: rcprim.Owner(m.New.Val)}
	switch m.Action {
	case rcprim.ActionInsert:
		if bt.Has(&newEnt) {
			return fmt.Errorf("rmap: apply %v: duplicate", m)
		}
		bt.ReplaceOrInsert(&newEnt)
	case rcprim.ActionDelete, rcprim.ActionUpdate:
		got, _ := bt.Get(&oldEnt).(*Entry)
		if got == nil || *got != oldEnt {
			return fmt.Errorf("rmap: apply %v: no such entry", m)
		}
		bt.Delete(got)
		if m.Action == rcprim.ActionUpdate {
			bt.ReplaceOrInsert(&newEnt)
		}
	default:
		return fmt.Errorf("rmap: apply %v: invalid action", m)
	}
	return nil
}
