// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package freespace tracks which blocks of each allocation group are
// free.  It is a minimal first-fit allocator; its job here is to
// receive the blocks whose share count drops to zero.
package freespace

import (
	"context"
	"errors"
	"fmt"

	"github.com/datawire/dlib/dlog"

	"git.lukeshu.com/refcount-ng/lib/containers"
	"git.lukeshu.com/refcount-ng/lib/refcount/rcprim"
)

var ErrNoSpace = errors.New("no space left in allocation group")

type startKey = containers.Key[rcprim.AGBlock]

func extentKey(ext rcprim.Extent) startKey {
	return startKey{Val: ext.Start}
}

type agTree = containers.RBTree[startKey, rcprim.Extent]

// Space is the free-extent index of every AG.  Like the refcount
// store it relies on the transaction's AG lock for exclusion.
type Space struct {
	agBlocks rcprim.AGBlock
	ags      []*agTree
}

var _ rcprim.Applier = (*Space)(nil)

// New returns a Space in which every AG is entirely free.
func New(geom rcprim.Geometry) *Space {
	ret := &Space{
		agBlocks: geom.AGBlocks,
		ags:      make([]*agTree, geom.AGCount),
	}
	for i := range ret.ags {
		ret.ags[i] = &agTree{KeyFn: extentKey}
		ret.ags[i].Insert(rcprim.Extent{Start: 0, Len: rcprim.ExtLen(geom.AGBlocks)})
	}
	return ret
}

func (s *Space) tree(ag rcprim.AGNumber) (*agTree, error) {
	if int(ag) >= len(s.ags) {
		return nil, fmt.Errorf("freespace: ag %v out of range [0,%v)", ag, len(s.ags))
	}
	return s.ags[ag], nil
}

func (s *Space) checkRange(ag rcprim.AGNumber, start rcprim.AGBlock, length rcprim.ExtLen) error {
	if length == 0 || uint64(start)+uint64(length) > uint64(s.agBlocks) {
		return rcprim.Corruptf(ag, "freespace: extent [%d,+%d) is outside the AG", start, length)
	}
	return nil
}

func toTreeRec(ext rcprim.Extent) rcprim.TreeRec {
	return rcprim.TreeRec{Start: ext.Start, Len: ext.Len}
}

func (s *Space) insert(tx rcprim.Tx, ag rcprim.AGNumber, tree *agTree, ext rcprim.Extent) {
	tree.Insert(ext)
	tx.Record(rcprim.Mutation{Tree: rcprim.TreeFree, Action: rcprim.ActionInsert, AG: ag, New: toTreeRec(ext)})
}

func (s *Space) delete(tx rcprim.Tx, ag rcprim.AGNumber, tree *agTree, node *containers.RBNode[rcprim.Extent]) {
	old := node.Value
	tree.Delete(node)
	tx.Record(rcprim.Mutation{Tree: rcprim.TreeFree, Action: rcprim.ActionDelete, AG: ag, Old: toTreeRec(old)})
}

func (s *Space) update(tx rcprim.Tx, ag rcprim.AGNumber, node *containers.RBNode[rcprim.Extent], ext rcprim.Extent) {
	old := node.Value
	node.Value = ext
	tx.Record(rcprim.Mutation{Tree: rcprim.TreeFree, Action: rcprim.ActionUpdate, AG: ag, Old: toTreeRec(old), New: toTreeRec(ext)})
}

// FreeExtent returns [start, start+length) to the AG's free space,
// merging it with free neighbors.  Freeing a block that is already
// free is corruption.
func (s *Space) FreeExtent(ctx context.Context, tx rcprim.Tx, ag rcprim.AGNumber, start rcprim.AGBlock, length rcprim.ExtLen, owner rcprim.Owner) error {
	if err := s.checkRange(ag, start, length); err != nil {
		return err
	}
	tree, err := s.tree(ag)
	if err != nil {
		return err
	}
	if err := tx.LockAG(ctx, ag); err != nil {
		return err
	}
	ext := rcprim.Extent{Start: start, Len: length}
	dlog.Tracef(ctx, "freespace: free %v owner=%v", ext, owner)

	prev := tree.Floor(extentKey(ext))
	var next *containers.RBNode[rcprim.Extent]
	if prev != nil {
		next = prev.Next()
	} else {
		next = tree.Min()
	}
	if prev != nil && prev.Value.End() > ext.Start {
		return rcprim.Corruptf(ag, "freespace: double free of %v (overlaps free %v)", ext, prev.Value)
	}
	if next != nil && ext.End() > next.Value.Start {
		return rcprim.Corruptf(ag, "freespace: double free of %v (overlaps free %v)", ext, next.Value)
	}

	mergePrev := prev != nil && prev.Value.End() == ext.Start
	mergeNext := next != nil && ext.End() == next.Value.Start
	switch {
	case mergePrev && mergeNext:
		merged := rcprim.Extent{Start: prev.Value.Start, Len: prev.Value.Len + ext.Len + next.Value.Len}
		s.delete(tx, ag, tree, next)
		s.update(tx, ag, prev, merged)
	case mergePrev:
		s.update(tx, ag, prev, rcprim.Extent{Start: prev.Value.Start, Len: prev.Value.Len + ext.Len})
	case mergeNext:
		s.update(tx, ag, next, rcprim.Extent{Start: ext.Start, Len: ext.Len + next.Value.Len})
	default:
		s.insert(tx, ag, tree, ext)
	}
	return nil
}

// Alloc takes the first free run of at least length blocks.
func (s *Space) Alloc(ctx context.Context, tx rcprim.Tx, ag rcprim.AGNumber, length rcprim.ExtLen) (rcprim.AGBlock, error) {
	tree, err := s.tree(ag)
	if err != nil {
		return 0, err
	}
	if length == 0 {
		return 0, fmt.Errorf("freespace: zero-length allocation")
	}
	if err := tx.LockAG(ctx, ag); err != nil {
		return 0, err
	}
	for node := tree.Min(); node != nil; node = node.Next() {
		if node.Value.Len < length {
			continue
		}
		start := node.Value.Start
		s.carve(tx, ag, tree, node, start, length)
		dlog.Tracef(ctx, "freespace: alloc %v", rcprim.Extent{Start: start, Len: length})
		return start, nil
	}
	return 0, fmt.Errorf("freespace: ag %v: alloc %v blocks: %w", ag, length, ErrNoSpace)
}

// AllocExact takes exactly [start, start+length), which must be
// free.
func (s *Space) AllocExact(ctx context.Context, tx rcprim.Tx, ag rcprim.AGNumber, start rcprim.AGBlock, length rcprim.ExtLen) error {
	if err := s.checkRange(ag, start, length); err != nil {
		return err
	}
	tree, err := s.tree(ag)
	if err != nil {
		return err
	}
	if err := tx.LockAG(ctx, ag); err != nil {
		return err
	}
	want := rcprim.Extent{Start: start, Len: length}
	node := tree.Floor(extentKey(want))
	if node == nil || node.Value.End() < want.End() {
		return fmt.Errorf("freespace: ag %v: alloc %v: %w", ag, want, ErrNoSpace)
	}
	s.carve(tx, ag, tree, node, start, length)
	dlog.Tracef(ctx, "freespace: alloc %v", want)
	return nil
}

// carve removes [start, start+length) from the free extent at node,
// which must contain it.
func (s *Space) carve(tx rcprim.Tx, ag rcprim.AGNumber, tree *agTree, node *containers.RBNode[rcprim.Extent], start rcprim.AGBlock, length rcprim.ExtLen) {
	free := node.Value
	end := start + rcprim.AGBlock(length)
	left := rcprim.Extent{Start: free.Start, Len: rcprim.ExtLen(start - free.Start)}
	right := rcprim.Extent{Start: end, Len: rcprim.ExtLen(free.End() - end)}
	switch {
	case left.Len == 0 && right.Len == 0:
		s.delete(tx, ag, tree, node)
	case left.Len == 0:
		s.update(tx, ag, node, right)
	case right.Len == 0:
		s.update(tx, ag, node, left)
	default:
		s.update(tx, ag, node, left)
		s.insert(tx, ag, tree, right)
	}
}

// Overlaps reports the first free extent that intersects [start,
// start+length), if any.  The caller must hold the AG lock.
func (s *Space) Overlaps(ag rcprim.AGNumber, start rcprim.AGBlock, length rcprim.ExtLen) (rcprim.Extent, bool) {
	tree, err := s.tree(ag)
	if err != nil {
		return rcprim.Extent{}, false
	}
	want := rcprim.Extent{Start: start, Len: length}
	node := tree.Floor(extentKey(want))
	if node == nil {
		node = tree.Min()
	}
	for ; node != nil && node.Value.Start < want.End(); node = node.Next() {
		if node.Value.End() > want.Start {
			return node.Value, true
		}
	}
	return rcprim.Extent{}, false
}

// Extents returns the AG's free extents in order.  The caller must
// hold the AG lock.
func (s *Space) Extents(ag rcprim.AGNumber) ([]rcprim.Extent, error) {
	tree, err := s.tree(ag)
	if err != nil {
		return nil, err
	}
	return tree.Values(), nil
}

// Load replaces an AG's free extents, as when reading a checkpoint.
func (s *Space) Load(ag rcprim.AGNumber, exts []rcprim.Extent) error {
	tree, err := s.tree(ag)
	if err != nil {
		return err
	}
	fresh := &agTree{KeyFn: extentKey}
	for i, ext := range exts {
		if err := s.checkRange(ag, ext.Start, ext.Len); err != nil {
			return err
		}
		if i > 0 && exts[i-1].End() >= ext.Start {
			return rcprim.Corruptf(ag, "freespace: %v is not after %v", ext, exts[i-1])
		}
		fresh.Insert(ext)
	}
	*tree = *fresh
	return nil
}

// Apply replays a free-tree mutation.
func (s *Space) Apply(m rcprim.Mutation) error {
	if m.Tree != rcprim.TreeFree {
		return fmt.Errorf("freespace: cannot apply %v", m)
	}
	tree, err := s.tree(m.AG)
	if err != nil {
		return err
	}
	oldExt := rcprim.Extent{Start: m.Old.Start, Len: m.Old.Len}
	newExt := rcprim.Extent{Start: m.New.Start, Len: m.New.Len}
	switch m.Action {
	case rcprim.ActionInsert:
		if _, inserted := tree.Insert(newExt); !inserted {
			return fmt.Errorf("freespace: apply %v: duplicate", m)
		}
	case rcprim.ActionDelete, rcprim.ActionUpdate:
		node := tree.Lookup(extentKey(oldExt))
		if node == nil || node.Value != oldExt {
			return fmt.Errorf("freespace: apply %v: no such extent", m)
		}
		if m.Action == rcprim.ActionDelete {
			tree.Delete(node)
		} else {
			node.Value = newExt
		}
	default:
		return fmt.Errorf("freespace: apply %v: invalid action", m)
	}
	return nil
}
