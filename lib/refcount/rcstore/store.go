// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package rcstore is the indexed range store that holds the refcount
// records of each allocation group, and the cursors used to walk and
// modify them.
package rcstore

import (
	"context"
	"errors"
	"fmt"

	"git.lukeshu.com/refcount-ng/lib/containers"
	"git.lukeshu.com/refcount-ng/lib/refcount/rcprim"
)

var (
	ErrDuplicate = errors.New("record already exists")
	ErrNotFound  = errors.New("no such record")
	ErrOverlap   = errors.New("record overlaps a neighbor")
	ErrClosed    = errors.New("cursor is closed")
	ErrNoRecord  = errors.New("cursor is not positioned at a record")
)

// Store hands out cursors over one AG's records.
type Store interface {
	OpenCursor(ctx context.Context, tx rcprim.Tx, ag rcprim.AGNumber) (Cursor, error)
}

// Cursor is a position within one AG's records.  Every positioning
// call reports whether it landed on a record.  A cursor that did not
// land on a record is between two records (or before the first, or
// after the last), and Increment/Decrement move from there.
type Cursor interface {
	AG() rcprim.AGNumber
	Tx() rcprim.Tx

	// LookupLE positions at the record with the greatest start
	// <= bno.
	LookupLE(bno rcprim.AGBlock) (bool, error)
	// LookupGE positions at the record with the least start >=
	// bno.
	LookupGE(bno rcprim.AGBlock) (bool, error)
	Get() (rcprim.Record, bool, error)
	Increment() (bool, error)
	Decrement() (bool, error)

	// Insert adds rec and positions at it.  It returns false if a
	// record with the same start already exists.
	Insert(rcprim.Record) (bool, error)
	// Update replaces the current record.
	Update(rcprim.Record) error
	// Delete removes the current record and positions at the
	// record that followed it.  It returns false if the cursor is
	// not at a record.
	Delete() (bool, error)

	Close()
}

type startKey = containers.Key[rcprim.AGBlock]

func recordKey(rec rcprim.Record) startKey {
	return startKey{Val: rec.Start}
}

type agTree = containers.RBTree[startKey, rcprim.Record]

// MemStore keeps each AG's records in a red-black tree.  It does no
// locking of its own: OpenCursor takes the AG lock through the
// transaction, and the transaction holds it until it commits or is
// cancelled.
type MemStore struct {
	ags []*agTree
}

var (
	_ Store          = (*MemStore)(nil)
	_ rcprim.Applier = (*MemStore)(nil)
)

func NewMemStore(agCount rcprim.AGNumber) *MemStore {
	ret := &MemStore{
		ags: make([]*agTree, agCount),
	}
	for i := range ret.ags {
		ret.ags[i] = &agTree{KeyFn: recordKey}
	}
	return ret
}

func (s *MemStore) tree(ag rcprim.AGNumber) (*agTree, error) {
	if int(ag) >= len(s.ags) {
		return nil, fmt.Errorf("rcstore: ag %v out of range [0,%v)", ag, len(s.ags))
	}
	return s.ags[ag], nil
}

func (s *MemStore) OpenCursor(ctx context.Context, tx rcprim.Tx, ag rcprim.AGNumber) (Cursor, error) {
	tree, err := s.tree(ag)
	if err != nil {
		return nil, err
	}
	if err := tx.LockAG(ctx, ag); err != nil {
		return nil, err
	}
	return &memCursor{
		tx:   tx,
		ag:   ag,
		tree: tree,
		edge: edgeBefore,
	}, nil
}

// Records returns a copy of the AG's records, in order.  The caller
// must hold the AG lock.
func (s *MemStore) Records(ag rcprim.AGNumber) ([]rcprim.Record, error) {
	tree, err := s.tree(ag)
	if err != nil {
		return nil, err
	}
	return tree.Values(), nil
}

// Load replaces the AG's records wholesale; it is used when reading
// a checkpoint.  Records must be ordered and disjoint.
func (s *MemStore) Load(ag rcprim.AGNumber, recs []rcprim.Record) error {
	tree, err := s.tree(ag)
	if err != nil {
		return err
	}
	fresh := &agTree{KeyFn: recordKey}
	for i, rec := range recs {
		if rec.Len == 0 {
			return fmt.Errorf("rcstore: ag %v: record %v: zero length", ag, rec)
		}
		if i > 0 && recs[i-1].End() > rec.Start {
			return fmt.Errorf("rcstore: ag %v: record %v: %w: %v", ag, rec, ErrOverlap, recs[i-1])
		}
		fresh.Insert(rec)
	}
	*tree = *fresh
	return nil
}

// Apply replays a refcount-tree mutation.  The caller must hold the
// AG lock, or have exclusive access to the store (as during log
// replay).
func (s *MemStore) Apply(m rcprim.Mutation) error {
	if m.Tree != rcprim.TreeRefcount {
		return fmt.Errorf("rcstore: cannot apply %v", m)
	}
	tree, err := s.tree(m.AG)
	if err != nil {
		return err
	}
	oldRec := rcprim.Record{Start: m.Old.Start, Len: m.Old.Len, Count: rcprim.Refcount(m.Old.Val)}
	newRec := rcprim.Record{Start: m.New.Start, Len: m.New.Len, Count: rcprim.Refcount(m.New.Val)}
	switch m.Action {
	case rcprim.ActionInsert:
		if err := checkNeighbors(tree, nil, newRec); err != nil {
			return fmt.Errorf("rcstore: apply %v: %w", m, err)
		}
		if _, inserted := tree.Insert(newRec); !inserted {
			return fmt.Errorf("rcstore: apply %v: %w", m, ErrDuplicate)
		}
	case rcprim.ActionDelete:
		node := tree.Lookup(recordKey(oldRec))
		if node == nil || node.Value != oldRec {
			return fmt.Errorf("rcstore: apply %v: %w", m, ErrNotFound)
		}
		tree.Delete(node)
	case rcprim.ActionUpdate:
		node := tree.Lookup(recordKey(oldRec))
		if node == nil || node.Value != oldRec {
			return fmt.Errorf("rcstore: apply %v: %w", m, ErrNotFound)
		}
		if err := checkNeighbors(tree, node, newRec); err != nil {
			return fmt.Errorf("rcstore: apply %v: %w", m, err)
		}
		node.Value = newRec
	default:
		return fmt.Errorf("rcstore: apply %v: invalid action", m)
	}
	return nil
}

// checkNeighbors verifies that rec could occupy node's place (or be
// inserted, if node is nil) without overlapping or reordering.
func checkNeighbors(tree *agTree, node *containers.RBNode[rcprim.Record], rec rcprim.Record) error {
	if rec.Len == 0 {
		return fmt.Errorf("%v: zero length", rec)
	}
	if uint64(rec.Start)+uint64(rec.Len) > uint64(rcprim.NullAGBlock) {
		return fmt.Errorf("%v: extends past the end of the address space", rec)
	}
	var prev, next *containers.RBNode[rcprim.Record]
	if node != nil {
		prev, next = node.Prev(), node.Next()
	} else {
		prev = tree.Floor(recordKey(rec))
		if prev != nil && prev.Value.Start == rec.Start {
			return ErrDuplicate
		}
		next = tree.Ceil(recordKey(rec))
	}
	if prev != nil && prev.Value.End() > rec.Start {
		return fmt.Errorf("%w: %v and %v", ErrOverlap, prev.Value, rec)
	}
	if next != nil && rec.End() > next.Value.Start {
		return fmt.Errorf("%w: %v and %v", ErrOverlap, rec, next.Value)
	}
	return nil
}
