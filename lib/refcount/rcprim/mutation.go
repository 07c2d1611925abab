// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package rcprim

import (
	"context"
	"fmt"
)

// Tree names one of the per-AG indexes that a transaction can
// mutate.
type Tree uint8

const (
	TreeRefcount = Tree(iota + 1)
	TreeFree
	TreeRmap
)

func (t Tree) String() string {
	switch t {
	case TreeRefcount:
		return "refcount"
	case TreeFree:
		return "free"
	case TreeRmap:
		return "rmap"
	default:
		return fmt.Sprintf("Tree(%d)", uint8(t))
	}
}

// Action is what a mutation did to a tree.
type Action uint8

const (
	ActionInsert = Action(iota + 1)
	ActionDelete
	ActionUpdate
)

func (a Action) String() string {
	switch a {
	case ActionInsert:
		return "insert"
	case ActionDelete:
		return "delete"
	case ActionUpdate:
		return "update"
	default:
		return fmt.Sprintf("Action(%d)", uint8(a))
	}
}

// TreeRec is the tree-agnostic shape of an index record.  Val is
// the refcount for the refcount tree, the owner for the rmap tree,
// and unused for the free tree.
type TreeRec struct {
	Start AGBlock `json:"start"`
	Len   ExtLen  `json:"len"`
	Val   uint64  `json:"val"`
}

func (r TreeRec) String() string {
	return fmt.Sprintf("[%d,%d)=%d", r.Start, r.Start+AGBlock(r.Len), r.Val)
}

// Mutation is one change to one tree.  Old is meaningful for Delete
// and Update, New for Insert and Update.  A committed transaction
// logs its mutations so they can be redone; a cancelled one applies
// their inverses in reverse order.
type Mutation struct {
	Tree   Tree     `json:"tree"`
	Action Action   `json:"action"`
	AG     AGNumber `json:"ag"`
	Old    TreeRec  `json:"old"`
	New    TreeRec  `json:"new"`
}

func (m Mutation) String() string {
	switch m.Action {
	case ActionInsert:
		return fmt.Sprintf("%v/ag%d: insert %v", m.Tree, m.AG, m.New)
	case ActionDelete:
		return fmt.Sprintf("%v/ag%d: delete %v", m.Tree, m.AG, m.Old)
	default:
		return fmt.Sprintf("%v/ag%d: update %v -> %v", m.Tree, m.AG, m.Old, m.New)
	}
}

// Inverse returns the mutation that undoes m.
func (m Mutation) Inverse() Mutation {
	ret := m
	switch m.Action {
	case ActionInsert:
		ret.Action = ActionDelete
		ret.Old, ret.New = m.New, TreeRec{}
	case ActionDelete:
		ret.Action = ActionInsert
		ret.Old, ret.New = TreeRec{}, m.Old
	case ActionUpdate:
		ret.Old, ret.New = m.New, m.Old
	}
	return ret
}

// Tx is the part of a transaction that the per-AG indexes need: AG
// exclusion and a journal of what was changed.
type Tx interface {
	// LockAG takes the AG's exclusion for the remainder of the
	// transaction.  Taking a lock the transaction already holds
	// is a no-op.
	LockAG(ctx context.Context, ag AGNumber) error
	// Record appends a mutation to the transaction's journal
	// and marks it dirty.
	Record(Mutation)
}

// Applier replays a logged mutation against a tree.
type Applier interface {
	Apply(Mutation) error
}
