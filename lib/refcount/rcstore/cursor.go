// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package rcstore

import (
	"git.lukeshu.com/refcount-ng/lib/containers"
	"git.lukeshu.com/refcount-ng/lib/refcount/rcprim"
)

type edge int8

const (
	edgeAt     = edge(0)
	edgeBefore = edge(-1) // before node (or before the first record if node is nil)
	edgeAfter  = edge(1)  // after node (or after the last record if node is nil)
)

type memCursor struct {
	tx     rcprim.Tx
	ag     rcprim.AGNumber
	tree   *agTree
	closed bool

	node *containers.RBNode[rcprim.Record]
	edge edge
}

var _ Cursor = (*memCursor)(nil)

func (c *memCursor) AG() rcprim.AGNumber { return c.ag }
func (c *memCursor) Tx() rcprim.Tx       { return c.tx }

func (c *memCursor) setNode(node *containers.RBNode[rcprim.Record], miss edge) bool {
	c.node = node
	if node == nil {
		c.edge = miss
		return false
	}
	c.edge = edgeAt
	return true
}

func (c *memCursor) LookupLE(bno rcprim.AGBlock) (bool, error) {
	if c.closed {
		return false, ErrClosed
	}
	return c.setNode(c.tree.Floor(startKey{Val: bno}), edgeBefore), nil
}

func (c *memCursor) LookupGE(bno rcprim.AGBlock) (bool, error) {
	if c.closed {
		return false, ErrClosed
	}
	return c.setNode(c.tree.Ceil(startKey{Val: bno}), edgeAfter), nil
}

func (c *memCursor) Get() (rcprim.Record, bool, error) {
	if c.closed {
		return rcprim.Record{}, false, ErrClosed
	}
	if c.node == nil || c.edge != edgeAt {
		return rcprim.Record{}, false, nil
	}
	return c.node.Value, true, nil
}

func (c *memCursor) Increment() (bool, error) {
	if c.closed {
		return false, ErrClosed
	}
	switch {
	case c.node == nil && c.edge == edgeBefore:
		return c.setNode(c.tree.Min(), edgeAfter), nil
	case c.node == nil:
		return false, nil
	case c.edge == edgeBefore:
		return c.setNode(c.node, edgeAfter), nil
	default:
		next := c.node.Next()
		if next == nil {
			c.node, c.edge = nil, edgeAfter
			return false, nil
		}
		return c.setNode(next, edgeAfter), nil
	}
}

func (c *memCursor) Decrement() (bool, error) {
	if c.closed {
		return false, ErrClosed
	}
	switch {
	case c.node == nil && c.edge == edgeAfter:
		return c.setNode(c.tree.Max(), edgeBefore), nil
	case c.node == nil:
		return false, nil
	case c.edge == edgeAfter:
		return c.setNode(c.node, edgeBefore), nil
	default:
		prev := c.node.Prev()
		if prev == nil {
			c.node, c.edge = nil, edgeBefore
			return false, nil
		}
		return c.setNode(prev, edgeBefore), nil
	}
}

func toTreeRec(rec rcprim.Record) rcprim.TreeRec {
	return rcprim.TreeRec{Start: rec.Start, Len: rec.Len, Val: uint64(rec.Count)}
}

func (c *memCursor) Insert(rec rcprim.Record) (bool, error) {
	if c.closed {
		return false, ErrClosed
	}
	if err := checkNeighbors(c.tree, nil, rec); err != nil {
		if err == ErrDuplicate { //nolint:errorlint // checkNeighbors returns it unwrapped.
			return false, nil
		}
		return false, err
	}
	node, inserted := c.tree.Insert(rec)
	if !inserted {
		return false, nil
	}
	c.tx.Record(rcprim.Mutation{
		Tree:   rcprim.TreeRefcount,
		Action: rcprim.ActionInsert,
		AG:     c.ag,
		New:    toTreeRec(rec),
	})
	c.setNode(node, edgeAfter)
	return true, nil
}

func (c *memCursor) Update(rec rcprim.Record) error {
	if c.closed {
		return ErrClosed
	}
	if c.node == nil || c.edge != edgeAt {
		return ErrNoRecord
	}
	if err := checkNeighbors(c.tree, c.node, rec); err != nil {
		return err
	}
	old := c.node.Value
	c.node.Value = rec
	c.tx.Record(rcprim.Mutation{
		Tree:   rcprim.TreeRefcount,
		Action: rcprim.ActionUpdate,
		AG:     c.ag,
		Old:    toTreeRec(old),
		New:    toTreeRec(rec),
	})
	return nil
}

func (c *memCursor) Delete() (bool, error) {
	if c.closed {
		return false, ErrClosed
	}
	if c.node == nil || c.edge != edgeAt {
		return false, nil
	}
	node := c.node
	next := node.Next()
	old := node.Value
	c.tree.Delete(node)
	c.tx.Record(rcprim.Mutation{
		Tree:   rcprim.TreeRefcount,
		Action: rcprim.ActionDelete,
		AG:     c.ag,
		Old:    toTreeRec(old),
	})
	c.setNode(next, edgeAfter)
	return true, nil
}

func (c *memCursor) Close() {
	c.closed = true
	c.node = nil
}
