// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package containers

import (
	"fmt"
)

type Color bool

const (
	Black Color = false
	Red   Color = true
)

type RBNode[V any] struct {
	Parent, Left, Right *RBNode[V]

	Color Color

	Value V
}

func (node *RBNode[V]) getColor() Color {
	if node == nil {
		return Black
	}
	return node.Color
}

// RBTree is a red-black tree of values, ordered by the key that
// KeyFn extracts from each value.  Keys are unique.  The key of a
// stored value may be changed in place by the caller so long as the
// change does not reorder it relative to its neighbors.
type RBTree[K Ordered[K], V any] struct {
	KeyFn func(V) K
	root  *RBNode[V]
	len   int
}

func (t *RBTree[K, V]) Len() int {
	return t.len
}

// Walk calls fn on each node in order, stopping at the first error.
func (t *RBTree[K, V]) Walk(fn func(*RBNode[V]) error) error {
	for node := t.Min(); node != nil; node = node.Next() {
		if err := fn(node); err != nil {
			return err
		}
	}
	return nil
}

// search returns the node with the given key if there is one;
// otherwise it returns the last node visited, which is either the
// greatest node less than key or the least node greater than it.
func (t *RBTree[K, V]) search(key K) (exact, nearest *RBNode[V]) {
	var prev *RBNode[V]
	node := t.root
	for node != nil {
		direction := key.Compare(t.KeyFn(node.Value))
		prev = node
		switch {
		case direction < 0:
			node = node.Left
		case direction == 0:
			return node, nil
		case direction > 0:
			node = node.Right
		}
	}
	return nil, prev
}

// Lookup returns the node with exactly the given key, or nil.
func (t *RBTree[K, V]) Lookup(key K) *RBNode[V] {
	exact, _ := t.search(key)
	return exact
}

// Floor returns the node with the greatest key <= key, or nil.
func (t *RBTree[K, V]) Floor(key K) *RBNode[V] {
	exact, nearest := t.search(key)
	if exact != nil {
		return exact
	}
	if nearest != nil && key.Compare(t.KeyFn(nearest.Value)) < 0 {
		return nearest.Prev()
	}
	return nearest
}

// Ceil returns the node with the least key >= key, or nil.
func (t *RBTree[K, V]) Ceil(key K) *RBNode[V] {
	exact, nearest := t.search(key)
	if exact != nil {
		return exact
	}
	if nearest != nil && key.Compare(t.KeyFn(nearest.Value)) > 0 {
		return nearest.Next()
	}
	return nearest
}

// Min returns the node with the lowest key, or nil if the tree is
// empty.
func (t *RBTree[K, V]) Min() *RBNode[V] {
	return t.root.min()
}

func (node *RBNode[V]) min() *RBNode[V] {
	if node == nil {
		return nil
	}
	for node.Left != nil {
		node = node.Left
	}
	return node
}

// Max returns the node with the highest key, or nil if the tree is
// empty.
func (t *RBTree[K, V]) Max() *RBNode[V] {
	return t.root.max()
}

func (node *RBNode[V]) max() *RBNode[V] {
	if node == nil {
		return nil
	}
	for node.Right != nil {
		node = node.Right
	}
	return node
}

func (cur *RBNode[V]) Next() *RBNode[V] {
	if cur.Right != nil {
		return cur.Right.min()
	}
	child, parent := cur, cur.Parent
	for parent != nil && child == parent.Right {
		child, parent = parent, parent.Parent
	}
	return parent
}

func (cur *RBNode[V]) Prev() *RBNode[V] {
	if cur.Left != nil {
		return cur.Left.max()
	}
	child, parent := cur, cur.Parent
	for parent != nil && child == parent.Left {
		child, parent = parent, parent.Parent
	}
	return parent
}

// Values returns every value, in order.
func (t *RBTree[K, V]) Values() []V {
	ret := make([]V, 0, t.len)
	for node := t.Min(); node != nil; node = node.Next() {
		ret = append(ret, node.Value)
	}
	return ret
}

func (t *RBTree[K, V]) parentChild(node *RBNode[V]) **RBNode[V] {
	switch {
	case node.Parent == nil:
		return &t.root
	case node.Parent.Left == node:
		return &node.Parent.Left
	case node.Parent.Right == node:
		return &node.Parent.Right
	default:
		panic(fmt.Errorf("node %p is not a child of its parent %p", node, node.Parent))
	}
}

func (t *RBTree[K, V]) leftRotate(x *RBNode[V]) {
	//        p                        p
	//        |                        |
	//      +---+                    +---+
	//      | x |                    | y |
	//      +---+                    +---+
	//     /     \         =>       /     \
	//    a    +---+              +---+    c
	//         | y |              | x |
	//         +---+              +---+
	//        /     \            /     \
	//       b       c          a       b
	p := x.Parent
	pChild := t.parentChild(x)
	y := x.Right
	b := y.Left

	y.Parent = p
	*pChild = y

	x.Parent = y
	y.Left = x

	if b != nil {
		b.Parent = x
	}
	x.Right = b
}

func (t *RBTree[K, V]) rightRotate(y *RBNode[V]) {
	//nolint:dupword
	//
	//           |                |
	//         +---+            +---+
	//         | y |            | x |
	//         +---+            +---+
	//        /     \    =>    /     \
	//      +---+    c        a    +---+
	//      | x |                  | y |
	//      +---+                  +---+
	//     /     \                /     \
	//    a       b              b       c
	p := y.Parent
	pChild := t.parentChild(y)
	x := y.Left
	b := x.Right

	x.Parent = p
	*pChild = x

	y.Parent = x
	x.Right = y

	if b != nil {
		b.Parent = y
	}
	y.Left = b
}

// Insert adds val to the tree.  If a value with the same key is
// already present, the tree is left unchanged and the existing node
// is returned with inserted=false.
func (t *RBTree[K, V]) Insert(val V) (node *RBNode[V], inserted bool) {
	key := t.KeyFn(val)
	exact, parent := t.search(key)
	if exact != nil {
		return exact, false
	}
	t.len++

	node = &RBNode[V]{
		Color:  Red,
		Parent: parent,
		Value:  val,
	}
	switch {
	case parent == nil:
		t.root = node
	case key.Compare(t.KeyFn(parent.Value)) < 0:
		parent.Left = node
	default:
		parent.Right = node
	}
	ret := node

	// Re-balance, following CLRS 3e.
	for node.Parent.getColor() == Red {
		if node.Parent == node.Parent.Parent.Left {
			uncle := node.Parent.Parent.Right
			if uncle.getColor() == Red {
				node.Parent.Color = Black
				uncle.Color = Black
				node.Parent.Parent.Color = Red
				node = node.Parent.Parent
			} else {
				if node == node.Parent.Right {
					node = node.Parent
					t.leftRotate(node)
				}
				node.Parent.Color = Black
				node.Parent.Parent.Color = Red
				t.rightRotate(node.Parent.Parent)
			}
		} else {
			uncle := node.Parent.Parent.Left
			if uncle.getColor() == Red {
				node.Parent.Color = Black
				uncle.Color = Black
				node.Parent.Parent.Color = Red
				node = node.Parent.Parent
			} else {
				if node == node.Parent.Left {
					node = node.Parent
					t.rightRotate(node)
				}
				node.Parent.Color = Black
				node.Parent.Parent.Color = Red
				t.leftRotate(node.Parent.Parent)
			}
		}
	}
	t.root.Color = Black
	return ret, true
}

func (t *RBTree[K, V]) transplant(oldNode, newNode *RBNode[V]) {
	*t.parentChild(oldNode) = newNode
	if newNode != nil {
		newNode.Parent = oldNode.Parent
	}
}

// Delete removes a node from the tree.  Other nodes remain valid;
// the deleted node must not be used afterward.
func (t *RBTree[K, V]) Delete(nodeToDelete *RBNode[V]) {
	if nodeToDelete == nil {
		return
	}
	t.len--

	// Phase 1, following CLRS 3e: unlink the node.

	var nodeToRebalance *RBNode[V]
	var nodeToRebalanceParent *RBNode[V] // in case 'nodeToRebalance' is nil, which it can be
	needsRebalance := nodeToDelete.Color == Black

	switch {
	case nodeToDelete.Left == nil:
		nodeToRebalance = nodeToDelete.Right
		nodeToRebalanceParent = nodeToDelete.Parent
		t.transplant(nodeToDelete, nodeToDelete.Right)
	case nodeToDelete.Right == nil:
		nodeToRebalance = nodeToDelete.Left
		nodeToRebalanceParent = nodeToDelete.Parent
		t.transplant(nodeToDelete, nodeToDelete.Left)
	default:
		// Two children: splice the successor into the deleted
		// node's place.
		next := nodeToDelete.Next()
		if next.Parent == nodeToDelete {
			//         p                  p
			//         |                  |
			//      +-----+            +-----+
			//      | ntd |            | nxt |
			//      +-----+            +-----+
			//      /     \       =>   /     \
			//     a     +-----+      a      b
			//           | nxt |
			//           +-----+
			//            /   \
			//          nil   b
			nodeToRebalance = next.Right
			nodeToRebalanceParent = next

			*t.parentChild(nodeToDelete) = next
			next.Parent = nodeToDelete.Parent

			next.Left = nodeToDelete.Left
			next.Left.Parent = next
		} else {
			//         p                 p
			//         |                 |
			//      +-----+           +-----+
			//      | ntd |           | nxt |
			//      +-----+           +-----+
			//      /     \           /     \
			//     a       x         a       x
			//            / \    =>         / \
			//           y   z             y   z
			//          / \               / \
			//    +-----+  c             b   c
			//    | nxt |
			//    +-----+
			//    /     \
			//  nil     b
			y := next.Parent
			b := next.Right
			nodeToRebalance = b
			nodeToRebalanceParent = y

			*t.parentChild(nodeToDelete) = next
			next.Parent = nodeToDelete.Parent

			next.Left = nodeToDelete.Left
			next.Left.Parent = next

			next.Right = nodeToDelete.Right
			next.Right.Parent = next

			y.Left = b
			if b != nil {
				b.Parent = y
			}
		}

		needsRebalance = next.Color == Black
		next.Color = nodeToDelete.Color
	}

	// Phase 2: restore the black-height.

	if !needsRebalance {
		return
	}
	node := nodeToRebalance
	nodeParent := nodeToRebalanceParent
	for node != t.root && node.getColor() == Black {
		if node == nodeParent.Left {
			sibling := nodeParent.Right
			if sibling.getColor() == Red {
				sibling.Color = Black
				nodeParent.Color = Red
				t.leftRotate(nodeParent)
				sibling = nodeParent.Right
			}
			if sibling.Left.getColor() == Black && sibling.Right.getColor() == Black {
				sibling.Color = Red
				node, nodeParent = nodeParent, nodeParent.Parent
			} else {
				if sibling.Right.getColor() == Black {
					sibling.Left.Color = Black
					sibling.Color = Red
					t.rightRotate(sibling)
					sibling = nodeParent.Right
				}
				sibling.Color = nodeParent.Color
				nodeParent.Color = Black
				sibling.Right.Color = Black
				t.leftRotate(nodeParent)
				node, nodeParent = t.root, nil
			}
		} else {
			sibling := nodeParent.Left
			if sibling.getColor() == Red {
				sibling.Color = Black
				nodeParent.Color = Red
				t.rightRotate(nodeParent)
				sibling = nodeParent.Left
			}
			if sibling.Right.getColor() == Black && sibling.Left.getColor() == Black {
				sibling.Color = Red
				node, nodeParent = nodeParent, nodeParent.Parent
			} else {
				if sibling.Left.getColor() == Black {
					sibling.Right.Color = Black
					sibling.Color = Red
					t.leftRotate(sibling)
					sibling = nodeParent.Left
				}
				sibling.Color = nodeParent.Color
				nodeParent.Color = Black
				sibling.Left.Color = Black
				t.rightRotate(nodeParent)
				node, nodeParent = t.root, nil
			}
		}
	}
	if node != nil {
		node.Color = Black
	}
}
