// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package rclog

import (
	"cmp"
	"sync"

	"git.lukeshu.com/refcount-ng/lib/containers"
	"git.lukeshu.com/refcount-ng/lib/refcount/rcprim"
)

type ailKey struct {
	LSN rcprim.LSN
	ID  uint64
}

func (a ailKey) Compare(b ailKey) int {
	if d := cmp.Compare(a.LSN, b.LSN); d != 0 {
		return d
	}
	return cmp.Compare(a.ID, b.ID)
}

func intentKey(it *IntentItem) ailKey {
	return ailKey{LSN: it.lsn, ID: it.id}
}

// AIL is the active item list: intents that have committed and whose
// done items have not.  It is ordered by commit LSN, so the tail is
// the oldest intent still pinning the log.
type AIL struct {
	mu   sync.Mutex
	tree containers.RBTree[ailKey, *IntentItem]
}

func newAIL() *AIL {
	return &AIL{
		tree: containers.RBTree[ailKey, *IntentItem]{
			KeyFn: intentKey,
		},
	}
}

// Insert starts tracking a committed intent.
func (a *AIL) Insert(it *IntentItem) {
	a.mu.Lock()
	defer a.mu.Unlock()
	it.ail = a
	a.tree.Insert(it)
}

// Delete stops tracking an intent; it is a no-op if the intent is
// not tracked.
func (a *AIL) Delete(it *IntentItem) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if node := a.tree.Lookup(intentKey(it)); node != nil && node.Value == it {
		a.tree.Delete(node)
	}
	it.ail = nil
}

func (a *AIL) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.tree.Len()
}

// Tail returns the oldest tracked intent, or nil.
func (a *AIL) Tail() *IntentItem {
	a.mu.Lock()
	defer a.mu.Unlock()
	if node := a.tree.Min(); node != nil {
		return node.Value
	}
	return nil
}

// Items returns the tracked intents, oldest first.
func (a *AIL) Items() []*IntentItem {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.tree.Values()
}

// Push asks every tracked intent to write itself back, and returns
// how many could not.  Intents always report PushPinned.
func (a *AIL) Push() (pinned int) {
	for _, it := range a.Items() {
		if it.Push() == PushPinned {
			pinned++
		}
	}
	return pinned
}
