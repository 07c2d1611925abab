// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package rcrecover

import (
	"context"
	"fmt"

	"github.com/datawire/dlib/dlog"

	"git.lukeshu.com/refcount-ng/lib/containers"
	"git.lukeshu.com/refcount-ng/lib/refcount/rclog"
	"git.lukeshu.com/refcount-ng/lib/refcount/rcprim"
)

// Logged is an intent as it was found in the log (or carried over in
// a checkpoint), along with the LSN it committed at.
type Logged struct {
	LSN  rcprim.LSN       `json:"lsn"`
	Item rclog.ItemFormat `json:"item"`
}

// Scan works out which intents have no matching done item.  carried
// are the intents that were still outstanding at the checkpoint;
// frames from since onward are read from the log.  The result is in
// LSN order.
func Scan(ctx context.Context, lg *rclog.Log, since rcprim.LSN, carried []Logged) ([]Logged, error) {
	var order []uint64
	pending := make(map[uint64]Logged)
	add := func(l Logged) {
		if _, dup := pending[l.Item.Header.ID]; !dup {
			order = append(order, l.Item.Header.ID)
		}
		pending[l.Item.Header.ID] = l
	}
	for _, l := range carried {
		add(l)
	}
	var nIntents, nDones int
	err := lg.Frames(ctx, since, func(frame *rclog.Frame) error {
		for _, item := range frame.Items {
			switch item.Header.Type {
			case rclog.TypeIntent:
				nIntents++
				add(Logged{LSN: frame.LSN, Item: item})
			case rclog.TypeDone:
				nDones++
				delete(pending, item.Header.ID)
			default:
				return fmt.Errorf("rcrecover: lsn %v: unexpected %v item", frame.LSN, item.Header.Type)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	ret := make([]Logged, 0, len(pending))
	seen := make(containers.Set[uint64], len(pending))
	for _, id := range order {
		l, ok := pending[id]
		if !ok || seen.Has(id) {
			continue
		}
		seen.Insert(id)
		ret = append(ret, l)
	}
	dlog.Infof(ctx, "rcrecover: scanned %d intents and %d dones since lsn %v: %d outstanding",
		nIntents, nDones, since, len(ret))
	return ret, nil
}

// Load rebuilds the outstanding intents and puts them in the AIL, where
// they stay until recovered.
func Load(pool *rclog.ItemPool, ail *rclog.AIL, logged []Logged) ([]*rclog.IntentItem, error) {
	ret := make([]*rclog.IntentItem, 0, len(logged))
	for _, l := range logged {
		it, err := pool.RecoverIntent(l.Item)
		if err != nil {
			for _, it := range ret {
				it.Abort()
			}
			return nil, err
		}
		it.Committed(l.LSN)
		ail.Insert(it)
		ret = append(ret, it)
	}
	return ret, nil
}
