// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"context"
	"fmt"
	"time"

	"github.com/datawire/dlib/dlog"
	"github.com/datawire/ocibuild/pkg/cliutil"
	"github.com/spf13/cobra"

	"git.lukeshu.com/refcount-ng/lib/refcount"
	"git.lukeshu.com/refcount-ng/lib/refcount/rcprim"
	"git.lukeshu.com/refcount-ng/lib/textui"
)

// script is a workload for the run subcommand.
//
// An extent is either given by Start, or relative to an earlier
// allocation: a step with Name records the block it allocated, and a
// later step with Ref starts Offset blocks past it.
type script struct {
	Steps []step `json:"steps"`
}

type step struct {
	Op     string          `json:"op"`
	AG     rcprim.AGNumber `json:"ag,omitempty"`
	Start  rcprim.FSBlock  `json:"start,omitempty"`
	Len    rcprim.ExtLen   `json:"len,omitempty"`
	Name   string          `json:"name,omitempty"`
	Ref    string          `json:"ref,omitempty"`
	Offset rcprim.ExtLen   `json:"offset,omitempty"`
}

type runStats struct {
	textui.Portion[int]
}

func (s runStats) String() string {
	return textui.Sprintf("running steps: %v", s.Portion)
}

type runner struct {
	m     *refcount.Mount
	names map[string]rcprim.FSBlock
}

func (r *runner) start(st step) (rcprim.FSBlock, error) {
	if st.Ref == "" {
		return st.Start, nil
	}
	base, ok := r.names[st.Ref]
	if !ok {
		return 0, fmt.Errorf("no earlier step named %q", st.Ref)
	}
	return base + rcprim.FSBlock(st.Offset), nil
}

func (r *runner) step(ctx context.Context, st step) error {
	var bno rcprim.FSBlock
	var err error
	switch st.Op {
	case "alloc":
		bno, err = r.m.AllocateExtent(ctx, st.AG, st.Len)
	case "alloc-cow":
		bno, err = r.m.AllocateCow(ctx, st.AG, st.Len)
	case "checkpoint":
		return r.m.Checkpoint(ctx)
	default:
		bno, err = r.start(st)
		if err != nil {
			return err
		}
		switch st.Op {
		case "alloc-at":
			err = r.m.AllocateExact(ctx, bno, st.Len)
		case "increase":
			err = r.m.Increase(ctx, bno, st.Len)
		case "decrease":
			err = r.m.Decrease(ctx, bno, st.Len)
		case "stage-cow":
			err = r.m.StageCow(ctx, bno, st.Len)
		case "unstage-cow":
			err = r.m.UnstageCow(ctx, bno, st.Len)
		case "cancel-cow":
			err = r.m.CancelCow(ctx, bno, st.Len)
		default:
			return fmt.Errorf("unknown op %q", st.Op)
		}
	}
	if err != nil {
		return err
	}
	if st.Name != "" {
		r.names[st.Name] = bno
		dlog.Infof(ctx, "%s = %v", st.Name, bno)
	}
	return nil
}

func init() {
	var crashAfter int
	cmd := subcommand{
		Command: cobra.Command{
			Use:   "run SCRIPT.json",
			Short: "Apply a workload of refcount operations",
			Long: "" +
				"Apply each step of SCRIPT.json in its own transaction chain, then\n" +
				"checkpoint.  With --crash-after, stop after that many steps\n" +
				"without checkpointing, leaving the image for `recover`.",
			Args: cliutil.WrapPositionalArgs(cobra.ExactArgs(1)),
		},
		RunE: func(m *refcount.Mount, cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			scr, err := readJSONFile[script](ctx, args[0])
			if err != nil {
				return err
			}

			r := &runner{m: m, names: make(map[string]rcprim.FSBlock)}
			progressWriter := textui.NewProgress[runStats](ctx, dlog.LogLevelInfo, textui.Tunable(1*time.Second))
			stats := runStats{Portion: textui.Portion[int]{D: len(scr.Steps)}}
			progressWriter.Set(stats)
			for i, st := range scr.Steps {
				if crashAfter >= 0 && i == crashAfter {
					progressWriter.Done()
					dlog.Infof(ctx, "stopping after %d steps without a checkpoint", i)
					return nil
				}
				if err := r.step(dlog.WithField(ctx, "refcount.step", i), st); err != nil {
					progressWriter.Done()
					return fmt.Errorf("step %d (%s): %w", i, st.Op, err)
				}
				stats.N++
				progressWriter.Set(stats)
			}
			progressWriter.Done()
			return m.Checkpoint(ctx)
		},
	}
	cmd.Flags().IntVar(&crashAfter, "crash-after", -1, "stop after `N` steps without checkpointing")
	updaters = append(updaters, cmd)
}
