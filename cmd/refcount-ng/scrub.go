// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/datawire/dlib/derror"
	"github.com/datawire/dlib/dlog"
	"github.com/datawire/ocibuild/pkg/cliutil"
	"github.com/spf13/cobra"

	"git.lukeshu.com/refcount-ng/lib/refcount"
	"git.lukeshu.com/refcount-ng/lib/textui"
)

func init() {
	inspectors = append(inspectors, subcommand{
		Command: cobra.Command{
			Use:   "scrub",
			Short: "Check the refcount index of every AG against free space and the reverse mapping",
			Args:  cliutil.WrapPositionalArgs(cobra.NoArgs),
		},
		RunE: func(m *refcount.Mount, cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			stats, err := m.Scrub(ctx)
			textui.Fprintf(os.Stdout, "%d records; %v shared blocks; %v CoW staging blocks\n",
				stats.Records, textui.Humanized(stats.SharedBlocks), textui.Humanized(stats.StagingBlocks))
			var problems derror.MultiError
			if errors.As(err, &problems) {
				for _, problem := range problems {
					dlog.Error(ctx, problem)
				}
				return fmt.Errorf("scrub found %d problems", len(problems))
			}
			return err
		},
	})
}
