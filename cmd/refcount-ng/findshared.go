// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"os"

	"github.com/datawire/ocibuild/pkg/cliutil"
	"github.com/spf13/cobra"

	"git.lukeshu.com/refcount-ng/lib/refcount"
	"git.lukeshu.com/refcount-ng/lib/refcount/rcprim"
	"git.lukeshu.com/refcount-ng/lib/textui"
)

func init() {
	var maximal bool
	cmd := subcommand{
		Command: cobra.Command{
			Use:   "find-shared AG START LEN",
			Short: "Find the first run of shared blocks in a range",
			Args:  cliutil.WrapPositionalArgs(cobra.ExactArgs(3)),
		},
		RunE: func(m *refcount.Mount, cmd *cobra.Command, args []string) error {
			ag, start, length, err := parseExtent(args[0], args[1], args[2])
			if err != nil {
				return err
			}
			ext, err := m.FindShared(cmd.Context(), ag, start, length, maximal)
			if err != nil {
				return err
			}
			if ext.Len == 0 {
				textui.Fprintf(os.Stdout, "nothing shared in [%d,%d)\n", start, start+rcprim.AGBlock(length))
				return nil
			}
			textui.Fprintf(os.Stdout, "%v\n", ext)
			return nil
		},
	}
	cmd.Flags().BoolVar(&maximal, "maximal", false, "extend the run across adjacent shared records")
	inspectors = append(inspectors, cmd)
}
