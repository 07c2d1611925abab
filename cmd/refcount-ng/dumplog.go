// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"os"

	"github.com/datawire/ocibuild/pkg/cliutil"
	"github.com/davecgh/go-spew/spew"
	"github.com/spf13/cobra"

	"git.lukeshu.com/refcount-ng/lib/refcount"
	"git.lukeshu.com/refcount-ng/lib/refcount/rclog"
	"git.lukeshu.com/refcount-ng/lib/textui"
)

func init() {
	var spewFlag bool
	cmd := subcommand{
		Command: cobra.Command{
			Use:   "dump-log",
			Short: "Decode every frame of the log",
			Args:  cliutil.WrapPositionalArgs(cobra.NoArgs),
		},
		RunE: func(m *refcount.Mount, cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			spew := spew.NewDefaultConfig()
			spew.DisablePointerAddresses = true

			for _, logged := range m.Pending() {
				textui.Fprintf(os.Stdout, "pending intent %v (lsn %v)\n", logged.Item.Header.ID, logged.LSN)
			}
			return m.Log().Frames(ctx, 0, func(frame *rclog.Frame) error {
				if spewFlag {
					spew.Fdump(os.Stdout, frame)
					return nil
				}
				textui.Fprintf(os.Stdout, "lsn %v: %d items, %d mutations\n", frame.LSN, len(frame.Items), len(frame.Mutations))
				for _, item := range frame.Items {
					textui.Fprintf(os.Stdout, "\t%v %d:", item.Header.Type, item.Header.ID)
					for _, ext := range item.Extents {
						textui.Fprintf(os.Stdout, " %v", ext)
					}
					textui.Fprintf(os.Stdout, "\n")
				}
				for _, mut := range frame.Mutations {
					textui.Fprintf(os.Stdout, "\t%v\n", mut)
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&spewFlag, "spew", false, "spew each frame as parsed")
	inspectors = append(inspectors, cmd)
}
