// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"context"
	"os"

	"github.com/datawire/ocibuild/pkg/cliutil"
	"github.com/spf13/cobra"

	"git.lukeshu.com/refcount-ng/lib/textui"
)

func init() {
	standalone = append(standalone, standaloneCommand{
		Command: cobra.Command{
			Use:   "recover",
			Short: "Replay the log, finish outstanding intents, reclaim leftover CoW extents, and checkpoint",
			Args:  cliutil.WrapPositionalArgs(cobra.NoArgs),
		},
		RunE: func(ctx context.Context, cmd *cobra.Command, _ []string) (err error) {
			cfg, err := loadConfig(ctx, cmd.Flags())
			if err != nil {
				return err
			}
			cfg.Refcount.SkipRecovery = true
			m, err := openMount(ctx, cfg)
			if err != nil {
				return err
			}
			defer func() {
				if _err := m.Close(); _err != nil && err == nil {
					err = _err
				}
			}()
			pending := len(m.Pending())
			stats, err := m.Recover(ctx)
			if err != nil {
				return err
			}
			textui.Fprintf(os.Stdout, "found %d pending intents; recovered %d; reclaimed %v CoW blocks\n",
				pending, stats.Intents, textui.Humanized(stats.ReclaimedBlocks))
			return nil
		},
	})
}
