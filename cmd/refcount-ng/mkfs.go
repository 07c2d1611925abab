// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"context"
	"os"

	"github.com/datawire/dlib/derror"
	"github.com/datawire/ocibuild/pkg/cliutil"
	"github.com/spf13/cobra"

	"git.lukeshu.com/refcount-ng/lib/diskio"
	"git.lukeshu.com/refcount-ng/lib/refcount"
	"git.lukeshu.com/refcount-ng/lib/textui"
)

func init() {
	cmd := standaloneCommand{
		Command: cobra.Command{
			Use:   "mkfs",
			Short: "Create an empty image, with every block free",
			Args:  cliutil.WrapPositionalArgs(cobra.NoArgs),
		},
		RunE: func(ctx context.Context, cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(ctx, cmd.Flags())
			if err != nil {
				return err
			}
			ckptFile, err := diskio.OpenOSFile[int64](cfg.Checkpoint)
			if err != nil {
				return err
			}
			logFile, err := diskio.OpenOSFile[int64](cfg.Log)
			if err != nil {
				_ = ckptFile.Close()
				return err
			}
			fsuuid, err := refcount.Mkfs(ctx, ckptFile, logFile, cfg.Refcount)
			var errs derror.MultiError
			if err != nil {
				errs = append(errs, err)
			}
			if err := ckptFile.Close(); err != nil {
				errs = append(errs, err)
			}
			if err := logFile.Close(); err != nil {
				errs = append(errs, err)
			}
			if len(errs) > 0 {
				return errs
			}
			textui.Fprintf(os.Stdout, "%v\n", fsuuid)
			return nil
		},
	}
	addGeometryFlags(cmd.Flags())
	standalone = append(standalone, cmd)
}
