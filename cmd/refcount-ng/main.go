// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"context"
	"os"

	"github.com/datawire/dlib/dgroup"
	"github.com/datawire/dlib/dlog"
	"github.com/datawire/ocibuild/pkg/cliutil"
	"github.com/spf13/cobra"

	"git.lukeshu.com/refcount-ng/lib/diskio"
	"git.lukeshu.com/refcount-ng/lib/profile"
	"git.lukeshu.com/refcount-ng/lib/refcount"
	"git.lukeshu.com/refcount-ng/lib/textui"
)

type subcommand struct {
	cobra.Command
	RunE func(*refcount.Mount, *cobra.Command, []string) error
}

// inspectors open the image without recovering it, and change
// nothing on disk; updaters recover it first.
var inspectors, updaters []subcommand

// standalone subcommands open the files themselves.
var standalone []standaloneCommand

type standaloneCommand struct {
	cobra.Command
	RunE func(context.Context, *cobra.Command, []string) error
}

func main() {
	logLevelFlag := textui.LogLevelFlag{
		Level: dlog.LogLevelInfo,
	}

	argparser := &cobra.Command{
		Use:   "refcount-ng {[flags]|SUBCOMMAND}",
		Short: "Maintain a reference-counted block image",

		Args: cliutil.WrapPositionalArgs(cliutil.OnlySubcommands),
		RunE: cliutil.RunSubcommands,

		SilenceErrors: true, // main() will handle this after .ExecuteContext() returns
		SilenceUsage:  true, // our FlagErrorFunc will handle it

		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
	}
	argparser.SetFlagErrorFunc(cliutil.FlagErrorFunc)
	argparser.SetHelpTemplate(cliutil.HelpTemplate)
	addGlobalFlags(argparser.PersistentFlags())
	argparser.PersistentFlags().Var(&logLevelFlag, "verbosity", "set the verbosity")
	stopProfiling := profile.AddProfileFlags(argparser.PersistentFlags(), "profile.")

	argparserInspect := &cobra.Command{
		Use:   "inspect {[flags]|SUBCOMMAND}",
		Short: "Inspect (but don't modify) an image",

		Args: cliutil.WrapPositionalArgs(cliutil.OnlySubcommands),
		RunE: cliutil.RunSubcommands,
	}
	argparser.AddCommand(argparserInspect)

	wrap := func(runE func(context.Context, *cobra.Command, []string) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := textui.NewLogger(os.Stderr, logLevelFlag.Level)
			ctx = dlog.WithLogger(ctx, logger)
			dlog.SetFallbackLogger(logger.WithField("refcount-ng.THIS_IS_A_BUG", true))

			grp := dgroup.NewGroup(ctx, dgroup.GroupConfig{
				EnableSignalHandling: true,
			})
			grp.Go("main", func(ctx context.Context) error {
				return runE(ctx, cmd, args)
			})
			return grp.Wait()
		}
	}

	for _, cmdgrp := range []struct {
		parent    *cobra.Command
		children  []subcommand
		recovered bool
	}{
		{argparserInspect, inspectors, false},
		{argparser, updaters, true},
	} {
		recovered := cmdgrp.recovered
		for _, child := range cmdgrp.children {
			cmd := child.Command
			runE := child.RunE
			cmd.RunE = wrap(func(ctx context.Context, cmd *cobra.Command, args []string) (err error) {
				maybeSetErr := func(_err error) {
					if _err != nil && err == nil {
						err = _err
					}
				}
				cfg, err := loadConfig(ctx, cmd.Flags())
				if err != nil {
					return err
				}
				cfg.Refcount.SkipRecovery = !recovered
				m, err := openMount(ctx, cfg)
				if err != nil {
					return err
				}
				defer func() {
					maybeSetErr(m.Close())
				}()
				cmd.SetContext(ctx)
				return runE(m, cmd, args)
			})
			cmdgrp.parent.AddCommand(&cmd)
		}
	}
	for _, child := range standalone {
		cmd := child.Command
		cmd.RunE = wrap(child.RunE)
		argparser.AddCommand(&cmd)
	}

	err := argparser.ExecuteContext(context.Background())
	if _err := stopProfiling(); _err != nil && err == nil {
		err = _err
	}
	if err != nil {
		textui.Fprintf(os.Stderr, "%v: error: %v\n", argparser.CommandPath(), err)
		os.Exit(1)
	}
}

func openMount(ctx context.Context, cfg cliConfig) (*refcount.Mount, error) {
	ckptFile, err := diskio.OpenOSFile[int64](cfg.Checkpoint)
	if err != nil {
		return nil, err
	}
	logFile, err := diskio.OpenOSFile[int64](cfg.Log)
	if err != nil {
		_ = ckptFile.Close()
		return nil, err
	}
	m, err := refcount.Open(ctx, ckptFile, logFile, cfg.Refcount)
	if err != nil {
		_ = ckptFile.Close()
		_ = logFile.Close()
		return nil, err
	}
	return m, nil
}
