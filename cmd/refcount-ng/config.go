// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/datawire/dlib/dlog"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"git.lukeshu.com/refcount-ng/lib/refcount"
	"git.lukeshu.com/refcount-ng/lib/refcount/rcprim"
)

type cliConfig struct {
	Checkpoint string
	Log        string
	Refcount   refcount.Config
}

// Keys, as they appear in refcount-ng.yaml.  The environment
// variable for a key is REFCOUNT_ followed by the upper-cased key
// with dots replaced by underscores.
const (
	keyCheckpoint     = "checkpoint"
	keyLog            = "log"
	keyAGCount        = "geometry.ag_count"
	keyAGBlocks       = "geometry.ag_blocks"
	keyBlockSize      = "geometry.block_size"
	keyRmap           = "features.rmap"
	keyLogRes         = "log_res"
	keyMaxFastExtents = "max_fast_extents"
)

// flagKeys maps flag names to the keys they override.
var flagKeys = map[string]string{
	"checkpoint":       keyCheckpoint,
	"log":              keyLog,
	"ag-count":         keyAGCount,
	"ag-blocks":        keyAGBlocks,
	"block-size":       keyBlockSize,
	"rmap":             keyRmap,
	"log-res":          keyLogRes,
	"max-fast-extents": keyMaxFastExtents,
}

var configFileFlag string

func addGlobalFlags(flags *pflag.FlagSet) {
	flags.StringVar(&configFileFlag, "config", "", "read settings from `refcount-ng.yaml` instead of searching for it")
	flags.String("checkpoint", "", "the image's checkpoint file `ckpt.json`")
	flags.String("log", "", "the image's log file `refcount.log`")
	flags.Int("log-res", 0, "log bytes reserved per transaction")
	flags.Int("max-fast-extents", 0, "most extents per intent item")
}

func addGeometryFlags(flags *pflag.FlagSet) {
	flags.Uint32("ag-count", 0, "number of allocation groups")
	flags.Uint32("ag-blocks", 0, "blocks per allocation group")
	flags.Uint32("block-size", 0, "bytes per block")
	flags.Bool("rmap", false, "keep a reverse mapping")
}

func loadConfig(ctx context.Context, flags *pflag.FlagSet) (cliConfig, error) {
	v := viper.New()
	v.SetConfigName("refcount-ng")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.config/refcount-ng")
	v.AddConfigPath("/etc/refcount-ng")
	if configFileFlag != "" {
		v.SetConfigFile(configFileFlag)
	}

	def := refcount.DefaultConfig()
	v.SetDefault(keyCheckpoint, "refcount.ckpt")
	v.SetDefault(keyLog, "refcount.log")
	v.SetDefault(keyAGCount, uint32(def.Geometry.AGCount))
	v.SetDefault(keyAGBlocks, uint32(def.Geometry.AGBlocks))
	v.SetDefault(keyBlockSize, def.Geometry.BlockSize)
	v.SetDefault(keyRmap, def.Features.Rmap)
	v.SetDefault(keyLogRes, def.LogRes)
	v.SetDefault(keyMaxFastExtents, def.MaxFastExtents)

	v.SetEnvPrefix("REFCOUNT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return cliConfig{}, fmt.Errorf("config: %w", err)
		}
	} else {
		dlog.Debugf(ctx, "config: read %q", v.ConfigFileUsed())
	}

	for name, key := range flagKeys {
		flag := flags.Lookup(name)
		if flag == nil {
			continue
		}
		if err := v.BindPFlag(key, flag); err != nil {
			return cliConfig{}, err
		}
	}

	cfg := cliConfig{
		Checkpoint: v.GetString(keyCheckpoint),
		Log:        v.GetString(keyLog),
		Refcount: refcount.Config{
			LogRes:         v.GetInt(keyLogRes),
			MaxFastExtents: v.GetInt(keyMaxFastExtents),
		},
	}
	// Only mkfs takes the geometry from the config; everything else
	// reads it from the image.
	if flags.Lookup("ag-count") != nil {
		cfg.Refcount.Geometry = rcprim.Geometry{
			AGCount:   rcprim.AGNumber(v.GetUint32(keyAGCount)),
			AGBlocks:  rcprim.AGBlock(v.GetUint32(keyAGBlocks)),
			BlockSize: v.GetUint32(keyBlockSize),
		}
		cfg.Refcount.Features.Rmap = v.GetBool(keyRmap)
	}
	return cfg, nil
}
