// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"git.lukeshu.com/go/lowmemjson"
	"github.com/datawire/dlib/dlog"
	"github.com/datawire/ocibuild/pkg/cliutil"
	"github.com/davecgh/go-spew/spew"
	"github.com/spf13/cobra"

	"git.lukeshu.com/refcount-ng/lib/refcount"
	"git.lukeshu.com/refcount-ng/lib/refcount/rcprim"
	"git.lukeshu.com/refcount-ng/lib/refcount/rmap"
	"git.lukeshu.com/refcount-ng/lib/textui"
)

type agDump struct {
	AG       rcprim.AGNumber `json:"ag"`
	Refcount []rcprim.Record `json:"refcount"`
	Free     []rcprim.Extent `json:"free"`
	Rmap     []rmap.Entry    `json:"rmap,omitempty"`
}

func dumpAGs(m *refcount.Mount) ([]agDump, error) {
	ret := make([]agDump, m.Geometry().AGCount)
	for i := range ret {
		ag := rcprim.AGNumber(i)
		ret[i].AG = ag
		var err error
		if ret[i].Refcount, err = m.Records(ag); err != nil {
			return nil, err
		}
		if ret[i].Free, err = m.FreeExtents(ag); err != nil {
			return nil, err
		}
		if ret[i].Rmap, err = m.RmapEntries(ag); err != nil {
			return nil, err
		}
	}
	return ret, nil
}

func dumpText(m *refcount.Mount, ags []agDump) error {
	geom := m.Geometry()
	table := tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)
	textui.Fprintf(table, "fsuuid\t%v\n", m.FSUUID())
	textui.Fprintf(table, "geometry\t%v AGs of %v blocks of %v\n",
		geom.AGCount, textui.Humanized(geom.AGBlocks), textui.IEC(geom.BlockSize, "B"))
	textui.Fprintf(table, "rmap\t%v\n", m.Features().Rmap)
	for _, ag := range ags {
		var free uint64
		for _, ext := range ag.Free {
			free += uint64(ext.Len)
		}
		textui.Fprintf(table, "ag %v\t%d records, %v free blocks\n", ag.AG, len(ag.Refcount), textui.Humanized(free))
		for _, rec := range ag.Refcount {
			kind := "shared"
			if rec.IsStaging() {
				kind = "cow"
			}
			textui.Fprintf(table, "\t%v\t%s\n", rec, kind)
		}
		for _, ent := range ag.Rmap {
			textui.Fprintf(table, "\t%v\trmap\n", ent)
		}
	}
	return table.Flush()
}

func init() {
	var format string
	cmd := subcommand{
		Command: cobra.Command{
			Use:   "dump",
			Short: "Print the refcount index, free space, and reverse mapping of every AG",
			Args:  cliutil.WrapPositionalArgs(cobra.NoArgs),
		},
		RunE: func(m *refcount.Mount, cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			ags, err := dumpAGs(m)
			if err != nil {
				return err
			}
			switch format {
			case "text":
				return dumpText(m, ags)
			case "json":
				dlog.Info(ctx, "Writing index to stdout...")
				if err := writeJSONFile(os.Stdout, ags, lowmemjson.ReEncoderConfig{
					Indent:                "\t",
					ForceTrailingNewlines: true,
					CompactIfUnder:        80, //nolint:gomnd // This is what looks nice.
				}); err != nil {
					return err
				}
				dlog.Info(ctx, "... done writing")
				return nil
			case "spew":
				spew := spew.NewDefaultConfig()
				spew.DisablePointerAddresses = true
				spew.Fdump(os.Stdout, ags)
				return nil
			default:
				return fmt.Errorf("unknown --format=%q", format)
			}
		},
	}
	cmd.Flags().StringVar(&format, "format", "text", "output `format`: text, json, or spew")
	inspectors = append(inspectors, cmd)
}
