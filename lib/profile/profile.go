// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package profile adds command-line flags that write Go runtime
// profiles to files.
package profile

import (
	"io"
	"os"
	"runtime/pprof"
	"runtime/trace"

	"github.com/datawire/dlib/derror"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

type StopFunc = func() error

type startFunc = func(io.Writer) (StopFunc, error)

func startCPU(w io.Writer) (StopFunc, error) {
	if err := pprof.StartCPUProfile(w); err != nil {
		return nil, err
	}
	return func() error {
		pprof.StopCPUProfile()
		return nil
	}, nil
}

func startTrace(w io.Writer) (StopFunc, error) {
	if err := trace.Start(w); err != nil {
		return nil, err
	}
	return func() error {
		trace.Stop()
		return nil
	}, nil
}

// startNamed snapshots a named profile at stop time.
func startNamed(name string) startFunc {
	return func(w io.Writer) (StopFunc, error) {
		return func() error {
			if prof := pprof.Lookup(name); prof != nil {
				return prof.WriteTo(w, 0)
			}
			return nil
		}, nil
	}
}

type profileFlag struct {
	name  string
	file  string
	usage string
	start startFunc
}

func profileFlags() []profileFlag {
	ret := []profileFlag{
		{"cpu", "cpu.pprof", "a CPU profile", startCPU},
		{"trace", "trace.out", "an execution trace", startTrace},
	}
	for _, name := range []string{"goroutine", "threadcreate", "heap", "allocs", "block", "mutex"} {
		ret = append(ret, profileFlag{name, name + ".pprof", "a " + name + " profile", startNamed(name)})
	}
	return ret
}

type stopper struct {
	stops []StopFunc
}

func (s *stopper) stop() error {
	var errs derror.MultiError
	for _, fn := range s.stops {
		if err := fn(); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return errs
	}
	return nil
}

type flagValue struct {
	parent   *stopper
	start    startFunc
	filename string
}

var _ pflag.Value = (*flagValue)(nil)

func (fv *flagValue) String() string { return fv.filename }
func (*flagValue) Type() string      { return "filename" }

func (fv *flagValue) Set(filename string) error {
	if filename == "" {
		return nil
	}
	w, err := os.Create(filename)
	if err != nil {
		return err
	}
	stop, err := fv.start(w)
	if err != nil {
		_ = w.Close()
		return err
	}
	fv.filename = filename
	fv.parent.stops = append(fv.parent.stops, func() error {
		var errs derror.MultiError
		if err := stop(); err != nil {
			errs = append(errs, err)
		}
		if err := w.Close(); err != nil {
			errs = append(errs, err)
		}
		if len(errs) > 0 {
			return errs
		}
		return nil
	})
	return nil
}

// AddProfileFlags adds a "PREFIX.NAME=FILE" flag for each profile
// kind, and returns a function to be called at program shutdown that
// finishes writing every profile that was requested.
func AddProfileFlags(flags *pflag.FlagSet, prefix string) StopFunc {
	parent := new(stopper)
	for _, pf := range profileFlags() {
		flags.Var(&flagValue{parent: parent, start: pf.start}, prefix+pf.name,
			"write "+pf.usage+" to the file `"+pf.file+"`")
		_ = cobra.MarkFlagFilename(flags, prefix+pf.name)
	}
	return parent.stop
}
