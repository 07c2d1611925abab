// Copyright (C) 2019-2022  Ambassador Labs
// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: Apache-2.0
//
// Contains code based on:
// https://github.com/datawire/dlib/blob/b09ab2e017e16d261f05fff5b3b860d645e774d4/dlog/logger_logrus.go
// https://github.com/datawire/dlib/blob/b09ab2e017e16d261f05fff5b3b860d645e774d4/dlog/logger_testing.go
// https://github.com/telepresenceio/telepresence/blob/ece94a40b00a90722af36b12e40f91cbecc0550c/pkg/log/formatter.go

package textui

import (
	"bytes"
	"fmt"
	"io"
	"log"
	"path/filepath"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode"

	"git.lukeshu.com/go/typedsync"
	"github.com/datawire/dlib/dlog"
	"github.com/spf13/pflag"
)

type LogLevelFlag struct {
	Level dlog.LogLevel
}

var _ pflag.Value = (*LogLevelFlag)(nil)

var logLevelNames = []struct {
	lvl   dlog.LogLevel
	name  string
	short string
}{
	{dlog.LogLevelError, "error", "ERR"},
	{dlog.LogLevelWarn, "warn", "WRN"},
	{dlog.LogLevelInfo, "info", "INF"},
	{dlog.LogLevelDebug, "debug", "DBG"},
	{dlog.LogLevelTrace, "trace", "TRC"},
}

func (*LogLevelFlag) Type() string { return "loglevel" }

func (lvl *LogLevelFlag) Set(str string) error {
	str = strings.ToLower(str)
	if str == "warning" {
		str = "warn"
	}
	for _, ent := range logLevelNames {
		if ent.name == str {
			lvl.Level = ent.lvl
			return nil
		}
	}
	return fmt.Errorf("invalid log level: %q", str)
}

func (lvl *LogLevelFlag) String() string {
	for _, ent := range logLevelNames {
		if ent.lvl == lvl.Level {
			return ent.name
		}
	}
	panic(fmt.Errorf("invalid log level: %#v", lvl.Level))
}

type logger struct {
	parent *logger
	out    io.Writer
	lvl    dlog.LogLevel

	// only valid if parent is non-nil
	fieldKey string
	fieldVal any
}

var _ dlog.OptimizedLogger = (*logger)(nil)

func NewLogger(out io.Writer, lvl dlog.LogLevel) dlog.Logger {
	return &logger{
		out: out,
		lvl: lvl,
	}
}

// Helper implements dlog.Logger.
func (l *logger) Helper() {}

// WithField implements dlog.Logger.
func (l *logger) WithField(key string, value any) dlog.Logger {
	return &logger{
		parent: l,
		out:    l.out,
		lvl:    l.lvl,

		fieldKey: key,
		fieldVal: value,
	}
}

type logWriter struct {
	log *logger
	lvl dlog.LogLevel
}

// Write implements io.Writer.
func (lw logWriter) Write(data []byte) (int, error) {
	lw.log.log(lw.lvl, func(w io.Writer) {
		_, _ = w.Write(data)
	})
	return len(data), nil
}

// StdLogger implements dlog.Logger.
func (l *logger) StdLogger(lvl dlog.LogLevel) *log.Logger {
	return log.New(logWriter{log: l, lvl: lvl}, "", 0)
}

// Log implements dlog.Logger.
func (l *logger) Log(lvl dlog.LogLevel, msg string) {
	panic("should not happen: optimized log methods should be used instead")
}

// UnformattedLog implements dlog.OptimizedLogger.
func (l *logger) UnformattedLog(lvl dlog.LogLevel, args ...any) {
	l.log(lvl, func(w io.Writer) {
		_, _ = printer.Fprint(w, args...)
	})
}

// UnformattedLogln implements dlog.OptimizedLogger.
func (l *logger) UnformattedLogln(lvl dlog.LogLevel, args ...any) {
	l.log(lvl, func(w io.Writer) {
		_, _ = printer.Fprintln(w, args...)
	})
}

// UnformattedLogf implements dlog.OptimizedLogger.
func (l *logger) UnformattedLogf(lvl dlog.LogLevel, format string, args ...any) {
	l.log(lvl, func(w io.Writer) {
		_, _ = printer.Fprintf(w, format, args...)
	})
}

var (
	logBufPool = typedsync.Pool[*bytes.Buffer]{
		New: func() *bytes.Buffer { return new(bytes.Buffer) },
	}
	logMu      sync.Mutex
	thisModDir string
)

const (
	thisModule  = "git.lukeshu.com/refcount-ng"
	thisPackage = thisModule + "/lib/textui"
)

func init() {
	//nolint:dogsled // I can't change the signature of the stdlib.
	_, file, _, _ := runtime.Caller(0)
	thisModDir = filepath.Dir(filepath.Dir(filepath.Dir(file)))
}

// A log line looks like
//
//	TIME LVL [early-fields...] : MSG [: [late-fields...] [(from FILE:LINE)]]
//
// where fieldOrder decides whether a field is early or late.
func (l *logger) log(lvl dlog.LogLevel, writeMsg func(io.Writer)) {
	if lvl > l.lvl {
		return
	}
	buf, _ := logBufPool.Get()
	defer func() {
		buf.Reset()
		logBufPool.Put(buf)
	}()

	const timeFmt = "2006-01-02 15:04:05.0000"
	buf.Write(time.Now().AppendFormat(make([]byte, 0, len(timeFmt)), timeFmt))
	for _, ent := range logLevelNames {
		if ent.lvl == lvl {
			buf.WriteString(" " + ent.short)
		}
	}

	keys, vals := l.fields()
	late := sort.Search(len(keys), func(i int) bool { return fieldOrd(keys[i]) >= 0 })
	for _, key := range keys[:late] {
		writeField(buf, key, vals[key])
	}

	buf.WriteString(" : ")
	writeMsg(buf)

	sep := false
	for _, key := range keys[late:] {
		if !sep {
			buf.WriteString(" :")
			sep = true
		}
		writeField(buf, key, vals[key])
	}
	if file, line, ok := caller(); ok {
		if !sep {
			buf.WriteString(" :")
		}
		fmt.Fprintf(buf, " (from %s:%d)", file, line)
	}
	buf.WriteByte('\n')

	logMu.Lock()
	_, _ = l.out.Write(buf.Bytes())
	logMu.Unlock()
}

// fields returns the keys of every field set on l, sorted for
// display, along with their values.  The innermost WithField wins
// for repeated keys.
func (l *logger) fields() ([]string, map[string]any) {
	vals := make(map[string]any)
	var keys []string
	for f := l; f.parent != nil; f = f.parent {
		if _, dup := vals[f.fieldKey]; dup {
			continue
		}
		vals[f.fieldKey] = f.fieldVal
		keys = append(keys, f.fieldKey)
	}
	sort.Slice(keys, func(i, j int) bool {
		if oi, oj := fieldOrd(keys[i]), fieldOrd(keys[j]); oi != oj {
			return oi < oj
		}
		return keys[i] < keys[j]
	})
	return keys, vals
}

// caller returns the innermost stack frame that is in this module but
// outside of this package.
func caller() (file string, line int, ok bool) {
	const (
		maxDepth = 25
		minDepth = 4 // runtime.Callers + caller + .log + .UnformattedLogX
	)
	var pcs [maxDepth]uintptr
	depth := runtime.Callers(minDepth, pcs[:])
	frames := runtime.CallersFrames(pcs[:depth])
	for f, more := frames.Next(); more; f, more = frames.Next() {
		if !strings.HasPrefix(f.Function, thisModule+"/") || strings.HasPrefix(f.Function, thisPackage+".") {
			continue
		}
		return strings.TrimPrefix(f.File, thisModDir+"/"), f.Line, true
	}
	return "", 0, false
}

// fieldOrder gives the display position of well-known fields.  Fields
// with a negative position go before the message, the rest after it.
var fieldOrder = map[string]int{
	"THREAD":       -99, // dgroup
	"dexec.pid":    -98,
	"dexec.stream": -97,
	"dexec.data":   -96,
	"dexec.err":    -95,

	"refcount.recover.step":   -50,
	"refcount.recover.intent": -20,
	"refcount.step":           -15,
	"refcount.tx":             -10,
	"refcount.ag":             -5,
	"refcount.op":             -4,

	"refcount.read-json-file": -1,
}

func fieldOrd(key string) int {
	if ord, ok := fieldOrder[key]; ok {
		return ord
	}
	return 1
}

func writeField(w io.Writer, key string, val any) {
	str := printer.Sprint(val)
	if strings.HasPrefix(str, `"`) || strings.IndexFunc(str, func(r rune) bool { return r == ' ' || !unicode.IsPrint(r) }) >= 0 {
		str = strconv.Quote(str)
	}

	name := key
	switch {
	case name == "THREAD":
		str = strings.TrimPrefix(strings.TrimPrefix(str, "/main"), "/")
		if str == "" {
			return
		}
		name = "thread"
	case strings.HasPrefix(name, "refcount.recover."):
		name = strings.TrimPrefix(name, "refcount.recover.")
	case strings.HasPrefix(name, "refcount."):
		name = strings.TrimPrefix(name, "refcount.")
	}
	fmt.Fprintf(w, " %s=%s", name, str)
}
