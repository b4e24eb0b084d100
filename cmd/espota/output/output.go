// Copyright (C) 2024 Toitware ApS. All rights reserved.
// Use of this source code is governed by an MIT-style license that can be
// found in the LICENSE file.

// Package output prints the tagged status lines shared by all espota commands.
package output

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"golang.org/x/term"
)

// Logger is what the discovery, transfer and log stream components report to.
type Logger interface {
	Infof(format string, args ...interface{})
	OKf(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
	Abortf(format string, args ...interface{})
}

// Printer writes informational lines to out and failures to err.
type Printer struct {
	out      io.Writer
	err      io.Writer
	colorOut bool
	colorErr bool
}

var (
	infoColor  = color.New(color.FgCyan)
	okColor    = color.New(color.FgGreen, color.Bold)
	warnColor  = color.New(color.FgYellow)
	errorColor = color.New(color.FgRed, color.Bold)
	abortColor = color.New(color.FgMagenta)
)

// New returns a Printer that colors its tags on the streams that are terminals.
func New(out, err io.Writer) *Printer {
	return &Printer{
		out:      out,
		err:      err,
		colorOut: !color.NoColor && IsTerminal(out),
		colorErr: !color.NoColor && IsTerminal(err),
	}
}

// Plain returns a Printer that never emits escape sequences.
func Plain(out, err io.Writer) *Printer {
	return &Printer{out: out, err: err}
}

// Stdio is the Printer for the process' stdout and stderr.
func Stdio() *Printer {
	return New(os.Stdout, os.Stderr)
}

func (p *Printer) Infof(format string, args ...interface{}) {
	p.print(p.out, p.colorOut, infoColor, "[INFO]", format, args...)
}

func (p *Printer) OKf(format string, args ...interface{}) {
	p.print(p.out, p.colorOut, okColor, "[OK]", format, args...)
}

func (p *Printer) Warnf(format string, args ...interface{}) {
	p.print(p.out, p.colorOut, warnColor, "[WARN]", format, args...)
}

func (p *Printer) Errorf(format string, args ...interface{}) {
	p.print(p.err, p.colorErr, errorColor, "[ERROR]", format, args...)
}

func (p *Printer) Abortf(format string, args ...interface{}) {
	p.print(p.err, p.colorErr, abortColor, "[ABORT]", format, args...)
}

func (p *Printer) print(w io.Writer, colored bool, c *color.Color, tag string, format string, args ...interface{}) {
	if colored {
		tag = c.Sprint(tag)
	}
	fmt.Fprintf(w, "%s %s\n", tag, fmt.Sprintf(format, args...))
}

// IsTerminal reports whether w is a file attached to a terminal.
func IsTerminal(w io.Writer) bool {
	f, ok := w.(interface{ Fd() uintptr })
	return ok && term.IsTerminal(int(f.Fd()))
}

// Size formats a byte count, e.g. "1.5 MiB".
func Size(n int64) string {
	if n < 0 {
		n = 0
	}
	return humanize.IBytes(uint64(n))
}

// Rate formats the throughput of n bytes moved in d.
func Rate(n int64, d time.Duration) string {
	// Very fast transfers still need a non-zero divisor.
	if d < time.Millisecond {
		d = time.Millisecond
	}
	return Size(int64(float64(n)/d.Seconds())) + "/s"
}

// Percent returns how much of total has been sent. An empty payload is complete.
func Percent(sent, total int64) float64 {
	if total <= 0 {
		return 100
	}
	return float64(sent) / float64(total) * 100
}
