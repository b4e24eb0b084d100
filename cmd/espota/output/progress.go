// Copyright (C) 2024 Toitware ApS. All rights reserved.
// Use of this source code is governed by an MIT-style license that can be
// found in the LICENSE file.

package output

import (
	"fmt"
	"io"

	"github.com/cheggaaa/pb/v3"
)

// Progress renders how far a transfer has come.
type Progress interface {
	Start(total int64)
	Update(sent int64)
	Finish()
}

// NewProgress picks a progress bar for terminals and a rewritten line otherwise.
func NewProgress(w io.Writer) Progress {
	if IsTerminal(w) {
		return &Bar{w: w}
	}
	return &Lines{w: w}
}

// Bar is a byte progress bar.
type Bar struct {
	w   io.Writer
	bar *pb.ProgressBar
}

func (b *Bar) Start(total int64) {
	b.bar = pb.New64(total).SetWriter(b.w).Set(pb.Bytes, true).Start()
}

func (b *Bar) Update(sent int64) {
	if b.bar != nil {
		b.bar.SetCurrent(sent)
	}
}

func (b *Bar) Finish() {
	if b.bar != nil {
		b.bar.Finish()
	}
}

// Lines keeps rewriting a single "[INFO] Progress" line.
type Lines struct {
	w       io.Writer
	total   int64
	started bool
}

func (l *Lines) Start(total int64) {
	l.total = total
	l.started = true
	l.Update(0)
}

func (l *Lines) Update(sent int64) {
	fmt.Fprintf(l.w, "\r[INFO] Progress: %6.2f%% (%s/%s)", Percent(sent, l.total), Size(sent), Size(l.total))
}

func (l *Lines) Finish() {
	if l.started {
		fmt.Fprintln(l.w)
		l.started = false
	}
}
