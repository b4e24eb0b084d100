// Copyright (C) 2024 Toitware ApS. All rights reserved.
// Use of this source code is governed by an MIT-style license that can be
// found in the LICENSE file.

package logstream

import (
	"bytes"
	"strings"
)

// LineBuffer accumulates raw reads and hands out complete lines. Bytes after
// the last '\n' stay buffered until a later read supplies the delimiter.
type LineBuffer struct {
	buf []byte
}

func (b *LineBuffer) Write(p []byte) (int, error) {
	b.buf = append(b.buf, p...)
	return len(p), nil
}

// Next removes and returns the first complete line, without its '\n'.
func (b *LineBuffer) Next() ([]byte, bool) {
	i := bytes.IndexByte(b.buf, '\n')
	if i < 0 {
		return nil, false
	}
	line := make([]byte, i)
	copy(line, b.buf[:i])
	b.buf = b.buf[i+1:]
	return line, true
}

// Drain emits every complete line currently buffered.
func (b *LineBuffer) Drain(emit func(string)) {
	for {
		line, ok := b.Next()
		if !ok {
			return
		}
		emit(Render(line))
	}
}

// Pending returns the buffered bytes that do not yet form a line.
func (b *LineBuffer) Pending() []byte {
	return b.buf
}

// Render turns a raw line into printable text. Invalid UTF-8 sequences are
// replaced rather than rejected.
func Render(line []byte) string {
	return strings.ToValidUTF8(string(line), "\uFFFD")
}
