// Copyright (C) 2019 Valve Corporation
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package dword provides little-endian 32-bit word stream encoding and a
// random-access word cursor over in-memory data.
//
// AUB files are streams of little-endian dwords; every record length is
// expressed in dwords. Writer collects the first error encountered and
// turns all later calls into no-ops, so record emission code can be written
// without per-call error checks.
package dword

import (
	"encoding/binary"
	"io"
)

// Writer encodes little-endian dwords to an underlying io.Writer.
type Writer struct {
	writer io.Writer
	tmp    [8]byte
	err    error
}

// NewWriter creates a Writer emitting to w.
func NewWriter(w io.Writer) *Writer {
	return &Writer{writer: w}
}

// U32 writes a single dword.
func (w *Writer) U32(v uint32) {
	if w.err != nil {
		return
	}
	binary.LittleEndian.PutUint32(w.tmp[:], v)
	_, w.err = w.writer.Write(w.tmp[:4])
}

// U64 writes a 64-bit value as two dwords, low word first.
func (w *Writer) U64(v uint64) {
	if w.err != nil {
		return
	}
	binary.LittleEndian.PutUint64(w.tmp[:], v)
	_, w.err = w.writer.Write(w.tmp[:8])
}

// Data writes the bytes in their entirety.
func (w *Writer) Data(data []byte) {
	if w.err != nil || len(data) == 0 {
		return
	}
	n, err := w.writer.Write(data)
	if err != nil {
		w.err = err
	} else if n != len(data) {
		w.err = io.ErrShortWrite
	}
}

// Pad4 writes n zero bytes where n pads size up to a 4-byte boundary.
func (w *Writer) Pad4(size int) {
	var zero [4]byte
	w.Data(zero[:(-size)&3])
}

// Error returns the error which stopped writing to the stream, or nil if
// writing has not stopped.
func (w *Writer) Error() error { return w.err }

// SetError stops the writer with err, unless it has already stopped.
func (w *Writer) SetError(err error) {
	if w.err == nil {
		w.err = err
	}
}

// Cursor provides word-indexed access to an in-memory dword stream.
// The zero value is an empty cursor.
type Cursor struct {
	data []byte
	pos  int // current word offset
}

// NewCursor returns a Cursor over data. Trailing bytes beyond the last
// complete dword are ignored.
func NewCursor(data []byte) *Cursor {
	return &Cursor{data: data[:len(data)&^3]}
}

// Pos returns the current word offset from the start of the stream.
func (c *Cursor) Pos() int { return c.pos }

// Len returns the total stream length in words.
func (c *Cursor) Len() int { return len(c.data) / 4 }

// Remaining returns the number of words between the cursor and the end.
func (c *Cursor) Remaining() int { return c.Len() - c.pos }

// Word returns the dword at the given offset from the cursor position.
// It must be within the stream.
func (c *Cursor) Word(i int) uint32 {
	return binary.LittleEndian.Uint32(c.data[(c.pos+i)*4:])
}

// Bytes returns the raw bytes of n words starting at word offset i from the
// cursor position. The slice aliases the underlying data.
func (c *Cursor) Bytes(i, n int) []byte {
	off := (c.pos + i) * 4
	return c.data[off : off+n*4]
}

// Advance moves the cursor forward by n words, reporting whether the new
// position is still within the stream bounds.
func (c *Cursor) Advance(n int) bool {
	c.pos += n
	return c.pos <= c.Len()
}
