// Copyright 2016--2022 Lightbits Labs Ltd.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// you may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package sgl implements a scatter-gather list of fixed-size pinned
// page buffers, the payload-mapping primitive spec.md §4.7 describes:
// write absorption walks a List's tail starting at rbytes_done,
// and the send path appends its segments directly into a caravan.
package sgl

import (
	"fmt"
	"io"
)

// PageSize is the simulated MMU page size used to chunk a List
// into pinned segments, matching the "8192" bufferLen the teacher uses
// for I/O data buffers (pkg/nvme/tcp_queue.go's mapData).
const PageSize = 8192

// List is a scatter-gather list: a request's data buffer, split into
// PageSize-ish chunks so sends can be appended to a caravan a page at
// a time without copying the whole transfer into one contiguous slice.
type List struct {
	buffers  [][]byte
	capacity int
}

// New allocates a List able to hold datalen bytes, chunked into
// buffers of at most bufferLen bytes each.
func New(datalen, bufferLen int) *List {
	buffers := make([][]byte, 0)
	for left := datalen; left > 0; {
		n := minInt(left, bufferLen)
		buffers = append(buffers, make([]byte, n))
		left -= n
	}
	return &List{buffers: buffers, capacity: datalen}
}

// Size returns the total capacity of the list in bytes.
func (l *List) Size() int { return l.capacity }

func (l *List) String() string { return fmt.Sprintf("sgl(size=%d, segments=%d)", l.capacity, len(l.buffers)) }

// Segment returns the base pointer and length of the segment
// containing byte offset off (0-based into the whole list), and the
// offset within that segment. ok is false if off is out of range.
func (l *List) Segment(off int) (seg []byte, segOff int, ok bool) {
	if off < 0 {
		return nil, 0, false
	}
	for _, b := range l.buffers {
		if off < len(b) {
			return b, off, true
		}
		off -= len(b)
	}
	return nil, 0, false
}

// SegmentAt returns the i-th underlying buffer directly, used by the
// send path to append whole pages into a caravan one at a time
// (spec.md §4.4 SEND_DATA "walks cur_sg, emitting one scatter element
// per step").
func (l *List) SegmentAt(i int) []byte {
	if i < 0 || i >= len(l.buffers) {
		return nil
	}
	return l.buffers[i]
}

// NumSegments returns the number of underlying buffers.
func (l *List) NumSegments() int { return len(l.buffers) }

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// Writer absorbs inbound bytes (e.g. h2c_data payload) into a List
// starting at a given byte offset, continuing across segment
// boundaries — the receive-side counterpart of spec.md §4.7.
type Writer struct {
	l      *List
	index  int
	offset int
}

// NewWriter returns a Writer positioned at byte offset start within l.
func NewWriter(l *List, start int) *Writer {
	w := &Writer{l: l}
	for start > 0 && w.index < len(l.buffers) {
		buf := l.buffers[w.index]
		if start < len(buf) {
			w.offset = start
			break
		}
		start -= len(buf)
		w.index++
	}
	return w
}

func (w *Writer) Write(p []byte) (int, error) {
	written := 0
	for len(p) > 0 && w.index < len(w.l.buffers) {
		buf := w.l.buffers[w.index]
		n := minInt(len(buf)-w.offset, len(p))
		copy(buf[w.offset:], p[:n])
		w.offset += n
		written += n
		p = p[n:]
		if w.offset == len(buf) {
			w.offset = 0
			w.index++
		}
	}
	if len(p) > 0 {
		return written, io.ErrShortBuffer
	}
	return written, nil
}

// Reader serializes a List from the beginning, used to copy an inline
// write payload or a connect-data buffer out for parsing.
type Reader struct {
	l      *List
	index  int
	offset int
}

// NewReader returns a Reader over the whole of l.
func NewReader(l *List) *Reader {
	return &Reader{l: l}
}

func (r *Reader) Read(p []byte) (int, error) {
	read := 0
	for len(p) > 0 && r.index < len(r.l.buffers) {
		buf := r.l.buffers[r.index]
		n := minInt(len(buf)-r.offset, len(p))
		copy(p[:n], buf[r.offset:r.offset+n])
		r.offset += n
		read += n
		p = p[n:]
		if r.offset == len(buf) {
			r.offset = 0
			r.index++
		}
	}
	if len(p) > 0 {
		return read, io.EOF
	}
	return read, nil
}
