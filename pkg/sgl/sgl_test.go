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

package sgl

import (
	"io"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWriterFillsExactlyThenShortBuffers(t *testing.T) {
	l := New(100, 10)
	assert.Equal(t, 100, l.Size())
	assert.Equal(t, 10, l.NumSegments())

	w := NewWriter(l, 0)
	buf := make([]byte, 90)
	rand.Read(buf)
	n, err := w.Write(buf)
	assert.Equal(t, 90, n)
	assert.NoError(t, err)

	for i := 0; i < 9; i++ {
		assert.Equal(t, buf[10*i:10*(i+1)], l.SegmentAt(i))
	}

	buf2 := make([]byte, 11)
	rand.Read(buf2)
	n, err = w.Write(buf2)
	assert.Equal(t, 10, n)
	assert.Equal(t, io.ErrShortBuffer, err)
	assert.Equal(t, buf2[:10], l.SegmentAt(9))
}

func TestWriterResumesAtOffset(t *testing.T) {
	l := New(32, 8)
	first := NewWriter(l, 0)
	_, err := first.Write(make([]byte, 16))
	assert.NoError(t, err)

	tail := []byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16}
	resumed := NewWriter(l, 16)
	n, err := resumed.Write(tail)
	assert.NoError(t, err)
	assert.Equal(t, 16, n)
	assert.Equal(t, tail[0:8], l.SegmentAt(2))
	assert.Equal(t, tail[8:16], l.SegmentAt(3))
}

func TestReaderRoundTrip(t *testing.T) {
	l := New(50, 7)
	w := NewWriter(l, 0)
	payload := make([]byte, 50)
	rand.Read(payload)
	_, err := w.Write(payload)
	assert.NoError(t, err)

	r := NewReader(l)
	out := make([]byte, 50)
	n, err := io.ReadFull(r, out)
	assert.NoError(t, err)
	assert.Equal(t, 50, n)
	assert.Equal(t, payload, out)
}
