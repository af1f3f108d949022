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

package queue

import (
	"errors"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeWriter is a minimal writer (caravan.go's sink interface) that
// records every vectored write it's handed.
type fakeWriter struct {
	noSpace   bool
	short     bool // if set, report writing one byte fewer than requested
	failWith  error
	lastWrite []byte
}

func (w *fakeWriter) hasSpaceFor(n int) bool { return !w.noSpace }
func (w *fakeWriter) setNoSpace()            { w.noSpace = true }
func (w *fakeWriter) writeBuffers(bufs net.Buffers) (int64, error) {
	if w.failWith != nil {
		return 0, w.failWith
	}
	var total []byte
	for _, b := range bufs {
		total = append(total, b...)
	}
	w.lastWrite = total
	n := len(total)
	if w.short && n > 0 {
		n--
	}
	return int64(n), nil
}

func TestCaravanFullOnByteCapacity(t *testing.T) {
	c := newCaravan(nil, "C1", 16)
	assert.False(t, c.full())
	c.appendSegment(make([]byte, 16))
	assert.True(t, c.full())
}

func TestCaravanFullOnSegmentCount(t *testing.T) {
	c := newCaravan(nil, "C2", CaravanC2Capacity)
	for i := 0; i < 3*SendBudget-1; i++ {
		c.appendSegment([]byte{0})
		assert.False(t, c.full(), "segment %d", i)
	}
	c.appendSegment([]byte{0})
	assert.True(t, c.full())
}

func TestCaravanFullOnOwningCount(t *testing.T) {
	c := newCaravan(nil, "C1", CaravanC1Capacity)
	for i := 0; i < SendBudget-1; i++ {
		c.takeOwnership(&Command{})
		assert.False(t, c.full())
	}
	c.takeOwnership(&Command{})
	assert.True(t, c.full())
}

func TestCaravanFullOnMappedPages(t *testing.T) {
	c := newCaravan(nil, "C1", CaravanC1Capacity)
	for i := 0; i < SendBudget-1; i++ {
		c.markMappedPage()
		assert.False(t, c.full())
	}
	c.markMappedPage()
	assert.True(t, c.full())
}

func TestCaravanFlushSendsAppendedSegmentsAndResets(t *testing.T) {
	c := newCaravan(nil, "C1", CaravanC1Capacity)
	c.appendSegment([]byte("hello "))
	c.appendSegment([]byte("world"))
	cmd := &Command{inUse: true}
	c.takeOwnership(cmd)

	w := &fakeWriter{}
	released, err := c.flush(w)
	require.NoError(t, err)
	assert.Equal(t, 1, released)
	assert.Equal(t, "hello world", string(w.lastWrite))
	assert.Equal(t, 0, c.length)
	assert.Empty(t, c.segments)
	assert.Empty(t, c.owning)
	assert.False(t, c.sendNow)
}

func TestCaravanFlushNoopWhenEmpty(t *testing.T) {
	c := newCaravan(nil, "C2", CaravanC2Capacity)
	w := &fakeWriter{}
	released, err := c.flush(w)
	require.NoError(t, err)
	assert.Equal(t, 0, released)
	assert.Nil(t, w.lastWrite)
}

func TestCaravanFlushBacksOffWhenNoSpace(t *testing.T) {
	c := newCaravan(nil, "C1", CaravanC1Capacity)
	c.appendSegment([]byte("x"))
	w := &fakeWriter{noSpace: true}
	released, err := c.flush(w)
	require.NoError(t, err)
	assert.Equal(t, 0, released)
	assert.Equal(t, 1, c.length, "flush must not drop the pending segment on backpressure")
}

func TestCaravanFlushShortWriteStillReleasesOwners(t *testing.T) {
	c := newCaravan(nil, "C1", CaravanC1Capacity)
	c.appendSegment([]byte("abc"))
	c.takeOwnership(&Command{})
	w := &fakeWriter{short: true}
	released, err := c.flush(w)
	require.NoError(t, err)
	assert.Equal(t, 1, released)
	assert.Equal(t, 0, c.length)
}

func TestCaravanFlushPropagatesWriteError(t *testing.T) {
	c := newCaravan(nil, "C1", CaravanC1Capacity)
	c.appendSegment([]byte("abc"))
	c.takeOwnership(&Command{})
	boom := errors.New("conn reset")
	w := &fakeWriter{failWith: boom}
	released, err := c.flush(w)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, released)
	assert.Equal(t, 0, c.length, "caravan resets its buffers even on a failed flush")
}
