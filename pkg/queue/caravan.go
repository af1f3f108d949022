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
	"net"

	"github.com/sirupsen/logrus"
)

// Budgets shared by the caravan fullness test and the scheduler
// (spec.md §4.5/§4.6), pinned to original_source/PINoF/target/
// PINoF.c's I10_TARGET_*_BUDGET constants.
const (
	RecvBudget   = 16
	SendBudget   = 16
	IOWorkBudget = 64

	CaravanC1Capacity = 65536
	CaravanC2Capacity = 256
)

// LogCaravanDetail enables the per-flush debug log line below; wired
// up from internal/config's logging.logCaravanDetail setting.
var LogCaravanDetail bool

// caravan is the gather-vector batching buffer spec.md §4.5 describes:
// pointers/lengths appended across many small emissions, drained as
// one scatter-send. Two independent instances live on every Queue,
// the admin queue included (C1 for write-side traffic + read data, C2
// for R2T + read responses); no send path bypasses them.
type caravan struct {
	name     string
	capacity int

	q *Queue

	segments [][]byte
	length   int

	owning      []*Command
	mappedPages int

	sendNow bool
}

func newCaravan(q *Queue, name string, capacity int) *caravan {
	return &caravan{q: q, name: name, capacity: capacity}
}

// full implements the fullness test of spec.md §4.5: any of total
// bytes, segment count, owning-command count, or mapped-page count
// reaching their budget marks the caravan full.
func (c *caravan) full() bool {
	return c.length >= c.capacity ||
		len(c.segments) >= 3*SendBudget ||
		len(c.owning) >= SendBudget ||
		c.mappedPages >= SendBudget
}

// appendSegment adds one {base,len} pair. Callers must check full()
// first; appendSegment never rolls back or checks capacity itself —
// that's the caller's job per spec.md §4.5 ("the current emission is
// rolled back" happens at the call site, before appendSegment runs).
func (c *caravan) appendSegment(b []byte) {
	c.segments = append(c.segments, b)
	c.length += len(b)
}

// takeOwnership transfers commit-on-flush ownership of cmd to this
// caravan (spec.md §4.5 "Ownership on append"). The send state machine
// must clear its own reference to cmd immediately after calling this.
func (c *caravan) takeOwnership(cmd *Command) {
	c.owning = append(c.owning, cmd)
}

// markMappedPage records one page the flush must "unmap" (a no-op in
// this pure-Go target, since sgl segments are plain heap slices, but
// tracked for the fullness test's parity with the kernel original).
func (c *caravan) markMappedPage() {
	c.mappedPages++
}

// markSendNow requests that the scheduler flush this caravan before
// the next command is serviced, without waiting for it to fill.
func (c *caravan) markSendNow() {
	c.sendNow = true
}

// writer is the minimal socket surface a caravan flush needs: a
// backpressure check plus a vectored write.
type writer interface {
	hasSpaceFor(n int) bool
	setNoSpace()
	writeBuffers(bufs net.Buffers) (int64, error)
}

// flush issues one vectored write over every appended segment
// (spec.md §4.5 Flush steps 1-5). It returns the number of owning
// commands released.
func (c *caravan) flush(w writer) (released int, err error) {
	if c.length == 0 {
		return 0, nil
	}
	if !w.hasSpaceFor(c.length) {
		w.setNoSpace()
		return 0, nil
	}

	bufs := net.Buffers(append([][]byte(nil), c.segments...))
	n, werr := w.writeBuffers(bufs)
	if werr != nil {
		released := c.releaseOwning()
		c.resetLocked()
		return released, werr
	}
	if int(n) < c.length {
		// No rollback on short sendmsg: spec.md §9 documents this as
		// a known hazard accepted in exchange for a forced socket
		// send buffer strictly larger than any caravan's capacity.
		logrus.WithFields(logrus.Fields{
			"caravan": c.name, "wanted": c.length, "sent": n,
		}).Warnf("short caravan write")
		if c.q != nil {
			c.q.metrics.CaravanShortWrite(c.name)
		}
	}

	if c.q != nil {
		c.q.metrics.CaravanFlush(c.name, int(n))
	}
	if LogCaravanDetail {
		logrus.WithFields(logrus.Fields{
			"caravan": c.name, "bytes": n, "segments": len(c.segments), "owning": len(c.owning),
		}).Debugf("caravan flush")
	}
	released = c.releaseOwning()
	c.resetLocked()
	return released, nil
}

// releaseOwning frees every owning command's scatter-gather list and
// returns it to the free list (spec.md §4.5 Flush steps 3-4).
func (c *caravan) releaseOwning() int {
	for _, cmd := range c.owning {
		if cmd.req != nil && c.q != nil {
			c.q.executor.Uninit(cmd.req)
		}
		if c.q != nil {
			c.q.pool.Put(cmd)
		}
	}
	return len(c.owning)
}

func (c *caravan) resetLocked() {
	c.segments = c.segments[:0]
	c.length = 0
	c.owning = c.owning[:0]
	c.mappedPages = 0
	c.sendNow = false
}
