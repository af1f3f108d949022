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
	"sync"
	"time"
)

// Run starts the queue's receive and send goroutines and blocks until
// either one exits (on a fatal error or Shutdown), at which point it
// tears the whole queue down and returns the error that caused it.
// This is the Go mapping of spec.md §5's single pinned-CPU worker: one
// goroutine reads PDUs under RECV_BUDGET, the other drains the
// response inbox and flushes caravans under SEND_BUDGET/IO_WORK_BUDGET,
// directly modeled on the teacher's ioWork goroutine split
// (pkg/nvme/tcp_queue.go).
func (q *Queue) Run() error {
	var (
		wg      sync.WaitGroup
		once    sync.Once
		outcome error
	)
	fail := func(err error) {
		once.Do(func() { outcome = err })
		q.Shutdown()
	}

	wg.Add(2)
	go func() {
		defer wg.Done()
		q.recvLoop(fail)
	}()
	go func() {
		defer wg.Done()
		q.sendLoop(fail)
	}()
	wg.Wait()
	return outcome
}

// recvLoop processes up to RecvBudget inbound PDUs per iteration,
// yielding between iterations so a slow reader on one queue cannot
// starve the flush side of its own send goroutine.
func (q *Queue) recvLoop(fail func(error)) {
	for {
		select {
		case <-q.closed:
			return
		default:
		}
		for i := 0; i < RecvBudget; i++ {
			if err := q.recv.recvOne(); err != nil {
				if fatal(err) {
					q.log.WithError(err).Warnf("recv loop exiting")
					fail(err)
					return
				}
				q.log.WithError(err).Debugf("non-fatal recv error")
			}
			select {
			case <-q.closed:
				return
			default:
			}
		}
	}
}

// sendLoop drains the response inbox and flushes both caravans every
// tick, bounded by SendBudget/IOWorkBudget per spec.md §4.6's
// do-while-progress scheduling rule: keep making progress on a queue
// until neither caravan has anything new to send, then yield.
func (q *Queue) sendLoop(fail func(error)) {
	ticker := time.NewTicker(time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-q.closed:
			q.finalFlush()
			return
		case <-ticker.C:
		}

		work := 0
		for work < IOWorkBudget {
			serviced, err := q.drainResponses(SendBudget)
			if err != nil {
				if fatal(err) {
					fail(err)
					q.finalFlush()
					return
				}
				q.log.WithError(err).Debugf("non-fatal send error")
			}
			work += serviced
			if serviced == 0 {
				break
			}
		}
		if q.c1.length > 0 {
			if _, err := q.c1.flush(q); err != nil && fatal(err) {
				fail(err)
				q.finalFlush()
				return
			}
		}
		if q.c2.length > 0 {
			if _, err := q.c2.flush(q); err != nil && fatal(err) {
				fail(err)
				q.finalFlush()
				return
			}
		}
	}
}

// finalFlush best-effort drains whatever is left in either caravan
// once the queue is tearing down, so a clean client disconnect doesn't
// silently drop an already-completed response, then force-releases
// whatever slots are still checked out and reports the drained/aborted
// split (spec.md's SUPPLEMENTED FEATURES teardown counters). This runs
// on the send goroutine, the same one that otherwise owns drainResponses
// and caravan flushes, so it never races DrainAll against a live
// appendResponse/takeOwnership.
func (q *Queue) finalFlush() {
	_, _ = q.drainResponses(len(q.pool.slots))
	_, _ = q.c1.flush(q)
	_, _ = q.c2.flush(q)
	drained, aborted := q.pool.DrainAll()
	q.metrics.QueueTeardown(drained, aborted)
}
