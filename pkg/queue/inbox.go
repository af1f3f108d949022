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

import "sync/atomic"

// inboxNode is one entry of the lock-free response inbox: a completed
// command awaiting pickup by the send state machine.
type inboxNode struct {
	cmd  *Command
	next *inboxNode
}

// responseInbox is the single-producer(many-writer)/single-consumer
// lock-free stack spec.md §5/§9 describes: the executor (or any
// goroutine) may push a completed command from any context; only the
// queue's send goroutine drains it.
type responseInbox struct {
	head atomic.Pointer[inboxNode]
}

// Push adds cmd to the inbox. Safe to call concurrently from any
// number of goroutines.
func (b *responseInbox) Push(cmd *Command) {
	n := &inboxNode{cmd: cmd}
	for {
		old := b.head.Load()
		n.next = old
		if b.head.CompareAndSwap(old, n) {
			return
		}
	}
}

// DrainFIFO atomically takes the whole stack and returns its contents
// in arrival order. Per spec.md §5: the inbox itself is LIFO, so a
// literal single reversal of the popped chain yields arrival order
// (pushing each popped node onto the head of the result, which is the
// "prepend each entry to the head of resp_send_list" rule, produces
// the double-reversal the spec calls out — prepending a LIFO chain
// once nets out to FIFO).
func (b *responseInbox) DrainFIFO() []*Command {
	top := b.head.Swap(nil)
	var out []*Command
	for n := top; n != nil; n = n.next {
		// n is popped in LIFO (most-recent-first) order; prepending
		// each to out reverses it back to arrival order.
		out = append([]*Command{n.cmd}, out...)
	}
	return out
}
