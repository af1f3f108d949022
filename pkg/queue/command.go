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

// Package queue implements the per-connection queue engine: framing,
// the receive/send state machines, the caravan aggregator, the
// budgeted scheduler, socket integration, and connection lifecycle
// (spec.md §4).
package queue

import (
	"github.com/lightbitslabs/i10-target/pkg/digest"
	"github.com/lightbitslabs/i10-target/pkg/executor"
	"github.com/lightbitslabs/i10-target/pkg/sgl"
	"github.com/lightbitslabs/i10-target/pkg/wire"
)

// sendState is the per-command send-side state (spec.md §4.4).
type sendState int

const (
	sendIdle sendState = iota
	sendDataPDU
	sendData
	sendR2T
	sendDDGST
	sendResponse
)

func (s sendState) String() string {
	switch s {
	case sendDataPDU:
		return "SEND_DATA_PDU"
	case sendData:
		return "SEND_DATA"
	case sendR2T:
		return "SEND_R2T"
	case sendDDGST:
		return "SEND_DDGST"
	case sendResponse:
		return "SEND_RESPONSE"
	default:
		return "SEND_IDLE"
	}
}

// Command is the per-slot control block spec.md §3 describes: a
// single NVMe operation in flight on a queue, with its four
// pre-allocated PDU buffers and running receive/send byte counters.
type Command struct {
	queue *Queue
	tag   uint16 // array index == wire ttag

	req *executor.Request

	// Pre-allocated PDU buffers, each sized to include an optional
	// header-digest trailer.
	cmdBuf    []byte
	rspBuf    []byte
	dataBuf   []byte // c2h_data/h2c_data/r2t header scratch
	r2tBuf    []byte

	rbytesDone uint32
	wbytesDone uint32

	// Send-side cursor: byte offset within the current sub-stage PDU,
	// and which scatter-gather segment payload emission is walking.
	offset    int
	curSeg    int
	segOffset int

	expectedDDGST [4]byte
	receivedDDGST [4]byte
	ddgstAccum    *digest.Streaming

	state sendState

	// inUse is false once returned to the free list; guards against
	// double-release.
	inUse bool
	// isConnectSlot marks the one reserved, never-recycled slot.
	isConnectSlot bool

	// intrusive free-list / response-list linkage (spec.md §3:
	// "list/linked-list anchors for free-list and response-list
	// membership").
	next *Command
}

func newCommand(q *Queue, tag uint16, hdgstLen int) *Command {
	return &Command{
		queue:   q,
		tag:     tag,
		cmdBuf:  make([]byte, wire.CmdPDUSize+hdgstLen),
		rspBuf:  make([]byte, wire.RspPDUSize+hdgstLen),
		dataBuf: make([]byte, wire.DataPDUSize+hdgstLen),
		r2tBuf:  make([]byte, wire.R2TPDUSize+hdgstLen),
	}
}

// reset clears per-use counters when a slot is taken from the free
// list (spec.md §4.2 get()).
func (c *Command) reset() {
	c.req = nil
	c.rbytesDone = 0
	c.wbytesDone = 0
	c.offset = 0
	c.curSeg = 0
	c.segOffset = 0
	c.expectedDDGST = [4]byte{}
	c.receivedDDGST = [4]byte{}
	c.ddgstAccum = nil
	c.state = sendIdle
	c.inUse = true
	c.next = nil
}

// Tag returns the slot index, which doubles as the wire ttag.
func (c *Command) Tag() uint16 { return c.tag }

// Data returns the scatter-gather list backing this command's
// request, or nil if the command has no data phase.
func (c *Command) Data() *sgl.List {
	if c.req == nil {
		return nil
	}
	return c.req.Data
}

// SlotPool is the fixed-size per-queue array of command control
// blocks described in spec.md §4.2: free-list plus a reserved
// "connect" slot that is never recycled.
type SlotPool struct {
	q          *Queue
	slots      []*Command
	freeHead   *Command
	connectCmd *Command
}

// newSlotPool allocates nrCmds slots (spec.md §3: "provisioned at
// admin install time as 2x the submission queue size"), slot 0
// reserved as the connect slot.
func newSlotPool(q *Queue, nrCmds int, hdgstLen int) *SlotPool {
	p := &SlotPool{q: q, slots: make([]*Command, nrCmds)}
	for i := 0; i < nrCmds; i++ {
		p.slots[i] = newCommand(q, uint16(i), hdgstLen)
	}
	p.connectCmd = p.slots[0]
	p.connectCmd.isConnectSlot = true
	// slots[1:] start on the free list; slot 0 is reserved.
	for i := len(p.slots) - 1; i >= 1; i-- {
		p.slots[i].next = p.freeHead
		p.freeHead = p.slots[i]
	}
	return p
}

// Get pops a slot off the free list, or reports ok=false when
// exhausted — a fatal condition per spec.md §4.2 since the initiator
// promised not to oversubscribe nr_cmds. Every successful Get is
// matched by exactly one later Put, which is what makes the
// commands-inflight gauge below accurate without needing every call
// site to remember to account for it separately.
func (p *SlotPool) Get() (cmd *Command, ok bool) {
	if p.freeHead == nil {
		return nil, false
	}
	cmd = p.freeHead
	p.freeHead = cmd.next
	cmd.next = nil
	cmd.reset()
	if p.q != nil {
		p.q.metrics.CommandsInflight(1)
	}
	return cmd, true
}

// Put returns a slot to the free list, unless it is the reserved
// connect slot (spec.md §4.2 put()).
func (p *SlotPool) Put(cmd *Command) {
	if cmd.isConnectSlot {
		cmd.inUse = false
		return
	}
	cmd.inUse = false
	cmd.next = p.freeHead
	p.freeHead = cmd
	if p.q != nil {
		p.q.metrics.CommandsInflight(-1)
	}
}

// ByTag returns the slot at the given wire ttag, enabling O(1)
// h2c_data dispatch (spec.md §4.2).
func (p *SlotPool) ByTag(tag uint16) (*Command, bool) {
	if int(tag) >= len(p.slots) {
		return nil, false
	}
	return p.slots[tag], true
}

// ConnectSlot returns the reserved slot used to process the initial
// fabrics connect/icreq exchange.
func (p *SlotPool) ConnectSlot() *Command { return p.connectCmd }

// DrainAll force-releases every still-checked-out slot at queue
// teardown, matching the teacher's release path which counts commands
// that finished their data phase and were merely awaiting send-out
// (drained) separately from commands that never got that far
// (aborted). Not safe to call concurrently with Get/Put; scheduler.go's
// finalFlush is the only caller, and it only runs on the send goroutine
// itself after the socket is closed and the final drain+flush have run,
// so it never races a live appendResponse/takeOwnership.
func (p *SlotPool) DrainAll() (drained, aborted int) {
	for _, cmd := range p.slots {
		if cmd.isConnectSlot || !cmd.inUse {
			continue
		}
		if cmd.state == sendResponse || cmd.state == sendIdle {
			drained++
		} else {
			aborted++
		}
		p.Put(cmd)
	}
	return drained, aborted
}
