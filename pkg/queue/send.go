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
	"bytes"
	"encoding/binary"

	"github.com/lunixbochs/struc"

	"github.com/lightbitslabs/i10-target/pkg/digest"
	"github.com/lightbitslabs/i10-target/pkg/wire"
)

// drainResponses pops up to SendBudget commands from the response
// inbox and classifies each into a caravan emission (spec.md §4.4).
// It returns the number of commands it serviced; the caller (the
// scheduler) keeps calling this until it returns 0 or the budget is
// exhausted.
func (q *Queue) drainResponses(budget int) (serviced int, err error) {
	cmds := q.inbox.DrainFIFO()
	for i, cmd := range cmds {
		if i >= budget {
			// Push the remainder back for the next tick. DrainFIFO
			// returns entries in push order, so pushing the remainder
			// front to back keeps its arrival order for the next call.
			for j := i; j < len(cmds); j++ {
				q.inbox.Push(cmds[j])
			}
			break
		}
		if err := q.serviceCommand(cmd); err != nil {
			return serviced, err
		}
		serviced++
	}
	return serviced, nil
}

// serviceCommand classifies one completed/pending command into its
// SEND_* sub-stage and appends the corresponding emission into the
// right caravan, per spec.md §4.4 and §4.5's traffic split (C1 carries
// data PDUs, write responses, and no-data responses; C2 carries R2T
// and read-responses).
func (q *Queue) serviceCommand(cmd *Command) error {
	req := cmd.req
	switch {
	case cmd.state == sendR2T:
		return q.sendR2T(cmd)
	case req != nil && req.IsWrite() && req.TransferLen() > 0:
		cmd.state = sendResponse
		return q.appendResponse(q.c1, cmd)
	case req != nil && req.TransferLen() > 0 && !req.IsWrite():
		return q.sendReadData(cmd)
	default:
		cmd.state = sendResponse
		return q.appendResponse(q.c1, cmd)
	}
}

// sendR2T appends a ready-to-transfer PDU into C2 for a solicited
// write whose data buffer has already been allocated by handleCmd.
func (q *Queue) sendR2T(cmd *Command) error {
	if q.c2.full() {
		if _, err := q.c2.flush(q); err != nil {
			return err
		}
	}
	r2t := wire.R2T{
		CommandID: cmd.req.CommandID(),
		TTag:      cmd.Tag(),
		R2TOffset: 0,
		R2TLength: cmd.req.TransferLen(),
	}
	var body bytes.Buffer
	if err := struc.Pack(&body, &r2t); err != nil {
		return protocolErr("failed to encode r2t: %v", err)
	}
	hdr := wire.Header{Type: wire.TypeR2T, Hlen: wire.R2TPDUSize, Pdo: 0, Plen: wire.R2TPDUSize}
	if q.hdgstLen > 0 {
		hdr.Plen += uint32(q.hdgstLen)
	}
	var out bytes.Buffer
	if err := struc.Pack(&out, &hdr); err != nil {
		return protocolErr("failed to encode r2t header: %v", err)
	}
	out.Write(body.Bytes())
	if q.hdgstLen > 0 {
		out.Write(trailerBytes(q.crc.Sum(out.Bytes())))
	}
	cmd.state = sendIdle
	q.c2.appendSegment(append([]byte(nil), out.Bytes()...))
	// r2t carries no command-completing payload; the command stays
	// checked out of the pool until h2c_data arrives and executes it.
	return nil
}

// sendReadData appends a c2h_data PDU (with the read payload) into C1,
// then emits the mandatory completion response into C2 — spec.md
// §4.4's SEND_DATA_PDU -> SEND_DATA -> [SEND_DDGST] -> SEND_RESPONSE
// chain in full; there is no DATA_SUCCESS shortcut that skips the rsp
// PDU. Per the §4.5 caravan table, a read's data goes to C1 and its
// response goes to C2, so ownership of cmd is only taken once the
// response has been appended.
func (q *Queue) sendReadData(cmd *Command) error {
	req := cmd.req
	data := req.Data
	if data == nil || data.Size() == 0 {
		cmd.state = sendResponse
		return q.appendResponse(q.c1, cmd)
	}
	dp := wire.DataPDU{
		CommandID:  req.CommandID(),
		TTag:       0xffff,
		DataOffset: 0,
		DataLength: uint32(data.Size()),
	}
	var body bytes.Buffer
	if err := struc.Pack(&body, &dp); err != nil {
		return protocolErr("failed to encode c2h_data header: %v", err)
	}
	plen := wire.DataPDUSize + data.Size()
	if q.hdgstLen > 0 {
		plen += q.hdgstLen
	}
	if q.ddgstLen > 0 {
		plen += q.ddgstLen
	}
	hdr := wire.Header{
		Type: wire.TypeC2HData,
		Flags: wire.FlagLast,
		Hlen: wire.DataPDUSize,
		Pdo:  uint8(wire.DataPDUSize),
		Plen: uint32(plen),
	}
	var headerOut bytes.Buffer
	if err := struc.Pack(&headerOut, &hdr); err != nil {
		return protocolErr("failed to encode c2h_data header: %v", err)
	}
	headerOut.Write(body.Bytes())
	if q.hdgstLen > 0 {
		headerOut.Write(trailerBytes(q.crc.Sum(headerOut.Bytes())))
	}

	if q.c1.full() {
		if _, err := q.c1.flush(q); err != nil {
			return err
		}
	}
	q.c1.appendSegment(append([]byte(nil), headerOut.Bytes()...))

	ddgst := digestAccumulator(q.ddgstLen, q.crc)
	for i := 0; i < data.NumSegments(); i++ {
		if q.c1.full() {
			if _, err := q.c1.flush(q); err != nil {
				return err
			}
		}
		seg := data.SegmentAt(i)
		q.c1.appendSegment(seg)
		q.c1.markMappedPage()
		if ddgst != nil {
			_, _ = ddgst.Write(seg)
		}
	}
	if ddgst != nil {
		sum := ddgst.Sum32()
		q.c1.appendSegment(trailerBytes(sum))
	}

	cmd.state = sendResponse
	return q.appendResponse(q.c2, cmd)
}

// appendResponse appends a response (completion-queue-entry) PDU for
// cmd into the given caravan, then transfers ownership so the caravan
// releases the command's resources once flushed.
func (q *Queue) appendResponse(c *caravan, cmd *Command) error {
	req := cmd.req
	resp := wire.Response{
		SqHead:    q.sqHead,
		SqID:      q.qid,
		CommandID: req.CommandID(),
		Status:    req.Status << 1,
	}
	binary.LittleEndian.PutUint32(resp.Result.Result[:4], req.Result)
	var body bytes.Buffer
	if err := struc.Pack(&body, &resp); err != nil {
		return protocolErr("failed to encode response: %v", err)
	}
	hdr := wire.Header{Type: wire.TypeRsp, Hlen: wire.RspPDUSize, Pdo: 0, Plen: wire.RspPDUSize}
	if q.hdgstLen > 0 {
		hdr.Plen += uint32(q.hdgstLen)
	}
	var out bytes.Buffer
	if err := struc.Pack(&out, &hdr); err != nil {
		return protocolErr("failed to encode response header: %v", err)
	}
	out.Write(body.Bytes())
	if q.hdgstLen > 0 {
		out.Write(trailerBytes(q.crc.Sum(out.Bytes())))
	}

	if c.full() {
		if _, err := c.flush(q); err != nil {
			return err
		}
	}
	c.appendSegment(append([]byte(nil), out.Bytes()...))
	c.takeOwnership(cmd)
	return nil
}

func trailerBytes(b [4]byte) []byte { return b[:] }

// digestAccumulator starts a fresh incremental CRC32C accumulation
// when data-digest is negotiated, or returns nil otherwise.
func digestAccumulator(ddgstLen int, _ digest.CRC32C) *digest.Streaming {
	if ddgstLen == 0 {
		return nil
	}
	return digest.NewStreaming()
}
