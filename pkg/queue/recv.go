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
	"io"
	"net"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lunixbochs/struc"

	"github.com/lightbitslabs/i10-target/pkg/executor"
	"github.com/lightbitslabs/i10-target/pkg/sgl"
	"github.com/lightbitslabs/i10-target/pkg/wire"
)

// recvPhase names the receive-side state spec.md §4.3 describes, kept
// here purely for introspection (tests, logging); the state transitions
// happen inline within recvOne rather than across scheduler ticks,
// since a blocking per-queue goroutine can afford to read a whole PDU
// in one shot instead of resuming on every TCP segment.
type recvPhase int

const (
	recvPDU recvPhase = iota
	recvData
	recvDDGST
	recvErr
)

func (p recvPhase) String() string {
	switch p {
	case recvData:
		return "RECV_DATA"
	case recvDDGST:
		return "RECV_DDGST"
	case recvErr:
		return "RECV_ERR"
	default:
		return "RECV_PDU"
	}
}

// recvMachine holds the receive-side state of one Queue.
type recvMachine struct {
	q     *Queue
	phase recvPhase
}

// Phase reports the current receive-side state.
func (m *recvMachine) Phase() recvPhase { return m.phase }

// recvOne blocks for exactly one inbound PDU, decodes it, and drives
// the appropriate side effect (icresp reply, command admission,
// h2c_data payload absorption). It returns a *queueError on any
// failure, classified per spec.md §7.
func (m *recvMachine) recvOne() error {
	m.phase = recvPDU
	hdrBuf := make([]byte, wire.CommonHeaderSize)
	if _, err := io.ReadFull(m.q.conn, hdrBuf); err != nil {
		if err == io.EOF {
			return peerCloseErr()
		}
		return ioErr(err)
	}
	var hdr wire.Header
	if err := struc.Unpack(bytes.NewReader(hdrBuf), &hdr); err != nil {
		return protocolErr("malformed PDU header: %v", err)
	}

	if !wire.ValidInboundType(hdr.Type) && hdr.Type != wire.TypeICReq {
		return protocolErr("unexpected inbound PDU type %#02x", hdr.Type)
	}
	expectedHlen := wire.HeaderSizeForType(hdr.Type)
	if expectedHlen == 0 || int(hdr.Hlen) != expectedHlen {
		return protocolErr("bad hlen %d for PDU type %#02x", hdr.Hlen, hdr.Type)
	}

	bodyLen := expectedHlen - wire.CommonHeaderSize
	bodyBuf := make([]byte, bodyLen)
	if _, err := io.ReadFull(m.q.conn, bodyBuf); err != nil {
		return ioErr(err)
	}

	hdgstPresent := hdr.Type != wire.TypeICReq && hdr.Type != wire.TypeICResp && m.q.hdgstLen > 0
	if hdgstPresent {
		if err := m.verifyHeaderDigest(hdrBuf, bodyBuf); err != nil {
			return err
		}
	}

	switch hdr.Type {
	case wire.TypeICReq:
		return m.handleICReq(bodyBuf)
	case wire.TypeCmd:
		return m.handleCmd(hdr, bodyBuf)
	case wire.TypeH2CData:
		return m.handleH2CData(hdr, bodyBuf)
	default:
		return protocolErr("unhandled inbound PDU type %#02x", hdr.Type)
	}
}

func (m *recvMachine) verifyHeaderDigest(hdrBuf, bodyBuf []byte) error {
	var trailer [4]byte
	if _, err := io.ReadFull(m.q.conn, trailer[:]); err != nil {
		return ioErr(err)
	}
	want := m.q.crc.Sum(append(append([]byte{}, hdrBuf...), bodyBuf...))
	if want != trailer {
		m.q.metrics.DigestError()
		return digestErr("header digest mismatch")
	}
	return nil
}

// handleICReq drives spec.md §4.3 step 5: the one-time connection
// handshake, answered directly rather than through a caravan.
func (m *recvMachine) handleICReq(bodyBuf []byte) error {
	if m.q.getState() != stateConnecting {
		return protocolErr("icreq received outside CONNECTING state")
	}
	var req wire.ICReq
	if err := struc.Unpack(bytes.NewReader(bodyBuf), &req); err != nil {
		return protocolErr("malformed icreq: %v", err)
	}
	if req.PFV != wire.PFV1_0 {
		return protocolErr("unsupported PDU format version %d", req.PFV)
	}
	if req.HPDA != 0 {
		return protocolErr("unsupported icreq hpda %d", req.HPDA)
	}
	if req.MaxR2T != 0 {
		return protocolErr("unsupported icreq maxr2t %d", req.MaxR2T)
	}
	m.q.enableDigests(req.Digest&wire.ICReqDigestHeader != 0, req.Digest&wire.ICReqDigestData != 0)

	resp := wire.ICResp{
		PFV:     wire.PFV1_0,
		CPDA:    wire.CPDA,
		MaxData: wire.DefaultInlineDataSize,
	}
	if m.q.hdgstLen > 0 {
		resp.Digest |= wire.ICReqDigestHeader
	}
	if m.q.ddgstLen > 0 {
		resp.Digest |= wire.ICReqDigestData
	}

	var body bytes.Buffer
	if err := struc.Pack(&body, &resp); err != nil {
		return protocolErr("failed to encode icresp: %v", err)
	}
	hdr := wire.Header{Type: wire.TypeICResp, Hlen: wire.ICRespPDUSize, Pdo: 0, Plen: wire.ICRespPDUSize}
	var out bytes.Buffer
	if err := struc.Pack(&out, &hdr); err != nil {
		return protocolErr("failed to encode icresp header: %v", err)
	}
	out.Write(body.Bytes())
	if _, err := m.q.writeBuffers(net.Buffers{out.Bytes()}); err != nil {
		return ioErr(err)
	}
	m.q.setState(stateLive)
	return nil
}

// handleCmd admits a new NVM or fabrics/admin command (spec.md §4.1
// RECV_PDU -> command dispatch).
func (m *recvMachine) handleCmd(hdr wire.Header, bodyBuf []byte) error {
	var capsule wire.CommandCapsule
	if err := struc.Unpack(bytes.NewReader(bodyBuf), &capsule); err != nil {
		return protocolErr("malformed command capsule: %v", err)
	}

	if capsule.Opcode == wire.OpFabrics {
		return m.handleFabrics(hdr, bodyBuf)
	}

	cmd, ok := m.q.pool.Get()
	if !ok {
		return resourceErr("command slot pool exhausted")
	}
	req := executor.NewRequest(capsule, m.q.qid, m.q)
	req.Tag = cmd.Tag()
	cmd.req = req

	switch capsule.Opcode {
	case wire.OpAdminKeepAlive:
		// Keep-alive carries no data phase; just reset the controller's
		// timer and echo success (PINoF.c's nvmet_keep_alive_timer).
		m.q.resetKeepAlive()
		req.CompleteWithResult(wire.StatusSuccess, 0)
		return nil
	case wire.OpAdminAsyncEvent:
		// AEN completes later, whenever a namespace change fires one
		// (discovery.Controller.NotifyAsyncEvent); it is never handed to
		// the NVM executor.
		m.q.registerAENWaiter(cmd)
		return nil
	}

	inlineLen := 0
	if hdr.Pdo > 0 {
		inlineLen = int(hdr.Plen) - int(hdr.Pdo)
		if m.q.ddgstLen > 0 {
			inlineLen -= m.q.ddgstLen
		}
	}

	if !m.q.executor.Init(req) {
		m.q.pool.Put(cmd)
		return nil
	}

	switch {
	case capsule.Dptr.IsInline() && inlineLen > 0:
		req.Data = sgl.New(inlineLen, sgl.PageSize)
		w := sgl.NewWriter(req.Data, 0)
		buf := make([]byte, inlineLen)
		if _, err := io.ReadFull(m.q.conn, buf); err != nil {
			return ioErr(err)
		}
		if m.q.ddgstLen > 0 {
			var trailer [4]byte
			if _, err := io.ReadFull(m.q.conn, trailer[:]); err != nil {
				return ioErr(err)
			}
			if m.q.crc.Sum(buf) != trailer {
				m.q.metrics.DigestError()
				return digestErr("data digest mismatch on inline write")
			}
		}
		if _, err := w.Write(buf); err != nil {
			return protocolErr("inline data overrun: %v", err)
		}
		m.q.executor.Execute(req)
	case capsule.TransferLen() > 0 && capsule.IsWrite():
		// Host-data (solicited) write: allocate the landing buffer now
		// and queue an R2T; absorption happens via handleH2CData.
		req.Data = sgl.New(int(capsule.TransferLen()), sgl.PageSize)
		cmd.state = sendR2T
		m.q.inbox.Push(cmd)
	case capsule.TransferLen() > 0:
		// Read: allocate destination buffer, execute immediately; the
		// executor fills req.Data and completes via QueueResponse.
		req.Data = sgl.New(int(capsule.TransferLen()), sgl.PageSize)
		m.q.executor.Execute(req)
	default:
		m.q.executor.Execute(req)
	}
	return nil
}

// handleFabrics dispatches the fabrics command subtype (spec.md §6:
// "Fabrics connect admin command"). Only "connect" is implemented;
// property get/set are rejected with an invalid-field-in-command
// status, matching the teacher's admin-only fabrics support.
func (m *recvMachine) handleFabrics(hdr wire.Header, bodyBuf []byte) error {
	var cc wire.ConnectCommand
	if err := struc.Unpack(bytes.NewReader(bodyBuf), &cc); err != nil {
		return protocolErr("malformed fabrics command: %v", err)
	}
	if cc.FcType != wire.FcTypeConnect {
		return m.sendErrorResponse(cc.CommandID, wire.StatusInvalidField)
	}

	inlineLen := int(hdr.Plen) - int(hdr.Pdo)
	if m.q.ddgstLen > 0 {
		inlineLen -= m.q.ddgstLen
	}
	if inlineLen != wire.ConnectDataSize {
		return protocolErr("connect data length %d != %d", inlineLen, wire.ConnectDataSize)
	}
	buf := make([]byte, inlineLen)
	if _, err := io.ReadFull(m.q.conn, buf); err != nil {
		return ioErr(err)
	}
	if m.q.ddgstLen > 0 {
		var trailer [4]byte
		if _, err := io.ReadFull(m.q.conn, trailer[:]); err != nil {
			return ioErr(err)
		}
		if m.q.crc.Sum(buf) != trailer {
			m.q.metrics.DigestError()
			return digestErr("data digest mismatch on connect data")
		}
	}
	var cdata wire.ConnectData
	if err := struc.Unpack(bytes.NewReader(buf), &cdata); err != nil {
		return protocolErr("malformed connect data: %v", err)
	}

	hostNqn := strings.TrimRight(cdata.HostNqn, "\x00")
	m.q.qid = cc.QID
	m.q.sqSize = cc.SqSize
	m.q.hostNqn = hostNqn
	if cc.QID == 0 {
		kato := time.Duration(cc.Kato) * time.Millisecond
		m.q.bindController(m.q.id, hostNqn, uuid.UUID(cdata.HostID), kato)
	}

	cmd := m.q.pool.ConnectSlot()
	cmd.reset()
	cmd.state = sendResponse
	cmd.req = executor.NewRequest(wire.CommandCapsule{CommandID: cc.CommandID}, m.q.qid, m.q)
	cmd.req.Tag = cmd.Tag()
	cmd.req.Status = wire.StatusSuccess
	m.q.inbox.Push(cmd)
	return nil
}

func (m *recvMachine) sendErrorResponse(commandID uint16, status uint16) error {
	cmd := m.q.pool.ConnectSlot()
	cmd.reset()
	cmd.state = sendResponse
	cmd.req = executor.NewRequest(wire.CommandCapsule{CommandID: commandID}, m.q.qid, m.q)
	cmd.req.Tag = cmd.Tag()
	cmd.req.Status = status
	m.q.inbox.Push(cmd)
	return nil
}

// handleH2CData absorbs one solicited write data burst (spec.md §4.1
// h2c_data inbound handling), keyed by ttag into the slot pool per
// spec.md §4.2.
func (m *recvMachine) handleH2CData(hdr wire.Header, bodyBuf []byte) error {
	m.phase = recvData
	var dp wire.DataPDU
	if err := struc.Unpack(bytes.NewReader(bodyBuf), &dp); err != nil {
		return protocolErr("malformed h2c_data header: %v", err)
	}
	cmd, ok := m.q.pool.ByTag(dp.TTag)
	if !ok || !cmd.inUse || cmd.req == nil {
		return protocolErr("h2c_data for unknown ttag %d", dp.TTag)
	}
	if dp.DataOffset != cmd.rbytesDone {
		return protocolErr("h2c_data unexpected data offset %d, want %d", dp.DataOffset, cmd.rbytesDone)
	}

	dataLen := int(dp.DataLength)
	buf := make([]byte, dataLen)
	if _, err := io.ReadFull(m.q.conn, buf); err != nil {
		return ioErr(err)
	}
	if m.q.ddgstLen > 0 {
		var trailer [4]byte
		if _, err := io.ReadFull(m.q.conn, trailer[:]); err != nil {
			return ioErr(err)
		}
		if m.q.crc.Sum(buf) != trailer {
			m.q.metrics.DigestError()
			return digestErr("data digest mismatch on h2c_data")
		}
	}

	w := sgl.NewWriter(cmd.req.Data, int(dp.DataOffset))
	if _, err := w.Write(buf); err != nil {
		return protocolErr("h2c_data overrun: %v", err)
	}
	cmd.rbytesDone += uint32(dataLen)

	if hdr.Flags&wire.FlagLast != 0 {
		m.phase = recvPDU
		m.q.executor.Execute(cmd.req)
	}
	return nil
}

