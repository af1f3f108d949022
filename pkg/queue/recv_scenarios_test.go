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
	"net"
	"testing"

	"github.com/lunixbochs/struc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lightbitslabs/i10-target/pkg/executor"
	"github.com/lightbitslabs/i10-target/pkg/sgl"
	"github.com/lightbitslabs/i10-target/pkg/wire"
)

// scenarioPipe wires a Queue to one end of an in-memory net.Pipe, with
// the other end left for the test to play the initiator role.
func scenarioPipe(t *testing.T) (*Queue, net.Conn) {
	t.Helper()
	client, server := net.Pipe()
	t.Cleanup(func() { _ = client.Close(); _ = server.Close() })
	q := New(server, Config{ID: 1, QID: 1, NRCmds: 8, Executor: executor.NewMemoryExecutor()})
	return q, client
}

func packPDU(t *testing.T, hdr wire.Header, body interface{}) []byte {
	t.Helper()
	var bodyBuf bytes.Buffer
	if body != nil {
		require.NoError(t, struc.Pack(&bodyBuf, body))
	}
	hdr.Hlen = uint8(wire.CommonHeaderSize + bodyBuf.Len())
	if hdr.Plen == 0 {
		hdr.Plen = uint32(hdr.Hlen)
	}
	var out bytes.Buffer
	require.NoError(t, struc.Pack(&out, &hdr))
	out.Write(bodyBuf.Bytes())
	return out.Bytes()
}

// S1: icreq/icresp handshake brings the queue from CONNECTING to LIVE.
func TestScenarioICReqICRespHandshake(t *testing.T) {
	q, client := scenarioPipe(t)

	pdu := packPDU(t, wire.Header{Type: wire.TypeICReq}, &wire.ICReq{PFV: wire.PFV1_0, MaxR2T: 0})
	writeDone := make(chan struct{})
	go func() { _, _ = client.Write(pdu); close(writeDone) }()

	respDone := make(chan []byte)
	go func() {
		buf := make([]byte, wire.ICRespPDUSize)
		_, _ = client.Read(buf)
		respDone <- buf
	}()

	require.NoError(t, q.recv.recvOne())
	<-writeDone

	var resp []byte
	select {
	case resp = <-respDone:
	}
	var hdr wire.Header
	require.NoError(t, struc.Unpack(bytes.NewReader(resp[:wire.CommonHeaderSize]), &hdr))
	assert.Equal(t, wire.TypeICResp, hdr.Type)
	assert.Equal(t, stateLive, q.getState())
}

// Fabrics connect on QID 0 stands up the admin controller and queues an
// immediate success response via the reserved connect slot.
func TestScenarioFabricsConnectQID0(t *testing.T) {
	q, client := scenarioPipe(t)
	q.setState(stateLive)

	cc := wire.ConnectCommand{Opcode: wire.OpFabrics, CommandID: 7, FcType: wire.FcTypeConnect, QID: 0, SqSize: 31, Kato: 30000}
	var ccBuf bytes.Buffer
	require.NoError(t, struc.Pack(&ccBuf, &cc))

	var cd wire.ConnectData
	cd.HostNqn = "nqn.host.test"
	cd.SubsysNqn = "nqn.2014-08.org.nvmexpress:uuid:test"
	var cdBuf bytes.Buffer
	require.NoError(t, struc.Pack(&cdBuf, &cd))

	hdr := wire.Header{
		Type: wire.TypeCmd,
		Hlen: wire.CmdPDUSize,
		Pdo:  wire.CmdPDUSize,
		Plen: uint32(wire.CmdPDUSize + wire.ConnectDataSize),
	}
	var hdrBuf bytes.Buffer
	require.NoError(t, struc.Pack(&hdrBuf, &hdr))

	full := append(append([]byte{}, hdrBuf.Bytes()...), ccBuf.Bytes()...)
	full = append(full, cdBuf.Bytes()...)

	writeDone := make(chan struct{})
	go func() { _, _ = client.Write(full); close(writeDone) }()

	require.NoError(t, q.recv.recvOne())
	<-writeDone

	assert.NotNil(t, q.ctrl)
	assert.Equal(t, "nqn.host.test", q.hostNqn)

	drained := q.inbox.DrainFIFO()
	require.Len(t, drained, 1)
	assert.True(t, drained[0].isConnectSlot)
	assert.EqualValues(t, wire.StatusSuccess, drained[0].req.Status)
	assert.EqualValues(t, 7, drained[0].req.CommandID())
}

// Fabrics connect with an unsupported FcType is rejected synchronously
// without touching the controller/keep-alive machinery.
func TestScenarioFabricsConnectRejectsBadFcType(t *testing.T) {
	q, client := scenarioPipe(t)
	q.setState(stateLive)

	cc := wire.ConnectCommand{Opcode: wire.OpFabrics, CommandID: 3, FcType: 0xff, QID: 0}
	var body bytes.Buffer
	require.NoError(t, struc.Pack(&body, &cc))
	hdr := wire.Header{Type: wire.TypeCmd, Hlen: wire.CmdPDUSize, Plen: wire.CmdPDUSize}
	var out bytes.Buffer
	require.NoError(t, struc.Pack(&out, &hdr))
	full := append(out.Bytes(), body.Bytes()...)

	writeDone := make(chan struct{})
	go func() { _, _ = client.Write(full); close(writeDone) }()

	require.NoError(t, q.recv.recvOne())
	<-writeDone

	assert.Nil(t, q.ctrl)
	drained := q.inbox.DrainFIFO()
	require.Len(t, drained, 1)
	assert.EqualValues(t, wire.StatusInvalidField, drained[0].req.Status)
}

// A flush command (no data phase) completes synchronously and lands
// straight on the inbox as a response-bound command.
func TestScenarioNoDataCommandCompletesImmediately(t *testing.T) {
	q, client := scenarioPipe(t)
	q.setState(stateLive)

	capsule := wire.CommandCapsule{Opcode: wire.OpFlush, CommandID: 42}
	var body bytes.Buffer
	require.NoError(t, struc.Pack(&body, &capsule))
	hdr := wire.Header{Type: wire.TypeCmd, Hlen: wire.CmdPDUSize, Plen: wire.CmdPDUSize}
	var out bytes.Buffer
	require.NoError(t, struc.Pack(&out, &hdr))
	full := append(out.Bytes(), body.Bytes()...)

	writeDone := make(chan struct{})
	go func() { _, _ = client.Write(full); close(writeDone) }()

	require.NoError(t, q.recv.recvOne())
	<-writeDone

	drained := q.inbox.DrainFIFO()
	require.Len(t, drained, 1)
	assert.EqualValues(t, wire.StatusSuccess, drained[0].req.Status)
}

// An inline write (payload piggybacked on the cmd PDU) is absorbed and
// executed within the same recvOne call.
func TestScenarioInlineWriteExecutesSynchronously(t *testing.T) {
	q, client := scenarioPipe(t)
	q.setState(stateLive)

	payload := []byte("hello, target")
	var capsule wire.CommandCapsule
	capsule.Opcode = wire.OpWrite
	capsule.CommandID = 5
	capsule.NSID = 1
	capsule.Dptr.SetInline(uint32(len(payload)))

	var body bytes.Buffer
	require.NoError(t, struc.Pack(&body, &capsule))
	hdr := wire.Header{
		Type: wire.TypeCmd,
		Hlen: wire.CmdPDUSize,
		Pdo:  wire.CmdPDUSize,
		Plen: uint32(wire.CmdPDUSize + len(payload)),
	}
	var out bytes.Buffer
	require.NoError(t, struc.Pack(&out, &hdr))
	full := append(out.Bytes(), body.Bytes()...)
	full = append(full, payload...)

	writeDone := make(chan struct{})
	go func() { _, _ = client.Write(full); close(writeDone) }()

	require.NoError(t, q.recv.recvOne())
	<-writeDone

	drained := q.inbox.DrainFIFO()
	require.Len(t, drained, 1)
	assert.EqualValues(t, wire.StatusSuccess, drained[0].req.Status)
}

// A solicited (host-data) write parks the command as SEND_R2T; the
// caller is expected to drive drainResponses/sendR2T next.
func TestScenarioSolicitedWriteQueuesR2T(t *testing.T) {
	q, client := scenarioPipe(t)
	q.setState(stateLive)

	var capsule wire.CommandCapsule
	capsule.Opcode = wire.OpWrite
	capsule.CommandID = 9
	capsule.NSID = 1
	capsule.Dptr.SetHostData(16384)

	var body bytes.Buffer
	require.NoError(t, struc.Pack(&body, &capsule))
	hdr := wire.Header{Type: wire.TypeCmd, Hlen: wire.CmdPDUSize, Plen: wire.CmdPDUSize}
	var out bytes.Buffer
	require.NoError(t, struc.Pack(&out, &hdr))
	full := append(out.Bytes(), body.Bytes()...)

	writeDone := make(chan struct{})
	go func() { _, _ = client.Write(full); close(writeDone) }()

	require.NoError(t, q.recv.recvOne())
	<-writeDone

	drained := q.inbox.DrainFIFO()
	require.Len(t, drained, 1)
	assert.Equal(t, sendR2T, drained[0].state)
	assert.EqualValues(t, 16384, drained[0].req.TransferLen())

	require.NoError(t, q.serviceCommand(drained[0]))
	assert.Equal(t, sendIdle, drained[0].state)
	assert.NotEmpty(t, q.c2.segments)
}

// h2c_data absorption for a solicited write: the payload lands at the
// right offset and the executor runs once FlagLast arrives.
func TestScenarioH2CDataAbsorptionExecutesOnLastFlag(t *testing.T) {
	q, client := scenarioPipe(t)
	q.setState(stateLive)

	cmd, ok := q.pool.Get()
	require.True(t, ok)
	req := executor.NewRequest(wire.CommandCapsule{Opcode: wire.OpWrite, CommandID: 11, NSID: 1}, q.qid, q)
	req.Tag = cmd.Tag()
	req.Data = sgl.New(8, sgl.PageSize)
	cmd.req = req
	cmd.state = sendR2T

	payload := []byte("ABCDEFGH")
	dp := wire.DataPDU{CommandID: 11, TTag: cmd.Tag(), DataOffset: 0, DataLength: uint32(len(payload))}
	var body bytes.Buffer
	require.NoError(t, struc.Pack(&body, &dp))
	hdr := wire.Header{
		Type: wire.TypeH2CData, Flags: wire.FlagLast,
		Hlen: wire.DataPDUSize, Pdo: wire.DataPDUSize,
		Plen: uint32(wire.DataPDUSize + len(payload)),
	}
	var out bytes.Buffer
	require.NoError(t, struc.Pack(&out, &hdr))
	full := append(out.Bytes(), body.Bytes()...)
	full = append(full, payload...)

	writeDone := make(chan struct{})
	go func() { _, _ = client.Write(full); close(writeDone) }()

	require.NoError(t, q.recv.recvOne())
	<-writeDone

	assert.EqualValues(t, len(payload), cmd.rbytesDone)
	drained := q.inbox.DrainFIFO()
	require.Len(t, drained, 1)
	assert.EqualValues(t, wire.StatusSuccess, drained[0].req.Status)
}

// h2c_data for an unrecognized ttag is a protocol error.
func TestScenarioH2CDataUnknownTTagIsProtocolError(t *testing.T) {
	q, client := scenarioPipe(t)
	q.setState(stateLive)

	dp := wire.DataPDU{CommandID: 1, TTag: 6, DataLength: 4}
	var body bytes.Buffer
	require.NoError(t, struc.Pack(&body, &dp))
	hdr := wire.Header{Type: wire.TypeH2CData, Hlen: wire.DataPDUSize, Pdo: wire.DataPDUSize, Plen: uint32(wire.DataPDUSize + 4)}
	var out bytes.Buffer
	require.NoError(t, struc.Pack(&out, &hdr))
	// handleH2CData rejects the unknown ttag before reading the data
	// payload, so only the header+body need to reach the wire for the
	// write to complete.
	full := append(out.Bytes(), body.Bytes()...)

	writeDone := make(chan struct{})
	go func() { _, _ = client.Write(full); close(writeDone) }()

	err := q.recv.recvOne()
	<-writeDone
	require.Error(t, err)
	assert.True(t, fatal(err))
}

// S2: a completed read emits its c2h_data payload into C1 followed by
// an rsp PDU (matching command_id) into C2 — the split the caravan
// table requires and the one TestScenarioSolicitedWriteQueuesR2T alone
// doesn't exercise.
func TestScenarioReadCompletionEmitsDataThenResponse(t *testing.T) {
	q, _ := scenarioPipe(t)
	q.setState(stateLive)

	var capsule wire.CommandCapsule
	capsule.Opcode = wire.OpRead
	capsule.CommandID = 21
	capsule.NSID = 1
	capsule.Dptr.SetHostData(8)

	cmd, ok := q.pool.Get()
	require.True(t, ok)
	req := executor.NewRequest(capsule, q.qid, q)
	req.Tag = cmd.Tag()
	req.Data = sgl.New(8, sgl.PageSize)
	cmd.req = req

	require.NoError(t, q.serviceCommand(cmd))

	require.GreaterOrEqual(t, len(q.c1.segments), 2)
	var c1hdr wire.Header
	require.NoError(t, struc.Unpack(bytes.NewReader(q.c1.segments[0][:wire.CommonHeaderSize]), &c1hdr))
	assert.Equal(t, wire.TypeC2HData, c1hdr.Type)

	var dp wire.DataPDU
	require.NoError(t, struc.Unpack(bytes.NewReader(q.c1.segments[0][wire.CommonHeaderSize:]), &dp))
	assert.EqualValues(t, 21, dp.CommandID)
	assert.EqualValues(t, 8, dp.DataLength)

	require.NotEmpty(t, q.c2.segments)
	var c2hdr wire.Header
	require.NoError(t, struc.Unpack(bytes.NewReader(q.c2.segments[0][:wire.CommonHeaderSize]), &c2hdr))
	assert.Equal(t, wire.TypeRsp, c2hdr.Type)

	var resp wire.Response
	require.NoError(t, struc.Unpack(bytes.NewReader(q.c2.segments[0][wire.CommonHeaderSize:]), &resp))
	assert.EqualValues(t, 21, resp.CommandID)
	assert.Equal(t, sendResponse, cmd.state)
}

// A header digest mismatch on a negotiated queue is a fatal digest
// error and bumps the DigestError metric.
func TestScenarioHeaderDigestMismatchIsFatal(t *testing.T) {
	q, client := scenarioPipe(t)
	q.setState(stateLive)
	q.hdgstLen = 4

	capsule := wire.CommandCapsule{Opcode: wire.OpFlush, CommandID: 1}
	var body bytes.Buffer
	require.NoError(t, struc.Pack(&body, &capsule))
	hdr := wire.Header{Type: wire.TypeCmd, Flags: wire.FlagHDGSTF, Hlen: wire.CmdPDUSize, Plen: wire.CmdPDUSize + wire.DigestLen}
	var out bytes.Buffer
	require.NoError(t, struc.Pack(&out, &hdr))
	full := append(out.Bytes(), body.Bytes()...)
	full = append(full, []byte{0xde, 0xad, 0xbe, 0xef}...) // bogus trailer

	writeDone := make(chan struct{})
	go func() { _, _ = client.Write(full); close(writeDone) }()

	err := q.recv.recvOne()
	<-writeDone
	require.Error(t, err)
	assert.True(t, fatal(err))
}
