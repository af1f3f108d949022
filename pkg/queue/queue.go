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
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/lightbitslabs/i10-target/pkg/digest"
	"github.com/lightbitslabs/i10-target/pkg/discovery"
	"github.com/lightbitslabs/i10-target/pkg/executor"
	"github.com/lightbitslabs/i10-target/pkg/wire"
)

// connState is the connection-lifecycle state spec.md §4.8 names.
type connState int

const (
	stateConnecting connState = iota
	stateLive
	stateDisconnecting
)

func (s connState) String() string {
	switch s {
	case stateLive:
		return "LIVE"
	case stateDisconnecting:
		return "DISCONNECTING"
	default:
		return "CONNECTING"
	}
}

// Metrics is the narrow metrics surface the queue engine updates,
// implemented by pkg/metrics so this package has no direct prometheus
// dependency.
type Metrics interface {
	CaravanShortWrite(name string)
	CaravanFlush(name string, bytes int)
	CommandsInflight(delta int)
	DigestError()
	// QueueTeardown reports the release-time split the teacher's
	// release path counts: slots that had already finished their data
	// phase and were only waiting to be sent (drained) versus ones cut
	// short by the teardown itself (aborted).
	QueueTeardown(drained, aborted int)
}

type noopMetrics struct{}

func (noopMetrics) CaravanShortWrite(string)    {}
func (noopMetrics) CaravanFlush(string, int)    {}
func (noopMetrics) CommandsInflight(int)        {}
func (noopMetrics) DigestError()                {}
func (noopMetrics) QueueTeardown(int, int)      {}

// Queue is one NVMe-over-TCP queue pair's engine: the socket, the slot
// pool, both caravans, the lock-free response inbox, and the
// receive/send state machines that drive them (spec.md §3/§4).
type Queue struct {
	id  uint16 // process-wide id, spec.md §5's global registry key
	qid uint16 // NVMe queue id (0 == admin queue)

	conn    net.Conn
	tcpConn *net.TCPConn // non-nil when conn is a *net.TCPConn, for raw sockopts

	pool     *SlotPool
	executor executor.Executor
	metrics  Metrics

	crc         digest.CRC32C
	hdgstLen    int // 0 or wire.DigestLen, negotiated at icreq/icresp
	ddgstLen    int

	c1 *caravan // data PDUs + write responses
	c2 *caravan // R2T + read responses

	inbox responseInbox

	state   connState
	stateMu sync.Mutex

	writeMu   sync.Mutex
	noSpace   bool

	recv recvMachine

	sqHead  uint16
	sqSize  uint16
	ctrlID  uint16
	hostNqn string

	// ctrl is non-nil once this queue's connect established the admin
	// queue (connect QID 0); it owns the keep-alive timer and AEN
	// dispatch (spec.md's SUPPLEMENTED FEATURES). I/O queues of the
	// same controller don't get their own Controller here, matching the
	// simplification that each accepted socket is its own process-wide
	// queue id (spec.md §5) rather than being grouped under one shared
	// controller object.
	ctrl *discovery.Controller

	aenMu      sync.Mutex
	aenWaiter  *Command             // checked-out AEN slot with no event to report yet
	aenBacklog []discovery.AsyncEvent // events that arrived with no waiter present

	shutdownOnce sync.Once
	closed       chan struct{}

	log *logrus.Entry
}

// Config bundles the per-queue construction parameters spec.md §3's
// Port entity negotiates at accept time.
type Config struct {
	ID       uint16
	QID      uint16
	NRCmds   int
	SQSize   uint16
	CRC      digest.CRC32C
	Executor executor.Executor
	Metrics  Metrics
}

// New builds a Queue bound to an accepted connection, in the
// CONNECTING state, awaiting the icreq handshake (spec.md §4.3 step 5,
// §4.8 "Setup").
func New(conn net.Conn, cfg Config) *Queue {
	if cfg.CRC == nil {
		cfg.CRC = digest.NewStdlib()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = noopMetrics{}
	}
	if cfg.NRCmds == 0 {
		cfg.NRCmds = 2 * int(cfg.SQSize)
	}
	if cfg.NRCmds < 2 {
		cfg.NRCmds = 2
	}

	q := &Queue{
		id:       cfg.ID,
		qid:      cfg.QID,
		conn:     conn,
		executor: cfg.Executor,
		metrics:  cfg.Metrics,
		crc:      cfg.CRC,
		sqSize:   cfg.SQSize,
		state:    stateConnecting,
		closed:   make(chan struct{}),
		log:      logrus.WithFields(logrus.Fields{"queue_id": cfg.ID, "qid": cfg.QID}),
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		q.tcpConn = tc
		if err := tuneSocket(tc); err != nil {
			q.log.WithError(err).Warnf("failed to tune socket options")
		}
	}
	q.pool = newSlotPool(q, cfg.NRCmds, 0)
	q.c1 = newCaravan(q, "C1", CaravanC1Capacity)
	q.c2 = newCaravan(q, "C2", CaravanC2Capacity)
	q.recv.q = q
	return q
}

// ID returns the process-wide queue id (discovery.QueueHandle).
func (q *Queue) ID() uint16 { return q.id }

// QID returns the NVMe queue id (0 == admin).
func (q *Queue) QID() uint16 { return q.qid }

func (q *Queue) setState(s connState) {
	q.stateMu.Lock()
	defer q.stateMu.Unlock()
	if q.state != s {
		q.log.Debugf("state %s -> %s", q.state, s)
		q.state = s
	}
}

func (q *Queue) getState() connState {
	q.stateMu.Lock()
	defer q.stateMu.Unlock()
	return q.state
}

// enableDigests negotiates header/data digest lengths from the icreq
// flags, per spec.md §4.3 step 5 / §6.
func (q *Queue) enableDigests(hdgst, ddgst bool) {
	if hdgst {
		q.hdgstLen = 4
	}
	if ddgst {
		q.ddgstLen = 4
	}
}

// bindController stands up this queue's admin controller on a
// successful connect to QID 0, wiring its keep-alive expiry into the
// same fatal-at-queue-level teardown path a digest mismatch takes.
func (q *Queue) bindController(ctrlID uint16, hostNqn string, hostID uuid.UUID, kato time.Duration) {
	q.ctrlID = ctrlID
	q.ctrl = discovery.NewController(ctrlID, hostNqn, hostID, kato, q.deliverAEN)
	go func() {
		select {
		case <-q.ctrl.Expired():
			q.log.Warnf("keep-alive expired, tearing down queue")
			q.Shutdown()
		case <-q.closed:
		}
	}()
}

// NotifyAsyncEvent implements discovery.AENTarget: a namespace change
// observed anywhere forwards here so this queue's own Controller (if
// any; only the admin queue has one) can dispatch it.
func (q *Queue) NotifyAsyncEvent(ev discovery.AsyncEvent) {
	if q.ctrl != nil {
		q.ctrl.NotifyAsyncEvent(ev)
	}
}

// resetKeepAlive services a keep-alive admin command.
func (q *Queue) resetKeepAlive() {
	if q.ctrl != nil {
		q.ctrl.ResetKeepAlive()
	}
}

// registerAENWaiter parks cmd as the outstanding AEN request, or
// completes it immediately if an event is already backlogged. Only one
// AEN may be outstanding per controller at a time, matching the
// teacher's nvmeController (pkg/nvme/controller.go), which tracked a
// single pendingAENs count rather than a queue of them.
func (q *Queue) registerAENWaiter(cmd *Command) {
	q.aenMu.Lock()
	if len(q.aenBacklog) > 0 {
		ev := q.aenBacklog[0]
		q.aenBacklog = q.aenBacklog[1:]
		q.aenMu.Unlock()
		cmd.req.CompleteWithResult(wire.StatusSuccess, ev.Result())
		return
	}
	q.aenWaiter = cmd
	q.aenMu.Unlock()
}

// deliverAEN is the Controller's onAEN callback (invoked from the
// controller's own aenLoop goroutine): it completes the parked AEN
// request if one is waiting, or backlogs the event for the next one.
func (q *Queue) deliverAEN(ev discovery.AsyncEvent) {
	q.aenMu.Lock()
	waiter := q.aenWaiter
	q.aenWaiter = nil
	if waiter == nil {
		q.aenBacklog = append(q.aenBacklog, ev)
		q.aenMu.Unlock()
		return
	}
	q.aenMu.Unlock()
	waiter.req.CompleteWithResult(wire.StatusSuccess, ev.Result())
}

// QueueResponse implements executor.ResponseSink: called from the
// executor's own goroutine once a command completes, it only pushes
// onto the lock-free inbox and never touches recv/send state directly
// (spec.md §5).
func (q *Queue) QueueResponse(req *executor.Request) {
	cmd, ok := q.pool.ByTag(req.Tag)
	if !ok {
		q.log.Errorf("response for unknown slot tag %d (command id %#04x)", req.Tag, req.CommandID())
		return
	}
	q.inbox.Push(cmd)
}

// Shutdown implements discovery.QueueHandle: tears the connection down
// from any goroutine (e.g. delete_ctrl), idempotently.
func (q *Queue) Shutdown() {
	q.shutdownOnce.Do(func() {
		q.setState(stateDisconnecting)
		if q.tcpConn != nil {
			_ = lingerAbort(q.tcpConn)
		}
		_ = q.conn.Close()
		if q.ctrl != nil {
			q.ctrl.Delete()
		}
		close(q.closed)
	})
}

// Closed reports a channel that closes once Shutdown has run.
func (q *Queue) Closed() <-chan struct{} { return q.closed }

// hasSpaceFor and setNoSpace/writeBuffers implement the writer
// interface caravan.flush needs (spec.md §4.6 "write-space" signal).
// A real epoll-driven reactor would only learn of backpressure from an
// EAGAIN on a non-blocking socket; net.Conn's blocking Write already
// backs off for us, so noSpace here only ever latches on an actual
// short-capacity observation for metrics/tests, never on anything the
// stdlib can't already handle.
func (q *Queue) hasSpaceFor(n int) bool {
	return !q.noSpace
}

func (q *Queue) setNoSpace() { q.noSpace = true }

func (q *Queue) writeBuffers(bufs net.Buffers) (int64, error) {
	q.writeMu.Lock()
	defer q.writeMu.Unlock()
	n, err := bufs.WriteTo(q.conn)
	if err == nil {
		q.noSpace = false
	}
	return n, err
}
