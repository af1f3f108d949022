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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lightbitslabs/i10-target/pkg/discovery"
	"github.com/lightbitslabs/i10-target/pkg/executor"
	"github.com/lightbitslabs/i10-target/pkg/wire"
)

func newTestQueue(t *testing.T) *Queue {
	t.Helper()
	client, server := net.Pipe()
	t.Cleanup(func() { _ = client.Close(); _ = server.Close() })
	return New(server, Config{ID: 1, QID: 1, NRCmds: 4, Executor: executor.NewMemoryExecutor()})
}

func getTestCmd(t *testing.T, q *Queue) *Command {
	t.Helper()
	cmd, ok := q.pool.Get()
	require.True(t, ok)
	cmd.req = executor.NewRequest(wire.CommandCapsule{Opcode: wire.OpAdminAsyncEvent}, q.qid, q)
	cmd.req.Tag = cmd.Tag()
	return cmd
}

func TestRegisterAENWaiterCompletesImmediatelyFromBacklog(t *testing.T) {
	q := newTestQueue(t)
	q.aenBacklog = append(q.aenBacklog, discovery.AsyncEvent{EventType: 1, EventInfo: 2})
	cmd := getTestCmd(t, q)

	q.registerAENWaiter(cmd)

	assert.Empty(t, q.aenBacklog)
	assert.Nil(t, q.aenWaiter)
	assert.EqualValues(t, wire.StatusSuccess, cmd.req.Status)
	assert.EqualValues(t, uint32(1)|uint32(2)<<8, cmd.req.Result)
}

func TestRegisterAENWaiterParksWhenNoBacklog(t *testing.T) {
	q := newTestQueue(t)
	cmd := getTestCmd(t, q)

	q.registerAENWaiter(cmd)

	assert.Same(t, cmd, q.aenWaiter)
}

func TestDeliverAENCompletesParkedWaiter(t *testing.T) {
	q := newTestQueue(t)
	cmd := getTestCmd(t, q)
	q.registerAENWaiter(cmd)

	ev := discovery.AsyncEvent{EventType: 5}
	q.deliverAEN(ev)

	assert.Nil(t, q.aenWaiter)
	assert.EqualValues(t, ev.Result(), cmd.req.Result)

	drained := q.inbox.DrainFIFO()
	require.Len(t, drained, 1)
	assert.Same(t, cmd, drained[0])
}

func TestDeliverAENBacklogsWhenNoWaiter(t *testing.T) {
	q := newTestQueue(t)
	ev := discovery.AsyncEvent{EventType: 9}
	q.deliverAEN(ev)

	require.Len(t, q.aenBacklog, 1)
	assert.Equal(t, ev, q.aenBacklog[0])
}

func TestSlotPoolDrainAllClassifiesDrainedVsAborted(t *testing.T) {
	q := newTestQueue(t)

	idle := getTestCmd(t, q)
	idle.state = sendIdle // awaiting an event/execution: still counted drained below

	r2t := getTestCmd(t, q)
	r2t.state = sendR2T // mid solicited-write, cut short: aborted

	resp := getTestCmd(t, q)
	resp.state = sendResponse // already built its response: drained

	drained, aborted := q.pool.DrainAll()
	assert.Equal(t, 2, drained)
	assert.Equal(t, 1, aborted)

	_, ok := q.pool.Get()
	assert.True(t, ok, "released slots must return to the free list")
}
