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
	"runtime"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/lightbitslabs/i10-target/pkg/discovery"
	"github.com/lightbitslabs/i10-target/pkg/executor"
)

// Placer assigns an accepted connection to a CPU-indexed worker slot
// (spec.md §3's Port entity: "queues are distributed across a set of
// CPU-pinned worker slots at accept time"). Go has no direct analog of
// CPU pinning for a goroutine, so the default Placer below only
// provides a deterministic round-robin label for metrics/logging; the
// actual Queue still runs as a plain pair of scheduler-placed
// goroutines.
type Placer interface {
	Place(queueID uint16) (workerSlot int)
}

// roundRobinPlacer is the default Placer, cycling over n slots.
type roundRobinPlacer struct {
	n   int
	cur uint32
}

// NewRoundRobinPlacer returns a Placer cycling over n worker slots.
func NewRoundRobinPlacer(n int) Placer {
	if n < 1 {
		n = 1
	}
	return &roundRobinPlacer{n: n}
}

func (p *roundRobinPlacer) Place(uint16) int {
	return int(atomic.AddUint32(&p.cur, 1)-1) % p.n
}

// Port accepts inbound connections and spins up a Queue per accepted
// socket, generalizing the teacher's listener setup away from this
// package (the listener socket itself is an injected collaborator per
// spec.md §1 Non-goals: "listener socket setup / CPU affinity policy").
type Port struct {
	ln       net.Listener
	registry *discovery.Registry
	executor executor.Executor
	metrics  Metrics
	placer   Placer
	sqSize   uint16

	log *logrus.Entry
}

// PortConfig bundles a Port's dependencies.
type PortConfig struct {
	Listener net.Listener
	Registry *discovery.Registry
	Executor executor.Executor
	Metrics  Metrics
	Placer   Placer
	SQSize   uint16
}

// NewPort wraps an already-bound listener (ownership of socket setup
// stays with the caller per spec.md §1).
func NewPort(cfg PortConfig) *Port {
	if cfg.Placer == nil {
		cfg.Placer = NewRoundRobinPlacer(runtime.NumCPU())
	}
	if cfg.SQSize == 0 {
		cfg.SQSize = 128
	}
	return &Port{
		ln:       cfg.Listener,
		registry: cfg.Registry,
		executor: cfg.Executor,
		metrics:  cfg.Metrics,
		placer:   cfg.Placer,
		sqSize:   cfg.SQSize,
		log:      logrus.WithField("component", "port"),
	}
}

// Serve accepts connections until the listener is closed, spawning one
// Queue (running its own goroutine pair) per accepted connection.
func (p *Port) Serve() error {
	for {
		conn, err := p.ln.Accept()
		if err != nil {
			return err
		}
		go p.handleConn(conn)
	}
}

func (p *Port) handleConn(conn net.Conn) {
	id := p.registry.AllocateID()
	slot := p.placer.Place(id)
	log := p.log.WithFields(logrus.Fields{"queue_id": id, "worker_slot": slot, "remote": conn.RemoteAddr()})
	log.Infof("accepted connection")

	q := New(conn, Config{
		ID:       id,
		QID:      id,
		SQSize:   p.sqSize,
		Executor: p.executor,
		Metrics:  p.metrics,
	})
	p.registry.Register(q)
	defer p.registry.Deregister(q)

	if err := q.Run(); err != nil {
		log.WithError(err).Infof("queue terminated")
	} else {
		log.Infof("queue closed")
	}
}

// Close stops accepting new connections.
func (p *Port) Close() error { return p.ln.Close() }
