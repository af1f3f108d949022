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

// Package discovery holds the admin-side registry spec.md §5 calls
// "shared resources": the process-wide queue list and id allocator,
// guarded by a mutex and an atomic counter respectively, plus the
// per-controller keep-alive timer and AEN dispatch (spec.md's
// SUPPLEMENTED FEATURES), generalized from the teacher's
// nvmeController (pkg/nvme/controller.go) and DiscoverySubsystem
// (pkg/nvme/nvme_queue.go).
package discovery

import (
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

// QueueHandle is the minimal admin-visible view of a queue, enough to
// satisfy spec.md §8 property 1 ("for every accepted connection... one
// queue in the global list until release") and to drive a controller
// delete.
type QueueHandle interface {
	ID() uint16
	Shutdown()
}

// Registry is the process-wide queue list and id allocator described
// in spec.md §5. It is constructed explicitly and passed in, rather
// than kept as an ambient singleton, per spec.md §9's "Global mutable
// state" note.
type Registry struct {
	mu       sync.Mutex
	queues   map[uint16]QueueHandle
	nextID   uint32
	metrics  RegistryMetrics
}

// RegistryMetrics is the narrow metrics surface the registry updates;
// implemented by pkg/metrics so this package stays free of a
// prometheus dependency of its own.
type RegistryMetrics interface {
	SetActiveQueues(n int)
}

type noopMetrics struct{}

func (noopMetrics) SetActiveQueues(int) {}

// NewRegistry creates an empty registry. If m is nil, queue-count
// updates are dropped rather than tracked.
func NewRegistry(m RegistryMetrics) *Registry {
	if m == nil {
		m = noopMetrics{}
	}
	return &Registry{queues: make(map[uint16]QueueHandle), metrics: m}
}

// AllocateID returns the next process-wide queue id, guarded by an
// atomic counter per spec.md §5.
func (r *Registry) AllocateID() uint16 {
	return uint16(atomic.AddUint32(&r.nextID, 1))
}

// Register adds q to the global queue list.
func (r *Registry) Register(q QueueHandle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.queues[q.ID()] = q
	r.metrics.SetActiveQueues(len(r.queues))
}

// Deregister removes q from the global queue list, e.g. on release.
func (r *Registry) Deregister(q QueueHandle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.queues, q.ID())
	r.metrics.SetActiveQueues(len(r.queues))
}

// Len reports how many queues are currently registered.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.queues)
}

// AENTarget is implemented by a QueueHandle that also owns a
// Controller, letting the registry broadcast a namespace-change event
// to every admin queue without needing to know about *queue.Queue
// directly.
type AENTarget interface {
	NotifyAsyncEvent(ev AsyncEvent)
}

// BroadcastAEN delivers ev to every registered queue that implements
// AENTarget (i.e. every admin queue with a live Controller), wiring the
// executor-side namespace-change hook spec.md's SUPPLEMENTED FEATURES
// names to the AEN dispatch Controller already provides.
func (r *Registry) BroadcastAEN(ev AsyncEvent) {
	r.mu.Lock()
	targets := make([]AENTarget, 0, len(r.queues))
	for _, h := range r.queues {
		if t, ok := h.(AENTarget); ok {
			targets = append(targets, t)
		}
	}
	r.mu.Unlock()
	for _, t := range targets {
		t.NotifyAsyncEvent(ev)
	}
}

// DeleteController shuts down every queue belonging to a controller
// (spec.md §6's delete_ctrl), identified here by the set of queue ids
// the caller collected at connect time.
func (r *Registry) DeleteController(qids []uint16) {
	r.mu.Lock()
	handles := make([]QueueHandle, 0, len(qids))
	for _, id := range qids {
		if h, ok := r.queues[id]; ok {
			handles = append(handles, h)
		}
	}
	r.mu.Unlock()

	for _, h := range handles {
		logrus.WithField("queue_id", h.ID()).Infof("delete_ctrl: shutting down queue")
		h.Shutdown()
	}
}
