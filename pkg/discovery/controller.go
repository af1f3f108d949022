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

package discovery

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// DefaultKato is the keep-alive timeout used when a connect command
// requests kato=0, matching the teacher's nvmetDiscoveryKatoMsec
// (pkg/nvme/controller.go).
const DefaultKato = 2 * time.Minute

// AsyncEvent is a single AEN payload, generalized from the teacher's
// NvmetAsyncEvent (discovery-log-page changes only) to any namespace
// or controller-level change this target wants to surface.
type AsyncEvent struct {
	EventType uint8
	EventInfo uint8
	LogPage   uint8
}

// Result packs the AEN fields into the 32-bit completion result the
// wire protocol expects.
func (e AsyncEvent) Result() uint32 {
	return uint32(e.EventType) | uint32(e.EventInfo)<<8 | uint32(e.LogPage)<<16
}

// Controller tracks one connected NVMe controller: its keep-alive
// timer and pending AEN requests. Ported from the teacher's
// nvmeController (pkg/nvme/controller.go), generalized from
// discovery-only AENs to arbitrary namespace-change notifications.
type Controller struct {
	ID       uint16
	HostNqn  string
	HostID   uuid.UUID

	mu          sync.Mutex
	kato        time.Duration
	timer       *time.Timer
	expiredCh   chan struct{}
	pendingAENs int
	events      chan AsyncEvent
	onAEN       func(AsyncEvent)

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	log    *logrus.Entry
}

// NewController starts the keep-alive timer and AEN dispatch loop for
// a newly connected controller. onAEN is invoked (from the
// controller's own goroutine) whenever an async event should be
// delivered to the initiator; the caller is expected to turn that into
// an actual AsyncEventRequest completion.
func NewController(id uint16, hostNqn string, hostID uuid.UUID, kato time.Duration, onAEN func(AsyncEvent)) *Controller {
	if kato <= 0 {
		kato = DefaultKato
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Controller{
		ID:        id,
		HostNqn:   hostNqn,
		HostID:    hostID,
		kato:      kato,
		expiredCh: make(chan struct{}),
		events:    make(chan AsyncEvent, 16),
		onAEN:     onAEN,
		ctx:       ctx,
		cancel:    cancel,
		log:       logrus.WithFields(logrus.Fields{"ctrl_id": id, "host_nqn": hostNqn}),
	}
	c.timer = time.NewTimer(kato)
	c.wg.Add(2)
	go c.keepAliveLoop()
	go c.aenLoop()
	return c
}

func (c *Controller) keepAliveLoop() {
	defer c.wg.Done()
	for {
		select {
		case <-c.timer.C:
			c.log.Warnf("keep-alive expired after %s", c.kato)
			close(c.expiredCh)
			return
		case <-c.ctx.Done():
			c.timer.Stop()
			return
		}
	}
}

func (c *Controller) aenLoop() {
	defer c.wg.Done()
	for {
		select {
		case ev := <-c.events:
			if c.onAEN != nil {
				c.onAEN(ev)
			}
		case <-c.ctx.Done():
			return
		}
	}
}

// ResetKeepAlive restarts the timer; called on every keep-alive admin
// command the target receives.
func (c *Controller) ResetKeepAlive() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.timer.Stop() {
		select {
		case <-c.timer.C:
		default:
		}
	}
	c.timer.Reset(c.kato)
}

// Expired reports a channel that closes once the keep-alive timer
// fires without being reset in time.
func (c *Controller) Expired() <-chan struct{} { return c.expiredCh }

// NotifyAsyncEvent queues an AEN for delivery; safe to call from any
// goroutine (e.g. a namespace-change watcher).
func (c *Controller) NotifyAsyncEvent(ev AsyncEvent) {
	select {
	case c.events <- ev:
	default:
		c.log.Warnf("AEN queue full, dropping event")
	}
}

// Delete stops the controller's background goroutines.
func (c *Controller) Delete() {
	c.cancel()
	c.wg.Wait()
}
