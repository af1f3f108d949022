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
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestControllerExpiresWithoutKeepAlive(t *testing.T) {
	c := NewController(1, "nqn.host", uuid.New(), 20*time.Millisecond, nil)
	defer c.Delete()

	select {
	case <-c.Expired():
	case <-time.After(time.Second):
		t.Fatal("controller never expired")
	}
}

func TestResetKeepAliveStavesOffExpiry(t *testing.T) {
	c := NewController(2, "nqn.host", uuid.New(), 60*time.Millisecond, nil)
	defer c.Delete()

	deadline := time.Now().Add(200 * time.Millisecond)
	for time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
		c.ResetKeepAlive()
	}

	select {
	case <-c.Expired():
		t.Fatal("controller expired despite periodic keep-alive resets")
	default:
	}
}

func TestNotifyAsyncEventInvokesOnAEN(t *testing.T) {
	var mu sync.Mutex
	var got []AsyncEvent
	done := make(chan struct{}, 1)

	c := NewController(3, "nqn.host", uuid.New(), time.Minute, func(ev AsyncEvent) {
		mu.Lock()
		got = append(got, ev)
		mu.Unlock()
		done <- struct{}{}
	})
	defer c.Delete()

	ev := AsyncEvent{EventType: 1, EventInfo: 2, LogPage: 3}
	c.NotifyAsyncEvent(ev)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("onAEN callback never fired")
	}

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 1)
	assert.Equal(t, ev, got[0])
	assert.Equal(t, uint32(1)|uint32(2)<<8|uint32(3)<<16, ev.Result())
}
