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

	"golang.org/x/sys/unix"

	"github.com/lightbitslabs/i10-target/pkg/wire"
)

// tuneSocket applies the raw socket options spec.md §4.6 calls for:
// TCP_NODELAY (the caravan is the batching layer now, so Nagle only
// adds latency), a forced send/receive buffer comfortably larger than
// either caravan's capacity (defense-in-depth against the short-write
// hazard noted in caravan.flush). The abortive SO_LINGER is not set
// here; lingerAbort applies it at Shutdown.
func tuneSocket(conn *net.TCPConn) error {
	if err := conn.SetNoDelay(true); err != nil {
		return err
	}
	raw, err := conn.SyscallConn()
	if err != nil {
		return err
	}
	var sockErr error
	err = raw.Control(func(fd uintptr) {
		if e := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_SNDBUF, wire.ForcedSockBufSize); e != nil {
			sockErr = e
			return
		}
		if e := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_RCVBUF, wire.ForcedSockBufSize); e != nil {
			sockErr = e
			return
		}
	})
	if err != nil {
		return err
	}
	return sockErr
}

// lingerAbort sets SO_LINGER{on=1,timeout=0} so a forced Shutdown
// during DISCONNECTING resets the connection rather than attempting a
// graceful FIN with data the initiator can no longer act on.
func lingerAbort(conn *net.TCPConn) error {
	raw, err := conn.SyscallConn()
	if err != nil {
		return err
	}
	var sockErr error
	err = raw.Control(func(fd uintptr) {
		sockErr = unix.SetsockoptLinger(int(fd), unix.SOL_SOCKET, unix.SO_LINGER, &unix.Linger{Onoff: 1, Linger: 0})
	})
	if err != nil {
		return err
	}
	return sockErr
}
