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

import "fmt"

// errClass is the error taxonomy of spec.md §7: every error the queue
// engine can hit is bucketed into one of these, which in turn decides
// whether the queue tears itself down or merely fails one command.
type errClass int

const (
	classNone errClass = iota
	classProtocol
	classDigestMismatch
	classTransientIO
	classPeerClose
	classResourceExhaustion
	classCommandValidation
)

func (c errClass) fatal() bool {
	switch c {
	case classProtocol, classDigestMismatch, classPeerClose, classResourceExhaustion:
		return true
	default:
		return false
	}
}

// queueError pairs a message with its taxonomy class so callers up the
// stack (the scheduler, tests) can decide whether to tear the
// connection down without string-matching.
type queueError struct {
	class errClass
	msg   string
	err   error
}

func (e *queueError) Error() string {
	if e.err != nil {
		return fmt.Sprintf("%s: %v", e.msg, e.err)
	}
	return e.msg
}

func (e *queueError) Unwrap() error { return e.err }

func protocolErr(format string, args ...interface{}) *queueError {
	return &queueError{class: classProtocol, msg: fmt.Sprintf(format, args...)}
}

func digestErr(format string, args ...interface{}) *queueError {
	return &queueError{class: classDigestMismatch, msg: fmt.Sprintf(format, args...)}
}

func ioErr(err error) *queueError {
	return &queueError{class: classTransientIO, msg: "socket I/O error", err: err}
}

func peerCloseErr() *queueError {
	return &queueError{class: classPeerClose, msg: "peer closed connection"}
}

func resourceErr(format string, args ...interface{}) *queueError {
	return &queueError{class: classResourceExhaustion, msg: fmt.Sprintf(format, args...)}
}

func validationErr(format string, args ...interface{}) *queueError {
	return &queueError{class: classCommandValidation, msg: fmt.Sprintf(format, args...)}
}

// fatal reports whether err (if it is a *queueError) belongs to a
// class spec.md §7 marks as fatal at the queue level. A non-queueError
// (e.g. a raw io.EOF bubbled up unexpectedly) is treated as fatal by
// default — better to tear the connection down than spin.
func fatal(err error) bool {
	if err == nil {
		return false
	}
	if qe, ok := err.(*queueError); ok {
		return qe.class.fatal()
	}
	return true
}
