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

package wire

// NVMe status codes relevant to this target (subset).
const (
	StatusSuccess            uint16 = 0x00
	StatusInvalidOpcode      uint16 = 0x01
	StatusInvalidField       uint16 = 0x02
	StatusDataTransferError  uint16 = 0x04
	StatusInvalidNamespace   uint16 = 0x0b
	StatusSGLInvalidOffset   uint16 = 0x16
	StatusConnectFormat      uint16 = 0x80
	StatusConnectInvalidParam uint16 = 0x82
	StatusDNR                uint16 = 1 << 15 // Do Not Retry
)
