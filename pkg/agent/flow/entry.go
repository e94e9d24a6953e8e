/*
Copyright 2025 The Contrail Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package flow

import (
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// InvalidFlowHandle marks a flow with no kernel slot.
const InvalidFlowHandle = ^uint32(0)

// InvalidIntfIndex marks a flow with no known input interface.
const InvalidIntfIndex = ^uint32(0)

// State is the lifecycle phase of a flow entry.
type State int32

const (
	// StateNew is the state before the first stats reconciliation.
	StateNew State = iota
	// StateActive means stats updates are being observed.
	StateActive
	// StateAging means the flow is aging-eligible but waiting on its
	// reverse partner.
	StateAging
	// StateDeleted is terminal; the entry has left the table.
	StateDeleted
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "NEW"
	case StateActive:
		return "ACTIVE"
	case StateAging:
		return "AGING"
	case StateDeleted:
		return "DELETED"
	default:
		return "UNKNOWN"
	}
}

// FlowEntry is the userspace record of one dataplane flow. Counter and
// timestamp fields are written only by the stats collector task; the state
// field is atomic so other tasks can observe the lifecycle phase.
type FlowEntry struct {
	Key FlowKey

	// UUID identifies the flow in exported records. EgressUUID is the
	// alternate identity used for the egress-direction copy of a local flow.
	UUID       uuid.UUID
	EgressUUID uuid.UUID

	// FlowHandle is the kernel slot index, or InvalidFlowHandle.
	FlowHandle uint32
	// IntfIn is the input interface index, used to resolve the bound VM name
	// at export time. InvalidIntfIndex when unknown.
	IntfIn uint32

	SourceVN string
	DestVN   string

	// Ingress marks the flow direction; LocalFlow marks both endpoints on
	// this host; NAT marks an address-translated flow; ShortFlow marks a
	// flow to be torn down on the first pass that visits it.
	Ingress   bool
	LocalFlow bool
	NAT       bool
	ShortFlow bool

	// Bytes and Packets are the monotonic 64-bit counters reconciled from
	// the kernel record.
	Bytes   uint64
	Packets uint64

	SetupTime    time.Time
	TeardownTime time.Time
	LastModified time.Time

	// Reverse links the partner flow, when one exists. Maintained by the
	// table's LinkPair/unlink.
	Reverse *FlowEntry

	state atomic.Int32
}

// State returns the current lifecycle phase.
func (e *FlowEntry) State() State { return State(e.state.Load()) }

func (e *FlowEntry) setState(s State) { e.state.Store(int32(s)) }
