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

// Package uve carries the agent's analytics-facing state: flow export
// records, export sinks, the inter-VN traffic aggregator, and the VM name
// cache used to annotate exported flows.
package uve

import (
	"net/netip"
	"time"

	"github.com/google/uuid"
)

// Direction values for FlowRecord.DirectionIng.
const (
	DirectionEgress  = 0
	DirectionIngress = 1
)

// FlowRecord is one FlowDataIpv4 export sample. FlowUUID is required; the
// remaining fields are populated when known. Local flows are exported twice,
// once per direction, the egress copy carrying the flow's egress UUID.
type FlowRecord struct {
	FlowUUID    uuid.UUID
	ReverseUUID uuid.UUID

	SourceIP netip.Addr
	DestIP   netip.Addr
	Protocol uint8
	SPort    uint16
	DPort    uint16

	SourceVN string
	DestVN   string
	VM       string

	Bytes       uint64
	Packets     uint64
	DiffBytes   uint64
	DiffPackets uint64

	SetupTime    time.Time
	TeardownTime time.Time // zero until the flow is torn down

	DirectionIng int
}
