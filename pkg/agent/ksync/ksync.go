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

// Package ksync mediates access to the kernel (vrouter) flow table. The
// dataplane-facing state is modeled as an array of per-handle stat records;
// the stats collector reads it, and all writes run as tasks under the
// Agent::KSync scheduler class, whose exclusion policy keeps them off the
// flow and table mutation paths.
package ksync

import (
	"context"
	"sync"

	"github.com/go-logr/logr"

	"github.com/arvindvis/contrail-controller/pkg/agent/scheduler"
	logutil "github.com/arvindvis/contrail-controller/pkg/agent/util/logging"
)

// TaskClassName is the scheduler class for kernel table writes.
const TaskClassName = "Agent::KSync"

// flowTableInstance serializes all writes to the kernel flow table.
const flowTableInstance = "ksync:flow-table"

// FlowStatsRecord mirrors the per-slot stats block of a kernel flow entry.
// The 32-bit counters wrap into the overflow fields: 16 bits for bytes,
// 8 bits for packets.
type FlowStatsRecord struct {
	FlowBytes        uint32
	FlowPackets      uint32
	FlowBytesOflow   uint16
	FlowPacketsOflow uint8
}

// Bytes64 composes the 48-bit kernel byte counter.
func (r FlowStatsRecord) Bytes64() uint64 {
	return uint64(r.FlowBytesOflow)<<32 | uint64(r.FlowBytes)
}

// Packets64 composes the 40-bit kernel packet counter.
func (r FlowStatsRecord) Packets64() uint64 {
	return uint64(r.FlowPacketsOflow)<<32 | uint64(r.FlowPackets)
}

// addTraffic advances the counters, spilling 32-bit wraparound into the
// overflow fields the way the dataplane does.
func (r *FlowStatsRecord) addTraffic(bytes, packets uint64) {
	b := uint64(r.FlowBytes) + bytes
	r.FlowBytes = uint32(b)
	r.FlowBytesOflow += uint16(b >> 32)

	p := uint64(r.FlowPackets) + packets
	r.FlowPackets = uint32(p)
	r.FlowPacketsOflow += uint8(p >> 32)
}

// KernelFlowReader is the read side of the kernel flow table, consumed by the
// stats collector. The collector never writes through this interface.
type KernelFlowReader interface {
	// KernelFlow returns the stats record at handle, or false when the slot
	// is unallocated.
	KernelFlow(handle uint32) (FlowStatsRecord, bool)
}

// VRouterFlowTable is an in-memory rendition of the kernel flow table. Reads
// are lock-protected and synchronous; writes are applied on a single task
// instance under Agent::KSync.
type VRouterFlowTable struct {
	sched  *scheduler.TaskScheduler
	class  scheduler.ClassID
	logger logr.Logger

	mu    sync.RWMutex
	slots map[uint32]FlowStatsRecord
}

// NewVRouterFlowTable creates the table and registers the KSync class.
func NewVRouterFlowTable(sched *scheduler.TaskScheduler, logger logr.Logger) *VRouterFlowTable {
	return &VRouterFlowTable{
		sched:  sched,
		class:  sched.RegisterClass(TaskClassName),
		logger: logger.WithName("ksync-flow-table"),
		slots:  make(map[uint32]FlowStatsRecord),
	}
}

// KernelFlow implements KernelFlowReader.
func (t *VRouterFlowTable) KernelFlow(handle uint32) (FlowStatsRecord, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	rec, ok := t.slots[handle]
	return rec, ok
}

// Size returns the number of allocated slots.
func (t *VRouterFlowTable) Size() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.slots)
}

// Allocate creates (or resets) the slot for handle. Slot reuse resets the
// counters to zero, which the collector observes as a regression.
func (t *VRouterFlowTable) Allocate(handle uint32) {
	t.write(func() {
		t.slots[handle] = FlowStatsRecord{}
	})
}

// Free releases the slot for handle.
func (t *VRouterFlowTable) Free(handle uint32) {
	t.write(func() {
		delete(t.slots, handle)
	})
}

// AddTraffic advances the slot's counters by the given amounts, with 32-bit
// wraparound into the overflow fields. A write to an unallocated slot is
// logged and dropped.
func (t *VRouterFlowTable) AddTraffic(handle uint32, bytes, packets uint64) {
	t.write(func() {
		rec, ok := t.slots[handle]
		if !ok {
			t.logger.V(logutil.DEBUG).Info("Dropping traffic update for unallocated slot", "handle", handle)
			return
		}
		rec.addTraffic(bytes, packets)
		t.slots[handle] = rec
	})
}

// write runs fn on the single KSync writer instance.
func (t *VRouterFlowTable) write(fn func()) {
	t.sched.Enqueue(t.class, flowTableInstance, func(ctx context.Context) bool {
		t.mu.Lock()
		defer t.mu.Unlock()
		fn()
		return true
	})
}
