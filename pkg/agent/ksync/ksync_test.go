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

package ksync

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arvindvis/contrail-controller/pkg/agent/scheduler"
	"github.com/arvindvis/contrail-controller/pkg/common/observability/logging"
)

func newTestTable(t *testing.T) (*VRouterFlowTable, *scheduler.TaskScheduler) {
	t.Helper()
	sched := scheduler.New(2, logging.NewTestLogger())
	return NewVRouterFlowTable(sched, logging.NewTestLogger()), sched
}

func drain(t *testing.T, sched *scheduler.TaskScheduler) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, sched.WaitForIdle(ctx))
}

func TestFlowStatsRecordComposition(t *testing.T) {
	rec := FlowStatsRecord{
		FlowBytes:        0x10,
		FlowPackets:      0x2,
		FlowBytesOflow:   0x3,
		FlowPacketsOflow: 0x1,
	}
	assert.Equal(t, uint64(0x3_0000_0010), rec.Bytes64())
	assert.Equal(t, uint64(0x1_0000_0002), rec.Packets64())
}

func TestAddTrafficWrapsIntoOflow(t *testing.T) {
	tbl, sched := newTestTable(t)
	tbl.Allocate(7)
	tbl.AddTraffic(7, 0xffff_fff0, 0xffff_fffe)
	tbl.AddTraffic(7, 0x20, 0x4)
	drain(t, sched)

	rec, ok := tbl.KernelFlow(7)
	require.True(t, ok)
	assert.Equal(t, uint16(1), rec.FlowBytesOflow)
	assert.Equal(t, uint32(0x10), rec.FlowBytes)
	assert.Equal(t, uint8(1), rec.FlowPacketsOflow)
	assert.Equal(t, uint32(0x2), rec.FlowPackets)
	assert.Equal(t, uint64(0x1_0000_0010), rec.Bytes64())
}

func TestSlotReuseResetsCounters(t *testing.T) {
	tbl, sched := newTestTable(t)
	tbl.Allocate(3)
	tbl.AddTraffic(3, 1000, 10)
	tbl.Allocate(3)
	drain(t, sched)

	rec, ok := tbl.KernelFlow(3)
	require.True(t, ok)
	assert.Equal(t, uint64(0), rec.Bytes64())
}

func TestFreeAndUnallocatedWrites(t *testing.T) {
	tbl, sched := newTestTable(t)
	tbl.Allocate(1)
	tbl.Free(1)
	tbl.AddTraffic(1, 5, 1) // dropped
	drain(t, sched)

	_, ok := tbl.KernelFlow(1)
	assert.False(t, ok)
	assert.Equal(t, 0, tbl.Size())
}
