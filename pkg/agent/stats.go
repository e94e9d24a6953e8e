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

package agent

import "sync/atomic"

// AgentStats holds the agent's cumulative operational counters. All fields
// are updated atomically; readers see point-in-time values.
type AgentStats struct {
	flowCreated  atomic.Uint64
	flowAged     atomic.Uint64
	flowExported atomic.Uint64
}

func NewAgentStats() *AgentStats { return &AgentStats{} }

// IncrFlowCreated counts a new flow installed in the userspace table.
func (s *AgentStats) IncrFlowCreated() { s.flowCreated.Add(1) }

// FlowCreated returns the cumulative number of flows installed.
func (s *AgentStats) FlowCreated() uint64 { return s.flowCreated.Load() }

// FlowAgedCount returns the cumulative number of flows deleted by aging.
func (s *AgentStats) FlowAgedCount() uint64 { return s.flowAged.Load() }

// FlowExportedCount returns the cumulative number of export records sent.
func (s *AgentStats) FlowExportedCount() uint64 { return s.flowExported.Load() }

// FlowExported implements the collector's recorder hook.
func (s *AgentStats) FlowExported() { s.flowExported.Add(1) }

// FlowAged implements the collector's recorder hook.
func (s *AgentStats) FlowAged(n int) { s.flowAged.Add(uint64(n)) }
