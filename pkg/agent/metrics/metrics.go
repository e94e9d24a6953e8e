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

// Package metrics exposes the agent's operational counters on a Prometheus
// registry, served from the introspect HTTP port.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// AgentMetrics is the agent's metric set, backed by its own registry so tests
// can instantiate it repeatedly.
type AgentMetrics struct {
	registry *prometheus.Registry

	FlowExports    prometheus.Counter
	FlowsAged      prometheus.Counter
	OverloadEvents prometheus.Counter
}

// New creates the metric set. Size callbacks for gauge metrics are registered
// separately via TrackFlowTable and TrackVrfTable once those exist.
func New() *AgentMetrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &AgentMetrics{
		registry: reg,
		FlowExports: factory.NewCounter(prometheus.CounterOpts{
			Name: "vrouter_agent_flow_exports_total",
			Help: "FlowDataIpv4 records exported.",
		}),
		FlowsAged: factory.NewCounter(prometheus.CounterOpts{
			Name: "vrouter_agent_flows_aged_total",
			Help: "Flows deleted by the aging loop.",
		}),
		OverloadEvents: factory.NewCounter(prometheus.CounterOpts{
			Name: "vrouter_agent_table_overload_events_total",
			Help: "Shard queue high-water crossings.",
		}),
	}
}

// TrackFlowTable registers a gauge following the flow table size.
func (m *AgentMetrics) TrackFlowTable(size func() int) {
	promauto.With(m.registry).NewGaugeFunc(prometheus.GaugeOpts{
		Name: "vrouter_agent_flow_table_size",
		Help: "Entries in the userspace flow table.",
	}, func() float64 { return float64(size()) })
}

// TrackVrfTable registers a gauge following the VRF count.
func (m *AgentMetrics) TrackVrfTable(size func() int) {
	promauto.With(m.registry).NewGaugeFunc(prometheus.GaugeOpts{
		Name: "vrouter_agent_vrf_count",
		Help: "VRF entries, including those pending delete.",
	}, func() float64 { return float64(size()) })
}

// Handler serves the registry over HTTP.
func (m *AgentMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// FlowRecorder adapts the metric set to the stats collector's recorder hook.
type FlowRecorder struct {
	m *AgentMetrics
}

// NewFlowRecorder returns the collector-facing adapter.
func NewFlowRecorder(m *AgentMetrics) *FlowRecorder { return &FlowRecorder{m: m} }

func (r *FlowRecorder) FlowExported() { r.m.FlowExports.Inc() }

func (r *FlowRecorder) FlowAged(n int) { r.m.FlowsAged.Add(float64(n)) }
