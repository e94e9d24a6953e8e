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

// Package agent assembles the vrouter agent: it owns the task scheduler,
// installs the process-wide exclusion policies, constructs the operational
// tables, the kernel sync layer, and the flow stats collector in dependency
// order, and threads them together. There are no package-level singletons;
// the Agent value is the context every component hangs off.
package agent

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/go-logr/logr"

	"github.com/arvindvis/contrail-controller/pkg/agent/config"
	"github.com/arvindvis/contrail-controller/pkg/agent/db"
	"github.com/arvindvis/contrail-controller/pkg/agent/flow"
	"github.com/arvindvis/contrail-controller/pkg/agent/ksync"
	"github.com/arvindvis/contrail-controller/pkg/agent/metrics"
	"github.com/arvindvis/contrail-controller/pkg/agent/oper"
	"github.com/arvindvis/contrail-controller/pkg/agent/scheduler"
	logutil "github.com/arvindvis/contrail-controller/pkg/agent/util/logging"
	"github.com/arvindvis/contrail-controller/pkg/agent/uve"
)

// Task class names not owned by a specific package. The remaining classes are
// exported by their owners: db.TaskClassName, flow.TaskClassName,
// ksync.TaskClassName.
const (
	TaskServices         = "Agent::Services"
	TaskStatsCollector   = "Agent::StatsCollector"
	TaskUve              = "Agent::Uve"
	TaskSandeshRecv      = "sandesh::RecvQueue"
	TaskIoReader         = "io::ReaderTask"
	TaskBgpConfig        = "bgp::Config"
	TaskXmppStateMachine = "xmpp::StateMachine"
)

// Well-known virtual-network and VRF identifiers.
const (
	FabricVNName     = "default-domain:default-project:ip-fabric"
	FabricVrfName    = "default-domain:default-project:ip-fabric:__default__"
	LinkLocalVNName  = "default-domain:default-project:__link_local__"
	LinkLocalVrfName = "default-domain:default-project:__link_local__:__link_local__"
)

// shutdownTimeout bounds the drain on Run exit.
const shutdownTimeout = 10 * time.Second

// InstallTaskPolicies installs the exclusion graph the agent requires.
// Table mutators cannot overlap any consumer that reads tables; flow aging
// cannot run while new flows are being installed; kernel sync cannot race
// stats collection. Must run before any task is admitted.
func InstallTaskPolicies(sched *scheduler.TaskScheduler) error {
	policies := []struct {
		class    string
		excludes []string
	}{
		{db.TaskClassName, []string{
			flow.TaskClassName, TaskServices, TaskStatsCollector,
			TaskSandeshRecv, TaskIoReader, TaskUve, ksync.TaskClassName,
		}},
		{flow.TaskClassName, []string{TaskStatsCollector, TaskIoReader}},
		{TaskSandeshRecv, []string{
			db.TaskClassName, flow.TaskClassName, TaskServices,
			TaskStatsCollector, TaskIoReader,
		}},
		{TaskBgpConfig, []string{
			flow.TaskClassName, TaskServices, TaskStatsCollector,
			TaskSandeshRecv, TaskIoReader, TaskXmppStateMachine, db.TaskClassName,
		}},
		{TaskXmppStateMachine, []string{TaskIoReader, db.TaskClassName}},
		{ksync.TaskClassName, []string{flow.TaskClassName, TaskStatsCollector, db.TaskClassName}},
	}
	for _, p := range policies {
		if err := sched.SetPolicy(p.class, p.excludes...); err != nil {
			return fmt.Errorf("agent: installing policy for %s: %w", p.class, err)
		}
	}
	return nil
}

// Options are the optional collaborators of an Agent. Zero values select the
// defaults used in production.
type Options struct {
	// Workers sizes the scheduler pool; defaults to runtime.NumCPU().
	Workers int
	// Exporter overrides the flow export sink; defaults to a logging sink.
	Exporter uve.Exporter
	// Collector overrides the flow collector knobs (age time, pacing, clock).
	Collector flow.CollectorOptions
}

// Agent is the process context: every component is constructed once here and
// passed by reference.
type Agent struct {
	cfg    *config.Config
	logger logr.Logger

	sched    *scheduler.TaskScheduler
	cfgClass scheduler.ClassID

	vrfTable  *oper.VrfTable
	intfTable *oper.InterfaceTable
	vrouter   *ksync.VRouterFlowTable
	flows     *flow.Table
	collector *flow.StatsCollector

	exporter uve.Exporter
	interVN  *uve.InterVnStats
	vmNames  *uve.VMNameCache

	metrics *metrics.AgentMetrics
	stats   *AgentStats
}

// New builds the agent in dependency order: scheduler and policies first,
// then tables, kernel sync, and finally the stats collector. Nothing runs
// until Start.
func New(cfg *config.Config, logger logr.Logger, opts Options) (*Agent, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	workers := opts.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}

	a := &Agent{
		cfg:     cfg,
		logger:  logger.WithName("agent"),
		metrics: metrics.New(),
		stats:   NewAgentStats(),
		interVN: uve.NewInterVnStats(),
	}

	a.sched = scheduler.New(workers, logger)
	if err := InstallTaskPolicies(a.sched); err != nil {
		return nil, err
	}
	a.cfgClass = a.sched.ClassID(TaskBgpConfig)

	a.vrfTable = oper.NewVrfTable(a.sched, logger, db.Options{
		Overload: backpressure(a.sched, a.cfgClass, a.metrics),
	})
	a.intfTable = oper.NewInterfaceTable(a.sched, logger)
	a.vmNames = uve.NewVMNameCache(a.intfTable.ResolveVM)
	a.intfTable.SetIndexChangeHandler(a.vmNames.Invalidate)

	a.vrouter = ksync.NewVRouterFlowTable(a.sched, logger)
	a.flows = flow.NewTable(logger)

	a.exporter = opts.Exporter
	if a.exporter == nil {
		a.exporter = uve.NewLogExporter(logger)
	}

	collectorOpts := opts.Collector
	collectorOpts.VMNames = a.vmNames
	collectorOpts.Recorder = multiRecorder{a.stats, metrics.NewFlowRecorder(a.metrics)}
	a.collector = flow.NewStatsCollector(a.sched, a.flows, a.vrouter,
		a.exporter, a.interVN, logger, collectorOpts)

	a.metrics.TrackFlowTable(a.flows.Size)
	a.metrics.TrackVrfTable(a.vrfTable.Size)
	return a, nil
}

// backpressure pauses the configuration class while any shard queue sits
// above its high-water mark. Requests are retained, never dropped.
func backpressure(sched *scheduler.TaskScheduler, class scheduler.ClassID, m *metrics.AgentMetrics) func(bool) {
	return func(overloaded bool) {
		if overloaded {
			m.OverloadEvents.Inc()
			sched.Stop(class)
			return
		}
		sched.Start(class)
	}
}

// Start creates the well-known VRFs and arms the flow collector. It blocks
// until the bootstrap tables have drained or ctx is done.
func (a *Agent) Start(ctx context.Context) error {
	a.vrfTable.CreateVrf(FabricVrfName)
	a.vrfTable.CreateVrf(LinkLocalVrfName)
	if err := a.sched.WaitForIdle(ctx); err != nil {
		return fmt.Errorf("agent: bootstrap tables did not drain: %w", err)
	}
	a.collector.Start()
	a.logger.V(logutil.DEFAULT).Info("Agent started",
		"hostName", a.cfg.HostName,
		"vhost", a.cfg.VHostName,
		"tunnelType", a.cfg.TunnelType().String(),
		"ageTime", a.collector.AgeTime())
	return nil
}

// Run starts the agent and blocks until ctx is cancelled, then drains.
func (a *Agent) Run(ctx context.Context) error {
	if err := a.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()

	drainCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return a.Shutdown(drainCtx)
}

// Shutdown stops the collector and drains the scheduler. New work enqueued
// after Shutdown begins is dropped.
func (a *Agent) Shutdown(ctx context.Context) error {
	a.collector.Stop()
	if err := a.sched.Shutdown(ctx); err != nil {
		return fmt.Errorf("agent: shutdown drain: %w", err)
	}
	a.logger.V(logutil.DEFAULT).Info("Agent stopped")
	return nil
}

// AddFlow installs a userspace flow and allocates its kernel slot. The
// reverse link, if any, is set by a subsequent LinkFlows.
func (a *Agent) AddFlow(e *flow.FlowEntry) {
	a.flows.Add(e)
	if e.FlowHandle != flow.InvalidFlowHandle {
		a.vrouter.Allocate(e.FlowHandle)
	}
	a.stats.IncrFlowCreated()
}

// LinkFlows pairs a forward flow with its reverse.
func (a *Agent) LinkFlows(fwd, rev *flow.FlowEntry) {
	a.flows.LinkPair(fwd, rev)
}

// FlowActive returns the number of flows currently installed.
func (a *Agent) FlowActive() int { return a.flows.Size() }

// Config returns the process configuration.
func (a *Agent) Config() *config.Config { return a.cfg }

// Scheduler returns the process-wide task scheduler.
func (a *Agent) Scheduler() *scheduler.TaskScheduler { return a.sched }

// VrfTable returns the operational VRF table.
func (a *Agent) VrfTable() *oper.VrfTable { return a.vrfTable }

// InterfaceTable returns the operational interface table.
func (a *Agent) InterfaceTable() *oper.InterfaceTable { return a.intfTable }

// FlowTable returns the userspace flow table.
func (a *Agent) FlowTable() *flow.Table { return a.flows }

// VRouter returns the kernel flow table view.
func (a *Agent) VRouter() *ksync.VRouterFlowTable { return a.vrouter }

// Collector returns the flow stats collector.
func (a *Agent) Collector() *flow.StatsCollector { return a.collector }

// InterVnStats returns the inter-VN traffic aggregator.
func (a *Agent) InterVnStats() *uve.InterVnStats { return a.interVN }

// Metrics returns the Prometheus metric set.
func (a *Agent) Metrics() *metrics.AgentMetrics { return a.metrics }

// Stats returns the in-process operational counters.
func (a *Agent) Stats() *AgentStats { return a.stats }

// multiRecorder fans collector events out to every registered recorder.
type multiRecorder []flow.Recorder

func (m multiRecorder) FlowExported() {
	for _, r := range m {
		r.FlowExported()
	}
}

func (m multiRecorder) FlowAged(n int) {
	for _, r := range m {
		r.FlowAged(n)
	}
}
