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
	"context"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"
	"k8s.io/utils/clock"

	"github.com/arvindvis/contrail-controller/pkg/agent/ksync"
	"github.com/arvindvis/contrail-controller/pkg/agent/scheduler"
	logutil "github.com/arvindvis/contrail-controller/pkg/agent/util/logging"
	"github.com/arvindvis/contrail-controller/pkg/agent/uve"
)

// TaskClassName is the scheduler class of the aging and export loop.
const TaskClassName = "Agent::FlowHandler"

// collectorInstance serializes aging passes; at most one runs at a time.
const collectorInstance = "flow:stats-collector"

const (
	// DefaultAgeTime is the idle interval after which a flow ages out.
	DefaultAgeTime = 180 * time.Second
	// DefaultTimerInterval is the inter-pass delay used when the table is
	// empty.
	DefaultTimerInterval = 100 * time.Millisecond
	// DefaultMultiplier scales the adaptive inter-pass delay.
	DefaultMultiplier = 3

	// maxTimerIntervalMs caps the adaptive inter-pass delay.
	maxTimerIntervalMs = 1000
	// minCountPerPass floors the per-pass entry budget.
	minCountPerPass = 100

	// Userspace counters keep the kernel's 48-bit byte and 40-bit packet
	// values in their low bits; the high bits accumulate wraparound carries.
	bytesHighMask   = 0xffff000000000000
	bytesLowMask    = 0x0000ffffffffffff
	bytesCarry      = 0x0001000000000000
	packetsHighMask = 0xffffff0000000000
	packetsLowMask  = 0x000000ffffffffff
	packetsCarry    = 0x0000010000000000
)

// Recorder receives collector events for metrics. Implementations must be
// cheap; calls happen inline in the aging pass.
type Recorder interface {
	FlowExported()
	FlowAged(n int)
}

// CollectorOptions are the optional knobs of a StatsCollector.
type CollectorOptions struct {
	AgeTime       time.Duration
	TimerInterval time.Duration // initial and empty-table inter-pass delay
	Multiplier    int
	Clock         clock.WithDelayedExecution
	VMNames       *uve.VMNameCache
	Recorder      Recorder
}

// StatsCollector drives the periodic aging, stats-reconciliation, and export
// pass over a flow table. Each pass runs as one task under Agent::FlowHandler
// and visits a bounded number of entries; pacing adapts so every flow is
// visited roughly once per age time.
type StatsCollector struct {
	sched  *scheduler.TaskScheduler
	class  scheduler.ClassID
	logger logr.Logger

	flows    *Table
	reader   ksync.KernelFlowReader
	exporter uve.Exporter
	interVN  *uve.InterVnStats
	vmNames  *uve.VMNameCache
	recorder Recorder
	clock    clock.WithDelayedExecution

	ageTime         time.Duration
	defaultInterval time.Duration
	multiplier      uint32

	// Pass state, touched only on the collector task.
	countPerPass  uint32
	timerInterval time.Duration
	iterKey       FlowKey
	iterValid     bool

	runCounter atomic.Int64
	stopped    atomic.Bool
	timer      clock.Timer
}

// NewStatsCollector wires the collector; Start arms its timer.
func NewStatsCollector(sched *scheduler.TaskScheduler, flows *Table, reader ksync.KernelFlowReader,
	exporter uve.Exporter, interVN *uve.InterVnStats, logger logr.Logger, opts CollectorOptions) *StatsCollector {
	if opts.AgeTime == 0 {
		opts.AgeTime = DefaultAgeTime
	}
	if opts.TimerInterval == 0 {
		opts.TimerInterval = DefaultTimerInterval
	}
	if opts.Multiplier == 0 {
		opts.Multiplier = DefaultMultiplier
	}
	if opts.Clock == nil {
		opts.Clock = &clock.RealClock{}
	}
	return &StatsCollector{
		sched:           sched,
		class:           sched.RegisterClass(TaskClassName),
		logger:          logger.WithName("flow-stats-collector"),
		flows:           flows,
		reader:          reader,
		exporter:        exporter,
		interVN:         interVN,
		vmNames:         opts.VMNames,
		recorder:        opts.Recorder,
		clock:           opts.Clock,
		ageTime:         opts.AgeTime,
		defaultInterval: opts.TimerInterval,
		multiplier:      uint32(opts.Multiplier),
		countPerPass:    minCountPerPass,
		timerInterval:   opts.TimerInterval,
	}
}

// Start arms the pass timer. Each firing enqueues one pass; the next firing
// is armed only after the pass completes, so passes never interleave.
func (c *StatsCollector) Start() {
	c.armTimer(c.timerInterval)
}

// Stop disarms the timer. An in-flight pass completes but does not re-arm.
func (c *StatsCollector) Stop() {
	c.stopped.Store(true)
	if c.timer != nil {
		c.timer.Stop()
	}
}

// RunCount returns the number of completed passes.
func (c *StatsCollector) RunCount() int64 { return c.runCounter.Load() }

// AgeTime returns the configured flow age time.
func (c *StatsCollector) AgeTime() time.Duration { return c.ageTime }

func (c *StatsCollector) armTimer(d time.Duration) {
	if c.stopped.Load() {
		return
	}
	if d < time.Millisecond {
		d = time.Millisecond
	}
	c.timer = c.clock.AfterFunc(d, func() {
		c.sched.Enqueue(c.class, collectorInstance, func(ctx context.Context) bool {
			c.runPass(c.clock.Now())
			c.armTimer(c.timerInterval)
			return true
		})
	})
}

// runPass executes one bounded aging pass. Runs on the collector task.
func (c *StatsCollector) runPass(now time.Time) {
	c.runCounter.Add(1)
	if c.flows.Size() == 0 {
		c.iterValid = false
		c.repace()
		return
	}

	entries := c.flows.ascendFrom(c.iterKey, c.iterValid)
	var count uint32
	keyUpdateReqd := true
	visited := 0

	for _, entry := range entries {
		visited++
		// The entry may have been removed earlier in this pass as a partner.
		if entry.State() == StateDeleted || c.flows.Find(entry.Key) != entry {
			continue
		}
		c.iterKey = entry.Key
		c.iterValid = true

		krec, kOK := c.kernelRecord(entry)
		deleted := false
		var reverse *FlowEntry

		if c.shouldBeAged(entry, krec, kOK, now) {
			reverse = entry.Reverse
			if reverse != nil {
				revRec, revOK := c.kernelRecord(reverse)
				if c.shouldBeAged(reverse, revRec, revOK, now) {
					deleted = true
				} else {
					entry.setState(StateAging)
				}
			} else {
				deleted = true
			}
		}

		if deleted {
			c.deleteFlow(entry, reverse != nil, now)
			if reverse != nil {
				count++
				if count == c.countPerPass {
					break
				}
			}
		}

		if !deleted && kOK {
			c.reconcile(entry, krec, now)
		}

		if !deleted && entry.ShortFlow {
			c.deleteFlow(entry, false, now)
		}

		count++
		if count == c.countPerPass {
			break
		}
	}

	if count == c.countPerPass && visited < len(entries) {
		keyUpdateReqd = false
	}
	if keyUpdateReqd {
		c.iterValid = false
	}
	c.repace()
}

// kernelRecord reads the kernel slot for a flow, if it has one.
func (c *StatsCollector) kernelRecord(e *FlowEntry) (ksync.FlowStatsRecord, bool) {
	if e.FlowHandle == InvalidFlowHandle {
		return ksync.FlowStatsRecord{}, false
	}
	return c.reader.KernelFlow(e.FlowHandle)
}

// shouldBeAged reports whether a flow is aging-eligible now. A kernel record
// strictly ahead of the userspace counters means traffic is still flowing.
func (c *StatsCollector) shouldBeAged(e *FlowEntry, krec ksync.FlowStatsRecord, kOK bool, now time.Time) bool {
	if kOK {
		if e.Bytes < krec.Bytes64() && e.Packets < krec.Packets64() {
			return false
		}
	}
	return now.Sub(e.LastModified) >= c.ageTime
}

// reconcile folds the kernel counters into the userspace entry, updates the
// inter-VN aggregator, and exports a sample when the counters moved.
func (c *StatsCollector) reconcile(e *FlowEntry, krec ksync.FlowStatsRecord, now time.Time) {
	newBytes := updatedCounter(e.Bytes, krec.Bytes64(), bytesHighMask, bytesLowMask, bytesCarry)
	newPackets := updatedCounter(e.Packets, krec.Packets64(), packetsHighMask, packetsLowMask, packetsCarry)
	if newBytes == e.Bytes && newPackets == e.Packets {
		return
	}

	diffBytes := newBytes - e.Bytes
	diffPackets := newPackets - e.Packets
	if c.interVN != nil {
		c.interVN.UpdateVnStats(e.SourceVN, e.DestVN, diffBytes, diffPackets)
	}
	e.Bytes = newBytes
	e.Packets = newPackets
	e.LastModified = now
	e.setState(StateActive)
	c.export(e, diffBytes, diffPackets)
}

// updatedCounter merges a composed kernel value into the held 64-bit counter.
// The held high bits carry wraparounds: when the stored low bits exceed the
// new kernel value, the kernel counter wrapped and the high bits advance by
// one carry unit.
func updatedCounter(stored, kernel, highMask, lowMask, carry uint64) uint64 {
	high := stored & highMask
	if stored&lowMask > kernel {
		high += carry
	}
	return high | kernel
}

// deleteFlow tears down a flow (and its partner when withReverse is set). The
// teardown sample is exported before the entry leaves the table so it still
// carries the reverse-flow attributes.
func (c *StatsCollector) deleteFlow(e *FlowEntry, withReverse bool, now time.Time) {
	if c.flows.Find(e.Key) != e {
		return
	}
	e.TeardownTime = now
	if withReverse && e.Reverse != nil {
		e.Reverse.TeardownTime = now
	}
	c.export(e, 0, 0)
	c.flows.Delete(e.Key, withReverse)

	aged := 1
	if withReverse {
		aged = 2
	}
	if c.recorder != nil {
		c.recorder.FlowAged(aged)
	}
	c.logger.V(logutil.DEBUG).Info("Aged out flow",
		"key", e.Key.String(), "withReverse", withReverse)
}

// export emits one (or, for local flows, two) FlowDataIpv4 records.
func (c *StatsCollector) export(e *FlowEntry, diffBytes, diffPackets uint64) {
	rec := uve.FlowRecord{
		FlowUUID:     e.UUID,
		SourceIP:     e.Key.SrcIP,
		DestIP:       e.Key.DstIP,
		Protocol:     e.Key.Protocol,
		SPort:        e.Key.SrcPort,
		DPort:        e.Key.DstPort,
		SourceVN:     e.SourceVN,
		DestVN:       e.DestVN,
		Bytes:        e.Bytes,
		Packets:      e.Packets,
		DiffBytes:    diffBytes,
		DiffPackets:  diffPackets,
		SetupTime:    e.SetupTime,
		TeardownTime: e.TeardownTime,
	}
	if e.IntfIn != InvalidIntfIndex && c.vmNames != nil {
		rec.VM = c.vmNames.Lookup(e.IntfIn)
	}
	if e.Reverse != nil {
		rec.ReverseUUID = e.Reverse.UUID
	}

	if e.LocalFlow {
		// Local flows are exported in both directions so analytics can query
		// either side without de-duplication; the egress copy carries the
		// flow's egress UUID.
		rec.DirectionIng = uve.DirectionIngress
		c.sourceIPOverride(e, &rec)
		c.send(rec)
		rec.DirectionIng = uve.DirectionEgress
		rec.FlowUUID = e.EgressUUID
		c.send(rec)
		return
	}
	if e.Ingress {
		rec.DirectionIng = uve.DirectionIngress
		c.sourceIPOverride(e, &rec)
	} else {
		rec.DirectionIng = uve.DirectionEgress
	}
	c.send(rec)
}

// sourceIPOverride replaces the exported source IP of a NAT-ed ingress flow
// with the post-NAT address taken from the reverse flow's key.
func (c *StatsCollector) sourceIPOverride(e *FlowEntry, rec *uve.FlowRecord) {
	if !e.NAT || rec.DirectionIng != uve.DirectionIngress || e.Reverse == nil {
		return
	}
	natKey := e.Reverse.Key
	if e.Key.SrcIP != natKey.DstIP {
		rec.SourceIP = natKey.DstIP
	}
}

func (c *StatsCollector) send(rec uve.FlowRecord) {
	c.exporter.Export(rec)
	if c.recorder != nil {
		c.recorder.FlowExported()
	}
}

// repace recomputes the inter-pass delay and per-pass entry budget from the
// current table size, keeping each flow visited roughly once per age time.
func (c *StatsCollector) repace() {
	total := uint32(c.flows.Size())
	ageMs := uint32(c.ageTime.Milliseconds())

	var intervalMs uint32
	if total > 0 {
		intervalMs = ageMs * c.multiplier / total
		if intervalMs > maxTimerIntervalMs {
			intervalMs = maxTimerIntervalMs
		}
		c.timerInterval = time.Duration(intervalMs) * time.Millisecond
	} else {
		c.timerInterval = c.defaultInterval
		intervalMs = uint32(c.defaultInterval.Milliseconds())
	}

	if ageMs > 0 {
		c.countPerPass = intervalMs * total / ageMs
		if c.countPerPass < minCountPerPass {
			c.countPerPass = minCountPerPass
		}
	} else {
		c.countPerPass = minCountPerPass
	}
}
