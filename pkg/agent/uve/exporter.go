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

package uve

import (
	"sync"

	"github.com/go-logr/logr"

	logutil "github.com/arvindvis/contrail-controller/pkg/agent/util/logging"
)

// Exporter consumes flow export records. Implementations must not block: the
// aging loop calls Export inline and a failed or slow sink must not stall it.
type Exporter interface {
	Export(rec FlowRecord)
}

// LogExporter writes export records to the structured log. It stands in for
// the collector connection when no collector endpoint is configured.
type LogExporter struct {
	logger logr.Logger
}

// NewLogExporter returns an Exporter that logs each record at verbose level.
func NewLogExporter(logger logr.Logger) *LogExporter {
	return &LogExporter{logger: logger.WithName("flow-export")}
}

func (e *LogExporter) Export(rec FlowRecord) {
	e.logger.V(logutil.VERBOSE).Info("FlowDataIpv4",
		"flowuuid", rec.FlowUUID.String(),
		"sourceip", rec.SourceIP.String(),
		"destip", rec.DestIP.String(),
		"protocol", rec.Protocol,
		"sport", rec.SPort,
		"dport", rec.DPort,
		"sourcevn", rec.SourceVN,
		"destvn", rec.DestVN,
		"vm", rec.VM,
		"bytes", rec.Bytes,
		"packets", rec.Packets,
		"diffBytes", rec.DiffBytes,
		"diffPackets", rec.DiffPackets,
		"directionIng", rec.DirectionIng,
	)
}

// CaptureExporter retains exported records in order. Test sink.
type CaptureExporter struct {
	mu   sync.Mutex
	recs []FlowRecord
}

func NewCaptureExporter() *CaptureExporter { return &CaptureExporter{} }

func (e *CaptureExporter) Export(rec FlowRecord) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.recs = append(e.recs, rec)
}

// Records returns a copy of the captured records in export order.
func (e *CaptureExporter) Records() []FlowRecord {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]FlowRecord, len(e.recs))
	copy(out, e.recs)
	return out
}

// Reset discards captured records.
func (e *CaptureExporter) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.recs = nil
}
