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

import "sync"

// VnPair keys the inter-VN aggregation matrix.
type VnPair struct {
	SourceVN string
	DestVN   string
}

// VnStats is the accumulated traffic between one ordered VN pair.
type VnStats struct {
	Bytes   uint64
	Packets uint64
}

// InterVnStats aggregates per-(source VN, dest VN) traffic deltas reported by
// the stats collector. Safe for concurrent use.
type InterVnStats struct {
	mu    sync.Mutex
	stats map[VnPair]VnStats
}

func NewInterVnStats() *InterVnStats {
	return &InterVnStats{stats: make(map[VnPair]VnStats)}
}

// UpdateVnStats accumulates one reconciliation delta.
func (s *InterVnStats) UpdateVnStats(sourceVN, destVN string, bytes, packets uint64) {
	key := VnPair{SourceVN: sourceVN, DestVN: destVN}
	s.mu.Lock()
	defer s.mu.Unlock()
	cur := s.stats[key]
	cur.Bytes += bytes
	cur.Packets += packets
	s.stats[key] = cur
}

// Get returns the accumulated stats for a VN pair.
func (s *InterVnStats) Get(sourceVN, destVN string) VnStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats[VnPair{SourceVN: sourceVN, DestVN: destVN}]
}

// Snapshot returns a copy of the full matrix.
func (s *InterVnStats) Snapshot() map[VnPair]VnStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[VnPair]VnStats, len(s.stats))
	for k, v := range s.stats {
		out[k] = v
	}
	return out
}
