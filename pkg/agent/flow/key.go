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

// Package flow implements the agent's flow table and the timer-driven aging,
// stats-reconciliation, and export loop that runs over it.
package flow

import (
	"fmt"
	"net/netip"
)

// FlowKey is the 5-tuple identity of a flow. Keys have a total order so the
// aging loop can resume iteration from the successor of the last visited key.
type FlowKey struct {
	SrcIP    netip.Addr
	DstIP    netip.Addr
	Protocol uint8
	SrcPort  uint16
	DstPort  uint16
}

// Compare orders keys by (src, dst, proto, sport, dport).
func (k FlowKey) Compare(o FlowKey) int {
	if c := k.SrcIP.Compare(o.SrcIP); c != 0 {
		return c
	}
	if c := k.DstIP.Compare(o.DstIP); c != 0 {
		return c
	}
	if k.Protocol != o.Protocol {
		if k.Protocol < o.Protocol {
			return -1
		}
		return 1
	}
	if k.SrcPort != o.SrcPort {
		if k.SrcPort < o.SrcPort {
			return -1
		}
		return 1
	}
	if k.DstPort != o.DstPort {
		if k.DstPort < o.DstPort {
			return -1
		}
		return 1
	}
	return 0
}

func (k FlowKey) String() string {
	return fmt.Sprintf("%s:%d->%s:%d/%d", k.SrcIP, k.SrcPort, k.DstIP, k.DstPort, k.Protocol)
}
