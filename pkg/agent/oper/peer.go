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

package oper

import (
	"sync"
	"sync/atomic"

	"github.com/go-logr/logr"

	"github.com/arvindvis/contrail-controller/pkg/agent/db"
	logutil "github.com/arvindvis/contrail-controller/pkg/agent/util/logging"
)

// Peer is a route source: routes carry the name of the peer that advertised
// them, and peer teardown withdraws them with a composite walk.
type Peer struct {
	name  string
	walks atomic.Int64
}

func NewPeer(name string) *Peer { return &Peer{name: name} }

// Name returns the peer's name.
func (p *Peer) Name() string { return p.name }

// NoOfWalks returns the number of outstanding walks attributed to the peer.
func (p *Peer) NoOfWalks() int64 { return p.walks.Load() }

func (p *Peer) incrementWalks() { p.walks.Add(1) }

func (p *Peer) decrementWalks() int64 { return p.walks.Add(-1) }

// PeerRouteWalk withdraws every route a peer advertised, across all VRFs and
// route-table families, as a walk-of-walks: the outer walk visits VRF
// entries, spawning an inner walk per route table; each inner walk's
// completion decrements the peer's walk counter, and when the counter reaches
// zero the cleanup continuation fires.
//
// The walk is a value with observable state rather than nested closures so
// cancellation and completion are inspectable.
type PeerRouteWalk struct {
	vrfs   *VrfTable
	peer   *Peer
	logger logr.Logger
	onDone func(*Peer)

	mu      sync.Mutex
	outerID db.WalkID
	innerID map[string][]db.WalkID // by VRF name
	started bool
}

// NewPeerRouteWalk prepares a composite walk; Start launches it. onDone runs
// once, after the outer walk and every inner walk have finished.
func NewPeerRouteWalk(vrfs *VrfTable, peer *Peer, logger logr.Logger, onDone func(*Peer)) *PeerRouteWalk {
	return &PeerRouteWalk{
		vrfs:    vrfs,
		peer:    peer,
		logger:  logger.WithName("peer-route-walk").WithValues("peer", peer.Name()),
		onDone:  onDone,
		innerID: make(map[string][]db.WalkID),
	}
}

// Start launches the outer walk. The peer's walk counter is primed with the
// outer walk so the cleanup cannot fire before every VRF has been visited.
func (w *PeerRouteWalk) Start() {
	w.mu.Lock()
	if w.started {
		w.mu.Unlock()
		return
	}
	w.started = true
	w.mu.Unlock()

	w.peer.incrementWalks()
	w.logger.V(logutil.DEFAULT).Info("Starting peer route withdrawal")
	id := w.vrfs.Walk(w.visitVrf, func(_ *db.Table, completed bool) {
		w.logger.V(logutil.DEBUG).Info("Outer VRF walk done", "completed", completed)
		w.finishOne()
	})
	w.mu.Lock()
	w.outerID = id
	w.mu.Unlock()
}

// visitVrf runs for each VRF entry on the outer walk and fans out one inner
// walk per route table.
func (w *PeerRouteWalk) visitVrf(e db.Entry) bool {
	vrf := e.(*VrfEntry)
	if vrf.Base().IsDeleted() {
		return true
	}
	for _, rt := range vrf.RouteTables() {
		rt := rt
		w.peer.incrementWalks()
		id := rt.Walk(w.routeEntryFn(rt), func(_ *db.Table, completed bool) {
			w.logger.V(logutil.DEBUG).Info("Inner route walk done",
				"table", rt.Name(), "completed", completed)
			w.finishOne()
		})
		w.mu.Lock()
		w.innerID[vrf.Name()] = append(w.innerID[vrf.Name()], id)
		w.mu.Unlock()
	}
	return true
}

func (w *PeerRouteWalk) routeEntryFn(rt *RouteTable) db.WalkFn {
	return func(e db.Entry) bool {
		route := e.(*RouteEntry)
		if route.PeerName() == w.peer.Name() {
			rt.DeleteRoute(route.Prefix())
		}
		return true
	}
}

func (w *PeerRouteWalk) finishOne() {
	if w.peer.decrementWalks() == 0 {
		w.logger.V(logutil.DEFAULT).Info("Peer route withdrawal complete")
		if w.onDone != nil {
			w.onDone(w.peer)
		}
	}
}

// OutstandingWalks returns the ids of inner walks recorded so far. Diagnostic.
func (w *PeerRouteWalk) OutstandingWalks() map[string][]db.WalkID {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make(map[string][]db.WalkID, len(w.innerID))
	for k, v := range w.innerID {
		out[k] = append([]db.WalkID(nil), v...)
	}
	return out
}
