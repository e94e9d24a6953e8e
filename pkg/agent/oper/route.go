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
	"fmt"
	"net/netip"

	"github.com/go-logr/logr"

	"github.com/arvindvis/contrail-controller/pkg/agent/db"
	"github.com/arvindvis/contrail-controller/pkg/agent/scheduler"
)

// RouteTableType enumerates the per-VRF route table families.
type RouteTableType int

const (
	Inet4Unicast RouteTableType = iota
	Inet4Multicast
	Layer2
	routeTableTypeMax
)

func (t RouteTableType) suffix() string {
	switch t {
	case Inet4Unicast:
		return "uc.route.0"
	case Inet4Multicast:
		return "mc.route.0"
	case Layer2:
		return "l2.route.0"
	default:
		return "unknown.route"
	}
}

// RouteKey identifies a route by prefix within its table.
type RouteKey struct {
	Prefix netip.Prefix
}

func (k RouteKey) String() string { return k.Prefix.String() }

// RouteEntry is one route: a prefix attributed to the peer that advertised
// it, resolving to a next hop and label.
type RouteEntry struct {
	db.EntryBase

	prefix  netip.Prefix
	peer    string
	nextHop netip.Addr
	label   uint32
}

func (r *RouteEntry) EntryKey() db.Key { return RouteKey{Prefix: r.prefix} }

func (r *RouteEntry) Prefix() netip.Prefix { return r.prefix }

func (r *RouteEntry) PeerName() string { return r.peer }

func (r *RouteEntry) NextHop() netip.Addr { return r.nextHop }

func (r *RouteEntry) Label() uint32 { return r.label }

// RouteData is the payload of a route upsert request.
type RouteData struct {
	Peer    string
	NextHop netip.Addr
	Label   uint32
}

// RouteTable is one per-(VRF, family) table of routes on the db engine.
type RouteTable struct {
	name    string
	vrfName string
	ttype   RouteTableType
	dbTable *db.Table
}

func newRouteTable(vrfName string, tt RouteTableType, sched *scheduler.TaskScheduler, logger logr.Logger, onRetire func(db.Entry)) *RouteTable {
	rt := &RouteTable{
		name:    fmt.Sprintf("%s.%s", vrfName, tt.suffix()),
		vrfName: vrfName,
		ttype:   tt,
	}
	rt.dbTable = db.NewTable(rt.name, (*routeHooks)(rt), sched, logger, db.Options{OnRetire: onRetire})
	return rt
}

type routeHooks RouteTable

func (h *routeHooks) Add(req *db.Request) (db.Entry, error) {
	key := req.Key.(RouteKey)
	data := req.Data.(RouteData)
	return &RouteEntry{
		prefix:  key.Prefix,
		peer:    data.Peer,
		nextHop: data.NextHop,
		label:   data.Label,
	}, nil
}

func (h *routeHooks) OnChange(e db.Entry, req *db.Request) (bool, error) {
	route := e.(*RouteEntry)
	data := req.Data.(RouteData)
	if route.peer == data.Peer && route.nextHop == data.NextHop && route.label == data.Label {
		return false, nil
	}
	route.peer = data.Peer
	route.nextHop = data.NextHop
	route.label = data.Label
	return true, nil
}

func (h *routeHooks) Delete(db.Entry, *db.Request) (bool, error) { return true, nil }

// Name returns the table's full name, e.g. "vrf-a.uc.route.0".
func (rt *RouteTable) Name() string { return rt.name }

// Type returns the table's address family.
func (rt *RouteTable) Type() RouteTableType { return rt.ttype }

// AddRoute upserts a route advertised by peer.
func (rt *RouteTable) AddRoute(prefix netip.Prefix, data RouteData) {
	rt.dbTable.Enqueue(db.Request{Op: db.OpAddOrUpdate, Key: RouteKey{Prefix: prefix}, Data: data})
}

// DeleteRoute requests removal of a route.
func (rt *RouteTable) DeleteRoute(prefix netip.Prefix) {
	rt.dbTable.Enqueue(db.Request{Op: db.OpDelete, Key: RouteKey{Prefix: prefix}})
}

// FindRoute returns the live route for prefix, or nil.
func (rt *RouteTable) FindRoute(prefix netip.Prefix) *RouteEntry {
	e := rt.dbTable.Find(RouteKey{Prefix: prefix}, false)
	if e == nil {
		return nil
	}
	return e.(*RouteEntry)
}

// Size returns the number of routes, including those pending delete.
func (rt *RouteTable) Size() int { return rt.dbTable.Size() }

// Register subscribes a listener for route notifications.
func (rt *RouteTable) Register(cb db.Listener) db.ListenerID { return rt.dbTable.Register(cb) }

// Unregister removes a listener subscription.
func (rt *RouteTable) Unregister(id db.ListenerID) { rt.dbTable.Unregister(id) }

// Walk starts an asynchronous walk over the routes.
func (rt *RouteTable) Walk(entryFn db.WalkFn, doneFn db.WalkDoneFn) db.WalkID {
	return rt.dbTable.Walk(entryFn, doneFn)
}

// WalkCancel cancels an in-progress walk.
func (rt *RouteTable) WalkCancel(id db.WalkID) { rt.dbTable.WalkCancel(id) }
