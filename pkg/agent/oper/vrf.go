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

// Package oper holds the operational state tables built on the db engine:
// VRFs with their per-family route tables, interfaces, and the peer-scoped
// composite walks used to withdraw a peer's routes.
package oper

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/go-logr/logr"

	"github.com/arvindvis/contrail-controller/pkg/agent/db"
	"github.com/arvindvis/contrail-controller/pkg/agent/lifetime"
	"github.com/arvindvis/contrail-controller/pkg/agent/scheduler"
	logutil "github.com/arvindvis/contrail-controller/pkg/agent/util/logging"
)

// InvalidVrfID marks a VRF that has not been assigned an id.
const InvalidVrfID = ^uint32(0)

// VrfKey identifies a VRF by its fully qualified name.
type VrfKey struct {
	Name string
}

func (k VrfKey) String() string { return k.Name }

// VrfEntry is one routing instance: an id from the table's monotonic
// allocator and a route table per address family.
type VrfEntry struct {
	db.EntryBase

	name string
	id   uint32

	routeTables [routeTableTypeMax]*RouteTable
}

func (v *VrfEntry) EntryKey() db.Key { return VrfKey{Name: v.name} }

// Name returns the VRF's fully qualified name.
func (v *VrfEntry) Name() string { return v.name }

// ID returns the VRF's allocated id.
func (v *VrfEntry) ID() uint32 { return v.id }

// GetRouteTable returns the route table for a family.
func (v *VrfEntry) GetRouteTable(t RouteTableType) *RouteTable {
	return v.routeTables[t]
}

// RouteTables returns all of the VRF's route tables.
func (v *VrfEntry) RouteTables() []*RouteTable {
	return v.routeTables[:]
}

// vrfActor ties VRF retirement to its route tables: the VRF may not be
// destroyed while any route table still has entries.
type vrfActor struct {
	vrf    *VrfEntry
	logger logr.Logger
}

func (a *vrfActor) MayDelete() bool {
	for _, rt := range a.vrf.routeTables {
		if rt.Size() > 0 {
			return false
		}
	}
	return true
}

func (a *vrfActor) Shutdown() {}

func (a *vrfActor) Destroy() {
	a.logger.V(logutil.DEFAULT).Info("Destroyed VRF", "vrf", a.vrf.name, "id", a.vrf.id)
}

// VrfTable is the table of routing instances. It implements db.ConfigSource
// for itself so a create arriving while the same name is retiring is replayed
// once the old entry is gone.
type VrfTable struct {
	sched   *scheduler.TaskScheduler
	logger  logr.Logger
	dbTable *db.Table
	lt      *lifetime.Manager

	nextID atomic.Uint32

	mu            sync.Mutex
	pendingCreate map[string]bool
}

// NewVrfTable builds the VRF table on the given scheduler. The opts.Config
// field is overridden: the table is its own configuration source for the
// create-while-retiring reuse protocol.
func NewVrfTable(sched *scheduler.TaskScheduler, logger logr.Logger, opts db.Options) *VrfTable {
	t := &VrfTable{
		sched:         sched,
		logger:        logger.WithName("vrf-table"),
		pendingCreate: make(map[string]bool),
	}
	opts.Config = t
	t.dbTable = db.NewTable("db.vrf.0", (*vrfHooks)(t), sched, logger, opts)
	t.lt = lifetime.NewManager(sched, sched.ClassID(db.TaskClassName), "db.vrf.0:lifetime", logger)
	return t
}

// vrfHooks adapts VrfTable to the engine's hook interface without exporting
// the hook methods on the table's public API.
type vrfHooks VrfTable

func (h *vrfHooks) table() *VrfTable { return (*VrfTable)(h) }

func (h *vrfHooks) Add(req *db.Request) (db.Entry, error) {
	t := h.table()
	key := req.Key.(VrfKey)
	vrf := &VrfEntry{
		name: key.Name,
		id:   t.nextID.Add(1) - 1,
	}
	vrf.SetDeleter(t.lt.Register(&vrfActor{vrf: vrf, logger: t.logger}))
	// A retiring route re-arms the VRF's own retirement: MayDelete holds the
	// VRF until its route tables drain.
	retry := func(db.Entry) { vrf.Base().Deleter().RetryDelete() }
	for tt := RouteTableType(0); tt < routeTableTypeMax; tt++ {
		vrf.routeTables[tt] = newRouteTable(vrf.name, tt, t.sched, t.logger, retry)
	}
	t.logger.V(logutil.DEFAULT).Info("Created VRF", "vrf", vrf.name, "id", vrf.id)
	return vrf, nil
}

func (h *vrfHooks) OnChange(db.Entry, *db.Request) (bool, error) {
	// A VRF carries no mutable payload; repeated creates are no-ops.
	return false, nil
}

func (h *vrfHooks) Delete(e db.Entry, _ *db.Request) (bool, error) {
	vrf := e.(*VrfEntry)
	h.table().logger.V(logutil.DEFAULT).Info("Deleting VRF", "vrf", vrf.name,
		"ucRoutes", vrf.routeTables[Inet4Unicast].Size(),
		"mcRoutes", vrf.routeTables[Inet4Multicast].Size(),
		"l2Routes", vrf.routeTables[Layer2].Size())
	return true, nil
}

// CreateVrf requests creation of a VRF. A create racing the retirement of a
// same-named VRF is held and replayed by the reuse protocol.
func (t *VrfTable) CreateVrf(name string) {
	key := VrfKey{Name: name}
	if e := t.dbTable.Find(key, true); e != nil && e.Base().IsDeleted() {
		t.mu.Lock()
		t.pendingCreate[name] = true
		t.mu.Unlock()
		t.logger.V(logutil.DEFAULT).Info("Holding VRF create until retirement", "vrf", name)
		return
	}
	t.dbTable.Enqueue(db.Request{Op: db.OpAddOrUpdate, Key: key})
}

// DeleteVrf requests deletion of a VRF.
func (t *VrfTable) DeleteVrf(name string) {
	t.dbTable.Enqueue(db.Request{Op: db.OpDelete, Key: VrfKey{Name: name}})
}

// PendingCreate implements db.ConfigSource: replay a held create once the
// retiring entry with the same name is gone.
func (t *VrfTable) PendingCreate(_ string, key db.Key) (db.Request, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	name := key.String()
	if !t.pendingCreate[name] {
		return db.Request{}, false
	}
	delete(t.pendingCreate, name)
	return db.Request{Op: db.OpAddOrUpdate, Key: VrfKey{Name: name}}, true
}

// FindVrf returns the live VRF with the given name, or nil.
func (t *VrfTable) FindVrf(name string) *VrfEntry {
	e := t.dbTable.Find(VrfKey{Name: name}, false)
	if e == nil {
		return nil
	}
	return e.(*VrfEntry)
}

// GetRouteTable returns the named VRF's route table for a family, or nil.
func (t *VrfTable) GetRouteTable(vrfName string, tt RouteTableType) *RouteTable {
	vrf := t.FindVrf(vrfName)
	if vrf == nil {
		return nil
	}
	return vrf.GetRouteTable(tt)
}

// Register subscribes a listener on the underlying table.
func (t *VrfTable) Register(cb db.Listener) db.ListenerID { return t.dbTable.Register(cb) }

// Unregister removes a listener subscription.
func (t *VrfTable) Unregister(id db.ListenerID) { t.dbTable.Unregister(id) }

// Walk starts an asynchronous walk over the VRF entries.
func (t *VrfTable) Walk(entryFn db.WalkFn, doneFn db.WalkDoneFn) db.WalkID {
	return t.dbTable.Walk(entryFn, doneFn)
}

// WalkCancel cancels an in-progress walk.
func (t *VrfTable) WalkCancel(id db.WalkID) { t.dbTable.WalkCancel(id) }

// Size returns the number of VRF entries, including those pending delete.
func (t *VrfTable) Size() int { return t.dbTable.Size() }

// Drain blocks until the scheduler is idle. Test and shutdown helper.
func (t *VrfTable) Drain(ctx context.Context) error { return t.sched.WaitForIdle(ctx) }

// PendingRetirement returns the number of VRFs awaiting destruction.
func (t *VrfTable) PendingRetirement() int { return t.lt.PendingCount() }

// Dump logs diagnostic state for fatal-error reports.
func (t *VrfTable) Dump(logger logr.Logger) {
	t.dbTable.Dump(logger)
	logger.Info("VRF lifetime state", "pendingActors", t.lt.PendingCount(),
		"nextID", fmt.Sprintf("%d", t.nextID.Load()))
}
