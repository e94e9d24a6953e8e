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
	"github.com/go-logr/logr"
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/arvindvis/contrail-controller/pkg/agent/db"
	"github.com/arvindvis/contrail-controller/pkg/agent/scheduler"
)

// InterfaceType discriminates interface entries.
type InterfaceType int

const (
	// InterfaceVMPort is a tap interface bound to a VM.
	InterfaceVMPort InterfaceType = iota
	// InterfacePhysical is a fabric-facing port.
	InterfacePhysical
	// InterfaceVHost is the host's own vhost interface.
	InterfaceVHost
)

// InterfaceKey identifies an interface by name.
type InterfaceKey struct {
	Name string
}

func (k InterfaceKey) String() string { return k.Name }

// InterfaceEntry is one dataplane interface. VM-port interfaces carry the
// configured name of the VM bound to them, consumed by the flow export path.
type InterfaceEntry struct {
	db.EntryBase

	name   string
	index  uint32
	itype  InterfaceType
	vmName string
}

func (i *InterfaceEntry) EntryKey() db.Key { return InterfaceKey{Name: i.name} }

func (i *InterfaceEntry) Name() string { return i.name }

func (i *InterfaceEntry) Index() uint32 { return i.index }

func (i *InterfaceEntry) Type() InterfaceType { return i.itype }

// VMName returns the bound VM's configured name, or "" for non-VM ports.
func (i *InterfaceEntry) VMName() string { return i.vmName }

// InterfaceData is the payload of an interface upsert.
type InterfaceData struct {
	Index  uint32
	Type   InterfaceType
	VMName string
}

// InterfaceTable holds the operational interfaces, keyed by name, with a
// secondary index by kernel interface index for the flow export path.
type InterfaceTable struct {
	logger  logr.Logger
	dbTable *db.Table
	byIndex *xsync.MapOf[uint32, *InterfaceEntry]

	// onIndexChange fires when the entry for an index is replaced or removed,
	// letting the VM name cache invalidate.
	onIndexChange func(index uint32)
}

// NewInterfaceTable builds the interface table on the given scheduler.
func NewInterfaceTable(sched *scheduler.TaskScheduler, logger logr.Logger) *InterfaceTable {
	t := &InterfaceTable{
		logger:  logger.WithName("interface-table"),
		byIndex: xsync.NewMapOf[uint32, *InterfaceEntry](),
	}
	t.dbTable = db.NewTable("db.interface.0", (*interfaceHooks)(t), sched, logger, db.Options{})
	return t
}

// SetIndexChangeHandler installs the invalidation hook. Must be called before
// requests are enqueued.
func (t *InterfaceTable) SetIndexChangeHandler(fn func(index uint32)) { t.onIndexChange = fn }

type interfaceHooks InterfaceTable

func (h *interfaceHooks) table() *InterfaceTable { return (*InterfaceTable)(h) }

func (h *interfaceHooks) Add(req *db.Request) (db.Entry, error) {
	t := h.table()
	key := req.Key.(InterfaceKey)
	data := req.Data.(InterfaceData)
	e := &InterfaceEntry{
		name:   key.Name,
		index:  data.Index,
		itype:  data.Type,
		vmName: data.VMName,
	}
	t.byIndex.Store(e.index, e)
	t.notifyIndex(e.index)
	return e, nil
}

func (h *interfaceHooks) OnChange(entry db.Entry, req *db.Request) (bool, error) {
	t := h.table()
	e := entry.(*InterfaceEntry)
	data := req.Data.(InterfaceData)
	if e.index == data.Index && e.itype == data.Type && e.vmName == data.VMName {
		return false, nil
	}
	if e.index != data.Index {
		t.dropIndex(e)
	}
	e.index = data.Index
	e.itype = data.Type
	e.vmName = data.VMName
	t.byIndex.Store(e.index, e)
	t.notifyIndex(e.index)
	return true, nil
}

func (h *interfaceHooks) Delete(entry db.Entry, _ *db.Request) (bool, error) {
	h.table().dropIndex(entry.(*InterfaceEntry))
	return true, nil
}

func (t *InterfaceTable) dropIndex(e *InterfaceEntry) {
	if cur, ok := t.byIndex.Load(e.index); ok && cur == e {
		t.byIndex.Delete(e.index)
	}
	t.notifyIndex(e.index)
}

func (t *InterfaceTable) notifyIndex(index uint32) {
	if t.onIndexChange != nil {
		t.onIndexChange(index)
	}
}

// AddInterface upserts an interface.
func (t *InterfaceTable) AddInterface(name string, data InterfaceData) {
	t.dbTable.Enqueue(db.Request{Op: db.OpAddOrUpdate, Key: InterfaceKey{Name: name}, Data: data})
}

// DeleteInterface requests removal of an interface.
func (t *InterfaceTable) DeleteInterface(name string) {
	t.dbTable.Enqueue(db.Request{Op: db.OpDelete, Key: InterfaceKey{Name: name}})
}

// FindInterface returns the live interface with the given name, or nil.
func (t *InterfaceTable) FindInterface(name string) *InterfaceEntry {
	e := t.dbTable.Find(InterfaceKey{Name: name}, false)
	if e == nil {
		return nil
	}
	return e.(*InterfaceEntry)
}

// FindByIndex returns the interface holding a kernel index, or nil.
func (t *InterfaceTable) FindByIndex(index uint32) *InterfaceEntry {
	e, ok := t.byIndex.Load(index)
	if !ok {
		return nil
	}
	return e
}

// ResolveVM maps an interface index to its bound VM name. Shaped to plug into
// the export path's VM name cache.
func (t *InterfaceTable) ResolveVM(index uint32) (string, bool) {
	e := t.FindByIndex(index)
	if e == nil || e.itype != InterfaceVMPort || e.vmName == "" {
		return "", false
	}
	return e.vmName, true
}

// Register subscribes a listener on the underlying table.
func (t *InterfaceTable) Register(cb db.Listener) db.ListenerID { return t.dbTable.Register(cb) }

// Size returns the number of interfaces, including those pending delete.
func (t *InterfaceTable) Size() int { return t.dbTable.Size() }
