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

package db

import (
	"sync"
	"sync/atomic"

	"k8s.io/utils/clock"

	"github.com/arvindvis/contrail-controller/pkg/agent/lifetime"
)

// ListenerID identifies a listener subscription on a table.
type ListenerID int

// InvalidListenerID is returned by Register on a shut-down table.
const InvalidListenerID ListenerID = -1

// DBState is an opaque per-listener handle attached to an entry. Listeners
// use it to keep bookkeeping alongside the entry between notifications; an
// entry cannot retire while any listener state is attached.
type DBState interface{}

// Entry is implemented by all table entries. Concrete entries embed EntryBase
// and add their key and payload.
type Entry interface {
	// EntryKey returns the immutable key of the entry.
	EntryKey() Key
	// Base returns the embedded EntryBase.
	Base() *EntryBase
}

// EntryBase carries the engine-owned portion of an entry: the deleted flag,
// the reference count, the per-listener state side-table, and the optional
// lifetime hook. Mutation of the deleted flag happens only on the owning
// shard's task; the reference count and state table are the cross-task
// mutable primitives and are individually synchronized.
type EntryBase struct {
	deleted   atomic.Bool
	refs      atomic.Int64
	onRemoveQ atomic.Bool

	stateMu sync.Mutex
	states  map[ListenerID]DBState

	// deleter is the optional lifetime hook; nil means unconditional
	// retirement once the refcount is zero and all states are detached.
	deleter *lifetime.Handle

	// deleteTimer bounds the time between Delete and retirement.
	deleteTimer clock.Timer

	// retireFn is installed by the owning shard so reference releases can
	// re-arm the remove queue without a back-pointer to the table.
	retireFn func()
}

// Base implements Entry for embedders.
func (e *EntryBase) Base() *EntryBase { return e }

// IsDeleted reports whether the entry has been marked deleted.
func (e *EntryBase) IsDeleted() bool { return e.deleted.Load() }

// AddRef takes a counted reference on the entry.
func (e *EntryBase) AddRef() { e.refs.Add(1) }

// ReleaseRef drops a counted reference. Dropping the last reference on a
// deleted entry schedules a retirement attempt.
func (e *EntryBase) ReleaseRef() {
	if e.refs.Add(-1) == 0 && e.deleted.Load() {
		e.retryRetire()
	}
}

// retryRetire re-arms retirement after a holder drained: the lifetime actor
// is poked first (Destroy runs on the manager's task), then the shard's
// remove queue.
func (e *EntryBase) retryRetire() {
	if e.deleter != nil {
		e.deleter.RetryDelete()
	}
	if e.retireFn != nil {
		e.retireFn()
	}
}

// Refs returns the current reference count.
func (e *EntryBase) Refs() int64 { return e.refs.Load() }

// SetState attaches (or replaces) the listener's opaque handle on the entry.
func (e *EntryBase) SetState(id ListenerID, state DBState) {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	if e.states == nil {
		e.states = make(map[ListenerID]DBState)
	}
	e.states[id] = state
}

// GetState returns the listener's handle, or nil.
func (e *EntryBase) GetState(id ListenerID) DBState {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	return e.states[id]
}

// ClearState detaches the listener's handle. Detaching the last state from a
// deleted zero-ref entry schedules a retirement attempt.
func (e *EntryBase) ClearState(id ListenerID) {
	e.stateMu.Lock()
	delete(e.states, id)
	empty := len(e.states) == 0
	e.stateMu.Unlock()
	if empty && e.deleted.Load() && e.refs.Load() == 0 {
		e.retryRetire()
	}
}

// StateCount returns the number of attached listener states.
func (e *EntryBase) StateCount() int {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	return len(e.states)
}

// SetDeleter attaches a lifetime hook. Must be set before the entry is
// published to the table (typically inside the Add hook).
func (e *EntryBase) SetDeleter(h *lifetime.Handle) { e.deleter = h }

// Deleter returns the lifetime hook, or nil.
func (e *EntryBase) Deleter() *lifetime.Handle { return e.deleter }

// holdersDrained reports whether every counted reference and listener state
// on the entry has been released.
func (e *EntryBase) holdersDrained() bool {
	e.stateMu.Lock()
	empty := len(e.states) == 0
	e.stateMu.Unlock()
	return e.refs.Load() == 0 && empty
}

// retireReady reports whether the entry may be removed from its shard map: it
// is deleted, nothing holds it, and its lifetime actor (if any) has been
// destroyed. Until then lookups by key must still find the entry.
func (e *EntryBase) retireReady() bool {
	if e.deleter != nil && !e.deleter.IsRetired() {
		return false
	}
	return e.deleted.Load() && e.holdersDrained()
}
