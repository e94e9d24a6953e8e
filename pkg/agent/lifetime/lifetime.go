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

// Package lifetime implements deferred destruction for reference-counted
// objects. An object that participates enrolls an Actor with the Manager and
// holds the returned Handle. Deletion is a two-phase protocol:
//
//  1. Handle.Delete marks the actor pending. The object stays findable (its
//     owner keeps it marked deleted) so holders can drain their state.
//  2. The Manager retries retirement on a scheduler task: once the reference
//     count is zero and the actor's MayDelete returns true, it calls Shutdown
//     then Destroy, exactly once.
//
// The retirement task runs under a (class, instance) configured at
// construction — the agent uses the db::DBTable class so actors observe a
// quiescent table engine during Destroy.
package lifetime

import (
	"context"
	"sync"

	"github.com/go-logr/logr"

	"github.com/arvindvis/contrail-controller/pkg/agent/scheduler"
	logutil "github.com/arvindvis/contrail-controller/pkg/agent/util/logging"
)

// Actor is the retirement hook attached to a deletable object.
type Actor interface {
	// MayDelete reports whether the owning object has quiesced (no dependent
	// state left). Called repeatedly until it returns true.
	MayDelete() bool
	// Shutdown releases outbound references. This is where reference cycles
	// are broken: back-edges are dropped before Destroy runs.
	Shutdown()
	// Destroy finalizes the object. Called exactly once, strictly after the
	// reference count reached zero and MayDelete returned true.
	Destroy()
}

// Handle is the per-actor state kept by the Manager. Owners embed or hold a
// Handle and drive it with AddRef/ReleaseRef/Delete.
type Handle struct {
	mgr   *Manager
	actor Actor

	mu      sync.Mutex
	refs    int64
	pending bool
	retired bool

	// gate, when set, must report true before retirement proceeds. The table
	// engine installs it so an entry's own holders (references, listener
	// states) keep the actor alive in addition to MayDelete.
	gate func() bool

	// onRetired, when set, runs once after Destroy. The table engine uses it
	// to schedule removal of the retired entry from its shard map.
	onRetired func()

	destroyOnce sync.Once
}

// SetGate installs an additional retirement precondition. Must be set before
// Delete is called.
func (h *Handle) SetGate(gate func() bool) { h.gate = gate }

// SetOnRetired installs a callback invoked once, after Destroy has run. Must
// be set before Delete is called.
func (h *Handle) SetOnRetired(fn func()) { h.onRetired = fn }

// AddRef takes a counted reference on the owning object.
func (h *Handle) AddRef() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.retired {
		panic("lifetime: AddRef on retired actor")
	}
	h.refs++
}

// ReleaseRef drops a counted reference. When the count reaches zero and the
// actor is pending deletion, a retirement attempt is scheduled.
func (h *Handle) ReleaseRef() {
	h.mu.Lock()
	if h.refs == 0 {
		h.mu.Unlock()
		panic("lifetime: ReleaseRef below zero")
	}
	h.refs--
	poke := h.refs == 0 && h.pending && !h.retired
	h.mu.Unlock()
	if poke {
		h.mgr.poke()
	}
}

// Refs returns the current reference count.
func (h *Handle) Refs() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.refs
}

// Delete marks the actor pending retirement and schedules an attempt.
// Idempotent.
func (h *Handle) Delete() {
	h.mu.Lock()
	if h.pending || h.retired {
		h.mu.Unlock()
		return
	}
	h.pending = true
	h.mu.Unlock()
	h.mgr.markPending(h)
}

// RetryDelete schedules another retirement attempt. Dependents call this
// when state blocking MayDelete has drained; a ReleaseRef to zero pokes
// automatically, but MayDelete conditions have no implicit trigger.
func (h *Handle) RetryDelete() {
	h.mu.Lock()
	retry := h.pending && !h.retired
	h.mu.Unlock()
	if retry {
		h.mgr.poke()
	}
}

// IsDeleted reports whether Delete has been called.
func (h *Handle) IsDeleted() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.pending || h.retired
}

// IsRetired reports whether Destroy has run.
func (h *Handle) IsRetired() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.retired
}

// readyLocked reports whether retirement may proceed now. Caller holds h.mu.
func (h *Handle) readyLocked() bool {
	return h.pending && !h.retired && h.refs == 0
}

// Manager retries retirement of pending actors on a scheduler task.
type Manager struct {
	sched    *scheduler.TaskScheduler
	class    scheduler.ClassID
	instance string
	logger   logr.Logger

	mu      sync.Mutex
	pending map[*Handle]struct{}
	posted  bool
}

// NewManager creates a Manager whose retirement task runs under
// (class, instance) on sched.
func NewManager(sched *scheduler.TaskScheduler, class scheduler.ClassID, instance string, logger logr.Logger) *Manager {
	return &Manager{
		sched:    sched,
		class:    class,
		instance: instance,
		logger:   logger.WithName("lifetime-manager"),
		pending:  make(map[*Handle]struct{}),
	}
}

// Register enrolls an actor and returns its Handle.
func (m *Manager) Register(actor Actor) *Handle {
	return &Handle{mgr: m, actor: actor}
}

func (m *Manager) markPending(h *Handle) {
	m.mu.Lock()
	m.pending[h] = struct{}{}
	m.mu.Unlock()
	m.poke()
}

// poke schedules a retirement scan if one is not already queued.
func (m *Manager) poke() {
	m.mu.Lock()
	if m.posted {
		m.mu.Unlock()
		return
	}
	m.posted = true
	m.mu.Unlock()
	m.sched.Enqueue(m.class, m.instance, m.runRetirement)
}

// runRetirement scans pending actors and retires the ones that are ready.
// Actors that are not ready stay pending; a later ReleaseRef or poke retries.
func (m *Manager) runRetirement(context.Context) bool {
	m.mu.Lock()
	m.posted = false
	candidates := make([]*Handle, 0, len(m.pending))
	for h := range m.pending {
		candidates = append(candidates, h)
	}
	m.mu.Unlock()

	for _, h := range candidates {
		h.mu.Lock()
		ready := h.readyLocked()
		h.mu.Unlock()
		if !ready || (h.gate != nil && !h.gate()) || !h.actor.MayDelete() {
			continue
		}

		h.destroyOnce.Do(func() {
			h.actor.Shutdown()
			h.actor.Destroy()
		})
		h.mu.Lock()
		h.retired = true
		h.mu.Unlock()

		m.mu.Lock()
		delete(m.pending, h)
		m.mu.Unlock()
		if h.onRetired != nil {
			h.onRetired()
		}
		m.logger.V(logutil.DEBUG).Info("Retired actor")
	}
	return true
}

// PendingCount returns the number of actors awaiting retirement. Used by
// diagnostic dumps.
func (m *Manager) PendingCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}
