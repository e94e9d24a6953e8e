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
	"sync"

	"github.com/go-logr/logr"
	"github.com/google/btree"
	"github.com/puzpuzpuz/xsync/v3"

	logutil "github.com/arvindvis/contrail-controller/pkg/agent/util/logging"
)

const flowTreeDegree = 16

// Table holds the userspace flow entries: an ordered index by 5-tuple for the
// aging iterator and a handle index for kernel-event lookups. Mutations run
// on the flow handler task; reads may come from any task.
type Table struct {
	logger logr.Logger

	// mu guards tree: mutations run on the flow handler task, but Find,
	// Size, and the iterator snapshot are also reachable from arbitrary
	// goroutines (flow installers, the metrics scrape).
	mu       sync.RWMutex
	tree     *btree.BTreeG[*FlowEntry]
	byHandle *xsync.MapOf[uint32, *FlowEntry]
}

// NewTable creates an empty flow table.
func NewTable(logger logr.Logger) *Table {
	return &Table{
		logger: logger.WithName("flow-table"),
		tree: btree.NewG[*FlowEntry](flowTreeDegree, func(a, b *FlowEntry) bool {
			return a.Key.Compare(b.Key) < 0
		}),
		byHandle: xsync.NewMapOf[uint32, *FlowEntry](),
	}
}

// Add inserts an entry. Replacing an existing key is an error on the caller's
// side; the previous entry is unlinked and logged.
func (t *Table) Add(e *FlowEntry) {
	e.setState(StateNew)
	t.mu.Lock()
	prev, had := t.tree.ReplaceOrInsert(e)
	t.mu.Unlock()
	if had {
		t.logger.V(logutil.DEFAULT).Info("Replaced existing flow entry", "key", e.Key.String())
		t.dropHandle(prev)
	}
	if e.FlowHandle != InvalidFlowHandle {
		t.byHandle.Store(e.FlowHandle, e)
	}
}

// LinkPair makes fwd and rev each other's reverse flow.
func (t *Table) LinkPair(fwd, rev *FlowEntry) {
	fwd.Reverse = rev
	rev.Reverse = fwd
}

// Find returns the entry for key, or nil.
func (t *Table) Find(key FlowKey) *FlowEntry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.tree.Get(&FlowEntry{Key: key})
	if !ok {
		return nil
	}
	return e
}

// FindByHandle returns the entry holding the kernel slot, or nil.
func (t *Table) FindByHandle(handle uint32) *FlowEntry {
	e, ok := t.byHandle.Load(handle)
	if !ok {
		return nil
	}
	return e
}

// Delete removes the entry for key, and its reverse partner when withReverse
// is set. Removed entries transition to DELETED and are unlinked from their
// partners. Returns the removed primary entry, or nil.
func (t *Table) Delete(key FlowKey, withReverse bool) *FlowEntry {
	e := t.Find(key)
	if e == nil {
		return nil
	}
	t.remove(e)
	rev := e.Reverse
	if rev != nil {
		rev.Reverse = nil
		e.Reverse = nil
		if withReverse {
			t.remove(rev)
		}
	}
	return e
}

func (t *Table) remove(e *FlowEntry) {
	t.mu.Lock()
	t.tree.Delete(e)
	t.mu.Unlock()
	t.dropHandle(e)
	e.setState(StateDeleted)
}

func (t *Table) dropHandle(e *FlowEntry) {
	if e.FlowHandle == InvalidFlowHandle {
		return
	}
	if cur, ok := t.byHandle.Load(e.FlowHandle); ok && cur == e {
		t.byHandle.Delete(e.FlowHandle)
	}
}

// Size returns the number of entries.
func (t *Table) Size() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.tree.Len()
}

// ascendFrom returns entries in key order starting at the strict successor of
// after. With valid=false (or when nothing follows after), iteration starts
// at the beginning, mirroring the aging loop's wrap-at-pass-start behavior.
func (t *Table) ascendFrom(after FlowKey, valid bool) []*FlowEntry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*FlowEntry, 0, t.tree.Len())
	collect := func(e *FlowEntry) bool {
		out = append(out, e)
		return true
	}
	if valid {
		t.tree.AscendGreaterOrEqual(&FlowEntry{Key: after}, func(e *FlowEntry) bool {
			if e.Key.Compare(after) == 0 {
				return true
			}
			return collect(e)
		})
		if len(out) > 0 {
			return out
		}
	}
	t.tree.Ascend(collect)
	return out
}
