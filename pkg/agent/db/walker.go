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
	"context"
	"sync"
	"sync/atomic"

	logutil "github.com/arvindvis/contrail-controller/pkg/agent/util/logging"
)

// WalkID identifies an in-progress walk.
type WalkID uint64

// InvalidWalkID is the zero value; no walk ever carries it.
const InvalidWalkID WalkID = 0

// WalkFn is invoked for each entry visited. Returning false aborts the walk
// (equivalent to cancellation).
type WalkFn func(e Entry) bool

// WalkDoneFn runs exactly once when a walk finishes. completed is false when
// the walk was cancelled or aborted by its WalkFn.
type WalkDoneFn func(t *Table, completed bool)

// walkState is one asynchronous iteration: a task per shard under the
// table's class, sharing the shard drain instance so walker callbacks are
// serialized with mutations of the shard they are visiting.
type walkState struct {
	id        WalkID
	table     *Table
	entryFn   WalkFn
	doneFn    WalkDoneFn
	cancelled atomic.Bool
	remaining atomic.Int32
	doneOnce  sync.Once
}

// walkRegistry tracks outstanding walks for a table.
type walkRegistry struct {
	t      *Table
	mu     sync.Mutex
	nextID WalkID
	walks  map[WalkID]*walkState
}

func newWalkRegistry(t *Table) *walkRegistry {
	return &walkRegistry{t: t, nextID: 1, walks: make(map[WalkID]*walkState)}
}

// walkTable submits one task per shard. Each shard task iterates a committed
// snapshot of its entries, skipping entries deleted before the walker reaches
// them. Entries added after walk start may or may not be visited.
func (wr *walkRegistry) walkTable(entryFn WalkFn, doneFn WalkDoneFn) WalkID {
	ws := &walkState{
		table:   wr.t,
		entryFn: entryFn,
		doneFn:  doneFn,
	}
	ws.remaining.Store(int32(len(wr.t.shards)))

	wr.mu.Lock()
	ws.id = wr.nextID
	wr.nextID++
	wr.walks[ws.id] = ws
	wr.mu.Unlock()

	wr.t.logger.V(logutil.DEBUG).Info("Starting walk", "walkID", ws.id)
	for _, s := range wr.t.shards {
		s := s
		wr.t.sched.Enqueue(wr.t.class, wr.t.taskKey(s.id), func(ctx context.Context) bool {
			ws.visitShard(s)
			return true
		})
	}
	return ws.id
}

// cancel flags a walk; shard tasks notice between entries and exit early.
// The done callback still runs exactly once.
func (wr *walkRegistry) cancel(id WalkID) {
	wr.mu.Lock()
	ws, ok := wr.walks[id]
	wr.mu.Unlock()
	if !ok {
		return
	}
	ws.cancelled.Store(true)
	wr.t.logger.V(logutil.DEBUG).Info("Cancelled walk", "walkID", id)
}

// outstanding returns the ids of walks that have not finished.
func (wr *walkRegistry) outstanding() []WalkID {
	wr.mu.Lock()
	defer wr.mu.Unlock()
	ids := make([]WalkID, 0, len(wr.walks))
	for id := range wr.walks {
		ids = append(ids, id)
	}
	return ids
}

func (wr *walkRegistry) finish(ws *walkState) {
	wr.mu.Lock()
	delete(wr.walks, ws.id)
	wr.mu.Unlock()
}

// visitShard iterates one shard's snapshot on the shard's task instance.
func (ws *walkState) visitShard(s *shard) {
	if !ws.cancelled.Load() {
		for _, e := range s.snapshot() {
			if ws.cancelled.Load() {
				break
			}
			if e.Base().IsDeleted() {
				continue
			}
			if !ws.entryFn(e) {
				ws.cancelled.Store(true)
				break
			}
		}
	}
	if ws.remaining.Add(-1) == 0 {
		ws.complete()
	}
}

// complete posts the done callback on the table's class, exactly once.
func (ws *walkState) complete() {
	ws.doneOnce.Do(func() {
		t := ws.table
		completed := !ws.cancelled.Load()
		t.walkers.finish(ws)
		t.sched.Enqueue(t.class, t.name+":walk-done", func(ctx context.Context) bool {
			t.logger.V(logutil.DEBUG).Info("Walk done", "walkID", ws.id, "completed", completed)
			if ws.doneFn != nil {
				ws.doneFn(t, completed)
			}
			return true
		})
	})
}
