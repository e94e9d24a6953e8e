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
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedEntries(h *tableHarness, n int) {
	h.t.Helper()
	for i := 0; i < n; i++ {
		h.table.Enqueue(Request{Op: OpAddOrUpdate, Key: testKey(fmt.Sprintf("w%03d", i)), Data: "v"})
	}
	h.drain()
	require.Equal(h.t, n, h.table.Size())
}

func TestWalkVisitsAllEntries(t *testing.T) {
	h := newTableHarness(t, Options{})
	seedEntries(h, 100)

	var mu sync.Mutex
	visited := map[string]int{}
	var doneCount atomic.Int64
	var doneCompleted atomic.Bool

	h.table.Walk(
		func(e Entry) bool {
			mu.Lock()
			visited[e.EntryKey().String()]++
			mu.Unlock()
			return true
		},
		func(_ *Table, completed bool) {
			doneCount.Add(1)
			doneCompleted.Store(completed)
		},
	)
	h.drain()

	require.Equal(t, int64(1), doneCount.Load(), "done callback fires exactly once")
	assert.True(t, doneCompleted.Load())
	mu.Lock()
	defer mu.Unlock()
	require.Len(t, visited, 100)
	for key, n := range visited {
		assert.Equal(t, 1, n, "entry %s visited more than once", key)
	}
}

func TestWalkCancelStillCompletesOnce(t *testing.T) {
	h := newTableHarness(t, Options{})
	seedEntries(h, 100)

	var visits atomic.Int64
	var doneCount atomic.Int64
	var doneCompleted atomic.Bool

	// Hold the class so cancellation lands before any shard task runs.
	h.sched.Stop(h.class)
	id := h.table.Walk(
		func(Entry) bool {
			visits.Add(1)
			return true
		},
		func(_ *Table, completed bool) {
			doneCount.Add(1)
			doneCompleted.Store(completed)
		},
	)
	h.table.WalkCancel(id)
	h.sched.Start(h.class)
	h.drain()

	assert.Equal(t, int64(0), visits.Load(), "cancelled walk visits nothing")
	require.Equal(t, int64(1), doneCount.Load(), "done callback still fires exactly once")
	assert.False(t, doneCompleted.Load())
	assert.Empty(t, h.table.walkers.outstanding())
}

func TestWalkAbortFromEntryFn(t *testing.T) {
	h := newTableHarness(t, Options{Partitions: 1})
	seedEntries(h, 20)

	var visits atomic.Int64
	var doneCompleted atomic.Bool
	doneCompleted.Store(true)

	h.table.Walk(
		func(Entry) bool {
			return visits.Add(1) < 5
		},
		func(_ *Table, completed bool) { doneCompleted.Store(completed) },
	)
	h.drain()

	assert.Equal(t, int64(5), visits.Load(), "walk stops at the aborting entry")
	assert.False(t, doneCompleted.Load(), "aborted walk reports non-completion")
}

func TestWalkSkipsDeletedEntries(t *testing.T) {
	h := newTableHarness(t, Options{})
	seedEntries(h, 50)

	// Delete half, drain so the deletes are committed, then walk.
	for i := 0; i < 25; i++ {
		h.table.Enqueue(Request{Op: OpDelete, Key: testKey(fmt.Sprintf("w%03d", i))})
	}
	h.drain()

	var visits atomic.Int64
	h.table.Walk(
		func(Entry) bool {
			visits.Add(1)
			return true
		},
		nil,
	)
	h.drain()
	assert.Equal(t, int64(25), visits.Load())
}

func TestWalkConcurrentWithDeletes(t *testing.T) {
	h := newTableHarness(t, Options{})
	seedEntries(h, 100)

	var doneCount atomic.Int64
	var visits atomic.Int64
	done := make(chan struct{})

	h.table.Walk(
		func(Entry) bool {
			visits.Add(1)
			return true
		},
		func(*Table, bool) {
			doneCount.Add(1)
			close(done)
		},
	)
	for i := 0; i < 100; i++ {
		h.table.Enqueue(Request{Op: OpDelete, Key: testKey(fmt.Sprintf("w%03d", i))})
	}
	h.drain()
	<-done

	assert.Equal(t, int64(1), doneCount.Load())
	assert.LessOrEqual(t, visits.Load(), int64(100))
	assert.Equal(t, 0, h.table.Size())
}

func TestWalkIDsAreUnique(t *testing.T) {
	h := newTableHarness(t, Options{})
	seedEntries(h, 10)

	seen := map[WalkID]bool{}
	for i := 0; i < 5; i++ {
		id := h.table.Walk(func(Entry) bool { return true }, nil)
		require.NotEqual(t, InvalidWalkID, id)
		require.False(t, seen[id], "walk id reused")
		seen[id] = true
	}
	h.drain()
	assert.Empty(t, h.table.walkers.outstanding())
}
