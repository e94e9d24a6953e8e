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
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clocktesting "k8s.io/utils/clock/testing"

	"github.com/arvindvis/contrail-controller/pkg/agent/lifetime"
	"github.com/arvindvis/contrail-controller/pkg/agent/scheduler"
	"github.com/arvindvis/contrail-controller/pkg/common/observability/logging"
)

type testKey string

func (k testKey) String() string { return string(k) }

type testEntry struct {
	EntryBase
	key testKey
	id  int64

	mu   sync.Mutex
	data string
}

func (e *testEntry) EntryKey() Key { return e.key }

func (e *testEntry) Data() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.data
}

// testHooks implements a minimal concrete table: entries carry a string
// payload and a monotonically assigned id.
type testHooks struct {
	nextID atomic.Int64
	lt     *lifetime.Manager

	// blockRetirement makes every actor's MayDelete report false.
	blockRetirement atomic.Bool
}

func (h *testHooks) Add(req *Request) (Entry, error) {
	e := &testEntry{
		key:  req.Key.(testKey),
		id:   h.nextID.Add(1),
		data: req.Data.(string),
	}
	if h.lt != nil {
		e.SetDeleter(h.lt.Register(&testActor{entry: e, hooks: h}))
	}
	return e, nil
}

func (h *testHooks) OnChange(e Entry, req *Request) (bool, error) {
	te := e.(*testEntry)
	next := req.Data.(string)
	te.mu.Lock()
	defer te.mu.Unlock()
	if te.data == next {
		return false, nil
	}
	te.data = next
	return true, nil
}

func (h *testHooks) Delete(Entry, *Request) (bool, error) { return true, nil }

type testActor struct {
	entry     *testEntry
	hooks     *testHooks
	shutdowns atomic.Int64
	destroys  atomic.Int64
}

func (a *testActor) MayDelete() bool { return !a.hooks.blockRetirement.Load() }
func (a *testActor) Shutdown()       { a.shutdowns.Add(1) }
func (a *testActor) Destroy()        { a.destroys.Add(1) }

type opRecord struct {
	key string
	op  Op
}

// opRecorder is a listener capturing notifications in delivery order.
type opRecorder struct {
	mu  sync.Mutex
	ops []opRecord
}

func (r *opRecorder) listen(e Entry, op Op) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ops = append(r.ops, opRecord{key: e.EntryKey().String(), op: op})
}

func (r *opRecorder) snapshot() []opRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]opRecord, len(r.ops))
	copy(out, r.ops)
	return out
}

type tableHarness struct {
	t     *testing.T
	sched *scheduler.TaskScheduler
	class scheduler.ClassID
	hooks *testHooks
	table *Table
}

func newTableHarness(t *testing.T, opts Options) *tableHarness {
	t.Helper()
	logger := logging.NewTestLogger()
	sched := scheduler.New(4, logger)
	hooks := &testHooks{}
	table := NewTable("test.0", hooks, sched, logger, opts)
	return &tableHarness{
		t:     t,
		sched: sched,
		class: sched.ClassID(TaskClassName),
		hooks: hooks,
		table: table,
	}
}

// drain waits for every queued task to finish.
func (h *tableHarness) drain() {
	h.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(h.t, h.sched.WaitForIdle(ctx), "scheduler did not drain")
}

func TestTableAddThenFind(t *testing.T) {
	h := newTableHarness(t, Options{})

	h.table.Enqueue(Request{Op: OpAddOrUpdate, Key: testKey("blue"), Data: "v1"})
	h.drain()

	e := h.table.Find(testKey("blue"), false)
	require.NotNil(t, e, "entry should be committed after drain")
	te := e.(*testEntry)
	assert.Equal(t, "v1", te.Data())
	assert.Equal(t, int64(1), te.id)
	assert.Equal(t, 1, h.table.Size())

	assert.Nil(t, h.table.Find(testKey("green"), false))
}

func TestTableChangeNotifiedOnceForSameData(t *testing.T) {
	h := newTableHarness(t, Options{})
	rec := &opRecorder{}
	h.table.Register(rec.listen)

	h.table.Enqueue(Request{Op: OpAddOrUpdate, Key: testKey("k"), Data: "v1"})
	h.drain()
	h.table.Enqueue(Request{Op: OpAddOrUpdate, Key: testKey("k"), Data: "v2"})
	h.table.Enqueue(Request{Op: OpAddOrUpdate, Key: testKey("k"), Data: "v2"})
	h.drain()

	// ADD, one CHANGE; the second identical update is suppressed.
	ops := rec.snapshot()
	require.Len(t, ops, 2)
	assert.Equal(t, OpAddOrUpdate, ops[0].op)
	assert.Equal(t, OpAddOrUpdate, ops[1].op)
	assert.Equal(t, "v2", h.table.Find(testKey("k"), false).(*testEntry).Data())
}

func TestTableAddDeleteLeavesEmpty(t *testing.T) {
	h := newTableHarness(t, Options{})

	for i := 0; i < 50; i++ {
		h.table.Enqueue(Request{Op: OpAddOrUpdate, Key: testKey(fmt.Sprintf("e%d", i)), Data: "v"})
	}
	h.drain()
	require.Equal(t, 50, h.table.Size())

	for i := 0; i < 50; i++ {
		h.table.Enqueue(Request{Op: OpDelete, Key: testKey(fmt.Sprintf("e%d", i))})
	}
	h.drain()
	assert.Equal(t, 0, h.table.Size())
}

func TestTableDeleteHeldByListenerState(t *testing.T) {
	h := newTableHarness(t, Options{})
	h.hooks.lt = lifetime.NewManager(h.sched, h.class, "test.0:lifetime", logging.NewTestLogger())

	var id ListenerID
	id = h.table.Register(func(e Entry, op Op) {
		if op == OpAddOrUpdate && e.Base().GetState(id) == nil {
			e.Base().SetState(id, struct{}{})
		}
	})

	h.table.Enqueue(Request{Op: OpAddOrUpdate, Key: testKey("held"), Data: "v"})
	h.drain()
	e := h.table.Find(testKey("held"), false)
	require.NotNil(t, e)
	actor := e.Base().Deleter()
	require.NotNil(t, actor)

	h.table.Enqueue(Request{Op: OpDelete, Key: testKey("held")})
	h.drain()

	// Deleted but held: still findable with includeDeleted, gone without.
	assert.Nil(t, h.table.Find(testKey("held"), false))
	require.NotNil(t, h.table.Find(testKey("held"), true))
	assert.False(t, actor.IsRetired())

	// Dropping the last listener state releases the entry for retirement.
	e.Base().ClearState(id)
	h.drain()
	assert.Nil(t, h.table.Find(testKey("held"), true))
	assert.True(t, actor.IsRetired())
	assert.Equal(t, 0, h.hooks.lt.PendingCount())
}

func TestTableDeleteHeldByActorMayDelete(t *testing.T) {
	h := newTableHarness(t, Options{})
	h.hooks.lt = lifetime.NewManager(h.sched, h.class, "test.0:lifetime", logging.NewTestLogger())
	h.hooks.blockRetirement.Store(true)

	h.table.Enqueue(Request{Op: OpAddOrUpdate, Key: testKey("gated"), Data: "v"})
	h.drain()
	e := h.table.Find(testKey("gated"), false)
	require.NotNil(t, e)
	actor := e.Base().Deleter()
	require.NotNil(t, actor)

	h.table.Enqueue(Request{Op: OpDelete, Key: testKey("gated")})
	h.drain()

	// Zero refs and no listener states, but the actor withholds MayDelete:
	// the entry must remain findable and nothing may be destroyed.
	assert.Nil(t, h.table.Find(testKey("gated"), false))
	require.NotNil(t, h.table.Find(testKey("gated"), true))
	assert.False(t, actor.IsRetired())
	assert.Equal(t, 1, h.hooks.lt.PendingCount())

	h.hooks.blockRetirement.Store(false)
	actor.RetryDelete()
	h.drain()
	assert.Nil(t, h.table.Find(testKey("gated"), true))
	assert.True(t, actor.IsRetired())
	assert.Equal(t, 0, h.hooks.lt.PendingCount())
}

func TestTableDeleteTimerTripsOnStuckActor(t *testing.T) {
	fake := clocktesting.NewFakeClock(time.Now())
	h := newTableHarness(t, Options{Clock: fake})
	h.hooks.lt = lifetime.NewManager(h.sched, h.class, "test.0:lifetime", logging.NewTestLogger())
	h.hooks.blockRetirement.Store(true)

	h.table.Enqueue(Request{Op: OpAddOrUpdate, Key: testKey("stuck"), Data: "v"})
	h.drain()
	h.table.Enqueue(Request{Op: OpDelete, Key: testKey("stuck")})
	h.drain()

	// The actor never permits retirement, so the leak detector must fire.
	assert.Panics(t, func() { fake.Step(DefaultDeleteTimeout + time.Second) })
}

func TestTableDeleteHeldByReference(t *testing.T) {
	h := newTableHarness(t, Options{})

	h.table.Enqueue(Request{Op: OpAddOrUpdate, Key: testKey("ref"), Data: "v"})
	h.drain()
	e := h.table.Find(testKey("ref"), false)
	require.NotNil(t, e)
	e.Base().AddRef()

	h.table.Enqueue(Request{Op: OpDelete, Key: testKey("ref")})
	h.drain()
	require.NotNil(t, h.table.Find(testKey("ref"), true))

	e.Base().ReleaseRef()
	h.drain()
	assert.Nil(t, h.table.Find(testKey("ref"), true))
}

func TestTableUpdateIgnoredWhilePendingDelete(t *testing.T) {
	h := newTableHarness(t, Options{})

	h.table.Enqueue(Request{Op: OpAddOrUpdate, Key: testKey("x"), Data: "v1"})
	h.drain()
	e := h.table.Find(testKey("x"), false)
	e.Base().AddRef()

	h.table.Enqueue(Request{Op: OpDelete, Key: testKey("x")})
	h.table.Enqueue(Request{Op: OpAddOrUpdate, Key: testKey("x"), Data: "v2"})
	h.drain()

	// The update raced the pending delete and is dropped; the reuse protocol
	// (ConfigSource) is the path that preserves re-creation intent.
	assert.Equal(t, "v1", h.table.Find(testKey("x"), true).(*testEntry).Data())
	e.Base().ReleaseRef()
	h.drain()
}

// pendingSource replays one queued re-create per key when consulted.
type pendingSource struct {
	mu      sync.Mutex
	pending map[string]Request
}

func (p *pendingSource) PendingCreate(_ string, key Key) (Request, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	req, ok := p.pending[key.String()]
	if ok {
		delete(p.pending, key.String())
	}
	return req, ok
}

func TestTableReuseResyncsFromConfig(t *testing.T) {
	src := &pendingSource{pending: map[string]Request{
		"vrf-1": {Op: OpAddOrUpdate, Key: testKey("vrf-1"), Data: "recreated"},
	}}
	h := newTableHarness(t, Options{Config: src})

	h.table.Enqueue(Request{Op: OpAddOrUpdate, Key: testKey("vrf-1"), Data: "v1"})
	h.drain()
	first := h.table.Find(testKey("vrf-1"), false).(*testEntry)

	h.table.Enqueue(Request{Op: OpDelete, Key: testKey("vrf-1")})
	h.drain()

	// The old entry retired and the queued re-create was replayed.
	e := h.table.Find(testKey("vrf-1"), false)
	require.NotNil(t, e, "re-create should have been resynced at retirement")
	te := e.(*testEntry)
	assert.Equal(t, "recreated", te.Data())
	assert.Greater(t, te.id, first.id, "resync must build a fresh entry")
}

func TestTableOverloadWatermarks(t *testing.T) {
	var raised, cleared atomic.Int64
	h := newTableHarness(t, Options{
		Partitions: 1,
		Overload: func(overloaded bool) {
			if overloaded {
				raised.Add(1)
			} else {
				cleared.Add(1)
			}
		},
	})

	// Hold the drain task so the queue builds up.
	h.sched.Stop(h.class)
	accepted := true
	for i := 0; i < queueHighWater+10; i++ {
		accepted = h.table.Enqueue(Request{Op: OpAddOrUpdate, Key: testKey(fmt.Sprintf("k%d", i)), Data: "v"})
	}
	assert.False(t, accepted, "enqueue past the high-water mark must report overload")
	assert.Equal(t, int64(1), raised.Load(), "overload raised exactly once per episode")

	h.sched.Start(h.class)
	h.drain()
	assert.Equal(t, int64(1), cleared.Load(), "overload cleared after recovery")
	assert.Equal(t, queueHighWater+10, h.table.Size())
}

func TestTableDeleteTimerWarnMode(t *testing.T) {
	fake := clocktesting.NewFakeClock(time.Now())
	h := newTableHarness(t, Options{
		Clock:               fake,
		WarnOnDeleteTimeout: true,
	})

	h.table.Enqueue(Request{Op: OpAddOrUpdate, Key: testKey("leak"), Data: "v"})
	h.drain()
	e := h.table.Find(testKey("leak"), false)
	e.Base().AddRef()

	h.table.Enqueue(Request{Op: OpDelete, Key: testKey("leak")})
	h.drain()

	// Warn mode: expiry logs and dumps but does not abort.
	fake.Step(DefaultDeleteTimeout + time.Second)
	require.NotNil(t, h.table.Find(testKey("leak"), true))

	e.Base().ReleaseRef()
	h.drain()
	assert.Nil(t, h.table.Find(testKey("leak"), true))
}

func TestTableDeleteTimerFatalByDefault(t *testing.T) {
	fake := clocktesting.NewFakeClock(time.Now())
	h := newTableHarness(t, Options{Clock: fake})

	h.table.Enqueue(Request{Op: OpAddOrUpdate, Key: testKey("leak"), Data: "v"})
	h.drain()
	h.table.Find(testKey("leak"), false).Base().AddRef()

	h.table.Enqueue(Request{Op: OpDelete, Key: testKey("leak")})
	h.drain()

	assert.Panics(t, func() { fake.Step(DefaultDeleteTimeout + time.Second) })
}

func TestTableListenerOrderAndUnregister(t *testing.T) {
	h := newTableHarness(t, Options{})

	var mu sync.Mutex
	var order []string
	first := h.table.Register(func(Entry, Op) {
		mu.Lock()
		order = append(order, "first")
		mu.Unlock()
	})
	h.table.Register(func(Entry, Op) {
		mu.Lock()
		order = append(order, "second")
		mu.Unlock()
	})

	h.table.Enqueue(Request{Op: OpAddOrUpdate, Key: testKey("a"), Data: "v"})
	h.drain()
	mu.Lock()
	require.Equal(t, []string{"first", "second"}, order)
	order = nil
	mu.Unlock()

	h.table.Unregister(first)
	h.table.Enqueue(Request{Op: OpAddOrUpdate, Key: testKey("a"), Data: "v2"})
	h.drain()
	mu.Lock()
	assert.Equal(t, []string{"second"}, order)
	mu.Unlock()
}
