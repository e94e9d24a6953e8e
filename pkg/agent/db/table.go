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

// Package db implements the agent's generic object database: named tables of
// reference-counted entries partitioned into shards, with observer
// subscriptions, asynchronous walkers, and a deferred-destruction protocol.
//
// All mutation of a shard's entry map and request queue happens on a single
// scheduler task instance keyed (table, shard) under the db::DBTable class.
// Producers enqueue mutation requests from any task; the shard task is the
// sole consumer. Readers outside the shard task observe only committed state.
package db

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/go-logr/logr"
	"k8s.io/utils/clock"

	"github.com/arvindvis/contrail-controller/pkg/agent/scheduler"
	logutil "github.com/arvindvis/contrail-controller/pkg/agent/util/logging"
)

const (
	// TaskClassName is the scheduler class under which all table mutation,
	// walker, and lifetime-retirement work runs.
	TaskClassName = "db::DBTable"

	// defaultPartitionCount is the number of shards per table. Must be a
	// power of two; keys are routed by hash masked to this size.
	defaultPartitionCount = 8

	// drainBatchSize bounds the work performed by one shard task run. If the
	// queue is non-empty after a batch the task re-posts itself.
	drainBatchSize = 32

	// queueHighWater is the per-shard request queue depth beyond which
	// Enqueue reports overload. Requests are never dropped.
	queueHighWater = 1024
	// queueLowWater is the depth at which an overloaded shard recovers.
	queueLowWater = queueHighWater / 2

	// DefaultDeleteTimeout bounds the time between an entry's DELETE and its
	// retirement. Expiry indicates a reference leak.
	DefaultDeleteTimeout = 30 * time.Second
)

// Hooks is the capability set a concrete table provides to the engine. Each
// request is dispatched to exactly one hook on the owning shard's task.
type Hooks interface {
	// Add creates the entry for a request whose key is not present. The
	// engine inserts the returned entry into the shard map and delivers an
	// ADD notification.
	Add(req *Request) (Entry, error)
	// OnChange applies an in-place update. Returning false suppresses the
	// CHANGE notification.
	OnChange(e Entry, req *Request) (bool, error)
	// Delete performs table-specific teardown. The engine then marks the
	// entry deleted, starts its delete timer, and delivers DELETE. Returning
	// false rejects the request (logged and dropped without notification).
	Delete(e Entry, req *Request) (bool, error)
}

// NotifyFilter is an optional capability: tables implementing it can veto
// listener delivery for individual entries.
type NotifyFilter interface {
	CanNotify(e Entry) bool
}

// Listener receives (op, entry) callbacks serially per shard, on the shard's
// task. Callbacks must not block and must not return errors; they log and
// continue.
type Listener func(e Entry, op Op)

type listenerEntry struct {
	id ListenerID
	cb Listener
}

// Options configures a Table beyond its required collaborators.
type Options struct {
	// Partitions overrides the shard count. Must be a power of two.
	Partitions int
	// DeleteTimeout overrides DefaultDeleteTimeout.
	DeleteTimeout time.Duration
	// WarnOnDeleteTimeout demotes delete-timer expiry from a process-fatal
	// panic to a loud log line. Fatal is the default.
	WarnOnDeleteTimeout bool
	// Clock overrides the real clock, for tests.
	Clock clock.WithDelayedExecution
	// Config is the configuration source consulted by the reuse protocol.
	Config ConfigSource
	// Overload, when set, is invoked with true when any shard queue crosses
	// the high-water mark and false when it recovers. Used to pause the
	// producer class via scheduler policy.
	Overload func(overloaded bool)
	// OnRetire, when set, is invoked on the shard task after an entry has
	// been removed from its shard map. Containers gate their own retirement
	// on dependent tables draining; this is their retry trigger.
	OnRetire func(e Entry)
}

// Table is a named, partitioned container of entries.
type Table struct {
	name   string
	sched  *scheduler.TaskScheduler
	class  scheduler.ClassID
	hooks  Hooks
	filter NotifyFilter // nil when hooks does not implement NotifyFilter
	clock  clock.WithDelayedExecution
	logger logr.Logger

	cfg                 ConfigSource
	deleteTimeout       time.Duration
	warnOnDeleteTimeout bool
	overloadFn          func(bool)
	onRetire            func(Entry)

	shards []*shard
	mask   uint64

	listenerMu   sync.Mutex
	listeners    []listenerEntry
	nextListener ListenerID

	walkers *walkRegistry
}

// NewTable creates a table whose mutation tasks run on sched under the
// db::DBTable class.
func NewTable(name string, hooks Hooks, sched *scheduler.TaskScheduler, logger logr.Logger, opts Options) *Table {
	parts := opts.Partitions
	if parts == 0 {
		parts = defaultPartitionCount
	}
	if parts&(parts-1) != 0 {
		panic(fmt.Sprintf("db: partition count %d is not a power of two", parts))
	}
	clk := opts.Clock
	if clk == nil {
		clk = &clock.RealClock{}
	}
	timeout := opts.DeleteTimeout
	if timeout == 0 {
		timeout = DefaultDeleteTimeout
	}

	t := &Table{
		name:                name,
		sched:               sched,
		class:               sched.RegisterClass(TaskClassName),
		hooks:               hooks,
		clock:               clk,
		logger:              logger.WithName("db-table").WithValues("table", name),
		cfg:                 opts.Config,
		deleteTimeout:       timeout,
		warnOnDeleteTimeout: opts.WarnOnDeleteTimeout,
		overloadFn:          opts.Overload,
		onRetire:            opts.OnRetire,
		mask:                uint64(parts - 1),
	}
	if f, ok := hooks.(NotifyFilter); ok {
		t.filter = f
	}
	t.shards = make([]*shard, parts)
	for i := range t.shards {
		t.shards[i] = newShard(t, i)
	}
	t.walkers = newWalkRegistry(t)
	return t
}

// Name returns the table's name.
func (t *Table) Name() string { return t.name }

// Partitions returns the shard count.
func (t *Table) Partitions() int { return len(t.shards) }

// shardFor routes a key to its shard.
func (t *Table) shardFor(key Key) *shard {
	return t.shards[xxhash.Sum64String(key.String())&t.mask]
}

// Enqueue appends a mutation request to the owning shard's queue and posts
// the shard's drain task. The return value is a backpressure signal: false
// means the shard queue has crossed its high-water mark. The request itself
// is never dropped.
func (t *Table) Enqueue(req Request) bool {
	if req.Key == nil {
		panic("db: enqueue with nil key")
	}
	return t.shardFor(req.Key).enqueue(req)
}

// Find performs a synchronous lookup. Entries pending delete are returned
// only when includeDeleted is set.
func (t *Table) Find(key Key, includeDeleted bool) Entry {
	return t.shardFor(key).find(key, includeDeleted)
}

// Size returns the total number of entries, including those pending delete.
func (t *Table) Size() int {
	n := 0
	for _, s := range t.shards {
		n += s.size()
	}
	return n
}

// Register subscribes a listener. Existing entries are not replayed; new
// listeners start from live state and reconcile if they need history.
func (t *Table) Register(cb Listener) ListenerID {
	t.listenerMu.Lock()
	defer t.listenerMu.Unlock()
	id := t.nextListener
	t.nextListener++
	t.listeners = append(t.listeners, listenerEntry{id: id, cb: cb})
	t.logger.V(logutil.VERBOSE).Info("Registered listener", "listenerID", id)
	return id
}

// Unregister removes a listener subscription. Any DBState the listener still
// holds on entries must be detached by the listener itself.
func (t *Table) Unregister(id ListenerID) {
	t.listenerMu.Lock()
	defer t.listenerMu.Unlock()
	for i, l := range t.listeners {
		if l.id == id {
			t.listeners = append(t.listeners[:i], t.listeners[i+1:]...)
			return
		}
	}
}

// notify delivers (op, entry) to all listeners in registration order. Runs on
// the owning shard's task.
func (t *Table) notify(e Entry, op Op) {
	if t.filter != nil && !t.filter.CanNotify(e) {
		return
	}
	t.listenerMu.Lock()
	snapshot := make([]listenerEntry, len(t.listeners))
	copy(snapshot, t.listeners)
	t.listenerMu.Unlock()

	for _, l := range snapshot {
		l.cb(e, op)
	}
}

// Walk starts an asynchronous iteration over the table. See WalkTable.
func (t *Table) Walk(entryFn WalkFn, doneFn WalkDoneFn) WalkID {
	return t.walkers.walkTable(entryFn, doneFn)
}

// WalkCancel requests cancellation of an in-progress walk. The walk's done
// callback still fires exactly once, with completed=false.
func (t *Table) WalkCancel(id WalkID) {
	t.walkers.cancel(id)
}

// Dump logs a diagnostic snapshot of the table: per-shard sizes, queue
// depths, and outstanding walk ids. Used on fatal errors.
func (t *Table) Dump(logger logr.Logger) {
	for _, s := range t.shards {
		logger.Info("Table shard state", "table", t.name, "shard", s.id,
			"entries", s.size(), "queued", s.queueLen())
	}
	logger.Info("Table walk state", "table", t.name, "walkIDs", t.walkers.outstanding())
}

// taskKey returns the scheduler instance key for a shard of this table.
func (t *Table) taskKey(shardID int) string {
	return fmt.Sprintf("%s:%d", t.name, shardID)
}

// postShardTask posts the drain task for a shard, at most one outstanding.
func (t *Table) postShardTask(s *shard) {
	t.sched.Enqueue(t.class, t.taskKey(s.id), func(ctx context.Context) bool {
		return s.drain()
	})
}
