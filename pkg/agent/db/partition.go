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
	"sort"
	"sync"

	logutil "github.com/arvindvis/contrail-controller/pkg/agent/util/logging"
)

// shard owns one partition of a table: a keyed entry map, a FIFO request
// queue, and a retirement (remove) queue. The entry map is guarded by mu so
// synchronous Find calls observe committed state; all mutation happens on the
// shard's drain task.
type shard struct {
	t  *Table
	id int

	mu      sync.RWMutex
	entries map[string]Entry

	qmu        sync.Mutex
	requests   []Request
	removeQ    []Entry
	posted     bool
	overloaded bool
}

func newShard(t *Table, id int) *shard {
	return &shard{
		t:       t,
		id:      id,
		entries: make(map[string]Entry),
	}
}

// enqueue appends a request and posts the drain task. Multi-producer safe;
// the drain task is the single consumer. Returns false once the queue depth
// crosses the high-water mark.
func (s *shard) enqueue(req Request) bool {
	s.qmu.Lock()
	s.requests = append(s.requests, req)
	depth := len(s.requests)
	post := !s.posted
	if post {
		s.posted = true
	}
	crossed := depth >= queueHighWater && !s.overloaded
	if crossed {
		s.overloaded = true
	}
	s.qmu.Unlock()

	if post {
		s.t.postShardTask(s)
	}
	if crossed && s.t.overloadFn != nil {
		s.t.logger.V(logutil.DEFAULT).Info("Shard queue crossed high-water mark",
			"shard", s.id, "depth", depth)
		s.t.overloadFn(true)
	}
	return depth < queueHighWater
}

// enqueueRemove queues a retirement attempt for a deleted entry. Idempotent
// per entry while queued.
func (s *shard) enqueueRemove(e Entry) {
	if !e.Base().onRemoveQ.CompareAndSwap(false, true) {
		return
	}
	s.qmu.Lock()
	s.removeQ = append(s.removeQ, e)
	post := !s.posted
	if post {
		s.posted = true
	}
	s.qmu.Unlock()
	if post {
		s.t.postShardTask(s)
	}
}

// drain is the shard task body. It processes a bounded batch: retirements
// first, then requests. Returning false re-posts the task (more work queued).
func (s *shard) drain() bool {
	count := 0

	for count < drainBatchSize {
		e, ok := s.popRemove()
		if !ok {
			break
		}
		s.processRemove(e)
		count++
	}

	for count < drainBatchSize {
		req, ok := s.popRequest()
		if !ok {
			break
		}
		s.processRequest(&req)
		count++
	}

	s.qmu.Lock()
	defer s.qmu.Unlock()
	if len(s.requests) == 0 && len(s.removeQ) == 0 {
		s.posted = false
		if s.overloaded {
			s.overloaded = false
			if s.t.overloadFn != nil {
				defer s.t.overloadFn(false)
			}
		}
		return true
	}
	if s.overloaded && len(s.requests) < queueLowWater {
		s.overloaded = false
		if s.t.overloadFn != nil {
			defer s.t.overloadFn(false)
		}
	}
	return false
}

func (s *shard) popRequest() (Request, bool) {
	s.qmu.Lock()
	defer s.qmu.Unlock()
	if len(s.requests) == 0 {
		return Request{}, false
	}
	req := s.requests[0]
	s.requests = s.requests[1:]
	return req, true
}

func (s *shard) popRemove() (Entry, bool) {
	s.qmu.Lock()
	defer s.qmu.Unlock()
	if len(s.removeQ) == 0 {
		return nil, false
	}
	e := s.removeQ[0]
	s.removeQ = s.removeQ[1:]
	return e, true
}

func (s *shard) queueLen() int {
	s.qmu.Lock()
	defer s.qmu.Unlock()
	return len(s.requests) + len(s.removeQ)
}

// processRequest dispatches one mutation envelope to the table's hooks and
// delivers the resulting notification. Runs on the shard task; holds the map
// write lock across the hook call so Find never observes in-progress state.
func (s *shard) processRequest(req *Request) {
	key := req.Key.String()

	s.mu.Lock()
	e, exists := s.entries[key]

	switch req.Op {
	case OpAddOrUpdate:
		if exists && e.Base().IsDeleted() {
			// Pending delete: the intent is preserved by the reuse protocol,
			// not by mutating a retiring entry.
			s.mu.Unlock()
			s.t.logger.V(logutil.DEBUG).Info("Ignoring request for entry pending delete",
				"key", key, "op", req.Op)
			return
		}
		if exists {
			changed, err := s.t.hooks.OnChange(e, req)
			s.mu.Unlock()
			if err != nil {
				s.t.logger.Error(err, "Change hook rejected request; dropping", "key", key)
				return
			}
			if changed {
				s.t.notify(e, OpAddOrUpdate)
			}
			return
		}
		newEntry, err := s.t.hooks.Add(req)
		if err != nil {
			s.mu.Unlock()
			s.t.fatalf(err, "Add hook failed", key)
			return
		}
		base := newEntry.Base()
		base.retireFn = func() { s.enqueueRemove(newEntry) }
		if h := base.Deleter(); h != nil {
			// The actor must not Destroy while references or listener states
			// hold the entry, and the entry leaves the map only after Destroy.
			h.SetGate(base.holdersDrained)
			h.SetOnRetired(base.retireFn)
		}
		s.entries[key] = newEntry
		s.mu.Unlock()
		s.t.notify(newEntry, OpAddOrUpdate)

	case OpDelete:
		if !exists || e.Base().IsDeleted() {
			s.mu.Unlock()
			s.t.logger.V(logutil.DEBUG).Info("Delete for absent entry", "key", key)
			return
		}
		ok, err := s.t.hooks.Delete(e, req)
		if err != nil || !ok {
			s.mu.Unlock()
			if err != nil {
				s.t.logger.Error(err, "Delete hook rejected request; dropping", "key", key)
			}
			return
		}
		e.Base().deleted.Store(true)
		s.startDeleteTimer(e)
		s.mu.Unlock()
		s.t.notify(e, OpDelete)
		if h := e.Base().Deleter(); h != nil {
			// Begin lifetime finalization now; the manager retries until the
			// holders drain and MayDelete permits, then Destroy fires and the
			// onRetired hook queues the map removal.
			h.Delete()
		}
		// Nothing holds the entry: retire it on this shard's next batch.
		if e.Base().retireReady() {
			s.enqueueRemove(e)
		}
	}
}

// processRemove retires a deleted entry if nothing holds it anymore. Entries
// that picked up references or listener state since being queued simply leave
// the queue; a later release re-arms them.
func (s *shard) processRemove(e Entry) {
	base := e.Base()
	base.onRemoveQ.Store(false)
	if !base.retireReady() {
		return
	}
	key := e.EntryKey().String()

	s.mu.Lock()
	cur, ok := s.entries[key]
	if !ok || cur != e {
		s.mu.Unlock()
		return
	}
	delete(s.entries, key)
	s.mu.Unlock()

	if base.deleteTimer != nil {
		base.deleteTimer.Stop()
	}
	s.t.logger.V(logutil.DEBUG).Info("Retired entry", "key", key, "shard", s.id)
	if s.t.onRetire != nil {
		s.t.onRetire(e)
	}

	// Reuse protocol: a delete/recreate cycle must not lose the re-creation
	// intent that arrived while the entry was retiring.
	if s.t.cfg != nil {
		if req, pending := s.t.cfg.PendingCreate(s.t.name, e.EntryKey()); pending {
			s.t.logger.V(logutil.DEFAULT).Info("Resyncing entry from configuration source", "key", key)
			s.t.Enqueue(req)
		}
	}
}

// startDeleteTimer arms the bounded retirement timer for a deleted entry.
// Expiry with the entry still present indicates a reference leak: the handler
// dumps diagnostic state and aborts (or warns, per table options).
func (s *shard) startDeleteTimer(e Entry) {
	key := e.EntryKey()
	e.Base().deleteTimer = s.t.clock.AfterFunc(s.t.deleteTimeout, func() {
		if s.find(key, true) == nil {
			return // retired while the timer fired
		}
		s.t.logger.Error(nil, "Entry not retired within delete timeout",
			"key", key.String(), "shard", s.id,
			"refs", e.Base().Refs(), "states", e.Base().StateCount())
		s.t.Dump(s.t.logger)
		if !s.t.warnOnDeleteTimeout {
			panic("db: delete timeout expired for " + s.t.name + "/" + key.String())
		}
	})
}

// find returns the committed entry for key, or nil.
func (s *shard) find(key Key, includeDeleted bool) Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[key.String()]
	if !ok {
		return nil
	}
	if !includeDeleted && e.Base().IsDeleted() {
		return nil
	}
	return e
}

func (s *shard) size() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// snapshot returns the shard's entries ordered by key, as of call time.
// Used by walkers, which run on the shard task and therefore cannot race
// mutations within this shard.
func (s *shard) snapshot() []Entry {
	s.mu.RLock()
	keys := make([]string, 0, len(s.entries))
	for k := range s.entries {
		keys = append(keys, k)
	}
	s.mu.RUnlock()

	sort.Strings(keys)
	out := make([]Entry, 0, len(keys))
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, k := range keys {
		if e, ok := s.entries[k]; ok {
			out = append(out, e)
		}
	}
	return out
}

// fatalf reports an invariant violation: diagnostic dump then panic.
func (t *Table) fatalf(err error, msg, key string) {
	t.logger.Error(err, msg, "key", key)
	t.Dump(t.logger)
	panic("db: " + msg + ": " + key + ": " + err.Error())
}
