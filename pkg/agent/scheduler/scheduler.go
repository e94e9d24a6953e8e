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

// Package scheduler implements the agent's task scheduler: every piece of work
// in the agent runs as a task tagged with a (class, instance key) pair, and
// the scheduler multiplexes those tasks onto a bounded worker pool while
// honoring three rules:
//
//  1. Intra-instance serialization: at most one running task per
//     (class, instance key), in FIFO submission order.
//  2. Exclusion: two classes whose policies exclude each other never have
//     tasks running concurrently. Exclusion is symmetric at run time even if
//     only one side declares it.
//  3. Bounded parallelism: at most NumWorkers tasks run at once.
//
// Task functions return a bool: true means the task is complete, false means
// it should run again (it is re-dispatched after the current run, behind any
// exclusion constraints that have since appeared). This is how long-lived
// drain loops yield without blocking a worker.
package scheduler

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"

	"github.com/go-logr/logr"
	"k8s.io/apimachinery/pkg/util/sets"

	logutil "github.com/arvindvis/contrail-controller/pkg/agent/util/logging"
)

// ClassID identifies a registered task class. IDs are small integers assigned
// in registration order.
type ClassID int

// InvalidClassID is returned by lookups for unregistered class names.
const InvalidClassID ClassID = -1

// TaskFunc is a unit of work. Returning true completes the task; returning
// false re-enqueues it at the tail of its instance queue.
type TaskFunc func(ctx context.Context) bool

// InstanceKey tags a task queue within a class. Tasks with distinct instance
// keys of the same class may run in parallel, subject to exclusion.
type InstanceKey struct {
	Class ClassID
	Key   string
}

func (k InstanceKey) String() string {
	return fmt.Sprintf("%d/%s", k.Class, k.Key)
}

// taskClass holds the policy and run state for one registered class.
type taskClass struct {
	id   ClassID
	name string

	// excludes is the symmetric closure of the declared exclusion policy:
	// if A declares B, both A.excludes has B and B.excludes has A.
	excludes sets.Set[ClassID]

	// running counts tasks of this class currently executing.
	running int

	// disabled pauses dispatch of this class; queued tasks are retained.
	disabled bool
}

// taskInstance is the FIFO queue for one (class, key).
type taskInstance struct {
	key     InstanceKey
	pending []TaskFunc
	running bool
}

// TaskScheduler is the process-wide concurrency arbiter. It is constructed
// once at bootstrap and passed by reference to every component.
type TaskScheduler struct {
	logger  logr.Logger
	workers int

	mu        sync.Mutex
	cond      *sync.Cond // signaled whenever run state changes; used by WaitForIdle
	classes   []*taskClass
	classIDs  map[string]ClassID
	instances map[InstanceKey]*taskInstance
	active    int // tasks currently executing
	queued    int // tasks waiting in instance queues
	stopped   bool
}

// New creates a scheduler with the given worker pool size. workers <= 0
// panics; callers default it to runtime.NumCPU().
func New(workers int, logger logr.Logger) *TaskScheduler {
	if workers <= 0 {
		panic(fmt.Sprintf("scheduler: worker count must be positive, got %d", workers))
	}
	s := &TaskScheduler{
		logger:    logger.WithName("task-scheduler"),
		workers:   workers,
		classIDs:  make(map[string]ClassID),
		instances: make(map[InstanceKey]*taskInstance),
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// RegisterClass returns the id for name, registering it on first use.
// Mirrors lazy task-id allocation: consumers name classes by string and the
// scheduler assigns the small integer.
func (s *TaskScheduler) RegisterClass(name string) ClassID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.registerClassLocked(name)
}

func (s *TaskScheduler) registerClassLocked(name string) ClassID {
	if id, ok := s.classIDs[name]; ok {
		return id
	}
	id := ClassID(len(s.classes))
	s.classes = append(s.classes, &taskClass{
		id:       id,
		name:     name,
		excludes: sets.New[ClassID](),
	})
	s.classIDs[name] = id
	return id
}

// ClassID returns the id for a registered class name, or InvalidClassID.
func (s *TaskScheduler) ClassID(name string) ClassID {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.classIDs[name]; ok {
		return id
	}
	return InvalidClassID
}

// ClassName returns the registered name for id.
func (s *TaskScheduler) ClassName(id ClassID) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if int(id) < 0 || int(id) >= len(s.classes) {
		return ""
	}
	return s.classes[id].name
}

// SetPolicy installs the exclusion policy for class name. Excluded classes
// are registered on demand. The closure is symmetric: installing A->B also
// installs B->A.
//
// Changing the policy of a class that currently has running or queued tasks
// is an invariant violation and returns an error: a policy installed after
// work has been admitted cannot be enforced retroactively.
func (s *TaskScheduler) SetPolicy(name string, excludes ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.registerClassLocked(name)
	cls := s.classes[id]
	if cls.running > 0 || s.classHasQueuedLocked(id) {
		return fmt.Errorf("scheduler: cannot change policy for class %q while tasks are admitted", name)
	}

	for _, ex := range excludes {
		exID := s.registerClassLocked(ex)
		if exID == id {
			return fmt.Errorf("scheduler: class %q cannot exclude itself", name)
		}
		cls.excludes.Insert(exID)
		s.classes[exID].excludes.Insert(id)
	}
	s.logger.V(logutil.VERBOSE).Info("Installed exclusion policy",
		"class", name, "excludes", excludes)
	return nil
}

func (s *TaskScheduler) classHasQueuedLocked(id ClassID) bool {
	for _, inst := range s.instances {
		if inst.key.Class == id && len(inst.pending) > 0 {
			return true
		}
	}
	return false
}

// Enqueue submits a task tagged (class, key). Submission order is preserved
// per (class, key). The task starts as soon as a worker slot is free and no
// exclusion or serialization constraint forbids it.
func (s *TaskScheduler) Enqueue(class ClassID, key string, fn TaskFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if int(class) < 0 || int(class) >= len(s.classes) {
		panic(fmt.Sprintf("scheduler: enqueue with unregistered class id %d", class))
	}
	if s.stopped {
		s.logger.V(logutil.DEFAULT).Info("Dropping task enqueued after shutdown",
			"class", s.classes[class].name, "key", key)
		return
	}

	ik := InstanceKey{Class: class, Key: key}
	inst, ok := s.instances[ik]
	if !ok {
		inst = &taskInstance{key: ik}
		s.instances[ik] = inst
	}
	inst.pending = append(inst.pending, fn)
	s.queued++
	s.dispatchLocked(inst)
}

// EnqueueByName is Enqueue with a class name, registering it on first use.
func (s *TaskScheduler) EnqueueByName(class, key string, fn TaskFunc) {
	s.mu.Lock()
	id, ok := s.classIDs[class]
	s.mu.Unlock()
	if !ok {
		id = s.RegisterClass(class)
	}
	s.Enqueue(id, key, fn)
}

// canRunLocked reports whether a task of class id may start now.
func (s *TaskScheduler) canRunLocked(id ClassID) bool {
	cls := s.classes[id]
	if cls.disabled {
		return false
	}
	// The closure is symmetric, so checking this class's exclusion set covers
	// both directions.
	for ex := range cls.excludes {
		if s.classes[ex].running > 0 {
			return false
		}
	}
	return true
}

// dispatchLocked starts the head task of inst if all constraints allow.
func (s *TaskScheduler) dispatchLocked(inst *taskInstance) {
	if inst.running || len(inst.pending) == 0 {
		return
	}
	if s.active >= s.workers || !s.canRunLocked(inst.key.Class) {
		return
	}

	inst.running = true
	s.classes[inst.key.Class].running++
	s.active++
	s.queued--
	fn := inst.pending[0]
	inst.pending = inst.pending[1:]
	go s.runTask(inst, fn)
}

// rescanLocked attempts dispatch for every instance with pending work. Called
// after any completion or policy change that may have unblocked work.
func (s *TaskScheduler) rescanLocked() {
	for _, inst := range s.instances {
		if s.active >= s.workers {
			return
		}
		s.dispatchLocked(inst)
	}
}

// runTask executes fn outside the scheduler lock, then releases the instance
// and rescans. A panicking task is logged and does not block further tasks of
// the same instance; its exclusion locks are released.
func (s *TaskScheduler) runTask(inst *taskInstance, fn TaskFunc) {
	done := s.invoke(inst, fn)

	s.mu.Lock()
	defer s.mu.Unlock()

	if !done {
		// Re-run: back of the instance queue, so interleaved submissions keep
		// their FIFO positions.
		inst.pending = append(inst.pending, fn)
		s.queued++
	}
	inst.running = false
	s.classes[inst.key.Class].running--
	s.active--
	if len(inst.pending) == 0 {
		delete(s.instances, inst.key)
	}
	s.rescanLocked()
	s.cond.Broadcast()
}

func (s *TaskScheduler) invoke(inst *taskInstance, fn TaskFunc) (done bool) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error(fmt.Errorf("task panic: %v", r), "Task terminated by panic",
				"class", s.ClassName(inst.key.Class), "key", inst.key.Key,
				"stack", string(debug.Stack()))
			done = true
		}
	}()
	return fn(context.Background())
}

// Stop pauses dispatch of a class. Running tasks complete; queued tasks are
// retained until Start.
func (s *TaskScheduler) Stop(class ClassID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.classes[class].disabled = true
}

// Start resumes dispatch of a class paused by Stop.
func (s *TaskScheduler) Start(class ClassID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.classes[class].disabled = false
	s.rescanLocked()
}

// IsDisabled reports whether a class is currently paused.
func (s *TaskScheduler) IsDisabled(class ClassID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.classes[class].disabled
}

// Running returns the number of currently executing tasks of the class.
func (s *TaskScheduler) Running(class ClassID) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.classes[class].running
}

// WaitForIdle blocks until no task is running or queued, or ctx is done.
// Tasks queued behind a disabled class count as pending work, so callers
// pausing classes must resume them before waiting.
func (s *TaskScheduler) WaitForIdle(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.cond.Broadcast()
	})
	defer stop()

	s.mu.Lock()
	defer s.mu.Unlock()
	for s.active > 0 || s.queued > 0 {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.cond.Wait()
	}
	return nil
}

// Shutdown stops accepting new tasks and waits for running and queued work to
// drain, or until ctx is done.
func (s *TaskScheduler) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()
	return s.WaitForIdle(ctx)
}

// Snapshot describes scheduler state for diagnostic dumps.
type Snapshot struct {
	Active    int
	Queued    int
	Instances []string
}

// Dump returns a point-in-time snapshot of run state, used by fatal-error
// diagnostics.
func (s *TaskScheduler) Dump() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{Active: s.active, Queued: s.queued}
	for k, inst := range s.instances {
		snap.Instances = append(snap.Instances,
			fmt.Sprintf("%s/%s pending=%d running=%v", s.classes[k.Class].name, k.Key, len(inst.pending), inst.running))
	}
	return snap
}
