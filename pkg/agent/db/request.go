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

import "errors"

// Op is the operation carried by a Request.
type Op int

const (
	// OpAddOrUpdate creates the entry if absent, otherwise applies an
	// in-place change.
	OpAddOrUpdate Op = iota
	// OpDelete marks the entry deleted and begins its retirement protocol.
	OpDelete
)

func (o Op) String() string {
	switch o {
	case OpAddOrUpdate:
		return "ADD_OR_UPDATE"
	case OpDelete:
		return "DELETE"
	default:
		return "UNKNOWN"
	}
}

// Key identifies an entry within a table. Keys of one table must have a total
// order; the engine orders and partitions them by their String form.
type Key interface {
	String() string
}

// Request is a table mutation envelope. Key is required; Data is
// table-specific payload consumed by the table's hooks.
type Request struct {
	Op   Op
	Key  Key
	Data any
}

var (
	// ErrDuplicateAdd is an invariant violation: the table's Add hook found
	// conflicting state for a key it was asked to create.
	ErrDuplicateAdd = errors.New("db: duplicate key on ADD")
	// ErrNotFound is returned by lookups that miss.
	ErrNotFound = errors.New("db: entry not found")
)

// ConfigSource is the configuration collaborator consulted by the reuse
// protocol: when an entry retires, the table asks whether a re-creation with
// the same key is pending and, if so, re-issues the returned request.
type ConfigSource interface {
	PendingCreate(table string, key Key) (Request, bool)
}
