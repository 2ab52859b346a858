// Copyright 2025 Supabase, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package reactor delivers socket readiness notifications to registered
// handlers. Cooperative sessions register interest in a connection's file
// descriptor and resume their in-flight operation on each readiness
// transition.
//
// Events for a given descriptor are delivered strictly in the order the
// kernel reports them; there is no ordering guarantee across descriptors.
package reactor

// Interest selects which readiness transitions a handler wants.
type Interest int

const (
	// Readable requests notification when the descriptor is readable.
	Readable Interest = 1 << iota
	// Writable requests notification when the descriptor is writable.
	Writable
)

// Event describes one readiness notification.
type Event struct {
	Readable bool
	Writable bool
	// Error is set when the kernel reports an error or hangup condition on
	// the descriptor. The handler should poll its connection to surface the
	// concrete failure.
	Error bool
}

// Handler consumes readiness events for one descriptor. Handlers run on the
// reactor's dispatch goroutine and must not block.
type Handler func(Event)

// Reactor registers file descriptors for readiness notification.
type Reactor interface {
	// Add registers fd with the given interest. Fails if fd is already
	// registered.
	Add(fd int, interest Interest, h Handler) error

	// Update replaces the interest set for a registered fd.
	Update(fd int, interest Interest) error

	// Remove deregisters fd. Events already in flight for fd are dropped.
	// Removing an unregistered fd is a no-op.
	Remove(fd int) error
}
