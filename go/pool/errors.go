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

package pool

import "errors"

var (
	// ErrConnectionBusy is returned when an operation targets a connection
	// that is executing a statement or locked by another live owner.
	// Callers may retry later or pick another connection.
	ErrConnectionBusy = errors.New("connection is busy")

	// ErrConnectionClosed is returned by Lock when the underlying handle has
	// already been closed. A closed connection can never be locked.
	ErrConnectionClosed = errors.New("connection is closed")

	// ErrConnectionNotFound is returned when an operation references a
	// connection that is not tracked by the addressed pool.
	ErrConnectionNotFound = errors.New("connection not found in pool")

	// ErrConnectionExists is returned by Add when the handle is already
	// tracked by the pool.
	ErrConnectionExists = errors.New("connection already exists in pool")

	// ErrNoIdleConnections is returned by Get when no idle connection is
	// available. This is the expected "open a new connection" signal, not a
	// failure: callers should dial a new handle unless the pool is full.
	ErrNoIdleConnections = errors.New("pool has no idle connections")

	// ErrPoolFull is returned by Add when the pool is at maximum capacity.
	// The rejected handle is closed as a side effect so it does not leak.
	ErrPoolFull = errors.New("pool is at maximum capacity")

	// ErrPoolNotFound is returned by manager operations that address a pool
	// id that has not been created (or has already been removed).
	ErrPoolNotFound = errors.New("pool has not been created")

	// ErrPoolExists is returned by Create when the pool id is already
	// registered.
	ErrPoolExists = errors.New("pool already exists")
)
