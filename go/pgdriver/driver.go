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

// Package pgdriver defines the boundary between the connection pool and the
// underlying PostgreSQL driver, plus a lib/pq-backed implementation for
// synchronous sessions.
package pgdriver

import (
	"context"
	"database/sql/driver"
)

// Conn is one physical connection as seen by the pool. The pool only relies
// on identity, closed/executing probes and Close; query execution is
// pass-through for sessions.
type Conn interface {
	// ID returns a process-unique, stable identity for this connection,
	// usable as a map key for the lifetime of the handle.
	ID() uint64

	// Closed reports whether the connection has been closed.
	Closed() bool

	// Executing reports whether a statement is currently in flight on this
	// connection.
	Executing() bool

	// Close closes the connection. Closing an already-closed connection is
	// a no-op.
	Close() error

	// Query executes a query that returns rows.
	Query(ctx context.Context, query string, args ...any) (driver.Rows, error)

	// Exec executes a statement without returning rows.
	Exec(ctx context.Context, query string, args ...any) (driver.Result, error)
}

// PollStatus is the readiness outcome reported by a non-blocking connection.
type PollStatus int

const (
	// PollOK means the in-flight operation has completed.
	PollOK PollStatus = iota
	// PollWrite means the driver needs the socket to become writable.
	PollWrite
	// PollRead means the driver needs the socket to become readable.
	PollRead
)

func (s PollStatus) String() string {
	switch s {
	case PollOK:
		return "ok"
	case PollWrite:
		return "write"
	case PollRead:
		return "read"
	default:
		return "unknown"
	}
}

// PollableConn is a non-blocking connection driven by readiness events.
// Cooperative sessions poll it after each readiness transition until the
// in-flight operation completes or fails.
type PollableConn interface {
	Conn

	// Poll advances the in-flight operation. It returns PollOK when the
	// operation has completed, PollRead/PollWrite when the caller must wait
	// for the socket to become readable/writable, or an error when the
	// operation has failed.
	Poll() (PollStatus, error)

	// Fd returns the pollable file descriptor for this connection.
	Fd() int

	// StartQuery sends a query without waiting for its result. The caller
	// drives completion through Poll and collects rows with Results.
	StartQuery(query string, args ...any) error

	// Results returns the rows produced by the last completed query.
	Results() (driver.Rows, error)
}

// Dialer opens a new physical connection to the given target.
type Dialer func(ctx context.Context, target string) (Conn, error)

// AsyncDialer starts a non-blocking connection attempt to the given target.
// The returned connection is not yet established; the caller drives the
// handshake through Poll until it reports PollOK.
type AsyncDialer func(ctx context.Context, target string) (PollableConn, error)
