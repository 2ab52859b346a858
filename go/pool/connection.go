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

import (
	"fmt"
	"sync"

	"github.com/multigres/pgqueries/go/pgdriver"
)

// Connection wraps one physical connection with its locking state. The
// wrapped handle is exclusively owned by this Connection once it has been
// added to a Pool.
//
// State machine: Idle → Locked (Lock), Locked → Idle (Free),
// Idle|Locked → Closed (Close, disallowed while busy). Closed is terminal.
type Connection struct {
	handle pgdriver.Conn

	mu     sync.Mutex
	usedBy Owner // set iff locked
}

// NewConnection wraps a driver handle. Pools call this from Add; it is
// exported for tests that need to exercise Connection directly.
func NewConnection(handle pgdriver.Conn) *Connection {
	return &Connection{handle: handle}
}

// ID returns the stable identity of the wrapped handle.
func (c *Connection) ID() uint64 {
	return c.handle.ID()
}

// Handle returns the wrapped driver connection.
func (c *Connection) Handle() pgdriver.Conn {
	return c.handle
}

// Closed reports whether the underlying handle is closed.
func (c *Connection) Closed() bool {
	return c.handle.Closed()
}

// Executing reports whether the handle is mid-statement.
func (c *Connection) Executing() bool {
	return c.handle.Executing()
}

// Busy reports whether the connection is executing a statement or locked by
// an owner that is still alive. A lock whose owner has disappeared does not
// count: the connection becomes reclaimable without an explicit Free.
func (c *Connection) Busy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.busyLocked()
}

func (c *Connection) busyLocked() bool {
	if c.handle.Executing() {
		return true
	}
	return c.usedBy != nil && c.usedBy.Alive()
}

// Locked reports whether the connection currently records a lock owner,
// regardless of whether that owner is still alive.
func (c *Connection) Locked() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.usedBy != nil
}

// Lock claims the connection for owner. Exactly one of two racing Lock calls
// succeeds; the loser observes ErrConnectionBusy. A closed connection can
// never be locked.
func (c *Connection) Lock(owner Owner) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.handle.Closed() {
		return fmt.Errorf("connection %d: %w", c.ID(), ErrConnectionClosed)
	}
	if c.busyLocked() {
		return fmt.Errorf("connection %d: %w", c.ID(), ErrConnectionBusy)
	}
	c.usedBy = owner
	return nil
}

// Free releases the lock. Freeing an unlocked connection is a no-op; freeing
// a connection that is mid-statement fails with ErrConnectionBusy.
func (c *Connection) Free() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.handle.Executing() {
		return fmt.Errorf("connection %d: %w", c.ID(), ErrConnectionBusy)
	}
	c.usedBy = nil
	return nil
}

// Close closes the underlying handle. Fails with ErrConnectionBusy while the
// connection is busy; closing an already-closed handle is a no-op. The busy
// check and the close form one critical section, so a racing Lock cannot
// slip in between them.
func (c *Connection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.busyLocked() {
		return fmt.Errorf("connection %d: %w", c.ID(), ErrConnectionBusy)
	}
	if c.handle.Closed() {
		return nil
	}
	return c.handle.Close()
}
