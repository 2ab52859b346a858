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

// Package pool implements reference-counted connection pooling: Connection
// tracks one handle's locking state, Pool owns a bounded set of Connections
// for one pool id, and Manager is the directory of Pools shared by all
// sessions in the process.
package pool

import (
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/multigres/pgqueries/go/pgdriver"
)

// Pool owns a bounded set of Connections for one pool id and arbitrates
// access to them. All methods are safe for concurrent use; no method blocks
// waiting for a connection to free. Callers that find the pool exhausted
// must back off and retry.
type Pool struct {
	id     string
	logger *slog.Logger

	mu        sync.Mutex
	conns     map[uint64]*Connection
	idleTTL   time.Duration
	maxSize   int
	idleStart time.Time // set iff no connection is locked; zero otherwise
}

// NewPool creates a pool for the given id. A nil logger falls back to
// slog.Default().
func NewPool(id string, idleTTL time.Duration, maxSize int, logger *slog.Logger) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		id:      id,
		logger:  logger,
		conns:   make(map[uint64]*Connection),
		idleTTL: idleTTL,
		maxSize: maxSize,
	}
}

// ID returns the pool's identity.
func (p *Pool) ID() string { return p.id }

// Add wraps handle in a new Connection and stores it. Fails with
// ErrConnectionExists if the handle is already tracked, or with ErrPoolFull
// if the pool is at capacity; a rejected handle is closed so it cannot leak.
func (p *Pool) Add(handle pgdriver.Conn) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.conns[handle.ID()]; ok {
		return fmt.Errorf("pool %s: connection %d: %w", p.id, handle.ID(), ErrConnectionExists)
	}
	if len(p.conns) >= p.maxSize {
		p.logger.Warn("pool full, closing rejected connection",
			"pool", p.id, "conn", handle.ID())
		if err := handle.Close(); err != nil {
			p.logger.Error("error closing rejected connection",
				"pool", p.id, "conn", handle.ID(), "err", err)
		}
		return fmt.Errorf("pool %s: %w", p.id, ErrPoolFull)
	}

	p.conns[handle.ID()] = NewConnection(handle)
	p.logger.Debug("connection added", "pool", p.id, "conn", handle.ID())
	return nil
}

// Get selects the first idle connection in ascending handle-id order, locks
// it for owner and returns its handle. Fails with ErrNoIdleConnections when
// nothing qualifies.
func (p *Pool) Get(owner Owner) (pgdriver.Conn, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, id := range slices.Sorted(maps.Keys(p.conns)) {
		conn := p.conns[id]
		if conn.Closed() || conn.Busy() {
			continue
		}
		if err := conn.Lock(owner); err != nil {
			continue
		}
		p.idleStart = time.Time{}
		p.logger.Debug("connection locked", "pool", p.id, "conn", id)
		return conn.Handle(), nil
	}
	return nil, fmt.Errorf("pool %s: %w", p.id, ErrNoIdleConnections)
}

// Free releases the lock on the given handle's Connection. When the pool is
// left with no busy connections, the pool-level idle clock starts.
func (p *Pool) Free(handle pgdriver.Conn) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	conn, ok := p.conns[handle.ID()]
	if !ok {
		return fmt.Errorf("pool %s: connection %d: %w", p.id, handle.ID(), ErrConnectionNotFound)
	}
	if err := conn.Free(); err != nil {
		return err
	}
	if p.allIdleLocked() {
		p.idleStart = time.Now()
	}
	p.logger.Debug("connection freed", "pool", p.id, "conn", handle.ID())
	return nil
}

// Lock explicitly locks the given handle's Connection for owner. This is the
// path used when a session adds a brand-new physical connection and claims
// it directly, bypassing Get.
func (p *Pool) Lock(handle pgdriver.Conn, owner Owner) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	conn, ok := p.conns[handle.ID()]
	if !ok {
		return fmt.Errorf("pool %s: connection %d: %w", p.id, handle.ID(), ErrConnectionNotFound)
	}
	if err := conn.Lock(owner); err != nil {
		return err
	}
	p.idleStart = time.Time{}
	p.logger.Debug("connection locked", "pool", p.id, "conn", handle.ID())
	return nil
}

// Remove closes the given handle's Connection and deletes it from the pool.
// A busy connection cannot be removed; it stays in the pool and
// ErrConnectionBusy is returned.
func (p *Pool) Remove(handle pgdriver.Conn) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.removeLocked(handle.ID())
}

func (p *Pool) removeLocked(id uint64) error {
	conn, ok := p.conns[id]
	if !ok {
		return fmt.Errorf("pool %s: connection %d: %w", p.id, id, ErrConnectionNotFound)
	}
	if err := conn.Close(); err != nil {
		return err
	}
	delete(p.conns, id)
	p.logger.Debug("connection removed", "pool", p.id, "conn", id)
	return nil
}

// Clean drops connections whose handles report closed, then performs a full
// pool reset (close and remove everything) if the pool has been idle longer
// than its idle TTL.
func (p *Pool) Clean() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, id := range slices.Sorted(maps.Keys(p.conns)) {
		if p.conns[id].Closed() {
			delete(p.conns, id)
			p.logger.Debug("closed connection dropped", "pool", p.id, "conn", id)
		}
	}

	if p.idleDurationLocked() > p.idleTTL {
		p.logger.Debug("idle TTL exceeded, resetting pool", "pool", p.id)
		return p.closeLocked()
	}
	return nil
}

// Close closes and removes every connection in the pool. Fails with
// ErrConnectionBusy if any connection is busy.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closeLocked()
}

func (p *Pool) closeLocked() error {
	for _, id := range slices.Sorted(maps.Keys(p.conns)) {
		if err := p.removeLocked(id); err != nil {
			return err
		}
	}
	p.logger.Debug("pool closed", "pool", p.id)
	return nil
}

// Shutdown force-closes all connections, releasing locks first. Fails with
// ErrConnectionBusy if any connection is actively executing; execution
// cannot be forced.
func (p *Pool) Shutdown() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, id := range slices.Sorted(maps.Keys(p.conns)) {
		conn := p.conns[id]
		if conn.Executing() {
			return fmt.Errorf("pool %s: connection %d: %w", p.id, id, ErrConnectionBusy)
		}
		if conn.Locked() {
			if err := conn.Free(); err != nil {
				return err
			}
		}
		if err := conn.Close(); err != nil {
			return err
		}
		delete(p.conns, id)
	}
	p.logger.Debug("pool shut down", "pool", p.id)
	return nil
}

// Contains reports whether the pool tracks the given handle.
func (p *Pool) Contains(handle pgdriver.Conn) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.conns[handle.ID()]
	return ok
}

// Size returns the number of connections currently in the pool.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.conns)
}

// IsFull reports whether the pool has no open slots left.
func (p *Pool) IsFull() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.conns) >= p.maxSize
}

// IdleConnections returns the handles that are neither busy nor closed, in
// ascending handle-id order.
func (p *Pool) IdleConnections() []pgdriver.Conn {
	p.mu.Lock()
	defer p.mu.Unlock()

	var idle []pgdriver.Conn
	for _, id := range slices.Sorted(maps.Keys(p.conns)) {
		conn := p.conns[id]
		if !conn.Busy() && !conn.Closed() {
			idle = append(idle, conn.Handle())
		}
	}
	return idle
}

// IdleDuration returns how long the pool has had no busy connections, or 0
// if the idle clock is not running.
func (p *Pool) IdleDuration() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.idleDurationLocked()
}

// SetIdleTTL updates the idle TTL.
func (p *Pool) SetIdleTTL(ttl time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.idleTTL = ttl
}

// SetMaxSize updates the maximum number of connections. Shrinking below the
// current size does not evict connections; it only prevents further adds.
func (p *Pool) SetMaxSize(size int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.maxSize = size
}

func (p *Pool) idleDurationLocked() time.Duration {
	if p.idleStart.IsZero() {
		return 0
	}
	return time.Since(p.idleStart)
}

func (p *Pool) allIdleLocked() bool {
	for _, conn := range p.conns {
		if conn.Busy() || conn.Closed() {
			return false
		}
	}
	return true
}
