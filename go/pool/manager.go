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
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/multigres/pgqueries/go/pgdriver"
)

// Manager is the process-wide directory of Pools, keyed by pool id. Every
// operation is pool-id-scoped: it first ensures the pool exists (failing
// with ErrPoolNotFound otherwise) and then delegates to the Pool. A single
// coarse mutex guards the directory; the pools guard their own state.
//
// Sessions normally share the Default() manager. Tests construct isolated
// instances with NewManager.
type Manager struct {
	logger *slog.Logger

	mu    sync.Mutex
	pools map[string]*Pool
}

var (
	defaultManager *Manager
	defaultOnce    sync.Once
)

// Default returns the shared process-wide manager, creating it on first use.
func Default() *Manager {
	defaultOnce.Do(func() {
		defaultManager = NewManager(slog.Default())
	})
	return defaultManager
}

// NewManager creates an isolated manager. A nil logger falls back to
// slog.Default().
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		logger: logger,
		pools:  make(map[string]*Pool),
	}
}

// Contains reports whether the pool id has been created.
func (m *Manager) Contains(pid string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.pools[pid]
	return ok
}

// Create registers a new pool under pid with the given idle TTL and maximum
// size. Fails with ErrPoolExists if the id is already registered.
func (m *Manager) Create(pid string, idleTTL time.Duration, maxSize int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.pools[pid]; ok {
		return fmt.Errorf("pool %s: %w", pid, ErrPoolExists)
	}
	m.logger.Debug("creating pool", "pool", pid, "idle_ttl", idleTTL, "max_size", maxSize)
	m.pools[pid] = NewPool(pid, idleTTL, maxSize, m.logger)
	return nil
}

// Add adds a new physical connection to the addressed pool.
func (m *Manager) Add(pid string, handle pgdriver.Conn) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, err := m.poolLocked(pid)
	if err != nil {
		return err
	}
	return p.Add(handle)
}

// Clean removes closed connections and idle-expired pools. A pool left with
// zero connections is removed from the manager entirely; this is how idle
// pools are reclaimed.
func (m *Manager) Clean(pid string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, err := m.poolLocked(pid)
	if err != nil {
		return err
	}
	if err := p.Clean(); err != nil {
		return err
	}
	if p.Size() == 0 {
		delete(m.pools, pid)
		m.logger.Debug("empty pool removed", "pool", pid)
	}
	return nil
}

// Get returns an idle connection from the addressed pool, locked for owner.
func (m *Manager) Get(pid string, owner Owner) (pgdriver.Conn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, err := m.poolLocked(pid)
	if err != nil {
		return nil, err
	}
	return p.Get(owner)
}

// Free releases the lock a session held on the given connection.
func (m *Manager) Free(pid string, handle pgdriver.Conn) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, err := m.poolLocked(pid)
	if err != nil {
		return err
	}
	return p.Free(handle)
}

// HasConnection reports whether the addressed pool tracks the handle.
func (m *Manager) HasConnection(pid string, handle pgdriver.Conn) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, err := m.poolLocked(pid)
	if err != nil {
		return false, err
	}
	return p.Contains(handle), nil
}

// HasIdleConnection reports whether the addressed pool has at least one idle
// connection.
func (m *Manager) HasIdleConnection(pid string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, err := m.poolLocked(pid)
	if err != nil {
		return false, err
	}
	return len(p.IdleConnections()) > 0, nil
}

// IsFull reports whether the addressed pool is at capacity.
func (m *Manager) IsFull(pid string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, err := m.poolLocked(pid)
	if err != nil {
		return false, err
	}
	return p.IsFull(), nil
}

// Lock explicitly locks the given connection in the addressed pool for owner.
func (m *Manager) Lock(pid string, handle pgdriver.Conn, owner Owner) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, err := m.poolLocked(pid)
	if err != nil {
		return err
	}
	return p.Lock(handle, owner)
}

// Remove closes the addressed pool entirely and removes it from the manager.
func (m *Manager) Remove(pid string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, err := m.poolLocked(pid)
	if err != nil {
		return err
	}
	if err := p.Close(); err != nil {
		return err
	}
	delete(m.pools, pid)
	m.logger.Debug("pool removed", "pool", pid)
	return nil
}

// RemoveConnection removes a single connection from the addressed pool,
// closing it if it is open.
func (m *Manager) RemoveConnection(pid string, handle pgdriver.Conn) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, err := m.poolLocked(pid)
	if err != nil {
		return err
	}
	return p.Remove(handle)
}

// SetIdleTTL updates the idle TTL for the addressed pool.
func (m *Manager) SetIdleTTL(pid string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, err := m.poolLocked(pid)
	if err != nil {
		return err
	}
	p.SetIdleTTL(ttl)
	return nil
}

// SetMaxSize updates the maximum size for the addressed pool.
func (m *Manager) SetMaxSize(pid string, size int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, err := m.poolLocked(pid)
	if err != nil {
		return err
	}
	p.SetMaxSize(size)
	return nil
}

// Size returns the number of connections in the addressed pool.
func (m *Manager) Size(pid string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, err := m.poolLocked(pid)
	if err != nil {
		return 0, err
	}
	return p.Size(), nil
}

// Shutdown force-shuts-down every pool concurrently. Fails with
// ErrConnectionBusy if any pool has a connection that is actively executing.
// Used at process exit.
func (m *Manager) Shutdown() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var (
		done sync.Mutex
		shut []string
	)
	g := new(errgroup.Group)
	for pid, p := range m.pools {
		g.Go(func() error {
			if err := p.Shutdown(); err != nil {
				return err
			}
			done.Lock()
			shut = append(shut, pid)
			done.Unlock()
			return nil
		})
	}
	err := g.Wait()
	// Pools that did shut down leave the directory even when others could
	// not; the error reports only what is still alive.
	for _, pid := range shut {
		delete(m.pools, pid)
	}
	if err != nil {
		return err
	}
	m.logger.Info("shutdown complete, all pooled connections closed")
	return nil
}

// poolLocked resolves pid; m.mu must be held.
func (m *Manager) poolLocked(pid string) (*Pool, error) {
	p, ok := m.pools[pid]
	if !ok {
		return nil, fmt.Errorf("pool %s: %w", pid, ErrPoolNotFound)
	}
	return p, nil
}
