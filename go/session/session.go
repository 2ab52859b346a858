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

// Package session provides the user-facing surface of the pooling library.
// A Session owns at most one pooled connection at a time; sessions against
// the same server URI share one pool per session kind.
package session

import (
	"context"
	"crypto/sha256"
	"database/sql/driver"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/multigres/pgqueries/go/pgdriver"
	"github.com/multigres/pgqueries/go/pool"
)

// ErrSessionClosed is returned by operations on a closed session.
var ErrSessionClosed = errors.New("session is closed")

// PoolID derives the pool identity for a server URI and session kind.
// Sessions of the same kind against the same URI land in the same pool;
// synchronous and cooperative sessions never share a pool because their
// connections are not interchangeable.
func PoolID(uri, kind string) string {
	sum := sha256.Sum256([]byte(uri + ":" + kind))
	return hex.EncodeToString(sum[:])
}

// Options configures a Session. The zero value selects the shared default
// manager, the lib/pq dialer and the default pool limits.
type Options struct {
	// Manager is the pool manager to register with. Defaults to
	// pool.Default().
	Manager *pool.Manager

	// Dialer opens new physical connections. Defaults to pgdriver.Dial.
	Dialer pgdriver.Dialer

	// Logger receives lifecycle events. Defaults to slog.Default().
	Logger *slog.Logger

	// IdleTTL is used when this session is the one creating the pool.
	// Defaults to pool.DefaultIdleTTL.
	IdleTTL time.Duration

	// MaxSize is used when this session is the one creating the pool.
	// Defaults to pool.DefaultMaxSize.
	MaxSize int
}

// OptionsFromConfig builds Options from a pool configuration.
func OptionsFromConfig(c *pool.Config, logger *slog.Logger) Options {
	return Options{
		Logger:  logger,
		IdleTTL: c.IdleTTL(),
		MaxSize: c.MaxSize(),
	}
}

func (o *Options) withDefaults() {
	if o.Manager == nil {
		o.Manager = pool.Default()
	}
	if o.Dialer == nil {
		o.Dialer = pgdriver.Dial
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.IdleTTL <= 0 {
		o.IdleTTL = pool.DefaultIdleTTL
	}
	if o.MaxSize <= 0 {
		o.MaxSize = pool.DefaultMaxSize
	}
}

// Session is a synchronous session holding one locked pooled connection.
// It is not safe for concurrent use; open one session per goroutine and let
// the shared pool bound the total number of connections.
type Session struct {
	uri     string
	pid     string
	manager *pool.Manager
	dialer  pgdriver.Dialer
	logger  *slog.Logger

	token   *pool.Token
	cleanup runtime.Cleanup

	mu     sync.Mutex
	conn   pgdriver.Conn
	closed bool
}

// New opens a session against uri, creating the pool for it on first use and
// acquiring one connection. On pool exhaustion it fails with an error
// matching pool.ErrPoolFull rather than dialing past the limit.
func New(ctx context.Context, uri string, opts Options) (*Session, error) {
	opts.withDefaults()

	pid := PoolID(uri, "session")
	if err := ensurePool(opts.Manager, pid, opts.IdleTTL, opts.MaxSize); err != nil {
		return nil, err
	}

	s := &Session{
		uri:     uri,
		pid:     pid,
		manager: opts.Manager,
		dialer:  opts.Dialer,
		logger:  opts.Logger,
		token:   pool.NewToken(),
	}
	conn, err := acquire(ctx, opts.Manager, pid, opts.Dialer, uri, s.token)
	if err != nil {
		return nil, err
	}
	s.conn = conn

	// If the session is dropped without Close, the token dies with it and
	// the pool reclaims the connection on its next sweep.
	s.cleanup = runtime.AddCleanup(s, func(t *pool.Token) { t.Invalidate() }, s.token)

	s.logger.Debug("session opened", "pool", pid, "conn", conn.ID())
	return s, nil
}

// ensurePool creates the pool if missing, tolerating a concurrent create.
func ensurePool(m *pool.Manager, pid string, idleTTL time.Duration, maxSize int) error {
	if m.Contains(pid) {
		return nil
	}
	if err := m.Create(pid, idleTTL, maxSize); err != nil && !errors.Is(err, pool.ErrPoolExists) {
		return err
	}
	return nil
}

// acquire checks the pool out for an idle connection, dialing a new one only
// when the pool has room. Driver errors pass through unmodified.
func acquire(ctx context.Context, m *pool.Manager, pid string, dial pgdriver.Dialer, uri string, owner pool.Owner) (pgdriver.Conn, error) {
	conn, err := m.Get(pid, owner)
	if err == nil {
		return conn, nil
	}
	if !errors.Is(err, pool.ErrNoIdleConnections) {
		return nil, err
	}
	full, err := m.IsFull(pid)
	if err != nil {
		return nil, err
	}
	if full {
		return nil, fmt.Errorf("pool %s: %w", pid, pool.ErrPoolFull)
	}
	handle, err := dial(ctx, uri)
	if err != nil {
		return nil, err
	}
	if err := m.Add(pid, handle); err != nil {
		// Add closes the handle itself when it rejects on capacity.
		if !errors.Is(err, pool.ErrPoolFull) {
			_ = handle.Close()
		}
		return nil, err
	}
	if err := m.Lock(pid, handle, owner); err != nil {
		return nil, err
	}
	return handle, nil
}

// Connection returns the session's pooled connection.
func (s *Session) Connection() pgdriver.Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn
}

// PoolID returns the identity of the pool this session draws from.
func (s *Session) PoolID() string { return s.pid }

// Query runs a query on the session's connection and wraps the rows.
func (s *Session) Query(ctx context.Context, query string, args ...any) (*Results, error) {
	conn, err := s.handle()
	if err != nil {
		return nil, err
	}
	rows, err := conn.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return NewResults(rows), nil
}

// Exec runs a statement that returns no rows.
func (s *Session) Exec(ctx context.Context, query string, args ...any) (driver.Result, error) {
	conn, err := s.handle()
	if err != nil {
		return nil, err
	}
	return conn.Exec(ctx, query, args...)
}

func (s *Session) handle() (pgdriver.Conn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.conn == nil {
		return nil, ErrSessionClosed
	}
	return s.conn, nil
}

// Close returns the connection to the pool and invalidates the session's
// ownership token. The pool and connection may already be gone; that is not
// an error. Close is idempotent.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()

	s.cleanup.Stop()
	s.token.Invalidate()

	var errs []error
	if conn != nil {
		if err := s.manager.Free(s.pid, conn); err != nil && !benign(err) {
			errs = append(errs, err)
		}
	}
	// Opportunistic sweep: drop dead connections and let an all-idle pool
	// age out.
	if err := s.manager.Clean(s.pid); err != nil && !benign(err) {
		errs = append(errs, err)
	}
	s.logger.Debug("session closed", "pool", s.pid)
	return errors.Join(errs...)
}

// benign filters bookkeeping races on close: the pool or connection may have
// been removed by another actor already.
func benign(err error) bool {
	return errors.Is(err, pool.ErrPoolNotFound) || errors.Is(err, pool.ErrConnectionNotFound)
}
