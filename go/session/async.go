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

package session

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/multigres/pgqueries/go/pgdriver"
	"github.com/multigres/pgqueries/go/pool"
	"github.com/multigres/pgqueries/go/reactor"
	"github.com/multigres/pgqueries/go/tools/retry"
)

// opState tracks where a cooperative operation is in its lifecycle.
type opState int

const (
	// stateConnecting: the handshake on a freshly dialed connection has not
	// finished yet; the query starts once it does.
	stateConnecting opState = iota
	stateAwaitingReadable
	stateAwaitingWritable
	stateComplete
	stateFailed
)

func (s opState) String() string {
	switch s {
	case stateConnecting:
		return "connecting"
	case stateAwaitingReadable:
		return "awaiting-readable"
	case stateAwaitingWritable:
		return "awaiting-writable"
	case stateComplete:
		return "complete"
	case stateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// operation is one in-flight query on one connection. After registration
// with the reactor it is advanced only from the reactor's dispatch
// goroutine.
type operation struct {
	conn  pgdriver.PollableConn
	fd    int
	query string
	args  []any
	state opState
	fut   *Future
}

// Future is the completion handle for a cooperative operation.
type Future struct {
	done chan struct{}
	once sync.Once
	rows driver.Rows
	err  error
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

// Done is closed when the operation has completed or failed.
func (f *Future) Done() <-chan struct{} { return f.done }

// Result waits for completion and returns the result set. Waiting stops
// early when ctx is cancelled; the operation itself keeps running and
// releases its connection when it finishes.
func (f *Future) Result(ctx context.Context) (*Results, error) {
	select {
	case <-f.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if f.err != nil {
		return nil, f.err
	}
	return NewResults(f.rows), nil
}

func (f *Future) resolve(rows driver.Rows, err error) {
	f.once.Do(func() {
		f.rows = rows
		f.err = err
		close(f.done)
	})
}

// AsyncOptions configures an AsyncSession. Dialer and Reactor are required.
type AsyncOptions struct {
	// Manager is the pool manager to register with. Defaults to
	// pool.Default().
	Manager *pool.Manager

	// Dialer starts non-blocking connection attempts.
	Dialer pgdriver.AsyncDialer

	// Reactor delivers socket readiness for in-flight operations.
	Reactor reactor.Reactor

	// Logger receives lifecycle events. Defaults to slog.Default().
	Logger *slog.Logger

	// IdleTTL and MaxSize are used when this session creates the pool.
	// MaxSize defaults to pool.DefaultAsyncMaxSize.
	IdleTTL time.Duration
	MaxSize int

	// FullRetryBase and FullRetryMax bound the backoff used while waiting
	// for a slot in a full pool. The wait as a whole is bounded only by the
	// caller's context.
	FullRetryBase time.Duration
	FullRetryMax  time.Duration
}

// AsyncOptionsFromConfig builds AsyncOptions from a pool configuration.
// Dialer and Reactor must still be set by the caller.
func AsyncOptionsFromConfig(c *pool.Config, logger *slog.Logger) AsyncOptions {
	return AsyncOptions{
		Logger:        logger,
		IdleTTL:       c.IdleTTL(),
		MaxSize:       c.AsyncMaxSize(),
		FullRetryBase: c.FullRetryBase(),
		FullRetryMax:  c.FullRetryMax(),
	}
}

func (o *AsyncOptions) withDefaults() error {
	if o.Dialer == nil {
		return errors.New("async session requires a dialer")
	}
	if o.Reactor == nil {
		return errors.New("async session requires a reactor")
	}
	if o.Manager == nil {
		o.Manager = pool.Default()
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.IdleTTL <= 0 {
		o.IdleTTL = pool.DefaultIdleTTL
	}
	if o.MaxSize <= 0 {
		o.MaxSize = pool.DefaultAsyncMaxSize
	}
	if o.FullRetryBase <= 0 {
		o.FullRetryBase = pool.DefaultFullRetryBase
	}
	if o.FullRetryMax <= 0 {
		o.FullRetryMax = pool.DefaultFullRetryMax
	}
	return nil
}

// AsyncSession runs queries cooperatively: each call acquires its own pooled
// connection, drives connect and query through readiness events, and frees
// the connection when the operation finishes. Unlike Session it has no
// resident connection, so one AsyncSession can have several operations in
// flight, bounded by the pool size.
type AsyncSession struct {
	uri     string
	pid     string
	manager *pool.Manager
	dialer  pgdriver.AsyncDialer
	reactor reactor.Reactor
	logger  *slog.Logger
	token   *pool.Token

	retryBase time.Duration
	retryMax  time.Duration

	mu     sync.Mutex
	ops    map[int]*operation
	closed bool
}

// NewAsync creates a cooperative session against uri. No connection is
// dialed until the first query.
func NewAsync(uri string, opts AsyncOptions) (*AsyncSession, error) {
	if err := opts.withDefaults(); err != nil {
		return nil, err
	}
	pid := PoolID(uri, "async")
	if err := ensurePool(opts.Manager, pid, opts.IdleTTL, opts.MaxSize); err != nil {
		return nil, err
	}
	return &AsyncSession{
		uri:       uri,
		pid:       pid,
		manager:   opts.Manager,
		dialer:    opts.Dialer,
		reactor:   opts.Reactor,
		logger:    opts.Logger,
		token:     pool.NewToken(),
		retryBase: opts.FullRetryBase,
		retryMax:  opts.FullRetryMax,
		ops:       make(map[int]*operation),
	}, nil
}

// PoolID returns the identity of the pool this session draws from.
func (s *AsyncSession) PoolID() string { return s.pid }

// Query starts a query and returns immediately. Connection acquisition,
// including waiting out a full pool, happens in the background and is
// bounded by ctx; the outcome is delivered through the returned Future.
func (s *AsyncSession) Query(ctx context.Context, query string, args ...any) *Future {
	fut := newFuture()
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		fut.resolve(nil, ErrSessionClosed)
		return fut
	}
	s.mu.Unlock()
	go s.start(ctx, fut, query, args)
	return fut
}

// start acquires a connection and hands the operation to the reactor.
func (s *AsyncSession) start(ctx context.Context, fut *Future, query string, args []any) {
	conn, fresh, err := s.acquireAsync(ctx)
	if err != nil {
		fut.resolve(nil, err)
		return
	}

	op := &operation{
		conn:  conn,
		fd:    conn.Fd(),
		query: query,
		args:  args,
		fut:   fut,
	}
	if fresh {
		op.state = stateConnecting
	} else {
		// Pooled connection, already established: send the query now and
		// wait for the socket.
		if err := conn.StartQuery(query, args...); err != nil {
			s.release(op, err)
			fut.resolve(nil, err)
			return
		}
		op.state = stateAwaitingWritable
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.release(op, ErrSessionClosed)
		fut.resolve(nil, ErrSessionClosed)
		return
	}
	s.ops[op.fd] = op
	s.mu.Unlock()

	if err := s.reactor.Add(op.fd, reactor.Writable, func(ev reactor.Event) {
		s.advance(op, ev)
	}); err != nil {
		s.forget(op.fd)
		s.release(op, err)
		fut.resolve(nil, err)
	}
}

// acquireAsync checks out an idle connection, dials when the pool has room,
// and otherwise backs off until a slot frees or ctx expires. fresh reports
// whether the returned connection still has to finish its handshake.
func (s *AsyncSession) acquireAsync(ctx context.Context) (conn pgdriver.PollableConn, fresh bool, err error) {
	// A full pool is re-checked on the backoff schedule instead of
	// hot-looping; the caller's ctx bounds the total wait.
	b := retry.New(s.retryBase, s.retryMax, retry.WithInitialDelay())
	for {
		got, err := s.manager.Get(s.pid, s.token)
		if err == nil {
			pc, ok := got.(pgdriver.PollableConn)
			if !ok {
				// Should not happen: only pollable handles are added to
				// async pools.
				_ = s.manager.Free(s.pid, got)
				return nil, false, fmt.Errorf("pool %s holds a non-pollable connection", s.pid)
			}
			return pc, false, nil
		}
		if !errors.Is(err, pool.ErrNoIdleConnections) {
			return nil, false, err
		}

		full, err := s.manager.IsFull(s.pid)
		if err != nil {
			return nil, false, err
		}
		if !full {
			pc, err := s.dialer(ctx, s.uri)
			if err != nil {
				return nil, false, err
			}
			if err := s.manager.Add(s.pid, pc); err != nil {
				if errors.Is(err, pool.ErrPoolFull) {
					// Lost the race for the last slot; the pool closed the
					// handle, go back to waiting.
					if err := b.StartAttempt(ctx); err != nil {
						return nil, false, err
					}
					continue
				}
				_ = pc.Close()
				return nil, false, err
			}
			if err := s.manager.Lock(s.pid, pc, s.token); err != nil {
				return nil, false, err
			}
			return pc, true, nil
		}

		if err := b.StartAttempt(ctx); err != nil {
			return nil, false, fmt.Errorf("waiting for pool %s: %w", s.pid, err)
		}
	}
}

// advance drives an operation's state machine from one readiness event.
// Runs on the reactor's dispatch goroutine.
func (s *AsyncSession) advance(op *operation, ev reactor.Event) {
	s.mu.Lock()
	tracked := s.ops[op.fd] == op
	s.mu.Unlock()
	if !tracked {
		// Late event for an operation that already finished.
		s.logger.Debug("ignoring event for untracked fd", "fd", op.fd)
		return
	}

	status, err := op.conn.Poll()
	if err != nil {
		s.finish(op, nil, err)
		return
	}

	switch status {
	case pgdriver.PollOK:
		if op.state == stateConnecting {
			// Handshake done; send the query on the now-established
			// connection.
			if err := op.conn.StartQuery(op.query, op.args...); err != nil {
				s.finish(op, nil, err)
				return
			}
			op.state = stateAwaitingWritable
			s.updateInterest(op, reactor.Writable)
			return
		}
		rows, err := op.conn.Results()
		s.finish(op, rows, err)
	case pgdriver.PollWrite:
		op.state = stateAwaitingWritable
		s.updateInterest(op, reactor.Writable)
	case pgdriver.PollRead:
		op.state = stateAwaitingReadable
		s.updateInterest(op, reactor.Readable)
	}
}

func (s *AsyncSession) updateInterest(op *operation, interest reactor.Interest) {
	if err := s.reactor.Update(op.fd, interest); err != nil {
		s.finish(op, nil, err)
	}
}

// finish tears the operation down before its outcome is surfaced: the fd is
// deregistered and the connection is either freed back to the pool or, on
// failure, removed and closed.
func (s *AsyncSession) finish(op *operation, rows driver.Rows, err error) {
	if err != nil {
		op.state = stateFailed
	} else {
		op.state = stateComplete
	}
	s.forget(op.fd)
	s.release(op, err)
	op.fut.resolve(rows, err)
}

func (s *AsyncSession) forget(fd int) {
	s.mu.Lock()
	delete(s.ops, fd)
	s.mu.Unlock()
	if err := s.reactor.Remove(fd); err != nil {
		s.logger.Warn("reactor deregistration failed", "fd", fd, "error", err)
	}
}

// release returns the operation's connection to the pool. A connection whose
// operation failed is not safe to reuse, so it is dropped instead of freed.
func (s *AsyncSession) release(op *operation, opErr error) {
	if opErr != nil {
		// The lock must go first: removal closes the connection, and a
		// locked connection refuses to close. Skipping this would leave
		// the dead entry occupying a pool slot.
		if err := s.manager.Free(s.pid, op.conn); err != nil && !benign(err) {
			s.logger.Warn("freeing failed connection", "pool", s.pid, "error", err)
		}
		if err := s.manager.RemoveConnection(s.pid, op.conn); err != nil && !benign(err) {
			s.logger.Warn("removing failed connection", "pool", s.pid, "error", err)
			_ = op.conn.Close()
		}
		return
	}
	if err := s.manager.Free(s.pid, op.conn); err != nil && !benign(err) {
		s.logger.Warn("freeing connection", "pool", s.pid, "error", err)
	}
}

// Close invalidates the session's ownership token and sweeps its pool.
// Operations still in flight fail their cleanup benignly once their
// connections are reclaimed.
func (s *AsyncSession) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	ops := make([]*operation, 0, len(s.ops))
	for _, op := range s.ops {
		ops = append(ops, op)
	}
	clear(s.ops)
	s.mu.Unlock()

	s.token.Invalidate()
	for _, op := range ops {
		if err := s.reactor.Remove(op.fd); err != nil {
			s.logger.Warn("reactor deregistration failed", "fd", op.fd, "error", err)
		}
		op.fut.resolve(nil, ErrSessionClosed)
	}
	if err := s.manager.Clean(s.pid); err != nil && !benign(err) {
		return err
	}
	s.logger.Debug("async session closed", "pool", s.pid)
	return nil
}
