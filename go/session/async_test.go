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
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/multigres/pgqueries/go/pgdriver"
	"github.com/multigres/pgqueries/go/pool"
	"github.com/multigres/pgqueries/go/reactor"
	"github.com/multigres/pgqueries/go/viperutil"
)

func testAsyncOptions(m *pool.Manager, d pgdriver.AsyncDialer, r reactor.Reactor) AsyncOptions {
	return AsyncOptions{
		Manager:       m,
		Dialer:        d,
		Reactor:       r,
		Logger:        testLogger(),
		IdleTTL:       time.Minute,
		MaxSize:       2,
		FullRetryBase: time.Millisecond,
		FullRetryMax:  5 * time.Millisecond,
	}
}

func waitAdded(t *testing.T, r *fakeReactor) int {
	t.Helper()
	select {
	case fd := <-r.added:
		return fd
	case <-time.After(5 * time.Second):
		t.Fatal("operation never registered with the reactor")
		return 0
	}
}

func resolve(t *testing.T, fut *Future) (*Results, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return fut.Result(ctx)
}

func TestNewAsyncRequiresCollaborators(t *testing.T) {
	_, err := NewAsync(testURI, AsyncOptions{Reactor: newFakeReactor()})
	assert.Error(t, err)
	_, err = NewAsync(testURI, AsyncOptions{Dialer: asyncDialerFor()})
	assert.Error(t, err)
}

func TestAsyncQueryFreshConnection(t *testing.T) {
	m := pool.NewManager(testLogger())
	r := newFakeReactor()
	conn := newFakePollable(7,
		pollStep{status: pgdriver.PollOK},   // handshake complete
		pollStep{status: pgdriver.PollRead}, // query sent, result pending
		pollStep{status: pgdriver.PollOK},   // result ready
	)

	s, err := NewAsync(testURI, testAsyncOptions(m, asyncDialerFor(conn), r))
	require.NoError(t, err)

	fut := s.Query(context.Background(), "SELECT 1")
	fd := waitAdded(t, r)
	require.Equal(t, 7, fd)
	assert.Equal(t, reactor.Writable, r.interest(fd))

	// Socket writable: handshake completes and the query goes out.
	r.fire(fd, reactor.Event{Writable: true})
	assert.Equal(t, []string{"SELECT 1"}, conn.startedQueries())
	assert.Equal(t, reactor.Writable, r.interest(fd))

	// Driver now wants readability.
	r.fire(fd, reactor.Event{Writable: true})
	assert.Equal(t, reactor.Readable, r.interest(fd))

	// Result ready.
	r.fire(fd, reactor.Event{Readable: true})

	res, err := resolve(t, fut)
	require.NoError(t, err)
	assert.Equal(t, []string{"n"}, res.Columns())

	assert.False(t, r.registered(fd), "finished operation must deregister")
	idle, err := m.HasIdleConnection(s.PoolID())
	require.NoError(t, err)
	assert.True(t, idle, "connection must return to the pool")

	require.NoError(t, s.Close())
}

func TestAsyncQueryReusesPooledConnection(t *testing.T) {
	m := pool.NewManager(testLogger())
	r := newFakeReactor()
	conn := newFakePollable(9, pollStep{status: pgdriver.PollOK})

	s, err := NewAsync(testURI, testAsyncOptions(m, asyncDialerFor(), r))
	require.NoError(t, err)
	require.NoError(t, m.Add(s.PoolID(), conn))

	fut := s.Query(context.Background(), "SELECT 2")
	fd := waitAdded(t, r)

	// No handshake phase: the query is sent before registration.
	assert.Equal(t, []string{"SELECT 2"}, conn.startedQueries())

	r.fire(fd, reactor.Event{Readable: true})
	_, err = resolve(t, fut)
	require.NoError(t, err)

	require.NoError(t, s.Close())
}

func TestAsyncQueryPollFailureDropsConnection(t *testing.T) {
	m := pool.NewManager(testLogger())
	r := newFakeReactor()
	errPoll := errors.New("server closed the connection unexpectedly")
	conn := newFakePollable(11, pollStep{err: errPoll})

	s, err := NewAsync(testURI, testAsyncOptions(m, asyncDialerFor(conn), r))
	require.NoError(t, err)

	fut := s.Query(context.Background(), "SELECT 3")
	fd := waitAdded(t, r)

	r.fire(fd, reactor.Event{Writable: true, Error: true})

	_, err = resolve(t, fut)
	assert.ErrorIs(t, err, errPoll)
	assert.True(t, conn.Closed(), "failed connection must be closed")
	assert.False(t, r.registered(fd))

	has, herr := m.HasConnection(s.PoolID(), conn)
	require.NoError(t, herr)
	assert.False(t, has, "failed connection must leave the pool")
	size, serr := m.Size(s.PoolID())
	require.NoError(t, serr)
	assert.Zero(t, size, "failed connection must not occupy a slot")

	require.NoError(t, s.Close())
}

func TestAsyncFailedQueryReleasesPoolSlot(t *testing.T) {
	m := pool.NewManager(testLogger())
	r := newFakeReactor()
	errPoll := errors.New("connection reset by peer")
	bad := newFakePollable(21, pollStep{err: errPoll})
	good := newFakePollable(23,
		pollStep{status: pgdriver.PollOK},
		pollStep{status: pgdriver.PollOK},
	)

	opts := testAsyncOptions(m, asyncDialerFor(bad, good), r)
	opts.MaxSize = 1
	s, err := NewAsync(testURI, opts)
	require.NoError(t, err)

	fut := s.Query(context.Background(), "SELECT 9")
	fd := waitAdded(t, r)
	r.fire(fd, reactor.Event{Writable: true, Error: true})
	_, err = resolve(t, fut)
	require.ErrorIs(t, err, errPoll)

	// The single slot must be usable again without waiting out a deadline.
	fut = s.Query(context.Background(), "SELECT 10")
	fd = waitAdded(t, r)
	r.fire(fd, reactor.Event{Writable: true})
	r.fire(fd, reactor.Event{Readable: true})
	_, err = resolve(t, fut)
	require.NoError(t, err)

	require.NoError(t, s.Close())
}

func TestAsyncQueryWaitsOutFullPool(t *testing.T) {
	m := pool.NewManager(testLogger())
	r := newFakeReactor()
	conn := newFakePollable(13, pollStep{status: pgdriver.PollOK})

	opts := testAsyncOptions(m, asyncDialerFor(), r)
	opts.MaxSize = 1
	s, err := NewAsync(testURI, opts)
	require.NoError(t, err)

	// Another owner holds the only slot.
	other := pool.NewToken()
	require.NoError(t, m.Add(s.PoolID(), conn))
	require.NoError(t, m.Lock(s.PoolID(), conn, other))

	fut := s.Query(context.Background(), "SELECT 4")

	// Nothing can be acquired yet.
	select {
	case <-fut.Done():
		t.Fatal("query completed against a full pool")
	case <-time.After(10 * time.Millisecond):
	}

	// Slot frees; the backoff loop picks it up.
	require.NoError(t, m.Free(s.PoolID(), conn))

	fd := waitAdded(t, r)
	r.fire(fd, reactor.Event{Readable: true})
	_, err = resolve(t, fut)
	require.NoError(t, err)

	require.NoError(t, s.Close())
}

func TestAsyncQueryFullPoolHonorsDeadline(t *testing.T) {
	m := pool.NewManager(testLogger())
	r := newFakeReactor()
	conn := newFakePollable(15)

	opts := testAsyncOptions(m, asyncDialerFor(), r)
	opts.MaxSize = 1
	s, err := NewAsync(testURI, opts)
	require.NoError(t, err)

	other := pool.NewToken()
	require.NoError(t, m.Add(s.PoolID(), conn))
	require.NoError(t, m.Lock(s.PoolID(), conn, other))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	fut := s.Query(ctx, "SELECT 5")

	_, err = resolve(t, fut)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	require.NoError(t, s.Close())
}

func TestAsyncLateEventIgnored(t *testing.T) {
	m := pool.NewManager(testLogger())
	r := newFakeReactor()
	conn := newFakePollable(17, pollStep{status: pgdriver.PollOK})

	s, err := NewAsync(testURI, testAsyncOptions(m, asyncDialerFor(), r))
	require.NoError(t, err)
	require.NoError(t, m.Add(s.PoolID(), conn))

	fut := s.Query(context.Background(), "SELECT 6")
	fd := waitAdded(t, r)
	r.fire(fd, reactor.Event{Readable: true})
	_, err = resolve(t, fut)
	require.NoError(t, err)

	// A straggler event for the finished operation must be a no-op.
	r.fire(fd, reactor.Event{Readable: true})
	assert.Equal(t, []string{"SELECT 6"}, conn.startedQueries())

	require.NoError(t, s.Close())
}

func TestAsyncCloseFailsPendingOperations(t *testing.T) {
	m := pool.NewManager(testLogger())
	r := newFakeReactor()
	conn := newFakePollable(19, pollStep{status: pgdriver.PollRead})

	s, err := NewAsync(testURI, testAsyncOptions(m, asyncDialerFor(), r))
	require.NoError(t, err)
	require.NoError(t, m.Add(s.PoolID(), conn))

	fut := s.Query(context.Background(), "SELECT 7")
	fd := waitAdded(t, r)

	require.NoError(t, s.Close())

	_, err = resolve(t, fut)
	assert.ErrorIs(t, err, ErrSessionClosed)
	assert.False(t, r.registered(fd))
}

func TestAsyncQueryAfterClose(t *testing.T) {
	m := pool.NewManager(testLogger())
	r := newFakeReactor()

	s, err := NewAsync(testURI, testAsyncOptions(m, asyncDialerFor(), r))
	require.NoError(t, err)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	_, err = resolve(t, s.Query(context.Background(), "SELECT 8"))
	assert.ErrorIs(t, err, ErrSessionClosed)
}

func TestAsyncOptionsFromConfig(t *testing.T) {
	cfg := pool.NewConfig(viperutil.NewRegistry())
	opts := AsyncOptionsFromConfig(cfg, testLogger())
	assert.Equal(t, pool.DefaultAsyncMaxSize, opts.MaxSize)
	assert.Equal(t, pool.DefaultFullRetryBase, opts.FullRetryBase)
	assert.Equal(t, pool.DefaultFullRetryMax, opts.FullRetryMax)
}
