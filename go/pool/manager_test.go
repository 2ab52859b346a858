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
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManagerCreate(t *testing.T) {
	m := NewManager(nil)

	require.NoError(t, m.Create("p1", DefaultIdleTTL, 2))
	assert.True(t, m.Contains("p1"))
	assert.False(t, m.Contains("p2"))
}

func TestManagerCreateDuplicate(t *testing.T) {
	m := NewManager(nil)
	require.NoError(t, m.Create("p1", DefaultIdleTTL, 2))

	err := m.Create("p1", DefaultIdleTTL, 2)
	require.ErrorIs(t, err, ErrPoolExists)
}

// No pool is implicitly created on lookup.
func TestManagerGetUnknownPool(t *testing.T) {
	m := NewManager(nil)

	_, err := m.Get("p1", NewToken())
	require.ErrorIs(t, err, ErrPoolNotFound)
	assert.False(t, m.Contains("p1"))
}

func TestManagerOperationsRequireExistingPool(t *testing.T) {
	m := NewManager(nil)
	handle := newFakeConn()

	require.ErrorIs(t, m.Add("nope", handle), ErrPoolNotFound)
	require.ErrorIs(t, m.Clean("nope"), ErrPoolNotFound)
	require.ErrorIs(t, m.Free("nope", handle), ErrPoolNotFound)
	require.ErrorIs(t, m.Lock("nope", handle, NewToken()), ErrPoolNotFound)
	require.ErrorIs(t, m.Remove("nope"), ErrPoolNotFound)
	require.ErrorIs(t, m.RemoveConnection("nope", handle), ErrPoolNotFound)
	require.ErrorIs(t, m.SetIdleTTL("nope", time.Minute), ErrPoolNotFound)
	require.ErrorIs(t, m.SetMaxSize("nope", 5), ErrPoolNotFound)

	_, err := m.HasConnection("nope", handle)
	require.ErrorIs(t, err, ErrPoolNotFound)
	_, err = m.HasIdleConnection("nope")
	require.ErrorIs(t, err, ErrPoolNotFound)
	_, err = m.IsFull("nope")
	require.ErrorIs(t, err, ErrPoolNotFound)
	_, err = m.Size("nope")
	require.ErrorIs(t, err, ErrPoolNotFound)
}

func TestManagerAddGetFreeCycle(t *testing.T) {
	m := NewManager(nil)
	require.NoError(t, m.Create("p1", DefaultIdleTTL, 1))

	handle := newFakeConn()
	require.NoError(t, m.Add("p1", handle))

	has, err := m.HasConnection("p1", handle)
	require.NoError(t, err)
	assert.True(t, has)

	idle, err := m.HasIdleConnection("p1")
	require.NoError(t, err)
	assert.True(t, idle)

	owner := NewToken()
	got, err := m.Get("p1", owner)
	require.NoError(t, err)
	assert.Equal(t, handle.ID(), got.ID())

	idle, err = m.HasIdleConnection("p1")
	require.NoError(t, err)
	assert.False(t, idle)

	require.NoError(t, m.Free("p1", got))
	idle, err = m.HasIdleConnection("p1")
	require.NoError(t, err)
	assert.True(t, idle)
}

func TestManagerLockNewConnection(t *testing.T) {
	m := NewManager(nil)
	require.NoError(t, m.Create("p1", DefaultIdleTTL, 1))

	handle := newFakeConn()
	require.NoError(t, m.Add("p1", handle))
	require.NoError(t, m.Lock("p1", handle, NewToken()))

	_, err := m.Get("p1", NewToken())
	require.ErrorIs(t, err, ErrNoIdleConnections)
}

func TestManagerIsFull(t *testing.T) {
	m := NewManager(nil)
	require.NoError(t, m.Create("p1", DefaultIdleTTL, 1))

	full, err := m.IsFull("p1")
	require.NoError(t, err)
	assert.False(t, full)

	require.NoError(t, m.Add("p1", newFakeConn()))
	full, err = m.IsFull("p1")
	require.NoError(t, err)
	assert.True(t, full)
}

func TestManagerCleanRemovesEmptyPool(t *testing.T) {
	m := NewManager(nil)
	require.NoError(t, m.Create("p1", DefaultIdleTTL, 1))

	handle := newFakeConn()
	require.NoError(t, m.Add("p1", handle))
	handle.closed.Store(true)

	require.NoError(t, m.Clean("p1"))
	assert.False(t, m.Contains("p1"), "empty pool is reclaimed")
}

func TestManagerCleanKeepsNonEmptyPool(t *testing.T) {
	m := NewManager(nil)
	require.NoError(t, m.Create("p1", DefaultIdleTTL, 1))
	require.NoError(t, m.Add("p1", newFakeConn()))

	require.NoError(t, m.Clean("p1"))
	assert.True(t, m.Contains("p1"))
}

func TestManagerRemove(t *testing.T) {
	m := NewManager(nil)
	require.NoError(t, m.Create("p1", DefaultIdleTTL, 1))
	handle := newFakeConn()
	require.NoError(t, m.Add("p1", handle))

	require.NoError(t, m.Remove("p1"))
	assert.False(t, m.Contains("p1"))
	assert.True(t, handle.Closed())
}

func TestManagerRemoveConnection(t *testing.T) {
	m := NewManager(nil)
	require.NoError(t, m.Create("p1", DefaultIdleTTL, 2))
	handle := newFakeConn()
	require.NoError(t, m.Add("p1", handle))

	require.NoError(t, m.RemoveConnection("p1", handle))
	assert.True(t, handle.Closed())

	size, err := m.Size("p1")
	require.NoError(t, err)
	assert.Equal(t, 0, size)
}

func TestManagerSetters(t *testing.T) {
	m := NewManager(nil)
	require.NoError(t, m.Create("p1", DefaultIdleTTL, 1))
	require.NoError(t, m.Add("p1", newFakeConn()))

	require.NoError(t, m.SetMaxSize("p1", 2))
	full, err := m.IsFull("p1")
	require.NoError(t, err)
	assert.False(t, full)

	require.NoError(t, m.SetIdleTTL("p1", time.Nanosecond))
}

func TestManagerShutdown(t *testing.T) {
	m := NewManager(nil)
	require.NoError(t, m.Create("p1", DefaultIdleTTL, 1))
	require.NoError(t, m.Create("p2", DefaultIdleTTL, 1))

	a, b := newFakeConn(), newFakeConn()
	require.NoError(t, m.Add("p1", a))
	require.NoError(t, m.Add("p2", b))
	_, err := m.Get("p1", NewToken())
	require.NoError(t, err)

	require.NoError(t, m.Shutdown())
	assert.True(t, a.Closed())
	assert.True(t, b.Closed())
	assert.False(t, m.Contains("p1"))
	assert.False(t, m.Contains("p2"))
}

func TestManagerShutdownExecutingConnection(t *testing.T) {
	m := NewManager(nil)
	require.NoError(t, m.Create("p1", DefaultIdleTTL, 1))
	handle := newFakeConn()
	require.NoError(t, m.Add("p1", handle))
	handle.executing.Store(true)

	err := m.Shutdown()
	require.ErrorIs(t, err, ErrConnectionBusy)
}

func TestManagerShutdownPartialFailure(t *testing.T) {
	m := NewManager(nil)
	require.NoError(t, m.Create("ok", DefaultIdleTTL, 1))
	require.NoError(t, m.Create("stuck", DefaultIdleTTL, 1))

	a, b := newFakeConn(), newFakeConn()
	require.NoError(t, m.Add("ok", a))
	require.NoError(t, m.Add("stuck", b))
	b.executing.Store(true)

	err := m.Shutdown()
	require.ErrorIs(t, err, ErrConnectionBusy)

	// The pool that shut down cleanly must be gone; only the stuck one
	// remains for a later retry.
	assert.False(t, m.Contains("ok"))
	assert.True(t, m.Contains("stuck"))
	assert.True(t, a.Closed())
	assert.False(t, b.Closed())
}

func TestDefaultManagerIsSingleton(t *testing.T) {
	assert.Same(t, Default(), Default())
}

// Concurrent sessions racing for a single-connection pool: exactly one gets
// the connection, the rest see the no-idle signal.
func TestManagerConcurrentGet(t *testing.T) {
	m := NewManager(nil)
	require.NoError(t, m.Create("p1", DefaultIdleTTL, 1))
	require.NoError(t, m.Add("p1", newFakeConn()))

	const sessions = 16
	var wins, noIdle atomic.Int32
	var start, done sync.WaitGroup
	start.Add(1)
	done.Add(sessions)
	for range sessions {
		go func() {
			defer done.Done()
			start.Wait()
			_, err := m.Get("p1", NewToken())
			if err == nil {
				wins.Add(1)
			} else {
				noIdle.Add(1)
			}
		}()
	}
	start.Done()
	done.Wait()

	assert.Equal(t, int32(1), wins.Load())
	assert.Equal(t, int32(sessions-1), noIdle.Load())
}
