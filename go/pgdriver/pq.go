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

package pgdriver

import (
	"context"
	"database/sql/driver"
	"fmt"
	"sync/atomic"

	"github.com/lib/pq"
)

// connIDs hands out process-unique connection identities.
var connIDs atomic.Uint64

// NextID returns the next process-unique connection id. Exposed so that
// alternative Conn implementations (including test fakes) share the same
// identity space as pq connections.
func NextID() uint64 {
	return connIDs.Add(1)
}

// pqConn adapts a raw lib/pq driver connection to the Conn boundary.
// It is used by one session at a time; the executing flag exists so the
// pool can probe for in-flight statements, not to make the handle
// concurrency-safe.
type pqConn struct {
	id        uint64
	raw       driver.Conn
	closed    atomic.Bool
	executing atomic.Bool
}

// Dial opens a new blocking connection to the target URI or keyword/value DSN.
// It is the production Dialer for synchronous sessions.
func Dial(ctx context.Context, target string) (Conn, error) {
	dsn, err := NormalizeDSN(target)
	if err != nil {
		return nil, err
	}
	connector, err := pq.NewConnector(dsn)
	if err != nil {
		return nil, err
	}
	raw, err := connector.Connect(ctx)
	if err != nil {
		return nil, err
	}
	return &pqConn{id: NextID(), raw: raw}, nil
}

func (c *pqConn) ID() uint64 { return c.id }

func (c *pqConn) Closed() bool { return c.closed.Load() }

func (c *pqConn) Executing() bool { return c.executing.Load() }

func (c *pqConn) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	return c.raw.Close()
}

func (c *pqConn) Query(ctx context.Context, query string, args ...any) (driver.Rows, error) {
	queryer, ok := c.raw.(driver.QueryerContext)
	if !ok {
		return nil, fmt.Errorf("pq connection does not implement QueryerContext")
	}
	c.executing.Store(true)
	defer c.executing.Store(false)
	return queryer.QueryContext(ctx, query, namedValues(args))
}

func (c *pqConn) Exec(ctx context.Context, query string, args ...any) (driver.Result, error) {
	execer, ok := c.raw.(driver.ExecerContext)
	if !ok {
		return nil, fmt.Errorf("pq connection does not implement ExecerContext")
	}
	c.executing.Store(true)
	defer c.executing.Store(false)
	return execer.ExecContext(ctx, query, namedValues(args))
}

func namedValues(args []any) []driver.NamedValue {
	out := make([]driver.NamedValue, len(args))
	for i, arg := range args {
		out[i] = driver.NamedValue{Ordinal: i + 1, Value: arg}
	}
	return out
}
