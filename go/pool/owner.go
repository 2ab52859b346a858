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

import "sync/atomic"

// Owner identifies the holder of a connection lock. It is a non-owning
// back-reference: the connection never extends the owner's lifetime, and an
// owner that is gone (Alive reports false) no longer counts as holding the
// lock. This is the safety net against leaked locks when a session
// disappears without freeing its connection.
type Owner interface {
	// Alive reports whether the owner still exists and holds its locks.
	Alive() bool
}

// Token is the canonical Owner implementation. A session creates one Token
// for its lifetime, passes it when locking connections, and invalidates it
// on close. Sessions register a runtime cleanup so the token is invalidated
// even if the session is garbage collected without an explicit close.
type Token struct {
	dead atomic.Bool
}

// NewToken returns a live Token.
func NewToken() *Token {
	return &Token{}
}

// Alive implements Owner.
func (t *Token) Alive() bool {
	return !t.dead.Load()
}

// Invalidate marks the token dead. Every lock held under this token becomes
// reclaimable. Idempotent.
func (t *Token) Invalidate() {
	t.dead.Store(true)
}
