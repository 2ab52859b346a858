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

// Package retry provides exponential backoff with full jitter for retry loops.
package retry

import (
	"context"
	"math"
	"math/rand/v2"
	"sync"
	"time"
)

// Backoff manages exponential backoff state for retry loops.
// Use the iterator-style StartAttempt method to implement retry logic.
//
// Example usage:
//
//	b := retry.New(100*time.Millisecond, 30*time.Second)
//	for {
//	    if err := b.StartAttempt(ctx); err != nil {
//	        return err // Context cancelled or timed out
//	    }
//	    if ok := tryOperation(); ok {
//	        return nil
//	    }
//	    // Will back off before the next attempt
//	}
type Backoff struct {
	baseDelay    time.Duration
	maxDelay     time.Duration
	initialDelay bool
	attempt      int
	timer        Timer

	mu            sync.Mutex
	delayAttempt  int // attempt counter used for delay calculation, reset by Reset
	rng           *rand.Rand
	disableJitter bool // deterministic delays for tests
}

// Timer abstracts time.After for testability.
type Timer interface {
	After(d time.Duration) <-chan time.Time
}

type realTimer struct{}

func (realTimer) After(d time.Duration) <-chan time.Time { return time.After(d) }

// Option is a functional option for configuring a Backoff.
type Option func(*Backoff)

// WithInitialDelay configures the backoff to wait before the first attempt.
// Use this when you've already tried once before calling StartAttempt().
func WithInitialDelay() Option {
	return func(b *Backoff) { b.initialDelay = true }
}

// New creates a new Backoff with the given baseDelay and maxDelay.
// Panics if the parameters are invalid (represents a coding error).
//
// Delays follow the "Full Jitter" algorithm: each delay is drawn uniformly
// from [0, min(maxDelay, baseDelay * 2^attempt)), which spreads concurrent
// retriers across time instead of synchronizing them.
func New(baseDelay, maxDelay time.Duration, opts ...Option) *Backoff {
	if baseDelay <= 0 {
		panic("retry: baseDelay must be positive")
	}
	if maxDelay <= 0 {
		panic("retry: maxDelay must be positive")
	}
	if baseDelay > maxDelay {
		panic("retry: baseDelay cannot be greater than maxDelay")
	}

	b := &Backoff{
		baseDelay: baseDelay,
		maxDelay:  maxDelay,
		timer:     realTimer{},
		rng:       rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// StartAttempt prepares for the next attempt by waiting for the backoff delay.
// On the first call it returns immediately unless WithInitialDelay was
// configured; on subsequent calls it waits for the exponentially increasing
// jittered delay.
//
// Returns nil if the caller should proceed with the next attempt, or ctx.Err()
// if the context was cancelled or timed out during the wait.
func (b *Backoff) StartAttempt(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if b.attempt > 0 || b.initialDelay {
		select {
		case <-b.timer.After(b.nextDelay()):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	b.attempt++
	return nil
}

// Attempt returns the current attempt number (1-indexed after the first
// StartAttempt call). Returns 0 before the first call.
func (b *Backoff) Attempt() int {
	return b.attempt
}

// Reset resets the delay calculation to the base delay. Use this after the
// system has been healthy for a while so that a later failure starts from the
// minimum backoff. The counter returned by Attempt() is not reset.
//
// Safe to call concurrently with StartAttempt.
func (b *Backoff) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.delayAttempt = 0
}

// nextDelay computes the next full-jitter delay and advances the delay state.
func (b *Backoff) nextDelay() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	attempt := b.delayAttempt
	if attempt > 62 {
		attempt = 62 // 1<<63 would overflow int64
	}

	multiplier := int64(1) << attempt
	base := int64(b.baseDelay)

	var delay time.Duration
	if base > 0 && multiplier > math.MaxInt64/base {
		delay = b.maxDelay
	} else {
		delay = time.Duration(base * multiplier)
		if delay > b.maxDelay {
			delay = b.maxDelay
		}
	}

	if !b.disableJitter {
		delay = time.Duration(float64(delay) * b.rng.Float64())
	}

	b.delayAttempt++
	return delay
}
