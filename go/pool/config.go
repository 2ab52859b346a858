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
	"time"

	"github.com/spf13/pflag"

	"github.com/multigres/pgqueries/go/viperutil"
)

// Defaults for pool configuration. Synchronous sessions keep at most one
// connection per target by default; cooperative sessions fan out per
// in-flight operation and get a larger default.
const (
	DefaultIdleTTL      = 60 * time.Second
	DefaultMaxSize      = 1
	DefaultAsyncMaxSize = 25

	DefaultFullRetryBase = 30 * time.Millisecond
	DefaultFullRetryMax  = time.Second
)

// Config holds viper-backed pool settings. Create with NewConfig, register
// flags with RegisterFlags, then read values as pools are created.
type Config struct {
	idleTTL      viperutil.Value[time.Duration]
	maxSize      viperutil.Value[int]
	asyncMaxSize viperutil.Value[int]

	// Backoff policy for the cooperative-mode pool-full wait loop. The wait
	// is bounded only by the caller's context deadline.
	fullRetryBase viperutil.Value[time.Duration]
	fullRetryMax  viperutil.Value[time.Duration]
}

// NewConfig registers all pool settings on the provided registry.
func NewConfig(reg *viperutil.Registry) *Config {
	return &Config{
		idleTTL: viperutil.Configure(reg, "pool.idle-ttl", viperutil.Options[time.Duration]{
			Default:  DefaultIdleTTL,
			FlagName: "pool-idle-ttl",
			EnvVars:  []string{"PGQUERIES_POOL_IDLE_TTL"},
		}),
		maxSize: viperutil.Configure(reg, "pool.max-size", viperutil.Options[int]{
			Default:  DefaultMaxSize,
			FlagName: "pool-max-size",
			EnvVars:  []string{"PGQUERIES_MAX_POOL_SIZE"},
		}),
		asyncMaxSize: viperutil.Configure(reg, "pool.async-max-size", viperutil.Options[int]{
			Default:  DefaultAsyncMaxSize,
			FlagName: "pool-async-max-size",
			EnvVars:  []string{"PGQUERIES_ASYNC_MAX_POOL_SIZE"},
		}),
		fullRetryBase: viperutil.Configure(reg, "pool.full-retry-base", viperutil.Options[time.Duration]{
			Default:  DefaultFullRetryBase,
			FlagName: "pool-full-retry-base",
		}),
		fullRetryMax: viperutil.Configure(reg, "pool.full-retry-max", viperutil.Options[time.Duration]{
			Default:  DefaultFullRetryMax,
			FlagName: "pool-full-retry-max",
		}),
	}
}

// RegisterFlags defines the pool flags on fs and binds them to the config.
func (c *Config) RegisterFlags(fs *pflag.FlagSet) {
	fs.Duration("pool-idle-ttl", c.idleTTL.Default(),
		"How long a pool may remain fully idle before it is torn down.")
	fs.Int("pool-max-size", c.maxSize.Default(),
		"Maximum physical connections per pool for synchronous sessions.")
	fs.Int("pool-async-max-size", c.asyncMaxSize.Default(),
		"Maximum physical connections per pool for cooperative sessions.")
	fs.Duration("pool-full-retry-base", c.fullRetryBase.Default(),
		"Base delay for the cooperative-mode wait when a pool is full.")
	fs.Duration("pool-full-retry-max", c.fullRetryMax.Default(),
		"Maximum delay for the cooperative-mode wait when a pool is full.")
	viperutil.BindFlags(fs,
		c.idleTTL, c.maxSize, c.asyncMaxSize, c.fullRetryBase, c.fullRetryMax)
}

// IdleTTL returns the configured pool idle TTL.
func (c *Config) IdleTTL() time.Duration { return c.idleTTL.Get() }

// MaxSize returns the configured maximum pool size for synchronous sessions.
func (c *Config) MaxSize() int { return c.maxSize.Get() }

// AsyncMaxSize returns the configured maximum pool size for cooperative
// sessions.
func (c *Config) AsyncMaxSize() int { return c.asyncMaxSize.Get() }

// FullRetryBase returns the base backoff delay for pool-full waits.
func (c *Config) FullRetryBase() time.Duration { return c.fullRetryBase.Get() }

// FullRetryMax returns the maximum backoff delay for pool-full waits.
func (c *Config) FullRetryMax() time.Duration { return c.fullRetryMax.Get() }
