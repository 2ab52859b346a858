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

package viperutil

import (
	"fmt"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/pflag"
)

// Value provides typed access to a single configuration key.
type Value[T any] interface {
	// Key returns the fully-qualified config key this value is registered under.
	Key() string

	// Get returns the current value for the key, falling back to the
	// configured default when the key is unset or cannot be decoded.
	Get() T

	// Default returns the configured default.
	Default() T

	Flagged
}

// Flagged is the non-generic surface of a Value used for flag binding.
type Flagged interface {
	// Flag returns the flag name associated with this value, or "" if none.
	Flag() string

	bindTo(fs *pflag.FlagSet) error
}

// Options configures a Value during Configure.
type Options[T any] struct {
	// Default is the value returned when the key is not set anywhere.
	Default T

	// FlagName, if non-empty, names the pflag that backs this value.
	// The flag must be defined on the FlagSet passed to BindFlags.
	FlagName string

	// EnvVars is the list of environment variables that can provide the
	// value, in priority order.
	EnvVars []string
}

type boundValue[T any] struct {
	reg      *Registry
	key      string
	def      T
	flagName string
}

// Configure registers key on reg and returns a typed Value for it.
func Configure[T any](reg *Registry, key string, opts Options[T]) Value[T] {
	reg.v.SetDefault(key, opts.Default)
	if len(opts.EnvVars) > 0 {
		_ = reg.v.BindEnv(append([]string{key}, opts.EnvVars...)...)
	}
	return &boundValue[T]{
		reg:      reg,
		key:      key,
		def:      opts.Default,
		flagName: opts.FlagName,
	}
}

func (val *boundValue[T]) Key() string { return val.key }

func (val *boundValue[T]) Default() T { return val.def }

func (val *boundValue[T]) Flag() string { return val.flagName }

func (val *boundValue[T]) Get() T {
	raw := val.reg.v.Get(val.key)
	if raw == nil {
		return val.def
	}

	var out T
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result: &out,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
		WeaklyTypedInput: true,
	})
	if err != nil {
		return val.def
	}
	if err := decoder.Decode(raw); err != nil {
		return val.def
	}
	return out
}

func (val *boundValue[T]) bindTo(fs *pflag.FlagSet) error {
	if val.flagName == "" {
		return nil
	}
	flag := fs.Lookup(val.flagName)
	if flag == nil {
		return fmt.Errorf("flag %q is not defined on the flag set", val.flagName)
	}
	return val.reg.v.BindPFlag(val.key, flag)
}

// BindFlags binds each value's configured flag on fs into its registry.
// Flags must already be defined on fs; values without a flag name are skipped.
// Panics on programmer error (binding a flag that was never defined).
func BindFlags(fs *pflag.FlagSet, values ...Flagged) {
	for _, v := range values {
		if err := v.bindTo(fs); err != nil {
			panic(fmt.Sprintf("viperutil: %v", err))
		}
	}
}
