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

// Package viperutil provides typed, registry-scoped access to viper-backed
// configuration values. Each component creates its own Registry so that
// configuration state is isolated per instance and per test.
package viperutil

import (
	"github.com/spf13/viper"
)

// Registry holds an isolated viper instance for configuration values.
// This replaces the global viper registry pattern, allowing each component
// to have its own configuration namespace.
//
// Example usage:
//
//	reg := viperutil.NewRegistry()
//	idleTTL := viperutil.Configure(reg, "pool.idle-ttl", viperutil.Options[time.Duration]{
//	    Default:  time.Minute,
//	    FlagName: "pool-idle-ttl",
//	})
type Registry struct {
	v *viper.Viper
}

// NewRegistry creates a new isolated configuration registry.
func NewRegistry() *Registry {
	return &Registry{v: viper.New()}
}

// Viper returns the underlying viper instance. Intended for debug handlers
// and tests that need raw access to the registry's settings.
func (reg *Registry) Viper() *viper.Viper {
	return reg.v
}

// ReadConfigFile loads the given config file into the registry. Values from
// the file take effect for all Values configured on this registry, below
// flag and environment variable precedence.
func (reg *Registry) ReadConfigFile(path string) error {
	reg.v.SetConfigFile(path)
	return reg.v.ReadInConfig()
}
