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

// Package logutil builds slog loggers from viper-backed configuration.
package logutil

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/pflag"

	"github.com/multigres/pgqueries/go/viperutil"
)

// Config holds the logging configuration values for one component.
type Config struct {
	logLevel  viperutil.Value[string]
	logFormat viperutil.Value[string]
	logOutput viperutil.Value[string]
}

// NewConfig registers the logging configuration values on reg.
func NewConfig(reg *viperutil.Registry) *Config {
	return &Config{
		logLevel: viperutil.Configure(reg, "log.level", viperutil.Options[string]{
			Default:  "info",
			FlagName: "log-level",
			EnvVars:  []string{"PGQUERIES_LOG_LEVEL"},
		}),
		logFormat: viperutil.Configure(reg, "log.format", viperutil.Options[string]{
			Default:  "json",
			FlagName: "log-format",
		}),
		logOutput: viperutil.Configure(reg, "log.output", viperutil.Options[string]{
			Default:  "stderr",
			FlagName: "log-output",
		}),
	}
}

// RegisterFlags defines the logging flags on fs and binds them to the config.
func (c *Config) RegisterFlags(fs *pflag.FlagSet) {
	fs.String("log-level", c.logLevel.Default(), "Log level (debug, info, warn, error)")
	fs.String("log-format", c.logFormat.Default(), "Log format (json, text)")
	fs.String("log-output", c.logOutput.Default(), "Log output (stdout, stderr, or file path)")
	viperutil.BindFlags(fs, c.logLevel, c.logFormat, c.logOutput)
}

// NewLogger builds a slog.Logger from the configured level, format and output.
// Unknown values fall back to info/json/stderr rather than failing.
func (c *Config) NewLogger() *slog.Logger {
	level := parseLevel(c.logLevel.Get())

	var output io.Writer
	switch out := strings.ToLower(c.logOutput.Get()); out {
	case "stdout":
		output = os.Stdout
	case "stderr", "":
		output = os.Stderr
	default:
		file, err := os.OpenFile(out, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			output = os.Stderr
		} else {
			output = file
		}
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if strings.EqualFold(c.logFormat.Get(), "text") {
		handler = slog.NewTextHandler(output, opts)
	} else {
		handler = slog.NewJSONHandler(output, opts)
	}
	return slog.New(handler)
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
