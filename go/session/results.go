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
	"database/sql/driver"
	"errors"
	"io"
)

// Results wraps the rows produced by a query. It exposes the column names
// and row-at-a-time iteration, and must be closed before the connection runs
// another statement.
type Results struct {
	rows driver.Rows
}

// NewResults wraps driver rows.
func NewResults(rows driver.Rows) *Results {
	return &Results{rows: rows}
}

// Columns returns the column names of the result set.
func (r *Results) Columns() []string {
	return r.rows.Columns()
}

// Next fills dest with the values of the next row. It returns io.EOF after
// the last row. len(dest) must equal len(Columns()).
func (r *Results) Next(dest []driver.Value) error {
	return r.rows.Next(dest)
}

// All drains the result set into a slice of rows keyed by column name.
func (r *Results) All() ([]map[string]driver.Value, error) {
	cols := r.rows.Columns()
	var out []map[string]driver.Value
	buf := make([]driver.Value, len(cols))
	for {
		err := r.rows.Next(buf)
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return nil, err
		}
		row := make(map[string]driver.Value, len(cols))
		for i, c := range cols {
			row[c] = buf[i]
		}
		out = append(out, row)
	}
}

// Close releases the result set.
func (r *Results) Close() error {
	return r.rows.Close()
}
