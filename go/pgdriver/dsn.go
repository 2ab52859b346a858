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
	"fmt"
	"net/url"
	"os/user"
	"sort"
	"strings"
)

// keywords is the set of libpq connection keywords that may be passed through
// a connection URI's query string.
var keywords = map[string]bool{
	"connect_timeout":           true,
	"client_encoding":           true,
	"options":                   true,
	"application_name":          true,
	"fallback_application_name": true,
	"keepalives":                true,
	"keepalives_idle":           true,
	"keepalives_interval":       true,
	"keepalives_count":          true,
	"sslmode":                   true,
	"requiressl":                true,
	"sslcompression":            true,
	"sslcert":                   true,
	"sslkey":                    true,
	"sslrootcert":               true,
	"sslcrl":                    true,
	"requirepeer":               true,
	"krbsrvname":                true,
	"gsslib":                    true,
	"service":                   true,
}

// URI returns a PostgreSQL connection URI for the specified values.
// A password of "" produces a URI without credentials separator.
func URI(host string, port int, dbname, username, password string) string {
	hostport := host
	if port != 0 {
		hostport = fmt.Sprintf("%s:%d", host, port)
	}
	if password != "" {
		return fmt.Sprintf("postgresql://%s:%s@%s/%s",
			username, url.QueryEscape(password), hostport, dbname)
	}
	return fmt.Sprintf("postgresql://%s@%s/%s", username, hostport, dbname)
}

// Keywords parses a PostgreSQL connection URI into libpq keyword/value
// parameters, defaulting the user and database name to the current OS user
// when the URI omits them. Recognized libpq keywords in the query string are
// passed through.
func Keywords(uri string) (map[string]string, error) {
	parsed, err := url.Parse(uri)
	if err != nil {
		return nil, err
	}
	if parsed.Scheme != "postgresql" && parsed.Scheme != "postgres" && parsed.Scheme != "pgsql" {
		return nil, fmt.Errorf("unsupported connection scheme %q", parsed.Scheme)
	}

	kv := make(map[string]string)
	if host := parsed.Hostname(); host != "" {
		kv["host"] = strings.ReplaceAll(host, "%2f", "/")
	}
	if port := parsed.Port(); port != "" {
		kv["port"] = port
	}

	fallback := currentUser()
	if username := parsed.User.Username(); username != "" {
		kv["user"] = username
	} else if fallback != "" {
		kv["user"] = fallback
	}
	if password, ok := parsed.User.Password(); ok {
		kv["password"] = password
	}

	dbname := strings.TrimPrefix(parsed.Path, "/")
	if dbname == "" {
		dbname = fallback
	}
	if dbname != "" {
		kv["dbname"] = dbname
	}

	for key, values := range parsed.Query() {
		if keywords[key] && len(values) > 0 {
			kv[key] = values[0]
		}
	}
	return kv, nil
}

// NormalizeDSN converts a connection URI into a libpq keyword/value DSN.
// Inputs already in keyword/value form are returned unchanged.
func NormalizeDSN(target string) (string, error) {
	if !strings.Contains(target, "://") {
		return target, nil
	}
	kv, err := Keywords(target)
	if err != nil {
		return "", err
	}

	keys := make([]string, 0, len(kv))
	for key := range kv {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, key := range keys {
		parts = append(parts, fmt.Sprintf("%s=%s", key, quoteValue(kv[key])))
	}
	return strings.Join(parts, " "), nil
}

func quoteValue(v string) string {
	if v == "" || strings.ContainsAny(v, " '\\") {
		v = strings.ReplaceAll(v, `\`, `\\`)
		v = strings.ReplaceAll(v, `'`, `\'`)
		return "'" + v + "'"
	}
	return v
}

func currentUser() string {
	u, err := user.Current()
	if err != nil {
		return ""
	}
	return u.Username
}
