// Copyright (C) 2025 CardinalHQ, Inc
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, version 3.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <http://www.gnu.org/licenses/>.

package dbopen

import (
	"errors"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T, prefix string) {
	t.Helper()
	for _, k := range []string{"URL", "HOST", "PORT", "USER", "PASSWORD", "DBNAME", "SSLMODE"} {
		t.Setenv(prefix+"_"+k, "")
	}
	t.Setenv("OTEL_SERVICE_NAME", "")
}

func TestGetDatabaseURLFromEnv_URLWins(t *testing.T) {
	clearEnv(t, "TESTDB")
	t.Setenv("TESTDB_URL", "postgresql://x@y/z")
	t.Setenv("TESTDB_HOST", "ignored")

	got, err := GetDatabaseURLFromEnv("TESTDB")
	require.NoError(t, err)
	assert.Equal(t, "postgresql://x@y/z", got)
}

func TestGetDatabaseURLFromEnv_Parts(t *testing.T) {
	clearEnv(t, "TESTDB")
	t.Setenv("TESTDB_HOST", "db.local")
	t.Setenv("TESTDB_DBNAME", "bagger")
	t.Setenv("TESTDB_USER", "app")
	t.Setenv("TESTDB_PASSWORD", "s3cret")
	t.Setenv("TESTDB_SSLMODE", "disable")
	t.Setenv("OTEL_SERVICE_NAME", "bagger ingest")

	got, err := GetDatabaseURLFromEnv("TESTDB_")
	require.NoError(t, err)

	u, err := url.Parse(got)
	require.NoError(t, err)
	assert.Equal(t, "postgresql", u.Scheme)
	assert.Equal(t, "db.local:5432", u.Host)
	assert.Equal(t, "/bagger", u.Path)
	assert.Equal(t, "app", u.User.Username())
	pass, _ := u.User.Password()
	assert.Equal(t, "s3cret", pass)
	assert.Equal(t, "disable", u.Query().Get("sslmode"))
	assert.Equal(t, "bagger_ingest", u.Query().Get("application_name"))
}

func TestGetDatabaseURLFromEnv_Missing(t *testing.T) {
	clearEnv(t, "TESTDB")

	_, err := GetDatabaseURLFromEnv("TESTDB")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "TESTDB_HOST")
	assert.Contains(t, err.Error(), "TESTDB_DBNAME")
}

func TestApplicationName(t *testing.T) {
	assert.Equal(t, "a_b-c", applicationName("a.b-c"))
	assert.Len(t, applicationName(strings.Repeat("x", 100)), 63)
	assert.Equal(t, "", applicationName(""))
}

func TestConnectSession_NotConfigured(t *testing.T) {
	clearEnv(t, EnvPrefix)

	_, err := ConnectSession(t.Context())
	assert.True(t, errors.Is(err, ErrDatabaseNotConfigured))
}
