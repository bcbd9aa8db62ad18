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

// Package dbopen builds PostgreSQL connection strings from the environment
// and opens traced connections.
package dbopen

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgx-contrib/pgxotel"

	"github.com/cardinalhq/bagger/migrations"
)

// EnvPrefix names the environment variables for the bagger database.
const EnvPrefix = "BAGGERDB"

var ErrDatabaseNotConfigured = errors.New("database connection configuration is unavailable")

// GetDatabaseURLFromEnv constructs a PostgreSQL URL from environment
// variables named PREFIX_HOST, PREFIX_PORT, PREFIX_USER, PREFIX_PASSWORD,
// PREFIX_DBNAME, and optionally PREFIX_SSLMODE. PREFIX_URL, when set, is
// returned as is. A trailing "_" is added to prefix if missing.
//
// HOST and DBNAME are required; PORT defaults to 5432.
func GetDatabaseURLFromEnv(prefix string) (string, error) {
	if !strings.HasSuffix(prefix, "_") {
		prefix += "_"
	}

	if urlStr := os.Getenv(prefix + "URL"); urlStr != "" {
		return urlStr, nil
	}

	host := os.Getenv(prefix + "HOST")
	dbname := os.Getenv(prefix + "DBNAME")

	var missing []string
	if host == "" {
		missing = append(missing, prefix+"HOST")
	}
	if dbname == "" {
		missing = append(missing, prefix+"DBNAME")
	}
	if len(missing) > 0 {
		return "", fmt.Errorf(
			"missing required environment variable(s): %s",
			strings.Join(missing, ", "),
		)
	}

	port := os.Getenv(prefix + "PORT")
	if port == "" {
		port = "5432"
	}

	u := &url.URL{
		Scheme: "postgresql",
		Host:   host + ":" + port,
		Path:   dbname,
	}

	if user := os.Getenv(prefix + "USER"); user != "" {
		if pass := os.Getenv(prefix + "PASSWORD"); pass != "" {
			u.User = url.UserPassword(user, pass)
		} else {
			u.User = url.User(user)
		}
	}

	q := u.Query()
	if sslmode := os.Getenv(prefix + "SSLMODE"); sslmode != "" {
		q.Set("sslmode", sslmode)
	}
	if appName := applicationName(os.Getenv("OTEL_SERVICE_NAME")); appName != "" {
		q.Set("application_name", appName)
	}
	u.RawQuery = q.Encode()

	return u.String(), nil
}

// applicationName reduces name to characters PostgreSQL shows verbatim in
// pg_stat_activity, capped at the identifier length.
func applicationName(name string) string {
	name = strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') ||
			(r >= 'A' && r <= 'Z') ||
			(r >= '0' && r <= '9') ||
			r == '-' || r == '_' {
			return r
		}
		return '_'
	}, name)
	if len(name) > 63 {
		name = name[:63]
	}
	return name
}

// Connect opens a single traced connection. Prepared statements live on a
// connection, so the router works on one of these rather than a pool.
func Connect(ctx context.Context, url string) (*pgx.Conn, error) {
	cfg, err := pgx.ParseConfig(url)
	if err != nil {
		return nil, err
	}
	cfg.Tracer = &pgxotel.QueryTracer{Name: "baggerdb"}
	return pgx.ConnectConfig(ctx, cfg)
}

// NewPool opens a traced connection pool.
func NewPool(ctx context.Context, url string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, err
	}
	cfg.ConnConfig.Tracer = &pgxotel.QueryTracer{Name: "baggerdb"}
	return pgxpool.NewWithConfig(ctx, cfg)
}

// ConnectToBaggerDB opens a pool from the BAGGERDB_* environment and checks
// that the schema is migrated.
func ConnectToBaggerDB(ctx context.Context, opts ...migrations.CheckOption) (*pgxpool.Pool, error) {
	connectionString, err := GetDatabaseURLFromEnv(EnvPrefix)
	if err != nil {
		return nil, errors.Join(ErrDatabaseNotConfigured, fmt.Errorf("failed to get %s connection string: %w", EnvPrefix, err))
	}

	pool, err := NewPool(ctx, connectionString)
	if err != nil {
		return nil, err
	}

	if err := migrations.CheckVersion(ctx, pool, opts...); err != nil {
		pool.Close()
		return nil, fmt.Errorf("%s migration version check failed: %w", EnvPrefix, err)
	}
	return pool, nil
}

// ConnectSession opens a single connection from the BAGGERDB_* environment.
func ConnectSession(ctx context.Context) (*pgx.Conn, error) {
	connectionString, err := GetDatabaseURLFromEnv(EnvPrefix)
	if err != nil {
		return nil, errors.Join(ErrDatabaseNotConfigured, fmt.Errorf("failed to get %s connection string: %w", EnvPrefix, err))
	}
	return Connect(ctx, connectionString)
}
