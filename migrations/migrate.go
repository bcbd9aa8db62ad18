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

// Package migrations owns the bagger schema: the dimension configuration
// table and the template new partitions are created from.
package migrations

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/pgx"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
)

// MigrationsTable records the applied schema version.
const MigrationsTable = "gomigrate_bagger"

//go:embed *.sql
var migrationFiles embed.FS

// RunMigrationsUp applies every pending up migration.
func RunMigrationsUp(ctx context.Context, pool *pgxpool.Pool) error {
	m, closeFn, err := newMigrate(pool)
	if err != nil {
		return err
	}
	defer closeFn()

	_, dirty, err := m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return fmt.Errorf("failed to get current version: %w", err)
	}
	if dirty {
		return errors.New("migration is dirty, please fix it before proceeding")
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration failed: %w", err)
	}
	return nil
}

// CheckExpectedVersion checks the schema version with the default options.
func CheckExpectedVersion(ctx context.Context, pool *pgxpool.Pool) error {
	return CheckVersion(ctx, pool)
}

// CheckVersion verifies that the database schema matches the embedded
// migrations. BAGGERDB_MIGRATION_CHECK_ENABLED=false turns the check off;
// MIGRATION_CHECK_TIMEOUT, MIGRATION_CHECK_RETRY_INTERVAL and
// MIGRATION_CHECK_ALLOW_DIRTY override the options.
func CheckVersion(ctx context.Context, pool *pgxpool.Pool, options ...CheckOption) error {
	if !checkEnabledFromEnv() {
		slog.Debug("Migration version checking disabled")
		return nil
	}

	opts := DefaultCheckOptions()
	for _, option := range options {
		option(&opts)
	}
	if opts.Mode == CheckModeSkip {
		slog.Debug("Migration version checking skipped")
		return nil
	}
	applyEnvironmentOverrides(&opts)

	expected, err := latestVersion(migrationFiles)
	if err != nil {
		return err
	}

	return waitForVersion(ctx, expected, opts, func(ctx context.Context) (uint, bool, error) {
		return currentVersion(pool)
	})
}

type versionFunc func(ctx context.Context) (version uint, dirty bool, err error)

func waitForVersion(ctx context.Context, expected uint, opts CheckOptions, current versionFunc) error {
	version, dirty, err := current(ctx)
	if err != nil {
		return fmt.Errorf("failed to get current migration version: %w", err)
	}

	if dirty {
		switch {
		case opts.AllowDirty:
			slog.Warn("Database migration is dirty but allowed to continue")
		case opts.Mode == CheckModeWarn:
			slog.Warn("Database migration is in dirty state, but continuing anyway")
		default:
			return errors.New("database migration is in dirty state, please fix before proceeding")
		}
	}

	if version == expected {
		return nil
	}

	slog.Info("Checking migration version",
		slog.Uint64("current_version", uint64(version)),
		slog.Uint64("expected_version", uint64(expected)))

	if version > expected {
		if opts.Mode == CheckModeWarn {
			slog.Warn("Database version is newer than expected, but continuing anyway",
				slog.Uint64("current_version", uint64(version)),
				slog.Uint64("expected_version", uint64(expected)))
			return nil
		}
		return fmt.Errorf("database version %d is newer than expected version %d - you may need to update bagger",
			version, expected)
	}

	if opts.Mode == CheckModeWarn {
		slog.Warn("Database version is older than expected, but continuing anyway",
			slog.Uint64("current_version", uint64(version)),
			slog.Uint64("expected_version", uint64(expected)))
		return nil
	}

	deadline := time.Now().Add(opts.Timeout)
	ticker := time.NewTicker(opts.RetryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("context cancelled while waiting for migrations: %w", ctx.Err())
		case <-ticker.C:
		}

		version, _, err = current(ctx)
		if err != nil {
			return fmt.Errorf("failed to get current migration version: %w", err)
		}
		if version == expected {
			slog.Info("Migration version check passed", slog.Uint64("version", uint64(version)))
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("timed out waiting for migrations: at version %d, expected %d", version, expected)
		}

		slog.Info("Waiting for migrations to complete",
			slog.Uint64("current_version", uint64(version)),
			slog.Uint64("expected_version", uint64(expected)),
			slog.Duration("remaining_timeout", time.Until(deadline)))
	}
}

func newMigrate(pool *pgxpool.Pool) (*migrate.Migrate, func(), error) {
	sourceDriver, err := iofs.New(migrationFiles, ".")
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create iofs driver: %w", err)
	}

	sqlDB := stdlib.OpenDBFromPool(pool)
	dbDriver, err := pgx.WithInstance(sqlDB, &pgx.Config{
		MigrationsTable: MigrationsTable,
	})
	if err != nil {
		_ = sqlDB.Close()
		return nil, nil, fmt.Errorf("failed to create pgx driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "postgres", dbDriver)
	if err != nil {
		_ = dbDriver.Close()
		_ = sqlDB.Close()
		return nil, nil, fmt.Errorf("failed to create migrate instance: %w", err)
	}

	return m, func() {
		_ = dbDriver.Close()
		_ = sqlDB.Close()
	}, nil
}

func currentVersion(pool *pgxpool.Pool) (uint, bool, error) {
	m, closeFn, err := newMigrate(pool)
	if err != nil {
		return 0, false, err
	}
	defer closeFn()

	version, dirty, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to get current version: %w", err)
	}
	return version, dirty, nil
}

// latestVersion returns the highest version among "<version>_<name>.up.sql"
// files.
func latestVersion(files fs.ReadDirFS) (uint, error) {
	entries, err := files.ReadDir(".")
	if err != nil {
		return 0, fmt.Errorf("failed to read migration directory: %w", err)
	}

	var latest uint64
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".up.sql") {
			continue
		}
		prefix, _, _ := strings.Cut(name, "_")
		v, err := strconv.ParseUint(prefix, 10, 64)
		if err != nil {
			continue
		}
		latest = max(latest, v)
	}

	if latest == 0 {
		return 0, errors.New("no valid migration files found")
	}
	return uint(latest), nil
}

func checkEnabledFromEnv() bool {
	if val := os.Getenv("BAGGERDB_MIGRATION_CHECK_ENABLED"); val != "" {
		return strings.EqualFold(val, "true")
	}
	return true
}

func applyEnvironmentOverrides(opts *CheckOptions) {
	if val := os.Getenv("MIGRATION_CHECK_TIMEOUT"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			opts.Timeout = d
		}
	}
	if val := os.Getenv("MIGRATION_CHECK_RETRY_INTERVAL"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			opts.RetryInterval = d
		}
	}
	if val := os.Getenv("MIGRATION_CHECK_ALLOW_DIRTY"); val != "" {
		opts.AllowDirty = strings.EqualFold(val, "true")
	}
}
