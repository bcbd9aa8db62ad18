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

package migrations

import (
	"context"
	"errors"
	"testing"
	"testing/fstest"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLatestVersion_Embedded(t *testing.T) {
	v, err := latestVersion(migrationFiles)
	require.NoError(t, err)
	assert.Equal(t, uint(1760659200), v)
}

func TestLatestVersion(t *testing.T) {
	files := fstest.MapFS{
		"10_a.up.sql":    {Data: []byte("select 1")},
		"10_a.down.sql":  {Data: []byte("select 1")},
		"200_b.up.sql":   {Data: []byte("select 1")},
		"999_c.down.sql": {Data: []byte("select 1")},
		"junk.up.sql":    {Data: []byte("select 1")},
		"README.md":      {Data: []byte("hi")},
	}
	v, err := latestVersion(files)
	require.NoError(t, err)
	assert.Equal(t, uint(200), v)

	_, err = latestVersion(fstest.MapFS{"README.md": {Data: []byte("hi")}})
	assert.Error(t, err)
}

func TestParseCheckMode(t *testing.T) {
	tests := []struct {
		in      string
		want    CheckMode
		wantErr bool
	}{
		{"", CheckModeWait, false},
		{"wait", CheckModeWait, false},
		{"WARN", CheckModeWarn, false},
		{" skip ", CheckModeSkip, false},
		{"sometimes", CheckModeWait, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseCheckMode(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestApplyEnvironmentOverrides(t *testing.T) {
	t.Setenv("MIGRATION_CHECK_TIMEOUT", "30s")
	t.Setenv("MIGRATION_CHECK_RETRY_INTERVAL", "2s")
	t.Setenv("MIGRATION_CHECK_ALLOW_DIRTY", "true")

	opts := DefaultCheckOptions()
	applyEnvironmentOverrides(&opts)
	assert.Equal(t, 30*time.Second, opts.Timeout)
	assert.Equal(t, 2*time.Second, opts.RetryInterval)
	assert.True(t, opts.AllowDirty)
}

func TestCheckEnabledFromEnv(t *testing.T) {
	t.Setenv("BAGGERDB_MIGRATION_CHECK_ENABLED", "")
	assert.True(t, checkEnabledFromEnv())

	t.Setenv("BAGGERDB_MIGRATION_CHECK_ENABLED", "false")
	assert.False(t, checkEnabledFromEnv())
}

func fixedVersions(versions ...uint) (versionFunc, *int) {
	calls := 0
	return func(context.Context) (uint, bool, error) {
		v := versions[min(calls, len(versions)-1)]
		calls++
		return v, false, nil
	}, &calls
}

func TestWaitForVersion(t *testing.T) {
	ctx := context.Background()
	fast := CheckOptions{Mode: CheckModeWait, Timeout: time.Second, RetryInterval: time.Millisecond}

	t.Run("match", func(t *testing.T) {
		current, calls := fixedVersions(5)
		require.NoError(t, waitForVersion(ctx, 5, fast, current))
		assert.Equal(t, 1, *calls)
	})

	t.Run("catches up", func(t *testing.T) {
		current, calls := fixedVersions(3, 4, 5)
		require.NoError(t, waitForVersion(ctx, 5, fast, current))
		assert.Equal(t, 3, *calls)
	})

	t.Run("newer fails", func(t *testing.T) {
		current, _ := fixedVersions(6)
		assert.Error(t, waitForVersion(ctx, 5, fast, current))
	})

	t.Run("warn mode continues", func(t *testing.T) {
		warn := fast
		warn.Mode = CheckModeWarn
		current, _ := fixedVersions(6)
		assert.NoError(t, waitForVersion(ctx, 5, warn, current))
		current, _ = fixedVersions(4)
		assert.NoError(t, waitForVersion(ctx, 5, warn, current))
	})

	t.Run("timeout", func(t *testing.T) {
		short := fast
		short.Timeout = 5 * time.Millisecond
		current, _ := fixedVersions(4)
		assert.ErrorContains(t, waitForVersion(ctx, 5, short, current), "timed out")
	})

	t.Run("dirty", func(t *testing.T) {
		dirty := func(context.Context) (uint, bool, error) { return 5, true, nil }
		assert.Error(t, waitForVersion(ctx, 5, fast, dirty))

		allowed := fast
		allowed.AllowDirty = true
		assert.NoError(t, waitForVersion(ctx, 5, allowed, dirty))
	})

	t.Run("error", func(t *testing.T) {
		boom := errors.New("boom")
		failing := func(context.Context) (uint, bool, error) { return 0, false, boom }
		assert.ErrorIs(t, waitForVersion(ctx, 5, fast, failing), boom)
	})
}
