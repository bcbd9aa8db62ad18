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

package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cardinalhq/bagger/internal/ingest"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	require.Equal(t, "public", cfg.Router.Schema)
	require.Equal(t, "jsonb", cfg.Router.ParamType)
	require.False(t, cfg.Router.SortedKeys)
	require.Equal(t, 0, cfg.PlanCache.MaxEntries)
	require.Equal(t, ingest.PolicySkip, cfg.Ingest.MissingPolicy)
	require.True(t, cfg.Ingest.ContinueOnError)
	require.Equal(t, []string{"localhost:9092"}, cfg.Kafka.Brokers)
	require.Equal(t, "wait", cfg.Migrations.CheckMode)
	require.Equal(t, 8090, cfg.Health.Port)
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("BAGGER_ROUTER_SORTED_KEYS", "true")
	t.Setenv("BAGGER_ROUTER_PARAM_TYPE", "json")
	t.Setenv("BAGGER_PLANCACHE_MAX_ENTRIES", "500")
	t.Setenv("BAGGER_INGEST_MISSING_POLICY", "fallback")
	t.Setenv("BAGGER_INGEST_FALLBACK_TABLE", "unrouted")
	t.Setenv("BAGGER_KAFKA_BROKERS", "broker1:9092,broker2:9092")
	t.Setenv("BAGGER_KAFKA_GROUP_ID", "bagger-eu")
	t.Setenv("BAGGER_KAFKA_MAX_WAIT", "2s")
	t.Setenv("BAGGER_HEALTH_PORT", "0")

	cfg, err := Load()
	require.NoError(t, err)

	require.True(t, cfg.Router.SortedKeys)
	require.Equal(t, "json", cfg.Router.ParamType)
	require.Equal(t, 500, cfg.PlanCache.MaxEntries)
	require.Equal(t, ingest.PolicyFallback, cfg.Ingest.MissingPolicy)
	require.Equal(t, "unrouted", cfg.Ingest.FallbackTable)
	require.Equal(t, []string{"broker1:9092", "broker2:9092"}, cfg.Kafka.Brokers)
	require.Equal(t, "bagger-eu", cfg.Kafka.GroupID)
	require.Equal(t, 2*time.Second, cfg.Kafka.MaxWait)
	require.Equal(t, 0, cfg.Health.Port)
}

func TestLoadRejectsInvalid(t *testing.T) {
	t.Setenv("BAGGER_ROUTER_PARAM_TYPE", "jsonb); drop table x; --")
	_, err := Load()
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	cfg.Router.ParamType = "pg_catalog.jsonb"
	require.NoError(t, cfg.Validate())

	cfg.Router.ParamType = "text[]"
	require.NoError(t, cfg.Validate())

	cfg.PlanCache.MaxEntries = -1
	cfg.Ingest.MissingPolicy = "bogus"
	cfg.Health.Port = 70000
	err := cfg.Validate()
	require.ErrorContains(t, err, "max_entries")
	require.ErrorContains(t, err, "missing_policy")
	require.ErrorContains(t, err, "health.port")
}
