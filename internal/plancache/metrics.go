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

package plancache

import (
	"context"
	"log"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

var (
	meter = otel.Meter("github.com/cardinalhq/bagger/internal/plancache")

	cacheHits      metric.Int64Counter
	cacheMisses    metric.Int64Counter
	cacheStale     metric.Int64Counter
	cacheEvictions metric.Int64Counter
	cacheNotFound  metric.Int64Counter
)

func init() {
	var err error

	cacheHits, err = meter.Int64Counter(
		"bagger.plancache.hits",
		metric.WithDescription("Number of cached plans that passed validation and were reused"),
	)
	if err != nil {
		log.Fatalf("failed to create plancache.hits counter: %v", err)
	}

	cacheMisses, err = meter.Int64Counter(
		"bagger.plancache.misses",
		metric.WithDescription("Number of lookups for tables with no cached plan"),
	)
	if err != nil {
		log.Fatalf("failed to create plancache.misses counter: %v", err)
	}

	cacheStale, err = meter.Int64Counter(
		"bagger.plancache.stale",
		metric.WithDescription("Number of cached plans discarded because their relation failed validation"),
	)
	if err != nil {
		log.Fatalf("failed to create plancache.stale counter: %v", err)
	}

	cacheEvictions, err = meter.Int64Counter(
		"bagger.plancache.evictions",
		metric.WithDescription("Number of plans evicted to stay within the configured maximum"),
	)
	if err != nil {
		log.Fatalf("failed to create plancache.evictions counter: %v", err)
	}

	cacheNotFound, err = meter.Int64Counter(
		"bagger.plancache.not_found",
		metric.WithDescription("Number of lookups for tables that do not exist"),
	)
	if err != nil {
		log.Fatalf("failed to create plancache.not_found counter: %v", err)
	}
}

// registerCache reports the number of live entries in c.
func registerCache(c *Cache) {
	_, err := meter.Int64ObservableGauge(
		"bagger.plancache.items",
		metric.WithDescription("Current number of cached plans"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(c.Len()))
			return nil
		}),
	)
	if err != nil {
		log.Fatalf("failed to create plancache.items gauge: %v", err)
	}
}
