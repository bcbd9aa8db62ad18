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

package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/cardinalhq/bagger/config"
	"github.com/cardinalhq/bagger/internal/docsource"
	"github.com/cardinalhq/bagger/internal/healthcheck"
	"github.com/cardinalhq/bagger/internal/ingest"
)

func init() {
	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Insert documents into their partition tables",
		Long: `Read newline-delimited JSON documents from a file (or stdin) or from
Kafka, route each document to its partition table and insert it.`,
		RunE: func(c *cobra.Command, _ []string) error {
			file, _ := c.Flags().GetString("file")
			useKafka, _ := c.Flags().GetBool("kafka")
			if useKafka == (file != "") {
				return errors.New("exactly one of --file or --kafka is required")
			}

			doneCtx, doneFx, err := setupTelemetry("bagger-ingest")
			if err != nil {
				return fmt.Errorf("failed to setup telemetry: %w", err)
			}
			defer func() {
				if err := doneFx(); err != nil {
					slog.Error("Error shutting down telemetry", slog.Any("error", err))
				}
			}()

			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			src, err := openSource(cfg, file, useKafka, c.InOrStdin())
			if err != nil {
				return err
			}
			defer func() {
				_ = src.Close()
			}()

			var health *healthcheck.Server
			if useKafka && cfg.Health.Port > 0 {
				health = healthcheck.NewServer(cfg.Health.Port)
				health.SetReadyCondition("database", false)
				go func() {
					if err := health.Start(doneCtx); err != nil {
						slog.Error("Health check server stopped", slog.Any("error", err))
					}
				}()
			}

			return runIngest(doneCtx, cfg, src, health)
		},
	}

	cmd.Flags().String("file", "", "Newline-delimited JSON file to ingest, - for stdin")
	cmd.Flags().Bool("kafka", false, "Consume documents from the configured Kafka topic")

	rootCmd.AddCommand(cmd)
}

func openSource(cfg *config.Config, file string, useKafka bool, stdin io.Reader) (docsource.Source, error) {
	if useKafka {
		return docsource.NewKafkaSource(cfg.Kafka)
	}
	if file == "-" {
		return docsource.NewStreamSource("stdin", io.NopCloser(stdin), cfg.Ingest.BatchSize), nil
	}
	f, err := os.Open(file)
	if err != nil {
		return nil, err
	}
	return docsource.NewStreamSource(file, f, cfg.Ingest.BatchSize), nil
}

// runIngest drives src until it is exhausted or ctx is cancelled. health
// may be nil.
func runIngest(ctx context.Context, cfg *config.Config, src docsource.Source, health *healthcheck.Server) error {
	sess, err := openSession(ctx, cfg)
	if err != nil {
		if health != nil {
			health.SetStatus(healthcheck.StatusUnhealthy)
		}
		return err
	}
	defer func() {
		if err := sess.Close(ctx); err != nil {
			slog.Warn("Failed to close session", "error", err)
		}
	}()

	ing, err := ingest.New(sess.router, sess.store, cfg.Ingest)
	if err != nil {
		return err
	}

	if health != nil {
		health.SetStatus(healthcheck.StatusHealthy)
		health.SetReadyCondition("database", true)
	}

	start := time.Now()
	err = src.Run(ctx, tracedBatches(ing.Handle))
	if health != nil && err != nil && !errors.Is(err, context.Canceled) {
		health.SetStatus(healthcheck.StatusUnhealthy)
	}

	stats := ing.Stats()
	slog.Info("Ingest finished",
		slog.Int64("documents", stats.Documents),
		slog.Int64("inserted", stats.Inserted),
		slog.Int64("created", stats.Created),
		slog.Int64("fallback", stats.Fallback),
		slog.Int64("skipped", stats.Skipped),
		slog.Int64("failed", stats.Failed),
		slog.Duration("elapsed", time.Since(start)))

	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// tracedBatches wraps each batch in a span and records its duration.
func tracedBatches(next docsource.Handler) docsource.Handler {
	return func(ctx context.Context, docs []docsource.Document) error {
		ctx, span := tracer.Start(ctx, "bagger.ingest.batch",
			trace.WithAttributes(attribute.Int("documents", len(docs))))
		defer span.End()

		start := time.Now()
		err := next(ctx, docs)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		batchDuration.Record(ctx, time.Since(start).Seconds(),
			metric.WithAttributeSet(commonAttributes),
			metric.WithAttributes(attribute.Bool("success", err == nil)))
		return err
	}
}
