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

// Package ingest routes documents to their partition tables and inserts
// them, one transaction per document.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/cardinalhq/bagger/internal/docsource"
	"github.com/cardinalhq/bagger/internal/jsonpointer"
	"github.com/cardinalhq/bagger/internal/logctx"
	"github.com/cardinalhq/bagger/internal/partname"
	"github.com/cardinalhq/bagger/internal/plancache"
	"github.com/cardinalhq/bagger/internal/router"
)

// MissingPolicy decides what happens to a document whose partition table
// does not exist.
type MissingPolicy string

const (
	// PolicySkip drops the document.
	PolicySkip MissingPolicy = "skip"
	// PolicyCreate creates the partition from the template table.
	PolicyCreate MissingPolicy = "create"
	// PolicyFallback inserts into FallbackTable instead.
	PolicyFallback MissingPolicy = "fallback"
)

// Config configures an Ingester.
type Config struct {
	MissingPolicy   MissingPolicy `mapstructure:"missing_policy"`
	FallbackTable   string        `mapstructure:"fallback_table"`
	TemplateTable   string        `mapstructure:"template_table"`
	ContinueOnError bool          `mapstructure:"continue_on_error"`
	BatchSize       int           `mapstructure:"batch_size"`
}

// DefaultConfig skips documents without a partition and keeps going past
// bad documents.
func DefaultConfig() Config {
	return Config{
		MissingPolicy:   PolicySkip,
		TemplateTable:   "storage.partition_template",
		ContinueOnError: true,
		BatchSize:       100,
	}
}

// Validate checks the policy settings.
func (c Config) Validate() error {
	switch c.MissingPolicy {
	case PolicySkip, PolicyCreate:
	case PolicyFallback:
		if c.FallbackTable == "" {
			return errors.New("ingest: fallback policy requires fallback_table")
		}
	default:
		return fmt.Errorf("ingest: unknown missing_policy %q", c.MissingPolicy)
	}
	if c.MissingPolicy == PolicyCreate && c.TemplateTable == "" {
		return errors.New("ingest: create policy requires template_table")
	}
	return nil
}

// Outcome is what happened to one document.
type Outcome int

const (
	OutcomeInserted Outcome = iota
	OutcomeCreated
	OutcomeFallback
	OutcomeSkipped
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeInserted:
		return "inserted"
	case OutcomeCreated:
		return "created"
	case OutcomeFallback:
		return "fallback"
	case OutcomeSkipped:
		return "skipped"
	case OutcomeFailed:
		return "failed"
	default:
		return fmt.Sprintf("Outcome(%d)", int(o))
	}
}

// Router is the routing surface the Ingester needs.
type Router interface {
	BuildPartitionName(ctx context.Context, doc []byte) (string, error)
	GetInsertPlan(ctx context.Context, table string) (*plancache.Plan, error)
}

var _ Router = (*router.Router)(nil)

// Store runs the database side of an insert.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context) error) error
	EnsurePartition(ctx context.Context, table string) error
	ForgetPartition(table string)
	Insert(ctx context.Context, plan *plancache.Plan, doc []byte) error
}

// Stats counts outcomes since the Ingester was created.
type Stats struct {
	Documents int64
	Inserted  int64
	Created   int64
	Fallback  int64
	Skipped   int64
	Failed    int64
}

// Ingester inserts documents into their partitions.
type Ingester struct {
	router Router
	store  Store
	cfg    Config

	documents, inserted, created, fallback, skipped, failed atomic.Int64
}

// New returns an Ingester. cfg must be valid.
func New(r Router, store Store, cfg Config) (*Ingester, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Ingester{router: r, store: store, cfg: cfg}, nil
}

// IngestDocument routes and inserts doc inside one transaction.
func (i *Ingester) IngestDocument(ctx context.Context, doc []byte) (Outcome, error) {
	var (
		outcome Outcome
		created string
	)
	err := i.store.WithTx(ctx, func(ctx context.Context) error {
		name, err := i.router.BuildPartitionName(ctx, doc)
		if err != nil {
			return err
		}

		plan, err := i.router.GetInsertPlan(ctx, name)
		outcome = OutcomeInserted
		if errors.Is(err, plancache.ErrRelationNotFound) {
			plan, outcome, err = i.handleMissing(ctx, name)
			if outcome == OutcomeCreated {
				created = name
			}
		}
		if err != nil || outcome == OutcomeSkipped {
			return err
		}

		return i.store.Insert(ctx, plan, doc)
	})
	if err != nil {
		if created != "" {
			// The CREATE TABLE was rolled back with everything else.
			i.store.ForgetPartition(created)
		}
		i.record(ctx, OutcomeFailed)
		return OutcomeFailed, err
	}

	i.record(ctx, outcome)
	return outcome, nil
}

func (i *Ingester) handleMissing(ctx context.Context, name string) (*plancache.Plan, Outcome, error) {
	switch i.cfg.MissingPolicy {
	case PolicyCreate:
		plan, err := i.createAndPlan(ctx, name)
		if errors.Is(err, plancache.ErrRelationNotFound) {
			// The memo said the table exists but it was dropped since.
			i.store.ForgetPartition(name)
			plan, err = i.createAndPlan(ctx, name)
		}
		return plan, OutcomeCreated, err

	case PolicyFallback:
		logctx.FromContext(ctx).Debug("Partition missing, using fallback table",
			"partition", name,
			"fallback", i.cfg.FallbackTable)
		plan, err := i.router.GetInsertPlan(ctx, i.cfg.FallbackTable)
		if err != nil {
			return nil, OutcomeFallback, fmt.Errorf("fallback table %q: %w", i.cfg.FallbackTable, err)
		}
		return plan, OutcomeFallback, nil

	default:
		logctx.FromContext(ctx).Info("Partition missing, skipping document", "partition", name)
		return nil, OutcomeSkipped, nil
	}
}

func (i *Ingester) createAndPlan(ctx context.Context, name string) (*plancache.Plan, error) {
	if err := i.store.EnsurePartition(ctx, name); err != nil {
		return nil, err
	}
	return i.router.GetInsertPlan(ctx, name)
}

// Handle ingests a batch, one document at a time. Document errors are
// logged and counted when ContinueOnError is set; any other error stops the
// batch.
func (i *Ingester) Handle(ctx context.Context, docs []docsource.Document) error {
	for _, d := range docs {
		docCtx := logctx.With(ctx,
			"source", d.Source,
			"partition", d.Partition,
			"offset", d.Offset)

		if _, err := i.IngestDocument(docCtx, d.Body); err != nil {
			if i.cfg.ContinueOnError && IsDocumentError(err) {
				logctx.FromContext(docCtx).Warn("Rejected document", "error", err)
				continue
			}
			return fmt.Errorf("%s offset %d: %w", d.Source, d.Offset, err)
		}
	}
	return nil
}

// Run drains src through the Ingester.
func (i *Ingester) Run(ctx context.Context, src docsource.Source) error {
	return src.Run(ctx, i.Handle)
}

// Stats returns a snapshot of the counters.
func (i *Ingester) Stats() Stats {
	return Stats{
		Documents: i.documents.Load(),
		Inserted:  i.inserted.Load(),
		Created:   i.created.Load(),
		Fallback:  i.fallback.Load(),
		Skipped:   i.skipped.Load(),
		Failed:    i.failed.Load(),
	}
}

func (i *Ingester) record(ctx context.Context, o Outcome) {
	i.documents.Add(1)
	switch o {
	case OutcomeInserted:
		i.inserted.Add(1)
	case OutcomeCreated:
		i.created.Add(1)
	case OutcomeFallback:
		i.fallback.Add(1)
	case OutcomeSkipped:
		i.skipped.Add(1)
	case OutcomeFailed:
		i.failed.Add(1)
	}
	documentsProcessed.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", o.String())))
}

// IsDocumentError reports whether err is the fault of the document rather
// than of the database or configuration: bad JSON, a pointer that does not
// fit the document, an over-long partition name, or a row the table
// rejects.
func IsDocumentError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, router.ErrInvalidDocument) {
		return true
	}

	var (
		ve *jsonpointer.ValidationError
		le *partname.LengthExceededError
		iv *partname.InvariantViolationError
	)
	if errors.As(err, &ve) || errors.As(err, &le) || errors.As(err, &iv) {
		return true
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgerrcode.IsDataException(pgErr.Code) ||
			pgerrcode.IsIntegrityConstraintViolation(pgErr.Code)
	}
	return false
}
