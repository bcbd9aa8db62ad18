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

// Package pgstore is the PostgreSQL side of routing: it loads dimensions,
// resolves and validates partition tables, prepares insert statements on a
// single connection and runs inserts inside caller-managed transactions.
package pgstore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jellydator/ttlcache/v3"

	"github.com/cardinalhq/bagger/internal/dimension"
	"github.com/cardinalhq/bagger/internal/plancache"
)

const (
	// DefaultSchema holds partition tables unless configured otherwise.
	DefaultSchema = "public"

	// DefaultTemplateTable is the table new partitions are shaped like.
	DefaultTemplateTable = "storage.partition_template"

	partitionMemoTTL = 30 * time.Minute
	txCleanupTimeout = 10 * time.Second
)

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Session binds routing to one database connection. Prepared statements
// belong to that connection, so a Session, like the plan cache it serves, is
// not safe for concurrent use.
type Session struct {
	conn     *pgx.Conn
	tx       pgx.Tx
	schema   string
	template pgx.Identifier

	partitions *ttlcache.Cache[string, struct{}]
}

var (
	_ dimension.Source   = (*Session)(nil)
	_ plancache.Catalog  = (*Session)(nil)
	_ plancache.Preparer = (*Session)(nil)
)

// Option configures a Session.
type Option func(*Session)

// WithSchema sets the schema partition tables are looked up and created in.
func WithSchema(schema string) Option {
	return func(s *Session) {
		s.schema = schema
	}
}

// WithTemplateTable sets the table EnsurePartition copies. A dotted name is
// taken as schema.table.
func WithTemplateTable(name string) Option {
	return func(s *Session) {
		s.template = pgx.Identifier(strings.SplitN(name, ".", 2))
	}
}

// NewSession wraps conn. The caller keeps ownership of conn.
func NewSession(conn *pgx.Conn, opts ...Option) *Session {
	s := &Session{
		conn:     conn,
		schema:   DefaultSchema,
		template: pgx.Identifier(strings.SplitN(DefaultTemplateTable, ".", 2)),
		partitions: ttlcache.New(
			ttlcache.WithTTL[string, struct{}](partitionMemoTTL),
			ttlcache.WithDisableTouchOnHit[string, struct{}](),
			ttlcache.WithCapacity[string, struct{}](100_000),
		),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Conn returns the underlying connection.
func (s *Session) Conn() *pgx.Conn {
	return s.conn
}

func (s *Session) querier() querier {
	if s.tx != nil {
		return s.tx
	}
	return s.conn
}

func (s *Session) tableIdentifier(table string) pgx.Identifier {
	if s.schema == "" {
		return pgx.Identifier{table}
	}
	return pgx.Identifier{s.schema, table}
}

const loadDimensionsSQL = `
SELECT fieldname, row_number() OVER (ORDER BY ordinality)
  FROM storage.dimension
 ORDER BY fieldname COLLATE "C"`

// LoadDimensions reads storage.dimension. Ordinals are renumbered densely in
// ordinality order; fieldname order is byte order.
func (s *Session) LoadDimensions(ctx context.Context) ([]dimension.Row, error) {
	rows, err := s.querier().Query(ctx, loadDimensionsSQL)
	if err != nil {
		return nil, fmt.Errorf("failed to query dimensions: %w", err)
	}
	defer rows.Close()

	var out []dimension.Row
	for rows.Next() {
		var (
			pointer []byte
			ordinal int64
		)
		if err := rows.Scan(&pointer, &ordinal); err != nil {
			return nil, fmt.Errorf("failed to scan dimension: %w", err)
		}
		out = append(out, dimension.Row{Pointer: pointer, Ordinal: int(ordinal)})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read dimensions: %w", err)
	}
	return out, nil
}

const resolveSQL = `
SELECT c.oid, format('%I.%I', n.nspname, c.relname)
  FROM pg_catalog.pg_class c
  JOIN pg_catalog.pg_namespace n ON n.oid = c.relnamespace
 WHERE c.oid = to_regclass($1)
   AND c.relkind IN ('r', 'p')`

// Resolve looks table up in the configured schema.
func (s *Session) Resolve(ctx context.Context, table string) (plancache.Relation, bool, error) {
	var (
		oid       uint32
		qualified string
	)
	err := s.querier().QueryRow(ctx, resolveSQL, s.tableIdentifier(table).Sanitize()).Scan(&oid, &qualified)
	if errors.Is(err, pgx.ErrNoRows) {
		return plancache.Relation{}, false, nil
	}
	if err != nil {
		return plancache.Relation{}, false, err
	}
	return plancache.Relation{ID: plancache.RelationID(oid), QualifiedName: qualified}, true, nil
}

// Validate confirms rel still names the same table. The check runs in a
// savepoint when a transaction is open, so a failure never aborts it; on
// success the ROW EXCLUSIVE lock is kept until the enclosing transaction
// ends, which stops the table being dropped before the insert.
func (s *Session) Validate(ctx context.Context, table string, rel plancache.Relation) (err error) {
	sp, err := s.querier().Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to open savepoint: %w", err)
	}
	defer func() {
		if err != nil {
			if rbErr := sp.Rollback(context.WithoutCancel(ctx)); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
				err = errors.Join(err, fmt.Errorf("rollback failed: %w", rbErr))
			}
		}
	}()

	if _, err = sp.Exec(ctx, "LOCK TABLE "+rel.QualifiedName+" IN ROW EXCLUSIVE MODE"); err != nil {
		return fmt.Errorf("relation %s unavailable: %w", rel.QualifiedName, err)
	}

	var oid uint32
	if err = sp.QueryRow(ctx, "SELECT COALESCE(to_regclass($1)::oid, 0)", rel.QualifiedName).Scan(&oid); err != nil {
		return fmt.Errorf("failed to look up %s: %w", rel.QualifiedName, err)
	}
	if plancache.RelationID(oid) != rel.ID {
		err = fmt.Errorf("relation %s for %q changed from oid %d to %d", rel.QualifiedName, table, rel.ID, oid)
		return err
	}

	return sp.Commit(ctx)
}

// StatementName is the server-side name for a prepared sql.
func StatementName(sql string) string {
	return "bagger_" + strconv.FormatUint(xxhash.Sum64String(sql), 16)
}

// Prepare creates a named prepared statement. The handle is a
// *pgconn.StatementDescription.
func (s *Session) Prepare(ctx context.Context, sql string) (any, error) {
	sd, err := s.conn.Prepare(ctx, StatementName(sql), sql)
	if err != nil {
		return nil, err
	}
	return sd, nil
}

// Release deallocates a statement returned by Prepare.
func (s *Session) Release(ctx context.Context, handle any) error {
	sd, ok := handle.(*pgconn.StatementDescription)
	if !ok {
		return fmt.Errorf("unexpected plan handle %T", handle)
	}
	return s.conn.Deallocate(ctx, sd.Name)
}

// Insert runs plan with doc as its only parameter.
func (s *Session) Insert(ctx context.Context, plan *plancache.Plan, doc []byte) error {
	sd, ok := plan.Handle.(*pgconn.StatementDescription)
	if !ok {
		return fmt.Errorf("unexpected plan handle %T", plan.Handle)
	}
	if _, err := s.querier().Exec(ctx, sd.Name, string(doc)); err != nil {
		return fmt.Errorf("insert into %s: %w", plan.Relation.QualifiedName, err)
	}
	return nil
}

// EnsurePartition creates table from the template when it does not exist.
// Tables created or seen recently are remembered and not checked again.
func (s *Session) EnsurePartition(ctx context.Context, table string) error {
	if s.partitions.Get(table) != nil {
		return nil
	}

	sql := fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (LIKE %s INCLUDING ALL)",
		s.tableIdentifier(table).Sanitize(), s.template.Sanitize())
	if _, err := s.querier().Exec(ctx, sql); err != nil {
		return fmt.Errorf("failed to create partition %q: %w", table, err)
	}

	s.partitions.Set(table, struct{}{}, ttlcache.DefaultTTL)
	return nil
}

// ForgetPartition drops table from the EnsurePartition memo.
func (s *Session) ForgetPartition(table string) {
	s.partitions.Delete(table)
}

// WithTx runs fn inside a transaction on the session's connection. Inserts,
// lookups and validations made by fn use that transaction.
func (s *Session) WithTx(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	if s.tx != nil {
		return errors.New("pgstore: transaction already open")
	}

	tx, err := s.conn.Begin(ctx)
	if err != nil {
		return err
	}
	s.tx = tx

	committed := false
	defer func() {
		s.tx = nil
		if committed {
			return
		}
		// Never use the caller ctx for cleanup as it may be cancelled.
		rbCtx, cancel := context.WithTimeout(context.Background(), txCleanupTimeout)
		defer cancel()

		if rbErr := tx.Rollback(rbCtx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			if err != nil {
				err = errors.Join(err, fmt.Errorf("rollback failed: %w", rbErr))
			} else {
				err = fmt.Errorf("rollback failed: %w", rbErr)
			}
		}
	}()

	if err = fn(ctx); err != nil {
		return err
	}

	commitCtx, cancel := context.WithTimeout(context.Background(), txCleanupTimeout)
	defer cancel()

	if err = tx.Commit(commitCtx); err != nil {
		return err
	}
	committed = true
	return nil
}

// Close closes the connection.
func (s *Session) Close(ctx context.Context) error {
	s.partitions.DeleteAll()
	return s.conn.Close(ctx)
}
