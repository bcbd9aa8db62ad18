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

// Package plancache keeps prepared insert statements for partition tables,
// most recently used first.
//
// Every cached plan is validated before reuse: the relation it targets may
// have been dropped since the plan was prepared. A plan that fails validation
// is discarded and a new one is prepared in its place, so a dropped and
// recreated table heals itself on the next lookup.
package plancache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cardinalhq/bagger/internal/logctx"
	"github.com/cardinalhq/bagger/internal/partname"
)

const (
	// MaxKeyLength bounds a cache key: room for a schema qualified name,
	// two identifiers and a dot.
	MaxKeyLength = 2*partname.MaxIdentifierLength + 1

	// DefaultParamType is the type the document parameter is cast to.
	DefaultParamType = "jsonb"
)

// ErrRelationNotFound is returned by Get when the table does not exist.
// It is not fatal; the caller decides what to do with the document.
var ErrRelationNotFound = errors.New("relation not found")

// RelationID identifies a relation in the catalog (a PostgreSQL oid).
type RelationID uint32

// Relation is a resolved table.
type Relation struct {
	ID RelationID
	// QualifiedName is safe to splice into SQL as is.
	QualifiedName string
}

// Plan is a prepared insert statement for one table.
type Plan struct {
	Table    string
	Relation Relation
	SQL      string
	// Handle is owned by the Preparer that produced it.
	Handle any
}

// Catalog resolves table names and checks that a cached relation is still
// usable.
type Catalog interface {
	// Resolve returns found == false when no such table exists.
	Resolve(ctx context.Context, table string) (rel Relation, found bool, err error)
	// Validate returns nil when rel can still be written to. It must not
	// leave side effects behind or abort the caller's transaction.
	Validate(ctx context.Context, table string, rel Relation) error
}

// Preparer prepares statements that outlive a single call.
type Preparer interface {
	Prepare(ctx context.Context, sql string) (handle any, err error)
	Release(ctx context.Context, handle any) error
}

// Cache maps table names to validated plans.
//
// A Cache is not safe for concurrent use. Prepared statements belong to a
// single database session, so each session owns its own Cache.
type Cache struct {
	catalog    Catalog
	preparer   Preparer
	paramType  string
	maxEntries int
	now        func() time.Time

	entries *arena
}

// Option configures a Cache.
type Option func(*Cache)

// WithParamType sets the SQL type of the single statement parameter.
func WithParamType(typ string) Option {
	return func(c *Cache) {
		c.paramType = typ
	}
}

// WithMaxEntries caps the number of cached plans; the least recently used
// plan is released when the cap is exceeded. Zero means no cap.
func WithMaxEntries(n int) Option {
	return func(c *Cache) {
		c.maxEntries = n
	}
}

// WithClock overrides time.Now for access stamps.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) {
		c.now = now
	}
}

// New returns an empty Cache.
func New(catalog Catalog, preparer Preparer, opts ...Option) *Cache {
	c := &Cache{
		catalog:   catalog,
		preparer:  preparer,
		paramType: DefaultParamType,
		now:       time.Now,
		entries:   newArena(),
	}
	for _, opt := range opts {
		opt(c)
	}
	registerCache(c)
	return c
}

// Get returns a plan for inserting into table, preparing one if needed.
// It returns ErrRelationNotFound when the table does not exist.
func (c *Cache) Get(ctx context.Context, table string) (*Plan, error) {
	if len(table) > MaxKeyLength {
		return nil, &partname.LengthExceededError{What: "plan cache key", Length: len(table), Max: MaxKeyLength}
	}

	if idx, ok := c.entries.lookup(table); ok {
		if plan, ok := c.revalidate(ctx, idx); ok {
			cacheHits.Add(ctx, 1)
			return plan, nil
		}
	} else {
		cacheMisses.Add(ctx, 1)
	}

	return c.create(ctx, table)
}

// revalidate takes the entry at idx off the recency list while its relation
// is checked. A valid entry goes back to the front; an invalid one is
// discarded.
func (c *Cache) revalidate(ctx context.Context, idx int32) (*Plan, bool) {
	c.entries.unlink(idx)
	s := &c.entries.slots[idx]
	plan := s.plan

	if err := c.catalog.Validate(ctx, plan.Table, plan.Relation); err != nil {
		logctx.FromContext(ctx).Debug("Discarding stale cached plan",
			"table", plan.Table,
			"relation", plan.Relation.ID,
			"error", err)
		c.entries.remove(idx)
		c.release(ctx, plan)
		cacheStale.Add(ctx, 1)
		return nil, false
	}

	s.lastAccess = c.now()
	c.entries.pushFront(idx)
	return plan, true
}

func (c *Cache) create(ctx context.Context, table string) (*Plan, error) {
	rel, found, err := c.catalog.Resolve(ctx, table)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve table %q: %w", table, err)
	}
	if !found {
		cacheNotFound.Add(ctx, 1)
		return nil, fmt.Errorf("%w: %s", ErrRelationNotFound, table)
	}

	plan := &Plan{
		Table:    table,
		Relation: rel,
		SQL:      InsertSQL(rel.QualifiedName, c.paramType),
	}
	plan.Handle, err = c.preparer.Prepare(ctx, plan.SQL)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare insert for %q: %w", table, err)
	}

	c.entries.insert(plan, c.now())
	c.trim(ctx)
	return plan, nil
}

// trim evicts from the tail until the cache is within maxEntries.
func (c *Cache) trim(ctx context.Context) {
	if c.maxEntries <= 0 {
		return
	}
	for c.entries.len() > c.maxEntries && c.entries.tail != nilIndex {
		plan := c.entries.remove(c.entries.tail)
		c.release(ctx, plan)
		cacheEvictions.Add(ctx, 1)
	}
}

func (c *Cache) release(ctx context.Context, plan *Plan) {
	if plan.Handle == nil {
		return
	}
	if err := c.preparer.Release(ctx, plan.Handle); err != nil {
		logctx.FromContext(ctx).Warn("Failed to release prepared plan",
			"table", plan.Table,
			"error", err)
	}
}

// Reset drops every cached plan, releasing them in one pass.
func (c *Cache) Reset(ctx context.Context) error {
	var errs []error
	for _, plan := range c.entries.plans() {
		if plan.Handle == nil {
			continue
		}
		if err := c.preparer.Release(ctx, plan.Handle); err != nil {
			errs = append(errs, fmt.Errorf("release %q: %w", plan.Table, err))
		}
	}
	c.entries.reset()
	return errors.Join(errs...)
}

// Len returns the number of cached plans.
func (c *Cache) Len() int {
	return c.entries.len()
}

// Keys returns the cached table names, most recently used first.
func (c *Cache) Keys() []string {
	return c.entries.keys()
}

// LastAccess returns when the plan for table was last handed out.
func (c *Cache) LastAccess(table string) (time.Time, bool) {
	idx, ok := c.entries.lookup(table)
	if !ok {
		return time.Time{}, false
	}
	return c.entries.slots[idx].lastAccess, true
}

// InsertSQL is the single-parameter insert used for every partition.
func InsertSQL(qualifiedTable, paramType string) string {
	return fmt.Sprintf("INSERT INTO %s VALUES ($1::%s)", qualifiedTable, paramType)
}
