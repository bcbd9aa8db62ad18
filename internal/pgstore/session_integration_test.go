//go:build integration

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

package pgstore_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cardinalhq/bagger/internal/pgstore"
	"github.com/cardinalhq/bagger/internal/plancache"
	"github.com/cardinalhq/bagger/internal/router"
	"github.com/cardinalhq/bagger/testhelpers"
)

func newSession(t *testing.T) *pgstore.Session {
	t.Helper()
	pool := testhelpers.SetupTestDB(t)
	conn := testhelpers.ConnectTestSession(t, pool)
	return pgstore.NewSession(conn)
}

func exec(t *testing.T, s *pgstore.Session, sql string) {
	t.Helper()
	_, err := s.Conn().Exec(context.Background(), sql)
	require.NoError(t, err)
}

func TestLoadDimensions(t *testing.T) {
	ctx := context.Background()
	s := newSession(t)
	exec(t, s, `INSERT INTO storage.dimension (fieldname, ordinality) VALUES
		('/region', 10), ('/a/b', 20), ('/Z', 30)`)

	rows, err := s.LoadDimensions(ctx)
	require.NoError(t, err)
	require.Len(t, rows, 3)

	// Byte order of fieldname; ordinals renumbered 1..N by ordinality.
	assert.Equal(t, "/Z", string(rows[0].Pointer))
	assert.Equal(t, 3, rows[0].Ordinal)
	assert.Equal(t, "/a/b", string(rows[1].Pointer))
	assert.Equal(t, 2, rows[1].Ordinal)
	assert.Equal(t, "/region", string(rows[2].Pointer))
	assert.Equal(t, 1, rows[2].Ordinal)
}

func TestRouteAndInsert(t *testing.T) {
	ctx := context.Background()
	s := newSession(t)
	exec(t, s, `INSERT INTO storage.dimension (fieldname, ordinality) VALUES ('/region', 1), ('/kind', 2)`)

	r := router.New(nil, plancache.New(s, s))
	require.NoError(t, r.Initialize(ctx, s))

	doc := []byte(`{"region":"eu","kind":"click","n":1}`)
	name, err := r.BuildPartitionName(ctx, doc)
	require.NoError(t, err)
	assert.Equal(t, "data_eu_click", name)

	_, err = r.GetInsertPlan(ctx, name)
	assert.ErrorIs(t, err, plancache.ErrRelationNotFound)

	err = s.WithTx(ctx, func(ctx context.Context) error {
		if err := s.EnsurePartition(ctx, name); err != nil {
			return err
		}
		plan, err := r.GetInsertPlan(ctx, name)
		if err != nil {
			return err
		}
		return s.Insert(ctx, plan, doc)
	})
	require.NoError(t, err)

	var count int
	require.NoError(t, s.Conn().QueryRow(ctx, `SELECT count(*) FROM public.data_eu_click WHERE doc->>'kind' = 'click'`).Scan(&count))
	assert.Equal(t, 1, count)
}

func TestStalePlanHealsAfterRecreate(t *testing.T) {
	ctx := context.Background()
	s := newSession(t)
	exec(t, s, `CREATE TABLE public.data_x (doc jsonb)`)

	cache := plancache.New(s, s)
	first, err := cache.Get(ctx, "data_x")
	require.NoError(t, err)

	exec(t, s, `DROP TABLE public.data_x`)
	exec(t, s, `CREATE TABLE public.data_x (doc jsonb)`)

	err = s.WithTx(ctx, func(ctx context.Context) error {
		plan, err := cache.Get(ctx, "data_x")
		if err != nil {
			return err
		}
		assert.NotEqual(t, first.Relation.ID, plan.Relation.ID)
		// The failed probe must not have aborted this transaction.
		return s.Insert(ctx, plan, []byte(`{"ok":true}`))
	})
	require.NoError(t, err)
	assert.Equal(t, 1, cache.Len())
}

func TestDroppedTableIsNotFound(t *testing.T) {
	ctx := context.Background()
	s := newSession(t)
	exec(t, s, `CREATE TABLE public.data_gone (doc jsonb)`)

	cache := plancache.New(s, s)
	_, err := cache.Get(ctx, "data_gone")
	require.NoError(t, err)

	exec(t, s, `DROP TABLE public.data_gone`)

	err = s.WithTx(ctx, func(ctx context.Context) error {
		_, err := cache.Get(ctx, "data_gone")
		assert.ErrorIs(t, err, plancache.ErrRelationNotFound)
		_, err = s.Conn().Exec(ctx, `SELECT 1`)
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, 0, cache.Len())
	require.NoError(t, cache.Reset(ctx))
}
