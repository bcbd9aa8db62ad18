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
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/cardinalhq/bagger/internal/partname"
)

type mockCatalog struct {
	mock.Mock
}

func (m *mockCatalog) Resolve(ctx context.Context, table string) (Relation, bool, error) {
	args := m.Called(ctx, table)
	return args.Get(0).(Relation), args.Bool(1), args.Error(2)
}

func (m *mockCatalog) Validate(ctx context.Context, table string, rel Relation) error {
	args := m.Called(ctx, table, rel)
	return args.Error(0)
}

type mockPreparer struct {
	mock.Mock
}

func (m *mockPreparer) Prepare(ctx context.Context, sql string) (any, error) {
	args := m.Called(ctx, sql)
	return args.Get(0), args.Error(1)
}

func (m *mockPreparer) Release(ctx context.Context, handle any) error {
	args := m.Called(ctx, handle)
	return args.Error(0)
}

func rel(id RelationID, table string) Relation {
	return Relation{ID: id, QualifiedName: `"public".` + `"` + table + `"`}
}

func TestGet_CreatesAndCaches(t *testing.T) {
	ctx := context.Background()
	cat := &mockCatalog{}
	prep := &mockPreparer{}

	r1 := rel(101, "t1")
	cat.On("Resolve", ctx, "t1").Return(r1, true, nil).Once()
	prep.On("Prepare", ctx, `INSERT INTO "public"."t1" VALUES ($1::jsonb)`).Return("stmt-t1", nil).Once()

	c := New(cat, prep)
	plan, err := c.Get(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, "t1", plan.Table)
	assert.Equal(t, r1, plan.Relation)
	assert.Equal(t, "stmt-t1", plan.Handle)
	assert.Equal(t, []string{"t1"}, c.Keys())

	cat.On("Validate", ctx, "t1", r1).Return(nil).Once()
	again, err := c.Get(ctx, "t1")
	require.NoError(t, err)
	assert.Same(t, plan, again)
	assert.Equal(t, 1, c.Len())

	cat.AssertExpectations(t)
	prep.AssertExpectations(t)
}

func TestGet_MRUOrdering(t *testing.T) {
	ctx := context.Background()
	cat := &mockCatalog{}
	prep := &mockPreparer{}
	c := New(cat, prep)

	for i, name := range []string{"t1", "t2", "t3"} {
		r := rel(RelationID(i+1), name)
		cat.On("Resolve", ctx, name).Return(r, true, nil).Once()
		cat.On("Validate", ctx, name, r).Return(nil)
		prep.On("Prepare", ctx, mock.Anything).Return("stmt-"+name, nil).Once()
		_, err := c.Get(ctx, name)
		require.NoError(t, err)
	}
	assert.Equal(t, []string{"t3", "t2", "t1"}, c.Keys())

	_, err := c.Get(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, []string{"t1", "t3", "t2"}, c.Keys())

	_, err = c.Get(ctx, "t2")
	require.NoError(t, err)
	assert.Equal(t, []string{"t2", "t1", "t3"}, c.Keys())

	// Hitting the head keeps the order.
	_, err = c.Get(ctx, "t2")
	require.NoError(t, err)
	assert.Equal(t, []string{"t2", "t1", "t3"}, c.Keys())
}

func TestGet_NotFound(t *testing.T) {
	ctx := context.Background()
	cat := &mockCatalog{}
	prep := &mockPreparer{}
	cat.On("Resolve", ctx, "missing").Return(Relation{}, false, nil)

	c := New(cat, prep)
	_, err := c.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrRelationNotFound)
	assert.Equal(t, 0, c.Len())
	prep.AssertNotCalled(t, "Prepare", mock.Anything, mock.Anything)
}

func TestGet_StaleEntryIsRecreated(t *testing.T) {
	ctx := context.Background()
	cat := &mockCatalog{}
	prep := &mockPreparer{}
	c := New(cat, prep)

	old := rel(101, "t1")
	cat.On("Resolve", ctx, "t1").Return(old, true, nil).Once()
	prep.On("Prepare", ctx, mock.Anything).Return("stmt-old", nil).Once()
	_, err := c.Get(ctx, "t1")
	require.NoError(t, err)

	// Table dropped and recreated under a new oid.
	recreated := rel(202, "t1")
	cat.On("Validate", ctx, "t1", old).Return(errors.New("relation with OID 101 does not exist")).Once()
	prep.On("Release", ctx, "stmt-old").Return(nil).Once()
	cat.On("Resolve", ctx, "t1").Return(recreated, true, nil).Once()
	prep.On("Prepare", ctx, mock.Anything).Return("stmt-new", nil).Once()

	plan, err := c.Get(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, RelationID(202), plan.Relation.ID)
	assert.Equal(t, "stmt-new", plan.Handle)
	assert.Equal(t, []string{"t1"}, c.Keys())

	cat.AssertExpectations(t)
	prep.AssertExpectations(t)
}

func TestGet_StaleEntryDroppedTableGone(t *testing.T) {
	ctx := context.Background()
	cat := &mockCatalog{}
	prep := &mockPreparer{}
	c := New(cat, prep)

	r1 := rel(101, "t1")
	r2 := rel(102, "t2")
	cat.On("Resolve", ctx, "t1").Return(r1, true, nil).Once()
	cat.On("Resolve", ctx, "t2").Return(r2, true, nil).Once()
	prep.On("Prepare", ctx, mock.Anything).Return("stmt", nil).Twice()
	_, err := c.Get(ctx, "t1")
	require.NoError(t, err)
	_, err = c.Get(ctx, "t2")
	require.NoError(t, err)

	cat.On("Validate", ctx, "t1", r1).Return(errors.New("dropped")).Once()
	prep.On("Release", ctx, "stmt").Return(nil).Once()
	cat.On("Resolve", ctx, "t1").Return(Relation{}, false, nil).Once()

	_, err = c.Get(ctx, "t1")
	assert.ErrorIs(t, err, ErrRelationNotFound)
	assert.Equal(t, []string{"t2"}, c.Keys())

	// The surviving entry is still reachable and linked.
	cat.On("Validate", ctx, "t2", r2).Return(nil).Once()
	_, err = c.Get(ctx, "t2")
	require.NoError(t, err)
	assert.Equal(t, []string{"t2"}, c.Keys())
}

func TestGet_PrepareFailureIsFatal(t *testing.T) {
	ctx := context.Background()
	cat := &mockCatalog{}
	prep := &mockPreparer{}
	boom := errors.New("syntax error")

	cat.On("Resolve", ctx, "t1").Return(rel(1, "t1"), true, nil)
	prep.On("Prepare", ctx, mock.Anything).Return(nil, boom)

	c := New(cat, prep)
	_, err := c.Get(ctx, "t1")
	require.ErrorIs(t, err, boom)
	assert.NotErrorIs(t, err, ErrRelationNotFound)
	assert.Equal(t, 0, c.Len())
}

func TestGet_ResolveErrorPropagates(t *testing.T) {
	ctx := context.Background()
	cat := &mockCatalog{}
	boom := errors.New("connection reset")
	cat.On("Resolve", ctx, "t1").Return(Relation{}, false, boom)

	c := New(cat, &mockPreparer{})
	_, err := c.Get(ctx, "t1")
	assert.ErrorIs(t, err, boom)
}

func TestGet_KeyTooLong(t *testing.T) {
	c := New(&mockCatalog{}, &mockPreparer{})
	_, err := c.Get(context.Background(), strings.Repeat("k", MaxKeyLength+1))
	var le *partname.LengthExceededError
	assert.ErrorAs(t, err, &le)
}

func TestGet_ParamType(t *testing.T) {
	ctx := context.Background()
	cat := &mockCatalog{}
	prep := &mockPreparer{}
	cat.On("Resolve", ctx, "t1").Return(rel(1, "t1"), true, nil)
	prep.On("Prepare", ctx, `INSERT INTO "public"."t1" VALUES ($1::json)`).Return("stmt", nil).Once()

	c := New(cat, prep, WithParamType("json"))
	_, err := c.Get(ctx, "t1")
	require.NoError(t, err)
	prep.AssertExpectations(t)
}

func TestGet_MaxEntriesEvictsLRU(t *testing.T) {
	ctx := context.Background()
	cat := &mockCatalog{}
	prep := &mockPreparer{}
	c := New(cat, prep, WithMaxEntries(2))

	for i, name := range []string{"t1", "t2", "t3"} {
		cat.On("Resolve", ctx, name).Return(rel(RelationID(i+1), name), true, nil).Once()
		prep.On("Prepare", ctx, mock.Anything).Return("stmt-"+name, nil).Once()
	}
	prep.On("Release", ctx, "stmt-t1").Return(nil).Once()

	for _, name := range []string{"t1", "t2", "t3"} {
		_, err := c.Get(ctx, name)
		require.NoError(t, err)
	}
	assert.Equal(t, []string{"t3", "t2"}, c.Keys())
	prep.AssertExpectations(t)
}

func TestReset(t *testing.T) {
	ctx := context.Background()
	cat := &mockCatalog{}
	prep := &mockPreparer{}
	c := New(cat, prep)

	for i, name := range []string{"t1", "t2"} {
		cat.On("Resolve", ctx, name).Return(rel(RelationID(i+1), name), true, nil)
		prep.On("Prepare", ctx, mock.Anything).Return("stmt-"+name, nil).Once()
		_, err := c.Get(ctx, name)
		require.NoError(t, err)
	}

	prep.On("Release", ctx, "stmt-t1").Return(nil).Once()
	prep.On("Release", ctx, "stmt-t2").Return(errors.New("connection closed")).Once()

	err := c.Reset(ctx)
	assert.ErrorContains(t, err, "connection closed")
	assert.Equal(t, 0, c.Len())
	assert.Empty(t, c.Keys())

	// The cache is usable after a reset.
	prep.On("Prepare", ctx, mock.Anything).Return("stmt-t1b", nil).Once()
	plan, err := c.Get(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, "stmt-t1b", plan.Handle)
	prep.AssertExpectations(t)
}

func TestLastAccess(t *testing.T) {
	ctx := context.Background()
	cat := &mockCatalog{}
	prep := &mockPreparer{}

	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	c := New(cat, prep, WithClock(func() time.Time { return now }))

	r := rel(1, "t1")
	cat.On("Resolve", ctx, "t1").Return(r, true, nil)
	cat.On("Validate", ctx, "t1", r).Return(nil)
	prep.On("Prepare", ctx, mock.Anything).Return("stmt", nil)

	_, err := c.Get(ctx, "t1")
	require.NoError(t, err)
	ts, ok := c.LastAccess("t1")
	require.True(t, ok)
	assert.Equal(t, now, ts)

	now = now.Add(time.Minute)
	_, err = c.Get(ctx, "t1")
	require.NoError(t, err)
	ts, _ = c.LastAccess("t1")
	assert.Equal(t, now, ts)

	_, ok = c.LastAccess("nope")
	assert.False(t, ok)
}

func TestGet_ManyTablesChurn(t *testing.T) {
	ctx := context.Background()
	cat := &mockCatalog{}
	prep := &mockPreparer{}
	c := New(cat, prep, WithMaxEntries(8))

	cat.On("Resolve", ctx, mock.Anything).Return(Relation{ID: 1, QualifiedName: "x"}, true, nil)
	cat.On("Validate", ctx, mock.Anything, mock.Anything).Return(nil)
	prep.On("Prepare", ctx, mock.Anything).Return("stmt", nil)
	prep.On("Release", ctx, mock.Anything).Return(nil)

	for i := range 100 {
		name := fmt.Sprintf("t%d", i%13)
		plan, err := c.Get(ctx, name)
		require.NoError(t, err)
		assert.Equal(t, name, plan.Table)
		assert.Equal(t, name, c.Keys()[0])
		assert.LessOrEqual(t, c.Len(), 8)
	}
	assert.Len(t, c.Keys(), c.Len())
}
