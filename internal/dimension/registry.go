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

// Package dimension holds the configured dimensions: the JSON Pointers whose
// values name a document's partition, and the rank of each in that name.
package dimension

import (
	"bytes"
	"context"
	"fmt"
	"slices"

	"github.com/cardinalhq/bagger/internal/jsonpointer"
)

// Row is one configured dimension as delivered by a Source. A nil Pointer
// stands for a missing (NULL) value.
type Row struct {
	Pointer []byte
	Ordinal int
}

// Source loads the configured dimensions.
type Source interface {
	LoadDimensions(ctx context.Context) ([]Row, error)
}

// Spec is one parsed dimension.
type Spec struct {
	Raw     string
	Pointer jsonpointer.Pointer
	Ordinal int
}

// Registry is the immutable, ordered set of dimensions. Specs are ordered by
// their raw pointer text using byte comparison, which is the C collation
// order, and their ordinals are exactly 1..Len().
type Registry struct {
	specs []Spec
}

// Build parses rows into a Registry. Rows may arrive in any order.
func Build(rows []Row) (*Registry, error) {
	if len(rows) == 0 {
		return nil, &ConfigError{Kind: KindEmpty}
	}

	sorted := slices.Clone(rows)
	slices.SortStableFunc(sorted, func(a, b Row) int {
		return bytes.Compare(a.Pointer, b.Pointer)
	})

	seen := make([]bool, len(sorted)+1)
	specs := make([]Spec, 0, len(sorted))
	for _, row := range sorted {
		if row.Ordinal < 1 || row.Ordinal > len(sorted) || seen[row.Ordinal] {
			return nil, &ConfigError{
				Kind:   KindOrdinals,
				Detail: fmt.Sprintf("ordinal %d for %q is duplicated or outside 1..%d", row.Ordinal, row.Pointer, len(sorted)),
			}
		}
		seen[row.Ordinal] = true

		ptr, err := jsonpointer.ParseBytes(row.Pointer)
		if err != nil {
			return nil, fmt.Errorf("dimension %d: %w", row.Ordinal, err)
		}
		specs = append(specs, Spec{
			Raw:     string(row.Pointer),
			Pointer: ptr,
			Ordinal: row.Ordinal,
		})
	}

	return &Registry{specs: specs}, nil
}

// Load reads rows from src and builds a Registry from them.
func Load(ctx context.Context, src Source) (*Registry, error) {
	rows, err := src.LoadDimensions(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load dimensions: %w", err)
	}
	return Build(rows)
}

// Specs returns a copy of the dimensions in registry order.
func (r *Registry) Specs() []Spec {
	return slices.Clone(r.specs)
}

// Len returns the number of dimensions.
func (r *Registry) Len() int {
	return len(r.specs)
}

// StaticSource serves a fixed set of rows.
type StaticSource []Row

func (s StaticSource) LoadDimensions(context.Context) ([]Row, error) {
	return slices.Clone([]Row(s)), nil
}
