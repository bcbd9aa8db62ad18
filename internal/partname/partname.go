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

// Package partname assembles partition table names from extracted dimension
// labels.
package partname

import (
	"fmt"
	"slices"
	"strings"
)

const (
	// Prefix starts every partition name.
	Prefix = "data"

	// Separator joins the prefix and each label.
	Separator = "_"

	// MaxIdentifierLength is the longest identifier PostgreSQL keeps without
	// truncation (NAMEDATALEN - 1).
	MaxIdentifierLength = 63
)

// Label is the value extracted for one dimension. An empty Value means the
// dimension was not found in the document.
type Label struct {
	Ordinal int
	Value   string
}

// Build returns "data_<label1>_<label2>..." with labels in ascending ordinal
// order. The ordinals must be exactly 1..len(labels); anything else is an
// InvariantViolationError. Names longer than MaxIdentifierLength fail with a
// LengthExceededError and are never truncated.
func Build(labels []Label) (string, error) {
	sorted := slices.Clone(labels)
	slices.SortStableFunc(sorted, func(a, b Label) int {
		return a.Ordinal - b.Ordinal
	})

	for i, l := range sorted {
		if l.Ordinal != i+1 {
			return "", &InvariantViolationError{
				Reason: fmt.Sprintf("label ordinals must be 1..%d, found %d at position %d", len(sorted), l.Ordinal, i+1),
			}
		}
		if strings.IndexByte(l.Value, 0) >= 0 {
			return "", &InvariantViolationError{
				Reason: fmt.Sprintf("label for ordinal %d contains a null byte", l.Ordinal),
			}
		}
	}

	size := len(Prefix)
	for _, l := range sorted {
		size += len(Separator) + len(l.Value)
	}
	if size > MaxIdentifierLength {
		return "", &LengthExceededError{What: "partition name", Length: size, Max: MaxIdentifierLength}
	}

	var b strings.Builder
	b.Grow(size)
	b.WriteString(Prefix)
	for _, l := range sorted {
		b.WriteString(Separator)
		b.WriteString(l.Value)
	}
	return b.String(), nil
}

// LengthExceededError reports an identifier or key over its hard limit.
type LengthExceededError struct {
	What   string
	Length int
	Max    int
}

func (e *LengthExceededError) Error() string {
	return fmt.Sprintf("%s is %d bytes, longer than the maximum of %d", e.What, e.Length, e.Max)
}

// InvariantViolationError means the labels handed to Build could not have
// come from a valid dimension registry.
type InvariantViolationError struct {
	Reason string
}

func (e *InvariantViolationError) Error() string {
	return "partition name invariant violated: " + e.Reason
}
