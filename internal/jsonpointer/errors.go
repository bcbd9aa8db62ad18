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

package jsonpointer

import (
	"fmt"
	"strconv"
)

// ValidationKind identifies why a pointer, or a pointer applied to a
// document, was rejected.
type ValidationKind int

const (
	// KindInvalidBuffer means no pointer text was supplied at all.
	KindInvalidBuffer ValidationKind = iota + 1
	// KindRootless means the pointer does not start with "/".
	KindRootless
	// KindEmbeddedNull means a decoded segment contains a NUL byte.
	KindEmbeddedNull
	// KindTypeMismatch means a non-numeric segment was applied to an array.
	KindTypeMismatch
)

func (k ValidationKind) String() string {
	switch k {
	case KindInvalidBuffer:
		return "InvalidBuffer"
	case KindRootless:
		return "Rootless"
	case KindEmbeddedNull:
		return "EmbeddedNull"
	case KindTypeMismatch:
		return "TypeMismatch"
	default:
		return "ValidationKind(" + strconv.Itoa(int(k)) + ")"
	}
}

// ValidationError is returned for malformed pointers and for pointers that
// cannot be applied to a document. It is fatal for the document being routed.
type ValidationError struct {
	Kind    ValidationKind
	Pointer string
	// Offset is the byte offset into Pointer of the offending byte, or -1.
	Offset int
	// Segment is the zero based index of the offending segment.
	Segment int
	// Char is the offending first byte for KindRootless, when there is one.
	Char    byte
	HasChar bool
}

func (e *ValidationError) Error() string {
	switch e.Kind {
	case KindInvalidBuffer:
		return "jsonpointer: invalid buffer passed"
	case KindRootless:
		if !e.HasChar {
			return "jsonpointer: rootless JSON pointers are not allowed: empty pointer"
		}
		return fmt.Sprintf("jsonpointer: rootless JSON pointers are not allowed: the first character is %q not '/'", e.Char)
	case KindEmbeddedNull:
		return fmt.Sprintf("jsonpointer: embedded nulls are not allowed: null byte found at position %d (segment %d) of %q",
			e.Offset, e.Segment, e.Pointer)
	case KindTypeMismatch:
		return fmt.Sprintf("jsonpointer: segment %d of %s is not a valid array index", e.Segment, e.Pointer)
	default:
		return "jsonpointer: " + e.Kind.String()
	}
}

// Is lets errors.Is match on kind alone, e.g. errors.Is(err, &ValidationError{Kind: KindRootless}).
func (e *ValidationError) Is(target error) bool {
	t, ok := target.(*ValidationError)
	if !ok {
		return false
	}
	return t.Kind == 0 || t.Kind == e.Kind
}
