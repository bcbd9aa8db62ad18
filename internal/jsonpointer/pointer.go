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

// Package jsonpointer parses the subset of RFC 6901 JSON Pointers used to
// name dimension fields: a leading "/", slash separated reference segments,
// and the "~1" and "~0" escapes.
package jsonpointer

import (
	"strings"
)

// Pointer is a parsed JSON Pointer. Segments are decoded and root-most first.
// A Pointer returned by Parse always has at least one segment.
type Pointer []string

// Parse parses a pointer string. See ParseBytes.
func Parse(raw string) (Pointer, error) {
	return ParseBytes([]byte(raw))
}

// ParseBytes parses a raw pointer. A nil buffer fails with KindInvalidBuffer,
// a pointer that does not start with "/" fails with KindRootless, and a NUL
// byte inside any decoded segment fails with KindEmbeddedNull.
func ParseBytes(raw []byte) (Pointer, error) {
	if raw == nil {
		return nil, &ValidationError{Kind: KindInvalidBuffer, Offset: -1}
	}
	if len(raw) == 0 || raw[0] != '/' {
		e := &ValidationError{Kind: KindRootless, Pointer: string(raw), Offset: 0}
		if len(raw) > 0 {
			e.Char = raw[0]
			e.HasChar = true
		}
		return nil, e
	}

	var out Pointer
	start := 1
	for i := 1; i <= len(raw); i++ {
		if i < len(raw) && raw[i] != '/' {
			continue
		}
		seg, nul := unescape(raw[start:i])
		if nul >= 0 {
			return nil, &ValidationError{
				Kind:    KindEmbeddedNull,
				Pointer: string(raw),
				Offset:  start + nul,
				Segment: len(out),
			}
		}
		out = append(out, seg)
		start = i + 1
	}
	return out, nil
}

// unescape decodes one reference segment in a single left to right pass.
// "~1" becomes "/" and "~0" becomes "~"; a "~" followed by anything else is
// kept as is. It returns the offset of the first NUL byte in the raw segment,
// or -1.
func unescape(seg []byte) (string, int) {
	nul := -1
	var b strings.Builder
	b.Grow(len(seg))
	for i := 0; i < len(seg); i++ {
		c := seg[i]
		if c == 0 && nul < 0 {
			nul = i
		}
		if c == '~' && i+1 < len(seg) {
			switch seg[i+1] {
			case '1':
				b.WriteByte('/')
				i++
				continue
			case '0':
				b.WriteByte('~')
				i++
				continue
			}
		}
		b.WriteByte(c)
	}
	return b.String(), nul
}

// IsNumericSegment reports whether s can address an array element: it must be
// non-empty and consist of ASCII decimal digits only.
func IsNumericSegment(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

// String returns the escaped pointer text.
func (p Pointer) String() string {
	var b strings.Builder
	for _, seg := range p {
		b.WriteByte('/')
		b.WriteString(escapeReplacer.Replace(seg))
	}
	return b.String()
}

var escapeReplacer = strings.NewReplacer("~", "~0", "/", "~1")
