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

// Package navigator follows a parsed JSON Pointer through a JSON document and
// returns the scalar it addresses.
//
// Documents are walked with gjson, which iterates the raw bytes of objects and
// arrays in document order without decoding them, so a lookup only touches the
// members it has to skip over.
package navigator

import (
	"strconv"

	"github.com/tidwall/gjson"

	"github.com/cardinalhq/bagger/internal/dimension"
	"github.com/cardinalhq/bagger/internal/jsonpointer"
	"github.com/cardinalhq/bagger/internal/partname"
)

// Result is the outcome of one lookup. When Missing is set the label value is
// the empty sentinel and Reason says why.
type Result struct {
	Label   partname.Label
	Missing bool
	Reason  string
}

// Navigator extracts dimension values. It holds no per-document state and is
// safe for concurrent use.
type Navigator struct {
	sortedKeys bool
}

// Option configures a Navigator.
type Option func(*Navigator)

// WithSortedKeys enables the ordered scan: once an object key compares
// greater than the wanted key (byte order) the key is taken to be absent.
// Only enable this when every document producer emits object keys in byte
// order; otherwise lookups will miss keys that are present.
func WithSortedKeys(enabled bool) Option {
	return func(n *Navigator) {
		n.sortedKeys = enabled
	}
}

// New returns a Navigator. By default every object member is scanned.
func New(opts ...Option) *Navigator {
	n := &Navigator{}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Extract follows spec's pointer through doc. Lookup misses are not errors;
// the only error is a *jsonpointer.ValidationError of KindTypeMismatch when a
// non-numeric segment meets an array, which is fatal for the document.
func (n *Navigator) Extract(doc gjson.Result, spec dimension.Spec) (Result, error) {
	w := walker{nav: n, spec: spec}
	value, reason, err := w.walk(doc, 0)
	if err != nil {
		return Result{}, err
	}
	res := Result{Label: partname.Label{Ordinal: spec.Ordinal, Value: value}}
	if reason != "" {
		res.Label.Value = ""
		res.Missing = true
		res.Reason = reason
	}
	return res, nil
}

type walker struct {
	nav  *Navigator
	spec dimension.Spec
}

// walk resolves segments[depth:] against node. It returns the scalar text, or
// a non-empty miss reason.
func (w *walker) walk(node gjson.Result, depth int) (string, string, error) {
	if !node.Exists() || node.Type == gjson.Null {
		return "", "null or absent sub-document at segment " + strconv.Itoa(depth), nil
	}

	switch {
	case node.IsArray():
		return w.walkArray(node, depth)
	case node.IsObject():
		return w.walkObject(node, depth)
	default:
		return "", "scalar reached with " + strconv.Itoa(len(w.spec.Pointer)-depth) + " segment(s) remaining", nil
	}
}

func (w *walker) walkArray(node gjson.Result, depth int) (string, string, error) {
	seg := w.spec.Pointer[depth]
	if !jsonpointer.IsNumericSegment(seg) {
		return "", "", &jsonpointer.ValidationError{
			Kind:    jsonpointer.KindTypeMismatch,
			Pointer: w.spec.Raw,
			Offset:  -1,
			Segment: depth,
		}
	}
	want, err := strconv.ParseUint(seg, 10, 64)
	if err != nil {
		// Digits only, so the index is simply too large for any array.
		return "", "array index " + seg + " out of range", nil
	}

	var (
		elem  gjson.Result
		found bool
		i     uint64
	)
	node.ForEach(func(_, value gjson.Result) bool {
		if i == want {
			elem = value
			found = true
			return false
		}
		i++
		return true
	})
	if !found {
		return "", "array index " + seg + " out of range", nil
	}
	return w.member(elem, depth)
}

func (w *walker) walkObject(node gjson.Result, depth int) (string, string, error) {
	seg := w.spec.Pointer[depth]

	var (
		elem  gjson.Result
		found bool
	)
	node.ForEach(func(key, value gjson.Result) bool {
		k := key.String()
		if k == seg {
			elem = value
			found = true
			return false
		}
		if w.nav.sortedKeys && k > seg {
			return false
		}
		return true
	})
	if !found {
		return "", "key " + strconv.Quote(seg) + " not found", nil
	}
	return w.member(elem, depth)
}

// member handles the value found for segment depth.
func (w *walker) member(elem gjson.Result, depth int) (string, string, error) {
	last := depth == len(w.spec.Pointer)-1
	container := elem.IsArray() || elem.IsObject()

	switch {
	case elem.Type == gjson.Null:
		return "", "null value at segment " + strconv.Itoa(depth), nil
	case container && last:
		return "", "pointer ends at a container, not a scalar", nil
	case container:
		return w.walk(elem, depth+1)
	case !last:
		return "", "scalar reached with " + strconv.Itoa(len(w.spec.Pointer)-depth-1) + " segment(s) remaining", nil
	default:
		return scalarText(elem), "", nil
	}
}

// scalarText is the label form of a JSON scalar: strings unquoted, numbers
// and booleans as written in the document.
func scalarText(r gjson.Result) string {
	if r.Type == gjson.String {
		return r.Str
	}
	return r.Raw
}
