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

package dimension

import "strconv"

// ConfigKind identifies a dimension configuration failure.
type ConfigKind int

const (
	// KindEmpty means no dimensions are configured.
	KindEmpty ConfigKind = iota + 1
	// KindAlreadyInitialized means the registry was already built.
	KindAlreadyInitialized
	// KindOrdinals means the ordinals do not form 1..N.
	KindOrdinals
)

func (k ConfigKind) String() string {
	switch k {
	case KindEmpty:
		return "Empty"
	case KindAlreadyInitialized:
		return "AlreadyInitialized"
	case KindOrdinals:
		return "Ordinals"
	default:
		return "ConfigKind(" + strconv.Itoa(int(k)) + ")"
	}
}

// ConfigError is fatal at startup.
type ConfigError struct {
	Kind   ConfigKind
	Detail string
}

func (e *ConfigError) Error() string {
	var msg string
	switch e.Kind {
	case KindEmpty:
		msg = "0 dimensions returned"
	case KindAlreadyInitialized:
		msg = "dimension list already initialized"
	case KindOrdinals:
		msg = "invalid dimension ordinals"
	default:
		msg = e.Kind.String()
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	return "dimension: " + msg
}

// Is matches another *ConfigError with the same Kind, or any kind when the
// target's Kind is zero.
func (e *ConfigError) Is(target error) bool {
	t, ok := target.(*ConfigError)
	if !ok {
		return false
	}
	return t.Kind == 0 || t.Kind == e.Kind
}
