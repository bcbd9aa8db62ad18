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

// Package docsource delivers batches of JSON documents to a handler, from
// Kafka or from a newline-delimited stream.
package docsource

import (
	"context"
	"time"
)

// Document is one raw JSON document and where it came from.
type Document struct {
	Body      []byte
	Source    string
	Partition int
	Offset    int64
	Timestamp time.Time
}

// Handler processes a batch. A returned error stops the source; documents in
// a failed batch are not acknowledged.
type Handler func(ctx context.Context, docs []Document) error

// Source produces documents until it is exhausted, the context ends or the
// handler fails.
type Source interface {
	Run(ctx context.Context, handler Handler) error
	Close() error
}
