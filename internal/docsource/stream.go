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

package docsource

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"slices"
)

const (
	// DefaultStreamBatchSize is the number of lines handed over at once.
	DefaultStreamBatchSize = 100

	// MaxDocumentSize bounds a single line.
	MaxDocumentSize = 64 << 20
)

// StreamSource reads one document per line. Blank lines are skipped; the
// offset of a document is its 1-based line number.
type StreamSource struct {
	name      string
	r         io.Reader
	batchSize int
}

// NewStreamSource reads from r. name identifies the stream in logs.
func NewStreamSource(name string, r io.Reader, batchSize int) *StreamSource {
	if batchSize <= 0 {
		batchSize = DefaultStreamBatchSize
	}
	return &StreamSource{name: name, r: r, batchSize: batchSize}
}

func (s *StreamSource) Run(ctx context.Context, handler Handler) error {
	scanner := bufio.NewScanner(s.r)
	scanner.Buffer(make([]byte, 0, 64*1024), MaxDocumentSize)

	batch := make([]Document, 0, s.batchSize)
	var line int64
	for scanner.Scan() {
		line++
		body := bytes.TrimSpace(scanner.Bytes())
		if len(body) == 0 {
			continue
		}
		batch = append(batch, Document{
			Body:   slices.Clone(body),
			Source: s.name,
			Offset: line,
		})
		if len(batch) < s.batchSize {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := handler(ctx, batch); err != nil {
			return fmt.Errorf("handler failed: %w", err)
		}
		batch = batch[:0]
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to read %s at line %d: %w", s.name, line+1, err)
	}

	if len(batch) > 0 {
		if err := handler(ctx, batch); err != nil {
			return fmt.Errorf("handler failed: %w", err)
		}
	}
	return nil
}

// Close closes the reader when it is an io.Closer.
func (s *StreamSource) Close() error {
	if c, ok := s.r.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
