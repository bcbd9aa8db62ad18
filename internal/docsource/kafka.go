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
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/sasl"
	"github.com/segmentio/kafka-go/sasl/plain"
	"github.com/segmentio/kafka-go/sasl/scram"
)

// KafkaConfig configures the Kafka consumer.
type KafkaConfig struct {
	Brokers   []string      `mapstructure:"brokers"`
	Topic     string        `mapstructure:"topic"`
	GroupID   string        `mapstructure:"group_id"`
	BatchSize int           `mapstructure:"batch_size"`
	MaxWait   time.Duration `mapstructure:"max_wait"`
	MinBytes  int           `mapstructure:"min_bytes"`
	MaxBytes  int           `mapstructure:"max_bytes"`

	SASLEnabled   bool   `mapstructure:"sasl_enabled"`
	SASLMechanism string `mapstructure:"sasl_mechanism"` // SCRAM-SHA-256, SCRAM-SHA-512 or PLAIN
	SASLUsername  string `mapstructure:"sasl_username"`
	SASLPassword  string `mapstructure:"sasl_password"`

	TLSEnabled    bool `mapstructure:"tls_enabled"`
	TLSSkipVerify bool `mapstructure:"tls_skip_verify"`

	ConnectionTimeout time.Duration `mapstructure:"connection_timeout"`
}

// DefaultKafkaConfig returns the consumer defaults.
func DefaultKafkaConfig() KafkaConfig {
	return KafkaConfig{
		Brokers:           []string{"localhost:9092"},
		Topic:             "bagger.documents",
		GroupID:           "bagger",
		BatchSize:         100,
		MaxWait:           500 * time.Millisecond,
		MinBytes:          10 * 1024,
		MaxBytes:          10 * 1024 * 1024,
		SASLMechanism:     "SCRAM-SHA-256",
		ConnectionTimeout: 10 * time.Second,
	}
}

func (c KafkaConfig) saslMechanism() (sasl.Mechanism, error) {
	switch c.SASLMechanism {
	case "SCRAM-SHA-256":
		return scram.Mechanism(scram.SHA256, c.SASLUsername, c.SASLPassword)
	case "SCRAM-SHA-512":
		return scram.Mechanism(scram.SHA512, c.SASLUsername, c.SASLPassword)
	case "PLAIN":
		return plain.Mechanism{Username: c.SASLUsername, Password: c.SASLPassword}, nil
	default:
		return nil, fmt.Errorf("unsupported SASL mechanism: %s", c.SASLMechanism)
	}
}

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSource consumes documents from a topic as part of a consumer group.
// Offsets are committed only after the handler accepts a batch.
type KafkaSource struct {
	cfg    KafkaConfig
	reader messageReader
}

// NewKafkaSource builds the reader described by cfg.
func NewKafkaSource(cfg KafkaConfig) (*KafkaSource, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafka: no brokers configured")
	}
	if cfg.Topic == "" {
		return nil, errors.New("kafka: no topic configured")
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 1
	}
	if cfg.MaxWait <= 0 {
		cfg.MaxWait = 500 * time.Millisecond
	}
	timeout := cfg.ConnectionTimeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}

	dialer := &kafka.Dialer{Timeout: timeout}
	if cfg.SASLEnabled {
		mechanism, err := cfg.saslMechanism()
		if err != nil {
			return nil, fmt.Errorf("failed to create SASL mechanism: %w", err)
		}
		dialer.SASLMechanism = mechanism
	}
	if cfg.TLSEnabled {
		dialer.TLS = &tls.Config{InsecureSkipVerify: cfg.TLSSkipVerify}
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        cfg.Brokers,
		Topic:          cfg.Topic,
		GroupID:        cfg.GroupID,
		MinBytes:       cfg.MinBytes,
		MaxBytes:       cfg.MaxBytes,
		MaxWait:        cfg.MaxWait,
		StartOffset:    kafka.FirstOffset,
		Dialer:         dialer,
		CommitInterval: 0, // commit only when told to
	})
	return newKafkaSource(cfg, reader), nil
}

func newKafkaSource(cfg KafkaConfig, reader messageReader) *KafkaSource {
	return &KafkaSource{cfg: cfg, reader: reader}
}

// Run fetches messages into batches of up to BatchSize, flushing a partial
// batch when no message arrives within MaxWait.
func (s *KafkaSource) Run(ctx context.Context, handler Handler) error {
	slog.Debug("Starting Kafka consumer",
		slog.String("topic", s.cfg.Topic),
		slog.String("consumerGroup", s.cfg.GroupID),
		slog.Int("batchSize", s.cfg.BatchSize),
		slog.Duration("maxWait", s.cfg.MaxWait))

	batch := make([]kafka.Message, 0, s.cfg.BatchSize)

	for {
		if err := ctx.Err(); err != nil {
			return s.flushOnExit(handler, batch, err)
		}

		readCtx, cancel := context.WithTimeout(ctx, s.cfg.MaxWait)
		msg, err := s.reader.FetchMessage(readCtx)
		cancel()

		if err != nil {
			if ctx.Err() != nil {
				return s.flushOnExit(handler, batch, ctx.Err())
			}
			if errors.Is(err, context.DeadlineExceeded) {
				if len(batch) > 0 {
					if err := s.process(ctx, handler, batch); err != nil {
						return err
					}
					batch = batch[:0]
				}
				continue
			}
			return fmt.Errorf("failed to fetch message: %w", err)
		}

		batch = append(batch, msg)
		if len(batch) >= s.cfg.BatchSize {
			if err := s.process(ctx, handler, batch); err != nil {
				return err
			}
			batch = batch[:0]
		}
	}
}

// flushOnExit hands over what is already fetched using a fresh context, so
// a shutdown does not leave read-but-unprocessed messages behind.
func (s *KafkaSource) flushOnExit(handler Handler, batch []kafka.Message, cause error) error {
	if len(batch) == 0 {
		return cause
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := s.process(ctx, handler, batch); err != nil {
		return errors.Join(cause, fmt.Errorf("failed to process final batch: %w", err))
	}
	return cause
}

func (s *KafkaSource) process(ctx context.Context, handler Handler, batch []kafka.Message) error {
	docs := make([]Document, len(batch))
	for i, m := range batch {
		docs[i] = Document{
			Body:      m.Value,
			Source:    m.Topic,
			Partition: m.Partition,
			Offset:    m.Offset,
			Timestamp: m.Time,
		}
	}

	if err := handler(ctx, docs); err != nil {
		return fmt.Errorf("handler failed: %w", err)
	}
	if err := s.reader.CommitMessages(ctx, highestOffsets(batch)...); err != nil {
		return fmt.Errorf("failed to commit messages: %w", err)
	}
	return nil
}

// highestOffsets keeps the last message of each partition; committing it
// commits everything before it.
func highestOffsets(batch []kafka.Message) []kafka.Message {
	type tp struct {
		topic     string
		partition int
	}
	latest := make(map[tp]kafka.Message)
	var order []tp
	for _, m := range batch {
		key := tp{m.Topic, m.Partition}
		existing, ok := latest[key]
		if !ok {
			order = append(order, key)
		}
		if !ok || m.Offset > existing.Offset {
			latest[key] = kafka.Message{Topic: m.Topic, Partition: m.Partition, Offset: m.Offset}
		}
	}
	out := make([]kafka.Message, 0, len(order))
	for _, key := range order {
		out = append(out, latest[key])
	}
	return out
}

func (s *KafkaSource) Close() error {
	return s.reader.Close()
}
