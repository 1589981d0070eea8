package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/kangmunil/PredictionMarket-sub000/internal/domain/models"
	domrepo "github.com/kangmunil/PredictionMarket-sub000/internal/domain/repository"
	pkgkafka "github.com/kangmunil/PredictionMarket-sub000/pkg/kafka"
)

// ClickHouseJournal implements JournalStorage for ClickHouse.
type ClickHouseJournal struct {
	db    *sql.DB
	table string
}

// NewClickHouseJournal creates ClickHouse journal storage.
func NewClickHouseJournal(db *sql.DB, table string) domrepo.JournalStorage {
	return &ClickHouseJournal{db: db, table: table}
}

const journalColumns = "at, type, strategy, token_id, market_group, side, size, price, allocation_id, amount, stage, reason"

func journalArgs(e *models.JournalEvent) []interface{} {
	return []interface{}{
		e.At,
		e.Type,
		e.Strategy,
		e.TokenID,
		e.MarketGroup,
		e.Side,
		e.Size,
		e.Price,
		e.AllocationID,
		e.Amount,
		e.Stage,
		e.Reason,
	}
}

func (s *ClickHouseJournal) Store(ctx context.Context, e *models.JournalEvent) error {
	q := fmt.Sprintf("INSERT INTO %s (%s) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)", s.table, journalColumns)
	_, err := s.db.ExecContext(ctx, q, journalArgs(e)...)
	return err
}

func (s *ClickHouseJournal) StoreBatch(ctx context.Context, events []*models.JournalEvent) error {
	if len(events) == 0 {
		return nil
	}
	// Multi-row VALUES to reduce round-trips. Chunk size tuned to 2000 rows
	// per statement.
	const chunkSize = 2000
	for start := 0; start < len(events); start += chunkSize {
		end := start + chunkSize
		if end > len(events) {
			end = len(events)
		}

		values := make([]string, 0, end-start)
		args := make([]interface{}, 0, (end-start)*12)
		for _, e := range events[start:end] {
			if e == nil || e.Type == "" {
				continue
			}
			values = append(values, "(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)")
			args = append(args, journalArgs(e)...)
		}
		if len(values) == 0 {
			continue
		}
		q := fmt.Sprintf("INSERT INTO %s (%s) VALUES %s", s.table, journalColumns, strings.Join(values, ","))
		if _, err := s.db.ExecContext(ctx, q, args...); err != nil {
			return err
		}
	}
	return nil
}

func (s *ClickHouseJournal) Health(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *ClickHouseJournal) Close() error {
	return nil // Pool managed by pkg
}

// KafkaJournal implements JournalPublisher for Kafka. Events are keyed by
// strategy so one strategy's audit trail stays ordered within a partition.
type KafkaJournal struct {
	producer *pkgkafka.Producer
	topic    string
}

// NewKafkaJournal creates a Kafka journal publisher.
func NewKafkaJournal(producer *pkgkafka.Producer, topic string) domrepo.JournalPublisher {
	return &KafkaJournal{producer: producer, topic: topic}
}

func journalKey(e *models.JournalEvent) []byte {
	if e.Strategy != "" {
		return []byte(e.Strategy)
	}
	return []byte(e.Type)
}

func (p *KafkaJournal) Publish(ctx context.Context, e *models.JournalEvent) error {
	return p.producer.Publish(ctx, p.topic, journalKey(e), e)
}

func (p *KafkaJournal) PublishBatch(ctx context.Context, events []*models.JournalEvent) error {
	if len(events) == 0 {
		return nil
	}
	msgs := make([]pkgkafka.Message, len(events))
	for i, e := range events {
		msgs[i] = pkgkafka.Message{Key: journalKey(e), Value: e}
	}
	return p.producer.PublishBatch(ctx, p.topic, msgs)
}

func (p *KafkaJournal) Close() error {
	if p.producer != nil {
		return p.producer.Close()
	}
	return nil
}
