package repository

import (
	"context"

	"github.com/kangmunil/PredictionMarket-sub000/internal/domain/models"
)

// MarketStream is a live order book feed for a set of tokens.
type MarketStream interface {
	Connect(ctx context.Context) error
	Subscribe(ctx context.Context) error
	Read(ctx context.Context) (<-chan *models.BookUpdate, <-chan error)
	Reconnect(ctx context.Context) error
	Close() error
	IsConnected() bool
}

// JournalPublisher ships audit events to a message broker.
type JournalPublisher interface {
	Publish(ctx context.Context, e *models.JournalEvent) error
	PublishBatch(ctx context.Context, events []*models.JournalEvent) error
	Close() error
}

// JournalStorage writes audit events to a durable analytical store.
type JournalStorage interface {
	Store(ctx context.Context, e *models.JournalEvent) error
	StoreBatch(ctx context.Context, events []*models.JournalEvent) error
	Health(ctx context.Context) error
	Close() error
}

// Metrics is the kernel's instrumentation surface. Implementations must be
// safe for concurrent use and must never block the caller.
type Metrics interface {
	RecordSignalUpdate(source string)
	RecordAdmission(component, outcome string)
	RecordBreakerTransition(name, state string)
	RecordBreakerRejection(name string)
	RecordCallDuration(name string, seconds float64, outcome string)
	RecordJournalFlush(backend string, count int)
	RecordError(kind string)
	RecordLatency(op string, seconds float64)
	SetLockedFunds(v float64)
	SetAvailableFunds(v float64)
	SetGroupDelta(group string, v float64)
	SetOpenBreakers(n int)
	SetOutboxDepth(n int)
}

// NopMetrics discards every observation. Used when metrics are disabled and
// as a stand-in under test.
type NopMetrics struct{}

func (NopMetrics) RecordSignalUpdate(string)                  {}
func (NopMetrics) RecordAdmission(string, string)             {}
func (NopMetrics) RecordBreakerTransition(string, string)     {}
func (NopMetrics) RecordBreakerRejection(string)              {}
func (NopMetrics) RecordCallDuration(string, float64, string) {}
func (NopMetrics) RecordJournalFlush(string, int)             {}
func (NopMetrics) RecordError(string)                         {}
func (NopMetrics) RecordLatency(string, float64)              {}
func (NopMetrics) SetLockedFunds(float64)                     {}
func (NopMetrics) SetAvailableFunds(float64)                  {}
func (NopMetrics) SetGroupDelta(string, float64)              {}
func (NopMetrics) SetOpenBreakers(int)                        {}
func (NopMetrics) SetOutboxDepth(int)                         {}

var _ Metrics = NopMetrics{}
