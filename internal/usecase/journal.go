package usecase

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kangmunil/PredictionMarket-sub000/internal/domain/models"
	domrepo "github.com/kangmunil/PredictionMarket-sub000/internal/domain/repository"
	"github.com/kangmunil/PredictionMarket-sub000/pkg/logger"
)

// Journal backends.
const (
	JournalBackendKafka      = "kafka"
	JournalBackendClickHouse = "clickhouse"
	JournalBackendOff        = "off"
)

const (
	defaultJournalBatchSize    = 100
	defaultJournalBatchTimeout = 2 * time.Second
	defaultJournalQueueSize    = 4096
	journalFlushTimeout        = 10 * time.Second
	journalRetryDelay          = 100 * time.Millisecond
)

// JournalProcessor records trade lifecycle events to the configured backend.
// Enqueue never blocks the trading path; a background worker batches by size
// and time.
type JournalProcessor struct {
	backend string
	pub     domrepo.JournalPublisher
	store   domrepo.JournalStorage
	metrics domrepo.Metrics
	log     *logger.Logger

	batchSize    int
	batchTimeout time.Duration

	ch        chan *models.JournalEvent
	stopCh    chan struct{}
	wg        sync.WaitGroup
	startOnce sync.Once
	stopOnce  sync.Once
	dropped   atomic.Int64
}

func NewJournalProcessor(
	backend string,
	pub domrepo.JournalPublisher,
	store domrepo.JournalStorage,
	metrics domrepo.Metrics,
	log *logger.Logger,
	batchSize int,
	batchTimeout time.Duration,
	queueSize int,
) (*JournalProcessor, error) {
	switch backend {
	case JournalBackendKafka:
		if pub == nil {
			return nil, fmt.Errorf("journal backend kafka requires a publisher")
		}
	case JournalBackendClickHouse:
		if store == nil {
			return nil, fmt.Errorf("journal backend clickhouse requires storage")
		}
	case JournalBackendOff:
	default:
		return nil, fmt.Errorf("unknown journal backend: %s", backend)
	}

	if batchSize <= 0 {
		batchSize = defaultJournalBatchSize
	}
	if batchTimeout <= 0 {
		batchTimeout = defaultJournalBatchTimeout
	}
	if queueSize <= 0 {
		queueSize = defaultJournalQueueSize
	}

	return &JournalProcessor{
		backend:      backend,
		pub:          pub,
		store:        store,
		metrics:      metrics,
		log:          log,
		batchSize:    batchSize,
		batchTimeout: batchTimeout,
		ch:           make(chan *models.JournalEvent, queueSize),
		stopCh:       make(chan struct{}),
	}, nil
}

// Start launches the batching worker. No-op when journaling is off.
func (p *JournalProcessor) Start() {
	if p.backend == JournalBackendOff {
		return
	}
	p.startOnce.Do(func() {
		p.wg.Add(1)
		go p.worker()
	})
}

// Enqueue hands one event to the worker. Returns false when the event was
// dropped (full queue or stopped journal).
func (p *JournalProcessor) Enqueue(ev *models.JournalEvent) bool {
	if ev == nil {
		return false
	}
	if p.backend == JournalBackendOff {
		return true
	}

	select {
	case <-p.stopCh:
		return false
	default:
	}

	select {
	case p.ch <- ev:
		return true
	default:
		p.dropped.Add(1)
		p.metrics.RecordError("journal_drop")
		return false
	}
}

// Process writes one event synchronously, bypassing the queue.
func (p *JournalProcessor) Process(ctx context.Context, ev *models.JournalEvent) error {
	if ev == nil {
		return fmt.Errorf("journal event is nil")
	}
	return p.write(ctx, []*models.JournalEvent{ev})
}

// Dropped reports how many events were lost to backpressure.
func (p *JournalProcessor) Dropped() int64 {
	return p.dropped.Load()
}

func (p *JournalProcessor) worker() {
	defer p.wg.Done()

	batch := make([]*models.JournalEvent, 0, p.batchSize)
	ticker := time.NewTicker(p.batchTimeout)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			p.drainInto(&batch)
			p.flush(batch)
			return
		case ev := <-p.ch:
			batch = append(batch, ev)
			if len(batch) >= p.batchSize {
				p.flush(batch)
				batch = batch[:0]
			}
		case <-ticker.C:
			if len(batch) > 0 {
				p.flush(batch)
				batch = batch[:0]
			}
		}
	}
}

func (p *JournalProcessor) drainInto(batch *[]*models.JournalEvent) {
	for {
		select {
		case ev := <-p.ch:
			*batch = append(*batch, ev)
		default:
			return
		}
	}
}

// flush writes one batch with a single retry.
func (p *JournalProcessor) flush(batch []*models.JournalEvent) {
	if len(batch) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), journalFlushTimeout)
	defer cancel()

	err := p.write(ctx, batch)
	if err != nil {
		time.Sleep(journalRetryDelay)
		err = p.write(ctx, batch)
	}
	if err != nil {
		p.metrics.RecordError("journal_flush")
		p.log.Warn("journal flush failed",
			logger.String("backend", p.backend),
			logger.Int("events", len(batch)),
			logger.Error(err))
		return
	}
	p.metrics.RecordJournalFlush(p.backend, len(batch))
}

func (p *JournalProcessor) write(ctx context.Context, batch []*models.JournalEvent) error {
	switch p.backend {
	case JournalBackendKafka:
		if len(batch) == 1 {
			return p.pub.Publish(ctx, batch[0])
		}
		return p.pub.PublishBatch(ctx, batch)
	case JournalBackendClickHouse:
		if len(batch) == 1 {
			return p.store.Store(ctx, batch[0])
		}
		return p.store.StoreBatch(ctx, batch)
	default:
		return nil
	}
}

// Close drains the queue and closes the backend.
func (p *JournalProcessor) Close(ctx context.Context) error {
	p.stopOnce.Do(func() { close(p.stopCh) })

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	if p.pub != nil {
		_ = p.pub.Close()
	}
	if p.store != nil {
		_ = p.store.Close()
	}
	return nil
}
