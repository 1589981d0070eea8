package outbox

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/kangmunil/PredictionMarket-sub000/pkg/logger"
)

// Sink receives entries drained from the outbox. pkg/cache.Service satisfies it.
type Sink interface {
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error
}

// Entry is one pending durable write. Value is pre-marshaled JSON so every
// sink stores the same representation.
type Entry struct {
	Key   string
	Value string
	TTL   time.Duration
}

// Config contains the configuration for the outbox.
type Config struct {
	QueueSize    int
	WriteTimeout time.Duration
}

type Option func(*Config)

// WithQueueSize sets the buffer capacity.
func WithQueueSize(n int) Option {
	return func(c *Config) {
		c.QueueSize = n
	}
}

// WithWriteTimeout bounds each sink write.
func WithWriteTimeout(d time.Duration) Option {
	return func(c *Config) {
		c.WriteTimeout = d
	}
}

// Outbox decouples kernel mutations from durable-store writes. Enqueue never
// blocks the caller; once the buffer is full entries are dropped and counted.
// A single worker drains the buffer, which keeps writes for a key in enqueue
// order.
type Outbox struct {
	sink Sink
	log  *logger.Logger

	ch     chan Entry
	stopCh chan struct{}
	wg     sync.WaitGroup

	startOnce sync.Once
	stopOnce  sync.Once

	writeTimeout time.Duration

	written atomic.Int64
	dropped atomic.Int64
	failed  atomic.Int64
}

// New creates an outbox draining into sink.
func New(sink Sink, log *logger.Logger, opts ...Option) *Outbox {
	cfg := &Config{
		QueueSize:    1024,
		WriteTimeout: 3 * time.Second,
	}

	for _, opt := range opts {
		opt(cfg)
	}

	initOutboxMetricsOnce()

	return &Outbox{
		sink:         sink,
		log:          log,
		ch:           make(chan Entry, cfg.QueueSize),
		stopCh:       make(chan struct{}),
		writeTimeout: cfg.WriteTimeout,
	}
}

// Start launches the drain worker.
func (o *Outbox) Start() {
	o.startOnce.Do(func() {
		o.wg.Add(1)
		go o.worker()
	})
}

// Stop closes the outbox to new entries and waits for the worker to drain
// what is buffered. ctx bounds the wait.
func (o *Outbox) Stop(ctx context.Context) error {
	o.stopOnce.Do(func() {
		close(o.stopCh)
	})

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Enqueue submits a write without blocking. Returns false if the entry was
// dropped, either because the buffer is full or the outbox is stopped.
func (o *Outbox) Enqueue(key string, value interface{}, ttl time.Duration) bool {
	select {
	case <-o.stopCh:
		o.markDropped(key)
		return false
	default:
	}

	data, err := json.Marshal(value)
	if err != nil {
		o.markDropped(key)
		o.log.Warn("outbox marshal failed", logger.String("key", key), logger.Error(err))
		return false
	}

	select {
	case o.ch <- Entry{Key: key, Value: string(data), TTL: ttl}:
		return true
	default:
		o.markDropped(key)
		return false
	}
}

// Depth returns the number of buffered entries.
func (o *Outbox) Depth() int {
	return len(o.ch)
}

// Stats returns cumulative written, dropped, and failed counts.
func (o *Outbox) Stats() (written, dropped, failed int64) {
	return o.written.Load(), o.dropped.Load(), o.failed.Load()
}

func (o *Outbox) worker() {
	defer o.wg.Done()

	for {
		select {
		case <-o.stopCh:
			o.drain()
			return
		case e := <-o.ch:
			o.write(e)
		}
	}
}

// drain flushes whatever is buffered at stop time. Bounded by the buffer
// capacity since Enqueue refuses new entries once stopCh is closed.
func (o *Outbox) drain() {
	for {
		select {
		case e := <-o.ch:
			o.write(e)
		default:
			return
		}
	}
}

func (o *Outbox) write(e Entry) {
	ctx, cancel := context.WithTimeout(context.Background(), o.writeTimeout)
	defer cancel()

	if err := o.sink.Set(ctx, e.Key, e.Value, e.TTL); err != nil {
		o.failed.Add(1)
		observeOutboxEntry("failed")
		o.log.Warn("outbox write failed", logger.String("key", e.Key), logger.Error(err))
		return
	}
	o.written.Add(1)
	observeOutboxEntry("ok")
}

func (o *Outbox) markDropped(key string) {
	o.dropped.Add(1)
	observeOutboxEntry("dropped")
	o.log.Debug("outbox entry dropped", logger.String("key", key))
}

var (
	outboxEntriesTotal *prometheus.CounterVec
	outboxOnce         = make(chan struct{}, 1)
)

func initOutboxMetricsOnce() {
	select {
	case outboxOnce <- struct{}{}:
		outboxEntriesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kernel_outbox_entries_total",
				Help: "Outbox entries by result",
			},
			[]string{"result"},
		)
	default:
		// already initialized
	}
}

func observeOutboxEntry(result string) {
	if outboxEntriesTotal == nil {
		return
	}
	outboxEntriesTotal.WithLabelValues(result).Inc()
}
