package middleware

import (
	"fmt"
	"sync"
	"time"

	"github.com/kangmunil/PredictionMarket-sub000/internal/domain/models"
	domrepo "github.com/kangmunil/PredictionMarket-sub000/internal/domain/repository"
	"github.com/kangmunil/PredictionMarket-sub000/pkg/util"
)

// SignalSink is the minimal signal bus surface the pipeline needs.
type SignalSink interface {
	UpdateMarketMetrics(tokenID string, m models.MetricsUpdate)
}

// BookPipeline sits between the market stream and the signal bus. Quotes are
// validated and throttled per token before they reach the bus as metrics
// updates.
type BookPipeline struct {
	sink    SignalSink
	metrics domrepo.Metrics

	throttle time.Duration
	mu       sync.Mutex
	lastSeen map[string]time.Time

	now func() time.Time
}

type PipelineOption func(*BookPipeline)

// WithThrottleInterval sets the minimum gap between forwarded updates for
// one token. Zero disables throttling.
func WithThrottleInterval(d time.Duration) PipelineOption {
	return func(p *BookPipeline) {
		p.throttle = d
	}
}

// WithPipelineClock overrides the time source.
func WithPipelineClock(now func() time.Time) PipelineOption {
	return func(p *BookPipeline) {
		p.now = now
	}
}

// NewBookPipeline creates a pipeline with a 250ms per-token throttle.
func NewBookPipeline(sink SignalSink, metrics domrepo.Metrics, opts ...PipelineOption) *BookPipeline {
	p := &BookPipeline{
		sink:     sink,
		metrics:  metrics,
		throttle: 250 * time.Millisecond,
		lastSeen: make(map[string]time.Time),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Process validates and forwards one book update. Throttled updates are
// dropped silently; malformed ones return an error.
func (p *BookPipeline) Process(upd *models.BookUpdate) error {
	if err := validateBook(upd); err != nil {
		p.metrics.RecordError("pipeline_validate")
		return err
	}

	now := p.now()
	if !p.allow(upd.TokenID, now) {
		p.metrics.RecordError("pipeline_throttle")
		return nil
	}

	bid, ask := upd.BestBid, upd.BestAsk
	p.sink.UpdateMarketMetrics(upd.TokenID, models.MetricsUpdate{
		BestBid: &bid,
		BestAsk: &ask,
	})

	if upd.Timestamp > 0 {
		if at := util.MillisToTime(upd.Timestamp); !at.IsZero() && now.After(at) {
			p.metrics.RecordLatency("book_ingest", now.Sub(at).Seconds())
		}
	}
	return nil
}

func validateBook(upd *models.BookUpdate) error {
	if upd == nil {
		return fmt.Errorf("book update nil")
	}
	if upd.TokenID == "" {
		return fmt.Errorf("token id empty")
	}
	if upd.BestBid <= 0 || upd.BestBid >= 1 {
		return fmt.Errorf("best bid %v outside (0, 1)", upd.BestBid)
	}
	if upd.BestAsk <= 0 || upd.BestAsk >= 1 {
		return fmt.Errorf("best ask %v outside (0, 1)", upd.BestAsk)
	}
	if upd.BestAsk < upd.BestBid {
		return fmt.Errorf("crossed book: bid %v over ask %v", upd.BestBid, upd.BestAsk)
	}
	return nil
}

func (p *BookPipeline) allow(tokenID string, now time.Time) bool {
	if p.throttle <= 0 {
		return true
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	last, ok := p.lastSeen[tokenID]
	if ok && now.Sub(last) < p.throttle {
		return false
	}
	p.lastSeen[tokenID] = now
	return true
}
