package usecase

import (
	"context"

	"github.com/kangmunil/PredictionMarket-sub000/internal/domain/models"
	domrepo "github.com/kangmunil/PredictionMarket-sub000/internal/domain/repository"
	mid "github.com/kangmunil/PredictionMarket-sub000/internal/middleware"
	"github.com/kangmunil/PredictionMarket-sub000/internal/service/clob"
	"github.com/kangmunil/PredictionMarket-sub000/pkg/logger"
)

// BookCollector owns the market stream lifecycle: connect, subscribe,
// optionally bootstrap from REST, then pump book updates through the
// pipeline until the context ends.
type BookCollector struct {
	stream    domrepo.MarketStream
	pipe      *mid.BookPipeline
	rest      *clob.RestClient
	tokens    []string
	bootstrap bool

	log     *logger.Logger
	metrics domrepo.Metrics
}

func NewBookCollector(
	stream domrepo.MarketStream,
	pipe *mid.BookPipeline,
	rest *clob.RestClient,
	tokens []string,
	bootstrap bool,
	log *logger.Logger,
	metrics domrepo.Metrics,
) *BookCollector {
	return &BookCollector{
		stream:    stream,
		pipe:      pipe,
		rest:      rest,
		tokens:    tokens,
		bootstrap: bootstrap,
		log:       log,
		metrics:   metrics,
	}
}

// IsConnected returns true if the market stream is connected.
func (c *BookCollector) IsConnected() bool {
	return c.stream.IsConnected()
}

func (c *BookCollector) Start(ctx context.Context) error {
	if err := c.stream.Connect(ctx); err != nil {
		return err
	}
	if err := c.stream.Subscribe(ctx); err != nil {
		return err
	}

	if c.bootstrap && c.rest != nil {
		go c.rest.Bootstrap(ctx, c.tokens, func(upd *models.BookUpdate) {
			_ = c.pipe.Process(upd)
		})
	}

	go c.run(ctx)
	return nil
}

func (c *BookCollector) run(ctx context.Context) {
	for {
		updates, errs := c.stream.Read(ctx)
		if !c.consume(ctx, updates, errs) {
			return
		}

		// Stream broke. Reconnect until it sticks or the context ends;
		// Reconnect itself waits the configured delay between attempts.
		for {
			if ctx.Err() != nil {
				return
			}
			if err := c.stream.Reconnect(ctx); err != nil {
				c.metrics.RecordError("stream_reconnect")
				c.log.Warn("stream reconnect failed", logger.Error(err))
				continue
			}
			c.log.Info("stream reconnected")
			break
		}
	}
}

// consume pumps one stream session. Returns false when the context ended,
// true when the stream needs reconnecting.
func (c *BookCollector) consume(ctx context.Context, updates <-chan *models.BookUpdate, errs <-chan error) bool {
	for {
		select {
		case <-ctx.Done():
			return false
		case err, ok := <-errs:
			if !ok {
				return true
			}
			if err != nil {
				c.metrics.RecordError("stream")
				c.log.Warn("stream error", logger.Error(err))
				return true
			}
		case upd, ok := <-updates:
			if !ok {
				return true
			}
			if upd == nil {
				continue
			}
			_ = c.pipe.Process(upd)
		}
	}
}

// Shutdown closes the stream; the consume loop exits with the context.
func (c *BookCollector) Shutdown(ctx context.Context) error {
	return c.stream.Close()
}
