package server

import (
	"context"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	domrepo "github.com/kangmunil/PredictionMarket-sub000/internal/domain/repository"
	"github.com/kangmunil/PredictionMarket-sub000/internal/service/circuit"
	"github.com/kangmunil/PredictionMarket-sub000/internal/service/delta"
	"github.com/kangmunil/PredictionMarket-sub000/internal/service/signalbus"
	"github.com/kangmunil/PredictionMarket-sub000/internal/usecase"
	"github.com/kangmunil/PredictionMarket-sub000/pkg/cache"
	pkgch "github.com/kangmunil/PredictionMarket-sub000/pkg/clickhouse"
	"github.com/kangmunil/PredictionMarket-sub000/pkg/config"
	xhttp "github.com/kangmunil/PredictionMarket-sub000/pkg/http"
	xhttpmw "github.com/kangmunil/PredictionMarket-sub000/pkg/http/middleware"
	pkgkafka "github.com/kangmunil/PredictionMarket-sub000/pkg/kafka"
	applogger "github.com/kangmunil/PredictionMarket-sub000/pkg/logger"
	"github.com/kangmunil/PredictionMarket-sub000/pkg/outbox"
)

const slowRequestThreshold = time.Second

// App owns the kernel's lifecycle. Run restores durable state and starts the
// pipelines and the HTTP server; shutdown unwinds them in reverse.
type App struct {
	cfg     *config.Config
	log     *applogger.Logger
	metrics domrepo.Metrics

	bus      *signalbus.Bus
	tracker  *delta.Tracker
	registry *circuit.Registry

	store     cache.Service
	outbox    *outbox.Outbox
	journal   *usecase.JournalProcessor
	consumer  *pkgkafka.Consumer
	intel     pkgkafka.MessageHandler
	collector *usecase.BookCollector
	chClient  *pkgch.Client

	httpHandler xhttp.Handler
	httpServer  *xhttp.Server

	// Gateway is the admission chain for embedding strategies. The server
	// itself never places trades.
	Gateway *usecase.TradeGateway
}

// New creates an App from wired components. Optional components may be nil;
// Run skips what is absent.
func New(
	cfg *config.Config,
	log *applogger.Logger,
	metrics domrepo.Metrics,
	bus *signalbus.Bus,
	tracker *delta.Tracker,
	registry *circuit.Registry,
	store cache.Service,
	ob *outbox.Outbox,
	journal *usecase.JournalProcessor,
	consumer *pkgkafka.Consumer,
	intel pkgkafka.MessageHandler,
	collector *usecase.BookCollector,
	chClient *pkgch.Client,
	httpHandler xhttp.Handler,
) *App {
	return &App{
		cfg:         cfg,
		log:         log,
		metrics:     metrics,
		bus:         bus,
		tracker:     tracker,
		registry:    registry,
		store:       store,
		outbox:      ob,
		journal:     journal,
		consumer:    consumer,
		intel:       intel,
		collector:   collector,
		chClient:    chClient,
		httpHandler: httpHandler,
	}
}

// Run starts the application and blocks until interrupted.
func (a *App) Run() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	signals := a.bus.Restore(ctx)
	breakers := a.registry.Restore(ctx)
	if signals > 0 || breakers > 0 {
		a.log.Info("durable state restored",
			applogger.Int("signals", signals),
			applogger.Int("breakers", breakers))
	}

	if a.outbox != nil {
		a.outbox.Start()
	}
	if a.journal != nil {
		a.journal.Start()
	}

	if a.consumer != nil && a.intel != nil {
		a.consumer.RegisterHandler(a.intel)
		go func() {
			if err := a.consumer.Start(); err != nil {
				a.log.Error("kafka consumer error", applogger.Error(err))
			}
		}()
		a.log.Info("kafka consumer started", applogger.String("topic", a.intel.Topic()))
	}

	if a.collector != nil {
		go func() {
			if err := a.collector.Start(ctx); err != nil {
				a.log.Error("book collector error", applogger.Error(err))
			}
		}()
		a.log.Info("book collector started",
			applogger.Int("tokens", len(a.cfg.Market.Tokens)))
	}

	go a.maintenance(ctx)

	a.httpServer = xhttp.NewServer(a.httpHandler,
		xhttp.WithHost("0.0.0.0"),
		xhttp.WithPort(a.cfg.Server.Port),
		xhttp.WithTimeouts(
			a.cfg.Server.ReadTimeout.Std(),
			a.cfg.Server.WriteTimeout.Std(),
			a.cfg.Server.ShutdownTimeout.Std(),
		),
		xhttp.WithMetricsPath(a.cfg.Metrics.Path),
		xhttp.WithMiddleware(xhttpmw.Metrics(a.log, slowRequestThreshold)),
	)
	if err := a.httpServer.Start(); err != nil {
		a.log.Error("http server start error", applogger.Error(err))
		return err
	}
	a.log.Info("kernel started",
		applogger.String("environment", a.cfg.Environment),
		applogger.Int("port", a.cfg.Server.Port))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	a.log.Info("shutdown signal received")
	return a.shutdown(ctx)
}

// maintenance runs periodic housekeeping: purging expired positions and
// reporting outbox depth.
func (a *App) maintenance(ctx context.Context) {
	interval := a.cfg.Delta.PurgeInterval.Std()
	if interval <= 0 {
		interval = time.Minute
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.tracker.PurgeExpired()
			if a.outbox != nil {
				a.metrics.SetOutboxDepth(a.outbox.Depth())
			}
		}
	}
}

// shutdown stops everything in reverse start order: intake first, durable
// drains last.
func (a *App) shutdown(ctx context.Context) error {
	if a.collector != nil {
		if err := a.collector.Shutdown(ctx); err != nil {
			a.log.Warn("book collector stop error", applogger.Error(err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, a.cfg.Server.ShutdownTimeout.Std())
	defer cancel()
	if err := a.httpServer.Stop(shutdownCtx); err != nil {
		a.log.Error("http shutdown error", applogger.Error(err))
	}

	if a.consumer != nil {
		if err := a.consumer.Stop(ctx); err != nil {
			a.log.Warn("kafka consumer stop error", applogger.Error(err))
		}
	}

	// The log collector shares the journal's producer; flush it before the
	// journal closes that producer.
	a.log.RemoveCollector()

	if a.journal != nil {
		if err := a.journal.Close(ctx); err != nil {
			a.log.Warn("journal close error", applogger.Error(err))
		}
	}

	if a.outbox != nil {
		if err := a.outbox.Stop(ctx); err != nil {
			a.log.Warn("outbox stop error", applogger.Error(err))
		}
	}

	if a.chClient != nil {
		if err := a.chClient.Close(); err != nil {
			a.log.Warn("clickhouse close error", applogger.Error(err))
		}
	}
	if closer, ok := a.store.(io.Closer); ok {
		if err := closer.Close(); err != nil {
			a.log.Warn("store close error", applogger.Error(err))
		}
	}

	a.log.Info("shutdown complete")
	return nil
}
