package di

import (
	"context"
	"fmt"
	"time"

	kafkago "github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"

	"github.com/kangmunil/PredictionMarket-sub000/internal/domain/models"
	domrepo "github.com/kangmunil/PredictionMarket-sub000/internal/domain/repository"
	"github.com/kangmunil/PredictionMarket-sub000/internal/handler/api"
	mid "github.com/kangmunil/PredictionMarket-sub000/internal/middleware"
	internalrepo "github.com/kangmunil/PredictionMarket-sub000/internal/repository"
	"github.com/kangmunil/PredictionMarket-sub000/internal/service/budget"
	"github.com/kangmunil/PredictionMarket-sub000/internal/service/circuit"
	"github.com/kangmunil/PredictionMarket-sub000/internal/service/clob"
	"github.com/kangmunil/PredictionMarket-sub000/internal/service/delta"
	"github.com/kangmunil/PredictionMarket-sub000/internal/service/ratelimit"
	"github.com/kangmunil/PredictionMarket-sub000/internal/service/risk"
	"github.com/kangmunil/PredictionMarket-sub000/internal/service/signalbus"
	"github.com/kangmunil/PredictionMarket-sub000/internal/usecase"
	"github.com/kangmunil/PredictionMarket-sub000/pkg/cache"
	pkgch "github.com/kangmunil/PredictionMarket-sub000/pkg/clickhouse"
	"github.com/kangmunil/PredictionMarket-sub000/pkg/config"
	xhttp "github.com/kangmunil/PredictionMarket-sub000/pkg/http"
	pkgkafka "github.com/kangmunil/PredictionMarket-sub000/pkg/kafka"
	applogger "github.com/kangmunil/PredictionMarket-sub000/pkg/logger"
	"github.com/kangmunil/PredictionMarket-sub000/pkg/metrics"
	"github.com/kangmunil/PredictionMarket-sub000/pkg/outbox"
	"github.com/kangmunil/PredictionMarket-sub000/pkg/server"
)

const restBreakerName = "clob_api"

// ProvideKafkaProducer creates a Kafka producer, or nil when no brokers are
// configured.
func ProvideKafkaProducer(cfg *config.Config) (*pkgkafka.Producer, error) {
	if len(cfg.Kafka.Brokers) == 0 {
		return nil, nil
	}

	producer, err := pkgkafka.NewProducer(
		pkgkafka.WithBrokers(cfg.Kafka.Brokers),
		pkgkafka.WithCompression(cfg.Kafka.Compression),
		pkgkafka.WithRequiredAcks(cfg.Kafka.RequiredAcks),
		pkgkafka.WithBatchSize(cfg.Kafka.Producer.BatchSize),
		pkgkafka.WithBatchBytes(cfg.Kafka.Producer.BatchBytes),
		pkgkafka.WithBatchTimeout(cfg.Kafka.Producer.Linger.Std()),
		pkgkafka.WithTimeouts(cfg.Kafka.Producer.WriteTimeout.Std(), cfg.Kafka.Producer.ReadTimeout.Std()),
		pkgkafka.WithMaxAttempts(cfg.Kafka.Producer.MaxAttempts),
		pkgkafka.WithAsync(cfg.Kafka.Producer.Async),
		pkgkafka.WithHashByKey(true),
	)
	if err != nil {
		return nil, fmt.Errorf("kafka producer: %w", err)
	}
	return producer, nil
}

// logPublisher adapts the Kafka producer to the log collector's interface.
type logPublisher struct {
	producer *pkgkafka.Producer
}

func (p logPublisher) PublishMessage(ctx context.Context, topic string, payload interface{}) error {
	return p.producer.Publish(ctx, topic, nil, payload)
}

// ProvideLogger builds the application logger, with aggregated log shipping
// when the collector is enabled.
func ProvideLogger(cfg *config.Config, producer *pkgkafka.Producer) (*applogger.Logger, error) {
	l, err := applogger.New(&applogger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	})
	if err != nil {
		return nil, fmt.Errorf("logger: %w", err)
	}

	if cfg.Logging.Collector.Enabled && producer != nil {
		l.AddCollector(&applogger.CollectionConfig{
			TimeInterval:   cfg.Logging.Collector.Interval.Std(),
			CountThreshold: cfg.Logging.Collector.CountThreshold,
			Topic:          cfg.Logging.Collector.Topic,
			Publisher:      logPublisher{producer: producer},
		})
	}
	return l, nil
}

// ProvideMetrics creates the Prometheus recorder, or a no-op when metrics
// are disabled.
func ProvideMetrics(cfg *config.Config) domrepo.Metrics {
	if !cfg.Metrics.Enabled {
		return domrepo.NopMetrics{}
	}
	return metrics.New()
}

// ProvideStore creates the durable store, or nil for backend "off".
func ProvideStore(cfg *config.Config) (cache.Service, error) {
	redisOpts := func() []cache.RedisOption {
		prefix := cfg.Store.Redis.Prefix
		if prefix == "" {
			prefix = "kernel"
		}
		return []cache.RedisOption{
			cache.WithRedisHost(cfg.Store.Redis.Host),
			cache.WithRedisPort(cfg.Store.Redis.Port),
			cache.WithRedisPassword(cfg.Store.Redis.Password),
			cache.WithRedisDB(cfg.Store.Redis.DB),
			cache.WithRedisPrefix(prefix),
			cache.WithRedisPool(cfg.Store.Redis.PoolSize, cfg.Store.Redis.MinIdleConns, cfg.Store.Redis.PoolTimeout.Std()),
		}
	}

	switch cfg.Store.Backend {
	case "redis":
		c, err := cache.NewRedisCache(redisOpts()...)
		if err != nil {
			return nil, fmt.Errorf("redis store: %w", err)
		}
		return c, nil
	case "layered":
		rc, err := cache.NewRedisCache(redisOpts()...)
		if err != nil {
			return nil, fmt.Errorf("redis store: %w", err)
		}
		var opts []cache.LayeredOption
		if cfg.Store.Memory.MaxSize > 0 {
			opts = append(opts, cache.WithLayeredMemorySize(cfg.Store.Memory.MaxSize))
		}
		return cache.NewLayeredCache(rc, opts...), nil
	case "memory":
		var opts []cache.MemoryOption
		if cfg.Store.Memory.MaxSize > 0 {
			opts = append(opts, cache.WithMemoryMaxSize(cfg.Store.Memory.MaxSize))
		}
		if cfg.Store.Memory.CleanupInterval > 0 {
			opts = append(opts, cache.WithMemoryCleanup(cfg.Store.Memory.CleanupInterval.Std()))
		}
		return cache.NewMemoryCache(opts...), nil
	default: // "off"
		return nil, nil
	}
}

// ProvideOutbox creates the write-behind outbox draining into the store, or
// nil when there is no store to drain into.
func ProvideOutbox(cfg *config.Config, store cache.Service, log *applogger.Logger) *outbox.Outbox {
	if store == nil {
		return nil
	}

	var opts []outbox.Option
	if cfg.Store.Outbox.QueueSize > 0 {
		opts = append(opts, outbox.WithQueueSize(cfg.Store.Outbox.QueueSize))
	}
	if cfg.Store.Outbox.WriteTimeout > 0 {
		opts = append(opts, outbox.WithWriteTimeout(cfg.Store.Outbox.WriteTimeout.Std()))
	}
	return outbox.New(store, log, opts...)
}

// ProvideSignalBus creates the market signal bus.
func ProvideSignalBus(
	cfg *config.Config,
	store cache.Service,
	ob *outbox.Outbox,
	log *applogger.Logger,
	m domrepo.Metrics,
) (*signalbus.Bus, error) {
	var opts []signalbus.Option
	if store != nil {
		opts = append(opts, signalbus.WithStore(store))
	}
	if ob != nil {
		opts = append(opts, signalbus.WithOutbox(ob))
	}

	return signalbus.NewBus(signalbus.Config{
		EfficientThreshold: cfg.Signals.EfficientThreshold,
		NeutralThreshold:   cfg.Signals.NeutralThreshold,
		PersistTTL:         cfg.Signals.PersistTTL.Std(),
	}, log, m, opts...)
}

// ProvideBudgetManager creates the capital allocator.
func ProvideBudgetManager(cfg *config.Config, log *applogger.Logger, m domrepo.Metrics) (*budget.Manager, error) {
	total, err := decimal.NewFromString(cfg.Budget.TotalCapital)
	if err != nil {
		return nil, fmt.Errorf("budget capital: %w", err)
	}
	return budget.NewManager(total, log, m)
}

// ProvideDeltaTracker creates the exposure tracker feeding the signal bus.
func ProvideDeltaTracker(cfg *config.Config, bus *signalbus.Bus, log *applogger.Logger, m domrepo.Metrics) (*delta.Tracker, error) {
	dcfg := delta.Config{
		Default: delta.Limits{
			Hard: cfg.Delta.Default.HardLimit,
			Soft: cfg.Delta.Default.SoftLimit,
		},
	}
	if len(cfg.Delta.Groups) > 0 {
		dcfg.Groups = make(map[string]delta.Limits, len(cfg.Delta.Groups))
		for name, g := range cfg.Delta.Groups {
			dcfg.Groups[name] = delta.Limits{Hard: g.HardLimit, Soft: g.SoftLimit}
		}
	}
	return delta.NewTracker(dcfg, bus, log, m)
}

// ProvideCircuitRegistry creates the breaker registry. Transitions feed the
// audit journal alongside the snapshot outbox.
func ProvideCircuitRegistry(
	cfg *config.Config,
	store cache.Service,
	ob *outbox.Outbox,
	journal *usecase.JournalProcessor,
	log *applogger.Logger,
	m domrepo.Metrics,
) (*circuit.Registry, error) {
	defaults := circuit.Config{
		FailureThreshold: cfg.Circuit.Default.FailureThreshold,
		SuccessThreshold: cfg.Circuit.Default.SuccessThreshold,
		RecoveryTimeout:  cfg.Circuit.Default.RecoveryTimeout.Std(),
		CallTimeout:      cfg.Circuit.Default.CallTimeout.Std(),
	}

	var overrides map[string]circuit.Config
	if len(cfg.Circuit.Dependencies) > 0 {
		overrides = make(map[string]circuit.Config, len(cfg.Circuit.Dependencies))
		for name, d := range cfg.Circuit.Dependencies {
			overrides[name] = circuit.Config{
				FailureThreshold: d.FailureThreshold,
				SuccessThreshold: d.SuccessThreshold,
				RecoveryTimeout:  d.RecoveryTimeout.Std(),
				CallTimeout:      d.CallTimeout.Std(),
			}
		}
	}

	var opts []circuit.RegistryOption
	if ob != nil {
		opts = append(opts, circuit.WithOutbox(ob))
	}
	if store != nil {
		opts = append(opts, circuit.WithStore(store))
	}
	if cfg.Circuit.SnapshotTTL > 0 {
		opts = append(opts, circuit.WithSnapshotTTL(cfg.Circuit.SnapshotTTL.Std()))
	}
	opts = append(opts, circuit.WithTransitionSink(func(snap models.CircuitSnapshot) {
		journal.Enqueue(&models.JournalEvent{
			Type:   models.JournalBreakerChange,
			At:     time.Now(),
			Stage:  snap.Name,
			Reason: string(snap.State),
		})
	}))
	return circuit.NewRegistry(defaults, overrides, log, m, opts...)
}

// ProvideRateLimiter creates the shared request limiter.
func ProvideRateLimiter(cfg *config.Config, log *applogger.Logger, m domrepo.Metrics) (*ratelimit.Limiter, error) {
	def := ratelimit.ClassConfig{
		MaxRequests: cfg.RateLimit.Default.MaxRequests,
		Window:      cfg.RateLimit.Default.Window.Std(),
	}

	var classes map[string]ratelimit.ClassConfig
	if len(cfg.RateLimit.Classes) > 0 {
		classes = make(map[string]ratelimit.ClassConfig, len(cfg.RateLimit.Classes))
		for name, cl := range cfg.RateLimit.Classes {
			classes[name] = ratelimit.ClassConfig{MaxRequests: cl.MaxRequests, Window: cl.Window.Std()}
		}
	}
	return ratelimit.New(def, classes, log, m)
}

// ProvideRiskManager creates the position sizer.
func ProvideRiskManager(cfg *config.Config, log *applogger.Logger, m domrepo.Metrics) (*risk.Manager, error) {
	total, err := decimal.NewFromString(cfg.Budget.TotalCapital)
	if err != nil {
		return nil, fmt.Errorf("risk capital: %w", err)
	}

	var tz *time.Location
	if cfg.Risk.Timezone != "" {
		tz, err = time.LoadLocation(cfg.Risk.Timezone)
		if err != nil {
			return nil, fmt.Errorf("risk timezone: %w", err)
		}
	}

	return risk.NewManager(total.InexactFloat64(), risk.Config{
		KellyFraction:       cfg.Risk.KellyFraction,
		MaxPositionPct:      cfg.Risk.MaxPositionPct,
		MaxPositionUSD:      cfg.Risk.MaxPositionUSD,
		MaxDailyLossPct:     cfg.Risk.MaxDailyLossPct,
		VolatilityThreshold: cfg.Risk.VolatilityThreshold,
		Timezone:            tz,
	}, log, m)
}

// ProvideClickHouseClient creates a ClickHouse client with the journal
// schema, or nil when the journal does not use ClickHouse.
func ProvideClickHouseClient(cfg *config.Config) (*pkgch.Client, error) {
	if cfg.Journal.Backend != usecase.JournalBackendClickHouse {
		return nil, nil
	}

	client, err := pkgch.NewClient(
		pkgch.WithHost(cfg.ClickHouse.Host),
		pkgch.WithPort(cfg.ClickHouse.Port),
		pkgch.WithDatabase(cfg.ClickHouse.Database),
		pkgch.WithCredentials(cfg.ClickHouse.User, cfg.ClickHouse.Password),
		pkgch.WithMaxConnections(10, 5),
		pkgch.WithHTTP(cfg.ClickHouse.UseHTTP),
		pkgch.WithAsyncInsert(cfg.ClickHouse.AsyncInsert, cfg.ClickHouse.WaitForAsync),
		pkgch.WithTimeouts(cfg.ClickHouse.DialTimeout.Std(), cfg.ClickHouse.ReadTimeout.Std(), cfg.ClickHouse.WriteTimeout.Std()),
		pkgch.WithMaxExecutionTime(cfg.ClickHouse.MaxExecutionTime.Std()),
	)
	if err != nil {
		return nil, fmt.Errorf("clickhouse client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	db := cfg.ClickHouse.Database
	if err := client.InitSchema(ctx, []string{
		"CREATE DATABASE IF NOT EXISTS " + db,
		fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s.journal_events ("+
			"at DateTime64(3), type String, strategy String, token_id String, "+
			"market_group String, side String, size Float64, price Float64, "+
			"allocation_id String, amount String, stage String, reason String"+
			") ENGINE=MergeTree ORDER BY (type, at)", db),
	}); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("clickhouse schema: %w", err)
	}
	return client, nil
}

// ProvideJournal creates the audit journal for the configured backend.
func ProvideJournal(
	cfg *config.Config,
	producer *pkgkafka.Producer,
	chClient *pkgch.Client,
	log *applogger.Logger,
	m domrepo.Metrics,
) (*usecase.JournalProcessor, error) {
	backend := cfg.Journal.Backend
	if backend == "" {
		backend = usecase.JournalBackendOff
	}

	var pub domrepo.JournalPublisher
	var store domrepo.JournalStorage
	switch backend {
	case usecase.JournalBackendKafka:
		pub = internalrepo.NewKafkaJournal(producer, cfg.Kafka.JournalTopic)
	case usecase.JournalBackendClickHouse:
		store = internalrepo.NewClickHouseJournal(chClient.DB(), cfg.ClickHouse.Database+".journal_events")
	}

	return usecase.NewJournalProcessor(
		backend, pub, store, m, log,
		cfg.Journal.BatchSize,
		cfg.Journal.BatchTimeout.Std(),
		cfg.Journal.QueueSize,
	)
}

// ProvideKafkaConsumer creates the intel consumer, or nil when Kafka or the
// intel topic is not configured.
func ProvideKafkaConsumer(cfg *config.Config) (*pkgkafka.Consumer, error) {
	if len(cfg.Kafka.Brokers) == 0 || cfg.Kafka.IntelTopic == "" {
		return nil, nil
	}

	consumer, err := pkgkafka.NewConsumer(
		pkgkafka.WithConsumerBrokers(cfg.Kafka.Brokers),
		pkgkafka.WithConsumerGroupID(cfg.Kafka.Consumer.GroupID),
		pkgkafka.WithConsumerAutoOffsetReset(cfg.Kafka.Consumer.AutoOffsetReset),
		pkgkafka.WithConsumerWorkers(cfg.Kafka.Consumer.Workers),
		pkgkafka.WithConsumerBufferSize(cfg.Kafka.Consumer.BufferSize),
		pkgkafka.WithConsumerRetry(cfg.Kafka.Consumer.RetryMax, cfg.Kafka.Consumer.BackoffMin.Std(), cfg.Kafka.Consumer.BackoffMax.Std()),
		pkgkafka.WithConsumerDLQ(cfg.Kafka.Consumer.DLQTopic),
		pkgkafka.WithConsumerFetch(cfg.Kafka.Consumer.MinBytes, cfg.Kafka.Consumer.MaxBytes),
	)
	if err != nil {
		return nil, fmt.Errorf("kafka consumer: %w", err)
	}
	return consumer, nil
}

// ProvideIntelHandler creates the intel event handler, or nil when there is
// no intel topic.
func ProvideIntelHandler(cfg *config.Config, bus *signalbus.Bus, m domrepo.Metrics) pkgkafka.MessageHandler {
	if cfg.Kafka.IntelTopic == "" {
		return nil
	}
	return usecase.NewIntelHandler(cfg.Kafka.IntelTopic, bus, m)
}

// ProvideMarketStream creates the order book stream, or nil when no
// websocket URL is configured.
func ProvideMarketStream(cfg *config.Config, log *applogger.Logger) domrepo.MarketStream {
	if cfg.Market.WebSocketURL == "" {
		return nil
	}
	return clob.NewStream(
		cfg.Market.WebSocketURL,
		cfg.Market.Tokens,
		cfg.Market.ReconnectDelay.Std(),
		cfg.Market.PingInterval.Std(),
		log,
	)
}

// ProvideBookCollector assembles the stream, throttle pipeline, and REST
// bootstrap into the book ingestion loop. Nil when there is no stream.
func ProvideBookCollector(
	cfg *config.Config,
	stream domrepo.MarketStream,
	bus *signalbus.Bus,
	registry *circuit.Registry,
	limiter *ratelimit.Limiter,
	log *applogger.Logger,
	m domrepo.Metrics,
) *usecase.BookCollector {
	if stream == nil {
		return nil
	}

	log = log.With(applogger.String("component", "market"))

	pipe := mid.NewBookPipeline(bus, m,
		mid.WithThrottleInterval(cfg.Market.ThrottleInterval.Std()),
	)

	var rest *clob.RestClient
	if cfg.Market.RestURL != "" {
		rest = clob.NewRestClient(cfg.Market.RestURL, registry.GetOrCreate(restBreakerName), limiter, log)
	}

	return usecase.NewBookCollector(stream, pipe, rest, cfg.Market.Tokens, cfg.Market.Bootstrap, log, m)
}

// ProvideTradeGateway creates the trade admission chain.
func ProvideTradeGateway(
	cfg *config.Config,
	riskMgr *risk.Manager,
	tracker *delta.Tracker,
	budgetMgr *budget.Manager,
	registry *circuit.Registry,
	limiter *ratelimit.Limiter,
	journal *usecase.JournalProcessor,
	log *applogger.Logger,
	m domrepo.Metrics,
) *usecase.TradeGateway {
	return usecase.NewTradeGateway(
		riskMgr, tracker, budgetMgr, registry, limiter, journal,
		log.With(applogger.String("component", "gateway")), m,
		cfg.Gateway.Dependency,
		cfg.Gateway.OrderClass,
		cfg.Gateway.MaxWait.Std(),
	)
}

// ProvideHTTPHandler creates the kernel API handler.
func ProvideHTTPHandler(
	cfg *config.Config,
	log *applogger.Logger,
	bus *signalbus.Bus,
	budgetMgr *budget.Manager,
	tracker *delta.Tracker,
	registry *circuit.Registry,
	limiter *ratelimit.Limiter,
	riskMgr *risk.Manager,
) xhttp.Handler {
	return api.NewKernelHandler(log, bus, budgetMgr, tracker, registry, limiter, riskMgr,
		cfg.Signals.SnapshotCacheTTL.Std())
}

// ProvideApp assembles the application server.
func ProvideApp(
	cfg *config.Config,
	log *applogger.Logger,
	m domrepo.Metrics,
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
	gateway *usecase.TradeGateway,
) *server.App {
	if consumer != nil {
		consumer.WithConsumerHook(pkgkafka.HookFuncs{
			Err: func(_ context.Context, topic string, _ kafkago.Message, _ []byte, err error) {
				m.RecordError("intel_consume")
				log.Warn("intel message failed", applogger.String("topic", topic), applogger.Error(err))
			},
		})
	}

	app := server.New(cfg, log, m, bus, tracker, registry, store, ob, journal, consumer, intel, collector, chClient, httpHandler)
	app.Gateway = gateway
	return app
}
