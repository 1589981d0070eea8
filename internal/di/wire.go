//go:build wireinject
// +build wireinject

package di

import (
	"github.com/google/wire"

	"github.com/kangmunil/PredictionMarket-sub000/pkg/config"
	"github.com/kangmunil/PredictionMarket-sub000/pkg/server"
)

// InitializeApp wires up all dependencies and returns the application.
// Wire will generate the implementation of this function.
func InitializeApp(cfg *config.Config) (*server.App, error) {
	wire.Build(
		// Infrastructure clients
		ProvideKafkaProducer,
		ProvideLogger,
		ProvideMetrics,
		ProvideStore,
		ProvideOutbox,
		ProvideClickHouseClient,
		ProvideKafkaConsumer,

		// Coordination services
		ProvideSignalBus,
		ProvideBudgetManager,
		ProvideDeltaTracker,
		ProvideCircuitRegistry,
		ProvideRateLimiter,
		ProvideRiskManager,

		// Use cases
		ProvideJournal,
		ProvideIntelHandler,
		ProvideMarketStream,
		ProvideBookCollector,
		ProvideTradeGateway,

		// HTTP surface
		ProvideHTTPHandler,

		// Application server
		ProvideApp,
	)
	return &server.App{}, nil
}
