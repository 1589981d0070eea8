package usecase

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kangmunil/PredictionMarket-sub000/internal/domain/models"
	domrepo "github.com/kangmunil/PredictionMarket-sub000/internal/domain/repository"
	"github.com/kangmunil/PredictionMarket-sub000/internal/service/budget"
	"github.com/kangmunil/PredictionMarket-sub000/internal/service/circuit"
	"github.com/kangmunil/PredictionMarket-sub000/internal/service/delta"
	"github.com/kangmunil/PredictionMarket-sub000/internal/service/ratelimit"
	"github.com/kangmunil/PredictionMarket-sub000/internal/service/risk"
	"github.com/kangmunil/PredictionMarket-sub000/internal/service/signalbus"
	"github.com/kangmunil/PredictionMarket-sub000/pkg/logger"
)

type gatewayFixture struct {
	gw      *TradeGateway
	bus     *signalbus.Bus
	risk    *risk.Manager
	tracker *delta.Tracker
	budget  *budget.Manager
	journal *stubJournalPublisher
	proc    *JournalProcessor
}

type fixtureConfig struct {
	capital    float64
	hardLimit  float64
	orderQuota int
	maxWait    time.Duration
}

func newGatewayFixture(t *testing.T, fc fixtureConfig) *gatewayFixture {
	t.Helper()

	if fc.capital == 0 {
		fc.capital = 10000
	}
	if fc.hardLimit == 0 {
		fc.hardLimit = 100000
	}
	if fc.orderQuota == 0 {
		fc.orderQuota = 100
	}
	if fc.maxWait == 0 {
		fc.maxWait = 50 * time.Millisecond
	}

	log := logger.NewNop()
	nop := domrepo.NopMetrics{}

	bus, err := signalbus.NewBus(signalbus.Config{}, log, nop)
	require.NoError(t, err)

	riskMgr, err := risk.NewManager(fc.capital, risk.Config{
		KellyFraction:   0.25,
		MaxPositionPct:  1,
		MaxDailyLossPct: 0.05,
		Timezone:        time.UTC,
	}, log, nop)
	require.NoError(t, err)

	tracker, err := delta.NewTracker(delta.Config{
		Default: delta.Limits{Hard: fc.hardLimit},
	}, bus, log, nop)
	require.NoError(t, err)

	budgetMgr, err := budget.NewManager(decimal.NewFromFloat(fc.capital), log, nop)
	require.NoError(t, err)

	registry, err := circuit.NewRegistry(circuit.Config{
		FailureThreshold: 1,
		SuccessThreshold: 1,
		RecoveryTimeout:  time.Minute,
	}, nil, log, nop)
	require.NoError(t, err)

	limiter, err := ratelimit.New(
		ratelimit.ClassConfig{MaxRequests: 1000, Window: time.Minute},
		map[string]ratelimit.ClassConfig{"order_create": {MaxRequests: fc.orderQuota, Window: time.Minute}},
		log, nop)
	require.NoError(t, err)

	pub := &stubJournalPublisher{}
	proc, err := NewJournalProcessor(JournalBackendKafka, pub, nil, nop, log, 100, time.Minute, 64)
	require.NoError(t, err)
	proc.Start()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = proc.Close(ctx)
	})

	gw := NewTradeGateway(riskMgr, tracker, budgetMgr, registry, limiter, proc, log, nop,
		"clob", "order_create", fc.maxWait)

	return &gatewayFixture{
		gw:      gw,
		bus:     bus,
		risk:    riskMgr,
		tracker: tracker,
		budget:  budgetMgr,
		journal: pub,
		proc:    proc,
	}
}

func buyRequest() TradeRequest {
	return TradeRequest{
		Strategy:    "arb",
		TokenID:     "tok",
		MarketGroup: "NBA",
		Side:        models.SideBuy,
		Price:       0.5,
		ProbWin:     0.6,
	}
}

// drainJournal closes the processor and returns everything it shipped.
func (f *gatewayFixture) drainJournal(t *testing.T) []*models.JournalEvent {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, f.proc.Close(ctx))

	f.journal.mu.Lock()
	defer f.journal.mu.Unlock()
	out := make([]*models.JournalEvent, len(f.journal.events))
	copy(out, f.journal.events)
	return out
}

func TestAttemptHappyPath(t *testing.T) {
	f := newGatewayFixture(t, fixtureConfig{})
	ctx := context.Background()

	executed := false
	res, err := f.gw.Attempt(ctx, buyRequest(), func(context.Context) (*models.TradeFill, error) {
		executed = true
		return nil, nil
	})
	require.NoError(t, err)
	require.True(t, executed)

	assert.True(t, res.Executed)
	assert.Equal(t, StageExecuted, res.Stage)
	// Quarter-Kelly of 10k at p=0.6, price=0.5 is $500, i.e. 1000 shares.
	assert.InDelta(t, 1000, res.Size, 1e-9)
	require.NotNil(t, res.Fill)
	assert.Equal(t, models.SideBuy, res.Fill.Side)

	// The fill reached the tracker and the bus.
	assert.Equal(t, 1000.0, f.tracker.GroupDeltas()["NBA"])
	assert.Equal(t, 1000.0, f.bus.GetSignal("tok").DeltaExposure)

	// The reservation was fully released.
	st := f.budget.Status()
	assert.True(t, st.LockedFunds.IsZero())
	assert.Equal(t, 0, st.OpenAllocations)

	events := f.drainJournal(t)
	require.Len(t, events, 1)
	assert.Equal(t, models.JournalTradeExecuted, events[0].Type)
	assert.Equal(t, "arb", events[0].Strategy)
}

func TestAttemptDeniedWithoutEdge(t *testing.T) {
	f := newGatewayFixture(t, fixtureConfig{})

	req := buyRequest()
	req.ProbWin = 0.4

	invoked := false
	res, err := f.gw.Attempt(context.Background(), req, func(context.Context) (*models.TradeFill, error) {
		invoked = true
		return nil, nil
	})
	require.NoError(t, err)
	assert.False(t, invoked)
	assert.False(t, res.Executed)
	assert.Equal(t, StageRisk, res.Stage)

	events := f.drainJournal(t)
	require.Len(t, events, 1)
	assert.Equal(t, models.JournalTradeDenied, events[0].Type)
	assert.Equal(t, StageRisk, events[0].Stage)
}

func TestAttemptExplicitSizeHonorsLossBreaker(t *testing.T) {
	f := newGatewayFixture(t, fixtureConfig{})

	f.risk.UpdatePnL(-600)
	require.True(t, f.risk.BreakerActive())

	req := buyRequest()
	req.Size = 10

	res, err := f.gw.Attempt(context.Background(), req, func(context.Context) (*models.TradeFill, error) {
		return nil, nil
	})
	require.NoError(t, err)
	assert.Equal(t, StageRisk, res.Stage)
	assert.Contains(t, res.Reason, "breaker")
}

func TestAttemptDeniedByExposure(t *testing.T) {
	f := newGatewayFixture(t, fixtureConfig{hardLimit: 100})

	res, err := f.gw.Attempt(context.Background(), buyRequest(), func(context.Context) (*models.TradeFill, error) {
		return nil, nil
	})
	require.NoError(t, err)
	assert.False(t, res.Executed)
	assert.Equal(t, StageExposure, res.Stage)
	assert.False(t, res.Allowance.Allowed)
	assert.NotEmpty(t, res.Reason)

	// Nothing was reserved or recorded.
	assert.True(t, f.budget.Status().LockedFunds.IsZero())
	assert.Empty(t, f.tracker.GroupDeltas())
}

func TestAttemptDeniedByBudget(t *testing.T) {
	// Sizing yields $25 of exposure (50 shares at 0.5) against $10 of capital.
	f := newGatewayFixture(t, fixtureConfig{capital: 10})

	req := buyRequest()
	req.Size = 50

	res, err := f.gw.Attempt(context.Background(), req, func(context.Context) (*models.TradeFill, error) {
		return nil, nil
	})
	require.NoError(t, err)
	assert.Equal(t, StageBudget, res.Stage)
	assert.True(t, f.budget.Status().LockedFunds.IsZero())
}

func TestAttemptRateExhaustionReleasesReservation(t *testing.T) {
	f := newGatewayFixture(t, fixtureConfig{orderQuota: 1, maxWait: 50 * time.Millisecond})
	ctx := context.Background()

	first, err := f.gw.Attempt(ctx, buyRequest(), func(context.Context) (*models.TradeFill, error) {
		return nil, nil
	})
	require.NoError(t, err)
	require.True(t, first.Executed)

	second, err := f.gw.Attempt(ctx, buyRequest(), func(context.Context) (*models.TradeFill, error) {
		return nil, nil
	})
	require.NoError(t, err)
	assert.Equal(t, StageRate, second.Stage)
	assert.False(t, second.Executed)

	st := f.budget.Status()
	assert.True(t, st.LockedFunds.IsZero())
	assert.Equal(t, 0, st.OpenAllocations)
}

func TestAttemptExecutionFailure(t *testing.T) {
	f := newGatewayFixture(t, fixtureConfig{})
	ctx := context.Background()
	venueDown := errors.New("venue 503")

	res, err := f.gw.Attempt(ctx, buyRequest(), func(context.Context) (*models.TradeFill, error) {
		return nil, venueDown
	})
	require.ErrorIs(t, err, venueDown)
	assert.Equal(t, StageExecution, res.Stage)
	assert.False(t, res.Executed)

	// Reservation released, nothing recorded.
	assert.True(t, f.budget.Status().LockedFunds.IsZero())
	assert.Empty(t, f.tracker.GroupDeltas())

	// The single failure tripped the shared breaker; the next attempt is
	// rejected before reaching the venue.
	invoked := false
	res, err = f.gw.Attempt(ctx, buyRequest(), func(context.Context) (*models.TradeFill, error) {
		invoked = true
		return nil, nil
	})
	require.ErrorIs(t, err, circuit.ErrOpen)
	assert.False(t, invoked)
	assert.Equal(t, StageExecution, res.Stage)

	events := f.drainJournal(t)
	require.Len(t, events, 2)
	assert.Equal(t, models.JournalTradeFailed, events[0].Type)
	assert.Equal(t, models.JournalTradeFailed, events[1].Type)
}

func TestAttemptPartialFill(t *testing.T) {
	f := newGatewayFixture(t, fixtureConfig{})

	res, err := f.gw.Attempt(context.Background(), buyRequest(), func(context.Context) (*models.TradeFill, error) {
		return &models.TradeFill{
			TokenID:     "tok",
			Side:        models.SideBuy,
			Size:        400,
			Price:       0.5,
			MarketGroup: "NBA",
		}, nil
	})
	require.NoError(t, err)
	assert.True(t, res.Executed)
	assert.InDelta(t, 400, res.Size, 1e-9)

	// The tracker sees the actual fill, and the full reservation came back.
	assert.Equal(t, 400.0, f.tracker.GroupDeltas()["NBA"])
	st := f.budget.Status()
	assert.True(t, st.LockedFunds.IsZero())
	assert.True(t, st.AvailableFunds.Equal(st.TotalCapital))
}
