package delta

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kangmunil/PredictionMarket-sub000/internal/domain/models"
	domrepo "github.com/kangmunil/PredictionMarket-sub000/internal/domain/repository"
	"github.com/kangmunil/PredictionMarket-sub000/internal/service/signalbus"
	"github.com/kangmunil/PredictionMarket-sub000/pkg/logger"
)

type captureSink struct {
	mu      sync.Mutex
	tokens  []string
	updates []models.MetricsUpdate
}

func (c *captureSink) UpdateMarketMetrics(tokenID string, m models.MetricsUpdate) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tokens = append(c.tokens, tokenID)
	c.updates = append(c.updates, m)
}

func (c *captureSink) last(t *testing.T) (string, models.MetricsUpdate) {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	require.NotEmpty(t, c.updates)
	return c.tokens[len(c.tokens)-1], c.updates[len(c.updates)-1]
}

func newTestTracker(t *testing.T, cfg Config, sink MetricsSink, opts ...Option) *Tracker {
	t.Helper()
	tr, err := NewTracker(cfg, sink, logger.NewNop(), domrepo.NopMetrics{}, opts...)
	require.NoError(t, err)
	return tr
}

func buy(token, group string, size, price float64) models.TradeFill {
	return models.TradeFill{TokenID: token, Side: models.SideBuy, Size: size, Price: price, MarketGroup: group}
}

func sell(token, group string, size, price float64) models.TradeFill {
	return models.TradeFill{TokenID: token, Side: models.SideSell, Size: size, Price: price, MarketGroup: group}
}

func TestNewTrackerRejectsBadLimits(t *testing.T) {
	_, err := NewTracker(Config{Default: Limits{Hard: 100, Soft: 150}}, nil, logger.NewNop(), domrepo.NopMetrics{})
	assert.Error(t, err)

	_, err = NewTracker(Config{Groups: map[string]Limits{"NBA": {Hard: -1}}}, nil, logger.NewNop(), domrepo.NopMetrics{})
	assert.Error(t, err)

	_, err = NewTracker(Config{Default: Limits{Hard: 100, Soft: 60}}, nil, logger.NewNop(), domrepo.NopMetrics{})
	assert.NoError(t, err)
}

func TestCheckAllowanceDecisionTable(t *testing.T) {
	tr := newTestTracker(t, Config{Default: Limits{Hard: 100, Soft: 60}}, nil)

	// Establish a +80 position in NBA.
	tr.RecordTrade(buy("tok-a", "NBA", 80, 0.5))

	tests := []struct {
		name       string
		side       models.Side
		size       float64
		allowed    bool
		reduceOnly bool
	}{
		{"within soft limit", models.SideSell, 30, true, false},
		{"soft breach moving away from flat", models.SideBuy, 10, false, false},
		{"hard breach", models.SideBuy, 50, false, false},
		{"soft breach but reducing", models.SideSell, 10, true, true},
		{"flip through zero grows exposure", models.SideSell, 170, false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := tr.CheckAllowance(models.AllowanceRequest{
				TokenID: "tok-a", Side: tt.side, Size: tt.size, MarketGroup: "NBA",
			})
			assert.Equal(t, tt.allowed, res.Allowed)
			assert.Equal(t, tt.reduceOnly, res.ReduceOnly)
			assert.Equal(t, 80.0, res.CurrentDelta)
			if !tt.allowed || tt.reduceOnly {
				assert.NotEmpty(t, res.Reason)
			}
		})
	}

	// "hard breach" computes against the hard limit specifically.
	res := tr.CheckAllowance(models.AllowanceRequest{TokenID: "tok-a", Side: models.SideBuy, Size: 50, MarketGroup: "NBA"})
	assert.Equal(t, 130.0, res.ProjectedDelta)
	assert.Equal(t, 100.0, res.HardLimit)
}

func TestCheckAllowanceNonPositiveSize(t *testing.T) {
	tr := newTestTracker(t, Config{Default: Limits{Hard: 10, Soft: 5}}, nil)

	res := tr.CheckAllowance(models.AllowanceRequest{TokenID: "tok", Side: models.SideBuy, Size: 0})
	assert.True(t, res.Allowed)
	assert.False(t, res.ReduceOnly)
	assert.Equal(t, "non-positive size", res.Reason)
}

func TestCheckAllowanceNeverMutates(t *testing.T) {
	tr := newTestTracker(t, Config{Default: Limits{Hard: 10}}, nil)

	res := tr.CheckAllowance(models.AllowanceRequest{TokenID: "tok", Side: models.SideBuy, Size: 50})
	assert.False(t, res.Allowed)

	assert.Empty(t, tr.GroupDeltas())
	assert.Empty(t, tr.Exposures())
}

func TestGroupResolutionPrecedence(t *testing.T) {
	tr := newTestTracker(t, Config{}, nil)

	tr.RecordTrade(models.TradeFill{ConditionID: "cond-1", TokenID: "tok-1", Side: models.SideBuy, Size: 10, Price: 0.5, MarketGroup: "NBA"})

	// Explicit group wins over the recorded one.
	res := tr.CheckAllowance(models.AllowanceRequest{ConditionID: "cond-1", Side: models.SideBuy, Size: 1, MarketGroup: "EPL"})
	assert.Equal(t, "EPL", res.Group)
	assert.Equal(t, 0.0, res.CurrentDelta)

	// Recorded group wins over the default.
	res = tr.CheckAllowance(models.AllowanceRequest{ConditionID: "cond-1", Side: models.SideBuy, Size: 1})
	assert.Equal(t, "NBA", res.Group)
	assert.Equal(t, 10.0, res.CurrentDelta)

	// Unknown market falls back to DEFAULT.
	res = tr.CheckAllowance(models.AllowanceRequest{TokenID: "never-seen", Side: models.SideBuy, Size: 1})
	assert.Equal(t, DefaultGroup, res.Group)
}

func TestConditionPreferredOverToken(t *testing.T) {
	tr := newTestTracker(t, Config{}, nil)

	// Both legs of one market share the condition id and therefore one position.
	tr.RecordTrade(models.TradeFill{ConditionID: "cond-1", TokenID: "yes-tok", Side: models.SideBuy, Size: 10, Price: 0.6})
	tr.RecordTrade(models.TradeFill{ConditionID: "cond-1", TokenID: "no-tok", Side: models.SideSell, Size: 4, Price: 0.4})

	exps := tr.Exposures()
	require.Len(t, exps, 1)
	assert.Equal(t, DefaultGroup, exps[0].Group)
	assert.Equal(t, 6.0, exps[0].Delta)
	assert.Equal(t, 1, exps[0].Positions)
}

func TestUnspecifiedBucket(t *testing.T) {
	tr := newTestTracker(t, Config{}, nil)

	tr.RecordTrade(models.TradeFill{Side: models.SideBuy, Size: 5, Price: 0.5})

	res := tr.CheckAllowance(models.AllowanceRequest{Side: models.SideBuy, Size: 1})
	assert.Equal(t, 5.0, res.CurrentDelta)
}

func TestWeightedAveragesForwarded(t *testing.T) {
	sink := &captureSink{}
	tr := newTestTracker(t, Config{}, sink)

	tr.RecordTrade(buy("tok", "NBA", 10, 0.5))
	tr.RecordTrade(buy("tok", "NBA", 10, 0.7))

	token, upd := sink.last(t)
	assert.Equal(t, "tok", token)
	require.NotNil(t, upd.DeltaExposure)
	assert.Equal(t, 20.0, *upd.DeltaExposure)
	require.NotNil(t, upd.LongAvgPrice)
	assert.InDelta(t, 0.6, *upd.LongAvgPrice, 1e-9)
	assert.Nil(t, upd.ShortAvgPrice)
	assert.Nil(t, upd.Spread)
	assert.Equal(t, "NBA", upd.Metadata["market_group"])

	tr.RecordTrade(sell("tok", "NBA", 5, 0.8))

	_, upd = sink.last(t)
	assert.Equal(t, 15.0, *upd.DeltaExposure)
	require.NotNil(t, upd.ShortAvgPrice)
	assert.InDelta(t, 0.8, *upd.ShortAvgPrice, 1e-9)
	require.NotNil(t, upd.Spread)
	assert.InDelta(t, 0.2, *upd.Spread, 1e-9)
}

func TestRecordTradeFeedsSignalBus(t *testing.T) {
	bus, err := signalbus.NewBus(signalbus.Config{}, logger.NewNop(), domrepo.NopMetrics{})
	require.NoError(t, err)
	tr := newTestTracker(t, Config{}, bus)

	tr.RecordTrade(buy("tok", "NBA", 10, 0.5))
	tr.RecordTrade(sell("tok", "NBA", 4, 0.6))

	sig := bus.GetSignal("tok")
	assert.Equal(t, 6.0, sig.DeltaExposure)
	assert.InDelta(t, 0.5, sig.LongAvgPrice, 1e-9)
	assert.InDelta(t, 0.6, sig.ShortAvgPrice, 1e-9)
	assert.Equal(t, "NBA", sig.Metadata["market_group"])
	assert.Greater(t, sig.SpreadBps, 0.0)
}

func TestGroupMoveMigratesDelta(t *testing.T) {
	tr := newTestTracker(t, Config{}, nil)

	tr.RecordTrade(buy("tok", "NBA", 10, 0.5))
	assert.Equal(t, map[string]float64{"NBA": 10}, tr.GroupDeltas())

	// A later fill reassigning the market moves the whole position.
	tr.RecordTrade(buy("tok", "NBA-FINALS", 5, 0.5))

	deltas := tr.GroupDeltas()
	assert.Equal(t, 0.0, deltas["NBA"])
	assert.Equal(t, 15.0, deltas["NBA-FINALS"])
}

func TestDegenerateFillIgnored(t *testing.T) {
	tr := newTestTracker(t, Config{}, nil)

	tr.RecordTrade(models.TradeFill{TokenID: "tok", Side: models.SideBuy, Size: 0, Price: 0.5})
	tr.RecordTrade(models.TradeFill{TokenID: "tok", Side: models.SideBuy, Size: -3, Price: 0.5})

	assert.Empty(t, tr.GroupDeltas())
}

func TestPurgeExpired(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	tr := newTestTracker(t, Config{}, nil, WithClock(func() time.Time { return now }))

	past := now.Add(-time.Hour)
	future := now.Add(time.Hour)
	tr.RecordTrade(models.TradeFill{TokenID: "dead", Side: models.SideBuy, Size: 10, Price: 0.5, MarketGroup: "NBA", ExpiresAt: &past})
	tr.RecordTrade(models.TradeFill{TokenID: "live", Side: models.SideBuy, Size: 7, Price: 0.5, MarketGroup: "NBA", ExpiresAt: &future})

	assert.Equal(t, 1, tr.PurgeExpired())

	deltas := tr.GroupDeltas()
	assert.Equal(t, 7.0, deltas["NBA"])

	exps := tr.Exposures()
	require.Len(t, exps, 1)
	assert.Equal(t, 1, exps[0].Positions)

	assert.Equal(t, 0, tr.PurgeExpired())
}

func TestExposuresSortedWithLimits(t *testing.T) {
	cfg := Config{
		Default: Limits{Hard: 100, Soft: 60},
		Groups:  map[string]Limits{"EPL": {Hard: 50, Soft: 30}},
	}
	tr := newTestTracker(t, cfg, nil)

	tr.RecordTrade(buy("t1", "NBA", 10, 0.5))
	tr.RecordTrade(buy("t2", "EPL", 20, 0.5))

	exps := tr.Exposures()
	require.Len(t, exps, 2)
	assert.Equal(t, "EPL", exps[0].Group)
	assert.Equal(t, 50.0, exps[0].HardLimit)
	assert.Equal(t, "NBA", exps[1].Group)
	assert.Equal(t, 100.0, exps[1].HardLimit)
}

func TestConcurrentRecordTrade(t *testing.T) {
	tr := newTestTracker(t, Config{}, nil)

	var wg sync.WaitGroup
	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				tr.RecordTrade(buy("tok", "NBA", 1, 0.5))
			}
		}()
	}
	wg.Wait()

	deltas := tr.GroupDeltas()
	assert.Equal(t, 200.0, deltas["NBA"])

	exps := tr.Exposures()
	require.Len(t, exps, 1)
	assert.Equal(t, 1, exps[0].Positions)
}
