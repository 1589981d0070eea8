package risk

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	domrepo "github.com/kangmunil/PredictionMarket-sub000/internal/domain/repository"
	"github.com/kangmunil/PredictionMarket-sub000/pkg/logger"
)

func newTestManager(t *testing.T, capital float64, cfg Config, opts ...Option) *Manager {
	t.Helper()
	if cfg.Timezone == nil {
		cfg.Timezone = time.UTC
	}
	m, err := NewManager(capital, cfg, logger.NewNop(), domrepo.NopMetrics{}, opts...)
	require.NoError(t, err)
	return m
}

func TestNewManagerValidation(t *testing.T) {
	_, err := NewManager(0, Config{}, logger.NewNop(), domrepo.NopMetrics{})
	assert.Error(t, err)

	_, err = NewManager(1000, Config{KellyFraction: 1.5}, logger.NewNop(), domrepo.NopMetrics{})
	assert.Error(t, err)

	_, err = NewManager(1000, Config{MaxDailyLossPct: 1}, logger.NewNop(), domrepo.NopMetrics{})
	assert.Error(t, err)

	_, err = NewManager(1000, Config{}, logger.NewNop(), domrepo.NopMetrics{})
	assert.NoError(t, err)
}

func TestKellySizing(t *testing.T) {
	m := newTestManager(t, 10000, Config{KellyFraction: 0.25, MaxPositionPct: 0.1})

	// p=0.6 at price 0.5: b=1, f=(0.6-0.4)/1=0.2, quarter-Kelly 0.05.
	size := m.CalculateSize(0.6, 0.5, "NBA", 0)
	assert.InDelta(t, 500, size, 1e-9)

	// No edge when the market already prices the outcome higher.
	assert.Zero(t, m.CalculateSize(0.5, 0.6, "NBA", 0))
}

func TestPriceOutsideRangeYieldsZero(t *testing.T) {
	m := newTestManager(t, 10000, Config{})

	assert.Zero(t, m.CalculateSize(0.9, 0, "NBA", 0))
	assert.Zero(t, m.CalculateSize(0.9, 1, "NBA", 0))
	assert.Zero(t, m.CalculateSize(0.9, 1.2, "NBA", 0))
	assert.Zero(t, m.CalculateSize(0.9, -0.1, "NBA", 0))
}

func TestVolatilityPenaltyHalves(t *testing.T) {
	cfg := Config{KellyFraction: 0.25, MaxPositionPct: 1, VolatilityThreshold: 0.7}
	m := newTestManager(t, 10000, cfg)

	calm := m.CalculateSize(0.6, 0.5, "NBA", 0.5)
	atThreshold := m.CalculateSize(0.6, 0.5, "NBA", 0.7)
	stormy := m.CalculateSize(0.6, 0.5, "NBA", 0.71)

	assert.Equal(t, calm, atThreshold)
	assert.InDelta(t, calm/2, stormy, 1e-9)
}

func TestCorrelationPenaltyHalves(t *testing.T) {
	cfg := Config{KellyFraction: 0.25, MaxPositionPct: 1}
	m := newTestManager(t, 10000, cfg)

	base := m.CalculateSize(0.6, 0.5, "NBA", 0)

	m.OpenPosition("NBA")
	assert.Equal(t, base, m.CalculateSize(0.6, 0.5, "NBA", 0))

	m.OpenPosition("NBA")
	assert.InDelta(t, base/2, m.CalculateSize(0.6, 0.5, "NBA", 0), 1e-9)

	// Other categories are unaffected.
	assert.Equal(t, base, m.CalculateSize(0.6, 0.5, "EPL", 0))

	m.ClosePosition("NBA")
	assert.Equal(t, base, m.CalculateSize(0.6, 0.5, "NBA", 0))
}

func TestPositionCaps(t *testing.T) {
	// Full Kelly on a long shot would bet most of the book without the caps.
	cfg := Config{KellyFraction: 1, MaxPositionPct: 0.05}
	m := newTestManager(t, 10000, cfg)
	assert.InDelta(t, 500, m.CalculateSize(0.9, 0.1, "NBA", 0), 1e-9)

	cfg.MaxPositionUSD = 300
	m = newTestManager(t, 10000, cfg)
	assert.InDelta(t, 300, m.CalculateSize(0.9, 0.1, "NBA", 0), 1e-9)
}

func TestDailyLossBreaker(t *testing.T) {
	m := newTestManager(t, 10000, Config{MaxDailyLossPct: 0.05})

	m.UpdatePnL(-400)
	assert.False(t, m.BreakerActive())
	assert.Positive(t, m.CalculateSize(0.6, 0.5, "NBA", 0))

	m.UpdatePnL(-200)
	assert.True(t, m.BreakerActive())
	assert.Zero(t, m.CalculateSize(0.6, 0.5, "NBA", 0))

	// Recovering PnL does not clear the breaker before midnight.
	m.UpdatePnL(1000)
	assert.True(t, m.BreakerActive())

	st := m.Status()
	assert.Equal(t, 10400.0, st.TotalCapital)
	assert.Equal(t, 400.0, st.DailyPnL)
	assert.True(t, st.BreakerActive)
}

func TestMidnightResetClearsBreaker(t *testing.T) {
	now := time.Date(2025, 6, 1, 23, 0, 0, 0, time.UTC)
	m := newTestManager(t, 10000, Config{MaxDailyLossPct: 0.05},
		WithClock(func() time.Time { return now }))

	m.UpdatePnL(-600)
	assert.True(t, m.BreakerActive())

	// Still the same local day.
	now = now.Add(30 * time.Minute)
	assert.True(t, m.BreakerActive())

	// Past midnight the day rebases on the surviving capital.
	now = now.Add(31 * time.Minute)
	assert.False(t, m.BreakerActive())

	st := m.Status()
	assert.Equal(t, 9400.0, st.TotalCapital)
	assert.Equal(t, 9400.0, st.DailyStartCapital)
	assert.Zero(t, st.DailyPnL)
	assert.Positive(t, m.CalculateSize(0.6, 0.5, "NBA", 0))
}

func TestCompoundingCapital(t *testing.T) {
	m := newTestManager(t, 10000, Config{KellyFraction: 0.25, MaxPositionPct: 1})

	base := m.CalculateSize(0.6, 0.5, "NBA", 0)
	assert.InDelta(t, 500, base, 1e-9)

	m.UpdatePnL(500)
	grown := m.CalculateSize(0.6, 0.5, "NBA", 0)
	assert.InDelta(t, 525, grown, 1e-9)
}
