package risk

import (
	"fmt"
	"sync"
	"time"

	"github.com/kangmunil/PredictionMarket-sub000/internal/domain/models"
	domrepo "github.com/kangmunil/PredictionMarket-sub000/internal/domain/repository"
	"github.com/kangmunil/PredictionMarket-sub000/pkg/logger"
)

const dailyLossBreakerName = "daily_loss"

const (
	defaultKellyFraction       = 0.25
	defaultMaxPositionPct      = 0.05
	defaultMaxDailyLossPct     = 0.05
	defaultVolatilityThreshold = 0.7
)

// Config tunes position sizing. MaxPositionUSD zero disables the absolute
// cap.
type Config struct {
	KellyFraction       float64
	MaxPositionPct      float64
	MaxPositionUSD      float64
	MaxDailyLossPct     float64
	VolatilityThreshold float64
	Timezone            *time.Location
}

func (c Config) withDefaults() Config {
	if c.KellyFraction == 0 {
		c.KellyFraction = defaultKellyFraction
	}
	if c.MaxPositionPct == 0 {
		c.MaxPositionPct = defaultMaxPositionPct
	}
	if c.MaxDailyLossPct == 0 {
		c.MaxDailyLossPct = defaultMaxDailyLossPct
	}
	if c.VolatilityThreshold == 0 {
		c.VolatilityThreshold = defaultVolatilityThreshold
	}
	if c.Timezone == nil {
		c.Timezone = time.Local
	}
	return c
}

func (c Config) validate() error {
	if c.KellyFraction <= 0 || c.KellyFraction > 1 {
		return fmt.Errorf("kelly fraction must be in (0, 1], got %v", c.KellyFraction)
	}
	if c.MaxPositionPct <= 0 || c.MaxPositionPct > 1 {
		return fmt.Errorf("max position pct must be in (0, 1], got %v", c.MaxPositionPct)
	}
	if c.MaxPositionUSD < 0 {
		return fmt.Errorf("max position usd cannot be negative, got %v", c.MaxPositionUSD)
	}
	if c.MaxDailyLossPct <= 0 || c.MaxDailyLossPct >= 1 {
		return fmt.Errorf("max daily loss pct must be in (0, 1), got %v", c.MaxDailyLossPct)
	}
	if c.VolatilityThreshold <= 0 || c.VolatilityThreshold > 1 {
		return fmt.Errorf("volatility threshold must be in (0, 1], got %v", c.VolatilityThreshold)
	}
	return nil
}

type Option func(*Manager)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

// Manager sizes positions with fractional Kelly and guards the book with a
// daily-loss breaker. The breaker is about realized PnL, independent of the
// dependency-health breakers in the circuit package.
type Manager struct {
	mu             sync.Mutex
	totalCapital   float64
	dailyStart     float64
	dailyPnL       float64
	breakerActive  bool
	lastReset      time.Time
	openByCategory map[string]int

	cfg     Config
	log     *logger.Logger
	metrics domrepo.Metrics
	now     func() time.Time
}

func NewManager(totalCapital float64, cfg Config, log *logger.Logger, m domrepo.Metrics, opts ...Option) (*Manager, error) {
	if totalCapital <= 0 {
		return nil, fmt.Errorf("total capital must be positive, got %v", totalCapital)
	}
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	mgr := &Manager{
		totalCapital:   totalCapital,
		dailyStart:     totalCapital,
		openByCategory: make(map[string]int),
		cfg:            cfg,
		log:            log,
		metrics:        m,
		now:            time.Now,
	}

	for _, opt := range opts {
		opt(mgr)
	}
	mgr.lastReset = mgr.now()
	return mgr, nil
}

// CalculateSize returns the USD amount to put on a binary outcome priced in
// (0, 1). Any guard can zero the result: active daily-loss breaker, no edge,
// negative Kelly fraction, or a depleted book.
func (m *Manager) CalculateSize(probWin, price float64, category string, volatility float64) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.maybeResetLocked()

	if m.breakerActive {
		m.metrics.RecordAdmission("risk", "denied")
		return 0
	}
	if price <= 0 || price >= 1 {
		m.metrics.RecordAdmission("risk", "zero")
		return 0
	}
	if probWin <= price {
		m.metrics.RecordAdmission("risk", "zero")
		return 0
	}

	// Kelly for a binary payout: f = (b*p - q) / b with b the net odds.
	b := (1 - price) / price
	q := 1 - probWin
	f := (b*probWin - q) / b
	if f <= 0 {
		m.metrics.RecordAdmission("risk", "zero")
		return 0
	}

	f *= m.cfg.KellyFraction
	if volatility > m.cfg.VolatilityThreshold {
		f /= 2
	}
	if m.openByCategory[category] >= 2 {
		f /= 2
	}
	if f > m.cfg.MaxPositionPct {
		f = m.cfg.MaxPositionPct
	}

	size := f * m.totalCapital
	if m.cfg.MaxPositionUSD > 0 && size > m.cfg.MaxPositionUSD {
		size = m.cfg.MaxPositionUSD
	}
	if size <= 0 {
		m.metrics.RecordAdmission("risk", "zero")
		return 0
	}

	m.metrics.RecordAdmission("risk", "granted")
	return size
}

// UpdatePnL folds realized profit or loss into the book. Capital compounds;
// the breaker trips when the day's drawdown reaches the configured fraction
// of the day's starting capital and stays tripped until the next local
// midnight.
func (m *Manager) UpdatePnL(amount float64) {
	m.mu.Lock()
	m.maybeResetLocked()

	m.dailyPnL += amount
	m.totalCapital += amount

	tripped := false
	if !m.breakerActive && m.dailyStart > 0 && m.dailyPnL/m.dailyStart <= -m.cfg.MaxDailyLossPct {
		m.breakerActive = true
		tripped = true
	}
	dailyPnL, dailyStart := m.dailyPnL, m.dailyStart
	m.mu.Unlock()

	if tripped {
		m.metrics.RecordBreakerTransition(dailyLossBreakerName, string(models.CircuitOpen))
		m.log.Warn("daily loss breaker tripped",
			logger.Float64("daily_pnl", dailyPnL),
			logger.Float64("daily_start", dailyStart))
	}
}

// OpenPosition registers one more live position in category, feeding the
// correlation penalty.
func (m *Manager) OpenPosition(category string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.openByCategory[category]++
}

// ClosePosition unregisters a live position in category.
func (m *Manager) ClosePosition(category string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.openByCategory[category] > 0 {
		m.openByCategory[category]--
	}
	if m.openByCategory[category] == 0 {
		delete(m.openByCategory, category)
	}
}

// BreakerActive reports whether sizing is currently shut off by drawdown.
func (m *Manager) BreakerActive() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.maybeResetLocked()
	return m.breakerActive
}

// Status returns a point-in-time snapshot of the risk book.
func (m *Manager) Status() models.RiskStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.maybeResetLocked()

	open := make(map[string]int, len(m.openByCategory))
	for c, n := range m.openByCategory {
		open[c] = n
	}
	return models.RiskStatus{
		TotalCapital:      m.totalCapital,
		DailyStartCapital: m.dailyStart,
		DailyPnL:          m.dailyPnL,
		BreakerActive:     m.breakerActive,
		LastReset:         m.lastReset,
		OpenPositions:     open,
	}
}

// maybeResetLocked rebases the daily fields on the first access after local
// midnight. No timer needed.
func (m *Manager) maybeResetLocked() {
	now := m.now().In(m.cfg.Timezone)
	last := m.lastReset.In(m.cfg.Timezone)
	if now.Year() == last.Year() && now.YearDay() == last.YearDay() {
		return
	}

	cleared := m.breakerActive
	m.dailyStart = m.totalCapital
	m.dailyPnL = 0
	m.breakerActive = false
	m.lastReset = now

	if cleared {
		m.metrics.RecordBreakerTransition(dailyLossBreakerName, string(models.CircuitClosed))
	}
	m.log.Info("daily risk counters reset",
		logger.Float64("daily_start", m.dailyStart),
		logger.Bool("breaker_cleared", cleared))
}
