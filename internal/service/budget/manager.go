package budget

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/kangmunil/PredictionMarket-sub000/internal/domain/models"
	domrepo "github.com/kangmunil/PredictionMarket-sub000/internal/domain/repository"
	"github.com/kangmunil/PredictionMarket-sub000/pkg/logger"
)

type allocation struct {
	strategy  string
	amount    decimal.Decimal
	priority  models.Priority
	grantedAt time.Time
}

type Option func(*Manager)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

// Manager is the shared capital ledger. Strategies reserve funds before
// placing orders and release them afterwards; a reservation can never exceed
// unreserved capital, so the pool cannot be oversubscribed.
type Manager struct {
	mu     sync.Mutex
	total  decimal.Decimal
	locked decimal.Decimal
	allocs map[string]allocation

	log     *logger.Logger
	metrics domrepo.Metrics
	now     func() time.Time
}

// NewManager creates a ledger over the given capital pool.
func NewManager(totalCapital decimal.Decimal, log *logger.Logger, m domrepo.Metrics, opts ...Option) (*Manager, error) {
	if !totalCapital.IsPositive() {
		return nil, fmt.Errorf("total capital must be positive, got %s", totalCapital)
	}

	mgr := &Manager{
		total:   totalCapital,
		locked:  decimal.Zero,
		allocs:  make(map[string]allocation),
		log:     log,
		metrics: m,
		now:     time.Now,
	}

	for _, opt := range opts {
		opt(mgr)
	}

	m.SetAvailableFunds(totalCapital.InexactFloat64())
	m.SetLockedFunds(0)
	return mgr, nil
}

// RequestAllocation reserves amount for strategy. The request is denied when
// amount exceeds unreserved capital; denial is an outcome, not an error.
// Priority is recorded for observability only, grants stay first-come.
func (m *Manager) RequestAllocation(strategy string, amount decimal.Decimal, priority models.Priority) (string, bool) {
	if !amount.IsPositive() {
		m.metrics.RecordAdmission("budget", "denied")
		m.log.Warn("allocation refused: non-positive amount",
			logger.String("strategy", strategy),
			logger.String("amount", amount.String()))
		return "", false
	}

	m.mu.Lock()
	available := m.total.Sub(m.locked)
	if amount.GreaterThan(available) {
		m.mu.Unlock()
		m.metrics.RecordAdmission("budget", "denied")
		m.log.Debug("allocation denied",
			logger.String("strategy", strategy),
			logger.String("amount", amount.String()),
			logger.String("available", available.String()),
			logger.String("priority", string(priority)))
		return "", false
	}

	id := uuid.NewString()
	m.locked = m.locked.Add(amount)
	m.allocs[id] = allocation{
		strategy:  strategy,
		amount:    amount,
		priority:  priority,
		grantedAt: m.now(),
	}
	locked, total := m.locked, m.total
	m.mu.Unlock()

	m.publishGauges(total, locked)
	m.metrics.RecordAdmission("budget", "granted")
	m.log.Debug("allocation granted",
		logger.String("strategy", strategy),
		logger.String("allocation_id", id),
		logger.String("amount", amount.String()),
		logger.String("priority", string(priority)))
	return id, true
}

// ReleaseAllocation frees one reservation and returns the originally reserved
// amount so settlement code can reconcile it against the fill. actualSpent is
// recorded for the audit trail only; the ledger always frees the full
// reservation regardless of fill quality. Unknown ids return (0, false).
func (m *Manager) ReleaseAllocation(strategy, id string, actualSpent decimal.Decimal) (decimal.Decimal, bool) {
	m.mu.Lock()
	a, ok := m.allocs[id]
	if !ok {
		m.mu.Unlock()
		m.log.Warn("release of unknown allocation",
			logger.String("strategy", strategy),
			logger.String("allocation_id", id))
		return decimal.Zero, false
	}

	delete(m.allocs, id)
	m.locked = m.locked.Sub(a.amount)
	locked, total := m.locked, m.total
	m.mu.Unlock()

	if a.strategy != strategy {
		m.log.Warn("allocation released by different strategy",
			logger.String("owner", a.strategy),
			logger.String("caller", strategy),
			logger.String("allocation_id", id))
	}

	m.publishGauges(total, locked)
	m.log.Debug("allocation released",
		logger.String("strategy", a.strategy),
		logger.String("allocation_id", id),
		logger.String("reserved", a.amount.String()),
		logger.String("actual_spent", actualSpent.String()))
	return a.amount, true
}

// SyncCapital replaces the pool size, e.g. after reconciling with the venue
// balance. Shrinking below the currently locked amount is refused so open
// reservations stay covered.
func (m *Manager) SyncCapital(total decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if total.LessThan(m.locked) {
		return fmt.Errorf("total capital %s below locked funds %s", total, m.locked)
	}

	m.total = total
	m.metrics.SetAvailableFunds(m.total.Sub(m.locked).InexactFloat64())
	m.log.Info("capital synced", logger.String("total", total.String()))
	return nil
}

// Status returns the ledger totals.
func (m *Manager) Status() models.BudgetStatus {
	m.mu.Lock()
	defer m.mu.Unlock()

	return models.BudgetStatus{
		TotalCapital:    m.total,
		LockedFunds:     m.locked,
		AvailableFunds:  m.total.Sub(m.locked),
		OpenAllocations: len(m.allocs),
	}
}

// Balances returns the reserved totals per strategy, sorted by name.
func (m *Manager) Balances() []models.StrategyBalance {
	m.mu.Lock()
	sums := make(map[string]*models.StrategyBalance)
	for _, a := range m.allocs {
		b, ok := sums[a.strategy]
		if !ok {
			b = &models.StrategyBalance{Strategy: a.strategy, Reserved: decimal.Zero}
			sums[a.strategy] = b
		}
		b.Reserved = b.Reserved.Add(a.amount)
		b.Count++
	}
	m.mu.Unlock()

	out := make([]models.StrategyBalance, 0, len(sums))
	for _, b := range sums {
		out = append(out, *b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Strategy < out[j].Strategy })
	return out
}

func (m *Manager) publishGauges(total, locked decimal.Decimal) {
	m.metrics.SetLockedFunds(locked.InexactFloat64())
	m.metrics.SetAvailableFunds(total.Sub(locked).InexactFloat64())
}
