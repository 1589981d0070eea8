package budget

import (
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kangmunil/PredictionMarket-sub000/internal/domain/models"
	domrepo "github.com/kangmunil/PredictionMarket-sub000/internal/domain/repository"
	"github.com/kangmunil/PredictionMarket-sub000/pkg/logger"
)

func newTestManager(t *testing.T, capital string) *Manager {
	t.Helper()
	m, err := NewManager(decimal.RequireFromString(capital), logger.NewNop(), domrepo.NopMetrics{})
	require.NoError(t, err)
	return m
}

func TestNewManagerRejectsNonPositiveCapital(t *testing.T) {
	_, err := NewManager(decimal.Zero, logger.NewNop(), domrepo.NopMetrics{})
	require.Error(t, err)
}

func TestRequestWithinAvailable(t *testing.T) {
	m := newTestManager(t, "1000")

	id, ok := m.RequestAllocation("arb", decimal.RequireFromString("400"), models.PriorityNormal)
	require.True(t, ok)
	require.NotEmpty(t, id)

	st := m.Status()
	assert.True(t, st.LockedFunds.Equal(decimal.RequireFromString("400")))
	assert.True(t, st.AvailableFunds.Equal(decimal.RequireFromString("600")))
	assert.Equal(t, 1, st.OpenAllocations)
}

func TestRequestDeniedBeyondAvailable(t *testing.T) {
	m := newTestManager(t, "1000")

	_, ok := m.RequestAllocation("arb", decimal.RequireFromString("800"), models.PriorityNormal)
	require.True(t, ok)

	// 800 locked, only 200 unreserved left.
	id, ok := m.RequestAllocation("news", decimal.RequireFromString("201"), models.PriorityHigh)
	assert.False(t, ok)
	assert.Empty(t, id)

	_, ok = m.RequestAllocation("news", decimal.RequireFromString("200"), models.PriorityLow)
	assert.True(t, ok)
}

func TestRequestDeniedNonPositiveAmount(t *testing.T) {
	m := newTestManager(t, "1000")

	_, ok := m.RequestAllocation("arb", decimal.Zero, models.PriorityNormal)
	assert.False(t, ok)

	_, ok = m.RequestAllocation("arb", decimal.RequireFromString("-5"), models.PriorityNormal)
	assert.False(t, ok)
	assert.True(t, m.Status().LockedFunds.IsZero())
}

func TestReleaseFreesReservedNotSpent(t *testing.T) {
	m := newTestManager(t, "1000")

	id, ok := m.RequestAllocation("arb", decimal.RequireFromString("300"), models.PriorityNormal)
	require.True(t, ok)

	// Only 120 was actually spent, but the full 300 reservation comes back.
	freed, ok := m.ReleaseAllocation("arb", id, decimal.RequireFromString("120"))
	require.True(t, ok)
	assert.True(t, freed.Equal(decimal.RequireFromString("300")))

	st := m.Status()
	assert.True(t, st.LockedFunds.IsZero())
	assert.True(t, st.AvailableFunds.Equal(decimal.RequireFromString("1000")))
	assert.Zero(t, st.OpenAllocations)
}

func TestReleaseUnknownID(t *testing.T) {
	m := newTestManager(t, "1000")

	freed, ok := m.ReleaseAllocation("arb", "no-such-id", decimal.Zero)
	assert.False(t, ok)
	assert.True(t, freed.IsZero())

	id, _ := m.RequestAllocation("arb", decimal.RequireFromString("100"), models.PriorityNormal)
	_, ok = m.ReleaseAllocation("arb", id, decimal.Zero)
	require.True(t, ok)
	_, ok = m.ReleaseAllocation("arb", id, decimal.Zero)
	assert.False(t, ok, "double release must fail")
	assert.True(t, m.Status().LockedFunds.IsZero())
}

func TestConcurrentRequestsNeverOversubscribe(t *testing.T) {
	m := newTestManager(t, "150")

	var wg sync.WaitGroup
	granted := make(chan string, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if id, ok := m.RequestAllocation("racer", decimal.RequireFromString("100"), models.PriorityNormal); ok {
				granted <- id
			}
		}()
	}
	wg.Wait()
	close(granted)

	ids := make([]string, 0, 2)
	for id := range granted {
		ids = append(ids, id)
	}
	require.Len(t, ids, 1, "both requests together exceed capital")
	assert.True(t, m.Status().LockedFunds.Equal(decimal.RequireFromString("100")))
}

func TestConcurrentChurnConservesLedger(t *testing.T) {
	m := newTestManager(t, "1000")
	amount := decimal.RequireFromString("50")

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 25; j++ {
				id, ok := m.RequestAllocation("churn", amount, models.PriorityNormal)
				if ok {
					m.ReleaseAllocation("churn", id, amount)
				}
			}
		}()
	}
	wg.Wait()

	st := m.Status()
	assert.True(t, st.LockedFunds.IsZero(), "locked funds leaked: %s", st.LockedFunds)
	assert.True(t, st.AvailableFunds.Equal(decimal.RequireFromString("1000")))
	assert.Zero(t, st.OpenAllocations)
}

func TestLockedEqualsSumOfAllocations(t *testing.T) {
	m := newTestManager(t, "1000")

	var ids []string
	for i := 0; i < 5; i++ {
		id, ok := m.RequestAllocation("s1", decimal.RequireFromString("100"), models.PriorityNormal)
		require.True(t, ok)
		ids = append(ids, id)
	}
	id2, ok := m.RequestAllocation("s2", decimal.RequireFromString("250"), models.PriorityNormal)
	require.True(t, ok)

	st := m.Status()
	assert.True(t, st.LockedFunds.Equal(decimal.RequireFromString("750")))

	balances := m.Balances()
	require.Len(t, balances, 2)
	assert.Equal(t, "s1", balances[0].Strategy)
	assert.True(t, balances[0].Reserved.Equal(decimal.RequireFromString("500")))
	assert.Equal(t, 5, balances[0].Count)
	assert.True(t, balances[1].Reserved.Equal(decimal.RequireFromString("250")))

	m.ReleaseAllocation("s1", ids[0], decimal.Zero)
	m.ReleaseAllocation("s2", id2, decimal.Zero)
	assert.True(t, m.Status().LockedFunds.Equal(decimal.RequireFromString("400")))
}

func TestSyncCapital(t *testing.T) {
	m := newTestManager(t, "1000")

	_, ok := m.RequestAllocation("arb", decimal.RequireFromString("600"), models.PriorityNormal)
	require.True(t, ok)

	require.NoError(t, m.SyncCapital(decimal.RequireFromString("2000")))
	assert.True(t, m.Status().AvailableFunds.Equal(decimal.RequireFromString("1400")))

	err := m.SyncCapital(decimal.RequireFromString("500"))
	require.Error(t, err, "cannot shrink below locked funds")
	assert.True(t, m.Status().TotalCapital.Equal(decimal.RequireFromString("2000")))
}

func TestExactDecimalAccounting(t *testing.T) {
	m := newTestManager(t, "0.30")

	id1, ok := m.RequestAllocation("a", decimal.RequireFromString("0.10"), models.PriorityNormal)
	require.True(t, ok)
	id2, ok := m.RequestAllocation("a", decimal.RequireFromString("0.20"), models.PriorityNormal)
	require.True(t, ok)

	// Float arithmetic would leave dust here; the ledger must not.
	_, ok = m.RequestAllocation("a", decimal.RequireFromString("0.01"), models.PriorityNormal)
	assert.False(t, ok)

	m.ReleaseAllocation("a", id1, decimal.Zero)
	m.ReleaseAllocation("a", id2, decimal.Zero)
	assert.True(t, m.Status().AvailableFunds.Equal(decimal.RequireFromString("0.30")))
}
