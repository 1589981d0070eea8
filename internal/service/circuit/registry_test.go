package circuit

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kangmunil/PredictionMarket-sub000/internal/domain/models"
	domrepo "github.com/kangmunil/PredictionMarket-sub000/internal/domain/repository"
	"github.com/kangmunil/PredictionMarket-sub000/pkg/cache"
	"github.com/kangmunil/PredictionMarket-sub000/pkg/logger"
	"github.com/kangmunil/PredictionMarket-sub000/pkg/outbox"
)

func newTestRegistry(t *testing.T, defaults Config, overrides map[string]Config, opts ...RegistryOption) *Registry {
	t.Helper()
	reg, err := NewRegistry(defaults, overrides, logger.NewNop(), domrepo.NopMetrics{}, opts...)
	require.NoError(t, err)
	return reg
}

func TestRegistrySharesBreakersByName(t *testing.T) {
	reg := newTestRegistry(t, Config{}, nil)

	a := reg.GetOrCreate("clob")
	b := reg.GetOrCreate("clob")
	assert.Same(t, a, b)

	c := reg.GetOrCreate("kafka")
	assert.NotSame(t, a, c)

	_, ok := reg.Get("never")
	assert.False(t, ok)
}

func TestRegistryOverridesInheritDefaults(t *testing.T) {
	reg := newTestRegistry(t,
		Config{FailureThreshold: 5, SuccessThreshold: 2, RecoveryTimeout: time.Minute},
		map[string]Config{"flaky": {FailureThreshold: 1}},
	)

	ctx := context.Background()

	flaky := reg.GetOrCreate("flaky")
	require.Error(t, flaky.Call(ctx, failCall))
	assert.Equal(t, models.CircuitOpen, flaky.State())

	steady := reg.GetOrCreate("steady")
	require.Error(t, steady.Call(ctx, failCall))
	assert.Equal(t, models.CircuitClosed, steady.State())
}

func TestRegistryRejectsBadOverride(t *testing.T) {
	_, err := NewRegistry(Config{}, map[string]Config{"bad": {CallTimeout: -time.Second}}, logger.NewNop(), domrepo.NopMetrics{})
	assert.Error(t, err)
}

func TestRegistryAllSorted(t *testing.T) {
	reg := newTestRegistry(t, Config{FailureThreshold: 1, SuccessThreshold: 1, RecoveryTimeout: time.Minute}, nil)

	reg.GetOrCreate("kafka")
	reg.GetOrCreate("clob")
	require.Error(t, reg.GetOrCreate("clickhouse").Call(context.Background(), failCall))

	snaps := reg.All()
	require.Len(t, snaps, 3)
	assert.Equal(t, "clickhouse", snaps[0].Name)
	assert.Equal(t, models.CircuitOpen, snaps[0].State)
	assert.Equal(t, "clob", snaps[1].Name)
	assert.Equal(t, "kafka", snaps[2].Name)
}

func TestRegistryPersistAndRestore(t *testing.T) {
	store := cache.NewMemoryCache()
	t.Cleanup(func() { _ = store.Close() })

	ob := outbox.New(store, logger.NewNop())
	ob.Start()

	trippedAt := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	defaults := Config{FailureThreshold: 1, SuccessThreshold: 1, RecoveryTimeout: time.Minute}

	reg := newTestRegistry(t, defaults, nil,
		WithOutbox(ob),
		WithRegistryClock(func() time.Time { return trippedAt }),
	)
	require.Error(t, reg.GetOrCreate("clob").Call(context.Background(), failCall))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, ob.Stop(ctx))

	// A restart shortly after the trip keeps rejecting.
	early := newTestRegistry(t, defaults, nil,
		WithStore(store),
		WithRegistryClock(func() time.Time { return trippedAt.Add(30 * time.Second) }),
	)
	assert.Equal(t, 1, early.Restore(context.Background()))

	b, ok := early.Get("clob")
	require.True(t, ok)
	assert.Equal(t, models.CircuitOpen, b.State())
	assert.ErrorIs(t, b.Call(context.Background(), okCall), ErrOpen)

	// A restart past the recovery window admits a probe again.
	late := newTestRegistry(t, defaults, nil,
		WithStore(store),
		WithRegistryClock(func() time.Time { return trippedAt.Add(2 * time.Minute) }),
	)
	assert.Equal(t, 1, late.Restore(context.Background()))

	b, ok = late.Get("clob")
	require.True(t, ok)
	require.NoError(t, b.Call(context.Background(), okCall))
	assert.Equal(t, models.CircuitClosed, b.State())
}

func TestRegistryTransitionSink(t *testing.T) {
	var seen []models.CircuitSnapshot
	reg := newTestRegistry(t,
		Config{FailureThreshold: 1, SuccessThreshold: 1, RecoveryTimeout: time.Minute},
		nil,
		WithTransitionSink(func(snap models.CircuitSnapshot) { seen = append(seen, snap) }),
	)

	b := reg.GetOrCreate("clob")
	require.Error(t, b.Call(context.Background(), failCall))
	b.Reset()

	require.Len(t, seen, 2)
	assert.Equal(t, "clob", seen[0].Name)
	assert.Equal(t, models.CircuitOpen, seen[0].State)
	assert.Equal(t, models.CircuitClosed, seen[1].State)
}

func TestRestoreSkipsLiveBreakers(t *testing.T) {
	store := cache.NewMemoryCache()
	t.Cleanup(func() { _ = store.Close() })

	raw, err := json.Marshal(models.CircuitSnapshot{Name: "clob", State: models.CircuitOpen})
	require.NoError(t, err)
	require.NoError(t, store.Set(context.Background(), "circuit:clob", string(raw), time.Hour))

	reg := newTestRegistry(t, Config{}, nil, WithStore(store))
	live := reg.GetOrCreate("clob")

	assert.Equal(t, 0, reg.Restore(context.Background()))
	assert.Equal(t, models.CircuitClosed, live.State())
}
