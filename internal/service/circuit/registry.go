package circuit

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/kangmunil/PredictionMarket-sub000/internal/domain/models"
	domrepo "github.com/kangmunil/PredictionMarket-sub000/internal/domain/repository"
	"github.com/kangmunil/PredictionMarket-sub000/pkg/cache"
	"github.com/kangmunil/PredictionMarket-sub000/pkg/logger"
	"github.com/kangmunil/PredictionMarket-sub000/pkg/outbox"
)

const (
	circuitKeyPrefix   = "circuit"
	defaultSnapshotTTL = 24 * time.Hour
)

type RegistryOption func(*Registry)

// WithOutbox persists breaker transitions through the write-behind outbox.
func WithOutbox(ob *outbox.Outbox) RegistryOption {
	return func(r *Registry) {
		r.ob = ob
	}
}

// WithStore enables snapshot restore on startup.
func WithStore(store cache.Service) RegistryOption {
	return func(r *Registry) {
		r.store = store
	}
}

// WithSnapshotTTL bounds how long persisted snapshots outlive the process.
func WithSnapshotTTL(ttl time.Duration) RegistryOption {
	return func(r *Registry) {
		r.snapshotTTL = ttl
	}
}

// WithTransitionSink forwards every breaker transition to fn, after the
// breaker released its lock. Used to feed the audit journal.
func WithTransitionSink(fn func(models.CircuitSnapshot)) RegistryOption {
	return func(r *Registry) {
		r.transitionSink = fn
	}
}

// WithRegistryClock overrides the time source for every breaker it creates.
func WithRegistryClock(now func() time.Time) RegistryOption {
	return func(r *Registry) {
		r.now = now
	}
}

// Registry hands out one breaker per dependency name. Unknown names get the
// default config; overrides fill in per-dependency tuning.
type Registry struct {
	mu        sync.Mutex
	breakers  map[string]*Breaker
	defaults  Config
	overrides map[string]Config

	ob             *outbox.Outbox
	store          cache.Service
	snapshotTTL    time.Duration
	transitionSink func(models.CircuitSnapshot)
	log            *logger.Logger
	metrics        domrepo.Metrics
	now            func() time.Time
}

func NewRegistry(defaults Config, overrides map[string]Config, log *logger.Logger, m domrepo.Metrics, opts ...RegistryOption) (*Registry, error) {
	defaults = defaults.withDefaults()
	if err := defaults.validate(); err != nil {
		return nil, err
	}
	merged := make(map[string]Config, len(overrides))
	for name, o := range overrides {
		c := mergeConfig(defaults, o)
		if err := c.validate(); err != nil {
			return nil, err
		}
		merged[name] = c
	}

	r := &Registry{
		breakers:    make(map[string]*Breaker),
		defaults:    defaults,
		overrides:   merged,
		snapshotTTL: defaultSnapshotTTL,
		log:         log,
		metrics:     m,
		now:         time.Now,
	}

	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// mergeConfig lets an override specify only the fields it cares about.
func mergeConfig(base, o Config) Config {
	if o.FailureThreshold > 0 {
		base.FailureThreshold = o.FailureThreshold
	}
	if o.SuccessThreshold > 0 {
		base.SuccessThreshold = o.SuccessThreshold
	}
	if o.RecoveryTimeout > 0 {
		base.RecoveryTimeout = o.RecoveryTimeout
	}
	if o.CallTimeout > 0 {
		base.CallTimeout = o.CallTimeout
	}
	return base
}

// GetOrCreate returns the breaker for name, creating it on first use. Every
// caller naming the same dependency shares one breaker.
func (r *Registry) GetOrCreate(name string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if b, ok := r.breakers[name]; ok {
		return b
	}

	cfg := r.defaults
	if o, ok := r.overrides[name]; ok {
		cfg = o
	}

	b := &Breaker{
		name:    name,
		cfg:     cfg,
		state:   models.CircuitClosed,
		log:     r.log,
		metrics: r.metrics,
		now:     r.now,
	}
	b.onTransition = r.persistTransition
	r.breakers[name] = b
	return b
}

// Get returns an existing breaker without creating one.
func (r *Registry) Get(name string) (*Breaker, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.breakers[name]
	return b, ok
}

// All returns a snapshot of every registered breaker, sorted by name.
func (r *Registry) All() []models.CircuitSnapshot {
	r.mu.Lock()
	breakers := make([]*Breaker, 0, len(r.breakers))
	for _, b := range r.breakers {
		breakers = append(breakers, b)
	}
	r.mu.Unlock()

	out := make([]models.CircuitSnapshot, 0, len(breakers))
	for _, b := range breakers {
		out = append(out, b.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// persistTransition runs after the owning breaker released its lock.
func (r *Registry) persistTransition(snap models.CircuitSnapshot) {
	if r.ob != nil {
		r.ob.Enqueue(cache.GenerateKey(circuitKeyPrefix, snap.Name), snap, r.snapshotTTL)
	}
	if r.transitionSink != nil {
		r.transitionSink(snap)
	}
	r.metrics.SetOpenBreakers(r.countOpen())
}

func (r *Registry) countOpen() int {
	r.mu.Lock()
	breakers := make([]*Breaker, 0, len(r.breakers))
	for _, b := range r.breakers {
		breakers = append(breakers, b)
	}
	r.mu.Unlock()

	open := 0
	for _, b := range breakers {
		if b.State() == models.CircuitOpen {
			open++
		}
	}
	return open
}

// Restore rehydrates breaker state from persisted snapshots. Breakers that
// already exist keep their live state. Returns the number restored.
func (r *Registry) Restore(ctx context.Context) int {
	if r.store == nil {
		return 0
	}

	keys, err := r.store.Keys(ctx, cache.BuildPattern(circuitKeyPrefix))
	if err != nil {
		r.log.Warn("breaker restore: list keys failed", logger.Error(err))
		return 0
	}
	if len(keys) == 0 {
		return 0
	}

	stored, err := cache.MGetTyped[models.CircuitSnapshot](ctx, r.store, keys...)
	if err != nil {
		r.log.Warn("breaker restore: fetch failed", logger.Error(err))
		return 0
	}

	restored := 0
	for _, snap := range stored {
		if snap.Name == "" {
			continue
		}
		if _, exists := r.Get(snap.Name); exists {
			continue
		}
		r.GetOrCreate(snap.Name).restore(snap)
		restored++
	}

	r.metrics.SetOpenBreakers(r.countOpen())
	r.log.Info("circuit breakers restored", logger.Int("count", restored))
	return restored
}
