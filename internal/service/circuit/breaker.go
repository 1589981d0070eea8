package circuit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/kangmunil/PredictionMarket-sub000/internal/domain/models"
	domrepo "github.com/kangmunil/PredictionMarket-sub000/internal/domain/repository"
	"github.com/kangmunil/PredictionMarket-sub000/pkg/logger"
)

var (
	// ErrOpen is returned without invoking the guarded call.
	ErrOpen = errors.New("circuit: open")
	// ErrCallTimeout is returned when the guarded call outlives CallTimeout.
	ErrCallTimeout = errors.New("circuit: call timeout")
)

const (
	defaultFailureThreshold = 5
	defaultSuccessThreshold = 2
	defaultRecoveryTimeout  = 60 * time.Second
)

// Config tunes one breaker. CallTimeout zero disables the per-call deadline.
type Config struct {
	FailureThreshold int
	SuccessThreshold int
	RecoveryTimeout  time.Duration
	CallTimeout      time.Duration
}

func (c Config) withDefaults() Config {
	if c.FailureThreshold == 0 {
		c.FailureThreshold = defaultFailureThreshold
	}
	if c.SuccessThreshold == 0 {
		c.SuccessThreshold = defaultSuccessThreshold
	}
	if c.RecoveryTimeout == 0 {
		c.RecoveryTimeout = defaultRecoveryTimeout
	}
	return c
}

func (c Config) validate() error {
	if c.FailureThreshold < 1 {
		return fmt.Errorf("failure threshold must be at least 1, got %d", c.FailureThreshold)
	}
	if c.SuccessThreshold < 1 {
		return fmt.Errorf("success threshold must be at least 1, got %d", c.SuccessThreshold)
	}
	if c.RecoveryTimeout <= 0 {
		return fmt.Errorf("recovery timeout must be positive, got %v", c.RecoveryTimeout)
	}
	if c.CallTimeout < 0 {
		return fmt.Errorf("call timeout cannot be negative, got %v", c.CallTimeout)
	}
	return nil
}

type Option func(*Breaker)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) {
		b.now = now
	}
}

// Breaker guards calls to one external dependency. CLOSED admits everything,
// OPEN rejects everything until the recovery window elapses, HALF_OPEN admits
// probes and closes again after enough consecutive successes.
type Breaker struct {
	name string
	cfg  Config

	mu              sync.Mutex
	state           models.CircuitState
	consecFailures  int
	consecSuccesses int
	openedAt        time.Time

	calls      int64
	successes  int64
	failures   int64
	rejections int64

	onTransition func(models.CircuitSnapshot)
	log          *logger.Logger
	metrics      domrepo.Metrics
	now          func() time.Time
}

// NewBreaker creates a breaker in the CLOSED state. Zero config fields take
// the package defaults.
func NewBreaker(name string, cfg Config, log *logger.Logger, m domrepo.Metrics, opts ...Option) (*Breaker, error) {
	if name == "" {
		return nil, errors.New("breaker name is required")
	}
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("breaker %s: %w", name, err)
	}

	b := &Breaker{
		name:    name,
		cfg:     cfg,
		state:   models.CircuitClosed,
		log:     log,
		metrics: m,
		now:     time.Now,
	}

	for _, opt := range opts {
		opt(b)
	}
	return b, nil
}

func (b *Breaker) Name() string { return b.name }

// Call runs fn under the breaker. Rejections return ErrOpen without invoking
// fn and count separately from failures.
func (b *Breaker) Call(ctx context.Context, fn func(context.Context) error) error {
	if err := b.admit(); err != nil {
		return err
	}

	start := b.now()
	err := b.invoke(ctx, fn)
	b.record(err)

	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	b.metrics.RecordCallDuration(b.name, b.now().Sub(start).Seconds(), outcome)
	return err
}

// Do runs a typed call under b. The zero value is returned on any error.
func Do[T any](ctx context.Context, b *Breaker, fn func(context.Context) (T, error)) (T, error) {
	var out T
	err := b.Call(ctx, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return out, nil
}

func (b *Breaker) admit() error {
	var snap *models.CircuitSnapshot

	b.mu.Lock()
	b.calls++
	if b.state == models.CircuitOpen {
		if b.now().Sub(b.openedAt) < b.cfg.RecoveryTimeout {
			b.rejections++
			b.mu.Unlock()
			b.metrics.RecordBreakerRejection(b.name)
			return ErrOpen
		}
		snap = b.toHalfOpen()
	}
	b.mu.Unlock()

	if snap != nil {
		b.notify(*snap)
	}
	return nil
}

func (b *Breaker) invoke(ctx context.Context, fn func(context.Context) error) error {
	if b.cfg.CallTimeout <= 0 {
		return fn(ctx)
	}

	cctx, cancel := context.WithTimeout(ctx, b.cfg.CallTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- fn(cctx)
	}()

	select {
	case err := <-done:
		return err
	case <-cctx.Done():
		if err := ctx.Err(); err != nil {
			return err
		}
		return ErrCallTimeout
	}
}

func (b *Breaker) record(err error) {
	var snap *models.CircuitSnapshot

	b.mu.Lock()
	if err != nil {
		b.failures++
		b.consecFailures++
		b.consecSuccesses = 0
		switch b.state {
		case models.CircuitClosed:
			if b.consecFailures >= b.cfg.FailureThreshold {
				snap = b.toOpen()
			}
		case models.CircuitHalfOpen:
			snap = b.toOpen()
		}
	} else {
		b.successes++
		b.consecSuccesses++
		b.consecFailures = 0
		if b.state == models.CircuitHalfOpen && b.consecSuccesses >= b.cfg.SuccessThreshold {
			snap = b.toClosed()
		}
	}
	b.mu.Unlock()

	if snap != nil {
		b.notify(*snap)
	}
}

// transition helpers run under b.mu and reset the consecutive counters.

func (b *Breaker) toOpen() *models.CircuitSnapshot {
	b.state = models.CircuitOpen
	b.openedAt = b.now()
	b.consecFailures = 0
	b.consecSuccesses = 0
	return b.transitioned()
}

func (b *Breaker) toHalfOpen() *models.CircuitSnapshot {
	b.state = models.CircuitHalfOpen
	b.consecFailures = 0
	b.consecSuccesses = 0
	return b.transitioned()
}

func (b *Breaker) toClosed() *models.CircuitSnapshot {
	b.state = models.CircuitClosed
	b.consecFailures = 0
	b.consecSuccesses = 0
	return b.transitioned()
}

func (b *Breaker) transitioned() *models.CircuitSnapshot {
	snap := b.snapshotLocked()
	b.metrics.RecordBreakerTransition(b.name, string(b.state))
	b.log.Info("breaker state changed",
		logger.String("dependency", b.name),
		logger.String("state", string(b.state)))
	return &snap
}

func (b *Breaker) notify(snap models.CircuitSnapshot) {
	if b.onTransition != nil {
		b.onTransition(snap)
	}
}

// Reset forces the breaker CLOSED, keeping the cumulative counters.
func (b *Breaker) Reset() {
	var snap *models.CircuitSnapshot

	b.mu.Lock()
	if b.state != models.CircuitClosed {
		snap = b.toClosed()
	} else {
		b.consecFailures = 0
		b.consecSuccesses = 0
	}
	b.mu.Unlock()

	if snap != nil {
		b.notify(*snap)
	}
}

func (b *Breaker) State() models.CircuitState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Breaker) Snapshot() models.CircuitSnapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.snapshotLocked()
}

func (b *Breaker) snapshotLocked() models.CircuitSnapshot {
	snap := models.CircuitSnapshot{
		Name:                 b.name,
		State:                b.state,
		ConsecutiveFailures:  b.consecFailures,
		ConsecutiveSuccesses: b.consecSuccesses,
		Calls:                b.calls,
		Successes:            b.successes,
		Failures:             b.failures,
		Rejections:           b.rejections,
	}
	if !b.openedAt.IsZero() {
		openedAt := b.openedAt
		snap.OpenedAt = &openedAt
	}
	return snap
}

// restore overwrites the breaker state from a persisted snapshot. Only called
// before the breaker takes traffic.
func (b *Breaker) restore(snap models.CircuitSnapshot) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch snap.State {
	case models.CircuitClosed, models.CircuitOpen, models.CircuitHalfOpen:
		b.state = snap.State
	default:
		return
	}
	b.consecFailures = snap.ConsecutiveFailures
	b.consecSuccesses = snap.ConsecutiveSuccesses
	b.calls = snap.Calls
	b.successes = snap.Successes
	b.failures = snap.Failures
	b.rejections = snap.Rejections
	if snap.OpenedAt != nil {
		b.openedAt = *snap.OpenedAt
	}
}
