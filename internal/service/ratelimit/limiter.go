package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/kangmunil/PredictionMarket-sub000/internal/domain/models"
	domrepo "github.com/kangmunil/PredictionMarket-sub000/internal/domain/repository"
	"github.com/kangmunil/PredictionMarket-sub000/pkg/logger"
)

// ErrWaitTimeout is returned when no slot frees up within the caller's
// patience budget.
var ErrWaitTimeout = errors.New("ratelimit: wait timeout")

const (
	waitBackoffBase = 50 * time.Millisecond
	waitBackoffCap  = time.Second
)

// ClassConfig caps one request class at MaxRequests per sliding Window.
type ClassConfig struct {
	MaxRequests int
	Window      time.Duration
}

func (c ClassConfig) validate(name string) error {
	if c.MaxRequests < 1 {
		return fmt.Errorf("class %q: max requests must be at least 1, got %d", name, c.MaxRequests)
	}
	if c.Window <= 0 {
		return fmt.Errorf("class %q: window must be positive, got %v", name, c.Window)
	}
	return nil
}

type Option func(*Limiter)

// WithClock overrides the time source for admission decisions. AcquireWait
// still sleeps on the wall clock.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) {
		l.now = now
	}
}

// Limiter enforces sliding-window request quotas per class. Classes without
// explicit config get the default quota on a window of their own.
type Limiter struct {
	mu      sync.Mutex
	def     ClassConfig
	classes map[string]ClassConfig
	windows map[string][]time.Time

	log     *logger.Logger
	metrics domrepo.Metrics
	now     func() time.Time
}

func New(def ClassConfig, classes map[string]ClassConfig, log *logger.Logger, m domrepo.Metrics, opts ...Option) (*Limiter, error) {
	if err := def.validate("default"); err != nil {
		return nil, err
	}
	for name, c := range classes {
		if err := c.validate(name); err != nil {
			return nil, err
		}
	}

	l := &Limiter{
		def:     def,
		classes: classes,
		windows: make(map[string][]time.Time),
		log:     log,
		metrics: m,
		now:     time.Now,
	}

	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// Acquire consumes one slot in the class window if one is free. Denials do
// not consume anything.
func (l *Limiter) Acquire(class string) bool {
	l.mu.Lock()
	cfg := l.configFor(class)
	now := l.now()
	win := l.pruneLocked(class, cfg, now)
	if len(win) >= cfg.MaxRequests {
		l.windows[class] = win
		l.mu.Unlock()
		l.metrics.RecordAdmission("ratelimit", "denied")
		return false
	}
	l.windows[class] = append(win, now)
	l.mu.Unlock()

	l.metrics.RecordAdmission("ratelimit", "granted")
	return true
}

// AcquireWait retries Acquire with doubling backoff until a slot frees, the
// context ends, or maxWait elapses.
func (l *Limiter) AcquireWait(ctx context.Context, class string, maxWait time.Duration) error {
	deadline := l.now().Add(maxWait)
	backoff := waitBackoffBase
	for {
		if l.Acquire(class) {
			return nil
		}

		remaining := deadline.Sub(l.now())
		if remaining <= 0 {
			l.log.Debug("rate wait exhausted",
				logger.String("class", class),
				logger.Duration("max_wait", maxWait))
			return ErrWaitTimeout
		}
		sleep := backoff
		if sleep > remaining {
			sleep = remaining
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(sleep):
		}

		backoff *= 2
		if backoff > waitBackoffCap {
			backoff = waitBackoffCap
		}
	}
}

// CurrentRate reports the live consumption of one class window.
func (l *Limiter) CurrentRate(class string) models.RateUsage {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.usageLocked(class, l.now())
}

// Usages lists every configured or observed class, sorted by name.
func (l *Limiter) Usages() []models.RateUsage {
	l.mu.Lock()
	names := make(map[string]struct{}, len(l.classes)+len(l.windows))
	for name := range l.classes {
		names[name] = struct{}{}
	}
	for name := range l.windows {
		names[name] = struct{}{}
	}

	now := l.now()
	out := make([]models.RateUsage, 0, len(names))
	for name := range names {
		out = append(out, l.usageLocked(name, now))
	}
	l.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Class < out[j].Class })
	return out
}

func (l *Limiter) usageLocked(class string, now time.Time) models.RateUsage {
	cfg := l.configFor(class)
	win := l.pruneLocked(class, cfg, now)
	l.windows[class] = win

	windowSecs := cfg.Window.Seconds()
	return models.RateUsage{
		Class:         class,
		Count:         len(win),
		MaxRequests:   cfg.MaxRequests,
		WindowSeconds: windowSecs,
		Utilization:   float64(len(win)) / float64(cfg.MaxRequests),
		PerSecond:     float64(len(win)) / windowSecs,
	}
}

// pruneLocked drops timestamps that slid out of the window.
func (l *Limiter) pruneLocked(class string, cfg ClassConfig, now time.Time) []time.Time {
	win := l.windows[class]
	cutoff := now.Add(-cfg.Window)
	i := 0
	for ; i < len(win); i++ {
		if win[i].After(cutoff) {
			break
		}
	}
	return win[i:]
}

func (l *Limiter) configFor(class string) ClassConfig {
	if c, ok := l.classes[class]; ok {
		return c
	}
	return l.def
}
