package delta

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/kangmunil/PredictionMarket-sub000/internal/domain/models"
	domrepo "github.com/kangmunil/PredictionMarket-sub000/internal/domain/repository"
	"github.com/kangmunil/PredictionMarket-sub000/pkg/logger"
)

const (
	// DefaultGroup buckets positions that never declared a market group.
	DefaultGroup = "DEFAULT"
	// UnspecifiedKey buckets fills that carry neither condition nor token id.
	UnspecifiedKey = "UNSPECIFIED"
)

// Limits bounds a group's absolute net delta. Zero means unconfigured.
type Limits struct {
	Hard float64
	Soft float64
}

// Config holds the default and per-group exposure limits.
type Config struct {
	Default Limits
	Groups  map[string]Limits
}

// MetricsSink receives per-token trading telemetry. Satisfied by the
// signal bus.
type MetricsSink interface {
	UpdateMarketMetrics(tokenID string, m models.MetricsUpdate)
}

type position struct {
	group         string
	longSize      float64
	longNotional  float64
	shortSize     float64
	shortNotional float64
	expiresAt     *time.Time
}

func (p *position) delta() float64 {
	return p.longSize - p.shortSize
}

type Option func(*Tracker)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) {
		t.now = now
	}
}

// Tracker maintains net directional exposure per market group and answers
// allowance checks against the configured limits. Group deltas are updated
// incrementally on every fill; nothing ever rescans the position book.
type Tracker struct {
	mu         sync.Mutex
	positions  map[string]*position
	groupDelta map[string]float64

	cfg     Config
	sink    MetricsSink
	log     *logger.Logger
	metrics domrepo.Metrics
	now     func() time.Time
}

// NewTracker creates an exposure tracker. sink may be nil when no signal bus
// is attached. A soft limit above its hard limit is a configuration error.
func NewTracker(cfg Config, sink MetricsSink, log *logger.Logger, m domrepo.Metrics, opts ...Option) (*Tracker, error) {
	if err := validateLimits("default", cfg.Default); err != nil {
		return nil, err
	}
	for name, l := range cfg.Groups {
		if err := validateLimits(name, l); err != nil {
			return nil, err
		}
	}

	t := &Tracker{
		positions:  make(map[string]*position),
		groupDelta: make(map[string]float64),
		cfg:        cfg,
		sink:       sink,
		log:        log,
		metrics:    m,
		now:        time.Now,
	}

	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

func validateLimits(name string, l Limits) error {
	if l.Hard < 0 || l.Soft < 0 {
		return fmt.Errorf("limits for %q cannot be negative", name)
	}
	if l.Hard > 0 && l.Soft > l.Hard {
		return fmt.Errorf("soft limit %v for %q exceeds hard limit %v", l.Soft, name, l.Hard)
	}
	return nil
}

// CheckAllowance is an advisory read: it reports whether the prospective
// trade fits the group's limits without reserving anything. The group is the
// request's explicit group, else the recorded position's group, else DEFAULT.
func (t *Tracker) CheckAllowance(req models.AllowanceRequest) models.Allowance {
	key := resolveKey(req.ConditionID, req.TokenID)

	t.mu.Lock()
	defer t.mu.Unlock()

	group := req.MarketGroup
	if group == "" {
		if pos, ok := t.positions[key]; ok {
			group = pos.group
		} else {
			group = DefaultGroup
		}
	}

	limits := t.limitsFor(group)
	current := t.groupDelta[group]
	signed := req.Size
	if req.Side == models.SideSell {
		signed = -req.Size
	}
	projected := current + signed

	res := models.Allowance{
		Allowed:        true,
		Group:          group,
		CurrentDelta:   current,
		ProjectedDelta: projected,
		HardLimit:      limits.Hard,
		SoftLimit:      limits.Soft,
	}

	if req.Size <= 0 {
		res.ProjectedDelta = current
		res.Reason = "non-positive size"
		t.metrics.RecordAdmission("delta", "granted")
		return res
	}

	if limits.Hard > 0 && math.Abs(projected) > limits.Hard {
		res.Allowed = false
		res.Reason = fmt.Sprintf("projected delta %.2f exceeds hard limit %.2f for group %s",
			projected, limits.Hard, group)
		t.metrics.RecordAdmission("delta", "denied")
		return res
	}

	if limits.Soft > 0 && math.Abs(projected) > limits.Soft {
		if math.Abs(projected) < math.Abs(current) {
			res.ReduceOnly = true
			res.Reason = fmt.Sprintf("soft limit %.2f breached for group %s, reduce-only",
				limits.Soft, group)
			t.metrics.RecordAdmission("delta", "reduce_only")
			return res
		}
		res.Allowed = false
		res.Reason = fmt.Sprintf("projected delta %.2f exceeds soft limit %.2f for group %s",
			projected, limits.Soft, group)
		t.metrics.RecordAdmission("delta", "denied")
		return res
	}

	t.metrics.RecordAdmission("delta", "granted")
	return res
}

// RecordTrade folds one fill into the position book. This is the only
// mutator: it adjusts the position's side totals, moves the position between
// groups when the fill declares a new one, and forwards the refreshed
// telemetry to the signal bus.
func (t *Tracker) RecordTrade(fill models.TradeFill) {
	if fill.Size <= 0 || fill.Price < 0 {
		t.log.Warn("ignoring degenerate fill",
			logger.String("token_id", fill.TokenID),
			logger.Float64("size", fill.Size),
			logger.Float64("price", fill.Price))
		return
	}

	key := resolveKey(fill.ConditionID, fill.TokenID)

	t.mu.Lock()
	pos, ok := t.positions[key]
	if !ok {
		pos = &position{group: DefaultGroup}
		t.positions[key] = pos
	}

	oldGroup := pos.group
	oldDelta := pos.delta()

	if fill.MarketGroup != "" {
		pos.group = fill.MarketGroup
	}
	if fill.Side == models.SideSell {
		pos.shortSize += fill.Size
		pos.shortNotional += fill.Size * fill.Price
	} else {
		pos.longSize += fill.Size
		pos.longNotional += fill.Size * fill.Price
	}
	if fill.ExpiresAt != nil {
		exp := *fill.ExpiresAt
		pos.expiresAt = &exp
	}

	newDelta := pos.delta()
	if pos.group == oldGroup {
		t.groupDelta[pos.group] += newDelta - oldDelta
	} else {
		t.groupDelta[oldGroup] -= oldDelta
		t.groupDelta[pos.group] += newDelta
	}

	group := pos.group
	groupTotal := t.groupDelta[group]
	movedFrom := ""
	movedTotal := 0.0
	if group != oldGroup {
		movedFrom = oldGroup
		movedTotal = t.groupDelta[oldGroup]
	}

	longAvg, shortAvg := 0.0, 0.0
	if pos.longSize > 0 {
		longAvg = pos.longNotional / pos.longSize
	}
	if pos.shortSize > 0 {
		shortAvg = pos.shortNotional / pos.shortSize
	}
	t.mu.Unlock()

	t.metrics.SetGroupDelta(group, groupTotal)
	if movedFrom != "" {
		t.metrics.SetGroupDelta(movedFrom, movedTotal)
	}
	t.log.Debug("trade recorded",
		logger.String("key", key),
		logger.String("group", group),
		logger.String("side", string(fill.Side)),
		logger.Float64("size", fill.Size),
		logger.Float64("price", fill.Price),
		logger.Float64("position_delta", newDelta),
		logger.Float64("group_delta", groupTotal))

	if t.sink == nil || fill.TokenID == "" {
		return
	}

	upd := models.MetricsUpdate{
		DeltaExposure: &newDelta,
		Metadata:      map[string]any{"market_group": group},
	}
	if longAvg > 0 {
		upd.LongAvgPrice = &longAvg
	}
	if shortAvg > 0 {
		upd.ShortAvgPrice = &shortAvg
	}
	if longAvg > 0 && shortAvg > 0 {
		if implied := shortAvg - longAvg; implied > 0 {
			upd.Spread = &implied
		}
	}
	if fill.ExpiresAt != nil {
		upd.ExpiresAt = fill.ExpiresAt
	}
	t.sink.UpdateMarketMetrics(fill.TokenID, upd)
}

// GroupDeltas returns a copy of the per-group net deltas.
func (t *Tracker) GroupDeltas() map[string]float64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make(map[string]float64, len(t.groupDelta))
	for g, d := range t.groupDelta {
		out[g] = d
	}
	return out
}

// Exposures reports every known group with its limits and position count,
// sorted by group name.
func (t *Tracker) Exposures() []models.GroupExposure {
	t.mu.Lock()
	counts := make(map[string]int)
	for _, pos := range t.positions {
		counts[pos.group]++
	}

	out := make([]models.GroupExposure, 0, len(t.groupDelta))
	for group, d := range t.groupDelta {
		limits := t.limitsFor(group)
		out = append(out, models.GroupExposure{
			Group:     group,
			Delta:     d,
			HardLimit: limits.Hard,
			SoftLimit: limits.Soft,
			Positions: counts[group],
		})
	}
	t.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Group < out[j].Group })
	return out
}

// PurgeExpired drops positions whose market has resolved, unwinding their
// contribution to the group deltas. Returns the number removed.
func (t *Tracker) PurgeExpired() int {
	now := t.now()

	t.mu.Lock()
	removed := 0
	touched := make(map[string]float64)
	for key, pos := range t.positions {
		if pos.expiresAt == nil || !pos.expiresAt.Before(now) {
			continue
		}
		t.groupDelta[pos.group] -= pos.delta()
		touched[pos.group] = t.groupDelta[pos.group]
		delete(t.positions, key)
		removed++
	}
	t.mu.Unlock()

	for group, d := range touched {
		t.metrics.SetGroupDelta(group, d)
	}
	if removed > 0 {
		t.log.Info("expired positions purged", logger.Int("count", removed))
	}
	return removed
}

func (t *Tracker) limitsFor(group string) Limits {
	if l, ok := t.cfg.Groups[group]; ok {
		return l
	}
	return t.cfg.Default
}

func resolveKey(conditionID, tokenID string) string {
	if conditionID != "" {
		return conditionID
	}
	if tokenID != "" {
		return tokenID
	}
	return UnspecifiedKey
}
