package signalbus

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/kangmunil/PredictionMarket-sub000/internal/domain/models"
	domrepo "github.com/kangmunil/PredictionMarket-sub000/internal/domain/repository"
	"github.com/kangmunil/PredictionMarket-sub000/pkg/cache"
	"github.com/kangmunil/PredictionMarket-sub000/pkg/logger"
	"github.com/kangmunil/PredictionMarket-sub000/pkg/outbox"
	"github.com/kangmunil/PredictionMarket-sub000/pkg/util"
)

const signalKeyPrefix = "signal"

// Config controls spread classification and persistence.
type Config struct {
	EfficientThreshold float64
	NeutralThreshold   float64
	PersistTTL         time.Duration
}

type Option func(*Bus)

// WithStore sets the durable store used to warm the bus on startup.
func WithStore(store cache.Service) Option {
	return func(b *Bus) {
		b.store = store
	}
}

// WithOutbox sets the side channel for best-effort persistence of mutations.
func WithOutbox(ob *outbox.Outbox) Option {
	return func(b *Bus) {
		b.ob = ob
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(b *Bus) {
		b.now = now
	}
}

// Bus is the shared market state store. All strategy processes read and write
// token signals through it; one mutex guards the whole record map so every
// merge is a single atomic read-modify-write.
type Bus struct {
	mu      sync.RWMutex
	signals map[string]*models.MarketSignal

	cfg     Config
	log     *logger.Logger
	metrics domrepo.Metrics
	store   cache.Service
	ob      *outbox.Outbox
	now     func() time.Time
}

// NewBus creates a signal bus. Zero thresholds fall back to 1% and 3% spread
// ratios; a non-increasing threshold pair is a configuration error.
func NewBus(cfg Config, log *logger.Logger, m domrepo.Metrics, opts ...Option) (*Bus, error) {
	if cfg.EfficientThreshold == 0 {
		cfg.EfficientThreshold = 0.01
	}
	if cfg.NeutralThreshold == 0 {
		cfg.NeutralThreshold = 0.03
	}
	if cfg.EfficientThreshold < 0 {
		return nil, fmt.Errorf("efficient threshold must be positive, got %v", cfg.EfficientThreshold)
	}
	if cfg.NeutralThreshold <= cfg.EfficientThreshold {
		return nil, fmt.Errorf("neutral threshold %v must exceed efficient threshold %v",
			cfg.NeutralThreshold, cfg.EfficientThreshold)
	}
	if cfg.PersistTTL == 0 {
		cfg.PersistTTL = 24 * time.Hour
	}

	b := &Bus{
		signals: make(map[string]*models.MarketSignal),
		cfg:     cfg,
		log:     log,
		metrics: m,
		now:     time.Now,
	}

	for _, opt := range opts {
		opt(b)
	}
	return b, nil
}

// ApplySignal merges one feed update into the token's record. Unknown tokens
// are created on first write.
func (b *Bus) ApplySignal(tokenID string, upd models.SignalUpdate) {
	if tokenID == "" || upd == nil {
		return
	}

	b.mu.Lock()
	rec := b.ensureLocked(tokenID)

	switch u := upd.(type) {
	case models.NewsUpdate:
		rec.SentimentScore = u.Score
		if u.Label != "" {
			rec.SentimentLabel = u.Label
		}
		count := u.Count
		if count < 1 {
			count = 1
		}
		rec.NewsCount += count
	case models.WhaleUpdate:
		rec.WhaleActivityScore = u.Score
		if u.Side != "" {
			rec.RecentWhaleSide = string(u.Side)
		}
	case models.ArbUpdate:
		rec.IsVolatile = u.Volatile
		rec.ArbOpportunity = u.Opportunity
	default:
		b.mu.Unlock()
		b.log.Warn("unknown signal update variant",
			logger.String("token_id", tokenID),
			logger.String("source", string(upd.Source())))
		return
	}

	b.stampLocked(rec)
	snapshot := rec.Clone()
	b.mu.Unlock()

	b.metrics.RecordSignalUpdate(string(upd.Source()))
	b.persist(&snapshot)
}

// UpdateMarketMetrics merges trading telemetry and recomputes the spread
// classification. Mid price prefers an explicit value, then fresh bid/ask,
// then the average of long/short fill prices.
func (b *Bus) UpdateMarketMetrics(tokenID string, m models.MetricsUpdate) {
	if tokenID == "" {
		return
	}

	b.mu.Lock()
	rec := b.ensureLocked(tokenID)

	if m.DeltaExposure != nil {
		rec.DeltaExposure = *m.DeltaExposure
	}
	if m.LongAvgPrice != nil {
		rec.LongAvgPrice = *m.LongAvgPrice
	}
	if m.ShortAvgPrice != nil {
		rec.ShortAvgPrice = *m.ShortAvgPrice
	}
	if m.MidPrice != nil {
		rec.MidPrice = *m.MidPrice
	}

	for k, v := range m.Metadata {
		rec.Metadata[k] = v
	}

	if m.ExpiresAt != nil {
		t := *m.ExpiresAt
		rec.ExpiresAt = &t
	} else if raw, ok := rec.Metadata["expires_at"]; ok {
		if t, ok := metadataExpiry(raw); ok {
			rec.ExpiresAt = &t
		}
	}

	hasQuote := m.BestBid != nil && m.BestAsk != nil
	if hasQuote {
		bid, ask := *m.BestBid, *m.BestAsk
		if bid > 0 && ask >= bid {
			rec.Spread = ask - bid
			if m.MidPrice == nil {
				rec.MidPrice = (bid + ask) / 2
			}
		}
	} else if m.Spread != nil {
		rec.Spread = *m.Spread
	}

	if rec.MidPrice == 0 && rec.LongAvgPrice > 0 && rec.ShortAvgPrice > 0 {
		rec.MidPrice = (rec.LongAvgPrice + rec.ShortAvgPrice) / 2
	}

	ratio := 0.0
	if rec.MidPrice > 0 && rec.Spread > 0 {
		ratio = rec.Spread / rec.MidPrice
	}
	rec.SpreadBps = ratio * 10000
	rec.SpreadRegime = b.classify(ratio)

	now := b.stampLocked(rec)
	if rec.ExpiresAt != nil {
		rec.Metadata["expiry_phase"] = string(expiryPhase(now, *rec.ExpiresAt))
	}

	snapshot := rec.Clone()
	b.mu.Unlock()

	b.metrics.RecordSignalUpdate("metrics")
	b.persist(&snapshot)
}

// GetSignal returns a copy of the token's record. Unknown tokens yield a
// zero-valued record rather than an error, and reads never create state.
func (b *Bus) GetSignal(tokenID string) models.MarketSignal {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if rec, ok := b.signals[tokenID]; ok {
		return rec.Clone()
	}
	return models.MarketSignal{TokenID: tokenID, SpreadRegime: models.RegimeUnknown}
}

// HotTokens returns tokens whose absolute sentiment or whale activity clears
// the given floor, hottest first.
func (b *Bus) HotTokens(minSentiment, minWhale float64) []models.MarketSignal {
	b.mu.RLock()
	out := make([]models.MarketSignal, 0)
	for _, rec := range b.signals {
		if math.Abs(rec.SentimentScore) >= minSentiment || rec.WhaleActivityScore >= minWhale {
			out = append(out, rec.Clone())
		}
	}
	b.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		si, sj := math.Abs(out[i].SentimentScore), math.Abs(out[j].SentimentScore)
		if si != sj {
			return si > sj
		}
		if out[i].WhaleActivityScore != out[j].WhaleActivityScore {
			return out[i].WhaleActivityScore > out[j].WhaleActivityScore
		}
		return out[i].TokenID < out[j].TokenID
	})
	return out
}

// SpreadSnapshot returns up to limit fresh spread entries ranked by regime
// severity, then spread width. maxAge <= 0 disables the freshness filter.
func (b *Bus) SpreadSnapshot(limit int, maxAge time.Duration) []models.SpreadEntry {
	now := b.now()

	b.mu.RLock()
	entries := make([]models.SpreadEntry, 0)
	for _, rec := range b.signals {
		if maxAge > 0 && now.Sub(rec.LastUpdated) > maxAge {
			continue
		}
		entries = append(entries, models.SpreadEntry{
			TokenID:     rec.TokenID,
			Spread:      rec.Spread,
			SpreadBps:   rec.SpreadBps,
			MidPrice:    rec.MidPrice,
			Regime:      rec.SpreadRegime,
			LastUpdated: rec.LastUpdated,
		})
	}
	b.mu.RUnlock()

	sort.Slice(entries, func(i, j int) bool {
		ri, rj := regimeRank(entries[i].Regime), regimeRank(entries[j].Regime)
		if ri != rj {
			return ri > rj
		}
		if entries[i].SpreadBps != entries[j].SpreadBps {
			return entries[i].SpreadBps > entries[j].SpreadBps
		}
		return entries[i].TokenID < entries[j].TokenID
	})

	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	return entries
}

// Size returns the number of tracked tokens.
func (b *Bus) Size() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.signals)
}

// Restore warms the bus from the durable store. Failures are logged and
// swallowed; an empty or unreachable store leaves the bus empty.
func (b *Bus) Restore(ctx context.Context) int {
	if b.store == nil {
		return 0
	}

	keys, err := b.store.Keys(ctx, cache.BuildPattern(signalKeyPrefix))
	if err != nil {
		b.log.Warn("signal restore: list keys failed", logger.Error(err))
		return 0
	}
	if len(keys) == 0 {
		return 0
	}

	stored, err := cache.MGetTyped[models.MarketSignal](ctx, b.store, keys...)
	if err != nil {
		b.log.Warn("signal restore: fetch failed", logger.Error(err))
		return 0
	}

	restored := 0
	b.mu.Lock()
	for _, sig := range stored {
		if sig.TokenID == "" {
			continue
		}
		if _, exists := b.signals[sig.TokenID]; exists {
			continue
		}
		cp := sig.Clone()
		if cp.Metadata == nil {
			cp.Metadata = make(map[string]any)
		}
		b.signals[cp.TokenID] = &cp
		restored++
	}
	b.mu.Unlock()

	b.log.Info("signal bus restored", logger.Int("tokens", restored))
	return restored
}

func (b *Bus) ensureLocked(tokenID string) *models.MarketSignal {
	rec, ok := b.signals[tokenID]
	if !ok {
		rec = &models.MarketSignal{
			TokenID:      tokenID,
			SpreadRegime: models.RegimeUnknown,
			Metadata:     make(map[string]any),
		}
		b.signals[tokenID] = rec
	}
	return rec
}

// stampLocked advances LastUpdated without ever moving it backwards.
func (b *Bus) stampLocked(rec *models.MarketSignal) time.Time {
	now := b.now()
	if now.After(rec.LastUpdated) {
		rec.LastUpdated = now
	}
	return now
}

func (b *Bus) classify(ratio float64) models.SpreadRegime {
	switch {
	case ratio <= 0:
		return models.RegimeUnknown
	case ratio < b.cfg.EfficientThreshold:
		return models.RegimeEfficient
	case ratio < b.cfg.NeutralThreshold:
		return models.RegimeNeutral
	default:
		return models.RegimeInefficient
	}
}

// persist hands the mutated record to the outbox. Runs outside the bus lock
// and never blocks; a full outbox means the write is skipped.
func (b *Bus) persist(rec *models.MarketSignal) {
	if b.ob == nil {
		return
	}
	b.ob.Enqueue(cache.GenerateKey(signalKeyPrefix, rec.TokenID), rec, b.cfg.PersistTTL)
}

func expiryPhase(now, expires time.Time) models.ExpiryPhase {
	left := expires.Sub(now)
	switch {
	case left < 15*time.Minute:
		return models.PhaseEndgame
	case left < time.Hour:
		return models.PhaseLate
	case left < 4*time.Hour:
		return models.PhaseMid
	default:
		return models.PhaseEarly
	}
}

func regimeRank(r models.SpreadRegime) int {
	switch r {
	case models.RegimeInefficient:
		return 3
	case models.RegimeEfficient:
		return 2
	case models.RegimeNeutral:
		return 1
	default:
		return 0
	}
}

func metadataExpiry(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, true
	case string:
		return util.ParseTime(t)
	}
	return time.Time{}, false
}
