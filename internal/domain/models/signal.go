package models

import "time"

// SpreadRegime classifies how wide a market trades relative to its mid price.
type SpreadRegime string

const (
	RegimeEfficient   SpreadRegime = "EFFICIENT"
	RegimeNeutral     SpreadRegime = "NEUTRAL"
	RegimeInefficient SpreadRegime = "INEFFICIENT"
	RegimeUnknown     SpreadRegime = "UNKNOWN"
)

// ExpiryPhase buckets time remaining until market resolution.
type ExpiryPhase string

const (
	PhaseEndgame ExpiryPhase = "ENDGAME"
	PhaseLate    ExpiryPhase = "LATE"
	PhaseMid     ExpiryPhase = "MID"
	PhaseEarly   ExpiryPhase = "EARLY"
)

// MarketSignal is the merged per-token view assembled from intel feeds and
// trading telemetry. Each feed owns a disjoint slice of fields, so concurrent
// publishers never overwrite each other's contribution.
type MarketSignal struct {
	TokenID            string         `json:"token_id"`
	SentimentScore     float64        `json:"sentiment_score"`
	SentimentLabel     string         `json:"sentiment_label,omitempty"`
	NewsCount          int            `json:"news_count"`
	WhaleActivityScore float64        `json:"whale_activity_score"`
	RecentWhaleSide    string         `json:"recent_whale_side,omitempty"`
	IsVolatile         bool           `json:"is_volatile"`
	ArbOpportunity     bool           `json:"arb_opportunity"`
	DeltaExposure      float64        `json:"delta_exposure"`
	LongAvgPrice       float64        `json:"long_avg_price"`
	ShortAvgPrice      float64        `json:"short_avg_price"`
	MidPrice           float64        `json:"mid_price"`
	Spread             float64        `json:"spread"`
	SpreadBps          float64        `json:"spread_bps"`
	SpreadRegime       SpreadRegime   `json:"spread_regime"`
	ExpiresAt          *time.Time     `json:"expires_at,omitempty"`
	LastUpdated        time.Time      `json:"last_updated"`
	Metadata           map[string]any `json:"metadata,omitempty"`
}

// Clone returns a copy safe to hand outside the bus lock.
func (s *MarketSignal) Clone() MarketSignal {
	out := *s
	if s.ExpiresAt != nil {
		t := *s.ExpiresAt
		out.ExpiresAt = &t
	}
	if s.Metadata != nil {
		out.Metadata = make(map[string]any, len(s.Metadata))
		for k, v := range s.Metadata {
			out.Metadata[k] = v
		}
	}
	return out
}

// SignalSource identifies which feed produced an update.
type SignalSource string

const (
	SourceNews  SignalSource = "news"
	SourceWhale SignalSource = "whale"
	SourceArb   SignalSource = "arb"
)

// SignalUpdate is one feed's contribution to a MarketSignal. Implementations
// form a closed set; the bus merges each variant into its own fields only.
type SignalUpdate interface {
	Source() SignalSource
}

// NewsUpdate carries sentiment extracted from news coverage. Count is the
// number of articles folded into this update; zero counts as one.
type NewsUpdate struct {
	Score float64
	Label string
	Count int
}

func (NewsUpdate) Source() SignalSource { return SourceNews }

// WhaleUpdate carries large-order activity for a token.
type WhaleUpdate struct {
	Score float64
	Side  Side
}

func (WhaleUpdate) Source() SignalSource { return SourceWhale }

// ArbUpdate carries cross-market arbitrage observations.
type ArbUpdate struct {
	Volatile    bool
	Opportunity bool
}

func (ArbUpdate) Source() SignalSource { return SourceArb }

// MetricsUpdate carries trading-derived observations into the bus. Nil fields
// are absent, which is distinct from an explicit zero.
type MetricsUpdate struct {
	DeltaExposure *float64
	LongAvgPrice  *float64
	ShortAvgPrice *float64
	BestBid       *float64
	BestAsk       *float64
	MidPrice      *float64
	Spread        *float64
	ExpiresAt     *time.Time
	Metadata      map[string]any
}

// SpreadEntry is one row of the ranked spread snapshot.
type SpreadEntry struct {
	TokenID     string       `json:"token_id"`
	Spread      float64      `json:"spread"`
	SpreadBps   float64      `json:"spread_bps"`
	MidPrice    float64      `json:"mid_price"`
	Regime      SpreadRegime `json:"spread_regime"`
	LastUpdated time.Time    `json:"last_updated"`
}

// BookUpdate is a best bid/ask observation from the market data stream.
// Timestamp is unix milliseconds as reported by the venue.
type BookUpdate struct {
	TokenID   string  `json:"token_id"`
	BestBid   float64 `json:"best_bid"`
	BestAsk   float64 `json:"best_ask"`
	Timestamp int64   `json:"timestamp"`
}
