package models

// Request bindings for the kernel HTTP endpoints.

type HotTokensRequest struct {
	MinSentiment float64 `query:"min_sentiment" json:"min_sentiment" default:"0.5" validate:"gte=0,lte=1"`
	MinWhale     float64 `query:"min_whale" json:"min_whale" default:"0.7" validate:"gte=0,lte=1"`
}

type SpreadSnapshotRequest struct {
	Limit     int `query:"limit" json:"limit" default:"20" validate:"gte=1,lte=500"`
	MaxAgeSec int `query:"max_age_sec" json:"max_age_sec" default:"300" validate:"gte=0,lte=86400"`
}

type AllowanceCheckRequest struct {
	TokenID     string  `query:"token_id" json:"token_id" validate:"required"`
	ConditionID string  `query:"condition_id" json:"condition_id"`
	Side        string  `query:"side" json:"side" default:"BUY" validate:"oneof=BUY SELL"`
	Size        float64 `query:"size" json:"size" validate:"required,gt=0"`
	MarketGroup string  `query:"market_group" json:"market_group"`
}
