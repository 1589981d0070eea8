package usecase

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/kangmunil/PredictionMarket-sub000/internal/domain/models"
	domrepo "github.com/kangmunil/PredictionMarket-sub000/internal/domain/repository"
	"github.com/kangmunil/PredictionMarket-sub000/internal/service/budget"
	"github.com/kangmunil/PredictionMarket-sub000/internal/service/circuit"
	"github.com/kangmunil/PredictionMarket-sub000/internal/service/delta"
	"github.com/kangmunil/PredictionMarket-sub000/internal/service/ratelimit"
	"github.com/kangmunil/PredictionMarket-sub000/internal/service/risk"
	"github.com/kangmunil/PredictionMarket-sub000/pkg/logger"
)

// Stages a trade attempt can end at.
const (
	StageRisk      = "risk"
	StageExposure  = "exposure"
	StageBudget    = "budget"
	StageRate      = "rate"
	StageExecution = "execution"
	StageExecuted  = "executed"
)

// ExecuteFunc places the order against the venue and returns the fill. A nil
// fill with nil error means the order filled exactly as requested.
type ExecuteFunc func(ctx context.Context) (*models.TradeFill, error)

// TradeRequest describes one prospective trade. Size zero asks the risk
// manager to size the position from ProbWin and Price; an explicit Size
// skips sizing but still honors the daily-loss breaker.
type TradeRequest struct {
	Strategy    string
	TokenID     string
	ConditionID string
	MarketGroup string
	Side        models.Side
	Size        float64
	Price       float64
	ProbWin     float64
	Volatility  float64
	Priority    models.Priority
	ExpiresAt   *time.Time
}

// TradeResult reports where an attempt ended and why. Denials are results,
// not errors.
type TradeResult struct {
	Executed     bool
	Stage        string
	Reason       string
	Size         float64
	AllocationID string
	Allowance    models.Allowance
	Fill         *models.TradeFill
}

// TradeGateway runs the full admission chain for one trade: size, exposure
// gate, capital reservation, rate slot, guarded execution, fill recording,
// reservation release, journaling.
type TradeGateway struct {
	risk     *risk.Manager
	delta    *delta.Tracker
	budget   *budget.Manager
	registry *circuit.Registry
	limiter  *ratelimit.Limiter
	journal  *JournalProcessor
	log      *logger.Logger
	metrics  domrepo.Metrics

	dependency string
	orderClass string
	maxWait    time.Duration
}

func NewTradeGateway(
	riskMgr *risk.Manager,
	tracker *delta.Tracker,
	budgetMgr *budget.Manager,
	registry *circuit.Registry,
	limiter *ratelimit.Limiter,
	journal *JournalProcessor,
	log *logger.Logger,
	metrics domrepo.Metrics,
	dependency, orderClass string,
	maxWait time.Duration,
) *TradeGateway {
	if dependency == "" {
		dependency = "clob"
	}
	if orderClass == "" {
		orderClass = "order_create"
	}
	if maxWait <= 0 {
		maxWait = 5 * time.Second
	}
	return &TradeGateway{
		risk:       riskMgr,
		delta:      tracker,
		budget:     budgetMgr,
		registry:   registry,
		limiter:    limiter,
		journal:    journal,
		log:        log,
		metrics:    metrics,
		dependency: dependency,
		orderClass: orderClass,
		maxWait:    maxWait,
	}
}

// Attempt runs the admission chain and, if every gate passes, executes via
// exec. Denials return (result, nil); execution and context errors return
// the result alongside the error, with the reservation already released.
func (g *TradeGateway) Attempt(ctx context.Context, req TradeRequest, exec ExecuteFunc) (*TradeResult, error) {
	// Stage 1: position sizing and the daily-loss breaker.
	shares := req.Size
	if shares <= 0 {
		usd := g.risk.CalculateSize(req.ProbWin, req.Price, req.MarketGroup, req.Volatility)
		if usd <= 0 || req.Price <= 0 {
			return g.deny(req, StageRisk, "risk sizing returned zero"), nil
		}
		shares = usd / req.Price
	} else if g.risk.BreakerActive() {
		return g.deny(req, StageRisk, "daily loss breaker active"), nil
	}

	// Stage 2: group exposure.
	allowance := g.delta.CheckAllowance(models.AllowanceRequest{
		TokenID:     req.TokenID,
		ConditionID: req.ConditionID,
		Side:        req.Side,
		Size:        shares,
		MarketGroup: req.MarketGroup,
	})
	if !allowance.Allowed {
		res := g.deny(req, StageExposure, allowance.Reason)
		res.Allowance = allowance
		return res, nil
	}

	// Stage 3: capital reservation.
	notional := decimal.NewFromFloat(shares).Mul(decimal.NewFromFloat(req.Price))
	allocID, ok := g.budget.RequestAllocation(req.Strategy, notional, req.Priority)
	if !ok {
		res := g.deny(req, StageBudget, "insufficient free capital")
		res.Allowance = allowance
		return res, nil
	}

	// Stage 4: order rate slot. From here on the reservation must be
	// released on every exit path.
	if err := g.limiter.AcquireWait(ctx, g.orderClass, g.maxWait); err != nil {
		g.budget.ReleaseAllocation(req.Strategy, allocID, decimal.Zero)
		if errors.Is(err, ratelimit.ErrWaitTimeout) {
			res := g.deny(req, StageRate, "order rate budget exhausted")
			res.Allowance = allowance
			return res, nil
		}
		res := &TradeResult{Stage: StageRate, Reason: err.Error(), Size: shares, Allowance: allowance}
		return res, err
	}

	// Stage 5: guarded execution.
	breaker := g.registry.GetOrCreate(g.dependency)
	fill, err := circuit.Do(ctx, breaker, exec)
	if err != nil {
		g.budget.ReleaseAllocation(req.Strategy, allocID, decimal.Zero)
		g.journalEvent(models.JournalTradeFailed, req, shares, allocID, notional, StageExecution, err.Error())
		g.metrics.RecordAdmission("gateway", "failed")
		g.log.Warn("trade execution failed",
			logger.String("strategy", req.Strategy),
			logger.String("token_id", req.TokenID),
			logger.Error(err))
		res := &TradeResult{Stage: StageExecution, Reason: err.Error(), Size: shares, AllocationID: allocID, Allowance: allowance}
		return res, err
	}
	if fill == nil {
		fill = &models.TradeFill{
			TokenID:     req.TokenID,
			ConditionID: req.ConditionID,
			Side:        req.Side,
			Size:        shares,
			Price:       req.Price,
			MarketGroup: req.MarketGroup,
			ExpiresAt:   req.ExpiresAt,
		}
	}

	// Stage 6: record the fill and release the reservation.
	g.delta.RecordTrade(*fill)
	spent := decimal.NewFromFloat(fill.Size).Mul(decimal.NewFromFloat(fill.Price))
	g.budget.ReleaseAllocation(req.Strategy, allocID, spent)

	g.journalEvent(models.JournalTradeExecuted, req, fill.Size, allocID, spent, StageExecuted, "")
	g.metrics.RecordAdmission("gateway", "executed")
	g.log.Debug("trade executed",
		logger.String("strategy", req.Strategy),
		logger.String("token_id", fill.TokenID),
		logger.String("side", string(fill.Side)),
		logger.Float64("size", fill.Size),
		logger.Float64("price", fill.Price))

	return &TradeResult{
		Executed:     true,
		Stage:        StageExecuted,
		Size:         fill.Size,
		AllocationID: allocID,
		Allowance:    allowance,
		Fill:         fill,
	}, nil
}

func (g *TradeGateway) deny(req TradeRequest, stage, reason string) *TradeResult {
	g.journalEvent(models.JournalTradeDenied, req, req.Size, "", decimal.Zero, stage, reason)
	g.metrics.RecordAdmission("gateway", "denied")
	g.log.Debug("trade denied",
		logger.String("strategy", req.Strategy),
		logger.String("token_id", req.TokenID),
		logger.String("stage", stage),
		logger.String("reason", reason))
	return &TradeResult{Stage: stage, Reason: reason}
}

func (g *TradeGateway) journalEvent(evType string, req TradeRequest, size float64, allocID string, amount decimal.Decimal, stage, reason string) {
	if g.journal == nil {
		return
	}
	g.journal.Enqueue(&models.JournalEvent{
		Type:         evType,
		At:           time.Now(),
		Strategy:     req.Strategy,
		TokenID:      req.TokenID,
		MarketGroup:  req.MarketGroup,
		Side:         string(req.Side),
		Size:         size,
		Price:        req.Price,
		AllocationID: allocID,
		Amount:       amount.String(),
		Stage:        stage,
		Reason:       reason,
	})
}
