package api

import (
	"time"

	"github.com/labstack/echo/v4"

	models "github.com/kangmunil/PredictionMarket-sub000/internal/domain/models"
	"github.com/kangmunil/PredictionMarket-sub000/internal/service/budget"
	icache "github.com/kangmunil/PredictionMarket-sub000/internal/service/cache"
	"github.com/kangmunil/PredictionMarket-sub000/internal/service/circuit"
	"github.com/kangmunil/PredictionMarket-sub000/internal/service/delta"
	"github.com/kangmunil/PredictionMarket-sub000/internal/service/ratelimit"
	"github.com/kangmunil/PredictionMarket-sub000/internal/service/risk"
	"github.com/kangmunil/PredictionMarket-sub000/internal/service/signalbus"
	"github.com/kangmunil/PredictionMarket-sub000/pkg/cache"
	xhttp "github.com/kangmunil/PredictionMarket-sub000/pkg/http"
	xlogger "github.com/kangmunil/PredictionMarket-sub000/pkg/logger"
)

const defaultSpreadCacheTTL = 2 * time.Second

// KernelHandler exposes the kernel's read surfaces over HTTP plus a manual
// breaker reset for operators.
type KernelHandler struct {
	log      *xlogger.Logger
	bus      *signalbus.Bus
	budget   *budget.Manager
	tracker  *delta.Tracker
	registry *circuit.Registry
	limiter  *ratelimit.Limiter
	risk     *risk.Manager

	snapshots   *icache.TTLCache[[]models.SpreadEntry]
	snapshotTTL time.Duration
}

func NewKernelHandler(
	log *xlogger.Logger,
	bus *signalbus.Bus,
	budgetMgr *budget.Manager,
	tracker *delta.Tracker,
	registry *circuit.Registry,
	limiter *ratelimit.Limiter,
	riskMgr *risk.Manager,
	snapshotTTL time.Duration,
) *KernelHandler {
	if snapshotTTL <= 0 {
		snapshotTTL = defaultSpreadCacheTTL
	}
	return &KernelHandler{
		log:         log,
		bus:         bus,
		budget:      budgetMgr,
		tracker:     tracker,
		registry:    registry,
		limiter:     limiter,
		risk:        riskMgr,
		snapshots:   icache.NewTTLCache[[]models.SpreadEntry](),
		snapshotTTL: snapshotTTL,
	}
}

func (h *KernelHandler) RegisterRoutes(e *echo.Echo) {
	e.GET("/healthz", h.Health)

	g := e.Group("/api")
	g.GET("/signals/hot", h.HotTokens)
	g.GET("/signals/:token", h.Signal)
	g.GET("/spreads", h.Spreads)
	g.GET("/exposure", h.Exposure)
	g.GET("/exposure/check", h.CheckAllowance)
	g.GET("/budget", h.Budget)
	g.GET("/budget/balances", h.Balances)
	g.GET("/risk", h.Risk)
	g.GET("/breakers", h.Breakers)
	g.POST("/breakers/:name/reset", h.ResetBreaker)
	g.GET("/rates", h.Rates)
}

func (h *KernelHandler) Signal(c echo.Context) error {
	token := c.Param("token")
	if token == "" {
		return xhttp.AppErrorResponse(c, xhttp.BadRequestErrorf("token required"))
	}
	return xhttp.SuccessResponse(c, h.bus.GetSignal(token))
}

func (h *KernelHandler) HotTokens(c echo.Context) error {
	req := &models.HotTokensRequest{}
	if verr := xhttp.ReadAndValidateRequest(c, req); verr != nil {
		return xhttp.BadRequestResponse(c, verr)
	}
	rows := h.bus.HotTokens(req.MinSentiment, req.MinWhale)
	return xhttp.ListResponse(c, rows, int64(len(rows)))
}

func (h *KernelHandler) Spreads(c echo.Context) error {
	req := &models.SpreadSnapshotRequest{}
	if verr := xhttp.ReadAndValidateRequest(c, req); verr != nil {
		return xhttp.BadRequestResponse(c, verr)
	}

	// Spread ranking walks every token; short-lived cache absorbs dashboard
	// polling.
	key := cache.GenerateKeyWithParams("spreads", req.Limit, req.MaxAgeSec)
	if rows, ok := h.snapshots.Get(key); ok {
		return xhttp.ListResponse(c, rows, int64(len(rows)))
	}

	rows := h.bus.SpreadSnapshot(req.Limit, time.Duration(req.MaxAgeSec)*time.Second)
	h.snapshots.Set(key, rows, h.snapshotTTL)
	return xhttp.ListResponse(c, rows, int64(len(rows)))
}

func (h *KernelHandler) Exposure(c echo.Context) error {
	rows := h.tracker.Exposures()
	return xhttp.ListResponse(c, rows, int64(len(rows)))
}

// CheckAllowance is a dry run of the exposure gate. It never mutates
// tracked positions, so strategies can probe before committing an order.
func (h *KernelHandler) CheckAllowance(c echo.Context) error {
	req := &models.AllowanceCheckRequest{}
	if verr := xhttp.ReadAndValidateRequest(c, req); verr != nil {
		return xhttp.BadRequestResponse(c, verr)
	}
	res := h.tracker.CheckAllowance(models.AllowanceRequest{
		TokenID:     req.TokenID,
		ConditionID: req.ConditionID,
		Side:        models.Side(req.Side),
		Size:        req.Size,
		MarketGroup: req.MarketGroup,
	})
	return xhttp.SuccessResponse(c, res)
}

func (h *KernelHandler) Budget(c echo.Context) error {
	return xhttp.SuccessResponse(c, h.budget.Status())
}

func (h *KernelHandler) Balances(c echo.Context) error {
	rows := h.budget.Balances()
	return xhttp.ListResponse(c, rows, int64(len(rows)))
}

func (h *KernelHandler) Risk(c echo.Context) error {
	return xhttp.SuccessResponse(c, h.risk.Status())
}

func (h *KernelHandler) Breakers(c echo.Context) error {
	rows := h.registry.All()
	return xhttp.ListResponse(c, rows, int64(len(rows)))
}

func (h *KernelHandler) ResetBreaker(c echo.Context) error {
	name := c.Param("name")
	b, ok := h.registry.Get(name)
	if !ok {
		return xhttp.AppErrorResponse(c, xhttp.NotFoundErrorf("breaker %q not found", name))
	}
	b.Reset()
	h.log.Info("breaker reset via api", xlogger.String("breaker", name))
	return xhttp.SuccessResponse(c, b.Snapshot())
}

func (h *KernelHandler) Rates(c echo.Context) error {
	rows := h.limiter.Usages()
	return xhttp.ListResponse(c, rows, int64(len(rows)))
}

func (h *KernelHandler) Health(c echo.Context) error {
	return xhttp.SuccessResponse(c, map[string]interface{}{
		"status": "ok",
		"tokens": h.bus.Size(),
	})
}
