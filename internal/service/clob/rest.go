package clob

import (
	"context"
	"fmt"
	"time"

	"github.com/kangmunil/PredictionMarket-sub000/internal/domain/models"
	"github.com/kangmunil/PredictionMarket-sub000/internal/service/circuit"
	"github.com/kangmunil/PredictionMarket-sub000/internal/service/ratelimit"
	xhttp "github.com/kangmunil/PredictionMarket-sub000/pkg/http"
	"github.com/kangmunil/PredictionMarket-sub000/pkg/logger"
	"github.com/kangmunil/PredictionMarket-sub000/pkg/util"
)

const (
	restAPIClass   = "api"
	restAPIMaxWait = 2 * time.Second
)

// RestClient fetches book snapshots over the CLOB REST surface, guarded by
// the shared dependency breaker and the api rate class.
type RestClient struct {
	baseURL string
	client  *xhttp.Client
	breaker *circuit.Breaker
	limiter *ratelimit.Limiter
	log     *logger.Logger
}

func NewRestClient(baseURL string, breaker *circuit.Breaker, limiter *ratelimit.Limiter, log *logger.Logger) *RestClient {
	return &RestClient{
		baseURL: baseURL,
		client:  xhttp.NewClient(xhttp.WithTimeout(10 * time.Second)),
		breaker: breaker,
		limiter: limiter,
		log:     log,
	}
}

type restBook struct {
	Market    string  `json:"market"`
	AssetID   string  `json:"asset_id"`
	Bids      []level `json:"bids"`
	Asks      []level `json:"asks"`
	Timestamp string  `json:"timestamp"`
}

// FetchBook returns the current top of book for one token.
func (r *RestClient) FetchBook(ctx context.Context, tokenID string) (*models.BookUpdate, error) {
	if err := r.limiter.AcquireWait(ctx, restAPIClass, restAPIMaxWait); err != nil {
		return nil, fmt.Errorf("book fetch rate limited: %w", err)
	}

	return circuit.Do(ctx, r.breaker, func(ctx context.Context) (*models.BookUpdate, error) {
		var book restBook
		err := r.client.SendAndParse(ctx, &xhttp.RequestOptions{
			Method:      xhttp.MethodGet,
			URL:         r.baseURL + "/book",
			QueryParams: map[string][]string{"token_id": {tokenID}},
		}, &book)
		if err != nil {
			return nil, fmt.Errorf("book fetch %s: %w", tokenID, err)
		}

		bid := bestPrice(book.Bids, true)
		ask := bestPrice(book.Asks, false)
		if bid <= 0 || ask <= 0 {
			return nil, fmt.Errorf("book fetch %s: empty side", tokenID)
		}
		return &models.BookUpdate{
			TokenID:   tokenID,
			BestBid:   bid,
			BestAsk:   ask,
			Timestamp: util.ParseInt64Default(book.Timestamp, 0),
		}, nil
	})
}

// Bootstrap seeds the signal map with one snapshot per token before the
// stream takes over. Per-token failures are logged and skipped.
func (r *RestClient) Bootstrap(ctx context.Context, tokens []string, apply func(*models.BookUpdate)) int {
	fetched := 0
	for _, token := range tokens {
		upd, err := r.FetchBook(ctx, token)
		if err != nil {
			r.log.Warn("bootstrap fetch failed",
				logger.String("token_id", token),
				logger.Error(err))
			continue
		}
		apply(upd)
		fetched++
	}
	r.log.Info("book bootstrap complete",
		logger.Int("fetched", fetched),
		logger.Int("requested", len(tokens)))
	return fetched
}
