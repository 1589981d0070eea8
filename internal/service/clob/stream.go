package clob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kangmunil/PredictionMarket-sub000/internal/domain/models"
	domrepo "github.com/kangmunil/PredictionMarket-sub000/internal/domain/repository"
	"github.com/kangmunil/PredictionMarket-sub000/pkg/logger"
	"github.com/kangmunil/PredictionMarket-sub000/pkg/util"
)

const (
	defaultReconnectDelay = 5 * time.Second
	defaultPingInterval   = 10 * time.Second
)

// Stream implements a MarketStream backed by the CLOB market websocket.
type Stream struct {
	wsURL          string
	tokens         []string
	reconnectDelay time.Duration
	pingInterval   time.Duration

	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool

	log *logger.Logger
}

// NewStream creates a market data stream for the given token ids.
func NewStream(wsURL string, tokens []string, reconnectDelay, pingInterval time.Duration, log *logger.Logger) domrepo.MarketStream {
	if reconnectDelay <= 0 {
		reconnectDelay = defaultReconnectDelay
	}
	if pingInterval <= 0 {
		pingInterval = defaultPingInterval
	}
	return &Stream{
		wsURL:          wsURL,
		tokens:         tokens,
		reconnectDelay: reconnectDelay,
		pingInterval:   pingInterval,
		log:            log,
	}
}

// Connect establishes the websocket connection.
func (s *Stream) Connect(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, s.wsURL, nil)
	if err != nil {
		return fmt.Errorf("clob connect: %w", err)
	}

	s.mu.Lock()
	s.conn = conn
	s.connected = true
	s.mu.Unlock()

	s.log.Info("clob stream connected", logger.String("url", s.wsURL))
	return nil
}

type subscribeMsg struct {
	AssetsIDs []string `json:"assets_ids"`
	Type      string   `json:"type"`
}

// Subscribe registers the configured tokens on the market channel.
func (s *Stream) Subscribe(ctx context.Context) error {
	conn := s.current()
	if conn == nil {
		return fmt.Errorf("clob not connected")
	}
	if err := conn.WriteJSON(subscribeMsg{AssetsIDs: s.tokens, Type: "market"}); err != nil {
		return fmt.Errorf("clob subscribe: %w", err)
	}
	s.log.Info("clob subscribed", logger.Int("tokens", len(s.tokens)))
	return nil
}

type level struct {
	Price string `json:"price"`
	Size  string `json:"size"`
}

type wsEvent struct {
	EventType string  `json:"event_type"`
	AssetID   string  `json:"asset_id"`
	Market    string  `json:"market"`
	Bids      []level `json:"bids"`
	Asks      []level `json:"asks"`
	BestBid   string  `json:"best_bid"`
	BestAsk   string  `json:"best_ask"`
	Timestamp string  `json:"timestamp"`
}

// Read streams book updates and errors. A read error ends both channels;
// the caller decides whether to Reconnect.
func (s *Stream) Read(ctx context.Context) (<-chan *models.BookUpdate, <-chan error) {
	updates := make(chan *models.BookUpdate, 1024)
	errs := make(chan error, 1)
	done := make(chan struct{})

	// ping loop, bound to this read session
	go func() {
		ticker := time.NewTicker(s.pingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-done:
				return
			case <-ticker.C:
				if conn := s.current(); conn != nil {
					_ = conn.WriteMessage(websocket.PingMessage, nil)
				}
			}
		}
	}()

	// read loop
	go func() {
		defer close(updates)
		defer close(errs)
		defer close(done)
		for {
			select {
			case <-ctx.Done():
				return
			default:
				conn := s.current()
				if conn == nil {
					errs <- fmt.Errorf("clob conn nil")
					return
				}
				_, raw, err := conn.ReadMessage()
				if err != nil {
					errs <- fmt.Errorf("clob read: %w", err)
					return
				}
				for _, ev := range parseFrame(raw) {
					upd, ok := toBookUpdate(ev)
					if !ok {
						continue
					}
					select {
					case updates <- upd:
					default:
						// drop on backpressure
					}
				}
			}
		}
	}()

	return updates, errs
}

// parseFrame accepts both single-event frames and batched arrays.
func parseFrame(raw []byte) []wsEvent {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return nil
	}
	if trimmed[0] == '[' {
		var evs []wsEvent
		if err := json.Unmarshal(trimmed, &evs); err != nil {
			return nil
		}
		return evs
	}
	var ev wsEvent
	if err := json.Unmarshal(trimmed, &ev); err != nil {
		return nil
	}
	return []wsEvent{ev}
}

// toBookUpdate extracts a complete top-of-book quote. Partial quotes and
// unrelated event types are skipped.
func toBookUpdate(ev wsEvent) (*models.BookUpdate, bool) {
	if ev.AssetID == "" {
		return nil, false
	}

	var bid, ask float64
	switch ev.EventType {
	case "book":
		bid = bestPrice(ev.Bids, true)
		ask = bestPrice(ev.Asks, false)
	case "price_change":
		bid, _ = strconv.ParseFloat(ev.BestBid, 64)
		ask, _ = strconv.ParseFloat(ev.BestAsk, 64)
	default:
		return nil, false
	}
	if bid <= 0 || ask <= 0 {
		return nil, false
	}

	return &models.BookUpdate{
		TokenID:   ev.AssetID,
		BestBid:   bid,
		BestAsk:   ask,
		Timestamp: util.ParseInt64Default(ev.Timestamp, 0),
	}, true
}

// bestPrice picks the highest bid or the lowest ask from a level list.
func bestPrice(levels []level, wantHighest bool) float64 {
	best := 0.0
	for _, lv := range levels {
		p, err := strconv.ParseFloat(lv.Price, 64)
		if err != nil || p <= 0 {
			continue
		}
		if best == 0 || (wantHighest && p > best) || (!wantHighest && p < best) {
			best = p
		}
	}
	return best
}

// Reconnect closes and re-establishes the connection, then resubscribes.
func (s *Stream) Reconnect(ctx context.Context) error {
	_ = s.Close()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(s.reconnectDelay):
	}

	if err := s.Connect(ctx); err != nil {
		return err
	}
	return s.Subscribe(ctx)
}

// Close closes the websocket connection.
func (s *Stream) Close() error {
	s.mu.Lock()
	conn := s.conn
	s.conn = nil
	s.connected = false
	s.mu.Unlock()

	if conn != nil {
		return conn.Close()
	}
	return nil
}

// IsConnected indicates status.
func (s *Stream) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

func (s *Stream) current() *websocket.Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn
}
