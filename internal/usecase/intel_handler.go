package usecase

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/kangmunil/PredictionMarket-sub000/internal/domain/models"
	domrepo "github.com/kangmunil/PredictionMarket-sub000/internal/domain/repository"
	"github.com/kangmunil/PredictionMarket-sub000/internal/service/signalbus"
	pkgkafka "github.com/kangmunil/PredictionMarket-sub000/pkg/kafka"
	"github.com/kangmunil/PredictionMarket-sub000/pkg/util"
)

// IntelHandler consumes intelligence events (news, whale, arb) from Kafka
// and applies them to the signal bus.
type IntelHandler struct {
	topic   string
	bus     *signalbus.Bus
	metrics domrepo.Metrics
}

func NewIntelHandler(topic string, bus *signalbus.Bus, metrics domrepo.Metrics) *IntelHandler {
	return &IntelHandler{topic: topic, bus: bus, metrics: metrics}
}

func (h *IntelHandler) Topic() string { return h.topic }

// Handle decodes one intel event into its source-scoped update. Undecodable
// or unattributable events return an error so the consumer can retry or dead
// letter them.
func (h *IntelHandler) Handle(ctx context.Context, b []byte) error {
	var ev models.IntelEvent
	if err := json.Unmarshal(b, &ev); err != nil {
		h.metrics.RecordError("intel_unmarshal")
		return err
	}
	if ev.TokenID == "" {
		h.metrics.RecordError("intel_missing_token")
		return fmt.Errorf("intel event without token id")
	}

	var upd models.SignalUpdate
	switch ev.Type {
	case models.IntelTypeNews:
		upd = models.NewsUpdate{Score: ev.Score, Label: ev.Label, Count: ev.Count}
	case models.IntelTypeWhale:
		upd = models.WhaleUpdate{Score: ev.Score, Side: models.Side(ev.Side)}
	case models.IntelTypeArb:
		upd = models.ArbUpdate{Volatile: ev.Volatile, Opportunity: ev.Opportunity}
	default:
		h.metrics.RecordError("intel_unknown_type")
		return fmt.Errorf("unknown intel type %q", ev.Type)
	}

	h.bus.ApplySignal(ev.TokenID, upd)

	// E2E latency from event time to now (approx)
	if at, ok := util.ParseTime(ev.Timestamp); ok {
		h.metrics.RecordLatency("intel_e2e_seconds", time.Since(at).Seconds())
	}
	return nil
}

var _ pkgkafka.MessageHandler = (*IntelHandler)(nil)
