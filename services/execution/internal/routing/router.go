package routing

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/trademaster/execd/services/execution/internal/session"
	"github.com/trademaster/execd/services/execution/internal/storage"
)

// ErrNoAvailableBroker means no broker session was eligible for the order:
// everything was down, over budget, or unable to represent the order type.
var ErrNoAvailableBroker = errors.New("no available broker")

// Weights blend the scoring dimensions. They should sum to 1.
type Weights struct {
	Cost    float64
	Quality float64
	Rate    float64
}

func DefaultWeights() Weights {
	return Weights{Cost: 0.5, Quality: 0.3, Rate: 0.2}
}

type qualityKey struct {
	broker string
	symbol string
}

// QualityTracker keeps an EWMA of execution quality per (broker, symbol)
// pair, fed by the reconciliation engine: fills score 1, broker rejects score
// 0. A broker can be excellent on liquid symbols and poor on others, so the
// scores never mix across instruments. New pairs start neutral so they are
// neither favored nor starved.
type QualityTracker struct {
	mu     sync.RWMutex
	scores map[qualityKey]float64
}

func NewQualityTracker() *QualityTracker {
	return &QualityTracker{scores: make(map[qualityKey]float64)}
}

const qualityAlpha = 0.1

func (t *QualityTracker) Record(brokerID, symbol string, quality float64) {
	if quality < 0 {
		quality = 0
	}
	if quality > 1 {
		quality = 1
	}
	key := qualityKey{broker: brokerID, symbol: symbol}
	t.mu.Lock()
	defer t.mu.Unlock()
	current, ok := t.scores[key]
	if !ok {
		t.scores[key] = quality
		return
	}
	t.scores[key] = qualityAlpha*quality + (1-qualityAlpha)*current
}

func (t *QualityTracker) Score(brokerID, symbol string) float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	score, ok := t.scores[qualityKey{broker: brokerID, symbol: symbol}]
	if !ok {
		return 0.5
	}
	return score
}

type DecisionStore interface {
	InsertRoutingDecision(ctx context.Context, decision *storage.RoutingDecision) error
}

// Router picks a broker for each submission attempt and records why. Every
// attempt persists a full scoring breakdown, including brokers that were
// ruled out, so a routing choice can always be explained after the fact.
type Router struct {
	registry *session.Registry
	quality  *QualityTracker
	store    DecisionStore
	weights  Weights
	logger   *slog.Logger
}

func NewRouter(registry *session.Registry, quality *QualityTracker, store DecisionStore, weights Weights, logger *slog.Logger) *Router {
	return &Router{
		registry: registry,
		quality:  quality,
		store:    store,
		weights:  weights,
		logger:   logger,
	}
}

// Route scores every registered session and returns the persisted decision
// for the winner. excluded lists brokers already tried for this order, so a
// reroute never bounces back to the broker that just failed.
func (r *Router) Route(ctx context.Context, order *storage.Order, attempt int, excluded map[string]bool) (*storage.RoutingDecision, error) {
	sessions := r.registry.All()

	maxCost := 0.0
	for _, s := range sessions {
		if s.CostBps() > maxCost {
			maxCost = s.CostBps()
		}
	}

	candidates := make([]storage.RoutingCandidate, 0, len(sessions))
	type scored struct {
		id      string
		score   float64
		latency float64
	}
	var eligible []scored

	for _, s := range sessions {
		snap := s.Snapshot()
		candidate := storage.RoutingCandidate{
			BrokerID: snap.ID,
			State:    string(snap.State),
		}

		switch {
		case excluded[snap.ID]:
			candidate.Reason = "already attempted"
		case snap.State == session.StateDown:
			candidate.Reason = "connection down"
		case !supportsOrder(s, order):
			candidate.Reason = "order type not supported"
		case snap.RateHeadroom <= 0:
			candidate.Reason = "rate budget exhausted"
		default:
			candidate.Eligible = true
		}

		if candidate.Eligible {
			costScore := 1.0
			if maxCost > 0 {
				costScore = 1 - snap.CostBps/maxCost
			}
			qualityScore := r.quality.Score(snap.ID, order.Symbol)
			if snap.State == session.StateDegraded {
				// degraded sessions stay eligible but lose half their quality
				// standing, so a healthy alternative wins when one exists
				qualityScore *= 0.5
			}
			rateScore := snap.RateHeadroom

			total := r.weights.Cost*costScore + r.weights.Quality*qualityScore + r.weights.Rate*rateScore
			candidate.CostScore = decimal.NewFromFloat(costScore).Round(4)
			candidate.QualityScore = decimal.NewFromFloat(qualityScore).Round(4)
			candidate.RateScore = decimal.NewFromFloat(rateScore).Round(4)
			candidate.Score = decimal.NewFromFloat(total).Round(4)

			eligible = append(eligible, scored{id: snap.ID, score: total, latency: snap.LatencyMS})
		}

		candidates = append(candidates, candidate)
	}

	if len(eligible) == 0 {
		// Failed attempts are part of the audit trail; the row records why
		// every broker was ruled out.
		failed := &storage.RoutingDecision{
			ID:            uuid.New(),
			OrderID:       order.ID,
			Attempt:       attempt,
			Candidates:    candidates,
			CorrelationID: order.CorrelationID,
			CreatedAt:     time.Now().UTC(),
		}
		if err := r.store.InsertRoutingDecision(ctx, failed); err != nil {
			r.logger.Error("routing decision insert failed",
				"order_id", order.ID.String(),
				"attempt", attempt,
				"error", err)
		}
		return nil, ErrNoAvailableBroker
	}

	best := eligible[0]
	for _, c := range eligible[1:] {
		if c.score > best.score || (c.score == best.score && c.latency < best.latency) {
			best = c
		}
	}

	decision := &storage.RoutingDecision{
		ID:            uuid.New(),
		OrderID:       order.ID,
		Attempt:       attempt,
		ChosenBroker:  best.id,
		Candidates:    candidates,
		CorrelationID: order.CorrelationID,
		CreatedAt:     time.Now().UTC(),
	}
	if err := r.store.InsertRoutingDecision(ctx, decision); err != nil {
		return nil, err
	}

	r.logger.Info("order routed",
		"order_id", order.ID.String(),
		"broker", best.id,
		"attempt", attempt,
		"candidates", len(candidates))
	return decision, nil
}

func supportsOrder(s *session.Session, order *storage.Order) bool {
	for _, t := range s.Capabilities().OrderTypes {
		if t == order.Type {
			return true
		}
	}
	return false
}
