package position

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/trademaster/execd/libs/kafka"
	"github.com/trademaster/execd/services/execution/internal/storage"
)

type Store interface {
	GetPosition(ctx context.Context, userID uuid.UUID, symbol string) (*storage.Position, error)
	UpsertPosition(ctx context.Context, position *storage.Position) error
	ListPositions(ctx context.Context, userID uuid.UUID) ([]storage.Position, error)
}

// MarkSource supplies the reference price used for unrealized PnL. Positions
// with no mark report realized PnL only.
type MarkSource interface {
	Mark(symbol string) (decimal.Decimal, bool)
}

// StaticMarkSource is a fixed mark table, refreshable at runtime. It stands
// in for a market data feed, which this service does not consume.
type StaticMarkSource struct {
	mu    sync.RWMutex
	marks map[string]decimal.Decimal
}

func NewStaticMarkSource(marks map[string]decimal.Decimal) *StaticMarkSource {
	if marks == nil {
		marks = make(map[string]decimal.Decimal)
	}
	return &StaticMarkSource{marks: marks}
}

func (s *StaticMarkSource) Mark(symbol string) (decimal.Decimal, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	mark, ok := s.marks[symbol]
	return mark, ok
}

func (s *StaticMarkSource) SetMark(symbol string, mark decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.marks[symbol] = mark
}

const aggregatorStripes = 64

// Aggregator folds fills into per-user, per-symbol positions with average
// cost basis and realized PnL, keeping a per-broker quantity breakdown.
type Aggregator struct {
	store    Store
	marks    MarkSource
	producer kafka.Publisher
	topic    string
	logger   *slog.Logger

	locks [aggregatorStripes]sync.Mutex
}

func NewAggregator(store Store, marks MarkSource, producer kafka.Publisher, topic string, logger *slog.Logger) *Aggregator {
	return &Aggregator{
		store:    store,
		marks:    marks,
		producer: producer,
		topic:    topic,
		logger:   logger,
	}
}

func (a *Aggregator) stripe(userID uuid.UUID, symbol string) *sync.Mutex {
	h := fnv.New32a()
	h.Write(userID[:])
	h.Write([]byte(symbol))
	return &a.locks[h.Sum32()%aggregatorStripes]
}

// ApplyFill folds one fill delta into the position. Buys add quantity, sells
// subtract; crossing through zero realizes PnL against the old cost basis and
// restarts the basis at the fill price.
func (a *Aggregator) ApplyFill(ctx context.Context, order *storage.Order, fillQty, fillPrice decimal.Decimal) error {
	if !fillQty.IsPositive() {
		return fmt.Errorf("fill quantity must be positive, got %s", fillQty)
	}

	delta := fillQty
	if order.Side == storage.SideSell {
		delta = fillQty.Neg()
	}

	mu := a.stripe(order.UserID, order.Symbol)
	mu.Lock()
	defer mu.Unlock()

	position, err := a.store.GetPosition(ctx, order.UserID, order.Symbol)
	if errors.Is(err, storage.ErrNotFound) {
		position = &storage.Position{
			UserID:    order.UserID,
			Symbol:    order.Symbol,
			BrokerQty: make(map[string]decimal.Decimal),
		}
	} else if err != nil {
		return fmt.Errorf("load position: %w", err)
	}
	if position.BrokerQty == nil {
		position.BrokerQty = make(map[string]decimal.Decimal)
	}

	applyDelta(position, delta, fillPrice)

	if order.BrokerID != "" {
		position.BrokerQty[order.BrokerID] = position.BrokerQty[order.BrokerID].Add(delta)
		if position.BrokerQty[order.BrokerID].IsZero() {
			delete(position.BrokerQty, order.BrokerID)
		}
	}

	if err := a.store.UpsertPosition(ctx, position); err != nil {
		return fmt.Errorf("persist position: %w", err)
	}

	a.publishUpdated(ctx, position, order.CorrelationID)
	return nil
}

func applyDelta(position *storage.Position, delta, price decimal.Decimal) {
	net := position.NetQty

	if net.IsZero() || net.Sign() == delta.Sign() {
		// extending: blend the cost basis
		total := net.Abs().Add(delta.Abs())
		position.AvgCost = position.AvgCost.Mul(net.Abs()).Add(price.Mul(delta.Abs())).Div(total)
		position.NetQty = net.Add(delta)
		return
	}

	// reducing, closing, or flipping
	closeQty := decimal.Min(delta.Abs(), net.Abs())
	direction := decimal.NewFromInt(int64(net.Sign()))
	position.RealizedPnL = position.RealizedPnL.Add(
		price.Sub(position.AvgCost).Mul(closeQty).Mul(direction))

	position.NetQty = net.Add(delta)
	switch {
	case position.NetQty.IsZero():
		position.AvgCost = decimal.Zero
	case position.NetQty.Sign() != net.Sign():
		// flipped through zero: the surviving quantity opened at this fill
		position.AvgCost = price
	}
}

// View is a position with unrealized PnL attached when a mark is available.
type View struct {
	storage.Position
	MarkPrice     *decimal.Decimal
	UnrealizedPnL *decimal.Decimal
}

func (a *Aggregator) UserPositions(ctx context.Context, userID uuid.UUID) ([]View, error) {
	positions, err := a.store.ListPositions(ctx, userID)
	if err != nil {
		return nil, err
	}

	views := make([]View, 0, len(positions))
	for _, position := range positions {
		view := View{Position: position}
		if a.marks != nil {
			if mark, ok := a.marks.Mark(position.Symbol); ok {
				unrealized := mark.Sub(position.AvgCost).Mul(position.NetQty)
				view.MarkPrice = &mark
				view.UnrealizedPnL = &unrealized
			}
		}
		views = append(views, view)
	}
	return views, nil
}

// PositionUpdatedEvent mirrors the persisted aggregate for downstream risk
// and reporting consumers.
type PositionUpdatedEvent struct {
	kafka.Envelope
	UserID      string            `json:"user_id"`
	Symbol      string            `json:"symbol"`
	NetQty      string            `json:"net_qty"`
	AvgCost     string            `json:"avg_cost"`
	RealizedPnL string            `json:"realized_pnl"`
	BrokerQty   map[string]string `json:"broker_qty,omitempty"`
	UpdatedAt   string            `json:"updated_at"`
}

func (a *Aggregator) publishUpdated(ctx context.Context, position *storage.Position, correlationID string) {
	if a.producer == nil {
		return
	}
	eventID := kafka.DeterministicEventID("positions.updated",
		position.UserID.String(), position.Symbol, position.NetQty.String(), position.RealizedPnL.String())
	env, err := kafka.NewEnvelopeWithID(eventID, "positions.updated", 1, correlationID)
	if err != nil {
		a.logger.Error("build position updated envelope failed", "error", err)
		return
	}

	brokerQty := make(map[string]string, len(position.BrokerQty))
	for brokerID, qty := range position.BrokerQty {
		brokerQty[brokerID] = qty.String()
	}

	payload := PositionUpdatedEvent{
		Envelope:    env,
		UserID:      position.UserID.String(),
		Symbol:      position.Symbol,
		NetQty:      position.NetQty.String(),
		AvgCost:     position.AvgCost.String(),
		RealizedPnL: position.RealizedPnL.String(),
		BrokerQty:   brokerQty,
		UpdatedAt:   time.Now().UTC().Format(time.RFC3339),
	}

	key := position.UserID.String() + ":" + position.Symbol
	if _, _, err := a.producer.PublishJSON(ctx, a.topic, key, payload); err != nil {
		a.logger.Error("publish position updated failed",
			"user_id", position.UserID.String(),
			"symbol", position.Symbol,
			"error", err)
	}
}
