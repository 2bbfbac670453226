package reconcile

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
	"github.com/trademaster/execd/services/execution/internal/broker"
	"github.com/trademaster/execd/services/execution/internal/storage"
)

type Store interface {
	GetOrder(ctx context.Context, orderID uuid.UUID) (*storage.Order, error)
	GetOrderByBrokerRef(ctx context.Context, brokerID, brokerOrderID string) (*storage.Order, error)
	UpdateOrderFromEvent(ctx context.Context, eventID string, orderID uuid.UUID, update storage.OrderUpdate) (*storage.Order, error)
	FreezeOrder(ctx context.Context, orderID uuid.UUID, reason string) error
	InsertAudit(ctx context.Context, entry *storage.AuditEntry) error
}

// PositionSink receives fill deltas as they are applied.
type PositionSink interface {
	ApplyFill(ctx context.Context, order *storage.Order, fillQty, fillPrice decimal.Decimal) error
}

// QualityRecorder feeds execution outcomes back into routing, scored per
// broker and symbol.
type QualityRecorder interface {
	Record(brokerID, symbol string, quality float64)
}

// EventObserver counts event dispositions for metrics.
type EventObserver interface {
	ObserveBrokerEvent(brokerID, eventType, outcome string)
}

const lockStripes = 64

// Engine applies broker events to order state. All mutation of a given order
// funnels through one stripe lock, so events for the same order are applied
// one at a time regardless of which consumer partition or goroutine delivered
// them.
type Engine struct {
	store      Store
	positions  PositionSink
	quality    QualityRecorder
	observer   EventObserver
	producer   kafka.Publisher
	stateTopic string
	logger     *slog.Logger

	locks [lockStripes]sync.Mutex
}

func NewEngine(store Store, positions PositionSink, quality QualityRecorder, observer EventObserver, producer kafka.Publisher, stateTopic string, logger *slog.Logger) *Engine {
	return &Engine{
		store:      store,
		positions:  positions,
		quality:    quality,
		observer:   observer,
		producer:   producer,
		stateTopic: stateTopic,
		logger:     logger,
	}
}

func (e *Engine) stripe(orderID uuid.UUID) *sync.Mutex {
	h := fnv.New32a()
	h.Write(orderID[:])
	return &e.locks[h.Sum32()%lockStripes]
}

// Do runs fn while holding the order's lock. Locally-initiated transitions
// (cancel, modify) use it so they serialize against inbound broker events.
func (e *Engine) Do(orderID uuid.UUID, fn func() error) error {
	mu := e.stripe(orderID)
	mu.Lock()
	defer mu.Unlock()
	return fn()
}

// ApplyBrokerEvent applies an event identified only by broker references,
// deriving a deterministic idempotency key from the event's content. It
// satisfies the sink interface in-process adapters deliver through.
func (e *Engine) ApplyBrokerEvent(ctx context.Context, brokerID, nativeOrderID string, event broker.Event) error {
	eventID := kafka.DeterministicEventID(
		"broker.events",
		brokerID,
		nativeOrderID,
		string(event.Type),
		fmt.Sprintf("%d", event.Sequence),
		event.FilledQty.String(),
	)
	return e.ApplyEvent(ctx, eventID, brokerID, nativeOrderID, event)
}

// ApplyEvent reconciles one broker event. A nil return means the event is
// consumed: applied, recognized as a duplicate, or quarantined. Errors are
// retryable.
func (e *Engine) ApplyEvent(ctx context.Context, eventID, brokerID, nativeOrderID string, event broker.Event) error {
	if err := event.Validate(); err != nil {
		return kafka.DLQ(err, "malformed broker event")
	}

	ref, err := e.store.GetOrderByBrokerRef(ctx, brokerID, nativeOrderID)
	if err != nil {
		// the event may have raced the submission ack that records the
		// broker order id; retrying resolves that, persistent misses go to
		// the dead letter queue
		return fmt.Errorf("resolve order for %s/%s: %w", brokerID, nativeOrderID, err)
	}

	mu := e.stripe(ref.ID)
	mu.Lock()
	defer mu.Unlock()

	order, err := e.store.GetOrder(ctx, ref.ID)
	if err != nil {
		return fmt.Errorf("reload order %s: %w", ref.ID, err)
	}

	resolution := Resolve(order, event)
	switch resolution.Outcome {
	case OutcomeIgnore:
		// stale and out-of-order discards are worth surfacing: a steady stream
		// of them means a broker feed is misbehaving
		e.logger.Warn("broker event ignored",
			"order_id", order.ID.String(),
			"broker", brokerID,
			"event_type", string(event.Type),
			"reason", resolution.Reason)
		e.observe(brokerID, event, "ignored")
		return nil

	case OutcomeConflict:
		return e.quarantine(ctx, order, brokerID, event, resolution.Reason)
	}

	updated, err := e.store.UpdateOrderFromEvent(ctx, eventID, order.ID, resolution.Update)
	if err != nil {
		if errors.Is(err, storage.ErrAlreadyHandled) {
			e.logger.Debug("broker event already applied",
				"order_id", order.ID.String(),
				"event_id", eventID)
			e.observe(brokerID, event, "duplicate")
			return nil
		}
		return fmt.Errorf("apply event %s to order %s: %w", eventID, order.ID, err)
	}

	if resolution.FillDelta.IsPositive() && e.positions != nil {
		if err := e.positions.ApplyFill(ctx, updated, resolution.FillDelta, resolution.FillPrice); err != nil {
			// the order update is already committed under the event id, so a
			// position failure must not trigger a redelivery that would be
			// dropped as a duplicate
			e.logger.Error("position update failed",
				"order_id", updated.ID.String(),
				"error", err)
		}
	}

	e.recordQuality(brokerID, updated.Symbol, event)
	e.publishStateChanged(ctx, updated)
	e.observe(brokerID, event, "applied")
	return nil
}

func (e *Engine) quarantine(ctx context.Context, order *storage.Order, brokerID string, event broker.Event, reason string) error {
	e.logger.Error("reconciliation conflict, freezing order",
		"order_id", order.ID.String(),
		"broker", brokerID,
		"event_type", string(event.Type),
		"reason", reason)

	if err := e.store.FreezeOrder(ctx, order.ID, "reconciliation conflict: "+reason); err != nil {
		return fmt.Errorf("freeze order %s: %w", order.ID, err)
	}
	if err := e.store.InsertAudit(ctx, &storage.AuditEntry{
		ID:            uuid.New(),
		OrderID:       order.ID,
		UserID:        order.UserID,
		Action:        "order.frozen",
		Detail:        reason,
		CorrelationID: order.CorrelationID,
	}); err != nil {
		e.logger.Error("audit insert failed", "order_id", order.ID.String(), "error", err)
	}

	order.Frozen = true
	order.StatusReason = reason
	e.publishStateChanged(ctx, order)
	e.observe(brokerID, event, "conflict")
	return nil
}

func (e *Engine) recordQuality(brokerID, symbol string, event broker.Event) {
	if e.quality == nil {
		return
	}
	switch event.Type {
	case broker.EventFill, broker.EventPartialFill:
		e.quality.Record(brokerID, symbol, 1)
	case broker.EventReject:
		e.quality.Record(brokerID, symbol, 0)
	}
}

func (e *Engine) observe(brokerID string, event broker.Event, outcome string) {
	if e.observer != nil {
		e.observer.ObserveBrokerEvent(brokerID, string(event.Type), outcome)
	}
}

// OrderStateChangedEvent is the outbound record of every accepted order
// transition, consumed by notification and reporting services.
type OrderStateChangedEvent struct {
	kafka.Envelope
	OrderID       string `json:"order_id"`
	ClientOrderID string `json:"client_order_id"`
	UserID        string `json:"user_id"`
	Symbol        string `json:"symbol"`
	Side          string `json:"side"`
	Status        string `json:"status"`
	StatusReason  string `json:"status_reason,omitempty"`
	FilledQty     string `json:"filled_qty"`
	AvgFillPrice  string `json:"avg_fill_price"`
	BrokerID      string `json:"broker_id,omitempty"`
	Sequence      int64  `json:"sequence"`
	Revision      int    `json:"revision"`
	Frozen        bool   `json:"frozen,omitempty"`
	UpdatedAt     string `json:"updated_at"`
}

// PublishStateChanged emits the current order state. The event id derives
// from the order id, status, and applied sequence, so republishing after a
// redelivery is idempotent downstream.
func (e *Engine) PublishStateChanged(ctx context.Context, order *storage.Order) {
	e.publishStateChanged(ctx, order)
}

func (e *Engine) publishStateChanged(ctx context.Context, order *storage.Order) {
	if e.producer == nil || order == nil {
		return
	}
	eventID := kafka.DeterministicEventID("orders.state_changed", order.ID.String(), order.Status, fmt.Sprintf("%d", order.LastSequence))
	env, err := kafka.NewEnvelopeWithID(eventID, "orders.state_changed", 1, order.CorrelationID)
	if err != nil {
		e.logger.Error("build state changed envelope failed", "error", err)
		return
	}

	payload := OrderStateChangedEvent{
		Envelope:      env,
		OrderID:       order.ID.String(),
		ClientOrderID: order.ClientOrderID,
		UserID:        order.UserID.String(),
		Symbol:        order.Symbol,
		Side:          order.Side,
		Status:        order.Status,
		StatusReason:  order.StatusReason,
		FilledQty:     order.FilledQty.String(),
		AvgFillPrice:  order.AvgFillPrice.String(),
		BrokerID:      order.BrokerID,
		Sequence:      order.LastSequence,
		Revision:      order.Revision,
		Frozen:        order.Frozen,
		UpdatedAt:     time.Now().UTC().Format(time.RFC3339),
	}

	if _, _, err := e.producer.PublishJSON(ctx, e.stateTopic, order.ID.String(), payload); err != nil {
		e.logger.Error("publish state changed failed",
			"order_id", order.ID.String(),
			"error", err)
	}
}
