package consumer

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/IBM/sarama"
	"github.com/shopspring/decimal"
	"log/slog"

	"github.com/trademaster/execd/libs/kafka"
	"github.com/trademaster/execd/services/execution/internal/broker"
)

const brokerEventType = "broker.events"

// BrokerEventMessage is the wire form of an asynchronous broker notification
// on the broker.events topic. Brokers with webhook or FIX connectivity are
// bridged onto this topic by their gateway processes.
type BrokerEventMessage struct {
	kafka.Envelope
	BrokerID      string `json:"broker_id"`
	NativeOrderID string `json:"native_order_id"`
	Type          string `json:"type"`
	FilledQty     string `json:"filled_qty"`
	AvgPrice      string `json:"avg_price"`
	Sequence      int64  `json:"sequence"`
	OccurredAt    string `json:"occurred_at"`
	Reason        string `json:"reason,omitempty"`
}

// Engine is the reconciliation entry point events feed into.
type Engine interface {
	ApplyEvent(ctx context.Context, eventID, brokerID, nativeOrderID string, event broker.Event) error
}

type BrokerEventConsumer struct {
	engine Engine
	logger *slog.Logger
}

func NewBrokerEventConsumer(engine Engine, logger *slog.Logger) *BrokerEventConsumer {
	if logger == nil {
		logger = slog.Default()
	}
	return &BrokerEventConsumer{engine: engine, logger: logger}
}

// HandleMessage decodes and applies one broker event. Malformed payloads are
// permanent failures and go straight to the dead letter queue; everything
// else may be retried by the consumer group harness.
func (c *BrokerEventConsumer) HandleMessage(ctx context.Context, msg *sarama.ConsumerMessage) error {
	if msg == nil || len(msg.Value) == 0 {
		return kafka.DLQ(fmt.Errorf("empty kafka message"), "empty payload")
	}

	var event BrokerEventMessage
	if err := json.Unmarshal(msg.Value, &event); err != nil {
		return kafka.DLQ(fmt.Errorf("decode broker event: %w", err), "undecodable payload")
	}
	if err := event.Validate(); err != nil {
		return kafka.DLQ(err, "invalid envelope")
	}
	if event.EventType != brokerEventType {
		return kafka.DLQ(fmt.Errorf("unexpected event type %q", event.EventType), "wrong event type")
	}
	if strings.TrimSpace(event.BrokerID) == "" || strings.TrimSpace(event.NativeOrderID) == "" {
		return kafka.DLQ(fmt.Errorf("missing broker references"), "missing broker references")
	}

	filledQty := decimal.Zero
	if trimmed := strings.TrimSpace(event.FilledQty); trimmed != "" {
		parsed, err := decimal.NewFromString(trimmed)
		if err != nil {
			return kafka.DLQ(fmt.Errorf("invalid filled_qty %q", event.FilledQty), "invalid filled_qty")
		}
		filledQty = parsed
	}
	avgPrice := decimal.Zero
	if trimmed := strings.TrimSpace(event.AvgPrice); trimmed != "" {
		parsed, err := decimal.NewFromString(trimmed)
		if err != nil {
			return kafka.DLQ(fmt.Errorf("invalid avg_price %q", event.AvgPrice), "invalid avg_price")
		}
		avgPrice = parsed
	}

	occurredAt := event.Timestamp
	if trimmed := strings.TrimSpace(event.OccurredAt); trimmed != "" {
		if parsed, err := time.Parse(time.RFC3339, trimmed); err == nil {
			occurredAt = parsed
		}
	}

	brokerEvent := broker.Event{
		Type:      broker.EventType(strings.ToUpper(strings.TrimSpace(event.Type))),
		FilledQty: filledQty,
		AvgPrice:  avgPrice,
		Sequence:  event.Sequence,
		Timestamp: occurredAt,
		Reason:    event.Reason,
	}
	if err := brokerEvent.Validate(); err != nil {
		return kafka.DLQ(err, "invalid broker event")
	}

	if err := c.engine.ApplyEvent(ctx, event.EventID, event.BrokerID, event.NativeOrderID, brokerEvent); err != nil {
		return err
	}

	c.logger.Debug("broker event handled",
		"event_id", event.EventID,
		"broker", event.BrokerID,
		"type", event.Type)
	return nil
}
