package broker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// EventType enumerates the canonical event shapes every adapter normalizes
// broker notifications into.
type EventType string

const (
	EventAck           EventType = "ACK"
	EventPartialFill   EventType = "PARTIAL_FILL"
	EventFill          EventType = "FILL"
	EventReject        EventType = "REJECT"
	EventCancelConfirm EventType = "CANCEL_CONFIRM"
	EventExpire        EventType = "EXPIRE"
)

// Event is the canonical broker notification. FilledQty and AvgPrice are
// cumulative, not per-fill deltas; Sequence is the broker-supplied ordering
// key (0 when the broker provides none).
type Event struct {
	Type      EventType
	FilledQty decimal.Decimal
	AvgPrice  decimal.Decimal
	Sequence  int64
	Timestamp time.Time
	Reason    string
}

func (e Event) Validate() error {
	switch e.Type {
	case EventAck, EventPartialFill, EventFill, EventReject, EventCancelConfirm, EventExpire:
	default:
		return fmt.Errorf("unknown event type %q", e.Type)
	}
	if e.FilledQty.IsNegative() {
		return fmt.Errorf("filled_qty must not be negative")
	}
	if e.AvgPrice.IsNegative() {
		return fmt.Errorf("avg_price must not be negative")
	}
	return nil
}

// OrderRequest is the broker-neutral submission payload produced by the
// translation layer. Optional price fields are nil when the order type does
// not use them.
type OrderRequest struct {
	OrderID     string
	Symbol      string
	Side        string
	Type        string
	Quantity    decimal.Decimal
	LimitPrice  *decimal.Decimal
	StopPrice   *decimal.Decimal
	TargetPrice *decimal.Decimal
	TimeInForce string
}

// Ack is the broker's synchronous acceptance of a submission. Lifecycle
// progress beyond this arrives asynchronously as Events.
type Ack struct {
	NativeOrderID string
}

// Status is a point-in-time snapshot returned by PollStatus, used to resolve
// unknown outcomes after timeouts and to sweep orders stranded on a broker
// that went down.
type Status struct {
	Found         bool
	NativeOrderID string
	State         EventType
	FilledQty     decimal.Decimal
	AvgPrice      decimal.Decimal
	Sequence      int64
}

// Adapter is the per-broker capability surface. Implementations own the
// broker's wire format and session; the engine never sees broker-specific
// types.
type Adapter interface {
	Name() string
	Submit(ctx context.Context, req OrderRequest) (Ack, error)
	Modify(ctx context.Context, nativeOrderID string, req OrderRequest) error
	Cancel(ctx context.Context, nativeOrderID string) error
	// PollStatus accepts the broker-native order id or, before one is known,
	// the client-side order id a submission carried. Found=false with a nil
	// error means the broker has no record of the order.
	PollStatus(ctx context.Context, orderID string) (Status, error)
	Heartbeat(ctx context.Context) error
}

// EventSink receives normalized events from adapters that deliver in-process
// (the paper adapter); remote adapters publish to the broker.events topic
// instead.
type EventSink interface {
	ApplyBrokerEvent(ctx context.Context, brokerID, nativeOrderID string, event Event) error
}

var ErrOrderNotFound = errors.New("broker order not found")

// RejectionError is a broker-side business rejection (margin, risk limits).
// Never retried; the reason is surfaced to the caller verbatim.
type RejectionError struct {
	Reason string
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("order rejected by broker: %s", e.Reason)
}

// TransientError marks infrastructure failures (connect errors, 5xx) that the
// recovery manager may retry.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient broker error: %v", e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

func IsRejection(err error) bool {
	var rej *RejectionError
	return errors.As(err, &rej)
}

func IsTransient(err error) bool {
	var tr *TransientError
	return errors.As(err, &tr)
}

// IsUnknownOutcome reports whether a call failed in a way where the broker
// may still have applied it. Such failures must be resolved by PollStatus
// before any compensating action.
func IsUnknownOutcome(err error) bool {
	return errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
}
