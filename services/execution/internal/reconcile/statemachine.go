package reconcile

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/trademaster/execd/services/execution/internal/broker"
	"github.com/trademaster/execd/services/execution/internal/storage"
)

// Outcome classifies what to do with a broker event against the current
// order row.
type Outcome int

const (
	// OutcomeApply persists the resolved update.
	OutcomeApply Outcome = iota
	// OutcomeIgnore drops the event as a duplicate, stale replay, or a
	// harmless late arrival after a terminal state. Ignored events are
	// consumed, never retried.
	OutcomeIgnore
	// OutcomeConflict quarantines the order: the event contradicts applied
	// state in a way no reordering explains.
	OutcomeConflict
)

// Resolution is the decision for one event. FillDelta is the newly-filled
// quantity this event contributes, zero for non-fill events.
type Resolution struct {
	Outcome   Outcome
	Update    storage.OrderUpdate
	Reason    string
	FillDelta decimal.Decimal
	FillPrice decimal.Decimal
}

func ignore(reason string) Resolution {
	return Resolution{Outcome: OutcomeIgnore, Reason: reason}
}

func conflict(reason string) Resolution {
	return Resolution{Outcome: OutcomeConflict, Reason: reason}
}

// Resolve decides, without side effects, how a broker event applies to an
// order. Callers must hold the order's lock and pass the freshly-read row.
//
// Ordering: when the broker supplies sequence numbers they are authoritative
// and anything at or below the applied high-water mark is stale. Brokers
// without sequences get arrival order; cumulative-quantity checks then catch
// duplicated or reordered fills.
func Resolve(order *storage.Order, event broker.Event) Resolution {
	if order.Frozen {
		return ignore("order frozen")
	}

	sequence := order.LastSequence + 1
	if event.Sequence > 0 {
		if event.Sequence <= order.LastSequence {
			return ignore(fmt.Sprintf("stale sequence %d, applied through %d", event.Sequence, order.LastSequence))
		}
		sequence = event.Sequence
	}

	if storage.IsTerminalStatus(order.Status) {
		// late events after a terminal state are expected with async brokers;
		// the one real contradiction is a fill after cancellation beyond what
		// was already recorded, which means the cancel race was lost after
		// the fact
		if (event.Type == broker.EventFill || event.Type == broker.EventPartialFill) &&
			order.Status == storage.StatusCancelled &&
			event.FilledQty.GreaterThan(order.FilledQty) {
			return conflict("fill reported after cancellation was applied")
		}
		return ignore(fmt.Sprintf("order already %s", order.Status))
	}

	switch event.Type {
	case broker.EventAck:
		return resolveAck(order, sequence)
	case broker.EventPartialFill, broker.EventFill:
		return resolveFill(order, event, sequence)
	case broker.EventReject:
		return resolveReject(order, event, sequence)
	case broker.EventCancelConfirm:
		return resolveCancelConfirm(order, sequence)
	case broker.EventExpire:
		return Resolution{
			Outcome: OutcomeApply,
			Update: storage.OrderUpdate{
				Status:       storage.StatusExpired,
				StatusReason: event.Reason,
				FilledQty:    order.FilledQty,
				AvgFillPrice: order.AvgFillPrice,
				LastSequence: sequence,
			},
		}
	default:
		return conflict(fmt.Sprintf("unknown event type %q", event.Type))
	}
}

func resolveAck(order *storage.Order, sequence int64) Resolution {
	switch order.Status {
	case storage.StatusPendingSubmit, storage.StatusSubmitted:
		return Resolution{
			Outcome: OutcomeApply,
			Update: storage.OrderUpdate{
				Status:       storage.StatusAcknowledged,
				FilledQty:    order.FilledQty,
				AvgFillPrice: order.AvgFillPrice,
				LastSequence: sequence,
			},
		}
	default:
		// an ack that arrives after fills carries no information
		return ignore(fmt.Sprintf("ack after %s", order.Status))
	}
}

func resolveFill(order *storage.Order, event broker.Event, sequence int64) Resolution {
	switch {
	case event.FilledQty.GreaterThan(order.Quantity):
		return conflict(fmt.Sprintf("cumulative fill %s exceeds order quantity %s", event.FilledQty, order.Quantity))
	case event.FilledQty.LessThan(order.FilledQty):
		// with broker sequences this is a contradiction: a later event
		// reports less filled than already applied
		if event.Sequence > 0 {
			return conflict(fmt.Sprintf("fill regression: %s after %s", event.FilledQty, order.FilledQty))
		}
		return ignore("reordered fill below applied quantity")
	case event.FilledQty.Equal(order.FilledQty):
		return ignore("duplicate fill")
	}

	status := storage.StatusPartiallyFilled
	if event.FilledQty.Equal(order.Quantity) {
		status = storage.StatusFilled
	} else if event.Type == broker.EventFill {
		// a terminal FILL reporting less than the full quantity is a broker
		// bookkeeping contradiction
		return conflict(fmt.Sprintf("terminal fill for %s of %s", event.FilledQty, order.Quantity))
	}

	return Resolution{
		Outcome: OutcomeApply,
		Update: storage.OrderUpdate{
			Status:       status,
			FilledQty:    event.FilledQty,
			AvgFillPrice: event.AvgPrice,
			LastSequence: sequence,
		},
		FillDelta: event.FilledQty.Sub(order.FilledQty),
		FillPrice: event.AvgPrice,
	}
}

func resolveReject(order *storage.Order, event broker.Event, sequence int64) Resolution {
	if order.Status == storage.StatusPartiallyFilled {
		return conflict("reject received after partial fill")
	}
	return Resolution{
		Outcome: OutcomeApply,
		Update: storage.OrderUpdate{
			Status:       storage.StatusRejected,
			StatusReason: event.Reason,
			FilledQty:    order.FilledQty,
			AvgFillPrice: order.AvgFillPrice,
			LastSequence: sequence,
		},
	}
}

func resolveCancelConfirm(order *storage.Order, sequence int64) Resolution {
	// fills applied so far are kept; a cancel only closes the unfilled
	// remainder
	return Resolution{
		Outcome: OutcomeApply,
		Update: storage.OrderUpdate{
			Status:       storage.StatusCancelled,
			FilledQty:    order.FilledQty,
			AvgFillPrice: order.AvgFillPrice,
			LastSequence: sequence,
		},
	}
}
