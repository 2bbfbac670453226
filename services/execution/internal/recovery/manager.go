package recovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/trademaster/execd/services/execution/internal/broker"
	"github.com/trademaster/execd/services/execution/internal/session"
	"github.com/trademaster/execd/services/execution/internal/storage"
)

// ErrSubmissionFailed means every allowed attempt was spent without the
// broker durably taking the order.
var ErrSubmissionFailed = errors.New("submission failed after retries")

// ErrRateBudgetExhausted means the broker's request budget blocked the call
// for the whole retry window.
var ErrRateBudgetExhausted = errors.New("broker rate budget exhausted")

// Policy tunes retry and sweep behavior.
type Policy struct {
	MaxAttempts   int
	BaseBackoff   time.Duration
	MaxBackoff    time.Duration
	Multiplier    float64
	CallTimeout   time.Duration
	SweepInterval time.Duration
}

func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:   3,
		BaseBackoff:   200 * time.Millisecond,
		MaxBackoff:    5 * time.Second,
		Multiplier:    2,
		CallTimeout:   5 * time.Second,
		SweepInterval: 30 * time.Second,
	}
}

func (p Policy) backoff(attempt int) time.Duration {
	d := p.BaseBackoff
	for i := 1; i < attempt; i++ {
		d = time.Duration(float64(d) * p.Multiplier)
		if d >= p.MaxBackoff {
			return p.MaxBackoff
		}
	}
	return d
}

type SweepStore interface {
	ListOpenOrdersByBroker(ctx context.Context, brokerID string) ([]storage.Order, error)
}

// EventApplier is where poll-derived state lands; in practice the
// reconciliation engine.
type EventApplier interface {
	ApplyBrokerEvent(ctx context.Context, brokerID, nativeOrderID string, event broker.Event) error
}

// Rerouter re-dispatches an order that never reached its assigned broker.
type Rerouter interface {
	RerouteOrder(ctx context.Context, order storage.Order, excludeBroker string) error
}

// Manager owns every path where a broker call can fail: retry with backoff,
// poll-to-confirm after an unknown outcome, and the reconciliation sweep over
// orders stranded on a broker whose connection dropped.
type Manager struct {
	policy   Policy
	registry *session.Registry
	store    SweepStore
	applier  EventApplier
	rerouter Rerouter
	logger   *slog.Logger

	downCh chan string
}

func NewManager(policy Policy, registry *session.Registry, store SweepStore, applier EventApplier, logger *slog.Logger) *Manager {
	if policy.MaxAttempts <= 0 {
		policy = DefaultPolicy()
	}
	return &Manager{
		policy:   policy,
		registry: registry,
		store:    store,
		applier:  applier,
		logger:   logger,
		downCh:   make(chan string, 16),
	}
}

// SetRerouter breaks the construction cycle with the service, which both
// calls the manager and is called back by it.
func (m *Manager) SetRerouter(rerouter Rerouter) {
	m.rerouter = rerouter
}

// SubmitWithRecovery drives one submission to a definite outcome: an ack, a
// broker rejection, or ErrSubmissionFailed. A timed-out call is never retried
// blindly; the broker is polled first so a duplicate submission cannot slip
// through.
func (m *Manager) SubmitWithRecovery(ctx context.Context, sess *session.Session, req broker.OrderRequest) (broker.Ack, error) {
	var lastErr error

	for attempt := 1; attempt <= m.policy.MaxAttempts; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return broker.Ack{}, ctx.Err()
			case <-time.After(m.policy.backoff(attempt - 1)):
			}
		}

		allowed, retryAfter, err := sess.TryAcquire(ctx)
		if err != nil {
			m.logger.Warn("rate limiter unavailable, allowing call", "broker", sess.ID(), "error", err)
		} else if !allowed {
			lastErr = fmt.Errorf("%w: retry after %s", ErrRateBudgetExhausted, retryAfter)
			continue
		}

		callCtx, cancel := context.WithTimeout(ctx, m.policy.CallTimeout)
		start := time.Now()
		ack, err := sess.Adapter().Submit(callCtx, req)
		latency := time.Since(start)
		cancel()

		switch {
		case err == nil:
			sess.RecordOutcome(true, latency)
			return ack, nil

		case broker.IsRejection(err):
			// the connection worked; the broker said no
			sess.RecordOutcome(true, latency)
			return broker.Ack{}, err

		case broker.IsUnknownOutcome(err):
			sess.RecordOutcome(false, latency)
			status, ok := m.confirm(ctx, sess, req.OrderID)
			if ok && status.Found {
				m.logger.Info("timed out submission confirmed at broker",
					"broker", sess.ID(),
					"order_id", req.OrderID,
					"native_order_id", status.NativeOrderID)
				return broker.Ack{NativeOrderID: status.NativeOrderID}, nil
			}
			if !ok {
				lastErr = err
				continue
			}
			// confirmed absent, safe to retry
			lastErr = err

		default:
			sess.RecordOutcome(false, latency)
			lastErr = err
		}
	}

	return broker.Ack{}, fmt.Errorf("%w: %v", ErrSubmissionFailed, lastErr)
}

// confirm polls the broker for an order whose submission outcome is unknown.
// ok=false means the poll itself failed and the order's presence is still
// undetermined.
func (m *Manager) confirm(ctx context.Context, sess *session.Session, orderID string) (broker.Status, bool) {
	pollCtx, cancel := context.WithTimeout(ctx, m.policy.CallTimeout)
	defer cancel()

	status, err := sess.Adapter().PollStatus(pollCtx, orderID)
	if err != nil {
		m.logger.Warn("poll-to-confirm failed",
			"broker", sess.ID(),
			"order_id", orderID,
			"error", err)
		return broker.Status{}, false
	}
	return status, true
}

// CallWithRetry wraps cancel and modify calls with the same backoff and
// classification rules as submission, minus poll-to-confirm.
func (m *Manager) CallWithRetry(ctx context.Context, sess *session.Session, call func(ctx context.Context) error) error {
	var lastErr error

	for attempt := 1; attempt <= m.policy.MaxAttempts; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(m.policy.backoff(attempt - 1)):
			}
		}

		callCtx, cancel := context.WithTimeout(ctx, m.policy.CallTimeout)
		start := time.Now()
		err := call(callCtx)
		latency := time.Since(start)
		cancel()

		switch {
		case err == nil:
			sess.RecordOutcome(true, latency)
			return nil
		case broker.IsRejection(err):
			sess.RecordOutcome(true, latency)
			return err
		default:
			sess.RecordOutcome(false, latency)
			lastErr = err
		}
	}

	return fmt.Errorf("%w: %v", ErrSubmissionFailed, lastErr)
}

// NotifyDown queues a reconciliation sweep for a broker whose session just
// went down. Wired as the session registry's transition callback.
func (m *Manager) NotifyDown(brokerID string, _, to session.State) {
	if to != session.StateDown {
		return
	}
	select {
	case m.downCh <- brokerID:
	default:
		// a sweep is already queued; the periodic pass will cover it
	}
}

// Run sweeps periodically and on down transitions until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.policy.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case brokerID := <-m.downCh:
			m.sweepBroker(ctx, brokerID)
		case <-ticker.C:
			for _, sess := range m.registry.All() {
				if sess.State() != session.StateHealthy {
					m.sweepBroker(ctx, sess.ID())
				}
			}
		}
	}
}

// sweepBroker re-derives the true state of every open order on a broker:
// submitted orders are polled and their status folded back through the
// reconciliation engine, orders that never left are rerouted.
func (m *Manager) sweepBroker(ctx context.Context, brokerID string) {
	sess, ok := m.registry.Get(brokerID)
	if !ok {
		return
	}

	orders, err := m.store.ListOpenOrdersByBroker(ctx, brokerID)
	if err != nil {
		m.logger.Error("sweep: list open orders failed", "broker", brokerID, "error", err)
		return
	}
	if len(orders) == 0 {
		return
	}

	m.logger.Info("sweeping broker orders", "broker", brokerID, "orders", len(orders))

	for _, order := range orders {
		if order.BrokerOrderID == "" {
			if order.Status == storage.StatusPendingSubmit && m.rerouter != nil {
				if err := m.rerouter.RerouteOrder(ctx, order, brokerID); err != nil {
					m.logger.Error("sweep: reroute failed",
						"order_id", order.ID.String(),
						"broker", brokerID,
						"error", err)
				}
			}
			continue
		}

		status, ok := m.confirm(ctx, sess, order.BrokerOrderID)
		if !ok || !status.Found {
			continue
		}
		event := statusToEvent(status)
		if err := m.applier.ApplyBrokerEvent(ctx, brokerID, order.BrokerOrderID, event); err != nil {
			m.logger.Error("sweep: apply polled status failed",
				"order_id", order.ID.String(),
				"broker", brokerID,
				"error", err)
		}
	}
}

func statusToEvent(status broker.Status) broker.Event {
	return broker.Event{
		Type:      status.State,
		FilledQty: status.FilledQty,
		AvgPrice:  status.AvgPrice,
		Sequence:  status.Sequence,
		Timestamp: time.Now().UTC(),
	}
}
