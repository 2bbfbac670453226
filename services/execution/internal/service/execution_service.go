package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/trademaster/execd/services/execution/internal/broker"
	"github.com/trademaster/execd/services/execution/internal/reconcile"
	"github.com/trademaster/execd/services/execution/internal/recovery"
	"github.com/trademaster/execd/services/execution/internal/routing"
	"github.com/trademaster/execd/services/execution/internal/session"
	"github.com/trademaster/execd/services/execution/internal/storage"
	"github.com/trademaster/execd/services/execution/internal/translation"
)

var (
	ErrAlreadyTerminal = errors.New("order already terminal")
	ErrOrderFrozen     = errors.New("order is frozen pending review")
	ErrNotModifiable   = errors.New("order cannot be modified in its current state")
)

const dispatchTimeout = 2 * time.Minute

type OrderStore interface {
	CreateOrder(ctx context.Context, order *storage.Order) (*storage.Order, bool, error)
	GetOrder(ctx context.Context, orderID uuid.UUID) (*storage.Order, error)
	GetOrderForUser(ctx context.Context, userID, orderID uuid.UUID) (*storage.Order, error)
	ListOrders(ctx context.Context, userID uuid.UUID, filter storage.OrderFilter) ([]storage.Order, string, error)
	AssignBroker(ctx context.Context, orderID uuid.UUID, brokerID string) error
	MarkSubmitted(ctx context.Context, orderID uuid.UUID, brokerOrderID string) (*storage.Order, error)
	MarkOrderStatus(ctx context.Context, orderID uuid.UUID, status, reason string) (*storage.Order, error)
	UpdateOrderParams(ctx context.Context, orderID uuid.UUID, quantity decimal.Decimal, limitPrice, stopPrice, targetPrice *decimal.Decimal) (*storage.Order, error)
	ListRoutingDecisions(ctx context.Context, orderID uuid.UUID) ([]storage.RoutingDecision, error)
	InsertAudit(ctx context.Context, entry *storage.AuditEntry) error
}

// ExecutionService is the façade the HTTP layer talks to. Submission is
// two-phase: the order is durably recorded and acknowledged to the caller
// immediately, then routed and submitted to a broker asynchronously.
type ExecutionService struct {
	store      OrderStore
	translator *translation.Translator
	router     *routing.Router
	quality    *routing.QualityTracker
	registry   *session.Registry
	recovery   *recovery.Manager
	engine     *reconcile.Engine
	logger     *slog.Logger
	metrics    *Metrics

	// asyncDispatch is disabled in tests so dispatch outcomes are observable
	// inline
	asyncDispatch bool
}

func NewExecutionService(
	store OrderStore,
	translator *translation.Translator,
	router *routing.Router,
	quality *routing.QualityTracker,
	registry *session.Registry,
	recoveryMgr *recovery.Manager,
	engine *reconcile.Engine,
	logger *slog.Logger,
	metrics *Metrics,
) *ExecutionService {
	if logger == nil {
		logger = slog.Default()
	}
	return &ExecutionService{
		store:         store,
		translator:    translator,
		router:        router,
		quality:       quality,
		registry:      registry,
		recovery:      recoveryMgr,
		engine:        engine,
		logger:        logger,
		metrics:       metrics,
		asyncDispatch: true,
	}
}

// SetSyncDispatch makes SubmitOrder run the dispatch pipeline inline.
func (s *ExecutionService) SetSyncDispatch() {
	s.asyncDispatch = false
}

type SubmitOrderInput struct {
	UserID        uuid.UUID
	ClientOrderID string
	Symbol        string
	Side          string
	Type          string
	TimeInForce   string
	Quantity      decimal.Decimal
	LimitPrice    *decimal.Decimal
	StopPrice     *decimal.Decimal
	TargetPrice   *decimal.Decimal
	CorrelationID string
}

type SubmitOrderResult struct {
	Order    *storage.Order
	Existing bool
}

// SubmitOrder records the order and hands it to the dispatch pipeline.
// Resubmitting the same client_order_id returns the original order instead of
// creating a second one.
func (s *ExecutionService) SubmitOrder(ctx context.Context, input SubmitOrderInput) (*SubmitOrderResult, error) {
	order := &storage.Order{
		ID:            uuid.New(),
		ClientOrderID: input.ClientOrderID,
		UserID:        input.UserID,
		Symbol:        input.Symbol,
		Side:          input.Side,
		Type:          input.Type,
		Quantity:      input.Quantity,
		LimitPrice:    input.LimitPrice,
		StopPrice:     input.StopPrice,
		TargetPrice:   input.TargetPrice,
		TimeInForce:   input.TimeInForce,
		CorrelationID: input.CorrelationID,
	}

	created, isNew, err := s.store.CreateOrder(ctx, order)
	if err != nil {
		s.metrics.OrderSubmissions.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("create order: %w", err)
	}
	if !isNew {
		s.metrics.OrderSubmissions.WithLabelValues("duplicate").Inc()
		return &SubmitOrderResult{Order: created, Existing: true}, nil
	}

	s.audit(ctx, created, "order.submitted", "")
	s.metrics.OrderSubmissions.WithLabelValues("accepted").Inc()

	if s.asyncDispatch {
		go func(order storage.Order) {
			dispatchCtx, cancel := context.WithTimeout(context.Background(), dispatchTimeout)
			defer cancel()
			if err := s.Dispatch(dispatchCtx, order, nil); err != nil {
				s.logger.Error("order dispatch failed",
					"order_id", order.ID.String(),
					"error", err)
			}
		}(*created)
	} else {
		if err := s.Dispatch(ctx, *created, nil); err != nil {
			return nil, err
		}
		created, err = s.store.GetOrder(ctx, created.ID)
		if err != nil {
			return nil, err
		}
	}

	return &SubmitOrderResult{Order: created}, nil
}

// Dispatch routes and submits one pending order, rerouting across brokers
// until one takes it or every candidate is exhausted. Dispatch never leaves
// the order in limbo: the terminal failure paths all move it to rejected with
// a reason.
func (s *ExecutionService) Dispatch(ctx context.Context, order storage.Order, excluded map[string]bool) error {
	if excluded == nil {
		excluded = make(map[string]bool)
	}

	prior, err := s.store.ListRoutingDecisions(ctx, order.ID)
	if err != nil {
		return fmt.Errorf("list routing decisions: %w", err)
	}
	attempt := len(prior)

	maxAttempts := len(s.registry.All())
	for len(excluded) < maxAttempts {
		attempt++

		decision, err := s.router.Route(ctx, &order, attempt, excluded)
		if errors.Is(err, routing.ErrNoAvailableBroker) {
			return s.rejectOrder(ctx, &order, "no_available_broker", "no broker can currently accept this order")
		}
		if err != nil {
			return fmt.Errorf("route order: %w", err)
		}
		s.metrics.RoutingDecisions.WithLabelValues(decision.ChosenBroker).Inc()

		sess, ok := s.registry.Get(decision.ChosenBroker)
		if !ok {
			excluded[decision.ChosenBroker] = true
			continue
		}

		req, err := s.translator.Translate(&order, sess.ID(), sess.Capabilities())
		if err != nil {
			var unsupported *translation.UnsupportedOrderTypeError
			if errors.As(err, &unsupported) {
				excluded[sess.ID()] = true
				continue
			}
			return s.rejectOrder(ctx, &order, "invalid_parameters", err.Error())
		}

		if err := s.store.AssignBroker(ctx, order.ID, sess.ID()); err != nil {
			if errors.Is(err, storage.ErrInvalidStatus) {
				// an async event already moved the order on; nothing to do
				s.logger.Info("dispatch skipped, order no longer pending",
					"order_id", order.ID.String())
				return nil
			}
			return fmt.Errorf("assign broker: %w", err)
		}
		order.BrokerID = sess.ID()

		start := time.Now()
		ack, err := s.recovery.SubmitWithRecovery(ctx, sess, req)
		s.metrics.SubmissionLatency.WithLabelValues(sess.ID()).Observe(time.Since(start).Seconds())

		switch {
		case err == nil:
			return s.markSubmitted(ctx, &order, ack)

		case broker.IsRejection(err):
			s.quality.Record(sess.ID(), order.Symbol, 0)
			var rejection *broker.RejectionError
			errors.As(err, &rejection)
			return s.rejectOrder(ctx, &order, "broker_rejected", rejection.Reason)

		default:
			s.logger.Warn("submission attempt exhausted, rerouting",
				"order_id", order.ID.String(),
				"broker", sess.ID(),
				"error", err)
			excluded[sess.ID()] = true
		}
	}

	return s.rejectOrder(ctx, &order, "submission_failed", "all eligible brokers failed to take the order")
}

// RerouteOrder satisfies the recovery manager's callback for orders stranded
// in pending_submit on a dead broker.
func (s *ExecutionService) RerouteOrder(ctx context.Context, order storage.Order, excludeBroker string) error {
	return s.Dispatch(ctx, order, map[string]bool{excludeBroker: true})
}

func (s *ExecutionService) markSubmitted(ctx context.Context, order *storage.Order, ack broker.Ack) error {
	updated, err := s.store.MarkSubmitted(ctx, order.ID, ack.NativeOrderID)
	if err != nil {
		if errors.Is(err, storage.ErrInvalidStatus) {
			// a broker event outran the submit response; the event already
			// carries the later state
			s.logger.Info("submit ack arrived after broker event",
				"order_id", order.ID.String())
			return nil
		}
		return fmt.Errorf("mark submitted: %w", err)
	}

	s.audit(ctx, updated, "order.routed", "broker "+updated.BrokerID)
	s.engine.PublishStateChanged(ctx, updated)
	return nil
}

func (s *ExecutionService) rejectOrder(ctx context.Context, order *storage.Order, code, detail string) error {
	updated, err := s.store.MarkOrderStatus(ctx, order.ID, storage.StatusRejected, code+": "+detail)
	if err != nil {
		if errors.Is(err, storage.ErrInvalidStatus) {
			return nil
		}
		return fmt.Errorf("reject order: %w", err)
	}

	s.audit(ctx, updated, "order.rejected", detail)
	s.metrics.OrderSubmissions.WithLabelValues("rejected").Inc()
	s.engine.PublishStateChanged(ctx, updated)
	return nil
}

// CancelOrder resolves a user cancellation against live broker state. An
// unsubmitted order cancels locally; anything at a broker needs the broker's
// confirmation. A fully filled order can no longer be cancelled.
func (s *ExecutionService) CancelOrder(ctx context.Context, userID, orderID uuid.UUID, correlationID string) (*storage.Order, error) {
	if _, err := s.store.GetOrderForUser(ctx, userID, orderID); err != nil {
		return nil, err
	}

	var (
		result        *storage.Order
		brokerID      string
		brokerOrderID string
	)
	err := s.engine.Do(orderID, func() error {
		order, err := s.store.GetOrder(ctx, orderID)
		if err != nil {
			return err
		}
		if order.Frozen {
			return ErrOrderFrozen
		}
		if storage.IsTerminalStatus(order.Status) {
			return ErrAlreadyTerminal
		}

		if order.BrokerOrderID == "" {
			result, err = s.store.MarkOrderStatus(ctx, orderID, storage.StatusCancelled, "cancelled before submission")
			return err
		}

		brokerID, brokerOrderID = order.BrokerID, order.BrokerOrderID
		return nil
	})
	if err != nil {
		s.metrics.OrderCancellations.WithLabelValues("failed").Inc()
		return nil, err
	}

	if result == nil {
		// The broker call must not run under the order's lock: adapters may
		// deliver the cancel confirmation back into the reconciliation engine
		// before the call returns.
		result, err = s.cancelAtBroker(ctx, orderID, brokerID, brokerOrderID)
		if err != nil {
			s.metrics.OrderCancellations.WithLabelValues("failed").Inc()
			return nil, err
		}
	}

	s.audit(ctx, result, "order.cancelled", "")
	s.metrics.OrderCancellations.WithLabelValues("cancelled").Inc()
	s.engine.PublishStateChanged(ctx, result)
	return result, nil
}

func (s *ExecutionService) cancelAtBroker(ctx context.Context, orderID uuid.UUID, brokerID, brokerOrderID string) (*storage.Order, error) {
	sess, ok := s.registry.Get(brokerID)
	if !ok {
		return nil, fmt.Errorf("no session for broker %s", brokerID)
	}

	err := s.recovery.CallWithRetry(ctx, sess, func(callCtx context.Context) error {
		return sess.Adapter().Cancel(callCtx, brokerOrderID)
	})
	if err != nil {
		if broker.IsRejection(err) {
			// typically the order filled while the cancel was in flight; the
			// fill event settles the final state
			return nil, fmt.Errorf("%w: %v", ErrAlreadyTerminal, err)
		}
		return nil, err
	}

	var result *storage.Order
	err = s.engine.Do(orderID, func() error {
		updated, err := s.store.MarkOrderStatus(ctx, orderID, storage.StatusCancelled, "cancelled by user")
		if errors.Is(err, storage.ErrInvalidStatus) {
			current, getErr := s.store.GetOrder(ctx, orderID)
			if getErr != nil {
				return getErr
			}
			if current.Status == storage.StatusCancelled {
				// the broker's confirmation event beat us to the transition
				result = current
				return nil
			}
			// a fill won the race after the broker accepted the cancel
			return ErrAlreadyTerminal
		}
		if err != nil {
			return err
		}
		result = updated
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

type ModifyOrderInput struct {
	UserID        uuid.UUID
	OrderID       uuid.UUID
	Quantity      decimal.Decimal
	LimitPrice    *decimal.Decimal
	StopPrice     *decimal.Decimal
	TargetPrice   *decimal.Decimal
	CorrelationID string
}

// ModifyOrder applies a price or quantity change to a working order. The
// broker sees the change first; local state only mutates after the broker
// accepts, so a rejected modification leaves the order exactly as it was.
func (s *ExecutionService) ModifyOrder(ctx context.Context, input ModifyOrderInput) (*storage.Order, error) {
	if _, err := s.store.GetOrderForUser(ctx, input.UserID, input.OrderID); err != nil {
		return nil, err
	}

	var result *storage.Order
	err := s.engine.Do(input.OrderID, func() error {
		order, err := s.store.GetOrder(ctx, input.OrderID)
		if err != nil {
			return err
		}
		if order.Frozen {
			return ErrOrderFrozen
		}
		if storage.IsTerminalStatus(order.Status) {
			return ErrAlreadyTerminal
		}
		if order.Status != storage.StatusAcknowledged && order.Status != storage.StatusPartiallyFilled {
			return ErrNotModifiable
		}
		if input.Quantity.LessThan(order.FilledQty) {
			return &translation.InvalidParametersError{
				Field:  "quantity",
				Detail: fmt.Sprintf("cannot reduce below filled quantity %s", order.FilledQty),
			}
		}

		candidate := *order
		candidate.Quantity = input.Quantity
		candidate.LimitPrice = input.LimitPrice
		candidate.StopPrice = input.StopPrice
		candidate.TargetPrice = input.TargetPrice

		sess, ok := s.registry.Get(order.BrokerID)
		if !ok {
			return fmt.Errorf("no session for broker %s", order.BrokerID)
		}

		req, err := s.translator.Translate(&candidate, sess.ID(), sess.Capabilities())
		if err != nil {
			return err
		}

		err = s.recovery.CallWithRetry(ctx, sess, func(callCtx context.Context) error {
			return sess.Adapter().Modify(callCtx, order.BrokerOrderID, req)
		})
		if err != nil {
			return err
		}

		result, err = s.store.UpdateOrderParams(ctx, input.OrderID, input.Quantity, input.LimitPrice, input.StopPrice, input.TargetPrice)
		return err
	})
	if err != nil {
		s.metrics.OrderModifications.WithLabelValues("failed").Inc()
		return nil, err
	}

	s.audit(ctx, result, "order.modified", fmt.Sprintf("revision %d", result.Revision))
	s.metrics.OrderModifications.WithLabelValues("accepted").Inc()
	s.engine.PublishStateChanged(ctx, result)
	return result, nil
}

func (s *ExecutionService) GetOrder(ctx context.Context, userID, orderID uuid.UUID) (*storage.Order, error) {
	return s.store.GetOrderForUser(ctx, userID, orderID)
}

func (s *ExecutionService) ListOrders(ctx context.Context, userID uuid.UUID, filter storage.OrderFilter) ([]storage.Order, string, error) {
	return s.store.ListOrders(ctx, userID, filter)
}

func (s *ExecutionService) GetRoutingDecisions(ctx context.Context, userID, orderID uuid.UUID) ([]storage.RoutingDecision, error) {
	if _, err := s.store.GetOrderForUser(ctx, userID, orderID); err != nil {
		return nil, err
	}
	return s.store.ListRoutingDecisions(ctx, orderID)
}

// BrokerHealth reports the live session snapshots, refreshing the state gauge
// as a side effect.
func (s *ExecutionService) BrokerHealth() []session.Snapshot {
	sessions := s.registry.All()
	snapshots := make([]session.Snapshot, 0, len(sessions))
	for _, sess := range sessions {
		snap := sess.Snapshot()
		snapshots = append(snapshots, snap)
		s.metrics.BrokerSessionState.WithLabelValues(snap.ID).Set(stateGaugeValue(snap.State))
	}
	return snapshots
}

func stateGaugeValue(state session.State) float64 {
	switch state {
	case session.StateDegraded:
		return 1
	case session.StateDown:
		return 2
	default:
		return 0
	}
}

func (s *ExecutionService) audit(ctx context.Context, order *storage.Order, action, detail string) {
	if order == nil {
		return
	}
	if err := s.store.InsertAudit(ctx, &storage.AuditEntry{
		ID:            uuid.New(),
		OrderID:       order.ID,
		UserID:        order.UserID,
		Action:        action,
		Detail:        detail,
		CorrelationID: order.CorrelationID,
	}); err != nil {
		s.logger.Error("audit insert failed",
			"order_id", order.ID.String(),
			"action", action,
			"error", err)
	}
}
