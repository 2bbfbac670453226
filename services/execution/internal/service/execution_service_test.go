package service

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"

	"github.com/trademaster/execd/services/execution/internal/broker"
	"github.com/trademaster/execd/services/execution/internal/instrument"
	"github.com/trademaster/execd/services/execution/internal/reconcile"
	"github.com/trademaster/execd/services/execution/internal/recovery"
	"github.com/trademaster/execd/services/execution/internal/routing"
	"github.com/trademaster/execd/services/execution/internal/session"
	"github.com/trademaster/execd/services/execution/internal/storage"
	"github.com/trademaster/execd/services/execution/internal/translation"
)

type memStore struct {
	mu        sync.Mutex
	orders    map[uuid.UUID]*storage.Order
	decisions map[uuid.UUID][]storage.RoutingDecision
	handled   map[string]bool
	audits    []storage.AuditEntry
}

func newMemStore() *memStore {
	return &memStore{
		orders:    make(map[uuid.UUID]*storage.Order),
		decisions: make(map[uuid.UUID][]storage.RoutingDecision),
		handled:   make(map[string]bool),
	}
}

func (m *memStore) CreateOrder(ctx context.Context, order *storage.Order) (*storage.Order, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.orders {
		if existing.UserID == order.UserID && existing.ClientOrderID == order.ClientOrderID {
			copied := *existing
			return &copied, false, nil
		}
	}
	copied := *order
	copied.Status = storage.StatusPendingSubmit
	copied.CreatedAt = time.Now().UTC()
	copied.UpdatedAt = copied.CreatedAt
	m.orders[copied.ID] = &copied
	out := copied
	return &out, true, nil
}

func (m *memStore) GetOrder(ctx context.Context, orderID uuid.UUID) (*storage.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	order, ok := m.orders[orderID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	copied := *order
	return &copied, nil
}

func (m *memStore) GetOrderForUser(ctx context.Context, userID, orderID uuid.UUID) (*storage.Order, error) {
	order, err := m.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order.UserID != userID {
		return nil, storage.ErrNotFound
	}
	return order, nil
}

func (m *memStore) GetOrderByBrokerRef(ctx context.Context, brokerID, brokerOrderID string) (*storage.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, order := range m.orders {
		if order.BrokerID == brokerID && order.BrokerOrderID == brokerOrderID {
			copied := *order
			return &copied, nil
		}
	}
	return nil, storage.ErrNotFound
}

func (m *memStore) ListOrders(ctx context.Context, userID uuid.UUID, filter storage.OrderFilter) ([]storage.Order, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []storage.Order
	for _, order := range m.orders {
		if order.UserID == userID {
			out = append(out, *order)
		}
	}
	return out, "", nil
}

func (m *memStore) ListOpenOrdersByBroker(ctx context.Context, brokerID string) ([]storage.Order, error) {
	return nil, nil
}

func (m *memStore) AssignBroker(ctx context.Context, orderID uuid.UUID, brokerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	order, ok := m.orders[orderID]
	if !ok {
		return storage.ErrNotFound
	}
	if order.Status != storage.StatusPendingSubmit {
		return storage.ErrInvalidStatus
	}
	order.BrokerID = brokerID
	return nil
}

func (m *memStore) MarkSubmitted(ctx context.Context, orderID uuid.UUID, brokerOrderID string) (*storage.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	order, ok := m.orders[orderID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	if order.Status != storage.StatusPendingSubmit {
		return nil, storage.ErrInvalidStatus
	}
	order.Status = storage.StatusSubmitted
	order.BrokerOrderID = brokerOrderID
	copied := *order
	return &copied, nil
}

func (m *memStore) MarkOrderStatus(ctx context.Context, orderID uuid.UUID, status, reason string) (*storage.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	order, ok := m.orders[orderID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	if storage.IsTerminalStatus(order.Status) {
		return nil, storage.ErrInvalidStatus
	}
	order.Status = status
	order.StatusReason = reason
	copied := *order
	return &copied, nil
}

func (m *memStore) UpdateOrderFromEvent(ctx context.Context, eventID string, orderID uuid.UUID, update storage.OrderUpdate) (*storage.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.handled[eventID] {
		return nil, storage.ErrAlreadyHandled
	}
	order, ok := m.orders[orderID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	m.handled[eventID] = true
	order.Status = update.Status
	order.FilledQty = update.FilledQty
	order.AvgFillPrice = update.AvgFillPrice
	order.LastSequence = update.LastSequence
	if update.StatusReason != "" {
		order.StatusReason = update.StatusReason
	}
	copied := *order
	return &copied, nil
}

func (m *memStore) UpdateOrderParams(ctx context.Context, orderID uuid.UUID, quantity decimal.Decimal, limitPrice, stopPrice, targetPrice *decimal.Decimal) (*storage.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	order, ok := m.orders[orderID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	if order.Frozen || (order.Status != storage.StatusAcknowledged && order.Status != storage.StatusPartiallyFilled) {
		return nil, storage.ErrInvalidStatus
	}
	order.Quantity = quantity
	order.LimitPrice = limitPrice
	order.StopPrice = stopPrice
	order.TargetPrice = targetPrice
	order.Revision++
	copied := *order
	return &copied, nil
}

func (m *memStore) FreezeOrder(ctx context.Context, orderID uuid.UUID, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	order, ok := m.orders[orderID]
	if !ok {
		return storage.ErrNotFound
	}
	order.Frozen = true
	order.StatusReason = reason
	return nil
}

func (m *memStore) InsertRoutingDecision(ctx context.Context, decision *storage.RoutingDecision) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.decisions[decision.OrderID] = append(m.decisions[decision.OrderID], *decision)
	return nil
}

func (m *memStore) ListRoutingDecisions(ctx context.Context, orderID uuid.UUID) ([]storage.RoutingDecision, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]storage.RoutingDecision(nil), m.decisions[orderID]...), nil
}

func (m *memStore) InsertAudit(ctx context.Context, entry *storage.AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.audits = append(m.audits, *entry)
	return nil
}

// stubAdapter answers Submit from a queue of canned responses.
type stubAdapter struct {
	mu        sync.Mutex
	submits   []func() (broker.Ack, error)
	submitted int
	cancelErr error
	modifyErr error
}

func (a *stubAdapter) Name() string { return "stub" }

func (a *stubAdapter) Submit(ctx context.Context, req broker.OrderRequest) (broker.Ack, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.submitted >= len(a.submits) {
		return broker.Ack{}, errors.New("no scripted response")
	}
	fn := a.submits[a.submitted]
	a.submitted++
	return fn()
}

func (a *stubAdapter) Modify(ctx context.Context, nativeOrderID string, req broker.OrderRequest) error {
	return a.modifyErr
}

func (a *stubAdapter) Cancel(ctx context.Context, nativeOrderID string) error {
	return a.cancelErr
}

func (a *stubAdapter) PollStatus(ctx context.Context, orderID string) (broker.Status, error) {
	return broker.Status{Found: false}, nil
}

func (a *stubAdapter) Heartbeat(ctx context.Context) error { return nil }

func ackOnce(nativeID string) []func() (broker.Ack, error) {
	return []func() (broker.Ack, error){
		func() (broker.Ack, error) { return broker.Ack{NativeOrderID: nativeID}, nil },
	}
}

type testEnv struct {
	store   *memStore
	service *ExecutionService
}

func newTestEnv(t *testing.T, adapters map[string]broker.Adapter) *testEnv {
	t.Helper()
	return newTestEnvWith(t, func(broker.EventSink) map[string]broker.Adapter {
		return adapters
	})
}

// newTestEnvWith lets a test wire adapters that deliver events back into the
// reconciliation engine, the way main wires the paper adapter.
func newTestEnvWith(t *testing.T, build func(sink broker.EventSink) map[string]broker.Adapter) *testEnv {
	t.Helper()

	store := newMemStore()
	cache := instrument.NewCache()
	if err := cache.Load(context.Background(), &staticInstruments{}); err != nil {
		t.Fatalf("load instruments: %v", err)
	}
	translator := translation.NewTranslator(cache)
	quality := routing.NewQualityTracker()
	engine := reconcile.NewEngine(store, nil, quality, nil, nil, "orders.state_changed", slog.Default())
	registry := session.NewRegistry()
	costs := map[string]float64{"alpha": 1, "beta": 2, "gamma": 3}
	for id, adapter := range build(engine) {
		registry.Register(session.NewSession(session.SessionConfig{
			ID:      id,
			Adapter: adapter,
			Capabilities: translation.Capabilities{
				OrderTypes:  []string{storage.OrderTypeMarket, storage.OrderTypeLimit},
				TimeInForce: []string{storage.TimeInForceDay, storage.TimeInForceIOC, storage.TimeInForceGTC},
			},
			CostBps:    costs[id],
			Limiter:    session.NewMemoryLimiter(100, time.Minute),
			RateLimit:  100,
			RateWindow: time.Minute,
			Policy:     session.DefaultPolicy(),
		}, slog.Default()))
	}

	router := routing.NewRouter(registry, quality, store, routing.DefaultWeights(), slog.Default())
	recoveryMgr := recovery.NewManager(recovery.Policy{
		MaxAttempts:   2,
		BaseBackoff:   time.Millisecond,
		MaxBackoff:    time.Millisecond,
		Multiplier:    1,
		CallTimeout:   time.Second,
		SweepInterval: time.Hour,
	}, registry, store, engine, slog.Default())
	metrics := NewMetrics(prometheus.NewRegistry())

	svc := NewExecutionService(store, translator, router, quality, registry, recoveryMgr, engine, slog.Default(), metrics)
	svc.SetSyncDispatch()
	recoveryMgr.SetRerouter(svc)
	return &testEnv{store: store, service: svc}
}

type staticInstruments struct{}

func (s *staticInstruments) ListActiveInstruments(ctx context.Context) ([]storage.Instrument, error) {
	return []storage.Instrument{
		{Symbol: "AAPL", TickSize: decimal.NewFromFloat(0.01), LotSize: decimal.NewFromInt(1), Status: "active"},
	}, nil
}

func submitInput(userID uuid.UUID) SubmitOrderInput {
	limit := decimal.NewFromFloat(187.25)
	return SubmitOrderInput{
		UserID:        userID,
		ClientOrderID: "client-1",
		Symbol:        "AAPL",
		Side:          storage.SideBuy,
		Type:          storage.OrderTypeLimit,
		TimeInForce:   storage.TimeInForceDay,
		Quantity:      decimal.NewFromInt(100),
		LimitPrice:    &limit,
	}
}

func TestSubmitOrderDispatchesToBroker(t *testing.T) {
	env := newTestEnv(t, map[string]broker.Adapter{
		"alpha": &stubAdapter{submits: ackOnce("A-1")},
	})
	userID := uuid.New()

	result, err := env.service.SubmitOrder(context.Background(), submitInput(userID))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if result.Existing {
		t.Fatal("expected new order")
	}
	if result.Order.Status != storage.StatusSubmitted {
		t.Fatalf("expected submitted, got %s", result.Order.Status)
	}
	if result.Order.BrokerID != "alpha" || result.Order.BrokerOrderID != "A-1" {
		t.Fatalf("expected broker assignment, got %s/%s", result.Order.BrokerID, result.Order.BrokerOrderID)
	}

	decisions, _ := env.store.ListRoutingDecisions(context.Background(), result.Order.ID)
	if len(decisions) != 1 {
		t.Fatalf("expected one routing decision, got %d", len(decisions))
	}
}

func TestSubmitOrderIdempotent(t *testing.T) {
	env := newTestEnv(t, map[string]broker.Adapter{
		"alpha": &stubAdapter{submits: ackOnce("A-1")},
	})
	userID := uuid.New()

	first, err := env.service.SubmitOrder(context.Background(), submitInput(userID))
	if err != nil {
		t.Fatalf("first submit: %v", err)
	}
	second, err := env.service.SubmitOrder(context.Background(), submitInput(userID))
	if err != nil {
		t.Fatalf("second submit: %v", err)
	}
	if !second.Existing {
		t.Fatal("expected duplicate detected")
	}
	if second.Order.ID != first.Order.ID {
		t.Fatal("expected the original order returned")
	}
}

func TestSubmitOrderBrokerRejection(t *testing.T) {
	env := newTestEnv(t, map[string]broker.Adapter{
		"alpha": &stubAdapter{submits: []func() (broker.Ack, error){
			func() (broker.Ack, error) { return broker.Ack{}, &broker.RejectionError{Reason: "insufficient margin"} },
		}},
	})

	result, err := env.service.SubmitOrder(context.Background(), submitInput(uuid.New()))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if result.Order.Status != storage.StatusRejected {
		t.Fatalf("expected rejected, got %s", result.Order.Status)
	}
	if result.Order.StatusReason == "" {
		t.Fatal("expected rejection reason recorded")
	}
}

func TestSubmitOrderFailsOverToSecondBroker(t *testing.T) {
	flaky := &stubAdapter{submits: []func() (broker.Ack, error){
		func() (broker.Ack, error) { return broker.Ack{}, broker.Transient(errors.New("connection refused")) },
		func() (broker.Ack, error) { return broker.Ack{}, broker.Transient(errors.New("connection refused")) },
	}}
	steady := &stubAdapter{submits: ackOnce("B-1")}
	env := newTestEnv(t, map[string]broker.Adapter{
		"alpha": flaky,
		"beta":  steady,
	})

	result, err := env.service.SubmitOrder(context.Background(), submitInput(uuid.New()))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if result.Order.Status != storage.StatusSubmitted {
		t.Fatalf("expected submitted after failover, got %s (%s)", result.Order.Status, result.Order.StatusReason)
	}
	if result.Order.BrokerID != "beta" {
		t.Fatalf("expected failover to beta, got %s", result.Order.BrokerID)
	}

	decisions, _ := env.store.ListRoutingDecisions(context.Background(), result.Order.ID)
	if len(decisions) != 2 {
		t.Fatalf("expected two routing decisions, got %d", len(decisions))
	}
}

func TestSubmitOrderAllBrokersFail(t *testing.T) {
	failing := func() *stubAdapter {
		return &stubAdapter{submits: []func() (broker.Ack, error){
			func() (broker.Ack, error) { return broker.Ack{}, broker.Transient(errors.New("down")) },
			func() (broker.Ack, error) { return broker.Ack{}, broker.Transient(errors.New("down")) },
		}}
	}
	env := newTestEnv(t, map[string]broker.Adapter{
		"alpha": failing(),
		"beta":  failing(),
	})

	result, err := env.service.SubmitOrder(context.Background(), submitInput(uuid.New()))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if result.Order.Status != storage.StatusRejected {
		t.Fatalf("expected rejected, got %s", result.Order.Status)
	}
}

func TestCancelOrderBeforeSubmission(t *testing.T) {
	env := newTestEnv(t, map[string]broker.Adapter{"alpha": &stubAdapter{}})
	userID := uuid.New()

	order := &storage.Order{
		ID:            uuid.New(),
		ClientOrderID: "pending-1",
		UserID:        userID,
		Symbol:        "AAPL",
		Side:          storage.SideBuy,
		Type:          storage.OrderTypeLimit,
		Quantity:      decimal.NewFromInt(10),
	}
	created, _, err := env.store.CreateOrder(context.Background(), order)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	cancelled, err := env.service.CancelOrder(context.Background(), userID, created.ID, "")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if cancelled.Status != storage.StatusCancelled {
		t.Fatalf("expected cancelled, got %s", cancelled.Status)
	}
}

func TestCancelOrderAtBroker(t *testing.T) {
	env := newTestEnv(t, map[string]broker.Adapter{
		"alpha": &stubAdapter{submits: ackOnce("A-1")},
	})
	userID := uuid.New()

	result, err := env.service.SubmitOrder(context.Background(), submitInput(userID))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	cancelled, err := env.service.CancelOrder(context.Background(), userID, result.Order.ID, "")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if cancelled.Status != storage.StatusCancelled {
		t.Fatalf("expected cancelled, got %s", cancelled.Status)
	}
}

func TestCancelOrderWithPaperAdapterSink(t *testing.T) {
	// Wired like cmd/execution: the paper adapter delivers its events straight
	// into the reconciliation engine, so the cancel confirmation arrives while
	// the cancel call is still in flight. Cancelling must not block on it.
	env := newTestEnvWith(t, func(sink broker.EventSink) map[string]broker.Adapter {
		return map[string]broker.Adapter{
			"alpha": broker.NewPaperAdapter(broker.PaperConfig{
				Name:      "alpha",
				FillDelay: time.Hour,
			}, sink, slog.Default()),
		}
	})
	userID := uuid.New()

	result, err := env.service.SubmitOrder(context.Background(), submitInput(userID))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	type cancelResult struct {
		order *storage.Order
		err   error
	}
	done := make(chan cancelResult, 1)
	go func() {
		order, err := env.service.CancelOrder(context.Background(), userID, result.Order.ID, "")
		done <- cancelResult{order, err}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			t.Fatalf("cancel: %v", res.err)
		}
		if res.order.Status != storage.StatusCancelled {
			t.Fatalf("expected cancelled, got %s", res.order.Status)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("cancel did not return; order lock held across the broker call")
	}
}

func TestCancelOrderAlreadyTerminal(t *testing.T) {
	env := newTestEnv(t, map[string]broker.Adapter{
		"alpha": &stubAdapter{submits: ackOnce("A-1")},
	})
	userID := uuid.New()

	result, err := env.service.SubmitOrder(context.Background(), submitInput(userID))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := env.store.MarkOrderStatus(context.Background(), result.Order.ID, storage.StatusFilled, ""); err != nil {
		t.Fatalf("mark filled: %v", err)
	}

	_, err = env.service.CancelOrder(context.Background(), userID, result.Order.ID, "")
	if !errors.Is(err, ErrAlreadyTerminal) {
		t.Fatalf("expected ErrAlreadyTerminal, got %v", err)
	}
}

func TestCancelOrderFrozen(t *testing.T) {
	env := newTestEnv(t, map[string]broker.Adapter{
		"alpha": &stubAdapter{submits: ackOnce("A-1")},
	})
	userID := uuid.New()

	result, err := env.service.SubmitOrder(context.Background(), submitInput(userID))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if err := env.store.FreezeOrder(context.Background(), result.Order.ID, "conflict"); err != nil {
		t.Fatalf("freeze: %v", err)
	}

	_, err = env.service.CancelOrder(context.Background(), userID, result.Order.ID, "")
	if !errors.Is(err, ErrOrderFrozen) {
		t.Fatalf("expected ErrOrderFrozen, got %v", err)
	}
}

func TestModifyOrderAcknowledged(t *testing.T) {
	env := newTestEnv(t, map[string]broker.Adapter{
		"alpha": &stubAdapter{submits: ackOnce("A-1")},
	})
	userID := uuid.New()

	result, err := env.service.SubmitOrder(context.Background(), submitInput(userID))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := env.store.MarkOrderStatus(context.Background(), result.Order.ID, storage.StatusAcknowledged, ""); err != nil {
		t.Fatalf("ack: %v", err)
	}

	newLimit := decimal.NewFromFloat(190.00)
	modified, err := env.service.ModifyOrder(context.Background(), ModifyOrderInput{
		UserID:     userID,
		OrderID:    result.Order.ID,
		Quantity:   decimal.NewFromInt(150),
		LimitPrice: &newLimit,
	})
	if err != nil {
		t.Fatalf("modify: %v", err)
	}
	if !modified.Quantity.Equal(decimal.NewFromInt(150)) {
		t.Fatalf("expected quantity 150, got %s", modified.Quantity)
	}
	if modified.Revision != 1 {
		t.Fatalf("expected revision 1, got %d", modified.Revision)
	}
}

func TestModifyOrderNotModifiableWhenSubmitted(t *testing.T) {
	env := newTestEnv(t, map[string]broker.Adapter{
		"alpha": &stubAdapter{submits: ackOnce("A-1")},
	})
	userID := uuid.New()

	result, err := env.service.SubmitOrder(context.Background(), submitInput(userID))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	limit := decimal.NewFromFloat(190.00)
	_, err = env.service.ModifyOrder(context.Background(), ModifyOrderInput{
		UserID:     userID,
		OrderID:    result.Order.ID,
		Quantity:   decimal.NewFromInt(150),
		LimitPrice: &limit,
	})
	if !errors.Is(err, ErrNotModifiable) {
		t.Fatalf("expected ErrNotModifiable, got %v", err)
	}
}

func TestModifyOrderCannotReduceBelowFilled(t *testing.T) {
	env := newTestEnv(t, map[string]broker.Adapter{
		"alpha": &stubAdapter{submits: ackOnce("A-1")},
	})
	userID := uuid.New()

	result, err := env.service.SubmitOrder(context.Background(), submitInput(userID))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	env.store.mu.Lock()
	order := env.store.orders[result.Order.ID]
	order.Status = storage.StatusPartiallyFilled
	order.FilledQty = decimal.NewFromInt(60)
	env.store.mu.Unlock()

	limit := decimal.NewFromFloat(190.00)
	_, err = env.service.ModifyOrder(context.Background(), ModifyOrderInput{
		UserID:     userID,
		OrderID:    result.Order.ID,
		Quantity:   decimal.NewFromInt(50),
		LimitPrice: &limit,
	})
	var invalid *translation.InvalidParametersError
	if !errors.As(err, &invalid) {
		t.Fatalf("expected InvalidParametersError, got %v", err)
	}
}

func TestGetOrderScopedToUser(t *testing.T) {
	env := newTestEnv(t, map[string]broker.Adapter{
		"alpha": &stubAdapter{submits: ackOnce("A-1")},
	})
	userID := uuid.New()

	result, err := env.service.SubmitOrder(context.Background(), submitInput(userID))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	if _, err := env.service.GetOrder(context.Background(), userID, result.Order.ID); err != nil {
		t.Fatalf("owner lookup: %v", err)
	}
	if _, err := env.service.GetOrder(context.Background(), uuid.New(), result.Order.ID); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected not found for other user, got %v", err)
	}
}

func TestBrokerHealthSnapshots(t *testing.T) {
	env := newTestEnv(t, map[string]broker.Adapter{
		"alpha": &stubAdapter{},
		"beta":  &stubAdapter{},
	})

	snapshots := env.service.BrokerHealth()
	if len(snapshots) != 2 {
		t.Fatalf("expected two sessions, got %d", len(snapshots))
	}
	if snapshots[0].ID != "alpha" || snapshots[1].ID != "beta" {
		t.Fatalf("expected stable order, got %s %s", snapshots[0].ID, snapshots[1].ID)
	}
	if snapshots[0].State != session.StateHealthy {
		t.Fatalf("expected healthy, got %s", snapshots[0].State)
	}
}
