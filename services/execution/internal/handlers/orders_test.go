package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/trademaster/execd/services/execution/internal/position"
	"github.com/trademaster/execd/services/execution/internal/service"
	"github.com/trademaster/execd/services/execution/internal/session"
	"github.com/trademaster/execd/services/execution/internal/storage"
	"github.com/trademaster/execd/services/testutil"
)

type fakeService struct {
	submitResult *service.SubmitOrderResult
	submitErr    error
	lastSubmit   *service.SubmitOrderInput

	order     *storage.Order
	orderErr  error
	cancelErr error
	modifyErr error
	decisions []storage.RoutingDecision
	snapshots []session.Snapshot
}

func (f *fakeService) SubmitOrder(ctx context.Context, input service.SubmitOrderInput) (*service.SubmitOrderResult, error) {
	f.lastSubmit = &input
	return f.submitResult, f.submitErr
}

func (f *fakeService) CancelOrder(ctx context.Context, userID, orderID uuid.UUID, correlationID string) (*storage.Order, error) {
	if f.cancelErr != nil {
		return nil, f.cancelErr
	}
	return f.order, nil
}

func (f *fakeService) ModifyOrder(ctx context.Context, input service.ModifyOrderInput) (*storage.Order, error) {
	if f.modifyErr != nil {
		return nil, f.modifyErr
	}
	return f.order, nil
}

func (f *fakeService) GetOrder(ctx context.Context, userID, orderID uuid.UUID) (*storage.Order, error) {
	if f.orderErr != nil {
		return nil, f.orderErr
	}
	return f.order, nil
}

func (f *fakeService) ListOrders(ctx context.Context, userID uuid.UUID, filter storage.OrderFilter) ([]storage.Order, string, error) {
	if f.order == nil {
		return nil, "", nil
	}
	return []storage.Order{*f.order}, "next", nil
}

func (f *fakeService) GetRoutingDecisions(ctx context.Context, userID, orderID uuid.UUID) ([]storage.RoutingDecision, error) {
	if f.orderErr != nil {
		return nil, f.orderErr
	}
	return f.decisions, nil
}

func (f *fakeService) BrokerHealth() []session.Snapshot {
	return f.snapshots
}

type fakePositions struct {
	views []position.View
}

func (f *fakePositions) UserPositions(ctx context.Context, userID uuid.UUID) ([]position.View, error) {
	return f.views, nil
}

func sampleOrder() *storage.Order {
	limit := decimal.NewFromFloat(187.25)
	now := time.Now().UTC()
	return &storage.Order{
		ID:            uuid.New(),
		ClientOrderID: "client-1",
		UserID:        testutil.DemoUserID,
		Symbol:        "AAPL",
		Side:          storage.SideBuy,
		Type:          storage.OrderTypeLimit,
		Quantity:      decimal.NewFromInt(100),
		LimitPrice:    &limit,
		TimeInForce:   storage.TimeInForceDay,
		Status:        storage.StatusPendingSubmit,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

func setupRouter(t *testing.T, svc ExecutionService, positions PositionService) (*gin.Engine, string) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	router := gin.New()
	h := New(svc, positions, nil)
	h.Register(router, []byte("secret"))

	token, err := testutil.GenerateJWT(testutil.DemoUserID, []byte("secret"), time.Hour, time.Now())
	if err != nil {
		t.Fatalf("generate jwt: %v", err)
	}
	return router, token
}

func createOrderBody() map[string]string {
	return map[string]string{
		"client_order_id": "client-1",
		"symbol":          "AAPL",
		"side":            "buy",
		"type":            "limit",
		"quantity":        "100",
		"limit_price":     "187.25",
	}
}

func TestCreateOrderUnauthorized(t *testing.T) {
	router, _ := setupRouter(t, &fakeService{}, &fakePositions{})

	resp := testutil.MakeAPIRequest(router, http.MethodPost, "/orders", createOrderBody())
	testutil.AssertErrorCode(t, resp, testutil.ErrorCodeUnauthorized)
}

func TestCreateOrderForbiddenWithoutTradeScope(t *testing.T) {
	svc := &fakeService{}
	router, _ := setupRouter(t, svc, &fakePositions{})

	token, err := testutil.GenerateJWTWithScopes(testutil.DemoUserID, []byte("secret"), time.Hour, time.Now(), []string{"read"})
	if err != nil {
		t.Fatalf("generate jwt: %v", err)
	}
	resp := testutil.MakeAuthRequest(router, http.MethodPost, "/orders", createOrderBody(), token)
	testutil.AssertHTTPStatus(t, resp, http.StatusForbidden)
	if svc.lastSubmit != nil {
		t.Fatal("service must not be called without the trade scope")
	}
}

func TestCreateOrderAccepted(t *testing.T) {
	svc := &fakeService{submitResult: &service.SubmitOrderResult{Order: sampleOrder()}}
	router, token := setupRouter(t, svc, &fakePositions{})

	resp := testutil.MakeAuthRequest(router, http.MethodPost, "/orders", createOrderBody(), token)
	testutil.AssertHTTPStatus(t, resp, http.StatusAccepted)

	var body struct {
		OrderID string `json:"order_id"`
		Status  string `json:"status"`
	}
	if err := json.Unmarshal(resp.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if body.Status != storage.StatusPendingSubmit {
		t.Fatalf("expected pending_submit, got %s", body.Status)
	}
	if svc.lastSubmit == nil {
		t.Fatal("expected service invoked")
	}
	if svc.lastSubmit.UserID != testutil.DemoUserID {
		t.Fatalf("expected user from token, got %s", svc.lastSubmit.UserID)
	}
	if svc.lastSubmit.Symbol != "AAPL" || !svc.lastSubmit.Quantity.Equal(decimal.NewFromInt(100)) {
		t.Fatalf("unexpected submit input %+v", svc.lastSubmit)
	}
}

func TestCreateOrderDuplicateReturnsOK(t *testing.T) {
	svc := &fakeService{submitResult: &service.SubmitOrderResult{Order: sampleOrder(), Existing: true}}
	router, token := setupRouter(t, svc, &fakePositions{})

	resp := testutil.MakeAuthRequest(router, http.MethodPost, "/orders", createOrderBody(), token)
	testutil.AssertHTTPStatus(t, resp, http.StatusOK)
}

func TestCreateOrderIdempotencyKeyHeader(t *testing.T) {
	svc := &fakeService{submitResult: &service.SubmitOrderResult{Order: sampleOrder()}}
	router, token := setupRouter(t, svc, &fakePositions{})

	payload, _ := json.Marshal(createOrderBody())
	resp := testutil.MakeAuthRequestWithHeaders(router, http.MethodPost, "/orders", payload, token, map[string]string{
		"Idempotency-Key": "idem-42",
	})
	testutil.AssertHTTPStatus(t, resp, http.StatusAccepted)
	if svc.lastSubmit.ClientOrderID != "idem-42" {
		t.Fatalf("expected header to win, got %s", svc.lastSubmit.ClientOrderID)
	}
}

func TestCreateOrderValidationErrors(t *testing.T) {
	svc := &fakeService{submitResult: &service.SubmitOrderResult{Order: sampleOrder()}}
	router, token := setupRouter(t, svc, &fakePositions{})

	body := createOrderBody()
	body["side"] = "hold"
	body["quantity"] = "-5"

	resp := testutil.MakeAuthRequest(router, http.MethodPost, "/orders", body, token)
	testutil.AssertErrorCode(t, resp, testutil.ErrorCodeInvalidRequest)

	var errBody struct {
		Fields []struct {
			Field string `json:"field"`
		} `json:"fields"`
	}
	if err := json.Unmarshal(resp.Body.Bytes(), &errBody); err != nil {
		t.Fatalf("decode error response: %v", err)
	}
	if len(errBody.Fields) < 2 {
		t.Fatalf("expected field errors for side and quantity, got %+v", errBody.Fields)
	}
	if svc.lastSubmit != nil {
		t.Fatal("service must not be called for invalid requests")
	}
}

func TestGetOrderNotFound(t *testing.T) {
	svc := &fakeService{orderErr: storage.ErrNotFound}
	router, token := setupRouter(t, svc, &fakePositions{})

	resp := testutil.MakeAuthRequest(router, http.MethodGet, "/orders/"+uuid.NewString(), nil, token)
	testutil.AssertErrorCode(t, resp, testutil.ErrorCodeNotFound)
}

func TestGetOrderInvalidID(t *testing.T) {
	router, token := setupRouter(t, &fakeService{}, &fakePositions{})

	resp := testutil.MakeAuthRequest(router, http.MethodGet, "/orders/not-a-uuid", nil, token)
	testutil.AssertErrorCode(t, resp, testutil.ErrorCodeInvalidRequest)
}

func TestGetOrderReturnsProjection(t *testing.T) {
	order := sampleOrder()
	order.Status = storage.StatusPartiallyFilled
	order.FilledQty = decimal.NewFromInt(40)
	svc := &fakeService{order: order}
	router, token := setupRouter(t, svc, &fakePositions{})

	resp := testutil.MakeAuthRequest(router, http.MethodGet, "/orders/"+order.ID.String(), nil, token)
	testutil.AssertHTTPStatus(t, resp, http.StatusOK)

	var body struct {
		OrderID    string  `json:"order_id"`
		Status     string  `json:"status"`
		FilledQty  string  `json:"filled_qty"`
		LimitPrice *string `json:"limit_price"`
	}
	if err := json.Unmarshal(resp.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if body.OrderID != order.ID.String() || body.Status != storage.StatusPartiallyFilled {
		t.Fatalf("unexpected body %+v", body)
	}
	if body.FilledQty != "40" {
		t.Fatalf("expected filled qty 40, got %s", body.FilledQty)
	}
	if body.LimitPrice == nil || *body.LimitPrice != "187.25" {
		t.Fatalf("expected limit price 187.25, got %v", body.LimitPrice)
	}
}

func TestCancelOrderConflicts(t *testing.T) {
	cases := []struct {
		name string
		err  error
		code string
	}{
		{"terminal", service.ErrAlreadyTerminal, testutil.ErrorCodeAlreadyTerminal},
		{"frozen", service.ErrOrderFrozen, testutil.ErrorCodeOrderFrozen},
		{"not found", storage.ErrNotFound, testutil.ErrorCodeNotFound},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			svc := &fakeService{cancelErr: tc.err}
			router, token := setupRouter(t, svc, &fakePositions{})

			resp := testutil.MakeAuthRequest(router, http.MethodDelete, "/orders/"+uuid.NewString(), nil, token)
			testutil.AssertErrorCode(t, resp, tc.code)
		})
	}
}

func TestModifyOrderNotModifiable(t *testing.T) {
	svc := &fakeService{modifyErr: service.ErrNotModifiable}
	router, token := setupRouter(t, svc, &fakePositions{})

	resp := testutil.MakeAuthRequest(router, http.MethodPatch, "/orders/"+uuid.NewString(), map[string]string{
		"quantity":    "150",
		"limit_price": "190.00",
	}, token)
	testutil.AssertErrorCode(t, resp, testutil.ErrorCodeNotModifiable)
}

func TestModifyOrderInvalidQuantity(t *testing.T) {
	router, token := setupRouter(t, &fakeService{order: sampleOrder()}, &fakePositions{})

	resp := testutil.MakeAuthRequest(router, http.MethodPatch, "/orders/"+uuid.NewString(), map[string]string{
		"quantity": "-10",
	}, token)
	testutil.AssertErrorCode(t, resp, testutil.ErrorCodeInvalidRequest)
}

func TestListPositions(t *testing.T) {
	mark := decimal.NewFromInt(12)
	unrealized := decimal.NewFromInt(200)
	views := []position.View{{
		Position: storage.Position{
			UserID:      testutil.DemoUserID,
			Symbol:      "AAPL",
			NetQty:      decimal.NewFromInt(100),
			AvgCost:     decimal.NewFromInt(10),
			RealizedPnL: decimal.Zero,
			BrokerQty:   map[string]decimal.Decimal{"alpha": decimal.NewFromInt(100)},
			UpdatedAt:   time.Now().UTC(),
		},
		MarkPrice:     &mark,
		UnrealizedPnL: &unrealized,
	}}
	router, token := setupRouter(t, &fakeService{}, &fakePositions{views: views})

	resp := testutil.MakeAuthRequest(router, http.MethodGet, "/positions", nil, token)
	testutil.AssertHTTPStatus(t, resp, http.StatusOK)

	var body struct {
		Positions []struct {
			Symbol        string            `json:"symbol"`
			NetQty        string            `json:"net_qty"`
			UnrealizedPnL *string           `json:"unrealized_pnl"`
			BrokerQty     map[string]string `json:"broker_qty"`
		} `json:"positions"`
	}
	if err := json.Unmarshal(resp.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(body.Positions) != 1 {
		t.Fatalf("expected one position, got %d", len(body.Positions))
	}
	got := body.Positions[0]
	if got.Symbol != "AAPL" || got.NetQty != "100" {
		t.Fatalf("unexpected position %+v", got)
	}
	if got.UnrealizedPnL == nil || *got.UnrealizedPnL != "200" {
		t.Fatalf("expected unrealized pnl 200, got %v", got.UnrealizedPnL)
	}
	if got.BrokerQty["alpha"] != "100" {
		t.Fatalf("expected broker breakdown, got %v", got.BrokerQty)
	}
}

func TestBrokerHealthEndpoint(t *testing.T) {
	svc := &fakeService{snapshots: []session.Snapshot{
		{ID: "alpha", State: session.StateHealthy, LatencyMS: 12.5, RateHeadroom: 0.8},
		{ID: "beta", State: session.StateDegraded, LatencyMS: 250, RateHeadroom: 0.1},
	}}
	router, token := setupRouter(t, svc, &fakePositions{})

	resp := testutil.MakeAuthRequest(router, http.MethodGet, "/brokers/health", nil, token)
	testutil.AssertHTTPStatus(t, resp, http.StatusOK)

	var body struct {
		Brokers []struct {
			BrokerID string `json:"broker_id"`
			State    string `json:"state"`
		} `json:"brokers"`
	}
	if err := json.Unmarshal(resp.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(body.Brokers) != 2 {
		t.Fatalf("expected two brokers, got %d", len(body.Brokers))
	}
	if body.Brokers[1].State != "degraded" {
		t.Fatalf("expected degraded state surfaced, got %s", body.Brokers[1].State)
	}
}

func TestGetRoutingDecisions(t *testing.T) {
	decision := storage.RoutingDecision{
		ID:           uuid.New(),
		OrderID:      uuid.New(),
		Attempt:      1,
		ChosenBroker: "alpha",
		Candidates: []storage.RoutingCandidate{
			{BrokerID: "alpha", State: "healthy", Eligible: true, Score: decimal.NewFromFloat(0.75)},
			{BrokerID: "beta", State: "down", Reason: "connection down"},
		},
		CreatedAt: time.Now().UTC(),
	}
	svc := &fakeService{decisions: []storage.RoutingDecision{decision}}
	router, token := setupRouter(t, svc, &fakePositions{})

	resp := testutil.MakeAuthRequest(router, http.MethodGet, "/orders/"+decision.OrderID.String()+"/routing", nil, token)
	testutil.AssertHTTPStatus(t, resp, http.StatusOK)

	var body struct {
		Decisions []struct {
			Attempt      int    `json:"attempt"`
			ChosenBroker string `json:"chosen_broker"`
			Candidates   []struct {
				BrokerID string `json:"broker_id"`
				Eligible bool   `json:"eligible"`
			} `json:"candidates"`
		} `json:"decisions"`
	}
	if err := json.Unmarshal(resp.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(body.Decisions) != 1 || body.Decisions[0].ChosenBroker != "alpha" {
		t.Fatalf("unexpected decisions %+v", body.Decisions)
	}
	if len(body.Decisions[0].Candidates) != 2 {
		t.Fatalf("expected both candidates recorded, got %d", len(body.Decisions[0].Candidates))
	}
}
