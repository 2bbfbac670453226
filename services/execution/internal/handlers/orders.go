package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"log/slog"

	"github.com/trademaster/execd/libs/auth"
	"github.com/trademaster/execd/services/execution/internal/position"
	"github.com/trademaster/execd/services/execution/internal/service"
	"github.com/trademaster/execd/services/execution/internal/session"
	"github.com/trademaster/execd/services/execution/internal/storage"
	"github.com/trademaster/execd/services/execution/internal/translation"
	"github.com/trademaster/execd/services/execution/internal/validation"
)

type ExecutionService interface {
	SubmitOrder(ctx context.Context, input service.SubmitOrderInput) (*service.SubmitOrderResult, error)
	CancelOrder(ctx context.Context, userID, orderID uuid.UUID, correlationID string) (*storage.Order, error)
	ModifyOrder(ctx context.Context, input service.ModifyOrderInput) (*storage.Order, error)
	GetOrder(ctx context.Context, userID, orderID uuid.UUID) (*storage.Order, error)
	ListOrders(ctx context.Context, userID uuid.UUID, filter storage.OrderFilter) ([]storage.Order, string, error)
	GetRoutingDecisions(ctx context.Context, userID, orderID uuid.UUID) ([]storage.RoutingDecision, error)
	BrokerHealth() []session.Snapshot
}

type PositionService interface {
	UserPositions(ctx context.Context, userID uuid.UUID) ([]position.View, error)
}

type Handler struct {
	Service   ExecutionService
	Positions PositionService
	Logger    *slog.Logger
}

func New(svc ExecutionService, positions PositionService, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{Service: svc, Positions: positions, Logger: logger}
}

func (h *Handler) Register(r *gin.Engine, jwtSecret []byte) {
	group := r.Group("/", auth.Middleware(jwtSecret))
	group.GET("/orders", h.ListOrders)
	group.GET("/orders/:id", h.GetOrder)
	group.GET("/orders/:id/routing", h.GetRouting)
	group.GET("/positions", h.ListPositions)
	group.GET("/brokers/health", h.BrokerHealth)

	trade := group.Group("/", auth.RequireScope("trade"))
	trade.POST("/orders", h.CreateOrder)
	trade.PATCH("/orders/:id", h.ModifyOrder)
	trade.DELETE("/orders/:id", h.CancelOrder)
}

type createOrderRequest struct {
	ClientOrderID string `json:"client_order_id"`
	Symbol        string `json:"symbol"`
	Side          string `json:"side"`
	Type          string `json:"type"`
	Quantity      string `json:"quantity"`
	LimitPrice    string `json:"limit_price"`
	StopPrice     string `json:"stop_price"`
	TargetPrice   string `json:"target_price"`
	TimeInForce   string `json:"time_in_force"`
}

type createOrderResponse struct {
	OrderID   string `json:"order_id"`
	Status    string `json:"status"`
	Existing  bool   `json:"existing,omitempty"`
	CreatedAt string `json:"created_at"`
}

type orderItem struct {
	OrderID       string  `json:"order_id"`
	ClientOrderID string  `json:"client_order_id"`
	Symbol        string  `json:"symbol"`
	Side          string  `json:"side"`
	Type          string  `json:"type"`
	Quantity      string  `json:"quantity"`
	LimitPrice    *string `json:"limit_price,omitempty"`
	StopPrice     *string `json:"stop_price,omitempty"`
	TargetPrice   *string `json:"target_price,omitempty"`
	FilledQty     string  `json:"filled_qty"`
	AvgFillPrice  string  `json:"avg_fill_price"`
	Status        string  `json:"status"`
	StatusReason  string  `json:"status_reason,omitempty"`
	BrokerID      string  `json:"broker_id,omitempty"`
	Revision      int     `json:"revision"`
	Frozen        bool    `json:"frozen,omitempty"`
	TimeInForce   string  `json:"time_in_force"`
	CreatedAt     string  `json:"created_at"`
	UpdatedAt     string  `json:"updated_at"`
}

type listOrdersResponse struct {
	Orders     []orderItem `json:"orders"`
	NextCursor string      `json:"next_cursor,omitempty"`
}

type errorResponse struct {
	Code    string                  `json:"code"`
	Message string                  `json:"message"`
	Fields  []validation.FieldError `json:"fields,omitempty"`
}

func (h *Handler) CreateOrder(c *gin.Context) {
	userID, ok := userIDFromContext(c)
	if !ok {
		writeError(c, http.StatusUnauthorized, "UNAUTHORIZED", "missing user", nil)
		return
	}

	var req createOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid payload", nil)
		return
	}

	clientOrderID := strings.TrimSpace(req.ClientOrderID)
	if headerKey := strings.TrimSpace(c.GetHeader("Idempotency-Key")); headerKey != "" {
		clientOrderID = headerKey
	}

	errs := validation.ValidateOrderRequest(validation.OrderRequest{
		ClientOrderID: clientOrderID,
		Symbol:        req.Symbol,
		Side:          req.Side,
		Type:          req.Type,
		TimeInForce:   req.TimeInForce,
		Quantity:      req.Quantity,
		LimitPrice:    req.LimitPrice,
		StopPrice:     req.StopPrice,
		TargetPrice:   req.TargetPrice,
	})
	if len(errs) > 0 {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid request", errs)
		return
	}

	tif := strings.ToLower(strings.TrimSpace(req.TimeInForce))
	if tif == "" {
		tif = storage.TimeInForceDay
	}

	qty, _ := decimal.NewFromString(strings.TrimSpace(req.Quantity))

	input := service.SubmitOrderInput{
		UserID:        userID,
		ClientOrderID: clientOrderID,
		Symbol:        validation.NormalizeSymbol(req.Symbol),
		Side:          strings.ToLower(strings.TrimSpace(req.Side)),
		Type:          strings.ToLower(strings.TrimSpace(req.Type)),
		TimeInForce:   tif,
		Quantity:      qty,
		LimitPrice:    parseOptionalDecimal(req.LimitPrice),
		StopPrice:     parseOptionalDecimal(req.StopPrice),
		TargetPrice:   parseOptionalDecimal(req.TargetPrice),
		CorrelationID: requestIDFromContext(c),
	}

	result, err := h.Service.SubmitOrder(c.Request.Context(), input)
	if err != nil {
		h.Logger.Error("submit order failed", "error", err)
		writeError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "internal error", nil)
		return
	}

	status := http.StatusAccepted
	if result.Existing {
		status = http.StatusOK
	}
	c.JSON(status, createOrderResponse{
		OrderID:   result.Order.ID.String(),
		Status:    result.Order.Status,
		Existing:  result.Existing,
		CreatedAt: result.Order.CreatedAt.UTC().Format(time.RFC3339),
	})
}

func (h *Handler) ListOrders(c *gin.Context) {
	userID, ok := userIDFromContext(c)
	if !ok {
		writeError(c, http.StatusUnauthorized, "UNAUTHORIZED", "missing user", nil)
		return
	}

	filter := storage.OrderFilter{
		Symbol: validation.NormalizeSymbol(c.Query("symbol")),
		Status: strings.ToLower(strings.TrimSpace(c.Query("status"))),
		Cursor: strings.TrimSpace(c.Query("cursor")),
	}

	if limitStr := strings.TrimSpace(c.Query("limit")); limitStr != "" {
		n, err := strconv.Atoi(limitStr)
		if err != nil {
			writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid limit", nil)
			return
		}
		filter.Limit = n
	}
	if fromStr := strings.TrimSpace(c.Query("from")); fromStr != "" {
		parsed, err := time.Parse(time.RFC3339, fromStr)
		if err != nil {
			writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid from", nil)
			return
		}
		filter.From = &parsed
	}
	if toStr := strings.TrimSpace(c.Query("to")); toStr != "" {
		parsed, err := time.Parse(time.RFC3339, toStr)
		if err != nil {
			writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid to", nil)
			return
		}
		filter.To = &parsed
	}

	orders, nextCursor, err := h.Service.ListOrders(c.Request.Context(), userID, filter)
	if err != nil {
		if errors.Is(err, storage.ErrInvalidCursor) {
			writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid cursor", nil)
			return
		}
		h.Logger.Error("list orders failed", "error", err)
		writeError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "internal error", nil)
		return
	}

	items := make([]orderItem, 0, len(orders))
	for _, order := range orders {
		items = append(items, orderToItem(order))
	}
	c.JSON(http.StatusOK, listOrdersResponse{Orders: items, NextCursor: nextCursor})
}

func (h *Handler) GetOrder(c *gin.Context) {
	userID, ok := userIDFromContext(c)
	if !ok {
		writeError(c, http.StatusUnauthorized, "UNAUTHORIZED", "missing user", nil)
		return
	}
	orderID, err := parseUUIDParam(c.Param("id"))
	if err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid order id", nil)
		return
	}

	order, err := h.Service.GetOrder(c.Request.Context(), userID, orderID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(c, http.StatusNotFound, "NOT_FOUND", "order not found", nil)
			return
		}
		h.Logger.Error("get order failed", "error", err)
		writeError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "internal error", nil)
		return
	}
	c.JSON(http.StatusOK, orderToItem(*order))
}

type routingDecisionItem struct {
	Attempt      int                        `json:"attempt"`
	ChosenBroker string                     `json:"chosen_broker"`
	Candidates   []storage.RoutingCandidate `json:"candidates"`
	CreatedAt    string                     `json:"created_at"`
}

func (h *Handler) GetRouting(c *gin.Context) {
	userID, ok := userIDFromContext(c)
	if !ok {
		writeError(c, http.StatusUnauthorized, "UNAUTHORIZED", "missing user", nil)
		return
	}
	orderID, err := parseUUIDParam(c.Param("id"))
	if err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid order id", nil)
		return
	}

	decisions, err := h.Service.GetRoutingDecisions(c.Request.Context(), userID, orderID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(c, http.StatusNotFound, "NOT_FOUND", "order not found", nil)
			return
		}
		h.Logger.Error("get routing decisions failed", "error", err)
		writeError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "internal error", nil)
		return
	}

	items := make([]routingDecisionItem, 0, len(decisions))
	for _, d := range decisions {
		items = append(items, routingDecisionItem{
			Attempt:      d.Attempt,
			ChosenBroker: d.ChosenBroker,
			Candidates:   d.Candidates,
			CreatedAt:    d.CreatedAt.UTC().Format(time.RFC3339),
		})
	}
	c.JSON(http.StatusOK, gin.H{"decisions": items})
}

type modifyOrderRequest struct {
	Quantity    string `json:"quantity"`
	LimitPrice  string `json:"limit_price"`
	StopPrice   string `json:"stop_price"`
	TargetPrice string `json:"target_price"`
}

func (h *Handler) ModifyOrder(c *gin.Context) {
	userID, ok := userIDFromContext(c)
	if !ok {
		writeError(c, http.StatusUnauthorized, "UNAUTHORIZED", "missing user", nil)
		return
	}
	orderID, err := parseUUIDParam(c.Param("id"))
	if err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid order id", nil)
		return
	}

	var req modifyOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid payload", nil)
		return
	}

	qty, err := decimal.NewFromString(strings.TrimSpace(req.Quantity))
	if err != nil || qty.LessThanOrEqual(decimal.Zero) {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "quantity must be a positive decimal", nil)
		return
	}

	order, err := h.Service.ModifyOrder(c.Request.Context(), service.ModifyOrderInput{
		UserID:        userID,
		OrderID:       orderID,
		Quantity:      qty,
		LimitPrice:    parseOptionalDecimal(req.LimitPrice),
		StopPrice:     parseOptionalDecimal(req.StopPrice),
		TargetPrice:   parseOptionalDecimal(req.TargetPrice),
		CorrelationID: requestIDFromContext(c),
	})
	if err != nil {
		h.writeOrderActionError(c, err, "modify order failed")
		return
	}
	c.JSON(http.StatusOK, orderToItem(*order))
}

func (h *Handler) CancelOrder(c *gin.Context) {
	userID, ok := userIDFromContext(c)
	if !ok {
		writeError(c, http.StatusUnauthorized, "UNAUTHORIZED", "missing user", nil)
		return
	}
	orderID, err := parseUUIDParam(c.Param("id"))
	if err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid order id", nil)
		return
	}

	order, err := h.Service.CancelOrder(c.Request.Context(), userID, orderID, requestIDFromContext(c))
	if err != nil {
		h.writeOrderActionError(c, err, "cancel order failed")
		return
	}
	c.JSON(http.StatusOK, orderToItem(*order))
}

func (h *Handler) writeOrderActionError(c *gin.Context, err error, logMsg string) {
	var invalid *translation.InvalidParametersError
	var unsupported *translation.UnsupportedOrderTypeError
	switch {
	case errors.Is(err, storage.ErrNotFound):
		writeError(c, http.StatusNotFound, "NOT_FOUND", "order not found", nil)
	case errors.Is(err, service.ErrAlreadyTerminal):
		writeError(c, http.StatusConflict, "ALREADY_TERMINAL", "order already reached a terminal state", nil)
	case errors.Is(err, service.ErrOrderFrozen):
		writeError(c, http.StatusConflict, "ORDER_FROZEN", "order is frozen pending review", nil)
	case errors.Is(err, service.ErrNotModifiable):
		writeError(c, http.StatusConflict, "NOT_MODIFIABLE", "order cannot be modified in its current state", nil)
	case errors.As(err, &invalid):
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", invalid.Error(), nil)
	case errors.As(err, &unsupported):
		writeError(c, http.StatusBadRequest, "UNSUPPORTED_ORDER_TYPE", unsupported.Error(), nil)
	default:
		h.Logger.Error(logMsg, "error", err)
		writeError(c, http.StatusBadGateway, "BROKER_ERROR", "broker did not accept the request", nil)
	}
}

type positionItem struct {
	Symbol        string            `json:"symbol"`
	NetQty        string            `json:"net_qty"`
	AvgCost       string            `json:"avg_cost"`
	RealizedPnL   string            `json:"realized_pnl"`
	UnrealizedPnL *string           `json:"unrealized_pnl,omitempty"`
	MarkPrice     *string           `json:"mark_price,omitempty"`
	BrokerQty     map[string]string `json:"broker_qty,omitempty"`
	UpdatedAt     string            `json:"updated_at"`
}

func (h *Handler) ListPositions(c *gin.Context) {
	userID, ok := userIDFromContext(c)
	if !ok {
		writeError(c, http.StatusUnauthorized, "UNAUTHORIZED", "missing user", nil)
		return
	}

	views, err := h.Positions.UserPositions(c.Request.Context(), userID)
	if err != nil {
		h.Logger.Error("list positions failed", "error", err)
		writeError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "internal error", nil)
		return
	}

	items := make([]positionItem, 0, len(views))
	for _, view := range views {
		item := positionItem{
			Symbol:      view.Symbol,
			NetQty:      view.NetQty.String(),
			AvgCost:     view.AvgCost.String(),
			RealizedPnL: view.RealizedPnL.String(),
			UpdatedAt:   view.UpdatedAt.UTC().Format(time.RFC3339),
		}
		if view.UnrealizedPnL != nil {
			s := view.UnrealizedPnL.String()
			item.UnrealizedPnL = &s
		}
		if view.MarkPrice != nil {
			s := view.MarkPrice.String()
			item.MarkPrice = &s
		}
		if len(view.BrokerQty) > 0 {
			item.BrokerQty = make(map[string]string, len(view.BrokerQty))
			for brokerID, qty := range view.BrokerQty {
				item.BrokerQty[brokerID] = qty.String()
			}
		}
		items = append(items, item)
	}
	c.JSON(http.StatusOK, gin.H{"positions": items})
}

type brokerHealthItem struct {
	BrokerID     string  `json:"broker_id"`
	State        string  `json:"state"`
	LatencyMS    float64 `json:"latency_ms"`
	RateHeadroom float64 `json:"rate_headroom"`
}

func (h *Handler) BrokerHealth(c *gin.Context) {
	snapshots := h.Service.BrokerHealth()
	items := make([]brokerHealthItem, 0, len(snapshots))
	for _, snap := range snapshots {
		items = append(items, brokerHealthItem{
			BrokerID:     snap.ID,
			State:        string(snap.State),
			LatencyMS:    snap.LatencyMS,
			RateHeadroom: snap.RateHeadroom,
		})
	}
	c.JSON(http.StatusOK, gin.H{"brokers": items})
}

func orderToItem(order storage.Order) orderItem {
	return orderItem{
		OrderID:       order.ID.String(),
		ClientOrderID: order.ClientOrderID,
		Symbol:        order.Symbol,
		Side:          order.Side,
		Type:          order.Type,
		Quantity:      order.Quantity.String(),
		LimitPrice:    optionalDecimalString(order.LimitPrice),
		StopPrice:     optionalDecimalString(order.StopPrice),
		TargetPrice:   optionalDecimalString(order.TargetPrice),
		FilledQty:     order.FilledQty.String(),
		AvgFillPrice:  order.AvgFillPrice.String(),
		Status:        order.Status,
		StatusReason:  order.StatusReason,
		BrokerID:      order.BrokerID,
		Revision:      order.Revision,
		Frozen:        order.Frozen,
		TimeInForce:   order.TimeInForce,
		CreatedAt:     order.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt:     order.UpdatedAt.UTC().Format(time.RFC3339),
	}
}

func optionalDecimalString(value *decimal.Decimal) *string {
	if value == nil {
		return nil
	}
	s := value.String()
	return &s
}

func parseOptionalDecimal(raw string) *decimal.Decimal {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil
	}
	parsed, err := decimal.NewFromString(trimmed)
	if err != nil {
		return nil
	}
	return &parsed
}

func userIDFromContext(c *gin.Context) (uuid.UUID, bool) {
	val, ok := c.Get(auth.ContextUserIDKey)
	if !ok {
		return uuid.Nil, false
	}
	userID, ok := val.(string)
	if !ok {
		return uuid.Nil, false
	}
	parsed, err := uuid.Parse(userID)
	if err != nil {
		return uuid.Nil, false
	}
	return parsed, true
}

func parseUUIDParam(value string) (uuid.UUID, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return uuid.Nil, errors.New("missing id")
	}
	return uuid.Parse(trimmed)
}

func writeError(c *gin.Context, status int, code, message string, fields []validation.FieldError) {
	c.JSON(status, errorResponse{
		Code:    code,
		Message: message,
		Fields:  fields,
	})
}

func requestIDFromContext(c *gin.Context) string {
	if val, ok := c.Get("X-Request-ID"); ok {
		if s, ok := val.(string); ok {
			return s
		}
	}
	return ""
}
