package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
)

// RESTConfig points the adapter at a broker's order-entry HTTP API.
type RESTConfig struct {
	Name    string
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// RESTAdapter talks to brokers exposing a JSON order API:
// POST /v1/orders, PATCH/DELETE /v1/orders/{id}, GET /v1/orders/{id},
// GET /v1/health. Asynchronous lifecycle events from these brokers arrive
// through the broker.events topic, not through this adapter.
type RESTAdapter struct {
	cfg    RESTConfig
	client *http.Client
}

func NewRESTAdapter(cfg RESTConfig) *RESTAdapter {
	if cfg.Timeout == 0 {
		cfg.Timeout = 5 * time.Second
	}
	return &RESTAdapter{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}
}

func (r *RESTAdapter) Name() string { return r.cfg.Name }

type restOrderRequest struct {
	ClientOrderID string  `json:"client_order_id"`
	Symbol        string  `json:"symbol"`
	Side          string  `json:"side"`
	Type          string  `json:"type"`
	Quantity      string  `json:"quantity"`
	LimitPrice    *string `json:"limit_price,omitempty"`
	StopPrice     *string `json:"stop_price,omitempty"`
	TargetPrice   *string `json:"target_price,omitempty"`
	TimeInForce   string  `json:"time_in_force"`
}

type restOrderResponse struct {
	OrderID string `json:"order_id"`
}

type restStatusResponse struct {
	OrderID   string `json:"order_id"`
	State     string `json:"state"`
	FilledQty string `json:"filled_qty"`
	AvgPrice  string `json:"avg_price"`
	Sequence  int64  `json:"sequence"`
}

type restErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func encodeOrderRequest(req OrderRequest) restOrderRequest {
	out := restOrderRequest{
		ClientOrderID: req.OrderID,
		Symbol:        req.Symbol,
		Side:          req.Side,
		Type:          req.Type,
		Quantity:      req.Quantity.String(),
		TimeInForce:   req.TimeInForce,
	}
	if req.LimitPrice != nil {
		s := req.LimitPrice.String()
		out.LimitPrice = &s
	}
	if req.StopPrice != nil {
		s := req.StopPrice.String()
		out.StopPrice = &s
	}
	if req.TargetPrice != nil {
		s := req.TargetPrice.String()
		out.TargetPrice = &s
	}
	return out
}

func (r *RESTAdapter) Submit(ctx context.Context, req OrderRequest) (Ack, error) {
	var resp restOrderResponse
	if err := r.do(ctx, http.MethodPost, "/v1/orders", encodeOrderRequest(req), &resp); err != nil {
		return Ack{}, err
	}
	if resp.OrderID == "" {
		return Ack{}, Transient(errors.New("broker returned empty order id"))
	}
	return Ack{NativeOrderID: resp.OrderID}, nil
}

func (r *RESTAdapter) Modify(ctx context.Context, nativeOrderID string, req OrderRequest) error {
	return r.do(ctx, http.MethodPatch, "/v1/orders/"+nativeOrderID, encodeOrderRequest(req), nil)
}

func (r *RESTAdapter) Cancel(ctx context.Context, nativeOrderID string) error {
	return r.do(ctx, http.MethodDelete, "/v1/orders/"+nativeOrderID, nil, nil)
}

func (r *RESTAdapter) PollStatus(ctx context.Context, nativeOrderID string) (Status, error) {
	var resp restStatusResponse
	err := r.do(ctx, http.MethodGet, "/v1/orders/"+nativeOrderID, nil, &resp)
	if errors.Is(err, ErrOrderNotFound) {
		return Status{Found: false}, nil
	}
	if err != nil {
		return Status{}, err
	}
	filled, err := decimal.NewFromString(resp.FilledQty)
	if err != nil {
		return Status{}, fmt.Errorf("decode filled_qty %q: %w", resp.FilledQty, err)
	}
	avg, err := decimal.NewFromString(resp.AvgPrice)
	if err != nil {
		return Status{}, fmt.Errorf("decode avg_price %q: %w", resp.AvgPrice, err)
	}
	return Status{
		Found:         true,
		NativeOrderID: resp.OrderID,
		State:         EventType(resp.State),
		FilledQty:     filled,
		AvgPrice:      avg,
		Sequence:      resp.Sequence,
	}, nil
}

func (r *RESTAdapter) Heartbeat(ctx context.Context) error {
	return r.do(ctx, http.MethodGet, "/v1/health", nil, nil)
}

func (r *RESTAdapter) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reqBody []byte
	if body != nil {
		var err error
		reqBody, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, r.cfg.BaseURL+path, bytes.NewReader(reqBody))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if r.cfg.APIKey != "" {
		req.Header.Set("X-API-Key", r.cfg.APIKey)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return err
		}
		return Transient(err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		if out == nil {
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return Transient(fmt.Errorf("decode response: %w", err))
		}
		return nil
	case resp.StatusCode == http.StatusNotFound:
		return ErrOrderNotFound
	case resp.StatusCode == http.StatusUnprocessableEntity || resp.StatusCode == http.StatusBadRequest:
		var errResp restErrorResponse
		if err := json.NewDecoder(resp.Body).Decode(&errResp); err != nil || errResp.Message == "" {
			return &RejectionError{Reason: fmt.Sprintf("broker returned %d", resp.StatusCode)}
		}
		return &RejectionError{Reason: errResp.Message}
	case resp.StatusCode == http.StatusTooManyRequests:
		return Transient(fmt.Errorf("broker rate limited request"))
	default:
		return Transient(fmt.Errorf("broker returned status %d", resp.StatusCode))
	}
}
