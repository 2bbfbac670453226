package validation

import (
	"strings"
	"testing"
)

func validRequest() OrderRequest {
	return OrderRequest{
		ClientOrderID: "client-1",
		Symbol:        "aapl",
		Side:          "buy",
		Type:          "limit",
		TimeInForce:   "day",
		Quantity:      "100",
		LimitPrice:    "187.25",
	}
}

func hasFieldError(errs ValidationErrors, field string) bool {
	for _, e := range errs {
		if e.Field == field {
			return true
		}
	}
	return false
}

func TestValidateOrderRequestValid(t *testing.T) {
	if errs := ValidateOrderRequest(validRequest()); len(errs) != 0 {
		t.Fatalf("expected no errors, got %v", errs)
	}
}

func TestValidateOrderRequestDefaultsTimeInForce(t *testing.T) {
	req := validRequest()
	req.TimeInForce = ""
	if errs := ValidateOrderRequest(req); len(errs) != 0 {
		t.Fatalf("empty time_in_force should default, got %v", errs)
	}
}

func TestValidateOrderRequestFields(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*OrderRequest)
		field  string
	}{
		{"missing client order id", func(r *OrderRequest) { r.ClientOrderID = " " }, "client_order_id"},
		{"client order id too long", func(r *OrderRequest) { r.ClientOrderID = strings.Repeat("a", 65) }, "client_order_id"},
		{"missing symbol", func(r *OrderRequest) { r.Symbol = "" }, "symbol"},
		{"bad symbol characters", func(r *OrderRequest) { r.Symbol = "AAPL$" }, "symbol"},
		{"bad side", func(r *OrderRequest) { r.Side = "hold" }, "side"},
		{"bad type", func(r *OrderRequest) { r.Type = "trailing" }, "type"},
		{"bad time in force", func(r *OrderRequest) { r.TimeInForce = "fok" }, "time_in_force"},
		{"missing quantity", func(r *OrderRequest) { r.Quantity = "" }, "quantity"},
		{"non-decimal quantity", func(r *OrderRequest) { r.Quantity = "lots" }, "quantity"},
		{"negative quantity", func(r *OrderRequest) { r.Quantity = "-5" }, "quantity"},
		{"zero quantity", func(r *OrderRequest) { r.Quantity = "0" }, "quantity"},
		{"limit order without limit price", func(r *OrderRequest) { r.LimitPrice = "" }, "limit_price"},
		{"negative limit price", func(r *OrderRequest) { r.LimitPrice = "-1" }, "limit_price"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := validRequest()
			tc.mutate(&req)
			errs := ValidateOrderRequest(req)
			if !hasFieldError(errs, tc.field) {
				t.Fatalf("expected error on %s, got %v", tc.field, errs)
			}
		})
	}
}

func TestValidateOrderRequestPerTypePrices(t *testing.T) {
	req := validRequest()
	req.Type = "stop_limit"
	req.StopPrice = ""
	errs := ValidateOrderRequest(req)
	if !hasFieldError(errs, "stop_price") {
		t.Fatalf("stop_limit requires stop_price, got %v", errs)
	}

	req = validRequest()
	req.Type = "bracket"
	req.StopPrice = "180.00"
	req.TargetPrice = ""
	errs = ValidateOrderRequest(req)
	if !hasFieldError(errs, "target_price") {
		t.Fatalf("bracket requires target_price, got %v", errs)
	}

	req.TargetPrice = "195.00"
	if errs := ValidateOrderRequest(req); len(errs) != 0 {
		t.Fatalf("complete bracket should validate, got %v", errs)
	}

	req = validRequest()
	req.Type = "market"
	req.LimitPrice = ""
	if errs := ValidateOrderRequest(req); len(errs) != 0 {
		t.Fatalf("market order needs no prices, got %v", errs)
	}
}

func TestNormalizeSymbol(t *testing.T) {
	if got := NormalizeSymbol("  aapl "); got != "AAPL" {
		t.Fatalf("expected AAPL, got %q", got)
	}
}
