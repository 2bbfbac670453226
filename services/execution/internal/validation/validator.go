package validation

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/shopspring/decimal"
)

type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

type ValidationErrors []FieldError

func (v ValidationErrors) Error() string {
	return "invalid request"
}

var symbolPattern = regexp.MustCompile(`^[A-Z0-9.\-]{1,20}$`)

// OrderRequest carries the raw string fields of a submission, validated
// before anything is parsed or persisted. Instrument-level checks (tick and
// lot multiples) happen later in translation; this layer only rejects
// structurally malformed requests.
type OrderRequest struct {
	ClientOrderID string
	Symbol        string
	Side          string
	Type          string
	TimeInForce   string
	Quantity      string
	LimitPrice    string
	StopPrice     string
	TargetPrice   string
}

func ValidateOrderRequest(req OrderRequest) ValidationErrors {
	var errs ValidationErrors

	if strings.TrimSpace(req.ClientOrderID) == "" {
		errs = append(errs, FieldError{Field: "client_order_id", Message: "client_order_id is required"})
	} else if len(req.ClientOrderID) > 64 {
		errs = append(errs, FieldError{Field: "client_order_id", Message: "client_order_id must be at most 64 characters"})
	}

	symbol := NormalizeSymbol(req.Symbol)
	if symbol == "" {
		errs = append(errs, FieldError{Field: "symbol", Message: "symbol is required"})
	} else if !symbolPattern.MatchString(symbol) {
		errs = append(errs, FieldError{Field: "symbol", Message: "symbol contains invalid characters"})
	}

	side := strings.ToLower(strings.TrimSpace(req.Side))
	if side != "buy" && side != "sell" {
		errs = append(errs, FieldError{Field: "side", Message: "side must be buy or sell"})
	}

	orderType := strings.ToLower(strings.TrimSpace(req.Type))
	switch orderType {
	case "market", "limit", "stop_loss", "stop_limit", "bracket":
	default:
		errs = append(errs, FieldError{Field: "type", Message: "type must be market, limit, stop_loss, stop_limit, or bracket"})
	}

	tif := strings.ToLower(strings.TrimSpace(req.TimeInForce))
	if tif == "" {
		tif = "day"
	}
	if tif != "day" && tif != "ioc" && tif != "gtc" {
		errs = append(errs, FieldError{Field: "time_in_force", Message: "time_in_force must be day, ioc, or gtc"})
	}

	if _, err := parsePositive("quantity", req.Quantity, true); err != nil {
		errs = append(errs, FieldError{Field: "quantity", Message: err.Error()})
	}

	requireLimit := orderType == "limit" || orderType == "stop_limit" || orderType == "bracket"
	requireStop := orderType == "stop_loss" || orderType == "stop_limit" || orderType == "bracket"
	requireTarget := orderType == "bracket"

	if _, err := parsePositive("limit_price", req.LimitPrice, requireLimit); err != nil {
		errs = append(errs, FieldError{Field: "limit_price", Message: err.Error()})
	}
	if _, err := parsePositive("stop_price", req.StopPrice, requireStop); err != nil {
		errs = append(errs, FieldError{Field: "stop_price", Message: err.Error()})
	}
	if _, err := parsePositive("target_price", req.TargetPrice, requireTarget); err != nil {
		errs = append(errs, FieldError{Field: "target_price", Message: err.Error()})
	}

	return errs
}

func parsePositive(field, raw string, required bool) (decimal.Decimal, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		if required {
			return decimal.Zero, fmt.Errorf("%s is required", field)
		}
		return decimal.Zero, nil
	}
	val, err := decimal.NewFromString(trimmed)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%s must be a decimal", field)
	}
	if val.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero, fmt.Errorf("%s must be positive", field)
	}
	return val, nil
}

func NormalizeSymbol(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}
