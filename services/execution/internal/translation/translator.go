package translation

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/trademaster/execd/services/execution/internal/broker"
	"github.com/trademaster/execd/services/execution/internal/instrument"
	"github.com/trademaster/execd/services/execution/internal/storage"
)

// UnsupportedOrderTypeError means the chosen broker cannot represent the
// order at all. The router treats it as a reason to try another broker before
// rejecting.
type UnsupportedOrderTypeError struct {
	BrokerID  string
	OrderType string
}

func (e *UnsupportedOrderTypeError) Error() string {
	return fmt.Sprintf("broker %s does not support order type %s", e.BrokerID, e.OrderType)
}

// InvalidParametersError means the order violates instrument constraints
// regardless of broker. It is never retried.
type InvalidParametersError struct {
	Field  string
	Detail string
}

func (e *InvalidParametersError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Detail)
}

// Capabilities describes what a broker's API can express.
type Capabilities struct {
	OrderTypes  []string
	TimeInForce []string
}

func (c Capabilities) supportsType(orderType string) bool {
	for _, t := range c.OrderTypes {
		if t == orderType {
			return true
		}
	}
	return false
}

func (c Capabilities) supportsTIF(tif string) bool {
	if len(c.TimeInForce) == 0 {
		return true
	}
	for _, t := range c.TimeInForce {
		if t == tif {
			return true
		}
	}
	return false
}

// Translator converts internal orders into broker-neutral requests, enforcing
// instrument constraints (tick and lot multiples) and broker capabilities
// before anything leaves the service.
type Translator struct {
	instruments *instrument.Cache
}

func NewTranslator(instruments *instrument.Cache) *Translator {
	return &Translator{instruments: instruments}
}

func (t *Translator) Translate(order *storage.Order, brokerID string, caps Capabilities) (broker.OrderRequest, error) {
	if !caps.supportsType(order.Type) {
		return broker.OrderRequest{}, &UnsupportedOrderTypeError{BrokerID: brokerID, OrderType: order.Type}
	}
	if !caps.supportsTIF(order.TimeInForce) {
		return broker.OrderRequest{}, &UnsupportedOrderTypeError{BrokerID: brokerID, OrderType: order.Type + "/" + order.TimeInForce}
	}

	inst, ok := t.instruments.Get(order.Symbol)
	if !ok {
		return broker.OrderRequest{}, &InvalidParametersError{Field: "symbol", Detail: fmt.Sprintf("unknown or inactive instrument %s", order.Symbol)}
	}

	if err := validateLot(order.Quantity, inst.LotSize); err != nil {
		return broker.OrderRequest{}, err
	}
	if err := validatePrices(order, inst); err != nil {
		return broker.OrderRequest{}, err
	}

	return broker.OrderRequest{
		OrderID:     order.ID.String(),
		Symbol:      inst.Symbol,
		Side:        order.Side,
		Type:        order.Type,
		Quantity:    order.Quantity,
		LimitPrice:  order.LimitPrice,
		StopPrice:   order.StopPrice,
		TargetPrice: order.TargetPrice,
		TimeInForce: order.TimeInForce,
	}, nil
}

func validateLot(quantity, lotSize decimal.Decimal) error {
	if !quantity.IsPositive() {
		return &InvalidParametersError{Field: "quantity", Detail: "must be positive"}
	}
	if lotSize.IsPositive() && !quantity.Mod(lotSize).IsZero() {
		return &InvalidParametersError{Field: "quantity", Detail: fmt.Sprintf("must be a multiple of lot size %s", lotSize)}
	}
	return nil
}

func validatePrices(order *storage.Order, inst *storage.Instrument) error {
	check := func(field string, price *decimal.Decimal, required bool) error {
		if price == nil {
			if required {
				return &InvalidParametersError{Field: field, Detail: fmt.Sprintf("required for %s orders", order.Type)}
			}
			return nil
		}
		if !price.IsPositive() {
			return &InvalidParametersError{Field: field, Detail: "must be positive"}
		}
		if inst.TickSize.IsPositive() && !price.Mod(inst.TickSize).IsZero() {
			return &InvalidParametersError{Field: field, Detail: fmt.Sprintf("must be a multiple of tick size %s", inst.TickSize)}
		}
		return nil
	}

	switch order.Type {
	case storage.OrderTypeMarket:
		return check("limit_price", order.LimitPrice, false)
	case storage.OrderTypeLimit:
		return check("limit_price", order.LimitPrice, true)
	case storage.OrderTypeStopLoss:
		return check("stop_price", order.StopPrice, true)
	case storage.OrderTypeStopLimit:
		if err := check("limit_price", order.LimitPrice, true); err != nil {
			return err
		}
		return check("stop_price", order.StopPrice, true)
	case storage.OrderTypeBracket:
		if err := check("limit_price", order.LimitPrice, true); err != nil {
			return err
		}
		if err := check("stop_price", order.StopPrice, true); err != nil {
			return err
		}
		return check("target_price", order.TargetPrice, true)
	default:
		return &InvalidParametersError{Field: "type", Detail: fmt.Sprintf("unknown order type %s", order.Type)}
	}
}
