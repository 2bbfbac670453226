package storage

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Order lifecycle statuses. The terminal set is closed: once an order reaches
// one of the last four it never changes again.
const (
	StatusPendingSubmit   = "pending_submit"
	StatusSubmitted       = "submitted"
	StatusAcknowledged    = "acknowledged"
	StatusPartiallyFilled = "partially_filled"
	StatusFilled          = "filled"
	StatusCancelled       = "cancelled"
	StatusRejected        = "rejected"
	StatusExpired         = "expired"
)

func IsTerminalStatus(status string) bool {
	switch status {
	case StatusFilled, StatusCancelled, StatusRejected, StatusExpired:
		return true
	}
	return false
}

const (
	SideBuy  = "buy"
	SideSell = "sell"
)

const (
	OrderTypeMarket    = "market"
	OrderTypeLimit     = "limit"
	OrderTypeStopLoss  = "stop_loss"
	OrderTypeStopLimit = "stop_limit"
	OrderTypeBracket   = "bracket"
)

const (
	TimeInForceDay = "day"
	TimeInForceIOC = "ioc"
	TimeInForceGTC = "gtc"
)

type Order struct {
	ID            uuid.UUID
	ClientOrderID string
	UserID        uuid.UUID
	Symbol        string
	Side          string
	Type          string
	Quantity      decimal.Decimal
	LimitPrice    *decimal.Decimal
	StopPrice     *decimal.Decimal
	TargetPrice   *decimal.Decimal
	TimeInForce   string
	Status        string
	StatusReason  string
	FilledQty     decimal.Decimal
	AvgFillPrice  decimal.Decimal
	BrokerID      string
	BrokerOrderID string
	// LastSequence is the highest event ordering key applied to this order.
	// It carries broker sequence numbers when the broker supplies them, and
	// an arrival-order logical clock otherwise.
	LastSequence int64
	// Revision counts accepted modifications.
	Revision int
	// Frozen marks an order quarantined after an irreconcilable event; frozen
	// orders reject further automated transitions until operator review.
	Frozen        bool
	CorrelationID string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// OrderUpdate is the delta the reconciliation engine persists after applying
// a broker event. Nil pointer fields are left untouched.
type OrderUpdate struct {
	Status        string
	StatusReason  string
	FilledQty     decimal.Decimal
	AvgFillPrice  decimal.Decimal
	LastSequence  int64
	BrokerOrderID *string
	Frozen        *bool
}

// RoutingDecision records one routing attempt. Rows are immutable; rerouting
// an order appends a new row with Attempt incremented.
type RoutingDecision struct {
	ID            uuid.UUID
	OrderID       uuid.UUID
	Attempt       int
	ChosenBroker  string
	Candidates    []RoutingCandidate
	CorrelationID string
	CreatedAt     time.Time
}

// RoutingCandidate is one scored broker considered during a routing decision.
type RoutingCandidate struct {
	BrokerID     string          `json:"broker_id"`
	State        string          `json:"state"`
	Score        decimal.Decimal `json:"score"`
	CostScore    decimal.Decimal `json:"cost_score"`
	QualityScore decimal.Decimal `json:"quality_score"`
	RateScore    decimal.Decimal `json:"rate_score"`
	Eligible     bool            `json:"eligible"`
	Reason       string          `json:"reason,omitempty"`
}

// Position is a per-user, per-symbol aggregate across brokers. BrokerQty
// carries the per-broker breakdown for operational visibility.
type Position struct {
	UserID      uuid.UUID
	Symbol      string
	NetQty      decimal.Decimal
	AvgCost     decimal.Decimal
	RealizedPnL decimal.Decimal
	BrokerQty   map[string]decimal.Decimal
	UpdatedAt   time.Time
}

// Instrument carries the reference data the translation layer validates
// against.
type Instrument struct {
	Symbol   string
	TickSize decimal.Decimal
	LotSize  decimal.Decimal
	Status   string
}

type AuditEntry struct {
	ID            uuid.UUID
	OrderID       uuid.UUID
	UserID        uuid.UUID
	Action        string
	Detail        string
	CorrelationID string
	CreatedAt     time.Time
}
