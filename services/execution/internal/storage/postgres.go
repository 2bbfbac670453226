package storage

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

var (
	ErrNotFound       = errors.New("not found")
	ErrInvalidCursor  = errors.New("invalid cursor")
	ErrInvalidStatus  = errors.New("invalid status transition")
	ErrAlreadyHandled = errors.New("already processed")
	ErrOrderFrozen    = errors.New("order is frozen")
)

type Store struct {
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

const orderColumns = `id, client_order_id, user_id, symbol, side, type, quantity::text, limit_price::text, stop_price::text, target_price::text, time_in_force, status, status_reason, filled_qty::text, avg_fill_price::text, broker_id, broker_order_id, last_sequence, revision, frozen, correlation_id, created_at, updated_at`

// CreateOrder inserts a new order in pending_submit. Resubmissions with the
// same (user_id, client_order_id) return the original row with created=false
// instead of creating a duplicate.
func (s *Store) CreateOrder(ctx context.Context, order *Order) (*Order, bool, error) {
	row := s.pool.QueryRow(ctx, `
		INSERT INTO orders (id, client_order_id, user_id, symbol, side, type, quantity, limit_price, stop_price, target_price, time_in_force, status, filled_qty, avg_fill_price, correlation_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, 0, 0, $13)
		ON CONFLICT (user_id, client_order_id) DO NOTHING
		RETURNING `+orderColumns+`
	`, order.ID, order.ClientOrderID, order.UserID, order.Symbol, order.Side, order.Type,
		order.Quantity.String(), decimalPtr(order.LimitPrice), decimalPtr(order.StopPrice), decimalPtr(order.TargetPrice),
		order.TimeInForce, StatusPendingSubmit, order.CorrelationID)

	created, err := scanOrderRow(row)
	if err == nil {
		return created, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, err
	}

	existing, err := s.GetOrderByClientID(ctx, order.UserID, order.ClientOrderID)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

func (s *Store) GetOrder(ctx context.Context, orderID uuid.UUID) (*Order, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, orderID)
	order, err := scanOrderRow(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return order, err
}

func (s *Store) GetOrderForUser(ctx context.Context, userID, orderID uuid.UUID) (*Order, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1 AND user_id = $2`, orderID, userID)
	order, err := scanOrderRow(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return order, err
}

func (s *Store) GetOrderByClientID(ctx context.Context, userID uuid.UUID, clientOrderID string) (*Order, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE user_id = $1 AND client_order_id = $2`, userID, clientOrderID)
	order, err := scanOrderRow(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return order, err
}

// GetOrderByBrokerRef resolves an order from the identifiers broker events
// carry.
func (s *Store) GetOrderByBrokerRef(ctx context.Context, brokerID, brokerOrderID string) (*Order, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE broker_id = $1 AND broker_order_id = $2`, brokerID, brokerOrderID)
	order, err := scanOrderRow(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return order, err
}

type OrderFilter struct {
	Symbol string
	Status string
	From   *time.Time
	To     *time.Time
	Limit  int
	Cursor string
}

func (s *Store) ListOrders(ctx context.Context, userID uuid.UUID, filter OrderFilter) ([]Order, string, error) {
	limit := clampLimit(filter.Limit)

	query := `SELECT ` + orderColumns + ` FROM orders WHERE user_id = $1`
	args := []any{userID}
	idx := 2

	if filter.Symbol != "" {
		query += fmt.Sprintf(" AND symbol = $%d", idx)
		args = append(args, filter.Symbol)
		idx++
	}
	if filter.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", idx)
		args = append(args, filter.Status)
		idx++
	}
	if filter.From != nil {
		query += fmt.Sprintf(" AND created_at >= $%d", idx)
		args = append(args, *filter.From)
		idx++
	}
	if filter.To != nil {
		query += fmt.Sprintf(" AND created_at <= $%d", idx)
		args = append(args, *filter.To)
		idx++
	}
	if filter.Cursor != "" {
		ts, id, err := decodeCursor(filter.Cursor)
		if err != nil {
			return nil, "", ErrInvalidCursor
		}
		query += fmt.Sprintf(" AND (created_at, id) > ($%d, $%d)", idx, idx+1)
		args = append(args, ts, id)
		idx += 2
	}

	query += fmt.Sprintf(" ORDER BY created_at, id LIMIT $%d", idx)
	args = append(args, limit+1)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, "", err
	}
	defer rows.Close()

	orders := make([]Order, 0, limit)
	for rows.Next() {
		order, err := scanOrderRow(rows)
		if err != nil {
			return nil, "", err
		}
		orders = append(orders, *order)
	}
	if rows.Err() != nil {
		return nil, "", rows.Err()
	}

	var nextCursor string
	if len(orders) > limit {
		last := orders[limit]
		orders = orders[:limit]
		nextCursor = encodeCursor(last.CreatedAt, last.ID)
	}

	return orders, nextCursor, nil
}

// ListOpenOrdersByBroker returns non-terminal, non-frozen orders routed to a
// broker, used by the recovery sweep when that broker's connection drops.
func (s *Store) ListOpenOrdersByBroker(ctx context.Context, brokerID string) ([]Order, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+orderColumns+`
		FROM orders
		WHERE broker_id = $1
		  AND status IN ($2, $3, $4, $5)
		  AND NOT frozen
		ORDER BY created_at, id
	`, brokerID, StatusPendingSubmit, StatusSubmitted, StatusAcknowledged, StatusPartiallyFilled)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var orders []Order
	for rows.Next() {
		order, err := scanOrderRow(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, *order)
	}
	return orders, rows.Err()
}

// AssignBroker records the routing outcome on the order row before the
// submission attempt is made.
func (s *Store) AssignBroker(ctx context.Context, orderID uuid.UUID, brokerID string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE orders
		SET broker_id = $1, updated_at = now()
		WHERE id = $2 AND status = $3
	`, brokerID, orderID, StatusPendingSubmit)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrInvalidStatus
	}
	return nil
}

// MarkSubmitted moves pending_submit to submitted once the broker has taken
// the order, recording the broker's native identifier.
func (s *Store) MarkSubmitted(ctx context.Context, orderID uuid.UUID, brokerOrderID string) (*Order, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE orders
		SET status = $1, broker_order_id = $2, updated_at = now()
		WHERE id = $3 AND status = $4
		RETURNING `+orderColumns+`
	`, StatusSubmitted, brokerOrderID, orderID, StatusPendingSubmit)
	order, err := scanOrderRow(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrInvalidStatus
	}
	return order, err
}

// UpdateOrderFromEvent applies a reconciled event delta under the event's
// idempotency key. The processed_events insert and the order update commit
// atomically; replaying the same event id returns ErrAlreadyHandled without
// touching the row.
func (s *Store) UpdateOrderFromEvent(ctx context.Context, eventID string, orderID uuid.UUID, update OrderUpdate) (*Order, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		INSERT INTO processed_events (event_id, order_id, processed_at)
		VALUES ($1, $2, now())
		ON CONFLICT (event_id) DO NOTHING
	`, eventID, orderID)
	if err != nil {
		return nil, err
	}
	if tag.RowsAffected() == 0 {
		return nil, ErrAlreadyHandled
	}

	query := `
		UPDATE orders
		SET status = $1, status_reason = $2, filled_qty = $3, avg_fill_price = $4, last_sequence = $5, updated_at = now()
	`
	args := []any{update.Status, update.StatusReason, update.FilledQty.String(), update.AvgFillPrice.String(), update.LastSequence}
	idx := 6
	if update.BrokerOrderID != nil {
		query += fmt.Sprintf(", broker_order_id = $%d", idx)
		args = append(args, *update.BrokerOrderID)
		idx++
	}
	if update.Frozen != nil {
		query += fmt.Sprintf(", frozen = $%d", idx)
		args = append(args, *update.Frozen)
		idx++
	}
	query += fmt.Sprintf(" WHERE id = $%d RETURNING ", idx) + orderColumns
	args = append(args, orderID)

	order, err := scanOrderRow(tx.QueryRow(ctx, query, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return order, nil
}

// UpdateOrderParams persists an accepted modification and bumps the revision.
// Only working orders may be modified.
func (s *Store) UpdateOrderParams(ctx context.Context, orderID uuid.UUID, quantity decimal.Decimal, limitPrice, stopPrice, targetPrice *decimal.Decimal) (*Order, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE orders
		SET quantity = $1, limit_price = $2, stop_price = $3, target_price = $4, revision = revision + 1, updated_at = now()
		WHERE id = $5 AND status IN ($6, $7) AND NOT frozen
		RETURNING `+orderColumns+`
	`, quantity.String(), decimalPtr(limitPrice), decimalPtr(stopPrice), decimalPtr(targetPrice),
		orderID, StatusAcknowledged, StatusPartiallyFilled)
	order, err := scanOrderRow(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrInvalidStatus
	}
	return order, err
}

// MarkOrderStatus applies a locally-decided transition (rejection before
// submit, local cancel of an unsubmitted order). Terminal rows are guarded.
func (s *Store) MarkOrderStatus(ctx context.Context, orderID uuid.UUID, status, reason string) (*Order, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE orders
		SET status = $1, status_reason = $2, updated_at = now()
		WHERE id = $3 AND status NOT IN ($4, $5, $6, $7)
		RETURNING `+orderColumns+`
	`, status, reason, orderID, StatusFilled, StatusCancelled, StatusRejected, StatusExpired)
	order, err := scanOrderRow(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrInvalidStatus
	}
	return order, err
}

func (s *Store) FreezeOrder(ctx context.Context, orderID uuid.UUID, reason string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE orders
		SET frozen = TRUE, status_reason = $1, updated_at = now()
		WHERE id = $2
	`, reason, orderID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) InsertRoutingDecision(ctx context.Context, decision *RoutingDecision) error {
	candidates, err := json.Marshal(decision.Candidates)
	if err != nil {
		return fmt.Errorf("encode candidates: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO routing_decisions (id, order_id, attempt, chosen_broker, candidates, correlation_id)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, decision.ID, decision.OrderID, decision.Attempt, decision.ChosenBroker, candidates, decision.CorrelationID)
	return err
}

func (s *Store) ListRoutingDecisions(ctx context.Context, orderID uuid.UUID) ([]RoutingDecision, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, order_id, attempt, chosen_broker, candidates, correlation_id, created_at
		FROM routing_decisions
		WHERE order_id = $1
		ORDER BY attempt
	`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var decisions []RoutingDecision
	for rows.Next() {
		var d RoutingDecision
		var candidates []byte
		if err := rows.Scan(&d.ID, &d.OrderID, &d.Attempt, &d.ChosenBroker, &candidates, &d.CorrelationID, &d.CreatedAt); err != nil {
			return nil, err
		}
		if len(candidates) > 0 {
			if err := json.Unmarshal(candidates, &d.Candidates); err != nil {
				return nil, fmt.Errorf("decode candidates: %w", err)
			}
		}
		decisions = append(decisions, d)
	}
	return decisions, rows.Err()
}

func (s *Store) UpsertPosition(ctx context.Context, position *Position) error {
	brokerQty, err := json.Marshal(position.BrokerQty)
	if err != nil {
		return fmt.Errorf("encode broker_qty: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO positions (user_id, symbol, net_qty, avg_cost, realized_pnl, broker_qty, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, now())
		ON CONFLICT (user_id, symbol) DO UPDATE
		SET net_qty = EXCLUDED.net_qty,
		    avg_cost = EXCLUDED.avg_cost,
		    realized_pnl = EXCLUDED.realized_pnl,
		    broker_qty = EXCLUDED.broker_qty,
		    updated_at = now()
	`, position.UserID, position.Symbol, position.NetQty.String(), position.AvgCost.String(), position.RealizedPnL.String(), brokerQty)
	return err
}

func (s *Store) GetPosition(ctx context.Context, userID uuid.UUID, symbol string) (*Position, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT user_id, symbol, net_qty::text, avg_cost::text, realized_pnl::text, broker_qty, updated_at
		FROM positions
		WHERE user_id = $1 AND symbol = $2
	`, userID, symbol)
	position, err := scanPositionRow(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return position, err
}

func (s *Store) ListPositions(ctx context.Context, userID uuid.UUID) ([]Position, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT user_id, symbol, net_qty::text, avg_cost::text, realized_pnl::text, broker_qty, updated_at
		FROM positions
		WHERE user_id = $1
		ORDER BY symbol
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var positions []Position
	for rows.Next() {
		position, err := scanPositionRow(rows)
		if err != nil {
			return nil, err
		}
		positions = append(positions, *position)
	}
	return positions, rows.Err()
}

func (s *Store) ListActiveInstruments(ctx context.Context) ([]Instrument, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT symbol, tick_size::text, lot_size::text, status
		FROM instruments
		WHERE status = 'active'
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var instruments []Instrument
	for rows.Next() {
		var inst Instrument
		var tickStr, lotStr string
		if err := rows.Scan(&inst.Symbol, &tickStr, &lotStr, &inst.Status); err != nil {
			return nil, err
		}
		if inst.TickSize, err = decimal.NewFromString(tickStr); err != nil {
			return nil, fmt.Errorf("parse tick_size: %w", err)
		}
		if inst.LotSize, err = decimal.NewFromString(lotStr); err != nil {
			return nil, fmt.Errorf("parse lot_size: %w", err)
		}
		instruments = append(instruments, inst)
	}
	return instruments, rows.Err()
}

func (s *Store) InsertAudit(ctx context.Context, entry *AuditEntry) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO audit_logs (id, order_id, user_id, action, detail, correlation_id)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, entry.ID, entry.OrderID, entry.UserID, entry.Action, entry.Detail, entry.CorrelationID)
	return err
}

func scanOrderRow(row pgx.Row) (*Order, error) {
	var order Order
	var qtyStr, filledStr, avgStr string
	var limitStr, stopStr, targetStr *string
	var brokerID, brokerOrderID *string
	if err := row.Scan(&order.ID, &order.ClientOrderID, &order.UserID, &order.Symbol, &order.Side, &order.Type,
		&qtyStr, &limitStr, &stopStr, &targetStr, &order.TimeInForce, &order.Status, &order.StatusReason,
		&filledStr, &avgStr, &brokerID, &brokerOrderID, &order.LastSequence, &order.Revision, &order.Frozen,
		&order.CorrelationID, &order.CreatedAt, &order.UpdatedAt); err != nil {
		return nil, err
	}

	var err error
	if order.Quantity, err = decimal.NewFromString(qtyStr); err != nil {
		return nil, fmt.Errorf("parse quantity: %w", err)
	}
	if order.FilledQty, err = decimal.NewFromString(filledStr); err != nil {
		return nil, fmt.Errorf("parse filled_qty: %w", err)
	}
	if order.AvgFillPrice, err = decimal.NewFromString(avgStr); err != nil {
		return nil, fmt.Errorf("parse avg_fill_price: %w", err)
	}
	if order.LimitPrice, err = parseDecimalPtr(limitStr, "limit_price"); err != nil {
		return nil, err
	}
	if order.StopPrice, err = parseDecimalPtr(stopStr, "stop_price"); err != nil {
		return nil, err
	}
	if order.TargetPrice, err = parseDecimalPtr(targetStr, "target_price"); err != nil {
		return nil, err
	}
	if brokerID != nil {
		order.BrokerID = *brokerID
	}
	if brokerOrderID != nil {
		order.BrokerOrderID = *brokerOrderID
	}
	return &order, nil
}

func scanPositionRow(row pgx.Row) (*Position, error) {
	var position Position
	var netStr, avgStr, pnlStr string
	var brokerQty []byte
	if err := row.Scan(&position.UserID, &position.Symbol, &netStr, &avgStr, &pnlStr, &brokerQty, &position.UpdatedAt); err != nil {
		return nil, err
	}
	var err error
	if position.NetQty, err = decimal.NewFromString(netStr); err != nil {
		return nil, fmt.Errorf("parse net_qty: %w", err)
	}
	if position.AvgCost, err = decimal.NewFromString(avgStr); err != nil {
		return nil, fmt.Errorf("parse avg_cost: %w", err)
	}
	if position.RealizedPnL, err = decimal.NewFromString(pnlStr); err != nil {
		return nil, fmt.Errorf("parse realized_pnl: %w", err)
	}
	if len(brokerQty) > 0 {
		if err := json.Unmarshal(brokerQty, &position.BrokerQty); err != nil {
			return nil, fmt.Errorf("decode broker_qty: %w", err)
		}
	}
	return &position, nil
}

func parseDecimalPtr(value *string, field string) (*decimal.Decimal, error) {
	if value == nil || *value == "" {
		return nil, nil
	}
	parsed, err := decimal.NewFromString(*value)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", field, err)
	}
	return &parsed, nil
}

func decimalPtr(value *decimal.Decimal) any {
	if value == nil {
		return nil
	}
	return value.String()
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return 50
	}
	if limit > 100 {
		return 100
	}
	return limit
}

func encodeCursor(ts time.Time, id uuid.UUID) string {
	payload := fmt.Sprintf("%s|%s", ts.UTC().Format(time.RFC3339Nano), id.String())
	return base64.StdEncoding.EncodeToString([]byte(payload))
}

func decodeCursor(cursor string) (time.Time, uuid.UUID, error) {
	decoded, err := base64.StdEncoding.DecodeString(cursor)
	if err != nil {
		return time.Time{}, uuid.Nil, ErrInvalidCursor
	}
	parts := strings.SplitN(string(decoded), "|", 2)
	if len(parts) != 2 {
		return time.Time{}, uuid.Nil, ErrInvalidCursor
	}
	ts, err := time.Parse(time.RFC3339Nano, parts[0])
	if err != nil {
		return time.Time{}, uuid.Nil, ErrInvalidCursor
	}
	id, err := uuid.Parse(parts[1])
	if err != nil {
		return time.Time{}, uuid.Nil, ErrInvalidCursor
	}
	return ts, id, nil
}
