package main

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

func seedTestData(ctx context.Context, pool *pgxpool.Pool) error {
	demoUserID := uuid.MustParse("00000000-0000-0000-0000-000000000001")
	traderUserID := uuid.MustParse("00000000-0000-0000-0000-000000000002")

	filledOrderID := uuid.MustParse("00000000-0000-0000-0000-000000000101")
	workingOrderID := uuid.MustParse("00000000-0000-0000-0000-000000000102")
	frozenOrderID := uuid.MustParse("00000000-0000-0000-0000-000000000103")

	_, err := pool.Exec(ctx, `
		INSERT INTO orders (id, client_order_id, user_id, symbol, side, type, quantity, limit_price, time_in_force, status, filled_qty, avg_fill_price, broker_id, broker_order_id, last_sequence, correlation_id)
		VALUES ($1, 'seed-filled', $2, 'AAPL', 'buy', 'limit', 100, 187.25, 'day', 'filled', 100, 187.20, 'alpha', 'A-SEED-1', 3, 'seed')
		ON CONFLICT (user_id, client_order_id) DO NOTHING
	`, filledOrderID, demoUserID)
	if err != nil {
		return err
	}

	_, err = pool.Exec(ctx, `
		INSERT INTO orders (id, client_order_id, user_id, symbol, side, type, quantity, limit_price, time_in_force, status, filled_qty, avg_fill_price, broker_id, broker_order_id, last_sequence, correlation_id)
		VALUES ($1, 'seed-working', $2, 'MSFT', 'buy', 'limit', 50, 402.50, 'gtc', 'partially_filled', 20, 402.45, 'alpha', 'A-SEED-2', 2, 'seed')
		ON CONFLICT (user_id, client_order_id) DO NOTHING
	`, workingOrderID, demoUserID)
	if err != nil {
		return err
	}

	_, err = pool.Exec(ctx, `
		INSERT INTO orders (id, client_order_id, user_id, symbol, side, type, quantity, time_in_force, status, status_reason, filled_qty, avg_fill_price, broker_id, broker_order_id, last_sequence, frozen, correlation_id)
		VALUES ($1, 'seed-frozen', $2, 'TSLA', 'sell', 'market', 10, 'day', 'filled', 'fill quantity regression at sequence 4', 10, 251.10, 'beta', 'B-SEED-1', 4, TRUE, 'seed')
		ON CONFLICT (user_id, client_order_id) DO NOTHING
	`, frozenOrderID, traderUserID)
	if err != nil {
		return err
	}

	_, err = pool.Exec(ctx, `
		INSERT INTO positions (user_id, symbol, net_qty, avg_cost, realized_pnl, broker_qty, updated_at)
		VALUES ($1, 'AAPL', 100, 187.20, 0, '{"alpha": "100"}'::jsonb, now())
		ON CONFLICT (user_id, symbol) DO NOTHING
	`, demoUserID)
	if err != nil {
		return err
	}

	return nil
}
