package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

func main() {
	env := getEnv("EXEC_ENV", "dev")
	if env != "dev" && env != "test" {
		log.Fatalf("refusing to seed: EXEC_ENV must be 'dev' or 'test' (got '%s')", env)
	}

	host := getEnv("POSTGRES_HOST", "localhost")
	port := getEnv("POSTGRES_PORT", "5432")
	db := getEnv("POSTGRES_DB", "trademaster_exec")
	user := getEnv("POSTGRES_USER", "trademaster")
	password := getEnv("POSTGRES_PASSWORD", "trademaster")
	sslmode := getEnv("POSTGRES_SSLMODE", "disable")

	connStr := fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
		user, password, host, port, db, sslmode)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		log.Fatalf("connect db: %v", err)
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		log.Fatalf("ping db: %v", err)
	}

	fmt.Println("Seeding database...")

	if err := seedInstruments(ctx, pool); err != nil {
		log.Fatalf("seed instruments: %v", err)
	}
	fmt.Println("✓ Instruments seeded")

	if env == "test" {
		if err := seedTestData(ctx, pool); err != nil {
			log.Fatalf("seed test data: %v", err)
		}
		fmt.Println("✓ Test fixtures seeded")
	}

	fmt.Println("Done.")
}

type instrumentSeed struct {
	Symbol   string
	TickSize string
	LotSize  string
	Status   string
}

var instruments = []instrumentSeed{
	{"AAPL", "0.01", "1", "active"},
	{"MSFT", "0.01", "1", "active"},
	{"TSLA", "0.01", "1", "active"},
	{"SPY", "0.01", "1", "active"},
	{"ES", "0.25", "5", "active"},
	{"NQ", "0.25", "2", "active"},
	{"DELISTED", "0.01", "1", "inactive"},
}

func seedInstruments(ctx context.Context, pool *pgxpool.Pool) error {
	for _, inst := range instruments {
		_, err := pool.Exec(ctx, `
			INSERT INTO instruments (symbol, tick_size, lot_size, status)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (symbol) DO UPDATE
			SET tick_size = EXCLUDED.tick_size,
			    lot_size = EXCLUDED.lot_size,
			    status = EXCLUDED.status
		`, inst.Symbol, inst.TickSize, inst.LotSize, inst.Status)
		if err != nil {
			return fmt.Errorf("upsert %s: %w", inst.Symbol, err)
		}
	}
	return nil
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
