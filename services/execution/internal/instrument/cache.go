package instrument

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/trademaster/execd/services/execution/internal/storage"
)

type InstrumentStore interface {
	ListActiveInstruments(ctx context.Context) ([]storage.Instrument, error)
}

// Cache holds the tradable instrument universe in memory. The translation
// layer reads it on every submission, so lookups take an RLock only; Refresh
// swaps the whole map.
type Cache struct {
	mu          sync.RWMutex
	instruments map[string]storage.Instrument
	lastRefresh time.Time
}

func NewCache() *Cache {
	return &Cache{
		instruments: make(map[string]storage.Instrument),
	}
}

func (c *Cache) Load(ctx context.Context, store InstrumentStore) error {
	instruments, err := store.ListActiveInstruments(ctx)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.instruments = make(map[string]storage.Instrument, len(instruments))
	for _, inst := range instruments {
		symbol := strings.ToUpper(strings.TrimSpace(inst.Symbol))
		if symbol == "" {
			continue
		}
		inst.Symbol = symbol
		c.instruments[symbol] = inst
	}
	c.lastRefresh = time.Now().UTC()
	return nil
}

func (c *Cache) Refresh(ctx context.Context, store InstrumentStore) error {
	return c.Load(ctx, store)
}

func (c *Cache) Get(symbol string) (*storage.Instrument, bool) {
	key := strings.ToUpper(strings.TrimSpace(symbol))
	if key == "" {
		return nil, false
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	inst, ok := c.instruments[key]
	if !ok {
		return nil, false
	}
	copy := inst
	return &copy, true
}

func (c *Cache) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.instruments)
}

func (c *Cache) LastRefresh() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastRefresh
}
