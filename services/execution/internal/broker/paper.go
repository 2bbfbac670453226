package broker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// PaperConfig tunes the simulated broker. Zero delays fill orders on the
// next sink delivery, which is what the development loop wants.
type PaperConfig struct {
	Name         string
	AckDelay     time.Duration
	FillDelay    time.Duration
	PartialSteps int
}

type paperOrder struct {
	req       OrderRequest
	filledQty decimal.Decimal
	avgPrice  decimal.Decimal
	sequence  int64
	state     EventType
	cancelled bool
}

// PaperAdapter simulates a broker in-process: every accepted order is
// acknowledged and then filled at its limit price (or a synthetic mark for
// market orders), with optional partial-fill steps. It exists so the full
// pipeline runs without real broker connectivity.
type PaperAdapter struct {
	cfg    PaperConfig
	sink   EventSink
	logger *slog.Logger

	mu     sync.Mutex
	orders map[string]*paperOrder

	// fault injection for development and tests
	submitErr    error
	heartbeatErr error
}

func NewPaperAdapter(cfg PaperConfig, sink EventSink, logger *slog.Logger) *PaperAdapter {
	if cfg.PartialSteps < 1 {
		cfg.PartialSteps = 1
	}
	return &PaperAdapter{
		cfg:    cfg,
		sink:   sink,
		logger: logger,
		orders: make(map[string]*paperOrder),
	}
}

func (p *PaperAdapter) Name() string { return p.cfg.Name }

// FailSubmits makes subsequent Submit calls return err until reset with nil.
func (p *PaperAdapter) FailSubmits(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.submitErr = err
}

// FailHeartbeats makes subsequent Heartbeat calls return err until reset.
func (p *PaperAdapter) FailHeartbeats(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.heartbeatErr = err
}

func (p *PaperAdapter) Submit(ctx context.Context, req OrderRequest) (Ack, error) {
	p.mu.Lock()
	if p.submitErr != nil {
		err := p.submitErr
		p.mu.Unlock()
		return Ack{}, err
	}
	nativeID := uuid.NewString()
	ord := &paperOrder{req: req, state: EventAck}
	p.orders[nativeID] = ord
	p.mu.Unlock()

	go p.runLifecycle(nativeID, ord)
	return Ack{NativeOrderID: nativeID}, nil
}

func (p *PaperAdapter) runLifecycle(nativeID string, ord *paperOrder) {
	ctx := context.Background()
	time.Sleep(p.cfg.AckDelay)
	p.emit(ctx, nativeID, Event{Type: EventAck, Sequence: p.nextSeq(nativeID), Timestamp: time.Now().UTC()})

	for i := 1; i <= p.cfg.PartialSteps; i++ {
		time.Sleep(p.cfg.FillDelay)
		p.mu.Lock()
		if ord.cancelled {
			p.mu.Unlock()
			return
		}
		// Modify can swap ord.req between steps, so each step takes its own
		// view of quantity and price under the lock.
		total := ord.req.Quantity
		fillPrice := p.fillPrice(ord.req)
		step := total.Div(decimal.NewFromInt(int64(p.cfg.PartialSteps)))
		filled := step.Mul(decimal.NewFromInt(int64(i)))
		if i == p.cfg.PartialSteps {
			filled = total
		}
		typ := EventPartialFill
		if filled.Equal(total) {
			typ = EventFill
		}
		ord.filledQty = filled
		ord.avgPrice = fillPrice
		ord.state = typ
		ord.sequence++
		seq := ord.sequence
		p.mu.Unlock()

		p.emit(ctx, nativeID, Event{
			Type:      typ,
			FilledQty: filled,
			AvgPrice:  fillPrice,
			Sequence:  seq,
			Timestamp: time.Now().UTC(),
		})
		if typ == EventFill {
			return
		}
	}
}

func (p *PaperAdapter) fillPrice(req OrderRequest) decimal.Decimal {
	if req.LimitPrice != nil {
		return *req.LimitPrice
	}
	if req.StopPrice != nil {
		return *req.StopPrice
	}
	return decimal.NewFromInt(100)
}

func (p *PaperAdapter) nextSeq(nativeID string) int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	ord, ok := p.orders[nativeID]
	if !ok {
		return 0
	}
	ord.sequence++
	return ord.sequence
}

func (p *PaperAdapter) emit(ctx context.Context, nativeID string, event Event) {
	if p.sink == nil {
		return
	}
	if err := p.sink.ApplyBrokerEvent(ctx, p.cfg.Name, nativeID, event); err != nil {
		p.logger.Warn("paper broker event not applied",
			"broker", p.cfg.Name,
			"native_order_id", nativeID,
			"event_type", string(event.Type),
			"error", err)
	}
}

func (p *PaperAdapter) Modify(ctx context.Context, nativeOrderID string, req OrderRequest) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	ord, ok := p.orders[nativeOrderID]
	if !ok {
		return ErrOrderNotFound
	}
	if ord.state == EventFill || ord.cancelled {
		return &RejectionError{Reason: "order is no longer working"}
	}
	ord.req = req
	return nil
}

func (p *PaperAdapter) Cancel(ctx context.Context, nativeOrderID string) error {
	p.mu.Lock()
	ord, ok := p.orders[nativeOrderID]
	if !ok {
		p.mu.Unlock()
		return ErrOrderNotFound
	}
	if ord.state == EventFill {
		p.mu.Unlock()
		return &RejectionError{Reason: "order already filled"}
	}
	ord.cancelled = true
	ord.sequence++
	event := Event{
		Type:      EventCancelConfirm,
		FilledQty: ord.filledQty,
		AvgPrice:  ord.avgPrice,
		Sequence:  ord.sequence,
		Timestamp: time.Now().UTC(),
	}
	p.mu.Unlock()

	// Delivered from its own goroutine, like the fill lifecycle: the sink is
	// the reconciliation engine, and the caller may still hold that order's
	// lock while this Cancel call is in flight.
	go p.emit(context.Background(), nativeOrderID, event)
	return nil
}

func (p *PaperAdapter) PollStatus(ctx context.Context, orderID string) (Status, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	nativeID := orderID
	ord, ok := p.orders[orderID]
	if !ok {
		for id, candidate := range p.orders {
			if candidate.req.OrderID == orderID {
				nativeID, ord, ok = id, candidate, true
				break
			}
		}
	}
	if !ok {
		return Status{Found: false}, nil
	}
	state := ord.state
	if ord.cancelled {
		state = EventCancelConfirm
	}
	return Status{
		Found:         true,
		NativeOrderID: nativeID,
		State:         state,
		FilledQty:     ord.filledQty,
		AvgPrice:      ord.avgPrice,
		Sequence:      ord.sequence,
	}, nil
}

func (p *PaperAdapter) Heartbeat(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.heartbeatErr
}
