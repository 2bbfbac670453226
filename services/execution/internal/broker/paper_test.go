package broker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

type collectSink struct {
	mu     sync.Mutex
	events []Event
	done   chan struct{}
	want   int
}

func newCollectSink(want int) *collectSink {
	return &collectSink{done: make(chan struct{}), want: want}
}

func (s *collectSink) ApplyBrokerEvent(ctx context.Context, brokerID, nativeOrderID string, event Event) error {
	s.mu.Lock()
	s.events = append(s.events, event)
	if len(s.events) == s.want {
		close(s.done)
	}
	s.mu.Unlock()
	return nil
}

func (s *collectSink) wait(t *testing.T) []Event {
	t.Helper()
	select {
	case <-s.done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for paper broker events")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Event(nil), s.events...)
}

func paperRequest() OrderRequest {
	limit := decimal.NewFromFloat(10.5)
	return OrderRequest{
		OrderID:     "client-1",
		Symbol:      "AAPL",
		Side:        "buy",
		Type:        "limit",
		Quantity:    decimal.NewFromInt(100),
		LimitPrice:  &limit,
		TimeInForce: "day",
	}
}

func TestPaperAdapterFillsOrder(t *testing.T) {
	sink := newCollectSink(3)
	adapter := NewPaperAdapter(PaperConfig{Name: "paper", PartialSteps: 2}, sink, slog.Default())

	ack, err := adapter.Submit(context.Background(), paperRequest())
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if ack.NativeOrderID == "" {
		t.Fatal("expected native order id")
	}

	events := sink.wait(t)
	if events[0].Type != EventAck {
		t.Fatalf("expected ack first, got %s", events[0].Type)
	}
	if events[1].Type != EventPartialFill || !events[1].FilledQty.Equal(decimal.NewFromInt(50)) {
		t.Fatalf("expected partial fill of 50, got %s %s", events[1].Type, events[1].FilledQty)
	}
	if events[2].Type != EventFill || !events[2].FilledQty.Equal(decimal.NewFromInt(100)) {
		t.Fatalf("expected full fill of 100, got %s %s", events[2].Type, events[2].FilledQty)
	}
	for i, event := range events {
		if event.Sequence != int64(i+1) {
			t.Fatalf("expected sequence %d, got %d", i+1, event.Sequence)
		}
	}
}

func TestPaperAdapterCancelStopsFills(t *testing.T) {
	sink := newCollectSink(1)
	adapter := NewPaperAdapter(PaperConfig{Name: "paper", FillDelay: time.Hour}, sink, slog.Default())

	ack, err := adapter.Submit(context.Background(), paperRequest())
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	sink.wait(t) // ack delivered

	if err := adapter.Cancel(context.Background(), ack.NativeOrderID); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	status, err := adapter.PollStatus(context.Background(), ack.NativeOrderID)
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if !status.Found || status.State != EventCancelConfirm {
		t.Fatalf("expected cancelled status, got %+v", status)
	}
}

// gatedSink holds cancel confirmations until released, standing in for a
// reconciliation engine that is busy with the same order.
type gatedSink struct {
	release chan struct{}
	got     chan Event
}

func (s *gatedSink) ApplyBrokerEvent(ctx context.Context, brokerID, nativeOrderID string, event Event) error {
	if event.Type == EventCancelConfirm {
		<-s.release
	}
	s.got <- event
	return nil
}

func TestPaperAdapterCancelReturnsBeforeConfirmDelivery(t *testing.T) {
	sink := &gatedSink{release: make(chan struct{}), got: make(chan Event, 4)}
	adapter := NewPaperAdapter(PaperConfig{Name: "paper", FillDelay: time.Hour}, sink, slog.Default())

	ack, err := adapter.Submit(context.Background(), paperRequest())
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	<-sink.got // ack delivered

	done := make(chan error, 1)
	go func() { done <- adapter.Cancel(context.Background(), ack.NativeOrderID) }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("cancel: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("cancel must not block on confirmation delivery")
	}

	close(sink.release)
	select {
	case event := <-sink.got:
		if event.Type != EventCancelConfirm || event.Sequence != 2 {
			t.Fatalf("expected cancel confirm with sequence 2, got %+v", event)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for cancel confirmation")
	}
}

func TestPaperAdapterModifyDuringFills(t *testing.T) {
	sink := newCollectSink(3)
	adapter := NewPaperAdapter(PaperConfig{Name: "paper", PartialSteps: 2, FillDelay: 20 * time.Millisecond}, sink, slog.Default())

	ack, err := adapter.Submit(context.Background(), paperRequest())
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	smaller := paperRequest()
	smaller.Quantity = decimal.NewFromInt(60)
	if err := adapter.Modify(context.Background(), ack.NativeOrderID, smaller); err != nil {
		t.Fatalf("modify: %v", err)
	}

	events := sink.wait(t)
	last := events[len(events)-1]
	if last.Type != EventFill {
		t.Fatalf("expected terminal fill, got %s", last.Type)
	}
	want100 := last.FilledQty.Equal(decimal.NewFromInt(100))
	want60 := last.FilledQty.Equal(decimal.NewFromInt(60))
	if !want100 && !want60 {
		t.Fatalf("fill quantity must reflect one of the order's revisions, got %s", last.FilledQty)
	}
}

func TestPaperAdapterCancelUnknownOrder(t *testing.T) {
	adapter := NewPaperAdapter(PaperConfig{Name: "paper"}, nil, slog.Default())
	if err := adapter.Cancel(context.Background(), "missing"); !errors.Is(err, ErrOrderNotFound) {
		t.Fatalf("expected ErrOrderNotFound, got %v", err)
	}
}

func TestPaperAdapterPollByClientOrderID(t *testing.T) {
	sink := newCollectSink(1)
	adapter := NewPaperAdapter(PaperConfig{Name: "paper", FillDelay: time.Hour}, sink, slog.Default())

	req := paperRequest()
	ack, err := adapter.Submit(context.Background(), req)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	sink.wait(t)

	status, err := adapter.PollStatus(context.Background(), req.OrderID)
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if !status.Found {
		t.Fatal("expected order found by client order id")
	}
	if status.NativeOrderID != ack.NativeOrderID {
		t.Fatalf("expected native id %s, got %s", ack.NativeOrderID, status.NativeOrderID)
	}
}

func TestPaperAdapterPollUnknownOrder(t *testing.T) {
	adapter := NewPaperAdapter(PaperConfig{Name: "paper"}, nil, slog.Default())
	status, err := adapter.PollStatus(context.Background(), "missing")
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if status.Found {
		t.Fatal("expected not found")
	}
}

func TestPaperAdapterFaultInjection(t *testing.T) {
	adapter := NewPaperAdapter(PaperConfig{Name: "paper"}, nil, slog.Default())

	injected := Transient(errors.New("connection refused"))
	adapter.FailSubmits(injected)
	if _, err := adapter.Submit(context.Background(), paperRequest()); !IsTransient(err) {
		t.Fatalf("expected injected transient error, got %v", err)
	}
	adapter.FailSubmits(nil)
	if _, err := adapter.Submit(context.Background(), paperRequest()); err != nil {
		t.Fatalf("expected submit to recover, got %v", err)
	}

	adapter.FailHeartbeats(errors.New("down"))
	if err := adapter.Heartbeat(context.Background()); err == nil {
		t.Fatal("expected heartbeat failure")
	}
	adapter.FailHeartbeats(nil)
	if err := adapter.Heartbeat(context.Background()); err != nil {
		t.Fatalf("expected heartbeat to recover, got %v", err)
	}
}

func TestErrorClassification(t *testing.T) {
	rejection := &RejectionError{Reason: "insufficient margin"}
	if !IsRejection(rejection) {
		t.Fatal("expected rejection classified")
	}
	if IsRejection(Transient(errors.New("boom"))) {
		t.Fatal("transient must not classify as rejection")
	}
	if !IsTransient(Transient(errors.New("boom"))) {
		t.Fatal("expected transient classified")
	}
	if !IsUnknownOutcome(context.DeadlineExceeded) {
		t.Fatal("deadline exceeded is an unknown outcome")
	}
	if IsUnknownOutcome(rejection) {
		t.Fatal("rejection is a definite outcome")
	}
}

func TestEventValidate(t *testing.T) {
	valid := Event{Type: EventPartialFill, FilledQty: decimal.NewFromInt(10), AvgPrice: decimal.NewFromInt(5)}
	if err := valid.Validate(); err != nil {
		t.Fatalf("expected valid event, got %v", err)
	}
	if err := (Event{Type: EventType("BOGUS")}).Validate(); err == nil {
		t.Fatal("expected unknown type rejected")
	}
	if err := (Event{Type: EventFill, FilledQty: decimal.NewFromInt(-1)}).Validate(); err == nil {
		t.Fatal("expected negative fill rejected")
	}
}
