package eventlog

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/UTKARSH698/CloudFlow/internal/domain"
	"github.com/UTKARSH698/CloudFlow/internal/storage/memory"
)

func testOrder() domain.Order {
	return domain.Order{
		ID:            "ord-1",
		CustomerID:    "c1",
		CorrelationID: "corr-1",
		Items: []domain.OrderItem{
			{ProductID: "KEYBD-01", Quantity: 1, UnitPriceMinor: 8999},
		},
		TotalMinor: 8999,
	}
}

func TestLog_CreateOrder(t *testing.T) {
	t.Parallel()

	eventLog := NewLog(memory.NewStore())
	ctx := context.Background()

	created, err := eventLog.CreateOrder(ctx, testOrder())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if created.Status != domain.OrderStatusPending {
		t.Fatalf("expected PENDING, got %s", created.Status)
	}
	if created.Version != 1 {
		t.Fatalf("expected version 1, got %d", created.Version)
	}

	events, err := eventLog.History(ctx, "ord-1")
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(events) != 1 || events[0].Type != domain.EventOrderCreated || events[0].Seq != 1 {
		t.Fatalf("unexpected history: %+v", events)
	}
}

func TestLog_CreateOrder_DuplicateReturnsExisting(t *testing.T) {
	t.Parallel()

	eventLog := NewLog(memory.NewStore())
	ctx := context.Background()

	if _, err := eventLog.CreateOrder(ctx, testOrder()); err != nil {
		t.Fatalf("first create: %v", err)
	}

	existing, err := eventLog.CreateOrder(ctx, testOrder())
	if !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	if existing.ID != "ord-1" || existing.Status != domain.OrderStatusPending {
		t.Fatalf("expected existing summary, got %+v", existing)
	}
}

func TestLog_Transition_AdvancesSummaryAndHistory(t *testing.T) {
	t.Parallel()

	eventLog := NewLog(memory.NewStore())
	ctx := context.Background()

	if _, err := eventLog.CreateOrder(ctx, testOrder()); err != nil {
		t.Fatalf("create: %v", err)
	}

	reserved, err := eventLog.Transition(ctx, "ord-1", domain.EventStockReserved, nil, func(o *domain.Order) {
		o.ReservationIDs = []string{"rsv-1"}
	})
	if err != nil {
		t.Fatalf("reserve transition: %v", err)
	}
	if reserved.Status != domain.OrderStatusStockReserved || reserved.Version != 2 {
		t.Fatalf("unexpected summary: %+v", reserved)
	}
	if len(reserved.ReservationIDs) != 1 || reserved.ReservationIDs[0] != "rsv-1" {
		t.Fatalf("mutation lost: %+v", reserved.ReservationIDs)
	}

	charged, err := eventLog.Transition(ctx, "ord-1", domain.EventPaymentCharged, map[string]any{
		"payment_id": "pay-1",
	}, func(o *domain.Order) {
		o.PaymentID = "pay-1"
	})
	if err != nil {
		t.Fatalf("charge transition: %v", err)
	}
	if charged.Status != domain.OrderStatusPaymentCharged || charged.Version != 3 {
		t.Fatalf("unexpected summary: %+v", charged)
	}

	events, err := eventLog.History(ctx, "ord-1")
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	wantTypes := []domain.EventType{
		domain.EventOrderCreated,
		domain.EventStockReserved,
		domain.EventPaymentCharged,
	}
	if len(events) != len(wantTypes) {
		t.Fatalf("expected %d events, got %d", len(wantTypes), len(events))
	}
	for i, event := range events {
		if event.Type != wantTypes[i] {
			t.Fatalf("event %d: expected %s, got %s", i, wantTypes[i], event.Type)
		}
		if event.Seq != int64(i+1) {
			t.Fatalf("event %d: expected seq %d, got %d", i, i+1, event.Seq)
		}
	}

	// Последнее событие согласовано со статусом summary.
	if events[len(events)-1].Type.TerminalStatus() != charged.Status {
		t.Fatal("summary status diverged from the last event")
	}
}

type captureMirror struct {
	mu     sync.Mutex
	events []domain.OrderEvent
	err    error
}

func (m *captureMirror) PublishOrderEvent(_ context.Context, event domain.OrderEvent, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
	return m.err
}

func (m *captureMirror) all() []domain.OrderEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.OrderEvent, len(m.events))
	copy(out, m.events)
	return out
}

func TestLog_MirrorsCommittedTransitions(t *testing.T) {
	t.Parallel()

	mirror := &captureMirror{}
	eventLog := NewLog(memory.NewStore(), WithPublisher(mirror))
	ctx := context.Background()

	if _, err := eventLog.CreateOrder(ctx, testOrder()); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := eventLog.Transition(ctx, "ord-1", domain.EventStockReserved, nil, nil); err != nil {
		t.Fatalf("reserve transition: %v", err)
	}
	if _, err := eventLog.Transition(ctx, "ord-1", domain.EventPaymentCharged, map[string]any{
		"payment_id": "pay-1",
	}, nil); err != nil {
		t.Fatalf("charge transition: %v", err)
	}

	mirrored := mirror.all()
	wantTypes := []domain.EventType{
		domain.EventOrderCreated,
		domain.EventStockReserved,
		domain.EventPaymentCharged,
	}
	if len(mirrored) != len(wantTypes) {
		t.Fatalf("expected %d mirrored events, got %d", len(wantTypes), len(mirrored))
	}
	for i, event := range mirrored {
		if event.Type != wantTypes[i] || event.Seq != int64(i+1) || event.OrderID != "ord-1" {
			t.Fatalf("mirrored event %d diverged: %+v", i, event)
		}
	}
	if mirrored[2].Payload["payment_id"] != "pay-1" {
		t.Fatalf("payload lost in mirror: %+v", mirrored[2].Payload)
	}
}

func TestLog_MirrorFailureDoesNotAffectTransition(t *testing.T) {
	t.Parallel()

	mirror := &captureMirror{err: errors.New("broker unavailable")}
	eventLog := NewLog(memory.NewStore(), WithPublisher(mirror))
	ctx := context.Background()

	if _, err := eventLog.CreateOrder(ctx, testOrder()); err != nil {
		t.Fatalf("create: %v", err)
	}
	next, err := eventLog.Transition(ctx, "ord-1", domain.EventStockReserved, nil, nil)
	if err != nil {
		t.Fatalf("transition must not depend on the mirror: %v", err)
	}
	if next.Status != domain.OrderStatusStockReserved || next.Version != 2 {
		t.Fatalf("unexpected summary: %+v", next)
	}
}

func TestLog_Transition_TerminalOrderIsImmutable(t *testing.T) {
	t.Parallel()

	eventLog := NewLog(memory.NewStore())
	ctx := context.Background()

	if _, err := eventLog.CreateOrder(ctx, testOrder()); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := eventLog.Transition(ctx, "ord-1", domain.EventOrderFailed, nil, nil); err != nil {
		t.Fatalf("fail transition: %v", err)
	}

	_, err := eventLog.Transition(ctx, "ord-1", domain.EventStockReserved, nil, nil)
	if !errors.Is(err, domain.ErrOrderTerminal) {
		t.Fatalf("expected ErrOrderTerminal, got %v", err)
	}
}

func TestLog_Transition_ConcurrentWritersOneWinner(t *testing.T) {
	t.Parallel()

	eventLog := NewLog(memory.NewStore())
	ctx := context.Background()

	if _, err := eventLog.CreateOrder(ctx, testOrder()); err != nil {
		t.Fatalf("create: %v", err)
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	winners := 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := eventLog.Transition(ctx, "ord-1", domain.EventStockReserved, nil, nil)
			if err == nil {
				mu.Lock()
				winners++
				mu.Unlock()
				return
			}
			if !errors.Is(err, domain.ErrConflict) && !errors.Is(err, domain.ErrOrderTerminal) {
				t.Errorf("unexpected transition error: %v", err)
			}
		}()
	}
	wg.Wait()

	if winners < 1 {
		t.Fatal("expected at least one winning transition")
	}

	// Summary отражает последний успешный append; история непрерывна.
	current, err := eventLog.Current(ctx, "ord-1", true)
	if err != nil {
		t.Fatalf("current: %v", err)
	}
	events, err := eventLog.History(ctx, "ord-1")
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if int64(len(events)) != current.Version {
		t.Fatalf("history length %d diverged from version %d", len(events), current.Version)
	}
}

func TestLog_Current_NotFound(t *testing.T) {
	t.Parallel()

	eventLog := NewLog(memory.NewStore())

	_, err := eventLog.Current(context.Background(), "missing", false)
	if !errors.Is(err, domain.ErrOrderNotFound) {
		t.Fatalf("expected ErrOrderNotFound, got %v", err)
	}
}

func TestLog_OrderRoundTrip(t *testing.T) {
	t.Parallel()

	eventLog := NewLog(memory.NewStore())
	ctx := context.Background()

	order := testOrder()
	order.Items = append(order.Items, domain.OrderItem{ProductID: "MOUSE-02", Quantity: 2, UnitPriceMinor: 2999})
	order.TotalMinor = 8999 + 2*2999

	if _, err := eventLog.CreateOrder(ctx, order); err != nil {
		t.Fatalf("create: %v", err)
	}

	got, err := eventLog.Current(ctx, "ord-1", true)
	if err != nil {
		t.Fatalf("current: %v", err)
	}
	if got.CustomerID != "c1" || got.CorrelationID != "corr-1" {
		t.Fatalf("identity fields lost: %+v", got)
	}
	if got.TotalMinor != order.TotalMinor {
		t.Fatalf("total lost: %d", got.TotalMinor)
	}
	if len(got.Items) != 2 || got.Items[1].Quantity != 2 || got.Items[1].UnitPriceMinor != 2999 {
		t.Fatalf("items lost: %+v", got.Items)
	}
}
