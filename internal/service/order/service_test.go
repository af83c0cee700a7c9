package order

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/UTKARSH698/CloudFlow/internal/domain"
	"github.com/UTKARSH698/CloudFlow/internal/service/eventlog"
	"github.com/UTKARSH698/CloudFlow/internal/storage/memory"
)

type recordingStarter struct {
	mu     sync.Mutex
	orders []string
}

func (r *recordingStarter) Submit(_ context.Context, orderID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.orders = append(r.orders, orderID)
}

func (r *recordingStarter) submitted() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.orders))
	copy(out, r.orders)
	return out
}

func newTestService(t *testing.T) (*Service, *eventlog.Log, *recordingStarter) {
	t.Helper()

	eventLog := eventlog.NewLog(memory.NewStore())
	starter := &recordingStarter{}
	return NewService(eventLog, starter), eventLog, starter
}

func validRequest() SubmitRequest {
	return SubmitRequest{
		OrderID:    "ord-1",
		CustomerID: "c1",
		Items: []domain.OrderItem{
			{ProductID: "p1", Quantity: 2, UnitPriceMinor: 1500},
			{ProductID: "p2", Quantity: 1, UnitPriceMinor: 700},
		},
	}
}

func TestService_Submit_AcceptsAndStartsSaga(t *testing.T) {
	t.Parallel()

	svc, _, starter := newTestService(t)

	result, err := svc.Submit(context.Background(), validRequest())
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if result.Duplicate {
		t.Fatal("fresh order flagged as duplicate")
	}
	if result.Order.Status != domain.OrderStatusPending {
		t.Fatalf("expected PENDING, got %s", result.Order.Status)
	}
	// Сумма считается на сервере: 2*1500 + 1*700.
	if result.Order.TotalMinor != 3700 {
		t.Fatalf("expected total 3700, got %d", result.Order.TotalMinor)
	}
	if result.Order.CorrelationID == "" {
		t.Fatal("expected generated correlation id")
	}

	if got := starter.submitted(); len(got) != 1 || got[0] != "ord-1" {
		t.Fatalf("expected saga submitted for ord-1, got %v", got)
	}
}

func TestService_Submit_GeneratesOrderID(t *testing.T) {
	t.Parallel()

	svc, _, _ := newTestService(t)

	req := validRequest()
	req.OrderID = ""
	result, err := svc.Submit(context.Background(), req)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if result.Order.ID == "" {
		t.Fatal("expected generated order id")
	}
}

func TestService_Submit_DuplicateCollapses(t *testing.T) {
	t.Parallel()

	svc, _, starter := newTestService(t)
	ctx := context.Background()

	first, err := svc.Submit(ctx, validRequest())
	if err != nil {
		t.Fatalf("first submit: %v", err)
	}
	second, err := svc.Submit(ctx, validRequest())
	if err != nil {
		t.Fatalf("duplicate submit: %v", err)
	}

	if !second.Duplicate {
		t.Fatal("expected duplicate flag on second submit")
	}
	if second.Order.ID != first.Order.ID {
		t.Fatalf("expected same order, got %s vs %s", first.Order.ID, second.Order.ID)
	}
	// Вторая сага не запускается: заказ уже в обработке.
	if got := starter.submitted(); len(got) != 1 {
		t.Fatalf("expected a single saga start, got %v", got)
	}
}

func TestService_Submit_Validation(t *testing.T) {
	t.Parallel()

	svc, _, starter := newTestService(t)
	ctx := context.Background()

	cases := []struct {
		name    string
		mutate  func(*SubmitRequest)
		wantErr error
	}{
		{
			name:    "missing customer",
			mutate:  func(req *SubmitRequest) { req.CustomerID = "" },
			wantErr: domain.ErrCustomerRequired,
		},
		{
			name:    "no items",
			mutate:  func(req *SubmitRequest) { req.Items = nil },
			wantErr: domain.ErrItemsRequired,
		},
		{
			name:    "zero quantity",
			mutate:  func(req *SubmitRequest) { req.Items[0].Quantity = 0 },
			wantErr: domain.ErrItemQtyInvalid,
		},
		{
			name:    "zero price",
			mutate:  func(req *SubmitRequest) { req.Items[0].UnitPriceMinor = 0 },
			wantErr: domain.ErrItemPriceInvalid,
		},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			req := validRequest()
			tc.mutate(&req)

			_, err := svc.Submit(ctx, req)
			if !errors.Is(err, domain.ErrValidation) {
				t.Fatalf("expected validation error, got %v", err)
			}
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("expected %v in chain, got %v", tc.wantErr, err)
			}
		})
	}

	if got := starter.submitted(); len(got) != 0 {
		t.Fatalf("expected no sagas for invalid requests, got %v", got)
	}
}

func TestService_Status(t *testing.T) {
	t.Parallel()

	svc, eventLog, _ := newTestService(t)
	ctx := context.Background()

	submitted, err := svc.Submit(ctx, validRequest())
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	if _, err := eventLog.Transition(ctx, submitted.Order.ID, domain.EventStockReserved, nil, nil); err != nil {
		t.Fatalf("transition: %v", err)
	}

	status, err := svc.Status(ctx, submitted.Order.ID)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status.Order.Status != domain.OrderStatusStockReserved {
		t.Fatalf("expected STOCK_RESERVED, got %s", status.Order.Status)
	}
	if len(status.Events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(status.Events))
	}
	if status.Events[0].Type != domain.EventOrderCreated || status.Events[1].Type != domain.EventStockReserved {
		t.Fatalf("unexpected history: %+v", status.Events)
	}
}

func TestService_Status_NotFound(t *testing.T) {
	t.Parallel()

	svc, _, _ := newTestService(t)

	_, err := svc.Status(context.Background(), "missing")
	if !errors.Is(err, domain.ErrOrderNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}
