package integration

import (
	"context"
	"sync"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/UTKARSH698/CloudFlow/internal/domain"
	"github.com/UTKARSH698/CloudFlow/internal/service/breaker"
	"github.com/UTKARSH698/CloudFlow/internal/service/eventlog"
	"github.com/UTKARSH698/CloudFlow/internal/service/idempotency"
	"github.com/UTKARSH698/CloudFlow/internal/service/inventory"
	"github.com/UTKARSH698/CloudFlow/internal/service/notify"
	"github.com/UTKARSH698/CloudFlow/internal/service/order"
	"github.com/UTKARSH698/CloudFlow/internal/service/payment"
	"github.com/UTKARSH698/CloudFlow/internal/service/saga"
	"github.com/UTKARSH698/CloudFlow/internal/storage/memory"
)

// fakeClock — управляемое время для всех слоев стека сразу.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// capturePublisher собирает опубликованные уведомления вместо брокера.
type capturePublisher struct {
	mu        sync.Mutex
	published []domain.Notification
}

func (p *capturePublisher) Publish(_ context.Context, n domain.Notification) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.published = append(p.published, n)
	return nil
}

func (p *capturePublisher) byType(t domain.NotificationType) []domain.Notification {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []domain.Notification
	for _, n := range p.published {
		if n.Type == t {
			out = append(out, n)
		}
	}
	return out
}

// deferredStarter копит заказы: тесты сами решают, когда гнать саги.
type deferredStarter struct {
	mu     sync.Mutex
	orders []string
}

func (s *deferredStarter) Submit(_ context.Context, orderID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.orders = append(s.orders, orderID)
}

func (s *deferredStarter) drain() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.orders
	s.orders = nil
	return out
}

// SagaFlowTestSuite гоняет сквозные сценарии ядра на in-memory store.
type SagaFlowTestSuite struct {
	suite.Suite

	clock        *fakeClock
	store        *memory.Store
	eventLog     *eventlog.Log
	inventory    *inventory.Engine
	provider     *payment.StubProvider
	publisher    *capturePublisher
	dispatcher   *notify.Dispatcher
	orchestrator *saga.Orchestrator
	starter      *deferredStarter
	orders       *order.Service

	dispatcherCancel context.CancelFunc
}

func (s *SagaFlowTestSuite) SetupTest() {
	baseLogger := log.New()
	baseLogger.SetLevel(log.WarnLevel) // Уменьшаем шум в тестах
	logger := baseLogger.WithField("component", "integration-test")

	s.clock = newFakeClock()
	s.store = memory.NewStoreWithClock(s.clock.Now)

	ledger := idempotency.NewLedger(s.store, idempotency.WithClock(s.clock.Now))
	breakers := breaker.NewRegistry(s.store, breaker.WithClock(s.clock.Now))
	s.inventory = inventory.NewEngine(s.store, ledger, inventory.WithClock(s.clock.Now))
	s.provider = payment.NewStubProvider()
	payments := payment.NewClient(s.store, breakers, s.provider)
	s.eventLog = eventlog.NewLog(s.store)

	s.publisher = &capturePublisher{}
	s.dispatcher = notify.NewDispatcher(s.store, s.publisher,
		notify.WithLogger(logger), notify.WithClock(s.clock.Now))

	ctx, cancel := context.WithCancel(context.Background())
	s.dispatcherCancel = cancel
	s.dispatcher.Start(ctx)

	fast := map[saga.Step]saga.StepPolicy{
		saga.StepReserve: {MaxAttempts: 3, BaseDelay: time.Millisecond, BackoffFactor: 2, Timeout: time.Second},
		saga.StepCharge:  {MaxAttempts: 2, BaseDelay: time.Millisecond, BackoffFactor: 2, Timeout: time.Second},
		saga.StepConfirm: {MaxAttempts: 5, BaseDelay: time.Millisecond, BackoffFactor: 2, Timeout: time.Second},
	}
	s.orchestrator = saga.NewOrchestrator(s.eventLog, s.inventory, payments, ledger, s.dispatcher,
		saga.WithLogger(logger),
		saga.WithPolicies(fast),
	)

	s.starter = &deferredStarter{}
	s.orders = order.NewService(s.eventLog, s.starter, order.WithLogger(logger))
}

func (s *SagaFlowTestSuite) TearDownTest() {
	s.dispatcher.Stop()
	s.dispatcherCancel()
}

func (s *SagaFlowTestSuite) runPending() {
	for _, orderID := range s.starter.drain() {
		s.orchestrator.Run(context.Background(), orderID)
	}
}

func (s *SagaFlowTestSuite) seed(productID string, available int64) {
	require.NoError(s.T(), s.inventory.Seed(context.Background(), productID, available, 8999))
}

func (s *SagaFlowTestSuite) submit(orderID, productID string, qty int32, price int64) order.SubmitResult {
	result, err := s.orders.Submit(context.Background(), order.SubmitRequest{
		OrderID:    orderID,
		CustomerID: "c1",
		Items:      []domain.OrderItem{{ProductID: productID, Quantity: qty, UnitPriceMinor: price}},
	})
	require.NoError(s.T(), err)
	return result
}

func (s *SagaFlowTestSuite) status(orderID string) order.StatusResult {
	status, err := s.orders.Status(context.Background(), orderID)
	require.NoError(s.T(), err)
	return status
}

func (s *SagaFlowTestSuite) available(productID string) int64 {
	available, err := s.inventory.Available(context.Background(), productID)
	require.NoError(s.T(), err)
	return available
}

func eventTypes(events []domain.OrderEvent) []domain.EventType {
	types := make([]domain.EventType, 0, len(events))
	for _, event := range events {
		types = append(types, event.Type)
	}
	return types
}

// Счастливый путь: reserve → charge → confirm, склад списан, история полная.
func (s *SagaFlowTestSuite) TestHappyPath() {
	s.seed("KEYBD-01", 10)

	result := s.submit("ord-s1", "KEYBD-01", 1, 8999)
	require.Equal(s.T(), domain.OrderStatusPending, result.Order.Status)
	require.EqualValues(s.T(), 8999, result.Order.TotalMinor)

	s.runPending()

	status := s.status("ord-s1")
	require.Equal(s.T(), domain.OrderStatusConfirmed, status.Order.Status)
	require.Equal(s.T(), []domain.EventType{
		domain.EventOrderCreated,
		domain.EventStockReserved,
		domain.EventPaymentCharged,
		domain.EventOrderConfirmed,
	}, eventTypes(status.Events))
	require.EqualValues(s.T(), 9, s.available("KEYBD-01"))

	s.dispatcher.Stop()
	require.Len(s.T(), s.publisher.byType(domain.NotificationOrderConfirmed), 1)
}

// Отказ провайдера: компенсация возвращает склад, история кончается
// PAYMENT_FAILED → STOCK_RELEASED → ORDER_COMPENSATED.
func (s *SagaFlowTestSuite) TestPaymentDeclined() {
	s.seed("KEYBD-01", 10)
	s.provider.EnqueueDecline("card_declined")

	s.submit("ord-s2", "KEYBD-01", 1, 8999)
	s.runPending()

	status := s.status("ord-s2")
	require.Equal(s.T(), domain.OrderStatusCompensated, status.Order.Status)
	require.Equal(s.T(), saga.ReasonPaymentDeclined, status.Order.Reason)

	types := eventTypes(status.Events)
	require.Equal(s.T(), []domain.EventType{
		domain.EventPaymentFailed,
		domain.EventStockReleased,
		domain.EventOrderCompensated,
	}, types[len(types)-3:])
	require.EqualValues(s.T(), 10, s.available("KEYBD-01"))

	s.dispatcher.Stop()
	require.Len(s.T(), s.publisher.byType(domain.NotificationOrderCompensated), 1)
}

// Открытие цепи после серии транзиентных сбоев и восстановление через probe.
func (s *SagaFlowTestSuite) TestCircuitOpensAndRecovers() {
	s.seed("KEYBD-01", 100)
	s.provider.EnqueueTransient(5)

	// Три саги съедают пять транзиентных сбоев (2+2+1) и открывают цепь.
	for _, orderID := range []string{"ord-s3-1", "ord-s3-2", "ord-s3-3"} {
		s.submit(orderID, "KEYBD-01", 1, 8999)
	}
	s.runPending()
	require.Equal(s.T(), 5, s.provider.Charges())

	// Цепь открыта: следующая сага компенсируется, не дойдя до провайдера.
	s.submit("ord-s3-4", "KEYBD-01", 1, 8999)
	s.runPending()

	status := s.status("ord-s3-4")
	require.Equal(s.T(), domain.OrderStatusCompensated, status.Order.Status)
	require.Equal(s.T(), saga.ReasonProviderUnavailable, status.Order.Reason)
	require.Equal(s.T(), 5, s.provider.Charges())
	require.EqualValues(s.T(), 100, s.available("KEYBD-01"))

	// После cooldown probe проходит, и цепь закрывается за два успеха.
	s.clock.Advance(61 * time.Second)
	s.submit("ord-s3-5", "KEYBD-01", 1, 8999)
	s.runPending()
	require.Equal(s.T(), domain.OrderStatusConfirmed, s.status("ord-s3-5").Order.Status)

	s.submit("ord-s3-6", "KEYBD-01", 1, 8999)
	s.runPending()
	require.Equal(s.T(), domain.OrderStatusConfirmed, s.status("ord-s3-6").Order.Status)

	s.submit("ord-s3-7", "KEYBD-01", 1, 8999)
	s.runPending()
	require.Equal(s.T(), domain.OrderStatusConfirmed, s.status("ord-s3-7").Order.Status)
}

// Oversell: десять конкурентных заказов на последнюю единицу товара.
func (s *SagaFlowTestSuite) TestConcurrentOversell() {
	s.seed("WEBCAM-4K", 1)

	orderIDs := make([]string, 10)
	for i := range orderIDs {
		orderIDs[i] = "ord-s4-" + string(rune('a'+i))
		s.submit(orderIDs[i], "WEBCAM-4K", 1, 8999)
	}

	pending := s.starter.drain()
	var wg sync.WaitGroup
	wg.Add(len(pending))
	for _, orderID := range pending {
		orderID := orderID
		go func() {
			defer wg.Done()
			s.orchestrator.Run(context.Background(), orderID)
		}()
	}
	wg.Wait()

	confirmed, failed := 0, 0
	for _, orderID := range orderIDs {
		status := s.status(orderID)
		switch status.Order.Status {
		case domain.OrderStatusConfirmed:
			confirmed++
		case domain.OrderStatusFailed:
			failed++
			require.Equal(s.T(), saga.ReasonInsufficientStock, status.Order.Reason)
			// Компенсационных событий нет: резерв не создавался.
			require.Equal(s.T(), []domain.EventType{
				domain.EventOrderCreated,
				domain.EventOrderFailed,
			}, eventTypes(status.Events))
		default:
			s.T().Fatalf("order %s in unexpected status %s", orderID, status.Order.Status)
		}
	}

	require.Equal(s.T(), 1, confirmed)
	require.Equal(s.T(), 9, failed)
	require.EqualValues(s.T(), 0, s.available("WEBCAM-4K"))
}

// Дубликат сабмита схлопывается в один заказ и одну сагу.
func (s *SagaFlowTestSuite) TestDuplicateSubmit() {
	s.seed("KEYBD-01", 10)

	first := s.submit("ord-s5", "KEYBD-01", 1, 8999)
	second := s.submit("ord-s5", "KEYBD-01", 1, 8999)

	require.False(s.T(), first.Duplicate)
	require.True(s.T(), second.Duplicate)
	require.Equal(s.T(), first.Order.ID, second.Order.ID)
	require.Equal(s.T(), domain.OrderStatusPending, first.Order.Status)
	require.Equal(s.T(), domain.OrderStatusPending, second.Order.Status)

	pending := s.starter.drain()
	require.Len(s.T(), pending, 1)
	s.orchestrator.Run(context.Background(), pending[0])

	require.Equal(s.T(), domain.OrderStatusConfirmed, s.status("ord-s5").Order.Status)
	require.Equal(s.T(), 1, s.provider.Charges())
	require.EqualValues(s.T(), 9, s.available("KEYBD-01"))
}

// Падение воркера после STOCK_RESERVED: новый воркер продолжает с summary,
// резерв не создается заново, charge выполняется один раз.
func (s *SagaFlowTestSuite) TestCrashAfterReserveResumes() {
	s.seed("KEYBD-01", 10)
	ctx := context.Background()

	created := s.submit("ord-s6", "KEYBD-01", 1, 8999)

	// Упавший воркер успел зарезервировать и записать переход.
	reservationIDs, err := s.inventory.Reserve(ctx, created.Order.ID, created.Order.ID, created.Order.Items)
	require.NoError(s.T(), err)
	_, err = s.eventLog.Transition(ctx, created.Order.ID, domain.EventStockReserved, map[string]any{
		"reservation_ids": reservationIDs,
	}, func(ord *domain.Order) {
		ord.ReservationIDs = reservationIDs
	})
	require.NoError(s.T(), err)

	// Замена подхватывает сагу с STOCK_RESERVED.
	s.orchestrator.Run(ctx, created.Order.ID)

	status := s.status(created.Order.ID)
	require.Equal(s.T(), domain.OrderStatusConfirmed, status.Order.Status)
	require.Equal(s.T(), reservationIDs, status.Order.ReservationIDs)
	require.Equal(s.T(), 1, s.provider.Charges())
	require.EqualValues(s.T(), 9, s.available("KEYBD-01"))

	// Повтор reserve с тем же шагом реплеится из идемпотентной записи.
	replayed, err := s.inventory.Reserve(ctx, created.Order.ID, created.Order.ID, created.Order.Items)
	require.NoError(s.T(), err)
	require.Equal(s.T(), reservationIDs, replayed)
	require.EqualValues(s.T(), 9, s.available("KEYBD-01"))
}

func TestSagaFlowTestSuite(t *testing.T) {
	suite.Run(t, new(SagaFlowTestSuite))
}
