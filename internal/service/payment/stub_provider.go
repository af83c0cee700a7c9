package payment

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/UTKARSH698/CloudFlow/internal/domain"
)

// StubProvider — программируемый платежный шлюз для локальной разработки
// и тестов. Исходы снимаются с очереди сценария; пустая очередь означает
// успешный capture. Повтор с тем же idempotency key возвращает ранее
// выданный результат, как это делает настоящий провайдер.
type StubProvider struct {
	mu sync.Mutex

	script  []scriptedOutcome
	byKey   map[string]domain.ChargeResult
	charges int
	refunds int
}

type scriptedOutcome struct {
	declineReason string
	transient     bool
}

// NewStubProvider создает стаб с пустым сценарием (все платежи проходят).
func NewStubProvider() *StubProvider {
	return &StubProvider{
		byKey: make(map[string]domain.ChargeResult),
	}
}

// EnqueueDecline добавляет в сценарий отказ с причиной.
func (p *StubProvider) EnqueueDecline(reason string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.script = append(p.script, scriptedOutcome{declineReason: reason})
}

// EnqueueTransient добавляет в сценарий n транзиентных сбоев.
func (p *StubProvider) EnqueueTransient(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := 0; i < n; i++ {
		p.script = append(p.script, scriptedOutcome{transient: true})
	}
}

// Charge реализует domain.PaymentProvider.
func (p *StubProvider) Charge(ctx context.Context, req domain.ChargeRequest) (domain.ChargeResult, error) {
	if err := ctx.Err(); err != nil {
		return domain.ChargeResult{}, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.charges++

	if req.IdempotencyKey != "" {
		if prior, ok := p.byKey[req.IdempotencyKey]; ok {
			return prior, nil
		}
	}

	if len(p.script) > 0 {
		next := p.script[0]
		p.script = p.script[1:]

		if next.transient {
			return domain.ChargeResult{}, fmt.Errorf("%w: provider connection reset", domain.ErrUnavailable)
		}
		result := domain.ChargeResult{
			Status:        domain.PaymentStatusDeclined,
			DeclineReason: next.declineReason,
		}
		if req.IdempotencyKey != "" {
			p.byKey[req.IdempotencyKey] = result
		}
		return result, nil
	}

	result := domain.ChargeResult{
		Status:           domain.PaymentStatusCaptured,
		ProviderChargeID: "ch_" + uuid.NewString(),
	}
	if req.IdempotencyKey != "" {
		p.byKey[req.IdempotencyKey] = result
	}
	return result, nil
}

// Refund реализует domain.PaymentProvider.
func (p *StubProvider) Refund(ctx context.Context, req domain.RefundRequest) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.refunds++
	return nil
}

// Charges возвращает число реально выполненных charge-вызовов.
func (p *StubProvider) Charges() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.charges
}

// Refunds возвращает число refund-вызовов.
func (p *StubProvider) Refunds() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.refunds
}

var _ domain.PaymentProvider = (*StubProvider)(nil)
