package saga

import (
	"testing"
	"time"

	"github.com/UTKARSH698/CloudFlow/internal/service/idempotency"
)

// worstCase считает максимальную длительность шага: каждая попытка уперлась
// в таймаут, каждый бэкофф лег на верхнюю границу джиттера.
func worstCase(p StepPolicy) time.Duration {
	total := time.Duration(p.MaxAttempts) * p.Timeout
	delay := float64(p.BaseDelay)
	for attempt := 1; attempt < p.MaxAttempts; attempt++ {
		total += time.Duration(delay * (1 + p.JitterFrac))
		delay *= p.BackoffFactor
	}
	return total
}

func TestDefaultPolicies_FitLedgerInProgressTimeout(t *testing.T) {
	t.Parallel()

	// Цикл повторов шага целиком выполняется под одним claim-ом ledger-а
	// (charge — всегда, reserve — внутри движка инвентаря). Живой владелец
	// не должен быть перехвачен до исчерпания бюджета попыток.
	for step, policy := range DefaultPolicies() {
		if wc := worstCase(policy); wc >= idempotency.DefaultInProgressTimeout {
			t.Fatalf("step %s worst case %s exceeds in-progress timeout %s",
				step, wc, idempotency.DefaultInProgressTimeout)
		}
	}
}

func TestStepPolicy_DelayGrowsWithinJitterBounds(t *testing.T) {
	t.Parallel()

	policy := StepPolicy{BaseDelay: 100 * time.Millisecond, BackoffFactor: 2, JitterFrac: 0.2}

	for attempt := 1; attempt <= 4; attempt++ {
		base := float64(policy.BaseDelay)
		for i := 1; i < attempt; i++ {
			base *= policy.BackoffFactor
		}
		lo := time.Duration(base * (1 - policy.JitterFrac))
		hi := time.Duration(base * (1 + policy.JitterFrac))

		got := policy.delay(attempt)
		if got < lo || got > hi {
			t.Fatalf("attempt %d: delay %s outside [%s, %s]", attempt, got, lo, hi)
		}
	}
}
