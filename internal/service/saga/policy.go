package saga

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/UTKARSH698/CloudFlow/internal/domain"
)

// Step — имя шага саги; входит в идемпотентный ключ и в метрики.
type Step string

const (
	StepReserve Step = "reserve"
	StepCharge  Step = "charge"
	StepConfirm Step = "confirm"
)

// StepPolicy — бюджет повторов одного шага: число попыток, экспоненциальная
// задержка с джиттером и жесткий дедлайн на попытку.
type StepPolicy struct {
	MaxAttempts   int
	BaseDelay     time.Duration
	BackoffFactor float64
	JitterFrac    float64
	Timeout       time.Duration
}

// DefaultPolicies возвращает бюджеты шагов по умолчанию.
func DefaultPolicies() map[Step]StepPolicy {
	return map[Step]StepPolicy{
		StepReserve: {MaxAttempts: 3, BaseDelay: 100 * time.Millisecond, BackoffFactor: 2, JitterFrac: 0.2, Timeout: 2 * time.Second},
		StepCharge:  {MaxAttempts: 2, BaseDelay: 250 * time.Millisecond, BackoffFactor: 2, JitterFrac: 0.2, Timeout: 5 * time.Second},
		StepConfirm: {MaxAttempts: 5, BaseDelay: 50 * time.Millisecond, BackoffFactor: 2, JitterFrac: 0.2, Timeout: 2 * time.Second},
	}
}

// delay возвращает паузу перед попыткой attempt (нумерация с 1).
func (p StepPolicy) delay(attempt int) time.Duration {
	d := float64(p.BaseDelay)
	for i := 1; i < attempt; i++ {
		d *= p.BackoffFactor
	}
	if p.JitterFrac > 0 {
		d *= 1 + p.JitterFrac*(2*rand.Float64()-1)
	}
	return time.Duration(d)
}

// executeWithPolicy гоняет fn по бюджету шага: ретраятся только транзиентные
// ошибки (UNAVAILABLE, TIMEOUT); CIRCUIT_OPEN и бизнес-отказы всплывают сразу.
// Истекший дедлайн попытки приводится к TIMEOUT и ретраится как транзиентный.
func executeWithPolicy(ctx context.Context, logger *log.Entry, step Step, policy StepPolicy, fn func(ctx context.Context) error) error {
	var lastErr error

	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		attemptCtx := ctx
		cancel := context.CancelFunc(func() {})
		if policy.Timeout > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, policy.Timeout)
		}

		err := fn(attemptCtx)
		cancel()

		if err == nil {
			if attempt > 1 {
				logger.WithFields(log.Fields{
					"step":    string(step),
					"attempt": attempt,
				}).Info("step succeeded after retry")
			}
			return nil
		}

		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			err = fmt.Errorf("%w: step %s attempt %d", domain.ErrTimeout, step, attempt)
		}
		lastErr = err

		if ctx.Err() != nil {
			return err
		}
		if !domain.Retryable(err) {
			return err
		}
		if attempt == policy.MaxAttempts {
			break
		}

		pause := policy.delay(attempt)
		logger.WithFields(log.Fields{
			"step":    string(step),
			"attempt": attempt,
			"delay":   pause.String(),
			"error":   err.Error(),
		}).Warn("step failed, retrying")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(pause):
		}
	}

	return lastErr
}
