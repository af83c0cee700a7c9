package idempotency

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"

	"github.com/UTKARSH698/CloudFlow/internal/domain"
	"github.com/UTKARSH698/CloudFlow/internal/storage"
)

const (
	keyPrefix = "idem#"

	stateInProgress = "IN_PROGRESS"
	stateDone       = "DONE"
	stateFailed     = "FAILED"

	// DefaultTTL — срок жизни идемпотентной записи; после него ключ можно
	// использовать заново, и защита от дублей для него заканчивается.
	DefaultTTL = 24 * time.Hour
	// DefaultInProgressTimeout — возраст IN_PROGRESS записи, после которого
	// владелец считается умершим и ключ можно перехватить. Обязан перекрывать
	// худший бюджет шага целиком: весь цикл повторов charge (2 попытки по 5s
	// плюс бэкофф) идет под одним claim-ом.
	DefaultInProgressTimeout = 15 * time.Second

	// claimAttempts ограничивает гонку claim/expire/reclaim на одном ключе.
	claimAttempts = 4
)

var (
	idempotencyOutcomesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cloudflow_idempotency_outcomes_total",
		Help: "Total number of idempotent executions grouped by outcome.",
	}, []string{"outcome"})
	idempotencyReclaimsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cloudflow_idempotency_reclaims_total",
		Help: "Total number of reclaimed stale in-progress claims.",
	})
)

// Options задает параметры ledger-а.
type Options struct {
	Logger            *log.Entry
	TTL               time.Duration
	InProgressTimeout time.Duration
	Clock             func() time.Time
}

// Option настраивает Ledger.
type Option func(*Options)

// WithLedgerLogger задает logger для ledger-а.
func WithLedgerLogger(logger *log.Entry) Option {
	return func(opts *Options) {
		opts.Logger = logger
	}
}

// WithTTL задает срок жизни идемпотентных записей.
func WithTTL(ttl time.Duration) Option {
	return func(opts *Options) {
		opts.TTL = ttl
	}
}

// WithInProgressTimeout задает порог перехвата зависших claim-ов.
func WithInProgressTimeout(timeout time.Duration) Option {
	return func(opts *Options) {
		opts.InProgressTimeout = timeout
	}
}

// WithClock подменяет источник времени (для тестов перехвата).
func WithClock(clock func() time.Time) Option {
	return func(opts *Options) {
		opts.Clock = clock
	}
}

// Ledger гарантирует exactly-once исполнение побочного эффекта на ключ:
// первый вызов занимает ключ и исполняет функцию, конкурентные вызовы
// либо ждут (ErrInProgress), либо получают сохраненный исход. Ретраябельные
// ошибки запись не фиксируют — ключ освобождается для повторной попытки.
type Ledger struct {
	store             storage.RecordStore
	logger            *log.Entry
	ttl               time.Duration
	inProgressTimeout time.Duration
	now               func() time.Time
}

// NewLedger создает идемпотентный ledger поверх record store.
func NewLedger(store storage.RecordStore, options ...Option) *Ledger {
	opts := Options{
		TTL:               DefaultTTL,
		InProgressTimeout: DefaultInProgressTimeout,
	}
	for _, option := range options {
		option(&opts)
	}

	logger := opts.Logger
	if logger == nil {
		logger = log.WithField("component", "idempotency-ledger")
	}

	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.InProgressTimeout <= 0 {
		opts.InProgressTimeout = DefaultInProgressTimeout
	}
	now := opts.Clock
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}

	return &Ledger{
		store:             store,
		logger:            logger,
		ttl:               opts.TTL,
		inProgressTimeout: opts.InProgressTimeout,
		now:               now,
	}
}

// Run исполняет fn под идемпотентным ключом key.
//
// Исходы:
//   - ключ свободен: fn исполняется, успешный результат фиксируется как DONE,
//     бизнес-ошибка — как FAILED; оба переживают повторные вызовы;
//   - ключ занят завершенной записью: возвращается сохраненный результат или
//     восстановленная ошибка, fn не вызывается;
//   - ключ занят живым IN_PROGRESS: domain.ErrInProgress;
//   - IN_PROGRESS старше InProgressTimeout: claim перехватывается и fn
//     исполняется заново;
//   - fn вернула ретраябельную ошибку: claim удаляется, ошибка отдается
//     вызывающему для повтора.
func (l *Ledger) Run(ctx context.Context, key string, fn func(ctx context.Context) (map[string]any, error)) (map[string]any, error) {
	fullKey := keyPrefix + key
	owner := uuid.NewString()

	for attempt := 0; attempt < claimAttempts; attempt++ {
		claimed, err := l.store.PutIfAbsent(ctx, storage.Record{
			Key: fullKey,
			Doc: claimDoc(owner, l.now()),
		}, l.ttl)
		if err == nil {
			idempotencyOutcomesTotal.WithLabelValues("executed").Inc()
			return l.execute(ctx, fullKey, owner, claimed.Version, fn)
		}
		if !errors.Is(err, storage.ErrConflict) {
			return nil, fmt.Errorf("%w: claim idempotency key %s: %v", domain.ErrUnavailable, key, err)
		}

		existing, err := l.store.Get(ctx, fullKey, storage.Strong)
		if errors.Is(err, storage.ErrNotFound) {
			// Запись истекла между put и get, пробуем занять ключ снова.
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("%w: read idempotency key %s: %v", domain.ErrUnavailable, key, err)
		}

		switch docString(existing.Doc, "state") {
		case stateDone:
			idempotencyOutcomesTotal.WithLabelValues("replayed_done").Inc()
			return docMap(existing.Doc, "result"), nil

		case stateFailed:
			idempotencyOutcomesTotal.WithLabelValues("replayed_failed").Inc()
			return nil, domain.FromKind(
				domain.ErrorKind(docString(existing.Doc, "error_kind")),
				docString(existing.Doc, "error_msg"),
				docMap(existing.Doc, "error_details"),
			)

		case stateInProgress:
			claimedAt := docTime(existing.Doc, "claimed_at")
			if claimedAt.IsZero() || l.now().Sub(claimedAt) < l.inProgressTimeout {
				idempotencyOutcomesTotal.WithLabelValues("in_progress").Inc()
				return nil, fmt.Errorf("%w: key %s", domain.ErrInProgress, key)
			}

			reclaimed, casErr := l.store.CompareAndSet(ctx, fullKey, existing.Version, storage.Record{
				Doc: claimDoc(owner, l.now()),
			})
			if casErr == nil {
				idempotencyReclaimsTotal.Inc()
				l.logger.WithFields(log.Fields{
					"key":            key,
					"stale_owner":    docString(existing.Doc, "owner"),
					"stale_duration": l.now().Sub(claimedAt).String(),
				}).Warn("reclaimed stale in-progress claim")
				return l.execute(ctx, fullKey, owner, reclaimed.Version, fn)
			}
			if errors.Is(casErr, storage.ErrVersionMismatch) || errors.Is(casErr, storage.ErrNotFound) {
				// Кто-то успел раньше: завершил, перехватил или удалил claim.
				continue
			}
			return nil, fmt.Errorf("%w: reclaim idempotency key %s: %v", domain.ErrUnavailable, key, casErr)

		default:
			return nil, fmt.Errorf("%w: idempotency record %s has unknown state %q",
				domain.ErrInternal, key, docString(existing.Doc, "state"))
		}
	}

	return nil, fmt.Errorf("%w: key %s is heavily contended", domain.ErrInProgress, key)
}

func (l *Ledger) execute(ctx context.Context, fullKey, owner string, version int64, fn func(ctx context.Context) (map[string]any, error)) (map[string]any, error) {
	result, err := fn(ctx)

	if err == nil {
		record := storage.Record{Doc: map[string]any{
			"state":        stateDone,
			"owner":        owner,
			"completed_at": l.now().Format(time.RFC3339Nano),
			"result":       result,
		}}
		if _, casErr := l.store.CompareAndSet(ctx, fullKey, version, record); casErr != nil {
			// Проигранный CAS означает, что claim перехватили как зависший;
			// итог у перехватчика тот же, поэтому результат возвращаем.
			l.logger.WithError(casErr).WithField("key", fullKey).
				Warn("lost idempotency claim after successful execution")
		}
		return result, nil
	}

	if domain.Retryable(err) {
		if delErr := l.store.Delete(ctx, fullKey); delErr != nil {
			l.logger.WithError(delErr).WithField("key", fullKey).
				Warn("failed to release idempotency claim after retryable error")
		}
		return nil, err
	}

	record := storage.Record{Doc: map[string]any{
		"state":         stateFailed,
		"owner":         owner,
		"completed_at":  l.now().Format(time.RFC3339Nano),
		"error_kind":    string(domain.Kind(err)),
		"error_msg":     err.Error(),
		"error_details": domain.Details(err),
	}}
	if _, casErr := l.store.CompareAndSet(ctx, fullKey, version, record); casErr != nil {
		l.logger.WithError(casErr).WithField("key", fullKey).
			Warn("lost idempotency claim after failed execution")
	}
	return nil, err
}

func claimDoc(owner string, at time.Time) map[string]any {
	return map[string]any{
		"state":      stateInProgress,
		"owner":      owner,
		"claimed_at": at.Format(time.RFC3339Nano),
	}
}

func docString(doc map[string]any, key string) string {
	if doc == nil {
		return ""
	}
	if v, ok := doc[key].(string); ok {
		return v
	}
	return ""
}

func docMap(doc map[string]any, key string) map[string]any {
	if doc == nil {
		return nil
	}
	if v, ok := doc[key].(map[string]any); ok {
		return v
	}
	return nil
}

func docTime(doc map[string]any, key string) time.Time {
	raw := docString(doc, key)
	if raw == "" {
		return time.Time{}
	}
	parsed, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}
	}
	return parsed
}
